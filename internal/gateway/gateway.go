// Package gateway manages the server's WebSocket connections: media streams
// from telephony carriers and control/dashboard clients watching live calls.
//
// The [Manager] owns three registries keyed by user, agent, and session so
// that call results can be broadcast to everyone watching a given session
// without the session code knowing who is connected. A single process-wide
// heartbeat loop pings every connection each interval; a peer that misses
// three consecutive pongs, or whose last activity is older than the stale
// timeout, is disconnected with reason "stale". Sends that fail schedule an
// asynchronous disconnect so a wedged client can never block the caller.
//
// Shutdown is drain-style: Stop cancels the heartbeat and disconnects every
// connection in parallel with reason "server_shutdown". After Stop, Connect
// refuses new registrations.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Disconnect reasons used by the manager itself. Callers may pass their own
// reason strings to Disconnect; these three are produced internally.
const (
	ReasonStale          = "stale"
	ReasonSendError      = "send_error"
	ReasonServerShutdown = "server_shutdown"
)

// maxMissedPings is the number of consecutive unanswered pings after which a
// connection is considered stale.
const maxMissedPings = 3

// Defaults applied by NewManager when the corresponding option is not given.
const (
	DefaultMaxConnections    = 1024
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultStaleTimeout      = 2 * time.Minute
	DefaultWriteTimeout      = 5 * time.Second
	DefaultReplaySize        = 64
)

var (
	// ErrServerOverloaded is returned by Connect when the connection limit
	// is reached.
	ErrServerOverloaded = errors.New("gateway: server overloaded")

	// ErrStopped is returned by Connect after Stop has been called.
	ErrStopped = errors.New("gateway: manager stopped")
)

// Option configures a Manager.
type Option func(*Manager)

// WithMaxConnections caps concurrent connections. Zero means unlimited.
func WithMaxConnections(n int) Option {
	return func(m *Manager) { m.maxConnections = n }
}

// WithHeartbeatInterval sets how often the heartbeat loop pings each peer.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(m *Manager) { m.heartbeat = d }
}

// WithStaleTimeout sets how long a connection may be silent before the
// heartbeat loop disconnects it.
func WithStaleTimeout(d time.Duration) Option {
	return func(m *Manager) { m.staleTimeout = d }
}

// WithWriteTimeout bounds each WebSocket send.
func WithWriteTimeout(d time.Duration) Option {
	return func(m *Manager) { m.writeTimeout = d }
}

// WithReplaySize sets the per-connection replay ring capacity. Zero disables
// replay.
func WithReplaySize(n int) Option {
	return func(m *Manager) { m.replaySize = n }
}

// WithDisconnectHook registers a callback invoked after a connection has been
// removed from all registries. The hook runs on the disconnecting goroutine;
// it must not call back into the Manager synchronously with long work.
func WithDisconnectHook(fn func(info ConnectionInfo, reason string)) Option {
	return func(m *Manager) { m.onDisconnect = fn }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// Manager registers WebSocket connections, indexes them by user, agent, and
// session, runs the heartbeat loop, and fans messages out to subscribers.
type Manager struct {
	log *slog.Logger

	maxConnections int
	heartbeat      time.Duration
	staleTimeout   time.Duration
	writeTimeout   time.Duration
	replaySize     int

	onDisconnect func(ConnectionInfo, string)

	// mu guards the registries only; it is never held across I/O.
	mu        sync.RWMutex
	conns     map[string]*Conn
	byUser    map[string]map[string]*Conn
	byAgent   map[string]map[string]*Conn
	bySession map[string]map[string]*Conn
	stopped   bool

	hbCancel context.CancelFunc
	hbDone   chan struct{}
}

// NewManager builds a Manager. Call Start to begin the heartbeat loop and
// Stop to drain.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		log:            slog.Default(),
		maxConnections: DefaultMaxConnections,
		heartbeat:      DefaultHeartbeatInterval,
		staleTimeout:   DefaultStaleTimeout,
		writeTimeout:   DefaultWriteTimeout,
		replaySize:     DefaultReplaySize,
		conns:          make(map[string]*Conn),
		byUser:         make(map[string]map[string]*Conn),
		byAgent:        make(map[string]map[string]*Conn),
		bySession:      make(map[string]map[string]*Conn),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect registers an accepted WebSocket and returns its handle. The
// connection's internal context derives from ctx; callers keep ctx alive for
// the lifetime of the connection. Returns ErrServerOverloaded when the
// connection cap is reached and ErrStopped after shutdown has begun.
func (m *Manager) Connect(ctx context.Context, sock *websocket.Conn, id Identity) (*Conn, error) {
	connCtx, cancel := context.WithCancel(ctx)
	c := &Conn{
		ID:       uuid.NewString(),
		Identity: id,
		sock:     sock,
		ctx:      connCtx,
		cancel:   cancel,
		replay:   newReplayRing(m.replaySize),
	}
	c.touch()

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		cancel()
		return nil, ErrStopped
	}
	if m.maxConnections > 0 && len(m.conns) >= m.maxConnections {
		m.mu.Unlock()
		cancel()
		return nil, ErrServerOverloaded
	}
	m.conns[c.ID] = c
	indexAdd(m.byUser, id.UserID, c)
	indexAdd(m.byAgent, id.AgentID, c)
	indexAdd(m.bySession, id.SessionID, c)
	m.mu.Unlock()

	c.advance(StateConnected)
	m.log.Info("connection registered",
		"conn_id", c.ID,
		"user_id", id.UserID,
		"agent_id", id.AgentID,
		"session_id", id.SessionID,
	)
	return c, nil
}

// Disconnect closes a connection and removes it from every registry. It is
// idempotent; disconnecting an unknown or already-closed connection is a
// no-op. The reason is sent to the peer in the close frame and passed to the
// disconnect hook.
func (m *Manager) Disconnect(connID, reason string) {
	m.mu.RLock()
	c := m.conns[connID]
	m.mu.RUnlock()
	if c == nil {
		return
	}
	m.disconnect(c, reason)
}

// disconnect removes c from the registries and closes the socket. Exactly one
// caller wins; the rest observe the registry miss and return.
func (m *Manager) disconnect(c *Conn, reason string) {
	m.mu.Lock()
	if _, ok := m.conns[c.ID]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.conns, c.ID)
	indexRemove(m.byUser, c.UserID, c.ID)
	indexRemove(m.byAgent, c.AgentID, c.ID)
	indexRemove(m.bySession, c.SessionID, c.ID)
	m.mu.Unlock()

	c.advance(StateClosing)
	c.cancel()

	status := websocket.StatusNormalClosure
	if reason == ReasonServerShutdown {
		status = websocket.StatusGoingAway
	}
	if err := c.sock.Close(status, reason); err != nil && !errors.Is(err, net.ErrClosed) {
		m.log.Debug("websocket close", "conn_id", c.ID, "error", err)
	}
	c.advance(StateClosed)

	m.log.Info("connection closed", "conn_id", c.ID, "reason", reason)
	if m.onDisconnect != nil {
		m.onDisconnect(c.Info(), reason)
	}
}

// SendJSON marshals v and sends it to c. A successful send counts as peer
// activity and lands in the replay ring. A failed send returns the error and
// schedules an asynchronous disconnect with reason "send_error", so callers
// on the hot path never wait for teardown.
func (m *Manager) SendJSON(ctx context.Context, c *Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal gateway message: %w", err)
	}
	return m.send(ctx, c, data)
}

func (m *Manager) send(ctx context.Context, c *Conn, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, m.writeTimeout)
	defer cancel()
	if err := c.sock.Write(writeCtx, websocket.MessageText, data); err != nil {
		if ctx.Err() == nil {
			// The peer is at fault, not the caller's context.
			go m.disconnect(c, ReasonSendError)
		}
		return err
	}
	c.touch()
	c.replay.push(data)
	return nil
}

// ─── Broadcast ───────────────────────────────────────────────────────────────

// Audience selects one registry index for a broadcast.
type Audience struct {
	index string
	key   string
}

// User addresses every connection belonging to a user.
func User(id string) Audience { return Audience{index: "user", key: id} }

// Agent addresses every connection bound to an agent.
func Agent(id string) Audience { return Audience{index: "agent", key: id} }

// Session addresses every connection subscribed to a session.
func Session(id string) Audience { return Audience{index: "session", key: id} }

// BroadcastJSON sends v to every connection in the audience except those
// whose IDs are listed in exclude. Sends happen outside the registry lock;
// per-connection failures follow the SendJSON disconnect policy. Returns the
// number of connections the message was delivered to.
func (m *Manager) BroadcastJSON(ctx context.Context, aud Audience, v any, exclude ...string) int {
	data, err := json.Marshal(v)
	if err != nil {
		m.log.Warn("marshal broadcast message", "error", err)
		return 0
	}

	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	m.mu.RLock()
	var idx map[string]map[string]*Conn
	switch aud.index {
	case "user":
		idx = m.byUser
	case "agent":
		idx = m.byAgent
	case "session":
		idx = m.bySession
	}
	var targets []*Conn
	if idx != nil {
		for id, c := range idx[aud.key] {
			if _, ok := skip[id]; ok {
				continue
			}
			targets = append(targets, c)
		}
	}
	m.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if err := m.send(ctx, c, data); err != nil {
			m.log.Warn("broadcast send failed",
				"conn_id", c.ID, "index", aud.index, "key", aud.key, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// ─── Heartbeat ───────────────────────────────────────────────────────────────

// Start launches the heartbeat loop. The loop stops when ctx is cancelled or
// Stop is called. Starting twice or after Stop is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.stopped || m.hbCancel != nil {
		m.mu.Unlock()
		return
	}
	hbCtx, cancel := context.WithCancel(ctx)
	m.hbCancel = cancel
	m.hbDone = make(chan struct{})
	m.mu.Unlock()
	go m.heartbeatLoop(hbCtx)
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer close(m.hbDone)
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep pings every connection in parallel. A peer that has been silent
// longer than the stale timeout, or that misses maxMissedPings consecutive
// pongs, is disconnected with reason "stale". An answered ping counts as
// activity and resets the missed counter.
func (m *Manager) sweep(ctx context.Context) {
	conns := m.snapshot()
	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if time.Since(c.LastActivity()) > m.staleTimeout {
				m.disconnect(c, ReasonStale)
				return
			}
			pingCtx, cancel := context.WithTimeout(ctx, m.heartbeat)
			err := c.sock.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if int(c.missedPings.Add(1)) >= maxMissedPings {
					m.disconnect(c, ReasonStale)
				}
				return
			}
			c.missedPings.Store(0)
			c.touch()
		}()
	}
	wg.Wait()
}

// ─── Shutdown and introspection ──────────────────────────────────────────────

// Stop drains the manager: it refuses further Connects, stops the heartbeat
// loop, and disconnects every connection in parallel with reason
// "server_shutdown". Safe to call more than once.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	hbCancel, hbDone := m.hbCancel, m.hbDone
	m.mu.Unlock()

	if hbCancel != nil {
		hbCancel()
		<-hbDone
	}

	conns := m.snapshot()
	g, _ := errgroup.WithContext(ctx)
	for _, c := range conns {
		g.Go(func() error {
			m.disconnect(c, ReasonServerShutdown)
			return nil
		})
	}
	err := g.Wait()
	m.log.Info("gateway stopped", "connections_closed", len(conns))
	return err
}

// ActiveConnections returns the number of registered connections.
func (m *Manager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Info returns a snapshot of a registered connection. The second return is
// false when the connection is unknown or already disconnected.
func (m *Manager) Info(connID string) (ConnectionInfo, bool) {
	m.mu.RLock()
	c := m.conns[connID]
	m.mu.RUnlock()
	if c == nil {
		return ConnectionInfo{}, false
	}
	return c.Info(), true
}

func (m *Manager) snapshot() []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

func indexAdd(idx map[string]map[string]*Conn, key string, c *Conn) {
	if key == "" {
		return
	}
	set, ok := idx[key]
	if !ok {
		set = make(map[string]*Conn)
		idx[key] = set
	}
	set[c.ID] = c
}

func indexRemove(idx map[string]map[string]*Conn, key, connID string) {
	if key == "" {
		return
	}
	if set, ok := idx[key]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}
