package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// State tracks where a connection is in its lifecycle. Transitions only move
// forward; a connection never returns to an earlier state.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Identity carries the registry keys a connection is indexed under. Empty
// fields are simply not indexed: a media connection before authentication
// may have only an AgentID, a dashboard connection only a UserID.
type Identity struct {
	UserID    string
	AgentID   string
	SessionID string
}

// Conn is one registered WebSocket client. All exported methods are safe for
// concurrent use. The zero value is not usable; connections are created by
// [Manager.Connect].
type Conn struct {
	// ID is the process-unique connection identifier.
	ID string

	Identity

	sock   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	state        atomic.Int32
	lastActivity atomic.Int64 // UnixNano
	missedPings  atomic.Int32
	replay       *replayRing
}

// State returns the connection's current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// advance moves the state forward. Transitions to an earlier or equal state
// are ignored, so racing callers cannot regress the lifecycle.
func (c *Conn) advance(to State) {
	for {
		cur := c.state.Load()
		if int32(to) <= cur {
			return
		}
		if c.state.CompareAndSwap(cur, int32(to)) {
			return
		}
	}
}

// Authenticated marks the connection as having passed auth.
func (c *Conn) Authenticated() {
	c.advance(StateAuthenticated)
}

// Activate marks the connection as bound to a live session.
func (c *Conn) Activate() {
	c.advance(StateActive)
}

// LastActivity returns the time of the last successful send, receive, or
// answered ping on this connection.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Done is closed when the connection has been disconnected. Read loops built
// on top of the connection can select on it to exit promptly.
func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

// ReadJSON reads the next text frame and unmarshals it into v. A successful
// read counts as peer activity.
func (c *Conn) ReadJSON(ctx context.Context, v any) error {
	_, data, err := c.sock.Read(ctx)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return err
	}
	c.touch()
	return nil
}

// Replay returns a copy of the most recently sent frames, oldest first. The
// ring is bounded; older frames are dropped as new ones are sent.
func (c *Conn) Replay() [][]byte {
	return c.replay.snapshot()
}

// Info returns a point-in-time snapshot of the connection.
func (c *Conn) Info() ConnectionInfo {
	return ConnectionInfo{
		ID:           c.ID,
		Identity:     c.Identity,
		State:        c.State(),
		LastActivity: c.LastActivity(),
		MissedPings:  int(c.missedPings.Load()),
	}
}

// ConnectionInfo is the transport-level view of a connection exposed to
// observers. It is a value snapshot; it does not track the live connection.
type ConnectionInfo struct {
	ID string
	Identity
	State        State
	LastActivity time.Time
	MissedPings  int
}

// ─── Replay ring ─────────────────────────────────────────────────────────────

// replayRing is a bounded FIFO of sent frames. Writers hold the lock only for
// the append; snapshot copies the slice headers, not the frame bytes, which
// are never mutated after send.
type replayRing struct {
	mu  sync.Mutex
	max int
	buf [][]byte
}

func newReplayRing(max int) *replayRing {
	return &replayRing{max: max}
}

func (r *replayRing) push(frame []byte) {
	if r.max <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) >= r.max {
		r.buf = r.buf[1:]
	}
	r.buf = append(r.buf, frame)
}

func (r *replayRing) snapshot() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.buf))
	copy(out, r.buf)
	return out
}
