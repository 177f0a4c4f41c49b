// Package interrupt tracks who is speaking on a call and turns voice activity
// into barge-in decisions.
//
// The manager runs a small state machine fed from two sides: the pipeline
// reports turn boundaries (StartUserTurn, StartAssistantTurn,
// EndAssistantTurn) and the inbound audio path reports raw frames via
// ProcessAudio. When the caller starts speaking while the assistant is
// mid-response, the manager fires its interrupt callbacks exactly once per
// trip, subject to a cooldown that suppresses rapid double-trips.
package interrupt

import (
	"log/slog"
	"sync"
	"time"

	"github.com/trunkline-ai/trunkline/pkg/provider/vad"
)

// State identifies who currently holds the floor on the call.
type State int

const (
	// StateIdle is the initial state before the first user turn.
	StateIdle State = iota

	// StateListening means nobody is speaking; the next utterance starts a
	// user turn.
	StateListening

	// StateUserSpeaking means the caller is speaking and no assistant
	// response is playing.
	StateUserSpeaking

	// StateAssistantSpeaking means a response is being synthesized or played.
	StateAssistantSpeaking

	// StateInterrupted means the caller barged in over the assistant; the
	// active turn must be cancelled.
	StateInterrupted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateUserSpeaking:
		return "user_speaking"
	case StateAssistantSpeaking:
		return "assistant_speaking"
	case StateInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// DefaultCooldown suppresses a second barge-in trip within this window of the
// last one.
const DefaultCooldown = 500 * time.Millisecond

// Option configures a Manager.
type Option func(*Manager)

// WithCooldown overrides DefaultCooldown.
func WithCooldown(d time.Duration) Option {
	return func(m *Manager) {
		m.cooldown = d
	}
}

// WithLogger sets the logger for state transitions and callback panics.
// Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		m.log = log
	}
}

// Manager owns the per-call floor state machine. All methods are safe for
// concurrent use; ProcessAudio is expected to be called from the single
// ingestion goroutine while turn transitions arrive from the execution
// goroutine.
type Manager struct {
	session  vad.SessionHandle
	cooldown time.Duration
	log      *slog.Logger

	mu            sync.Mutex
	state         State
	lastInterrupt time.Time
	onInterrupt   []func()
}

// NewManager wires the state machine to an active VAD session. The manager
// takes ownership of the session; Close releases it.
func NewManager(session vad.SessionHandle, opts ...Option) *Manager {
	m := &Manager{
		session:  session,
		cooldown: DefaultCooldown,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnInterrupt registers fn to run when the caller barges in over the
// assistant. Callbacks run on their own goroutine; a panic in one is logged
// and isolated.
func (m *Manager) OnInterrupt(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onInterrupt = append(m.onInterrupt, fn)
}

// State returns the current floor state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StartUserTurn moves Idle to Listening. Called once when the call goes live.
func (m *Manager) StartUserTurn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		return
	}
	m.transition(StateListening)
}

// StartAssistantTurn moves Listening to AssistantSpeaking. Called when the
// pipeline begins working on a response.
func (m *Manager) StartAssistantTurn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateListening {
		m.log.Debug("start assistant turn ignored", "state", m.state)
		return
	}
	m.transition(StateAssistantSpeaking)
}

// EndAssistantTurn moves AssistantSpeaking back to Listening. Called when a
// response finishes cleanly. Has no effect after a barge-in: the Interrupted
// state clears only when the caller stops speaking.
func (m *Manager) EndAssistantTurn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAssistantSpeaking {
		m.log.Debug("end assistant turn ignored", "state", m.state)
		return
	}
	m.transition(StateListening)
}

// ProcessAudio feeds one inbound frame to the VAD session and applies the
// resulting speech boundary, if any, to the state machine. Must not be called
// concurrently with itself.
func (m *Manager) ProcessAudio(frame []byte) error {
	ev, err := m.session.ProcessFrame(frame)
	if err != nil {
		return err
	}

	switch ev.Type {
	case vad.VADSpeechStart:
		m.speechStarted(ev.Probability)
	case vad.VADSpeechEnd:
		m.speechEnded()
	}
	return nil
}

func (m *Manager) speechStarted(probability float64) {
	m.mu.Lock()
	switch m.state {
	case StateListening:
		m.transition(StateUserSpeaking)
		m.mu.Unlock()
	case StateAssistantSpeaking:
		now := time.Now()
		if now.Sub(m.lastInterrupt) < m.cooldown {
			m.log.Debug("barge-in suppressed by cooldown",
				"since_last", now.Sub(m.lastInterrupt), "cooldown", m.cooldown)
			m.mu.Unlock()
			return
		}
		m.lastInterrupt = now
		m.transition(StateInterrupted)
		fns := append([]func(){}, m.onInterrupt...)
		m.mu.Unlock()
		m.log.Info("barge-in detected", "probability", probability)
		m.dispatch(fns)
	default:
		m.mu.Unlock()
	}
}

func (m *Manager) speechEnded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateUserSpeaking, StateInterrupted:
		m.transition(StateListening)
	}
}

// transition must be called with mu held.
func (m *Manager) transition(to State) {
	m.log.Debug("floor state", "from", m.state, "to", to)
	m.state = to
}

func (m *Manager) dispatch(fns []func()) {
	for _, fn := range fns {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Warn("interrupt callback panicked", "panic", r)
				}
			}()
			fn()
		}()
	}
}

// Reset returns the machine to Idle and clears the VAD session's detection
// state. Used when the media stream restarts mid-call.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.state = StateIdle
	m.lastInterrupt = time.Time{}
	m.mu.Unlock()
	m.session.Reset()
}

// Close releases the owned VAD session.
func (m *Manager) Close() error {
	return m.session.Close()
}
