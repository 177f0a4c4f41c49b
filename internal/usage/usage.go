// Package usage meters per-call provider consumption.
//
// Every call gets a [Call] accumulator created by [Tracker.StartCall] and
// sealed by [Call.End] into an immutable [Record]. The record is the billable
// unit for a call: STT audio seconds, LLM input and output tokens, TTS
// characters, the provider IDs that served the call, and any non-retryable
// turn errors encountered along the way.
//
// The tracker is handed to the session supervisor at construction. There is
// no package-level singleton.
package usage

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
	"unicode/utf8"
)

// ErrUnknownSession is returned when an operation names a session the tracker
// is not holding a record for.
var ErrUnknownSession = errors.New("unknown session")

// ErrDuplicateSession is returned by StartCall when the session is already
// being tracked.
var ErrDuplicateSession = errors.New("session already tracked")

// Record is the usage accumulated for one call. EndedAt is zero until the
// call has been sealed.
type Record struct {
	SessionID   string `json:"session_id"`
	STTProvider string `json:"stt_provider"`
	TTSProvider string `json:"tts_provider"`

	STTSeconds      float64 `json:"stt_seconds"`
	LLMInputTokens  int64   `json:"llm_input_tokens"`
	LLMOutputTokens int64   `json:"llm_output_tokens"`
	TTSCharacters   int64   `json:"tts_characters"`
	Turns           int64   `json:"turns"`

	// Errors lists non-retryable turn failures recorded during the call,
	// formatted as "stage: message".
	Errors []string `json:"errors,omitempty"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// Duration is the wall-clock call length. Zero until the call has ended.
func (r Record) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Call accumulates usage for a single session.
//
// All methods are safe for concurrent use; the pipeline's two loops and the
// session supervisor share one Call. Accumulators only grow. Once End has
// been called the record is sealed and further adds are dropped.
type Call struct {
	mu    sync.Mutex
	rec   Record
	ended bool
	now   func() time.Time
}

// AddSTTSeconds adds transcribed audio time. Non-positive values are ignored.
func (c *Call) AddSTTSeconds(seconds float64) {
	if seconds <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.rec.STTSeconds += seconds
}

// AddLLMUsage adds token counts for one completion. Non-positive counts are
// ignored so a missing usage report cannot shrink the totals.
func (c *Call) AddLLMUsage(inputTokens, outputTokens int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	if inputTokens > 0 {
		c.rec.LLMInputTokens += int64(inputTokens)
	}
	if outputTokens > 0 {
		c.rec.LLMOutputTokens += int64(outputTokens)
	}
}

// AddTTSText bills synthesized text by rune count, so a multi-byte character
// is one character.
func (c *Call) AddTTSText(text string) {
	c.AddTTSChars(utf8.RuneCountInString(text))
}

// AddTTSChars adds already-counted synthesized characters.
func (c *Call) AddTTSChars(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.rec.TTSCharacters += int64(n)
}

// AddTurn counts one completed or interrupted assistant turn.
func (c *Call) AddTurn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.rec.Turns++
}

// AddError records a non-retryable turn failure in the call's metadata.
// A nil err is ignored.
func (c *Call) AddError(stage string, err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.rec.Errors = append(c.rec.Errors, fmt.Sprintf("%s: %v", stage, err))
}

// End seals the call and returns its record. The first call fixes EndedAt;
// repeated calls return the same record.
func (c *Call) End() Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ended {
		c.ended = true
		c.rec.EndedAt = c.now()
	}
	return c.snapshotLocked()
}

// Ended reports whether the call has been sealed.
func (c *Call) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

// Snapshot returns the usage accumulated so far without sealing the call.
func (c *Call) Snapshot() Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Call) snapshotLocked() Record {
	rec := c.rec
	rec.Errors = slices.Clone(c.rec.Errors)
	return rec
}

// Tracker is the registry of per-call accumulators.
//
// All exported methods are safe for concurrent use.
type Tracker struct {
	mu    sync.RWMutex
	calls map[string]*Call
	now   func() time.Time
}

// Option configures a [Tracker] during construction.
type Option func(*Tracker)

// WithNow injects a time source. Primarily for tests.
func WithNow(fn func() time.Time) Option {
	return func(t *Tracker) {
		t.now = fn
	}
}

// NewTracker creates an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		calls: make(map[string]*Call),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StartCall registers a new accumulator for sessionID and returns it.
// Starting a session that is already tracked returns [ErrDuplicateSession].
func (t *Tracker) StartCall(sessionID, sttProvider, ttsProvider string) (*Call, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.calls[sessionID]; ok {
		return nil, fmt.Errorf("usage: session %q: %w", sessionID, ErrDuplicateSession)
	}
	c := &Call{
		now: t.now,
		rec: Record{
			SessionID:   sessionID,
			STTProvider: sttProvider,
			TTSProvider: ttsProvider,
			StartedAt:   t.now(),
		},
	}
	t.calls[sessionID] = c
	return c, nil
}

// Get returns the accumulator for sessionID, if tracked.
func (t *Tracker) Get(sessionID string) (*Call, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.calls[sessionID]
	return c, ok
}

// EndCall seals the session's accumulator and returns the record. The entry
// stays registered, so repeated EndCall calls return the same record; call
// [Tracker.Remove] once the record has been exported.
func (t *Tracker) EndCall(sessionID string) (Record, error) {
	t.mu.RLock()
	c, ok := t.calls[sessionID]
	t.mu.RUnlock()

	if !ok {
		return Record{}, fmt.Errorf("usage: session %q: %w", sessionID, ErrUnknownSession)
	}
	return c.End(), nil
}

// Remove discards the session's accumulator. Removing an unknown session is
// a no-op.
func (t *Tracker) Remove(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.calls, sessionID)
}

// Active returns the number of tracked calls that have not ended yet.
func (t *Tracker) Active() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, c := range t.calls {
		c.mu.Lock()
		if !c.ended {
			n++
		}
		c.mu.Unlock()
	}
	return n
}

// Records returns a snapshot of every tracked call, live ones included,
// ordered by start time.
func (t *Tracker) Records() []Record {
	t.mu.RLock()
	calls := make([]*Call, 0, len(t.calls))
	for _, c := range t.calls {
		calls = append(calls, c)
	}
	t.mu.RUnlock()

	records := make([]Record, 0, len(calls))
	for _, c := range calls {
		records = append(records, c.Snapshot())
	}
	slices.SortFunc(records, func(a, b Record) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return records
}
