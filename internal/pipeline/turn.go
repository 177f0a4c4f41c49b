package pipeline

import (
	"context"
	"strings"
	"sync/atomic"
	"time"
)

// TurnState tracks one assistant turn: the caller prompt that triggered it,
// the response text streamed so far, and a cancellation flag shared between
// the execution loop and the interrupt callback.
//
// Cancel may be called from any goroutine; everything else belongs to the
// execution loop.
type TurnState struct {
	// Prompt is the final caller transcript this turn answers. Empty for
	// scripted utterances that bypass the LLM.
	Prompt string

	started   time.Time
	cancelled atomic.Bool
	cancel    context.CancelFunc
	response  strings.Builder
}

func newTurnState(prompt string, cancel context.CancelFunc) *TurnState {
	return &TurnState{Prompt: prompt, started: time.Now(), cancel: cancel}
}

// Cancel marks the turn as cancelled and tears down its context, which
// unwinds the in-flight LLM and TTS streams. Idempotent.
func (t *TurnState) Cancel() {
	if t.cancelled.CompareAndSwap(false, true) {
		t.cancel()
	}
}

// Cancelled reports whether Cancel has been called.
func (t *TurnState) Cancelled() bool {
	return t.cancelled.Load()
}

func (t *TurnState) appendResponse(token string) {
	t.response.WriteString(token)
}

// ResponseText returns the assistant text accumulated so far. After a
// cancellation this is the partial response the caller actually heard
// streaming, not the full generation.
func (t *TurnState) ResponseText() string {
	return t.response.String()
}

// Elapsed is the wall-clock time since the turn began.
func (t *TurnState) Elapsed() time.Duration {
	return time.Since(t.started)
}
