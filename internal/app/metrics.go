package app

import (
	"context"
	"time"

	"github.com/trunkline-ai/trunkline/internal/gateway"
	"github.com/trunkline-ai/trunkline/internal/pipeline"
)

// turnTrack is per-session turn-metric state: when the caller's final
// transcript landed (voice-to-voice latency starts there) and whether a
// caller turn is still awaiting its final response. The pending flag keeps
// scripted lines like the welcome message out of the turn counter.
type turnTrack struct {
	start   time.Time
	pending bool
}

// observeResult feeds the turn instruments from the pipeline's result
// stream. It runs on each call's fan-out goroutine and must stay cheap.
func (a *App) observeResult(sessionID, agentID string, r pipeline.Result) {
	ctx := context.Background()
	a.turnMu.Lock()
	defer a.turnMu.Unlock()
	tr := a.turns[sessionID]
	if tr == nil {
		tr = &turnTrack{}
		a.turns[sessionID] = tr
	}

	switch r.Type {
	case pipeline.ResultTranscription:
		if r.IsFinal {
			tr.start = time.Now()
			tr.pending = true
		}
	case pipeline.ResultAudio:
		// First audio after a final transcript closes the latency window.
		if !tr.start.IsZero() {
			a.metrics.RecordTurnLatency(ctx, agentID, time.Since(tr.start))
			tr.start = time.Time{}
		}
	case pipeline.ResultLLMResponse:
		if r.IsFinal && tr.pending {
			a.metrics.RecordTurn(ctx, agentID)
			tr.pending = false
		}
	case pipeline.ResultInterrupt:
		a.metrics.RecordInterrupt(ctx, agentID)
		tr.start = time.Time{}
	case pipeline.ResultError:
		tr.start = time.Time{}
		tr.pending = false
	}
}

// onDisconnect drops a session's turn state once its call is over. Gateway
// subscribers share the session ID with the call, so the entry survives
// subscriber churn: it goes only when the usage record is sealed or the
// session was never a tracked call.
func (a *App) onDisconnect(info gateway.ConnectionInfo, _ string) {
	if info.SessionID == "" {
		return
	}
	if c, ok := a.tracker.Get(info.SessionID); ok && !c.Ended() {
		return
	}
	a.turnMu.Lock()
	delete(a.turns, info.SessionID)
	a.turnMu.Unlock()
}
