package app

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trunkline-ai/trunkline/internal/gateway"
	"github.com/trunkline-ai/trunkline/internal/observe"
	"github.com/trunkline-ai/trunkline/pkg/fail"
)

// routes builds the HTTP surface. Probe, metrics, and webhook routes run
// behind the observe middleware; the WebSocket routes stay outside it so a
// span does not live for a whole call.
func (a *App) routes() http.Handler {
	control := http.NewServeMux()
	a.probes.Register(control)
	control.Handle("GET /metrics", promhttp.Handler())
	control.HandleFunc("POST /voice/incoming/{agent_id}", a.handleIncoming)

	mux := http.NewServeMux()
	mux.Handle("/", observe.Middleware(a.metrics)(control))
	mux.HandleFunc("GET /media/{agent_id}", a.handleMedia)
	mux.HandleFunc("GET /events", a.handleEvents)
	return mux
}

// handleIncoming answers the carrier's call webhook with the control
// document that points its media stream at this server.
func (a *App) handleIncoming(w http.ResponseWriter, r *http.Request) {
	if a.adapter == nil {
		http.Error(w, "no telephony carrier configured", http.StatusServiceUnavailable)
		return
	}
	agentID := r.PathValue("agent_id")
	def, err := a.store.Get(r.Context(), agentID)
	if err != nil {
		a.log.Error("agent lookup failed", "agent_id", agentID, "error", err)
		http.Error(w, "agent lookup failed", http.StatusInternalServerError)
		return
	}
	if def == nil {
		http.Error(w, "unknown agent", http.StatusNotFound)
		return
	}
	doc, err := a.adapter.OnIncoming(r)
	if err != nil {
		a.log.Error("carrier webhook rejected", "agent_id", agentID, "error", err)
		http.Error(w, "bad webhook", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", doc.ContentType)
	if _, err := w.Write(doc.Body); err != nil {
		a.log.Debug("control document write failed", "error", err)
	}
}

// handleMedia accepts the carrier's media WebSocket and runs the call on it.
// The request context descends from the app's call context, so a draining
// app cancels the call rather than orphaning it.
func (a *App) handleMedia(w http.ResponseWriter, r *http.Request) {
	if a.adapter == nil {
		http.Error(w, "no telephony carrier configured", http.StatusServiceUnavailable)
		return
	}
	agentID := r.PathValue("agent_id")
	sock, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.log.Debug("media accept failed", "agent_id", agentID, "error", err)
		return
	}

	start := time.Now()
	a.metrics.ActiveCalls.Add(r.Context(), 1)
	err = a.sup.Run(r.Context(), sock, agentID, a.adapter)

	// The request context may be dead by now; record against background.
	ctx := context.Background()
	a.metrics.ActiveCalls.Add(ctx, -1)
	status := "ok"
	if err != nil {
		status = fail.Classify(err).String()
		a.log.Error("call ended with error", "agent_id", agentID, "status", status, "error", err)
	}
	a.metrics.RecordCall(ctx, agentID, status, time.Since(start))
}

// handleEvents registers a dashboard subscriber. Identity comes from query
// parameters; an empty identity still receives untargeted broadcasts.
func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := gateway.Identity{
		UserID:    q.Get("user"),
		AgentID:   q.Get("agent"),
		SessionID: q.Get("session"),
	}
	sock, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.log.Debug("events accept failed", "error", err)
		return
	}
	if _, err := a.gw.Connect(r.Context(), sock, id); err != nil {
		a.log.Debug("subscriber refused", "error", err)
		sock.Close(websocket.StatusTryAgainLater, "refused")
	}
}
