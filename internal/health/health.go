// Package health serves the probe endpoints for a call server.
//
//   - /healthz — liveness; a process that can answer HTTP is alive.
//   - /readyz  — readiness; 200 only while the server should receive new
//     calls: every registered [Checker] passes and the server is not
//     draining.
//
// Calls are long-lived, so shutdown marks the handler as draining first:
// readiness fails immediately (the balancer stops routing new calls here)
// while liveness stays green until the live calls finish.
//
// Responses are JSON with a top-level "status" ("ok", "fail" or "draining")
// and a "checks" map with one entry per checker.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness probe for one dependency. Check returns nil
// when the dependency can serve a call and an error describing why not. It
// must respect context cancellation.
type Checker struct {
	// Name keys the checker's entry in the JSON response, e.g.
	// "agent_store" or "providers".
	Name string

	Check func(ctx context.Context) error
}

// result is the JSON body for both probes.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. The checker list is fixed at
// construction; the draining flag may be flipped at any time. Safe for
// concurrent use.
type Handler struct {
	checkers []Checker
	draining atomic.Bool
}

// New builds a Handler that evaluates the given checkers, in order, on each
// /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// SetDraining marks the server as draining (or clears the mark). While
// draining, /readyz answers 503 without probing dependencies.
func (h *Handler) SetDraining(on bool) {
	h.draining.Store(on)
}

// Draining reports whether the server is refusing new calls.
func (h *Handler) Draining() bool {
	return h.draining.Load()
}

// Healthz always answers 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz answers 200 only when the server should receive new calls. Each
// checker runs with a [checkTimeout] deadline derived from the request
// context; a draining server skips the checks entirely.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, result{Status: "draining"})
		return
	}

	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
