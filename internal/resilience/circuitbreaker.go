// Package resilience provides the failure-handling primitives wrapped around
// every external provider call.
//
// The central type is [CircuitBreaker], a classic three-state breaker
// (closed → open → half-open) that protects callers from cascading failures.
// [Retry] layers bounded exponential backoff on top and composes with the
// breaker so that each attempt counts toward breaker statistics.
// [ProviderPool] composes multiple providers of one capability with per-entry
// breakers and health tracking so that a failing primary is automatically
// bypassed in favour of healthy fallbacks.
//
// All types are safe for concurrent use.
package resilience

import (
	"log/slog"
	"sync"
	"time"

	"github.com/trunkline-ai/trunkline/pkg/fail"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker
// rejects a call without making it. It classifies as fail.KindCircuitOpen.
var ErrCircuitOpen = fail.ErrCircuitOpen

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state — all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped. Calls are rejected
	// immediately with [ErrCircuitOpen] until the reset timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the reset timeout. A
	// limited number of concurrent calls are allowed through; enough
	// consecutive successes close the breaker, any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive tracked failures in the closed
	// state before the breaker opens. Default: 5.
	MaxFailures int

	// FailureRateThreshold additionally opens the breaker when the failure
	// rate over the rolling outcome window reaches this fraction and at least
	// MinSamples outcomes have been observed. Range (0, 1]; 0 disables rate
	// tripping.
	FailureRateThreshold float64

	// MinSamples is the minimum number of windowed outcomes before the rate
	// predicate applies. Default: 10.
	MinSamples int

	// WindowSize is the size of the rolling outcome window used for rate
	// tripping. Default: 50.
	WindowSize int

	// ResetTimeout is how long the breaker stays open before transitioning to
	// half-open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the maximum number of concurrent probe calls allowed in
	// the half-open state. Default: 3.
	HalfOpenMax int

	// SuccessThreshold is the number of consecutive successful probes that
	// closes the breaker. Default: 3.
	SuccessThreshold int

	// TripOn decides whether an error counts as a tracked failure. The
	// default tracks every error except cancellations, which reflect the
	// caller giving up rather than the provider failing.
	TripOn func(error) bool
}

// CircuitBreaker implements the three-state circuit breaker pattern.
// It is safe for concurrent use from multiple goroutines.
type CircuitBreaker struct {
	name             string
	maxFailures      int
	rateThreshold    float64
	minSamples       int
	resetTimeout     time.Duration
	halfOpenMax      int
	successThreshold int
	tripOn           func(error) bool

	mu              sync.Mutex
	state           State
	consecutiveFail int
	consecutiveOK   int
	lastFailure     time.Time
	lastChange      time.Time
	halfOpenActive  int
	window          outcomeWindow
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied
// configuration. Zero-value config fields are replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 10
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 50
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 3
	}
	if cfg.TripOn == nil {
		cfg.TripOn = func(err error) bool {
			return fail.Classify(err) != fail.KindCancelled
		}
	}
	return &CircuitBreaker{
		name:             cfg.Name,
		maxFailures:      cfg.MaxFailures,
		rateThreshold:    cfg.FailureRateThreshold,
		minSamples:       cfg.MinSamples,
		resetTimeout:     cfg.ResetTimeout,
		halfOpenMax:      cfg.HalfOpenMax,
		successThreshold: cfg.SuccessThreshold,
		tripOn:           cfg.TripOn,
		state:            StateClosed,
		lastChange:       time.Now(),
		window:           outcomeWindow{buf: make([]bool, cfg.WindowSize)},
	}
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling fn and without sleeping. In the half-open
// state at most HalfOpenMax probes run concurrently; the rest are rejected.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	if cb.state == StateOpen {
		if time.Since(cb.lastFailure) >= cb.resetTimeout {
			cb.toHalfOpen()
		} else {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}

	inHalfOpen := cb.state == StateHalfOpen
	if inHalfOpen {
		if cb.halfOpenActive >= cb.halfOpenMax {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.halfOpenActive++
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if inHalfOpen {
		cb.halfOpenActive--
	}
	switch {
	case err == nil:
		cb.recordSuccess()
	case cb.tripOn(err):
		cb.recordFailure()
	default:
		// Untracked errors (cancellations) pass through without touching
		// breaker statistics.
	}
	return err
}

// recordFailure handles failure accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure() {
	cb.lastFailure = time.Now()

	switch cb.state {
	case StateHalfOpen:
		// Any failure during probing re-opens with a fresh timer.
		cb.toOpen("probe failed")

	case StateClosed:
		cb.consecutiveFail++
		cb.window.add(true)
		rate, samples := cb.window.failureRate()
		switch {
		case cb.consecutiveFail >= cb.maxFailures:
			cb.toOpen("consecutive failures")
		case cb.rateThreshold > 0 && samples >= cb.minSamples && rate >= cb.rateThreshold:
			cb.toOpen("failure rate")
		}

	case StateOpen:
		// A straggler from before the trip; the timer is already fresh.
	}
}

// recordSuccess handles success accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess() {
	switch cb.state {
	case StateHalfOpen:
		cb.consecutiveOK++
		if cb.consecutiveOK >= cb.successThreshold {
			cb.toClosed()
		}

	case StateClosed:
		cb.consecutiveFail = 0
		cb.window.add(false)

	case StateOpen:
		// A probe that finished after another probe re-opened; ignore.
	}
}

// toOpen must be called with cb.mu held.
func (cb *CircuitBreaker) toOpen(reason string) {
	cb.state = StateOpen
	cb.lastChange = time.Now()
	cb.halfOpenActive = 0
	cb.consecutiveOK = 0
	slog.Warn("circuit breaker opened",
		"name", cb.name,
		"reason", reason,
		"consecutive_failures", cb.consecutiveFail)
}

// toHalfOpen must be called with cb.mu held.
func (cb *CircuitBreaker) toHalfOpen() {
	cb.state = StateHalfOpen
	cb.lastChange = time.Now()
	cb.halfOpenActive = 0
	cb.consecutiveOK = 0
	slog.Info("circuit breaker transitioning to half-open", "name", cb.name)
}

// toClosed must be called with cb.mu held.
func (cb *CircuitBreaker) toClosed() {
	cb.state = StateClosed
	cb.lastChange = time.Now()
	cb.consecutiveFail = 0
	cb.consecutiveOK = 0
	cb.halfOpenActive = 0
	cb.window.reset()
	slog.Info("circuit breaker closed after successful probes", "name", cb.name)
}

// State returns the current [State] of the breaker. If the breaker is open
// and the reset timeout has elapsed, the returned state is [StateHalfOpen]
// (the actual transition happens on the next [Execute] call).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// BreakerStats is a point-in-time snapshot of breaker accounting.
type BreakerStats struct {
	State                State
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	FailureRate          float64
	WindowSamples        int
	LastStateChange      time.Time
}

// Stats returns a snapshot of the breaker's counters.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	rate, samples := cb.window.failureRate()
	return BreakerStats{
		State:                cb.state,
		ConsecutiveFailures:  cb.consecutiveFail,
		ConsecutiveSuccesses: cb.consecutiveOK,
		FailureRate:          rate,
		WindowSamples:        samples,
		LastStateChange:      cb.lastChange,
	}
}

// Reset manually forces the breaker back to [StateClosed], clearing all
// failure counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.lastChange = time.Now()
	cb.consecutiveFail = 0
	cb.consecutiveOK = 0
	cb.halfOpenActive = 0
	cb.window.reset()
	slog.Info("circuit breaker manually reset", "name", cb.name)
}

// outcomeWindow is a fixed-size ring of call outcomes (true = failure) used
// for the rolling failure-rate trip predicate.
type outcomeWindow struct {
	buf   []bool
	next  int
	count int
	fails int
}

func (w *outcomeWindow) add(failed bool) {
	if w.count == len(w.buf) {
		if w.buf[w.next] {
			w.fails--
		}
	} else {
		w.count++
	}
	w.buf[w.next] = failed
	if failed {
		w.fails++
	}
	w.next = (w.next + 1) % len(w.buf)
}

func (w *outcomeWindow) failureRate() (float64, int) {
	if w.count == 0 {
		return 0, 0
	}
	return float64(w.fails) / float64(w.count), w.count
}

func (w *outcomeWindow) reset() {
	for i := range w.buf {
		w.buf[i] = false
	}
	w.next = 0
	w.count = 0
	w.fails = 0
}
