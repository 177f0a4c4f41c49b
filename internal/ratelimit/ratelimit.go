// Package ratelimit provides keyed rate limiters for caller-facing surfaces.
//
// Three algorithms are available: [SlidingWindow] (two-bucket weighted
// approximation, the default for API keys), [TokenBucket] (burst-friendly,
// backed by golang.org/x/time/rate) and [FixedWindow] (cheapest, coarse).
// All of them answer Check with the same [Result] shape so callers can swap
// algorithms per tier without touching call sites. [TierManager] bundles
// named limiters and dispatches by the caller's tier.
package ratelimit

import (
	"errors"
	"time"

	"github.com/trunkline-ai/trunkline/pkg/fail"
)

// ErrLimited is the sentinel wrapped into every denial error.
var ErrLimited = errors.New("rate limit exceeded")

// Result reports the outcome of a single Check.
type Result struct {
	// Allowed reports whether the request may proceed. The request is
	// already counted when true.
	Allowed bool

	// Limit is the configured ceiling of the limiter that answered.
	Limit int

	// Remaining is how many further requests the key could make right now.
	Remaining int

	// ResetAt is when the current accounting window rolls over.
	ResetAt time.Time

	// RetryAfter is how long to wait before a retry can succeed. Zero when
	// Allowed.
	RetryAfter time.Duration
}

// Err converts a denial into a rate-limited provider error carrying the
// retry-after hint. Returns nil when the result is allowed.
func (r Result) Err(op string) error {
	if r.Allowed {
		return nil
	}
	return fail.RateLimited(op, ErrLimited, r.RetryAfter)
}

// Limiter is a keyed rate limiter. Implementations are safe for concurrent
// use.
type Limiter interface {
	// Check accounts one request for key and reports the decision.
	Check(key string) Result
}

// Option adjusts limiter construction.
type Option func(*settings)

type settings struct {
	now func() time.Time
}

func newSettings(opts []Option) settings {
	s := settings{now: time.Now}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithNow injects a time source. Primarily for tests.
func WithNow(fn func() time.Time) Option {
	return func(s *settings) {
		s.now = fn
	}
}
