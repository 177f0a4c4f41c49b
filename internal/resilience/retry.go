package resilience

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/trunkline-ai/trunkline/pkg/fail"
)

// RetryConfig holds the backoff schedule for [Retry]. Zero-value fields are
// replaced with defaults.
type RetryConfig struct {
	// MaxAttempts is the total number of calls, including the first.
	// Default: 3.
	MaxAttempts int

	// BaseDelay is the sleep before the first retry. Default: 100ms.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth of the sleep. Default: 5s.
	MaxDelay time.Duration

	// ExponentialBase is the backoff growth factor. Default: 2.
	ExponentialBase float64

	// JitterMin and JitterMax bound the multiplicative jitter drawn uniformly
	// for each sleep. Defaults: 0.8 and 1.2.
	JitterMin float64
	JitterMax float64

	// Timeout bounds the total time spent across all attempts and sleeps.
	// 0 means no budget beyond the caller's context.
	Timeout time.Duration

	// RetryIf decides whether a failure is worth another attempt. Default:
	// fail.IsRetryable, so transient, rate-limited and timeout errors retry
	// while auth, protocol, circuit-open and cancellation errors do not.
	RetryIf func(error) bool
}

func (cfg *RetryConfig) applyDefaults() {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.ExponentialBase <= 0 {
		cfg.ExponentialBase = 2
	}
	if cfg.JitterMin <= 0 {
		cfg.JitterMin = 0.8
	}
	if cfg.JitterMax <= 0 {
		cfg.JitterMax = 1.2
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = fail.IsRetryable
	}
}

// Retry executes fn until it succeeds, fails with a non-retryable error, or
// the attempt and time budgets run out. The sleep before retry n is
// min(BaseDelay·ExponentialBase^n, MaxDelay) scaled by uniform jitter, and is
// raised to a rate-limit retry-after hint when the failure carries one.
//
// Retry composes with a [CircuitBreaker] by wrapping the breaker call in fn,
// so every attempt counts toward breaker statistics and an open breaker stops
// the retry loop immediately (ErrCircuitOpen is not retryable).
func Retry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	cfg.applyDefaults()

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(cfg, attempt-1)
			if hint := fail.RetryAfterHint(lastErr); hint > delay {
				delay = hint
			}
			select {
			case <-ctx.Done():
				return errors.Join(lastErr, ctx.Err())
			case <-time.After(delay):
			}
		}
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !cfg.RetryIf(lastErr) {
			return lastErr
		}
		slog.Debug("retrying after failure",
			"attempt", attempt+1,
			"max_attempts", cfg.MaxAttempts,
			"error", lastErr)
	}
	return lastErr
}

// RetryWithResult is the value-returning variant of [Retry]. A package-level
// function because Go does not support method-level type parameters.
func RetryWithResult[R any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (R, error)) (R, error) {
	var result R
	err := Retry(ctx, cfg, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = fn(ctx)
		return innerErr
	})
	if err != nil {
		var zero R
		return zero, err
	}
	return result, nil
}

func backoffDelay(cfg RetryConfig, exponent int) time.Duration {
	d := float64(cfg.BaseDelay) * math.Pow(cfg.ExponentialBase, float64(exponent))
	if capped := float64(cfg.MaxDelay); d > capped {
		d = capped
	}
	jitter := cfg.JitterMin + rand.Float64()*(cfg.JitterMax-cfg.JitterMin)
	return time.Duration(d * jitter)
}
