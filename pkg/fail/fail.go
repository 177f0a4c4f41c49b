// Package fail classifies the errors that cross provider and pipeline
// boundaries.
//
// Every outbound call (STT, LLM, TTS, transport) can fail in ways that demand
// different handling: transient faults retry, rate limits carry a retry-after
// hint, auth problems terminate the turn, cancellations are not failures at
// all. Rather than stringly-typed inspection, callers wrap errors with a
// [Kind] and the retry/breaker/pool layers branch on it via [Classify].
package fail

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind buckets an error by how callers should react to it.
type Kind int

const (
	// KindUnknown is an unclassified error. Treated as non-retryable.
	KindUnknown Kind = iota

	// KindTransient covers network faults and provider 5xx responses.
	// Retryable.
	KindTransient

	// KindRateLimited means a provider or local limiter refused the call.
	// Retryable after the RetryAfter hint.
	KindRateLimited

	// KindCircuitOpen means a circuit breaker rejected the call without
	// making it. Not retryable against the same provider; failover instead.
	KindCircuitOpen

	// KindAuth covers invalid or expired credentials. Not retryable.
	KindAuth

	// KindProtocol covers malformed requests or responses. Not retryable.
	KindProtocol

	// KindTimeout means the call exceeded its deadline. Retryable.
	KindTimeout

	// KindCancelled means the caller abandoned the call (barge-in, hangup,
	// shutdown). Not a failure; never retried and never counted against a
	// provider.
	KindCancelled

	// KindFatal is an irrecoverable session-level fault (media stream died,
	// transport closed). Terminates the pipeline.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindCircuitOpen:
		return "circuit_open"
	case KindAuth:
		return "auth"
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is the sentinel a circuit breaker returns when rejecting a
// call in the open state. It classifies as KindCircuitOpen.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Error attaches a Kind and operation label to an underlying error.
type Error struct {
	// Kind is the classification bucket.
	Kind Kind

	// Op labels the failed operation, e.g. "deepgram.stream".
	Op string

	// Err is the underlying cause. May be nil when the classification itself
	// is the whole story (e.g. a local rate-limit denial).
	Err error

	// RetryAfter is the wait hint for KindRateLimited errors. Zero otherwise.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable fault.
func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// RateLimited wraps err with a retry-after hint.
func RateLimited(op string, err error, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Op: op, Err: err, RetryAfter: retryAfter}
}

// Auth wraps err as a credential failure.
func Auth(op string, err error) *Error {
	return &Error{Kind: KindAuth, Op: op, Err: err}
}

// Protocol wraps err as a malformed-data failure.
func Protocol(op string, err error) *Error {
	return &Error{Kind: KindProtocol, Op: op, Err: err}
}

// Timeout wraps err as a deadline failure.
func Timeout(op string, err error) *Error {
	return &Error{Kind: KindTimeout, Op: op, Err: err}
}

// Fatal wraps err as an irrecoverable session fault.
func Fatal(op string, err error) *Error {
	return &Error{Kind: KindFatal, Op: op, Err: err}
}

// Classify returns the Kind of err, walking the wrap chain. Context
// cancellation and deadline errors classify even when produced by code that
// knows nothing about this package.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindUnknown
}

// IsRetryable reports whether a retry against the same provider can
// plausibly succeed.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case KindTransient, KindRateLimited, KindTimeout:
		return true
	default:
		return false
	}
}

// RetryAfterHint extracts the rate-limit wait hint from err, or 0.
func RetryAfterHint(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}
