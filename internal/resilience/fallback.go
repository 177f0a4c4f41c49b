package resilience

import (
	"context"
	"errors"
)

// ErrAllFailed is returned when every backend in a pool or [FallbackGroup]
// either failed or was skipped because its circuit breaker is open.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures a [FallbackGroup]. Each registered backend gets
// its own circuit breaker built from the CircuitBreaker template, so a
// misbehaving primary trips without poisoning the fallbacks' statistics.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// FallbackGroup is the typed facade over a priority-ordered [ProviderPool]:
// the primary registers at priority 0 and fallbacks follow in registration
// order, so the pool's candidate ordering reproduces strict try-order
// failover. Breaker state, health tracking, and attempt accounting all live
// in the pool; a backend whose breaker is open is skipped without a network
// call, which is what keeps failover latency flat while a provider is down.
//
// FallbackGroup is safe for concurrent use once assembled; AddFallback is
// not safe to race with Execute.
type FallbackGroup[T any] struct {
	pool    *ProviderPool[T]
	primary T
	names   []string
}

// NewFallbackGroup creates a group with primary as its first entry. Register
// alternates with [FallbackGroup.AddFallback].
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{
		pool: NewProviderPool[T](PoolConfig{
			Name:     primaryName,
			Strategy: StrategyPriority,
			Breaker:  cfg.CircuitBreaker,
		}),
		primary: primary,
	}
	fg.add(primaryName, primary)
	return fg
}

// AddFallback appends a backend to the end of the try order.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	fg.add(name, fallback)
}

func (fg *FallbackGroup[T]) add(name string, value T) {
	fg.pool.Add(PoolEntry[T]{ID: name, Handler: value, Priority: len(fg.names)})
	fg.names = append(fg.names, name)
}

// Names returns the backend names in try order, primary first.
func (fg *FallbackGroup[T]) Names() []string {
	return append([]string(nil), fg.names...)
}

// Primary returns the first registered backend. Static metadata such as a
// model name is read from it rather than from whichever backend last served.
func (fg *FallbackGroup[T]) Primary() T {
	return fg.primary
}

// Health returns a metrics snapshot for every backend in try order.
func (fg *FallbackGroup[T]) Health() []ProviderHealth {
	return fg.pool.HealthSnapshot()
}

// Execute runs fn against each backend in order until one succeeds. Every
// attempt passes through that backend's breaker, so failures here feed the
// same statistics that later decide whether the backend is skipped. When no
// backend succeeds the last error is wrapped in [ErrAllFailed].
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that produce a
// value. It is a package-level function because Go does not support
// method-level type parameters.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	// fn closes over the caller's context; Background here only governs the
	// pool's inter-attempt delay, which the group leaves at zero.
	return ExecutePoolWithResult(context.Background(), fg.pool, "", func(_ context.Context, v T) (R, error) {
		return fn(v)
	})
}
