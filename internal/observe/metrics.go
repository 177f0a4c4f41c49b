// Package observe provides application-wide observability primitives for
// trunkline: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all trunkline metrics.
const meterName = "github.com/trunkline-ai/trunkline"

// Metrics holds all OpenTelemetry metric instruments for the call server.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	meter metric.Meter

	// --- Latency histograms ---

	// TurnDuration tracks voice-to-voice response latency: caller's final
	// transcript to the first byte of reply audio.
	TurnDuration metric.Float64Histogram

	// ProviderDuration tracks provider call latency. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderDuration metric.Float64Histogram

	// CallDuration tracks whole-call wall time from accept to hangup.
	CallDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// Calls counts completed calls. Use with attributes:
	//   attribute.String("agent_id", ...), attribute.String("status", ...)
	Calls metric.Int64Counter

	// Turns counts completed caller/agent exchanges. Use with attribute:
	//   attribute.String("agent_id", ...)
	Turns metric.Int64Counter

	// Interrupts counts barge-ins that stopped agent playback. Use with
	// attribute: attribute.String("agent_id", ...)
	Interrupts metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live calls.
	ActiveCalls metric.Int64UpDownCounter

	// ActiveConnections observes the gateway's live WebSocket connection
	// count. Wire it with [Metrics.RegisterActiveConnections].
	ActiveConnections metric.Int64ObservableGauge

	// CacheHits and CacheMisses observe the LLM response cache counters.
	// Wire them with [Metrics.RegisterCacheStats].
	CacheHits   metric.Int64ObservableCounter
	CacheMisses metric.Int64ObservableCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// conversational latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callBuckets defines bucket boundaries (in seconds) sized for whole calls.
var callBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("trunkline.turn.duration",
		metric.WithDescription("Voice-to-voice response latency per turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderDuration, err = m.Float64Histogram("trunkline.provider.duration",
		metric.WithDescription("Latency of provider calls by provider and kind."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("trunkline.call.duration",
		metric.WithDescription("Wall time of completed calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("trunkline.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Calls, err = m.Int64Counter("trunkline.calls",
		metric.WithDescription("Completed calls by agent and status."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("trunkline.turns",
		metric.WithDescription("Completed caller/agent turns by agent."),
	); err != nil {
		return nil, err
	}
	if met.Interrupts, err = m.Int64Counter("trunkline.interrupts",
		metric.WithDescription("Barge-ins that stopped agent playback, by agent."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("trunkline.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("trunkline.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveCalls, err = m.Int64UpDownCounter("trunkline.active_calls",
		metric.WithDescription("Number of live calls."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64ObservableGauge("trunkline.active_connections",
		metric.WithDescription("Live WebSocket connections registered with the gateway."),
	); err != nil {
		return nil, err
	}
	if met.CacheHits, err = m.Int64ObservableCounter("trunkline.cache.hits",
		metric.WithDescription("LLM response cache hits."),
	); err != nil {
		return nil, err
	}
	if met.CacheMisses, err = m.Int64ObservableCounter("trunkline.cache.misses",
		metric.WithDescription("LLM response cache misses."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// RegisterActiveConnections wires the active-connections gauge to count,
// which is polled on every metrics collection. The returned registration can
// be used to unregister on shutdown.
func (m *Metrics) RegisterActiveConnections(count func() int64) (metric.Registration, error) {
	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.ActiveConnections, count())
		return nil
	}, m.ActiveConnections)
}

// RegisterCacheStats wires the cache hit/miss counters to stats, which must
// return cumulative totals (observable counters report totals, not deltas).
func (m *Metrics) RegisterCacheStats(stats func() (hits, misses int64)) (metric.Registration, error) {
	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		h, mi := stats()
		o.ObserveInt64(m.CacheHits, h)
		o.ObserveInt64(m.CacheMisses, mi)
		return nil
	}, m.CacheHits, m.CacheMisses)
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordCall records one completed call: the Calls counter and the
// CallDuration histogram with the standard attribute set.
func (m *Metrics) RecordCall(ctx context.Context, agentID, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("agent_id", agentID),
		attribute.String("status", status),
	)
	m.Calls.Add(ctx, 1, attrs)
	m.CallDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordTurn records one completed caller/agent exchange.
func (m *Metrics) RecordTurn(ctx context.Context, agentID string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("agent_id", agentID)),
	)
}

// RecordInterrupt records one barge-in.
func (m *Metrics) RecordInterrupt(ctx context.Context, agentID string) {
	m.Interrupts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("agent_id", agentID)),
	)
}

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordProviderCall records one finished provider call: the request counter
// plus the latency histogram.
func (m *Metrics) RecordProviderCall(ctx context.Context, provider, kind, status string, d time.Duration) {
	m.RecordProviderRequest(ctx, provider, kind, status)
	m.ProviderDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTurnLatency records voice-to-voice latency for one turn.
func (m *Metrics) RecordTurnLatency(ctx context.Context, agentID string, d time.Duration) {
	m.TurnDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("agent_id", agentID)),
	)
}
