package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumValue returns the value of the first data point whose attributes contain
// key=value, or -1 when no such point exists.
func sumValue(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	return -1
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"trunkline.turn.duration", m.TurnDuration},
		{"trunkline.provider.duration", m.ProviderDuration},
		{"trunkline.call.duration", m.CallDuration},
		{"trunkline.http.request.duration", m.HTTPRequestDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestCounterIncrement(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	attrs := metric.WithAttributes(
		attribute.String("provider", "openai"),
		attribute.String("kind", "llm"),
		attribute.String("status", "ok"),
	)
	m.ProviderRequests.Add(ctx, 1, attrs)
	m.ProviderRequests.Add(ctx, 1, attrs)
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", "openai"),
		attribute.String("kind", "llm"),
		attribute.String("status", "error"),
	))

	rm := collect(t, reader)
	if got := sumValue(t, rm, "trunkline.provider.requests", "status", "ok"); got != 2 {
		t.Errorf("ok counter = %d, want 2", got)
	}
	if got := sumValue(t, rm, "trunkline.provider.requests", "status", "error"); got != 1 {
		t.Errorf("error counter = %d, want 1", got)
	}
}

func TestRecordCall(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCall(ctx, "reception", "ok", 42*time.Second)
	m.RecordCall(ctx, "reception", "ok", 8*time.Second)
	m.RecordCall(ctx, "reception", "error", time.Second)

	rm := collect(t, reader)
	if got := sumValue(t, rm, "trunkline.calls", "status", "ok"); got != 2 {
		t.Errorf("calls ok = %d, want 2", got)
	}

	met := findMetric(rm, "trunkline.call.duration")
	if met == nil {
		t.Fatal("call duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	if total != 3 {
		t.Errorf("call duration samples = %d, want 3", total)
	}
}

func TestTurnAndInterruptCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTurn(ctx, "reception")
	m.RecordTurn(ctx, "reception")
	m.RecordInterrupt(ctx, "reception")

	rm := collect(t, reader)
	if got := sumValue(t, rm, "trunkline.turns", "agent_id", "reception"); got != 2 {
		t.Errorf("turns = %d, want 2", got)
	}
	if got := sumValue(t, rm, "trunkline.interrupts", "agent_id", "reception"); got != 1 {
		t.Errorf("interrupts = %d, want 1", got)
	}
}

func TestProviderErrorsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderError(ctx, "elevenlabs", "tts")

	rm := collect(t, reader)
	if got := sumValue(t, rm, "trunkline.provider.errors", "provider", "elevenlabs"); got != 1 {
		t.Errorf("provider errors = %d, want 1", got)
	}
}

func TestRecordProviderCall(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderCall(ctx, "deepgram", "stt", "ok", 80*time.Millisecond)
	m.RecordProviderCall(ctx, "deepgram", "stt", "ok", 120*time.Millisecond)

	rm := collect(t, reader)
	if got := sumValue(t, rm, "trunkline.provider.requests", "provider", "deepgram"); got != 2 {
		t.Errorf("provider requests = %d, want 2", got)
	}
	met := findMetric(rm, "trunkline.provider.duration")
	if met == nil {
		t.Fatal("provider duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if got := hist.DataPoints[0].Count; got != 2 {
		t.Errorf("duration samples = %d, want 2", got)
	}
}

func TestRecordTurnLatency(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.RecordTurnLatency(context.Background(), "agent-1", 700*time.Millisecond)

	rm := collect(t, reader)
	met := findMetric(rm, "trunkline.turn.duration")
	if met == nil {
		t.Fatal("turn duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}
	if dp.Sum < 0.69 || dp.Sum > 0.71 {
		t.Errorf("recorded latency = %v, want ~0.7s", dp.Sum)
	}
	if _, ok := dp.Attributes.Value("agent_id"); !ok {
		t.Error("agent_id attribute missing")
	}
}

func TestActiveCallsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveCalls.Add(ctx, 1)
	m.ActiveCalls.Add(ctx, 1)
	m.ActiveCalls.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "trunkline.active_calls")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(sum.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("gauge value = %d, want 1", got)
	}
}

func TestRegisterActiveConnections(t *testing.T) {
	m, reader := newTestMetrics(t)

	var current int64 = 3
	reg, err := m.RegisterActiveConnections(func() int64 { return current })
	if err != nil {
		t.Fatalf("RegisterActiveConnections: %v", err)
	}
	defer func() { _ = reg.Unregister() }()

	rm := collect(t, reader)
	met := findMetric(rm, "trunkline.active_connections")
	if met == nil {
		t.Fatal("metric not found")
	}
	gauge, ok := met.Data.(metricdata.Gauge[int64])
	if !ok {
		t.Fatal("metric is not a gauge")
	}
	if len(gauge.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := gauge.DataPoints[0].Value; got != 3 {
		t.Errorf("gauge value = %d, want 3", got)
	}

	// The callback is polled on every collection.
	current = 7
	rm = collect(t, reader)
	gauge = findMetric(rm, "trunkline.active_connections").Data.(metricdata.Gauge[int64])
	if got := gauge.DataPoints[0].Value; got != 7 {
		t.Errorf("gauge value after update = %d, want 7", got)
	}
}

func TestRegisterCacheStats(t *testing.T) {
	m, reader := newTestMetrics(t)

	reg, err := m.RegisterCacheStats(func() (int64, int64) { return 5, 2 })
	if err != nil {
		t.Fatalf("RegisterCacheStats: %v", err)
	}
	defer func() { _ = reg.Unregister() }()

	rm := collect(t, reader)
	for _, tc := range []struct {
		name string
		want int64
	}{
		{"trunkline.cache.hits", 5},
		{"trunkline.cache.misses", 2},
	} {
		met := findMetric(rm, tc.name)
		if met == nil {
			t.Fatalf("metric %q not found", tc.name)
		}
		sum, ok := met.Data.(metricdata.Sum[int64])
		if !ok {
			t.Fatalf("metric %q is not a sum", tc.name)
		}
		if len(sum.DataPoints) == 0 {
			t.Fatalf("metric %q has no data points", tc.name)
		}
		if got := sum.DataPoints[0].Value; got != tc.want {
			t.Errorf("%s = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
