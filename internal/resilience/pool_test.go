package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/trunkline-ai/trunkline/pkg/fail"
)

// callRecorder collects provider IDs in invocation order.
type callRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *callRecorder) add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, id)
}

func (r *callRecorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func newTestPool(cfg PoolConfig, ids ...string) *ProviderPool[string] {
	if cfg.Name == "" {
		cfg.Name = "test"
	}
	if cfg.Breaker.MaxFailures == 0 {
		cfg.Breaker.MaxFailures = 100
	}
	if cfg.Breaker.ResetTimeout == 0 {
		cfg.Breaker.ResetTimeout = time.Hour
	}
	p := NewProviderPool[string](cfg)
	for i, id := range ids {
		p.Add(PoolEntry[string]{ID: id, Handler: id, Priority: i + 1})
	}
	return p
}

func TestProviderPool_ExecuteEmptyPool(t *testing.T) {
	p := NewProviderPool[string](PoolConfig{Name: "empty"})
	err := p.Execute(context.Background(), "", func(ctx context.Context, h string) error {
		return nil
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestProviderPool_PriorityOrder(t *testing.T) {
	p := NewProviderPool[string](PoolConfig{
		Name:    "test",
		Breaker: CircuitBreakerConfig{MaxFailures: 100, ResetTimeout: time.Hour},
	})
	p.Add(PoolEntry[string]{ID: "slow", Handler: "slow", Priority: 2})
	p.Add(PoolEntry[string]{ID: "fast", Handler: "fast", Priority: 1})
	p.Add(PoolEntry[string]{ID: "backup", Handler: "backup", Priority: 3})

	var rec callRecorder
	err := p.Execute(context.Background(), "", func(ctx context.Context, h string) error {
		rec.add(h)
		return fail.Transient("provider", errTest)
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}

	want := []string{"fast", "slow", "backup"}
	got := rec.get()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls = %v, want %v", got, want)
		}
	}
}

func TestProviderPool_FailoverOnError(t *testing.T) {
	p := newTestPool(PoolConfig{}, "primary", "secondary")

	got, err := ExecutePoolWithResult(context.Background(), p, "", func(ctx context.Context, h string) (string, error) {
		if h == "primary" {
			return "", fail.Transient("provider", errTest)
		}
		return "from " + h, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "from secondary" {
		t.Fatalf("got = %q, want %q", got, "from secondary")
	}

	// The failure and the success must both be on the books.
	if h, ok := p.Health("primary"); !ok || h.FailureCount != 1 {
		t.Errorf("primary health = %+v, want 1 failure", h)
	}
	if h, ok := p.Health("secondary"); !ok || h.SuccessCount != 1 {
		t.Errorf("secondary health = %+v, want 1 success", h)
	}
}

func TestProviderPool_PreferredGoesFirst(t *testing.T) {
	p := newTestPool(PoolConfig{}, "a", "b", "c")

	var rec callRecorder
	err := p.Execute(context.Background(), "c", func(ctx context.Context, h string) error {
		rec.add(h)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := rec.get(); len(got) != 1 || got[0] != "c" {
		t.Fatalf("calls = %v, want [c]", got)
	}
}

func TestProviderPool_RoundRobinRotates(t *testing.T) {
	p := newTestPool(PoolConfig{Strategy: StrategyRoundRobin}, "a", "b", "c")

	var rec callRecorder
	for i := 0; i < 3; i++ {
		err := p.Execute(context.Background(), "", func(ctx context.Context, h string) error {
			rec.add(h)
			return nil
		})
		if err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
	}

	want := []string{"a", "b", "c"}
	got := rec.get()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls = %v, want %v", got, want)
		}
	}
}

func TestProviderPool_LeastCostOrder(t *testing.T) {
	p := NewProviderPool[string](PoolConfig{
		Name:     "test",
		Strategy: StrategyLeastCost,
		Breaker:  CircuitBreakerConfig{MaxFailures: 100, ResetTimeout: time.Hour},
	})
	p.Add(PoolEntry[string]{ID: "premium", Handler: "premium", CostPerUnit: 3.0})
	p.Add(PoolEntry[string]{ID: "budget", Handler: "budget", CostPerUnit: 0.5})
	p.Add(PoolEntry[string]{ID: "standard", Handler: "standard", CostPerUnit: 1.5})

	var rec callRecorder
	_ = p.Execute(context.Background(), "", func(ctx context.Context, h string) error {
		rec.add(h)
		return fail.Transient("provider", errTest)
	})

	want := []string{"budget", "standard", "premium"}
	got := rec.get()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls = %v, want %v", got, want)
		}
	}
}

func TestProviderPool_LeastLatencyOrder(t *testing.T) {
	p := newTestPool(PoolConfig{Strategy: StrategyLeastLatency}, "a", "b", "c")

	prime := func(id string, latency time.Duration) {
		m := p.find(id)
		m.mu.Lock()
		m.avgLatency = latency
		m.mu.Unlock()
	}
	prime("a", 300*time.Millisecond)
	prime("b", 50*time.Millisecond)
	prime("c", 120*time.Millisecond)

	var rec callRecorder
	_ = p.Execute(context.Background(), "", func(ctx context.Context, h string) error {
		rec.add(h)
		return fail.Transient("provider", errTest)
	})

	want := []string{"b", "c", "a"}
	got := rec.get()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls = %v, want %v", got, want)
		}
	}
}

func TestProviderPool_WeightedFavorsHeavyEntries(t *testing.T) {
	p := NewProviderPool[string](PoolConfig{
		Name:     "test",
		Strategy: StrategyWeighted,
		Breaker:  CircuitBreakerConfig{MaxFailures: 1 << 30, ResetTimeout: time.Hour},
	})
	p.Add(PoolEntry[string]{ID: "heavy", Handler: "heavy", Weight: 1_000_000})
	p.Add(PoolEntry[string]{ID: "light", Handler: "light", Weight: 1})

	// With this weight ratio the heavy entry should come first essentially
	// every draw.
	heavyFirst := 0
	for i := 0; i < 100; i++ {
		var first string
		_ = p.Execute(context.Background(), "", func(ctx context.Context, h string) error {
			if first == "" {
				first = h
			}
			return fail.Transient("provider", errTest)
		})
		if first == "heavy" {
			heavyFirst++
		}
	}
	if heavyFirst < 95 {
		t.Fatalf("heavy entry first in %d/100 draws, want >= 95", heavyFirst)
	}
}

func TestProviderPool_SkipsOpenBreaker(t *testing.T) {
	p := newTestPool(PoolConfig{
		MaxRetries: 1,
		Breaker:    CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	}, "a", "b")

	// One failure trips a's breaker.
	_ = p.Execute(context.Background(), "a", func(ctx context.Context, h string) error {
		return fail.Transient("provider", errTest)
	})
	if h, _ := p.Health("a"); h.CircuitState != StateOpen {
		t.Fatalf("a circuit state = %v, want open", h.CircuitState)
	}

	var rec callRecorder
	err := p.Execute(context.Background(), "", func(ctx context.Context, h string) error {
		rec.add(h)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := rec.get(); len(got) != 1 || got[0] != "b" {
		t.Fatalf("calls = %v, want [b] (a's breaker is open)", got)
	}
}

func TestProviderPool_UnhealthySinksToEnd(t *testing.T) {
	p := newTestPool(PoolConfig{UnhealthyAfter: 2, MaxRetries: 1}, "a", "b")

	// Two consecutive failures mark a unhealthy.
	for i := 0; i < 2; i++ {
		_ = p.Execute(context.Background(), "a", func(ctx context.Context, h string) error {
			return fail.Transient("provider", errTest)
		})
	}
	if h, _ := p.Health("a"); h.Healthy {
		t.Fatal("a should be unhealthy after 2 consecutive failures")
	}

	var rec callRecorder
	err := p.Execute(context.Background(), "", func(ctx context.Context, h string) error {
		rec.add(h)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := rec.get(); got[0] != "b" {
		t.Fatalf("first call = %v, want b (unhealthy a sinks to end)", got)
	}
}

func TestProviderPool_ExcludeUnhealthy(t *testing.T) {
	p := newTestPool(PoolConfig{
		UnhealthyAfter:   1,
		ExcludeUnhealthy: true,
		MaxRetries:       1,
	}, "a", "b")

	_ = p.Execute(context.Background(), "a", func(ctx context.Context, h string) error {
		return fail.Transient("provider", errTest)
	})

	var rec callRecorder
	for i := 0; i < 3; i++ {
		_ = p.Execute(context.Background(), "", func(ctx context.Context, h string) error {
			rec.add(h)
			return nil
		})
	}
	for _, id := range rec.get() {
		if id == "a" {
			t.Fatal("unhealthy provider was not excluded")
		}
	}
}

func TestProviderPool_AllUnhealthyFallsBackToFullList(t *testing.T) {
	p := newTestPool(PoolConfig{
		UnhealthyAfter:   1,
		ExcludeUnhealthy: true,
		MaxRetries:       1,
	}, "a", "b")

	for _, id := range []string{"a", "b"} {
		_ = p.Execute(context.Background(), id, func(ctx context.Context, h string) error {
			return fail.Transient("provider", errTest)
		})
	}

	// Both unhealthy; the pool should still try someone.
	called := false
	err := p.Execute(context.Background(), "", func(ctx context.Context, h string) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("no provider was attempted")
	}
}

func TestProviderPool_AutoRecovery(t *testing.T) {
	p := newTestPool(PoolConfig{
		UnhealthyAfter: 1,
		HealthyRate:    0.5,
		MaxRetries:     1,
	}, "a", "b")

	_ = p.Execute(context.Background(), "a", func(ctx context.Context, h string) error {
		return fail.Transient("provider", errTest)
	})
	if h, _ := p.Health("a"); h.Healthy {
		t.Fatal("a should be unhealthy")
	}

	// Successes through the preferred slot rebuild the success rate until
	// the entry recovers on its own.
	for i := 0; i < 2; i++ {
		err := p.Execute(context.Background(), "a", func(ctx context.Context, h string) error {
			if h != "a" {
				return fail.Transient("provider", errTest)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("recovery call %d: unexpected error: %v", i, err)
		}
	}
	if h, _ := p.Health("a"); !h.Healthy {
		t.Fatal("a should have recovered after sustained successes")
	}
}

func TestProviderPool_ForceHealthState(t *testing.T) {
	p := newTestPool(PoolConfig{ExcludeUnhealthy: true, MaxRetries: 1}, "a", "b")

	if !p.ForceUnhealthy("a") {
		t.Fatal("ForceUnhealthy(a) = false, want true")
	}
	if h, _ := p.Health("a"); h.Healthy {
		t.Fatal("a should be unhealthy after ForceUnhealthy")
	}

	var rec callRecorder
	_ = p.Execute(context.Background(), "", func(ctx context.Context, h string) error {
		rec.add(h)
		return nil
	})
	if got := rec.get(); got[0] != "b" {
		t.Fatalf("first call = %v, want b", got)
	}

	if !p.ForceHealthy("a") {
		t.Fatal("ForceHealthy(a) = false, want true")
	}
	if h, _ := p.Health("a"); !h.Healthy {
		t.Fatal("a should be healthy after ForceHealthy")
	}

	if p.ForceHealthy("nope") || p.ForceUnhealthy("nope") {
		t.Fatal("forcing an unknown id should report false")
	}
}

func TestProviderPool_CancellationNotRecorded(t *testing.T) {
	p := newTestPool(PoolConfig{}, "a", "b")

	err := p.Execute(context.Background(), "", func(ctx context.Context, h string) error {
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	// Cancellation aborts the whole call and touches no provider's stats.
	for _, id := range []string{"a", "b"} {
		h, _ := p.Health(id)
		if h.FailureCount != 0 || !h.Healthy || h.CircuitState != StateClosed {
			t.Fatalf("%s health = %+v, want untouched", id, h)
		}
	}
}

func TestProviderPool_AttemptBudgetWraps(t *testing.T) {
	p := newTestPool(PoolConfig{MaxRetries: 4}, "a", "b")

	counts := map[string]int{}
	var mu sync.Mutex
	err := p.Execute(context.Background(), "", func(ctx context.Context, h string) error {
		mu.Lock()
		counts[h]++
		mu.Unlock()
		return fail.Transient("provider", errTest)
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if counts["a"] != 2 || counts["b"] != 2 {
		t.Fatalf("counts = %v, want a:2 b:2", counts)
	}
}

func TestProviderPool_ExecuteParallelFirstSuccessWins(t *testing.T) {
	p := newTestPool(PoolConfig{}, "hung", "fast", "broken")

	hungCancelled := make(chan struct{})
	got, err := ExecuteParallelWithResult(context.Background(), p, func(ctx context.Context, h string) (string, error) {
		switch h {
		case "hung":
			<-ctx.Done()
			close(hungCancelled)
			return "", ctx.Err()
		case "fast":
			time.Sleep(5 * time.Millisecond)
			return "fast wins", nil
		default:
			return "", fail.Transient("provider", errTest)
		}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "fast wins" {
		t.Fatalf("got = %q, want %q", got, "fast wins")
	}

	// The loser must have been cancelled by the winner.
	select {
	case <-hungCancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("hung provider was never cancelled")
	}

	if h, _ := p.Health("fast"); h.SuccessCount != 1 {
		t.Errorf("fast health = %+v, want 1 success", h)
	}
	// The cancelled loser must not be penalized.
	if h, _ := p.Health("hung"); h.FailureCount != 0 {
		t.Errorf("hung health = %+v, want 0 failures", h)
	}
}

func TestProviderPool_ExecuteParallelAllFail(t *testing.T) {
	p := newTestPool(PoolConfig{}, "a", "b")

	err := p.ExecuteParallel(context.Background(), func(ctx context.Context, h string) error {
		return fail.Transient("provider", errTest)
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestProviderPool_HealthSnapshot(t *testing.T) {
	p := newTestPool(PoolConfig{}, "a", "b")
	if p.Len() != 2 {
		t.Fatalf("Len = %d, want 2", p.Len())
	}

	for _, id := range []string{"a", "b"} {
		if err := p.Execute(context.Background(), id, func(ctx context.Context, h string) error {
			return nil
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	snap := p.HealthSnapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot has %d entries, want 2", len(snap))
	}
	for _, h := range snap {
		if h.SuccessCount != 1 || !h.Healthy {
			t.Errorf("%s health = %+v, want 1 success and healthy", h.ID, h)
		}
	}

	if _, ok := p.Health("nope"); ok {
		t.Fatal("Health(nope) reported ok for an unknown id")
	}
}

func TestPoolMember_LatencyEWMA(t *testing.T) {
	m := &poolMember[string]{
		entry:   PoolEntry[string]{ID: "a"},
		breaker: NewCircuitBreaker(CircuitBreakerConfig{Name: "a"}),
		healthy: true,
		window:  outcomeWindow{buf: make([]bool, 20)},
	}

	m.record(100*time.Millisecond, nil, 3, 0.7)
	if got := m.snapshot().AvgLatency; got != 100*time.Millisecond {
		t.Fatalf("first avg = %v, want 100ms", got)
	}

	m.record(50*time.Millisecond, nil, 3, 0.7)
	if got := m.snapshot().AvgLatency; got != 90*time.Millisecond {
		t.Fatalf("smoothed avg = %v, want 90ms", got)
	}
	if got := m.snapshot().LastLatency; got != 50*time.Millisecond {
		t.Fatalf("last latency = %v, want 50ms", got)
	}
}
