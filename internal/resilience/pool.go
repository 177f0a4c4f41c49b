package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/trunkline-ai/trunkline/pkg/fail"
)

// Strategy selects the order in which pool entries are tried.
type Strategy string

const (
	// StrategyPriority tries entries in ascending Priority order.
	StrategyPriority Strategy = "priority"

	// StrategyRoundRobin rotates the starting entry on every call.
	StrategyRoundRobin Strategy = "round_robin"

	// StrategyWeighted orders entries by weighted random draw, so an entry
	// with twice the weight leads twice as often.
	StrategyWeighted Strategy = "weighted"

	// StrategyLeastLatency tries the entry with the lowest average observed
	// latency first. Entries with no observations sort first so they get
	// measured.
	StrategyLeastLatency Strategy = "least_latency"

	// StrategyLeastCost tries entries in ascending CostPerUnit order.
	StrategyLeastCost Strategy = "least_cost"

	// StrategyRandom shuffles entries uniformly on every call.
	StrategyRandom Strategy = "random"
)

// PoolConfig holds tuning knobs for a [ProviderPool].
type PoolConfig struct {
	// Name labels the pool in logs and breaker names.
	Name string

	// Strategy orders the candidate list. Default: StrategyPriority.
	Strategy Strategy

	// MaxRetries is the total attempt budget per Execute call. When larger
	// than the candidate list, attempts wrap around it. Default: one attempt
	// per candidate.
	MaxRetries int

	// RetryDelay is the sleep between consecutive attempts. Default: 0.
	RetryDelay time.Duration

	// ExcludeUnhealthy removes unhealthy entries from the candidate order
	// entirely instead of sinking them to the end. If every entry is
	// excluded, the full list is used as a last resort.
	ExcludeUnhealthy bool

	// UnhealthyAfter is the consecutive-failure count that marks an entry
	// unhealthy. Default: 3.
	UnhealthyAfter int

	// HealthyRate is the windowed success rate at which an unhealthy entry
	// auto-recovers. Default: 0.7.
	HealthyRate float64

	// Breaker is the per-entry circuit breaker template. The entry ID is
	// appended to its Name.
	Breaker CircuitBreakerConfig
}

// PoolEntry describes one provider in a pool.
type PoolEntry[T any] struct {
	// ID identifies the entry in health snapshots and the preferred-provider
	// hint.
	ID string

	// Handler is the provider value handed to Execute callbacks.
	Handler T

	// Priority orders entries under StrategyPriority; lower is tried first.
	Priority int

	// Weight biases StrategyWeighted; entries with Weight <= 0 count as 1.
	Weight int

	// CostPerUnit orders entries under StrategyLeastCost.
	CostPerUnit float64
}

// ProviderHealth is a point-in-time snapshot of one pool entry's metrics.
type ProviderHealth struct {
	ID                  string
	Healthy             bool
	CircuitState        State
	SuccessCount        int64
	FailureCount        int64
	ConsecutiveFailures int
	AvgLatency          time.Duration
	LastLatency         time.Duration
	LastError           string
	LastUsed            time.Time
}

// poolMember pairs an entry with its breaker and health accounting.
type poolMember[T any] struct {
	entry   PoolEntry[T]
	breaker *CircuitBreaker

	mu              sync.Mutex
	healthy         bool
	successCount    int64
	failureCount    int64
	consecutiveFail int
	avgLatency      time.Duration
	lastLatency     time.Duration
	lastErr         string
	lastUsed        time.Time
	window          outcomeWindow
}

// record folds one completed attempt into the member's health metrics.
// Circuit-open rejections and cancellations never reach here.
func (m *poolMember[T]) record(latency time.Duration, err error, unhealthyAfter int, healthyRate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastUsed = time.Now()
	m.lastLatency = latency
	if m.avgLatency == 0 {
		m.avgLatency = latency
	} else {
		m.avgLatency = (m.avgLatency*4 + latency) / 5
	}

	if err != nil {
		m.failureCount++
		m.consecutiveFail++
		m.lastErr = err.Error()
		m.window.add(true)
		if m.consecutiveFail >= unhealthyAfter {
			m.healthy = false
		}
		return
	}

	m.successCount++
	m.consecutiveFail = 0
	m.window.add(false)
	if !m.healthy {
		rate, samples := m.window.failureRate()
		if samples >= 3 && 1-rate >= healthyRate {
			m.healthy = true
		}
	}
}

func (m *poolMember[T]) snapshot() ProviderHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ProviderHealth{
		ID:                  m.entry.ID,
		Healthy:             m.healthy,
		CircuitState:        m.breaker.State(),
		SuccessCount:        m.successCount,
		FailureCount:        m.failureCount,
		ConsecutiveFailures: m.consecutiveFail,
		AvgLatency:          m.avgLatency,
		LastLatency:         m.lastLatency,
		LastError:           m.lastErr,
		LastUsed:            m.lastUsed,
	}
}

func (m *poolMember[T]) isHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

// ProviderPool composes multiple providers of one capability with per-entry
// circuit breakers and health tracking. When the first candidate fails or its
// breaker is open, the next is tried, in an order chosen by the configured
// [Strategy].
//
// ProviderPool is safe for concurrent use.
type ProviderPool[T any] struct {
	cfg PoolConfig

	mu      sync.Mutex
	members []*poolMember[T]
	rr      int
}

// NewProviderPool creates an empty pool. Entries are registered via
// [ProviderPool.Add].
func NewProviderPool[T any](cfg PoolConfig) *ProviderPool[T] {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyPriority
	}
	if cfg.UnhealthyAfter <= 0 {
		cfg.UnhealthyAfter = 3
	}
	if cfg.HealthyRate <= 0 {
		cfg.HealthyRate = 0.7
	}
	return &ProviderPool[T]{cfg: cfg}
}

// Add registers a provider entry. Each entry gets its own circuit breaker
// built from the pool's breaker template.
func (p *ProviderPool[T]) Add(entry PoolEntry[T]) {
	cbCfg := p.cfg.Breaker
	cbCfg.Name = p.cfg.Name + "/" + entry.ID

	p.mu.Lock()
	defer p.mu.Unlock()
	p.members = append(p.members, &poolMember[T]{
		entry:   entry,
		breaker: NewCircuitBreaker(cbCfg),
		healthy: true,
		window:  outcomeWindow{buf: make([]bool, 20)},
	})
}

// candidates materializes the attempt order for one Execute call.
func (p *ProviderPool[T]) candidates(preferred string) []*poolMember[T] {
	p.mu.Lock()
	all := make([]*poolMember[T], len(p.members))
	copy(all, p.members)
	rr := p.rr
	p.rr++
	p.mu.Unlock()

	if len(all) == 0 {
		return nil
	}

	var usable, excluded []*poolMember[T]
	for _, m := range all {
		if m.breaker.State() == StateOpen || (p.cfg.ExcludeUnhealthy && !m.isHealthy()) {
			excluded = append(excluded, m)
		} else {
			usable = append(usable, m)
		}
	}
	if len(usable) == 0 {
		// Everything is tripped or unhealthy; try the full list rather than
		// refusing outright.
		usable = all
	}

	p.order(usable, rr)

	// Without the exclude flag, unhealthy entries stay in the list but sink
	// to the end of it.
	if !p.cfg.ExcludeUnhealthy {
		sort.SliceStable(usable, func(i, j int) bool {
			return usable[i].isHealthy() && !usable[j].isHealthy()
		})
	}

	if preferred != "" {
		for i, m := range usable {
			if m.entry.ID == preferred {
				usable = append([]*poolMember[T]{m}, append(usable[:i:i], usable[i+1:]...)...)
				break
			}
		}
	}
	return usable
}

func (p *ProviderPool[T]) order(members []*poolMember[T], rr int) {
	switch p.cfg.Strategy {
	case StrategyRoundRobin:
		if len(members) > 1 {
			offset := rr % len(members)
			rotated := append(append([]*poolMember[T]{}, members[offset:]...), members[:offset]...)
			copy(members, rotated)
		}

	case StrategyWeighted:
		weightedShuffle(members)

	case StrategyLeastLatency:
		sort.SliceStable(members, func(i, j int) bool {
			return members[i].snapshot().AvgLatency < members[j].snapshot().AvgLatency
		})

	case StrategyLeastCost:
		sort.SliceStable(members, func(i, j int) bool {
			return members[i].entry.CostPerUnit < members[j].entry.CostPerUnit
		})

	case StrategyRandom:
		rand.Shuffle(len(members), func(i, j int) {
			members[i], members[j] = members[j], members[i]
		})

	default: // StrategyPriority
		sort.SliceStable(members, func(i, j int) bool {
			return members[i].entry.Priority < members[j].entry.Priority
		})
	}
}

// weightedShuffle orders members by repeated weighted draw without
// replacement.
func weightedShuffle[T any](members []*poolMember[T]) {
	for i := 0; i < len(members)-1; i++ {
		total := 0
		for _, m := range members[i:] {
			total += max(m.entry.Weight, 1)
		}
		pick := rand.IntN(total)
		for j := i; j < len(members); j++ {
			pick -= max(members[j].entry.Weight, 1)
			if pick < 0 {
				members[i], members[j] = members[j], members[i]
				break
			}
		}
	}
}

// Execute tries fn against candidates in strategy order until one succeeds or
// the attempt budget runs out. preferred, when non-empty and present, is
// moved to the front of the order. Cancellation aborts immediately and is
// never counted against a provider.
func (p *ProviderPool[T]) Execute(ctx context.Context, preferred string, fn func(context.Context, T) error) error {
	_, err := ExecutePoolWithResult(ctx, p, preferred, func(ctx context.Context, handler T) (struct{}, error) {
		return struct{}{}, fn(ctx, handler)
	})
	return err
}

// ExecutePoolWithResult is the value-returning variant of
// [ProviderPool.Execute]. A package-level function because Go does not
// support method-level type parameters.
func ExecutePoolWithResult[T any, R any](ctx context.Context, p *ProviderPool[T], preferred string, fn func(context.Context, T) (R, error)) (R, error) {
	var zero R
	cands := p.candidates(preferred)
	if len(cands) == 0 {
		return zero, fmt.Errorf("%w: pool %q is empty", ErrAllFailed, p.cfg.Name)
	}

	budget := p.cfg.MaxRetries
	if budget <= 0 {
		budget = len(cands)
	}

	var lastErr error
	for attempt := 0; attempt < budget; attempt++ {
		if attempt > 0 && p.cfg.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				return zero, errors.Join(lastErr, ctx.Err())
			case <-time.After(p.cfg.RetryDelay):
			}
		}

		m := cands[attempt%len(cands)]
		start := time.Now()
		var result R
		err := m.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(ctx, m.entry.Handler)
			return innerErr
		})

		if errors.Is(err, ErrCircuitOpen) {
			lastErr = err
			slog.Debug("skipping provider (circuit open)",
				"pool", p.cfg.Name, "provider", m.entry.ID)
			continue
		}
		if fail.Classify(err) == fail.KindCancelled {
			return zero, err
		}

		m.record(time.Since(start), err, p.cfg.UnhealthyAfter, p.cfg.HealthyRate)
		if err == nil {
			return result, nil
		}
		lastErr = err
		slog.Warn("provider failed, trying next",
			"pool", p.cfg.Name, "provider", m.entry.ID, "error", err)
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// ExecuteParallel races fn against every candidate at once and returns as
// soon as one succeeds; the rest are cancelled through the context.
func (p *ProviderPool[T]) ExecuteParallel(ctx context.Context, fn func(context.Context, T) error) error {
	_, err := ExecuteParallelWithResult(ctx, p, func(ctx context.Context, handler T) (struct{}, error) {
		return struct{}{}, fn(ctx, handler)
	})
	return err
}

// ExecuteParallelWithResult is the value-returning variant of
// [ProviderPool.ExecuteParallel].
func ExecuteParallelWithResult[T any, R any](ctx context.Context, p *ProviderPool[T], fn func(context.Context, T) (R, error)) (R, error) {
	var zero R
	cands := p.candidates("")
	if len(cands) == 0 {
		return zero, fmt.Errorf("%w: pool %q is empty", ErrAllFailed, p.cfg.Name)
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		result R
		err    error
	}
	results := make(chan outcome, len(cands))

	for _, m := range cands {
		go func() {
			start := time.Now()
			var result R
			err := m.breaker.Execute(func() error {
				var innerErr error
				result, innerErr = fn(raceCtx, m.entry.Handler)
				return innerErr
			})
			if !errors.Is(err, ErrCircuitOpen) && fail.Classify(err) != fail.KindCancelled {
				m.record(time.Since(start), err, p.cfg.UnhealthyAfter, p.cfg.HealthyRate)
			}
			results <- outcome{result: result, err: err}
		}()
	}

	var lastErr error
	for range cands {
		select {
		case out := <-results:
			if out.err == nil {
				return out.result, nil
			}
			lastErr = out.err
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// ForceHealthy marks the entry healthy, clears its failure streak and resets
// its breaker so it takes traffic immediately. Reports whether id exists.
func (p *ProviderPool[T]) ForceHealthy(id string) bool {
	m := p.find(id)
	if m == nil {
		return false
	}
	m.mu.Lock()
	m.healthy = true
	m.consecutiveFail = 0
	m.window.reset()
	m.mu.Unlock()
	m.breaker.Reset()
	slog.Info("provider forced healthy", "pool", p.cfg.Name, "provider", id)
	return true
}

// ForceUnhealthy marks the entry unhealthy. Reports whether id exists.
func (p *ProviderPool[T]) ForceUnhealthy(id string) bool {
	m := p.find(id)
	if m == nil {
		return false
	}
	m.mu.Lock()
	m.healthy = false
	m.mu.Unlock()
	slog.Info("provider forced unhealthy", "pool", p.cfg.Name, "provider", id)
	return true
}

// Health returns the metrics snapshot for one entry.
func (p *ProviderPool[T]) Health(id string) (ProviderHealth, bool) {
	m := p.find(id)
	if m == nil {
		return ProviderHealth{}, false
	}
	return m.snapshot(), true
}

// HealthSnapshot returns metrics for every entry in registration order.
func (p *ProviderPool[T]) HealthSnapshot() []ProviderHealth {
	p.mu.Lock()
	members := make([]*poolMember[T], len(p.members))
	copy(members, p.members)
	p.mu.Unlock()

	out := make([]ProviderHealth, 0, len(members))
	for _, m := range members {
		out = append(out, m.snapshot())
	}
	return out
}

// Len returns the number of registered entries.
func (p *ProviderPool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.members)
}

func (p *ProviderPool[T]) find(id string) *poolMember[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.members {
		if m.entry.ID == id {
			return m
		}
	}
	return nil
}
