package ratelimit

import (
	"log/slog"
	"sync"
)

// TierManager dispatches checks to named limiters, e.g. "free" and "pro".
// Tiers without a registered limiter fall through to the default limiter, or
// are admitted unconditionally when no default is set.
type TierManager struct {
	mu       sync.RWMutex
	tiers    map[string]Limiter
	fallback Limiter
}

// NewTierManager builds an empty manager.
func NewTierManager() *TierManager {
	return &TierManager{tiers: make(map[string]Limiter)}
}

// Register installs the limiter for tier, replacing any previous one.
func (m *TierManager) Register(tier string, l Limiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tiers[tier] = l
}

// SetDefault installs the limiter used for unknown tiers.
func (m *TierManager) SetDefault(l Limiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = l
}

// Tiers lists the registered tier names.
func (m *TierManager) Tiers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.tiers))
	for name := range m.tiers {
		names = append(names, name)
	}
	return names
}

// Check accounts one request for key against the tier's limiter.
func (m *TierManager) Check(tier, key string) Result {
	m.mu.RLock()
	l, ok := m.tiers[tier]
	if !ok {
		l = m.fallback
	}
	m.mu.RUnlock()

	if l == nil {
		slog.Debug("no limiter for tier, admitting", "tier", tier)
		return Result{Allowed: true}
	}
	return l.Check(key)
}
