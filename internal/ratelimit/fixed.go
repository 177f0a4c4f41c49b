package ratelimit

import (
	"sync"
	"time"
)

// FixedWindow counts requests in fixed windows anchored at each key's first
// request. Cheapest of the three algorithms; admits up to 2x the limit across
// a window boundary, so prefer [SlidingWindow] where that matters.
type FixedWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*fixedEntry
}

type fixedEntry struct {
	windowStart time.Time
	count       int
	lastSeen    time.Time
}

// NewFixedWindow builds a limiter admitting at most limit requests per key
// per window.
func NewFixedWindow(limit int, window time.Duration, opts ...Option) *FixedWindow {
	s := newSettings(opts)
	return &FixedWindow{
		limit:   limit,
		window:  window,
		now:     s.now,
		entries: make(map[string]*fixedEntry),
	}
}

var _ Limiter = (*FixedWindow)(nil)

// Check accounts one request for key.
func (l *FixedWindow) Check(key string) Result {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &fixedEntry{windowStart: now}
		l.entries[key] = e
	}
	e.lastSeen = now

	if now.Sub(e.windowStart) >= l.window {
		e.windowStart = now
		e.count = 0
	}

	res := Result{
		Limit:   l.limit,
		ResetAt: e.windowStart.Add(l.window),
	}
	if e.count < l.limit {
		e.count++
		res.Allowed = true
		res.Remaining = l.limit - e.count
		return res
	}

	res.RetryAfter = res.ResetAt.Sub(now)
	return res
}

// PurgeStale drops per-key state idle for longer than maxIdle and reports how
// many entries were removed.
func (l *FixedWindow) PurgeStale(maxIdle time.Duration) int {
	cutoff := l.now().Add(-maxIdle)

	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, key)
			n++
		}
	}
	return n
}
