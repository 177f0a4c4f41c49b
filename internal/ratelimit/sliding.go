package ratelimit

import (
	"sync"
	"time"
)

// SlidingWindow approximates a true sliding window with two fixed buckets:
// the previous bucket's count is weighted by how much of it still overlaps
// the sliding window. Weighted count never exceeds the limit, each fixed
// bucket admits at most limit requests, and any interval of one window length
// admits at most twice the limit.
type SlidingWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*slidingEntry
}

type slidingEntry struct {
	bucketStart time.Time
	prev, curr  int
	lastSeen    time.Time
}

// NewSlidingWindow builds a limiter admitting at most limit requests per key
// per window.
func NewSlidingWindow(limit int, window time.Duration, opts ...Option) *SlidingWindow {
	s := newSettings(opts)
	return &SlidingWindow{
		limit:   limit,
		window:  window,
		now:     s.now,
		entries: make(map[string]*slidingEntry),
	}
}

var _ Limiter = (*SlidingWindow)(nil)

// Check accounts one request for key.
func (l *SlidingWindow) Check(key string) Result {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &slidingEntry{bucketStart: now}
		l.entries[key] = e
	}
	e.lastSeen = now

	// Roll the fixed buckets forward.
	elapsed := now.Sub(e.bucketStart)
	switch {
	case elapsed >= 2*l.window:
		e.prev, e.curr = 0, 0
		e.bucketStart = now
		elapsed = 0
	case elapsed >= l.window:
		e.prev, e.curr = e.curr, 0
		e.bucketStart = e.bucketStart.Add(l.window)
		elapsed -= l.window
	}

	frac := float64(elapsed) / float64(l.window)
	weighted := float64(e.prev)*(1-frac) + float64(e.curr)

	res := Result{
		Limit:   l.limit,
		ResetAt: e.bucketStart.Add(l.window),
	}

	if weighted+1 <= float64(l.limit) {
		e.curr++
		res.Allowed = true
		res.Remaining = remaining(float64(l.limit) - weighted - 1)
		return res
	}

	res.Remaining = 0
	res.RetryAfter = l.retryAfter(e, frac, elapsed)
	return res
}

// retryAfter estimates when the weighted count will have decayed enough to
// admit one request.
func (l *SlidingWindow) retryAfter(e *slidingEntry, frac float64, elapsed time.Duration) time.Duration {
	headroom := float64(l.limit-1) - float64(e.curr)
	if headroom < 0 || e.prev == 0 {
		// The current bucket alone is full; nothing decays until it rolls.
		return l.window - elapsed
	}
	// Solve prev*(1-f) <= headroom for the bucket fraction f.
	fNeeded := 1 - headroom/float64(e.prev)
	if fNeeded <= frac {
		return 0
	}
	return time.Duration((fNeeded - frac) * float64(l.window))
}

// PurgeStale drops per-key state idle for longer than maxIdle and reports how
// many entries were removed.
func (l *SlidingWindow) PurgeStale(maxIdle time.Duration) int {
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

func remaining(v float64) int {
	if v < 0 {
		return 0
	}
	return int(v)
}
