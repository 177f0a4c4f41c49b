package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket is a keyed token-bucket limiter: each key gets a bucket of
// capacity tokens refilled at a constant rate. Bursts up to capacity are
// admitted immediately, which suits short call setup storms better than the
// window algorithms.
type TokenBucket struct {
	capacity int
	refill   rate.Limit
	now      func() time.Time

	mu      sync.Mutex
	buckets map[string]*tokenEntry
}

type tokenEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewTokenBucket builds a limiter with the given bucket capacity and refill
// rate in tokens per second. A non-positive refill defaults to refilling the
// whole bucket every second.
func NewTokenBucket(capacity int, refillPerSecond float64, opts ...Option) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	if refillPerSecond <= 0 {
		refillPerSecond = float64(capacity)
	}
	s := newSettings(opts)
	return &TokenBucket{
		capacity: capacity,
		refill:   rate.Limit(refillPerSecond),
		now:      s.now,
		buckets:  make(map[string]*tokenEntry),
	}
}

var _ Limiter = (*TokenBucket)(nil)

// Check accounts one request for key.
func (l *TokenBucket) Check(key string) Result {
	now := l.now()

	l.mu.Lock()
	e, ok := l.buckets[key]
	if !ok {
		e = &tokenEntry{lim: rate.NewLimiter(l.refill, l.capacity)}
		l.buckets[key] = e
	}
	e.lastSeen = now
	l.mu.Unlock()

	res := Result{
		Limit:   l.capacity,
		Allowed: e.lim.AllowN(now, 1),
	}

	tokens := e.lim.TokensAt(now)
	if tokens > 0 {
		res.Remaining = int(tokens)
	}
	res.ResetAt = now.Add(l.timeToFull(tokens))

	if !res.Allowed {
		if r := e.lim.ReserveN(now, 1); r.OK() {
			res.RetryAfter = r.DelayFrom(now)
			r.CancelAt(now)
		}
	}
	return res
}

// timeToFull is how long until the bucket holds capacity tokens again.
func (l *TokenBucket) timeToFull(tokens float64) time.Duration {
	deficit := float64(l.capacity) - tokens
	if deficit <= 0 {
		return 0
	}
	return time.Duration(deficit / float64(l.refill) * float64(time.Second))
}

// PurgeStale drops per-key buckets idle for longer than maxIdle and reports
// how many were removed.
func (l *TokenBucket) PurgeStale(maxIdle time.Duration) int {
	cutoff := l.now().Add(-maxIdle)

	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, e := range l.buckets {
		if e.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
			n++
		}
	}
	return n
}
