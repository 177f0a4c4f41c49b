package ratelimit_test

import (
	"testing"
	"time"

	"github.com/trunkline-ai/trunkline/internal/ratelimit"
)

func TestTokenBucket_BurstThenRefill(t *testing.T) {
	clock := newTestClock()
	lim := ratelimit.NewTokenBucket(3, 1, ratelimit.WithNow(clock.Now))

	// The whole burst is admitted at once.
	for i := 0; i < 3; i++ {
		res := lim.Check("caller")
		if !res.Allowed {
			t.Fatalf("burst request %d denied", i+1)
		}
		if want := 3 - i - 1; res.Remaining != want {
			t.Errorf("burst request %d: remaining = %d, want %d", i+1, res.Remaining, want)
		}
	}

	res := lim.Check("caller")
	if res.Allowed {
		t.Fatal("request past capacity allowed, want denied")
	}
	if res.RetryAfter != time.Second {
		t.Fatalf("retry-after = %v, want 1s at 1 token/s", res.RetryAfter)
	}

	// One second refills one token, no more.
	clock.Advance(time.Second)
	if !lim.Check("caller").Allowed {
		t.Fatal("request after refill denied")
	}
	if lim.Check("caller").Allowed {
		t.Fatal("second request after single refill allowed")
	}

	// A long idle stretch refills to capacity, not beyond.
	clock.Advance(time.Minute)
	for i := 0; i < 3; i++ {
		if !lim.Check("caller").Allowed {
			t.Fatalf("request %d after idle denied", i+1)
		}
	}
	if lim.Check("caller").Allowed {
		t.Fatal("bucket exceeded capacity after idle")
	}
}

func TestTokenBucket_ResetAt(t *testing.T) {
	clock := newTestClock()
	lim := ratelimit.NewTokenBucket(2, 2, ratelimit.WithNow(clock.Now))

	lim.Check("caller")
	res := lim.Check("caller")
	if !res.Allowed {
		t.Fatal("second request denied")
	}
	// Empty bucket at 2 tokens/s refills fully in 1s.
	if want := clock.Now().Add(time.Second); !res.ResetAt.Equal(want) {
		t.Fatalf("reset-at = %v, want %v", res.ResetAt, want)
	}
}

func TestTokenBucket_KeysAreIndependent(t *testing.T) {
	clock := newTestClock()
	lim := ratelimit.NewTokenBucket(1, 1, ratelimit.WithNow(clock.Now))

	if !lim.Check("a").Allowed {
		t.Fatal("first a denied")
	}
	if lim.Check("a").Allowed {
		t.Fatal("second a allowed")
	}
	if !lim.Check("b").Allowed {
		t.Fatal("b denied, want allowed (separate bucket)")
	}
}

func TestTokenBucket_DefensiveDefaults(t *testing.T) {
	clock := newTestClock()
	// Nonsense construction still yields a working single-token bucket
	// refilling once per second.
	lim := ratelimit.NewTokenBucket(0, 0, ratelimit.WithNow(clock.Now))

	if !lim.Check("caller").Allowed {
		t.Fatal("first request denied")
	}
	res := lim.Check("caller")
	if res.Allowed {
		t.Fatal("second request allowed")
	}
	if res.RetryAfter != time.Second {
		t.Fatalf("retry-after = %v, want 1s", res.RetryAfter)
	}
}

func TestTokenBucket_PurgeStale(t *testing.T) {
	clock := newTestClock()
	lim := ratelimit.NewTokenBucket(1, 0.001, ratelimit.WithNow(clock.Now))

	lim.Check("old")
	clock.Advance(5 * time.Minute)
	lim.Check("fresh")

	if n := lim.PurgeStale(time.Minute); n != 1 {
		t.Fatalf("purged %d buckets, want 1", n)
	}
	// The purged key gets a brand new full bucket despite the slow refill.
	if !lim.Check("old").Allowed {
		t.Fatal("purged key still limited")
	}
}
