package ratelimit_test

import (
	"testing"
	"time"

	"github.com/trunkline-ai/trunkline/internal/ratelimit"
)

func TestFixedWindow_CountsAndRolls(t *testing.T) {
	clock := newTestClock()
	lim := ratelimit.NewFixedWindow(3, time.Minute, ratelimit.WithNow(clock.Now))
	start := clock.Now()

	for i := 0; i < 3; i++ {
		res := lim.Check("caller")
		if !res.Allowed {
			t.Fatalf("request %d denied", i+1)
		}
		if want := 3 - i - 1; res.Remaining != want {
			t.Errorf("request %d: remaining = %d, want %d", i+1, res.Remaining, want)
		}
	}

	clock.Advance(20 * time.Second)
	res := lim.Check("caller")
	if res.Allowed {
		t.Fatal("request past limit allowed")
	}
	if want := start.Add(time.Minute); !res.ResetAt.Equal(want) {
		t.Errorf("reset-at = %v, want %v", res.ResetAt, want)
	}
	if res.RetryAfter != 40*time.Second {
		t.Errorf("retry-after = %v, want remainder of window", res.RetryAfter)
	}

	// The next window starts fresh.
	clock.Advance(40 * time.Second)
	if !lim.Check("caller").Allowed {
		t.Fatal("request in new window denied")
	}
}

func TestFixedWindow_KeysAreIndependent(t *testing.T) {
	clock := newTestClock()
	lim := ratelimit.NewFixedWindow(1, time.Minute, ratelimit.WithNow(clock.Now))

	if !lim.Check("a").Allowed {
		t.Fatal("first a denied")
	}
	if lim.Check("a").Allowed {
		t.Fatal("second a allowed")
	}
	if !lim.Check("b").Allowed {
		t.Fatal("b denied, want allowed (separate key)")
	}
}

func TestFixedWindow_PurgeStale(t *testing.T) {
	clock := newTestClock()
	lim := ratelimit.NewFixedWindow(1, time.Minute, ratelimit.WithNow(clock.Now))

	lim.Check("old")
	clock.Advance(5 * time.Minute)
	lim.Check("fresh")

	if n := lim.PurgeStale(time.Minute); n != 1 {
		t.Fatalf("purged %d entries, want 1", n)
	}
}
