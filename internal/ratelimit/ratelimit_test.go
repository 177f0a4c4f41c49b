package ratelimit_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/trunkline-ai/trunkline/internal/ratelimit"
	"github.com/trunkline-ai/trunkline/pkg/fail"
)

// testClock is a manually advanced time source.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Unix(1700000000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestResult_Err(t *testing.T) {
	allowed := ratelimit.Result{Allowed: true}
	if err := allowed.Err("llm.complete"); err != nil {
		t.Fatalf("allowed result produced error: %v", err)
	}

	denied := ratelimit.Result{
		Allowed:    false,
		Limit:      10,
		RetryAfter: 42 * time.Second,
	}
	err := denied.Err("llm.complete")
	if err == nil {
		t.Fatal("denied result produced no error")
	}
	if !errors.Is(err, ratelimit.ErrLimited) {
		t.Errorf("err = %v, want wrapped ErrLimited", err)
	}
	if kind := fail.Classify(err); kind != fail.KindRateLimited {
		t.Errorf("kind = %v, want rate-limited", kind)
	}
	if hint := fail.RetryAfterHint(err); hint != 42*time.Second {
		t.Errorf("retry-after hint = %v, want 42s", hint)
	}
}
