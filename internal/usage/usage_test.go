package usage_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/trunkline-ai/trunkline/internal/usage"
)

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

func TestTracker_StartCall(t *testing.T) {
	t.Parallel()
	clock := newTestClock()
	tracker := usage.NewTracker(usage.WithNow(clock.Now))

	call, err := tracker.StartCall("sess-1", "deepgram", "elevenlabs")
	if err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}

	rec := call.Snapshot()
	if rec.SessionID != "sess-1" {
		t.Errorf("unexpected session id %q", rec.SessionID)
	}
	if rec.STTProvider != "deepgram" || rec.TTSProvider != "elevenlabs" {
		t.Errorf("unexpected providers %q/%q", rec.STTProvider, rec.TTSProvider)
	}
	if !rec.StartedAt.Equal(clock.Now()) {
		t.Errorf("expected start at %v, got %v", clock.Now(), rec.StartedAt)
	}
	if !rec.EndedAt.IsZero() {
		t.Errorf("live call should have zero EndedAt, got %v", rec.EndedAt)
	}

	if _, err := tracker.StartCall("sess-1", "deepgram", "elevenlabs"); !errors.Is(err, usage.ErrDuplicateSession) {
		t.Errorf("expected ErrDuplicateSession, got %v", err)
	}
}

func TestCall_Accumulates(t *testing.T) {
	t.Parallel()
	tracker := usage.NewTracker()
	call, err := tracker.StartCall("sess-1", "stt", "tts")
	if err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}

	call.AddSTTSeconds(1.5)
	call.AddSTTSeconds(2.5)
	call.AddLLMUsage(100, 40)
	call.AddLLMUsage(50, 10)
	call.AddTTSChars(20)
	call.AddTTSText("Hello!")
	call.AddTurn()
	call.AddTurn()

	rec := call.Snapshot()
	if rec.STTSeconds != 4.0 {
		t.Errorf("expected 4.0 stt seconds, got %v", rec.STTSeconds)
	}
	if rec.LLMInputTokens != 150 || rec.LLMOutputTokens != 50 {
		t.Errorf("expected 150/50 tokens, got %d/%d", rec.LLMInputTokens, rec.LLMOutputTokens)
	}
	if rec.TTSCharacters != 26 {
		t.Errorf("expected 26 tts characters, got %d", rec.TTSCharacters)
	}
	if rec.Turns != 2 {
		t.Errorf("expected 2 turns, got %d", rec.Turns)
	}
}

func TestCall_AddTTSTextCountsRunes(t *testing.T) {
	t.Parallel()
	tracker := usage.NewTracker()
	call, err := tracker.StartCall("sess-1", "stt", "tts")
	if err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}

	call.AddTTSText("héllo")
	call.AddTTSText("日本語")

	if rec := call.Snapshot(); rec.TTSCharacters != 8 {
		t.Errorf("expected 8 characters for multi-byte text, got %d", rec.TTSCharacters)
	}
}

func TestCall_IgnoresNonPositiveAdds(t *testing.T) {
	t.Parallel()
	tracker := usage.NewTracker()
	call, err := tracker.StartCall("sess-1", "stt", "tts")
	if err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}

	call.AddSTTSeconds(-1)
	call.AddSTTSeconds(0)
	call.AddLLMUsage(-5, -5)
	call.AddLLMUsage(10, -1)
	call.AddTTSChars(-3)
	call.AddTTSText("")

	rec := call.Snapshot()
	if rec.STTSeconds != 0 {
		t.Errorf("negative stt seconds must not accumulate, got %v", rec.STTSeconds)
	}
	if rec.LLMInputTokens != 10 || rec.LLMOutputTokens != 0 {
		t.Errorf("expected 10/0 tokens, got %d/%d", rec.LLMInputTokens, rec.LLMOutputTokens)
	}
	if rec.TTSCharacters != 0 {
		t.Errorf("negative characters must not accumulate, got %d", rec.TTSCharacters)
	}
}

func TestCall_ConcurrentAdds(t *testing.T) {
	t.Parallel()
	tracker := usage.NewTracker()
	call, err := tracker.StartCall("sess-1", "stt", "tts")
	if err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			call.AddSTTSeconds(0.5)
			call.AddLLMUsage(10, 5)
			call.AddTTSChars(7)
		}()
	}
	wg.Wait()

	rec := call.Snapshot()
	if rec.STTSeconds != 25.0 {
		t.Errorf("expected 25.0 stt seconds, got %v", rec.STTSeconds)
	}
	if rec.LLMInputTokens != 500 || rec.LLMOutputTokens != 250 {
		t.Errorf("expected 500/250 tokens, got %d/%d", rec.LLMInputTokens, rec.LLMOutputTokens)
	}
	if rec.TTSCharacters != 350 {
		t.Errorf("expected 350 tts characters, got %d", rec.TTSCharacters)
	}
}

func TestCall_EndIsIdempotent(t *testing.T) {
	t.Parallel()
	clock := newTestClock()
	tracker := usage.NewTracker(usage.WithNow(clock.Now))
	call, err := tracker.StartCall("sess-1", "stt", "tts")
	if err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}

	call.AddLLMUsage(100, 40)
	clock.Advance(90 * time.Second)

	first := call.End()
	if !first.EndedAt.Equal(clock.Now()) {
		t.Errorf("expected end at %v, got %v", clock.Now(), first.EndedAt)
	}
	if first.Duration() != 90*time.Second {
		t.Errorf("expected 90s duration, got %v", first.Duration())
	}

	// Later adds are dropped and the sealed record does not move.
	call.AddLLMUsage(1000, 1000)
	call.AddSTTSeconds(10)
	call.AddTurn()
	clock.Advance(time.Hour)

	second := call.End()
	if !second.EndedAt.Equal(first.EndedAt) {
		t.Errorf("repeated End moved EndedAt: %v vs %v", second.EndedAt, first.EndedAt)
	}
	if second.LLMInputTokens != 100 || second.STTSeconds != 0 || second.Turns != 0 {
		t.Errorf("sealed record changed: %+v", second)
	}
}

func TestCall_AddError(t *testing.T) {
	t.Parallel()
	tracker := usage.NewTracker()
	call, err := tracker.StartCall("sess-1", "stt", "tts")
	if err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}

	call.AddError("llm", errors.New("invalid api key"))
	call.AddError("tts", nil)

	rec := call.Snapshot()
	if len(rec.Errors) != 1 {
		t.Fatalf("expected 1 recorded error, got %d", len(rec.Errors))
	}
	if rec.Errors[0] != "llm: invalid api key" {
		t.Errorf("unexpected error entry %q", rec.Errors[0])
	}

	// The snapshot's error list is a copy.
	rec.Errors[0] = "mutated"
	if again := call.Snapshot(); again.Errors[0] != "llm: invalid api key" {
		t.Errorf("snapshot aliasing corrupted the record: %q", again.Errors[0])
	}
}

func TestTracker_EndCall(t *testing.T) {
	t.Parallel()
	clock := newTestClock()
	tracker := usage.NewTracker(usage.WithNow(clock.Now))
	call, err := tracker.StartCall("sess-1", "stt", "tts")
	if err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}
	call.AddTTSChars(42)

	first, err := tracker.EndCall("sess-1")
	if err != nil {
		t.Fatalf("EndCall failed: %v", err)
	}
	if first.TTSCharacters != 42 {
		t.Errorf("expected 42 characters, got %d", first.TTSCharacters)
	}

	clock.Advance(time.Minute)
	second, err := tracker.EndCall("sess-1")
	if err != nil {
		t.Fatalf("repeated EndCall failed: %v", err)
	}
	if !second.EndedAt.Equal(first.EndedAt) || second.TTSCharacters != first.TTSCharacters {
		t.Errorf("repeated EndCall returned a different record: %+v vs %+v", second, first)
	}

	if _, err := tracker.EndCall("missing"); !errors.Is(err, usage.ErrUnknownSession) {
		t.Errorf("expected ErrUnknownSession, got %v", err)
	}
}

func TestTracker_Remove(t *testing.T) {
	t.Parallel()
	tracker := usage.NewTracker()
	if _, err := tracker.StartCall("sess-1", "stt", "tts"); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}

	tracker.Remove("sess-1")
	if _, ok := tracker.Get("sess-1"); ok {
		t.Error("expected session gone after Remove")
	}
	if _, err := tracker.EndCall("sess-1"); !errors.Is(err, usage.ErrUnknownSession) {
		t.Errorf("expected ErrUnknownSession after Remove, got %v", err)
	}
	tracker.Remove("sess-1")
}

func TestTracker_Active(t *testing.T) {
	t.Parallel()
	tracker := usage.NewTracker()
	if _, err := tracker.StartCall("a", "stt", "tts"); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}
	if _, err := tracker.StartCall("b", "stt", "tts"); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}

	if got := tracker.Active(); got != 2 {
		t.Errorf("expected 2 active calls, got %d", got)
	}
	if _, err := tracker.EndCall("a"); err != nil {
		t.Fatalf("EndCall failed: %v", err)
	}
	if got := tracker.Active(); got != 1 {
		t.Errorf("expected 1 active call after ending one, got %d", got)
	}
}

func TestTracker_RecordsOrderedByStart(t *testing.T) {
	t.Parallel()
	clock := newTestClock()
	tracker := usage.NewTracker(usage.WithNow(clock.Now))

	for _, id := range []string{"third", "first", "second"} {
		// Reorder start times so map iteration order cannot fake a pass.
		switch id {
		case "first":
			clock.Advance(-2 * time.Hour)
		case "second":
			clock.Advance(time.Hour)
		case "third":
			clock.Advance(3 * time.Hour)
		}
		if _, err := tracker.StartCall(id, "stt", "tts"); err != nil {
			t.Fatalf("StartCall %s failed: %v", id, err)
		}
	}

	records := tracker.Records()
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	want := []string{"first", "second", "third"}
	for i, rec := range records {
		if rec.SessionID != want[i] {
			t.Errorf("records[%d] = %q, want %q", i, rec.SessionID, want[i])
		}
	}
}
