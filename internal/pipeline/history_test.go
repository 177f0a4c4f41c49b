package pipeline_test

import (
	"strings"
	"testing"

	"github.com/trunkline-ai/trunkline/internal/pipeline"
)

// TestHistory_RolesAndOrder verifies that messages come back oldest first
// with the roles they were added under.
func TestHistory_RolesAndOrder(t *testing.T) {
	t.Parallel()

	h := pipeline.NewHistory(0)
	h.AddUser("my internet is down")
	h.AddAssistant("Let me check your line.")
	h.AddUser("thanks")

	msgs := h.Messages()
	if len(msgs) != 3 {
		t.Fatalf("Messages length: want 3, got %d", len(msgs))
	}
	wantRoles := []string{"user", "assistant", "user"}
	for i, role := range wantRoles {
		if msgs[i].Role != role {
			t.Errorf("msgs[%d].Role: want %q, got %q", i, role, msgs[i].Role)
		}
	}
	if msgs[0].Content != "my internet is down" {
		t.Errorf("msgs[0].Content: want %q, got %q", "my internet is down", msgs[0].Content)
	}
}

// TestHistory_TrimsOldestOverBudget verifies that exceeding the token budget
// drops messages from the front, never the back.
func TestHistory_TrimsOldestOverBudget(t *testing.T) {
	t.Parallel()

	// Each message is 40 chars = 10 estimated tokens; budget fits two.
	h := pipeline.NewHistory(20)
	a := strings.Repeat("a", 40)
	b := strings.Repeat("b", 40)
	c := strings.Repeat("c", 40)
	h.AddUser(a)
	h.AddAssistant(b)
	h.AddUser(c)

	msgs := h.Messages()
	if len(msgs) != 2 {
		t.Fatalf("Messages length after trim: want 2, got %d", len(msgs))
	}
	if msgs[0].Content != b || msgs[1].Content != c {
		t.Errorf("trim kept wrong window: got roles %q/%q contents %q.../%q...",
			msgs[0].Role, msgs[1].Role, msgs[0].Content[:1], msgs[1].Content[:1])
	}
}

// TestHistory_KeepsMostRecentEvenOverBudget verifies that one oversized
// message is never dropped; the LLM always sees the latest utterance.
func TestHistory_KeepsMostRecentEvenOverBudget(t *testing.T) {
	t.Parallel()

	h := pipeline.NewHistory(5)
	h.AddUser(strings.Repeat("x", 400))
	if h.Len() != 1 {
		t.Fatalf("Len: want 1, got %d", h.Len())
	}
}

// TestHistory_ZeroBudgetDisablesTrimming verifies that budget <= 0 keeps
// everything.
func TestHistory_ZeroBudgetDisablesTrimming(t *testing.T) {
	t.Parallel()

	h := pipeline.NewHistory(0)
	for i := 0; i < 50; i++ {
		h.AddUser(strings.Repeat("y", 100))
	}
	if h.Len() != 50 {
		t.Errorf("Len: want 50, got %d", h.Len())
	}
}

// TestHistory_MessagesReturnsCopy verifies callers cannot mutate the stored
// window through the returned slice.
func TestHistory_MessagesReturnsCopy(t *testing.T) {
	t.Parallel()

	h := pipeline.NewHistory(0)
	h.AddUser("original")
	msgs := h.Messages()
	msgs[0].Content = "mutated"
	if got := h.Messages()[0].Content; got != "original" {
		t.Errorf("stored content: want %q, got %q", "original", got)
	}
}
