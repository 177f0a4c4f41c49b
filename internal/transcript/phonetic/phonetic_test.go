package phonetic_test

import (
	"testing"

	"github.com/trunkline-ai/trunkline/internal/transcript/phonetic"
)

func TestMatcher_SingleWordMatch(t *testing.T) {
	t.Parallel()

	m := phonetic.New()

	// "fiber sink" is a two-word n-gram that a speech recognizer plausibly
	// produces for the product name "Fibersync".
	vocab := []string{"Fibersync", "Total Home Plus"}

	corrected, conf, matched := m.Match("fiber sink", vocab)
	if !matched {
		t.Fatalf("Match(%q, vocab): matched=false, want true", "fiber sink")
	}
	if corrected != "Fibersync" {
		t.Errorf("Match(%q): corrected=%q, want %q", "fiber sink", corrected, "Fibersync")
	}
	if conf < 0.7 {
		t.Errorf("Match(%q): confidence=%f, want >= 0.7", "fiber sink", conf)
	}
}

func TestMatcher_MultiWordTermMatch(t *testing.T) {
	t.Parallel()

	m := phonetic.New()

	vocab := []string{"Total Home Plus", "Fibersync"}

	// "total home pluss" should match the multi-word term "Total Home Plus".
	corrected, conf, matched := m.Match("total home pluss", vocab)
	if !matched {
		t.Fatalf("Match(%q, vocab): matched=false, want true", "total home pluss")
	}
	if corrected != "Total Home Plus" {
		t.Errorf("Match(%q): corrected=%q, want %q", "total home pluss", corrected, "Total Home Plus")
	}
	if conf < 0.7 {
		t.Errorf("Match(%q): confidence=%f, want >= 0.7", "total home pluss", conf)
	}
}

func TestMatcher_NoMatch(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	vocab := []string{"Fibersync", "Total Home Plus"}

	corrected, conf, matched := m.Match("hello", vocab)
	if matched {
		t.Fatalf("Match(%q, vocab): matched=true, want false", "hello")
	}
	if corrected != "hello" {
		t.Errorf("Match(%q): corrected=%q, want original word %q", "hello", corrected, "hello")
	}
	if conf != 0 {
		t.Errorf("Match(%q): confidence=%f, want 0", "hello", conf)
	}
}

func TestMatcher_CaseInsensitivity(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	vocab := []string{"Fibersync"}

	// Uppercased input should still match.
	corrected, _, matched := m.Match("FIBERSYNC", vocab)
	if !matched {
		t.Fatalf("Match(%q, vocab): matched=false, want true", "FIBERSYNC")
	}
	// Should return the canonical term casing.
	if corrected != "Fibersync" {
		t.Errorf("Match(%q): corrected=%q, want %q", "FIBERSYNC", corrected, "Fibersync")
	}
}

func TestMatcher_ExactMatch(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	vocab := []string{"Fibersync", "Total Home Plus"}

	// Exact case-insensitive match should return high confidence.
	corrected, conf, matched := m.Match("fibersync", vocab)
	if !matched {
		t.Fatalf("Match(%q, vocab): matched=false, want true", "fibersync")
	}
	if corrected != "Fibersync" {
		t.Errorf("Match(%q): corrected=%q, want %q", "fibersync", corrected, "Fibersync")
	}
	if conf < 0.9 {
		t.Errorf("Match(%q): confidence=%f, want >= 0.9 for near-exact match", "fibersync", conf)
	}
}

func TestMatcher_PhoneticThresholdFiltering(t *testing.T) {
	t.Parallel()

	// Set a very high threshold so near-matches are rejected.
	m := phonetic.New(
		phonetic.WithPhoneticThreshold(0.99),
		phonetic.WithFuzzyThreshold(0.99),
	)
	vocab := []string{"Fibersync"}

	_, _, matched := m.Match("fiber sink", vocab)
	if matched {
		t.Fatal("Match with threshold=0.99 should reject near-matches, got matched=true")
	}
}

func TestMatcher_EmptyVocab(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	corrected, conf, matched := m.Match("fibersync", nil)
	if matched {
		t.Fatal("Match with nil vocab should return matched=false")
	}
	if corrected != "fibersync" {
		t.Errorf("corrected=%q, want original", corrected)
	}
	if conf != 0 {
		t.Errorf("conf=%f, want 0", conf)
	}
}

func TestMatcher_EmptyWord(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	corrected, conf, matched := m.Match("", []string{"Fibersync"})
	if matched {
		t.Fatal("Match with empty word should return matched=false")
	}
	if corrected != "" {
		t.Errorf("corrected=%q, want empty string", corrected)
	}
	if conf != 0 {
		t.Errorf("conf=%f, want 0", conf)
	}
}

func TestWithOptions(t *testing.T) {
	t.Parallel()

	// Verify that options are applied without panicking.
	m := phonetic.New(
		phonetic.WithPhoneticThreshold(0.75),
		phonetic.WithFuzzyThreshold(0.90),
	)
	if m == nil {
		t.Fatal("New returned nil")
	}
}

func TestPrepare_MaxWords(t *testing.T) {
	t.Parallel()

	v := phonetic.Prepare([]string{"Fibersync", "Total Home Plus"})
	if got := v.MaxWords(); got != 3 {
		t.Errorf("MaxWords()=%d, want 3", got)
	}

	empty := phonetic.Prepare([]string{"", "   "})
	if got := empty.MaxWords(); got != 0 {
		t.Errorf("MaxWords()=%d, want 0 for all-blank vocab", got)
	}
}

func TestMatcher_MatchPreparedReuse(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	v := phonetic.Prepare([]string{"Fibersync", "Total Home Plus"})

	// The same prepared vocab serves repeated lookups.
	corrected, _, matched := m.MatchPrepared("fibersync", v)
	if !matched || corrected != "Fibersync" {
		t.Errorf("MatchPrepared(%q)=(%q, %v), want (%q, true)", "fibersync", corrected, matched, "Fibersync")
	}

	_, _, matched = m.MatchPrepared("hello", v)
	if matched {
		t.Errorf("MatchPrepared(%q): matched=true, want false", "hello")
	}

	_, _, matched = m.MatchPrepared("fibersync", nil)
	if matched {
		t.Fatal("MatchPrepared with nil vocab should return matched=false")
	}
}
