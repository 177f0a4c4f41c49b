package pipeline

import "github.com/trunkline-ai/trunkline/pkg/types"

// History holds the running conversation for one call and trims it to an
// approximate token budget so long calls cannot grow the LLM prompt without
// bound. Oldest messages are dropped first; the most recent message is always
// kept even when it alone exceeds the budget.
//
// Token counts use the same chars/4 estimate as the LLM providers, which is
// close enough for budget enforcement. The system prompt is not stored here;
// it rides separately on every CompletionRequest.
//
// Only the pipeline's execution goroutine touches a History, so it takes no
// lock.
type History struct {
	budget int
	msgs   []types.Message
}

// NewHistory returns a History that trims to roughly budget tokens. A budget
// of zero or less disables trimming.
func NewHistory(budget int) *History {
	return &History{budget: budget}
}

// AddUser appends a caller utterance.
func (h *History) AddUser(text string) {
	h.add(types.Message{Role: "user", Content: text})
}

// AddAssistant appends an assistant utterance. For interrupted turns this
// should be the text actually spoken before the cut, not the full generation.
func (h *History) AddAssistant(text string) {
	h.add(types.Message{Role: "assistant", Content: text})
}

func (h *History) add(m types.Message) {
	h.msgs = append(h.msgs, m)
	if h.budget <= 0 {
		return
	}
	for len(h.msgs) > 1 && h.tokens() > h.budget {
		h.msgs = h.msgs[1:]
	}
}

func (h *History) tokens() int {
	total := 0
	for _, m := range h.msgs {
		total += (len(m.Content) + 3) / 4
	}
	return total
}

// Messages returns a copy of the current window, oldest first.
func (h *History) Messages() []types.Message {
	out := make([]types.Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

// Len reports how many messages are currently retained.
func (h *History) Len() int {
	return len(h.msgs)
}
