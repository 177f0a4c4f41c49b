package pipeline

import "strings"

// Chunker accumulates streamed LLM tokens and releases text one complete
// sentence at a time. Feeding sentences to TTS as they settle lets synthesis
// start while the model is still generating, which is where most of the
// perceived response latency is won.
//
// A sentence ends at '.', '!' or '?' followed by whitespace. Abbreviations
// like "Dr. Smith" therefore split early; TTS engines handle the resulting
// fragments gracefully, so no abbreviation table is kept.
//
// The zero value is ready to use. Not safe for concurrent use.
type Chunker struct {
	buf strings.Builder
}

// Add appends token to the buffer and returns any sentences completed by it,
// in order. A single token can complete several sentences at once. Returns
// nil when no boundary has been reached yet.
func (c *Chunker) Add(token string) []string {
	c.buf.WriteString(token)
	var out []string
	for {
		idx := sentenceBoundary(c.buf.String())
		if idx < 0 {
			return out
		}
		s := c.buf.String()
		sentence := s[:idx+1]
		rest := s[idx+1:]
		c.buf.Reset()
		c.buf.WriteString(strings.TrimLeft(rest, " \t\n\r"))
		if sentence != "" {
			out = append(out, sentence)
		}
	}
}

// Flush returns whatever is buffered, trimmed, and resets the chunker. Called
// at end of stream to release a trailing fragment with no closing boundary.
func (c *Chunker) Flush() string {
	s := strings.TrimSpace(c.buf.String())
	c.buf.Reset()
	return s
}

// Reset discards any buffered text. Used when a turn is cancelled so the next
// turn starts clean.
func (c *Chunker) Reset() {
	c.buf.Reset()
}

// sentenceBoundary returns the index of the first sentence-ending punctuation
// mark that is followed by whitespace, or -1 if the string contains no
// complete sentence. Trailing punctuation at the very end of the string does
// not count; the stream may still be mid-token.
func sentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			next := s[i+1]
			if next == ' ' || next == '\n' || next == '\r' || next == '\t' {
				return i
			}
		}
	}
	return -1
}
