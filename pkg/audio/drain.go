package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when a streaming producer must run to
// completion but the consumer no longer wants the data, e.g. a TTS audio
// stream after a barge-in cancelled the turn.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
