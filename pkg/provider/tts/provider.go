// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs, or a
// local Coqui server for on-prem deployments) and presents a uniform streaming
// interface. The primary entry point is SynthesizeStream, which accepts a
// channel of text fragments and returns a channel of raw PCM audio bytes as
// they become available — enabling low-latency pipelining between the LLM
// output and the telephony transport.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"

	"github.com/trunkline-ai/trunkline/pkg/types"
)

// ErrNotSupported is returned (wrapped) by providers for operations their
// backend does not offer, such as voice cloning on a single-speaker server.
// Callers should treat it as a capability gap, not a failure.
var ErrNotSupported = errors.New("operation not supported by this provider")

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis requests
// may run in parallel (e.g., several active calls speaking at once).
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and returns a
	// channel that emits raw PCM audio byte slices as they are synthesised. This
	// design allows the caller to pipe LLM streaming output directly into synthesis
	// without waiting for the full response to be available.
	//
	// The returned audio channel is closed by the implementation when the text
	// channel is closed and all audio has been emitted, or when ctx is cancelled.
	// Cancelling ctx is how barge-in tears a response down mid-sentence; the
	// caller must still drain the audio channel to avoid blocking the provider's
	// internal goroutines.
	//
	// voice specifies the voice profile to use for synthesis. Providers should
	// return an error if the requested voice is not available.
	//
	// Returns a non-nil error only if the stream cannot be started. Errors
	// encountered during synthesis are signalled by closing the audio channel
	// early; callers should check ctx.Err() to distinguish cancellation from
	// provider errors.
	SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error)

	// ListVoices returns all voice profiles available from this provider. The list
	// reflects the provider's current catalogue and may change between calls if the
	// underlying service adds or removes voices. It doubles as a cheap reachability
	// probe for readiness checks.
	//
	// Returns an error if the provider cannot be reached or if ctx is cancelled
	// before the list is retrieved.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)

	// CloneVoice creates a new voice profile from the supplied audio samples.
	// Each element of samples must be a provider-supported encoded format
	// (typically WAV — consult the implementation).
	//
	// This is an expensive operation and must not be called in the hot path of a
	// live call. Returns a pointer to the newly created VoiceProfile (with a
	// provider-assigned ID), or an error wrapping ErrNotSupported when the
	// backend has no cloning capability. A nil or empty samples slice returns an
	// error rather than panicking.
	CloneVoice(ctx context.Context, samples [][]byte) (*types.VoiceProfile, error)
}
