// Package llm defines the Provider interface for Large Language Model
// backends.
//
// An LLM provider wraps a remote or local model API (e.g. OpenAI GPT-4o, any
// backend reachable through any-llm, or a local Ollama instance) and exposes
// a uniform interface for the call pipeline to stream completions, count
// tokens, and inspect model capabilities without coupling to any specific
// SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import (
	"context"

	"github.com/trunkline-ai/trunkline/pkg/types"
)

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines.
// Each method should propagate context cancellation promptly: when ctx is
// cancelled the method must return (or close its channel) as quickly as
// possible.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only
	// channel that emits Chunk values as they arrive. The channel is closed
	// by the implementation when generation finishes or when ctx is
	// cancelled.
	//
	// Callers must drain the channel to avoid goroutine leaks. Errors that
	// occur after the channel is opened are surfaced as a Chunk with
	// FinishReason "error" and a non-nil Err; the initial error return is
	// non-nil only for failures that prevent the stream from starting.
	//
	// The returned channel must never be nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req to the model and waits for the full response. It is
	// a convenience wrapper around StreamCompletion for callers that do not
	// need incremental output.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the number of tokens the given message list
	// would consume in the model's context window. The result need not be
	// exact but should not undercount.
	CountTokens(messages []types.Message) (int, error)

	// Model returns the backend model identifier (e.g. "gpt-4o-mini"). Used
	// for response-cache keying and usage records.
	Model() string

	// Capabilities returns static metadata describing what this provider's
	// underlying model supports. The result is assumed constant for the
	// lifetime of the Provider instance.
	Capabilities() types.ModelCapabilities
}
