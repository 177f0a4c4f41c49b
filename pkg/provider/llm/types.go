package llm

import "github.com/trunkline-ai/trunkline/pkg/types"

// Usage holds token accounting returned by the LLM backend. All counts are in
// the model's native token unit and may differ between providers for the same
// textual content.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages and
	// system prompt.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens. Some providers return
	// it directly rather than computing it from the parts.
	TotalTokens int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []types.Message

	// Tools is the set of function/tool definitions offered to the model.
	// Providers without tool calling ignore this field; callers should check
	// Capabilities().SupportsToolCalling first.
	Tools []types.ToolDefinition

	// Temperature controls output randomness in the range [0.0, 2.0]. A
	// value of 0.0 typically requests greedy decoding.
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int

	// SystemPrompt is an optional high-priority instruction injected before
	// the conversation history. Providers without a dedicated system slot
	// prepend it as a "system"-role message.
	SystemPrompt string
}

// Chunk is a single token or fragment emitted by a streaming completion. A
// single chunk may carry text, a finish signal, tool calls, or any
// combination thereof.
type Chunk struct {
	// Text is the incremental text content of this chunk. May be empty when
	// the chunk carries only ToolCalls or a FinishReason.
	Text string

	// FinishReason is set on the final chunk and indicates why generation
	// stopped: "stop" (natural end), "length" (MaxTokens reached),
	// "tool_calls" (model wants to invoke tools), "error" (stream died), or
	// "" (non-final chunk).
	FinishReason string

	// Err carries the failure when FinishReason is "error", so consumers can
	// classify it instead of parsing text. Nil otherwise.
	Err error

	// Usage is attached to the final chunk when the backend reports token
	// accounting for the stream. Nil on all other chunks.
	Usage *Usage

	// ToolCalls contains any tool invocations the model is requesting.
	// Streaming providers may spread one invocation across several chunks;
	// the caller accumulates them.
	ToolCalls []types.ToolCall
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply. Empty when the
	// model responds exclusively with tool calls.
	Content string

	// ToolCalls lists all tool invocations requested by the model. The
	// caller executes them and appends the results to the conversation.
	ToolCalls []types.ToolCall

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}
