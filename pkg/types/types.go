// Package types defines the shared types used across all trunkline packages.
//
// These types form the lingua franca between providers, the call pipeline, the
// transports, and the session supervisor. They are intentionally minimal — each
// package defines its own domain types, but cross-cutting data structures live
// here to avoid circular imports.
package types

import "time"

// AudioFrame represents a single frame of audio data flowing through a call.
// Frames are the atomic unit of audio transport — decoded from carrier media
// messages, classified by VAD, fed to STT, and synthesized by TTS.
type AudioFrame struct {
	// PCM audio data, 16-bit signed little-endian.
	Data []byte

	// SampleRate in Hz (8000 for PSTN carriers, 16000 internally).
	SampleRate int

	// Channels: 1 for mono (telephony and STT), 2 for stereo sources.
	Channels int

	// Timestamp marks when this frame was captured, relative to call start.
	Timestamp time.Duration
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name.
	Name string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call this responds to.
	ToolCallID string
}

// ToolCall represents a tool/function invocation requested by the LLM.
// Trunkline passes tool calls through to subscribers unexecuted.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string

	// Name is the tool/function name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolDefinition describes a tool offered to an LLM as part of an agent's
// configuration. Execution is the subscriber's responsibility.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any
}

// VoiceProfile describes the TTS voice configured for an agent.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default).
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes (stability, style, etc.).
	Metadata map[string]string
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}

// KeywordBoost represents a keyword to boost in STT recognition.
// Used to improve recognition of agent-specific vocabulary (product names,
// department names, proper nouns callers are likely to say).
type KeywordBoost struct {
	// Keyword is the text to boost (e.g., "Fibersync").
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}
