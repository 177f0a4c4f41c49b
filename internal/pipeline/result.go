package pipeline

import "time"

// ResultType discriminates the payloads a pipeline emits on its result
// channel.
type ResultType string

const (
	// ResultMetadata carries call setup information. Emitted once, first.
	ResultMetadata ResultType = "metadata"

	// ResultTranscription carries caller speech as text. Data is a string.
	// IsFinal distinguishes settled STT finals from in-flight partials.
	ResultTranscription ResultType = "transcription"

	// ResultLLMResponse carries assistant text. Data is a string: a single
	// streamed token when IsFinal is false, the full response when true.
	ResultLLMResponse ResultType = "llm_response"

	// ResultAudio carries a chunk of synthesized speech. Data is []byte of
	// PCM audio in the TTS provider's output format.
	ResultAudio ResultType = "audio"

	// ResultInterrupt signals that the caller barged in and any buffered
	// assistant audio must be discarded. Data is an InterruptData.
	ResultInterrupt ResultType = "interrupt"

	// ResultError reports a failure. Data is an ErrorData. IsFinal marks
	// session-fatal faults; otherwise only the current turn was lost and
	// the call continues.
	ResultError ResultType = "error"
)

// Result is one event on the pipeline's output stream. Results marshal to
// JSON for off-box subscribers; audio payloads become base64 strings.
type Result struct {
	Type    ResultType `json:"type"`
	Data    any        `json:"data,omitempty"`
	IsFinal bool       `json:"is_final,omitempty"`
}

// CallMetadata is the Data payload of the initial ResultMetadata event.
type CallMetadata struct {
	// Model is the LLM identifier answering this call.
	Model string `json:"model"`

	// Voice is the TTS voice name, or the provider default when empty.
	Voice string `json:"voice,omitempty"`

	// SampleRate and Channels describe the inbound caller audio format.
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`

	// StartedAt is when the pipeline went live.
	StartedAt time.Time `json:"started_at"`
}

// InterruptData is the Data payload of a ResultInterrupt event.
type InterruptData struct {
	// Action tells the transport what to do. Always "stop_audio": flush any
	// queued playback so the caller is not talked over.
	Action string `json:"action"`
}

// ErrorData is the Data payload of a ResultError event.
type ErrorData struct {
	// Stage names the pipeline stage that failed: "stt", "llm" or "tts".
	Stage string `json:"stage"`

	// Kind is the failure classification, e.g. "timeout" or "auth".
	Kind string `json:"kind"`

	// Message is the underlying error text.
	Message string `json:"message"`
}
