// Package agentstore provides persistent storage for voice-agent
// definitions. A [Definition] is the full declarative configuration for one
// agent — prompts, provider references, voice, barge-in thresholds — keyed by
// the agent ID that callers reach through the webhook and media URLs.
//
// The primary abstraction is the [Store] interface. [PostgresStore] is the
// durable implementation, keeping structured sub-fields in JSONB columns;
// [MemoryStore] is the non-durable development fallback.
//
// Conversion helpers ([Definition.VoiceProfile], [Definition.VADConfig])
// bridge the storage representation to the runtime types the session
// supervisor wires into the pipeline.
package agentstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/trunkline-ai/trunkline/pkg/provider/vad"
	"github.com/trunkline-ai/trunkline/pkg/types"
)

// Definition is the full declarative configuration for a voice agent.
// It can be loaded from YAML config files, stored in a database, or both.
type Definition struct {
	// ID is the agent identifier. It appears in the webhook and media-stream
	// URLs and is the primary key of the store.
	ID string `yaml:"id" json:"id"`

	// Name is the agent's display name, shown to dashboard subscribers.
	Name string `yaml:"name" json:"name"`

	// WelcomeMessage is spoken to the caller when the session starts. Empty
	// means the agent waits for the caller to speak first.
	WelcomeMessage string `yaml:"welcome_message" json:"welcome_message"`

	// SystemPrompt is the instruction text prepended to every LLM request.
	SystemPrompt string `yaml:"system_prompt" json:"system_prompt"`

	// Language is the BCP-47 hint passed to the STT stream. Empty lets the
	// provider auto-detect.
	Language string `yaml:"language" json:"language"`

	// STT, LLM, and TTS name the external providers serving this agent.
	STT ProviderRef `yaml:"stt" json:"stt"`
	LLM ProviderRef `yaml:"llm" json:"llm"`
	TTS ProviderRef `yaml:"tts" json:"tts"`

	// Voice configures the TTS voice used for this agent.
	Voice VoiceConfig `yaml:"voice" json:"voice"`

	// BargeIn holds the voice-activity thresholds that gate caller
	// interruption of assistant playback.
	BargeIn BargeIn `yaml:"barge_in" json:"barge_in"`

	// HangupAfterSilenceSec ends the call after this many seconds without
	// caller activity. Zero disables the idle hangup.
	HangupAfterSilenceSec int `yaml:"hangup_after_silence_sec" json:"hangup_after_silence_sec"`

	// Vocabulary lists domain terms boosted in STT and repaired in final
	// transcripts (product names, jargon the models mishear).
	Vocabulary []string `yaml:"vocabulary" json:"vocabulary"`

	// CreatedAt is the time the definition was first persisted.
	CreatedAt time.Time `json:"created_at" yaml:"-"`

	// UpdatedAt is the time the definition was last modified.
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// ProviderRef names an external provider and its parameters.
type ProviderRef struct {
	// Name is the registry key, e.g. "deepgram", "whisper", "openai",
	// "elevenlabs", or "mock".
	Name string `yaml:"name" json:"name"`

	// Model is the provider-specific model identifier. Empty uses the
	// provider's default.
	Model string `yaml:"model" json:"model"`

	// Options holds provider-specific parameters (endpoint overrides,
	// sampling knobs). Opaque to the store.
	Options map[string]string `yaml:"options" json:"options"`
}

// VoiceConfig describes the TTS voice for an agent.
type VoiceConfig struct {
	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id" json:"voice_id"`

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = normal). A zero
	// value means "use provider default".
	SpeedFactor float64 `yaml:"speed_factor" json:"speed_factor"`

	// Metadata holds provider-specific voice attributes (stability, style)
	// passed through to the synthesis request.
	Metadata map[string]string `yaml:"metadata" json:"metadata"`
}

// BargeIn holds the voice-activity thresholds that decide when a speaking
// caller interrupts assistant playback. Zero fields fall back to the package
// defaults at conversion time.
type BargeIn struct {
	// Threshold is the speech probability above which a window counts as
	// speech, in [0.0, 1.0]. For the energy engine this is normalized RMS.
	Threshold float64 `yaml:"threshold" json:"threshold"`

	// MinSpeechMs is how long contiguous speech must persist before it
	// counts as a barge-in attempt.
	MinSpeechMs int `yaml:"min_speech_ms" json:"min_speech_ms"`

	// MinSilenceMs is how long contiguous silence must persist before the
	// caller is considered done speaking.
	MinSilenceMs int `yaml:"min_silence_ms" json:"min_silence_ms"`

	// CooldownMs suppresses a second barge-in trip within this window of
	// the last one. Zero uses the interrupt manager's default.
	CooldownMs int `yaml:"cooldown_ms" json:"cooldown_ms"`
}

// Barge-in defaults applied when the stored thresholds are zero. The
// threshold sits mid-band for telephony RMS levels.
const (
	DefaultBargeInThreshold = 0.05
	DefaultMinSpeechMs      = 150
	DefaultMinSilenceMs     = 400
)

// Validate checks the definition for logical consistency. It returns a
// joined error describing every violation found, or nil if the definition is
// valid.
func (d *Definition) Validate() error {
	var errs []error

	if d.ID == "" {
		errs = append(errs, fmt.Errorf("agentstore: id must not be empty"))
	}
	if d.Name == "" {
		errs = append(errs, fmt.Errorf("agentstore: name must not be empty"))
	}

	if d.STT.Name == "" {
		errs = append(errs, fmt.Errorf("agentstore: stt provider must be named"))
	}
	if d.LLM.Name == "" {
		errs = append(errs, fmt.Errorf("agentstore: llm provider must be named"))
	}
	if d.TTS.Name == "" {
		errs = append(errs, fmt.Errorf("agentstore: tts provider must be named"))
	}

	if d.Voice.SpeedFactor != 0 && (d.Voice.SpeedFactor < 0.5 || d.Voice.SpeedFactor > 2.0) {
		errs = append(errs, fmt.Errorf("agentstore: voice speed_factor must be in [0.5, 2.0], got %g", d.Voice.SpeedFactor))
	}

	if d.BargeIn.Threshold < 0 || d.BargeIn.Threshold > 1 {
		errs = append(errs, fmt.Errorf("agentstore: barge_in threshold must be in [0.0, 1.0], got %g", d.BargeIn.Threshold))
	}
	if d.BargeIn.MinSpeechMs < 0 {
		errs = append(errs, fmt.Errorf("agentstore: barge_in min_speech_ms must be non-negative, got %d", d.BargeIn.MinSpeechMs))
	}
	if d.BargeIn.MinSilenceMs < 0 {
		errs = append(errs, fmt.Errorf("agentstore: barge_in min_silence_ms must be non-negative, got %d", d.BargeIn.MinSilenceMs))
	}
	if d.BargeIn.CooldownMs < 0 {
		errs = append(errs, fmt.Errorf("agentstore: barge_in cooldown_ms must be non-negative, got %d", d.BargeIn.CooldownMs))
	}

	if d.HangupAfterSilenceSec < 0 {
		errs = append(errs, fmt.Errorf("agentstore: hangup_after_silence_sec must be non-negative, got %d", d.HangupAfterSilenceSec))
	}

	return errors.Join(errs...)
}

// VoiceProfile converts the stored voice configuration into the runtime
// profile handed to the TTS provider.
func (d *Definition) VoiceProfile() types.VoiceProfile {
	return types.VoiceProfile{
		ID:          d.Voice.VoiceID,
		Name:        d.Name,
		Provider:    d.TTS.Name,
		SpeedFactor: d.Voice.SpeedFactor,
		Metadata:    d.Voice.Metadata,
	}
}

// VADConfig converts the stored barge-in thresholds into a VAD session
// configuration for the given sample rate, filling zero fields with the
// package defaults. The analysis window is 10 ms.
func (d *Definition) VADConfig(sampleRate int) vad.Config {
	cfg := vad.Config{
		SampleRate:    sampleRate,
		WindowSamples: sampleRate / 100,
		Threshold:     d.BargeIn.Threshold,
		MinSpeechMs:   d.BargeIn.MinSpeechMs,
		MinSilenceMs:  d.BargeIn.MinSilenceMs,
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultBargeInThreshold
	}
	if cfg.MinSpeechMs == 0 {
		cfg.MinSpeechMs = DefaultMinSpeechMs
	}
	if cfg.MinSilenceMs == 0 {
		cfg.MinSilenceMs = DefaultMinSilenceMs
	}
	return cfg
}

// Cooldown returns the barge-in cooldown as a duration, or zero when the
// definition leaves it to the interrupt manager's default.
func (d *Definition) Cooldown() time.Duration {
	return time.Duration(d.BargeIn.CooldownMs) * time.Millisecond
}
