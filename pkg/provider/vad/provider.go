// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a frame-level speech detector (a model-backed scorer or
// the energy-based fallback) and surfaces it as a stateful, per-stream
// session. Each session maintains its own internal state (window buffers,
// debounce counters) so that multiple concurrent audio streams can be
// processed independently.
//
// VAD is synchronous by design: ProcessFrame returns immediately with a
// detection result, making it suitable for low-latency pipeline stages that
// gate barge-in decisions. Callback dispatch for downstream subscribers lives
// in [Detector], which never blocks the frame path.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import (
	"errors"
	"fmt"
)

// ErrSessionClosed is returned by ProcessFrame after Close.
var ErrSessionClosed = errors.New("vad: session closed")

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must be 8000 or 16000, the
	// two rates the media path carries.
	SampleRate int

	// WindowSamples is the number of samples per analysis window. Input
	// frames are sliced into windows of this size; a partial trailing window
	// is buffered until the next frame completes it. 160 samples (10 ms at
	// 16 kHz) is a reasonable default.
	WindowSamples int

	// Threshold is the speech probability above which a window is classified
	// as speech. Range: [0.0, 1.0]. For the energy engine the probability is
	// normalized RMS, so telephony thresholds live around 0.02–0.1.
	Threshold float64

	// MinSpeechMs is how long contiguous speech must persist before the
	// session reports a speech start. Debounces clicks and breath noise.
	MinSpeechMs int

	// MinSilenceMs is how long contiguous silence must persist before the
	// session reports a speech end. Debounces mid-sentence pauses.
	MinSilenceMs int
}

// Validate reports all configuration problems at once.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate != 8000 && c.SampleRate != 16000 {
		errs = append(errs, fmt.Errorf("sample rate must be 8000 or 16000, got %d", c.SampleRate))
	}
	if c.WindowSamples <= 0 {
		errs = append(errs, fmt.Errorf("window samples must be positive, got %d", c.WindowSamples))
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		errs = append(errs, fmt.Errorf("threshold must be in [0.0, 1.0], got %g", c.Threshold))
	}
	if c.MinSpeechMs < 0 {
		errs = append(errs, fmt.Errorf("min speech duration must be non-negative, got %dms", c.MinSpeechMs))
	}
	if c.MinSilenceMs < 0 {
		errs = append(errs, fmt.Errorf("min silence duration must be non-negative, got %dms", c.MinSilenceMs))
	}
	return errors.Join(errs...)
}

// SessionHandle represents an active VAD session for a single audio stream. It
// is an interface so that test code can supply mock implementations without a
// live engine. Each session maintains its own detection state; Reset clears
// this state without closing the session.
//
// A SessionHandle should not be shared between goroutines unless the
// implementation explicitly guarantees concurrent safety.
type SessionHandle interface {
	// ProcessFrame analyses a single audio frame and returns the detection
	// result. The frame must be raw little-endian 16-bit PCM at the
	// configured SampleRate. Frames need not align to WindowSamples; partial
	// windows carry over to the next call.
	//
	// VADSpeechStart and VADSpeechEnd are debounced one-shot results: each is
	// returned exactly once per segment boundary. Frames inside a segment
	// yield VADSpeechContinue, frames outside yield VADSilence.
	//
	// This method is called synchronously in the audio pipeline loop; it must
	// not block.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset clears all accumulated detection state (window buffers, debounce
	// counters) without closing the session. Use this when the audio stream
	// is interrupted or restarted to avoid stale state from the previous
	// segment affecting subsequent frames.
	Reset()

	// Close releases all resources associated with the session. After Close,
	// ProcessFrame returns ErrSessionClosed. Calling Close more than once is
	// safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration. The
	// session is immediately ready to accept audio frames.
	//
	// Returns an error if the configuration is invalid or if the engine
	// cannot allocate resources for the session.
	NewSession(cfg Config) (SessionHandle, error)
}
