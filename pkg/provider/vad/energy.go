package vad

import (
	"fmt"
	"math"
)

// EnergyEngine detects speech from per-window RMS energy. It is the
// dependency-free fallback used when no model-backed detector is configured;
// telephony audio has enough signal-to-noise for energy gating to drive
// barge-in reliably.
//
// The probability reported in VADEvent is the RMS of the window with samples
// normalized to [-1, 1], so Config.Threshold is an RMS level rather than a
// model score.
type EnergyEngine struct{}

var _ Engine = EnergyEngine{}

// NewSession validates cfg and returns a fresh detection session.
func (EnergyEngine) NewSession(cfg Config) (SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("energy vad: %w", err)
	}
	return &energySession{
		cfg:               cfg,
		minSpeechSamples:  cfg.SampleRate * cfg.MinSpeechMs / 1000,
		minSilenceSamples: cfg.SampleRate * cfg.MinSilenceMs / 1000,
	}, nil
}

type energySession struct {
	cfg               Config
	minSpeechSamples  int
	minSilenceSamples int

	pending    []byte
	speechRun  int
	silenceRun int
	inSpeech   bool
	lastProb   float64
	closed     bool
}

func (s *energySession) ProcessFrame(frame []byte) (VADEvent, error) {
	if s.closed {
		return VADEvent{}, ErrSessionClosed
	}
	s.pending = append(s.pending, frame...)

	windowBytes := s.cfg.WindowSamples * 2
	wasSpeaking := s.inSpeech

	consumed := 0
	for len(s.pending)-consumed >= windowBytes {
		window := s.pending[consumed : consumed+windowBytes]
		consumed += windowBytes
		s.lastProb = rmsProbability(window)
		s.advance(s.lastProb >= s.cfg.Threshold)
	}
	if consumed > 0 {
		rem := copy(s.pending, s.pending[consumed:])
		s.pending = s.pending[:rem]
	}

	ev := VADEvent{Probability: s.lastProb}
	switch {
	case !wasSpeaking && s.inSpeech:
		ev.Type = VADSpeechStart
	case wasSpeaking && !s.inSpeech:
		ev.Type = VADSpeechEnd
	case s.inSpeech:
		ev.Type = VADSpeechContinue
	default:
		ev.Type = VADSilence
	}
	return ev, nil
}

// advance applies one analysis window to the debounce counters. Runs are
// contiguous: a window of the opposite class resets the other counter.
func (s *energySession) advance(isSpeech bool) {
	if isSpeech {
		s.speechRun += s.cfg.WindowSamples
		s.silenceRun = 0
		if !s.inSpeech && s.speechRun >= s.minSpeechSamples {
			s.inSpeech = true
		}
	} else {
		s.silenceRun += s.cfg.WindowSamples
		s.speechRun = 0
		if s.inSpeech && s.silenceRun >= s.minSilenceSamples {
			s.inSpeech = false
		}
	}
}

func (s *energySession) Reset() {
	s.pending = s.pending[:0]
	s.speechRun = 0
	s.silenceRun = 0
	s.inSpeech = false
	s.lastProb = 0
}

func (s *energySession) Close() error {
	s.closed = true
	s.pending = nil
	return nil
}

// rmsProbability computes the RMS of a little-endian int16 window with samples
// normalized to [-1, 1].
func rmsProbability(window []byte) float64 {
	samples := len(window) / 2
	if samples == 0 {
		return 0
	}
	var sumSquares float64
	for i := range samples {
		sample := int16(window[i*2]) | int16(window[i*2+1])<<8
		norm := float64(sample) / 32768.0
		sumSquares += norm * norm
	}
	return math.Sqrt(sumSquares / float64(samples))
}
