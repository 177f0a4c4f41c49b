package vad

import (
	"log/slog"
	"sync"
)

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithLogger sets the logger used to report callback panics. Defaults to
// slog.Default().
func WithLogger(log *slog.Logger) DetectorOption {
	return func(d *Detector) {
		d.log = log
	}
}

// Detector layers segment-boundary callbacks on top of a SessionHandle. The
// ingestion loop feeds it every inbound frame; registered callbacks fire once
// per boundary and run on their own goroutine so a slow or panicking
// subscriber cannot stall the audio path.
type Detector struct {
	session SessionHandle
	log     *slog.Logger

	mu            sync.Mutex
	onSpeechStart []func()
	onSpeechEnd   []func()
}

// NewDetector wraps session with callback dispatch.
func NewDetector(session SessionHandle, opts ...DetectorOption) *Detector {
	d := &Detector{
		session: session,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OnSpeechStart registers fn to run whenever a debounced speech segment
// begins. Safe to call concurrently with Process.
func (d *Detector) OnSpeechStart(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onSpeechStart = append(d.onSpeechStart, fn)
}

// OnSpeechEnd registers fn to run whenever a debounced speech segment ends.
// Safe to call concurrently with Process.
func (d *Detector) OnSpeechEnd(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onSpeechEnd = append(d.onSpeechEnd, fn)
}

// Process runs one frame through the underlying session and reports whether
// speech is currently active. Boundary callbacks are dispatched
// asynchronously; Process itself never blocks on them.
func (d *Detector) Process(frame []byte) (bool, error) {
	ev, err := d.session.ProcessFrame(frame)
	if err != nil {
		return false, err
	}
	switch ev.Type {
	case VADSpeechStart:
		d.mu.Lock()
		fns := append([]func(){}, d.onSpeechStart...)
		d.mu.Unlock()
		d.dispatch("speech_start", fns)
		return true, nil
	case VADSpeechContinue:
		return true, nil
	case VADSpeechEnd:
		d.mu.Lock()
		fns := append([]func(){}, d.onSpeechEnd...)
		d.mu.Unlock()
		d.dispatch("speech_end", fns)
		return false, nil
	default:
		return false, nil
	}
}

// Reset clears the underlying session's detection state.
func (d *Detector) Reset() {
	d.session.Reset()
}

// Close releases the underlying session.
func (d *Detector) Close() error {
	return d.session.Close()
}

// dispatch runs each callback on its own goroutine. A panic in one callback
// is logged and does not affect the others or the frame path.
func (d *Detector) dispatch(event string, fns []func()) {
	for _, fn := range fns {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					d.log.Warn("vad callback panicked", "event", event, "panic", r)
				}
			}()
			fn()
		}()
	}
}
