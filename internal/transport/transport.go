// Package transport defines the contract between the call server and the
// telephony backends that carry live audio. Each carrier (Twilio today,
// others behind the same interface) adapts its control plane and media
// WebSocket protocol to two normalized flows: decoded caller audio in,
// synthesized audio and playback-control events out.
//
// Audio crossing the adapter boundary is always PCM16, 16 kHz, mono — the
// pipeline's internal format. Adapters own every carrier-specific concern:
// codec transcoding (µ-law for PSTN), resampling between the carrier rate
// and the internal rate, base64 framing, and the carrier's envelope schema.
package transport

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
)

// Audio format at the adapter boundary. Adapters deliver caller audio in
// this format and accept synthesized audio in it, transcoding both
// directions to whatever the carrier speaks.
const (
	SampleRate = 16000
	Channels   = 1
)

// ErrNotSupported is returned by optional operations an adapter does not
// implement, such as Transfer on carriers without call re-pointing.
var ErrNotSupported = errors.New("transport: operation not supported")

// ControlDocument is the carrier-specific reply to a control-plane webhook.
// For Twilio this is TwiML instructing the carrier to open its media
// WebSocket toward the server.
type ControlDocument struct {
	ContentType string
	Body        []byte
}

// MediaOut is one outbound instruction to the carrier. Exactly one field is
// meaningful per event: Audio carries PCM16/16 kHz mono to transcode and
// send; Clear tells the carrier to discard any playback it has queued,
// which is how a barge-in stops audio that already left the server.
type MediaOut struct {
	Audio []byte
	Clear bool
}

// Adapter is implemented once per telephony carrier.
type Adapter interface {
	// InitiateCall places an outbound call through the carrier control
	// plane. callbackURL is the webhook the carrier will hit when the
	// callee answers; the returned call ID is carrier-scoped.
	InitiateCall(ctx context.Context, to, callbackURL string) (string, error)

	// OnIncoming handles the carrier's call-answer webhook and returns the
	// control document that points the carrier's media WebSocket at
	// wss://<host>/media/<agent_id>.
	OnIncoming(req *http.Request) (ControlDocument, error)

	// HandleMedia runs the media loop on an accepted WebSocket. Inbound
	// carrier frames are decoded to PCM16/16 kHz and handed to onAudioIn in
	// arrival order; events from out are encoded and written back. It
	// returns nil when the carrier ends the stream (stop event or clean
	// close) and an error on protocol or transport failure. Return is the
	// end-of-stream signal: callers close the pipeline input after it.
	HandleMedia(ctx context.Context, sock *websocket.Conn, onAudioIn func(pcm []byte), out <-chan MediaOut) error

	// Hangup terminates a call via the control plane.
	Hangup(ctx context.Context, callID string) error

	// Transfer re-points a live call at a new destination. Optional;
	// adapters without carrier support return ErrNotSupported.
	Transfer(ctx context.Context, callID, to string) error
}
