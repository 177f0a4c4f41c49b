// Package twilio adapts Twilio Programmable Voice to the transport contract.
//
// The media side speaks Twilio's stream envelope over WebSocket:
// connected/start/media/mark/stop inbound, media/clear outbound, with
// payloads carried as base64 µ-law at 8 kHz. The adapter transcodes to and
// from the pipeline's PCM16/16 kHz at the boundary. The control side uses
// the REST API for outbound calls, hangup, and transfer, and answers the
// voice webhook with a TwiML <Connect><Stream> document.
package twilio

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/trunkline-ai/trunkline/internal/transport"
	"github.com/trunkline-ai/trunkline/pkg/audio"
	"github.com/trunkline-ai/trunkline/pkg/fail"
)

// DefaultBaseURL is the Twilio REST API endpoint.
const DefaultBaseURL = "https://api.twilio.com"

// carrierRate is the PSTN sample rate Twilio streams µ-law at. pipelineRate
// is the internal PCM16 rate expected on the other side of the boundary.
const (
	carrierRate  = 8000
	pipelineRate = transport.SampleRate
)

// mulawEncoding is the only media format Twilio streams for PSTN calls.
const mulawEncoding = "audio/x-mulaw"

// Option configures the Adapter.
type Option func(*Adapter)

// WithFrom sets the caller ID used for outbound calls.
func WithFrom(number string) Option {
	return func(a *Adapter) { a.from = number }
}

// WithBaseURL overrides the REST endpoint. Used by tests.
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = strings.TrimSuffix(u, "/") }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.httpc = c }
}

// WithMediaHost fixes the host used in the TwiML stream URL. When unset the
// webhook request's Host header is used, which is correct behind a
// well-configured proxy.
func WithMediaHost(host string) Option {
	return func(a *Adapter) { a.mediaHost = host }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(a *Adapter) { a.log = log }
}

// Adapter implements transport.Adapter for Twilio.
type Adapter struct {
	accountSID string
	authToken  string
	from       string
	baseURL    string
	mediaHost  string
	httpc      *http.Client
	log        *slog.Logger
}

// New builds a Twilio adapter. Account SID and auth token are required; an
// outbound caller ID is only needed for InitiateCall.
func New(accountSID, authToken string, opts ...Option) (*Adapter, error) {
	if accountSID == "" {
		return nil, errors.New("twilio: account SID is required")
	}
	if authToken == "" {
		return nil, errors.New("twilio: auth token is required")
	}
	a := &Adapter{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    DefaultBaseURL,
		httpc:      &http.Client{Timeout: 30 * time.Second},
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

var _ transport.Adapter = (*Adapter)(nil)

// ─── Media stream ────────────────────────────────────────────────────────────

// envelope is Twilio's media stream message. Only the fields for the given
// event are populated.
type envelope struct {
	Event          string        `json:"event"`
	StreamSid      string        `json:"streamSid,omitempty"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	Start          *startPayload `json:"start,omitempty"`
	Media          *mediaPayload `json:"media,omitempty"`
	Mark           *markPayload  `json:"mark,omitempty"`
	Stop           *stopPayload  `json:"stop,omitempty"`
}

type startPayload struct {
	AccountSid       string            `json:"accountSid"`
	CallSid          string            `json:"callSid"`
	StreamSid        string            `json:"streamSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      mediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type markPayload struct {
	Name string `json:"name"`
}

type stopPayload struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

// HandleMedia runs Twilio's media stream until the carrier stops it. Inbound
// µ-law is decoded and upsampled before reaching onAudioIn; outbound audio is
// downsampled and µ-law encoded. A Clear event becomes Twilio's clear
// message, which drops the carrier's queued playback.
func (a *Adapter) HandleMedia(ctx context.Context, sock *websocket.Conn, onAudioIn func(pcm []byte), out <-chan transport.MediaOut) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The writer needs the streamSid from the start event before it can
	// frame anything. sid is written once before started closes.
	var sid string
	started := make(chan struct{})
	writeErr := make(chan error, 1)

	go func() {
		select {
		case <-started:
		case <-ctx.Done():
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-out:
				if !ok {
					return
				}
				env, send := a.outboundEnvelope(sid, ev)
				if !send {
					continue
				}
				data, err := json.Marshal(env)
				if err != nil {
					a.log.Warn("marshal media envelope", "error", err)
					continue
				}
				if err := sock.Write(ctx, websocket.MessageText, data); err != nil {
					select {
					case writeErr <- err:
					default:
					}
					cancel()
					return
				}
			}
		}
	}()

	startSeen := false
	for {
		_, data, err := sock.Read(ctx)
		if err != nil {
			select {
			case werr := <-writeErr:
				return fail.Fatal("twilio.media", fmt.Errorf("media write: %w", werr))
			default:
			}
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fail.Fatal("twilio.media", err)
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			a.log.Warn("bad media frame", "error", err)
			continue
		}

		switch env.Event {
		case "connected":
			a.log.Debug("media stream connected")

		case "start":
			if startSeen {
				continue
			}
			startSeen = true
			sid = env.StreamSid
			if env.Start != nil {
				if env.Start.StreamSid != "" {
					sid = env.Start.StreamSid
				}
				format := env.Start.MediaFormat
				if format.Encoding != "" && (format.Encoding != mulawEncoding || format.SampleRate != carrierRate) {
					return fail.Protocol("twilio.media",
						fmt.Errorf("unsupported media format %s/%d", format.Encoding, format.SampleRate))
				}
				a.log.Info("media stream started",
					"call_sid", env.Start.CallSid, "stream_sid", sid)
			}
			close(started)

		case "media":
			if env.Media == nil || env.Media.Payload == "" {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(env.Media.Payload)
			if err != nil {
				a.log.Warn("bad media payload", "error", err)
				continue
			}
			onAudioIn(audio.ResampleMono16(audio.MulawToPCM16(raw), carrierRate, pipelineRate))

		case "mark":
			if env.Mark != nil {
				a.log.Debug("mark acknowledged", "name", env.Mark.Name)
			}

		case "stop":
			a.log.Info("media stream stopped", "stream_sid", sid)
			return nil

		default:
			a.log.Debug("unhandled media event", "event", env.Event)
		}
	}
}

// outboundEnvelope converts one MediaOut into the wire envelope. The second
// return is false for events with nothing to send.
func (a *Adapter) outboundEnvelope(sid string, ev transport.MediaOut) (envelope, bool) {
	if ev.Clear {
		return envelope{Event: "clear", StreamSid: sid}, true
	}
	if len(ev.Audio) == 0 {
		return envelope{}, false
	}
	mulaw := audio.PCM16ToMulaw(audio.ResampleMono16(ev.Audio, pipelineRate, carrierRate))
	return envelope{
		Event:     "media",
		StreamSid: sid,
		Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	}, true
}

// ─── Control plane ───────────────────────────────────────────────────────────

// twimlResponse is the control document for <Connect><Stream>.
type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL string `xml:"url,attr"`
}

// OnIncoming answers Twilio's voice webhook. The agent ID is the final
// segment of the webhook path; the returned TwiML connects the carrier's
// media WebSocket to wss://<host>/media/<agent_id>.
func (a *Adapter) OnIncoming(req *http.Request) (transport.ControlDocument, error) {
	agentID := path.Base(req.URL.Path)
	if agentID == "" || agentID == "/" || agentID == "." {
		return transport.ControlDocument{}, fail.Protocol("twilio.incoming",
			errors.New("webhook path carries no agent id"))
	}
	host := a.mediaHost
	if host == "" {
		host = req.Host
	}
	doc := twimlResponse{
		Connect: twimlConnect{
			Stream: twimlStream{URL: "wss://" + host + "/media/" + agentID},
		},
	}
	body, err := xml.Marshal(doc)
	if err != nil {
		return transport.ControlDocument{}, fail.Protocol("twilio.incoming", err)
	}
	return transport.ControlDocument{
		ContentType: "text/xml",
		Body:        append([]byte(xml.Header), body...),
	}, nil
}

// InitiateCall places an outbound call. Twilio hits callbackURL for TwiML
// when the callee answers.
func (a *Adapter) InitiateCall(ctx context.Context, to, callbackURL string) (string, error) {
	if a.from == "" {
		return "", fail.Protocol("twilio.call", errors.New("outbound caller id not configured"))
	}
	form := url.Values{
		"To":   {to},
		"From": {a.from},
		"Url":  {callbackURL},
	}
	body, err := a.post(ctx, "/2010-04-01/Accounts/"+a.accountSID+"/Calls.json", form, "twilio.call")
	if err != nil {
		return "", err
	}
	var resp struct {
		Sid string `json:"sid"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fail.Protocol("twilio.call", fmt.Errorf("decode call response: %w", err))
	}
	if resp.Sid == "" {
		return "", fail.Protocol("twilio.call", errors.New("call response carries no sid"))
	}
	return resp.Sid, nil
}

// Hangup completes a live call.
func (a *Adapter) Hangup(ctx context.Context, callID string) error {
	form := url.Values{"Status": {"completed"}}
	_, err := a.post(ctx, "/2010-04-01/Accounts/"+a.accountSID+"/Calls/"+callID+".json", form, "twilio.hangup")
	return err
}

// Transfer re-points a live call by handing Twilio new TwiML that dials the
// destination.
func (a *Adapter) Transfer(ctx context.Context, callID, to string) error {
	var dial bytes.Buffer
	dial.WriteString("<Response><Dial>")
	if err := xml.EscapeText(&dial, []byte(to)); err != nil {
		return fail.Protocol("twilio.transfer", err)
	}
	dial.WriteString("</Dial></Response>")

	form := url.Values{"Twiml": {dial.String()}}
	_, err := a.post(ctx, "/2010-04-01/Accounts/"+a.accountSID+"/Calls/"+callID+".json", form, "twilio.transfer")
	return err
}

// post issues an authenticated form POST and maps non-2xx responses onto the
// failure taxonomy.
func (a *Adapter) post(ctx context.Context, apiPath string, form url.Values, op string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+apiPath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fail.Protocol(op, err)
	}
	req.SetBasicAuth(a.accountSID, a.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fail.Transient(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fail.Transient(op, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, classifyStatus(op, resp)
}

// classifyStatus maps a non-2xx Twilio response onto the failure taxonomy.
func classifyStatus(op string, resp *http.Response) error {
	err := fmt.Errorf("twilio: unexpected status %d", resp.StatusCode)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fail.Auth(op, err)
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := time.Duration(0)
		if s, convErr := strconv.Atoi(resp.Header.Get("Retry-After")); convErr == nil {
			retryAfter = time.Duration(s) * time.Second
		}
		return fail.RateLimited(op, err, retryAfter)
	case resp.StatusCode >= 500:
		return fail.Transient(op, err)
	default:
		return fail.Protocol(op, err)
	}
}
