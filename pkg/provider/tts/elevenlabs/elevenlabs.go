// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider interface.
//
// Synthesis uses the stream-input endpoint: text fragments are written to the
// socket as they arrive from the LLM and PCM audio frames come back
// base64-encoded, so the first audio is playing before the response text is
// complete. The default output format is pcm_16000, matching the pipeline's
// internal sample rate.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/trunkline-ai/trunkline/pkg/fail"
	"github.com/trunkline-ai/trunkline/pkg/provider/tts"
	"github.com/trunkline-ai/trunkline/pkg/types"
)

const (
	defaultBaseURL   = "https://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"

	defaultStability  = 0.5
	defaultSimilarity = 0.75
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "pcm_16000", "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithEndpoint overrides the API base URL (e.g., "https://api.elevenlabs.io").
// The streaming WebSocket URL is derived from it by scheme substitution.
func WithEndpoint(base string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(base, "/")
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	baseURL      string
	model        string
	outputFormat string
	httpClient   *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
// An empty Text value is the end-of-input signal.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"` // error or info
}

// boiMessage is the initial "begin of input" handshake that authenticates and
// configures the stream. ElevenLabs requires a non-empty first text value.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// SynthesizeStream opens a WebSocket to ElevenLabs, pipes text fragments from
// the text channel, and returns a channel emitting raw PCM audio chunks.
//
// The returned audio channel is closed when synthesis is complete or ctx is
// cancelled; cancelling ctx mid-stream is the barge-in path and aborts the
// socket immediately.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice.ID must not be empty")
	}

	wsURL := buildStreamURL(p.baseURL, voice.ID, p.model, p.outputFormat)
	conn, resp, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fail.Auth("tts.connect", fmt.Errorf("elevenlabs: dial: %w", err))
		}
		return nil, fail.Transient("tts.connect", fmt.Errorf("elevenlabs: dial: %w", err))
	}

	vs := settingsForVoice(voice)

	// Send the initial BOI message to authenticate and configure the stream.
	boi := boiMessage{
		Text:          " ", // must be non-empty on the first message
		VoiceSettings: vs,
		XiAPIKey:      p.apiKey,
	}
	boiBytes, _ := json.Marshal(boi)
	if err := conn.Write(ctx, websocket.MessageText, boiBytes); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send BOI")
		return nil, fail.Transient("tts.connect", fmt.Errorf("elevenlabs: send BOI: %w", err))
	}

	audioCh := make(chan []byte, 256)

	go func() {
		defer close(audioCh)
		defer conn.Close(websocket.StatusNormalClosure, "done")

		// Reader goroutine: decode audio frames until the server marks the
		// stream final or the connection drops.
		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			for {
				_, msg, err := conn.Read(ctx)
				if err != nil {
					return
				}
				var resp audioResponse
				if err := json.Unmarshal(msg, &resp); err != nil {
					continue
				}
				if resp.Audio != "" {
					pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
					if err == nil {
						select {
						case audioCh <- pcm:
						case <-ctx.Done():
							return
						}
					}
				} else if resp.Message != "" && !resp.IsFinal {
					slog.Warn("elevenlabs stream message", "message", resp.Message)
				}
				if resp.IsFinal {
					return
				}
			}
		}()

		// Write text fragments to ElevenLabs. Voice settings ride on the BOI
		// message, so subsequent fragments omit them.
		for {
			select {
			case sentence, ok := <-text:
				if !ok {
					// Text channel closed: empty text is the end-of-input signal.
					flush := textMessage{Text: ""}
					flushBytes, _ := json.Marshal(flush)
					_ = conn.Write(ctx, websocket.MessageText, flushBytes)
					// Wait for the reader to finish draining audio.
					<-readDone
					return
				}
				if sentence == "" {
					continue
				}
				payload := textMessage{Text: sentence}
				msgBytes, _ := json.Marshal(payload)
				if err := conn.Write(ctx, websocket.MessageText, msgBytes); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return audioCh, nil
}

// ---- ListVoices ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices returns all voices available from ElevenLabs for the configured
// API key.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fail.Transient("tts.voices", fmt.Errorf("elevenlabs: list voices HTTP: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("tts.voices", resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: read voices response: %w", err)
	}
	profiles, err := parseVoicesResponse(data)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: decode voices response: %w", err)
	}
	return profiles, nil
}

// ---- CloneVoice ----

// addVoiceResponse is the JSON body returned by POST /v1/voices/add.
type addVoiceResponse struct {
	VoiceID string `json:"voice_id"`
}

// CloneVoice creates a new voice by uploading audio samples to
// POST /v1/voices/add. Each element of samples must be an encoded audio file
// the API accepts (WAV or MP3). The voice is registered under a generated
// name; rename it in the ElevenLabs dashboard if needed.
func (p *Provider) CloneVoice(ctx context.Context, samples [][]byte) (*types.VoiceProfile, error) {
	if len(samples) == 0 {
		return nil, errors.New("elevenlabs: CloneVoice requires at least one audio sample")
	}

	name := fmt.Sprintf("cloned-%d", time.Now().Unix())

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("name", name); err != nil {
		return nil, fmt.Errorf("elevenlabs: write name field: %w", err)
	}
	for i, sample := range samples {
		fw, err := mw.CreateFormFile("files", fmt.Sprintf("sample_%02d.wav", i))
		if err != nil {
			return nil, fmt.Errorf("elevenlabs: create form file: %w", err)
		}
		if _, err := fw.Write(sample); err != nil {
			return nil, fmt.Errorf("elevenlabs: write form file: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("elevenlabs: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/voices/add", &body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: create clone request: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fail.Transient("tts.clone", fmt.Errorf("elevenlabs: clone HTTP: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("tts.clone", resp)
	}

	var ar addVoiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, fmt.Errorf("elevenlabs: decode clone response: %w", err)
	}
	if ar.VoiceID == "" {
		return nil, errors.New("elevenlabs: clone response missing voice_id")
	}

	return &types.VoiceProfile{
		ID:       ar.VoiceID,
		Name:     name,
		Provider: "elevenlabs",
		Metadata: map[string]string{"category": "cloned"},
	}, nil
}

// ---- helpers ----

// settingsForVoice maps a VoiceProfile onto ElevenLabs voice settings.
// Metadata keys "stability" and "similarity_boost" override the defaults when
// they parse as floats; SpeedFactor maps to the speed setting when it departs
// from 1.0.
func settingsForVoice(voice types.VoiceProfile) *voiceSettings {
	vs := &voiceSettings{Stability: defaultStability, SimilarityBoost: defaultSimilarity}
	if v, err := strconv.ParseFloat(voice.Metadata["stability"], 64); err == nil {
		vs.Stability = v
	}
	if v, err := strconv.ParseFloat(voice.Metadata["similarity_boost"], 64); err == nil {
		vs.SimilarityBoost = v
	}
	if voice.SpeedFactor > 0 && voice.SpeedFactor != 1 {
		vs.Speed = voice.SpeedFactor
	}
	return vs
}

// buildStreamURL constructs the stream-input WebSocket URL for a voice. The
// scheme is derived from the API base URL so httptest servers work unchanged.
func buildStreamURL(base, voiceID, model, outputFormat string) string {
	ws := base
	switch {
	case strings.HasPrefix(base, "https://"):
		ws = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		ws = "ws://" + strings.TrimPrefix(base, "http://")
	}
	q := url.Values{}
	q.Set("model_id", model)
	if outputFormat != "" {
		q.Set("output_format", outputFormat)
	}
	return ws + "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input?" + q.Encode()
}

// buildWSMessage constructs the JSON text payload for a single text fragment.
// Used by tests to verify the payload shape without opening a real connection.
func buildWSMessage(text string, vs *voiceSettings) ([]byte, error) {
	return json.Marshal(textMessage{Text: text, VoiceSettings: vs})
}

// parseVoicesResponse parses a raw JSON byte slice (matching the ElevenLabs
// /v1/voices response) into a slice of VoiceProfile values.
func parseVoicesResponse(data []byte) ([]types.VoiceProfile, error) {
	var vr voicesResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return nil, err
	}
	profiles := make([]types.VoiceProfile, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		meta := make(map[string]string, len(v.Labels)+1)
		for k, val := range v.Labels {
			meta[k] = val
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		profiles = append(profiles, types.VoiceProfile{
			ID:       v.VoiceID,
			Name:     v.Name,
			Provider: "elevenlabs",
			Metadata: meta,
		})
	}
	return profiles, nil
}

// classifyStatus maps a non-200 ElevenLabs response onto the failure taxonomy.
func classifyStatus(op string, resp *http.Response) error {
	err := fmt.Errorf("elevenlabs: unexpected status %d", resp.StatusCode)
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
