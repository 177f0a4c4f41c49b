package app

import (
	"context"
	"net/http"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/coder/websocket"

	"github.com/trunkline-ai/trunkline/internal/agentstore"
	"github.com/trunkline-ai/trunkline/internal/config"
	"github.com/trunkline-ai/trunkline/internal/observe"
	"github.com/trunkline-ai/trunkline/internal/transport"
	"github.com/trunkline-ai/trunkline/pkg/provider/llm"
	llmmock "github.com/trunkline-ai/trunkline/pkg/provider/llm/mock"
	"github.com/trunkline-ai/trunkline/pkg/provider/stt"
	sttmock "github.com/trunkline-ai/trunkline/pkg/provider/stt/mock"
	"github.com/trunkline-ai/trunkline/pkg/provider/tts"
	"github.com/trunkline-ai/trunkline/pkg/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// newTestMetrics returns a Metrics instance backed by a ManualReader so tests
// can inspect recorded values.
func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// counterValue sums the data points of an int64 counter whose attributes
// contain key=value (every point when key is empty). Returns 0 when the
// metric has not been recorded yet.
func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name, key, value string) int64 {
	t.Helper()
	met := findMetric(collect(t, reader), name)
	if met == nil {
		return 0
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q: unexpected data type %T", name, met.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if key != "" {
			v, ok := dp.Attributes.Value(attribute.Key(key))
			if !ok || v.AsString() != value {
				continue
			}
		}
		total += dp.Value
	}
	return total
}

// histogramCount sums the sample counts of a float64 histogram. Returns 0
// when the metric has not been recorded yet.
func histogramCount(t *testing.T, reader *sdkmetric.ManualReader, name string) uint64 {
	t.Helper()
	met := findMetric(collect(t, reader), name)
	if met == nil {
		return 0
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric %q: unexpected data type %T", name, met.Data)
	}
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	return total
}

// waitCounter polls until the counter reaches want. Metered wrappers record
// from tee goroutines, so values can land a beat after the stream closes.
func waitCounter(t *testing.T, reader *sdkmetric.ManualReader, name, key, value string, want int64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if got := counterValue(t, reader, name, key, value); got == want {
			return
		} else if time.Now().After(deadline) {
			t.Fatalf("counter %s{%s=%s} = %d, want %d", name, key, value, got, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// stubAdapter plays carrier: the test pushes caller PCM into feed, outbound
// media lands in outs, and the webhook answer is canned.
type stubAdapter struct {
	feed   chan []byte
	outs   chan transport.MediaOut
	doc    transport.ControlDocument
	docErr error
	err    error
}

var _ transport.Adapter = (*stubAdapter)(nil)

func newStubAdapter() *stubAdapter {
	return &stubAdapter{
		feed: make(chan []byte, 64),
		outs: make(chan transport.MediaOut, 256),
		doc: transport.ControlDocument{
			ContentType: "text/xml",
			Body:        []byte("<Response><Connect/></Response>"),
		},
	}
}

func (s *stubAdapter) HandleMedia(ctx context.Context, _ *websocket.Conn, onAudioIn func([]byte), out <-chan transport.MediaOut) error {
	go func() {
		for mo := range out {
			select {
			case s.outs <- mo:
			default:
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-s.feed:
			if !ok {
				return s.err
			}
			onAudioIn(chunk)
		}
	}
}

func (s *stubAdapter) InitiateCall(context.Context, string, string) (string, error) {
	return "", transport.ErrNotSupported
}

func (s *stubAdapter) OnIncoming(*http.Request) (transport.ControlDocument, error) {
	if s.docErr != nil {
		return transport.ControlDocument{}, s.docErr
	}
	return s.doc, nil
}

func (s *stubAdapter) Hangup(context.Context, string) error { return nil }

func (s *stubAdapter) Transfer(context.Context, string, string) error {
	return transport.ErrNotSupported
}

// waitOut blocks until the adapter emits the wanted audio payload, skipping
// clear events and other chunks.
func waitOut(t *testing.T, ad *stubAdapter, want string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case mo := <-ad.outs:
			if string(mo.Audio) == want {
				return
			}
		case <-deadline:
			t.Fatalf("no %q on carrier leg", want)
		}
	}
}

// echoTTS synthesizes one "pcm:"-prefixed chunk per sentence.
type echoTTS struct{}

var _ tts.Provider = (*echoTTS)(nil)

func (e *echoTTS) SynthesizeStream(ctx context.Context, text <-chan string, _ types.VoiceProfile) (<-chan []byte, error) {
	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-text:
				if !ok {
					return
				}
				select {
				case out <- []byte("pcm:" + s):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (e *echoTTS) ListVoices(context.Context) ([]types.VoiceProfile, error) {
	return []types.VoiceProfile{{ID: "echo", Name: "Echo"}}, nil
}

func (e *echoTTS) CloneVoice(context.Context, [][]byte) (*types.VoiceProfile, error) {
	return nil, tts.ErrNotSupported
}

func newSTT() (*sttmock.Provider, *sttmock.Session) {
	sess := &sttmock.Session{
		PartialsCh: make(chan stt.Transcript, 16),
		FinalsCh:   make(chan stt.Transcript, 16),
	}
	return &sttmock.Provider{Session: sess}, sess
}

func finalTr(text string) stt.Transcript {
	return stt.Transcript{Text: text, IsFinal: true, Confidence: 0.92}
}

// voiceAgent is a minimal valid definition wired to the mock registry names.
func voiceAgent(id string) agentstore.Definition {
	return agentstore.Definition{
		ID:   id,
		Name: "Reception",
		STT:  agentstore.ProviderRef{Name: "deepgram", Model: "nova-3"},
		LLM:  agentstore.ProviderRef{Name: "openai", Model: "gpt-4o-mini"},
		TTS:  agentstore.ProviderRef{Name: "elevenlabs"},
	}
}

// mockRegistry registers factories under the production provider names, all
// returning the given doubles.
func mockRegistry(sttP stt.Provider, llmP llm.Provider, ttsP tts.Provider) *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterSTT("deepgram", func(config.ProviderEntry) (stt.Provider, error) { return sttP, nil })
	reg.RegisterLLM("openai", func(config.ProviderEntry) (llm.Provider, error) { return llmP, nil })
	reg.RegisterTTS("elevenlabs", func(config.ProviderEntry) (tts.Provider, error) { return ttsP, nil })
	return reg
}

// newTestApp builds an App on in-memory doubles and tears it down with the
// test.
func newTestApp(t *testing.T, cfg *config.Config, reg *config.Registry, opts ...Option) *App {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}
	a, err := New(context.Background(), cfg, reg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestNew_SeedsConfiguredAgents(t *testing.T) {
	m, _ := newTestMetrics(t)
	store := agentstore.NewMemoryStore()
	cfg := &config.Config{Agents: []agentstore.Definition{voiceAgent("desk")}}

	a := newTestApp(t, cfg, mockRegistry(&sttmock.Provider{}, &llmmock.Provider{}, &echoTTS{}),
		WithAgentStore(store), WithAdapter(newStubAdapter()), WithMetrics(m))

	def, err := a.store.Get(context.Background(), "desk")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if def == nil {
		t.Fatal("seeded agent not found")
	}
	if def.Name != "Reception" {
		t.Errorf("Name = %q, want %q", def.Name, "Reception")
	}
}

func TestNew_RejectsInvalidSeedAgent(t *testing.T) {
	m, _ := newTestMetrics(t)
	cfg := &config.Config{Agents: []agentstore.Definition{{Name: "no id"}}}

	_, err := New(context.Background(), cfg, mockRegistry(&sttmock.Provider{}, &llmmock.Provider{}, &echoTTS{}),
		WithAgentStore(agentstore.NewMemoryStore()), WithAdapter(newStubAdapter()), WithMetrics(m))
	if err == nil {
		t.Fatal("New accepted an agent without an ID")
	}
}

func TestNew_NoCarrierMeansNoAdapter(t *testing.T) {
	m, _ := newTestMetrics(t)
	a := newTestApp(t, &config.Config{}, mockRegistry(&sttmock.Provider{}, &llmmock.Provider{}, &echoTTS{}),
		WithAgentStore(agentstore.NewMemoryStore()), WithMetrics(m))
	if a.adapter != nil {
		t.Fatal("adapter built without telephony config")
	}
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	m, _ := newTestMetrics(t)
	cfg := &config.Config{
		Server: config.ServerConfig{ListenAddr: "127.0.0.1:0"},
		Agents: []agentstore.Definition{voiceAgent("desk")},
	}
	a := newTestApp(t, cfg, mockRegistry(&sttmock.Provider{}, &llmmock.Provider{}, &echoTTS{}),
		WithAgentStore(agentstore.NewMemoryStore()), WithAdapter(newStubAdapter()), WithMetrics(m))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	var addr string
	deadline := time.Now().Add(5 * time.Second)
	for addr == "" {
		if time.Now().After(deadline) {
			t.Fatal("listener never bound")
		}
		addr = a.Addr()
		time.Sleep(10 * time.Millisecond)
	}

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get("http://" + addr + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
