package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/trunkline-ai/trunkline/internal/agentstore"
	"github.com/trunkline-ai/trunkline/internal/gateway"
	"github.com/trunkline-ai/trunkline/internal/pipeline"
	"github.com/trunkline-ai/trunkline/internal/resilience"
	"github.com/trunkline-ai/trunkline/internal/session"
	"github.com/trunkline-ai/trunkline/internal/transport"
	"github.com/trunkline-ai/trunkline/internal/usage"
	"github.com/trunkline-ai/trunkline/pkg/fail"
	"github.com/trunkline-ai/trunkline/pkg/provider/llm"
	llmmock "github.com/trunkline-ai/trunkline/pkg/provider/llm/mock"
	"github.com/trunkline-ai/trunkline/pkg/provider/stt"
	sttmock "github.com/trunkline-ai/trunkline/pkg/provider/stt/mock"
	"github.com/trunkline-ai/trunkline/pkg/provider/tts"
	"github.com/trunkline-ai/trunkline/pkg/provider/vad"
	vadmock "github.com/trunkline-ai/trunkline/pkg/provider/vad/mock"
	"github.com/trunkline-ai/trunkline/pkg/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// reasonLog captures disconnect-hook reasons.
type reasonLog struct {
	mu      sync.Mutex
	reasons []string
}

func (l *reasonLog) record(_ gateway.ConnectionInfo, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reasons = append(l.reasons, reason)
}

func (l *reasonLog) has(reason string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.reasons {
		if r == reason {
			return true
		}
	}
	return false
}

// fakeFactory hands out canned providers regardless of the requested ref.
type fakeFactory struct {
	mu     sync.Mutex
	sttP   stt.Provider
	llmP   llm.Provider
	ttsP   tts.Provider
	sttErr error
	llmErr error
	ttsErr error
	refs   []agentstore.ProviderRef
}

var _ session.ProviderFactory = (*fakeFactory)(nil)

func (f *fakeFactory) STT(ref agentstore.ProviderRef) (stt.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs = append(f.refs, ref)
	if f.sttErr != nil {
		return nil, f.sttErr
	}
	return f.sttP, nil
}

func (f *fakeFactory) LLM(ref agentstore.ProviderRef) (llm.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs = append(f.refs, ref)
	if f.llmErr != nil {
		return nil, f.llmErr
	}
	return f.llmP, nil
}

func (f *fakeFactory) TTS(ref agentstore.ProviderRef) (tts.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs = append(f.refs, ref)
	if f.ttsErr != nil {
		return nil, f.ttsErr
	}
	return f.ttsP, nil
}

// fakeAdapter simulates a carrier media loop: the test pushes caller PCM into
// feed, outbound media events land in outs. Closing feed ends the stream the
// way a carrier stop event does; err is returned to the supervisor then.
type fakeAdapter struct {
	feed chan []byte
	outs chan transport.MediaOut
	err  error
}

var _ transport.Adapter = (*fakeAdapter)(nil)

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		feed: make(chan []byte, 64),
		outs: make(chan transport.MediaOut, 256),
	}
}

func (f *fakeAdapter) HandleMedia(ctx context.Context, _ *websocket.Conn, onAudioIn func([]byte), out <-chan transport.MediaOut) error {
	go func() {
		for mo := range out {
			select {
			case f.outs <- mo:
			default:
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-f.feed:
			if !ok {
				return f.err
			}
			onAudioIn(chunk)
		}
	}
}

func (f *fakeAdapter) InitiateCall(context.Context, string, string) (string, error) {
	return "", transport.ErrNotSupported
}

func (f *fakeAdapter) OnIncoming(*http.Request) (transport.ControlDocument, error) {
	return transport.ControlDocument{}, transport.ErrNotSupported
}

func (f *fakeAdapter) Hangup(context.Context, string) error { return nil }

func (f *fakeAdapter) Transfer(context.Context, string, string) error {
	return transport.ErrNotSupported
}

// echoTTS synthesizes one audio chunk per received sentence, prefixed "pcm:",
// pacing output by input the way real streaming providers do.
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

// frame returns n bytes of PCM16 silence.
func frame(n int) []byte {
	return make([]byte, n)
}

// voiceAgent is a minimal valid agent definition.
func voiceAgent(id string) *agentstore.Definition {
	return &agentstore.Definition{
		ID:   id,
		Name: "Reception",
		STT:  agentstore.ProviderRef{Name: "deepgram", Model: "nova-3"},
		LLM:  agentstore.ProviderRef{Name: "openai", Model: "gpt-4o-mini"},
		TTS:  agentstore.ProviderRef{Name: "elevenlabs"},
	}
}

// harness runs one supervisor behind an httptest server. Dialing with
// role=media starts a call; role=watch registers a dashboard subscriber.
type harness struct {
	t       *testing.T
	gw      *gateway.Manager
	store   *agentstore.MemoryStore
	tracker *usage.Tracker
	reasons *reasonLog
	sup     *session.Supervisor
	srv     *httptest.Server
	runErr  chan error
	cancel  context.CancelFunc

	mu      sync.Mutex
	adapter *fakeAdapter
}

func newHarness(t *testing.T, def *agentstore.Definition, factory session.ProviderFactory, vadSess vad.SessionHandle, opts ...session.Option) *harness {
	t.Helper()

	reasons := &reasonLog{}
	gw := gateway.NewManager(gateway.WithDisconnectHook(reasons.record))
	store := agentstore.NewMemoryStore()
	if def != nil {
		if err := store.Create(context.Background(), def); err != nil {
			t.Fatalf("seed agent: %v", err)
		}
	}
	if vadSess == nil {
		vadSess = &vadmock.Session{EventResult: vad.VADEvent{Type: vad.VADSilence}}
	}
	opts = append([]session.Option{
		session.WithVADEngine(&vadmock.Engine{Session: vadSess}),
	}, opts...)

	tracker := usage.NewTracker()
	h := &harness{
		t:       t,
		gw:      gw,
		store:   store,
		tracker: tracker,
		reasons: reasons,
		sup:     session.New(gw, store, factory, tracker, opts...),
		adapter: newFakeAdapter(),
		runErr:  make(chan error, 4),
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		q := r.URL.Query()
		switch q.Get("role") {
		case "media":
			h.runErr <- h.sup.Run(runCtx, sock, q.Get("agent"), h.adapterNow())
		case "watch":
			if _, err := gw.Connect(context.Background(), sock, gateway.Identity{SessionID: q.Get("session")}); err != nil {
				sock.Close(websocket.StatusTryAgainLater, "refused")
			}
		}
	}))

	t.Cleanup(func() {
		cancel()
		_ = gw.Stop(context.Background())
		h.srv.Close()
	})
	return h
}

func (h *harness) adapterNow() *fakeAdapter {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.adapter
}

// swapAdapter installs a fresh adapter for a follow-on call on the same
// supervisor. Only valid between calls.
func (h *harness) swapAdapter(a *fakeAdapter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.adapter = a
}

func (h *harness) dial(query string) *websocket.Conn {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	u := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/?" + query
	c, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		h.t.Fatalf("dial %s: %v", query, err)
	}
	return c
}

// dialMedia opens the carrier leg. The client side discards frames so close
// handshakes complete; all media flows through the fake adapter instead.
func (h *harness) dialMedia(agentID string) {
	h.t.Helper()
	c := h.dial("role=media&agent=" + agentID)
	go func() {
		for {
			if _, _, err := c.Read(context.Background()); err != nil {
				return
			}
		}
	}()
}

// dialWatch subscribes to a session's event stream and waits for the
// gateway to index the new connection, so no broadcast can slip past it.
func (h *harness) dialWatch(sessionID string) *websocket.Conn {
	h.t.Helper()
	before := h.gw.ActiveConnections()
	c := h.dial("role=watch&session=" + sessionID)
	waitFor(h.t, func() bool { return h.gw.ActiveConnections() > before }, "watcher registration")
	return c
}

// sessionID waits for a live call to register with the usage tracker and
// returns its generated session ID.
func (h *harness) sessionID() string {
	h.t.Helper()
	var id string
	waitFor(h.t, func() bool {
		for _, rec := range h.tracker.Records() {
			if rec.EndedAt.IsZero() {
				id = rec.SessionID
				return true
			}
		}
		return false
	}, "call to start")
	return id
}

// waitOut drains outbound media events until want matches one, returning
// everything seen up to and including the match.
func (h *harness) waitOut(want func(transport.MediaOut) bool, what string) []transport.MediaOut {
	h.t.Helper()
	outs := h.adapterNow().outs
	var seen []transport.MediaOut
	deadline := time.After(5 * time.Second)
	for {
		select {
		case mo := <-outs:
			seen = append(seen, mo)
			if want(mo) {
				return seen
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for %s (saw %d media events)", what, len(seen))
			return nil
		}
	}
}

func (h *harness) waitRun() error {
	h.t.Helper()
	select {
	case err := <-h.runErr:
		return err
	case <-time.After(5 * time.Second):
		h.t.Fatal("supervisor did not return in time")
		return nil
	}
}

// endCall hangs up carrier-side and completes the STT shutdown handshake the
// way a real provider does after Close.
func (h *harness) endCall(sess *sttmock.Session) {
	h.t.Helper()
	close(h.adapterNow().feed)
	waitFor(h.t, func() bool { return sess.CloseCount() > 0 }, "stt session close")
	close(sess.FinalsCh)
	close(sess.PartialsCh)
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// event is the JSON shape session watchers receive.
type event struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	IsFinal bool            `json:"is_final"`
}

// readUntil reads watcher events until want matches one, returning
// everything read up to and including the match.
func readUntil(t *testing.T, sock *websocket.Conn, want func(event) bool, what string) []event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var evs []event
	for {
		_, data, err := sock.Read(ctx)
		if err != nil {
			t.Fatalf("waiting for %s: %v (saw %d events)", what, err, len(evs))
		}
		var ev event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode event %q: %v", data, err)
		}
		evs = append(evs, ev)
		if want(ev) {
			return evs
		}
	}
}

func dataString(t *testing.T, ev event) string {
	t.Helper()
	var s string
	if err := json.Unmarshal(ev.Data, &s); err != nil {
		t.Fatalf("event data %s is not a string: %v", ev.Data, err)
	}
	return s
}

func hasEvent(evs []event, want func(event) bool) bool {
	for _, ev := range evs {
		if want(ev) {
			return true
		}
	}
	return false
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestRun_SpeaksWelcomeAndAnswersTurn(t *testing.T) {
	t.Parallel()

	def := voiceAgent("agent-1")
	def.WelcomeMessage = "Welcome to Fibersync support."
	def.Vocabulary = []string{"Fibersync"}

	sttP, sess := newSTT()
	llmP := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Hi"}, {Text: " there!"}, {FinishReason: "stop"},
	}}
	factory := &fakeFactory{sttP: sttP, llmP: llmP, ttsP: &echoTTS{}}

	h := newHarness(t, def, factory, nil)
	h.dialMedia("agent-1")

	h.waitOut(func(mo transport.MediaOut) bool {
		return string(mo.Audio) == "pcm:Welcome to Fibersync support."
	}, "welcome line")

	watch := h.dialWatch(h.sessionID())

	for range 3 {
		h.adapterNow().feed <- frame(640)
	}
	sess.FinalsCh <- finalTr("hello there")

	evs := readUntil(t, watch, func(ev event) bool {
		return ev.Type == "llm_response" && ev.IsFinal
	}, "assistant answer")

	if !hasEvent(evs, func(ev event) bool {
		return ev.Type == "transcription" && ev.IsFinal && dataString(t, ev) == "hello there"
	}) {
		t.Error("watcher never saw the caller transcript")
	}
	if got := dataString(t, evs[len(evs)-1]); got != "Hi there!" {
		t.Errorf("final assistant response = %q, want %q", got, "Hi there!")
	}

	h.waitOut(func(mo transport.MediaOut) bool {
		return string(mo.Audio) == "pcm:Hi there!"
	}, "assistant audio")

	h.endCall(sess)
	if err := h.waitRun(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rec := h.tracker.Records()[0]
	if rec.EndedAt.IsZero() {
		t.Error("usage record was not sealed")
	}
	if rec.Turns != 1 {
		t.Errorf("turns = %d, want 1", rec.Turns)
	}
	if rec.STTSeconds <= 0 {
		t.Errorf("stt seconds = %v, want > 0", rec.STTSeconds)
	}
	if rec.TTSCharacters <= 0 {
		t.Errorf("tts characters = %d, want > 0", rec.TTSCharacters)
	}

	end := readUntil(t, watch, func(ev event) bool { return ev.Type == "call_ended" }, "call end event")
	var sealed usage.Record
	if err := json.Unmarshal(end[len(end)-1].Data, &sealed); err != nil {
		t.Fatalf("decode call_ended record: %v", err)
	}
	if sealed.SessionID != rec.SessionID {
		t.Errorf("call_ended session = %q, want %q", sealed.SessionID, rec.SessionID)
	}
	if !h.reasons.has("call_ended") {
		t.Errorf("disconnect reasons = %v, want call_ended", h.reasons.reasons)
	}
}

func TestRun_UnknownAgent(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{ttsP: &echoTTS{}}
	h := newHarness(t, nil, factory, nil)
	h.dialMedia("ghost")

	err := h.waitRun()
	if !errors.Is(err, session.ErrUnknownAgent) {
		t.Fatalf("Run error = %v, want ErrUnknownAgent", err)
	}
	if n := len(h.tracker.Records()); n != 0 {
		t.Errorf("usage records = %d, want 0", n)
	}
	if !h.reasons.has("unknown_agent") {
		t.Errorf("disconnect reasons = %v, want unknown_agent", h.reasons.reasons)
	}
}

func TestRun_ProviderBuildFailure(t *testing.T) {
	t.Parallel()

	sttP, _ := newSTT()
	factory := &fakeFactory{sttP: sttP, llmErr: errors.New("model offline"), ttsP: &echoTTS{}}
	h := newHarness(t, voiceAgent("agent-1"), factory, nil)
	h.dialMedia("agent-1")

	err := h.waitRun()
	if err == nil || !strings.Contains(err.Error(), `llm provider "openai"`) {
		t.Fatalf("Run error = %v, want llm provider failure", err)
	}
	if n := len(h.tracker.Records()); n != 0 {
		t.Errorf("usage records = %d, want 0", n)
	}
	if !h.reasons.has("setup_failed") {
		t.Errorf("disconnect reasons = %v, want setup_failed", h.reasons.reasons)
	}
}

func TestRun_BargeInClearsCarrierQueue(t *testing.T) {
	t.Parallel()

	sttP, sess := newSTT()
	tokens := []llm.Chunk{{Text: "Once upon a time. "}}
	for range 30 {
		tokens = append(tokens, llm.Chunk{Text: "and then "})
	}
	tokens = append(tokens, llm.Chunk{FinishReason: "stop"})
	llmP := &llmmock.Provider{StreamChunks: tokens, StreamDelay: 20 * time.Millisecond}
	factory := &fakeFactory{sttP: sttP, llmP: llmP, ttsP: &echoTTS{}}

	vadSess := &vadmock.Session{
		EventQueue:  []vad.VADEvent{{Type: vad.VADSpeechStart, Probability: 0.9}},
		EventResult: vad.VADEvent{Type: vad.VADSilence},
	}
	h := newHarness(t, voiceAgent("agent-1"), factory, vadSess)
	h.dialMedia("agent-1")

	watch := h.dialWatch(h.sessionID())
	sess.FinalsCh <- finalTr("tell me a story")

	readUntil(t, watch, func(ev event) bool {
		return ev.Type == "llm_response" && !ev.IsFinal
	}, "assistant to start speaking")

	// The queued VAD event turns this frame into a barge-in.
	h.adapterNow().feed <- frame(640)

	h.waitOut(func(mo transport.MediaOut) bool { return mo.Clear }, "clear event")

	evs := readUntil(t, watch, func(ev event) bool { return ev.Type == "interrupt" }, "interrupt event")
	last := evs[len(evs)-1]
	var data struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(last.Data, &data); err != nil {
		t.Fatalf("decode interrupt data: %v", err)
	}
	if data.Action != "stop_audio" {
		t.Errorf("interrupt action = %q, want stop_audio", data.Action)
	}

	h.endCall(sess)
	if err := h.waitRun(); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRun_TurnErrorSpeaksApology(t *testing.T) {
	t.Parallel()

	sttP, sess := newSTT()
	llmP := &llmmock.Provider{StreamErr: fail.Auth("llm stream", errors.New("api key rejected"))}
	factory := &fakeFactory{sttP: sttP, llmP: llmP, ttsP: &echoTTS{}}

	h := newHarness(t, voiceAgent("agent-1"), factory, nil,
		session.WithApology("Pardon me, could you repeat that?"))
	h.dialMedia("agent-1")

	watch := h.dialWatch(h.sessionID())
	sess.FinalsCh <- finalTr("open my account")

	evs := readUntil(t, watch, func(ev event) bool { return ev.Type == "error" }, "turn error")
	last := evs[len(evs)-1]
	if last.IsFinal {
		t.Error("turn error marked final; session should survive")
	}
	var ed struct {
		Stage string `json:"stage"`
		Kind  string `json:"kind"`
	}
	if err := json.Unmarshal(last.Data, &ed); err != nil {
		t.Fatalf("decode error data: %v", err)
	}
	if ed.Stage != "llm" || ed.Kind != "auth" {
		t.Errorf("error data = %+v, want stage llm kind auth", ed)
	}

	h.waitOut(func(mo transport.MediaOut) bool {
		return string(mo.Audio) == "pcm:Pardon me, could you repeat that?"
	}, "spoken apology")

	readUntil(t, watch, func(ev event) bool {
		return ev.Type == "llm_response" && ev.IsFinal && dataString(t, ev) == "Pardon me, could you repeat that?"
	}, "apology echoed to watchers")

	// The session is still up: the gateway holds both connections.
	if got := h.gw.ActiveConnections(); got != 2 {
		t.Errorf("active connections = %d, want 2", got)
	}

	h.endCall(sess)
	if err := h.waitRun(); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRun_HangsUpAfterSilence(t *testing.T) {
	t.Parallel()

	sttP, _ := newSTT()
	factory := &fakeFactory{sttP: sttP, llmP: &llmmock.Provider{}, ttsP: &echoTTS{}}

	h := newHarness(t, voiceAgent("agent-1"), factory, nil,
		session.WithSilenceLimit(200*time.Millisecond),
		session.WithSilencePoll(10*time.Millisecond))
	h.dialMedia("agent-1")

	if err := h.waitRun(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !h.reasons.has("silence_timeout") {
		t.Errorf("disconnect reasons = %v, want silence_timeout", h.reasons.reasons)
	}
	rec := h.tracker.Records()[0]
	if rec.EndedAt.IsZero() {
		t.Error("usage record was not sealed")
	}
}

func TestRun_AgentSilenceLimitOverridesDefault(t *testing.T) {
	t.Parallel()

	def := voiceAgent("agent-1")
	def.HangupAfterSilenceSec = 1

	sttP, _ := newSTT()
	factory := &fakeFactory{sttP: sttP, llmP: &llmmock.Provider{}, ttsP: &echoTTS{}}

	// The process default is far larger; the agent's own one-second limit
	// must win.
	h := newHarness(t, def, factory, nil,
		session.WithSilenceLimit(time.Hour),
		session.WithSilencePoll(10*time.Millisecond))
	h.dialMedia("agent-1")

	start := time.Now()
	if err := h.waitRun(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("hangup took %v, want about 1s", elapsed)
	}
	if !h.reasons.has("silence_timeout") {
		t.Errorf("disconnect reasons = %v, want silence_timeout", h.reasons.reasons)
	}
}

func TestRun_MediaFatalSealsUsage(t *testing.T) {
	t.Parallel()

	def := voiceAgent("agent-1")
	def.WelcomeMessage = "Hello."

	sttP, _ := newSTT()
	factory := &fakeFactory{sttP: sttP, llmP: &llmmock.Provider{}, ttsP: &echoTTS{}}

	h := newHarness(t, def, factory, nil)
	h.adapterNow().err = fail.Fatal("twilio.media", errors.New("carrier write failed"))
	h.dialMedia("agent-1")

	h.waitOut(func(mo transport.MediaOut) bool {
		return string(mo.Audio) == "pcm:Hello."
	}, "welcome line")

	close(h.adapterNow().feed)

	err := h.waitRun()
	if err == nil || !strings.Contains(err.Error(), "session: media") {
		t.Fatalf("Run error = %v, want media failure", err)
	}
	if !h.reasons.has("error") {
		t.Errorf("disconnect reasons = %v, want error", h.reasons.reasons)
	}
	rec := h.tracker.Records()[0]
	if rec.EndedAt.IsZero() {
		t.Error("usage record was not sealed after media failure")
	}
}

func TestRun_CancelDrainsCleanly(t *testing.T) {
	t.Parallel()

	def := voiceAgent("agent-1")
	def.WelcomeMessage = "Hello."

	sttP, _ := newSTT()
	factory := &fakeFactory{sttP: sttP, llmP: &llmmock.Provider{}, ttsP: &echoTTS{}}

	h := newHarness(t, def, factory, nil)
	h.dialMedia("agent-1")

	h.waitOut(func(mo transport.MediaOut) bool {
		return string(mo.Audio) == "pcm:Hello."
	}, "welcome line")

	h.cancel()

	if err := h.waitRun(); err != nil {
		t.Fatalf("Run after cancel: %v", err)
	}
	rec := h.tracker.Records()[0]
	if rec.EndedAt.IsZero() {
		t.Error("usage record was not sealed on drain")
	}
}

func TestRun_ResultObserverSeesCallTraffic(t *testing.T) {
	t.Parallel()

	def := voiceAgent("agent-1")
	def.WelcomeMessage = "Hello."

	sttP, sess := newSTT()
	llmP := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Hi."}, {FinishReason: "stop"}}}
	factory := &fakeFactory{sttP: sttP, llmP: llmP, ttsP: &echoTTS{}}

	type observation struct {
		session string
		agent   string
		result  pipeline.Result
	}
	var mu sync.Mutex
	var observed []observation

	h := newHarness(t, def, factory, nil,
		session.WithResultObserver(func(sessionID, agentID string, r pipeline.Result) {
			mu.Lock()
			observed = append(observed, observation{sessionID, agentID, r})
			mu.Unlock()
		}))
	h.dialMedia("agent-1")

	h.waitOut(func(mo transport.MediaOut) bool {
		return string(mo.Audio) == "pcm:Hello."
	}, "welcome line")

	sess.FinalsCh <- finalTr("hi")
	h.waitOut(func(mo transport.MediaOut) bool {
		return string(mo.Audio) == "pcm:Hi."
	}, "assistant audio")

	h.endCall(sess)
	if err := h.waitRun(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantSession := h.tracker.Records()[0].SessionID
	mu.Lock()
	defer mu.Unlock()

	finals := map[pipeline.ResultType]int{}
	audio := 0
	for _, o := range observed {
		if o.session != wantSession {
			t.Fatalf("observed session = %q, want %q", o.session, wantSession)
		}
		if o.agent != "agent-1" {
			t.Fatalf("observed agent = %q, want agent-1", o.agent)
		}
		if o.result.Type == pipeline.ResultAudio {
			audio++
		}
		if o.result.IsFinal {
			finals[o.result.Type]++
		}
	}
	if finals[pipeline.ResultTranscription] != 1 {
		t.Errorf("final transcriptions observed = %d, want 1", finals[pipeline.ResultTranscription])
	}
	// The welcome line and the answered turn each complete one response.
	if finals[pipeline.ResultLLMResponse] != 2 {
		t.Errorf("final responses observed = %d, want 2", finals[pipeline.ResultLLMResponse])
	}
	if audio < 2 {
		t.Errorf("audio results observed = %d, want at least 2", audio)
	}
}

func TestRun_BreakerTripsAcrossCalls(t *testing.T) {
	t.Parallel()

	sttP, sess := newSTT()
	llmP := &llmmock.Provider{StreamErr: fail.Auth("llm stream", errors.New("api key rejected"))}
	factory := &fakeFactory{sttP: sttP, llmP: llmP, ttsP: &echoTTS{}}

	// Two consecutive failures open the breaker; the hour-long reset keeps
	// it open for the rest of the test.
	h := newHarness(t, voiceAgent("agent-1"), factory, nil,
		session.WithBreakerConfig(resilience.CircuitBreakerConfig{
			MaxFailures:  2,
			ResetTimeout: time.Hour,
		}))
	h.dialMedia("agent-1")

	watch := h.dialWatch(h.sessionID())
	sess.FinalsCh <- finalTr("first question")
	readUntil(t, watch, func(ev event) bool { return ev.Type == "error" }, "first turn error")
	sess.FinalsCh <- finalTr("second question")
	readUntil(t, watch, func(ev event) bool { return ev.Type == "error" }, "second turn error")

	h.endCall(sess)
	if err := h.waitRun(); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	// Second call on the same supervisor and agent. Its first turn must be
	// rejected by the breaker the previous call tripped.
	h.swapAdapter(newFakeAdapter())
	sttP2, sess2 := newSTT()
	factory.mu.Lock()
	factory.sttP = sttP2
	factory.mu.Unlock()

	h.dialMedia("agent-1")
	watch2 := h.dialWatch(h.sessionID())
	sess2.FinalsCh <- finalTr("third question")

	evs := readUntil(t, watch2, func(ev event) bool { return ev.Type == "error" }, "rejected turn")
	var ed struct {
		Stage string `json:"stage"`
		Kind  string `json:"kind"`
	}
	if err := json.Unmarshal(evs[len(evs)-1].Data, &ed); err != nil {
		t.Fatalf("decode error data: %v", err)
	}
	if ed.Stage != "llm" || ed.Kind != "circuit_open" {
		t.Errorf("error data = %+v, want stage llm kind circuit_open", ed)
	}

	h.endCall(sess2)
	if err := h.waitRun(); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if n := len(h.tracker.Records()); n != 2 {
		t.Errorf("usage records = %d, want 2", n)
	}
}
