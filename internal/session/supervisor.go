// Package session owns the lifetime of one live call. The [Supervisor]
// binds together everything a call needs: the gateway registration, the
// agent's stored definition, per-call provider clients, the barge-in
// detector, the usage meter, and the task pipeline. It runs the fan-out
// that moves pipeline results to the carrier and to dashboard watchers,
// and it guarantees the teardown sequence runs exactly once no matter
// which side of the call dies first.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/trunkline-ai/trunkline/internal/agentstore"
	"github.com/trunkline-ai/trunkline/internal/gateway"
	"github.com/trunkline-ai/trunkline/internal/interrupt"
	"github.com/trunkline-ai/trunkline/internal/llmcache"
	"github.com/trunkline-ai/trunkline/internal/pipeline"
	"github.com/trunkline-ai/trunkline/internal/resilience"
	"github.com/trunkline-ai/trunkline/internal/transcript"
	"github.com/trunkline-ai/trunkline/internal/transcript/phonetic"
	"github.com/trunkline-ai/trunkline/internal/transport"
	"github.com/trunkline-ai/trunkline/internal/usage"
	"github.com/trunkline-ai/trunkline/pkg/fail"
	"github.com/trunkline-ai/trunkline/pkg/provider/llm"
	"github.com/trunkline-ai/trunkline/pkg/provider/stt"
	"github.com/trunkline-ai/trunkline/pkg/provider/tts"
	"github.com/trunkline-ai/trunkline/pkg/provider/vad"
)

// ErrUnknownAgent is returned by Run when the requested agent has no stored
// definition.
var ErrUnknownAgent = errors.New("session: unknown agent")

// errSilenceHangup ends the call from inside the run group when the caller
// has been silent past the configured limit. Run translates it into a clean
// return.
var errSilenceHangup = errors.New("session: silence limit reached")

// DefaultApology is spoken when a turn fails beyond recovery and no custom
// phrase is configured.
const DefaultApology = "I'm sorry, something went wrong on my end. Could you say that again?"

const (
	// DefaultSilencePoll is how often the silence watchdog samples the
	// pipeline's last-activity clock.
	DefaultSilencePoll = time.Second

	// DefaultApologyGap suppresses repeat apologies within this window so a
	// hard-down provider does not turn the call into an apology loop.
	DefaultApologyGap = 10 * time.Second
)

// Channel depths between the adapter and the pipeline. Inbound frames arrive
// every 20 ms; 64 slots buy over a second of slack before frames drop.
const (
	inboundBuffer  = 64
	outboundBuffer = 64
)

// Disconnect reasons reported to the gateway when the supervisor tears a
// call down.
const (
	reasonCallEnded    = "call_ended"
	reasonUnknownAgent = "unknown_agent"
	reasonSetupFailed  = "setup_failed"
	reasonSilence      = "silence_timeout"
	reasonError        = "error"
)

// ProviderFactory builds the per-call provider clients named by an agent's
// definition. Implementations close over credentials and the provider
// registry; the supervisor never sees either.
type ProviderFactory interface {
	STT(ref agentstore.ProviderRef) (stt.Provider, error)
	LLM(ref agentstore.ProviderRef) (llm.Provider, error)
	TTS(ref agentstore.ProviderRef) (tts.Provider, error)
}

// ResultObserver receives every pipeline result the fan-out handles. The app
// layer uses it to meter turns, interrupts, and response latency without the
// supervisor knowing about instruments. Observers run on the fan-out
// goroutine and must not block.
type ResultObserver func(sessionID, agentID string, r pipeline.Result)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the base logger. Defaults to slog.Default. Each call gets
// a child logger carrying its session and agent IDs.
func WithLogger(log *slog.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithResponseCache wraps every call's LLM client in the shared response
// cache. Nil leaves LLM calls uncached.
func WithResponseCache(c *llmcache.Cache) Option {
	return func(s *Supervisor) { s.cache = c }
}

// WithBreakerConfig sets the template for the per-provider circuit breakers.
// Breakers are keyed by provider name and shared across calls, so one
// misbehaving backend trips for every session at once.
func WithBreakerConfig(cfg resilience.CircuitBreakerConfig) Option {
	return func(s *Supervisor) { s.breakerCfg = cfg }
}

// WithRetry sets the retry policy handed to each call's pipeline.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(s *Supervisor) { s.retry = cfg }
}

// WithVADEngine overrides the voice-activity engine used for barge-in
// detection. Defaults to the energy engine.
func WithVADEngine(e vad.Engine) Option {
	return func(s *Supervisor) { s.vadEngine = e }
}

// WithApology overrides DefaultApology.
func WithApology(text string) Option {
	return func(s *Supervisor) { s.apology = text }
}

// WithApologyGap overrides DefaultApologyGap.
func WithApologyGap(d time.Duration) Option {
	return func(s *Supervisor) { s.apologyGap = d }
}

// WithSilenceLimit sets the process-wide silence hangup limit used when an
// agent's definition does not carry its own. Zero disables the watchdog for
// agents without a limit.
func WithSilenceLimit(d time.Duration) Option {
	return func(s *Supervisor) { s.silenceLimit = d }
}

// WithSilencePoll overrides DefaultSilencePoll.
func WithSilencePoll(d time.Duration) Option {
	return func(s *Supervisor) { s.silencePoll = d }
}

// WithResponseTimeout bounds each assistant turn; forwarded to the pipeline.
func WithResponseTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.responseTimeout = d }
}

// WithResultObserver registers a callback invoked for every pipeline result
// before it is fanned out. Nil disables observation.
func WithResultObserver(fn ResultObserver) Option {
	return func(s *Supervisor) { s.observer = fn }
}

// Supervisor runs calls. One Supervisor serves the whole process; each
// accepted media WebSocket gets its own Run invocation and its own pipeline.
// All methods are safe for concurrent use.
type Supervisor struct {
	gw        *gateway.Manager
	agents    agentstore.Store
	providers ProviderFactory
	tracker   *usage.Tracker
	log       *slog.Logger

	cache           *llmcache.Cache
	vadEngine       vad.Engine
	breakerCfg      resilience.CircuitBreakerConfig
	retry           resilience.RetryConfig
	apology         string
	apologyGap      time.Duration
	silenceLimit    time.Duration
	silencePoll     time.Duration
	responseTimeout time.Duration
	observer        ResultObserver

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

// New builds a Supervisor over the shared call infrastructure.
func New(gw *gateway.Manager, agents agentstore.Store, providers ProviderFactory, tracker *usage.Tracker, opts ...Option) *Supervisor {
	s := &Supervisor{
		gw:          gw,
		agents:      agents,
		providers:   providers,
		tracker:     tracker,
		log:         slog.Default(),
		vadEngine:   vad.EnergyEngine{},
		apology:     DefaultApology,
		apologyGap:  DefaultApologyGap,
		silencePoll: DefaultSilencePoll,
		breakers:    make(map[string]*resilience.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// liveCall is the per-call state shared by the supervisor's goroutines.
type liveCall struct {
	sessionID string
	agentID   string
	connID    string
	pipe      *pipeline.Pipeline
	out       chan transport.MediaOut
	mediaDone chan struct{}
	log       *slog.Logger
}

// Run owns one call from the accepted media WebSocket to the sealed usage
// record. It registers sock with the gateway, resolves the agent, builds the
// call's providers and pipeline, speaks the welcome line, and then pumps
// audio both ways until the carrier ends the stream, a fatal fault kills the
// pipeline, ctx is cancelled, or the caller goes silent past the limit.
//
// Run blocks for the call's lifetime and tears everything down before
// returning: pipeline joined, usage sealed exactly once, connection
// unregistered, VAD session released. From a successful gateway registration
// onward the socket belongs to Run; callers must not close it.
func (s *Supervisor) Run(ctx context.Context, sock *websocket.Conn, agentID string, adapter transport.Adapter) error {
	sessionID := uuid.NewString()
	log := s.log.With("session_id", sessionID, "agent_id", agentID)

	conn, err := s.gw.Connect(ctx, sock, gateway.Identity{AgentID: agentID, SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("session: register: %w", err)
	}
	reason := reasonSetupFailed
	defer func() { s.gw.Disconnect(conn.ID, reason) }()

	def, err := s.agents.Get(ctx, agentID)
	if err != nil {
		return fmt.Errorf("session: agent lookup: %w", err)
	}
	if def == nil {
		reason = reasonUnknownAgent
		return fmt.Errorf("%w: %q", ErrUnknownAgent, agentID)
	}

	sttP, err := s.providers.STT(def.STT)
	if err != nil {
		return fmt.Errorf("session: stt provider %q: %w", def.STT.Name, err)
	}
	llmP, err := s.providers.LLM(def.LLM)
	if err != nil {
		return fmt.Errorf("session: llm provider %q: %w", def.LLM.Name, err)
	}
	if s.cache != nil {
		llmP = llmcache.NewCachingProvider(llmP, s.cache)
	}
	ttsP, err := s.providers.TTS(def.TTS)
	if err != nil {
		return fmt.Errorf("session: tts provider %q: %w", def.TTS.Name, err)
	}

	vadSess, err := s.vadEngine.NewSession(def.VADConfig(transport.SampleRate))
	if err != nil {
		return fmt.Errorf("session: vad session: %w", err)
	}
	imOpts := []interrupt.Option{interrupt.WithLogger(log)}
	if d := def.Cooldown(); d > 0 {
		imOpts = append(imOpts, interrupt.WithCooldown(d))
	}
	interrupts := interrupt.NewManager(vadSess, imOpts...)
	defer func() {
		if err := interrupts.Close(); err != nil {
			log.Debug("vad session close", "error", err)
		}
	}()

	call, err := s.tracker.StartCall(sessionID, def.STT.Name, def.TTS.Name)
	if err != nil {
		return fmt.Errorf("session: usage start: %w", err)
	}

	pipe := pipeline.New(sttP, llmP, ttsP, interrupts, s.pipelineOptions(def, call, log)...)

	if def.WelcomeMessage != "" {
		if err := pipe.Say(ctx, def.WelcomeMessage); err != nil {
			log.Debug("welcome line dropped", "error", err)
		}
	}

	c := &liveCall{
		sessionID: sessionID,
		agentID:   agentID,
		connID:    conn.ID,
		pipe:      pipe,
		out:       make(chan transport.MediaOut, outboundBuffer),
		mediaDone: make(chan struct{}),
		log:       log,
	}
	in := make(chan []byte, inboundBuffer)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	var dropped int
	g.Go(func() error {
		defer close(in)
		defer close(c.mediaDone)
		onAudio := func(pcm []byte) {
			select {
			case in <- pcm:
			default:
				dropped++
				if dropped == 1 {
					log.Warn("inbound audio overflow, dropping frames")
				}
			}
		}
		err := adapter.HandleMedia(gctx, sock, onAudio, c.out)
		switch {
		case err == nil:
			log.Info("carrier ended media stream")
			return nil
		case gctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("session: media: %w", err)
		}
	})

	g.Go(func() error {
		if err := pipe.Run(gctx, in); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("session: pipeline: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.fanOut(gctx, c)
		return nil
	})

	limit := time.Duration(def.HangupAfterSilenceSec) * time.Second
	if limit <= 0 {
		limit = s.silenceLimit
	}
	if limit > 0 {
		g.Go(func() error {
			return s.watchSilence(gctx, c, limit)
		})
	}

	log.Info("call started",
		"stt", def.STT.Name, "llm", def.LLM.Name, "tts", def.TTS.Name,
		"conn_id", conn.ID)

	err = g.Wait()
	if dropped > 0 {
		log.Warn("inbound frames dropped during call", "frames", dropped)
	}

	rec, endErr := s.tracker.EndCall(sessionID)
	if endErr != nil {
		log.Warn("usage seal failed", "error", endErr)
	} else {
		s.gw.BroadcastJSON(ctx, gateway.Session(sessionID),
			callEndedEvent{Type: "call_ended", Data: rec, IsFinal: true}, conn.ID)
	}

	switch {
	case err == nil:
		reason = reasonCallEnded
	case errors.Is(err, errSilenceHangup):
		reason = reasonSilence
		err = nil
	case errors.Is(err, context.Canceled):
		reason = reasonCallEnded
		err = nil
	default:
		reason = reasonError
	}

	log.Info("call finished",
		"reason", reason,
		"duration", rec.Duration(),
		"turns", rec.Turns,
		"stt_seconds", rec.STTSeconds,
		"llm_tokens", rec.LLMInputTokens+rec.LLMOutputTokens,
		"tts_chars", rec.TTSCharacters,
	)
	return err
}

// pipelineOptions translates a stored agent definition into the pipeline's
// configuration, attaching the shared per-provider breakers.
func (s *Supervisor) pipelineOptions(def *agentstore.Definition, call *usage.Call, log *slog.Logger) []pipeline.Option {
	opts := []pipeline.Option{
		pipeline.WithVoice(def.VoiceProfile()),
		pipeline.WithSystemPrompt(def.SystemPrompt),
		pipeline.WithAudioFormat(transport.SampleRate, transport.Channels),
		pipeline.WithUsage(call),
		pipeline.WithRetry(s.retry),
		pipeline.WithSTTBreaker(s.breaker(def.STT.Name)),
		pipeline.WithLLMBreaker(s.breaker(def.LLM.Name)),
		pipeline.WithTTSBreaker(s.breaker(def.TTS.Name)),
		pipeline.WithLogger(log),
	}
	if def.Language != "" {
		opts = append(opts, pipeline.WithLanguage(def.Language))
	}
	if len(def.Vocabulary) > 0 {
		opts = append(opts,
			pipeline.WithVocabulary(def.Vocabulary),
			pipeline.WithCorrector(transcript.NewPipeline(
				transcript.WithPhoneticMatcher(phonetic.New()))),
		)
	}
	if s.responseTimeout > 0 {
		opts = append(opts, pipeline.WithResponseTimeout(s.responseTimeout))
	}
	return opts
}

// breaker returns the shared circuit breaker for a provider name, creating
// it from the configured template on first use.
func (s *Supervisor) breaker(name string) *resilience.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[name]
	if !ok {
		cfg := s.breakerCfg
		cfg.Name = name
		cb = resilience.NewCircuitBreaker(cfg)
		s.breakers[name] = cb
	}
	return cb
}

// callEndedEvent closes a session's dashboard stream with the sealed usage
// record.
type callEndedEvent struct {
	Type    string       `json:"type"`
	Data    usage.Record `json:"data"`
	IsFinal bool         `json:"is_final"`
}

// fanOut is the single consumer of the pipeline's result stream. Audio goes
// to the carrier, a barge-in additionally clears the carrier's playback
// queue, and everything else is broadcast to the session's watchers. Runs
// until the pipeline closes its results channel.
func (s *Supervisor) fanOut(ctx context.Context, c *liveCall) {
	defer close(c.out)
	var lastApology time.Time

	for r := range c.pipe.Results() {
		if s.observer != nil {
			s.observer(c.sessionID, c.agentID, r)
		}
		switch r.Type {
		case pipeline.ResultAudio:
			data, ok := r.Data.([]byte)
			if !ok {
				continue
			}
			select {
			case c.out <- transport.MediaOut{Audio: data}:
			case <-c.mediaDone:
				// Wire is gone; the rest of this response has no listener.
			}

		case pipeline.ResultInterrupt:
			select {
			case c.out <- transport.MediaOut{Clear: true}:
			case <-c.mediaDone:
			}
			s.gw.BroadcastJSON(ctx, gateway.Session(c.sessionID), r, c.connID)

		case pipeline.ResultError:
			s.gw.BroadcastJSON(ctx, gateway.Session(c.sessionID), r, c.connID)
			if !r.IsFinal && s.shouldApologize(r, &lastApology) {
				if err := c.pipe.Say(ctx, s.apology); err != nil && !errors.Is(err, pipeline.ErrClosed) {
					c.log.Debug("apology dropped", "error", err)
				}
			}

		default:
			s.gw.BroadcastJSON(ctx, gateway.Session(c.sessionID), r, c.connID)
		}
	}
}

// shouldApologize filters turn errors that warrant a spoken apology: not
// cancellations, and at most one per apology gap.
func (s *Supervisor) shouldApologize(r pipeline.Result, last *time.Time) bool {
	if ed, ok := r.Data.(pipeline.ErrorData); ok && ed.Kind == fail.KindCancelled.String() {
		return false
	}
	if time.Since(*last) < s.apologyGap {
		return false
	}
	*last = time.Now()
	return true
}

// watchSilence hangs the call up when the caller's last settled transcript
// is older than limit. The assistant speaking does not reset the clock; only
// caller speech does.
func (s *Supervisor) watchSilence(ctx context.Context, c *liveCall, limit time.Duration) error {
	ticker := time.NewTicker(s.silencePoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if idle := time.Since(c.pipe.LastActivity()); idle > limit {
				c.log.Info("hanging up after silence", "idle", idle, "limit", limit)
				return errSilenceHangup
			}
		}
	}
}
