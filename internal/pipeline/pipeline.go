// Package pipeline orchestrates one live phone call end to end: caller audio
// in, STT finals through the LLM, synthesized speech and structured results
// out.
//
// A Pipeline runs two cooperating loops. The ingestion side feeds every
// inbound audio chunk to the barge-in detector and the STT session, and
// forwards settled transcripts to the execution side over a bounded channel.
// The execution side turns each transcript into one assistant turn: it
// streams the LLM completion token by token, cuts the stream into sentences,
// and synthesizes each sentence while later tokens are still being generated.
// Everything observable leaves through a single Result channel in a fixed
// per-turn order:
//
//	transcription{IsFinal:true}
//	llm_response / audio (interleaved)
//	llm_response{IsFinal:true}  — or interrupt{stop_audio} on barge-in
//
// Turns are serialized: the next transcript is picked up only after the
// previous turn has fully wound down. When the caller barges in, the
// interrupt manager cancels the current turn; generation stops before the
// next token, buffered synthesis is discarded unheard, and subscribers get
// an interrupt result telling the transport to flush playback.
//
// Provider failures are classified: retryable ones go back through the retry
// policy and count against the provider's circuit breaker, non-retryable
// ones cost the current turn but leave the call up. Only a dead media or
// STT stream takes the whole pipeline down, surfaced as a final error
// result and a non-nil return from Run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trunkline-ai/trunkline/internal/interrupt"
	"github.com/trunkline-ai/trunkline/internal/resilience"
	"github.com/trunkline-ai/trunkline/internal/transcript"
	"github.com/trunkline-ai/trunkline/internal/usage"
	"github.com/trunkline-ai/trunkline/pkg/audio"
	"github.com/trunkline-ai/trunkline/pkg/fail"
	"github.com/trunkline-ai/trunkline/pkg/provider/llm"
	"github.com/trunkline-ai/trunkline/pkg/provider/stt"
	"github.com/trunkline-ai/trunkline/pkg/provider/tts"
	"github.com/trunkline-ai/trunkline/pkg/types"
)

// ErrClosed is returned by Say once the pipeline has shut down.
var ErrClosed = errors.New("pipeline: closed")

const (
	defaultResponseTimeout  = 30 * time.Second
	defaultMaxTokens        = 256
	defaultTemperature      = 0.7
	defaultHistoryBudget    = 3000
	defaultResultBuffer     = 64
	defaultTranscriptBuffer = 32
	defaultSampleRate       = 16000
	defaultChannels         = 1
	defaultLanguage         = "en"

	// defaultKeywordBoost is applied to every vocabulary term handed to the
	// STT provider as a recognition hint.
	defaultKeywordBoost = 2.0

	// sentenceBuffer bounds how many completed sentences may sit between the
	// chunker and the TTS stream.
	sentenceBuffer = 16
)

// Pipeline mediates a single call between the caller's audio stream and the
// STT, LLM and TTS providers. Construct with New, drive with Run, consume
// Results until the channel closes.
type Pipeline struct {
	sttP       stt.Provider
	llmP       llm.Provider
	ttsP       tts.Provider
	interrupts *interrupt.Manager

	voice           types.VoiceProfile
	systemPrompt    string
	vocab           []string
	language        string
	sampleRate      int
	channels        int
	responseTimeout time.Duration
	maxTokens       int
	temperature     float64
	historyBudget   int
	transcriptBuf   int
	resultBuf       int

	call      *usage.Call
	corrector transcript.Pipeline
	retry     resilience.RetryConfig
	sttCB     *resilience.CircuitBreaker
	llmCB     *resilience.CircuitBreaker
	ttsCB     *resilience.CircuitBreaker
	log       *slog.Logger

	history *History
	results chan Result
	sayCh   chan string
	done    chan struct{}

	current      atomic.Pointer[TurnState]
	eos          atomic.Bool
	failure      atomic.Pointer[error]
	lastActivity atomic.Int64
	stop         context.CancelFunc
	closeOnce    sync.Once
}

// Option is a functional option for configuring a Pipeline during
// construction.
type Option func(*Pipeline)

// WithVoice selects the TTS voice profile. Zero value uses the provider's
// default voice.
func WithVoice(v types.VoiceProfile) Option {
	return func(p *Pipeline) { p.voice = v }
}

// WithSystemPrompt sets the system prompt sent on every LLM request.
func WithSystemPrompt(s string) Option {
	return func(p *Pipeline) { p.systemPrompt = s }
}

// WithVocabulary sets domain terms (product names, plan tiers) that are both
// boosted in STT recognition and available to the transcript corrector.
func WithVocabulary(terms []string) Option {
	return func(p *Pipeline) { p.vocab = terms }
}

// WithLanguage sets the STT language hint. Default "en".
func WithLanguage(lang string) Option {
	return func(p *Pipeline) { p.language = lang }
}

// WithAudioFormat declares the inbound PCM format. Default 16 kHz mono,
// which is what the transport adapters upsample telephony audio to.
func WithAudioFormat(sampleRate, channels int) Option {
	return func(p *Pipeline) {
		p.sampleRate = sampleRate
		p.channels = channels
	}
}

// WithResponseTimeout bounds the wait between LLM tokens of a turn; it
// covers both a model that never starts and one that stalls mid-stream. On
// expiry the turn is cancelled and surfaced as a timeout error; the call
// stays up. Default 30s.
func WithResponseTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.responseTimeout = d }
}

// WithMaxTokens caps the length of each LLM response. Default 256; phone
// answers should be short.
func WithMaxTokens(n int) Option {
	return func(p *Pipeline) { p.maxTokens = n }
}

// WithTemperature sets the LLM sampling temperature. Default 0.7.
func WithTemperature(t float64) Option {
	return func(p *Pipeline) { p.temperature = t }
}

// WithHistoryBudget sets the approximate token budget for conversation
// history carried between turns. Default 3000; zero disables trimming.
func WithHistoryBudget(n int) Option {
	return func(p *Pipeline) { p.historyBudget = n }
}

// WithResultBuffer sets the capacity of the channel returned by Results.
// Default 64.
func WithResultBuffer(n int) Option {
	return func(p *Pipeline) { p.resultBuf = n }
}

// WithTranscriptBuffer sets how many settled transcripts may queue between
// the ingestion and execution loops. Default 32. When the queue is full the
// oldest entry is dropped so ingestion never stalls the barge-in detector.
func WithTranscriptBuffer(n int) Option {
	return func(p *Pipeline) { p.transcriptBuf = n }
}

// WithUsage attaches the per-call usage accumulator. Nil disables metering.
func WithUsage(c *usage.Call) Option {
	return func(p *Pipeline) { p.call = c }
}

// WithCorrector attaches a transcript correction pipeline applied to every
// STT final before it reaches the LLM. Keep it to the phonetic stage here;
// an LLM round-trip per final does not fit the live path.
func WithCorrector(c transcript.Pipeline) Option {
	return func(p *Pipeline) { p.corrector = c }
}

// WithRetry overrides the retry policy used when opening provider streams.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(p *Pipeline) { p.retry = cfg }
}

// WithSTTBreaker shares a circuit breaker for STT session starts. When
// unset each pipeline gets a private breaker, which is fine for tests but
// loses cross-call failure accounting.
func WithSTTBreaker(cb *resilience.CircuitBreaker) Option {
	return func(p *Pipeline) { p.sttCB = cb }
}

// WithLLMBreaker shares a circuit breaker for LLM stream opens.
func WithLLMBreaker(cb *resilience.CircuitBreaker) Option {
	return func(p *Pipeline) { p.llmCB = cb }
}

// WithTTSBreaker shares a circuit breaker for TTS stream opens.
func WithTTSBreaker(cb *resilience.CircuitBreaker) Option {
	return func(p *Pipeline) { p.ttsCB = cb }
}

// WithLogger sets the structured logger. Default slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// New assembles a pipeline over the given providers and barge-in manager.
// The interrupt manager must be fed by this pipeline only; its callbacks are
// wired to turn cancellation when Run starts.
func New(sttP stt.Provider, llmP llm.Provider, ttsP tts.Provider, interrupts *interrupt.Manager, opts ...Option) *Pipeline {
	p := &Pipeline{
		sttP:            sttP,
		llmP:            llmP,
		ttsP:            ttsP,
		interrupts:      interrupts,
		language:        defaultLanguage,
		sampleRate:      defaultSampleRate,
		channels:        defaultChannels,
		responseTimeout: defaultResponseTimeout,
		maxTokens:       defaultMaxTokens,
		temperature:     defaultTemperature,
		historyBudget:   defaultHistoryBudget,
		transcriptBuf:   defaultTranscriptBuffer,
		resultBuf:       defaultResultBuffer,
		log:             slog.Default(),
		sayCh:           make(chan string, 1),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.sttCB == nil {
		p.sttCB = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "stt"})
	}
	if p.llmCB == nil {
		p.llmCB = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "llm"})
	}
	if p.ttsCB == nil {
		p.ttsCB = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "tts"})
	}
	p.history = NewHistory(p.historyBudget)
	// Created after options so WithResultBuffer takes effect.
	p.results = make(chan Result, p.resultBuf)
	// Seeded here so silence watchdogs see a sane clock before Run starts.
	p.lastActivity.Store(time.Now().UnixNano())
	return p
}

// Results returns the output stream. It is closed when Run returns; callers
// must drain it until then or the pipeline will stall.
func (p *Pipeline) Results() <-chan Result {
	return p.results
}

// LastActivity reports when the caller last said something the STT settled
// into a final. Session supervisors poll this to hang up after prolonged
// silence. Before the first final it reports when the pipeline started.
func (p *Pipeline) LastActivity() time.Time {
	return time.Unix(0, p.lastActivity.Load())
}

// Say speaks a scripted line through the TTS stage as a synthetic assistant
// turn, bypassing the LLM: the session's welcome message, or a canned
// apology after a failed turn. The line is queued behind any in-flight turn
// and is interruptible like a generated response. May be called before Run;
// after shutdown it returns ErrClosed.
func (p *Pipeline) Say(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	select {
	case p.sayCh <- text:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the call until the inbound audio channel closes, the context is
// cancelled, or a fatal fault kills the media path. It owns the results
// channel and closes it on the way out. Must be called exactly once.
//
// A closed input channel is the normal hangup path: queued transcripts are
// still answered, then Run returns nil.
func (p *Pipeline) Run(ctx context.Context, in <-chan []byte) error {
	defer close(p.done)
	defer close(p.results)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.stop = cancel
	p.lastActivity.Store(time.Now().UnixNano())

	p.interrupts.OnInterrupt(func() {
		if t := p.current.Load(); t != nil {
			t.Cancel()
		}
	})

	sess, err := p.openSTTSession(runCtx)
	if err != nil {
		err = fmt.Errorf("pipeline: stt start: %w", err)
		if p.call != nil {
			p.call.AddError("stt", err)
		}
		p.emitError(runCtx, "stt", err, true)
		return err
	}

	p.interrupts.StartUserTurn()
	p.emit(runCtx, Result{Type: ResultMetadata, Data: CallMetadata{
		Model:      p.llmP.Model(),
		Voice:      p.voice.Name,
		SampleRate: p.sampleRate,
		Channels:   p.channels,
		StartedAt:  time.Now(),
	}})

	transcripts := make(chan string, p.transcriptBuf)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); p.feedAudio(runCtx, in, sess) }()
	go func() { defer wg.Done(); p.forwardFinals(runCtx, sess, transcripts) }()
	go func() { defer wg.Done(); p.forwardPartials(runCtx, sess) }()

	p.execute(runCtx, transcripts)
	cancel()
	wg.Wait()

	if failure := p.failure.Load(); failure != nil {
		return *failure
	}
	return ctx.Err()
}

// ─── Ingestion side ──────────────────────────────────────────────────────────

// feedAudio pumps inbound chunks into the barge-in detector and the STT
// session. It owns the session's lifecycle: when the input closes (caller
// hung up) it closes the session, which flushes a trailing final and shuts
// the transcript channels provider-side.
func (p *Pipeline) feedAudio(ctx context.Context, in <-chan []byte, sess stt.SessionHandle) {
	for {
		select {
		case <-ctx.Done():
			p.closeSession(sess)
			return
		case chunk, ok := <-in:
			if !ok {
				p.eos.Store(true)
				p.closeSession(sess)
				return
			}
			if err := p.interrupts.ProcessAudio(chunk); err != nil {
				p.log.Debug("vad frame rejected", "error", err)
			}
			if err := sess.SendAudio(chunk); err != nil {
				if errors.Is(err, stt.ErrSessionClosed) && ctx.Err() != nil {
					return
				}
				p.fatal(ctx, "stt", fail.Fatal("stt send", err))
				return
			}
			if p.call != nil {
				p.call.AddSTTSeconds(audio.DurationSeconds(chunk, p.sampleRate, p.channels, 16))
			}
		}
	}
}

func (p *Pipeline) closeSession(sess stt.SessionHandle) {
	p.closeOnce.Do(func() {
		if err := sess.Close(); err != nil {
			p.log.Debug("stt session close", "error", err)
		}
	})
}

// forwardFinals moves settled transcripts from the STT session to the
// execution loop, applying vocabulary correction on the way. It is the sole
// producer of the transcript channel. A finals stream that ends while the
// caller is still sending audio means the STT connection died under us,
// which is fatal.
func (p *Pipeline) forwardFinals(ctx context.Context, sess stt.SessionHandle, transcripts chan string) {
	defer close(transcripts)
	finals := sess.Finals()
	for {
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-finals:
			if !ok {
				if ctx.Err() == nil && !p.eos.Load() {
					p.fatal(ctx, "stt", fail.Fatal("stt stream", errors.New("transcript stream ended mid-call")))
				}
				return
			}
			text := strings.TrimSpace(tr.Text)
			if text == "" {
				continue
			}
			if p.corrector != nil {
				ct, err := p.corrector.Correct(ctx, tr, p.vocab)
				if err != nil {
					p.log.Debug("transcript correction failed", "error", err)
				} else if ct != nil {
					text = strings.TrimSpace(ct.Corrected)
				}
			}
			if text == "" {
				continue
			}
			p.lastActivity.Store(time.Now().UnixNano())
			p.enqueue(transcripts, text)
		}
	}
}

// enqueue hands a transcript to the execution loop without ever blocking.
// When the backlog is full the oldest queued utterance is dropped: the
// caller has talked far past it and the freshest speech should be answered
// first.
func (p *Pipeline) enqueue(transcripts chan string, text string) {
	select {
	case transcripts <- text:
		return
	default:
	}
	select {
	case stale := <-transcripts:
		p.log.Warn("transcript backlog full, dropping oldest", "dropped", stale)
	default:
	}
	select {
	case transcripts <- text:
	default:
	}
}

// forwardPartials streams in-flight STT hypotheses as non-final
// transcription results for live-caption subscribers. Partials never start
// turns.
func (p *Pipeline) forwardPartials(ctx context.Context, sess stt.SessionHandle) {
	partials := sess.Partials()
	for {
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-partials:
			if !ok {
				return
			}
			if text := strings.TrimSpace(tr.Text); text != "" {
				p.emit(ctx, Result{Type: ResultTranscription, Data: text})
			}
		}
	}
}

// ─── Execution side ──────────────────────────────────────────────────────────

// execute serializes assistant turns: one transcript (or scripted line) at a
// time, each run to completion before the next begins.
func (p *Pipeline) execute(ctx context.Context, transcripts <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case text, ok := <-transcripts:
			if !ok {
				return
			}
			p.runTurn(ctx, text)
		case text := <-p.sayCh:
			p.runSay(ctx, text)
		}
	}
}

// runTurn answers one caller utterance: LLM stream in, sentences to TTS,
// tokens and audio out, usage metered. ctx is the pipeline's context; the
// turn gets its own child context so cancellation tears down exactly this
// turn's provider streams.
func (p *Pipeline) runTurn(ctx context.Context, prompt string) {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	turn := newTurnState(prompt, cancel)
	p.current.Store(turn)
	defer p.current.Store(nil)

	if p.call != nil {
		p.call.AddTurn()
	}
	p.interrupts.StartAssistantTurn()
	defer p.interrupts.EndAssistantTurn()

	p.emit(ctx, Result{Type: ResultTranscription, Data: prompt, IsFinal: true})
	p.history.AddUser(prompt)

	req := llm.CompletionRequest{
		Messages:     p.history.Messages(),
		SystemPrompt: p.systemPrompt,
		Temperature:  p.temperature,
		MaxTokens:    p.maxTokens,
	}

	chunks, err := p.openLLMStream(turnCtx, req)
	if err != nil {
		p.turnError(ctx, "llm", err)
		return
	}

	textCh := make(chan string, sentenceBuffer)
	audioCh, err := p.openTTSStream(turnCtx, textCh)
	if err != nil {
		cancel()
		drainChunks(chunks)
		p.turnError(ctx, "tts", err)
		return
	}

	var (
		chk        Chunker
		queue      []string
		reported   *llm.Usage
		streamErr  error
		textClosed bool
	)
	// The token deadline is inter-token: it re-arms on every token, so a
	// stream that stalls mid-generation fails the turn the same way one that
	// never starts does.
	timer := time.NewTimer(p.responseTimeout)
	defer timer.Stop()

	for chunks != nil || audioCh != nil || len(queue) > 0 {
		if turn.Cancelled() || streamErr != nil {
			break
		}

		// Generation over and every sentence handed off: close the TTS text
		// input so the provider finishes the remainder and closes audioCh.
		if chunks == nil && len(queue) == 0 && !textClosed {
			close(textCh)
			textClosed = true
		}

		// Sentence handoff competes in the select below so a full TTS input
		// can never stop us draining audio.
		var sendCh chan<- string
		var next string
		if len(queue) > 0 && !textClosed {
			sendCh = textCh
			next = queue[0]
		}

		select {
		case <-timer.C:
			if chunks == nil {
				continue
			}
			streamErr = fail.Timeout("llm stream", fmt.Errorf("no token within %s", p.responseTimeout))
		case sendCh <- next:
			queue = queue[1:]
			if p.call != nil {
				p.call.AddTTSText(next)
			}
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				if tail := chk.Flush(); tail != "" && !textClosed {
					queue = append(queue, tail)
				}
				continue
			}
			if c.Err != nil || c.FinishReason == "error" {
				streamErr = c.Err
				if streamErr == nil {
					streamErr = errors.New("llm stream failed")
				}
				continue
			}
			if c.Usage != nil {
				reported = c.Usage
			}
			if c.Text == "" {
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.responseTimeout)
			turn.appendResponse(c.Text)
			p.emit(ctx, Result{Type: ResultLLMResponse, Data: c.Text})
			if !textClosed {
				queue = append(queue, chk.Add(c.Text)...)
			}
		case a, ok := <-audioCh:
			if !ok {
				// Synthesis is over. If text remains queued the provider quit
				// early; stop feeding it rather than block on a dead stream.
				audioCh = nil
				if !textClosed {
					close(textCh)
					textClosed = true
				}
				queue = nil
				continue
			}
			p.emit(ctx, Result{Type: ResultAudio, Data: a})
		}
	}

	cancelled := turn.Cancelled()
	if cancelled || streamErr != nil {
		// Tear down both streams and discard whatever synthesis is in
		// flight; the caller must not hear stale audio.
		cancel()
		drainChunks(chunks)
		if !textClosed {
			close(textCh)
		}
		drainAudio(audioCh)
		chk.Reset()
	}

	text := turn.ResponseText()
	if text != "" {
		// Record what actually streamed, even for interrupted or failed
		// turns, so the model knows what the caller heard.
		p.history.AddAssistant(text)
	}

	switch {
	case streamErr != nil:
		p.turnError(ctx, "llm", streamErr)
	case cancelled:
		if ctx.Err() == nil {
			p.emit(ctx, Result{Type: ResultInterrupt, Data: InterruptData{Action: "stop_audio"}})
		}
	default:
		p.emit(ctx, Result{Type: ResultLLMResponse, Data: text, IsFinal: true})
	}

	p.meterLLM(req.Messages, text, reported)
	p.log.Debug("turn finished",
		"prompt_chars", len(prompt),
		"response_chars", len(text),
		"cancelled", cancelled,
		"elapsed", turn.Elapsed())
}

// runSay speaks one scripted line through TTS. No LLM involved, but the
// line still claims the floor and can be barged over like any turn.
func (p *Pipeline) runSay(ctx context.Context, text string) {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	turn := newTurnState("", cancel)
	p.current.Store(turn)
	defer p.current.Store(nil)

	p.interrupts.StartAssistantTurn()
	defer p.interrupts.EndAssistantTurn()

	textCh := make(chan string, 1)
	audioCh, err := p.openTTSStream(turnCtx, textCh)
	if err != nil {
		p.turnError(ctx, "tts", err)
		return
	}

	p.emit(ctx, Result{Type: ResultLLMResponse, Data: text})
	if p.call != nil {
		p.call.AddTTSText(text)
	}
	textCh <- text
	close(textCh)

	for a := range audioCh {
		if turn.Cancelled() {
			break
		}
		p.emit(ctx, Result{Type: ResultAudio, Data: a})
	}

	if turn.Cancelled() {
		cancel()
		drainAudio(audioCh)
		if ctx.Err() == nil {
			p.emit(ctx, Result{Type: ResultInterrupt, Data: InterruptData{Action: "stop_audio"}})
		}
	} else {
		p.emit(ctx, Result{Type: ResultLLMResponse, Data: text, IsFinal: true})
	}
	p.history.AddAssistant(text)
}

// ─── Provider access ─────────────────────────────────────────────────────────

func (p *Pipeline) openSTTSession(ctx context.Context) (stt.SessionHandle, error) {
	cfg := stt.StreamConfig{
		SampleRate: p.sampleRate,
		Channels:   p.channels,
		Language:   p.language,
		Keywords:   keywordBoosts(p.vocab),
	}
	return resilience.RetryWithResult(ctx, p.retry, func(ctx context.Context) (stt.SessionHandle, error) {
		var sess stt.SessionHandle
		err := p.sttCB.Execute(func() error {
			var err error
			sess, err = p.sttP.StartStream(ctx, cfg)
			return err
		})
		return sess, err
	})
}

func (p *Pipeline) openLLMStream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return resilience.RetryWithResult(ctx, p.retry, func(ctx context.Context) (<-chan llm.Chunk, error) {
		var ch <-chan llm.Chunk
		err := p.llmCB.Execute(func() error {
			var err error
			ch, err = p.llmP.StreamCompletion(ctx, req)
			return err
		})
		return ch, err
	})
}

func (p *Pipeline) openTTSStream(ctx context.Context, textCh <-chan string) (<-chan []byte, error) {
	return resilience.RetryWithResult(ctx, p.retry, func(ctx context.Context) (<-chan []byte, error) {
		var ch <-chan []byte
		err := p.ttsCB.Execute(func() error {
			var err error
			ch, err = p.ttsP.SynthesizeStream(ctx, textCh, p.voice)
			return err
		})
		return ch, err
	})
}

// ─── Results and bookkeeping ─────────────────────────────────────────────────

func (p *Pipeline) emit(ctx context.Context, r Result) {
	select {
	case p.results <- r:
	case <-ctx.Done():
	}
}

func (p *Pipeline) emitError(ctx context.Context, stage string, err error, final bool) {
	p.emit(ctx, Result{
		Type:    ResultError,
		IsFinal: final,
		Data: ErrorData{
			Stage:   stage,
			Kind:    fail.Classify(err).String(),
			Message: err.Error(),
		},
	})
}

// turnError reports a failure that cost one turn. The call stays up.
func (p *Pipeline) turnError(ctx context.Context, stage string, err error) {
	p.log.Warn("turn failed", "stage", stage, "error", err)
	if p.call != nil {
		p.call.AddError(stage, err)
	}
	p.emitError(ctx, stage, err, false)
}

// fatal records the first session-killing fault, surfaces it as a final
// error result, and stops every loop. Later faults are dropped.
func (p *Pipeline) fatal(ctx context.Context, stage string, err error) {
	e := err
	if !p.failure.CompareAndSwap(nil, &e) {
		return
	}
	p.log.Error("pipeline fatal", "stage", stage, "error", err)
	if p.call != nil {
		p.call.AddError(stage, err)
	}
	p.emitError(ctx, stage, err, true)
	p.stop()
}

func (p *Pipeline) meterLLM(messages []types.Message, responseText string, reported *llm.Usage) {
	if p.call == nil {
		return
	}
	if reported != nil {
		p.call.AddLLMUsage(reported.PromptTokens, reported.CompletionTokens)
		return
	}
	in, err := p.llmP.CountTokens(messages)
	if err != nil || in == 0 {
		in = 0
		for _, m := range messages {
			in += estimateTokens(m.Content)
		}
	}
	p.call.AddLLMUsage(in, estimateTokens(responseText))
}

// estimateTokens mirrors the chars/4 heuristic the LLM providers use when
// the backend reports no usage.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

func keywordBoosts(vocab []string) []types.KeywordBoost {
	if len(vocab) == 0 {
		return nil
	}
	out := make([]types.KeywordBoost, 0, len(vocab))
	for _, term := range vocab {
		out = append(out, types.KeywordBoost{Keyword: term, Boost: defaultKeywordBoost})
	}
	return out
}

// drainChunks consumes an LLM stream to completion so the provider's sender
// goroutine is never left blocked. Safe on a nil channel.
func drainChunks(ch <-chan llm.Chunk) {
	if ch == nil {
		return
	}
	for range ch {
	}
}

// drainAudio consumes a TTS stream to completion without emitting. Safe on
// a nil channel.
func drainAudio(ch <-chan []byte) {
	if ch == nil {
		return
	}
	for range ch {
	}
}
