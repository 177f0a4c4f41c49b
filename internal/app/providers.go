package app

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/trunkline-ai/trunkline/internal/agentstore"
	"github.com/trunkline-ai/trunkline/internal/config"
	"github.com/trunkline-ai/trunkline/internal/observe"
	"github.com/trunkline-ai/trunkline/internal/ratelimit"
	"github.com/trunkline-ai/trunkline/internal/resilience"
	"github.com/trunkline-ai/trunkline/internal/session"
	"github.com/trunkline-ai/trunkline/pkg/provider/llm"
	"github.com/trunkline-ai/trunkline/pkg/provider/stt"
	"github.com/trunkline-ai/trunkline/pkg/provider/tts"
	"github.com/trunkline-ai/trunkline/pkg/types"
)

// registryFactory builds per-call provider clients by joining an agent's
// provider refs with the configured entries and the registry's factories.
// Every client comes back wrapped with request metering; entries that
// declare fallbacks come back as a failover group over the metered backends,
// so per-provider metrics stay attributed to whichever backend served. When
// rate limiting is configured, a tier guard wraps the whole chain so a
// denial short-circuits before any backend is dialled.
type registryFactory struct {
	reg       *config.Registry
	providers config.ProvidersConfig
	metrics   *observe.Metrics
	breaker   resilience.CircuitBreakerConfig
	limits    *ratelimit.TierManager
}

var _ session.ProviderFactory = (*registryFactory)(nil)

func (f *registryFactory) STT(ref agentstore.ProviderRef) (stt.Provider, error) {
	entry := resolveEntry(f.providers.STT, ref)
	p, err := f.reg.CreateSTT(entry)
	if err != nil {
		return nil, err
	}
	primary := &meteredSTT{inner: p, name: entry.Name, metrics: f.metrics}
	if len(entry.Fallbacks) == 0 {
		return f.limitSTT(primary, entry), nil
	}
	group := resilience.NewSTTFallback(primary, entry.Name, f.fallbackConfig())
	for _, name := range entry.Fallbacks {
		fe, err := f.fallbackEntry(f.providers.STT, "stt", name)
		if err != nil {
			return nil, err
		}
		fp, err := f.reg.CreateSTT(fe)
		if err != nil {
			return nil, fmt.Errorf("app: stt fallback %q: %w", name, err)
		}
		group.AddFallback(name, &meteredSTT{inner: fp, name: name, metrics: f.metrics})
	}
	return f.limitSTT(group, entry), nil
}

func (f *registryFactory) LLM(ref agentstore.ProviderRef) (llm.Provider, error) {
	entry := resolveEntry(f.providers.LLM, ref)
	p, err := f.reg.CreateLLM(entry)
	if err != nil {
		return nil, err
	}
	primary := &meteredLLM{inner: p, name: entry.Name, metrics: f.metrics}
	if len(entry.Fallbacks) == 0 {
		return f.limitLLM(primary, entry), nil
	}
	group := resilience.NewLLMFallback(primary, entry.Name, f.fallbackConfig())
	for _, name := range entry.Fallbacks {
		fe, err := f.fallbackEntry(f.providers.LLM, "llm", name)
		if err != nil {
			return nil, err
		}
		fp, err := f.reg.CreateLLM(fe)
		if err != nil {
			return nil, fmt.Errorf("app: llm fallback %q: %w", name, err)
		}
		group.AddFallback(name, &meteredLLM{inner: fp, name: name, metrics: f.metrics})
	}
	return f.limitLLM(group, entry), nil
}

func (f *registryFactory) TTS(ref agentstore.ProviderRef) (tts.Provider, error) {
	entry := resolveEntry(f.providers.TTS, ref)
	p, err := f.reg.CreateTTS(entry)
	if err != nil {
		return nil, err
	}
	primary := &meteredTTS{inner: p, name: entry.Name, metrics: f.metrics}
	if len(entry.Fallbacks) == 0 {
		return f.limitTTS(primary, entry), nil
	}
	group := resilience.NewTTSFallback(primary, entry.Name, f.fallbackConfig())
	for _, name := range entry.Fallbacks {
		fe, err := f.fallbackEntry(f.providers.TTS, "tts", name)
		if err != nil {
			return nil, err
		}
		fp, err := f.reg.CreateTTS(fe)
		if err != nil {
			return nil, fmt.Errorf("app: tts fallback %q: %w", name, err)
		}
		group.AddFallback(name, &meteredTTS{inner: fp, name: name, metrics: f.metrics})
	}
	return f.limitTTS(group, entry), nil
}

func (f *registryFactory) fallbackConfig() resilience.FallbackConfig {
	return resilience.FallbackConfig{CircuitBreaker: f.breaker}
}

func (f *registryFactory) limitSTT(p stt.Provider, entry config.ProviderEntry) stt.Provider {
	if f.limits == nil {
		return p
	}
	return &limitedSTT{inner: p, guard: limitGuard{limits: f.limits, tier: entry.Tier, key: entry.Name}}
}

func (f *registryFactory) limitLLM(p llm.Provider, entry config.ProviderEntry) llm.Provider {
	if f.limits == nil {
		return p
	}
	return &limitedLLM{inner: p, guard: limitGuard{limits: f.limits, tier: entry.Tier, key: entry.Name}}
}

func (f *registryFactory) limitTTS(p tts.Provider, entry config.ProviderEntry) tts.Provider {
	if f.limits == nil {
		return p
	}
	return &limitedTTS{inner: p, guard: limitGuard{limits: f.limits, tier: entry.Tier, key: entry.Name}}
}

// fallbackEntry resolves a fallback name against the configured entries of
// its kind. Fallbacks are plain entry lookups: the agent ref's model and
// option overlays apply to the primary only.
func (f *registryFactory) fallbackEntry(entries map[string]config.ProviderEntry, kind, name string) (config.ProviderEntry, error) {
	fe, ok := entries[name]
	if !ok {
		return config.ProviderEntry{}, fmt.Errorf("app: %s fallback %q: no provider entry", kind, name)
	}
	fe.Name = name
	return fe, nil
}

// resolveEntry merges an agent's provider ref over the configured entry for
// that name. The ref's model wins when set, and its options overlay the
// entry's without mutating the shared config. A missing entry resolves to a
// bare one carrying only the ref; factories that need credentials reject it.
func resolveEntry(entries map[string]config.ProviderEntry, ref agentstore.ProviderRef) config.ProviderEntry {
	entry := entries[ref.Name]
	entry.Name = ref.Name
	if ref.Model != "" {
		entry.Model = ref.Model
	}
	if len(ref.Options) > 0 {
		merged := make(map[string]any, len(entry.Options)+len(ref.Options))
		maps.Copy(merged, entry.Options)
		for k, v := range ref.Options {
			merged[k] = v
		}
		entry.Options = merged
	}
	return entry
}

// ── Rate-limit guards ──

// limitGuard accounts one outbound call against the entry's tier. A denial
// comes back as a rate-limited error carrying the retry-after hint, before
// any backend in the chain is dialled.
type limitGuard struct {
	limits *ratelimit.TierManager
	tier   string
	key    string
}

func (g limitGuard) check(op string) error {
	return g.limits.Check(g.tier, g.key).Err(op)
}

type limitedLLM struct {
	inner llm.Provider
	guard limitGuard
}

func (p *limitedLLM) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	if err := p.guard.check("llm.stream"); err != nil {
		return nil, err
	}
	return p.inner.StreamCompletion(ctx, req)
}

func (p *limitedLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if err := p.guard.check("llm.complete"); err != nil {
		return nil, err
	}
	return p.inner.Complete(ctx, req)
}

// CountTokens is local arithmetic, not an outbound call, so it bypasses the
// guard.
func (p *limitedLLM) CountTokens(messages []types.Message) (int, error) {
	return p.inner.CountTokens(messages)
}

func (p *limitedLLM) Model() string { return p.inner.Model() }

func (p *limitedLLM) Capabilities() types.ModelCapabilities { return p.inner.Capabilities() }

type limitedSTT struct {
	inner stt.Provider
	guard limitGuard
}

func (p *limitedSTT) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := p.guard.check("stt.stream"); err != nil {
		return nil, err
	}
	return p.inner.StartStream(ctx, cfg)
}

type limitedTTS struct {
	inner tts.Provider
	guard limitGuard
}

func (p *limitedTTS) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	if err := p.guard.check("tts.stream"); err != nil {
		return nil, err
	}
	return p.inner.SynthesizeStream(ctx, text, voice)
}

func (p *limitedTTS) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	return p.inner.ListVoices(ctx)
}

func (p *limitedTTS) CloneVoice(ctx context.Context, samples [][]byte) (*types.VoiceProfile, error) {
	if err := p.guard.check("tts.clone"); err != nil {
		return nil, err
	}
	return p.inner.CloneVoice(ctx, samples)
}

// ── Metered wrappers ──

// meteredLLM counts and times completions. Streams are timed to completion
// on the tee goroutine, so the histogram sees full generation time rather
// than time-to-first-token.
type meteredLLM struct {
	inner   llm.Provider
	name    string
	metrics *observe.Metrics
}

func (p *meteredLLM) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	start := time.Now()
	ch, err := p.inner.StreamCompletion(ctx, req)
	if err != nil {
		p.metrics.RecordProviderCall(ctx, p.name, "llm", "error", time.Since(start))
		p.metrics.RecordProviderError(ctx, p.name, "llm")
		return nil, err
	}

	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		status := "ok"
		defer func() {
			// Deliberately not ctx: the call context is often already
			// cancelled when the stream winds down.
			bg := context.Background()
			p.metrics.RecordProviderCall(bg, p.name, "llm", status, time.Since(start))
			if status == "error" {
				p.metrics.RecordProviderError(bg, p.name, "llm")
			}
		}()
		for c := range ch {
			if c.Err != nil || c.FinishReason == "error" {
				status = "error"
			}
			select {
			case out <- c:
			case <-ctx.Done():
				status = "cancelled"
				for range ch {
				}
				return
			}
		}
	}()
	return out, nil
}

func (p *meteredLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	start := time.Now()
	resp, err := p.inner.Complete(ctx, req)
	status := "ok"
	if err != nil {
		status = "error"
		p.metrics.RecordProviderError(ctx, p.name, "llm")
	}
	p.metrics.RecordProviderCall(ctx, p.name, "llm", status, time.Since(start))
	return resp, err
}

func (p *meteredLLM) CountTokens(messages []types.Message) (int, error) {
	return p.inner.CountTokens(messages)
}

func (p *meteredLLM) Model() string { return p.inner.Model() }

func (p *meteredLLM) Capabilities() types.ModelCapabilities { return p.inner.Capabilities() }

// meteredSTT times session establishment. Per-chunk transcription is not
// metered here; the pipeline accounts transcribed seconds in usage.
type meteredSTT struct {
	inner   stt.Provider
	name    string
	metrics *observe.Metrics
}

func (p *meteredSTT) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	start := time.Now()
	sess, err := p.inner.StartStream(ctx, cfg)
	status := "ok"
	if err != nil {
		status = "error"
		p.metrics.RecordProviderError(ctx, p.name, "stt")
	}
	p.metrics.RecordProviderCall(ctx, p.name, "stt", status, time.Since(start))
	return sess, err
}

// meteredTTS counts and times synthesis streams.
type meteredTTS struct {
	inner   tts.Provider
	name    string
	metrics *observe.Metrics
}

func (p *meteredTTS) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	start := time.Now()
	ch, err := p.inner.SynthesizeStream(ctx, text, voice)
	if err != nil {
		p.metrics.RecordProviderCall(ctx, p.name, "tts", "error", time.Since(start))
		p.metrics.RecordProviderError(ctx, p.name, "tts")
		return nil, err
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		status := "ok"
		defer func() {
			p.metrics.RecordProviderCall(context.Background(), p.name, "tts", status, time.Since(start))
		}()
		for audio := range ch {
			select {
			case out <- audio:
			case <-ctx.Done():
				status = "cancelled"
				for range ch {
				}
				return
			}
		}
	}()
	return out, nil
}

func (p *meteredTTS) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	return p.inner.ListVoices(ctx)
}

func (p *meteredTTS) CloneVoice(ctx context.Context, samples [][]byte) (*types.VoiceProfile, error) {
	return p.inner.CloneVoice(ctx, samples)
}
