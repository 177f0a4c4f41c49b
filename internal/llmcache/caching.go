package llmcache

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/trunkline-ai/trunkline/pkg/provider/llm"
	"github.com/trunkline-ai/trunkline/pkg/types"
)

// CachingProvider wraps an llm.Provider and serves repeated prompts from the
// cache. Only plain completions are cached: requests carrying tool definitions
// and responses that finish with tool calls or an error always go to the
// backend. A cache hit replays the stored response as a synthetic stream with
// zero usage, since no tokens were spent.
type CachingProvider struct {
	inner llm.Provider
	cache *Cache
	now   func() time.Time
}

var _ llm.Provider = (*CachingProvider)(nil)

// NewCachingProvider wraps inner with the given cache. The provider shares
// the cache's clock, so [WithNow] on the cache covers both.
func NewCachingProvider(inner llm.Provider, cache *Cache) *CachingProvider {
	return &CachingProvider{
		inner: inner,
		cache: cache,
		now:   cache.now,
	}
}

// cacheKeyParts extracts the prompt parts the cache key is built from. The
// second return is false when the request is not cacheable, either because it
// carries tools or because it has no user message to key on.
func cacheKeyParts(req llm.CompletionRequest) (string, bool) {
	if len(req.Tools) > 0 {
		return "", false
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content, true
		}
	}
	return "", false
}

func (p *CachingProvider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	user, ok := cacheKeyParts(req)
	if !ok {
		return p.inner.StreamCompletion(ctx, req)
	}

	if entry, hit := p.cache.Get(ctx, p.inner.Model(), req.SystemPrompt, user); hit {
		return p.replay(ctx, entry), nil
	}

	start := p.now()
	src, err := p.inner.StreamCompletion(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan llm.Chunk)
	go p.tee(ctx, req, user, start, src, out)
	return out, nil
}

// replay emits the stored chunks followed by a terminal stop chunk.
func (p *CachingProvider) replay(ctx context.Context, entry *Entry) <-chan llm.Chunk {
	ch := make(chan llm.Chunk, len(entry.Chunks)+1)
	go func() {
		defer close(ch)
		for _, text := range entry.Chunks {
			select {
			case ch <- llm.Chunk{Text: text}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case ch <- llm.Chunk{FinishReason: "stop"}:
		case <-ctx.Done():
		}
	}()
	return ch
}

// tee forwards chunks from the backend while accumulating them, and stores the
// response once the stream finishes cleanly.
func (p *CachingProvider) tee(ctx context.Context, req llm.CompletionRequest, user string, start time.Time, src <-chan llm.Chunk, out chan<- llm.Chunk) {
	defer close(out)

	var (
		chunks  []string
		content strings.Builder
		usage   llm.Usage
		stopped bool
	)
	for chunk := range src {
		if chunk.Text != "" {
			chunks = append(chunks, chunk.Text)
			content.WriteString(chunk.Text)
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		switch chunk.FinishReason {
		case "stop":
			stopped = true
		case "error", "tool_calls", "length":
			stopped = false
		}

		select {
		case out <- chunk:
		case <-ctx.Done():
			for range src {
			}
			return
		}
	}

	if !stopped || content.Len() == 0 {
		return
	}
	err := p.cache.Put(context.WithoutCancel(ctx), p.inner.Model(), req.SystemPrompt, user, Entry{
		Content:          content.String(),
		Chunks:           chunks,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		Latency:          p.now().Sub(start),
	})
	if err != nil {
		// Cache degradation must not fail the completion, but a dead store
		// should be visible.
		slog.Warn("response cache store failed", "model", p.inner.Model(), "error", err)
	}
}

func (p *CachingProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	user, ok := cacheKeyParts(req)
	if !ok {
		return p.inner.Complete(ctx, req)
	}

	if entry, hit := p.cache.Get(ctx, p.inner.Model(), req.SystemPrompt, user); hit {
		return &llm.CompletionResponse{Content: entry.Content}, nil
	}

	start := p.now()
	resp, err := p.inner.Complete(ctx, req)
	if err != nil || resp == nil {
		return resp, err
	}
	if len(resp.ToolCalls) == 0 && resp.Content != "" {
		err := p.cache.Put(ctx, p.inner.Model(), req.SystemPrompt, user, Entry{
			Content:          resp.Content,
			Chunks:           []string{resp.Content},
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			Latency:          p.now().Sub(start),
		})
		if err != nil {
			slog.Warn("response cache store failed", "model", p.inner.Model(), "error", err)
		}
	}
	return resp, nil
}

func (p *CachingProvider) CountTokens(messages []types.Message) (int, error) {
	return p.inner.CountTokens(messages)
}

func (p *CachingProvider) Model() string {
	return p.inner.Model()
}

func (p *CachingProvider) Capabilities() types.ModelCapabilities {
	return p.inner.Capabilities()
}
