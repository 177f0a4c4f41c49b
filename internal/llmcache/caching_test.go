package llmcache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/trunkline-ai/trunkline/internal/llmcache"
	"github.com/trunkline-ai/trunkline/pkg/provider/llm"
	"github.com/trunkline-ai/trunkline/pkg/provider/llm/mock"
	"github.com/trunkline-ai/trunkline/pkg/types"
)

// drainStream consumes a chunk channel and returns the concatenated text and
// the raw chunk sequence.
func drainStream(t *testing.T, ch <-chan llm.Chunk) (string, []llm.Chunk) {
	t.Helper()
	var text string
	var chunks []llm.Chunk
	for chunk := range ch {
		text += chunk.Text
		chunks = append(chunks, chunk)
	}
	return text, chunks
}

func userRequest(prompts ...string) llm.CompletionRequest {
	req := llm.CompletionRequest{SystemPrompt: "be brief"}
	for i, p := range prompts {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		req.Messages = append(req.Messages, types.Message{Role: role, Content: p})
	}
	return req
}

func TestCachingProvider_StreamMissThenHit(t *testing.T) {
	t.Parallel()
	inner := &mock.Provider{
		ModelName: "gpt-test",
		StreamChunks: []llm.Chunk{
			{Text: "Hello "},
			{Text: "world."},
			{FinishReason: "stop", Usage: &llm.Usage{PromptTokens: 12, CompletionTokens: 4, TotalTokens: 16}},
		},
	}
	cache := llmcache.New(llmcache.NewMemoryStore(10))
	p := llmcache.NewCachingProvider(inner, cache)
	ctx := context.Background()

	ch, err := p.StreamCompletion(ctx, userRequest("Say hello"))
	if err != nil {
		t.Fatalf("StreamCompletion failed: %v", err)
	}
	text, _ := drainStream(t, ch)
	if text != "Hello world." {
		t.Fatalf("unexpected first response %q", text)
	}

	ch, err = p.StreamCompletion(ctx, userRequest("Say hello"))
	if err != nil {
		t.Fatalf("cached StreamCompletion failed: %v", err)
	}
	text, chunks := drainStream(t, ch)
	if text != "Hello world." {
		t.Errorf("cached response %q differs from original", text)
	}
	if len(inner.StreamCalls) != 1 {
		t.Errorf("expected backend called once, got %d", len(inner.StreamCalls))
	}

	last := chunks[len(chunks)-1]
	if last.FinishReason != "stop" {
		t.Errorf("replayed stream must end with a stop chunk, got %+v", last)
	}
	if last.Usage != nil {
		t.Errorf("replayed stream must not report token usage, got %+v", last.Usage)
	}

	// The saved tokens come from the usage recorded on the original stream.
	stats := cache.Stats()
	if stats.TokensSaved != 16 {
		t.Errorf("expected 16 tokens saved, got %d", stats.TokensSaved)
	}
}

func TestCachingProvider_KeysOnLastUserMessage(t *testing.T) {
	t.Parallel()
	inner := &mock.Provider{
		StreamChunks: []llm.Chunk{{Text: "resp"}, {FinishReason: "stop"}},
	}
	cache := llmcache.New(llmcache.NewMemoryStore(10))
	p := llmcache.NewCachingProvider(inner, cache)
	ctx := context.Background()

	seed, err := p.StreamCompletion(ctx, userRequest("question one"))
	if err != nil {
		t.Fatalf("StreamCompletion failed: %v", err)
	}
	drainStream(t, seed)

	// A longer conversation ending on a different user turn is a miss.
	ch, err := p.StreamCompletion(ctx, userRequest("question one", "answer", "question two"))
	if err != nil {
		t.Fatalf("StreamCompletion failed: %v", err)
	}
	drainStream(t, ch)
	if len(inner.StreamCalls) != 2 {
		t.Errorf("different final user turn should miss, backend calls = %d", len(inner.StreamCalls))
	}

	// A conversation whose final user turn matches the seeded one is a hit.
	ch, err = p.StreamCompletion(ctx, userRequest("anything", "answer", "question one"))
	if err != nil {
		t.Fatalf("StreamCompletion failed: %v", err)
	}
	drainStream(t, ch)
	if len(inner.StreamCalls) != 2 {
		t.Errorf("matching final user turn should hit, backend calls = %d", len(inner.StreamCalls))
	}
}

func TestCachingProvider_ErrorStreamNotCached(t *testing.T) {
	t.Parallel()
	inner := &mock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "part"},
			{FinishReason: "error", Err: errors.New("backend exploded")},
		},
	}
	cache := llmcache.New(llmcache.NewMemoryStore(10))
	p := llmcache.NewCachingProvider(inner, cache)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ch, err := p.StreamCompletion(ctx, userRequest("hi"))
		if err != nil {
			t.Fatalf("StreamCompletion failed: %v", err)
		}
		drainStream(t, ch)
	}

	if len(inner.StreamCalls) != 2 {
		t.Errorf("failed responses must not be cached, backend calls = %d", len(inner.StreamCalls))
	}
	size, err := cache.Size(ctx)
	if err != nil {
		t.Fatalf("Size failed: %v", err)
	}
	if size != 0 {
		t.Errorf("expected empty cache after failed stream, size %d", size)
	}
}

func TestCachingProvider_ToolRequestsBypassCache(t *testing.T) {
	t.Parallel()
	inner := &mock.Provider{
		StreamChunks: []llm.Chunk{{Text: "resp"}, {FinishReason: "stop"}},
	}
	cache := llmcache.New(llmcache.NewMemoryStore(10))
	p := llmcache.NewCachingProvider(inner, cache)
	ctx := context.Background()

	req := userRequest("look this up")
	req.Tools = []types.ToolDefinition{{Name: "lookup"}}

	for i := 0; i < 2; i++ {
		ch, err := p.StreamCompletion(ctx, req)
		if err != nil {
			t.Fatalf("StreamCompletion failed: %v", err)
		}
		drainStream(t, ch)
	}

	if len(inner.StreamCalls) != 2 {
		t.Errorf("tool-carrying requests must bypass the cache, backend calls = %d", len(inner.StreamCalls))
	}
	size, err := cache.Size(ctx)
	if err != nil {
		t.Fatalf("Size failed: %v", err)
	}
	if size != 0 {
		t.Errorf("expected nothing cached for tool requests, size %d", size)
	}
}

func TestCachingProvider_NoUserMessagePassesThrough(t *testing.T) {
	t.Parallel()
	inner := &mock.Provider{
		StreamChunks: []llm.Chunk{{Text: "resp"}, {FinishReason: "stop"}},
	}
	cache := llmcache.New(llmcache.NewMemoryStore(10))
	p := llmcache.NewCachingProvider(inner, cache)

	req := llm.CompletionRequest{
		Messages: []types.Message{{Role: "assistant", Content: "previous answer"}},
	}
	ch, err := p.StreamCompletion(context.Background(), req)
	if err != nil {
		t.Fatalf("StreamCompletion failed: %v", err)
	}
	drainStream(t, ch)

	size, err := cache.Size(context.Background())
	if err != nil {
		t.Fatalf("Size failed: %v", err)
	}
	if size != 0 {
		t.Errorf("requests without a user turn must not be cached, size %d", size)
	}
}

func TestCachingProvider_CancelledStreamNotCached(t *testing.T) {
	t.Parallel()
	// A backend that is cancelled mid-stream closes the channel without ever
	// reaching a stop chunk.
	inner := &mock.Provider{
		StreamDelay: 20 * time.Millisecond,
		StreamChunks: []llm.Chunk{
			{Text: "one "},
			{Text: "two "},
			{Text: "three "},
		},
	}
	cache := llmcache.New(llmcache.NewMemoryStore(10))
	p := llmcache.NewCachingProvider(inner, cache)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := p.StreamCompletion(ctx, userRequest("hi"))
	if err != nil {
		t.Fatalf("StreamCompletion failed: %v", err)
	}

	// Read one chunk, then abandon the stream mid-flight.
	<-ch
	cancel()
	for range ch {
	}

	size, err := cache.Size(context.Background())
	if err != nil {
		t.Fatalf("Size failed: %v", err)
	}
	if size != 0 {
		t.Errorf("interrupted streams must not be cached, size %d", size)
	}
}

func TestCachingProvider_CompleteMissThenHit(t *testing.T) {
	t.Parallel()
	inner := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: "42",
			Usage:   llm.Usage{PromptTokens: 7, CompletionTokens: 1, TotalTokens: 8},
		},
	}
	cache := llmcache.New(llmcache.NewMemoryStore(10))
	p := llmcache.NewCachingProvider(inner, cache)
	ctx := context.Background()

	resp, err := p.Complete(ctx, userRequest("meaning of life?"))
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Content != "42" {
		t.Fatalf("unexpected content %q", resp.Content)
	}

	resp, err = p.Complete(ctx, userRequest("meaning of life?"))
	if err != nil {
		t.Fatalf("cached Complete failed: %v", err)
	}
	if resp.Content != "42" {
		t.Errorf("cached content %q differs from original", resp.Content)
	}
	if resp.Usage != (llm.Usage{}) {
		t.Errorf("cache hits spend no tokens, got usage %+v", resp.Usage)
	}
	if len(inner.CompleteCalls) != 1 {
		t.Errorf("expected backend called once, got %d", len(inner.CompleteCalls))
	}
}

func TestCachingProvider_CompleteToolCallsNotCached(t *testing.T) {
	t.Parallel()
	inner := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			ToolCalls: []types.ToolCall{{ID: "call_1", Name: "lookup"}},
		},
	}
	cache := llmcache.New(llmcache.NewMemoryStore(10))
	p := llmcache.NewCachingProvider(inner, cache)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := p.Complete(ctx, userRequest("hi")); err != nil {
			t.Fatalf("Complete failed: %v", err)
		}
	}
	if len(inner.CompleteCalls) != 2 {
		t.Errorf("tool-call responses must not be cached, backend calls = %d", len(inner.CompleteCalls))
	}
}

// brokenStore fails every write while serving reads as empty. Models a cache
// backend that has gone away mid-flight.
type brokenStore struct {
	setErr error
}

func (s *brokenStore) Get(ctx context.Context, key string) (*llmcache.Entry, error) {
	return nil, llmcache.ErrNotFound
}
func (s *brokenStore) Set(ctx context.Context, key string, entry *llmcache.Entry) error {
	return s.setErr
}
func (s *brokenStore) Delete(ctx context.Context, key string) error { return nil }
func (s *brokenStore) Clear(ctx context.Context) error              { return nil }
func (s *brokenStore) Size(ctx context.Context) (int, error)        { return 0, nil }

func TestCachingProvider_StoreFailureDoesNotFailCompletion(t *testing.T) {
	t.Parallel()
	inner := &mock.Provider{
		StreamChunks:     []llm.Chunk{{Text: "still "}, {Text: "served."}, {FinishReason: "stop"}},
		CompleteResponse: &llm.CompletionResponse{Content: "still served."},
	}
	cache := llmcache.New(&brokenStore{setErr: errors.New("redis: connection refused")})
	p := llmcache.NewCachingProvider(inner, cache)
	ctx := context.Background()

	ch, err := p.StreamCompletion(ctx, userRequest("hello"))
	if err != nil {
		t.Fatalf("StreamCompletion failed: %v", err)
	}
	text, _ := drainStream(t, ch)
	if text != "still served." {
		t.Errorf("stream response %q despite dead cache store", text)
	}

	resp, err := p.Complete(ctx, userRequest("hello again"))
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Content != "still served." {
		t.Errorf("Complete response %q despite dead cache store", resp.Content)
	}
}

func TestCachingProvider_Passthrough(t *testing.T) {
	t.Parallel()
	inner := &mock.Provider{
		ModelName:         "gpt-test",
		TokenCount:        99,
		ModelCapabilities: types.ModelCapabilities{SupportsToolCalling: true},
	}
	p := llmcache.NewCachingProvider(inner, llmcache.New(llmcache.NewMemoryStore(10)))

	if got := p.Model(); got != "gpt-test" {
		t.Errorf("Model() = %q, want gpt-test", got)
	}
	count, err := p.CountTokens([]types.Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("CountTokens failed: %v", err)
	}
	if count != 99 {
		t.Errorf("CountTokens = %d, want 99", count)
	}
	if !p.Capabilities().SupportsToolCalling {
		t.Error("Capabilities not passed through")
	}
}
