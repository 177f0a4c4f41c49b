package llmcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"
)

// DefaultTTL is how long entries stay valid unless configured otherwise.
const DefaultTTL = time.Hour

// Stats is a snapshot of cache effectiveness counters.
type Stats struct {
	Hits   int64
	Misses int64

	// HitRate is Hits / (Hits + Misses), 0 when nothing was looked up.
	HitRate float64

	// TokensSaved accumulates the original prompt+completion tokens of
	// every hit.
	TokensSaved int64

	// LatencySaved accumulates the original completion latency of every
	// hit.
	LatencySaved time.Duration
}

// Option adjusts Cache construction.
type Option func(*Cache)

// WithTTL overrides the default entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithNow injects a time source. Primarily for tests.
func WithNow(fn func() time.Time) Option {
	return func(c *Cache) {
		c.now = fn
	}
}

// Cache derives keys, checks expiry and keeps effectiveness counters on top
// of a [Store]. Safe for concurrent use.
type Cache struct {
	store Store
	ttl   time.Duration
	now   func() time.Time

	mu           sync.Mutex
	hits, misses int64
	tokensSaved  int64
	latencySaved time.Duration
}

// New builds a cache over store with a 1 hour TTL by default.
func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		store: store,
		ttl:   DefaultTTL,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Normalize canonicalizes a prompt for keying: whitespace collapsed to
// single spaces, lower-cased, trailing punctuation stripped. "What are your
// hours?" and "what are  your hours" share a key.
func Normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.Join(strings.Fields(s), " ")
	s = strings.TrimRightFunc(s, unicode.IsPunct)
	return strings.TrimSpace(s)
}

// Key derives the cache key: sha256 over the model and the normalized
// prompts, truncated to 32 hex characters.
func Key(model, systemPrompt, userPrompt string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte(Normalize(systemPrompt)))
	h.Write([]byte(Normalize(userPrompt)))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Get looks up the entry for the given model and prompts. Expired entries
// are removed and count as misses. On a hit the entry's counters are updated
// and written back.
func (c *Cache) Get(ctx context.Context, model, systemPrompt, userPrompt string) (*Entry, bool) {
	key := Key(model, systemPrompt, userPrompt)
	now := c.now()

	entry, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			slog.Warn("cache lookup failed", "key", key, "error", err)
		}
		c.miss()
		return nil, false
	}

	if now.Sub(entry.CreatedAt) > c.ttl {
		if err := c.store.Delete(ctx, key); err != nil {
			slog.Warn("expired cache entry delete failed", "key", key, "error", err)
		}
		c.miss()
		return nil, false
	}

	entry.HitCount++
	entry.LastAccessed = now
	if err := c.store.Set(ctx, key, entry); err != nil {
		slog.Warn("cache hit write-back failed", "key", key, "error", err)
	}

	c.mu.Lock()
	c.hits++
	c.tokensSaved += int64(entry.PromptTokens + entry.CompletionTokens)
	c.latencySaved += entry.Latency
	c.mu.Unlock()
	return entry, true
}

// Put stores a completion under the derived key.
func (c *Cache) Put(ctx context.Context, model, systemPrompt, userPrompt string, entry Entry) error {
	key := Key(model, systemPrompt, userPrompt)
	now := c.now()

	entry.Key = key
	entry.Model = model
	entry.CreatedAt = now
	entry.LastAccessed = now
	entry.HitCount = 0
	return c.store.Set(ctx, key, &entry)
}

// Invalidate removes the entry for the given model and prompts.
func (c *Cache) Invalidate(ctx context.Context, model, systemPrompt, userPrompt string) error {
	return c.store.Delete(ctx, Key(model, systemPrompt, userPrompt))
}

// Clear empties the backing store. Counters are kept.
func (c *Cache) Clear(ctx context.Context) error {
	return c.store.Clear(ctx)
}

// Size reports the number of live entries in the backing store.
func (c *Cache) Size(ctx context.Context) (int, error) {
	return c.store.Size(ctx)
}

// Stats returns a snapshot of the effectiveness counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Hits:         c.hits,
		Misses:       c.misses,
		TokensSaved:  c.tokensSaved,
		LatencySaved: c.latencySaved,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

func (c *Cache) miss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}
