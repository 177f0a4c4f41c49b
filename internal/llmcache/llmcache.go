// Package llmcache caches LLM completions keyed by model and normalized
// prompt, so repeated caller questions ("what are your opening hours?") skip
// the model entirely.
//
// A [Cache] fronts a pluggable [Store]; [NewMemoryStore] keeps entries in an
// in-process LRU, [NewRedisStore] shares them across orchestrator instances.
// [CachingProvider] drops the cache transparently behind the llm.Provider
// interface, replaying stored responses as a stream.
package llmcache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Store.Get for keys with no live entry.
var ErrNotFound = errors.New("llmcache: entry not found")

// Entry is one cached completion.
type Entry struct {
	// Key is the derived cache key, set by Cache on write.
	Key string `json:"key"`

	// Model is the backend model that produced the response.
	Model string `json:"model"`

	// Content is the full response text.
	Content string `json:"content"`

	// Chunks preserves the original streaming fragmentation so a cache hit
	// can replay the response with the same cadence shape.
	Chunks []string `json:"chunks,omitempty"`

	// PromptTokens and CompletionTokens record what the original request
	// cost; a hit saves that much again.
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`

	// Latency is how long the original completion took.
	Latency time.Duration `json:"latency_ns"`

	// CreatedAt drives TTL expiry, checked on read.
	CreatedAt time.Time `json:"created_at"`

	// LastAccessed and HitCount are updated on every hit.
	LastAccessed time.Time `json:"last_accessed"`
	HitCount     int       `json:"hit_count"`
}

// Store is the persistence backend behind a Cache. Implementations are safe
// for concurrent use.
type Store interface {
	// Get returns the entry for key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Entry, error)

	// Set writes the entry under key, replacing any previous one.
	Set(ctx context.Context, key string, entry *Entry) error

	// Delete removes the entry for key. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// Clear removes every entry.
	Clear(ctx context.Context) error

	// Size reports the number of live entries.
	Size(ctx context.Context) (int, error)
}
