package llmcache

import (
	"container/list"
	"context"
	"sync"
)

// DefaultCapacity is the in-memory store's entry cap unless configured.
const DefaultCapacity = 1000

// MemoryStore is an in-process LRU [Store]. When an insert would exceed
// capacity, the least-recently-used tenth of the cache is evicted in one
// sweep so steady-state inserts don't evict on every call.
type MemoryStore struct {
	capacity int

	mu      sync.Mutex
	order   *list.List // front = most recent
	entries map[string]*list.Element
}

type memoryItem struct {
	key   string
	entry Entry
}

// NewMemoryStore builds a store holding at most capacity entries. A
// non-positive capacity falls back to DefaultCapacity.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryStore{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

var _ Store = (*MemoryStore)(nil)

// Get returns a copy of the entry for key and marks it most recent.
func (s *MemoryStore) Get(ctx context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	s.order.MoveToFront(el)
	entry := el.Value.(*memoryItem).entry
	return &entry, nil
}

// Set writes the entry under key and marks it most recent, evicting the
// oldest 10% when the cache is full.
func (s *MemoryStore) Set(ctx context.Context, key string, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[key]; ok {
		el.Value.(*memoryItem).entry = *entry
		s.order.MoveToFront(el)
		return nil
	}

	if s.order.Len() >= s.capacity {
		s.evictLocked()
	}
	s.entries[key] = s.order.PushFront(&memoryItem{key: key, entry: *entry})
	return nil
}

// evictLocked removes the least-recently-used tenth of the cache, at least
// one entry.
func (s *MemoryStore) evictLocked() {
	n := s.capacity / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		back := s.order.Back()
		if back == nil {
			return
		}
		s.order.Remove(back)
		delete(s.entries, back.Value.(*memoryItem).key)
	}
}

// Delete removes the entry for key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[key]; ok {
		s.order.Remove(el)
		delete(s.entries, key)
	}
	return nil
}

// Clear removes every entry.
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order.Init()
	s.entries = make(map[string]*list.Element)
	return nil
}

// Size reports the number of live entries.
func (s *MemoryStore) Size(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len(), nil
}
