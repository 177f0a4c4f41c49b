package agentstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is a thread-safe, in-memory [Store]. It is the development
// fallback when no database is configured and is not durable.
type MemoryStore struct {
	mu   sync.RWMutex
	defs map[string]Definition
	now  func() time.Time
}

// NewMemoryStore returns an initialised [MemoryStore].
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		defs: make(map[string]Definition),
		now:  time.Now,
	}
}

// Create implements [Store.Create].
func (s *MemoryStore) Create(ctx context.Context, def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.defs[def.ID]; exists {
		return fmt.Errorf("agentstore: agent with id %q already exists", def.ID)
	}

	now := s.now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now
	s.defs[def.ID] = cloneDefinition(def)
	return nil
}

// Get implements [Store.Get].
func (s *MemoryStore) Get(ctx context.Context, id string) (*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.defs[id]
	if !ok {
		return nil, nil
	}
	out := cloneDefinition(&def)
	return &out, nil
}

// Update implements [Store.Update].
func (s *MemoryStore) Update(ctx context.Context, def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.defs[def.ID]
	if !ok {
		return fmt.Errorf("agentstore: agent with id %q not found", def.ID)
	}

	def.CreatedAt = prev.CreatedAt
	def.UpdatedAt = s.now().UTC()
	s.defs[def.ID] = cloneDefinition(def)
	return nil
}

// Delete implements [Store.Delete].
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.defs, id)
	return nil
}

// List implements [Store.List].
func (s *MemoryStore) List(ctx context.Context) ([]Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.defs) == 0 {
		return nil, nil
	}
	out := make([]Definition, 0, len(s.defs))
	for _, def := range s.defs {
		out = append(out, cloneDefinition(&def))
	}
	slices.SortFunc(out, func(a, b Definition) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}

// Upsert implements [Store.Upsert].
func (s *MemoryStore) Upsert(ctx context.Context, def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if prev, ok := s.defs[def.ID]; ok {
		def.CreatedAt = prev.CreatedAt
	} else {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	s.defs[def.ID] = cloneDefinition(def)
	return nil
}

// cloneDefinition copies def including its slices and maps, so stored state
// never aliases caller-owned memory.
func cloneDefinition(def *Definition) Definition {
	out := *def
	out.Vocabulary = slices.Clone(def.Vocabulary)
	out.STT.Options = maps.Clone(def.STT.Options)
	out.LLM.Options = maps.Clone(def.LLM.Options)
	out.TTS.Options = maps.Clone(def.TTS.Options)
	out.Voice.Metadata = maps.Clone(def.Voice.Metadata)
	return out
}
