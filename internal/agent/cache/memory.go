package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryStore struct {
	mu          sync.RWMutex
	generations map[string]map[string]Entry
}

// NewMemory builds the in-process store backend used by default and in
// tests.
func NewMemory() Store {
	return &memoryStore{generations: make(map[string]map[string]Entry)}
}

func (s *memoryStore) Match(_ context.Context, generation string, key Key) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, ok := s.generations[generation]
	if !ok {
		return Entry{}, false, nil
	}
	entry, ok := entries[key.Hash()]
	if !ok {
		return Entry{}, false, nil
	}
	return cloneEntry(entry), true, nil
}

func (s *memoryStore) Put(_ context.Context, generation string, key Key, entry Entry) error {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, ok := s.generations[generation]
	if !ok {
		entries = make(map[string]Entry)
		s.generations[generation] = entries
	}
	entries[key.Hash()] = cloneEntry(entry)
	return nil
}

func (s *memoryStore) DeleteGeneration(_ context.Context, generation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.generations, generation)
	return nil
}

func (s *memoryStore) ListGenerations(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.generations))
	for name := range s.generations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryStore) Close(context.Context) error {
	return nil
}

func cloneEntry(in Entry) Entry {
	out := Entry{
		Status:   in.Status,
		StoredAt: in.StoredAt,
	}
	if len(in.Headers) > 0 {
		out.Headers = make(map[string]string, len(in.Headers))
		for k, v := range in.Headers {
			out.Headers[k] = v
		}
	}
	if len(in.Body) > 0 {
		out.Body = make([]byte, len(in.Body))
		copy(out.Body, in.Body)
	}
	return out
}
