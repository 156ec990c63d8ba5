package counter

import (
	"context"
	"maps"
	"sync"
)

// MemoryStore keeps counters in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]int64)}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, variant string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[variant]
	return v, ok, nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, variant string, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[variant] = value
	return nil
}

// Add implements Store.
func (s *MemoryStore) Add(_ context.Context, variant string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[variant] += delta
	return s.values[variant], nil
}

// All implements Store.
func (s *MemoryStore) All(context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.values), nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
