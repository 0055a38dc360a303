package watermark

import (
	"context"
	"sync"
)

// MemStore is an in-memory watermark store for tests and single-process runs
type MemStore struct {
	mu    sync.RWMutex
	marks map[string]Watermark
}

// NewMemStore creates an empty in-memory store
func NewMemStore() *MemStore {
	return &MemStore{marks: make(map[string]Watermark)}
}

// Get returns the watermark for the identity, or ok=false if none exists
func (s *MemStore) Get(_ context.Context, key string) (Watermark, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wm, ok := s.marks[key]
	return wm, ok, nil
}

// Put records the watermark for the identity
func (s *MemStore) Put(_ context.Context, key string, wm Watermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[key] = wm
	return nil
}

// Close is a no-op
func (s *MemStore) Close() error {
	return nil
}
