package backfill

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/lodgic/graphsync/graph"
)

// MemSource serves snapshot records from memory, for tests and for replaying
// exported snapshot files
type MemSource struct {
	mu      sync.RWMutex
	records map[graph.EntityType][][]byte
}

// NewMemSource creates an empty in-memory source
func NewMemSource() *MemSource {
	return &MemSource{records: make(map[graph.EntityType][][]byte)}
}

// Add appends a raw snapshot record for the type
func (s *MemSource) Add(entityType graph.EntityType, raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[entityType] = append(s.records[entityType], raw)
}

// AddJSON marshals v and appends it as a record for the type
func (s *MemSource) AddJSON(entityType graph.EntityType, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.Add(entityType, raw)
	return nil
}

// Chunk returns up to limit records starting at offset
func (s *MemSource) Chunk(_ context.Context, entityType graph.EntityType, offset, limit int) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.records[entityType]
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	out := make([][]byte, end-offset)
	copy(out, all[offset:end])
	return out, nil
}

// Count returns the total records for the type
func (s *MemSource) Count(_ context.Context, entityType graph.EntityType) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[entityType]), nil
}
