package deadletter

import (
	"context"
	"sync"
)

// MemSink collects records in memory for tests
type MemSink struct {
	mu      sync.Mutex
	records []Record
}

// NewMemSink creates an empty in-memory sink
func NewMemSink() *MemSink {
	return &MemSink{}
}

// Submit appends the record
func (s *MemSink) Submit(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// Count returns the number of submitted records
func (s *MemSink) Count() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.records))
}

// Records returns a copy of everything submitted so far
func (s *MemSink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Close is a no-op
func (s *MemSink) Close() error {
	return nil
}
