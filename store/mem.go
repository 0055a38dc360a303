package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/lodgic/graphsync/errors"
	"github.com/lodgic/graphsync/graph"
)

// MemGraph is an in-memory graph store for tests. Values are held as JSON so
// read and write semantics match the KV-backed store, including the absence
// of aliasing between callers.
type MemGraph struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemGraph creates an empty in-memory store
func NewMemGraph() *MemGraph {
	return &MemGraph{data: make(map[string][]byte)}
}

// GetNode returns the node, or errors.ErrNodeNotFound
func (s *MemGraph) GetNode(_ context.Context, key graph.NodeKey) (*graph.ProjectedNode, error) {
	s.mu.RLock()
	raw, ok := s.data[nodeKVKey(key)]
	s.mu.RUnlock()

	if !ok {
		return nil, errors.ErrNodeNotFound
	}
	var node graph.ProjectedNode
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// UpdateNode applies fn to the node under the store lock
func (s *MemGraph) UpdateNode(_ context.Context, key graph.NodeKey, fn NodeUpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var node *graph.ProjectedNode
	if raw, ok := s.data[nodeKVKey(key)]; ok {
		node = &graph.ProjectedNode{}
		if err := json.Unmarshal(raw, node); err != nil {
			return err
		}
	}

	updated, err := fn(node)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(updated)
	if err != nil {
		return err
	}
	s.data[nodeKVKey(key)] = raw
	return nil
}

// GetIncoming returns the incoming-edge index, empty if none exists
func (s *MemGraph) GetIncoming(_ context.Context, key graph.NodeKey) (*graph.IncomingEdges, error) {
	s.mu.RLock()
	raw, ok := s.data[incomingKVKey(key)]
	s.mu.RUnlock()

	if !ok {
		return &graph.IncomingEdges{Key: key.String()}, nil
	}
	var index graph.IncomingEdges
	if err := json.Unmarshal(raw, &index); err != nil {
		return nil, err
	}
	return &index, nil
}

// UpdateIncoming applies fn to the incoming index under the store lock
func (s *MemGraph) UpdateIncoming(_ context.Context, key graph.NodeKey, fn IncomingUpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := &graph.IncomingEdges{Key: key.String()}
	if raw, ok := s.data[incomingKVKey(key)]; ok {
		if err := json.Unmarshal(raw, index); err != nil {
			return err
		}
	}

	updated, err := fn(index)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(updated)
	if err != nil {
		return err
	}
	s.data[incomingKVKey(key)] = raw
	return nil
}

// ListNodeKeys returns canonical node keys with the given prefix, sorted
func (s *MemGraph) ListNodeKeys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for kvKey := range s.data {
		canonical, ok := canonicalFromKV(kvKey)
		if !ok {
			continue
		}
		if prefix == "" || strings.HasPrefix(canonical, prefix) {
			keys = append(keys, canonical)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op
func (s *MemGraph) Close() error {
	return nil
}
