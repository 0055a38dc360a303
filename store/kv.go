package store

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sort"
	"strings"

	"github.com/lodgic/graphsync/errors"
	"github.com/lodgic/graphsync/graph"
	"github.com/lodgic/graphsync/natsclient"
)

// KVGraph persists the projected graph in a JetStream KV bucket
type KVGraph struct {
	kv *natsclient.KVStore
}

// NewKVGraph wraps a KV bucket as a graph store
func NewKVGraph(kv *natsclient.KVStore) *KVGraph {
	return &KVGraph{kv: kv}
}

// GetNode returns the node, or errors.ErrNodeNotFound
func (s *KVGraph) GetNode(ctx context.Context, key graph.NodeKey) (*graph.ProjectedNode, error) {
	entry, err := s.kv.Get(ctx, nodeKVKey(key))
	if err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
			return nil, errors.ErrNodeNotFound
		}
		return nil, errors.WrapTransient(err, "GraphStore", "GetNode", "read node "+key.String())
	}

	var node graph.ProjectedNode
	if err := json.Unmarshal(entry.Value, &node); err != nil {
		return nil, errors.WrapFatal(err, "GraphStore", "GetNode", "decode node "+key.String())
	}
	return &node, nil
}

// UpdateNode applies fn to the node under CAS
func (s *KVGraph) UpdateNode(ctx context.Context, key graph.NodeKey, fn NodeUpdateFunc) error {
	err := s.kv.UpdateWithRetry(ctx, nodeKVKey(key), func(current []byte) ([]byte, error) {
		var node *graph.ProjectedNode
		if len(current) > 0 {
			node = &graph.ProjectedNode{}
			if err := json.Unmarshal(current, node); err != nil {
				return nil, err
			}
		}

		updated, err := fn(node)
		if err != nil {
			return nil, err
		}
		return json.Marshal(updated)
	})
	if err != nil {
		// Update-function errors carry their own classification.
		var ce *errors.ClassifiedError
		if stderrors.As(err, &ce) {
			return err
		}
		return errors.WrapTransient(err, "GraphStore", "UpdateNode", "write node "+key.String())
	}
	return nil
}

// GetIncoming returns the incoming-edge index, empty if none exists
func (s *KVGraph) GetIncoming(ctx context.Context, key graph.NodeKey) (*graph.IncomingEdges, error) {
	entry, err := s.kv.Get(ctx, incomingKVKey(key))
	if err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
			return &graph.IncomingEdges{Key: key.String()}, nil
		}
		return nil, errors.WrapTransient(err, "GraphStore", "GetIncoming", "read incoming "+key.String())
	}

	var index graph.IncomingEdges
	if err := json.Unmarshal(entry.Value, &index); err != nil {
		return nil, errors.WrapFatal(err, "GraphStore", "GetIncoming", "decode incoming "+key.String())
	}
	return &index, nil
}

// UpdateIncoming applies fn to the incoming index under CAS
func (s *KVGraph) UpdateIncoming(ctx context.Context, key graph.NodeKey, fn IncomingUpdateFunc) error {
	err := s.kv.UpdateWithRetry(ctx, incomingKVKey(key), func(current []byte) ([]byte, error) {
		index := &graph.IncomingEdges{Key: key.String()}
		if len(current) > 0 {
			if err := json.Unmarshal(current, index); err != nil {
				return nil, err
			}
		}

		updated, err := fn(index)
		if err != nil {
			return nil, err
		}
		return json.Marshal(updated)
	})
	if err != nil {
		return errors.WrapTransient(err, "GraphStore", "UpdateIncoming", "write incoming "+key.String())
	}
	return nil
}

// ListNodeKeys returns canonical node keys with the given prefix, sorted
func (s *KVGraph) ListNodeKeys(ctx context.Context, prefix string) ([]string, error) {
	kvKeys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "GraphStore", "ListNodeKeys", "list bucket keys")
	}

	var keys []string
	for _, kvKey := range kvKeys {
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

// Close is a no-op; the underlying connection is owned by the caller
func (s *KVGraph) Close() error {
	return nil
}
