// Package store persists the projected graph. Nodes and the incoming-edge
// index live in a JetStream KV bucket keyed by canonical identity; all writes
// go through compare-and-swap read-modify-write so concurrent mergers cannot
// lose updates.
package store

import (
	"context"
	"strings"

	"github.com/lodgic/graphsync/graph"
)

// KV key prefixes separating node records from the incoming-edge index
// within one bucket.
const (
	nodePrefix     = "node."
	incomingPrefix = "in."
)

// NodeUpdateFunc transforms the current node under CAS. current is nil when
// the node does not exist yet. Returning an error aborts without retry.
type NodeUpdateFunc func(current *graph.ProjectedNode) (*graph.ProjectedNode, error)

// IncomingUpdateFunc transforms the current incoming index under CAS.
// current is never nil; a missing index is presented empty.
type IncomingUpdateFunc func(current *graph.IncomingEdges) (*graph.IncomingEdges, error)

// GraphStore is the persistence contract for the projected graph
type GraphStore interface {
	// GetNode returns the node, or errors.ErrNodeNotFound
	GetNode(ctx context.Context, key graph.NodeKey) (*graph.ProjectedNode, error)
	// UpdateNode applies fn to the node under CAS, creating it if fn
	// returns a node for a nil current
	UpdateNode(ctx context.Context, key graph.NodeKey, fn NodeUpdateFunc) error
	// GetIncoming returns the incoming-edge index for the node; a node with
	// no incoming edges yields an empty index, not an error
	GetIncoming(ctx context.Context, key graph.NodeKey) (*graph.IncomingEdges, error)
	// UpdateIncoming applies fn to the incoming index under CAS
	UpdateIncoming(ctx context.Context, key graph.NodeKey, fn IncomingUpdateFunc) error
	// ListNodeKeys returns canonical node keys starting with the given
	// prefix, e.g. "acme." for a tenant or "acme.unit." for a type
	ListNodeKeys(ctx context.Context, prefix string) ([]string, error)
	// Close releases store resources
	Close() error
}

func nodeKVKey(key graph.NodeKey) string {
	return nodePrefix + key.String()
}

func incomingKVKey(key graph.NodeKey) string {
	return incomingPrefix + key.String()
}

// canonicalFromKV strips the node prefix, returning ok=false for non-node keys
func canonicalFromKV(kvKey string) (string, bool) {
	if !strings.HasPrefix(kvKey, nodePrefix) {
		return "", false
	}
	return strings.TrimPrefix(kvKey, nodePrefix), true
}
