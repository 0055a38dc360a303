package graph

import "time"

// IncomingEdges tracks all nodes that point TO one node. It is the reverse
// index the query service uses for rollups and timelines.
type IncomingEdges struct {
	Key       string         `json:"key"` // canonical NodeKey string
	Incoming  []IncomingEdge `json:"incoming"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// IncomingEdge represents an edge pointing TO the indexed node
type IncomingEdge struct {
	From      NodeKey   `json:"from"`
	Type      EdgeType  `json:"type"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Add adds or updates an incoming edge
func (ie *IncomingEdges) Add(edge IncomingEdge) {
	for i, e := range ie.Incoming {
		if e.Type == edge.Type && e.From == edge.From {
			ie.Incoming[i] = edge
			ie.UpdatedAt = time.Now()
			return
		}
	}
	ie.Incoming = append(ie.Incoming, edge)
	ie.UpdatedAt = time.Now()
}

// Remove removes an incoming edge
func (ie *IncomingEdges) Remove(from NodeKey, edgeType EdgeType) {
	filtered := ie.Incoming[:0]
	for _, edge := range ie.Incoming {
		if !(edge.Type == edgeType && edge.From == from) {
			filtered = append(filtered, edge)
		}
	}
	ie.Incoming = filtered
	ie.UpdatedAt = time.Now()
}

// OfType returns all incoming edges of a specific type
func (ie *IncomingEdges) OfType(edgeType EdgeType) []IncomingEdge {
	var edges []IncomingEdge
	for _, edge := range ie.Incoming {
		if edge.Type == edgeType {
			edges = append(edges, edge)
		}
	}
	return edges
}

// Count returns the number of incoming edges
func (ie *IncomingEdges) Count() int {
	return len(ie.Incoming)
}
