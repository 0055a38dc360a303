// Package graph defines the projected graph data model: typed nodes keyed by
// the (tenant, entityType, externalID) identity tuple and directed,
// tenant-consistent edges between them.
package graph

import "time"

// EntityType identifies the domain entity a node projects
type EntityType string

// Known entity types. The set is closed; adding a type is a compile-time
// checked change through the event registry.
const (
	TypeProperty  EntityType = "property"
	TypeUnit      EntityType = "unit"
	TypeLease     EntityType = "lease"
	TypeInvoice   EntityType = "invoice"
	TypePayment   EntityType = "payment"
	TypeCase      EntityType = "case"
	TypeWorkOrder EntityType = "workorder"
	TypeDocument  EntityType = "document"
	TypeVendor    EntityType = "vendor"
	TypePerson    EntityType = "person"
)

// AllEntityTypes lists every known entity type, in backfill dependency order:
// anchor-bearing types first so edge-bearing types can resolve endpoints.
var AllEntityTypes = []EntityType{
	TypeProperty, TypeUnit, TypePerson, TypeVendor,
	TypeLease, TypeInvoice, TypePayment,
	TypeCase, TypeWorkOrder, TypeDocument,
}

// IsValid checks if the EntityType is one of the defined constants
func (et EntityType) IsValid() bool {
	switch et {
	case TypeProperty, TypeUnit, TypeLease, TypeInvoice, TypePayment,
		TypeCase, TypeWorkOrder, TypeDocument, TypeVendor, TypePerson:
		return true
	default:
		return false
	}
}

// IsOperational reports whether nodes of this type must resolve to a home
// anchor (a unit) through a HOMED_AT edge.
func (et EntityType) IsOperational() bool {
	switch et {
	case TypeWorkOrder, TypeInvoice, TypeCase, TypeDocument:
		return true
	default:
		return false
	}
}

// EdgeType identifies the relationship a projected edge carries
type EdgeType string

// Known edge types
const (
	// EdgeHomedAt is the designated anchor edge: every operational node
	// points at exactly one unit through it.
	EdgeHomedAt EdgeType = "HOMED_AT"

	EdgeUnitOf     EdgeType = "UNIT_OF"     // unit -> property
	EdgeLeaseOf    EdgeType = "LEASE_OF"    // lease -> unit
	EdgePartyTo    EdgeType = "PARTY_TO"    // person -> lease
	EdgeBilledTo   EdgeType = "BILLED_TO"   // invoice -> lease
	EdgePays       EdgeType = "PAYS"        // payment -> invoice
	EdgeAssignedTo EdgeType = "ASSIGNED_TO" // workorder -> vendor
	EdgeAttachedTo EdgeType = "ATTACHED_TO" // document -> case or lease
	EdgeRaisedFor  EdgeType = "RAISED_FOR"  // case -> unit
)

// ExclusiveFromSource reports whether a source node carries at most one
// outgoing edge of this type. An operational node has exactly one home
// anchor, a lease covers one unit, an invoice bills one lease, and so on;
// only PARTY_TO is many-valued from its source.
func (t EdgeType) ExclusiveFromSource() bool {
	return t != EdgePartyTo
}

// ProjectedNode is a typed vertex representing one domain entity.
// Version only ever advances; a merge carrying a version not strictly
// greater than the stored one is a no-op.
type ProjectedNode struct {
	TenantID    string          `json:"tenant_id"`
	EntityType  EntityType      `json:"entity_type"`
	ExternalID  string          `json:"external_id"`
	Attrs       map[string]any  `json:"attrs,omitempty"`
	Edges       []ProjectedEdge `json:"edges,omitempty"` // outgoing only
	Version     uint64          `json:"version"`
	SyncedAt    time.Time       `json:"synced_at"`
	Retired     bool            `json:"retired,omitempty"`
	GapRepaired bool            `json:"gap_repaired,omitempty"`
}

// Key returns the node's identity tuple
func (n *ProjectedNode) Key() NodeKey {
	return NodeKey{TenantID: n.TenantID, EntityType: n.EntityType, ExternalID: n.ExternalID}
}

// ProjectedEdge is a typed, directed relationship to another node.
// Both endpoints always share the same tenant.
type ProjectedEdge struct {
	Type      EdgeType  `json:"type"`
	To        NodeKey   `json:"to"`
	CreatedAt time.Time `json:"created_at"`
}

// AddEdge adds or replaces an edge. For exclusive edge types the new edge
// displaces any existing edge of that type to a different target; displaced
// targets are returned so the caller can repair their reverse indexes.
func (n *ProjectedNode) AddEdge(edge ProjectedEdge) []NodeKey {
	var displaced []NodeKey
	kept := n.Edges[:0]
	replaced := false
	for _, e := range n.Edges {
		switch {
		case e.Type == edge.Type && e.To == edge.To:
			kept = append(kept, edge)
			replaced = true
		case e.Type == edge.Type && edge.Type.ExclusiveFromSource():
			displaced = append(displaced, e.To)
		default:
			kept = append(kept, e)
		}
	}
	if !replaced {
		kept = append(kept, edge)
	}
	n.Edges = kept
	return displaced
}

// RemoveEdge removes an edge to the given target, optionally matching type.
// Returns true if an edge was removed.
func (n *ProjectedNode) RemoveEdge(to NodeKey, edgeType EdgeType) bool {
	for i, edge := range n.Edges {
		if edge.To == to && (edgeType == "" || edge.Type == edgeType) {
			n.Edges = append(n.Edges[:i], n.Edges[i+1:]...)
			return true
		}
	}
	return false
}

// EdgesOfType returns outgoing edges of a specific type
func (n *ProjectedNode) EdgesOfType(edgeType EdgeType) []ProjectedEdge {
	var edges []ProjectedEdge
	for _, edge := range n.Edges {
		if edge.Type == edgeType {
			edges = append(edges, edge)
		}
	}
	return edges
}

// SetAttrs merges new attributes over existing ones
func (n *ProjectedNode) SetAttrs(updates map[string]any) {
	if len(updates) == 0 {
		return
	}
	if n.Attrs == nil {
		n.Attrs = make(map[string]any, len(updates))
	}
	for k, v := range updates {
		n.Attrs[k] = v
	}
}
