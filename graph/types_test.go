package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeKeyRoundTrip(t *testing.T) {
	key := NodeKey{TenantID: "tnt_a", EntityType: TypeLease, ExternalID: "lease-42"}
	require.NoError(t, key.Validate())

	parsed, err := ParseKey(key.String())
	require.NoError(t, err)
	assert.Equal(t, key, parsed)
}

func TestNodeKeyValidation(t *testing.T) {
	tests := []struct {
		name string
		key  NodeKey
	}{
		{"empty tenant", NodeKey{EntityType: TypeUnit, ExternalID: "u1"}},
		{"dotted tenant", NodeKey{TenantID: "a.b", EntityType: TypeUnit, ExternalID: "u1"}},
		{"unknown type", NodeKey{TenantID: "t", EntityType: "spaceship", ExternalID: "u1"}},
		{"empty external id", NodeKey{TenantID: "t", EntityType: TypeUnit}},
		{"whitespace external id", NodeKey{TenantID: "t", EntityType: TypeUnit, ExternalID: "u 1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.key.Validate())
		})
	}
}

func TestParseKeyRejectsMalformed(t *testing.T) {
	_, err := ParseKey("only.two")
	assert.Error(t, err)
	_, err = ParseKey("")
	assert.Error(t, err)
}

func TestTypePrefixCoversKeys(t *testing.T) {
	key := NodeKey{TenantID: "tnt_a", EntityType: TypeInvoice, ExternalID: "inv-1"}
	assert.Contains(t, key.String(), TypePrefix("tnt_a", TypeInvoice))
	assert.Contains(t, key.String(), TenantPrefix("tnt_a"))
}

func TestEntityTypeClassification(t *testing.T) {
	assert.True(t, TypeInvoice.IsOperational())
	assert.True(t, TypeWorkOrder.IsOperational())
	assert.True(t, TypeCase.IsOperational())
	assert.True(t, TypeDocument.IsOperational())
	assert.False(t, TypeUnit.IsOperational())
	assert.False(t, TypeLease.IsOperational())

	assert.True(t, TypeProperty.IsValid())
	assert.False(t, EntityType("drone").IsValid())
}

func TestAddEdgeReplacesDuplicate(t *testing.T) {
	node := &ProjectedNode{TenantID: "t", EntityType: TypeLease, ExternalID: "l1"}
	unit := NodeKey{TenantID: "t", EntityType: TypeUnit, ExternalID: "u1"}

	first := ProjectedEdge{Type: EdgeLeaseOf, To: unit, CreatedAt: time.Now()}
	node.AddEdge(first)
	later := ProjectedEdge{Type: EdgeLeaseOf, To: unit, CreatedAt: time.Now().Add(time.Hour)}
	node.AddEdge(later)

	require.Len(t, node.Edges, 1)
	assert.Equal(t, later.CreatedAt, node.Edges[0].CreatedAt)
}

func TestAddEdgeDisplacesExclusiveTarget(t *testing.T) {
	node := &ProjectedNode{TenantID: "t", EntityType: TypeWorkOrder, ExternalID: "wo1"}
	u1 := NodeKey{TenantID: "t", EntityType: TypeUnit, ExternalID: "u1"}
	u2 := NodeKey{TenantID: "t", EntityType: TypeUnit, ExternalID: "u2"}

	displaced := node.AddEdge(ProjectedEdge{Type: EdgeHomedAt, To: u1})
	assert.Empty(t, displaced)

	// Re-homing to a different unit replaces the anchor rather than adding
	// a second one.
	displaced = node.AddEdge(ProjectedEdge{Type: EdgeHomedAt, To: u2})
	assert.Equal(t, []NodeKey{u1}, displaced)
	require.Len(t, node.Edges, 1)
	assert.Equal(t, u2, node.Edges[0].To)
}

func TestAddEdgeAccumulatesPartyTo(t *testing.T) {
	node := &ProjectedNode{TenantID: "t", EntityType: TypePerson, ExternalID: "p1"}
	l1 := NodeKey{TenantID: "t", EntityType: TypeLease, ExternalID: "l1"}
	l2 := NodeKey{TenantID: "t", EntityType: TypeLease, ExternalID: "l2"}

	assert.Empty(t, node.AddEdge(ProjectedEdge{Type: EdgePartyTo, To: l1}))
	assert.Empty(t, node.AddEdge(ProjectedEdge{Type: EdgePartyTo, To: l2}))
	assert.Len(t, node.Edges, 2)
}

func TestRemoveEdge(t *testing.T) {
	node := &ProjectedNode{TenantID: "t", EntityType: TypePerson, ExternalID: "p1"}
	lease := NodeKey{TenantID: "t", EntityType: TypeLease, ExternalID: "l1"}
	node.AddEdge(ProjectedEdge{Type: EdgePartyTo, To: lease})

	assert.False(t, node.RemoveEdge(lease, EdgeBilledTo))
	assert.True(t, node.RemoveEdge(lease, EdgePartyTo))
	assert.Empty(t, node.Edges)
}

func TestEdgesOfType(t *testing.T) {
	node := &ProjectedNode{TenantID: "t", EntityType: TypeWorkOrder, ExternalID: "wo1"}
	unit := NodeKey{TenantID: "t", EntityType: TypeUnit, ExternalID: "u1"}
	vendor := NodeKey{TenantID: "t", EntityType: TypeVendor, ExternalID: "v1"}
	node.AddEdge(ProjectedEdge{Type: EdgeHomedAt, To: unit})
	node.AddEdge(ProjectedEdge{Type: EdgeAssignedTo, To: vendor})

	homed := node.EdgesOfType(EdgeHomedAt)
	require.Len(t, homed, 1)
	assert.Equal(t, unit, homed[0].To)
}

func TestSetAttrsMerges(t *testing.T) {
	node := &ProjectedNode{TenantID: "t", EntityType: TypeUnit, ExternalID: "u1"}
	node.SetAttrs(map[string]any{"floor": 2, "label": "2B"})
	node.SetAttrs(map[string]any{"label": "2C"})

	assert.Equal(t, 2, node.Attrs["floor"])
	assert.Equal(t, "2C", node.Attrs["label"])
}

func TestIncomingEdgesAddRemove(t *testing.T) {
	unit := NodeKey{TenantID: "t", EntityType: TypeUnit, ExternalID: "u1"}
	lease := NodeKey{TenantID: "t", EntityType: TypeLease, ExternalID: "l1"}
	caseKey := NodeKey{TenantID: "t", EntityType: TypeCase, ExternalID: "c1"}

	index := &IncomingEdges{Key: unit.String()}
	index.Add(IncomingEdge{From: lease, Type: EdgeLeaseOf})
	index.Add(IncomingEdge{From: caseKey, Type: EdgeRaisedFor})
	// Re-adding the same pair replaces, not duplicates.
	index.Add(IncomingEdge{From: lease, Type: EdgeLeaseOf})

	assert.Equal(t, 2, index.Count())
	assert.Len(t, index.OfType(EdgeLeaseOf), 1)

	index.Remove(lease, EdgeLeaseOf)
	assert.Equal(t, 1, index.Count())
}
