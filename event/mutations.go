package event

import (
	"github.com/lodgic/graphsync/graph"
)

// NodeUpsert is an idempotent create-or-update of one projected node, keyed
// by its identity tuple
type NodeUpsert struct {
	Key    graph.NodeKey
	Attrs  map[string]any
	Retire bool
}

// EdgeUpsert is an idempotent attach of one directed edge. From and To may
// reference nodes the merge engine has not seen yet; those are parked and
// retried rather than failed.
type EdgeUpsert struct {
	From graph.NodeKey
	To   graph.NodeKey
	Type graph.EdgeType
}

// MutationSet is the full set of graph mutations implied by one event.
// The merge engine applies nodes before edges so a failure mid-unit cannot
// leave an edge without its node.
type MutationSet struct {
	Nodes []NodeUpsert
	Edges []EdgeUpsert
}

// attrs builds an attribute bag from the given pairs, skipping zero values
func attrs(pairs ...[2]any) map[string]any {
	m := make(map[string]any)
	for _, pair := range pairs {
		key := pair[0].(string)
		switch v := pair[1].(type) {
		case string:
			if v != "" {
				m[key] = v
			}
		case int:
			if v != 0 {
				m[key] = v
			}
		case float64:
			if v != 0 {
				m[key] = v
			}
		default:
			if v != nil {
				m[key] = v
			}
		}
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

func buildProperty(env Envelope, p Payload) (MutationSet, error) {
	payload := p.(*PropertyPayload)
	return MutationSet{
		Nodes: []NodeUpsert{{
			Key: payload.EntityKey(env.TenantID),
			Attrs: attrs(
				[2]any{"name", payload.Name},
				[2]any{"address", payload.Address},
				[2]any{"city", payload.City},
			),
		}},
	}, nil
}

func buildUnit(env Envelope, p Payload) (MutationSet, error) {
	payload := p.(*UnitPayload)
	unit := payload.EntityKey(env.TenantID)
	property := graph.NodeKey{TenantID: env.TenantID, EntityType: graph.TypeProperty, ExternalID: payload.PropertyID}
	return MutationSet{
		Nodes: []NodeUpsert{{
			Key: unit,
			Attrs: attrs(
				[2]any{"label", payload.Label},
				[2]any{"floor", payload.Floor},
			),
		}},
		Edges: []EdgeUpsert{
			{From: unit, To: property, Type: graph.EdgeUnitOf},
		},
	}, nil
}

func buildPerson(env Envelope, p Payload) (MutationSet, error) {
	payload := p.(*PersonPayload)
	return MutationSet{
		Nodes: []NodeUpsert{{
			Key: payload.EntityKey(env.TenantID),
			Attrs: attrs(
				[2]any{"name", payload.Name},
				[2]any{"email", payload.Email},
			),
		}},
	}, nil
}

func buildVendor(env Envelope, p Payload) (MutationSet, error) {
	payload := p.(*VendorPayload)
	return MutationSet{
		Nodes: []NodeUpsert{{
			Key: payload.EntityKey(env.TenantID),
			Attrs: attrs(
				[2]any{"name", payload.Name},
				[2]any{"trade", payload.Trade},
			),
		}},
	}, nil
}

func buildLease(env Envelope, p Payload) (MutationSet, error) {
	payload := p.(*LeasePayload)
	lease := payload.EntityKey(env.TenantID)
	unit := graph.NodeKey{TenantID: env.TenantID, EntityType: graph.TypeUnit, ExternalID: payload.UnitID}

	set := MutationSet{
		Nodes: []NodeUpsert{{
			Key: lease,
			Attrs: attrs(
				[2]any{"status", payload.Status},
				[2]any{"start_date", payload.StartDate},
				[2]any{"end_date", payload.EndDate},
				[2]any{"rent_amount", payload.RentAmount},
			),
		}},
		Edges: []EdgeUpsert{
			{From: lease, To: unit, Type: graph.EdgeLeaseOf},
		},
	}
	if payload.PersonID != "" {
		person := graph.NodeKey{TenantID: env.TenantID, EntityType: graph.TypePerson, ExternalID: payload.PersonID}
		set.Edges = append(set.Edges, EdgeUpsert{From: person, To: lease, Type: graph.EdgePartyTo})
	}
	return set, nil
}

func buildLeaseTerminated(env Envelope, p Payload) (MutationSet, error) {
	set, err := buildLease(env, p)
	if err != nil {
		return MutationSet{}, err
	}
	set.Nodes[0].Retire = true
	if set.Nodes[0].Attrs == nil {
		set.Nodes[0].Attrs = map[string]any{}
	}
	set.Nodes[0].Attrs["status"] = "terminated"
	return set, nil
}

func buildInvoice(env Envelope, p Payload) (MutationSet, error) {
	payload := p.(*InvoicePayload)
	invoice := payload.EntityKey(env.TenantID)
	unit := graph.NodeKey{TenantID: env.TenantID, EntityType: graph.TypeUnit, ExternalID: payload.UnitID}

	set := MutationSet{
		Nodes: []NodeUpsert{{
			Key: invoice,
			Attrs: attrs(
				[2]any{"amount", payload.Amount},
				[2]any{"due_date", payload.DueDate},
				[2]any{"status", payload.Status},
			),
		}},
		Edges: []EdgeUpsert{
			// Anchor edge first: operational nodes roll up to their home unit.
			{From: invoice, To: unit, Type: graph.EdgeHomedAt},
		},
	}
	if payload.LeaseID != "" {
		lease := graph.NodeKey{TenantID: env.TenantID, EntityType: graph.TypeLease, ExternalID: payload.LeaseID}
		set.Edges = append(set.Edges, EdgeUpsert{From: invoice, To: lease, Type: graph.EdgeBilledTo})
	}
	return set, nil
}

func buildPayment(env Envelope, p Payload) (MutationSet, error) {
	payload := p.(*PaymentPayload)
	payment := payload.EntityKey(env.TenantID)
	invoice := graph.NodeKey{TenantID: env.TenantID, EntityType: graph.TypeInvoice, ExternalID: payload.InvoiceID}
	return MutationSet{
		Nodes: []NodeUpsert{{
			Key: payment,
			Attrs: attrs(
				[2]any{"amount", payload.Amount},
				[2]any{"method", payload.Method},
			),
		}},
		Edges: []EdgeUpsert{
			{From: payment, To: invoice, Type: graph.EdgePays},
		},
	}, nil
}

func buildCase(env Envelope, p Payload) (MutationSet, error) {
	payload := p.(*CasePayload)
	caseKey := payload.EntityKey(env.TenantID)
	unit := graph.NodeKey{TenantID: env.TenantID, EntityType: graph.TypeUnit, ExternalID: payload.UnitID}
	return MutationSet{
		Nodes: []NodeUpsert{{
			Key: caseKey,
			Attrs: attrs(
				[2]any{"category", payload.Category},
				[2]any{"severity", payload.Severity},
				[2]any{"status", payload.Status},
			),
		}},
		Edges: []EdgeUpsert{
			{From: caseKey, To: unit, Type: graph.EdgeHomedAt},
			{From: caseKey, To: unit, Type: graph.EdgeRaisedFor},
		},
	}, nil
}

func buildWorkOrder(env Envelope, p Payload) (MutationSet, error) {
	payload := p.(*WorkOrderPayload)
	workOrder := payload.EntityKey(env.TenantID)
	unit := graph.NodeKey{TenantID: env.TenantID, EntityType: graph.TypeUnit, ExternalID: payload.UnitID}

	set := MutationSet{
		Nodes: []NodeUpsert{{
			Key: workOrder,
			Attrs: attrs(
				[2]any{"status", payload.Status},
				[2]any{"summary", payload.Summary},
			),
		}},
		Edges: []EdgeUpsert{
			{From: workOrder, To: unit, Type: graph.EdgeHomedAt},
		},
	}
	if payload.VendorID != "" {
		vendor := graph.NodeKey{TenantID: env.TenantID, EntityType: graph.TypeVendor, ExternalID: payload.VendorID}
		set.Edges = append(set.Edges, EdgeUpsert{From: workOrder, To: vendor, Type: graph.EdgeAssignedTo})
	}
	return set, nil
}

func buildDocument(env Envelope, p Payload) (MutationSet, error) {
	payload := p.(*DocumentPayload)
	document := payload.EntityKey(env.TenantID)
	unit := graph.NodeKey{TenantID: env.TenantID, EntityType: graph.TypeUnit, ExternalID: payload.UnitID}

	set := MutationSet{
		Nodes: []NodeUpsert{{
			Key: document,
			Attrs: attrs(
				[2]any{"kind", payload.Kind},
				[2]any{"uri", payload.URI},
			),
		}},
		Edges: []EdgeUpsert{
			{From: document, To: unit, Type: graph.EdgeHomedAt},
		},
	}
	if payload.CaseID != "" {
		caseKey := graph.NodeKey{TenantID: env.TenantID, EntityType: graph.TypeCase, ExternalID: payload.CaseID}
		set.Edges = append(set.Edges, EdgeUpsert{From: document, To: caseKey, Type: graph.EdgeAttachedTo})
	} else if payload.LeaseID != "" {
		lease := graph.NodeKey{TenantID: env.TenantID, EntityType: graph.TypeLease, ExternalID: payload.LeaseID}
		set.Edges = append(set.Edges, EdgeUpsert{From: document, To: lease, Type: graph.EdgeAttachedTo})
	}
	return set, nil
}

func buildRetire(env Envelope, p Payload) (MutationSet, error) {
	payload := p.(*DeletedPayload)
	return MutationSet{
		Nodes: []NodeUpsert{{
			Key:    payload.EntityKey(env.TenantID),
			Attrs:  attrs([2]any{"retire_reason", payload.Reason}),
			Retire: true,
		}},
	}, nil
}
