// Package query executes read-side templates against the projected graph.
// Every template is tenant-scoped: the tenant id is a mandatory request
// field, keys are built from it, and results are filtered server-side so a
// query can never observe another tenant's slice.
package query

import (
	"strconv"
	"time"

	"github.com/lodgic/graphsync/errors"
	"github.com/lodgic/graphsync/graph"
)

// Template names a query in the closed catalogue. Free-form traversal is not
// offered; callers pick a template and bind parameters.
type Template string

const (
	// TemplateNodeByID fetches one node by entity type and external id
	TemplateNodeByID Template = "node_by_id"
	// TemplateNodesByType lists nodes of an entity type
	TemplateNodesByType Template = "nodes_by_type"
	// TemplateEdgesFrom lists a node's outgoing edges
	TemplateEdgesFrom Template = "edges_from"
	// TemplateIncomingTo lists edges pointing at a node
	TemplateIncomingTo Template = "incoming_to"
	// TemplateAnchorOf resolves an operational node to its home unit
	TemplateAnchorOf Template = "anchor_of"
	// TemplateRollupForAnchor summarizes open operational state for a unit
	TemplateRollupForAnchor Template = "rollup_for_anchor"
	// TemplatePathBetween finds a shortest path between two nodes
	TemplatePathBetween Template = "path_between"
	// TemplateRecentlySynced lists nodes by most recent merge time
	TemplateRecentlySynced Template = "recently_synced"
)

// Templates lists the full catalogue
var Templates = []Template{
	TemplateNodeByID, TemplateNodesByType, TemplateEdgesFrom, TemplateIncomingTo,
	TemplateAnchorOf, TemplateRollupForAnchor, TemplatePathBetween, TemplateRecentlySynced,
}

// Request is one templated query invocation
type Request struct {
	Template Template          `json:"template"`
	TenantID string            `json:"tenantId"`
	Params   map[string]string `json:"params,omitempty"`
}

// Rollup summarizes the operational state anchored at one unit
type Rollup struct {
	Anchor         graph.ProjectedNode   `json:"anchor"`
	ActiveLease    *graph.ProjectedNode  `json:"activeLease,omitempty"`
	OpenWorkOrders []graph.ProjectedNode `json:"openWorkOrders,omitempty"`
	OpenCases      []graph.ProjectedNode `json:"openCases,omitempty"`
	UnpaidInvoices []graph.ProjectedNode `json:"unpaidInvoices,omitempty"`
	Documents      []graph.ProjectedNode `json:"documents,omitempty"`
}

// Result is the outcome of a template execution. Which fields are populated
// depends on the template.
type Result struct {
	Template Template              `json:"template"`
	Nodes    []graph.ProjectedNode `json:"nodes,omitempty"`
	Edges    []graph.ProjectedEdge `json:"edges,omitempty"`
	Incoming []graph.IncomingEdge  `json:"incoming,omitempty"`
	Rollup   *Rollup               `json:"rollup,omitempty"`
	Path     []string              `json:"path,omitempty"`
	// Evidence lists the canonical keys of every node the answer was derived
	// from, in traversal order, so callers can cite what they report
	Evidence []string `json:"evidence,omitempty"`
	// Stale marks results whose entity types are lagging behind the source
	// of record per the consistency tracker
	Stale bool `json:"stale"`
}

// addEvidence appends keys not already cited, preserving order
func (r *Result) addEvidence(keys ...string) {
	for _, key := range keys {
		if key == "" {
			continue
		}
		cited := false
		for _, existing := range r.Evidence {
			if existing == key {
				cited = true
				break
			}
		}
		if !cited {
			r.Evidence = append(r.Evidence, key)
		}
	}
}

// collectEvidence cites every node populated into the result
func (r *Result) collectEvidence() {
	for i := range r.Nodes {
		r.addEvidence(r.Nodes[i].Key().String())
	}
	for _, edge := range r.Edges {
		r.addEvidence(edge.To.String())
	}
	for _, in := range r.Incoming {
		r.addEvidence(in.From.String())
	}
	if r.Rollup != nil {
		r.addEvidence(r.Rollup.Anchor.Key().String())
		if r.Rollup.ActiveLease != nil {
			r.addEvidence(r.Rollup.ActiveLease.Key().String())
		}
		for _, group := range [][]graph.ProjectedNode{
			r.Rollup.OpenWorkOrders, r.Rollup.OpenCases,
			r.Rollup.UnpaidInvoices, r.Rollup.Documents,
		} {
			for i := range group {
				r.addEvidence(group[i].Key().String())
			}
		}
	}
	r.addEvidence(r.Path...)
}

// param returns a required parameter or a typed missing-parameter error
func (r Request) param(name string) (string, error) {
	value, ok := r.Params[name]
	if !ok || value == "" {
		return "", errors.WrapInvalid(errors.ErrMissingParam, "QueryService", "bind", "parameter "+name)
	}
	return value, nil
}

// optionalParam returns a parameter or the fallback
func (r Request) optionalParam(name, fallback string) string {
	if value, ok := r.Params[name]; ok && value != "" {
		return value
	}
	return fallback
}

// intParam returns an optional integer parameter within [1, max]
func (r Request) intParam(name string, fallback, max int) (int, error) {
	raw, ok := r.Params[name]
	if !ok || raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 1 {
		return 0, errors.WrapInvalid(errors.ErrMissingParam, "QueryService", "bind", "integer parameter "+name)
	}
	if value > max {
		value = max
	}
	return value, nil
}

// timeParam returns an optional RFC3339 parameter
func (r Request) timeParam(name string) (time.Time, error) {
	raw, ok := r.Params[name]
	if !ok || raw == "" {
		return time.Time{}, nil
	}
	value, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.WrapInvalid(err, "QueryService", "bind", "timestamp parameter "+name)
	}
	return value, nil
}

// entityTypeParam returns a validated entity-type parameter
func (r Request) entityTypeParam(name string) (graph.EntityType, error) {
	raw, err := r.param(name)
	if err != nil {
		return "", err
	}
	entityType := graph.EntityType(raw)
	if !entityType.IsValid() {
		return "", errors.WrapInvalid(errors.ErrUnknownType, "QueryService", "bind", "entity type "+raw)
	}
	return entityType, nil
}

// nodeKeyParams builds a tenant-scoped key from entityType and externalId
// parameters, using the given prefix for the parameter names
func (r Request) nodeKeyParams(typeName, idName string) (graph.NodeKey, error) {
	entityType, err := r.entityTypeParam(typeName)
	if err != nil {
		return graph.NodeKey{}, err
	}
	externalID, err := r.param(idName)
	if err != nil {
		return graph.NodeKey{}, err
	}
	key := graph.NodeKey{TenantID: r.TenantID, EntityType: entityType, ExternalID: externalID}
	if err := key.Validate(); err != nil {
		return graph.NodeKey{}, errors.WrapInvalid(err, "QueryService", "bind", "node key")
	}
	return key, nil
}
