// Package toolkit exposes agent-facing read tools over the query service.
// Every answer carries evidence: the canonical node keys it was derived
// from, plus a staleness flag from the consistency tracker, so downstream
// agents can cite and qualify what they report.
package toolkit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/lodgic/graphsync/errors"
	"github.com/lodgic/graphsync/graph"
	"github.com/lodgic/graphsync/query"
)

// Toolkit is the set of graph read tools offered to agents
type Toolkit struct {
	queries *query.Service
	logger  *slog.Logger
}

// New creates a toolkit over the query service
func New(queries *query.Service, logger *slog.Logger) *Toolkit {
	if logger == nil {
		logger = slog.Default()
	}
	return &Toolkit{queries: queries, logger: logger}
}

// TimelineEntry is one related entity in chronological order
type TimelineEntry struct {
	Key        string           `json:"key"`
	EntityType graph.EntityType `json:"entityType"`
	Relation   graph.EdgeType   `json:"relation,omitempty"`
	Attrs      map[string]any   `json:"attrs,omitempty"`
	SyncedAt   time.Time        `json:"syncedAt"`
	Version    uint64           `json:"version"`
	Retired    bool             `json:"retired,omitempty"`
}

// Timeline is the history of activity around one entity
type Timeline struct {
	Subject  string          `json:"subject"`
	Entries  []TimelineEntry `json:"entries"`
	Evidence []string        `json:"evidence"`
	Stale    bool            `json:"stale"`
}

// EntityTimeline lists the subject and everything pointing at it, ordered by
// sync time, so an agent can narrate what happened around an entity.
func (t *Toolkit) EntityTimeline(ctx context.Context, tenantID string, entityType graph.EntityType, externalID string) (*Timeline, error) {
	subject, err := t.queries.Execute(ctx, query.Request{
		Template: query.TemplateNodeByID,
		TenantID: tenantID,
		Params:   map[string]string{"entityType": string(entityType), "externalId": externalID},
	})
	if err != nil {
		return nil, err
	}

	incoming, err := t.queries.Execute(ctx, query.Request{
		Template: query.TemplateIncomingTo,
		TenantID: tenantID,
		Params:   map[string]string{"entityType": string(entityType), "externalId": externalID},
	})
	if err != nil {
		return nil, err
	}

	subjectNode := subject.Nodes[0]
	timeline := &Timeline{
		Subject: subjectNode.Key().String(),
		Stale:   subject.Stale || incoming.Stale,
	}
	timeline.Entries = append(timeline.Entries, TimelineEntry{
		Key:        subjectNode.Key().String(),
		EntityType: subjectNode.EntityType,
		Attrs:      subjectNode.Attrs,
		SyncedAt:   subjectNode.SyncedAt,
		Version:    subjectNode.Version,
		Retired:    subjectNode.Retired,
	})

	for _, in := range incoming.Incoming {
		related, err := t.queries.Execute(ctx, query.Request{
			Template: query.TemplateNodeByID,
			TenantID: tenantID,
			Params:   map[string]string{"entityType": string(in.From.EntityType), "externalId": in.From.ExternalID},
		})
		if err != nil {
			// Incoming entries can reference nodes that were since retired
			// and purged; skip rather than fail the whole timeline.
			continue
		}
		node := related.Nodes[0]
		timeline.Entries = append(timeline.Entries, TimelineEntry{
			Key:        node.Key().String(),
			EntityType: node.EntityType,
			Relation:   in.Type,
			Attrs:      node.Attrs,
			SyncedAt:   node.SyncedAt,
			Version:    node.Version,
			Retired:    node.Retired,
		})
		timeline.Stale = timeline.Stale || related.Stale
	}

	sort.Slice(timeline.Entries, func(i, j int) bool {
		return timeline.Entries[i].SyncedAt.Before(timeline.Entries[j].SyncedAt)
	})
	for _, entry := range timeline.Entries {
		timeline.Evidence = append(timeline.Evidence, entry.Key)
	}
	return timeline, nil
}

// RollupReport is an anchor rollup with evidence keys
type RollupReport struct {
	Rollup   query.Rollup `json:"rollup"`
	Evidence []string     `json:"evidence"`
	Stale    bool         `json:"stale"`
}

// AnchorRollup summarizes the open operational state homed at a unit
func (t *Toolkit) AnchorRollup(ctx context.Context, tenantID, unitID string) (*RollupReport, error) {
	result, err := t.queries.Execute(ctx, query.Request{
		Template: query.TemplateRollupForAnchor,
		TenantID: tenantID,
		Params:   map[string]string{"unitId": unitID},
	})
	if err != nil {
		return nil, err
	}

	report := &RollupReport{
		Rollup:   *result.Rollup,
		Evidence: result.Evidence,
		Stale:    result.Stale,
	}
	return report, nil
}

// RiskDriver is one contributor to a unit's operational risk
type RiskDriver struct {
	Kind     string   `json:"kind"`
	Detail   string   `json:"detail"`
	Evidence []string `json:"evidence"`
}

// RiskReport lists a unit's risk drivers with supporting evidence
type RiskReport struct {
	UnitKey string       `json:"unitKey"`
	Drivers []RiskDriver `json:"drivers"`
	Stale   bool         `json:"stale"`
}

// RiskDrivers derives risk signals for a unit from its rollup: unpaid
// billing, open high-severity cases, unassigned work, and gap-repaired
// projections that may be missing intermediate state.
func (t *Toolkit) RiskDrivers(ctx context.Context, tenantID, unitID string) (*RiskReport, error) {
	result, err := t.queries.Execute(ctx, query.Request{
		Template: query.TemplateRollupForAnchor,
		TenantID: tenantID,
		Params:   map[string]string{"unitId": unitID},
	})
	if err != nil {
		return nil, err
	}
	rollup := result.Rollup

	report := &RiskReport{UnitKey: rollup.Anchor.Key().String(), Stale: result.Stale}

	for _, invoice := range rollup.UnpaidInvoices {
		report.Drivers = append(report.Drivers, RiskDriver{
			Kind:     "unpaid_invoice",
			Detail:   fmt.Sprintf("invoice %s unpaid", invoice.ExternalID),
			Evidence: []string{invoice.Key().String()},
		})
	}
	for _, c := range rollup.OpenCases {
		if severity, _ := c.Attrs["severity"].(string); severity == "high" || severity == "critical" {
			report.Drivers = append(report.Drivers, RiskDriver{
				Kind:     "open_severe_case",
				Detail:   fmt.Sprintf("case %s open at severity %s", c.ExternalID, severity),
				Evidence: []string{c.Key().String()},
			})
		}
	}
	for _, wo := range rollup.OpenWorkOrders {
		driver := RiskDriver{
			Kind:     "open_workorder",
			Detail:   fmt.Sprintf("work order %s open", wo.ExternalID),
			Evidence: []string{wo.Key().String()},
		}
		if len(wo.EdgesOfType(graph.EdgeAssignedTo)) == 0 {
			driver.Kind = "unassigned_workorder"
			driver.Detail = fmt.Sprintf("work order %s open with no vendor assigned", wo.ExternalID)
		}
		report.Drivers = append(report.Drivers, driver)
	}
	if rollup.Anchor.GapRepaired {
		report.Drivers = append(report.Drivers, RiskDriver{
			Kind:     "gap_repaired_projection",
			Detail:   "unit projection was repaired past missing event versions",
			Evidence: []string{rollup.Anchor.Key().String()},
		})
	}
	if rollup.ActiveLease == nil {
		report.Drivers = append(report.Drivers, RiskDriver{
			Kind:     "no_active_lease",
			Detail:   "unit has no active lease",
			Evidence: []string{rollup.Anchor.Key().String()},
		})
	}
	return report, nil
}

// LeaseRecord is one lease in a unit's history
type LeaseRecord struct {
	Key       string         `json:"key"`
	Status    string         `json:"status,omitempty"`
	StartDate string         `json:"startDate,omitempty"`
	EndDate   string         `json:"endDate,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
	Retired   bool           `json:"retired"`
}

// LeaseHistory is the full lease record of one unit, newest first
type LeaseHistory struct {
	UnitKey  string        `json:"unitKey"`
	Leases   []LeaseRecord `json:"leases"`
	Evidence []string      `json:"evidence"`
	Stale    bool          `json:"stale"`
}

// UnitLeaseHistory lists every lease that has pointed at the unit, including
// terminated ones
func (t *Toolkit) UnitLeaseHistory(ctx context.Context, tenantID, unitID string) (*LeaseHistory, error) {
	incoming, err := t.queries.Execute(ctx, query.Request{
		Template: query.TemplateIncomingTo,
		TenantID: tenantID,
		Params:   map[string]string{"entityType": "unit", "externalId": unitID, "edgeType": string(graph.EdgeLeaseOf)},
	})
	if err != nil {
		return nil, err
	}

	unitKey := graph.NodeKey{TenantID: tenantID, EntityType: graph.TypeUnit, ExternalID: unitID}
	// The query's evidence already cites the unit and every lease edge source.
	history := &LeaseHistory{
		UnitKey:  unitKey.String(),
		Evidence: incoming.Evidence,
		Stale:    incoming.Stale,
	}

	for _, in := range incoming.Incoming {
		if in.From.EntityType != graph.TypeLease {
			return nil, errors.WrapInvalid(errors.ErrUnknownType, "Toolkit", "UnitLeaseHistory",
				"unexpected lease edge source "+in.From.String())
		}
		lease, err := t.queries.Execute(ctx, query.Request{
			Template: query.TemplateNodeByID,
			TenantID: tenantID,
			Params:   map[string]string{"entityType": "lease", "externalId": in.From.ExternalID},
		})
		if err != nil {
			continue
		}
		node := lease.Nodes[0]
		history.Leases = append(history.Leases, LeaseRecord{
			Key:       node.Key().String(),
			Status:    attrString(node.Attrs, "status"),
			StartDate: attrString(node.Attrs, "start_date"),
			EndDate:   attrString(node.Attrs, "end_date"),
			Attrs:     node.Attrs,
			Retired:   node.Retired,
		})
		history.Stale = history.Stale || lease.Stale
	}

	sort.Slice(history.Leases, func(i, j int) bool {
		return history.Leases[i].StartDate > history.Leases[j].StartDate
	})
	return history, nil
}

func attrString(attrs map[string]any, name string) string {
	if value, ok := attrs[name].(string); ok {
		return value
	}
	return ""
}
