package toolkit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodgic/graphsync/deadletter"
	"github.com/lodgic/graphsync/event"
	"github.com/lodgic/graphsync/graph"
	"github.com/lodgic/graphsync/merge"
	"github.com/lodgic/graphsync/query"
	"github.com/lodgic/graphsync/store"
)

func applyEvent(t *testing.T, engine *merge.Engine, eventType string, version uint64, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	raw, err := json.Marshal(event.Envelope{
		ID:        "evt",
		Type:      eventType,
		Version:   event.Version(version),
		Timestamp: time.Now().UTC(),
		TenantID:  "acme",
		Data:      data,
	})
	require.NoError(t, err)

	ev, err := event.NewDecoder(event.DefaultRegistry()).Decode(raw)
	require.NoError(t, err)
	outcome, err := engine.Apply(context.Background(), ev, raw, false)
	require.NoError(t, err)
	require.NotEqual(t, merge.OutcomeDeadLettered, outcome)
}

func newToolkit(t *testing.T) *Toolkit {
	t.Helper()
	graphStore := store.NewMemGraph()
	engine := merge.NewEngine(graphStore, event.DefaultRegistry(), deadletter.NewMemSink(), nil, merge.Options{}, nil)
	t.Cleanup(engine.Close)

	applyEvent(t, engine, "property.created", 1, event.PropertyPayload{PropertyID: "PR1", Name: "North"})
	applyEvent(t, engine, "unit.created", 1, event.UnitPayload{UnitID: "U1", PropertyID: "PR1", Label: "3B"})
	applyEvent(t, engine, "person.created", 1, event.PersonPayload{PersonID: "P1", Name: "Dana"})
	applyEvent(t, engine, "lease.created", 1, event.LeasePayload{
		LeaseID: "L1", UnitID: "U1", PersonID: "P1", Status: "active", StartDate: "2025-01-01",
	})
	applyEvent(t, engine, "lease.terminated", 2, event.LeasePayload{
		LeaseID: "L0", UnitID: "U1", StartDate: "2023-01-01", EndDate: "2024-12-31",
	})
	applyEvent(t, engine, "invoice.issued", 1, event.InvoicePayload{InvoiceID: "I1", UnitID: "U1", LeaseID: "L1", Amount: 950, Status: "open"})
	applyEvent(t, engine, "case.opened", 1, event.CasePayload{CaseID: "C1", UnitID: "U1", Status: "open", Severity: "high"})
	applyEvent(t, engine, "workorder.created", 1, event.WorkOrderPayload{WorkOrderID: "W1", UnitID: "U1", Status: "open"})

	svc, err := query.NewService(graphStore, nil, query.Options{RateLimit: 0}, nil)
	require.NoError(t, err)
	return New(svc, nil)
}

func TestEntityTimeline(t *testing.T) {
	tk := newToolkit(t)

	timeline, err := tk.EntityTimeline(context.Background(), "acme", graph.TypeUnit, "U1")
	require.NoError(t, err)

	assert.Equal(t, "acme.unit.U1", timeline.Subject)
	// Subject plus leases, invoice, case and workorder pointing at it.
	assert.GreaterOrEqual(t, len(timeline.Entries), 5)
	assert.Equal(t, len(timeline.Entries), len(timeline.Evidence))

	for i := 1; i < len(timeline.Entries); i++ {
		assert.False(t, timeline.Entries[i].SyncedAt.Before(timeline.Entries[i-1].SyncedAt))
	}
}

func TestEntityTimelineUnknownSubject(t *testing.T) {
	tk := newToolkit(t)
	_, err := tk.EntityTimeline(context.Background(), "acme", graph.TypeUnit, "U9")
	assert.Error(t, err)
}

func TestAnchorRollupEvidence(t *testing.T) {
	tk := newToolkit(t)

	report, err := tk.AnchorRollup(context.Background(), "acme", "U1")
	require.NoError(t, err)

	assert.Contains(t, report.Evidence, "acme.unit.U1")
	assert.Contains(t, report.Evidence, "acme.invoice.I1")
	require.NotNil(t, report.Rollup.ActiveLease)
	assert.Equal(t, "L1", report.Rollup.ActiveLease.ExternalID)
}

func TestRiskDrivers(t *testing.T) {
	tk := newToolkit(t)

	report, err := tk.RiskDrivers(context.Background(), "acme", "U1")
	require.NoError(t, err)
	assert.Equal(t, "acme.unit.U1", report.UnitKey)

	kinds := make(map[string]bool)
	for _, driver := range report.Drivers {
		kinds[driver.Kind] = true
		assert.NotEmpty(t, driver.Evidence)
	}
	assert.True(t, kinds["unpaid_invoice"])
	assert.True(t, kinds["open_severe_case"])
	assert.True(t, kinds["unassigned_workorder"])
	assert.False(t, kinds["no_active_lease"])
}

func TestUnitLeaseHistoryIncludesTerminated(t *testing.T) {
	tk := newToolkit(t)

	history, err := tk.UnitLeaseHistory(context.Background(), "acme", "U1")
	require.NoError(t, err)

	require.Len(t, history.Leases, 2)
	// Newest lease first.
	assert.Equal(t, "acme.lease.L1", history.Leases[0].Key)
	assert.False(t, history.Leases[0].Retired)
	assert.Equal(t, "acme.lease.L0", history.Leases[1].Key)
	assert.True(t, history.Leases[1].Retired)
	assert.Contains(t, history.Evidence, "acme.unit.U1")
}
