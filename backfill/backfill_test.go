package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodgic/graphsync/deadletter"
	"github.com/lodgic/graphsync/event"
	"github.com/lodgic/graphsync/graph"
	"github.com/lodgic/graphsync/merge"
	"github.com/lodgic/graphsync/store"
	"github.com/lodgic/graphsync/tracker"
	"github.com/lodgic/graphsync/watermark"
)

func rawEnvelope(t *testing.T, eventType string, version uint64, payload any) []byte {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	raw, err := json.Marshal(event.Envelope{
		ID:        fmt.Sprintf("snap-%s-%d", eventType, version),
		Type:      eventType,
		Version:   event.Version(version),
		Timestamp: time.Now().UTC(),
		TenantID:  "acme",
		Data:      data,
	})
	require.NoError(t, err)
	return raw
}

func seedSource(t *testing.T) *MemSource {
	t.Helper()
	source := NewMemSource()
	source.Add(graph.TypeProperty, rawEnvelope(t, "property.created", 1, event.PropertyPayload{PropertyID: "PR1", Name: "North"}))
	source.Add(graph.TypeUnit, rawEnvelope(t, "unit.created", 1, event.UnitPayload{UnitID: "U1", PropertyID: "PR1", Label: "3B"}))
	source.Add(graph.TypeUnit, rawEnvelope(t, "unit.created", 1, event.UnitPayload{UnitID: "U2", PropertyID: "PR1", Label: "3C"}))
	source.Add(graph.TypeLease, rawEnvelope(t, "lease.created", 2, event.LeasePayload{LeaseID: "L1", UnitID: "U1", Status: "active"}))
	source.Add(graph.TypeInvoice, rawEnvelope(t, "invoice.issued", 1, event.InvoicePayload{InvoiceID: "I1", UnitID: "U1", LeaseID: "L1", Amount: 950}))
	source.Add(graph.TypePayment, rawEnvelope(t, "payment.succeeded", 1, event.PaymentPayload{PaymentID: "PAY1", InvoiceID: "I1", Amount: 950}))
	return source
}

func newLoader(t *testing.T, source Source, graphStore store.GraphStore, marks watermark.Store) *Loader {
	t.Helper()
	engine := merge.NewEngine(graphStore, event.DefaultRegistry(), deadletter.NewMemSink(), nil, merge.Options{}, nil)
	t.Cleanup(engine.Close)
	return NewLoader(source, event.NewDecoder(event.DefaultRegistry()), engine, marks,
		tracker.New(tracker.Options{}, nil), Options{ChunkSize: 2, Parallelism: 4}, nil)
}

func TestRunLoadsAllTypes(t *testing.T) {
	graphStore := store.NewMemGraph()
	marks := watermark.NewMemStore()
	loader := newLoader(t, seedSource(t), graphStore, marks)
	ctx := context.Background()

	stats, err := loader.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), stats.Loaded)
	assert.Equal(t, int64(0), stats.DeadLettered)
	assert.Equal(t, int64(2), stats.PerType[graph.TypeUnit])

	keys, err := graphStore.ListNodeKeys(ctx, "acme.")
	require.NoError(t, err)
	assert.Len(t, keys, 6)

	// Dependency ordering means edges never park during a clean snapshot.
	unit, err := graphStore.GetNode(ctx, graph.NodeKey{TenantID: "acme", EntityType: graph.TypeUnit, ExternalID: "U1"})
	require.NoError(t, err)
	assert.Len(t, unit.Edges, 1)
}

func TestRunSeedsWatermarks(t *testing.T) {
	marks := watermark.NewMemStore()
	loader := newLoader(t, seedSource(t), store.NewMemGraph(), marks)
	ctx := context.Background()

	_, err := loader.Run(ctx)
	require.NoError(t, err)

	wm, ok, err := marks.Get(ctx, "acme.lease.L1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), wm.Version)
}

func TestRunFailsOnBrokenSnapshot(t *testing.T) {
	source := NewMemSource()
	source.Add(graph.TypeProperty, []byte("not-json"))
	loader := newLoader(t, source, store.NewMemGraph(), watermark.NewMemStore())

	_, err := loader.Run(context.Background())
	assert.Error(t, err)
}

// Loading a snapshot and streaming the same events one at a time must land
// the graph in the same state.
func TestBackfillMatchesStreaming(t *testing.T) {
	ctx := context.Background()
	records := []struct {
		entityType graph.EntityType
		raw        []byte
	}{
		{graph.TypeProperty, rawEnvelope(t, "property.created", 1, event.PropertyPayload{PropertyID: "PR1", Name: "North"})},
		{graph.TypeUnit, rawEnvelope(t, "unit.created", 1, event.UnitPayload{UnitID: "U1", PropertyID: "PR1", Label: "3B"})},
		{graph.TypeLease, rawEnvelope(t, "lease.created", 1, event.LeasePayload{LeaseID: "L1", UnitID: "U1", Status: "active"})},
		{graph.TypeInvoice, rawEnvelope(t, "invoice.issued", 1, event.InvoicePayload{InvoiceID: "I1", UnitID: "U1", LeaseID: "L1", Amount: 950})},
	}

	// Backfill path.
	backfilled := store.NewMemGraph()
	source := NewMemSource()
	for _, rec := range records {
		source.Add(rec.entityType, rec.raw)
	}
	_, err := newLoader(t, source, backfilled, watermark.NewMemStore()).Run(ctx)
	require.NoError(t, err)

	// Streaming path.
	streamed := store.NewMemGraph()
	engine := merge.NewEngine(streamed, event.DefaultRegistry(), deadletter.NewMemSink(), nil, merge.Options{}, nil)
	t.Cleanup(engine.Close)
	decoder := event.NewDecoder(event.DefaultRegistry())
	for _, rec := range records {
		ev, err := decoder.Decode(rec.raw)
		require.NoError(t, err)
		_, err = engine.Apply(ctx, ev, rec.raw, false)
		require.NoError(t, err)
	}

	backfilledKeys, err := backfilled.ListNodeKeys(ctx, "")
	require.NoError(t, err)
	streamedKeys, err := streamed.ListNodeKeys(ctx, "")
	require.NoError(t, err)
	require.Equal(t, streamedKeys, backfilledKeys)

	for _, canonical := range backfilledKeys {
		key, err := graph.ParseKey(canonical)
		require.NoError(t, err)

		a, err := backfilled.GetNode(ctx, key)
		require.NoError(t, err)
		b, err := streamed.GetNode(ctx, key)
		require.NoError(t, err)

		assert.Equal(t, b.Version, a.Version, canonical)
		assert.Equal(t, b.Attrs, a.Attrs, canonical)
		assert.Equal(t, len(b.Edges), len(a.Edges), canonical)
	}
}
