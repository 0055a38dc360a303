package ingest

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/lodgic/graphsync/deadletter"
	"github.com/lodgic/graphsync/event"
	"github.com/lodgic/graphsync/graph"
	"github.com/lodgic/graphsync/guard"
	"github.com/lodgic/graphsync/merge"
	"github.com/lodgic/graphsync/store"
	"github.com/lodgic/graphsync/tracker"
	"github.com/lodgic/graphsync/watermark"
)

type fixture struct {
	component *Component
	store     *store.MemGraph
	sink      *deadletter.MemSink
	marks     *watermark.MemStore
}

// newFixture wires a component without a NATS connection; tests feed raw
// deliveries through handleRaw the way the consumer callback would.
func newFixture(t *testing.T, gapWindow time.Duration) *fixture {
	t.Helper()
	graphStore := store.NewMemGraph()
	sink := deadletter.NewMemSink()
	marks := watermark.NewMemStore()

	engine := merge.NewEngine(graphStore, event.DefaultRegistry(), sink, nil, merge.Options{
		ParkRetries: 2,
		ParkDelay:   10 * time.Millisecond,
	}, nil)

	component := New(nil, event.NewDecoder(event.DefaultRegistry()), engine, marks, nil, sink, Options{
		Workers:      4,
		QueueSize:    64,
		Guard:        guard.Options{GapWindow: gapWindow, MaxBufferedPerKey: 8},
		ThrottleRate: 0,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, component.pool.Start(ctx))
	t.Cleanup(func() {
		_ = component.Stop()
		cancel()
	})

	return &fixture{component: component, store: graphStore, sink: sink, marks: marks}
}

func rawEvent(t *testing.T, eventType string, version uint64, payload any) []byte {
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
	return raw
}

type delivery struct {
	acked  atomic.Bool
	naked  atomic.Bool
	termed atomic.Bool
}

func (f *fixture) deliver(ctx context.Context, raw []byte) *delivery {
	d := &delivery{}
	f.component.handleRaw(ctx, raw,
		func() { d.acked.Store(true) },
		func() { d.naked.Store(true) },
		func() { d.termed.Store(true) },
	)
	return d
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond)
}

func TestPipelineMergesInOrderEvents(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	d1 := f.deliver(ctx, rawEvent(t, "property.created", 1, event.PropertyPayload{PropertyID: "PR1", Name: "North"}))
	waitFor(t, func() bool { return d1.acked.Load() })

	node, err := f.store.GetNode(ctx, graph.NodeKey{TenantID: "acme", EntityType: graph.TypeProperty, ExternalID: "PR1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), node.Version)

	wm, ok, err := f.marks.Get(ctx, "acme.property.PR1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), wm.Version)
}

func TestPipelineDiscardsDuplicates(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	raw := rawEvent(t, "property.created", 1, event.PropertyPayload{PropertyID: "PR1"})

	d1 := f.deliver(ctx, raw)
	waitFor(t, func() bool { return d1.acked.Load() })

	d2 := f.deliver(ctx, raw)
	waitFor(t, func() bool { return d2.acked.Load() })
	assert.Equal(t, uint64(0), f.sink.Count())
}

func TestPipelineReordersWithinGapWindow(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	ctx := context.Background()

	// v2 lands first and waits; v1 unblocks it.
	d2 := f.deliver(ctx, rawEvent(t, "property.updated", 2, event.PropertyPayload{PropertyID: "PR1", Name: "Two"}))
	d1 := f.deliver(ctx, rawEvent(t, "property.created", 1, event.PropertyPayload{PropertyID: "PR1", Name: "One"}))

	waitFor(t, func() bool { return d1.acked.Load() && d2.acked.Load() })

	node, err := f.store.GetNode(ctx, graph.NodeKey{TenantID: "acme", EntityType: graph.TypeProperty, ExternalID: "PR1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), node.Version)
	assert.Equal(t, "Two", node.Attrs["name"])
	assert.False(t, node.GapRepaired)
}

func TestPipelineRepairsExpiredGap(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)
	ctx := context.Background()

	d3 := f.deliver(ctx, rawEvent(t, "property.updated", 3, event.PropertyPayload{PropertyID: "PR1", Name: "Three"}))
	waitFor(t, func() bool { return d3.acked.Load() })

	node, err := f.store.GetNode(ctx, graph.NodeKey{TenantID: "acme", EntityType: graph.TypeProperty, ExternalID: "PR1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), node.Version)
	assert.True(t, node.GapRepaired)

	// The late predecessor is now a duplicate.
	d2 := f.deliver(ctx, rawEvent(t, "property.updated", 2, event.PropertyPayload{PropertyID: "PR1", Name: "Two"}))
	waitFor(t, func() bool { return d2.acked.Load() })
	assert.Equal(t, "Three", node.Attrs["name"])
}

func TestPipelineTermsSchemaViolations(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	d := f.deliver(ctx, []byte(`{"id":"evt","type":"lease.created","version":1,"data":{}}`))
	assert.True(t, d.termed.Load())
	assert.False(t, d.acked.Load())

	require.Equal(t, uint64(1), f.sink.Count())
	assert.Equal(t, deadletter.ReasonSchemaViolation, f.sink.Records()[0].Reason)
}

func TestThrottleEngagesBeforeStall(t *testing.T) {
	graphStore := store.NewMemGraph()
	sink := deadletter.NewMemSink()
	engine := merge.NewEngine(graphStore, event.DefaultRegistry(), sink, nil, merge.Options{}, nil)

	component := New(nil, event.NewDecoder(event.DefaultRegistry()), engine,
		watermark.NewMemStore(), nil, sink, Options{
			ThrottleRate:  10,
			ThrottleBurst: 2,
		}, nil)

	stalled := component.throttleFor(tracker.StatusStalled)
	require.NotNil(t, stalled)
	assert.Equal(t, rate.Limit(10), stalled.Limit())

	// A lagging slice slows down too, at the looser cap.
	degraded := component.throttleFor(tracker.StatusDegraded)
	require.NotNil(t, degraded)
	assert.Equal(t, rate.Limit(40), degraded.Limit())

	assert.Nil(t, component.throttleFor(tracker.StatusHealthy))
}

func TestThrottleDisabledWithoutRate(t *testing.T) {
	graphStore := store.NewMemGraph()
	sink := deadletter.NewMemSink()
	engine := merge.NewEngine(graphStore, event.DefaultRegistry(), sink, nil, merge.Options{}, nil)

	component := New(nil, event.NewDecoder(event.DefaultRegistry()), engine,
		watermark.NewMemStore(), nil, sink, Options{ThrottleRate: 0}, nil)

	assert.Nil(t, component.throttleFor(tracker.StatusStalled))
	assert.Nil(t, component.throttleFor(tracker.StatusDegraded))
}
