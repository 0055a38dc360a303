package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lodgic/graphsync/graph"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestTracker(clock *fakeClock) *Tracker {
	return New(Options{
		DegradedAfter: 30 * time.Second,
		StalledAfter:  5 * time.Minute,
		Now:           clock.Now,
	}, nil)
}

func TestHealthUnknownSliceIsHealthy(t *testing.T) {
	tr := newTestTracker(&fakeClock{now: time.Now()})

	h := tr.Health(graph.TypeLease)
	assert.Equal(t, StatusHealthy, h.Status)
	assert.Zero(t, h.LagSeconds)
}

func TestHealthDegradesThenStalls(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tr := newTestTracker(clock)

	tr.RecordMerge("acme", graph.TypeInvoice, 4, clock.now)
	assert.Equal(t, StatusHealthy, tr.Health(graph.TypeInvoice).Status)

	clock.advance(31 * time.Second)
	h := tr.Health(graph.TypeInvoice)
	assert.Equal(t, StatusDegraded, h.Status)
	assert.InDelta(t, 31, h.LagSeconds, 0.01)

	clock.advance(5 * time.Minute)
	assert.Equal(t, StatusStalled, tr.Health(graph.TypeInvoice).Status)
}

func TestHealthRecoversAfterMerge(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tr := newTestTracker(clock)

	tr.RecordMerge("acme", graph.TypeUnit, 1, clock.now)
	clock.advance(time.Minute)
	assert.Equal(t, StatusDegraded, tr.Health(graph.TypeUnit).Status)

	tr.RecordMerge("acme", graph.TypeUnit, 2, clock.now)
	assert.Equal(t, StatusHealthy, tr.Health(graph.TypeUnit).Status)
}

func TestHealthAggregatesWorstTenant(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tr := newTestTracker(clock)

	tr.RecordMerge("acme", graph.TypeCase, 9, clock.now)
	clock.advance(time.Minute)
	tr.RecordMerge("beta", graph.TypeCase, 2, clock.now)

	// acme is a minute behind, beta is current.
	assert.Equal(t, StatusDegraded, tr.Health(graph.TypeCase).Status)
	assert.Equal(t, StatusDegraded, tr.TenantHealth("acme", graph.TypeCase).Status)
	assert.Equal(t, StatusHealthy, tr.TenantHealth("beta", graph.TypeCase).Status)
}

func TestDeadLetterCountsSumAcrossTenants(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	tr := newTestTracker(clock)

	tr.RecordDeadLetter("acme", graph.TypePayment)
	tr.RecordDeadLetter("acme", graph.TypePayment)
	tr.RecordDeadLetter("beta", graph.TypePayment)

	assert.Equal(t, uint64(3), tr.Health(graph.TypePayment).DeadLetterCount)
	assert.Equal(t, uint64(2), tr.TenantHealth("acme", graph.TypePayment).DeadLetterCount)
}

func TestStaleFlag(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tr := newTestTracker(clock)

	tr.RecordMerge("acme", graph.TypeWorkOrder, 1, clock.now)
	assert.False(t, tr.Stale("acme", graph.TypeWorkOrder))

	clock.advance(time.Minute)
	assert.True(t, tr.Stale("acme", graph.TypeWorkOrder))
}

func TestVersionNeverRegresses(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	tr := newTestTracker(clock)

	tr.RecordMerge("acme", graph.TypeLease, 5, clock.now)
	tr.RecordMerge("acme", graph.TypeLease, 3, clock.now)

	assert.Equal(t, uint64(5), tr.TenantHealth("acme", graph.TypeLease).LastVersion)
}

func TestOverviewCoversAllTypes(t *testing.T) {
	tr := newTestTracker(&fakeClock{now: time.Now()})
	overview := tr.Overview()
	assert.Len(t, overview, len(graph.AllEntityTypes))
}
