package guard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodgic/graphsync/event"
	"github.com/lodgic/graphsync/watermark"
)

type releaseCollector struct {
	mu    sync.Mutex
	items []Buffered
}

func (c *releaseCollector) release(items []Buffered) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, items...)
}

func (c *releaseCollector) collected() []Buffered {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Buffered, len(c.items))
	copy(out, c.items)
	return out
}

func (c *releaseCollector) waitFor(t *testing.T, n int, timeout time.Duration) []Buffered {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if items := c.collected(); len(items) >= n {
			return items
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d released events, have %d", n, len(c.collected()))
	return nil
}

func leaseEvent(version uint64) *event.Event {
	return &event.Event{
		Envelope: event.Envelope{
			ID:       "evt",
			Type:     "lease.updated",
			Version:  event.Version(version),
			TenantID: "acme",
		},
		Type:    event.TypeLeaseUpdated,
		Payload: &event.LeasePayload{LeaseID: "L1", UnitID: "U1"},
	}
}

func newTestGuard(t *testing.T, window time.Duration) (*Guard, *releaseCollector, watermark.Store) {
	t.Helper()
	collector := &releaseCollector{}
	marks := watermark.NewMemStore()
	g := New(marks, Options{GapWindow: window, MaxBufferedPerKey: 4}, collector.release, nil)
	t.Cleanup(g.Close)
	return g, collector, marks
}

func TestAdmitFirstVersionApplies(t *testing.T) {
	g, _, _ := newTestGuard(t, time.Second)

	decision, err := g.Admit(context.Background(), leaseEvent(1), nil)
	require.NoError(t, err)
	assert.Equal(t, DecisionApply, decision)
}

func TestAdmitDuplicateDiscards(t *testing.T) {
	g, _, marks := newTestGuard(t, time.Second)
	ctx := context.Background()

	require.NoError(t, marks.Put(ctx, "acme.lease.L1", watermark.Watermark{Version: 3}))

	for _, version := range []uint64{1, 2, 3} {
		decision, err := g.Admit(ctx, leaseEvent(version), nil)
		require.NoError(t, err)
		assert.Equal(t, DecisionDiscard, decision, "version %d", version)
	}
}

func TestAdmitSuccessorApplies(t *testing.T) {
	g, _, marks := newTestGuard(t, time.Second)
	ctx := context.Background()

	require.NoError(t, marks.Put(ctx, "acme.lease.L1", watermark.Watermark{Version: 3}))

	decision, err := g.Admit(ctx, leaseEvent(4), nil)
	require.NoError(t, err)
	assert.Equal(t, DecisionApply, decision)
}

func TestGapBuffersUntilPredecessorCommits(t *testing.T) {
	g, collector, _ := newTestGuard(t, 10*time.Second)
	ctx := context.Background()

	// v3 arrives before v2.
	decision, err := g.Admit(ctx, leaseEvent(3), nil)
	require.NoError(t, err)
	assert.Equal(t, DecisionBuffer, decision)
	assert.Equal(t, 1, g.PendingCount())

	decision, err = g.Admit(ctx, leaseEvent(2), nil)
	require.NoError(t, err)
	assert.Equal(t, DecisionBuffer, decision)

	// v1 is in order; once it commits, v2 and v3 come due together.
	decision, err = g.Admit(ctx, leaseEvent(1), nil)
	require.NoError(t, err)
	assert.Equal(t, DecisionApply, decision)

	require.NoError(t, g.Commit(ctx, "acme.lease.L1", 1, time.Now()))

	released := collector.waitFor(t, 2, time.Second)
	require.Len(t, released, 2)
	assert.Equal(t, event.Version(2), released[0].Event.Envelope.Version)
	assert.Equal(t, event.Version(3), released[1].Event.Envelope.Version)
	assert.False(t, released[0].GapRepaired)
	assert.False(t, released[1].GapRepaired)
	assert.Equal(t, 0, g.PendingCount())
}

func TestGapWindowExpiryReleasesRepaired(t *testing.T) {
	g, collector, _ := newTestGuard(t, 30*time.Millisecond)
	ctx := context.Background()

	decision, err := g.Admit(ctx, leaseEvent(3), nil)
	require.NoError(t, err)
	assert.Equal(t, DecisionBuffer, decision)

	released := collector.waitFor(t, 1, time.Second)
	require.Len(t, released, 1)
	assert.Equal(t, event.Version(3), released[0].Event.Envelope.Version)
	assert.True(t, released[0].GapRepaired)
}

func TestLateEventAfterRepairDiscards(t *testing.T) {
	g, collector, _ := newTestGuard(t, 20*time.Millisecond)
	ctx := context.Background()

	_, err := g.Admit(ctx, leaseEvent(3), nil)
	require.NoError(t, err)
	collector.waitFor(t, 1, time.Second)

	// The pipeline merged v3 and committed the watermark.
	require.NoError(t, g.Commit(ctx, "acme.lease.L1", 3, time.Now()))

	decision, err := g.Admit(ctx, leaseEvent(2), nil)
	require.NoError(t, err)
	assert.Equal(t, DecisionDiscard, decision)
}

func TestBufferOverflowReleasesEarly(t *testing.T) {
	g, collector, _ := newTestGuard(t, 10*time.Second)
	ctx := context.Background()

	// MaxBufferedPerKey is 4; the fifth buffered event forces release.
	for version := uint64(3); version <= 7; version++ {
		_, err := g.Admit(ctx, leaseEvent(version), nil)
		require.NoError(t, err)
	}

	released := collector.waitFor(t, 5, time.Second)
	require.Len(t, released, 5)
	for _, item := range released {
		assert.True(t, item.GapRepaired)
	}
}

func TestCommitKeepsNonConsecutiveBuffered(t *testing.T) {
	g, _, _ := newTestGuard(t, 10*time.Second)
	ctx := context.Background()

	// v5 waits for v2 through v4 even after v1 commits.
	_, err := g.Admit(ctx, leaseEvent(5), nil)
	require.NoError(t, err)

	require.NoError(t, g.Commit(ctx, "acme.lease.L1", 1, time.Now()))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, g.PendingCount())
}
