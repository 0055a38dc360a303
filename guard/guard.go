// Package guard enforces per-entity idempotency and ordering before events
// reach the merge engine. Duplicates are discarded against the durable
// watermark, in-order events pass through, and out-of-order events wait in a
// bounded buffer for their predecessors before being applied with a
// gap-repaired mark.
package guard

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lodgic/graphsync/errors"
	"github.com/lodgic/graphsync/event"
	"github.com/lodgic/graphsync/metric"
	"github.com/lodgic/graphsync/watermark"
)

// Decision is the guard's verdict on an admitted event
type Decision int

const (
	// DecisionApply passes the event to the merge engine
	DecisionApply Decision = iota
	// DecisionDiscard drops the event as an already-applied duplicate
	DecisionDiscard
	// DecisionBuffer holds the event until its predecessor arrives or the
	// gap window expires
	DecisionBuffer
)

// String returns the decision name
func (d Decision) String() string {
	switch d {
	case DecisionApply:
		return "apply"
	case DecisionDiscard:
		return "discard"
	case DecisionBuffer:
		return "buffer"
	default:
		return "unknown"
	}
}

// Buffered is an event held back by the guard together with its delivery
// acknowledgement, released later by callback.
type Buffered struct {
	Event *event.Event
	Ack   func()
	// GapRepaired marks events released by window expiry rather than by
	// their predecessor arriving
	GapRepaired bool
}

// ReleaseFunc receives buffered events that are ready to merge, in version
// order. The callback must not call back into the guard synchronously.
type ReleaseFunc func(items []Buffered)

// Options configure guard behavior
type Options struct {
	// GapWindow is how long an out-of-order event waits for its predecessor
	GapWindow time.Duration
	// MaxBufferedPerKey caps the pending buffer per identity; overflow
	// releases the whole buffer immediately as gap-repaired
	MaxBufferedPerKey int
}

// DefaultOptions returns the production defaults
func DefaultOptions() Options {
	return Options{
		GapWindow:         5 * time.Second,
		MaxBufferedPerKey: 32,
	}
}

type pendingGap struct {
	items []Buffered
	timer *time.Timer
}

// Guard tracks per-identity version watermarks and sequences event admission
type Guard struct {
	marks   watermark.Store
	options Options
	release ReleaseFunc
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingGap
	closed  bool

	duplicatesDiscarded prometheus.Counter
	gapsBuffered        prometheus.Counter
	gapsRepaired        prometheus.Counter
}

// New creates a guard backed by the given watermark store. release is invoked
// from timer goroutines and from Commit when buffered successors come due.
func New(marks watermark.Store, options Options, release ReleaseFunc, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	if options.GapWindow <= 0 {
		options.GapWindow = DefaultOptions().GapWindow
	}
	if options.MaxBufferedPerKey <= 0 {
		options.MaxBufferedPerKey = DefaultOptions().MaxBufferedPerKey
	}

	return &Guard{
		marks:   marks,
		options: options,
		release: release,
		logger:  logger,
		pending: make(map[string]*pendingGap),

		duplicatesDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graphsync_guard_duplicates_discarded_total",
			Help: "Events discarded because their version was not newer than the watermark",
		}),
		gapsBuffered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graphsync_guard_gaps_buffered_total",
			Help: "Events buffered waiting for a missing predecessor",
		}),
		gapsRepaired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graphsync_guard_gaps_repaired_total",
			Help: "Buffered events applied after the gap window expired",
		}),
	}
}

// RegisterMetrics attaches the guard's counters to a registry
func (g *Guard) RegisterMetrics(registry *metric.Registry) error {
	if err := registry.RegisterCounter("guard", "duplicates_discarded_total", g.duplicatesDiscarded); err != nil {
		return err
	}
	if err := registry.RegisterCounter("guard", "gaps_buffered_total", g.gapsBuffered); err != nil {
		return err
	}
	return registry.RegisterCounter("guard", "gaps_repaired_total", g.gapsRepaired)
}

// Admit decides what to do with an event. Ordering within one identity is
// the caller's responsibility; the ingest pipeline partitions by key so
// Admit is never called concurrently for the same identity.
func (g *Guard) Admit(ctx context.Context, ev *event.Event, ack func()) (Decision, error) {
	key := ev.Key()
	version := uint64(ev.Envelope.Version)

	wm, exists, err := g.marks.Get(ctx, key)
	if err != nil {
		return DecisionBuffer, errors.WrapTransient(err, "Guard", "Admit", "read watermark "+key)
	}

	if exists && version <= wm.Version {
		g.duplicatesDiscarded.Inc()
		g.logger.Debug("duplicate discarded",
			"key", key, "version", version, "watermark", wm.Version)
		return DecisionDiscard, nil
	}

	expected := uint64(1)
	if exists {
		expected = wm.Version + 1
	}
	if version == expected {
		return DecisionApply, nil
	}

	// Version jumped past the expected successor. Hold it until the
	// predecessor arrives or the window closes.
	g.buffer(key, Buffered{Event: ev, Ack: ack})
	return DecisionBuffer, nil
}

func (g *Guard) buffer(key string, item Buffered) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return
	}

	gap, exists := g.pending[key]
	if !exists {
		gap = &pendingGap{}
		gap.timer = time.AfterFunc(g.options.GapWindow, func() {
			g.expire(key)
		})
		g.pending[key] = gap
	}

	gap.items = append(gap.items, item)
	sort.SliceStable(gap.items, func(i, j int) bool {
		return gap.items[i].Event.Envelope.Version < gap.items[j].Event.Envelope.Version
	})
	g.gapsBuffered.Inc()

	if len(gap.items) > g.options.MaxBufferedPerKey {
		gap.timer.Stop()
		items := gap.items
		delete(g.pending, key)
		g.logger.Warn("gap buffer overflow, releasing early",
			"key", key, "buffered", len(items))
		go g.releaseRepaired(key, items)
	}
}

// expire releases everything buffered for the key as gap-repaired
func (g *Guard) expire(key string) {
	g.mu.Lock()
	gap, exists := g.pending[key]
	if !exists {
		g.mu.Unlock()
		return
	}
	items := gap.items
	delete(g.pending, key)
	g.mu.Unlock()

	g.logger.Warn("gap window expired, applying with repair mark",
		"key", key, "buffered", len(items))
	g.releaseRepaired(key, items)
}

func (g *Guard) releaseRepaired(_ string, items []Buffered) {
	for i := range items {
		items[i].GapRepaired = true
	}
	g.gapsRepaired.Add(float64(len(items)))
	if g.release != nil {
		g.release(items)
	}
}

// Commit records a successful merge at the given version and releases any
// buffered successors that are now consecutive.
func (g *Guard) Commit(ctx context.Context, key string, version uint64, syncedAt time.Time) error {
	if err := g.marks.Put(ctx, key, watermark.Watermark{Version: version, SyncedAt: syncedAt}); err != nil {
		return errors.WrapTransient(err, "Guard", "Commit", "write watermark "+key)
	}

	g.mu.Lock()
	gap, exists := g.pending[key]
	if !exists {
		g.mu.Unlock()
		return nil
	}

	var ready []Buffered
	next := version + 1
	for len(gap.items) > 0 && uint64(gap.items[0].Event.Envelope.Version) == next {
		ready = append(ready, gap.items[0])
		gap.items = gap.items[1:]
		next++
	}
	if len(gap.items) == 0 {
		gap.timer.Stop()
		delete(g.pending, key)
	}
	g.mu.Unlock()

	if len(ready) > 0 && g.release != nil {
		go g.release(ready)
	}
	return nil
}

// PendingCount returns how many events are buffered across all identities
func (g *Guard) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	total := 0
	for _, gap := range g.pending {
		total += len(gap.items)
	}
	return total
}

// Close stops all gap timers. Buffered events are dropped unacked so the
// stream redelivers them on restart.
func (g *Guard) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	for key, gap := range g.pending {
		gap.timer.Stop()
		delete(g.pending, key)
	}
}
