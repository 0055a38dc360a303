// Package merge applies decoded events to the projected graph. Nodes are
// written before edges, node writes are monotonic no-ops for stale versions,
// edges referencing absent endpoints are parked and retried, and events that
// cannot be applied are routed to the dead-letter sink with a reason.
package merge

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lodgic/graphsync/deadletter"
	"github.com/lodgic/graphsync/errors"
	"github.com/lodgic/graphsync/event"
	"github.com/lodgic/graphsync/graph"
	"github.com/lodgic/graphsync/metric"
	"github.com/lodgic/graphsync/pkg/retry"
	"github.com/lodgic/graphsync/store"
	"github.com/lodgic/graphsync/tracker"
)

// Outcome reports how an event was handled
type Outcome int

const (
	// OutcomeApplied means the graph changed
	OutcomeApplied Outcome = iota
	// OutcomeNoop means the stored version was already at or past the event
	OutcomeNoop
	// OutcomeDeadLettered means the event was terminally rejected
	OutcomeDeadLettered
)

// String returns the outcome name
func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeNoop:
		return "noop"
	case OutcomeDeadLettered:
		return "dead_lettered"
	default:
		return "unknown"
	}
}

// Options configure merge behavior
type Options struct {
	// ParkRetries is how many times a parked edge is retried before its
	// event is dead-lettered
	ParkRetries int
	// ParkDelay is the base delay between parked-edge retries; each retry
	// doubles it
	ParkDelay time.Duration
	// Retry governs transient store failures within one apply
	Retry retry.Config
	// Now is injectable for tests; defaults to time.Now
	Now func() time.Time
}

// DefaultOptions returns the production defaults
func DefaultOptions() Options {
	return Options{
		ParkRetries: 3,
		ParkDelay:   2 * time.Second,
		Retry: retry.Config{
			MaxAttempts:  5,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2.0,
			AddJitter:    true,
		},
	}
}

// Engine merges events into the graph store
type Engine struct {
	store    store.GraphStore
	registry *event.Registry
	sink     deadletter.Sink
	progress *tracker.Tracker
	options  Options
	logger   *slog.Logger

	parked *parkingLot

	appliedTotal *prometheus.CounterVec
	noopTotal    prometheus.Counter
	parkedGauge  prometheus.Gauge
}

// NewEngine creates a merge engine
func NewEngine(graphStore store.GraphStore, registry *event.Registry, sink deadletter.Sink,
	progress *tracker.Tracker, options Options, logger *slog.Logger) *Engine {

	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultOptions()
	if options.ParkRetries <= 0 {
		options.ParkRetries = defaults.ParkRetries
	}
	if options.ParkDelay <= 0 {
		options.ParkDelay = defaults.ParkDelay
	}
	if options.Retry.MaxAttempts == 0 {
		options.Retry = defaults.Retry
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	e := &Engine{
		store:    graphStore,
		registry: registry,
		sink:     sink,
		progress: progress,
		options:  options,
		logger:   logger,

		appliedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graphsync_merge_applied_total",
			Help: "Events merged into the graph by entity type",
		}, []string{"entity_type"}),
		noopTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graphsync_merge_noop_total",
			Help: "Events skipped because the stored version was already current",
		}),
		parkedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "graphsync_merge_parked_edges",
			Help: "Edges waiting for a missing endpoint to materialize",
		}),
	}
	e.parked = newParkingLot(e)
	return e
}

// RegisterMetrics attaches the engine's collectors to a registry
func (e *Engine) RegisterMetrics(registry *metric.Registry) error {
	if err := registry.RegisterCounterVec("merge", "applied_total", e.appliedTotal); err != nil {
		return err
	}
	if err := registry.RegisterCounter("merge", "noop_total", e.noopTotal); err != nil {
		return err
	}
	return registry.RegisterGauge("merge", "parked_edges", e.parkedGauge)
}

// Apply merges one event. raw is the original wire message for dead-letter
// records; pass nil to re-encode from the envelope. The caller serializes
// Apply per identity; distinct identities may run concurrently.
func (e *Engine) Apply(ctx context.Context, ev *event.Event, raw []byte, gapRepaired bool) (Outcome, error) {
	set, err := e.registry.Build(ev)
	if err != nil {
		e.deadLetter(ctx, ev, raw, deadletter.ReasonMergeError, err.Error(), 1)
		return OutcomeDeadLettered, nil
	}

	if err := checkTenant(ev.Envelope.TenantID, set); err != nil {
		e.logger.Error("tenant violation rejected",
			"eventId", ev.Envelope.ID, "eventType", ev.Envelope.Type, "tenant", ev.Envelope.TenantID, "error", err)
		e.deadLetter(ctx, ev, raw, deadletter.ReasonTenantViolation, err.Error(), 1)
		return OutcomeDeadLettered, nil
	}

	outcome := OutcomeNoop
	attempts := 0
	err = retry.Do(ctx, e.options.Retry, func() error {
		attempts++
		applied, err := e.applyNodes(ctx, ev, set, gapRepaired)
		if err != nil {
			if errors.IsTransient(err) {
				return err
			}
			return retry.NonRetryable(err)
		}
		if applied {
			outcome = OutcomeApplied
		}
		return nil
	})
	if err != nil {
		if errors.IsTransient(err) {
			e.deadLetter(ctx, ev, raw, deadletter.ReasonMergeTimeout, err.Error(), attempts)
		} else {
			e.deadLetter(ctx, ev, raw, deadletter.ReasonMergeError, err.Error(), attempts)
		}
		return OutcomeDeadLettered, nil
	}

	// Edges attach after all node writes so they never race their own
	// endpoints within one event.
	for _, edge := range set.Edges {
		if err := e.applyEdge(ctx, edge); err != nil {
			if stderrors.Is(err, errors.ErrMissingEndpoint) {
				e.parked.park(edge, ev, raw)
				continue
			}
			e.deadLetter(ctx, ev, raw, deadletter.ReasonMergeError, err.Error(), 1)
			return OutcomeDeadLettered, nil
		}
	}

	if outcome == OutcomeApplied {
		key := ev.Payload.EntityKey(ev.Envelope.TenantID)
		e.appliedTotal.WithLabelValues(string(key.EntityType)).Inc()
		if e.progress != nil {
			e.progress.RecordMerge(key.TenantID, key.EntityType, uint64(ev.Envelope.Version), ev.Envelope.Timestamp)
		}
	} else {
		e.noopTotal.Inc()
	}
	return outcome, nil
}

// applyNodes writes every node upsert; reports whether any write changed state
func (e *Engine) applyNodes(ctx context.Context, ev *event.Event, set event.MutationSet, gapRepaired bool) (bool, error) {
	version := uint64(ev.Envelope.Version)
	now := e.options.Now().UTC()
	applied := false

	for _, up := range set.Nodes {
		changed := false
		err := e.store.UpdateNode(ctx, up.Key, func(current *graph.ProjectedNode) (*graph.ProjectedNode, error) {
			if current == nil {
				current = &graph.ProjectedNode{
					TenantID:   up.Key.TenantID,
					EntityType: up.Key.EntityType,
					ExternalID: up.Key.ExternalID,
				}
			}
			// Replays and late arrivals must not regress state.
			if version <= current.Version {
				return current, nil
			}

			current.Version = version
			current.SyncedAt = now
			current.SetAttrs(up.Attrs)
			if up.Retire {
				current.Retired = true
			}
			if gapRepaired {
				current.GapRepaired = true
			}
			changed = true
			return current, nil
		})
		if err != nil {
			return applied, errors.WrapTransient(err, "MergeEngine", "applyNodes", "upsert node "+up.Key.String())
		}
		applied = applied || changed
	}
	return applied, nil
}

// applyEdge attaches one edge and maintains the reverse index. Returns
// errors.ErrMissingEndpoint when either endpoint is absent.
func (e *Engine) applyEdge(ctx context.Context, edge event.EdgeUpsert) error {
	now := e.options.Now().UTC()

	if _, err := e.store.GetNode(ctx, edge.From); err != nil {
		if stderrors.Is(err, errors.ErrNodeNotFound) {
			return fmt.Errorf("from %s: %w", edge.From.String(), errors.ErrMissingEndpoint)
		}
		return err
	}
	if _, err := e.store.GetNode(ctx, edge.To); err != nil {
		if stderrors.Is(err, errors.ErrNodeNotFound) {
			return fmt.Errorf("to %s: %w", edge.To.String(), errors.ErrMissingEndpoint)
		}
		return err
	}

	var displaced []graph.NodeKey
	err := e.store.UpdateNode(ctx, edge.From, func(current *graph.ProjectedNode) (*graph.ProjectedNode, error) {
		if current == nil {
			return nil, fmt.Errorf("from %s: %w", edge.From.String(), errors.ErrMissingEndpoint)
		}
		displaced = current.AddEdge(graph.ProjectedEdge{Type: edge.Type, To: edge.To, CreatedAt: now})
		return current, nil
	})
	if err != nil {
		return err
	}

	if err := e.store.UpdateIncoming(ctx, edge.To, func(current *graph.IncomingEdges) (*graph.IncomingEdges, error) {
		current.Add(graph.IncomingEdge{From: edge.From, Type: edge.Type, UpdatedAt: now})
		current.UpdatedAt = now
		return current, nil
	}); err != nil {
		return err
	}

	// An exclusive edge that moved leaves stale reverse-index entries on its
	// old targets; drop them so the old anchor no longer claims the node.
	for _, old := range displaced {
		if err := e.store.UpdateIncoming(ctx, old, func(current *graph.IncomingEdges) (*graph.IncomingEdges, error) {
			current.Remove(edge.From, edge.Type)
			return current, nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// checkTenant rejects mutation sets that touch any identity outside the
// event's tenant
func checkTenant(tenantID string, set event.MutationSet) error {
	for _, up := range set.Nodes {
		if up.Key.TenantID != tenantID {
			return fmt.Errorf("node %s outside tenant %s: %w", up.Key.String(), tenantID, errors.ErrTenantMismatch)
		}
	}
	for _, edge := range set.Edges {
		if edge.From.TenantID != tenantID {
			return fmt.Errorf("edge source %s outside tenant %s: %w", edge.From.String(), tenantID, errors.ErrTenantMismatch)
		}
		if edge.To.TenantID != tenantID {
			return fmt.Errorf("edge target %s outside tenant %s: %w", edge.To.String(), tenantID, errors.ErrTenantMismatch)
		}
	}
	return nil
}

// deadLetter routes an unappliable event to the sink. attempts is how many
// times the event was tried before giving up; it is recorded so operators can
// tell an immediate rejection from an exhausted retry.
func (e *Engine) deadLetter(ctx context.Context, ev *event.Event, raw []byte, reason deadletter.Reason, detail string, attempts int) {
	if raw == nil {
		raw, _ = json.Marshal(ev.Envelope)
	}
	rec := deadletter.NewRecord(reason, detail, raw)
	rec.TenantID = ev.Envelope.TenantID
	rec.EventID = ev.Envelope.ID
	rec.EventType = ev.Envelope.Type
	if attempts > rec.Attempts {
		rec.Attempts = attempts
	}

	if err := e.sink.Submit(ctx, rec); err != nil {
		e.logger.Error("dead-letter submit failed", "eventId", ev.Envelope.ID, "reason", reason, "error", err)
	}
	if e.progress != nil {
		key := ev.Payload.EntityKey(ev.Envelope.TenantID)
		e.progress.RecordDeadLetter(key.TenantID, key.EntityType)
	}
}

// ParkedCount returns how many edges are currently parked
func (e *Engine) ParkedCount() int {
	return e.parked.count()
}

// Close stops parked-edge retry timers
func (e *Engine) Close() {
	e.parked.close()
}
