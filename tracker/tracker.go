// Package tracker maintains per-tenant, per-entity-type consistency state:
// the last merged version and timestamps, observed event-to-merge lag, and
// dead-letter counts. The query service reads it to flag stale results and
// the health endpoint reports it per entity type.
package tracker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lodgic/graphsync/graph"
	"github.com/lodgic/graphsync/metric"
)

// Status classifies how far behind the source of record a slice of the
// graph is
type Status string

const (
	// StatusHealthy means merges are keeping up with the event stream
	StatusHealthy Status = "healthy"
	// StatusDegraded means lag exceeds the degraded threshold
	StatusDegraded Status = "degraded"
	// StatusStalled means lag exceeds the stalled threshold
	StatusStalled Status = "stalled"
)

// Health is the consistency report for one entity type
type Health struct {
	Status          Status    `json:"status"`
	LagSeconds      float64   `json:"lagSeconds"`
	DeadLetterCount uint64    `json:"deadLetterCount"`
	LastMergeAt     time.Time `json:"lastMergeAt"`
	LastVersion     uint64    `json:"lastVersion"`
}

// Options configure health thresholds
type Options struct {
	// DegradedAfter is the lag beyond which status becomes degraded
	DegradedAfter time.Duration
	// StalledAfter is the lag beyond which status becomes stalled
	StalledAfter time.Duration
	// Now is injectable for tests; defaults to time.Now
	Now func() time.Time
}

// DefaultOptions returns the production thresholds
func DefaultOptions() Options {
	return Options{
		DegradedAfter: 30 * time.Second,
		StalledAfter:  5 * time.Minute,
	}
}

type slice struct {
	lastVersion     uint64
	lastEventTime   time.Time
	lastMergeAt     time.Time
	deadLetterCount uint64
}

type sliceKey struct {
	tenant     string
	entityType graph.EntityType
}

// Tracker records merge progress and derives consistency health
type Tracker struct {
	options Options
	logger  *slog.Logger

	mu     sync.RWMutex
	slices map[sliceKey]*slice

	lagGauge      *prometheus.GaugeVec
	mergesTotal   *prometheus.CounterVec
	deadLetters   *prometheus.CounterVec
	backfillGauge *prometheus.GaugeVec
}

// New creates a tracker with the given thresholds
func New(options Options, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultOptions()
	if options.DegradedAfter <= 0 {
		options.DegradedAfter = defaults.DegradedAfter
	}
	if options.StalledAfter <= 0 {
		options.StalledAfter = defaults.StalledAfter
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	return &Tracker{
		options: options,
		logger:  logger,
		slices:  make(map[sliceKey]*slice),

		lagGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "graphsync_tracker_lag_seconds",
			Help: "Event-to-merge lag observed at the last merge per entity type",
		}, []string{"entity_type"}),
		mergesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graphsync_tracker_merges_total",
			Help: "Merged events per entity type",
		}, []string{"entity_type"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graphsync_tracker_dead_letters_total",
			Help: "Dead-lettered events per entity type",
		}, []string{"entity_type"}),
		backfillGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "graphsync_tracker_backfill_progress",
			Help: "Backfill completion fraction per entity type",
		}, []string{"entity_type"}),
	}
}

// RegisterMetrics attaches the tracker's collectors to a registry
func (t *Tracker) RegisterMetrics(registry *metric.Registry) error {
	if err := registry.RegisterGaugeVec("tracker", "lag_seconds", t.lagGauge); err != nil {
		return err
	}
	if err := registry.RegisterCounterVec("tracker", "merges_total", t.mergesTotal); err != nil {
		return err
	}
	if err := registry.RegisterCounterVec("tracker", "dead_letters_total", t.deadLetters); err != nil {
		return err
	}
	return registry.RegisterGaugeVec("tracker", "backfill_progress", t.backfillGauge)
}

// RecordMerge notes a successful merge for the slice
func (t *Tracker) RecordMerge(tenant string, entityType graph.EntityType, version uint64, eventTime time.Time) {
	now := t.options.Now()

	t.mu.Lock()
	s := t.sliceFor(tenant, entityType)
	if version > s.lastVersion {
		s.lastVersion = version
	}
	if eventTime.After(s.lastEventTime) {
		s.lastEventTime = eventTime
	}
	s.lastMergeAt = now
	t.mu.Unlock()

	t.mergesTotal.WithLabelValues(string(entityType)).Inc()
	if !eventTime.IsZero() {
		t.lagGauge.WithLabelValues(string(entityType)).Set(now.Sub(eventTime).Seconds())
	}
}

// RecordDeadLetter notes a dead-lettered event for the slice
func (t *Tracker) RecordDeadLetter(tenant string, entityType graph.EntityType) {
	t.mu.Lock()
	t.sliceFor(tenant, entityType).deadLetterCount++
	t.mu.Unlock()

	t.deadLetters.WithLabelValues(string(entityType)).Inc()
}

// RecordBackfillProgress reports backfill completion for an entity type
func (t *Tracker) RecordBackfillProgress(entityType graph.EntityType, fraction float64) {
	t.backfillGauge.WithLabelValues(string(entityType)).Set(fraction)
}

// sliceFor returns the slice, creating it if needed. Callers hold t.mu.
func (t *Tracker) sliceFor(tenant string, entityType graph.EntityType) *slice {
	key := sliceKey{tenant: tenant, entityType: entityType}
	s, exists := t.slices[key]
	if !exists {
		s = &slice{}
		t.slices[key] = s
	}
	return s
}

// TenantHealth reports consistency for one tenant's slice of an entity type
func (t *Tracker) TenantHealth(tenant string, entityType graph.EntityType) Health {
	t.mu.RLock()
	s, exists := t.slices[sliceKey{tenant: tenant, entityType: entityType}]
	if !exists {
		t.mu.RUnlock()
		// Nothing observed yet. Absence of traffic is not a failure.
		return Health{Status: StatusHealthy}
	}
	snapshot := *s
	t.mu.RUnlock()

	return t.healthFrom(snapshot)
}

// Health reports consistency for an entity type across all tenants: the
// worst status and lag win, dead letters sum.
func (t *Tracker) Health(entityType graph.EntityType) Health {
	t.mu.RLock()
	defer t.mu.RUnlock()

	agg := Health{Status: StatusHealthy}
	for key, s := range t.slices {
		if key.entityType != entityType {
			continue
		}
		h := t.healthFrom(*s)
		agg.DeadLetterCount += h.DeadLetterCount
		if rank(h.Status) > rank(agg.Status) {
			agg.Status = h.Status
		}
		if h.LagSeconds > agg.LagSeconds {
			agg.LagSeconds = h.LagSeconds
		}
		if h.LastMergeAt.After(agg.LastMergeAt) {
			agg.LastMergeAt = h.LastMergeAt
		}
		if h.LastVersion > agg.LastVersion {
			agg.LastVersion = h.LastVersion
		}
	}
	return agg
}

func (t *Tracker) healthFrom(s slice) Health {
	h := Health{
		Status:          StatusHealthy,
		DeadLetterCount: s.deadLetterCount,
		LastMergeAt:     s.lastMergeAt,
		LastVersion:     s.lastVersion,
	}
	if s.lastEventTime.IsZero() {
		return h
	}

	lag := t.options.Now().Sub(s.lastEventTime)
	h.LagSeconds = lag.Seconds()
	switch {
	case lag >= t.options.StalledAfter:
		h.Status = StatusStalled
	case lag >= t.options.DegradedAfter:
		h.Status = StatusDegraded
	}
	return h
}

func rank(s Status) int {
	switch s {
	case StatusDegraded:
		return 1
	case StatusStalled:
		return 2
	default:
		return 0
	}
}

// Stale reports whether query results for the slice should carry a staleness
// flag
func (t *Tracker) Stale(tenant string, entityType graph.EntityType) bool {
	return t.TenantHealth(tenant, entityType).Status != StatusHealthy
}

// Overview returns health per entity type for the health endpoint
func (t *Tracker) Overview() map[graph.EntityType]Health {
	out := make(map[graph.EntityType]Health, len(graph.AllEntityTypes))
	for _, entityType := range graph.AllEntityTypes {
		out[entityType] = t.Health(entityType)
	}
	return out
}
