package query

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/lodgic/graphsync/errors"
	"github.com/lodgic/graphsync/graph"
	"github.com/lodgic/graphsync/metric"
	"github.com/lodgic/graphsync/pkg/cache"
	"github.com/lodgic/graphsync/store"
	"github.com/lodgic/graphsync/tracker"
)

// Options configure the query service
type Options struct {
	// MaxDepth bounds path traversals
	MaxDepth int
	// MaxResults bounds list-shaped templates
	MaxResults int
	// CacheSize is the node cache capacity
	CacheSize int
	// CacheTTL bounds how long a cached node may be served
	CacheTTL time.Duration
	// RateLimit and RateBurst bound query throughput; zero disables limiting
	RateLimit rate.Limit
	RateBurst int
	// Now is injectable for tests; defaults to time.Now
	Now func() time.Time
}

// DefaultOptions returns the production defaults
func DefaultOptions() Options {
	return Options{
		MaxDepth:   6,
		MaxResults: 200,
		CacheSize:  4096,
		CacheTTL:   2 * time.Second,
		RateLimit:  200,
		RateBurst:  50,
	}
}

type cachedNode struct {
	node     *graph.ProjectedNode
	cachedAt time.Time
}

// Service executes query templates against the graph store
type Service struct {
	store    store.GraphStore
	progress *tracker.Tracker
	options  Options
	logger   *slog.Logger
	nodes    *cache.LRU[cachedNode]
	limiter  *rate.Limiter

	queriesTotal *prometheus.CounterVec
	queryErrors  *prometheus.CounterVec
	duration     prometheus.Histogram
}

// NewService creates a query service
func NewService(graphStore store.GraphStore, progress *tracker.Tracker, options Options, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultOptions()
	if options.MaxDepth <= 0 {
		options.MaxDepth = defaults.MaxDepth
	}
	if options.MaxResults <= 0 {
		options.MaxResults = defaults.MaxResults
	}
	if options.CacheSize <= 0 {
		options.CacheSize = defaults.CacheSize
	}
	if options.CacheTTL <= 0 {
		options.CacheTTL = defaults.CacheTTL
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	nodes, err := cache.NewLRU[cachedNode](options.CacheSize)
	if err != nil {
		return nil, errors.WrapFatal(err, "QueryService", "NewService", "create node cache")
	}

	var limiter *rate.Limiter
	if options.RateLimit > 0 {
		burst := options.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(options.RateLimit, burst)
	}

	return &Service{
		store:    graphStore,
		progress: progress,
		options:  options,
		logger:   logger,
		nodes:    nodes,
		limiter:  limiter,

		queriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graphsync_query_total",
			Help: "Executed queries by template",
		}, []string{"template"}),
		queryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graphsync_query_errors_total",
			Help: "Failed queries by template",
		}, []string{"template"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "graphsync_query_duration_seconds",
			Help:    "Query execution latency",
			Buckets: prometheus.DefBuckets,
		}),
	}, nil
}

// RegisterMetrics attaches the service's collectors to a registry
func (s *Service) RegisterMetrics(registry *metric.Registry) error {
	if err := registry.RegisterCounterVec("query", "total", s.queriesTotal); err != nil {
		return err
	}
	if err := registry.RegisterCounterVec("query", "errors_total", s.queryErrors); err != nil {
		return err
	}
	return registry.RegisterHistogram("query", "duration_seconds", s.duration)
}

// Execute runs one templated query
func (s *Service) Execute(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()
	result, err := s.execute(ctx, req)
	s.duration.Observe(time.Since(started).Seconds())
	s.queriesTotal.WithLabelValues(string(req.Template)).Inc()
	if err != nil {
		s.queryErrors.WithLabelValues(string(req.Template)).Inc()
		s.logger.Debug("query failed", "template", req.Template, "tenant", req.TenantID, "error", err)
	}
	return result, err
}

func (s *Service) execute(ctx context.Context, req Request) (*Result, error) {
	if req.TenantID == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingTenant, "QueryService", "Execute", "tenant check")
	}
	if s.limiter != nil && !s.limiter.Allow() {
		return nil, errors.WrapTransient(errors.ErrRateLimited, "QueryService", "Execute", "admission")
	}

	result, err := s.dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	result.collectEvidence()
	return result, nil
}

func (s *Service) dispatch(ctx context.Context, req Request) (*Result, error) {
	switch req.Template {
	case TemplateNodeByID:
		return s.nodeByID(ctx, req)
	case TemplateNodesByType:
		return s.nodesByType(ctx, req)
	case TemplateEdgesFrom:
		return s.edgesFrom(ctx, req)
	case TemplateIncomingTo:
		return s.incomingTo(ctx, req)
	case TemplateAnchorOf:
		return s.anchorOf(ctx, req)
	case TemplateRollupForAnchor:
		return s.rollupForAnchor(ctx, req)
	case TemplatePathBetween:
		return s.pathBetween(ctx, req)
	case TemplateRecentlySynced:
		return s.recentlySynced(ctx, req)
	default:
		return nil, errors.WrapInvalid(errors.ErrUnknownTemplate, "QueryService", "Execute", "template "+string(req.Template))
	}
}

// getNode fetches a node through the TTL cache, enforcing tenant scope
func (s *Service) getNode(ctx context.Context, tenantID string, key graph.NodeKey) (*graph.ProjectedNode, error) {
	if key.TenantID != tenantID {
		return nil, errors.WrapInvalid(errors.ErrTenantMismatch, "QueryService", "getNode", "key "+key.String())
	}

	canonical := key.String()
	if entry, ok := s.nodes.Get(canonical); ok {
		if s.options.Now().Sub(entry.cachedAt) < s.options.CacheTTL {
			return entry.node, nil
		}
		s.nodes.Delete(canonical)
	}

	node, err := s.store.GetNode(ctx, key)
	if err != nil {
		return nil, err
	}
	if node.TenantID != tenantID {
		// The store should make this impossible; treat it as absence.
		return nil, errors.ErrNodeNotFound
	}

	if _, err := s.nodes.Set(canonical, cachedNode{node: node, cachedAt: s.options.Now()}); err != nil {
		return nil, err
	}
	return node, nil
}

func (s *Service) staleFor(tenantID string, entityTypes ...graph.EntityType) bool {
	if s.progress == nil {
		return false
	}
	for _, entityType := range entityTypes {
		if s.progress.Stale(tenantID, entityType) {
			return true
		}
	}
	return false
}

func (s *Service) nodeByID(ctx context.Context, req Request) (*Result, error) {
	key, err := req.nodeKeyParams("entityType", "externalId")
	if err != nil {
		return nil, err
	}
	node, err := s.getNode(ctx, req.TenantID, key)
	if err != nil {
		return nil, err
	}
	return &Result{
		Template: req.Template,
		Nodes:    []graph.ProjectedNode{*node},
		Stale:    s.staleFor(req.TenantID, key.EntityType),
	}, nil
}

func (s *Service) nodesByType(ctx context.Context, req Request) (*Result, error) {
	entityType, err := req.entityTypeParam("entityType")
	if err != nil {
		return nil, err
	}
	limit, err := req.intParam("limit", s.options.MaxResults, s.options.MaxResults)
	if err != nil {
		return nil, err
	}
	includeRetired := req.optionalParam("includeRetired", "false") == "true"

	prefix := graph.TypePrefix(req.TenantID, entityType)
	keys, err := s.store.ListNodeKeys(ctx, prefix)
	if err != nil {
		return nil, err
	}

	result := &Result{Template: req.Template, Stale: s.staleFor(req.TenantID, entityType)}
	for _, canonical := range keys {
		if len(result.Nodes) >= limit {
			break
		}
		key, err := graph.ParseKey(canonical)
		if err != nil {
			continue
		}
		node, err := s.getNode(ctx, req.TenantID, key)
		if err != nil {
			if stderrors.Is(err, errors.ErrNodeNotFound) {
				continue
			}
			return nil, err
		}
		if node.Retired && !includeRetired {
			continue
		}
		result.Nodes = append(result.Nodes, *node)
	}
	return result, nil
}

func (s *Service) edgesFrom(ctx context.Context, req Request) (*Result, error) {
	key, err := req.nodeKeyParams("entityType", "externalId")
	if err != nil {
		return nil, err
	}
	node, err := s.getNode(ctx, req.TenantID, key)
	if err != nil {
		return nil, err
	}

	edges := node.Edges
	if edgeType := req.optionalParam("edgeType", ""); edgeType != "" {
		edges = node.EdgesOfType(graph.EdgeType(edgeType))
	}
	result := &Result{
		Template: req.Template,
		Edges:    edges,
		Stale:    s.staleFor(req.TenantID, key.EntityType),
	}
	result.addEvidence(key.String())
	return result, nil
}

func (s *Service) incomingTo(ctx context.Context, req Request) (*Result, error) {
	key, err := req.nodeKeyParams("entityType", "externalId")
	if err != nil {
		return nil, err
	}
	// The node must exist and belong to the tenant before its index is read.
	if _, err := s.getNode(ctx, req.TenantID, key); err != nil {
		return nil, err
	}

	index, err := s.store.GetIncoming(ctx, key)
	if err != nil {
		return nil, err
	}

	incoming := index.Incoming
	if edgeType := req.optionalParam("edgeType", ""); edgeType != "" {
		incoming = index.OfType(graph.EdgeType(edgeType))
	}
	result := &Result{
		Template: req.Template,
		Incoming: incoming,
		Stale:    s.staleFor(req.TenantID, key.EntityType),
	}
	result.addEvidence(key.String())
	return result, nil
}

// anchorOf resolves an operational node to its home unit through HOMED_AT
func (s *Service) anchorOf(ctx context.Context, req Request) (*Result, error) {
	key, err := req.nodeKeyParams("entityType", "externalId")
	if err != nil {
		return nil, err
	}
	if !key.EntityType.IsOperational() {
		return nil, errors.WrapInvalid(errors.ErrUnknownType, "QueryService", "anchorOf",
			fmt.Sprintf("%s nodes have no anchor", key.EntityType))
	}

	node, err := s.getNode(ctx, req.TenantID, key)
	if err != nil {
		return nil, err
	}

	anchors := node.EdgesOfType(graph.EdgeHomedAt)
	if len(anchors) == 0 {
		return nil, errors.WrapInvalid(errors.ErrMissingEndpoint, "QueryService", "anchorOf",
			"no anchor edge on "+key.String())
	}

	unit, err := s.getNode(ctx, req.TenantID, anchors[0].To)
	if err != nil {
		return nil, err
	}
	result := &Result{
		Template: req.Template,
		Nodes:    []graph.ProjectedNode{*unit},
		Stale:    s.staleFor(req.TenantID, key.EntityType, graph.TypeUnit),
	}
	result.addEvidence(key.String())
	return result, nil
}

// rollupForAnchor aggregates open operational state for a unit
func (s *Service) rollupForAnchor(ctx context.Context, req Request) (*Result, error) {
	unitID, err := req.param("unitId")
	if err != nil {
		return nil, err
	}
	unitKey := graph.NodeKey{TenantID: req.TenantID, EntityType: graph.TypeUnit, ExternalID: unitID}
	unit, err := s.getNode(ctx, req.TenantID, unitKey)
	if err != nil {
		return nil, err
	}

	index, err := s.store.GetIncoming(ctx, unitKey)
	if err != nil {
		return nil, err
	}

	rollup := &Rollup{Anchor: *unit}
	for _, in := range index.Incoming {
		node, err := s.getNode(ctx, req.TenantID, in.From)
		if err != nil {
			if stderrors.Is(err, errors.ErrNodeNotFound) {
				continue
			}
			return nil, err
		}

		switch {
		case in.Type == graph.EdgeLeaseOf:
			if !node.Retired {
				lease := *node
				rollup.ActiveLease = &lease
			}
		case in.Type == graph.EdgeHomedAt && node.EntityType == graph.TypeWorkOrder:
			if attrString(node, "status") != "completed" && !node.Retired {
				rollup.OpenWorkOrders = append(rollup.OpenWorkOrders, *node)
			}
		case in.Type == graph.EdgeHomedAt && node.EntityType == graph.TypeCase:
			if attrString(node, "status") != "closed" && !node.Retired {
				rollup.OpenCases = append(rollup.OpenCases, *node)
			}
		case in.Type == graph.EdgeHomedAt && node.EntityType == graph.TypeInvoice:
			status := attrString(node, "status")
			if status != "paid" && status != "voided" && !node.Retired {
				rollup.UnpaidInvoices = append(rollup.UnpaidInvoices, *node)
			}
		case in.Type == graph.EdgeHomedAt && node.EntityType == graph.TypeDocument:
			rollup.Documents = append(rollup.Documents, *node)
		}
	}

	return &Result{
		Template: req.Template,
		Rollup:   rollup,
		Stale: s.staleFor(req.TenantID, graph.TypeUnit, graph.TypeLease,
			graph.TypeWorkOrder, graph.TypeCase, graph.TypeInvoice, graph.TypeDocument),
	}, nil
}

func (s *Service) recentlySynced(ctx context.Context, req Request) (*Result, error) {
	limit, err := req.intParam("limit", 50, s.options.MaxResults)
	if err != nil {
		return nil, err
	}
	since, err := req.timeParam("since")
	if err != nil {
		return nil, err
	}

	prefix := graph.TenantPrefix(req.TenantID)
	var stale bool
	if entityTypeRaw := req.optionalParam("entityType", ""); entityTypeRaw != "" {
		entityType := graph.EntityType(entityTypeRaw)
		if !entityType.IsValid() {
			return nil, errors.WrapInvalid(errors.ErrUnknownType, "QueryService", "recentlySynced", "entity type "+entityTypeRaw)
		}
		prefix = graph.TypePrefix(req.TenantID, entityType)
		stale = s.staleFor(req.TenantID, entityType)
	} else {
		stale = s.staleFor(req.TenantID, graph.AllEntityTypes...)
	}

	keys, err := s.store.ListNodeKeys(ctx, prefix)
	if err != nil {
		return nil, err
	}

	var nodes []graph.ProjectedNode
	for _, canonical := range keys {
		key, err := graph.ParseKey(canonical)
		if err != nil {
			continue
		}
		node, err := s.getNode(ctx, req.TenantID, key)
		if err != nil {
			if stderrors.Is(err, errors.ErrNodeNotFound) {
				continue
			}
			return nil, err
		}
		if !since.IsZero() && node.SyncedAt.Before(since) {
			continue
		}
		nodes = append(nodes, *node)
	}

	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].SyncedAt.After(nodes[j].SyncedAt)
	})
	if len(nodes) > limit {
		nodes = nodes[:limit]
	}

	return &Result{Template: req.Template, Nodes: nodes, Stale: stale}, nil
}

func attrString(node *graph.ProjectedNode, name string) string {
	if value, ok := node.Attrs[name].(string); ok {
		return value
	}
	return ""
}
