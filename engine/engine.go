// Package engine wires the sync pipeline together: NATS connectivity, the
// KV-backed graph and watermark stores, the merge engine, the streaming
// ingest component, and the query/toolkit read surface, supervised under a
// single lifecycle with an HTTP admin endpoint.
package engine

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/lodgic/graphsync/backfill"
	"github.com/lodgic/graphsync/config"
	"github.com/lodgic/graphsync/deadletter"
	"github.com/lodgic/graphsync/errors"
	"github.com/lodgic/graphsync/event"
	"github.com/lodgic/graphsync/guard"
	"github.com/lodgic/graphsync/ingest"
	"github.com/lodgic/graphsync/merge"
	"github.com/lodgic/graphsync/metric"
	"github.com/lodgic/graphsync/natsclient"
	"github.com/lodgic/graphsync/query"
	"github.com/lodgic/graphsync/store"
	"github.com/lodgic/graphsync/toolkit"
	"github.com/lodgic/graphsync/tracker"
	"github.com/lodgic/graphsync/watermark"
)

// Engine is the composition root for the sync service
type Engine struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metric.Registry

	client     *natsclient.Client
	graphStore store.GraphStore
	marks      watermark.Store
	sink       deadletter.Sink
	progress   *tracker.Tracker
	merger     *merge.Engine
	pipeline   *ingest.Component
	queries    *query.Service
	tools      *toolkit.Toolkit

	httpServer *http.Server
}

// New creates an engine from validated configuration
func New(cfg config.Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:     cfg,
		logger:  logger,
		metrics: metric.NewRegistry(),
	}
}

// Initialize connects to NATS, provisions buckets and the event stream, and
// constructs every component. It must be called before Run or Backfill.
func (e *Engine) Initialize(ctx context.Context) error {
	client, err := natsclient.Connect(natsclient.Config{
		URL:            e.cfg.NATS.URL,
		Name:           e.cfg.NATS.Name,
		MaxReconnects:  e.cfg.NATS.MaxReconnects,
		ReconnectWait:  e.cfg.NATS.ReconnectWait.Std(),
		ConnectTimeout: e.cfg.NATS.ConnectTimeout.Std(),
	}, e.logger)
	if err != nil {
		return errors.Wrap(err, "Engine", "Initialize", "connect to nats")
	}
	e.client = client

	graphBucket, err := client.EnsureKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: e.cfg.Buckets.Graph,
	})
	if err != nil {
		return errors.Wrap(err, "Engine", "Initialize", "provision graph bucket")
	}
	markBucket, err := client.EnsureKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: e.cfg.Buckets.Watermarks,
	})
	if err != nil {
		return errors.Wrap(err, "Engine", "Initialize", "provision watermark bucket")
	}

	var mirror *natsclient.KVStore
	if e.cfg.Buckets.DeadLetter != "" {
		deadBucket, err := client.EnsureKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket: e.cfg.Buckets.DeadLetter,
		})
		if err != nil {
			return errors.Wrap(err, "Engine", "Initialize", "provision dead-letter bucket")
		}
		mirror = client.NewKVStore(deadBucket)
	}

	e.graphStore = store.NewKVGraph(client.NewKVStore(graphBucket))
	e.marks = watermark.NewKVStore(client.NewKVStore(markBucket))
	e.sink = deadletter.NewNATSSink(client, mirror, e.cfg.DeadLetterSubject, e.logger)

	e.progress = tracker.New(tracker.Options{
		DegradedAfter: e.cfg.Tracker.DegradedAfter.Std(),
		StalledAfter:  e.cfg.Tracker.StalledAfter.Std(),
	}, e.logger)

	registry := event.DefaultRegistry()
	e.merger = merge.NewEngine(e.graphStore, registry, e.sink, e.progress, merge.Options{
		ParkRetries: e.cfg.Merge.ParkRetries,
		ParkDelay:   e.cfg.Merge.ParkDelay.Std(),
	}, e.logger)

	e.pipeline = ingest.New(client, event.NewDecoder(registry), e.merger, e.marks,
		e.progress, e.sink, ingest.Options{
			StreamName: e.cfg.Ingest.StreamName,
			Subjects:   e.cfg.Ingest.Subjects,
			Durable:    e.cfg.Ingest.Durable,
			Workers:    e.cfg.Ingest.Workers,
			QueueSize:  e.cfg.Ingest.QueueSize,
			Guard: guard.Options{
				GapWindow:         e.cfg.Ingest.GapWindow.Std(),
				MaxBufferedPerKey: e.cfg.Ingest.MaxBufferedPerKey,
			},
			ThrottleRate:  rate.Limit(e.cfg.Ingest.ThrottleRate),
			ThrottleBurst: e.cfg.Ingest.ThrottleBurst,
			StopTimeout:   e.cfg.Ingest.StopTimeout.Std(),
		}, e.logger)

	queries, err := query.NewService(e.graphStore, e.progress, query.Options{
		MaxDepth:   e.cfg.Query.MaxDepth,
		MaxResults: e.cfg.Query.MaxResults,
		CacheSize:  e.cfg.Query.CacheSize,
		CacheTTL:   e.cfg.Query.CacheTTL.Std(),
		RateLimit:  rate.Limit(e.cfg.Query.RateLimit),
		RateBurst:  e.cfg.Query.RateBurst,
	}, e.logger)
	if err != nil {
		return errors.Wrap(err, "Engine", "Initialize", "create query service")
	}
	e.queries = queries
	e.tools = toolkit.New(queries, e.logger)

	if err := e.registerMetrics(); err != nil {
		return errors.Wrap(err, "Engine", "Initialize", "register metrics")
	}

	if err := e.pipeline.Initialize(ctx); err != nil {
		return err
	}

	e.logger.Info("engine initialized",
		"graph_bucket", e.cfg.Buckets.Graph,
		"watermark_bucket", e.cfg.Buckets.Watermarks,
		"stream", e.cfg.Ingest.StreamName)
	return nil
}

func (e *Engine) registerMetrics() error {
	if err := e.progress.RegisterMetrics(e.metrics); err != nil {
		return err
	}
	if err := e.merger.RegisterMetrics(e.metrics); err != nil {
		return err
	}
	if err := e.pipeline.Guard().RegisterMetrics(e.metrics); err != nil {
		return err
	}
	return e.queries.RegisterMetrics(e.metrics)
}

// Queries exposes the query service
func (e *Engine) Queries() *query.Service {
	return e.queries
}

// Toolkit exposes the agent toolkit
func (e *Engine) Toolkit() *toolkit.Toolkit {
	return e.tools
}

// Backfill loads a snapshot through the merge engine, seeding watermarks so
// streaming resumes without replaying snapshot state
func (e *Engine) Backfill(ctx context.Context, source backfill.Source) (backfill.Stats, error) {
	if e.merger == nil {
		return backfill.Stats{}, errors.WrapFatal(errors.ErrNotStarted, "Engine", "Backfill", "initialize first")
	}
	loader := backfill.NewLoader(source, event.NewDecoder(event.DefaultRegistry()), e.merger,
		e.marks, e.progress, backfill.Options{
			ChunkSize:   e.cfg.Backfill.ChunkSize,
			Parallelism: e.cfg.Backfill.Parallelism,
		}, e.logger)
	return loader.Run(ctx)
}

// Run starts the ingest pipeline and admin server, then blocks until the
// context is cancelled or a component fails. Shutdown drains ingest before
// stopping the admin surface.
func (e *Engine) Run(ctx context.Context) error {
	if e.pipeline == nil {
		return errors.WrapFatal(errors.ErrNotStarted, "Engine", "Run", "initialize first")
	}

	if err := e.pipeline.Start(ctx); err != nil {
		return err
	}

	e.httpServer = &http.Server{
		Addr:              e.cfg.HTTPAddr,
		Handler:           e.adminMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		e.logger.Info("admin server listening", "addr", e.cfg.HTTPAddr)
		if err := e.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.WrapFatal(err, "Engine", "Run", "admin server")
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		return e.shutdown()
	})

	return group.Wait()
}

func (e *Engine) shutdown() error {
	e.logger.Info("engine shutting down")

	// Stop intake and drain in-flight merges before the admin surface goes
	// away, so health stays observable through the drain.
	stopErr := e.pipeline.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.httpServer.Shutdown(shutdownCtx); err != nil {
		e.logger.Warn("admin server shutdown failed", "error", err)
	}

	if err := e.client.Close(); err != nil {
		e.logger.Warn("nats close failed", "error", err)
	}
	e.logger.Info("engine stopped")
	return stopErr
}
