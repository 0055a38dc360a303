// Package ingest consumes change events from the JetStream event log and
// drives them through decode, the ordering guard, and the merge engine.
// Work is partitioned by entity identity so one entity's events apply in
// order while distinct entities merge in parallel.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/time/rate"

	"github.com/lodgic/graphsync/deadletter"
	"github.com/lodgic/graphsync/errors"
	"github.com/lodgic/graphsync/event"
	"github.com/lodgic/graphsync/guard"
	"github.com/lodgic/graphsync/merge"
	"github.com/lodgic/graphsync/natsclient"
	"github.com/lodgic/graphsync/pkg/worker"
	"github.com/lodgic/graphsync/tracker"
	"github.com/lodgic/graphsync/watermark"
)

// Options configure the ingest component
type Options struct {
	// StreamName and Subjects identify the change-event stream
	StreamName string
	Subjects   []string
	// Durable names the consumer so restarts resume from the last ack
	Durable string
	// Workers and QueueSize shape the keyed merge pool
	Workers   int
	QueueSize int
	// Guard configures gap handling
	Guard guard.Options
	// ThrottleRate bounds merge throughput while the graph is stalled;
	// zero disables throttling
	ThrottleRate  rate.Limit
	ThrottleBurst int
	// StopTimeout bounds graceful drain
	StopTimeout time.Duration
}

// DefaultOptions returns the production defaults
func DefaultOptions() Options {
	return Options{
		StreamName:    "GRAPH_EVENTS",
		Subjects:      []string{"events.>"},
		Durable:       "graphsync-ingest",
		Workers:       8,
		QueueSize:     1024,
		Guard:         guard.DefaultOptions(),
		ThrottleRate:  50,
		ThrottleBurst: 10,
		StopTimeout:   30 * time.Second,
	}
}

// task is one unit of merge work flowing through the keyed pool
type task struct {
	ev  *event.Event
	raw []byte
	ack func()
	nak func()
	// skipGuard marks events already sequenced by the guard (released
	// buffered events); they merge directly
	skipGuard   bool
	gapRepaired bool
}

// Component is the streaming ingest pipeline
type Component struct {
	client   *natsclient.Client
	decoder  *event.Decoder
	guard    *guard.Guard
	engine   *merge.Engine
	progress *tracker.Tracker
	sink     deadletter.Sink
	options  Options
	logger   *slog.Logger

	pool *worker.KeyedPool[task]
	// stalledThrottle caps merge throughput while a slice is stalled;
	// degradedThrottle is the looser cap applied while it is merely lagging
	stalledThrottle  *rate.Limiter
	degradedThrottle *rate.Limiter

	consumer   jetstream.Consumer
	consumeCtx jetstream.ConsumeContext
}

// New creates the ingest component. The guard is owned here so its release
// path can feed buffered events back into the keyed pool.
func New(client *natsclient.Client, decoder *event.Decoder, engine *merge.Engine,
	marks watermark.Store, progress *tracker.Tracker, sink deadletter.Sink,
	options Options, logger *slog.Logger) *Component {

	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultOptions()
	if options.StreamName == "" {
		options.StreamName = defaults.StreamName
	}
	if len(options.Subjects) == 0 {
		options.Subjects = defaults.Subjects
	}
	if options.Durable == "" {
		options.Durable = defaults.Durable
	}
	if options.Workers <= 0 {
		options.Workers = defaults.Workers
	}
	if options.QueueSize <= 0 {
		options.QueueSize = defaults.QueueSize
	}
	if options.StopTimeout <= 0 {
		options.StopTimeout = defaults.StopTimeout
	}

	c := &Component{
		client:   client,
		decoder:  decoder,
		engine:   engine,
		progress: progress,
		sink:     sink,
		options:  options,
		logger:   logger,
	}
	if options.ThrottleRate > 0 {
		burst := options.ThrottleBurst
		if burst <= 0 {
			burst = 1
		}
		c.stalledThrottle = rate.NewLimiter(options.ThrottleRate, burst)
		c.degradedThrottle = rate.NewLimiter(options.ThrottleRate*4, burst)
	}

	c.pool = worker.NewKeyedPool(options.Workers, options.QueueSize, c.processTask)
	c.guard = guard.New(marks, options.Guard, c.onRelease, logger)
	return c
}

// Guard exposes the ordering guard for metric registration
func (c *Component) Guard() *guard.Guard {
	return c.guard
}

// Initialize provisions the stream and durable consumer
func (c *Component) Initialize(ctx context.Context) error {
	_, err := c.client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:      c.options.StreamName,
		Subjects:  c.options.Subjects,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return errors.Wrap(err, "Ingest", "Initialize", "ensure stream")
	}

	consumer, err := c.client.EnsureConsumer(ctx, c.options.StreamName, jetstream.ConsumerConfig{
		Durable:       c.options.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxDeliver:    -1,
		AckWait:       time.Minute,
	})
	if err != nil {
		return errors.Wrap(err, "Ingest", "Initialize", "ensure consumer")
	}
	c.consumer = consumer
	return nil
}

// Start launches the merge pool and begins consuming
func (c *Component) Start(ctx context.Context) error {
	if c.consumer == nil {
		return errors.WrapFatal(errors.ErrNotStarted, "Ingest", "Start", "initialize first")
	}
	if err := c.pool.Start(ctx); err != nil {
		return errors.Wrap(err, "Ingest", "Start", "start merge pool")
	}

	consumeCtx, err := c.consumer.Consume(func(msg jetstream.Msg) {
		c.handleMessage(ctx, msg)
	})
	if err != nil {
		return errors.WrapTransient(err, "Ingest", "Start", "begin consuming")
	}
	c.consumeCtx = consumeCtx

	c.logger.Info("ingest started",
		"stream", c.options.StreamName, "durable", c.options.Durable, "workers", c.options.Workers)
	return nil
}

// handleMessage decodes a delivery and routes it to the keyed pool
func (c *Component) handleMessage(ctx context.Context, msg jetstream.Msg) {
	c.handleRaw(ctx, msg.Data(),
		func() { c.ackOrLog(msg.Ack, "ack") },
		func() { c.ackOrLog(msg.Nak, "nak") },
		func() { c.ackOrLog(msg.Term, "term") },
	)
}

func (c *Component) ackOrLog(fn func() error, kind string) {
	if err := fn(); err != nil {
		c.logger.Warn("message "+kind+" failed", "error", err)
	}
}

// handleRaw is the transport-independent entry point for one delivery
func (c *Component) handleRaw(ctx context.Context, raw []byte, ack, nak, term func()) {
	ev, err := c.decoder.Decode(raw)
	if err != nil {
		rec := deadletter.NewRecord(deadletter.ReasonSchemaViolation, err.Error(), raw)
		if submitErr := c.sink.Submit(ctx, rec); submitErr != nil {
			c.logger.Error("schema violation dead-letter failed", "error", submitErr)
			nak()
			return
		}
		c.logger.Error("event failed validation", "error", err)
		term()
		return
	}

	err = c.pool.Submit(ev.Key(), task{ev: ev, raw: raw, ack: ack, nak: nak})
	if err != nil {
		// Queue pressure; let the stream redeliver after backoff.
		nak()
	}
}

// throttleFor picks the limiter for the slice's health, if any. A stalled
// slice gets the hard cap; a degraded one gets the looser cap so merges slow
// down before the lag crosses the stall threshold.
func (c *Component) throttleFor(status tracker.Status) *rate.Limiter {
	switch status {
	case tracker.StatusStalled:
		return c.stalledThrottle
	case tracker.StatusDegraded:
		return c.degradedThrottle
	default:
		return nil
	}
}

// onRelease receives buffered events from the guard, already sequenced
func (c *Component) onRelease(items []guard.Buffered) {
	for _, item := range items {
		t := task{
			ev:          item.Event,
			ack:         item.Ack,
			skipGuard:   true,
			gapRepaired: item.GapRepaired,
		}
		if err := c.pool.Submit(item.Event.Key(), t); err != nil {
			// Left unacked; the stream redelivers it through the normal path.
			c.logger.Warn("released event dropped on full queue",
				"key", item.Event.Key(), "version", item.Event.Envelope.Version)
		}
	}
}

// processTask runs on a pool worker; tasks sharing an identity are serialized
func (c *Component) processTask(ctx context.Context, t task) error {
	key := t.ev.Key()

	if c.progress != nil {
		entityType := t.ev.Payload.EntityKey(t.ev.Envelope.TenantID).EntityType
		if limiter := c.throttleFor(c.progress.Health(entityType).Status); limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				c.safeNak(t)
				return err
			}
		}
	}

	if !t.skipGuard {
		decision, err := c.guard.Admit(ctx, t.ev, t.ack)
		if err != nil {
			c.safeNak(t)
			return err
		}
		switch decision {
		case guard.DecisionDiscard:
			c.safeAck(t)
			return nil
		case guard.DecisionBuffer:
			// The guard holds the ack until release.
			return nil
		}
	}

	outcome, err := c.engine.Apply(ctx, t.ev, t.raw, t.gapRepaired)
	if err != nil {
		c.safeNak(t)
		return err
	}

	// Dead-lettered events advance the watermark too: the event is
	// terminally handled and successors must not wait for it.
	if err := c.guard.Commit(ctx, key, uint64(t.ev.Envelope.Version), time.Now().UTC()); err != nil {
		c.logger.Warn("watermark commit failed", "key", key, "error", err)
		c.safeNak(t)
		return err
	}

	c.safeAck(t)
	if outcome == merge.OutcomeApplied {
		c.logger.Debug("event merged", "key", key, "version", t.ev.Envelope.Version)
	}
	return nil
}

func (c *Component) safeAck(t task) {
	if t.ack != nil {
		t.ack()
	}
}

func (c *Component) safeNak(t task) {
	if t.nak != nil {
		t.nak()
	}
}

// Stats reports pool throughput and guard backlog
func (c *Component) Stats() worker.PoolStats {
	return c.pool.Stats()
}

// Healthy reports whether the component is consuming
func (c *Component) Healthy() bool {
	return c.consumeCtx != nil && c.client != nil && c.client.IsConnected()
}

// Stop drains the pipeline: stop intake first, then let workers finish
func (c *Component) Stop() error {
	if c.consumeCtx != nil {
		c.consumeCtx.Stop()
	}
	c.guard.Close()

	if err := c.pool.Stop(c.options.StopTimeout); err != nil {
		return fmt.Errorf("ingest drain: %w", err)
	}
	c.engine.Close()
	c.logger.Info("ingest stopped")
	return nil
}
