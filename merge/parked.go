package merge

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/lodgic/graphsync/deadletter"
	"github.com/lodgic/graphsync/errors"
	"github.com/lodgic/graphsync/event"
)

// parkedEdge is an edge waiting for a missing endpoint, retried on a backoff
// schedule until the endpoint materializes or retries run out
type parkedEdge struct {
	edge     event.EdgeUpsert
	ev       *event.Event
	raw      []byte
	attempts int
	timer    *time.Timer
}

func parkKeyOf(edge event.EdgeUpsert) string {
	return fmt.Sprintf("%s|%s|%s", edge.From.String(), edge.Type, edge.To.String())
}

// parkingLot holds parked edges and drives their retries
type parkingLot struct {
	engine *Engine

	mu     sync.Mutex
	edges  map[string]*parkedEdge
	closed bool
}

func newParkingLot(engine *Engine) *parkingLot {
	return &parkingLot{engine: engine, edges: make(map[string]*parkedEdge)}
}

func (l *parkingLot) park(edge event.EdgeUpsert, ev *event.Event, raw []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	key := parkKeyOf(edge)
	if _, exists := l.edges[key]; exists {
		return
	}

	p := &parkedEdge{edge: edge, ev: ev, raw: raw}
	p.timer = time.AfterFunc(l.engine.options.ParkDelay, func() {
		l.retry(key)
	})
	l.edges[key] = p
	l.engine.parkedGauge.Set(float64(len(l.edges)))

	l.engine.logger.Info("edge parked pending endpoint",
		"from", edge.From.String(), "to", edge.To.String(), "edgeType", edge.Type)
}

func (l *parkingLot) retry(key string) {
	l.mu.Lock()
	p, exists := l.edges[key]
	if !exists || l.closed {
		l.mu.Unlock()
		return
	}
	p.attempts++
	attempts := p.attempts
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := l.engine.applyEdge(ctx, p.edge)
	if err == nil {
		l.remove(key)
		l.engine.logger.Info("parked edge applied",
			"from", p.edge.From.String(), "to", p.edge.To.String(), "edgeType", p.edge.Type, "attempts", attempts)
		return
	}

	if !stderrors.Is(err, errors.ErrMissingEndpoint) {
		l.engine.logger.Warn("parked edge retry failed",
			"from", p.edge.From.String(), "to", p.edge.To.String(), "error", err)
	}

	if attempts >= l.engine.options.ParkRetries {
		l.remove(key)
		l.engine.deadLetter(ctx, p.ev, p.raw, deadletter.ReasonMissingReferencedNode,
			fmt.Sprintf("edge %s -> %s (%s) endpoint never materialized after %d retries",
				p.edge.From.String(), p.edge.To.String(), p.edge.Type, attempts), attempts)
		return
	}

	// Exponential backoff between retries.
	delay := l.engine.options.ParkDelay << attempts
	l.mu.Lock()
	if !l.closed {
		if current, still := l.edges[key]; still {
			current.timer = time.AfterFunc(delay, func() {
				l.retry(key)
			})
		}
	}
	l.mu.Unlock()
}

func (l *parkingLot) remove(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, exists := l.edges[key]; exists {
		p.timer.Stop()
		delete(l.edges, key)
		l.engine.parkedGauge.Set(float64(len(l.edges)))
	}
}

func (l *parkingLot) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.edges)
}

func (l *parkingLot) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for key, p := range l.edges {
		p.timer.Stop()
		delete(l.edges, key)
	}
}
