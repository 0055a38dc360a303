package worker

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

// KeyedPool is a worker pool that routes each work item to a worker chosen by
// hashing the item's key. Items sharing a key are therefore processed by the
// same worker in submission order; items with different keys run in parallel.
type KeyedPool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error

	queues []chan T
	wg     *sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted int64
	processed int64
	failed    int64
	dropped   int64
}

// NewKeyedPool creates a pool of workers each owning a private queue
func NewKeyedPool[T any](workers, queueSize int, processor func(context.Context, T) error) *KeyedPool[T] {
	if workers <= 0 {
		workers = 8
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	queues := make([]chan T, workers)
	for i := range queues {
		queues[i] = make(chan T, queueSize)
	}

	return &KeyedPool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		queues:    queues,
	}
}

// Submit routes work to the worker owning the key's partition.
// Returns ErrQueueFull if that worker's queue is full.
func (p *KeyedPool[T]) Submit(key string, work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	h := fnv.New32a()
	h.Write([]byte(key))
	queue := p.queues[int(h.Sum32()%uint32(p.workers))]

	select {
	case queue <- work:
		atomic.AddInt64(&p.submitted, 1)
		return nil
	default:
		atomic.AddInt64(&p.dropped, 1)
		return ErrQueueFull
	}
}

// Start launches one goroutine per partition
func (p *KeyedPool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	p.wg = &sync.WaitGroup{}
	for _, queue := range p.queues {
		p.wg.Add(1)
		go p.run(ctx, queue)
	}

	p.started = true
	return nil
}

// Stop closes all partition queues and waits for workers to drain, up to timeout
func (p *KeyedPool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started || p.stopped {
		return nil
	}

	for _, queue := range p.queues {
		close(queue)
	}
	p.stopped = true

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics
func (p *KeyedPool[T]) Stats() PoolStats {
	depth := 0
	for _, queue := range p.queues {
		depth += len(queue)
	}
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: depth,
		Submitted:  atomic.LoadInt64(&p.submitted),
		Processed:  atomic.LoadInt64(&p.processed),
		Failed:     atomic.LoadInt64(&p.failed),
		Dropped:    atomic.LoadInt64(&p.dropped),
	}
}

func (p *KeyedPool[T]) run(ctx context.Context, work <-chan T) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-work:
			if !ok {
				return
			}
			if err := p.processor(ctx, item); err != nil {
				atomic.AddInt64(&p.failed, 1)
			}
			atomic.AddInt64(&p.processed, 1)
		}
	}
}
