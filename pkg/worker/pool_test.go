package worker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func partitionOf(key string, workers int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(workers))
}

func TestPoolProcessesAllWork(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[int]bool)

	pool := NewPool(4, 100, func(_ context.Context, n int) error {
		mu.Lock()
		seen[n] = true
		mu.Unlock()
		return nil
	})

	require.NoError(t, pool.Start(context.Background()))
	for i := 0; i < 50; i++ {
		require.NoError(t, pool.Submit(i))
	}
	require.NoError(t, pool.Stop(2*time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 50)
}

func TestPoolSubmitBeforeStart(t *testing.T) {
	pool := NewPool(1, 1, func(context.Context, int) error { return nil })
	assert.ErrorIs(t, pool.Submit(1), ErrPoolNotStarted)
}

func TestPoolSubmitAfterStop(t *testing.T) {
	pool := NewPool(1, 1, func(context.Context, int) error { return nil })
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Stop(time.Second))
	assert.ErrorIs(t, pool.Submit(1), ErrPoolStopped)
}

func TestPoolQueueFull(t *testing.T) {
	block := make(chan struct{})
	pool := NewPool(1, 1, func(_ context.Context, _ int) error {
		<-block
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))
	defer func() {
		close(block)
		pool.Stop(time.Second)
	}()

	// First item occupies the worker, second fills the queue.
	require.NoError(t, pool.Submit(1))
	// Allow the worker to pick up the first item.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, pool.Submit(2))
	assert.ErrorIs(t, pool.Submit(3), ErrQueueFull)
	assert.Equal(t, int64(1), pool.Stats().Dropped)
}

func TestPoolCountsFailures(t *testing.T) {
	pool := NewPool(2, 10, func(_ context.Context, n int) error {
		if n%2 == 0 {
			return errors.New("even numbers fail")
		}
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(i))
	}
	require.NoError(t, pool.Stop(2*time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(10), stats.Processed)
	assert.Equal(t, int64(5), stats.Failed)
}

func TestKeyedPoolPreservesPerKeyOrder(t *testing.T) {
	var mu sync.Mutex
	order := make(map[string][]int)

	pool := NewKeyedPool(4, 100, func(_ context.Context, item [2]any) error {
		key := item[0].(string)
		seq := item[1].(int)
		mu.Lock()
		order[key] = append(order[key], seq)
		mu.Unlock()
		return nil
	})

	require.NoError(t, pool.Start(context.Background()))

	keys := []string{"tnt_a.lease.1", "tnt_a.lease.2", "tnt_b.invoice.9"}
	for seq := 0; seq < 30; seq++ {
		for _, key := range keys {
			require.NoError(t, pool.Submit(key, [2]any{key, seq}))
		}
	}
	require.NoError(t, pool.Stop(2*time.Second))

	mu.Lock()
	defer mu.Unlock()
	for _, key := range keys {
		require.Len(t, order[key], 30, "key %s", key)
		for i, seq := range order[key] {
			assert.Equal(t, i, seq, "key %s out of order", key)
		}
	}
}

func TestKeyedPoolParallelAcrossKeys(t *testing.T) {
	started := make(chan string, 2)
	release := make(chan struct{})

	pool := NewKeyedPool(8, 10, func(_ context.Context, key string) error {
		started <- key
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))
	defer func() {
		close(release)
		pool.Stop(time.Second)
	}()

	// Find two keys that hash to different partitions.
	var keyA, keyB string
	for i := 0; ; i++ {
		a, b := "alpha", fmt.Sprintf("key-%d", i)
		if partitionOf(a, 8) != partitionOf(b, 8) {
			keyA, keyB = a, b
			break
		}
	}

	require.NoError(t, pool.Submit(keyA, keyA))
	require.NoError(t, pool.Submit(keyB, keyB))

	got := map[string]bool{}
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case key := <-started:
			got[key] = true
		case <-timeout:
			t.Fatal("keys did not run in parallel")
		}
	}
}

func TestKeyedPoolLifecycleErrors(t *testing.T) {
	pool := NewKeyedPool(1, 1, func(context.Context, int) error { return nil })
	assert.ErrorIs(t, pool.Submit("k", 1), ErrPoolNotStarted)
	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)
	require.NoError(t, pool.Stop(time.Second))
	assert.ErrorIs(t, pool.Submit("k", 1), ErrPoolStopped)
}
