package async

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/shardex/internal/errors"
)

func newTestPool(t *testing.T, workers int) *Pool {
	t.Helper()
	p, err := NewPool(workers)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Release(time.Second) })
	return p
}

func TestSerialQueue_RunsInOrder(t *testing.T) {
	// Given: a queue on a pool with spare workers
	q := NewSerialQueue("s-0", newTestPool(t, 4), 1000, BackpressureBlock)

	// When: many tasks are enqueued
	var mu sync.Mutex
	var got []int
	for i := 0; i < 500; i++ {
		i := i
		require.NoError(t, q.Enqueue(context.Background(), func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	require.NoError(t, q.Close(context.Background()))

	// Then: they ran in FIFO order
	require.Len(t, got, 500)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestSerialQueue_NeverRunsTwoTasksAtOnce(t *testing.T) {
	q := NewSerialQueue("s-0", newTestPool(t, 8), 64, BackpressureBlock)

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = q.Enqueue(context.Background(), func() {
					n := active.Add(1)
					for {
						m := maxActive.Load()
						if n <= m || maxActive.CompareAndSwap(m, n) {
							break
						}
					}
					time.Sleep(10 * time.Microsecond)
					active.Add(-1)
				})
			}
		}()
	}
	wg.Wait()
	require.NoError(t, q.Close(context.Background()))

	assert.Equal(t, int32(1), maxActive.Load())
}

func TestSerialQueue_QueuesShareOnePool(t *testing.T) {
	// Given: more queues than workers
	pool := newTestPool(t, 2)
	queues := make([]*SerialQueue, 6)
	for i := range queues {
		queues[i] = NewSerialQueue("q", pool, 100, BackpressureBlock)
	}

	// When: each queue receives work
	var done atomic.Int32
	for _, q := range queues {
		for i := 0; i < 100; i++ {
			require.NoError(t, q.Enqueue(context.Background(), func() { done.Add(1) }))
		}
	}
	for _, q := range queues {
		require.NoError(t, q.Close(context.Background()))
	}

	// Then: every task completed
	assert.Equal(t, int32(600), done.Load())
}

func TestSerialQueue_RejectWhenFull(t *testing.T) {
	q := NewSerialQueue("s-0", newTestPool(t, 1), 1, BackpressureReject)
	release := make(chan struct{})
	require.NoError(t, q.Enqueue(context.Background(), func() { <-release }))

	err := q.Enqueue(context.Background(), func() {})

	assert.ErrorIs(t, err, errors.Sentinel(errors.ErrCodeQueueFull))
	close(release)
	require.NoError(t, q.Close(context.Background()))
}

func TestSerialQueue_BlockHonorsContext(t *testing.T) {
	q := NewSerialQueue("s-0", newTestPool(t, 1), 1, BackpressureBlock)
	release := make(chan struct{})
	require.NoError(t, q.Enqueue(context.Background(), func() { <-release }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Enqueue(ctx, func() {})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
	require.NoError(t, q.Close(context.Background()))
}

func TestSerialQueue_PanicDoesNotStallQueue(t *testing.T) {
	q := NewSerialQueue("s-0", newTestPool(t, 1), 10, BackpressureBlock)
	ran := make(chan struct{})

	require.NoError(t, q.Enqueue(context.Background(), func() { panic("boom") }))
	require.NoError(t, q.Enqueue(context.Background(), func() { close(ran) }))

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("task after panic never ran")
	}
	require.NoError(t, q.Close(context.Background()))
}

func TestSerialQueue_ClosedRejects(t *testing.T) {
	q := NewSerialQueue("s-0", newTestPool(t, 1), 10, BackpressureBlock)
	require.NoError(t, q.Close(context.Background()))

	err := q.Enqueue(context.Background(), func() {})

	assert.ErrorIs(t, err, errors.Sentinel(errors.ErrCodePipelineClosed))
	assert.Equal(t, 0, q.Len())
}

func TestParseBackpressure(t *testing.T) {
	b, err := ParseBackpressure("reject")
	require.NoError(t, err)
	assert.Equal(t, BackpressureReject, b)

	b, err = ParseBackpressure("")
	require.NoError(t, err)
	assert.Equal(t, BackpressureBlock, b)

	_, err = ParseBackpressure("drop")
	assert.Error(t, err)
}

func TestStats_Snapshot(t *testing.T) {
	s := NewStats()
	s.BatchSubmitted()
	s.BatchSubmitted()
	s.ShardExecuted(10, 0, false)
	s.ShardExecuted(3, 2, true)
	s.BatchFinished(true)

	snap := s.Snapshot()

	assert.Equal(t, 2, snap.BatchesSubmitted)
	assert.Equal(t, 1, snap.BatchesCompleted)
	assert.Equal(t, 1, snap.BatchesFailed)
	assert.Equal(t, 1, snap.InFlight)
	assert.Equal(t, 13, snap.OpsApplied)
	assert.Equal(t, 2, snap.OpsNotApplied)
	assert.Equal(t, 2, snap.ShardExecutions)
	assert.Equal(t, 1, snap.ShardFailures)
}
