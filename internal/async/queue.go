package async

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Aman-CERP/shardex/internal/errors"
)

// Backpressure decides what Enqueue does when a queue is full.
type Backpressure int

const (
	// BackpressureBlock makes Enqueue wait for room, honoring the context.
	BackpressureBlock Backpressure = iota
	// BackpressureReject makes Enqueue fail immediately with ErrCodeQueueFull.
	BackpressureReject
)

// ParseBackpressure maps "block" or "reject" to a Backpressure.
func ParseBackpressure(s string) (Backpressure, error) {
	switch s {
	case "", "block":
		return BackpressureBlock, nil
	case "reject":
		return BackpressureReject, nil
	default:
		return 0, errors.ConfigError(fmt.Sprintf("unknown backpressure mode %q", s), nil)
	}
}

// tasksPerTurn bounds how long one queue holds a pool worker before yielding
// to other queues.
const tasksPerTurn = 64

// SerialQueue runs tasks one at a time in FIFO order. Tasks run on workers
// borrowed from a shared Pool; at most one worker serves a queue at a time.
type SerialQueue struct {
	name  string
	pool  *Pool
	mode  Backpressure
	slots chan struct{}

	mu      sync.Mutex
	tasks   []func()
	running bool
	closed  bool
	pending sync.WaitGroup
}

// NewSerialQueue creates a queue holding at most depth pending tasks.
func NewSerialQueue(name string, pool *Pool, depth int, mode Backpressure) *SerialQueue {
	if depth <= 0 {
		depth = 1
	}
	return &SerialQueue{
		name:  name,
		pool:  pool,
		mode:  mode,
		slots: make(chan struct{}, depth),
	}
}

// Enqueue appends task. Tasks start in the order Enqueue returned.
func (q *SerialQueue) Enqueue(ctx context.Context, task func()) error {
	if err := q.acquire(ctx); err != nil {
		return err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.slots
		return errors.New(errors.ErrCodePipelineClosed, "queue is closed", nil).WithDetail("queue", q.name)
	}
	q.pending.Add(1)
	q.tasks = append(q.tasks, task)
	start := !q.running
	q.running = true
	q.mu.Unlock()

	if start {
		q.schedule()
	}
	return nil
}

func (q *SerialQueue) acquire(ctx context.Context) error {
	if q.mode == BackpressureReject {
		select {
		case q.slots <- struct{}{}:
			return nil
		default:
			return errors.New(errors.ErrCodeQueueFull, "shard queue is full", nil).
				WithDetail("queue", q.name).
				WithDetail("depth", fmt.Sprint(cap(q.slots)))
		}
	}
	select {
	case q.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *SerialQueue) schedule() {
	if err := q.pool.Submit(q.drain); err != nil {
		// The pool is gone but work was accepted; finish it anyway.
		slog.Warn("serial_queue_pool_unavailable",
			slog.String("queue", q.name),
			slog.String("error", err.Error()))
		go q.drain()
	}
}

func (q *SerialQueue) drain() {
	for i := 0; ; i++ {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		if i == tasksPerTurn {
			q.mu.Unlock()
			// Resubmitting from a worker could wait on itself when the pool is full.
			go q.schedule()
			return
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.run(task)
	}
}

func (q *SerialQueue) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("serial_task_panic",
				slog.String("queue", q.name),
				slog.String("panic", fmt.Sprint(r)))
		}
		<-q.slots
		q.pending.Done()
	}()
	task()
}

// Len returns the number of tasks waiting or running.
func (q *SerialQueue) Len() int {
	return len(q.slots)
}

// Close stops accepting tasks and waits for accepted ones to finish.
func (q *SerialQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
