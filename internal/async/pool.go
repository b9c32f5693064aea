// Package async provides the execution substrate for the pipeline: a shared
// bounded worker pool and per-shard sequential queues drawn from it.
package async

import (
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/Aman-CERP/shardex/internal/errors"
)

// Pool is the worker pool shared by every SerialQueue of a pipeline.
type Pool struct {
	p *ants.Pool
}

// NewPool creates a pool of at most workers goroutines. Zero or less picks
// GOMAXPROCS. Submissions block while every worker is busy.
func NewPool(workers int) (*Pool, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	p, err := ants.NewPool(workers, ants.WithPanicHandler(func(v any) {
		slog.Error("worker_panic", slog.String("panic", fmt.Sprint(v)))
	}))
	if err != nil {
		return nil, errors.InternalError("failed to create worker pool", err)
	}
	return &Pool{p: p}, nil
}

// Submit runs fn on a pool worker.
func (p *Pool) Submit(fn func()) error {
	if err := p.p.Submit(fn); err != nil {
		return errors.New(errors.ErrCodePipelineClosed, "worker pool rejected task", err)
	}
	return nil
}

// Cap returns the pool size.
func (p *Pool) Cap() int { return p.p.Cap() }

// Running returns the number of busy workers.
func (p *Pool) Running() int { return p.p.Running() }

// Release stops the pool, waiting up to timeout for running workers.
func (p *Pool) Release(timeout time.Duration) error {
	return p.p.ReleaseTimeout(timeout)
}
