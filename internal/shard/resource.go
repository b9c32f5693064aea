// Package shard owns per-shard write resources and executes prepared
// operation lists against them.
package shard

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/Aman-CERP/shardex/internal/async"
	"github.com/Aman-CERP/shardex/internal/errors"
	"github.com/Aman-CERP/shardex/internal/routing"
	"github.com/Aman-CERP/shardex/internal/store"
)

// LockFileName is the per-shard lock taken by the process that writes it.
const LockFileName = "write.lock"

// ResourceConfig describes one shard's write resource.
type ResourceConfig struct {
	Key   routing.Key
	Store store.Store
	// OpenStore is used when Store is nil. It runs after the lock is taken
	// so that no other process has the shard's files open.
	OpenStore func() (store.Store, error)
	Queue     *async.SerialQueue
	Policy    Policy
	// LockDir, if set, holds a write.lock that is try-locked for the
	// lifetime of the resource.
	LockDir string
}

// Resource is the single logical writer for a shard. It owns the shard's
// store, a non-blocking maintenance lock and the sequential queue every
// execution for the shard runs on.
type Resource struct {
	key    routing.Key
	store  store.Store
	queue  *async.SerialQueue
	policy Policy
	lock   *flock.Flock

	maintMu     sync.Mutex
	maintWG     sync.WaitGroup
	maintCtx    context.Context
	maintCancel context.CancelFunc

	mu       sync.Mutex
	counters Counters
	totals   Totals
	closed   bool
}

// Totals are lifetime counters for a shard.
type Totals struct {
	Commits             int
	OpsCommitted        int
	MaintenanceRuns     int
	MaintenanceSkipped  int
	MaintenanceFailures int
}

// OpenResource builds a resource, taking the shard's file lock if configured.
func OpenResource(cfg ResourceConfig) (*Resource, error) {
	if (cfg.Store == nil && cfg.OpenStore == nil) || cfg.Queue == nil {
		return nil, errors.InternalError("shard resource requires a store and a queue", nil)
	}
	if cfg.Policy == nil {
		cfg.Policy = ManualPolicy{}
	}

	r := &Resource{
		key:    cfg.Key,
		store:  cfg.Store,
		queue:  cfg.Queue,
		policy: cfg.Policy,
	}
	r.maintCtx, r.maintCancel = context.WithCancel(context.Background())

	if cfg.LockDir != "" {
		if err := os.MkdirAll(cfg.LockDir, 0o755); err != nil {
			return nil, errors.IOError("failed to create shard directory", err)
		}
		lock := flock.New(filepath.Join(cfg.LockDir, LockFileName))
		ok, err := lock.TryLock()
		if err != nil {
			return nil, errors.IOError("failed to acquire shard lock", err).WithDetail("shard", string(cfg.Key))
		}
		if !ok {
			return nil, errors.New(errors.ErrCodeShardLocked, "shard is locked by another process", nil).
				WithDetail("shard", string(cfg.Key)).
				WithDetail("lock", lock.Path())
		}
		r.lock = lock
	}

	if r.store == nil {
		st, err := cfg.OpenStore()
		if err != nil {
			r.maintCancel()
			if r.lock != nil {
				_ = r.lock.Unlock()
			}
			return nil, err
		}
		r.store = st
	}
	return r, nil
}

// Key returns the shard key.
func (r *Resource) Key() routing.Key { return r.key }

// Store returns the shard's store.
func (r *Resource) Store() store.Store { return r.store }

// Enqueue schedules task on the shard's sequential queue.
func (r *Resource) Enqueue(ctx context.Context, task func()) error {
	return r.queue.Enqueue(ctx, task)
}

// QueueLen returns the number of executions waiting or running.
func (r *Resource) QueueLen() int { return r.queue.Len() }

// Totals returns lifetime counters.
func (r *Resource) Totals() Totals {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totals
}

// Counters returns the counters the maintenance policy sees.
func (r *Resource) Counters() Counters {
	r.mu.Lock()
	c := r.counters
	r.mu.Unlock()
	c.Store = r.store.Stats()
	return c
}

func (r *Resource) recordCommit(ops, deletes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters.OpsSinceMaintenance += ops
	r.counters.DeletesSinceMaintenance += deletes
	r.counters.CommitsSinceMaintenance++
	r.totals.Commits++
	r.totals.OpsCommitted += ops
}

func (r *Resource) requestMaintenance() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters.Requested = true
}

// TryMaintenance evaluates the policy and, if it says so, starts maintenance
// in the background. It never blocks: if maintenance is already running the
// evaluation is skipped. It reports whether maintenance was started.
func (r *Resource) TryMaintenance() bool {
	if !r.policy.ShouldOptimize(r.Counters()) {
		return false
	}
	if !r.maintMu.TryLock() {
		r.mu.Lock()
		r.totals.MaintenanceSkipped++
		r.mu.Unlock()
		slog.Debug("shard_maintenance_skipped",
			slog.String("shard", string(r.key)),
			slog.String("reason", "already running"))
		return false
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.maintMu.Unlock()
		return false
	}
	r.counters = Counters{LastMaintenance: time.Now()}
	r.totals.MaintenanceRuns++
	r.maintWG.Add(1)
	r.mu.Unlock()

	go r.runMaintenance()
	return true
}

func (r *Resource) runMaintenance() {
	defer r.maintWG.Done()
	defer r.maintMu.Unlock()

	start := time.Now()
	if err := r.store.Optimize(r.maintCtx); err != nil {
		r.mu.Lock()
		r.totals.MaintenanceFailures++
		r.mu.Unlock()
		attrs := []any{slog.String("shard", string(r.key))}
		for k, v := range errors.FormatForLog(err) {
			attrs = append(attrs, slog.Any(k, v))
		}
		slog.Warn("shard_maintenance_failed", attrs...)
		return
	}
	slog.Debug("shard_maintenance_done",
		slog.String("shard", string(r.key)),
		slog.Duration("elapsed", time.Since(start)))
}

// AwaitMaintenance blocks until any running maintenance finishes.
func (r *Resource) AwaitMaintenance() {
	r.maintWG.Wait()
}

// Close drains the queue, waits for maintenance, closes the store and
// releases the shard lock. Maintenance still running when ctx expires is
// cancelled.
func (r *Resource) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	var errs []error
	if err := r.queue.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	done := make(chan struct{})
	go func() {
		r.maintWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.maintCancel()
		<-done
	}
	r.maintCancel()

	if err := r.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if r.lock != nil {
		if err := r.lock.Unlock(); err != nil {
			errs = append(errs, err)
		}
	}
	return joinErrors(errs)
}
