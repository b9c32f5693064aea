// Package pipeline coordinates sharded index writes: it prepares sealed
// batches, fans their operations out to per-shard sequential queues and
// reports the outcome synchronously or asynchronously.
package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Aman-CERP/shardex/internal/async"
	"github.com/Aman-CERP/shardex/internal/errors"
	"github.com/Aman-CERP/shardex/internal/mutation"
	"github.com/Aman-CERP/shardex/internal/prepare"
	"github.com/Aman-CERP/shardex/internal/routing"
	"github.com/Aman-CERP/shardex/internal/shard"
	"github.com/Aman-CERP/shardex/internal/store"
)

// Mode selects how Submit reports completion.
type Mode int

const (
	// ModeSync blocks until every shard finished and returns failures as a
	// *BatchError.
	ModeSync Mode = iota
	// ModeAsync returns once every shard execution is queued. Failures go to
	// the Reporter.
	ModeAsync
)

func (m Mode) String() string {
	switch m {
	case ModeSync:
		return "sync"
	case ModeAsync:
		return "async"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode maps "sync" or "async" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "sync":
		return ModeSync, nil
	case "async":
		return ModeAsync, nil
	default:
		return 0, errors.ConfigError(fmt.Sprintf("unknown pipeline mode %q", s), nil).
			WithSuggestion("use 'sync' or 'async'")
	}
}

// Config tunes a Coordinator.
type Config struct {
	// Workers bounds the goroutines shared by all shard queues.
	Workers int
	// QueueDepth bounds pending executions per shard.
	QueueDepth   int
	Backpressure async.Backpressure
	// BatchCommitSize splits batch-hinted executions into several commits.
	BatchCommitSize int
	// MapperParallelism bounds concurrent payload resolution per batch.
	MapperParallelism int
	// AutoFlushSize makes a Transaction submit its pending work once it holds
	// this many operations. Zero disables auto-flush.
	AutoFlushSize int

	// DataDir holds one directory per shard for persistent backends. Empty
	// keeps every shard in memory.
	DataDir string
	Backend store.Backend
	Vector  store.VectorConfig

	// HistoryDepth is how many earlier layouts deletes still reach after
	// Reshard.
	HistoryDepth       int
	PlacementCacheSize int

	// ShutdownTimeout bounds how long Close waits for pool workers.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Workers:            8,
		QueueDepth:         64,
		Backpressure:       async.BackpressureBlock,
		BatchCommitSize:    1000,
		MapperParallelism:  prepare.DefaultParallelism,
		AutoFlushSize:      0,
		Backend:            store.BackendMemory,
		HistoryDepth:       2,
		PlacementCacheSize: routing.DefaultPlacementCacheSize,
		ShutdownTimeout:    30 * time.Second,
	}
}

// StoreFactory opens the store for a shard. dir is empty for in-memory shards.
type StoreFactory func(key routing.Key, dir string) (store.Store, error)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMapper sets the collaborator that builds missing payloads.
func WithMapper(m prepare.Mapper) Option {
	return func(c *Coordinator) { c.mapper = m }
}

// WithReporter sets where asynchronous failures go.
func WithReporter(r Reporter) Option {
	return func(c *Coordinator) { c.reporter = r }
}

// WithPolicy sets the maintenance policy of every shard.
func WithPolicy(p shard.Policy) Option {
	return func(c *Coordinator) { c.policy = p }
}

// WithStrategy sets the initial sharding strategy.
func WithStrategy(s routing.Strategy) Option {
	return func(c *Coordinator) { c.strategy = s }
}

// WithStoreFactory replaces the backend factory, mostly for tests.
func WithStoreFactory(f StoreFactory) Option {
	return func(c *Coordinator) { c.stores = f }
}

// Coordinator is the entry point of the pipeline. It is safe for concurrent
// use.
type Coordinator struct {
	cfg      Config
	mapper   prepare.Mapper
	reporter Reporter
	policy   shard.Policy
	strategy routing.Strategy
	stores   StoreFactory

	router   *routing.Router
	preparer *prepare.Preparer
	executor *shard.Executor
	registry *shard.Registry
	pool     *async.Pool
	stats    *async.Stats

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// SetReporter replaces the Reporter for batches finishing from now on.
func (c *Coordinator) SetReporter(r Reporter) {
	if r == nil {
		r = LogReporter{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reporter = r
}

func (c *Coordinator) currentReporter() Reporter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reporter
}

// New creates a coordinator. Without WithStrategy every document goes to a
// single shard.
func New(cfg Config, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}

	if c.strategy == nil {
		s, err := routing.NewHashStrategy("shard", 1)
		if err != nil {
			return nil, err
		}
		c.strategy = s
	}
	if c.reporter == nil {
		c.reporter = LogReporter{}
	}
	if c.policy == nil {
		c.policy = shard.DefaultThresholdPolicy()
	}
	if c.stores == nil {
		c.stores = func(_ routing.Key, dir string) (store.Store, error) {
			return store.Open(cfg.Backend, dir, store.Options{Vector: cfg.Vector})
		}
	}

	router, err := routing.NewRouter(c.strategy, cfg.HistoryDepth, cfg.PlacementCacheSize)
	if err != nil {
		return nil, err
	}
	pool, err := async.NewPool(cfg.Workers)
	if err != nil {
		return nil, err
	}

	c.router = router
	c.preparer = prepare.NewPreparer(router, c.mapper, cfg.MapperParallelism)
	c.executor = shard.NewExecutor(shard.ExecutorConfig{BatchCommitSize: cfg.BatchCommitSize})
	c.registry = shard.NewRegistry(c.openShard)
	c.pool = pool
	c.stats = async.NewStats()

	slog.Info("pipeline_started",
		slog.Int("workers", pool.Cap()),
		slog.Int("queue_depth", cfg.QueueDepth),
		slog.String("backend", string(cfg.Backend)),
		slog.String("data_dir", cfg.DataDir),
		slog.Int("shards", len(router.AllShards())))
	return c, nil
}

func (c *Coordinator) openShard(key routing.Key) (*shard.Resource, error) {
	dir := ""
	if c.cfg.DataDir != "" && c.cfg.Backend.Persistent() {
		dir = filepath.Join(c.cfg.DataDir, string(key))
	}

	res, err := shard.OpenResource(shard.ResourceConfig{
		Key:       key,
		OpenStore: func() (store.Store, error) { return c.stores(key, dir) },
		Queue:     async.NewSerialQueue(string(key), c.pool, c.cfg.QueueDepth, c.cfg.Backpressure),
		Policy:    c.policy,
		LockDir:   dir,
	})
	if err != nil {
		return nil, err
	}

	slog.Debug("shard_opened",
		slog.String("shard", string(key)),
		slog.String("dir", dir))
	return res, nil
}

// Submit prepares batch and schedules its per-shard executions.
//
// Preparation failures and shards that cannot be opened are returned before
// anything is scheduled. In ModeSync, Submit waits for every shard and
// returns a *BatchError when any of them failed. In ModeAsync it returns
// once every execution is queued; failures are passed to the Reporter.
//
// ctx is honored until a shard execution starts. A started execution always
// runs to commit or failure.
func (c *Coordinator) Submit(ctx context.Context, batch *mutation.SealedBatch, mode Mode) (*Outcome, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, errors.New(errors.ErrCodePipelineClosed, "pipeline is closed", nil)
	}
	c.inflight.Add(1)
	c.mu.RUnlock()

	outcome, err := c.schedule(ctx, batch, mode)
	if err != nil {
		c.inflight.Done()
		return nil, err
	}

	if mode == ModeAsync {
		return outcome, nil
	}
	<-outcome.Done()
	return outcome, outcome.Err()
}

func (c *Coordinator) schedule(ctx context.Context, batch *mutation.SealedBatch, mode Mode) (*Outcome, error) {
	if batch == nil {
		return nil, errors.ValidationError("batch is nil", nil)
	}
	if err := batch.Claim(); err != nil {
		return nil, err
	}

	prepared, err := c.preparer.Prepare(ctx, batch)
	if err != nil {
		return nil, err
	}

	keys := prepared.Keys()
	resources := make([]*shard.Resource, len(keys))
	for i, key := range keys {
		res, err := c.registry.Get(key)
		if err != nil {
			return nil, err
		}
		resources[i] = res
	}

	c.stats.BatchSubmitted()
	outcome := newOutcome(batch.ID(), mode, keys, func(o *Outcome) { c.finish(o) })

	slog.Debug("batch_submitted",
		slog.String("batch_id", batch.ID()),
		slog.String("mode", mode.String()),
		slog.Int("ops", len(prepared.Ops)),
		slog.Int("shards", len(keys)),
		slog.Int("suppressed", prepared.Suppressed),
		slog.Int("skipped", prepared.Skipped))

	for i, res := range resources {
		key, ops := keys[i], prepared.Shards[keys[i]]
		task := func() {
			var fc *shard.FailureContext
			defer func() {
				if r := recover(); r != nil {
					fc = shard.Rejected(key, batch.ID(),
						errors.InternalError(fmt.Sprintf("shard execution panicked: %v", r), nil), ops)
				}
				c.record(outcome, key, ops, fc)
			}()
			fc = c.executor.Execute(ctx, res, batch.ID(), ops)
		}
		if err := res.Enqueue(ctx, task); err != nil {
			c.record(outcome, key, ops, shard.Rejected(key, batch.ID(), err, ops))
		}
	}
	return outcome, nil
}

func (c *Coordinator) record(o *Outcome, key routing.Key, ops []mutation.Operation, fc *shard.FailureContext) {
	if fc == nil {
		c.place(key, ops)
		c.stats.ShardExecuted(len(ops), 0, false)
		o.record(key, nil)
		return
	}
	c.place(key, fc.Succeeded())
	undone := len(fc.Undone())
	c.stats.ShardExecuted(len(ops)-undone, undone, true)
	o.record(key, fc)
}

// place updates the router's placement memory with committed operations, so
// failed or rejected writes never widen later delete fan-out.
func (c *Coordinator) place(key routing.Key, committed []mutation.Operation) {
	for _, op := range committed {
		switch op.Kind() {
		case mutation.KindAdd, mutation.KindUpdate:
			c.router.Remember(op.EntityType(), op.EntityID(), key)
		case mutation.KindDelete, mutation.KindPurge:
			c.router.Forget(op.EntityType(), op.EntityID(), key)
		case mutation.KindOptimize:
		}
	}
}

// finish runs once per batch, on the goroutine that completed its last shard.
func (c *Coordinator) finish(o *Outcome) {
	defer c.inflight.Done()

	failures := o.Failures()
	c.stats.BatchFinished(len(failures) > 0)
	if o.Mode() != ModeAsync {
		return
	}
	reporter := c.currentReporter()
	for _, fc := range failures {
		reporter.Report(context.Background(), fc)
	}
}

// Reshard switches to a new sharding strategy. Writes go to the new layout
// immediately; deletes also reach the layouts still kept in history.
func (c *Coordinator) Reshard(next routing.Strategy) error {
	if next == nil {
		return errors.ConfigError("reshard requires a strategy", nil)
	}
	c.router.Reconfigure(next)
	slog.Info("pipeline_resharded",
		slog.Uint64("generation", c.router.Generation()),
		slog.Int("shards", len(next.AllShards())))
	return nil
}

// Optimize submits an explicit optimize to every known shard, waits for it
// and then for the maintenance it triggered.
func (c *Coordinator) Optimize(ctx context.Context, entityType string) error {
	if _, err := c.Submit(ctx, mutation.NewSealedBatch(mutation.Optimize(entityType)), ModeSync); err != nil {
		return err
	}
	c.registry.Range(func(res *shard.Resource) bool {
		res.AwaitMaintenance()
		return true
	})
	return nil
}

// Stats returns pipeline counters.
func (c *Coordinator) Stats() async.StatsSnapshot {
	return c.stats.Snapshot()
}

// ShardStat describes one opened shard.
type ShardStat struct {
	Key      routing.Key
	Store    store.Stats
	Totals   shard.Totals
	QueueLen int
}

// ShardStats reports every shard opened so far, sorted by key.
func (c *Coordinator) ShardStats() []ShardStat {
	var out []ShardStat
	for _, key := range c.registry.Keys() {
		res, ok := c.registry.Lookup(key)
		if !ok {
			continue
		}
		out = append(out, ShardStat{
			Key:      key,
			Store:    res.Store().Stats(),
			Totals:   res.Totals(),
			QueueLen: res.QueueLen(),
		})
	}
	return out
}

// OpenShards opens every shard of the current and remembered layouts.
func (c *Coordinator) OpenShards() error {
	for _, key := range c.router.AllShards() {
		if _, err := c.registry.Get(key); err != nil {
			return err
		}
	}
	return nil
}

// Shard returns an opened shard's store, for inspection.
func (c *Coordinator) Shard(key routing.Key) (store.Store, bool) {
	res, ok := c.registry.Lookup(key)
	if !ok {
		return nil, false
	}
	return res.Store(), true
}

// Close stops accepting batches, waits for in-flight work and maintenance,
// then closes every shard and the worker pool.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, errors.New(errors.ErrCodePipelineClosed, "timed out waiting for in-flight batches", ctx.Err()))
	}

	if err := c.registry.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	timeout := c.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ShutdownTimeout
	}
	if err := c.pool.Release(timeout); err != nil {
		errs = append(errs, err)
	}

	snap := c.stats.Snapshot()
	slog.Info("pipeline_stopped",
		slog.Int("batches", snap.BatchesCompleted),
		slog.Int("batches_failed", snap.BatchesFailed),
		slog.Int("ops_applied", snap.OpsApplied))

	if len(errs) > 0 {
		return errors.New(errors.ErrCodeInternal, "pipeline shutdown incomplete", stderrors.Join(errs...))
	}
	return nil
}
