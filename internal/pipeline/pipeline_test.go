package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/shardex/internal/config"
	"github.com/Aman-CERP/shardex/internal/errors"
	"github.com/Aman-CERP/shardex/internal/mutation"
	"github.com/Aman-CERP/shardex/internal/prepare"
	"github.com/Aman-CERP/shardex/internal/routing"
	"github.com/Aman-CERP/shardex/internal/shard"
	"github.com/Aman-CERP/shardex/internal/store"
)

// faultyStore is a MemoryStore that can be told to fail.
type faultyStore struct {
	*store.MemoryStore

	failAdd     string
	failCommits atomic.Int32 // number of upcoming commits that fail
}

func (s *faultyStore) OpenWriter(ctx context.Context, mode store.WriteMode) (store.Writer, error) {
	w, err := s.MemoryStore.OpenWriter(ctx, mode)
	if err != nil {
		return nil, err
	}
	return &faultyWriter{Writer: w, s: s}, nil
}

type faultyWriter struct {
	store.Writer
	s *faultyStore
}

func (w *faultyWriter) Add(ctx context.Context, doc *store.Document) error {
	if w.s.failAdd != "" && doc.Key() == w.s.failAdd {
		return errors.New(errors.ErrCodeShardWrite, "injected add failure", nil)
	}
	return w.Writer.Add(ctx, doc)
}

func (w *faultyWriter) Commit(ctx context.Context) error {
	if w.s.failCommits.Add(-1) >= 0 {
		_ = w.Writer.Abort()
		return errors.New(errors.ErrCodeShardWrite, "injected commit failure", nil)
	}
	return w.Writer.Commit(ctx)
}

// fixture hands out one faultyStore per shard key.
type fixture struct {
	mu     sync.Mutex
	stores map[routing.Key]*faultyStore
	setup  func(routing.Key, *faultyStore)
}

func (f *fixture) factory(key routing.Key, _ string) (store.Store, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stores == nil {
		f.stores = make(map[routing.Key]*faultyStore)
	}
	s := &faultyStore{MemoryStore: store.NewMemoryStore()}
	if f.setup != nil {
		f.setup(key, s)
	}
	f.stores[key] = s
	return s, nil
}

func (f *fixture) store(t *testing.T, key routing.Key) *faultyStore {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stores[key]
	require.True(t, ok, "shard %s was never opened", key)
	return s
}

func (f *fixture) opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stores)
}

func typeStrategy(t *testing.T) routing.Strategy {
	t.Helper()
	s, err := routing.NewTypeStrategy(map[string]string{"book": "books", "author": "people", "X": "x"})
	require.NoError(t, err)
	return s
}

func newCoordinator(t *testing.T, cfg Config, opts ...Option) *Coordinator {
	t.Helper()
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 4
	return cfg
}

func ids(t *testing.T, s store.Store) []string {
	t.Helper()
	out, err := s.IDs(context.Background())
	require.NoError(t, err)
	return out
}

func TestSubmit_SyncAppliesAcrossShards(t *testing.T) {
	// Given: a batch touching two shards
	f := &fixture{}
	c := newCoordinator(t, testConfig(), WithStrategy(typeStrategy(t)), WithStoreFactory(f.factory))
	batch := mutation.NewSealedBatch(
		mutation.Add("book", "1", []byte("dune")),
		mutation.Add("author", "7", []byte("herbert")),
	)

	// When: submitted synchronously
	outcome, err := c.Submit(context.Background(), batch, ModeSync)

	// Then: both shards committed before Submit returned
	require.NoError(t, err)
	assert.Equal(t, []routing.Key{"books", "people"}, outcome.Shards())
	assert.Equal(t, []string{"book/1"}, ids(t, f.store(t, "books")))
	assert.Equal(t, []string{"author/7"}, ids(t, f.store(t, "people")))

	snap := c.Stats()
	assert.Equal(t, 1, snap.BatchesCompleted)
	assert.Equal(t, 2, snap.ShardExecutions)
	assert.Equal(t, 2, snap.OpsApplied)
}

func TestSubmit_AddAddDeleteOnOneShard(t *testing.T) {
	// Given: add X/1, add X/2, delete X/1 in one batch
	f := &fixture{}
	c := newCoordinator(t, testConfig(), WithStrategy(typeStrategy(t)), WithStoreFactory(f.factory))
	batch := mutation.NewSealedBatch(
		mutation.Add("X", "1", []byte("one")),
		mutation.Add("X", "2", []byte("two")),
		mutation.Delete("X", "1"),
	)

	// When: submitted
	_, err := c.Submit(context.Background(), batch, ModeSync)

	// Then: only X/2 remains
	require.NoError(t, err)
	assert.Equal(t, []string{"X/2"}, ids(t, f.store(t, "x")))
}

func TestSubmit_PartialSuccessAcrossShards(t *testing.T) {
	// Given: the books shard fails on book/2
	f := &fixture{setup: func(k routing.Key, s *faultyStore) {
		if k == "books" {
			s.failAdd = "book/2"
		}
	}}
	c := newCoordinator(t, testConfig(), WithStrategy(typeStrategy(t)), WithStoreFactory(f.factory))
	batch := mutation.NewSealedBatch(
		mutation.Add("book", "1", []byte("a")),
		mutation.Add("book", "2", []byte("b")),
		mutation.Add("author", "1", []byte("c")),
	)

	// When: submitted synchronously
	_, err := c.Submit(context.Background(), batch, ModeSync)

	// Then: people committed, books committed nothing, the error says exactly that
	require.Error(t, err)
	var be *BatchError
	require.True(t, stderrors.As(err, &be))
	require.Len(t, be.Failures, 1)
	fc := be.Failures[0]
	assert.Equal(t, routing.Key("books"), fc.Shard())
	atFault, ok := fc.OperationAtFault()
	require.True(t, ok)
	assert.Equal(t, "2", atFault.EntityID())
	assert.Len(t, fc.NotApplied(), 1)
	assert.Empty(t, fc.Succeeded())
	assert.True(t, stderrors.Is(err, errors.Sentinel(errors.ErrCodeShardWrite)))

	assert.Empty(t, ids(t, f.store(t, "books")))
	assert.Equal(t, []string{"author/1"}, ids(t, f.store(t, "people")))

	retry := be.RetryBatch()
	require.Equal(t, 2, retry.Len())
	assert.Equal(t, "add(book/1)", retry.Ops()[0].String())
	assert.Equal(t, "add(book/2)", retry.Ops()[1].String())
}

func TestSubmit_BulkThenInteractiveStayOrdered(t *testing.T) {
	// Given: a 500-op batch-hinted batch submitted asynchronously
	f := &fixture{}
	cfg := testConfig()
	cfg.BatchCommitSize = 100
	c := newCoordinator(t, cfg, WithStrategy(typeStrategy(t)), WithStoreFactory(f.factory),
		WithPolicy(shard.ManualPolicy{}))

	bulk := make([]mutation.Operation, 500)
	for i := range bulk {
		bulk[i] = mutation.Add("X", fmt.Sprint(i), []byte("stale")).WithBatchHint()
	}
	first, err := c.Submit(context.Background(), mutation.NewSealedBatch(bulk...), ModeAsync)
	require.NoError(t, err)

	// When: a single interactive update of the same entity follows synchronously
	_, err = c.Submit(context.Background(),
		mutation.NewSealedBatch(mutation.Update("X", "0", []byte("fresh"))), ModeSync)
	require.NoError(t, err)

	// Then: the bulk batch finished first and the update won
	select {
	case <-first.Done():
	default:
		t.Fatal("interactive batch completed before the earlier bulk batch")
	}
	s := f.store(t, "x")
	assert.Len(t, ids(t, s), 500)
	doc, ok := s.Get(store.DocumentKey("X", "0"))
	require.True(t, ok)
	assert.Equal(t, "fresh", doc.Content)
}

func TestSubmit_AsyncReportsFailures(t *testing.T) {
	// Given: a failing shard and a reporter collecting failures
	f := &fixture{setup: func(_ routing.Key, s *faultyStore) { s.failCommits.Store(1) }}
	reported := make(chan *shard.FailureContext, 1)
	c := newCoordinator(t, testConfig(),
		WithStrategy(typeStrategy(t)),
		WithStoreFactory(f.factory),
		WithReporter(ReporterFunc(func(_ context.Context, fc *shard.FailureContext) { reported <- fc })))

	// When: submitted asynchronously
	outcome, err := c.Submit(context.Background(),
		mutation.NewSealedBatch(mutation.Add("book", "1", []byte("a"))), ModeAsync)

	// Then: Submit succeeds and the failure goes to the reporter
	require.NoError(t, err)
	require.NoError(t, waitDone(t, outcome))
	select {
	case fc := <-reported:
		assert.Equal(t, routing.Key("books"), fc.Shard())
		assert.Len(t, fc.Undone(), 1)
	case <-time.After(5 * time.Second):
		t.Fatal("failure was not reported")
	}
	assert.Error(t, outcome.Err())
	assert.Equal(t, 1, c.Stats().BatchesFailed)
}

func waitDone(t *testing.T, o *Outcome) error {
	t.Helper()
	select {
	case <-o.Done():
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("batch %s did not finish", o.BatchID())
	}
}

func TestSubmit_BatchCanOnlyBeSubmittedOnce(t *testing.T) {
	c := newCoordinator(t, testConfig())
	batch := mutation.NewSealedBatch(mutation.Add("book", "1", []byte("a")))

	_, err := c.Submit(context.Background(), batch, ModeSync)
	require.NoError(t, err)
	_, err = c.Submit(context.Background(), batch, ModeSync)

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeBatchConsumed, errors.GetCode(err))
}

func TestSubmit_PreparationFailureSchedulesNothing(t *testing.T) {
	// Given: a batch with one routable and one unroutable operation
	f := &fixture{}
	c := newCoordinator(t, testConfig(), WithStrategy(typeStrategy(t)), WithStoreFactory(f.factory))
	batch := mutation.NewSealedBatch(
		mutation.Add("book", "1", []byte("a")),
		mutation.Add("magazine", "1", []byte("b")),
	)

	// When: submitted
	_, err := c.Submit(context.Background(), batch, ModeAsync)

	// Then: the error is raised to the caller and no shard was touched
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNoShardForType, errors.GetCode(err))
	assert.Zero(t, f.opened())
	assert.Zero(t, c.Stats().BatchesSubmitted)
}

func TestSubmit_CancelledBeforeExecution(t *testing.T) {
	// Given: a context cancelled before submission
	f := &fixture{}
	c := newCoordinator(t, testConfig(), WithStrategy(typeStrategy(t)), WithStoreFactory(f.factory))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// When: submitted
	_, err := c.Submit(ctx, mutation.NewSealedBatch(
		mutation.Add("book", "1", []byte("a")),
		mutation.Add("book", "2", []byte("b")),
	), ModeSync)

	// Then: every operation is reported as not applied
	var be *BatchError
	require.True(t, stderrors.As(err, &be))
	require.Len(t, be.Failures, 1)
	assert.Len(t, be.Failures[0].Undone(), 2)
	assert.Empty(t, ids(t, f.store(t, "books")))
}

func TestSubmit_AfterClose(t *testing.T) {
	c, err := New(testConfig())
	require.NoError(t, err)
	require.NoError(t, c.Close(context.Background()))

	_, err = c.Submit(context.Background(),
		mutation.NewSealedBatch(mutation.Add("book", "1", nil)), ModeSync)

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodePipelineClosed, errors.GetCode(err))
	assert.NoError(t, c.Close(context.Background()), "second close is a no-op")
}

func TestSubmit_ResolvesPayloadsThroughMapper(t *testing.T) {
	// Given: a mapper that knows book/1 and says book/2 is not indexable
	f := &fixture{}
	mapper := func(_ context.Context, entityType, entityID string) ([]byte, error) {
		if entityID == "2" {
			return nil, fmt.Errorf("draft: %w", prepare.ErrNotIndexable)
		}
		return []byte("mapped " + entityType + "/" + entityID), nil
	}
	c := newCoordinator(t, testConfig(),
		WithStrategy(typeStrategy(t)),
		WithStoreFactory(f.factory),
		WithMapper(prepare.MapperFunc(mapper)))

	// When: adds without payloads are submitted
	_, err := c.Submit(context.Background(), mutation.NewSealedBatch(
		mutation.Add("book", "1", nil),
		mutation.Add("book", "2", nil),
	), ModeSync)

	// Then: the indexable one is stored with the mapped content
	require.NoError(t, err)
	s := f.store(t, "books")
	assert.Equal(t, []string{"book/1"}, ids(t, s))
	doc, _ := s.Get("book/1")
	assert.Equal(t, "mapped book/1", doc.Content)
}

func TestReshard_DeleteReachesPreviousLayout(t *testing.T) {
	// Given: a document written under a one-shard layout, placement cache off
	f := &fixture{}
	cfg := testConfig()
	cfg.PlacementCacheSize = 0
	old, err := routing.NewHashStrategy("old", 1)
	require.NoError(t, err)
	c := newCoordinator(t, cfg, WithStrategy(old), WithStoreFactory(f.factory))
	_, err = c.Submit(context.Background(),
		mutation.NewSealedBatch(mutation.Add("X", "1", []byte("a"))), ModeSync)
	require.NoError(t, err)

	// When: the layout changes and the document is deleted
	next, err := routing.NewHashStrategy("new", 2)
	require.NoError(t, err)
	require.NoError(t, c.Reshard(next))
	_, err = c.Submit(context.Background(),
		mutation.NewSealedBatch(mutation.Delete("X", "1")), ModeSync)

	// Then: the delete reached the old shard
	require.NoError(t, err)
	assert.Empty(t, ids(t, f.store(t, "old-0")))
}

func TestReshard_UpdateRemovesPreviousCopy(t *testing.T) {
	tests := []struct {
		name         string
		historyDepth int
		cacheSize    int
	}{
		{name: "reached through layout history", historyDepth: 2, cacheSize: 0},
		{name: "reached through committed placement", historyDepth: 0, cacheSize: 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given: X/1 indexed under a one-shard layout
			f := &fixture{}
			cfg := testConfig()
			cfg.HistoryDepth = tt.historyDepth
			cfg.PlacementCacheSize = tt.cacheSize
			old, err := routing.NewHashStrategy("old", 1)
			require.NoError(t, err)
			c := newCoordinator(t, cfg, WithStrategy(old), WithStoreFactory(f.factory))
			_, err = c.Submit(context.Background(),
				mutation.NewSealedBatch(mutation.Add("X", "1", []byte("v1"))), ModeSync)
			require.NoError(t, err)

			// When: the layout changes and X/1 is updated
			next, err := routing.NewHashStrategy("new", 2)
			require.NoError(t, err)
			require.NoError(t, c.Reshard(next))
			_, err = c.Submit(context.Background(),
				mutation.NewSealedBatch(mutation.Update("X", "1", []byte("v2"))), ModeSync)
			require.NoError(t, err)

			// Then: exactly one copy exists, on the new write shard, with new content
			assert.Empty(t, ids(t, f.store(t, "old-0")))
			target, err := next.ShardForWrite("X", "1")
			require.NoError(t, err)
			doc, ok := f.store(t, target).Get("X/1")
			require.True(t, ok)
			assert.Equal(t, "v2", doc.Content)

			total := 0
			for _, st := range c.ShardStats() {
				total += st.Store.Documents
			}
			assert.Equal(t, 1, total)
		})
	}
}

func TestSubmit_ReindexOfRewrittenEntityIsApplied(t *testing.T) {
	// Given: a batch deleting X/1, adding it back, then reindexing it
	f := &fixture{}
	c := newCoordinator(t, testConfig(), WithStrategy(typeStrategy(t)), WithStoreFactory(f.factory))
	batch := mutation.NewSealedBatch(
		mutation.Delete("X", "1"),
		mutation.Add("X", "1", []byte("v1")),
		mutation.Update("X", "1", []byte("v2")).CollectionTriggered(),
	)

	// When: submitted
	_, err := c.Submit(context.Background(), batch, ModeSync)

	// Then: the reindex ran last
	require.NoError(t, err)
	doc, ok := f.store(t, "x").Get("X/1")
	require.True(t, ok)
	assert.Equal(t, "v2", doc.Content)
}

func TestSubmit_ReindexOfDeletedEntityIsSuppressed(t *testing.T) {
	// Given: X/1 already indexed
	f := &fixture{}
	c := newCoordinator(t, testConfig(), WithStrategy(typeStrategy(t)), WithStoreFactory(f.factory))
	_, err := c.Submit(context.Background(),
		mutation.NewSealedBatch(mutation.Add("X", "1", []byte("v1"))), ModeSync)
	require.NoError(t, err)

	// When: a batch deletes it and a collection change reindexes it
	_, err = c.Submit(context.Background(), mutation.NewSealedBatch(
		mutation.Delete("X", "1"),
		mutation.Update("X", "1", []byte("stale")).CollectionTriggered(),
	), ModeSync)

	// Then: no document for X/1 is left
	require.NoError(t, err)
	assert.Empty(t, ids(t, f.store(t, "x")))
	assert.Equal(t, 2, c.Stats().OpsApplied, "the add and the delete, nothing for the reindex")
}

func TestSubmit_PlacementRememberedOnlyAfterCommit(t *testing.T) {
	// Given: the books shard fails its first commit
	f := &fixture{setup: func(k routing.Key, s *faultyStore) {
		if k == "books" {
			s.failCommits.Store(1)
		}
	}}
	c := newCoordinator(t, testConfig(), WithStrategy(typeStrategy(t)), WithStoreFactory(f.factory))

	// When: a write fails to commit
	_, err := c.Submit(context.Background(),
		mutation.NewSealedBatch(mutation.Add("book", "1", []byte("a"))), ModeSync)

	// Then: its placement is not remembered
	require.Error(t, err)
	_, ok := c.router.Placement("book", "1")
	assert.False(t, ok)

	// When: the next write commits
	_, err = c.Submit(context.Background(),
		mutation.NewSealedBatch(mutation.Add("book", "2", []byte("b"))), ModeSync)

	// Then: it is remembered until the document is deleted
	require.NoError(t, err)
	k, ok := c.router.Placement("book", "2")
	require.True(t, ok)
	assert.Equal(t, routing.Key("books"), k)

	_, err = c.Submit(context.Background(),
		mutation.NewSealedBatch(mutation.Delete("book", "2")), ModeSync)
	require.NoError(t, err)
	_, ok = c.router.Placement("book", "2")
	assert.False(t, ok)
}

func TestOptimize_RunsMaintenanceOnEveryShard(t *testing.T) {
	f := &fixture{}
	c := newCoordinator(t, testConfig(),
		WithStrategy(typeStrategy(t)),
		WithStoreFactory(f.factory),
		WithPolicy(shard.ManualPolicy{}))

	require.NoError(t, c.Optimize(context.Background(), ""))

	for _, key := range []routing.Key{"books", "people", "x"} {
		assert.Equal(t, int64(1), f.store(t, key).OptimizeCount(), "shard %s", key)
	}
	stats := c.ShardStats()
	require.Len(t, stats, 3)
	assert.Equal(t, 1, stats[0].Totals.MaintenanceRuns)
}

func TestTransaction_AutoFlushAndCommit(t *testing.T) {
	// Given: auto-flush every two operations
	f := &fixture{}
	cfg := testConfig()
	cfg.AutoFlushSize = 2
	c := newCoordinator(t, cfg, WithStrategy(typeStrategy(t)), WithStoreFactory(f.factory))
	tx := c.Begin(ModeSync)

	// When: five operations are added and the transaction commits
	for i := 0; i < 5; i++ {
		require.NoError(t, tx.Add(context.Background(), mutation.Add("book", fmt.Sprint(i), []byte("x"))))
	}
	assert.Equal(t, 1, tx.Len())
	require.NoError(t, tx.Commit(context.Background()))

	// Then: three batches were submitted and everything is stored
	assert.Len(t, tx.Outcomes(), 3)
	assert.Len(t, ids(t, f.store(t, "books")), 5)
	assert.NoError(t, tx.Wait(context.Background()))

	err := tx.Add(context.Background(), mutation.Add("book", "late", nil))
	assert.Equal(t, errors.ErrCodeBatchSealed, errors.GetCode(err))
}

func TestTransaction_Rollback(t *testing.T) {
	f := &fixture{}
	c := newCoordinator(t, testConfig(), WithStrategy(typeStrategy(t)), WithStoreFactory(f.factory))
	tx := c.Begin(ModeAsync)
	require.NoError(t, tx.Add(context.Background(),
		mutation.Add("book", "1", []byte("a")),
		mutation.Delete("book", "2")))

	dropped := tx.Rollback()

	assert.Equal(t, 2, dropped)
	assert.Zero(t, f.opened())
	assert.Error(t, tx.Commit(context.Background()))
}

func TestRetryReporter_ResubmitsUndoneOperations(t *testing.T) {
	// Given: a shard whose first commit fails with a retryable error
	f := &fixture{setup: func(_ routing.Key, s *faultyStore) { s.failCommits.Store(1) }}
	c := newCoordinator(t, testConfig(), WithStrategy(typeStrategy(t)), WithStoreFactory(f.factory))
	var fallbacks atomic.Int32
	rr := NewRetryReporter(c, errors.RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2,
	}, ReporterFunc(func(context.Context, *shard.FailureContext) { fallbacks.Add(1) }))
	c.SetReporter(rr)

	// When: submitted asynchronously
	outcome, err := c.Submit(context.Background(),
		mutation.NewSealedBatch(mutation.Add("book", "1", []byte("a"))), ModeAsync)
	require.NoError(t, err)
	require.NoError(t, waitDone(t, outcome))
	rr.Wait()

	// Then: the retry applied the operation and the fallback was not needed
	assert.Equal(t, []string{"book/1"}, ids(t, f.store(t, "books")))
	assert.Zero(t, fallbacks.Load())
}

func TestRetryReporter_NonRetryableGoesToFallback(t *testing.T) {
	var fallbacks atomic.Int32
	rr := NewRetryReporter(nil, errors.DefaultRetryConfig(),
		ReporterFunc(func(context.Context, *shard.FailureContext) { fallbacks.Add(1) }))
	fc := shard.Rejected("books", "b-1", errors.ValidationError("bad payload", nil),
		[]mutation.Operation{mutation.Add("book", "1", nil)})

	rr.Report(context.Background(), fc)
	rr.Wait()

	assert.Equal(t, int32(1), fallbacks.Load())
}

func TestNewFromConfig_PersistentShardsAndLocking(t *testing.T) {
	// Given: a two-shard sqlite configuration on disk
	cfg := config.NewConfig()
	cfg.Sharding.Shards = 2
	cfg.Storage.Backend = "sqlite"
	cfg.Storage.DataDir = t.TempDir()
	cfg.Maintenance.Enabled = false

	c, err := NewFromConfig(cfg)
	require.NoError(t, err)
	_, err = c.Submit(context.Background(), mutation.NewSealedBatch(
		mutation.Add("book", "1", []byte("a")),
		mutation.Add("book", "2", []byte("b")),
		mutation.Add("book", "3", []byte("c")),
	), DefaultMode(cfg))
	require.NoError(t, err)

	// When: a second coordinator opens the same shards
	other, err := NewFromConfig(cfg)
	require.NoError(t, err)
	_, err = other.Submit(context.Background(),
		mutation.NewSealedBatch(mutation.Purge("book", "")), ModeSync)

	// Then: the shard lock keeps it out
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeShardLocked, errors.GetCode(err))
	require.NoError(t, other.Close(context.Background()))

	// And: after the first closes, the data is there for the next one
	require.NoError(t, c.Close(context.Background()))
	reopened, err := NewFromConfig(cfg)
	require.NoError(t, err)
	defer func() { _ = reopened.Close(context.Background()) }()
	_, err = reopened.Submit(context.Background(),
		mutation.NewSealedBatch(mutation.Optimize("")), ModeSync)
	require.NoError(t, err)

	total := 0
	for _, st := range reopened.ShardStats() {
		total += st.Store.Documents
	}
	assert.Equal(t, 3, total)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("ASYNC")
	require.NoError(t, err)
	assert.Equal(t, ModeAsync, m)

	_, err = ParseMode("eventually")
	assert.Error(t, err)
}
