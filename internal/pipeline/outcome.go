package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Aman-CERP/shardex/internal/mutation"
	"github.com/Aman-CERP/shardex/internal/routing"
	"github.com/Aman-CERP/shardex/internal/shard"
)

// Outcome tracks the per-shard executions of one submitted batch.
type Outcome struct {
	batchID string
	mode    Mode
	shards  []routing.Key
	onDone  func(*Outcome)
	done    chan struct{}

	mu        sync.Mutex
	remaining int
	failures  []*shard.FailureContext
}

func newOutcome(batchID string, mode Mode, shards []routing.Key, onDone func(*Outcome)) *Outcome {
	o := &Outcome{
		batchID:   batchID,
		mode:      mode,
		shards:    shards,
		onDone:    onDone,
		done:      make(chan struct{}),
		remaining: len(shards),
	}
	if o.remaining == 0 {
		o.complete()
	}
	return o
}

func (o *Outcome) record(_ routing.Key, fc *shard.FailureContext) {
	o.mu.Lock()
	if fc != nil {
		o.failures = append(o.failures, fc)
	}
	o.remaining--
	last := o.remaining == 0
	o.mu.Unlock()

	if last {
		o.complete()
	}
}

func (o *Outcome) complete() {
	if o.onDone != nil {
		o.onDone(o)
	}
	close(o.done)
}

// BatchID returns the identity of the submitted batch.
func (o *Outcome) BatchID() string { return o.batchID }

// Mode returns the mode the batch was submitted in.
func (o *Outcome) Mode() Mode { return o.mode }

// Shards returns the shards the batch touched, sorted.
func (o *Outcome) Shards() []routing.Key {
	return append([]routing.Key(nil), o.shards...)
}

// Done is closed once every shard execution has finished.
func (o *Outcome) Done() <-chan struct{} { return o.done }

// Wait blocks until the batch finished or ctx is done. It returns the batch
// error, if any, or the context's error.
func (o *Outcome) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		return o.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Failures returns the failed shard executions so far, sorted by shard.
func (o *Outcome) Failures() []*shard.FailureContext {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := append([]*shard.FailureContext(nil), o.failures...)
	sort.Slice(out, func(i, j int) bool { return out[i].Shard() < out[j].Shard() })
	return out
}

// Err returns a *BatchError when any finished shard failed, nil otherwise.
func (o *Outcome) Err() error {
	failures := o.Failures()
	if len(failures) == 0 {
		return nil
	}
	return &BatchError{BatchID: o.batchID, Shards: len(o.shards), Failures: failures}
}

// BatchError aggregates the shard failures of one batch. Shards not listed
// committed everything they were given.
type BatchError struct {
	BatchID  string
	Shards   int
	Failures []*shard.FailureContext
}

func (e *BatchError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, fc := range e.Failures {
		parts[i] = fc.Error()
	}
	return fmt.Sprintf("batch %s: %d of %d shard(s) failed: %s",
		e.BatchID, len(e.Failures), e.Shards, strings.Join(parts, "; "))
}

// Unwrap exposes every shard failure to errors.Is and errors.As.
func (e *BatchError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, fc := range e.Failures {
		errs[i] = fc
	}
	return errs
}

// RetryBatch builds a fresh batch holding every uncommitted operation, in
// shard order then submission order.
func (e *BatchError) RetryBatch() *mutation.SealedBatch {
	var ops []mutation.Operation
	for _, fc := range e.Failures {
		ops = append(ops, fc.Undone()...)
	}
	return mutation.NewSealedBatch(ops...)
}
