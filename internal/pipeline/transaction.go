package pipeline

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/Aman-CERP/shardex/internal/mutation"
)

// Transaction collects the index operations of one unit of work and submits
// them on Commit. With an auto-flush size configured, it submits what it has
// whenever that many operations are pending, so long units of work do not
// hold everything in memory. Flushed work is not undone by Rollback.
type Transaction struct {
	coord     *Coordinator
	mode      Mode
	flushSize int
	batch     *mutation.WorkBatch

	mu       sync.Mutex
	outcomes []*Outcome
}

// Begin starts a unit of work submitted in mode.
func (c *Coordinator) Begin(mode Mode) *Transaction {
	return &Transaction{
		coord:     c,
		mode:      mode,
		flushSize: c.cfg.AutoFlushSize,
		batch:     mutation.NewWorkBatch(),
	}
}

// Add records ops. It fails after Commit or Rollback. If the auto-flush size
// is reached the pending operations are submitted and any submission error
// is returned.
func (tx *Transaction) Add(ctx context.Context, ops ...mutation.Operation) error {
	if err := tx.batch.Add(ops...); err != nil {
		return err
	}
	if tx.flushSize > 0 && tx.batch.Len() >= tx.flushSize {
		return tx.Flush(ctx)
	}
	return nil
}

// Len returns the number of pending operations.
func (tx *Transaction) Len() int { return tx.batch.Len() }

// Flush submits the pending operations and keeps the transaction open.
func (tx *Transaction) Flush(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	sealed, err := tx.batch.SplitOff()
	if err != nil {
		return err
	}
	return tx.submit(ctx, sealed)
}

// Commit submits the remaining operations and closes the transaction. In
// ModeSync it returns once they are applied.
func (tx *Transaction) Commit(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	sealed, err := tx.batch.Seal()
	if err != nil {
		return err
	}
	return tx.submit(ctx, sealed)
}

// Rollback drops pending operations and closes the transaction. It returns
// the number of operations dropped.
func (tx *Transaction) Rollback() int {
	return tx.batch.Discard()
}

func (tx *Transaction) submit(ctx context.Context, sealed *mutation.SealedBatch) error {
	if sealed.Len() == 0 {
		return nil
	}
	outcome, err := tx.coord.Submit(ctx, sealed, tx.mode)
	if outcome != nil {
		tx.outcomes = append(tx.outcomes, outcome)
	}
	return err
}

// Outcomes returns the outcome of every batch submitted so far.
func (tx *Transaction) Outcomes() []*Outcome {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return append([]*Outcome(nil), tx.outcomes...)
}

// Wait blocks until every submitted batch finished and joins their errors.
func (tx *Transaction) Wait(ctx context.Context) error {
	var errs []error
	for _, o := range tx.Outcomes() {
		if err := o.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
