package shard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Aman-CERP/shardex/internal/errors"
	"github.com/Aman-CERP/shardex/internal/mutation"
	"github.com/Aman-CERP/shardex/internal/store"
)

// ExecutorConfig tunes shard execution.
type ExecutorConfig struct {
	// BatchCommitSize splits batch-mode executions into commits of this many
	// operations. Zero commits once at the end.
	BatchCommitSize int
}

// Executor applies prepared operation lists to shard resources.
type Executor struct {
	cfg ExecutorConfig
}

// NewExecutor creates an executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	return &Executor{cfg: cfg}
}

// Execute applies ops to res in order and commits. It must run on the
// resource's queue so that no other writer is open on the shard.
//
// The context is only checked before anything is written; once the first
// writer opens, the execution runs to completion or failure. On failure the
// open writer is aborted and the returned FailureContext accounts for every
// operation.
func (e *Executor) Execute(ctx context.Context, res *Resource, batchID string, ops []mutation.Operation) *FailureContext {
	if len(ops) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return newFailure(res.Key(), batchID,
			errors.New(errors.ErrCodeExecutionAborted, "cancelled before shard execution started", err),
			ops, 0, -1)
	}
	ctx = context.WithoutCancel(ctx)

	mode := store.WriteNormal
	for _, op := range ops {
		if op.BatchHint() {
			mode = store.WriteBatch
			break
		}
	}

	chunk := len(ops)
	if mode == store.WriteBatch && e.cfg.BatchCommitSize > 0 {
		chunk = e.cfg.BatchCommitSize
	}

	start := time.Now()
	for from := 0; from < len(ops); from += chunk {
		to := min(from+chunk, len(ops))
		if fc := e.commitChunk(ctx, res, batchID, mode, ops, from, to); fc != nil {
			logFailure(fc)
			return fc
		}
	}

	slog.Debug("shard_execution_done",
		slog.String("shard", string(res.Key())),
		slog.String("batch_id", batchID),
		slog.String("mode", mode.String()),
		slog.Int("ops", len(ops)),
		slog.Duration("elapsed", time.Since(start)))

	res.TryMaintenance()
	return nil
}

func (e *Executor) commitChunk(ctx context.Context, res *Resource, batchID string, mode store.WriteMode, ops []mutation.Operation, from, to int) *FailureContext {
	w, err := res.Store().OpenWriter(ctx, mode)
	if err != nil {
		return newFailure(res.Key(), batchID, err, ops, from, -1)
	}

	deletes := 0
	for i := from; i < to; i++ {
		if err := apply(ctx, w, res, ops[i]); err != nil {
			if abortErr := w.Abort(); abortErr != nil {
				slog.Warn("shard_abort_failed",
					slog.String("shard", string(res.Key())),
					slog.String("error", abortErr.Error()))
			}
			return newFailure(res.Key(), batchID, err, ops, from, i)
		}
		switch ops[i].Kind() {
		case mutation.KindDelete, mutation.KindPurge, mutation.KindUpdate:
			deletes++
		}
	}

	if err := w.Commit(ctx); err != nil {
		return newFailure(res.Key(), batchID, err, ops, from, -1)
	}
	res.recordCommit(to-from, deletes)
	return nil
}

func apply(ctx context.Context, w store.Writer, res *Resource, op mutation.Operation) error {
	key := store.DocumentKey(op.EntityType(), op.EntityID())

	switch op.Kind() {
	case mutation.KindAdd:
		doc, err := documentFor(op)
		if err != nil {
			return err
		}
		return w.Add(ctx, doc)

	case mutation.KindUpdate:
		doc, err := documentFor(op)
		if err != nil {
			return err
		}
		if err := w.Delete(ctx, key); err != nil {
			return err
		}
		return w.Add(ctx, doc)

	case mutation.KindDelete:
		return w.Delete(ctx, key)

	case mutation.KindPurge:
		if op.EntityID() == "" {
			return w.DeleteByType(ctx, op.EntityType())
		}
		return w.Delete(ctx, key)

	case mutation.KindOptimize:
		res.requestMaintenance()
		return nil

	default:
		return errors.ValidationError(fmt.Sprintf("unknown operation kind %s", op.Kind()), nil)
	}
}

func documentFor(op mutation.Operation) (*store.Document, error) {
	if !op.HasPayload() {
		return nil, errors.ValidationError(fmt.Sprintf("%s has no document payload", op), nil)
	}
	doc, err := store.DecodeDocument(op.Payload())
	if err != nil {
		return nil, err
	}
	doc.EntityType = op.EntityType()
	doc.EntityID = op.EntityID()
	return doc, nil
}

func logFailure(fc *FailureContext) {
	attrs := []any{
		slog.String("shard", string(fc.Shard())),
		slog.String("batch_id", fc.BatchID()),
		slog.Int("succeeded", len(fc.Succeeded())),
		slog.Int("undone", len(fc.Undone())),
	}
	if op, ok := fc.OperationAtFault(); ok {
		attrs = append(attrs, slog.String("op_at_fault", op.String()))
	}
	for k, v := range errors.FormatForLog(fc.Cause()) {
		attrs = append(attrs, slog.Any(k, v))
	}
	slog.Debug("shard_execution_failed", attrs...)
}
