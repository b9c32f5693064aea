package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Aman-CERP/shardex/internal/errors"
	"github.com/Aman-CERP/shardex/internal/mutation"
	"github.com/Aman-CERP/shardex/internal/shard"
)

// Reporter receives the failures of asynchronously submitted batches.
// Report runs on the worker that finished the batch and must not block.
type Reporter interface {
	Report(ctx context.Context, fc *shard.FailureContext)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, fc *shard.FailureContext)

func (f ReporterFunc) Report(ctx context.Context, fc *shard.FailureContext) { f(ctx, fc) }

// LogReporter logs each failure. It is the default Reporter.
type LogReporter struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (r LogReporter) Report(ctx context.Context, fc *shard.FailureContext) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	attrs := []any{
		slog.String("batch_id", fc.BatchID()),
		slog.String("shard", string(fc.Shard())),
		slog.Int("succeeded", len(fc.Succeeded())),
		slog.Int("not_applied", len(fc.NotApplied())),
	}
	if op, ok := fc.OperationAtFault(); ok {
		attrs = append(attrs, slog.String("op", op.String()))
	}
	for k, v := range errors.FormatForLog(fc.Cause()) {
		attrs = append(attrs, slog.Any(k, v))
	}
	logger.ErrorContext(ctx, "shard_batch_failed", attrs...)
}

// RetryReporter resubmits the uncommitted operations of retryable failures
// with exponential backoff. Failures that are not retryable, or still fail
// after the last attempt, go to Fallback.
type RetryReporter struct {
	coord    *Coordinator
	cfg      errors.RetryConfig
	fallback Reporter

	wg sync.WaitGroup
}

// NewRetryReporter creates a reporter resubmitting through coord. It is
// usually installed after New with SetReporter. A nil fallback logs.
func NewRetryReporter(coord *Coordinator, cfg errors.RetryConfig, fallback Reporter) *RetryReporter {
	if fallback == nil {
		fallback = LogReporter{}
	}
	if cfg.ShouldRetry == nil {
		cfg.ShouldRetry = errors.IsRetryable
	}
	return &RetryReporter{coord: coord, cfg: cfg, fallback: fallback}
}

func (r *RetryReporter) Report(ctx context.Context, fc *shard.FailureContext) {
	undone := fc.Undone()
	if len(undone) == 0 || !r.cfg.ShouldRetry(fc.Cause()) {
		r.fallback.Report(ctx, fc)
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		attempts := 0
		err := errors.Retry(ctx, r.cfg, func() error {
			attempts++
			_, err := r.coord.Submit(ctx, mutation.NewSealedBatch(undone...), ModeSync)
			return err
		})
		if err != nil {
			slog.Warn("shard_retry_exhausted",
				slog.String("batch_id", fc.BatchID()),
				slog.String("shard", string(fc.Shard())),
				slog.Int("attempts", attempts),
				slog.String("error", err.Error()))
			r.fallback.Report(ctx, fc)
			return
		}
		slog.Info("shard_retry_succeeded",
			slog.String("batch_id", fc.BatchID()),
			slog.String("shard", string(fc.Shard())),
			slog.Int("ops", len(undone)),
			slog.Int("attempts", attempts))
	}()
}

// Wait blocks until every resubmission started so far has finished.
func (r *RetryReporter) Wait() {
	r.wg.Wait()
}
