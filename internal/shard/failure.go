package shard

import (
	"fmt"

	"github.com/Aman-CERP/shardex/internal/mutation"
	"github.com/Aman-CERP/shardex/internal/routing"
)

// FailureContext describes one failed shard execution. It is built once and
// never modified.
type FailureContext struct {
	shard      routing.Key
	batchID    string
	cause      error
	atFault    *mutation.Operation
	notApplied []mutation.Operation
	succeeded  []mutation.Operation
	undone     []mutation.Operation
}

// newFailure splits ops around the failure. Ops before committed were
// committed; ops from committed on were not, except the one at fault
// (faultIdx < 0 when no single op is to blame).
func newFailure(shardKey routing.Key, batchID string, cause error, ops []mutation.Operation, committed, faultIdx int) *FailureContext {
	fc := &FailureContext{
		shard:     shardKey,
		batchID:   batchID,
		cause:     cause,
		succeeded: append([]mutation.Operation(nil), ops[:committed]...),
		undone:    append([]mutation.Operation(nil), ops[committed:]...),
	}
	for i := committed; i < len(ops); i++ {
		if i == faultIdx {
			op := ops[i]
			fc.atFault = &op
			continue
		}
		fc.notApplied = append(fc.notApplied, ops[i])
	}
	return fc
}

// Shard returns the shard that failed.
func (f *FailureContext) Shard() routing.Key { return f.shard }

// BatchID returns the identity of the submitted batch.
func (f *FailureContext) BatchID() string { return f.batchID }

// Cause returns the underlying error.
func (f *FailureContext) Cause() error { return f.cause }

// OperationAtFault returns the operation whose application failed, if any.
// Commit and setup failures have no single operation at fault.
func (f *FailureContext) OperationAtFault() (mutation.Operation, bool) {
	if f.atFault == nil {
		return mutation.Operation{}, false
	}
	return *f.atFault, true
}

// NotApplied returns operations that were never committed, excluding the
// operation at fault.
func (f *FailureContext) NotApplied() []mutation.Operation {
	return append([]mutation.Operation(nil), f.notApplied...)
}

// Succeeded returns operations committed before the failure.
func (f *FailureContext) Succeeded() []mutation.Operation {
	return append([]mutation.Operation(nil), f.succeeded...)
}

// Undone returns every uncommitted operation in submission order, the one
// at fault included. This is what a retry must resubmit.
func (f *FailureContext) Undone() []mutation.Operation {
	return append([]mutation.Operation(nil), f.undone...)
}

func (f *FailureContext) Error() string {
	if op, ok := f.OperationAtFault(); ok {
		return fmt.Sprintf("shard %s: %s failed, %d operation(s) not applied: %v",
			f.shard, op, len(f.undone), f.cause)
	}
	return fmt.Sprintf("shard %s: %d operation(s) not applied: %v", f.shard, len(f.undone), f.cause)
}

func (f *FailureContext) Unwrap() error { return f.cause }

// Rejected builds the failure for an execution that never started, such as
// one refused by a full shard queue. Every operation is reported not applied.
func Rejected(shardKey routing.Key, batchID string, cause error, ops []mutation.Operation) *FailureContext {
	return newFailure(shardKey, batchID, cause, ops, 0, -1)
}
