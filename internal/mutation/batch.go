package mutation

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/Aman-CERP/shardex/internal/errors"
)

// WorkBatch accumulates operations for one unit of work between flush points.
// It is safe for concurrent use; Add and SplitOff are atomic with respect to
// each other.
type WorkBatch struct {
	mu     sync.Mutex
	ops    []Operation
	sealed bool
}

// NewWorkBatch creates an open, empty batch.
func NewWorkBatch() *WorkBatch {
	return &WorkBatch{}
}

// Add appends ops in order. It fails once the batch is sealed or discarded.
func (b *WorkBatch) Add(ops ...Operation) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sealed {
		return errors.New(errors.ErrCodeBatchSealed, "cannot add to a sealed batch", nil)
	}
	b.ops = append(b.ops, ops...)
	return nil
}

// Len returns the number of accumulated operations.
func (b *WorkBatch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ops)
}

// Sealed reports whether Seal or Discard has been called.
func (b *WorkBatch) Sealed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sealed
}

// Seal closes the batch and returns its operations as a SealedBatch.
// Sealing twice is an error.
func (b *WorkBatch) Seal() (*SealedBatch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sealed {
		return nil, errors.New(errors.ErrCodeBatchSealed, "batch already sealed", nil)
	}
	b.sealed = true
	ops := b.ops
	b.ops = nil
	return newSealedBatch(ops), nil
}

// SplitOff detaches everything accumulated so far as a SealedBatch and leaves
// the batch open and empty.
func (b *WorkBatch) SplitOff() (*SealedBatch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sealed {
		return nil, errors.New(errors.ErrCodeBatchSealed, "cannot split a sealed batch", nil)
	}
	ops := b.ops
	b.ops = nil
	return newSealedBatch(ops), nil
}

// Discard drops all accumulated operations and closes the batch.
// It returns the number of operations dropped.
func (b *WorkBatch) Discard() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.ops)
	b.ops = nil
	b.sealed = true
	return n
}

// SealedBatch is an immutable ordered list of operations. A pipeline consumes
// it exactly once.
type SealedBatch struct {
	id       string
	ops      []Operation
	consumed atomic.Bool
}

func newSealedBatch(ops []Operation) *SealedBatch {
	return &SealedBatch{id: uuid.NewString(), ops: ops}
}

// NewSealedBatch builds a sealed batch directly from ops, for callers that do
// not need a WorkBatch.
func NewSealedBatch(ops ...Operation) *SealedBatch {
	cp := make([]Operation, len(ops))
	copy(cp, ops)
	return newSealedBatch(cp)
}

// ID returns the batch identity used in logs and failure reports.
func (s *SealedBatch) ID() string { return s.id }

// Len returns the number of operations.
func (s *SealedBatch) Len() int { return len(s.ops) }

// Ops returns a copy of the operations in order.
func (s *SealedBatch) Ops() []Operation {
	out := make([]Operation, len(s.ops))
	copy(out, s.ops)
	return out
}

// Claim marks the batch consumed. Only the first call succeeds.
func (s *SealedBatch) Claim() error {
	if !s.consumed.CompareAndSwap(false, true) {
		return errors.New(errors.ErrCodeBatchConsumed, "batch already submitted", nil).
			WithDetail("batch_id", s.id)
	}
	return nil
}
