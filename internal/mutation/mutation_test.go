package mutation

import (
	stderrors "errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/shardex/internal/errors"
)

func TestKind_String(t *testing.T) {
	assert.Equal(t, "add", KindAdd.String())
	assert.Equal(t, "update", KindUpdate.String())
	assert.Equal(t, "delete", KindDelete.String())
	assert.Equal(t, "purge", KindPurge.String())
	assert.Equal(t, "optimize", KindOptimize.String())
	assert.Equal(t, "kind(0)", Kind(0).String())
	assert.False(t, Kind(0).Valid())
	assert.True(t, KindOptimize.Valid())
}

func TestOperation_ModifiersReturnCopies(t *testing.T) {
	// Given: a plain add
	payload := []byte("hello")
	op := Add("doc", "1", payload)

	// When: modifiers are applied and the caller mutates its payload slice
	hinted := op.WithBatchHint().CollectionTriggered()
	payload[0] = 'X'

	// Then: the original is unchanged and the payload was copied
	assert.False(t, op.BatchHint())
	assert.Equal(t, LayerPrimary, op.Layer())
	assert.True(t, hinted.BatchHint())
	assert.Equal(t, LayerSecondary, hinted.Layer())
	assert.Equal(t, []byte("hello"), op.Payload())

	got := op.Payload()
	got[0] = 'Y'
	assert.Equal(t, []byte("hello"), op.Payload())
}

func TestOperation_AsDelete(t *testing.T) {
	op := Update("doc", "7", []byte("x")).WithBatchHint().AsDelete()

	assert.Equal(t, KindDelete, op.Kind())
	assert.Equal(t, "7", op.EntityID())
	assert.True(t, op.BatchHint())
	assert.False(t, op.HasPayload())
	assert.Equal(t, "delete(doc/7)", op.String())
	assert.Equal(t, "optimize(doc)", Optimize("doc").String())
}

func TestWorkBatch_SealTwiceFails(t *testing.T) {
	b := NewWorkBatch()
	require.NoError(t, b.Add(Add("doc", "1", nil)))

	sealed, err := b.Seal()
	require.NoError(t, err)
	assert.Equal(t, 1, sealed.Len())
	assert.NotEmpty(t, sealed.ID())

	_, err = b.Seal()
	assert.ErrorIs(t, err, errors.Sentinel(errors.ErrCodeBatchSealed))
}

func TestWorkBatch_AddAfterSealFails(t *testing.T) {
	b := NewWorkBatch()
	_, err := b.Seal()
	require.NoError(t, err)

	err = b.Add(Delete("doc", "1"))

	assert.ErrorIs(t, err, errors.Sentinel(errors.ErrCodeBatchSealed))
	_, err = b.SplitOff()
	assert.Error(t, err)
}

func TestWorkBatch_SplitOffLeavesBatchOpen(t *testing.T) {
	// Given: a batch with two operations
	b := NewWorkBatch()
	require.NoError(t, b.Add(Add("doc", "1", nil), Add("doc", "2", nil)))

	// When: the prefix is split off
	first, err := b.SplitOff()
	require.NoError(t, err)

	// Then: the batch is open and empty and accepts more work
	assert.Equal(t, 2, first.Len())
	assert.Equal(t, 0, b.Len())
	assert.False(t, b.Sealed())
	require.NoError(t, b.Add(Delete("doc", "1")))

	second, err := b.Seal()
	require.NoError(t, err)
	assert.Equal(t, []Operation{Delete("doc", "1")}, second.Ops())
	assert.NotEqual(t, first.ID(), second.ID())
}

func TestWorkBatch_SplitOffPreservesEveryOperation(t *testing.T) {
	// Given: concurrent producers racing with a splitter
	b := NewWorkBatch()
	const producers, perProducer = 8, 250

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		splits []*SealedBatch
	)
	done := make(chan struct{})

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = b.Add(Add("doc", fmt.Sprintf("%d-%d", p, i), nil))
			}
		}(p)
	}

	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			s, err := b.SplitOff()
			if err == nil {
				mu.Lock()
				splits = append(splits, s)
				mu.Unlock()
			}
		}
	}()

	wg.Wait()
	<-done
	last, err := b.Seal()
	require.NoError(t, err)
	splits = append(splits, last)

	// Then: union of all splits equals everything added, with per-producer order kept
	seen := make(map[string]bool)
	lastIdx := make(map[int]int)
	for _, s := range splits {
		for _, op := range s.Ops() {
			assert.False(t, seen[op.EntityID()], "duplicate %s", op.EntityID())
			seen[op.EntityID()] = true

			var p, i int
			_, scanErr := fmt.Sscanf(op.EntityID(), "%d-%d", &p, &i)
			require.NoError(t, scanErr)
			if prev, ok := lastIdx[p]; ok {
				assert.Greater(t, i, prev)
			}
			lastIdx[p] = i
		}
	}
	assert.Len(t, seen, producers*perProducer)
}

func TestWorkBatch_Discard(t *testing.T) {
	b := NewWorkBatch()
	require.NoError(t, b.Add(Add("doc", "1", nil), Add("doc", "2", nil)))

	assert.Equal(t, 2, b.Discard())
	assert.True(t, b.Sealed())
	assert.Error(t, b.Add(Add("doc", "3", nil)))
}

func TestSealedBatch_ClaimOnce(t *testing.T) {
	s := NewSealedBatch(Add("doc", "1", nil))

	require.NoError(t, s.Claim())
	err := s.Claim()

	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.Sentinel(errors.ErrCodeBatchConsumed)))
}

func TestSealedBatch_OpsIsACopy(t *testing.T) {
	s := NewSealedBatch(Add("doc", "1", nil))

	ops := s.Ops()
	ops[0] = Delete("doc", "9")

	assert.Equal(t, KindAdd, s.Ops()[0].Kind())
}
