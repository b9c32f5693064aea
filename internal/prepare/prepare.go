// Package prepare turns a sealed batch into per-shard operation lists.
package prepare

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/shardex/internal/errors"
	"github.com/Aman-CERP/shardex/internal/mutation"
	"github.com/Aman-CERP/shardex/internal/routing"
)

// ErrNotIndexable is returned by a Mapper for entities that must not appear
// in the index.
var ErrNotIndexable = stderrors.New("entity is not indexable")

// Mapper builds the document payload for an entity.
type Mapper interface {
	Document(ctx context.Context, entityType, entityID string) ([]byte, error)
}

// MapperFunc adapts a function to Mapper.
type MapperFunc func(ctx context.Context, entityType, entityID string) ([]byte, error)

func (f MapperFunc) Document(ctx context.Context, entityType, entityID string) ([]byte, error) {
	return f(ctx, entityType, entityID)
}

// DefaultParallelism bounds concurrent Mapper calls per batch.
const DefaultParallelism = 8

// Prepared is a batch ready for execution.
type Prepared struct {
	BatchID string
	// Shards holds each shard's operations in execution order. An operation
	// that targets several shards appears in each list.
	Shards map[routing.Key][]mutation.Operation
	// Ops is the full ordered sequence before partitioning.
	Ops []mutation.Operation
	// Suppressed counts secondary operations dropped because the primary layer
	// removed their entity.
	Suppressed int
	// Skipped counts adds dropped because the entity is not indexable.
	Skipped int
}

// Keys returns the shards touched, sorted.
func (p *Prepared) Keys() []routing.Key {
	keys := make([]routing.Key, 0, len(p.Shards))
	for k := range p.Shards {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Preparer orders, resolves and routes batches. It is safe for concurrent use.
type Preparer struct {
	router      *routing.Router
	mapper      Mapper
	parallelism int
}

// NewPreparer creates a preparer. mapper may be nil when every add and
// update carries its own payload.
func NewPreparer(router *routing.Router, mapper Mapper, parallelism int) *Preparer {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	return &Preparer{router: router, mapper: mapper, parallelism: parallelism}
}

// Prepare validates and orders the batch: the primary layer first, then the
// collection-triggered secondary layer, each in submission order. Secondary
// operations on entities deleted in the primary layer are dropped. Missing
// payloads are resolved through the mapper, then each operation is routed.
//
// Any error is fatal to the whole batch and nothing has been executed.
func (p *Preparer) Prepare(ctx context.Context, batch *mutation.SealedBatch) (*Prepared, error) {
	ops := batch.Ops()
	for i, op := range ops {
		if err := validate(op); err != nil {
			return nil, preparationError(batch.ID(), err).WithDetail("index", fmt.Sprint(i))
		}
	}

	ordered, suppressed := orderLayers(ops)

	resolved, skipped, err := p.resolve(ctx, ordered)
	if err != nil {
		return nil, preparationError(batch.ID(), err)
	}

	prepared := &Prepared{
		BatchID:    batch.ID(),
		Shards:     make(map[routing.Key][]mutation.Operation),
		Ops:        resolved,
		Suppressed: suppressed,
		Skipped:    skipped,
	}
	for _, op := range resolved {
		if err := p.route(prepared, op); err != nil {
			return nil, preparationError(batch.ID(), err).WithDetail("op", op.String())
		}
	}
	return prepared, nil
}

// route appends op to the lists of the shards it runs on. An update also
// sends a delete to every other shard that may hold an older copy, so a
// reshard never leaves the entity indexed twice.
func (p *Preparer) route(prepared *Prepared, op mutation.Operation) error {
	if op.Kind() == mutation.KindUpdate {
		write, stale, err := p.router.RouteUpdate(op)
		if err != nil {
			return err
		}
		del := op.AsDelete()
		for _, k := range stale {
			prepared.Shards[k] = append(prepared.Shards[k], del)
		}
		prepared.Shards[write] = append(prepared.Shards[write], op)
		return nil
	}

	keys, err := p.router.Route(op)
	if err != nil {
		return err
	}
	for _, k := range keys {
		prepared.Shards[k] = append(prepared.Shards[k], op)
	}
	return nil
}

func validate(op mutation.Operation) error {
	if !op.Kind().Valid() {
		return errors.ValidationError(fmt.Sprintf("invalid operation kind %d", op.Kind()), nil)
	}
	if strings.Contains(op.EntityType(), "/") {
		return errors.ValidationError(fmt.Sprintf("entity type %q must not contain '/'", op.EntityType()), nil)
	}

	switch op.Kind() {
	case mutation.KindAdd, mutation.KindUpdate, mutation.KindDelete:
		if op.EntityType() == "" || op.EntityID() == "" {
			return errors.ValidationError(fmt.Sprintf("%s requires an entity type and id", op.Kind()), nil)
		}
	case mutation.KindPurge:
		if op.EntityType() == "" {
			return errors.ValidationError("purge requires an entity type", nil)
		}
	case mutation.KindOptimize:
	}
	return nil
}

// orderLayers returns primary operations followed by the surviving
// secondary ones. A secondary operation is dropped when, after the whole
// primary layer, its entity is gone: deleted or purged and not written again.
func orderLayers(ops []mutation.Operation) ([]mutation.Operation, int) {
	// gone maps an entity to whether its last primary operation removed it.
	gone := make(map[string]bool)
	purgedTypes := make(map[string]struct{})

	out := make([]mutation.Operation, 0, len(ops))
	for _, op := range ops {
		if op.Layer() != mutation.LayerPrimary {
			continue
		}
		out = append(out, op)

		switch op.Kind() {
		case mutation.KindDelete:
			gone[entityKey(op)] = true
		case mutation.KindPurge:
			if op.EntityID() != "" {
				gone[entityKey(op)] = true
				continue
			}
			purgedTypes[op.EntityType()] = struct{}{}
			prefix := op.EntityType() + "/"
			for k := range gone {
				if strings.HasPrefix(k, prefix) {
					delete(gone, k)
				}
			}
		case mutation.KindAdd, mutation.KindUpdate:
			gone[entityKey(op)] = false
		case mutation.KindOptimize:
		}
	}

	suppressed := 0
	for _, op := range ops {
		if op.Layer() != mutation.LayerSecondary {
			continue
		}
		removed, seen := gone[entityKey(op)]
		if !seen {
			_, removed = purgedTypes[op.EntityType()]
		}
		if removed {
			suppressed++
			continue
		}
		out = append(out, op)
	}
	return out, suppressed
}

func entityKey(op mutation.Operation) string {
	return op.EntityType() + "/" + op.EntityID()
}

// resolve fills missing payloads in parallel. Adds of entities that are not
// indexable are dropped; such updates become deletes.
func (p *Preparer) resolve(ctx context.Context, ops []mutation.Operation) ([]mutation.Operation, int, error) {
	type result struct {
		payload      []byte
		notIndexable bool
	}
	results := make([]result, len(ops))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallelism)
	for i, op := range ops {
		if op.HasPayload() {
			continue
		}
		if op.Kind() != mutation.KindAdd && op.Kind() != mutation.KindUpdate {
			continue
		}
		if p.mapper == nil {
			_ = g.Wait()
			return nil, 0, errors.ValidationError(fmt.Sprintf("%s has no payload and no document mapper is configured", op), nil)
		}
		g.Go(func() error {
			payload, err := p.mapper.Document(gctx, op.EntityType(), op.EntityID())
			switch {
			case stderrors.Is(err, ErrNotIndexable):
				results[i].notIndexable = true
				return nil
			case err != nil:
				return fmt.Errorf("map %s: %w", op, err)
			case payload == nil:
				payload = []byte{}
			}
			results[i].payload = payload
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	out := make([]mutation.Operation, 0, len(ops))
	skipped := 0
	for i, op := range ops {
		r := results[i]
		switch {
		case r.notIndexable && op.Kind() == mutation.KindAdd:
			skipped++
		case r.notIndexable:
			out = append(out, op.AsDelete())
		case r.payload != nil:
			out = append(out, op.WithPayload(r.payload))
		default:
			out = append(out, op)
		}
	}
	return out, skipped, nil
}

func preparationError(batchID string, cause error) *errors.ShardexError {
	if code := errors.GetCode(cause); code == errors.ErrCodeNoShardForType {
		return errors.New(code, "batch routing failed", cause).WithDetail("batch_id", batchID)
	}
	return errors.New(errors.ErrCodePreparation, "batch preparation failed", cause).
		WithDetail("batch_id", batchID)
}
