package routing

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Aman-CERP/shardex/internal/errors"
	"github.com/Aman-CERP/shardex/internal/mutation"
)

// DefaultPlacementCacheSize is the number of recent write placements
// remembered for delete fan-out.
const DefaultPlacementCacheSize = 10000

// Router turns an operation into the set of shards it must run on.
//
// Delete fan-out is bounded by two sources: the layouts kept in the
// versioned history and the placements remembered in an LRU cache. A
// document written before both have forgotten its layout is only reached
// by a type-wide purge.
type Router struct {
	strategy  *VersionedStrategy
	placement *lru.Cache[string, Key]
}

// NewRouter creates a router over strategy. historyDepth bounds how many
// previous layouts deletes fan out to after Reconfigure; cacheSize bounds the
// placement memory (0 disables it).
func NewRouter(strategy Strategy, historyDepth, cacheSize int) (*Router, error) {
	if strategy == nil {
		return nil, errors.ConfigError("router requires a sharding strategy", nil)
	}
	vs, ok := strategy.(*VersionedStrategy)
	if !ok {
		vs = NewVersionedStrategy(strategy, historyDepth)
	}

	r := &Router{strategy: vs}
	if cacheSize > 0 {
		cache, err := lru.New[string, Key](cacheSize)
		if err != nil {
			return nil, errors.ConfigError("failed to create placement cache", err)
		}
		r.placement = cache
	}
	return r, nil
}

// Route returns the sorted, de-duplicated shard keys for op. An update is
// routed to its write shard only; RouteUpdate also names the shards that
// may still hold an older copy.
func (r *Router) Route(op mutation.Operation) ([]Key, error) {
	switch op.Kind() {
	case mutation.KindAdd, mutation.KindUpdate:
		k, err := r.strategy.ShardForWrite(op.EntityType(), op.EntityID())
		if err != nil {
			return nil, err
		}
		return []Key{k}, nil

	case mutation.KindDelete, mutation.KindPurge:
		return r.deleteShards(op.EntityType(), op.EntityID())

	case mutation.KindOptimize:
		return r.strategy.AllShards(), nil

	default:
		return nil, errors.ValidationError(fmt.Sprintf("unknown operation kind %s", op.Kind()), nil)
	}
}

// RouteUpdate splits an update into the shard that receives the new
// document and the other shards a delete must reach. stale is empty unless
// the layout changed or the entity was last placed elsewhere.
func (r *Router) RouteUpdate(op mutation.Operation) (write Key, stale []Key, err error) {
	if op.Kind() != mutation.KindUpdate {
		return "", nil, errors.ValidationError(fmt.Sprintf("%s is not an update", op), nil)
	}
	write, err = r.strategy.ShardForWrite(op.EntityType(), op.EntityID())
	if err != nil {
		return "", nil, err
	}
	keys, err := r.deleteShards(op.EntityType(), op.EntityID())
	if err != nil {
		return "", nil, err
	}
	for _, k := range keys {
		if k != write {
			stale = append(stale, k)
		}
	}
	return write, stale, nil
}

func (r *Router) deleteShards(entityType, entityID string) ([]Key, error) {
	keys, err := r.strategy.ShardsForDelete(entityType, entityID)
	if err != nil {
		return nil, err
	}
	if entityID == "" || r.placement == nil {
		return keys, nil
	}
	k, ok := r.placement.Get(placementKey(entityType, entityID))
	if !ok {
		return keys, nil
	}
	set := make(map[Key]struct{}, len(keys)+1)
	for _, existing := range keys {
		set[existing] = struct{}{}
	}
	set[k] = struct{}{}
	return sortedKeys(set), nil
}

// Reconfigure swaps in a new layout. Earlier layouts stay reachable for
// deletes up to the configured history depth.
func (r *Router) Reconfigure(next Strategy) {
	r.strategy.Reconfigure(next)
}

// Generation returns how many times the layout has changed.
func (r *Router) Generation() uint64 {
	return r.strategy.Generation()
}

// AllShards returns every shard reachable under the current and remembered layouts.
func (r *Router) AllShards() []Key {
	return r.strategy.AllShards()
}

// Remember records that the entity's document was committed on k. Callers
// record placements only after the commit succeeded.
func (r *Router) Remember(entityType, entityID string, k Key) {
	if r.placement == nil || entityID == "" {
		return
	}
	r.placement.Add(placementKey(entityType, entityID), k)
}

// Forget drops the remembered placement if it still points at k.
func (r *Router) Forget(entityType, entityID string, k Key) {
	if r.placement == nil || entityID == "" {
		return
	}
	pk := placementKey(entityType, entityID)
	if cur, ok := r.placement.Peek(pk); ok && cur == k {
		r.placement.Remove(pk)
	}
}

// Placement returns the shard the entity was last committed on, if remembered.
func (r *Router) Placement(entityType, entityID string) (Key, bool) {
	if r.placement == nil {
		return "", false
	}
	return r.placement.Peek(placementKey(entityType, entityID))
}

func placementKey(entityType, entityID string) string {
	return entityType + "/" + entityID
}
