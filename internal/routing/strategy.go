// Package routing decides which shards an index mutation touches.
package routing

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/Aman-CERP/shardex/internal/errors"
)

// Key identifies a shard. It is opaque to the pipeline.
type Key string

// Strategy maps entities to shards.
type Strategy interface {
	// ShardForWrite returns the single shard that holds the entity's document.
	ShardForWrite(entityType, entityID string) (Key, error)

	// ShardsForDelete returns every shard that may hold the entity's document.
	// An empty entityID means every shard that may hold any document of the type.
	ShardsForDelete(entityType, entityID string) ([]Key, error)

	// AllShards returns every shard known to the strategy.
	AllShards() []Key
}

// HashStrategy spreads entities over a fixed number of shards using FNV-1a.
type HashStrategy struct {
	keys []Key
}

// NewHashStrategy creates n shards named "<prefix>-<i>".
func NewHashStrategy(prefix string, n int) (*HashStrategy, error) {
	if n <= 0 {
		return nil, errors.ConfigError(fmt.Sprintf("shard count must be positive, got %d", n), nil)
	}
	keys := make([]Key, n)
	for i := range keys {
		keys[i] = Key(fmt.Sprintf("%s-%d", prefix, i))
	}
	return &HashStrategy{keys: keys}, nil
}

func (h *HashStrategy) ShardForWrite(entityType, entityID string) (Key, error) {
	f := fnv.New32a()
	_, _ = f.Write([]byte(entityType))
	_, _ = f.Write([]byte{'/'})
	_, _ = f.Write([]byte(entityID))
	return h.keys[f.Sum32()%uint32(len(h.keys))], nil
}

func (h *HashStrategy) ShardsForDelete(entityType, entityID string) ([]Key, error) {
	if entityID == "" {
		return h.AllShards(), nil
	}
	k, err := h.ShardForWrite(entityType, entityID)
	if err != nil {
		return nil, err
	}
	return []Key{k}, nil
}

func (h *HashStrategy) AllShards() []Key {
	out := make([]Key, len(h.keys))
	copy(out, h.keys)
	return out
}

// TypeStrategy pins each entity type to one shard.
type TypeStrategy struct {
	byType map[string]Key
	all    []Key
}

// NewTypeStrategy builds a strategy from an entity type to shard mapping.
func NewTypeStrategy(byType map[string]string) (*TypeStrategy, error) {
	if len(byType) == 0 {
		return nil, errors.ConfigError("type strategy needs at least one type mapping", nil)
	}
	m := make(map[string]Key, len(byType))
	set := make(map[Key]struct{})
	for t, k := range byType {
		if k == "" {
			return nil, errors.ConfigError(fmt.Sprintf("empty shard key for type %q", t), nil)
		}
		m[t] = Key(k)
		set[Key(k)] = struct{}{}
	}
	return &TypeStrategy{byType: m, all: sortedKeys(set)}, nil
}

func (s *TypeStrategy) ShardForWrite(entityType, _ string) (Key, error) {
	k, ok := s.byType[entityType]
	if !ok {
		return "", errors.New(errors.ErrCodeNoShardForType,
			fmt.Sprintf("no shard configured for entity type %q", entityType), nil).
			WithSuggestion("add the type under sharding.types")
	}
	return k, nil
}

func (s *TypeStrategy) ShardsForDelete(entityType, entityID string) ([]Key, error) {
	k, err := s.ShardForWrite(entityType, entityID)
	if err != nil {
		return nil, err
	}
	return []Key{k}, nil
}

func (s *TypeStrategy) AllShards() []Key {
	out := make([]Key, len(s.all))
	copy(out, s.all)
	return out
}

// VersionedStrategy lets the shard layout change while the pipeline runs.
// Writes always go to the current layout. Deletes fan out to every layout
// still in the bounded history, since a document written under an older
// layout may live on a shard the current one no longer selects.
type VersionedStrategy struct {
	mu         sync.RWMutex
	current    Strategy
	history    []Strategy
	depth      int
	generation uint64
}

// NewVersionedStrategy wraps initial, keeping up to depth previous layouts.
func NewVersionedStrategy(initial Strategy, depth int) *VersionedStrategy {
	if depth < 0 {
		depth = 0
	}
	return &VersionedStrategy{current: initial, depth: depth}
}

// Reconfigure makes next the current layout and pushes the old one into history.
func (v *VersionedStrategy) Reconfigure(next Strategy) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.depth > 0 {
		v.history = append([]Strategy{v.current}, v.history...)
		if len(v.history) > v.depth {
			v.history = v.history[:v.depth]
		}
	}
	v.current = next
	v.generation++
}

// Generation counts reconfigurations.
func (v *VersionedStrategy) Generation() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.generation
}

func (v *VersionedStrategy) ShardForWrite(entityType, entityID string) (Key, error) {
	v.mu.RLock()
	cur := v.current
	v.mu.RUnlock()
	return cur.ShardForWrite(entityType, entityID)
}

func (v *VersionedStrategy) ShardsForDelete(entityType, entityID string) ([]Key, error) {
	v.mu.RLock()
	layouts := append([]Strategy{v.current}, v.history...)
	v.mu.RUnlock()

	set := make(map[Key]struct{})
	var firstErr error
	for _, s := range layouts {
		keys, err := s.ShardsForDelete(entityType, entityID)
		if err != nil {
			// A layout that never knew the type has nothing to delete.
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, k := range keys {
			set[k] = struct{}{}
		}
	}
	if len(set) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return sortedKeys(set), nil
}

func (v *VersionedStrategy) AllShards() []Key {
	v.mu.RLock()
	layouts := append([]Strategy{v.current}, v.history...)
	v.mu.RUnlock()

	set := make(map[Key]struct{})
	for _, s := range layouts {
		for _, k := range s.AllShards() {
			set[k] = struct{}{}
		}
	}
	return sortedKeys(set)
}

func sortedKeys(set map[Key]struct{}) []Key {
	out := make([]Key, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var (
	_ Strategy = (*HashStrategy)(nil)
	_ Strategy = (*TypeStrategy)(nil)
	_ Strategy = (*VersionedStrategy)(nil)
)
