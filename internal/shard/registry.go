package shard

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Aman-CERP/shardex/internal/errors"
	"github.com/Aman-CERP/shardex/internal/routing"
)

// Factory creates the resource for a shard on first use.
type Factory func(key routing.Key) (*Resource, error)

// Registry maps shard keys to resources. Entries are only ever inserted
// while it is open and are all removed by Close.
type Registry struct {
	factory Factory

	mu      sync.RWMutex
	closed  bool
	entries sync.Map // routing.Key -> *entry
}

type entry struct {
	once sync.Once
	res  *Resource
	err  error
	// ready publishes res to readers that did not run once.
	ready atomic.Pointer[Resource]
}

// NewRegistry creates a registry that builds resources with factory.
func NewRegistry(factory Factory) *Registry {
	return &Registry{factory: factory}
}

// Get returns the resource for key, creating it if absent. Concurrent
// callers for the same key share one creation. A failed creation is not
// remembered, so a later call tries again.
func (r *Registry) Get(key routing.Key) (*Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, errors.New(errors.ErrCodePipelineClosed, "shard registry is closed", nil)
	}

	v, _ := r.entries.LoadOrStore(key, &entry{})
	e := v.(*entry)
	e.once.Do(func() {
		e.res, e.err = r.factory(key)
		if e.err == nil {
			e.ready.Store(e.res)
		}
	})
	if e.err != nil {
		r.entries.CompareAndDelete(key, e)
		return nil, e.err
	}
	return e.res, nil
}

// Lookup returns an existing resource without creating one.
func (r *Registry) Lookup(key routing.Key) (*Resource, bool) {
	v, ok := r.entries.Load(key)
	if !ok {
		return nil, false
	}
	res := v.(*entry).ready.Load()
	return res, res != nil
}

// Keys returns the keys of all created resources, sorted.
func (r *Registry) Keys() []routing.Key {
	var keys []routing.Key
	r.Range(func(res *Resource) bool {
		keys = append(keys, res.Key())
		return true
	})
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Range calls fn for every created resource until fn returns false.
func (r *Registry) Range(fn func(*Resource) bool) {
	r.entries.Range(func(_, v any) bool {
		res := v.(*entry).ready.Load()
		if res == nil {
			return true
		}
		return fn(res)
	})
}

// Close closes every resource and rejects further Gets.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	var errs []error
	r.entries.Range(func(k, v any) bool {
		if res := v.(*entry).ready.Load(); res != nil {
			if err := res.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		r.entries.Delete(k)
		return true
	})
	return joinErrors(errs)
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return stderrors.Join(errs...)
}
