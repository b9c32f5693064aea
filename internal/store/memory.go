package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// MemoryStore keeps committed documents in a map. It backs tests and
// shards configured without a data directory.
type MemoryStore struct {
	mu       sync.RWMutex
	docs     map[string]*Document
	closed   bool
	writing  atomic.Bool
	optimize atomic.Int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*Document)}
}

func (m *MemoryStore) OpenWriter(ctx context.Context, mode WriteMode) (Writer, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, errStoreClosed
	}
	if !m.writing.CompareAndSwap(false, true) {
		return nil, writerBusy("memory")
	}
	return &memoryWriter{store: m}, nil
}

// Optimize is a no-op apart from counting invocations.
func (m *MemoryStore) Optimize(ctx context.Context) error {
	m.optimize.Add(1)
	return nil
}

// OptimizeCount reports how many times Optimize ran.
func (m *MemoryStore) OptimizeCount() int64 {
	return m.optimize.Load()
}

func (m *MemoryStore) IDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errStoreClosed
	}
	ids := make([]string, 0, len(m.docs))
	for k := range m.docs {
		ids = append(ids, k)
	}
	sort.Strings(ids)
	return ids, nil
}

// Get returns a committed document.
func (m *MemoryStore) Get(key string) (*Document, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[key]
	return d, ok
}

func (m *MemoryStore) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{Backend: string(BackendMemory), Documents: len(m.docs)}
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemoryStore) keysOfType(entityType string) []string {
	var keys []string
	for k := range m.docs {
		if t, _ := SplitKey(k); t == entityType {
			keys = append(keys, k)
		}
	}
	return keys
}

type memoryWriter struct {
	store *MemoryStore
	ops   []stagedOp
	done  bool
}

func (w *memoryWriter) Add(ctx context.Context, doc *Document) error {
	if w.done {
		return errWriterClosed
	}
	cp := *doc
	w.ops = append(w.ops, stagedOp{key: doc.Key(), doc: &cp})
	return nil
}

func (w *memoryWriter) Delete(ctx context.Context, key string) error {
	if w.done {
		return errWriterClosed
	}
	w.ops = append(w.ops, stagedOp{del: true, key: key})
	return nil
}

func (w *memoryWriter) DeleteByType(ctx context.Context, entityType string) error {
	if w.done {
		return errWriterClosed
	}
	w.ops = append(w.ops, stagedOp{byType: entityType})
	return nil
}

func (w *memoryWriter) Commit(ctx context.Context) error {
	if w.done {
		return errWriterClosed
	}
	w.done = true
	defer w.store.writing.Store(false)

	m := w.store
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errStoreClosed
	}

	state, _ := resolve(w.ops, m.keysOfType)
	for key, doc := range state {
		if doc == nil {
			delete(m.docs, key)
		} else {
			m.docs[key] = doc
		}
	}
	return nil
}

func (w *memoryWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.ops = nil
	w.store.writing.Store(false)
	return nil
}

var _ Store = (*MemoryStore)(nil)
