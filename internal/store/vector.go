package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/coder/hnsw"

	"github.com/Aman-CERP/shardex/internal/errors"
)

// VectorConfig configures a VectorStore.
type VectorConfig struct {
	Dimensions int
	// Metric is "cos" or "l2".
	Metric   string
	M        int
	EfSearch int
}

// DefaultVectorConfig returns defaults for the given dimension.
func DefaultVectorConfig(dimensions int) VectorConfig {
	return VectorConfig{Dimensions: dimensions, Metric: "cos", M: 16, EfSearch: 20}
}

// VectorStore is a shard holding document vectors in an HNSW graph.
//
// Deletes are lazy: the key mapping is dropped and the graph node stays until
// Optimize rebuilds the graph.
type VectorStore struct {
	mu      sync.RWMutex
	graph   *hnsw.Graph[uint64]
	cfg     VectorConfig
	path    string
	closed  bool
	writing atomic.Bool

	idMap   map[string]uint64
	vectors map[uint64][]float32
	nextKey uint64
}

type vectorMetadata struct {
	IDMap   map[string]uint64
	Vectors map[uint64][]float32
	NextKey uint64
	Config  VectorConfig
}

// NewVectorStore creates a vector shard persisted at path, loading any
// existing graph. An empty path keeps it in memory.
func NewVectorStore(path string, cfg VectorConfig) (*VectorStore, error) {
	if cfg.Dimensions <= 0 {
		return nil, errors.ConfigError("vector store requires positive dimensions", nil)
	}
	if cfg.Metric == "" {
		cfg.Metric = "cos"
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20
	}

	s := &VectorStore{
		graph:   newGraph(cfg),
		cfg:     cfg,
		path:    path,
		idMap:   make(map[string]uint64),
		vectors: make(map[uint64][]float32),
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := s.load(); err != nil {
				return nil, errors.New(errors.ErrCodeCorruptIndex, "failed to load vector graph", err).
					WithDetail("path", path)
			}
		}
	}
	return s, nil
}

func newGraph(cfg VectorConfig) *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	switch cfg.Metric {
	case "l2":
		g.Distance = hnsw.EuclideanDistance
	default:
		g.Distance = hnsw.CosineDistance
	}
	g.M = cfg.M
	g.EfSearch = cfg.EfSearch
	g.Ml = 0.25
	return g
}

func (s *VectorStore) OpenWriter(ctx context.Context, mode WriteMode) (Writer, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, errStoreClosed
	}
	if !s.writing.CompareAndSwap(false, true) {
		return nil, writerBusy("hnsw")
	}
	return &vectorWriter{store: s, mode: mode}, nil
}

// Optimize rebuilds the graph from live vectors, dropping lazily deleted nodes.
func (s *VectorStore) Optimize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}
	if s.graph.Len() == len(s.idMap) {
		return nil
	}

	g := newGraph(s.cfg)
	keys := make([]uint64, 0, len(s.idMap))
	for _, k := range s.idMap {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	live := make(map[uint64][]float32, len(keys))
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		v := s.vectors[k]
		g.Add(hnsw.MakeNode(k, v))
		live[k] = v
	}

	before := s.graph.Len()
	s.graph = g
	s.vectors = live
	slog.Debug("vector_graph_rebuilt",
		slog.String("path", s.path),
		slog.Int("nodes_before", before),
		slog.Int("nodes_after", g.Len()))

	return s.save()
}

func (s *VectorStore) IDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStoreClosed
	}
	ids := make([]string, 0, len(s.idMap))
	for id := range s.idMap {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Nearest returns up to k document keys closest to query.
func (s *VectorStore) Nearest(query []float32, k int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStoreClosed
	}
	if len(query) != s.cfg.Dimensions {
		return nil, dimensionMismatch(s.cfg.Dimensions, len(query))
	}
	if s.graph.Len() == 0 {
		return nil, nil
	}

	q := s.prepare(query)
	byKey := make(map[uint64]string, len(s.idMap))
	for id, key := range s.idMap {
		byKey[key] = id
	}

	// Orphaned nodes can crowd out live ones, so over-fetch.
	nodes := s.graph.Search(q, k+s.graph.Len()-len(s.idMap))
	out := make([]string, 0, k)
	for _, n := range nodes {
		if id, ok := byKey[n.Key]; ok {
			out = append(out, id)
			if len(out) == k {
				break
			}
		}
	}
	return out, nil
}

func (s *VectorStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Backend: string(BackendHNSW)}
	if s.closed {
		return st
	}
	st.Documents = len(s.idMap)
	st.Orphans = s.graph.Len() - len(s.idMap)
	return st
}

func (s *VectorStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	err := s.save()
	s.closed = true
	s.graph = nil
	return err
}

func (s *VectorStore) prepare(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	if s.cfg.Metric == "cos" {
		normalize(out)
	}
	return out
}

// save writes the graph and metadata atomically. Caller holds s.mu.
func (s *VectorStore) save() error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.IOError("failed to create vector directory", err)
	}

	if err := writeAtomic(s.path, func(f *os.File) error {
		return s.graph.Export(f)
	}); err != nil {
		return errors.IOError("failed to export vector graph", err)
	}

	meta := vectorMetadata{IDMap: s.idMap, Vectors: s.vectors, NextKey: s.nextKey, Config: s.cfg}
	if err := writeAtomic(s.path+".meta", func(f *os.File) error {
		return gob.NewEncoder(f).Encode(meta)
	}); err != nil {
		return errors.IOError("failed to save vector metadata", err)
	}
	return nil
}

func (s *VectorStore) load() error {
	mf, err := os.Open(s.path + ".meta")
	if err != nil {
		return fmt.Errorf("open metadata: %w", err)
	}
	defer mf.Close()

	var meta vectorMetadata
	if err := gob.NewDecoder(mf).Decode(&meta); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	if meta.Config.Dimensions != s.cfg.Dimensions {
		return dimensionMismatch(s.cfg.Dimensions, meta.Config.Dimensions)
	}

	gf, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open graph: %w", err)
	}
	defer gf.Close()

	// Import needs an io.ByteReader.
	if err := s.graph.Import(bufio.NewReader(gf)); err != nil {
		return fmt.Errorf("import graph: %w", err)
	}

	s.idMap = meta.IDMap
	s.vectors = meta.Vectors
	s.nextKey = meta.NextKey
	if s.idMap == nil {
		s.idMap = make(map[string]uint64)
	}
	if s.vectors == nil {
		s.vectors = make(map[uint64][]float32)
	}
	return nil
}

func writeAtomic(path string, write func(*os.File) error) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func dimensionMismatch(want, got int) *errors.ShardexError {
	return errors.New(errors.ErrCodeDimensionMismatch,
		fmt.Sprintf("dimension mismatch: expected %d, got %d", want, got), nil)
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}

// vectorWriter buffers changes until Commit.
type vectorWriter struct {
	store *VectorStore
	mode  WriteMode
	ops   []stagedOp
	done  bool
}

func (w *vectorWriter) Add(ctx context.Context, doc *Document) error {
	if w.done {
		return errWriterClosed
	}
	if len(doc.Vector) != w.store.cfg.Dimensions {
		return dimensionMismatch(w.store.cfg.Dimensions, len(doc.Vector)).
			WithDetail("key", doc.Key())
	}
	cp := *doc
	cp.Vector = w.store.prepare(doc.Vector)
	w.ops = append(w.ops, stagedOp{key: doc.Key(), doc: &cp})
	return nil
}

func (w *vectorWriter) Delete(ctx context.Context, key string) error {
	if w.done {
		return errWriterClosed
	}
	w.ops = append(w.ops, stagedOp{del: true, key: key})
	return nil
}

func (w *vectorWriter) DeleteByType(ctx context.Context, entityType string) error {
	if w.done {
		return errWriterClosed
	}
	w.ops = append(w.ops, stagedOp{byType: entityType})
	return nil
}

// Commit applies staged changes. In batch mode the graph is not written to
// disk until the next normal commit, Optimize or Close.
func (w *vectorWriter) Commit(ctx context.Context) error {
	if w.done {
		return errWriterClosed
	}
	w.done = true
	defer w.store.writing.Store(false)

	s := w.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}

	state, order := resolve(w.ops, func(entityType string) []string {
		var keys []string
		for id := range s.idMap {
			if t, _ := SplitKey(id); t == entityType {
				keys = append(keys, id)
			}
		}
		return keys
	})

	for _, id := range order {
		doc := state[id]
		if old, ok := s.idMap[id]; ok {
			delete(s.idMap, id)
			delete(s.vectors, old)
		}
		if doc == nil {
			continue
		}
		key := s.nextKey
		s.nextKey++
		s.graph.Add(hnsw.MakeNode(key, doc.Vector))
		s.idMap[id] = key
		s.vectors[key] = doc.Vector
	}

	if w.mode == WriteBatch {
		return nil
	}
	return s.save()
}

func (w *vectorWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.ops = nil
	w.store.writing.Store(false)
	return nil
}

var _ Store = (*VectorStore)(nil)
