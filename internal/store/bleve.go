package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/index/scorch/mergeplan"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/Aman-CERP/shardex/internal/errors"
)

// BleveStore is a full-text shard backed by bleve.
type BleveStore struct {
	mu      sync.RWMutex
	index   bleve.Index
	path    string
	closed  bool
	writing atomic.Bool
}

// bleveDocument is the indexed form of a Document.
type bleveDocument struct {
	EntityType string            `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Content    string            `json:"content"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// forceMerger is implemented by scorch indexes.
type forceMerger interface {
	ForceMerge(ctx context.Context, mo *mergeplan.MergePlanOptions) error
}

// NewBleveStore opens or creates an index at path. An empty path creates an
// in-memory index.
func NewBleveStore(path string) (*BleveStore, error) {
	indexMapping, err := newIndexMapping()
	if err != nil {
		return nil, errors.InternalError("failed to build index mapping", err)
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.IOError(fmt.Sprintf("failed to create directory for %s", path), err)
		}
		if verr := validateIndexMeta(path); verr != nil {
			slog.Warn("bleve_index_corrupted",
				slog.String("path", path),
				slog.String("error", verr.Error()))
			if rerr := os.RemoveAll(path); rerr != nil {
				return nil, errors.New(errors.ErrCodeCorruptIndex, "corrupted index cannot be removed", rerr).
					WithDetail("path", path)
			}
		}

		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, errors.New(errors.ErrCodeCorruptIndex, "failed to open bleve index", err).
			WithDetail("path", path)
	}

	return &BleveStore{index: idx, path: path}, nil
}

func newIndexMapping() (*mapping.IndexMappingImpl, error) {
	im := bleve.NewIndexMapping()
	err := im.AddCustomAnalyzer(ContentAnalyzerName, map[string]interface{}{
		"type":          custom.Name,
		"tokenizer":     IdentifierTokenizerName,
		"token_filters": []string{lowercase.Name, StopFilterName},
	})
	if err != nil {
		return nil, err
	}
	im.DefaultAnalyzer = ContentAnalyzerName

	typeField := bleve.NewTextFieldMapping()
	typeField.Analyzer = keyword.Name
	typeField.Store = false

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("entity_type", typeField)
	doc.AddFieldMappingsAt("entity_id", typeField)
	im.DefaultMapping = doc

	return im, nil
}

// validateIndexMeta catches half-written indexes left by a crash.
func validateIndexMeta(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(path, "index_meta.json"))
	if err != nil {
		return fmt.Errorf("index_meta.json unreadable: %w", err)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}
	return nil
}

func (b *BleveStore) OpenWriter(ctx context.Context, mode WriteMode) (Writer, error) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, errStoreClosed
	}
	if !b.writing.CompareAndSwap(false, true) {
		return nil, writerBusy("bleve")
	}
	return &bleveWriter{store: b, mode: mode}, nil
}

// Optimize force-merges scorch segments. Other index types have nothing to merge.
func (b *BleveStore) Optimize(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errStoreClosed
	}

	adv, err := b.index.Advanced()
	if err != nil {
		return errors.New(errors.ErrCodeMaintenanceFailed, "failed to access index internals", err)
	}
	fm, ok := adv.(forceMerger)
	if !ok {
		slog.Debug("bleve_optimize_skipped", slog.String("path", b.path))
		return nil
	}
	opts := mergeplan.SingleSegmentMergePlanOptions
	if err := fm.ForceMerge(ctx, &opts); err != nil {
		return errors.New(errors.ErrCodeMaintenanceFailed, "force merge failed", err)
	}
	return nil
}

func (b *BleveStore) IDs(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, errStoreClosed
	}
	ids, err := b.search(ctx, bleve.NewMatchAllQuery())
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// keysOfType lists committed keys for an entity type. Caller holds b.mu.
func (b *BleveStore) keysOfType(ctx context.Context, entityType string) ([]string, error) {
	q := bleve.NewTermQuery(entityType)
	q.SetField("entity_type")
	return b.search(ctx, q)
}

const searchPageSize = 1000

func (b *BleveStore) search(ctx context.Context, q query.Query) ([]string, error) {
	var ids []string
	for from := 0; ; from += searchPageSize {
		req := bleve.NewSearchRequestOptions(q, searchPageSize, from, false)
		req.SortBy([]string{"_id"})
		res, err := b.index.SearchInContext(ctx, req)
		if err != nil {
			return nil, errors.New(errors.ErrCodeShardWrite, "index search failed", err)
		}
		for _, hit := range res.Hits {
			ids = append(ids, hit.ID)
		}
		if len(res.Hits) < searchPageSize {
			return ids, nil
		}
	}
}

func (b *BleveStore) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return Stats{Backend: string(BackendBleve)}
	}
	n, _ := b.index.DocCount()
	return Stats{Backend: string(BackendBleve), Documents: int(n)}
}

func (b *BleveStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.index.Close()
}

// bleveWriter buffers calls and applies them as one bleve batch on Commit.
type bleveWriter struct {
	store *BleveStore
	mode  WriteMode
	ops   []stagedOp
	done  bool
}

func (w *bleveWriter) Add(ctx context.Context, doc *Document) error {
	if w.done {
		return errWriterClosed
	}
	cp := *doc
	w.ops = append(w.ops, stagedOp{key: doc.Key(), doc: &cp})
	return nil
}

func (w *bleveWriter) Delete(ctx context.Context, key string) error {
	if w.done {
		return errWriterClosed
	}
	w.ops = append(w.ops, stagedOp{del: true, key: key})
	return nil
}

func (w *bleveWriter) DeleteByType(ctx context.Context, entityType string) error {
	if w.done {
		return errWriterClosed
	}
	w.ops = append(w.ops, stagedOp{byType: entityType})
	return nil
}

func (w *bleveWriter) Commit(ctx context.Context) error {
	if w.done {
		return errWriterClosed
	}
	w.done = true
	defer w.store.writing.Store(false)

	b := w.store
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errStoreClosed
	}

	var lookupErr error
	state, order := resolve(w.ops, func(entityType string) []string {
		keys, err := b.keysOfType(ctx, entityType)
		if err != nil && lookupErr == nil {
			lookupErr = err
		}
		return keys
	})
	if lookupErr != nil {
		return errors.New(errors.ErrCodeShardWrite, "failed to resolve type deletion", lookupErr)
	}

	batch := b.index.NewBatch()
	for _, key := range order {
		doc := state[key]
		if doc == nil {
			batch.Delete(key)
			continue
		}
		bd := bleveDocument{
			EntityType: doc.EntityType,
			EntityID:   doc.EntityID,
			Content:    doc.Content,
			Fields:     doc.Fields,
		}
		if err := batch.Index(key, bd); err != nil {
			return errors.New(errors.ErrCodeShardWrite, fmt.Sprintf("failed to index %s", key), err)
		}
	}
	if batch.Size() == 0 {
		return nil
	}
	if err := b.index.Batch(batch); err != nil {
		return errors.New(errors.ErrCodeShardWrite, "bleve batch failed", err).
			WithDetail("mode", w.mode.String())
	}
	return nil
}

func (w *bleveWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.ops = nil
	w.store.writing.Store(false)
	return nil
}

var _ Store = (*BleveStore)(nil)
