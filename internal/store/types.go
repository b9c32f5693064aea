// Package store holds the per-shard index backends. Each shard owns one
// Store; the pipeline guarantees at most one open Writer per Store.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Aman-CERP/shardex/internal/errors"
)

// Document is what a shard stores for one entity.
type Document struct {
	EntityType string            `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Content    string            `json:"content"`
	Fields     map[string]string `json:"fields,omitempty"`
	Vector     []float32         `json:"vector,omitempty"`
}

// Key returns the shard-local identity "type/id".
func (d *Document) Key() string {
	return DocumentKey(d.EntityType, d.EntityID)
}

// DocumentKey builds the shard-local identity for an entity.
func DocumentKey(entityType, entityID string) string {
	return entityType + "/" + entityID
}

// SplitKey reverses DocumentKey.
func SplitKey(key string) (entityType, entityID string) {
	entityType, entityID, _ = strings.Cut(key, "/")
	return entityType, entityID
}

// EncodeDocument serializes a document into an operation payload.
func EncodeDocument(d *Document) ([]byte, error) {
	return json.Marshal(d)
}

// DecodeDocument parses an operation payload. A payload that is not a JSON
// object is taken as the document's plain-text content.
func DecodeDocument(payload []byte) (*Document, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return &Document{Content: string(payload)}, nil
	}
	var d Document
	if err := json.Unmarshal(trimmed, &d); err != nil {
		return nil, errors.ValidationError("malformed document payload", err)
	}
	return &d, nil
}

// WriteMode selects how a writer trades durability for throughput.
type WriteMode int

const (
	// WriteNormal commits with the backend's usual durability.
	WriteNormal WriteMode = iota
	// WriteBatch relaxes per-commit durability for bulk loads.
	WriteBatch
)

func (m WriteMode) String() string {
	if m == WriteBatch {
		return "batch"
	}
	return "normal"
}

// Stats is a point-in-time view of a store.
type Stats struct {
	Backend   string
	Documents int
	// Orphans counts entries kept for lazy deletion until the next Optimize.
	Orphans int
}

// Store is a single shard's index.
type Store interface {
	// OpenWriter starts a write session. Changes become visible on Commit.
	OpenWriter(ctx context.Context, mode WriteMode) (Writer, error)

	// Optimize runs backend maintenance. It may run while a writer is open.
	Optimize(ctx context.Context) error

	// IDs returns the sorted keys of all committed documents.
	IDs(ctx context.Context) ([]string, error)

	Stats() Stats
	Close() error
}

// Writer stages changes against a Store. Commit and Abort both end the session.
type Writer interface {
	// Add inserts or replaces the document with the same key.
	Add(ctx context.Context, doc *Document) error

	// Delete removes a document. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// DeleteByType removes every document of an entity type.
	DeleteByType(ctx context.Context, entityType string) error

	Commit(ctx context.Context) error

	// Abort discards everything staged since OpenWriter.
	Abort() error
}

var (
	errStoreClosed  = errors.New(errors.ErrCodeShardWrite, "store is closed", nil)
	errWriterClosed = errors.New(errors.ErrCodeShardWrite, "writer already committed or aborted", nil)
)

func writerBusy(backend string) error {
	return errors.New(errors.ErrCodeShardLocked, fmt.Sprintf("%s store already has an open writer", backend), nil)
}

// stagedOp is one buffered writer call, replayed on commit.
type stagedOp struct {
	del    bool
	byType string
	key    string
	doc    *Document
}

// resolve folds staged ops into a final per-key state: a document to write or
// nil to delete. typeKeys lists committed keys for a type.
func resolve(ops []stagedOp, typeKeys func(string) []string) (map[string]*Document, []string) {
	state := make(map[string]*Document)
	var order []string
	touch := func(key string, doc *Document) {
		if _, ok := state[key]; !ok {
			order = append(order, key)
		}
		state[key] = doc
	}

	for _, op := range ops {
		switch {
		case op.byType != "":
			for _, key := range typeKeys(op.byType) {
				touch(key, nil)
			}
			for key := range state {
				if t, _ := SplitKey(key); t == op.byType {
					state[key] = nil
				}
			}
		case op.del:
			touch(op.key, nil)
		default:
			touch(op.key, op.doc)
		}
	}
	return state, order
}
