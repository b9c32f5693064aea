package store

import (
	"fmt"
	"path/filepath"

	"github.com/Aman-CERP/shardex/internal/errors"
)

// Backend names a store implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendBleve  Backend = "bleve"
	BackendSQLite Backend = "sqlite"
	BackendHNSW   Backend = "hnsw"
)

// Backends lists every supported backend.
func Backends() []Backend {
	return []Backend{BackendMemory, BackendBleve, BackendSQLite, BackendHNSW}
}

// Options configure Open.
type Options struct {
	// Vector configures the hnsw backend.
	Vector VectorConfig
}

// Open creates the store for one shard inside dir. An empty dir keeps the
// shard in memory regardless of backend.
func Open(backend Backend, dir string, opts Options) (Store, error) {
	file := func(name string) string {
		if dir == "" {
			return ""
		}
		return filepath.Join(dir, name)
	}

	switch backend {
	case BackendMemory, "":
		return NewMemoryStore(), nil
	case BackendBleve:
		return NewBleveStore(file("index.bleve"))
	case BackendSQLite:
		return NewSQLiteStore(file("index.db"))
	case BackendHNSW:
		return NewVectorStore(file("vectors.hnsw"), opts.Vector)
	default:
		return nil, errors.ConfigError(fmt.Sprintf("unknown storage backend %q", backend), nil).
			WithSuggestion("use one of: memory, bleve, sqlite, hnsw")
	}
}

// Persistent reports whether a backend keeps data on disk when given a directory.
func (b Backend) Persistent() bool {
	return b == BackendBleve || b == BackendSQLite || b == BackendHNSW
}
