package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	_ "modernc.org/sqlite" // pure Go driver, no CGO

	"github.com/Aman-CERP/shardex/internal/errors"
)

// SQLiteStore is a shard kept in a SQLite database with an FTS5 table for
// content. Documents are stored whole next to the FTS rows.
type SQLiteStore struct {
	mu      sync.RWMutex
	db      *sql.DB
	path    string
	closed  bool
	writing atomic.Bool
	stop    map[string]struct{}
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	doc_key     TEXT PRIMARY KEY,
	entity_type TEXT NOT NULL,
	body        BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_type ON documents(entity_type);

CREATE VIRTUAL TABLE IF NOT EXISTS fts_content USING fts5(
	doc_key UNINDEXED,
	content,
	tokenize='unicode61'
);
`

// NewSQLiteStore opens or creates the database at path. An empty path
// creates an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.IOError(fmt.Sprintf("failed to create directory for %s", path), err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.IOError("failed to open sqlite database", err)
	}

	// One connection: a writer pins it for the length of its transaction, and
	// an in-memory database only exists on the connection that created it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -16384",
		"PRAGMA temp_store = MEMORY",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, errors.IOError("failed to set pragma", err).WithDetail("pragma", p)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, errors.New(errors.ErrCodeCorruptIndex, "failed to initialize schema", err).
			WithDetail("path", path)
	}

	return &SQLiteStore{db: db, path: path, stop: buildStopWordMap(DefaultStopWords)}, nil
}

func (s *SQLiteStore) OpenWriter(ctx context.Context, mode WriteMode) (Writer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStoreClosed
	}
	if !s.writing.CompareAndSwap(false, true) {
		return nil, writerBusy("sqlite")
	}

	w, err := s.beginWriter(ctx, mode)
	if err != nil {
		s.writing.Store(false)
		return nil, err
	}
	return w, nil
}

func (s *SQLiteStore) beginWriter(ctx context.Context, mode WriteMode) (*sqliteWriter, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, errors.IOError("failed to acquire connection", err)
	}
	if mode == WriteBatch {
		if _, err := conn.ExecContext(ctx, "PRAGMA synchronous = OFF"); err != nil {
			_ = conn.Close()
			return nil, errors.IOError("failed to relax synchronous mode", err)
		}
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		_ = conn.Close()
		return nil, errors.IOError("failed to begin transaction", err)
	}
	return &sqliteWriter{store: s, mode: mode, conn: conn, tx: tx}, nil
}

// Optimize merges FTS5 b-trees and truncates the WAL.
func (s *SQLiteStore) Optimize(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errStoreClosed
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO fts_content(fts_content) VALUES('optimize')`); err != nil {
		return errors.New(errors.ErrCodeMaintenanceFailed, "fts optimize failed", err)
	}
	if s.path != "" {
		if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			return errors.New(errors.ErrCodeMaintenanceFailed, "wal checkpoint failed", err)
		}
	}
	return nil
}

func (s *SQLiteStore) IDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT doc_key FROM documents ORDER BY doc_key`)
	if err != nil {
		return nil, errors.IOError("failed to list documents", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.IOError("failed to scan document key", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Backend: string(BackendSQLite)}
	if s.closed {
		return st
	}
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM documents`).Scan(&st.Documents)
	return st
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.path != "" {
		if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			slog.Warn("sqlite_checkpoint_failed",
				slog.String("path", s.path),
				slog.String("error", err.Error()))
		}
	}
	return s.db.Close()
}

// sqliteWriter holds an open transaction on a pinned connection.
type sqliteWriter struct {
	store *SQLiteStore
	mode  WriteMode
	conn  *sql.Conn
	tx    *sql.Tx
	done  bool
}

func (w *sqliteWriter) Add(ctx context.Context, doc *Document) error {
	if w.done {
		return errWriterClosed
	}
	key := doc.Key()
	body, err := EncodeDocument(doc)
	if err != nil {
		return errors.ValidationError("failed to encode document", err)
	}

	if _, err := w.tx.ExecContext(ctx, `DELETE FROM fts_content WHERE doc_key = ?`, key); err != nil {
		return w.fail("delete fts row", key, err)
	}
	if _, err := w.tx.ExecContext(ctx, `INSERT INTO fts_content(doc_key, content) VALUES (?, ?)`,
		key, analyzeContent(doc.Content, w.store.stop)); err != nil {
		return w.fail("insert fts row", key, err)
	}
	if _, err := w.tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO documents(doc_key, entity_type, body) VALUES (?, ?, ?)`,
		key, doc.EntityType, body); err != nil {
		return w.fail("insert document", key, err)
	}
	return nil
}

func (w *sqliteWriter) Delete(ctx context.Context, key string) error {
	if w.done {
		return errWriterClosed
	}
	if _, err := w.tx.ExecContext(ctx, `DELETE FROM fts_content WHERE doc_key = ?`, key); err != nil {
		return w.fail("delete fts row", key, err)
	}
	if _, err := w.tx.ExecContext(ctx, `DELETE FROM documents WHERE doc_key = ?`, key); err != nil {
		return w.fail("delete document", key, err)
	}
	return nil
}

func (w *sqliteWriter) DeleteByType(ctx context.Context, entityType string) error {
	if w.done {
		return errWriterClosed
	}
	if _, err := w.tx.ExecContext(ctx,
		`DELETE FROM fts_content WHERE doc_key IN (SELECT doc_key FROM documents WHERE entity_type = ?)`,
		entityType); err != nil {
		return w.fail("delete fts rows by type", entityType, err)
	}
	if _, err := w.tx.ExecContext(ctx, `DELETE FROM documents WHERE entity_type = ?`, entityType); err != nil {
		return w.fail("delete documents by type", entityType, err)
	}
	return nil
}

func (w *sqliteWriter) Commit(ctx context.Context) error {
	if w.done {
		return errWriterClosed
	}
	err := w.tx.Commit()
	w.release()
	if err != nil {
		return errors.New(errors.ErrCodeShardWrite, "sqlite commit failed", err).
			WithDetail("mode", w.mode.String())
	}
	return nil
}

func (w *sqliteWriter) Abort() error {
	if w.done {
		return nil
	}
	err := w.tx.Rollback()
	w.release()
	return err
}

func (w *sqliteWriter) release() {
	w.done = true
	if w.mode == WriteBatch {
		if _, err := w.conn.ExecContext(context.Background(), "PRAGMA synchronous = NORMAL"); err != nil {
			slog.Warn("sqlite_restore_synchronous_failed", slog.String("error", err.Error()))
		}
	}
	_ = w.conn.Close()
	w.store.writing.Store(false)
}

func (w *sqliteWriter) fail(what, key string, err error) error {
	return errors.New(errors.ErrCodeShardWrite, fmt.Sprintf("failed to %s", what), err).
		WithDetail("key", key)
}

var _ Store = (*SQLiteStore)(nil)
