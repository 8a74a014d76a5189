// Package sqlite implements the memory store over SQLite with the
// sqlite-vec extension for ANN search and FTS5 for lexical search.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/charmbracelet/log"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/tincomking/openclaw-tinmem/internal/storage"
)

// Store implements storage.Store using SQLite. Three tables back one
// logical memories table: the scalar row store, a vec0 virtual table
// holding the embeddings (sharing rowids), and an FTS5 index over
// content, summary, headline, and tags.
type Store struct {
	db     *sql.DB
	queue  *storage.WriteQueue
	dims   int
	logger *log.Logger

	// ftsReady tracks whether the FTS5 table exists. Some engines misbehave
	// when a full-text index is built over an empty column, so the table is
	// created lazily alongside the first real insert. Only touched inside
	// the write queue.
	ftsReady bool
}

const schema = `
CREATE TABLE IF NOT EXISTS memories (
	id               TEXT NOT NULL UNIQUE,
	headline         TEXT NOT NULL,
	summary          TEXT NOT NULL,
	content          TEXT NOT NULL,
	category         TEXT NOT NULL,
	scope            TEXT NOT NULL,
	importance       REAL NOT NULL DEFAULT 0.5,
	tags             TEXT NOT NULL DEFAULT '[]',
	metadata         TEXT NOT NULL DEFAULT '{}',
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL,
	last_accessed_at INTEGER NOT NULL DEFAULT 0,
	access_count     INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_memories_id ON memories(id);
CREATE INDEX IF NOT EXISTS idx_memories_scope ON memories(scope);

CREATE TABLE IF NOT EXISTS store_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Open opens (or creates) a store at the given path with a fixed embedding
// dimensionality. Re-opening an existing store with a different
// dimensionality fails with ErrInvalidInput: the table schema fixes the
// dimension at creation time.
func Open(path string, dims int, logger *log.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: db path is required", storage.ErrInvalidInput)
	}
	if dims <= 0 {
		return nil, fmt.Errorf("%w: dimensions must be positive", storage.ErrInvalidInput)
	}
	if logger == nil {
		logger = log.Default()
	}

	sqlite_vec.Auto()

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite supports one concurrent writer. A single open connection plus
	// the write queue serialises all access and avoids SQLITE_BUSY under
	// concurrent load; WAL mode lets readers proceed without blocking.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s failed: %w", pragma, err)
		}
	}

	var vecVersion string
	if err := db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: sqlite-vec extension not available: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create schema: %w", err)
	}

	if err := checkDimensions(db, dims); err != nil {
		db.Close()
		return nil, err
	}

	createVec := fmt.Sprintf(
		"CREATE VIRTUAL TABLE IF NOT EXISTS vec_memories USING vec0(embedding float[%d] distance_metric=cosine)", dims)
	if _, err := db.Exec(createVec); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create vec0 table: %w", err)
	}

	s := &Store{
		db:     db,
		queue:  storage.NewWriteQueue(),
		dims:   dims,
		logger: logger.WithPrefix("tinmem.store"),
	}

	s.ftsReady, err = tableExists(db, "memories_fts")
	if err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Debug("store opened", "path", path, "dims", dims, "vec_version", vecVersion)
	return s, nil
}

// checkDimensions records the configured dimensionality on first open and
// rejects re-opens with a different value.
func checkDimensions(db *sql.DB, dims int) error {
	var stored string
	err := db.QueryRow("SELECT value FROM store_meta WHERE key = 'dimensions'").Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		_, err = db.Exec("INSERT INTO store_meta (key, value) VALUES ('dimensions', ?)", strconv.Itoa(dims))
		if err != nil {
			return fmt.Errorf("sqlite: failed to record dimensions: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("sqlite: failed to read dimensions: %w", err)
	}

	existing, err := strconv.Atoi(stored)
	if err != nil || existing != dims {
		return fmt.Errorf("%w: store was created with dimensionality %s, configured %d",
			storage.ErrInvalidInput, stored, dims)
	}
	return nil
}

func tableExists(db *sql.DB, name string) (bool, error) {
	var n int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlite: failed to probe table %s: %w", name, err)
	}
	return n > 0, nil
}

// ensureFTSLocked creates the FTS5 table on the first real insert. Must be
// called from inside the write queue, after the triggering row exists in
// the memories table so the index is never built over an empty column.
func (s *Store) ensureFTSLocked(ctx context.Context) error {
	if s.ftsReady {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		"CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(content, summary, headline, tags)")
	if err != nil {
		return fmt.Errorf("sqlite: failed to create FTS index: %w", err)
	}
	s.ftsReady = true
	return nil
}

// Dimensions returns the fixed embedding dimensionality of the table.
func (s *Store) Dimensions() int {
	return s.dims
}

// Close drains the write queue, checkpoints the WAL, and releases the
// database. The TRUNCATE checkpoint removes the -shm and -wal files so
// another process can open the path without stale WAL state.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	s.queue.Close()
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Debug("WAL checkpoint on close failed", "err", err)
	}
	return s.db.Close()
}

// Compile-time assertion.
var _ storage.Store = (*Store)(nil)
