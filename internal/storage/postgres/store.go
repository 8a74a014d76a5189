// Package postgres implements the memory store over PostgreSQL with the
// pgvector extension for ANN search and tsvector for lexical search. It is
// the backend selected when the configured dbPath is a postgres:// DSN.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/tincomking/openclaw-tinmem/internal/storage"
	"github.com/tincomking/openclaw-tinmem/internal/storage/predicate"
	"github.com/tincomking/openclaw-tinmem/pkg/types"
)

// Store implements storage.Store using PostgreSQL. The embedding lives in a
// vector(d) column on the memories table; lexical search uses a tsvector
// column with a GIN index, maintained explicitly in the write path.
type Store struct {
	db     *sql.DB
	queue  *storage.WriteQueue
	dims   int
	logger *log.Logger
}

const memoryColumns = `id, headline, summary, content, category, scope, importance,
	tags, metadata, created_at, updated_at, last_accessed_at, access_count`

// Open connects to PostgreSQL, ensures the pgvector extension and schema,
// and verifies the stored dimensionality matches the configured one.
func Open(dsn string, dims int, logger *log.Logger) (*Store, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("%w: dimensions must be positive", storage.ErrInvalidInput)
	}
	if logger == nil {
		logger = log.Default()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to connect: %w", err)
	}

	if _, err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: pgvector extension not available: %w", err)
	}

	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS memories (
			id               TEXT PRIMARY KEY,
			headline         TEXT NOT NULL,
			summary          TEXT NOT NULL,
			content          TEXT NOT NULL,
			category         TEXT NOT NULL,
			scope            TEXT NOT NULL,
			importance       REAL NOT NULL DEFAULT 0.5,
			tags             TEXT NOT NULL DEFAULT '[]',
			metadata         TEXT NOT NULL DEFAULT '{}',
			created_at       BIGINT NOT NULL,
			updated_at       BIGINT NOT NULL,
			last_accessed_at BIGINT NOT NULL DEFAULT 0,
			access_count     INTEGER NOT NULL DEFAULT 0,
			embedding        vector(%d) NOT NULL,
			content_tsv      tsvector
		);
		CREATE INDEX IF NOT EXISTS idx_memories_scope ON memories(scope);
		CREATE INDEX IF NOT EXISTS idx_memories_tsv ON memories USING GIN(content_tsv);
		CREATE TABLE IF NOT EXISTS store_meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`, dims)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to create schema: %w", err)
	}

	if err := checkDimensions(db, dims); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:     db,
		queue:  storage.NewWriteQueue(),
		dims:   dims,
		logger: logger.WithPrefix("tinmem.store"),
	}
	s.logger.Debug("store opened", "backend", "postgres", "dims", dims)
	return s, nil
}

func checkDimensions(db *sql.DB, dims int) error {
	var stored string
	err := db.QueryRow("SELECT value FROM store_meta WHERE key = 'dimensions'").Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		if _, err := db.Exec(
			"INSERT INTO store_meta (key, value) VALUES ('dimensions', $1)", strconv.Itoa(dims)); err != nil {
			return fmt.Errorf("postgres: failed to record dimensions: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("postgres: failed to read dimensions: %w", err)
	}
	existing, err := strconv.Atoi(stored)
	if err != nil || existing != dims {
		return fmt.Errorf("%w: store was created with dimensionality %s, configured %d",
			storage.ErrInvalidInput, stored, dims)
	}
	return nil
}

// Insert atomically appends a single row and returns the populated record.
func (s *Store) Insert(ctx context.Context, m *types.Memory) (*types.Memory, error) {
	if err := s.validateRow(m); err != nil {
		return nil, err
	}

	row := *m
	row.ID = uuid.NewString()
	now := time.Now().UnixMilli()
	if row.CreatedAt == 0 {
		row.CreatedAt = now
	}
	if row.UpdatedAt == 0 {
		row.UpdatedAt = now
	}
	row.Importance = types.ClampImportance(row.Importance)
	row.Tags = types.NormalizeTags(row.Tags)
	row.AccessCount = 0
	row.LastAccessedAt = 0

	err := s.queue.Do(ctx, func() error {
		return s.insertLocked(ctx, &row)
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// BulkInsert appends rows in order inside a single critical section.
func (s *Store) BulkInsert(ctx context.Context, ms []*types.Memory) ([]*types.Memory, error) {
	if len(ms) == 0 {
		return nil, nil
	}
	rows := make([]*types.Memory, 0, len(ms))
	now := time.Now().UnixMilli()
	for _, m := range ms {
		if err := s.validateRow(m); err != nil {
			return nil, err
		}
		row := *m
		row.ID = uuid.NewString()
		if row.CreatedAt == 0 {
			row.CreatedAt = now
		}
		if row.UpdatedAt == 0 {
			row.UpdatedAt = now
		}
		row.Importance = types.ClampImportance(row.Importance)
		row.Tags = types.NormalizeTags(row.Tags)
		row.AccessCount = 0
		row.LastAccessedAt = 0
		rows = append(rows, &row)
	}

	err := s.queue.Do(ctx, func() error {
		for _, row := range rows {
			if err := s.insertLocked(ctx, row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Store) insertLocked(ctx context.Context, m *types.Memory) error {
	tagsJSON, metaJSON, err := encodeJSONFields(m)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (`+memoryColumns+`, embedding, content_tsv)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			to_tsvector('english', $2 || ' ' || $3 || ' ' || $4 || ' ' || $15))`,
		m.ID, m.Headline, m.Summary, m.Content, string(m.Category), string(m.Scope),
		m.Importance, tagsJSON, metaJSON, m.CreatedAt, m.UpdatedAt, m.LastAccessedAt, m.AccessCount,
		pgvector.NewVector(m.Vector), strings.Join(m.Tags, " "))
	if err != nil {
		return fmt.Errorf("postgres: failed to insert memory: %w", err)
	}
	return nil
}

// GetByID returns the row with the given id, or nil when absent.
func (s *Store) GetByID(ctx context.Context, id string) (*types.Memory, error) {
	if !types.IsValidID(id) {
		return nil, fmt.Errorf("%w: invalid id %q", storage.ErrInvalidInput, id)
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT "+memoryColumns+", embedding FROM memories WHERE id = $1", id)
	m, err := scanMemoryWithVector(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get memory: %w", err)
	}
	return m, nil
}

// Update replaces the row in place. PostgreSQL supports a native UPDATE on
// the vector column, so no delete-then-insert rollback image is needed on
// this backend.
func (s *Store) Update(ctx context.Context, id string, delta *types.MemoryDelta) (*types.Memory, error) {
	if !types.IsValidID(id) {
		return nil, fmt.Errorf("%w: invalid id %q", storage.ErrInvalidInput, id)
	}
	if delta == nil {
		return nil, fmt.Errorf("%w: delta is required", storage.ErrInvalidInput)
	}
	if delta.Scope != nil && !types.IsValidScope(*delta.Scope) {
		return nil, fmt.Errorf("%w: invalid scope %q", storage.ErrInvalidInput, *delta.Scope)
	}
	if delta.Category != nil && !types.IsValidCategory(*delta.Category) {
		return nil, fmt.Errorf("%w: invalid category %q", storage.ErrInvalidInput, *delta.Category)
	}
	if delta.Vector != nil && len(*delta.Vector) != s.dims {
		return nil, fmt.Errorf("%w: vector has %d dimensions, table has %d",
			storage.ErrInvalidInput, len(*delta.Vector), s.dims)
	}

	var updated *types.Memory
	err := s.queue.Do(ctx, func() error {
		original, err := s.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if original == nil {
			return storage.ErrNotFound
		}

		next := *original
		delta.Apply(&next)
		next.UpdatedAt = time.Now().UnixMilli()

		tagsJSON, metaJSON, err := encodeJSONFields(&next)
		if err != nil {
			return err
		}

		_, err = s.db.ExecContext(ctx, `
			UPDATE memories SET headline = $2, summary = $3, content = $4, category = $5,
				scope = $6, importance = $7, tags = $8, metadata = $9, updated_at = $10,
				embedding = $11,
				content_tsv = to_tsvector('english', $2 || ' ' || $3 || ' ' || $4 || ' ' || $12)
			WHERE id = $1`,
			next.ID, next.Headline, next.Summary, next.Content, string(next.Category), string(next.Scope),
			next.Importance, tagsJSON, metaJSON, next.UpdatedAt,
			pgvector.NewVector(next.Vector), strings.Join(next.Tags, " "))
		if err != nil {
			return fmt.Errorf("postgres: failed to update memory: %w", err)
		}
		updated = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes a row by id and reports whether a row was removed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	n, err := s.DeleteMany(ctx, []string{id})
	return n > 0, err
}

// DeleteMany removes the given ids and returns the count actually removed.
func (s *Store) DeleteMany(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	b := predicate.New()
	if err := b.IDs("id", ids); err != nil {
		return 0, err
	}

	var removed int
	err := s.queue.Do(ctx, func() error {
		res, err := s.db.ExecContext(ctx, "DELETE FROM memories"+b.Where())
		if err != nil {
			return fmt.Errorf("postgres: failed to delete memories: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("postgres: failed to check rows affected: %w", err)
		}
		removed = int(n)
		return nil
	})
	return removed, err
}

// DeleteByScope removes every row in the scope and returns the count removed.
func (s *Store) DeleteByScope(ctx context.Context, scope types.Scope) (int, error) {
	b := predicate.New()
	if err := b.Scope("scope", scope); err != nil {
		return 0, err
	}

	var removed int
	err := s.queue.Do(ctx, func() error {
		res, err := s.db.ExecContext(ctx, "DELETE FROM memories"+b.Where())
		if err != nil {
			return fmt.Errorf("postgres: failed to delete scope: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("postgres: failed to check rows affected: %w", err)
		}
		removed = int(n)
		return nil
	})
	return removed, err
}

// VectorSearch returns rows by ascending cosine distance using pgvector's
// <=> operator. Scope/category filters run in the SQL WHERE clause; up to
// 3x the limit rows are fetched, rows below MinScore are dropped, and the
// result is truncated to the limit.
func (s *Store) VectorSearch(ctx context.Context, vec []float32, opts storage.SearchOptions) ([]storage.VectorHit, error) {
	if len(vec) != s.dims {
		return nil, fmt.Errorf("%w: query vector has %d dimensions, table has %d",
			storage.ErrInvalidInput, len(vec), s.dims)
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	b := predicate.New()
	if opts.Scope != "" {
		if err := b.Scope("scope", opts.Scope); err != nil {
			return nil, err
		}
	}
	if err := b.Categories("category", opts.Categories); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT `+memoryColumns+`, embedding <=> $1 AS distance
		FROM memories%s
		ORDER BY distance
		LIMIT $2`, b.Where())

	rows, err := s.db.QueryContext(ctx, query, pgvector.NewVector(vec), opts.Limit*3)
	if err != nil {
		return nil, fmt.Errorf("postgres: vector search failed: %w", err)
	}
	defer rows.Close()

	var hits []storage.VectorHit
	for rows.Next() {
		var hit storage.VectorHit
		m, err := scanMemoryTrailing(rows, &hit.Distance)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan vector hit: %w", err)
		}
		if opts.MinScore > 0 && 1.0-hit.Distance < opts.MinScore {
			continue
		}
		hit.Memory = *m
		hits = append(hits, hit)
		if len(hits) == opts.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: vector search rows: %w", err)
	}
	return hits, nil
}

// FullTextSearch ranks rows with ts_rank over the maintained tsvector
// column. websearch_to_tsquery tolerates free-form user input.
func (s *Store) FullTextSearch(ctx context.Context, query string, opts storage.SearchOptions) ([]storage.LexicalHit, error) {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	b := predicate.New()
	b.Raw("content_tsv @@ websearch_to_tsquery('english', $1)")
	if opts.Scope != "" {
		if err := b.Scope("scope", opts.Scope); err != nil {
			return nil, err
		}
	}
	if err := b.Categories("category", opts.Categories); err != nil {
		return nil, err
	}

	sqlQuery := `
		SELECT ` + memoryColumns + `,
			ts_rank(content_tsv, websearch_to_tsquery('english', $1)) AS rank
		FROM memories` + b.Where() + `
		ORDER BY rank DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, sqlQuery, query, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: full-text search %q: %w", query, err)
	}
	defer rows.Close()

	var hits []storage.LexicalHit
	for rows.Next() {
		var rank float64
		m, err := scanMemoryTrailing(rows, &rank)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan lexical hit: %w", err)
		}
		hits = append(hits, storage.LexicalHit{Memory: *m, Score: rank})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: full-text search rows: %w", err)
	}
	return hits, nil
}

// List pages through memories with filtering and whitelisted ordering.
func (s *Store) List(ctx context.Context, opts storage.ListOptions) ([]types.Memory, error) {
	opts.Normalize()

	b := predicate.New()
	if opts.Scope != "" {
		if err := b.Scope("scope", opts.Scope); err != nil {
			return nil, err
		}
	}
	if opts.Category != "" {
		if err := b.Categories("category", []types.Category{opts.Category}); err != nil {
			return nil, err
		}
	}

	query := fmt.Sprintf("SELECT "+memoryColumns+" FROM memories%s ORDER BY %s %s LIMIT $1 OFFSET $2",
		b.Where(), opts.OrderBy, opts.OrderDir)

	rows, err := s.db.QueryContext(ctx, query, opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list memories: %w", err)
	}
	defer rows.Close()

	var out []types.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan memory: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list rows: %w", err)
	}
	return out, nil
}

// Stats summarises the table, projecting only scalar columns.
func (s *Store) Stats(ctx context.Context) (*types.MemoryStats, error) {
	stats := &types.MemoryStats{
		ByCategory: make(map[types.Category]int),
		ByScope:    make(map[string]int),
	}
	for _, c := range types.ValidCategories {
		stats.ByCategory[c] = 0
	}

	var oldest, newest sql.NullInt64
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), MIN(created_at), MAX(created_at), AVG(importance) FROM memories").
		Scan(&stats.Total, &oldest, &newest, &avg)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to aggregate stats: %w", err)
	}
	if stats.Total == 0 {
		return stats, nil
	}
	if oldest.Valid {
		v := oldest.Int64
		stats.OldestMs = &v
	}
	if newest.Valid {
		v := newest.Int64
		stats.NewestMs = &v
	}
	if avg.Valid {
		stats.AvgImportance = avg.Float64
	}

	rows, err := s.db.QueryContext(ctx, "SELECT category, COUNT(*) FROM memories GROUP BY category")
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to count categories: %w", err)
	}
	for rows.Next() {
		var category string
		var n int
		if err := rows.Scan(&category, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("postgres: failed to scan category count: %w", err)
		}
		stats.ByCategory[types.Category(category)] = n
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, "SELECT scope, COUNT(*) FROM memories GROUP BY scope")
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to count scopes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var scope string
		var n int
		if err := rows.Scan(&scope, &n); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan scope count: %w", err)
		}
		stats.ByScope[scope] = n
	}
	return stats, rows.Err()
}

// IncrementAccessCount bumps access_count and last_accessed_at.
func (s *Store) IncrementAccessCount(ctx context.Context, id string) error {
	if !types.IsValidID(id) {
		return fmt.Errorf("%w: invalid id %q", storage.ErrInvalidInput, id)
	}
	return s.queue.Do(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			"UPDATE memories SET access_count = access_count + 1, last_accessed_at = $1 WHERE id = $2",
			time.Now().UnixMilli(), id)
		if err != nil {
			return fmt.Errorf("postgres: failed to bump access count: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("postgres: failed to check rows affected: %w", err)
		}
		if n == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
}

// EnqueueAccessBump schedules an access bump without awaiting it.
func (s *Store) EnqueueAccessBump(id string) {
	if !types.IsValidID(id) {
		return
	}
	s.queue.Enqueue(func() {
		_, err := s.db.Exec(
			"UPDATE memories SET access_count = access_count + 1, last_accessed_at = $1 WHERE id = $2",
			time.Now().UnixMilli(), id)
		if err != nil {
			s.logger.Debug("access bump failed", "id", id, "err", err)
		}
	})
}

// Dimensions returns the fixed embedding dimensionality of the table.
func (s *Store) Dimensions() int {
	return s.dims
}

// Close drains the write queue and releases the connection pool.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	s.queue.Close()
	return s.db.Close()
}

func (s *Store) validateRow(m *types.Memory) error {
	if m == nil {
		return fmt.Errorf("%w: memory is required", storage.ErrInvalidInput)
	}
	if !types.IsValidCategory(m.Category) {
		return fmt.Errorf("%w: invalid category %q", storage.ErrInvalidInput, m.Category)
	}
	if !types.IsValidScope(m.Scope) {
		return fmt.Errorf("%w: invalid scope %q", storage.ErrInvalidInput, m.Scope)
	}
	if len(m.Vector) != s.dims {
		return fmt.Errorf("%w: vector has %d dimensions, table has %d",
			storage.ErrInvalidInput, len(m.Vector), s.dims)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(r rowScanner) (*types.Memory, error) {
	var m types.Memory
	var category, scope, tagsJSON, metaJSON string
	err := r.Scan(
		&m.ID, &m.Headline, &m.Summary, &m.Content, &category, &scope, &m.Importance,
		&tagsJSON, &metaJSON, &m.CreatedAt, &m.UpdatedAt, &m.LastAccessedAt, &m.AccessCount)
	if err != nil {
		return nil, err
	}
	m.Category = types.Category(category)
	m.Scope = types.Scope(scope)
	m.Tags, m.Metadata = decodeJSONFields(tagsJSON, metaJSON)
	return &m, nil
}

func scanMemoryWithVector(r rowScanner) (*types.Memory, error) {
	var m types.Memory
	var category, scope, tagsJSON, metaJSON string
	var vec pgvector.Vector
	err := r.Scan(
		&m.ID, &m.Headline, &m.Summary, &m.Content, &category, &scope, &m.Importance,
		&tagsJSON, &metaJSON, &m.CreatedAt, &m.UpdatedAt, &m.LastAccessedAt, &m.AccessCount, &vec)
	if err != nil {
		return nil, err
	}
	m.Category = types.Category(category)
	m.Scope = types.Scope(scope)
	m.Tags, m.Metadata = decodeJSONFields(tagsJSON, metaJSON)
	m.Vector = vec.Slice()
	return &m, nil
}

func scanMemoryTrailing(r rowScanner, trailing *float64) (*types.Memory, error) {
	var m types.Memory
	var category, scope, tagsJSON, metaJSON string
	err := r.Scan(
		&m.ID, &m.Headline, &m.Summary, &m.Content, &category, &scope, &m.Importance,
		&tagsJSON, &metaJSON, &m.CreatedAt, &m.UpdatedAt, &m.LastAccessedAt, &m.AccessCount, trailing)
	if err != nil {
		return nil, err
	}
	m.Category = types.Category(category)
	m.Scope = types.Scope(scope)
	m.Tags, m.Metadata = decodeJSONFields(tagsJSON, metaJSON)
	return &m, nil
}

func encodeJSONFields(m *types.Memory) (string, string, error) {
	tags := m.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return "", "", fmt.Errorf("postgres: failed to marshal tags: %w", err)
	}
	meta := m.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", "", fmt.Errorf("postgres: failed to marshal metadata: %w", err)
	}
	return string(tagsJSON), string(metaJSON), nil
}

// decodeJSONFields parses the persisted JSON columns with defensive
// fallbacks to an empty list / empty object.
func decodeJSONFields(tagsJSON, metaJSON string) ([]string, map[string]any) {
	tags := []string{}
	if tagsJSON != "" {
		if err := json.Unmarshal([]byte(tagsJSON), &tags); err != nil {
			tags = []string{}
		}
	}
	meta := map[string]any{}
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			meta = map[string]any{}
		}
	}
	return tags, meta
}

// Compile-time assertion.
var _ storage.Store = (*Store)(nil)
