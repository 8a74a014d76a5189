package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tincomking/openclaw-tinmem/internal/storage"
	"github.com/tincomking/openclaw-tinmem/internal/storage/predicate"
	"github.com/tincomking/openclaw-tinmem/pkg/types"
)

const memoryColumns = `id, headline, summary, content, category, scope, importance,
	tags, metadata, created_at, updated_at, last_accessed_at, access_count`

// Insert atomically appends a single row and returns the populated record.
// The id is assigned here; createdAt/updatedAt default to now when unset.
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

// insertLocked writes the scalar row, the embedding, and the FTS entry.
// Must run inside the write queue.
func (s *Store) insertLocked(ctx context.Context, m *types.Memory) error {
	tagsJSON, metaJSON, err := encodeJSONFields(m)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Headline, m.Summary, m.Content, string(m.Category), string(m.Scope),
		m.Importance, tagsJSON, metaJSON, m.CreatedAt, m.UpdatedAt, m.LastAccessedAt, m.AccessCount,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to insert memory: %w", err)
	}

	rowid, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: failed to read rowid: %w", err)
	}

	blob := serializeVector(m.Vector)
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO vec_memories (rowid, embedding) VALUES (?, ?)", rowid, blob); err != nil {
		// Keep the two tables consistent: roll the scalar row back.
		if _, rbErr := s.db.ExecContext(ctx, "DELETE FROM memories WHERE rowid = ?", rowid); rbErr != nil {
			s.logger.Debug("rollback of scalar row failed", "id", m.ID, "err", rbErr)
		}
		return fmt.Errorf("sqlite: failed to insert embedding: %w", err)
	}

	// The FTS index is built after at least one real row exists.
	if err := s.ensureFTSLocked(ctx); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO memories_fts (rowid, content, summary, headline, tags)
		VALUES (?, ?, ?, ?, ?)`,
		rowid, m.Content, m.Summary, m.Headline, strings.Join(m.Tags, " ")); err != nil {
		// FTS inconsistency is tolerable: the row is still reachable via
		// vector search, and its FTS entry is rewritten the next time the
		// row itself is updated.
		s.logger.Debug("FTS insert failed", "id", m.ID, "err", err)
	}

	return nil
}

// GetByID returns the row with the given id, or nil when absent. The id is
// validated before any query is issued.
func (s *Store) GetByID(ctx context.Context, id string) (*types.Memory, error) {
	b := predicate.New()
	if err := b.IDs("id", []string{id}); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT "+memoryColumns+" FROM memories"+b.Where())
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get memory: %w", err)
	}

	if err := s.loadVector(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Update replaces the row with the given id after applying the delta.
//
// The scalar row updates in place, but vec0 tables do not support UPDATE,
// so the embedding is replaced with a delete-then-insert pair guarded by an
// in-memory rollback image: on insert failure the original embedding is
// re-inserted and the original error surfaced. The rollback is in-process;
// a crash between the delete and the re-insert loses the embedding row.
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
		original, rowid, err := s.getWithRowidLocked(ctx, id)
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

		if _, err := s.db.ExecContext(ctx, `
			UPDATE memories SET headline = ?, summary = ?, content = ?, category = ?,
				scope = ?, importance = ?, tags = ?, metadata = ?, updated_at = ?
			WHERE rowid = ?`,
			next.Headline, next.Summary, next.Content, string(next.Category), string(next.Scope),
			next.Importance, tagsJSON, metaJSON, next.UpdatedAt, rowid); err != nil {
			return fmt.Errorf("sqlite: failed to update memory: %w", err)
		}

		if delta.Vector != nil {
			rollback := serializeVector(original.Vector)
			if _, err := s.db.ExecContext(ctx,
				"DELETE FROM vec_memories WHERE rowid = ?", rowid); err != nil {
				return fmt.Errorf("sqlite: failed to delete old embedding: %w", err)
			}
			if _, err := s.db.ExecContext(ctx,
				"INSERT INTO vec_memories (rowid, embedding) VALUES (?, ?)",
				rowid, serializeVector(next.Vector)); err != nil {
				if _, rbErr := s.db.ExecContext(ctx,
					"INSERT INTO vec_memories (rowid, embedding) VALUES (?, ?)", rowid, rollback); rbErr != nil {
					s.logger.Warn("embedding rollback failed, row lost from vector index",
						"id", id, "err", rbErr)
				}
				return fmt.Errorf("sqlite: failed to insert new embedding: %w", err)
			}
		}

		if s.ftsReady {
			if _, err := s.db.ExecContext(ctx,
				"DELETE FROM memories_fts WHERE rowid = ?", rowid); err != nil {
				s.logger.Debug("FTS delete failed", "id", id, "err", err)
			}
			if _, err := s.db.ExecContext(ctx, `
				INSERT INTO memories_fts (rowid, content, summary, headline, tags)
				VALUES (?, ?, ?, ?, ?)`,
				rowid, next.Content, next.Summary, next.Headline, strings.Join(next.Tags, " ")); err != nil {
				s.logger.Debug("FTS insert failed", "id", id, "err", err)
			}
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
// An empty input returns 0 without touching the engine.
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
		var err error
		removed, err = s.deleteWhereLocked(ctx, b.String())
		return err
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
		var err error
		removed, err = s.deleteWhereLocked(ctx, b.String())
		return err
	})
	return removed, err
}

// deleteWhereLocked removes matching rows from all three tables. The where
// fragment has already passed the predicate builder. Must run inside the
// write queue.
func (s *Store) deleteWhereLocked(ctx context.Context, where string) (int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT rowid FROM memories WHERE "+where)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to resolve rows for delete: %w", err)
	}
	var rowids []int64
	for rows.Next() {
		var rid int64
		if err := rows.Scan(&rid); err != nil {
			rows.Close()
			return 0, fmt.Errorf("sqlite: failed to scan rowid: %w", err)
		}
		rowids = append(rowids, rid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("sqlite: delete rowid scan: %w", err)
	}

	for _, rid := range rowids {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM vec_memories WHERE rowid = ?", rid); err != nil {
			return 0, fmt.Errorf("sqlite: failed to delete embedding: %w", err)
		}
		if s.ftsReady {
			if _, err := s.db.ExecContext(ctx, "DELETE FROM memories_fts WHERE rowid = ?", rid); err != nil {
				s.logger.Debug("FTS delete failed", "rowid", rid, "err", err)
			}
		}
		if _, err := s.db.ExecContext(ctx, "DELETE FROM memories WHERE rowid = ?", rid); err != nil {
			return 0, fmt.Errorf("sqlite: failed to delete memory: %w", err)
		}
	}
	return len(rowids), nil
}

// IncrementAccessCount bumps access_count and last_accessed_at for the
// given id. Runs through the write queue like every other mutation.
func (s *Store) IncrementAccessCount(ctx context.Context, id string) error {
	b := predicate.New()
	if err := b.IDs("id", []string{id}); err != nil {
		return err
	}

	return s.queue.Do(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			"UPDATE memories SET access_count = access_count + 1, last_accessed_at = ? WHERE "+b.String(),
			time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("sqlite: failed to bump access count: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("sqlite: failed to check rows affected: %w", err)
		}
		if n == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
}

// EnqueueAccessBump schedules an access bump without awaiting it.
// Failures are swallowed: the bump is best-effort by contract.
func (s *Store) EnqueueAccessBump(id string) {
	if !types.IsValidID(id) {
		return
	}
	s.queue.Enqueue(func() {
		_, err := s.db.Exec(
			"UPDATE memories SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?",
			time.Now().UnixMilli(), id)
		if err != nil {
			s.logger.Debug("access bump failed", "id", id, "err", err)
		}
	})
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

	// OrderBy/OrderDir are whitelisted by Normalize, safe to interpolate.
	query := fmt.Sprintf("SELECT "+memoryColumns+" FROM memories%s ORDER BY %s %s LIMIT ? OFFSET ?",
		b.Where(), opts.OrderBy, opts.OrderDir)

	rows, err := s.db.QueryContext(ctx, query, opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list memories: %w", err)
	}
	defer rows.Close()

	return scanMemories(rows)
}

// validateRow checks everything that must hold before a row enters the table.
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

// getWithRowidLocked fetches a row plus its rowid and embedding. Returns
// (nil, 0, nil) when the id is absent.
func (s *Store) getWithRowidLocked(ctx context.Context, id string) (*types.Memory, int64, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT rowid, "+memoryColumns+" FROM memories WHERE id = ?", id)

	var rowid int64
	m, err := scanMemoryWith(row, &rowid)
	if err == sql.ErrNoRows {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("sqlite: failed to get memory: %w", err)
	}

	var blob []byte
	err = s.db.QueryRowContext(ctx,
		"SELECT embedding FROM vec_memories WHERE rowid = ?", rowid).Scan(&blob)
	if err != nil && err != sql.ErrNoRows {
		return nil, 0, fmt.Errorf("sqlite: failed to load embedding: %w", err)
	}
	if len(blob) > 0 {
		m.Vector = deserializeVector(blob)
	}
	return m, rowid, nil
}

// loadVector attaches the persisted embedding to a scanned memory.
func (s *Store) loadVector(ctx context.Context, m *types.Memory) error {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT v.embedding FROM vec_memories v
		JOIN memories m ON m.rowid = v.rowid
		WHERE m.id = ?`, m.ID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("sqlite: failed to load embedding: %w", err)
	}
	m.Vector = deserializeVector(blob)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanMemory reads one row in memoryColumns order.
func scanMemory(r rowScanner) (*types.Memory, error) {
	return scanMemoryWith(r)
}

// scanMemoryWith reads one row, optionally preceded by extra leading
// columns (e.g. rowid) captured into extra.
func scanMemoryWith(r rowScanner, extra ...any) (*types.Memory, error) {
	var m types.Memory
	var category, scope, tagsJSON, metaJSON string

	dest := append(extra,
		&m.ID, &m.Headline, &m.Summary, &m.Content, &category, &scope, &m.Importance,
		&tagsJSON, &metaJSON, &m.CreatedAt, &m.UpdatedAt, &m.LastAccessedAt, &m.AccessCount)
	if err := r.Scan(dest...); err != nil {
		return nil, err
	}

	m.Category = types.Category(category)
	m.Scope = types.Scope(scope)
	m.Tags, m.Metadata = decodeJSONFields(tagsJSON, metaJSON)
	return &m, nil
}

func scanMemories(rows *sql.Rows) ([]types.Memory, error) {
	var out []types.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan memory: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: rows error: %w", err)
	}
	return out, nil
}

func encodeJSONFields(m *types.Memory) (string, string, error) {
	tags := m.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return "", "", fmt.Errorf("sqlite: failed to marshal tags: %w", err)
	}

	meta := m.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", "", fmt.Errorf("sqlite: failed to marshal metadata: %w", err)
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

// serializeVector converts a float32 slice to the little-endian BLOB
// format sqlite-vec expects.
func serializeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// deserializeVector converts a little-endian BLOB back to a float32 slice.
func deserializeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
