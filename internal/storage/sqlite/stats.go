package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tincomking/openclaw-tinmem/pkg/types"
)

// Stats summarises the table. Only scalar columns are projected; the
// embedding blobs never leave the vec0 table.
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
		return nil, fmt.Errorf("sqlite: failed to aggregate stats: %w", err)
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
		return nil, fmt.Errorf("sqlite: failed to count categories: %w", err)
	}
	for rows.Next() {
		var category string
		var n int
		if err := rows.Scan(&category, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: failed to scan category count: %w", err)
		}
		stats.ByCategory[types.Category(category)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: category count rows: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, "SELECT scope, COUNT(*) FROM memories GROUP BY scope")
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to count scopes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var scope string
		var n int
		if err := rows.Scan(&scope, &n); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan scope count: %w", err)
		}
		stats.ByScope[scope] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: scope count rows: %w", err)
	}

	return stats, nil
}
