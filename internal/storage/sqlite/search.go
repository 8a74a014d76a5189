package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/tincomking/openclaw-tinmem/internal/storage"
	"github.com/tincomking/openclaw-tinmem/internal/storage/predicate"
	"github.com/tincomking/openclaw-tinmem/pkg/types"
)

// knnOverfetch is the multiplier applied to the KNN k so that post-filtering
// by scope and category still leaves enough candidates to fill the limit.
const knnOverfetch = 3

// VectorSearch returns up to opts.Limit rows ordered by ascending cosine
// distance to vec. The KNN runs over the whole vec0 table, so the query
// over-fetches 3x the limit and filters by scope/category afterwards.
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
		if err := b.Scope("m.scope", opts.Scope); err != nil {
			return nil, err
		}
	}
	if err := b.Categories("m.category", opts.Categories); err != nil {
		return nil, err
	}

	filter := ""
	if !b.Empty() {
		filter = " AND " + b.String()
	}

	query := fmt.Sprintf(`
		SELECT `+prefixedColumns("m")+`, v.distance
		FROM vec_memories v
		JOIN memories m ON m.rowid = v.rowid
		WHERE v.embedding MATCH ? AND v.k = ?%s
		ORDER BY v.distance`, filter)

	rows, err := s.db.QueryContext(ctx, query, serializeVector(vec), opts.Limit*knnOverfetch)
	if err != nil {
		return nil, fmt.Errorf("sqlite: vector search failed: %w", err)
	}
	defer rows.Close()

	var hits []storage.VectorHit
	for rows.Next() {
		var hit storage.VectorHit
		m, err := scanTrailing(rows, &hit.Distance)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan vector hit: %w", err)
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
		return nil, fmt.Errorf("sqlite: vector search rows: %w", err)
	}
	return hits, nil
}

// FullTextSearch returns up to opts.Limit rows ordered by descending
// lexical relevance. FTS5 bm25() is negative, more negative == better, so
// ordering by it ascending gives the best rows first and -bm25 is reported
// as the positive relevance score. An empty table (no FTS index yet)
// yields an empty list.
func (s *Store) FullTextSearch(ctx context.Context, query string, opts storage.SearchOptions) ([]storage.LexicalHit, error) {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	ready, err := tableExists(s.db, "memories_fts")
	if err != nil {
		return nil, err
	}
	if !ready {
		return nil, nil
	}

	match := sanitizeFTSQuery(query)
	if match == "" {
		return nil, nil
	}

	b := predicate.New()
	if opts.Scope != "" {
		if err := b.Scope("m.scope", opts.Scope); err != nil {
			return nil, err
		}
	}
	if err := b.Categories("m.category", opts.Categories); err != nil {
		return nil, err
	}

	filter := ""
	if !b.Empty() {
		filter = " AND " + b.String()
	}

	sqlQuery := fmt.Sprintf(`
		SELECT `+prefixedColumns("m")+`, bm25(memories_fts) AS score
		FROM memories_fts
		JOIN memories m ON m.rowid = memories_fts.rowid
		WHERE memories_fts MATCH ?%s
		ORDER BY score
		LIMIT ?`, filter)

	rows, err := s.db.QueryContext(ctx, sqlQuery, match, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: full-text search MATCH %q: %w", query, err)
	}
	defer rows.Close()

	var hits []storage.LexicalHit
	for rows.Next() {
		var rank float64
		m, err := scanTrailing(rows, &rank)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan lexical hit: %w", err)
		}
		hits = append(hits, storage.LexicalHit{Memory: *m, Score: -rank})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: full-text search rows: %w", err)
	}
	return hits, nil
}

// scanTrailing reads one row in memoryColumns order followed by a single
// trailing float column (distance or rank).
func scanTrailing(r rowScanner, trailing *float64) (*types.Memory, error) {
	var m types.Memory
	var category, scope, tagsJSON, metaJSON string

	err := r.Scan(
		&m.ID, &m.Headline, &m.Summary, &m.Content, &category, &scope, &m.Importance,
		&tagsJSON, &metaJSON, &m.CreatedAt, &m.UpdatedAt, &m.LastAccessedAt, &m.AccessCount,
		trailing)
	if err != nil {
		return nil, err
	}

	m.Category = types.Category(category)
	m.Scope = types.Scope(scope)
	m.Tags, m.Metadata = decodeJSONFields(tagsJSON, metaJSON)
	return &m, nil
}

// prefixedColumns expands memoryColumns with a table alias prefix.
func prefixedColumns(alias string) string {
	parts := strings.Split(memoryColumns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// sanitizeFTSQuery converts free-form user text into a safe FTS5 MATCH
// expression: strip FTS5-special characters and OR-join prefix terms.
// FTS5 syntax is fragile; an unbalanced quote or stray operator keyword
// makes SQLite return "fts5: syntax error".
func sanitizeFTSQuery(query string) string {
	replacer := strings.NewReplacer(
		`"`, ` `,
		`'`, ` `,
		`(`, ` `,
		`)`, ` `,
		`*`, ` `,
		`-`, ` `,
		`^`, ` `,
		`?`, ` `,
		`:`, ` `,
		`.`, ` `,
		`,`, ` `,
	)
	words := strings.Fields(strings.ToLower(replacer.Replace(query)))

	var terms []string
	for _, w := range words {
		if len(w) >= 2 {
			terms = append(terms, `"`+w+`"*`)
		}
	}
	return strings.Join(terms, " OR ")
}
