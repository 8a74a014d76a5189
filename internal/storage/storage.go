// Package storage defines the store contract for tinmem memory records and
// the shared pieces both backends build on: sentinel errors, list options,
// and the FIFO write queue that serialises all mutations.
package storage

import (
	"context"
	"errors"

	"github.com/tincomking/openclaw-tinmem/pkg/types"
)

var (
	// ErrNotFound indicates that the requested memory was not found.
	ErrNotFound = errors.New("memory not found")

	// ErrInvalidInput indicates that a scope, id, category, or vector
	// failed validation. The operation was aborted before any engine call.
	ErrInvalidInput = errors.New("invalid input")

	// ErrClosed indicates an operation on a closed store.
	ErrClosed = errors.New("store is closed")
)

// Store is the single authority for durable memory state: a persistent
// table of memory records with an ANN index on the vector column and a
// full-text index over content, summary, headline, and tags.
//
// All mutations are funnelled through a FIFO write queue; readers are not
// serialised against writers and may observe any committed state.
type Store interface {
	// Insert atomically appends a single row and returns the populated record.
	Insert(ctx context.Context, m *types.Memory) (*types.Memory, error)

	// Update replaces the row with the given id after applying the delta.
	// Returns ErrNotFound if the id is unknown.
	Update(ctx context.Context, id string, delta *types.MemoryDelta) (*types.Memory, error)

	// Delete removes a row by id and reports whether a row was removed.
	Delete(ctx context.Context, id string) (bool, error)

	// DeleteMany removes the given ids and returns the count actually removed.
	// An empty input returns 0 without touching the engine.
	DeleteMany(ctx context.Context, ids []string) (int, error)

	// DeleteByScope removes every row in the scope and returns the count removed.
	DeleteByScope(ctx context.Context, scope types.Scope) (int, error)

	// GetByID returns the row with the given id, or nil when absent.
	GetByID(ctx context.Context, id string) (*types.Memory, error)

	// VectorSearch returns up to limit rows ordered by ascending cosine
	// distance to vec, filtered by scope and categories when set. Results
	// carry the raw distance. minScore filters on 1-distance.
	VectorSearch(ctx context.Context, vec []float32, opts SearchOptions) ([]VectorHit, error)

	// FullTextSearch returns up to limit rows ordered by descending lexical
	// relevance. The relevance score is provider-defined and not
	// pre-normalised. An empty table yields an empty list, not an error.
	FullTextSearch(ctx context.Context, query string, opts SearchOptions) ([]LexicalHit, error)

	// List pages through memories for administrative surfaces.
	List(ctx context.Context, opts ListOptions) ([]types.Memory, error)

	// Stats summarises the table, projecting only scalar columns.
	Stats(ctx context.Context) (*types.MemoryStats, error)

	// BulkInsert appends rows in order inside a single critical section.
	BulkInsert(ctx context.Context, ms []*types.Memory) ([]*types.Memory, error)

	// IncrementAccessCount bumps access_count and last_accessed_at for the
	// given id. Best-effort: callers enqueue it without awaiting.
	IncrementAccessCount(ctx context.Context, id string) error

	// EnqueueAccessBump schedules an access-count bump through the write
	// queue without awaiting its completion. Failures are swallowed.
	EnqueueAccessBump(id string)

	// Dimensions returns the fixed embedding dimensionality of the table.
	Dimensions() int

	// Close flushes and releases the store.
	Close() error
}

// SearchOptions filters and bounds a vector or full-text search.
type SearchOptions struct {
	Limit      int
	Scope      types.Scope      // empty = all scopes
	Categories []types.Category // empty = all categories
	MinScore   float64          // vector search only; filters on 1-distance
}

// VectorHit is a row returned by VectorSearch with its raw cosine distance.
type VectorHit struct {
	Memory   types.Memory
	Distance float64
}

// LexicalHit is a row returned by FullTextSearch with its raw relevance score.
type LexicalHit struct {
	Memory types.Memory
	Score  float64
}

// ListOptions provides filtering and paging for List.
type ListOptions struct {
	Scope    types.Scope
	Category types.Category
	OrderBy  string // whitelist: created_at, updated_at, importance, access_count
	OrderDir string // "asc" or "desc"
	Limit    int
	Offset   int
}

// Normalize applies defaults and whitelists the sort field so the value is
// safe to interpolate into an ORDER BY clause.
func (o *ListOptions) Normalize() {
	allowed := map[string]bool{
		"created_at":   true,
		"updated_at":   true,
		"importance":   true,
		"access_count": true,
	}
	if !allowed[o.OrderBy] {
		o.OrderBy = "created_at"
	}
	if o.OrderDir != "asc" && o.OrderDir != "desc" {
		o.OrderDir = "desc"
	}
	if o.Limit < 1 {
		o.Limit = 50
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}
