package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/tincomking/openclaw-tinmem/internal/storage"
	"github.com/tincomking/openclaw-tinmem/pkg/types"
)

const testDims = 4

// newTestStore creates an in-memory store for testing.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", testDims, nil)
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testMemory(scope types.Scope, category types.Category, vec []float32) *types.Memory {
	if vec == nil {
		vec = []float32{1, 0, 0, 0}
	}
	return &types.Memory{
		Headline:   "User is a senior TypeScript developer",
		Summary:    "The user has worked as a TypeScript developer for five years.",
		Content:    "The user said they are a senior TypeScript developer with 5 years of experience.",
		Category:   category,
		Scope:      scope,
		Importance: 0.9,
		Tags:       []string{"typescript", "developer"},
		Metadata:   map[string]any{"source": "turn"},
		Vector:     vec,
	}
}

func TestInsertRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := testMemory(types.ScopeGlobal, types.CategoryProfile, nil)
	inserted, err := s.Insert(ctx, in)
	if err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	if !types.IsValidID(inserted.ID) {
		t.Errorf("assigned id %q is not a canonical UUID", inserted.ID)
	}
	if inserted.AccessCount != 0 {
		t.Errorf("AccessCount: got %d, want 0", inserted.AccessCount)
	}

	got, err := s.GetByID(ctx, inserted.ID)
	if err != nil {
		t.Fatalf("GetByID() failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetByID() returned nil for just-inserted row")
	}

	if got.Headline != in.Headline || got.Summary != in.Summary || got.Content != in.Content {
		t.Error("text levels did not round-trip")
	}
	if got.Category != in.Category || got.Scope != in.Scope {
		t.Error("category/scope did not round-trip")
	}
	if !reflect.DeepEqual(got.Tags, in.Tags) {
		t.Errorf("tags: got %v, want %v", got.Tags, in.Tags)
	}
	if !reflect.DeepEqual(got.Vector, in.Vector) {
		t.Errorf("vector: got %v, want %v", got.Vector, in.Vector)
	}
	if got.CreatedAt == 0 || got.UpdatedAt == 0 {
		t.Error("timestamps not assigned")
	}
}

func TestInsertRejectsWrongDimensionality(t *testing.T) {
	s := newTestStore(t)

	m := testMemory(types.ScopeGlobal, types.CategoryProfile, []float32{1, 2})
	if _, err := s.Insert(context.Background(), m); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for short vector, got %v", err)
	}
}

func TestGetByIDRejectsInjection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Insert(ctx, testMemory(types.ScopeGlobal, types.CategoryProfile, nil)); err != nil {
		t.Fatal(err)
	}

	_, err := s.GetByID(ctx, "'; DROP TABLE memories; --")
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	// Table must remain intact.
	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed after injection attempt: %v", err)
	}
	if stats.Total != 1 {
		t.Errorf("Total: got %d, want 1", stats.Total)
	}
}

func TestUpdateReplacesExactlyOneRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inserted, err := s.Insert(ctx, testMemory(types.ScopeGlobal, types.CategoryPreferences, nil))
	if err != nil {
		t.Fatal(err)
	}

	headline := "User prefers dark mode everywhere"
	vec := []float32{0, 1, 0, 0}
	updated, err := s.Update(ctx, inserted.ID, &types.MemoryDelta{Headline: &headline, Vector: &vec})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if updated.Headline != headline {
		t.Errorf("headline: got %q", updated.Headline)
	}
	if updated.CreatedAt != inserted.CreatedAt {
		t.Error("CreatedAt must be preserved across update")
	}
	if updated.UpdatedAt < inserted.UpdatedAt {
		t.Error("UpdatedAt must not go backwards")
	}

	got, err := s.GetByID(ctx, inserted.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Headline != headline {
		t.Error("update not visible via GetByID")
	}
	if !reflect.DeepEqual(got.Vector, vec) {
		t.Errorf("vector not replaced: got %v", got.Vector)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 1 {
		t.Errorf("exactly one row must exist after update, got %d", stats.Total)
	}
}

func TestUpdateUnknownIDReturnsNotFound(t *testing.T) {
	s := newTestStore(t)

	headline := "x"
	_, err := s.Update(context.Background(), "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		&types.MemoryDelta{Headline: &headline})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteManyEmptyIsNoop(t *testing.T) {
	s := newTestStore(t)

	n, err := s.DeleteMany(context.Background(), nil)
	if err != nil {
		t.Fatalf("DeleteMany([]) failed: %v", err)
	}
	if n != 0 {
		t.Errorf("DeleteMany([]): got %d, want 0", n)
	}
}

func TestDeleteByScope(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.Insert(ctx, testMemory("project:alpha", types.CategoryEvents, nil)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Insert(ctx, testMemory(types.ScopeGlobal, types.CategoryEvents, nil)); err != nil {
		t.Fatal(err)
	}

	n, err := s.DeleteByScope(ctx, "project:alpha")
	if err != nil {
		t.Fatalf("DeleteByScope() failed: %v", err)
	}
	if n != 3 {
		t.Errorf("removed: got %d, want 3", n)
	}

	stats, _ := s.Stats(ctx)
	if stats.Total != 1 {
		t.Errorf("remaining: got %d, want 1", stats.Total)
	}
}

func TestVectorSearchOrdersByDistance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	near := testMemory(types.ScopeGlobal, types.CategoryProfile, []float32{1, 0, 0, 0})
	far := testMemory(types.ScopeGlobal, types.CategoryProfile, []float32{0, 1, 0, 0})
	far.Headline = "Unrelated memory"

	if _, err := s.Insert(ctx, far); err != nil {
		t.Fatal(err)
	}
	nearIns, err := s.Insert(ctx, near)
	if err != nil {
		t.Fatal(err)
	}

	hits, err := s.VectorSearch(ctx, []float32{1, 0, 0, 0}, storage.SearchOptions{Limit: 2})
	if err != nil {
		t.Fatalf("VectorSearch() failed: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits: got %d, want 2", len(hits))
	}
	if hits[0].Memory.ID != nearIns.ID {
		t.Error("nearest row must come first")
	}
	if hits[0].Distance > hits[1].Distance {
		t.Error("hits must be ordered by ascending distance")
	}
}

func TestVectorSearchMinScoreOne(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exact := testMemory(types.ScopeGlobal, types.CategoryProfile, []float32{1, 0, 0, 0})
	approx := testMemory(types.ScopeGlobal, types.CategoryProfile, []float32{0.9, 0.1, 0, 0})
	if _, err := s.Insert(ctx, exact); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Insert(ctx, approx); err != nil {
		t.Fatal(err)
	}

	hits, err := s.VectorSearch(ctx, []float32{1, 0, 0, 0}, storage.SearchOptions{Limit: 10, MinScore: 1.0})
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range hits {
		if h.Distance != 0 {
			t.Errorf("minScore 1.0 must return only distance-0 rows, got distance %v", h.Distance)
		}
	}
	if len(hits) != 1 {
		t.Errorf("hits: got %d, want 1", len(hits))
	}
}

func TestVectorSearchScopeAndCategoryFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := testMemory("agent:one", types.CategoryProfile, []float32{1, 0, 0, 0})
	b := testMemory("agent:two", types.CategoryProfile, []float32{1, 0, 0, 0})
	c := testMemory("agent:one", types.CategoryEvents, []float32{1, 0, 0, 0})
	for _, m := range []*types.Memory{a, b, c} {
		if _, err := s.Insert(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	hits, err := s.VectorSearch(ctx, []float32{1, 0, 0, 0}, storage.SearchOptions{
		Limit:      10,
		Scope:      "agent:one",
		Categories: []types.Category{types.CategoryProfile},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 {
		t.Fatalf("hits: got %d, want 1", len(hits))
	}
	if hits[0].Memory.Scope != "agent:one" || hits[0].Memory.Category != types.CategoryProfile {
		t.Error("filter leaked a row from another scope or category")
	}
}

func TestFullTextSearchEmptyTable(t *testing.T) {
	s := newTestStore(t)

	hits, err := s.FullTextSearch(context.Background(), "anything", storage.SearchOptions{Limit: 10})
	if err != nil {
		t.Fatalf("FullTextSearch over empty table must not error: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("hits: got %d, want 0", len(hits))
	}
}

func TestFullTextSearchFindsByContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := testMemory(types.ScopeGlobal, types.CategoryProfile, nil)
	if _, err := s.Insert(ctx, m); err != nil {
		t.Fatal(err)
	}
	other := testMemory(types.ScopeGlobal, types.CategoryEvents, []float32{0, 1, 0, 0})
	other.Headline = "Fixed a memory leak in component X"
	other.Summary = "A leak in component X was identified and fixed."
	other.Content = "The assistant fixed a memory leak in component X."
	other.Tags = []string{"bugfix"}
	if _, err := s.Insert(ctx, other); err != nil {
		t.Fatal(err)
	}

	hits, err := s.FullTextSearch(ctx, "typescript developer", storage.SearchOptions{Limit: 10})
	if err != nil {
		t.Fatalf("FullTextSearch() failed: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected at least one lexical hit")
	}
	if hits[0].Memory.Category != types.CategoryProfile {
		t.Errorf("wrong top hit: %q", hits[0].Memory.Headline)
	}
	if hits[0].Score <= 0 {
		t.Errorf("relevance score must be positive, got %v", hits[0].Score)
	}
}

func TestStatsEmptyTable(t *testing.T) {
	s := newTestStore(t)

	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("Total: got %d, want 0", stats.Total)
	}
	for c, n := range stats.ByCategory {
		if n != 0 {
			t.Errorf("ByCategory[%s]: got %d, want 0", c, n)
		}
	}
	if len(stats.ByScope) != 0 {
		t.Errorf("ByScope must be empty, got %v", stats.ByScope)
	}
	if stats.AvgImportance != 0 {
		t.Errorf("AvgImportance: got %v, want 0", stats.AvgImportance)
	}
	if stats.OldestMs != nil || stats.NewestMs != nil {
		t.Error("Oldest/Newest must be unset on an empty table")
	}
}

func TestConcurrentInserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Insert(ctx, testMemory(types.ScopeGlobal, types.CategoryEvents, nil)); err != nil {
				t.Errorf("concurrent Insert failed: %v", err)
			}
		}()
	}
	wg.Wait()

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != n {
		t.Errorf("Total: got %d, want %d", stats.Total, n)
	}

	// No duplicated ids: list everything and check uniqueness.
	all, err := s.List(ctx, storage.ListOptions{Limit: 1000})
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[string]bool, len(all))
	for _, m := range all {
		if seen[m.ID] {
			t.Errorf("duplicated id %s", m.ID)
		}
		seen[m.ID] = true
	}
}

func TestConcurrentUpdateAndAccessBumps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inserted, err := s.Insert(ctx, testMemory(types.ScopeGlobal, types.CategoryProfile, nil))
	if err != nil {
		t.Fatal(err)
	}

	const bumps = 20
	var wg sync.WaitGroup
	for i := 0; i < bumps; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.IncrementAccessCount(ctx, inserted.ID); err != nil {
				t.Errorf("IncrementAccessCount failed: %v", err)
			}
		}()
	}
	headline := "updated"
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := s.Update(ctx, inserted.ID, &types.MemoryDelta{Headline: &headline}); err != nil {
			t.Errorf("Update failed: %v", err)
		}
	}()
	wg.Wait()

	got, err := s.GetByID(ctx, inserted.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("row lost under concurrent update and bumps")
	}
	if got.AccessCount != bumps {
		t.Errorf("AccessCount: got %d, want %d", got.AccessCount, bumps)
	}

	stats, _ := s.Stats(ctx)
	if stats.Total != 1 {
		t.Errorf("exactly one row must exist at quiescence, got %d", stats.Total)
	}
}

func TestEnqueueAccessBumpEventuallyApplies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inserted, err := s.Insert(ctx, testMemory(types.ScopeGlobal, types.CategoryProfile, nil))
	if err != nil {
		t.Fatal(err)
	}

	s.EnqueueAccessBump(inserted.ID)

	// The bump is fire-and-forget; a follow-up Do acts as a barrier since
	// the queue is strictly FIFO.
	if err := s.queue.Do(ctx, func() error { return nil }); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetByID(ctx, inserted.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AccessCount != 1 {
		t.Errorf("AccessCount: got %d, want 1", got.AccessCount)
	}
	if got.LastAccessedAt == 0 {
		t.Error("LastAccessedAt must be set after a bump")
	}
}

func TestReopenWithDifferentDimensionalityFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memories.db")

	s, err := Open(path, testDims, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Insert(context.Background(), testMemory(types.ScopeGlobal, types.CategoryProfile, nil)); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(path, testDims+1, nil); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput on dimensionality mismatch, got %v", err)
	}
}

func TestListOrderingAndPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		m := testMemory(types.ScopeGlobal, types.CategoryEvents, nil)
		m.Importance = float64(i) / 10
		m.CreatedAt = time.Now().UnixMilli() + int64(i)
		if _, err := s.Insert(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.List(ctx, storage.ListOptions{OrderBy: "importance", OrderDir: "desc", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("len: got %d, want 2", len(got))
	}
	if got[0].Importance < got[1].Importance {
		t.Error("not ordered by importance desc")
	}

	// Hostile sort fields fall back to the whitelist default.
	if _, err := s.List(ctx, storage.ListOptions{OrderBy: "importance; DROP TABLE memories", Limit: 1}); err != nil {
		t.Fatalf("hostile OrderBy must normalize, got error: %v", err)
	}
}

func TestBulkInsertSingleCriticalSection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batch := []*types.Memory{
		testMemory(types.ScopeGlobal, types.CategoryCases, nil),
		testMemory(types.ScopeGlobal, types.CategoryCases, []float32{0, 1, 0, 0}),
	}
	rows, err := s.BulkInsert(ctx, batch)
	if err != nil {
		t.Fatalf("BulkInsert() failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows: got %d, want 2", len(rows))
	}
	if rows[0].ID == rows[1].ID {
		t.Error("bulk rows must receive distinct ids")
	}

	stats, _ := s.Stats(ctx)
	if stats.ByCategory[types.CategoryCases] != 2 {
		t.Errorf("cases count: got %d, want 2", stats.ByCategory[types.CategoryCases])
	}
}
