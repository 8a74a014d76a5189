package types

import "strings"

// Memory is a single persistent, addressable unit of recall. It carries
// three levels of abstraction: Headline (L0, target under 15 words),
// Summary (L1, 2-4 sentences), and Content (L2, the full narrative).
type Memory struct {
	ID             string         `json:"id"`                       // UUID, assigned at insert, immutable
	Headline       string         `json:"headline"`                 // L0
	Summary        string         `json:"summary"`                  // L1
	Content        string         `json:"content"`                  // L2
	Category       Category       `json:"category"`                 // closed six-element set
	Scope          Scope          `json:"scope"`                    // partitioning dimension
	Importance     float64        `json:"importance"`               // clamped to [0, 1] on ingest
	Tags           []string       `json:"tags"`                     // order preserved
	Metadata       map[string]any `json:"metadata,omitempty"`       // application-defined, not indexed
	CreatedAt      int64          `json:"created_at"`               // unix milliseconds
	UpdatedAt      int64          `json:"updated_at"`               // unix milliseconds
	LastAccessedAt int64          `json:"last_accessed_at"`         // unix milliseconds, 0 = never accessed
	AccessCount    int            `json:"access_count"`             // best-effort recall counter
	Vector         []float32      `json:"vector,omitempty"`         // embedding; required in the persisted row
}

// EmbeddingText is the canonical text a memory's vector is computed over.
func (m *Memory) EmbeddingText() string {
	return m.Headline + "\n" + m.Summary + "\n" + m.Content
}

// MemoryDelta is a partial update for a memory. Nil fields are untouched.
type MemoryDelta struct {
	Headline   *string         `json:"headline,omitempty"`
	Summary    *string         `json:"summary,omitempty"`
	Content    *string         `json:"content,omitempty"`
	Category   *Category       `json:"category,omitempty"`
	Scope      *Scope          `json:"scope,omitempty"`
	Importance *float64        `json:"importance,omitempty"`
	Tags       *[]string       `json:"tags,omitempty"`
	Metadata   *map[string]any `json:"metadata,omitempty"`
	Vector     *[]float32      `json:"vector,omitempty"`
}

// TouchesText reports whether the delta changes any of the three text
// levels, which requires the vector to be recomputed.
func (d *MemoryDelta) TouchesText() bool {
	return d.Headline != nil || d.Summary != nil || d.Content != nil
}

// Apply copies the delta's set fields onto the memory in place.
func (d *MemoryDelta) Apply(m *Memory) {
	if d.Headline != nil {
		m.Headline = *d.Headline
	}
	if d.Summary != nil {
		m.Summary = *d.Summary
	}
	if d.Content != nil {
		m.Content = *d.Content
	}
	if d.Category != nil {
		m.Category = *d.Category
	}
	if d.Scope != nil {
		m.Scope = *d.Scope
	}
	if d.Importance != nil {
		m.Importance = ClampImportance(*d.Importance)
	}
	if d.Tags != nil {
		m.Tags = NormalizeTags(*d.Tags)
	}
	if d.Metadata != nil {
		m.Metadata = *d.Metadata
	}
	if d.Vector != nil {
		m.Vector = *d.Vector
	}
}

// ExtractedMemory is a candidate memory produced by the extraction LLM
// before deduplication and storage.
type ExtractedMemory struct {
	Headline   string         `json:"headline"`
	Summary    string         `json:"summary"`
	Content    string         `json:"content"`
	Category   Category       `json:"category"`
	Importance float64        `json:"importance"`
	Tags       []string       `json:"tags"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NewExtractedMemory validates a raw extraction candidate. It returns
// false when any of headline, summary, or content is blank or the
// category is outside the closed set. Importance is clamped; missing
// tags and metadata become empty.
func NewExtractedMemory(headline, summary, content string, category Category, importance float64, tags []string, metadata map[string]any) (ExtractedMemory, bool) {
	headline = strings.TrimSpace(headline)
	summary = strings.TrimSpace(summary)
	content = strings.TrimSpace(content)
	if headline == "" || summary == "" || content == "" {
		return ExtractedMemory{}, false
	}
	if !IsValidCategory(category) {
		return ExtractedMemory{}, false
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	return ExtractedMemory{
		Headline:   headline,
		Summary:    summary,
		Content:    content,
		Category:   category,
		Importance: ClampImportance(importance),
		Tags:       NormalizeTags(tags),
		Metadata:   metadata,
	}, true
}

// EmbeddingText is the canonical text an extraction candidate's vector is
// computed over, mirroring Memory.EmbeddingText.
func (e *ExtractedMemory) EmbeddingText() string {
	return e.Headline + "\n" + e.Summary + "\n" + e.Content
}

// ScoredMemory is a memory annotated with the retrieval pipeline's
// per-signal scores and the final combined score.
type ScoredMemory struct {
	Memory

	VectorScore float64  `json:"vector_score"`           // 1 - cosine distance, in [0, 1]
	BM25Score   float64  `json:"bm25_score"`             // raw provider-scale lexical score
	RerankScore *float64 `json:"rerank_score,omitempty"` // cross-encoder score, provider scale
	Score       float64  `json:"score"`                  // final combined score, in [0, 1]
}

// RetrievalResult is the outcome of a recall operation.
type RetrievalResult struct {
	Memories   []ScoredMemory `json:"memories"`
	Query      string         `json:"query"`
	TotalFound int            `json:"total_found"` // merged candidate count before truncation
	TimingMs   int64          `json:"timing_ms"`
}

// MemoryStats summarises the store without loading any vectors.
type MemoryStats struct {
	Total         int              `json:"total"`
	ByCategory    map[Category]int `json:"by_category"`
	ByScope       map[string]int   `json:"by_scope"`
	AvgImportance float64          `json:"avg_importance"`
	OldestMs      *int64           `json:"oldest_ms,omitempty"`
	NewestMs      *int64           `json:"newest_ms,omitempty"`
}

// ExportVersion is the payload version emitted by Export.
const ExportVersion = "1.0.0"

// ExportPayload is the round-trippable export format. Import assigns
// fresh ids and re-embeds, so identifiers are only stable within a
// single payload.
type ExportPayload struct {
	Version    string      `json:"version"`
	ExportedAt int64       `json:"exported_at"`
	Memories   []Memory    `json:"memories"`
	Stats      MemoryStats `json:"stats"`
}
