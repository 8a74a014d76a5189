// Package embedding provides the vector embedding capability: provider
// clients for OpenAI-compatible and Ollama endpoints, an LRU cache wrapper,
// and a deterministic mock for tests. Embedders must be deterministic for
// identical inputs; deduplication reasoning depends on it.
package embedding

import (
	"context"
	"fmt"
	"time"
)

// Embedder turns text into fixed-length float32 vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Provider() string
}

// Config selects and parameterises a provider client.
type Config struct {
	Provider   string // "openai", "ollama", "mock"
	Model      string
	APIKey     string
	BaseURL    string
	Dimensions int
	Timeout    time.Duration
}

// New creates the provider client for the given configuration, wrapped in
// the LRU cache.
func New(cfg Config) (Embedder, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be positive, got %d", cfg.Dimensions)
	}

	var inner Embedder
	switch cfg.Provider {
	case "openai":
		inner = NewOpenAIEmbedder(cfg)
	case "ollama", "":
		inner = NewOllamaEmbedder(cfg)
	case "mock":
		inner = NewMock(cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %q", cfg.Provider)
	}

	return NewCached(inner, defaultCacheSize)
}
