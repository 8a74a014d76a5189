package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tincomking/openclaw-tinmem/internal/llm"
)

// OllamaEmbedder calls a local Ollama server's embeddings endpoint.
// Ollama embeds one prompt per request, so batches loop.
type OllamaEmbedder struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	breaker *llm.Breaker
}

// NewOllamaEmbedder creates an embedder with defaults applied.
func NewOllamaEmbedder(cfg Config) *OllamaEmbedder {
	if cfg.Model == "" {
		cfg.Model = "nomic-embed-text"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &OllamaEmbedder{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(20), 20),
		breaker: llm.NewBreaker("ollama-embeddings"),
	}
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed produces a single vector.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var out []float32
	err := e.breaker.Run(ctx, func() error {
		var callErr error
		out, callErr = e.embed(ctx, text)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *OllamaEmbedder) embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(ollamaEmbedRequest{Model: e.cfg.Model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("embedding: failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(e.cfg.BaseURL, "/")+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding: failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("embedding: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding: status %d: %s", resp.StatusCode, string(raw))
	}

	var decoded ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("embedding: failed to decode response: %w", err)
	}
	if len(decoded.Embedding) != e.cfg.Dimensions {
		return nil, fmt.Errorf("embedding: provider returned %d dimensions, want %d",
			len(decoded.Embedding), e.cfg.Dimensions)
	}
	return decoded.Embedding, nil
}

// EmbedBatch embeds each text sequentially; Ollama has no batch endpoint.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

// Dimensions returns the configured vector length.
func (e *OllamaEmbedder) Dimensions() int {
	return e.cfg.Dimensions
}

// Provider tags the embedder for stats and logging.
func (e *OllamaEmbedder) Provider() string {
	return "ollama"
}

var _ Embedder = (*OllamaEmbedder)(nil)
