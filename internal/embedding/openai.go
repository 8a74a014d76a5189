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

// OpenAIEmbedder calls the /v1/embeddings endpoint of OpenAI or any
// compatible server. Batch re-embed sweeps are rate-limited so a full
// store rewrite does not trip provider quotas.
type OpenAIEmbedder struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	breaker *llm.Breaker
}

// NewOpenAIEmbedder creates an embedder with defaults applied.
func NewOpenAIEmbedder(cfg Config) *OpenAIEmbedder {
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &OpenAIEmbedder{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		breaker: llm.NewBreaker("openai-embeddings"),
	}
}

type openAIEmbedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed produces a single vector.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch produces one vector per input text, in input order.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var out [][]float32
	err := e.breaker.Run(ctx, func() error {
		var callErr error
		out, callErr = e.embedBatch(ctx, texts)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *OpenAIEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	req := openAIEmbedRequest{Model: e.cfg.Model, Input: texts, Dimensions: e.cfg.Dimensions}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(e.cfg.BaseURL, "/")+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding: failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("embedding: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding: status %d: %s", resp.StatusCode, string(raw))
	}

	var decoded openAIEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("embedding: failed to decode response: %w", err)
	}
	if len(decoded.Data) != len(texts) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d inputs", len(decoded.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range decoded.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding: out-of-range index %d", d.Index)
		}
		if len(d.Embedding) != e.cfg.Dimensions {
			return nil, fmt.Errorf("embedding: provider returned %d dimensions, want %d",
				len(d.Embedding), e.cfg.Dimensions)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// Dimensions returns the configured vector length.
func (e *OpenAIEmbedder) Dimensions() int {
	return e.cfg.Dimensions
}

// Provider tags the embedder for stats and logging.
func (e *OpenAIEmbedder) Provider() string {
	return "openai"
}

var _ Embedder = (*OpenAIEmbedder)(nil)
