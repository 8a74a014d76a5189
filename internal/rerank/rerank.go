// Package rerank provides the optional cross-encoder rerank capability.
// A reranker scores (query, document) pairs jointly and reorders the
// candidate list produced by the cheaper retrievers.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tincomking/openclaw-tinmem/internal/llm"
)

// Result scores one input document; Index refers back into the input slice.
type Result struct {
	Index int     `json:"index"`
	Score float64 `json:"relevance_score"`
}

// Reranker is the rerank capability.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string) ([]Result, error)
}

// Config parameterises the HTTP client.
type Config struct {
	Model   string
	APIKey  string
	BaseURL string // e.g. https://api.jina.ai/v1
	Timeout time.Duration
}

// Client calls a Jina/Cohere-style POST /rerank endpoint.
type Client struct {
	cfg     Config
	client  *http.Client
	breaker *llm.Breaker
}

// NewClient creates a rerank client with defaults applied.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: llm.NewBreaker("rerank"),
	}
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n,omitempty"`
}

type rerankResponse struct {
	Results []Result `json:"results"`
}

// Rerank scores every document against the query.
func (c *Client) Rerank(ctx context.Context, query string, documents []string) ([]Result, error) {
	if len(documents) == 0 {
		return nil, nil
	}

	var out []Result
	err := c.breaker.Run(ctx, func() error {
		var callErr error
		out, callErr = c.rerank(ctx, query, documents)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) rerank(ctx context.Context, query string, documents []string) ([]Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(rerankRequest{
		Model:     c.cfg.Model,
		Query:     query,
		Documents: documents,
		TopN:      len(documents),
	})
	if err != nil {
		return nil, fmt.Errorf("rerank: failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rerank: failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("rerank: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("rerank: status %d: %s", resp.StatusCode, string(raw))
	}

	var decoded rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("rerank: failed to decode response: %w", err)
	}

	for _, r := range decoded.Results {
		if r.Index < 0 || r.Index >= len(documents) {
			return nil, fmt.Errorf("rerank: out-of-range index %d", r.Index)
		}
	}
	return decoded.Results, nil
}

var _ Reranker = (*Client)(nil)

// Mock is a scripted reranker for tests. Scores maps document index to
// score; unknown indices score 0. A non-nil Err makes every call fail.
type Mock struct {
	Scores map[int]float64
	Err    error
}

// Rerank returns the scripted scores for every document.
func (m *Mock) Rerank(_ context.Context, _ string, documents []string) ([]Result, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	out := make([]Result, 0, len(documents))
	for i := range documents {
		out = append(out, Result{Index: i, Score: m.Scores[i]})
	}
	return out, nil
}

var _ Reranker = (*Mock)(nil)
