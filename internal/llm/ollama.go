package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OllamaClient implements Completer against a local Ollama server.
type OllamaClient struct {
	cfg     Config
	client  *http.Client
	breaker *Breaker
}

// NewOllamaClient creates a client with defaults applied.
func NewOllamaClient(cfg Config) *OllamaClient {
	if cfg.Model == "" {
		cfg.Model = "qwen2.5:7b"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Timeout == 0 {
		// Local models can be slow on first load.
		cfg.Timeout = 120 * time.Second
	}
	return &OllamaClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: NewBreaker("ollama"),
	}
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

// Complete sends the conversation to /api/chat with streaming disabled,
// asking for format "json" when jsonMode is set.
func (c *OllamaClient) Complete(ctx context.Context, messages []Message, jsonMode bool) (string, error) {
	return c.breaker.Execute(ctx, func() (string, error) {
		return c.complete(ctx, messages, jsonMode)
	})
}

func (c *OllamaClient) complete(ctx context.Context, messages []Message, jsonMode bool) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req := ollamaChatRequest{
		Model:    c.cfg.Model,
		Messages: messages,
		Stream:   false,
	}
	if jsonMode {
		req.Format = "json"
	}
	if c.cfg.Temperature > 0 {
		req.Options = map[string]any{"temperature": c.cfg.Temperature}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("ollama: failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("ollama: failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("ollama: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ollama: status %d: %s", resp.StatusCode, string(raw))
	}

	var decoded ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("ollama: failed to decode response: %w", err)
	}
	return decoded.Message.Content, nil
}

// Model returns the configured model name.
func (c *OllamaClient) Model() string {
	return c.cfg.Model
}

var _ Completer = (*OllamaClient)(nil)
