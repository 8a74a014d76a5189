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

// AnthropicClient implements Completer using the Anthropic Messages API.
type AnthropicClient struct {
	cfg     Config
	client  *http.Client
	breaker *Breaker
}

// NewAnthropicClient creates a client with defaults applied.
func NewAnthropicClient(cfg Config) *AnthropicClient {
	if cfg.Model == "" {
		cfg.Model = "claude-haiku-4-5-20251001"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &AnthropicClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: NewBreaker("anthropic"),
	}
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
}

// Complete sends the conversation to the Messages API. JSON mode is
// implemented with an assistant prefill of "{": the model continues the
// object and the prefill is prepended to the returned text.
func (c *AnthropicClient) Complete(ctx context.Context, messages []Message, jsonMode bool) (string, error) {
	return c.breaker.Execute(ctx, func() (string, error) {
		return c.complete(ctx, messages, jsonMode)
	})
}

func (c *AnthropicClient) complete(ctx context.Context, messages []Message, jsonMode bool) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	system, rest := SplitSystem(messages)
	req := anthropicRequest{
		Model:     c.cfg.Model,
		MaxTokens: c.cfg.MaxTokens,
		System:    system,
	}
	if c.cfg.Temperature > 0 {
		t := c.cfg.Temperature
		req.Temperature = &t
	}
	for _, m := range rest {
		req.Messages = append(req.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	prefill := ""
	if jsonMode {
		last := len(req.Messages) - 1
		if last < 0 || req.Messages[last].Role != "assistant" {
			prefill = "{"
			req.Messages = append(req.Messages, anthropicMessage{Role: "assistant", Content: prefill})
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("anthropic: failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("anthropic: failed to create request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("x-api-key", c.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("anthropic: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("anthropic: status %d: %s", resp.StatusCode, string(raw))
	}

	var decoded anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("anthropic: failed to decode response: %w", err)
	}
	if len(decoded.Content) == 0 {
		return "", fmt.Errorf("anthropic: empty content")
	}

	return prefill + decoded.Content[0].Text, nil
}

// Model returns the configured model name.
func (c *AnthropicClient) Model() string {
	return c.cfg.Model
}

// Compile-time assertion.
var _ Completer = (*AnthropicClient)(nil)
