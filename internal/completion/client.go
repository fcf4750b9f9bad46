// Package completion is the narrow contract against an OpenAI-compatible
// chat-completions backend: a request either returns text or an SSE event
// stream. Everything else about the backend is out of scope.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/meridianhq/meridian/internal/logger"
	"github.com/meridianhq/meridian/internal/tools"
)

// Message is one chat message. Assistant messages may carry tool calls;
// tool messages echo the call id they answer.
type Message struct {
	Role       string       `json:"role"`
	Content    string       `json:"content"`
	ToolCalls  []tools.Call `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
	Name       string       `json:"name,omitempty"`
}

// Request describes one completion call.
type Request struct {
	Model       string             `json:"model"`
	Messages    []Message          `json:"messages"`
	Tools       []tools.Definition `json:"tools,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

// Client calls an OpenAI-compatible chat completions endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates a completion client. An empty apiKey leaves the client
// unconfigured; callers must check Configured before use.
func NewClient(apiKey, baseURL, model string, logger *logger.Logger) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
		logger: logger.WithComponent("completion"),
	}
}

// Configured reports whether credentials are present.
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

// Model returns the configured default model.
func (c *Client) Model() string {
	return c.model
}

// completionResponse is the non-streaming response shape.
type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete performs a non-streaming request and returns the first choice's
// text content.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	if !c.Configured() {
		return "", fmt.Errorf("completion API key not configured")
	}
	if req.Model == "" {
		req.Model = c.model
	}
	req.Stream = false

	body, err := c.do(ctx, req)
	if err != nil {
		return "", err
	}
	defer body.Close() //nolint:errcheck

	raw, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var resp completionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("failed to parse completion response: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("completion error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream performs a streaming request and returns the raw SSE body. The
// caller owns the returned reader and must close it.
func (c *Client) Stream(ctx context.Context, req Request) (io.ReadCloser, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("completion API key not configured")
	}
	if req.Model == "" {
		req.Model = c.model
	}
	req.Stream = true
	return c.do(ctx, req)
}

func (c *Client) do(ctx context.Context, req Request) (io.ReadCloser, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close() //nolint:errcheck
		return nil, fmt.Errorf("upstream returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	return resp.Body, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
