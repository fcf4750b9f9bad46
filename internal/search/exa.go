package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const exaRelevance = 0.85

// ExaProvider is the secondary, model-assisted search provider.
type ExaProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewExaProvider creates the secondary provider.
func NewExaProvider(apiKey string, httpClient *http.Client) *ExaProvider {
	return &ExaProvider{
		apiKey:     apiKey,
		baseURL:    "https://api.exa.ai",
		httpClient: httpClient,
	}
}

// Name returns the provider identifier.
func (p *ExaProvider) Name() string { return MethodExa }

// Available reports whether credentials are configured.
func (p *ExaProvider) Available() bool { return p.apiKey != "" }

// exaResponse is the raw Exa API response shape.
type exaResponse struct {
	Results []struct {
		URL     string `json:"url"`
		Title   string `json:"title"`
		Summary string `json:"summary,omitempty"`
		Text    string `json:"text,omitempty"`
	} `json:"results"`
}

// Search queries the Exa API with auto search type and summarized contents.
func (p *ExaProvider) Search(ctx context.Context, query string, maxResults int) (*ProviderResult, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("exa API key not configured")
	}
	if maxResults <= 0 || maxResults > 10 {
		maxResults = 10
	}

	payload, err := json.Marshal(map[string]any{
		"query":      query,
		"type":       "auto",
		"numResults": maxResults,
		"contents": map[string]any{
			"summary": map[string]any{
				"query": "Summarize the page content relevant to the search query, preserving names, numbers, and specifics.",
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/search", bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("exa returned status %d: %s", resp.StatusCode, truncateForLog(string(body)))
	}

	var exaResp exaResponse
	if err := json.Unmarshal(body, &exaResp); err != nil {
		return nil, fmt.Errorf("failed to parse exa response: %w", err)
	}

	hits := make([]Hit, 0, len(exaResp.Results))
	for _, r := range exaResp.Results {
		if r.URL == "" {
			continue
		}
		snippet := r.Summary
		if snippet == "" {
			snippet = r.Text
		}
		hits = append(hits, Hit{
			Title:          r.Title,
			URL:            r.URL,
			Snippet:        snippet,
			RelevanceScore: exaRelevance,
		})
	}

	return &ProviderResult{Results: hits}, nil
}
