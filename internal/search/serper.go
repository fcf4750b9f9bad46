package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// serperRelevance is the constant relevance score assigned to primary-provider
// hits. Scores are never compared across providers because the cascade stops
// at the first success.
const serperRelevance = 0.9

// SerperProvider is the primary, API-key-gated search provider.
type SerperProvider struct {
	apiKey     string
	searchURL  string
	httpClient *http.Client
}

// NewSerperProvider creates the primary provider. searchURL defaults to the
// hosted endpoint when empty.
func NewSerperProvider(apiKey, searchURL string, httpClient *http.Client) *SerperProvider {
	if searchURL == "" {
		searchURL = "https://google.serper.dev/search"
	}
	return &SerperProvider{apiKey: apiKey, searchURL: searchURL, httpClient: httpClient}
}

// Name returns the provider identifier.
func (p *SerperProvider) Name() string { return MethodSerper }

// Available reports whether credentials are configured.
func (p *SerperProvider) Available() bool { return p.apiKey != "" }

// serperResponse is the raw Serper API response shape.
type serperResponse struct {
	Organic []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"organic"`
	KnowledgeGraph map[string]any `json:"knowledgeGraph"`
	AnswerBox      map[string]any `json:"answerBox"`
	PeopleAlsoAsk  []struct {
		Question string `json:"question"`
		Snippet  string `json:"snippet"`
		Link     string `json:"link"`
	} `json:"peopleAlsoAsk"`
	RelatedSearches []struct {
		Query string `json:"query"`
	} `json:"relatedSearches"`
	Error string `json:"error,omitempty"`
}

// Search queries the Serper API.
func (p *SerperProvider) Search(ctx context.Context, query string, maxResults int) (*ProviderResult, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("serper API key not configured")
	}

	payload, err := json.Marshal(map[string]string{"q": query})
	if err != nil {
		return nil, fmt.Errorf("failed to build payload: %w", err)
	}

	reqURL := p.searchURL + "?num=" + strconv.Itoa(maxResults)
	req, err := http.NewRequestWithContext(ctx, "POST", reqURL, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-API-KEY", p.apiKey)
	req.Header.Set("Content-Type", "application/json")

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
		return nil, fmt.Errorf("serper returned status %d: %s", resp.StatusCode, truncateForLog(string(body)))
	}

	var serpResp serperResponse
	if err := json.Unmarshal(body, &serpResp); err != nil {
		return nil, fmt.Errorf("failed to parse serper response: %w", err)
	}
	if serpResp.Error != "" {
		return nil, fmt.Errorf("serper error: %s", serpResp.Error)
	}

	hits := make([]Hit, 0, len(serpResp.Organic))
	for _, r := range serpResp.Organic {
		if r.Link == "" {
			continue
		}
		hits = append(hits, Hit{
			Title:          r.Title,
			URL:            r.Link,
			Snippet:        r.Snippet,
			RelevanceScore: serperRelevance,
		})
	}
	if maxResults > 0 && len(hits) > maxResults {
		hits = hits[:maxResults]
	}

	return &ProviderResult{
		Results:    hits,
		Enrichment: serperEnrichment(serpResp),
	}, nil
}

// serperEnrichment extracts the direct-answer block, or nil when empty.
func serperEnrichment(resp serperResponse) *Enrichment {
	e := &Enrichment{
		KnowledgeGraph: resp.KnowledgeGraph,
		AnswerBox:      resp.AnswerBox,
	}
	for _, paa := range resp.PeopleAlsoAsk {
		e.PeopleAlsoAsk = append(e.PeopleAlsoAsk, map[string]any{
			"question": paa.Question,
			"snippet":  paa.Snippet,
			"link":     paa.Link,
		})
		e.RelatedQuestions = append(e.RelatedQuestions, paa.Question)
	}
	for _, rs := range resp.RelatedSearches {
		if rs.Query != "" {
			e.RelatedSearches = append(e.RelatedSearches, rs.Query)
		}
	}
	if e.IsEmpty() {
		return nil
	}
	return e
}

// truncateForLog bounds error payloads included in wrapped errors.
func truncateForLog(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
