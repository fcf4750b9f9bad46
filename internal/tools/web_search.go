package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/meridianhq/meridian/internal/logger"
	"github.com/meridianhq/meridian/internal/search"
)

const maxToolQueries = 3

// WebSearchTool runs search queries through the provider cascade.
type WebSearchTool struct {
	service    *search.Service
	maxResults int
	logger     *logger.Logger
}

// NewWebSearchTool creates the web_search tool.
func NewWebSearchTool(service *search.Service, maxResults int, log *logger.Logger) *WebSearchTool {
	if maxResults <= 0 {
		maxResults = 10
	}
	return &WebSearchTool{
		service:    service,
		maxResults: maxResults,
		logger:     log.WithComponent("web-search-tool"),
	}
}

func (t *WebSearchTool) Name() string {
	return "web_search"
}

func (t *WebSearchTool) Definition() Definition {
	return Definition{
		Type: "function",
		Function: FunctionDef{
			Name:        "web_search",
			Description: "Run up to 3 search queries in one request to find current information from the web",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"queries": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"maxItems":    maxToolQueries,
						"description": "Search queries to execute",
					},
					"numResults": map[string]any{
						"type":        "integer",
						"description": "Number of results to return per query (default: 10)",
						"default":     10,
					},
				},
				"required":             []string{"queries"},
				"additionalProperties": false,
			},
		},
	}
}

type webSearchArgs struct {
	Queries    []string `json:"queries"`
	NumResults int      `json:"numResults"`
}

// webSearchOutput is the payload shape the evidence harvester recognizes as
// a search output: the "results" field is the discriminator.
type webSearchOutput struct {
	Results      []search.Hit       `json:"results"`
	Enrichment   *search.Enrichment `json:"enrichment,omitempty"`
	SearchMethod string             `json:"search_method"`
	Queries      []string           `json:"queries"`
	Error        string             `json:"error,omitempty"`
}

// Execute runs the queries sequentially through the cascade and joins the
// hits into one payload.
func (t *WebSearchTool) Execute(ctx context.Context, args string) (string, error) {
	var parsed webSearchArgs
	if err := ParseArguments(args, &parsed); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if len(parsed.Queries) == 0 {
		return "", fmt.Errorf("queries parameter is required and must be a non-empty array")
	}
	if len(parsed.Queries) > maxToolQueries {
		return "", fmt.Errorf("maximum %d queries allowed", maxToolQueries)
	}
	numResults := parsed.NumResults
	if numResults <= 0 {
		numResults = t.maxResults
	}

	output := webSearchOutput{Results: []search.Hit{}, Queries: parsed.Queries}
	for _, query := range parsed.Queries {
		query = strings.TrimSpace(query)
		if query == "" {
			continue
		}
		result := t.service.Search(ctx, query, numResults)
		output.Results = append(output.Results, result.Results...)
		if output.SearchMethod == "" || output.SearchMethod == search.MethodFallback {
			output.SearchMethod = result.SearchMethod
		}
		if output.Enrichment == nil && !result.Enrichment.IsEmpty() {
			output.Enrichment = result.Enrichment
		}
	}

	data, err := json.Marshal(output)
	if err != nil {
		return "", fmt.Errorf("marshal search output: %w", err)
	}
	t.logger.WithContext(ctx).Debug("web_search executed",
		"queries", len(parsed.Queries), "results", len(output.Results))
	return string(data), nil
}
