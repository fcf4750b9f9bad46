package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/meridianhq/meridian/internal/logger"
	"github.com/meridianhq/meridian/internal/scrape"
)

// WebScrapeTool fetches one page and returns its extracted content.
type WebScrapeTool struct {
	service *scrape.Service
	logger  *logger.Logger
}

// NewWebScrapeTool creates the web_scrape tool.
func NewWebScrapeTool(service *scrape.Service, log *logger.Logger) *WebScrapeTool {
	return &WebScrapeTool{
		service: service,
		logger:  log.WithComponent("web-scrape-tool"),
	}
}

func (t *WebScrapeTool) Name() string {
	return "web_scrape"
}

func (t *WebScrapeTool) Definition() Definition {
	return Definition{
		Type: "function",
		Function: FunctionDef{
			Name:        "web_scrape",
			Description: "Fetch a web page and return its main text content",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{
						"type":        "string",
						"description": "The http(s) URL of the page to fetch",
					},
				},
				"required":             []string{"url"},
				"additionalProperties": false,
			},
		},
	}
}

type webScrapeArgs struct {
	URL string `json:"url"`
}

// webScrapeOutput is the payload shape the evidence harvester recognizes as
// a scrape output: "url" and "content" together are the discriminator. The
// error field marks a failed fetch; scrape errors are expected telemetry,
// not run failures.
type webScrapeOutput struct {
	URL       string `json:"url"`
	Title     string `json:"title,omitempty"`
	Content   string `json:"content,omitempty"`
	Summary   string `json:"summary,omitempty"`
	ContextID string `json:"context_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Execute fetches the page. Fetch failures are reported inside the payload
// rather than as execution errors so the model can carry on with partial
// evidence.
func (t *WebScrapeTool) Execute(ctx context.Context, args string) (string, error) {
	var parsed webScrapeArgs
	if err := ParseArguments(args, &parsed); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	parsed.URL = strings.TrimSpace(parsed.URL)
	if parsed.URL == "" {
		return "", fmt.Errorf("url parameter is required")
	}

	output := webScrapeOutput{URL: parsed.URL}
	page, err := t.service.Scrape(ctx, parsed.URL)
	if err != nil {
		output.Error = err.Error()
		t.logger.WithContext(ctx).Debug("web_scrape failed", "url", parsed.URL, "error", err.Error())
	} else {
		output.Title = page.Title
		output.Content = page.Content
		output.Summary = page.Summary
		output.ContextID = uuid.NewString()
	}

	data, merr := json.Marshal(output)
	if merr != nil {
		return "", fmt.Errorf("marshal scrape output: %w", merr)
	}
	return string(data), nil
}
