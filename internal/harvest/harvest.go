// Package harvest defines the normalized evidence bundle shared by the
// parallel research executor and the tool-calling path. Whatever shape a tool
// emits, both paths converge on one Evidence representation per run.
package harvest

import (
	"encoding/json"
	"time"

	"github.com/meridianhq/meridian/internal/search"
)

// ScrapedPage is one fetched page with its run-scoped correlation id.
type ScrapedPage struct {
	URL            string    `json:"url"`
	Title          string    `json:"title"`
	Content        string    `json:"content"`
	Summary        string    `json:"summary"`
	ContentLength  int       `json:"content_length"`
	ScrapedAt      time.Time `json:"scraped_at"`
	ContextID      string    `json:"context_id"`
	RelevanceScore float64   `json:"relevance_score,omitempty"`
}

// Evidence is the bundle passed to prompt assembly. It is owned exclusively
// by one research run and is append-only during that run: phases add to it
// but never remove entries.
type Evidence struct {
	SearchResults  []search.Hit       `json:"search_results"`
	ScrapedContent []ScrapedPage      `json:"scraped_content"`
	SerpEnrichment *search.Enrichment `json:"serp_enrichment,omitempty"`
}

// AddHits appends search hits to the bundle.
func (e *Evidence) AddHits(hits []search.Hit) {
	e.SearchResults = append(e.SearchResults, hits...)
}

// AddPage appends one scraped page to the bundle.
func (e *Evidence) AddPage(p ScrapedPage) {
	e.ScrapedContent = append(e.ScrapedContent, p)
}

// SetEnrichment retains the first non-empty enrichment block; later blocks
// are ignored rather than merged.
func (e *Evidence) SetEnrichment(enrichment *search.Enrichment) {
	if e.SerpEnrichment != nil || enrichment.IsEmpty() {
		return
	}
	e.SerpEnrichment = enrichment
}

// IsEmpty reports whether the bundle holds no evidence at all.
func (e *Evidence) IsEmpty() bool {
	return len(e.SearchResults) == 0 && len(e.ScrapedContent) == 0 && e.SerpEnrichment.IsEmpty()
}

// ToolCallLogEntry is one record of the append-only audit trail of external
// calls made during a run.
type ToolCallLogEntry struct {
	ToolName      string    `json:"tool_name"`
	Timestamp     time.Time `json:"timestamp"`
	Reasoning     string    `json:"reasoning,omitempty"`
	Input         string    `json:"input"`
	ResultSummary string    `json:"result_summary"`
	DurationMs    int64     `json:"duration_ms"`
	Success       bool      `json:"success"`
}

// Collector ingests raw tool outputs emitted by the completion/agent layer
// and normalizes them into Evidence. Tool outputs are recognized
// structurally: a payload with a "results" field is a search output, a
// payload with both "url" and "content" is a scrape output. Anything else is
// ignored, which is not an error.
type Collector struct {
	evidence Evidence
	fatalErr string
}

// NewCollector creates an empty collector for one run.
func NewCollector() *Collector {
	return &Collector{}
}

// searchToolName identifies the tool whose error flag is fatal-eligible.
// Scraping failures are expected and common; they stay telemetry.
const searchToolName = "web_search"

// Ingest normalizes one raw tool output. The payload is the tool's JSON
// output; malformed JSON is ignored.
func (c *Collector) Ingest(toolName string, payload []byte) {
	var probe struct {
		Results    []search.Hit       `json:"results"`
		Enrichment *search.Enrichment `json:"enrichment"`
		URL        string             `json:"url"`
		Title      string             `json:"title"`
		Content    string             `json:"content"`
		Summary    string             `json:"summary"`
		ContextID  string             `json:"context_id"`
		Error      string             `json:"error"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return
	}

	if probe.Error != "" {
		if toolName == searchToolName && c.fatalErr == "" {
			c.fatalErr = probe.Error
		}
		// Scrape and unknown tool errors are non-fatal telemetry.
		return
	}

	switch {
	case probe.Results != nil:
		c.evidence.AddHits(probe.Results)
		if probe.Enrichment != nil {
			c.evidence.SetEnrichment(probe.Enrichment)
		}
	case probe.URL != "" && probe.Content != "":
		c.evidence.AddPage(ScrapedPage{
			URL:           probe.URL,
			Title:         probe.Title,
			Content:       probe.Content,
			Summary:       probe.Summary,
			ContentLength: len(probe.Content),
			ScrapedAt:     time.Now().UTC(),
			ContextID:     probe.ContextID,
		})
	}
}

// Evidence returns the normalized bundle collected so far.
func (c *Collector) Evidence() *Evidence {
	return &c.evidence
}

// FatalErr returns the fatal-eligible error recorded during ingestion, or ""
// if the run may proceed.
func (c *Collector) FatalErr() string {
	return c.fatalErr
}
