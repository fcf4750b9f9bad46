// Package research runs one research pass: fan out planned queries to the
// search cascade, then fan out page fetches over the best hits, and join
// everything into one evidence bundle.
package research

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/meridianhq/meridian/internal/harvest"
	"github.com/meridianhq/meridian/internal/logger"
	"github.com/meridianhq/meridian/internal/metrics"
	"github.com/meridianhq/meridian/internal/planner"
	"github.com/meridianhq/meridian/internal/scrape"
	"github.com/meridianhq/meridian/internal/search"
)

// DefaultScrapeCap bounds how many pages one run fetches.
const DefaultScrapeCap = 5

// maxConcurrentFetches bounds in-flight page fetches even when the scrape
// cap is raised by configuration.
const maxConcurrentFetches = 4

// Searcher is the search dependency. Failures may surface either as errors
// or as fallback results; the executor isolates both per query.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) (*search.Result, error)
}

// Scraper fetches and extracts one page.
type Scraper interface {
	Scrape(ctx context.Context, rawURL string) (*scrape.Page, error)
}

// cascadeSearcher adapts the provider cascade, which reports failures inside
// the result rather than as errors.
type cascadeSearcher struct {
	svc *search.Service
}

func (c cascadeSearcher) Search(ctx context.Context, query string, maxResults int) (*search.Result, error) {
	return c.svc.Search(ctx, query, maxResults), nil
}

// NewCascadeSearcher wraps the provider cascade as a Searcher.
func NewCascadeSearcher(svc *search.Service) Searcher {
	return cascadeSearcher{svc: svc}
}

// Stats describes one run of the executor.
type Stats struct {
	QueriesExecuted int           `json:"queries_executed"`
	QueriesFailed   int           `json:"queries_failed"`
	TotalHits       int           `json:"total_hits"`
	PagesAttempted  int           `json:"pages_attempted"`
	PagesScraped    int           `json:"pages_scraped"`
	PagesSkipped    int           `json:"pages_skipped"`
	SearchDuration  time.Duration `json:"search_duration"`
	ScrapeDuration  time.Duration `json:"scrape_duration"`
	TotalDuration   time.Duration `json:"total_duration"`
}

// Output is the evidence bundle plus run telemetry.
type Output struct {
	Evidence *harvest.Evidence
	Stats    Stats
	ToolLog  []harvest.ToolCallLogEntry
}

// Executor runs the two-phase research pass. Phases run sequentially because
// scrape candidates depend on search results; within each phase all calls
// run concurrently and a failing member never cancels its siblings. Nothing
// is retried inside one run.
type Executor struct {
	searcher   Searcher
	scraper    Scraper
	logger     *logger.Logger
	maxResults int
	scrapeCap  int
	minContent int
	searchTool string
	scrapeTool string
}

// Options tunes an executor; zero values take defaults.
type Options struct {
	MaxResultsPerQuery int
	ScrapeCap          int
	MinContentLength   int
}

// NewExecutor creates an executor over the given search and scrape
// dependencies.
func NewExecutor(searcher Searcher, scraper Scraper, log *logger.Logger, opts Options) *Executor {
	if opts.MaxResultsPerQuery <= 0 {
		opts.MaxResultsPerQuery = 10
	}
	if opts.ScrapeCap <= 0 {
		opts.ScrapeCap = DefaultScrapeCap
	}
	if opts.MinContentLength <= 0 {
		opts.MinContentLength = scrape.DefaultMinContent
	}
	return &Executor{
		searcher:   searcher,
		scraper:    scraper,
		logger:     log.WithComponent("research-executor"),
		maxResults: opts.MaxResultsPerQuery,
		scrapeCap:  opts.ScrapeCap,
		minContent: opts.MinContentLength,
		searchTool: "web_search",
		scrapeTool: "web_scrape",
	}
}

// Execute runs the search phase then the scrape phase for the planned
// queries and returns the joined evidence bundle with statistics.
func (e *Executor) Execute(ctx context.Context, queries []planner.PlannedQuery) *Output {
	log := e.logger.WithContext(ctx)
	start := time.Now()

	out := &Output{Evidence: &harvest.Evidence{}}

	searchStart := time.Now()
	scrapeable := e.searchPhase(ctx, queries, out)
	out.Stats.SearchDuration = time.Since(searchStart)

	scrapeStart := time.Now()
	e.scrapePhase(ctx, scrapeable, out)
	out.Stats.ScrapeDuration = time.Since(scrapeStart)

	out.Stats.TotalDuration = time.Since(start)
	log.Info("research pass completed",
		"queries", out.Stats.QueriesExecuted,
		"hits", out.Stats.TotalHits,
		"pages_scraped", out.Stats.PagesScraped,
		"duration_ms", out.Stats.TotalDuration.Milliseconds())
	return out
}

// searchPhase issues every query concurrently and concatenates the hits.
// Each query failure is caught and contributes zero results. The first
// non-empty enrichment block across queries wins. The returned slice holds
// only hits eligible for the scrape phase.
func (e *Executor) searchPhase(ctx context.Context, queries []planner.PlannedQuery, out *Output) []search.Hit {
	type queryResult struct {
		result   *search.Result
		err      error
		duration time.Duration
	}
	results := make([]queryResult, len(queries))

	var g errgroup.Group
	for i, q := range queries {
		g.Go(func() error {
			start := time.Now()
			res, err := e.searcher.Search(ctx, q.Query, e.maxResults)
			results[i] = queryResult{result: res, err: err, duration: time.Since(start)}
			return nil
		})
	}
	g.Wait()

	var hits, scrapeable []search.Hit
	out.Stats.QueriesExecuted = len(queries)

	for i, q := range queries {
		r := results[i]
		entry := harvest.ToolCallLogEntry{
			ToolName:   e.searchTool,
			Timestamp:  time.Now(),
			Reasoning:  q.Reasoning,
			Input:      q.Query,
			DurationMs: r.duration.Milliseconds(),
		}
		switch {
		case r.err != nil:
			out.Stats.QueriesFailed++
			entry.ResultSummary = fmt.Sprintf("search failed: %s", r.err.Error())
			e.logger.WithContext(ctx).Warn("query search failed",
				"query", truncateForLog(q.Query), "error", r.err.Error())
		case r.result == nil:
			out.Stats.QueriesFailed++
			entry.ResultSummary = "search returned no result"
		default:
			entry.Success = true
			entry.ResultSummary = fmt.Sprintf("%d results via %s", len(r.result.Results), r.result.SearchMethod)
			hits = append(hits, r.result.Results...)
			// Synthetic fallback hits point at a search-engine results
			// page; they stay in the evidence for diagnostics but are
			// never fetched.
			if r.result.HasRealResults {
				scrapeable = append(scrapeable, r.result.Results...)
			}
			if r.result.Enrichment != nil {
				out.Evidence.SetEnrichment(r.result.Enrichment)
			}
		}
		out.ToolLog = append(out.ToolLog, entry)
	}

	out.Stats.TotalHits = len(hits)
	out.Evidence.AddHits(hits)
	return scrapeable
}

// scrapePhase picks the best hits and fetches them concurrently. A fetch
// that errors, times out, or yields content below the minimum length is a
// skip, never a phase failure.
func (e *Executor) scrapePhase(ctx context.Context, hits []search.Hit, out *Output) {
	candidates := selectScrapeCandidates(hits, e.scrapeCap)
	out.Stats.PagesAttempted = len(candidates)
	if len(candidates) == 0 {
		return
	}

	type fetchResult struct {
		page     *scrape.Page
		err      error
		duration time.Duration
	}
	results := make([]fetchResult, len(candidates))

	var g errgroup.Group
	g.SetLimit(maxConcurrentFetches)
	for i, hit := range candidates {
		g.Go(func() error {
			start := time.Now()
			page, err := e.scraper.Scrape(ctx, hit.URL)
			results[i] = fetchResult{page: page, err: err, duration: time.Since(start)}
			return nil
		})
	}
	g.Wait()

	for i, hit := range candidates {
		r := results[i]
		entry := harvest.ToolCallLogEntry{
			ToolName:   e.scrapeTool,
			Timestamp:  time.Now(),
			Input:      hit.URL,
			DurationMs: r.duration.Milliseconds(),
		}
		switch {
		case r.err != nil:
			out.Stats.PagesSkipped++
			metrics.CountScrape("error")
			entry.ResultSummary = fmt.Sprintf("skipped: %s", r.err.Error())
			e.logger.WithContext(ctx).Debug("page fetch skipped",
				"url", truncateForLog(hit.URL), "error", r.err.Error())
		case r.page == nil || r.page.ContentLength < e.minContent:
			out.Stats.PagesSkipped++
			metrics.CountScrape("skipped")
			entry.ResultSummary = "skipped: content below minimum length"
		default:
			out.Stats.PagesScraped++
			metrics.CountScrape("ok")
			entry.Success = true
			entry.ResultSummary = fmt.Sprintf("scraped %d chars", r.page.ContentLength)
			out.Evidence.AddPage(harvest.ScrapedPage{
				URL:            r.page.URL,
				Title:          r.page.Title,
				Content:        r.page.Content,
				Summary:        r.page.Summary,
				ContentLength:  r.page.ContentLength,
				ScrapedAt:      r.page.ScrapedAt,
				ContextID:      uuid.NewString(),
				RelevanceScore: hit.RelevanceScore,
			})
		}
		out.ToolLog = append(out.ToolLog, entry)
	}
}

// selectScrapeCandidates dedupes hits by normalized URL (first occurrence
// wins), keeps http(s) URLs, sorts by relevance descending, and takes the
// top cap entries. Running it twice yields the same selection as once.
func selectScrapeCandidates(hits []search.Hit, limit int) []search.Hit {
	seen := make(map[string]bool, len(hits))
	unique := make([]search.Hit, 0, len(hits))
	for _, hit := range hits {
		normalized := search.NormalizeURL(hit.URL)
		if normalized == "" || seen[normalized] {
			continue
		}
		if !strings.HasPrefix(normalized, "http://") && !strings.HasPrefix(normalized, "https://") {
			continue
		}
		seen[normalized] = true
		unique = append(unique, hit)
	}

	sort.SliceStable(unique, func(i, j int) bool {
		return unique[i].RelevanceScore > unique[j].RelevanceScore
	})
	if len(unique) > limit {
		unique = unique[:limit]
	}
	return unique
}

// MarshalStats renders stats for metadata events.
func (s Stats) MarshalStats() json.RawMessage {
	data, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	return data
}

func truncateForLog(s string) string {
	const max = 120
	if len(s) <= max {
		return s
	}
	return s[:max]
}
