package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/meridianhq/meridian/internal/logger"
	"github.com/meridianhq/meridian/internal/metrics"
	"github.com/meridianhq/meridian/internal/store"
)

// Provider is the uniform contract for one search backend.
type Provider interface {
	Name() string
	// Available reports whether the provider has the credentials it needs.
	Available() bool
	Search(ctx context.Context, query string, maxResults int) (*ProviderResult, error)
}

// Service runs the provider cascade: providers are tried strictly in order,
// stopping at the first that returns at least one result. Each provider's
// failure is caught and logged; it never aborts the cascade. When everything
// fails, a synthetic single-result fallback is returned.
type Service struct {
	providers []Provider
	store     *store.Store
	logger    *logger.Logger
}

// NewService creates a cascade over the given providers, in priority order.
func NewService(providers []Provider, st *store.Store, logger *logger.Logger) *Service {
	return &Service{
		providers: providers,
		store:     st,
		logger:    logger.WithComponent("search-cascade"),
	}
}

// NewDefaultProviders builds the standard serper → exa → duckduckgo order.
func NewDefaultProviders(serperKey, serperURL, exaKey string, httpClient *http.Client) []Provider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return []Provider{
		NewSerperProvider(serperKey, serperURL, httpClient),
		NewExaProvider(exaKey, httpClient),
		NewDuckDuckGoProvider(httpClient),
	}
}

// cacheKey builds the search-result cache key.
func cacheKey(query string, maxResults int) string {
	return fmt.Sprintf("search:%s:%d", query, maxResults)
}

// Search runs the cascade for one query. Results are served from the search
// cache when fresh.
func (s *Service) Search(ctx context.Context, query string, maxResults int) *Result {
	log := s.logger.WithContext(ctx)
	key := cacheKey(query, maxResults)

	if s.store != nil {
		if cached, ok := s.store.GetSearch(key); ok {
			if result, ok := cached.(*Result); ok {
				log.Debug("search cache hit", slog.String("query", truncateForLog(query)))
				return result
			}
		}
	}

	var providerErrors []string
	for _, p := range s.providers {
		if !p.Available() {
			providerErrors = append(providerErrors, fmt.Sprintf("%s: not configured", p.Name()))
			continue
		}

		start := time.Now()
		res, err := p.Search(ctx, query, maxResults)
		metrics.ObserveSearch(p.Name(), time.Since(start), err)
		if err != nil {
			log.Warn("search provider failed",
				slog.String("provider", p.Name()),
				slog.String("query", truncateForLog(query)),
				slog.String("error", err.Error()))
			providerErrors = append(providerErrors, fmt.Sprintf("%s: %s", p.Name(), err.Error()))
			continue
		}
		if len(res.Results) == 0 {
			log.Debug("search provider returned no results", slog.String("provider", p.Name()))
			providerErrors = append(providerErrors, fmt.Sprintf("%s: no results", p.Name()))
			continue
		}

		result := &Result{
			Results:        res.Results,
			SearchMethod:   p.Name(),
			HasRealResults: true,
			Enrichment:     res.Enrichment,
		}
		if s.store != nil {
			s.store.SetSearch(key, result)
		}
		log.Info("search completed",
			slog.String("provider", p.Name()),
			slog.Int("results", len(res.Results)))
		return result
	}

	metrics.CountFallback()
	log.Warn("all search providers failed, returning fallback",
		slog.String("query", truncateForLog(query)),
		slog.Int("provider_errors", len(providerErrors)))

	// Synthetic fallback is not cached so a recovered provider is retried on
	// the next call.
	return &Result{
		Results:        []Hit{fallbackHit(query)},
		SearchMethod:   MethodFallback,
		HasRealResults: false,
		ProviderErrors: providerErrors,
	}
}

// fallbackHit is the single synthetic result returned when every provider
// fails or is unconfigured. It points at a generic search-engine query URL.
func fallbackHit(query string) Hit {
	return Hit{
		Title:          "Search results unavailable",
		URL:            "https://www.google.com/search?q=" + url.QueryEscape(query),
		Snippet:        fmt.Sprintf("The search service encountered an error. Please try again later. Query: %s", query),
		RelevanceScore: 0.1,
	}
}
