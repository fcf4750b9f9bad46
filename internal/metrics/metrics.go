// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	searchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "meridian",
		Subsystem: "search",
		Name:      "provider_duration_seconds",
		Help:      "Latency of individual search provider calls.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider", "outcome"})

	searchFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meridian",
		Subsystem: "search",
		Name:      "fallback_total",
		Help:      "Number of cascade runs that fell through to the synthetic fallback.",
	})

	scrapeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meridian",
		Subsystem: "scrape",
		Name:      "fetch_total",
		Help:      "Page fetch attempts by outcome.",
	}, []string{"outcome"})

	workflowDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "meridian",
		Subsystem: "workflow",
		Name:      "run_duration_seconds",
		Help:      "End-to-end research run duration.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80},
	}, []string{"outcome"})

	planDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meridian",
		Subsystem: "planner",
		Name:      "decisions_total",
		Help:      "Planner outcomes by decision tier.",
	}, []string{"tier"})
)

// ObserveSearch records one provider call.
func ObserveSearch(provider string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	searchDuration.WithLabelValues(provider, outcome).Observe(d.Seconds())
}

// CountFallback records a cascade run that produced only the synthetic hit.
func CountFallback() {
	searchFallbacks.Inc()
}

// CountScrape records a page fetch attempt. Outcome is one of
// "ok", "skipped", "error".
func CountScrape(outcome string) {
	scrapeTotal.WithLabelValues(outcome).Inc()
}

// ObserveWorkflow records a finished research run.
func ObserveWorkflow(outcome string, d time.Duration) {
	workflowDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// CountPlanDecision records which planner tier produced the plan. Tier is one
// of "empty_input", "cache_hit", "rate_limited", "default", "enhanced",
// "model_assisted", "model_fallback".
func CountPlanDecision(tier string) {
	planDecisions.WithLabelValues(tier).Inc()
}
