// Package metrics exposes Prometheus collectors for the rank tracker service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	runsTotal                  *prometheus.CounterVec
	phrasesTotal               *prometheus.CounterVec
	crawlDurationSeconds       *prometheus.HistogramVec
	revealAttempts             prometheus.Histogram
	allocationFallbackTotal    prometheus.Counter
	storeWriteFailuresTotal    prometheus.Counter
	activeRuns                 prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ranktracker_runs_total",
				Help: "Total number of runs processed, labeled by status.",
			},
			[]string{"status"},
		)

		phrasesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ranktracker_phrases_total",
				Help: "Total number of phrases resolved, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		crawlDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ranktracker_crawl_duration_seconds",
				Help:    "Histogram of single phrase crawl durations, labeled by outcome.",
				Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"outcome"},
		)

		revealAttempts = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ranktracker_reveal_attempts",
				Help:    "Number of reveal actions performed per crawl.",
				Buckets: []float64{0, 1, 2, 3, 5, 8, 10, 15, 20},
			},
		)

		allocationFallbackTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ranktracker_allocation_fallback_total",
				Help: "Total number of placements that used the fallback row.",
			},
		)

		storeWriteFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ranktracker_store_write_failures_total",
				Help: "Total number of output cell writes that failed.",
			},
		)

		activeRuns = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ranktracker_active_runs",
				Help: "Number of runs currently executing.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ranktracker_rate_limit_delays_seconds",
				Help:    "Histogram of navigation pacing wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRun increments the run counter for the given status.
func ObserveRun(status string) {
	Init()
	runsTotal.WithLabelValues(status).Inc()
}

// ObservePhrase records one resolved phrase and how long its crawl took.
func ObservePhrase(outcome string, duration time.Duration) {
	Init()
	phrasesTotal.WithLabelValues(outcome).Inc()
	crawlDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveRevealAttempts records the reveal count of one crawl.
func ObserveRevealAttempts(n int) {
	Init()
	revealAttempts.Observe(float64(n))
}

// ObserveAllocationFallback increments the fallback placement counter.
func ObserveAllocationFallback() {
	Init()
	allocationFallbackTotal.Inc()
}

// ObserveStoreWriteFailure increments the failed write counter.
func ObserveStoreWriteFailure() {
	Init()
	storeWriteFailuresTotal.Inc()
}

// IncActiveRuns increments the active runs gauge.
func IncActiveRuns() {
	Init()
	activeRuns.Inc()
}

// DecActiveRuns decrements the active runs gauge.
func DecActiveRuns() {
	Init()
	activeRuns.Dec()
}

// ObserveRateLimitDelay records the duration of a pacing wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
