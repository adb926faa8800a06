// Package metrics defines the Prometheus metric collectors used across the
// search core and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the process.
type Metrics struct {
	QueriesTotal     *prometheus.CounterVec
	QueryLatency     prometheus.Histogram
	QueryPhaseTime   *prometheus.HistogramVec
	ResultsCount     prometheus.Histogram
	QueriesInFlight  prometheus.Gauge
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter
	FilesIngested    prometheus.Counter
	ContentsDeduped  prometheus.Counter
	IndexChunks      prometheus.Gauge
	IndexBytes       prometheus.Gauge
	SessionsActive   prometheus.Gauge
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		QueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codesearch_queries_total",
				Help: "Total completed queries by exit reason (NONE, TIMEOUT, MATCH_LIMIT, CANCELLED).",
			},
			[]string{"exit_reason"},
		),
		QueryLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "codesearch_query_latency_seconds",
				Help:    "End-to-end query latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
		),
		QueryPhaseTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "codesearch_query_phase_seconds",
				Help:    "Per-phase query time (re2, index, sort, analyze, git).",
				Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"phase"},
		),
		ResultsCount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "codesearch_results_count",
				Help:    "Number of results returned per query.",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
			},
		),
		QueriesInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "codesearch_queries_in_flight",
				Help: "Queries currently holding a concurrency permit.",
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "codesearch_cache_hits_total",
				Help: "Total query-cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "codesearch_cache_misses_total",
				Help: "Total query-cache misses.",
			},
		),
		FilesIngested: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "codesearch_files_ingested_total",
				Help: "Total files added to the catalog.",
			},
		),
		ContentsDeduped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "codesearch_contents_deduped_total",
				Help: "Files whose bytes matched an existing content entry.",
			},
		),
		IndexChunks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "codesearch_index_chunks",
				Help: "Number of content chunks in the index.",
			},
		),
		IndexBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "codesearch_index_bytes",
				Help: "Total content bytes held by the index.",
			},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "codesearch_sessions_active",
				Help: "Connected client sessions.",
			},
		),
	}

	prometheus.MustRegister(
		m.QueriesTotal,
		m.QueryLatency,
		m.QueryPhaseTime,
		m.ResultsCount,
		m.QueriesInFlight,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.FilesIngested,
		m.ContentsDeduped,
		m.IndexChunks,
		m.IndexBytes,
		m.SessionsActive,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
