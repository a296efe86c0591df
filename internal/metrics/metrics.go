// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

// Package metrics provides Prometheus instrumentation for Segue.
//
// Instrumented areas:
//   - Fetch substrate (requests, retries, rate-limit adjustments, proxies, CAPTCHA)
//   - Unified dispatcher (scrape requests, outcomes, in-flight jobs)
//   - Pipeline stages (messages, stage durations, dropped pairs, DLQ)
//   - DuckDB query performance
//   - API endpoint latency and throughput
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Fetch Substrate Metrics
	FetchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetch_requests_total",
			Help: "Total number of HTTP fetches by host and outcome",
		},
		[]string{"host", "outcome"}, // outcome: success, transient, blocked, rate_limited, not_found, deadline, cancelled
	)

	FetchRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fetch_request_duration_seconds",
			Help:    "Duration of HTTP fetches in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"host"},
	)

	FetchRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetch_retries_total",
			Help: "Total number of fetch retries by host",
		},
		[]string{"host"},
	)

	FetchHostRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fetch_host_rate_limit",
			Help: "Current adaptive rate limit (requests/second) per host",
		},
		[]string{"host"},
	)

	FetchCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fetch_cache_hits_total",
			Help: "Total number of fetch response cache hits",
		},
	)

	FetchCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fetch_cache_misses_total",
			Help: "Total number of fetch response cache misses",
		},
	)

	ProxyHealthScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "proxy_health_score",
			Help: "Current health score per proxy",
		},
		[]string{"proxy"},
	)

	ProxiesParked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxies_parked",
			Help: "Current number of parked (unhealthy) proxies",
		},
	)

	CaptchaSolves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "captcha_solves_total",
			Help: "Total number of CAPTCHA oracle calls by result",
		},
		[]string{"result"}, // solved, low_confidence, unsolvable, error
	)

	// Dispatcher Metrics
	ScrapeRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrape_requests_total",
			Help: "Total number of scrape requests by source and status",
		},
		[]string{"source", "status"}, // status: completed, partial, failed, timeout
	)

	ScrapeRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scrape_request_duration_seconds",
			Help:    "End-to-end scrape request duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"source"},
	)

	ScrapeJobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scrape_jobs_in_flight",
			Help: "Current number of executing scrape requests",
		},
	)

	ScrapeAdmissionRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scrape_admission_rejections_total",
			Help: "Scrape requests rejected because the pipeline backlog exceeded the high-water mark",
		},
	)

	// Pipeline Metrics
	PipelineMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_messages_total",
			Help: "Total number of pipeline messages by topic and result",
		},
		[]string{"topic", "result"}, // result: processed, failed, poisoned
	)

	PipelineStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Duration of pipeline stage processing per playlist",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"}, // bronze, silver, gold, operational
	)

	PipelineQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_queue_depth",
			Help: "Approximate backlog per pipeline topic",
		},
		[]string{"topic"},
	)

	// Silver Canonicalization Metrics
	TrackResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silver_track_resolutions_total",
			Help: "Canonical track resolutions by method",
		},
		[]string{"method"}, // external_id, isrc, fuzzy, created
	)

	SentinelArtistDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "silver_sentinel_artist_drops_total",
			Help: "Tracks excluded from adjacency observations by the sentinel artist filter",
		},
	)

	AdjacencyPairsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "silver_adjacency_pairs_dropped_total",
			Help: "Consecutive pairs dropped because an endpoint was unresolved or invalid",
		},
	)

	EnrichmentCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichment_calls_total",
			Help: "Enrichment oracle calls by result",
		},
		[]string{"result"}, // completed, partial, failed, skipped
	)

	// Gold Aggregation Metrics
	TransitionsUpserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gold_transitions_upserted_total",
			Help: "Total number of transition upserts",
		},
	)

	// Database Metrics
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duckdb_query_duration_seconds",
			Help:    "Duration of DuckDB queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckdb_query_errors_total",
			Help: "Total number of DuckDB query errors",
		},
		[]string{"operation", "table"},
	)

	// API Endpoint Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	// DLQ Metrics
	DLQEntriesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dlq_entries_total",
			Help: "Current number of entries in the pipeline dead letter queue",
		},
	)

	DLQMessagesAdded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dlq_messages_added_total",
			Help: "Total number of messages routed to the dead letter queue",
		},
	)
)

// RecordFetch records a fetch outcome with its duration.
func RecordFetch(host, outcome string, duration time.Duration) {
	FetchRequestsTotal.WithLabelValues(host, outcome).Inc()
	FetchRequestDuration.WithLabelValues(host).Observe(duration.Seconds())
}

// RecordScrape records a completed scrape request.
func RecordScrape(source, status string, duration time.Duration) {
	ScrapeRequestsTotal.WithLabelValues(source, status).Inc()
	ScrapeRequestDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// RecordDBQuery records a database query metric.
func RecordDBQuery(operation, table string, duration time.Duration, err error) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
	if err != nil {
		DBQueryErrors.WithLabelValues(operation, table).Inc()
	}
}

// RecordStage records the processing duration of a pipeline stage.
func RecordStage(stage string, duration time.Duration) {
	PipelineStageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordAPIRequest records an API request metric.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
