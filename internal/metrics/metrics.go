// Package metrics exposes Prometheus collectors for the collector service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchPagesTotal            *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	jobsTotal                  *prometheus.CounterVec
	scrapeAttemptsTotal        *prometheus.CounterVec
	scrapeDurationSeconds      *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	queueDepth                 *prometheus.GaugeVec
	backpressureWaitsTotal     prometheus.Counter
	backpressureWaitSeconds    prometheus.Histogram
	resourceUsage              *prometheus.GaugeVec
	fusionFieldsTotal          *prometheus.CounterVec
	fusionRejectedSourcesTotal prometheus.Counter
	fusionConfidence           prometheus.Histogram
	sessionAgeDays             *prometheus.GaugeVec
	cotahistRowsTotal          *prometheus.CounterVec
	diagnosticsStoredTotal     *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_fetch_pages_total",
				Help: "Total number of pages fetched, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
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

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_jobs_total",
				Help: "Total number of jobs reaching a terminal or requeued state, labeled by source and status.",
			},
			[]string{"source", "status"},
		)

		scrapeAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_scrape_attempts_total",
				Help: "Adapter invocations, labeled by source and outcome kind.",
			},
			[]string{"source", "kind"},
		)

		scrapeDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "collector_scrape_duration_seconds",
				Help:    "Wall time of one scrape including retries.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"source"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "collector_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "collector_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "collector_queue_depth",
				Help: "Pending job ids per priority list.",
			},
			[]string{"priority"},
		)

		backpressureWaitsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "collector_backpressure_waits_total",
				Help: "Times a worker had to wait for host capacity.",
			},
		)

		backpressureWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "collector_backpressure_wait_seconds",
				Help:    "Time spent waiting for host capacity.",
				Buckets: []float64{1, 2, 5, 10, 30, 60},
			},
		)

		resourceUsage = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "collector_resource_usage",
				Help: "Last sampled host resource usage.",
			},
			[]string{"metric"},
		)

		fusionFieldsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_fusion_fields_total",
				Help: "Reconciled fields, labeled by field and outcome.",
			},
			[]string{"field", "outcome"},
		)

		fusionRejectedSourcesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "collector_fusion_rejected_sources_total",
				Help: "Source observations rejected as outliers.",
			},
		)

		fusionConfidence = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "collector_fusion_confidence",
				Help:    "Confidence score of reconciled fields.",
				Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
			},
		)

		sessionAgeDays = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "collector_session_age_days",
				Help: "Age of the stored session bundle per site.",
			},
			[]string{"site"},
		)

		cotahistRowsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_cotahist_rows_total",
				Help: "COTAHIST records read, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		diagnosticsStoredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_diagnostics_stored_total",
				Help: "Page diagnostics written after parse failures.",
			},
			[]string{"source"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// The Observe helpers are no-ops until Init runs, so packages can be used
// from tests without a registry.

// ObserveFetch counts one fetched page.
func ObserveFetch(site string, status int, bytesFetched int) {
	if fetchPagesTotal == nil {
		return
	}
	sanitizedSite := SanitizeSite(site)
	fetchPagesTotal.WithLabelValues(sanitizedSite, strconv.Itoa(status)).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob counts a job transition for a source.
func ObserveJob(source, status string) {
	if jobsTotal == nil {
		return
	}
	jobsTotal.WithLabelValues(source, status).Inc()
}

// ObserveScrapeAttempt counts one adapter call; kind is "ok" on success.
func ObserveScrapeAttempt(source, kind string) {
	if scrapeAttemptsTotal == nil {
		return
	}
	scrapeAttemptsTotal.WithLabelValues(source, kind).Inc()
}

// ObserveScrapeDuration records the wall time of a scrape with retries.
func ObserveScrapeDuration(source string, d time.Duration) {
	if scrapeDurationSeconds == nil {
		return
	}
	scrapeDurationSeconds.WithLabelValues(source).Observe(d.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if activeWorkers != nil {
		activeWorkers.Inc()
	}
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if activeWorkers != nil {
		activeWorkers.Dec()
	}
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	if rateLimitDelaysSeconds == nil {
		return
	}
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// SetQueueDepth records the length of one priority list.
func SetQueueDepth(priority string, n int64) {
	if queueDepth == nil {
		return
	}
	queueDepth.WithLabelValues(priority).Set(float64(n))
}

// ObserveBackpressureWait counts a worker blocked on host capacity.
func ObserveBackpressureWait() {
	if backpressureWaitsTotal != nil {
		backpressureWaitsTotal.Inc()
	}
}

// ObserveBackpressureWaitDuration records how long a capacity wait lasted.
func ObserveBackpressureWaitDuration(d time.Duration) {
	if backpressureWaitSeconds != nil {
		backpressureWaitSeconds.Observe(d.Seconds())
	}
}

// ObserveResourceUsage records the last host sample.
func ObserveResourceUsage(memPct, cpuPct, rssMB float64) {
	if resourceUsage == nil {
		return
	}
	resourceUsage.WithLabelValues("mem_pct").Set(memPct)
	resourceUsage.WithLabelValues("cpu_pct").Set(cpuPct)
	resourceUsage.WithLabelValues("rss_mb").Set(rssMB)
}

// ObserveFusionField records one reconciled field.
func ObserveFusionField(field string, lowConfidence bool, rejected int, confidence float64) {
	if fusionFieldsTotal == nil {
		return
	}
	outcome := "ok"
	if lowConfidence {
		outcome = "low_confidence"
	}
	fusionFieldsTotal.WithLabelValues(field, outcome).Inc()
	fusionRejectedSourcesTotal.Add(float64(rejected))
	fusionConfidence.Observe(confidence)
}

// ObserveSessionAge exports the age of one site's session bundle.
func ObserveSessionAge(site string, ageDays float64) {
	if sessionAgeDays != nil {
		sessionAgeDays.WithLabelValues(site).Set(ageDays)
	}
}

// ObserveCotahistRows counts parsed archive records by outcome.
func ObserveCotahistRows(outcome string, n int) {
	if cotahistRowsTotal != nil && n > 0 {
		cotahistRowsTotal.WithLabelValues(outcome).Add(float64(n))
	}
}

// ObserveDiagnosticStored counts a stored page diagnostic.
func ObserveDiagnosticStored(source string) {
	if diagnosticsStoredTotal != nil {
		diagnosticsStoredTotal.WithLabelValues(source).Inc()
	}
}
