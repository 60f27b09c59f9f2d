// Package metrics exposes Prometheus collectors for the scrape service.
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
	poolAcquireSeconds        *prometheus.HistogramVec
	poolContextsDestroyed     *prometheus.CounterVec
	poolContexts              *prometheus.GaugeVec
	pipelineStepSeconds       *prometheus.HistogramVec
	cacheLookupsTotal         *prometheus.CounterVec
	scrapeJobsTotal           *prometheus.CounterVec
	scrapeAttemptsTotal       *prometheus.CounterVec
	scrapeQueueDepth          prometheus.Gauge
	scrapeActiveWorkers       prometheus.Gauge
	rateLimitDelaysSeconds    *prometheus.HistogramVec
	httpRequestsTotal         *prometheus.CounterVec
	httpRequestDurationSecond *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		poolAcquireSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lens_pool_acquire_seconds",
				Help:    "Time spent acquiring a browser context, labeled by outcome.",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30},
			},
			[]string{"outcome"},
		)

		poolContextsDestroyed = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lens_pool_contexts_destroyed_total",
				Help: "Browser contexts torn down, labeled by reason.",
			},
			[]string{"reason"},
		)

		poolContexts = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lens_pool_contexts",
				Help: "Live browser contexts, labeled by state.",
			},
			[]string{"state"},
		)

		pipelineStepSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lens_pipeline_step_seconds",
				Help:    "Pipeline step latency, labeled by step and outcome.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 40},
			},
			[]string{"step", "outcome"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lens_cache_lookups_total",
				Help: "Result cache lookups, labeled by result.",
			},
			[]string{"result"},
		)

		scrapeJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lens_jobs_total",
				Help: "Total number of jobs finished, labeled by status.",
			},
			[]string{"status"},
		)

		scrapeAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lens_attempts_total",
				Help: "Pipeline attempts, labeled by error kind (ok on success).",
			},
			[]string{"kind"},
		)

		scrapeQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "lens_queue_depth",
				Help: "Executions waiting for a worker.",
			},
		)

		scrapeActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "lens_active_workers",
				Help: "Number of workers currently running an execution.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lens_rate_limit_delays_seconds",
				Help:    "Histogram of navigation pacing waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSecond = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
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
	Init()
	return promhttp.Handler()
}

// ObserveAcquire records how long a pool acquire took and how it ended.
func ObserveAcquire(outcome string, d time.Duration) {
	Init()
	poolAcquireSeconds.WithLabelValues(outcome).Observe(d.Seconds())
}

// IncContextsDestroyed counts a browser context teardown.
func IncContextsDestroyed(reason string) {
	Init()
	poolContextsDestroyed.WithLabelValues(reason).Inc()
}

// SetPoolContexts publishes the idle and leased context counts.
func SetPoolContexts(idle, leased int) {
	Init()
	poolContexts.WithLabelValues("idle").Set(float64(idle))
	poolContexts.WithLabelValues("leased").Set(float64(leased))
}

// ObserveStep records one pipeline step.
func ObserveStep(step, outcome string, d time.Duration) {
	Init()
	pipelineStepSeconds.WithLabelValues(step, outcome).Observe(d.Seconds())
}

// ObserveCache counts a cache lookup.
func ObserveCache(result string) {
	Init()
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveJob increments the job counter for the given terminal status.
func ObserveJob(status string) {
	Init()
	scrapeJobsTotal.WithLabelValues(status).Inc()
}

// ObserveAttempt counts a finished attempt by error kind.
func ObserveAttempt(kind string) {
	Init()
	if kind == "" {
		kind = "ok"
	}
	scrapeAttemptsTotal.WithLabelValues(kind).Inc()
}

// SetQueueDepth publishes the number of queued executions.
func SetQueueDepth(n int) {
	Init()
	scrapeQueueDepth.Set(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	scrapeActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	scrapeActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a pacing wait.
func ObserveRateLimitDelay(host string, d time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSecond.WithLabelValues(method, route).Observe(d.Seconds())
}
