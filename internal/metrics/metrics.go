// Package metrics exposes Prometheus collectors for the fetch pipeline and
// its HTTP surface.
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

	"github.com/JakeFAU/fetchcache/internal/pipeline"
)

var (
	submissionsTotal           *prometheus.CounterVec
	fetchesTotal               *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	fetchDurationSeconds       prometheus.Histogram
	resultsTakenTotal          prometheus.Counter
	clearsTotal                prometheus.Counter
	inFlightFetches            prometheus.Gauge
	queueDepth                 prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		submissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchcache_submissions_total",
				Help: "Total number of submitted keys, labeled by outcome (accepted or skipped).",
			},
			[]string{"outcome"},
		)

		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchcache_fetches_total",
				Help: "Total number of completed fetches, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchcache_fetch_bytes_total",
				Help: "Total number of payload bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		fetchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fetchcache_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		)

		resultsTakenTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fetchcache_results_taken_total",
				Help: "Total number of results removed from the completion queue.",
			},
		)

		clearsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fetchcache_clears_total",
				Help: "Total number of tracking resets.",
			},
		)

		inFlightFetches = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fetchcache_in_flight_fetches",
				Help: "Number of fetches currently running.",
			},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fetchcache_queue_depth",
				Help: "Number of completed results waiting to be taken.",
			},
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

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Observer feeds pipeline lifecycle events into the package collectors.
// Call Init before handing it to a Loader.
type Observer struct{}

var _ pipeline.Observer = Observer{}

// NewObserver initializes the collectors and returns an Observer.
func NewObserver() Observer {
	Init()
	return Observer{}
}

// SubmissionAccepted counts an accepted key and a new in-flight fetch.
func (Observer) SubmissionAccepted(string) {
	submissionsTotal.WithLabelValues("accepted").Inc()
	inFlightFetches.Inc()
}

// SubmissionSkipped counts a deduplicated key.
func (Observer) SubmissionSkipped(string) {
	submissionsTotal.WithLabelValues("skipped").Inc()
}

// FetchCompleted records the fetch outcome and its queue entry.
func (Observer) FetchCompleted(result pipeline.FetchResult) {
	site := SanitizeSite(result.Key)
	status := "failure"
	if result.Success {
		status = "success"
	}
	fetchesTotal.WithLabelValues(site, status).Inc()
	if n := len(result.Payload); n > 0 {
		fetchBytesTotal.WithLabelValues(site).Add(float64(n))
	}
	fetchDurationSeconds.Observe(result.Duration.Seconds())
	inFlightFetches.Dec()
	queueDepth.Inc()
}

// ResultTaken tracks a dequeue.
func (Observer) ResultTaken(pipeline.FetchResult) {
	resultsTakenTotal.Inc()
	queueDepth.Dec()
}

// Cleared counts a reset.
func (Observer) Cleared() {
	clearsTotal.Inc()
}
