// Package metrics exposes Prometheus collectors for the imgbatch service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal         *prometheus.CounterVec
	imagesProcessedTotal  *prometheus.CounterVec
	fetchDurationSeconds  prometheus.Histogram
	activeRequests        prometheus.Gauge
	notificationsTotal    *prometheus.CounterVec
	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDurationMs *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		requestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imgbatch_requests_total",
				Help: "Total number of manifest requests processed, labeled by final status.",
			},
			[]string{"status"},
		)

		imagesProcessedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imgbatch_images_processed_total",
				Help: "Total number of image fetch-transform attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "imgbatch_fetch_duration_seconds",
				Help:    "Histogram of image fetch-transform latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
			},
		)

		activeRequests = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "imgbatch_active_requests",
				Help: "Number of requests currently being orchestrated.",
			},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imgbatch_notifications_total",
				Help: "Total number of webhook notification attempts, labeled by result.",
			},
			[]string{"result"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationMs = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// RequestFinished records the final status of a processed request.
func RequestFinished(status string) {
	Init()
	requestsTotal.WithLabelValues(status).Inc()
}

// ObserveFetch records one fetch-transform attempt and its duration.
func ObserveFetch(outcome string, d time.Duration) {
	Init()
	imagesProcessedTotal.WithLabelValues(outcome).Inc()
	fetchDurationSeconds.Observe(d.Seconds())
}

// ImageSkipped records a URL slot that was never attempted.
func ImageSkipped() {
	Init()
	imagesProcessedTotal.WithLabelValues("skipped").Inc()
}

// RequestStarted increments the active request gauge.
func RequestStarted() {
	Init()
	activeRequests.Inc()
}

// RequestDone decrements the active request gauge.
func RequestDone() {
	Init()
	activeRequests.Dec()
}

// NotificationResult records one webhook delivery attempt.
func NotificationResult(result string) {
	Init()
	notificationsTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest records one inbound API request.
func ObserveHTTPRequest(method, route, code string, d time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, code).Inc()
	httpRequestDurationMs.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}
