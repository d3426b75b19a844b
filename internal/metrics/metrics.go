// Package metrics exposes Prometheus collectors for the ingestor service.
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
	upstreamRequestsTotal      *prometheus.CounterVec
	upstreamRequestDuration    *prometheus.HistogramVec
	upstreamRetriesTotal       *prometheus.CounterVec
	documentsTotal             *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	httpInFlight               prometheus.Gauge
	jobsTotal                  *prometheus.CounterVec
	activeChannels             prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		upstreamRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestor_outbound_requests_total",
				Help: "Total number of outbound HTTP attempts, labeled by target and status code.",
			},
			[]string{"target", "code"},
		)

		upstreamRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingestor_outbound_request_duration_seconds",
				Help:    "Histogram of outbound HTTP attempt latencies, labeled by target.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"target"},
		)

		upstreamRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestor_outbound_retries_total",
				Help: "Total number of retried outbound attempts, labeled by target and reason.",
			},
			[]string{"target", "reason"},
		)

		documentsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestor_documents_total",
				Help: "Total number of documents written to the store, labeled by channel and result.",
			},
			[]string{"channel", "result"},
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

		httpInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of API requests currently being served.",
			},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestor_jobs_total",
				Help: "Total number of jobs processed, labeled by status.",
			},
			[]string{"status"},
		)

		activeChannels = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingestor_active_channels",
				Help: "Number of channel pipelines currently running.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingestor_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"channel"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveOutbound records one executor attempt. A zero code means the attempt
// never produced a response.
func ObserveOutbound(target string, code int, duration time.Duration) {
	Init()
	upstreamRequestsTotal.WithLabelValues(target, strconv.Itoa(code)).Inc()
	upstreamRequestDuration.WithLabelValues(target).Observe(duration.Seconds())
}

// ObserveRetry increments the retry counter for target.
func ObserveRetry(target, reason string) {
	Init()
	upstreamRetriesTotal.WithLabelValues(target, reason).Inc()
}

// ObserveDocument records one ingested document outcome.
func ObserveDocument(channel string, success bool) {
	Init()
	result := "failed"
	if success {
		result = "succeeded"
	}
	documentsTotal.WithLabelValues(channel, result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// IncActiveChannels increments the active channels gauge.
func IncActiveChannels() {
	Init()
	activeChannels.Inc()
}

// DecActiveChannels decrements the active channels gauge.
func DecActiveChannels() {
	Init()
	activeChannels.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(channel string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(channel).Observe(duration.Seconds())
}
