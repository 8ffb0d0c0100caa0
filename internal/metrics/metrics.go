// Package metrics exposes Prometheus collectors for the media service.
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
	mediaUploadsTotal           *prometheus.CounterVec
	mediaProcessDurationSeconds *prometheus.HistogramVec
	mediaBytesStoredTotal       *prometheus.CounterVec
	mediaActiveWorkers          prometheus.Gauge
	cdnRequestsTotal            *prometheus.CounterVec
	mediaPurgedTotal            prometheus.Counter
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		mediaUploadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "media_uploads_total",
				Help: "Total number of media uploads, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		mediaProcessDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "media_process_duration_seconds",
				Help:    "Histogram of derivative-generation latencies, labeled by kind.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"kind"},
		)

		mediaBytesStoredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "media_bytes_stored_total",
				Help: "Total number of bytes written to blob storage, labeled by kind.",
			},
			[]string{"kind"},
		)

		mediaActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "media_active_workers",
				Help: "Number of workers currently processing an asset.",
			},
		)

		cdnRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "media_cdn_requests_total",
				Help: "Total CDN storage requests, labeled by operation and outcome.",
			},
			[]string{"op", "outcome"},
		)

		mediaPurgedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "media_purged_total",
				Help: "Total media rows permanently removed by the purge janitor.",
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveUpload increments the upload counter.
func ObserveUpload(kind, outcome string) {
	mediaUploadsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveProcessing records one derivative-generation run.
func ObserveProcessing(kind string, duration time.Duration) {
	mediaProcessDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveBytesStored adds to the stored-bytes counter.
func ObserveBytesStored(kind string, n int) {
	if n > 0 {
		mediaBytesStoredTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// ObserveCDNRequest increments the CDN request counter.
func ObserveCDNRequest(op, outcome string) {
	cdnRequestsTotal.WithLabelValues(op, outcome).Inc()
}

// ObservePurged adds to the purged-rows counter.
func ObservePurged(n int) {
	if n > 0 {
		mediaPurgedTotal.Add(float64(n))
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	mediaActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	mediaActiveWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
