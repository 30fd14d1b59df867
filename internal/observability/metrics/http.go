package metrics

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// HTTPMetrics contains Prometheus metrics for the API server
type HTTPMetrics struct {
	collector

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rateLimited     prometheus.Counter
	uploadsTotal    *prometheus.CounterVec
	streamClients   prometheus.Gauge
}

// NewHTTPMetrics creates and registers HTTP metrics
func NewHTTPMetrics(registry *prometheus.Registry) (*HTTPMetrics, error) {
	m := &HTTPMetrics{}
	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "birdcam_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status_code"}, // path is the route pattern, e.g. /api/results/:id
	)
	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "birdcam_http_request_duration_seconds",
			Help:    "Time taken for HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
	m.rateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "birdcam_http_rate_limited_total",
		Help: "Total number of requests rejected by the rate limiter",
	})
	m.uploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "birdcam_http_uploads_total",
			Help: "Total number of image uploads",
		},
		[]string{"status"},
	)
	m.streamClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "birdcam_http_stream_clients",
		Help: "Number of connected live feed clients",
	})
	m.collectors = []prometheus.Collector{
		m.requestsTotal, m.requestDuration, m.rateLimited, m.uploadsTotal, m.streamClients,
	}

	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register HTTP metrics: %w", err)
	}
	return m, nil
}

// RecordRequest records a completed request
func (m *HTTPMetrics) RecordRequest(method, path string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, path).Observe(seconds)
}

// RecordRateLimited counts a rejected request
func (m *HTTPMetrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// RecordUpload counts an upload by outcome
func (m *HTTPMetrics) RecordUpload(err error) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.uploadsTotal.WithLabelValues(status).Inc()
}

// StreamClientConnected increments the live feed gauge
func (m *HTTPMetrics) StreamClientConnected() {
	if m == nil {
		return
	}
	m.streamClients.Inc()
}

// StreamClientDisconnected decrements the live feed gauge
func (m *HTTPMetrics) StreamClientDisconnected() {
	if m == nil {
		return
	}
	m.streamClients.Dec()
}

// GetStreamClients returns the current number of live feed clients
func (m *HTTPMetrics) GetStreamClients() float64 {
	if m == nil {
		return 0
	}
	metric := &dto.Metric{}
	if err := m.streamClients.Write(metric); err != nil {
		return 0
	}
	if metric.Gauge != nil && metric.Gauge.Value != nil {
		return *metric.Gauge.Value
	}
	return 0
}
