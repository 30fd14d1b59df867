package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// DatastoreMetrics contains Prometheus metrics for the result store
type DatastoreMetrics struct {
	collector

	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	retriesTotal      *prometheus.CounterVec
	evictionsTotal    prometheus.Counter
	records           prometheus.Gauge
}

// NewDatastoreMetrics creates and registers datastore metrics
func NewDatastoreMetrics(registry *prometheus.Registry) (*DatastoreMetrics, error) {
	m := &DatastoreMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register datastore metrics: %w", err)
	}
	return m, nil
}

func (m *DatastoreMetrics) initMetrics() {
	m.operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "birdcam_datastore_operations_total",
			Help: "Total number of result store operations",
		},
		[]string{"operation", "status"},
	)
	m.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "birdcam_datastore_operation_duration_seconds",
			Help:    "Time taken for result store operations",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		},
		[]string{"operation"},
	)
	m.retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "birdcam_datastore_retries_total",
			Help: "Total number of retried store writes",
		},
		[]string{"operation"},
	)
	m.evictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "birdcam_datastore_evictions_total",
		Help: "Total number of records removed by retention",
	})
	m.records = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "birdcam_datastore_records",
		Help: "Number of stored detection records",
	})

	m.collectors = []prometheus.Collector{
		m.operationsTotal, m.operationDuration, m.retriesTotal, m.evictionsTotal, m.records,
	}
}

// RecordOperation records the outcome and duration of a store operation
func (m *DatastoreMetrics) RecordOperation(operation string, seconds float64, err error) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.operationsTotal.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordRetry counts a retried write
func (m *DatastoreMetrics) RecordRetry(operation string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(operation).Inc()
}

// RecordEvictions adds n evicted records
func (m *DatastoreMetrics) RecordEvictions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.evictionsTotal.Add(float64(n))
}

// SetRecordCount updates the stored record gauge
func (m *DatastoreMetrics) SetRecordCount(n int64) {
	if m == nil {
		return
	}
	m.records.Set(float64(n))
}
