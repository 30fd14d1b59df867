package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// WatcherMetrics contains Prometheus metrics for directory monitoring
type WatcherMetrics struct {
	collector

	filesTotal *prometheus.CounterVec
	queueDepth prometheus.Gauge
	inFlight   prometheus.Gauge
}

// NewWatcherMetrics creates and registers watcher metrics
func NewWatcherMetrics(registry *prometheus.Registry) (*WatcherMetrics, error) {
	m := &WatcherMetrics{}
	m.filesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "birdcam_watcher_files_total",
			Help: "Total number of file state transitions partitioned by state",
		},
		[]string{"state"},
	)
	m.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "birdcam_watcher_queue_depth",
		Help: "Number of files waiting for a worker",
	})
	m.inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "birdcam_watcher_in_flight",
		Help: "Number of files currently being processed",
	})
	m.collectors = []prometheus.Collector{m.filesTotal, m.queueDepth, m.inFlight}

	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register watcher metrics: %w", err)
	}
	return m, nil
}

// RecordFileState counts a transition into state
func (m *WatcherMetrics) RecordFileState(state string) {
	if m == nil {
		return
	}
	m.filesTotal.WithLabelValues(state).Inc()
}

// SetQueue updates the queue gauges
func (m *WatcherMetrics) SetQueue(depth, inFlight int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
	m.inFlight.Set(float64(inFlight))
}
