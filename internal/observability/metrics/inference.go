package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// InferenceMetrics contains all Prometheus metrics related to model inference.
type InferenceMetrics struct {
	collector

	InferenceDuration *prometheus.HistogramVec
	InferenceTotal    *prometheus.CounterVec
	BirdsDetected     prometheus.Counter
	ModelLoadTotal    *prometheus.CounterVec
	ModelLoaded       prometheus.Gauge
}

// NewInferenceMetrics creates and registers inference metrics.
func NewInferenceMetrics(registry *prometheus.Registry) (*InferenceMetrics, error) {
	m := &InferenceMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register inference metrics: %w", err)
	}
	return m, nil
}

func (m *InferenceMetrics) initMetrics() {
	m.InferenceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "birdcam_inference_duration_seconds",
			Help:    "Time taken to run the model on one image",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"model"},
	)
	m.InferenceTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "birdcam_inference_total",
			Help: "Total number of processed images partitioned by outcome",
		},
		[]string{"model", "outcome"},
	)
	m.BirdsDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "birdcam_birds_detected_total",
		Help: "Total number of birds counted across all images",
	})
	m.ModelLoadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "birdcam_model_load_total",
			Help: "Total number of model load attempts",
		},
		[]string{"model", "status"},
	)
	m.ModelLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "birdcam_model_loaded",
		Help: "Whether a model is currently loaded (1) or not (0)",
	})

	m.collectors = []prometheus.Collector{
		m.InferenceDuration, m.InferenceTotal, m.BirdsDetected, m.ModelLoadTotal, m.ModelLoaded,
	}
}

// RecordInference records one inference with its outcome and duration.
func (m *InferenceMetrics) RecordInference(model, outcome string, birds int, seconds float64) {
	if m == nil {
		return
	}
	m.InferenceTotal.WithLabelValues(model, outcome).Inc()
	if outcome != OutcomeError && outcome != OutcomeTimeout {
		m.InferenceDuration.WithLabelValues(model).Observe(seconds)
	}
	if birds > 0 {
		m.BirdsDetected.Add(float64(birds))
	}
}

// RecordModelLoad records a model load attempt.
func (m *InferenceMetrics) RecordModelLoad(model string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.ModelLoadTotal.WithLabelValues(model, StatusError).Inc()
		return
	}
	m.ModelLoadTotal.WithLabelValues(model, StatusSuccess).Inc()
	m.ModelLoaded.Set(1)
}

// SetModelUnloaded marks the model as released.
func (m *InferenceMetrics) SetModelUnloaded() {
	if m == nil {
		return
	}
	m.ModelLoaded.Set(0)
}
