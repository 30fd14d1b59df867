package observability

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdcam-go/internal/observability/metrics"
)

func TestNewMetricsRegistersCollectors(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)

	m.Inference.RecordInference("mobilenet", metrics.OutcomeBird, 2, 0.12)
	m.Inference.RecordModelLoad("mobilenet", nil)
	m.Datastore.RecordOperation(metrics.OpSave, 0.003, nil)
	m.Datastore.RecordEvictions(3)
	m.Watcher.RecordFileState("stored")
	m.HTTP.RecordRequest("GET", "/api/results", 200, 0.01)
	m.HTTP.StreamClientConnected()

	assert.InDelta(t, 2.0, testutil.ToFloat64(m.Inference.BirdsDetected), 1e-9)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.Inference.ModelLoaded), 1e-9)
	assert.InDelta(t, 1.0, m.HTTP.GetStreamClients(), 1e-9)

	count, err := testutil.GatherAndCount(m.Registry(), "birdcam_datastore_evictions_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestHandlerServesExposition(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)
	m.Inference.RecordInference("yolo", metrics.OutcomeNoBird, 0, 0.2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `birdcam_inference_total{model="yolo",outcome="no_bird"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestNilMetricsAreSafe(t *testing.T) {
	var inf *metrics.InferenceMetrics
	var ds *metrics.DatastoreMetrics
	var w *metrics.WatcherMetrics
	var h *metrics.HTTPMetrics

	assert.NotPanics(t, func() {
		inf.RecordInference("m", metrics.OutcomeError, 0, 0)
		inf.RecordModelLoad("m", errors.New("missing"))
		ds.RecordOperation(metrics.OpGet, 0, nil)
		ds.SetRecordCount(1)
		w.SetQueue(1, 1)
		h.RecordRateLimited()
		assert.Zero(t, h.GetStreamClients())
	})
}
