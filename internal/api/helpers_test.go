package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdcam-go/internal/analysis/processor"
	"github.com/tphakala/birdcam-go/internal/conf"
	"github.com/tphakala/birdcam-go/internal/datastore"
	"github.com/tphakala/birdcam-go/internal/detection"
	"github.com/tphakala/birdcam-go/internal/inference"
	"github.com/tphakala/birdcam-go/internal/observability"
)

const outputDir = "/out"

var baseTime = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

// countingStore counts Stats queries
type countingStore struct {
	*datastore.DataStore
	statsCalls atomic.Int32
}

func (c *countingStore) Stats(ctx context.Context) (datastore.Stats, error) {
	c.statsCalls.Add(1)
	return c.DataStore.Stats(ctx)
}

type fixture struct {
	server  *Server
	store   *countingStore
	fs      afero.Fs
	metrics *observability.Metrics
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	layout := datastore.Layout{OutputDir: outputDir, OrganizeByDate: true}

	engine, err := inference.NewEngine(inference.Config{Development: true, ConfidenceThreshold: 0.5})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	ds, err := datastore.New(datastore.Config{
		Type:       conf.DatabaseSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "results.db"),
		Layout:     layout,
	}, datastore.WithFs(fs))
	require.NoError(t, err)
	require.NoError(t, ds.Open())
	t.Cleanup(func() { _ = ds.Close() })
	store := &countingStore{DataStore: ds}

	proc, err := processor.New(processor.Config{Layout: layout}, engine, ds, processor.WithFs(fs))
	require.NoError(t, err)

	m, err := observability.NewMetrics()
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.OutputDir = outputDir
	cfg.MetricsEnabled = true
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := New(cfg, store, WithUploader(proc), WithModel(engine), WithMetrics(m), WithFs(fs), WithVersion("test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	return &fixture{server: s, store: store, fs: fs, metrics: m}
}

// seed stores n records one minute apart; record i is a bird when i is even
func (f *fixture) seed(t *testing.T, n int) []uint64 {
	t.Helper()
	ids := make([]uint64, n)
	for i := range n {
		rec := &detection.Record{
			Timestamp:  baseTime.Add(time.Duration(i) * time.Minute),
			SourcePath: fmt.Sprintf("%s/images/2024-05-01/img_%02d.jpg", outputDir, i),
		}
		if i%2 == 0 {
			rec.BirdDetected = true
			rec.BirdCount = 1
			rec.Species = detection.StringPtr("Blue Jay")
			rec.Confidence = 0.6 + float64(i)/100
			rec.Detections = []detection.Detection{{ClassName: "Blue Jay", Confidence: rec.Confidence}}
		}
		id, err := f.store.Save(context.Background(), rec)
		require.NoError(t, err)
		ids[i] = id
	}
	return ids
}

func (f *fixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	return f.do(t, httptest.NewRequest(http.MethodGet, target, http.NoBody))
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// uploadRequest builds a multipart POST /api/upload
func uploadRequest(t *testing.T, filename string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if filename != "" {
		part, err := w.CreateFormFile(UploadField, filename)
		require.NoError(t, err)
		_, err = io.Copy(part, bytes.NewReader(data))
		require.NoError(t, err)
	} else {
		require.NoError(t, w.WriteField("note", "no file"))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("User-Agent", "birdcam-test")
	return req
}

func itoa(n uint64) string {
	return strconv.FormatUint(n, 10)
}
