package inference

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdcam-go/internal/detection"
	"github.com/tphakala/birdcam-go/internal/errors"
)

// fakeBackend returns canned detections
type fakeBackend struct {
	raw    []RawDetection
	err    error
	delay  time.Duration
	panics bool
	closed bool
	calls  int
	mu     sync.Mutex
}

func (f *fakeBackend) Predict(image.Image) ([]RawDetection, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.panics {
		panic("tensor index out of range")
	}
	return append([]RawDetection(nil), f.raw...), f.err
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Close() error {
	f.closed = true
	return nil
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestEngine(t *testing.T, cfg Config, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestInferDevelopmentCardinal(t *testing.T) {
	e := newTestEngine(t, Config{Development: true, ConfidenceThreshold: 0.5})

	res := e.Infer(context.Background(), testPNG(t, 100, 80), "cardinal.jpg")

	require.False(t, res.Failed(), res.Error())
	assert.True(t, res.BirdDetected)
	assert.Equal(t, 1, res.BirdCount)
	require.NotNil(t, res.Species)
	assert.Equal(t, "Cardinal", *res.Species)
	assert.InDelta(t, 0.92, res.Confidence, 1e-9)
	require.Len(t, res.Detections, 1)
	assert.Equal(t, detection.BBox{30, 24, 40, 32}, res.Detections[0].BBox)
	assert.Equal(t, ModelMock, res.Metadata[detection.MetaModel])
	assert.Equal(t, "png", res.Format)
	assert.GreaterOrEqual(t, res.ProcessingTime, 0.0)
}

func TestInferDevelopmentNoBird(t *testing.T) {
	e := newTestEngine(t, Config{Development: true, ConfidenceThreshold: 0.5})

	res := e.Infer(context.Background(), testPNG(t, 32, 32), "empty_feeder.png")

	assert.False(t, res.Failed())
	assert.False(t, res.BirdDetected)
	assert.Zero(t, res.BirdCount)
	assert.Nil(t, res.Species)
	assert.Zero(t, res.Confidence)
	assert.Empty(t, res.Detections)
}

func TestInferCorruptImage(t *testing.T) {
	e := newTestEngine(t, Config{Development: true, ConfidenceThreshold: 0.5})

	res := e.Infer(context.Background(), []byte("definitely not a jpeg"), "broken.jpg")

	assert.True(t, res.Failed())
	assert.Contains(t, res.Error(), "cannot decode image")
	assert.False(t, res.BirdDetected)
	assert.Zero(t, res.BirdCount)
	assert.Nil(t, res.Image)
}

func TestApplyThreshold(t *testing.T) {
	backend := &fakeBackend{raw: []RawDetection{
		{ClassName: "Robin", Confidence: 0.3},
		{ClassName: "Blue Jay", Confidence: 0.9},
		{ClassName: "person", Confidence: 0.95},
		{ClassName: "bird", Confidence: 0.6},
		{ClassName: "Blue Jay", Confidence: 0.7},
	}}
	e := newTestEngine(t, Config{ConfidenceThreshold: 0.5}, WithBackend(backend))

	res := e.Infer(context.Background(), testPNG(t, 16, 16), "feeder.png")

	require.False(t, res.Failed(), res.Error())
	assert.True(t, res.BirdDetected)
	assert.Equal(t, 3, res.BirdCount)
	require.NotNil(t, res.Species)
	assert.Equal(t, "Blue Jay", *res.Species)
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)

	require.Len(t, res.Detections, 4)
	assert.Equal(t, "person", res.Detections[0].ClassName)
	for i := 1; i < len(res.Detections); i++ {
		assert.GreaterOrEqual(t, res.Detections[i-1].Confidence, res.Detections[i].Confidence)
	}
}

func TestApplyThresholdMultipleSpecies(t *testing.T) {
	backend := &fakeBackend{raw: []RawDetection{
		{ClassName: "House Finch", Confidence: 0.8},
		{ClassName: "Chickadee", Confidence: 0.85},
	}}
	e := newTestEngine(t, Config{ConfidenceThreshold: 0.5}, WithBackend(backend))

	res := e.Infer(context.Background(), testPNG(t, 8, 8), "a.png")

	require.NotNil(t, res.Species)
	assert.Equal(t, "Chickadee", *res.Species, "most confident named bird")
	assert.Equal(t, 2, res.BirdCount)
	assert.Len(t, res.Detections, 2, "every bird is kept as a detection")
}

func TestApplyThresholdSpeciesSkipsGenericBird(t *testing.T) {
	backend := &fakeBackend{raw: []RawDetection{
		{ClassName: "Blue Jay", Confidence: 0.6},
		{ClassName: "bird", Confidence: 0.9},
		{ClassName: "Blue Jay", Confidence: 0.7},
	}}
	e := newTestEngine(t, Config{ConfidenceThreshold: 0.5}, WithBackend(backend))

	res := e.Infer(context.Background(), testPNG(t, 8, 8), "a.png")

	require.NotNil(t, res.Species)
	assert.Equal(t, "Blue Jay", *res.Species)
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)
	assert.Equal(t, 3, res.BirdCount)
}

func TestApplyThresholdDetectorClasses(t *testing.T) {
	backend := &fakeBackend{raw: []RawDetection{
		{ClassName: "umbrella", Confidence: 0.8},
		{ClassName: "bird", Confidence: 0.7},
	}}
	e := newTestEngine(t, Config{ConfidenceThreshold: 0.5},
		WithBackend(backend), WithLabels([]string{"person", "bird", "umbrella"}))

	res := e.Infer(context.Background(), testPNG(t, 8, 8), "a.png")

	assert.True(t, res.BirdDetected)
	assert.Equal(t, 1, res.BirdCount)
	assert.Nil(t, res.Species, "generic class carries no species")
	assert.InDelta(t, 0.7, res.Confidence, 1e-9)
	assert.Len(t, res.Detections, 2)
}

func TestBelowThresholdKeepsTopConfidence(t *testing.T) {
	backend := &fakeBackend{raw: []RawDetection{{ClassName: "Blue Jay", Confidence: 0.3}}}
	e := newTestEngine(t, Config{ConfidenceThreshold: 0.5}, WithBackend(backend))

	res := e.Infer(context.Background(), testPNG(t, 8, 8), "a.png")

	assert.False(t, res.BirdDetected)
	assert.Zero(t, res.BirdCount)
	assert.Empty(t, res.Detections)
	assert.InDelta(t, 0.3, res.Confidence, 1e-9)
}

func TestInferTimeout(t *testing.T) {
	backend := &fakeBackend{delay: 300 * time.Millisecond, raw: []RawDetection{{ClassName: "bird", Confidence: 0.9}}}
	e := newTestEngine(t, Config{ConfidenceThreshold: 0.5, Timeout: 20 * time.Millisecond}, WithBackend(backend))

	start := time.Now()
	res := e.Infer(context.Background(), testPNG(t, 8, 8), "slow.png")

	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.True(t, res.Failed())
	assert.Equal(t, ErrMsgTimeout, res.Error())
	assert.False(t, res.BirdDetected)
	assert.Empty(t, res.Detections)
}

func TestInferCancelled(t *testing.T) {
	backend := &fakeBackend{delay: 200 * time.Millisecond}
	e := newTestEngine(t, Config{ConfidenceThreshold: 0.5}, WithBackend(backend))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := e.Infer(ctx, testPNG(t, 8, 8), "a.png")

	assert.Equal(t, ErrMsgCancelled, res.Error())
}

func TestInferBackendPanicIsRecovered(t *testing.T) {
	e := newTestEngine(t, Config{ConfidenceThreshold: 0.5}, WithBackend(&fakeBackend{panics: true}))

	var res Result
	require.NotPanics(t, func() {
		res = e.Infer(context.Background(), testPNG(t, 8, 8), "a.png")
	})
	assert.True(t, res.Failed())
	assert.Contains(t, res.Error(), "inference panic")
	assert.False(t, res.BirdDetected)
}

func TestInferBackendError(t *testing.T) {
	backend := &fakeBackend{err: errors.NewStd("tensor invoke failed")}
	e := newTestEngine(t, Config{ConfidenceThreshold: 0.5}, WithBackend(backend))

	res := e.Infer(context.Background(), testPNG(t, 8, 8), "a.png")
	assert.Contains(t, res.Error(), "tensor invoke failed")
}

func TestInferAfterClose(t *testing.T) {
	backend := &fakeBackend{}
	e, err := NewEngine(Config{ConfidenceThreshold: 0.5}, WithBackend(backend))
	require.NoError(t, err)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close(), "second close is a no-op")
	assert.True(t, backend.closed)

	res := e.Infer(context.Background(), testPNG(t, 8, 8), "a.png")
	assert.Contains(t, res.Error(), "closed")
}

func TestInferConcurrentCallsAreSerialized(t *testing.T) {
	backend := &fakeBackend{delay: 5 * time.Millisecond, raw: []RawDetection{{ClassName: "Blue Jay", Confidence: 0.9}}}
	e := newTestEngine(t, Config{ConfidenceThreshold: 0.5}, WithBackend(backend))
	data := testPNG(t, 8, 8)

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			res := e.Infer(context.Background(), data, "a.png")
			assert.True(t, res.BirdDetected)
		})
	}
	wg.Wait()
	assert.Equal(t, 8, backend.calls)
}

func TestNewEngineErrors(t *testing.T) {
	dir := t.TempDir()
	modelPath := filepath.Join(dir, "model.onnx")
	require.NoError(t, os.WriteFile(modelPath, []byte("onnx"), 0o600))

	tests := []struct {
		name     string
		cfg      Config
		category errors.ErrorCategory
	}{
		{"missing model path", Config{ModelType: ModelMobileNet, ConfidenceThreshold: 0.5}, errors.CategoryModelLoad},
		{"unsupported type", Config{ModelPath: modelPath, ModelType: "resnet", ConfidenceThreshold: 0.5}, errors.CategoryModelLoad},
		{"missing labels", Config{ModelPath: modelPath, ModelType: ModelYOLO, ConfidenceThreshold: 0.5}, errors.CategoryLabelLoad},
		{"bad threshold", Config{Development: true, ConfidenceThreshold: 1.5}, errors.CategoryValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(tt.cfg)
			require.Error(t, err)
			assert.True(t, errors.IsCategory(err, tt.category), "got %v (%s)", err, errors.CategoryOf(err))
		})
	}
}

func TestMobileNetMissingModelFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "labels.txt"), []byte("bird\n"), 0o600))

	_, err := NewEngine(Config{
		ModelPath:           filepath.Join(dir, "missing.tflite"),
		ModelType:           ModelMobileNet,
		ConfidenceThreshold: 0.5,
	})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryModelLoad))
}

func TestLabelsPath(t *testing.T) {
	cfg := Config{ModelPath: "/models/detect.onnx", ModelType: ModelYOLO}
	assert.Equal(t, "/models/coco.names", cfg.labelsPath())

	cfg.ModelType = ModelMobileNet
	assert.Equal(t, "/models/labels.txt", cfg.labelsPath())

	cfg.LabelsPath = "/etc/labels.txt"
	assert.Equal(t, "/etc/labels.txt", cfg.labelsPath())
}

func TestResultRecord(t *testing.T) {
	res := Result{
		BirdDetected: false,
		BirdCount:    2,
		Confidence:   1.4,
		Metadata:     map[string]string{detection.MetaModel: "mock"},
	}
	rec := res.Record()
	assert.Zero(t, rec.BirdCount)
	assert.InDelta(t, 1.0, rec.Confidence, 1e-9)
	assert.Equal(t, "mock", rec.Metadata[detection.MetaModel])
	assert.NotNil(t, rec.Detections)
	assert.False(t, rec.Timestamp.IsZero())

	rec.Metadata["extra"] = "x"
	assert.NotContains(t, res.Metadata, "extra", "record metadata is a copy")
}

func TestPoolInfer(t *testing.T) {
	backend := &fakeBackend{delay: 2 * time.Millisecond, raw: []RawDetection{{ClassName: "Blue Jay", Confidence: 0.9}}}
	p, err := NewPool(Config{ConfidenceThreshold: 0.5}, 2, WithBackend(backend))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	assert.Equal(t, 2, p.Size())
	assert.Equal(t, "fake", p.Info().Name)

	data := testPNG(t, 8, 8)
	var wg sync.WaitGroup
	for range 6 {
		wg.Go(func() {
			res := p.Infer(context.Background(), data, "a.png")
			assert.True(t, res.BirdDetected)
		})
	}
	wg.Wait()
}

func TestPoolInferWaitCancelled(t *testing.T) {
	backend := &fakeBackend{delay: 200 * time.Millisecond}
	p, err := NewPool(Config{ConfidenceThreshold: 0.5}, 1, WithBackend(backend))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	data := testPNG(t, 8, 8)
	go p.Infer(context.Background(), data, "busy.png")
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	res := p.Infer(ctx, data, "waiting.png")
	assert.Equal(t, ErrMsgTimeout, res.Error())
}
