package inference

import (
	"bytes"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdcam-go/internal/detection"
	"github.com/tphakala/birdcam-go/internal/errors"
)

func TestLoadLabels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labels.txt")
	content := "# mobilenet bird labels\n0 background\n1: Northern Cardinal\n\n  Blue Jay  \n2024 \n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	labels, err := LoadLabels(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"background", "Northern Cardinal", "Blue Jay", "2024"}, labels)
}

func TestLoadLabelsErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadLabels(filepath.Join(dir, "missing.txt"))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryLabelLoad))

	empty := filepath.Join(dir, "empty.txt")
	require.NoError(t, os.WriteFile(empty, []byte("\n# nothing\n"), 0o600))
	_, err = LoadLabels(empty)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryLabelLoad))
}

func TestLabelAt(t *testing.T) {
	labels := []string{"person", "bird"}
	assert.Equal(t, "bird", labelAt(labels, 1))
	assert.Equal(t, "class_7", labelAt(labels, 7))
}

func TestNonMaxSuppression(t *testing.T) {
	candidates := []RawDetection{
		{ClassID: 1, Confidence: 0.7, BBox: detection.BBox{12, 12, 100, 100}},
		{ClassID: 1, Confidence: 0.9, BBox: detection.BBox{10, 10, 100, 100}},
		{ClassID: 1, Confidence: 0.8, BBox: detection.BBox{300, 300, 50, 50}},
		{ClassID: 0, Confidence: 0.6, BBox: detection.BBox{10, 10, 100, 100}},
	}

	kept := nonMaxSuppression(candidates, 0.45)

	require.Len(t, kept, 3)
	assert.InDelta(t, 0.9, kept[0].Confidence, 1e-9)
	assert.InDelta(t, 0.8, kept[1].Confidence, 1e-9)
	assert.Equal(t, 0, kept[2].ClassID, "other classes are not suppressed")
	assert.Nil(t, nonMaxSuppression(nil, 0.45))
}

func TestYOLODecodeRows(t *testing.T) {
	b := &yoloBackend{labels: []string{"person", "bird"}, rows: 3, cols: 7, objectness: true}
	out := []float32{
		// cx, cy, w, h, obj, person, bird
		320, 320, 100, 50, 0.9, 0.1, 0.8,
		100, 100, 10, 10, 0.01, 0.9, 0.9, // low objectness
		200, 200, 40, 40, 0.5, 0.9, 0.05,
	}

	got := b.decode(out, 2, 0.5)

	require.Len(t, got, 2)
	assert.Equal(t, "bird", got[0].ClassName)
	assert.InDelta(t, 0.72, got[0].Confidence, 1e-6)
	assert.Equal(t, detection.BBox{540, 147.5, 200, 25}, got[0].BBox)
	assert.Equal(t, "person", got[1].ClassName)
	assert.InDelta(t, 0.45, got[1].Confidence, 1e-6)
}

func TestYOLODecodeTransposed(t *testing.T) {
	b := &yoloBackend{labels: []string{"person", "bird"}, transposed: true, rows: 2, cols: 6}

	// (1, 6, 2): one row per feature, one column per anchor
	out := []float32{
		50, 10, // cx
		60, 10, // cy
		20, 4, // w
		30, 4, // h
		0.1, 0.01, // person
		0.85, 0.02, // bird
	}

	got := b.decode(out, 1, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "bird", got[0].ClassName)
	assert.InDelta(t, 0.85, got[0].Confidence, 1e-6)
	assert.Equal(t, detection.BBox{40, 45, 20, 30}, got[0].BBox)
}

func TestYOLOOutputLayout(t *testing.T) {
	b := &yoloBackend{}
	require.NoError(t, b.setOutputLayout(25200, 85))
	assert.False(t, b.transposed)
	assert.True(t, b.objectness)
	assert.Equal(t, 25200, b.rows)
	assert.Equal(t, 85, b.cols)

	require.NoError(t, b.setOutputLayout(84, 8400))
	assert.True(t, b.transposed)
	assert.False(t, b.objectness)
	assert.Equal(t, 8400, b.rows)
	assert.Equal(t, 84, b.cols)

	require.Error(t, b.setOutputLayout(10, 3))
}

func TestStaticDims(t *testing.T) {
	assert.Equal(t, []int64{1, 25200, 85}, defaultYOLOOutput(640, 80))
	assert.Equal(t, []int64{1, 3, 640, 640}, staticDims(ort.NewShape(-1, 3, -1, -1), []int64{1, 3, 640, 640}))
	assert.Equal(t, []int64{1, 3, 320, 320}, staticDims(ort.NewShape(1, 3, 320, 320), []int64{1, 3, 640, 640}))
}

func TestPreprocessLayouts(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	img.Set(1, 0, color.RGBA{B: 255, A: 255})

	nhwc := make([]float32, 6)
	toNHWC(img, nhwc)
	assert.Equal(t, []float32{1, 0, 0, 0, 0, 1}, nhwc)

	nchw := make([]float32, 6)
	toNCHW(img, nchw)
	assert.Equal(t, []float32{1, 0, 0, 0, 0, 1}, nchw)

	raw := make([]uint8, 6)
	toNHWCUint8(img, raw)
	assert.Equal(t, []uint8{255, 0, 0, 0, 0, 255}, raw)

	resized := resizeTo(image.NewRGBA(image.Rect(0, 0, 64, 48)), 224, 224)
	assert.Equal(t, image.Rect(0, 0, 224, 224), resized.Bounds())
}

func TestScoresPostprocessing(t *testing.T) {
	assert.True(t, isProbability([]float32{0.2, 0.7, 0.1}))
	assert.False(t, isProbability([]float32{2.0, -1.0}))

	logits := []float32{1, 3, 2}
	softmax(logits)
	assert.Equal(t, 1, argmax(logits))
	var sum float32
	for _, v := range logits {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
}

func TestMockBackendDeterministic(t *testing.T) {
	m := newMockBackend()
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))

	a, err := m.PredictNamed(img, "/in/IMG_0042.jpg")
	require.NoError(t, err)
	b, err := m.PredictNamed(img, "/other/IMG_0042.jpg")
	require.NoError(t, err)
	require.Len(t, a, 1)
	assert.Equal(t, a, b)
	assert.Contains(t, MockSpecies, a[0].ClassName)
	assert.GreaterOrEqual(t, a[0].Confidence, 0.6)
	assert.Less(t, a[0].Confidence, 1.0)

	named, err := m.PredictNamed(img, "robin_2024-05-01.png")
	require.NoError(t, err)
	assert.Equal(t, "Robin", named[0].ClassName)

	none, err := m.PredictNamed(img, "NoBird-001.jpg")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAnnotate(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 120, 100))
	dets := []detection.Detection{
		{ClassName: "Blue Jay", Confidence: 0.93, BBox: detection.BBox{20, 40, 60, 40}},
		{ClassName: "ghost", Confidence: 0.5, BBox: detection.BBox{500, 500, 10, 10}},
	}

	out := Annotate(src, dets)

	r, g, b, _ := out.At(20, 60).RGBA()
	assert.Equal(t, [3]uint32{0, 0xffff, 0}, [3]uint32{r, g, b}, "left edge is drawn")
	r, g, b, _ = out.At(50, 60).RGBA()
	assert.Equal(t, [3]uint32{0, 0, 0}, [3]uint32{r, g, b}, "box interior untouched")
	_, g, _, _ = src.At(20, 60).RGBA()
	assert.Zero(t, g, "source is not modified")
}

func TestEncodeImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))

	for _, format := range []string{"png", "jpeg", "gif"} {
		var buf bytes.Buffer
		require.NoError(t, EncodeImage(&buf, img, format), format)
		decoded, got, err := DecodeImage(buf.Bytes())
		require.NoError(t, err)
		assert.Equal(t, format, got)
		assert.Equal(t, img.Bounds(), decoded.Bounds())
	}

	require.Error(t, EncodeImage(&bytes.Buffer{}, img, "bmp"))
}

func TestDecodeImageEmpty(t *testing.T) {
	_, _, err := DecodeImage(nil)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryImageDecode))
}
