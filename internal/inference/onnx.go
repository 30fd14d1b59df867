package inference

import (
	"fmt"
	"image"
	"slices"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/tphakala/birdcam-go/internal/detection"
	"github.com/tphakala/birdcam-go/internal/errors"
	"github.com/tphakala/birdcam-go/internal/logger"
)

const (
	yoloInputSize = 640
	yoloIoU       = 0.45
	// yoloMinScore drops candidate rows before NMS; the engine applies the
	// configured threshold afterwards.
	yoloMinScore = 0.05
)

// The onnxruntime environment is process wide; engines in a pool share it.
var (
	ortMu   sync.Mutex
	ortRefs int
)

func acquireEnvironment(libraryPath string) error {
	ortMu.Lock()
	defer ortMu.Unlock()
	if ortRefs == 0 {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}
	ortRefs++
	return nil
}

func releaseEnvironment() {
	ortMu.Lock()
	defer ortMu.Unlock()
	if ortRefs == 0 {
		return
	}
	ortRefs--
	if ortRefs == 0 {
		if err := ort.DestroyEnvironment(); err != nil {
			GetLogger().Warn("failed to destroy ONNX environment", logger.Error(err))
		}
	}
}

// yoloBackend is an ONNX object detector with YOLOv5 style output rows
// [cx, cy, w, h, objectness, class scores...]. The transposed YOLOv8 layout
// (1, 4+classes, anchors) without objectness is accepted as well.
type yoloBackend struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	labels       []string
	width        int
	height       int
	rows         int
	cols         int
	transposed   bool
	objectness   bool
	envHeld      bool
}

func newYOLOBackend(cfg *Config, labels []string) (*yoloBackend, error) {
	start := time.Now()

	if err := acquireEnvironment(cfg.OnnxLibrary); err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryModelInit).
			ModelContext(cfg.ModelPath, cfg.ModelType).
			Build()
	}

	b, err := buildYOLOSession(cfg, labels)
	if err != nil {
		releaseEnvironment()
		return nil, errors.New(err).
			Category(errors.CategoryModelLoad).
			ModelContext(cfg.ModelPath, cfg.ModelType).
			Context("device", cfg.Device).
			Timing("model-load", time.Since(start)).
			Build()
	}
	b.envHeld = true

	GetLogger().Info("YOLO model initialized",
		logger.String("model", cfg.ModelPath),
		logger.String("device", cfg.Device),
		logger.Int("labels", len(labels)),
		logger.Int("input_size", b.width),
		logger.Int("output_rows", b.rows),
		logger.Bool("transposed_output", b.transposed),
		logger.Duration("load_time", time.Since(start)))

	return b, nil
}

func buildYOLOSession(cfg *Config, labels []string) (*yoloBackend, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read model inputs: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("model has no inputs or outputs")
	}

	inDims := staticDims(inputs[0].Dimensions, []int64{1, 3, yoloInputSize, yoloInputSize})
	if len(inDims) != 4 || inDims[1] != 3 {
		return nil, fmt.Errorf("unsupported input shape %v, want (1, 3, H, W)", inputs[0].Dimensions)
	}
	b := &yoloBackend{
		labels: labels,
		height: int(inDims[2]),
		width:  int(inDims[3]),
	}

	outDims := staticDims(outputs[0].Dimensions, defaultYOLOOutput(b.width, len(labels)))
	if len(outDims) != 3 {
		return nil, fmt.Errorf("unsupported output shape %v", outputs[0].Dimensions)
	}
	if err := b.setOutputLayout(int(outDims[1]), int(outDims[2])); err != nil {
		return nil, err
	}

	b.inputTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(inDims...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	b.outputTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(outDims...))
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	options, err := sessionOptions(cfg)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	defer options.Destroy()

	b.session, err = ort.NewAdvancedSession(cfg.ModelPath,
		[]string{inputs[0].Name}, []string{outputs[0].Name},
		[]ort.ArbitraryTensor{b.inputTensor}, []ort.ArbitraryTensor{b.outputTensor},
		options)
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	return b, nil
}

// setOutputLayout decides between (1, anchors, 5+classes) and
// (1, 4+classes, anchors).
func (b *yoloBackend) setOutputLayout(d1, d2 int) error {
	switch {
	case d1 < d2 && d1 > 4:
		b.transposed = true
		b.rows, b.cols = d2, d1
		b.objectness = false
	case d2 > 5:
		b.rows, b.cols = d1, d2
		b.objectness = true
	default:
		return fmt.Errorf("unsupported output layout (1, %d, %d)", d1, d2)
	}
	return nil
}

func sessionOptions(cfg *Config) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	if cfg.Threads > 0 {
		if err := options.SetIntraOpNumThreads(determineThreadCount(cfg.Threads)); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("failed to set thread count: %w", err)
		}
	}
	if cfg.Device != "cuda" {
		return options, nil
	}

	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err != nil {
		options.Destroy()
		return nil, fmt.Errorf("failed to create CUDA options: %w", err)
	}
	defer cudaOptions.Destroy()
	if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
		options.Destroy()
		return nil, fmt.Errorf("failed to enable CUDA execution provider: %w", err)
	}
	return options, nil
}

// staticDims replaces dynamic (-1) dimensions with the defaults
func staticDims(dims ort.Shape, defaults []int64) []int64 {
	out := slices.Clone([]int64(dims))
	if len(out) != len(defaults) {
		return out
	}
	for i, d := range out {
		if d <= 0 {
			out[i] = defaults[i]
		}
	}
	return out
}

// defaultYOLOOutput is the YOLOv5 output shape for a square input: three
// anchors at strides 8, 16 and 32.
func defaultYOLOOutput(size, classes int) []int64 {
	cells := 0
	for _, stride := range []int{8, 16, 32} {
		n := size / stride
		cells += n * n
	}
	return []int64{1, int64(3 * cells), int64(5 + classes)}
}

func (b *yoloBackend) Name() string { return ModelYOLO }

func (b *yoloBackend) Predict(img image.Image) ([]RawDetection, error) {
	toNCHW(resizeTo(img, b.width, b.height), b.inputTensor.GetData())

	if err := b.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	bounds := img.Bounds()
	scaleX := float64(bounds.Dx()) / float64(b.width)
	scaleY := float64(bounds.Dy()) / float64(b.height)

	candidates := b.decode(b.outputTensor.GetData(), scaleX, scaleY)
	return nonMaxSuppression(candidates, yoloIoU), nil
}

// decode turns raw output rows into candidate detections in source pixels
func (b *yoloBackend) decode(out []float32, scaleX, scaleY float64) []RawDetection {
	at := func(row, col int) float32 {
		if b.transposed {
			return out[col*b.rows+row]
		}
		return out[row*b.cols+col]
	}

	first := 4
	if b.objectness {
		first = 5
	}

	var candidates []RawDetection
	for row := range b.rows {
		objectness := float32(1)
		if b.objectness {
			objectness = at(row, 4)
			if objectness < yoloMinScore {
				continue
			}
		}

		classID, best := 0, float32(0)
		for col := first; col < b.cols; col++ {
			if s := at(row, col); s > best {
				best, classID = s, col-first
			}
		}
		score := float64(best * objectness)
		if score < yoloMinScore {
			continue
		}

		cx, cy := float64(at(row, 0)), float64(at(row, 1))
		w, h := float64(at(row, 2)), float64(at(row, 3))
		candidates = append(candidates, RawDetection{
			ClassID:    classID,
			ClassName:  labelAt(b.labels, classID),
			Confidence: score,
			BBox: detection.BBox{
				(cx - w/2) * scaleX,
				(cy - h/2) * scaleY,
				w * scaleX,
				h * scaleY,
			},
		})
	}
	return candidates
}

func (b *yoloBackend) Close() error {
	if b.session != nil {
		if err := b.session.Destroy(); err != nil {
			GetLogger().Warn("failed to destroy ONNX session", logger.Error(err))
		}
		b.session = nil
	}
	if b.inputTensor != nil {
		_ = b.inputTensor.Destroy()
		b.inputTensor = nil
	}
	if b.outputTensor != nil {
		_ = b.outputTensor.Destroy()
		b.outputTensor = nil
	}
	if b.envHeld {
		b.envHeld = false
		releaseEnvironment()
	}
	return nil
}
