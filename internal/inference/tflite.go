package inference

import (
	"fmt"
	"image"
	"math"
	"os"
	"runtime"
	"time"

	"github.com/tphakala/go-tflite"

	"github.com/tphakala/birdcam-go/internal/detection"
	"github.com/tphakala/birdcam-go/internal/errors"
	"github.com/tphakala/birdcam-go/internal/logger"
)

const mobileNetInputSize = 224

// mobileNetBackend is a TensorFlow Lite image classifier. It reports the
// best scoring label as a single detection covering the whole image.
type mobileNetBackend struct {
	interpreter *tflite.Interpreter
	model       *tflite.Model
	options     *tflite.InterpreterOptions
	labels      []string
	width       int
	height      int
	quantized   bool
}

func newMobileNetBackend(cfg *Config, labels []string) (*mobileNetBackend, error) {
	start := time.Now()

	modelData, err := os.ReadFile(cfg.ModelPath)
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryModelLoad).
			ModelContext(cfg.ModelPath, cfg.ModelType).
			Timing("model-load", time.Since(start)).
			Build()
	}

	model := tflite.NewModel(modelData)
	if model == nil {
		return nil, errors.New(fmt.Errorf("cannot load TensorFlow Lite model")).
			Category(errors.CategoryModelInit).
			ModelContext(cfg.ModelPath, cfg.ModelType).
			Context("model_size_mb", len(modelData)/1024/1024).
			Timing("model-init", time.Since(start)).
			Build()
	}

	threads := determineThreadCount(cfg.Threads)
	options := tflite.NewInterpreterOptions()
	options.SetNumThread(threads)
	options.SetErrorReporter(func(msg string, _ any) {
		GetLogger().Error("TFLite error", logger.String("message", msg))
	}, nil)

	interpreter := tflite.NewInterpreter(model, options)
	if interpreter == nil {
		options.Delete()
		model.Delete()
		return nil, errors.New(fmt.Errorf("cannot create interpreter")).
			Category(errors.CategoryModelInit).
			ModelContext(cfg.ModelPath, cfg.ModelType).
			Build()
	}

	b := &mobileNetBackend{
		interpreter: interpreter,
		model:       model,
		options:     options,
		labels:      labels,
		width:       mobileNetInputSize,
		height:      mobileNetInputSize,
	}

	if status := interpreter.AllocateTensors(); status != tflite.OK {
		_ = b.Close()
		return nil, errors.New(fmt.Errorf("tensor allocation failed: %v", status)).
			Category(errors.CategoryModelInit).
			ModelContext(cfg.ModelPath, cfg.ModelType).
			Build()
	}

	input := interpreter.GetInputTensor(0)
	if input == nil {
		_ = b.Close()
		return nil, errors.New(fmt.Errorf("cannot get input tensor")).
			Category(errors.CategoryModelInit).
			Build()
	}
	// NHWC; models exported at other resolutions are honored
	if input.NumDims() == 4 {
		b.height = input.Dim(1)
		b.width = input.Dim(2)
	}
	b.quantized = input.Type() == tflite.UInt8

	GetLogger().Info("MobileNet model initialized",
		logger.String("model", cfg.ModelPath),
		logger.Int("threads", threads),
		logger.Int("labels", len(labels)),
		logger.Int("input_width", b.width),
		logger.Int("input_height", b.height),
		logger.Bool("quantized", b.quantized),
		logger.Duration("load_time", time.Since(start)))

	return b, nil
}

// determineThreadCount limits the configured thread count to the CPUs
// available; 0 selects all of them.
func determineThreadCount(configured int) int {
	cpus := runtime.NumCPU()
	if configured <= 0 || configured > cpus {
		return cpus
	}
	return configured
}

func (b *mobileNetBackend) Name() string { return ModelMobileNet }

func (b *mobileNetBackend) Predict(img image.Image) ([]RawDetection, error) {
	input := b.interpreter.GetInputTensor(0)
	if input == nil {
		return nil, fmt.Errorf("cannot get input tensor")
	}

	scaled := resizeTo(img, b.width, b.height)
	if b.quantized {
		toNHWCUint8(scaled, input.UInt8s())
	} else {
		toNHWC(scaled, input.Float32s())
	}

	if status := b.interpreter.Invoke(); status != tflite.OK {
		return nil, fmt.Errorf("tensor invoke failed: %v", status)
	}

	output := b.interpreter.GetOutputTensor(0)
	if output == nil {
		return nil, fmt.Errorf("cannot get output tensor")
	}
	scores := extractScores(output)
	if len(scores) == 0 {
		return nil, fmt.Errorf("model produced no scores")
	}

	best := argmax(scores)
	bounds := img.Bounds()
	return []RawDetection{{
		ClassID:    best,
		ClassName:  labelAt(b.labels, best),
		Confidence: float64(scores[best]),
		BBox:       detection.BBox{0, 0, float64(bounds.Dx()), float64(bounds.Dy())},
	}}, nil
}

func (b *mobileNetBackend) Close() error {
	if b.interpreter != nil {
		b.interpreter.Delete()
		b.interpreter = nil
	}
	if b.options != nil {
		b.options.Delete()
		b.options = nil
	}
	if b.model != nil {
		b.model.Delete()
		b.model = nil
	}
	return nil
}

// extractScores reads the last dimension of the output tensor as
// probabilities.
func extractScores(tensor *tflite.Tensor) []float32 {
	size := tensor.Dim(tensor.NumDims() - 1)
	scores := make([]float32, size)
	if tensor.Type() == tflite.UInt8 {
		for i, v := range tensor.UInt8s()[:size] {
			scores[i] = float32(v) / 255.0
		}
		return scores
	}
	copy(scores, tensor.Float32s())
	if !isProbability(scores) {
		softmax(scores)
	}
	return scores
}

// isProbability reports whether scores already look like a distribution
func isProbability(scores []float32) bool {
	var sum float64
	for _, s := range scores {
		if s < 0 || s > 1 {
			return false
		}
		sum += float64(s)
	}
	return math.Abs(sum-1) < 0.05
}

func softmax(scores []float32) {
	maxScore := scores[argmax(scores)]
	var sum float64
	for i, s := range scores {
		e := math.Exp(float64(s - maxScore))
		scores[i] = float32(e)
		sum += e
	}
	for i := range scores {
		scores[i] = float32(float64(scores[i]) / sum)
	}
}

func argmax(scores []float32) int {
	best := 0
	for i, s := range scores {
		if s > scores[best] {
			best = i
		}
	}
	return best
}
