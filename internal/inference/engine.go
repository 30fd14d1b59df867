package inference

import (
	"cmp"
	"context"
	"fmt"
	"image"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/tphakala/birdcam-go/internal/detection"
	"github.com/tphakala/birdcam-go/internal/errors"
	"github.com/tphakala/birdcam-go/internal/logger"
	"github.com/tphakala/birdcam-go/internal/observability/metrics"
)

// DefaultTimeout is the per-image deadline when none is configured
const DefaultTimeout = 30 * time.Second

// Engine runs one loaded model. Infer may be called concurrently; calls into
// the backend are serialized.
type Engine struct {
	cfg     Config
	backend Backend
	labels  []string
	metrics *metrics.InferenceMetrics

	// detectorClasses is set when the labels include the generic "bird"
	// class, i.e. a multi-class detector where only that class is a bird.
	detectorClasses bool

	mu     sync.Mutex
	closed bool
}

// Option configures an Engine
type Option func(*Engine)

// WithBackend uses b instead of loading a model from disk
func WithBackend(b Backend) Option {
	return func(e *Engine) { e.backend = b }
}

// WithLabels sets the label list used to interpret an injected backend
func WithLabels(labels []string) Option {
	return func(e *Engine) { e.labels = labels }
}

// WithMetrics records inference metrics
func WithMetrics(m *metrics.InferenceMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine loads the configured model. Load failures are returned as
// CategoryModelLoad (or CategoryLabelLoad) errors.
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ConfidenceThreshold < 0 || cfg.ConfidenceThreshold > 1 {
		return nil, errors.Newf("confidence threshold %v outside [0,1]", cfg.ConfidenceThreshold).
			Category(errors.CategoryValidation).
			Build()
	}

	e := &Engine{cfg: cfg}
	for _, opt := range opts {
		opt(e)
	}

	if e.backend == nil {
		backend, labels, err := loadBackend(&e.cfg)
		e.metrics.RecordModelLoad(e.cfg.ModelType, err)
		if err != nil {
			return nil, err
		}
		e.backend = backend
		e.labels = labels
	}

	e.detectorClasses = slices.ContainsFunc(e.labels, func(l string) bool {
		return detection.Detection{ClassName: l}.IsGeneric()
	})

	GetLogger().Info("inference engine ready",
		logger.String("backend", e.backend.Name()),
		logger.Float64("confidence_threshold", cfg.ConfidenceThreshold),
		logger.Duration("timeout", cfg.Timeout))

	return e, nil
}

func loadBackend(cfg *Config) (Backend, []string, error) {
	if cfg.Development {
		return newMockBackend(), MockSpecies, nil
	}

	if cfg.ModelPath == "" {
		return nil, nil, errors.Newf("model path is required").
			Category(errors.CategoryModelLoad).
			Priority(errors.PriorityCritical).
			Build()
	}

	switch cfg.ModelType {
	case ModelMobileNet, ModelYOLO:
	default:
		return nil, nil, errors.Newf("unsupported model type %q", cfg.ModelType).
			Category(errors.CategoryModelLoad).
			ModelContext(cfg.ModelPath, cfg.ModelType).
			Build()
	}

	labels, err := LoadLabels(cfg.labelsPath())
	if err != nil {
		return nil, nil, err
	}

	if cfg.ModelType == ModelYOLO {
		b, err := newYOLOBackend(cfg, labels)
		if err != nil {
			return nil, nil, err
		}
		return b, labels, nil
	}

	b, err := newMobileNetBackend(cfg, labels)
	if err != nil {
		return nil, nil, err
	}
	return b, labels, nil
}

// Info describes the loaded model
func (e *Engine) Info() ModelInfo {
	device := e.cfg.Device
	if device == "" {
		device = "cpu"
	}
	return ModelInfo{
		Name:      e.backend.Name(),
		Type:      e.cfg.ModelType,
		Path:      e.cfg.ModelPath,
		Labels:    len(e.labels),
		Device:    device,
		Threshold: e.cfg.ConfidenceThreshold,
	}
}

// Infer runs the model on an encoded image. It never fails: a decode error,
// a backend error or panic, a timeout or a cancelled ctx all produce a result
// with BirdDetected=false and Metadata["error"] set.
func (e *Engine) Infer(ctx context.Context, data []byte, name string) Result {
	start := time.Now()
	res := Result{
		Detections: []detection.Detection{},
		Metadata:   map[string]string{detection.MetaModel: e.backend.Name()},
	}

	img, format, err := DecodeImage(data)
	if err != nil {
		e.fail(&res, start, metrics.OutcomeError, fmt.Sprintf("cannot decode image: %v", err))
		GetLogger().Warn("image decode failed", logger.String("file", name), logger.Error(err))
		return res
	}
	res.Image = img
	res.Format = format

	raw, err := e.predict(ctx, img, name)
	if err != nil {
		outcome, msg := metrics.OutcomeError, err.Error()
		switch {
		case errors.IsCategory(err, errors.CategoryTimeout):
			outcome, msg = metrics.OutcomeTimeout, ErrMsgTimeout
		case errors.IsCategory(err, errors.CategoryCancellation):
			msg = ErrMsgCancelled
		}
		e.fail(&res, start, outcome, msg)
		GetLogger().Warn("inference failed",
			logger.String("file", name),
			logger.String("backend", e.backend.Name()),
			logger.Error(err))
		return res
	}

	e.applyThreshold(&res, raw)
	res.ProcessingTime = time.Since(start).Seconds()

	outcome := metrics.OutcomeNoBird
	if res.BirdDetected {
		outcome = metrics.OutcomeBird
	}
	e.metrics.RecordInference(e.backend.Name(), outcome, res.BirdCount, res.ProcessingTime)

	GetLogger().Debug("inference complete",
		logger.String("file", name),
		logger.Bool("bird_detected", res.BirdDetected),
		logger.Int("bird_count", res.BirdCount),
		logger.Float64("confidence", res.Confidence),
		logger.Float64("processing_time", res.ProcessingTime))

	return res
}

func (e *Engine) fail(res *Result, start time.Time, outcome, msg string) {
	res.Metadata[detection.MetaError] = msg
	res.ProcessingTime = time.Since(start).Seconds()
	e.metrics.RecordInference(e.backend.Name(), outcome, 0, res.ProcessingTime)
}

type prediction struct {
	raw []RawDetection
	err error
}

// predict calls the backend under the engine lock with the per-image
// deadline applied. A backend that overruns the deadline keeps the lock
// until it returns; its late result is discarded.
func (e *Engine) predict(ctx context.Context, img image.Image, name string) ([]RawDetection, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	done := make(chan prediction, 1)
	go func() {
		raw, err := e.callBackend(ctx, img, name)
		done <- prediction{raw: raw, err: err}
	}()

	select {
	case p := <-done:
		return p.raw, p.err
	case <-ctx.Done():
		return nil, contextError(ctx.Err(), e.cfg.Timeout)
	}
}

func (e *Engine) callBackend(ctx context.Context, img image.Image, name string) (raw []RawDetection, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, errors.Newf("inference engine is closed").
			Category(errors.CategoryState).
			Build()
	}
	// Waited for the lock past the deadline
	if ctx.Err() != nil {
		return nil, contextError(ctx.Err(), e.cfg.Timeout)
	}

	defer func() {
		if r := recover(); r != nil {
			GetLogger().Error("inference backend panicked",
				logger.String("file", name),
				logger.Any("panic", r),
				logger.String("stack", string(debug.Stack())))
			err = errors.Newf("inference panic: %v", r).
				Category(errors.CategoryInference).
				Build()
		}
	}()

	if np, ok := e.backend.(namedPredictor); ok {
		raw, err = np.PredictNamed(img, name)
	} else {
		raw, err = e.backend.Predict(img)
	}
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryInference).
			Context("backend", e.backend.Name()).
			Build()
	}
	return raw, nil
}

func contextError(err error, timeout time.Duration) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Newf("inference exceeded %s deadline", timeout).
			Category(errors.CategoryTimeout).
			Build()
	}
	return errors.New(err).
		Category(errors.CategoryCancellation).
		Build()
}

// applyThreshold fills the result from raw predictions. Detections below
// the threshold are dropped; the top confidence is kept either way. The
// species is the class of the most confident named bird.
func (e *Engine) applyThreshold(res *Result, raw []RawDetection) {
	slices.SortStableFunc(raw, func(a, b RawDetection) int {
		return cmp.Compare(b.Confidence, a.Confidence)
	})

	for _, r := range raw {
		res.Confidence = max(res.Confidence, r.Confidence)
		if r.Confidence < e.cfg.ConfidenceThreshold {
			continue
		}
		d := detection.Detection{ClassName: r.ClassName, Confidence: r.Confidence, BBox: r.BBox}
		res.Detections = append(res.Detections, d)

		if !e.isBird(d) {
			continue
		}
		if !res.BirdDetected {
			// sorted, so the first bird carries the top bird confidence
			res.Confidence = d.Confidence
		}
		res.BirdDetected = true
		res.BirdCount++
		if res.Species == nil && !d.IsGeneric() {
			res.Species = detection.StringPtr(d.ClassName)
		}
	}
}

func (e *Engine) isBird(d detection.Detection) bool {
	if e.detectorClasses {
		return d.IsGeneric()
	}
	return d.IsBird()
}

// Close releases the backend. Infer after Close returns an error result.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.metrics.SetModelUnloaded()
	return e.backend.Close()
}
