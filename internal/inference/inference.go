// Package inference loads a bird detection or classification model once and
// runs it over individual images.
//
// Three backends are available: a TensorFlow Lite classifier ("mobilenet"),
// an ONNX object detector ("yolo") and a deterministic mock used in
// development mode. Every backend is driven through the same Engine, which
// decodes the image, enforces a per-image deadline, serializes access to the
// model and turns raw detections into a Result.
package inference

import (
	"image"
	"path/filepath"
	"time"

	"github.com/tphakala/birdcam-go/internal/conf"
	"github.com/tphakala/birdcam-go/internal/detection"
)

// Model type names
const (
	ModelMobileNet = conf.ModelTypeMobileNet
	ModelYOLO      = conf.ModelTypeYOLO
	ModelMock      = "mock"
)

// Error messages stored in Result.Metadata["error"]
const (
	ErrMsgTimeout   = "inference timeout"
	ErrMsgCancelled = "inference cancelled"
)

// Config selects and tunes the model
type Config struct {
	ModelPath           string
	ModelType           string
	LabelsPath          string // empty: labels.txt (mobilenet) or coco.names (yolo) next to the model
	Device              string // cpu or cuda
	ConfidenceThreshold float64
	Timeout             time.Duration
	Threads             int
	OnnxLibrary         string
	Development         bool // use the mock backend
}

// ConfigFromSettings extracts the engine configuration from settings
func ConfigFromSettings(s *conf.Settings) Config {
	return Config{
		ModelPath:           s.ModelPath,
		ModelType:           s.ModelType,
		LabelsPath:          s.Inference.LabelsPath,
		Device:              s.Device,
		ConfidenceThreshold: s.ConfidenceThreshold,
		Timeout:             s.Inference.Timeout,
		Threads:             s.Inference.Threads,
		OnnxLibrary:         s.Inference.OnnxLibrary,
		Development:         s.Development,
	}
}

// labelsPath returns the labels file for the configured model
func (c *Config) labelsPath() string {
	if c.LabelsPath != "" {
		return c.LabelsPath
	}
	name := "labels.txt"
	if c.ModelType == ModelYOLO {
		name = "coco.names"
	}
	return filepath.Join(filepath.Dir(c.ModelPath), name)
}

// RawDetection is a backend prediction before thresholding. BBox is in
// source image pixels.
type RawDetection struct {
	ClassID    int
	ClassName  string
	Confidence float64
	BBox       detection.BBox
}

// Backend runs a loaded model. Implementations are not required to be safe
// for concurrent use; the Engine serializes calls.
type Backend interface {
	Predict(img image.Image) ([]RawDetection, error)
	Name() string
	Close() error
}

// namedPredictor is implemented by backends that also look at the file name
type namedPredictor interface {
	PredictNamed(img image.Image, name string) ([]RawDetection, error)
}

// Result is the outcome of running the model on one image
type Result struct {
	BirdDetected   bool
	BirdCount      int
	Species        *string
	Confidence     float64
	Detections     []detection.Detection
	ProcessingTime float64 // seconds
	Metadata       map[string]string

	// Image is the decoded source, nil when decoding failed
	Image image.Image
	// Format is the decoder name, e.g. "jpeg"
	Format string
}

// Failed reports whether the image could not be processed
func (r *Result) Failed() bool {
	_, ok := r.Metadata[detection.MetaError]
	return ok
}

// Error returns the recorded error message, if any
func (r *Result) Error() string {
	return r.Metadata[detection.MetaError]
}

// Record builds a detection record from the result. Paths and the source
// metadata are filled in by the caller.
func (r *Result) Record() *detection.Record {
	rec := &detection.Record{
		Timestamp:      time.Now(),
		BirdDetected:   r.BirdDetected,
		BirdCount:      r.BirdCount,
		Species:        r.Species,
		Confidence:     r.Confidence,
		Detections:     append([]detection.Detection(nil), r.Detections...),
		ProcessingTime: r.ProcessingTime,
		Metadata:       make(map[string]string, len(r.Metadata)+4),
	}
	for k, v := range r.Metadata {
		rec.Metadata[k] = v
	}
	rec.Normalize()
	return rec
}

// ModelInfo describes the loaded model
type ModelInfo struct {
	Name      string  `json:"name"`
	Type      string  `json:"type"`
	Path      string  `json:"path,omitempty"`
	Labels    int     `json:"labels"`
	Device    string  `json:"device"`
	Threshold float64 `json:"confidence_threshold"`
}
