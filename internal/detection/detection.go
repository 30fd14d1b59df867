// Package detection provides the domain model for processed camera images.
//
// A Record is created once per processed file or upload and is append-only
// afterwards: the only permitted mutation is relabeling its species.
// Records are independent of the database schema; the datastore package maps
// them to and from its own rows.
package detection

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

// Metadata keys used across the pipeline
const (
	MetaSource           = "source"
	MetaOriginalFilename = "original_filename"
	MetaOriginalPath     = "original_path"
	MetaUserAgent        = "user_agent"
	MetaRemoteAddr       = "remote_addr"
	MetaError            = "error"
	MetaModel            = "model"
)

// Values for MetaSource
const (
	SourceUpload           = "upload"
	SourceDirectoryMonitor = "directory_monitor"
	SourceCLI              = "cli"
)

// GenericBirdClass is the class name detectors emit for a bird without a
// species. It counts towards bird_count but never becomes a species.
const GenericBirdClass = "bird"

// BBox is an axis-aligned box in source image pixels: [x, y, width, height].
type BBox [4]float64

// X returns the left edge
func (b BBox) X() float64 { return b[0] }

// Y returns the top edge
func (b BBox) Y() float64 { return b[1] }

// W returns the width
func (b BBox) W() float64 { return b[2] }

// H returns the height
func (b BBox) H() float64 { return b[3] }

// Area returns w*h, zero for degenerate boxes
func (b BBox) Area() float64 {
	if b[2] <= 0 || b[3] <= 0 {
		return 0
	}
	return b[2] * b[3]
}

// IoU returns the intersection over union of two boxes.
func (b BBox) IoU(o BBox) float64 {
	x1 := math.Max(b[0], o[0])
	y1 := math.Max(b[1], o[1])
	x2 := math.Min(b[0]+b[2], o[0]+o[2])
	y2 := math.Min(b[1]+b[3], o[1]+o[3])

	iw, ih := x2-x1, y2-y1
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Detection is a single labelled region found in an image.
type Detection struct {
	ClassName  string  `json:"class_name"`
	Confidence float64 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
}

// IsBird reports whether the class names a bird. Classifier labels are
// species names; detector labels are filtered against known non-bird classes.
func (d Detection) IsBird() bool {
	return d.ClassName != "" && !isKnownNonBird(d.ClassName)
}

// IsGeneric reports whether the class is the species-less "bird" class
func (d Detection) IsGeneric() bool {
	return strings.EqualFold(strings.TrimSpace(d.ClassName), GenericBirdClass)
}

// nonBirdClasses are the COCO detector classes that show up in garden
// camera frames and must not be counted as birds.
var nonBirdClasses = []string{
	"person", "bicycle", "car", "motorcycle", "bus", "truck", "cat", "dog",
	"horse", "sheep", "cow", "bear", "squirrel", "potted plant", "bench",
	"chair", "background", "none", "not bird", "no bird",
}

func isKnownNonBird(name string) bool {
	return slices.Contains(nonBirdClasses, strings.ToLower(strings.TrimSpace(name)))
}

// Record is the stored outcome of processing one image.
type Record struct {
	ID             uint64            `json:"id"`
	Timestamp      time.Time         `json:"timestamp"`
	SourcePath     string            `json:"source_path"`
	AnnotatedPath  *string           `json:"annotated_path"`
	BirdDetected   bool              `json:"bird_detected"`
	BirdCount      int               `json:"bird_count"`
	Species        *string           `json:"species"`
	Confidence     float64           `json:"confidence"`
	Detections     []Detection       `json:"detections"`
	ProcessingTime float64           `json:"processing_time"`
	Metadata       map[string]string `json:"metadata"`
}

// Normalize enforces the record invariants before the record is persisted:
// confidences are clamped into [0,1], NaN becomes 0, a record without a bird
// has bird_count 0, and nil collections become empty ones.
func (r *Record) Normalize() {
	r.Confidence = clampUnit(r.Confidence)
	for i := range r.Detections {
		r.Detections[i].Confidence = clampUnit(r.Detections[i].Confidence)
	}

	if r.BirdCount < 0 {
		r.BirdCount = 0
	}
	if !r.BirdDetected {
		r.BirdCount = 0
	}

	if r.Species != nil && strings.TrimSpace(*r.Species) == "" {
		r.Species = nil
	}

	if r.Detections == nil {
		r.Detections = []Detection{}
	}
	if r.Metadata == nil {
		r.Metadata = map[string]string{}
	}
	if r.ProcessingTime < 0 || math.IsNaN(r.ProcessingTime) {
		r.ProcessingTime = 0
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
}

// SpeciesName returns the species or an empty string
func (r *Record) SpeciesName() string {
	if r.Species == nil {
		return ""
	}
	return *r.Species
}

// Failed reports whether processing recorded an error
func (r *Record) Failed() bool {
	_, ok := r.Metadata[MetaError]
	return ok
}

// String implements fmt.Stringer for log output
func (r *Record) String() string {
	if r.BirdDetected {
		return fmt.Sprintf("record %d: %d bird(s), species=%q, confidence=%.2f", r.ID, r.BirdCount, r.SpeciesName(), r.Confidence)
	}
	return fmt.Sprintf("record %d: no bird, confidence=%.2f", r.ID, r.Confidence)
}

// StringPtr returns a pointer to s, or nil when s is empty
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func clampUnit(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
