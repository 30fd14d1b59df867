package datastore

import (
	"path/filepath"
	"time"

	"github.com/tphakala/birdcam-go/internal/detection"
)

// RecordRow is the persisted form of a detection record
type RecordRow struct {
	ID             uint64            `gorm:"primaryKey;autoIncrement;index:idx_records_timestamp_id,priority:2"`
	Timestamp      time.Time         `gorm:"index:idx_records_timestamp_id,priority:1;not null"`
	SourcePath     string            `gorm:"size:1024;not null"`
	AnnotatedPath  *string           `gorm:"size:1024"`
	BirdDetected   bool              `gorm:"index;not null"`
	BirdCount      int               `gorm:"not null"`
	Species        *string           `gorm:"size:255;index"`
	Confidence     float64           `gorm:"not null"`
	ProcessingTime float64           `gorm:"not null"`
	Metadata       map[string]string `gorm:"serializer:json;type:text"`
	Detections     []DetectionRow    `gorm:"foreignKey:RecordID;constraint:OnDelete:CASCADE"`
}

// TableName keeps the table name stable across gorm naming strategies
func (RecordRow) TableName() string { return "detection_records" }

// DetectionRow is one model detection belonging to a record
type DetectionRow struct {
	ID         uint64  `gorm:"primaryKey;autoIncrement"`
	RecordID   uint64  `gorm:"index;not null"`
	Position   int     `gorm:"not null"` // order within the record
	ClassName  string  `gorm:"size:255;not null"`
	Confidence float64 `gorm:"not null"`
	X          float64
	Y          float64
	Width      float64
	Height     float64
}

func (DetectionRow) TableName() string { return "detections" }

// Watch state statuses
const (
	WatchStatusStored    = "stored"
	WatchStatusDiscarded = "discarded"
	WatchStatusFailed    = "failed" // attempts left, picked up again
)

// FileIdentity identifies one version of a watched file. A file that is
// rewritten with a different size or modification time is a new identity.
type FileIdentity struct {
	Path    string
	Size    int64
	ModTime int64 // unix nanoseconds
}

// WatchState records a file the watcher has finished with
type WatchState struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	Path      string `gorm:"size:512;uniqueIndex:idx_watch_identity,priority:1;not null"`
	Size      int64  `gorm:"uniqueIndex:idx_watch_identity,priority:2;not null"`
	ModTime   int64  `gorm:"uniqueIndex:idx_watch_identity,priority:3;not null"`
	Status    string `gorm:"size:16;not null"`
	Attempts  int    `gorm:"not null"`
	UpdatedAt time.Time
}

func (WatchState) TableName() string { return "watch_states" }

func toRow(rec *detection.Record) *RecordRow {
	row := &RecordRow{
		ID:             rec.ID,
		Timestamp:      rec.Timestamp.UTC(),
		SourcePath:     rec.SourcePath,
		AnnotatedPath:  rec.AnnotatedPath,
		BirdDetected:   rec.BirdDetected,
		BirdCount:      rec.BirdCount,
		Species:        rec.Species,
		Confidence:     rec.Confidence,
		ProcessingTime: rec.ProcessingTime,
		Metadata:       rec.Metadata,
		Detections:     make([]DetectionRow, 0, len(rec.Detections)),
	}
	for i, d := range rec.Detections {
		row.Detections = append(row.Detections, DetectionRow{
			Position:   i,
			ClassName:  d.ClassName,
			Confidence: d.Confidence,
			X:          d.BBox.X(),
			Y:          d.BBox.Y(),
			Width:      d.BBox.W(),
			Height:     d.BBox.H(),
		})
	}
	return row
}

func fromRow(row *RecordRow) *detection.Record {
	rec := &detection.Record{
		ID:             row.ID,
		Timestamp:      row.Timestamp.UTC(),
		SourcePath:     row.SourcePath,
		AnnotatedPath:  row.AnnotatedPath,
		BirdDetected:   row.BirdDetected,
		BirdCount:      row.BirdCount,
		Species:        row.Species,
		Confidence:     row.Confidence,
		ProcessingTime: row.ProcessingTime,
		Metadata:       row.Metadata,
		Detections:     make([]detection.Detection, 0, len(row.Detections)),
	}
	for _, d := range row.Detections {
		rec.Detections = append(rec.Detections, detection.Detection{
			ClassName:  d.ClassName,
			Confidence: d.Confidence,
			BBox:       detection.BBox{d.X, d.Y, d.Width, d.Height},
		})
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]string{}
	}
	return rec
}

// artifactPaths lists the files owned by a record
func (row *RecordRow) artifactPaths() []string {
	paths := []string{row.SourcePath}
	if row.AnnotatedPath != nil && *row.AnnotatedPath != "" {
		paths = append(paths, *row.AnnotatedPath)
	}
	return paths
}

// baseName is the source file name without directory and extension
func baseName(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}
