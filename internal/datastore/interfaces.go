// Package datastore persists detection records in SQLite or MySQL through
// gorm, applies count based retention and keeps the watcher's processed
// file state.
package datastore

import (
	"context"
	"time"

	"github.com/tphakala/birdcam-go/internal/detection"
)

// Interface is the result store used by the processor and the API
type Interface interface {
	Open() error
	Close() error
	Save(ctx context.Context, rec *detection.Record, opts ...SaveOption) (uint64, error)
	Get(ctx context.Context, id uint64) (*detection.Record, error)
	List(ctx context.Context, filters Filters, page, perPage int) (Page, error)
	Stats(ctx context.Context) (Stats, error)
	Relabel(ctx context.Context, id uint64, species string) error
	Ping(ctx context.Context) error
}

// WatchStateStore remembers which file identities were already handled
type WatchStateStore interface {
	HasFile(ctx context.Context, id FileIdentity) (bool, error)
	MarkFile(ctx context.Context, id FileIdentity, status string, attempts int) error
	FileAttempts(ctx context.Context, id FileIdentity) (int, error)
}

// Filters narrows List. Zero values disable a filter.
type Filters struct {
	Start         *time.Time
	End           *time.Time
	BirdOnly      bool
	Species       string  // case-insensitive substring of the species
	Query         string  // case-insensitive substring of species, source path or metadata
	MinConfidence float64 // inclusive
}

// Page is one page of records, newest first
type Page struct {
	Records    []*detection.Record `json:"results"`
	Page       int                 `json:"page"`
	PerPage    int                 `json:"per_page"`
	Total      int64               `json:"total"`
	TotalPages int                 `json:"total_pages"`
}

// SpeciesCount is a species and how many records carry it
type SpeciesCount struct {
	Species string `json:"species"`
	Count   int64  `json:"count"`
}

// DayCount is the number of records created on a UTC day (YYYY-MM-DD)
type DayCount struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

// Stats aggregates the whole store
type Stats struct {
	TotalDetections   int64          `json:"total_detections"`
	BirdDetections    int64          `json:"bird_detections"`
	SpeciesIdentified int64          `json:"species_identified"`
	AverageConfidence float64        `json:"average_confidence"`
	TopSpecies        []SpeciesCount `json:"top_species"`
	PerDayCounts      []DayCount     `json:"per_day_counts"`
}

// Stats limits
const (
	TopSpeciesLimit = 5
	PerDayLimit     = 7
)
