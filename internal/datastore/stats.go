package datastore

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tphakala/birdcam-go/internal/observability/metrics"
)

// Stats aggregates all stored records. Average confidence, species
// identified and top species only consider bird records, so a relabeled
// empty frame never counts as an identification. Per-day counts cover the
// seven most recent days that have records, newest first.
func (ds *DataStore) Stats(ctx context.Context) (Stats, error) {
	start := time.Now()
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	stats, err := ds.stats(ctx)
	ds.metrics.RecordOperation(metrics.OpStats, time.Since(start).Seconds(), err)
	if err != nil {
		return Stats{}, dbError(err, metrics.OpStats, "")
	}
	return stats, nil
}

func (ds *DataStore) stats(ctx context.Context) (Stats, error) {
	db, err := ds.handle()
	if err != nil {
		return Stats{}, err
	}
	db = db.WithContext(ctx)

	stats := Stats{TopSpecies: []SpeciesCount{}, PerDayCounts: []DayCount{}}

	if err := db.Model(&RecordRow{}).Count(&stats.TotalDetections).Error; err != nil {
		return Stats{}, err
	}
	if stats.TotalDetections == 0 {
		return stats, nil
	}

	var birds struct {
		Count   int64
		Average *float64
	}
	if err := db.Model(&RecordRow{}).
		Select("COUNT(*) AS count, AVG(confidence) AS average").
		Where("bird_detected = ?", true).
		Scan(&birds).Error; err != nil {
		return Stats{}, err
	}
	stats.BirdDetections = birds.Count
	if birds.Average != nil {
		stats.AverageConfidence = *birds.Average
	}

	if err := identified(db).Count(&stats.SpeciesIdentified).Error; err != nil {
		return Stats{}, err
	}

	if err := identified(db).
		Select("species, COUNT(*) AS count").
		Group("species").
		Order("count DESC").Order("species ASC").
		Limit(TopSpeciesLimit).
		Scan(&stats.TopSpecies).Error; err != nil {
		return Stats{}, err
	}

	var days []struct {
		Day   string
		Count int64
	}
	if err := db.Model(&RecordRow{}).
		Select("DATE(timestamp) AS day, COUNT(*) AS count").
		Group("day").
		Order("day DESC").
		Limit(PerDayLimit).
		Scan(&days).Error; err != nil {
		return Stats{}, err
	}
	for _, d := range days {
		day := d.Day
		// MySQL DATE columns scan as RFC 3339 timestamps
		if len(day) > len(dateLayout) {
			day = day[:len(dateLayout)]
		}
		stats.PerDayCounts = append(stats.PerDayCounts, DayCount{Date: day, Count: d.Count})
	}

	return stats, nil
}

// identified selects bird records that carry a species
func identified(db *gorm.DB) *gorm.DB {
	return db.Model(&RecordRow{}).
		Where("bird_detected = ?", true).
		Where("species IS NOT NULL AND species <> ''")
}
