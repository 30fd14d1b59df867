package datastore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tphakala/birdcam-go/internal/errors"
	"github.com/tphakala/birdcam-go/internal/logger"
)

// DefaultBatchSize is the number of rows copied per insert by CopyTo
const DefaultBatchSize = 1000

// TableStats is the outcome of copying one table
type TableStats struct {
	Name     string
	Source   int64
	Copied   int64
	Skipped  int64 // already present in the target
	Errors   int64 // rows in batches the target rejected
	Duration time.Duration
}

// MigrationStats summarizes CopyTo
type MigrationStats struct {
	Tables   []TableStats
	Duration time.Duration
}

// Errors is the number of rows that could not be copied
func (s *MigrationStats) Errors() int64 {
	var n int64
	for i := range s.Tables {
		n += s.Tables[i].Errors
	}
	return n
}

// CopyTo copies every record, its detections and the watch state into dst,
// keeping ids. Rows already in dst are skipped, so an interrupted copy can
// be run again. Retention is not applied to the copied rows.
func (ds *DataStore) CopyTo(ctx context.Context, dst *DataStore, batchSize int) (MigrationStats, error) {
	if dst == nil || dst == ds {
		return MigrationStats{}, errors.ValidationError("copy target must be a different store")
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	ds.mu.RLock()
	defer ds.mu.RUnlock()
	dst.mu.Lock()
	defer dst.mu.Unlock()

	src, err := ds.handle()
	if err != nil {
		return MigrationStats{}, err
	}
	target, err := dst.handle()
	if err != nil {
		return MigrationStats{}, err
	}

	start := time.Now()
	var stats MigrationStats
	copiers := []func() (TableStats, error){
		func() (TableStats, error) { return copyTable[RecordRow](ctx, src, target, batchSize) },
		func() (TableStats, error) { return copyTable[DetectionRow](ctx, src, target, batchSize) },
		func() (TableStats, error) { return copyTable[WatchState](ctx, src, target, batchSize) },
	}
	for _, copyFn := range copiers {
		ts, err := copyFn()
		if err != nil {
			return stats, dbError(err, "copy", errors.PriorityHigh, "table", ts.Name)
		}
		stats.Tables = append(stats.Tables, ts)
	}
	stats.Duration = time.Since(start)

	var count int64
	if err := target.WithContext(ctx).Model(&RecordRow{}).Count(&count).Error; err == nil {
		dst.metrics.SetRecordCount(count)
	}

	GetLogger().Info("database copy complete",
		logger.String("from", ds.cfg.Type),
		logger.String("to", dst.cfg.Type),
		logger.Int64("errors", stats.Errors()),
		logger.Duration("duration", stats.Duration))
	return stats, nil
}

func tableName(model any) string {
	if t, ok := model.(interface{ TableName() string }); ok {
		return t.TableName()
	}
	return fmt.Sprintf("%T", model)
}

// copyTable copies one table in primary key order. A batch the target
// rejects is counted and skipped.
func copyTable[T any](ctx context.Context, src, dst *gorm.DB, batchSize int) (TableStats, error) {
	start := time.Now()
	stats := TableStats{Name: tableName(new(T))}

	if err := src.WithContext(ctx).Model(new(T)).Count(&stats.Source).Error; err != nil {
		return stats, fmt.Errorf("counting source %s: %w", stats.Name, err)
	}
	if stats.Source == 0 {
		stats.Duration = time.Since(start)
		return stats, nil
	}

	var rows []T
	batchNum := 0
	err := src.WithContext(ctx).Model(new(T)).FindInBatches(&rows, batchSize, func(_ *gorm.DB, _ int) error {
		batchNum++
		res := dst.WithContext(ctx).Omit(clause.Associations).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&rows)
		if res.Error != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			stats.Errors += int64(len(rows))
			GetLogger().Warn("copy batch rejected",
				logger.String("table", stats.Name),
				logger.Int("batch", batchNum),
				logger.Error(res.Error))
			return nil
		}
		stats.Copied += res.RowsAffected
		stats.Skipped += int64(len(rows)) - res.RowsAffected
		GetLogger().Debug("copy batch done",
			logger.String("table", stats.Name),
			logger.Int("batch", batchNum),
			logger.Int64("copied", stats.Copied),
			logger.Int64("source", stats.Source))
		return nil
	}).Error
	stats.Duration = time.Since(start)
	if err != nil {
		return stats, fmt.Errorf("copying %s: %w", stats.Name, err)
	}
	return stats, nil
}

// VerifyCopy compares the row counts of ds and dst table by table
func (ds *DataStore) VerifyCopy(ctx context.Context, dst *DataStore) error {
	if dst == nil || dst == ds {
		return errors.ValidationError("copy target must be a different store")
	}
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	dst.mu.RLock()
	defer dst.mu.RUnlock()

	src, err := ds.handle()
	if err != nil {
		return err
	}
	target, err := dst.handle()
	if err != nil {
		return err
	}

	var mismatched []error
	for _, model := range []any{&RecordRow{}, &DetectionRow{}, &WatchState{}} {
		var srcCount, dstCount int64
		if err := src.WithContext(ctx).Model(model).Count(&srcCount).Error; err != nil {
			return dbError(err, "verify", "")
		}
		if err := target.WithContext(ctx).Model(model).Count(&dstCount).Error; err != nil {
			return dbError(err, "verify", "")
		}
		if srcCount != dstCount {
			mismatched = append(mismatched, fmt.Errorf("%s: source has %d rows, target %d",
				tableName(model), srcCount, dstCount))
		}
	}
	if len(mismatched) > 0 {
		return errors.New(errors.Join(mismatched...)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "verify").
			Build()
	}
	return nil
}
