package datastore

import (
	"gorm.io/gorm"

	"github.com/tphakala/birdcam-go/internal/logger"
)

// evict deletes the oldest records (timestamp, then id) until at most
// MaxResults remain. It runs inside the save transaction and returns the
// deleted rows so their files can be removed after commit.
func (ds *DataStore) evict(tx *gorm.DB) ([]RecordRow, error) {
	var total int64
	if err := tx.Model(&RecordRow{}).Count(&total).Error; err != nil {
		return nil, err
	}
	if ds.cfg.MaxResults <= 0 || total <= int64(ds.cfg.MaxResults) {
		ds.metrics.SetRecordCount(total)
		return nil, nil
	}

	excess := int(total - int64(ds.cfg.MaxResults))
	var victims []RecordRow
	if err := tx.Order("timestamp ASC").Order("id ASC").Limit(excess).Find(&victims).Error; err != nil {
		return nil, err
	}

	ids := make([]uint64, len(victims))
	for i := range victims {
		ids[i] = victims[i].ID
	}
	if err := tx.Where("record_id IN ?", ids).Delete(&DetectionRow{}).Error; err != nil {
		return nil, err
	}
	if err := tx.Where("id IN ?", ids).Delete(&RecordRow{}).Error; err != nil {
		return nil, err
	}

	ds.metrics.RecordEvictions(len(victims))
	ds.metrics.SetRecordCount(total - int64(len(victims)))
	GetLogger().Info("retention evicted oldest records",
		logger.Int("evicted", len(victims)),
		logger.Int("max_results", ds.cfg.MaxResults))
	return victims, nil
}
