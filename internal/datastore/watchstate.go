package datastore

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tphakala/birdcam-go/internal/errors"
)

// HasFile reports whether the identity was stored or discarded before
func (ds *DataStore) HasFile(ctx context.Context, id FileIdentity) (bool, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	db, err := ds.handle()
	if err != nil {
		return false, err
	}
	var count int64
	err = db.WithContext(ctx).Model(&WatchState{}).
		Where("path = ? AND size = ? AND mod_time = ?", id.Path, id.Size, id.ModTime).
		Where("status IN ?", []string{WatchStatusStored, WatchStatusDiscarded}).
		Count(&count).Error
	if err != nil {
		return false, dbError(err, "watch_state_lookup", "", "path", id.Path)
	}
	return count > 0, nil
}

// FileAttempts returns how many processing attempts were recorded for the
// identity, 0 when unknown
func (ds *DataStore) FileAttempts(ctx context.Context, id FileIdentity) (int, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	db, err := ds.handle()
	if err != nil {
		return 0, err
	}
	var state WatchState
	err = db.WithContext(ctx).
		Where("path = ? AND size = ? AND mod_time = ?", id.Path, id.Size, id.ModTime).
		Limit(1).Find(&state).Error
	if err != nil {
		return 0, dbError(err, "watch_state_lookup", "", "path", id.Path)
	}
	return state.Attempts, nil
}

// MarkFile records the status of an identity, replacing any previous entry
// for it. Failed identities are not reported by HasFile.
func (ds *DataStore) MarkFile(ctx context.Context, id FileIdentity, status string, attempts int) error {
	switch status {
	case WatchStatusStored, WatchStatusDiscarded, WatchStatusFailed:
	default:
		return errors.ValidationError("unknown watch status " + status)
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()

	db, err := ds.handle()
	if err != nil {
		return err
	}
	if err := upsertWatchState(db.WithContext(ctx), id, status, attempts); err != nil {
		return dbError(err, "watch_state_mark", "", "path", id.Path, "status", status)
	}
	return nil
}

// upsertWatchState writes the entry for id with db, which may be a
// transaction
func upsertWatchState(db *gorm.DB, id FileIdentity, status string, attempts int) error {
	state := WatchState{
		Path:      id.Path,
		Size:      id.Size,
		ModTime:   id.ModTime,
		Status:    status,
		Attempts:  attempts,
		UpdatedAt: time.Now().UTC(),
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "path"}, {Name: "size"}, {Name: "mod_time"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "attempts", "updated_at"}),
	}).Create(&state).Error
}
