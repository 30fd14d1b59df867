package datastore

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tphakala/birdcam-go/internal/conf"
	"github.com/tphakala/birdcam-go/internal/detection"
	"github.com/tphakala/birdcam-go/internal/errors"
	"github.com/tphakala/birdcam-go/internal/logger"
	"github.com/tphakala/birdcam-go/internal/observability/metrics"
	"github.com/tphakala/birdcam-go/internal/retry"
)

const slowQueryThreshold = 200 * time.Millisecond

// Config selects the backend and the retention and artifact policy
type Config struct {
	Type          string // sqlite or mysql
	SQLitePath    string
	MySQL         conf.MySQLSettings
	MaxResults    int // 0 keeps everything
	Retry         retry.Config
	Layout        Layout
	WriteSidecars bool
}

// ConfigFromSettings extracts the store configuration from settings
func ConfigFromSettings(s *conf.Settings) Config {
	return Config{
		Type:          s.Database.Type,
		SQLitePath:    s.DatabasePath(),
		MySQL:         s.Database.MySQL,
		MaxResults:    s.MaxResults,
		Retry:         retry.FromSettings(s.Database.Retry),
		Layout:        Layout{OutputDir: s.OutputDir, OrganizeByDate: s.OrganizeByDate},
		WriteSidecars: s.Storage.WriteSidecars,
	}
}

// DataStore implements Interface and WatchStateStore on a gorm handle. A
// RWMutex gives a single writer and many readers.
type DataStore struct {
	cfg     Config
	fs      afero.Fs
	metrics *metrics.DatastoreMetrics

	mu sync.RWMutex
	db *gorm.DB
}

// Option configures a DataStore
type Option func(*DataStore)

// WithFs sets the filesystem used for sidecars and evicted artifacts
func WithFs(fs afero.Fs) Option {
	return func(ds *DataStore) { ds.fs = fs }
}

// WithMetrics records store metrics
func WithMetrics(m *metrics.DatastoreMetrics) Option {
	return func(ds *DataStore) { ds.metrics = m }
}

// New returns an unopened store
func New(cfg Config, opts ...Option) (*DataStore, error) {
	switch cfg.Type {
	case "", conf.DatabaseSQLite:
		cfg.Type = conf.DatabaseSQLite
		if cfg.SQLitePath == "" {
			return nil, errors.Newf("sqlite path is required").
				Category(errors.CategoryConfiguration).
				Build()
		}
	case conf.DatabaseMySQL:
	default:
		return nil, errors.Newf("unsupported database type %q", cfg.Type).
			Category(errors.CategoryConfiguration).
			Build()
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.Default()
	}

	ds := &DataStore{cfg: cfg, fs: afero.NewOsFs()}
	for _, opt := range opts {
		opt(ds)
	}
	return ds, nil
}

// Open connects and migrates the schema
func (ds *DataStore) Open() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.db != nil {
		return nil
	}

	var (
		dialector gorm.Dialector
		location  string
		err       error
	)
	switch ds.cfg.Type {
	case conf.DatabaseMySQL:
		dialector = mysqlDialector(ds.cfg.MySQL)
		location = mysqlLocation(ds.cfg.MySQL)
	default:
		dialector, err = sqliteDialector(ds.cfg.SQLitePath)
		if err != nil {
			return dbError(err, "open", errors.PriorityCritical, "db_type", ds.cfg.Type)
		}
		location = ds.cfg.SQLitePath
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.NewGormLoggerAdapter(GetLogger().Module("sql"), slowQueryThreshold),
	})
	if err != nil {
		return dbError(fmt.Errorf("failed to open %s database: %w", ds.cfg.Type, err),
			"open", errors.PriorityCritical, "db_type", ds.cfg.Type)
	}

	if ds.cfg.Type == conf.DatabaseMySQL {
		err = configureMySQL(db)
	} else {
		err = configureSQLite(db)
	}
	if err != nil {
		closeDB(db)
		return dbError(err, "open", errors.PriorityCritical, "db_type", ds.cfg.Type)
	}

	if err := db.AutoMigrate(&RecordRow{}, &DetectionRow{}, &WatchState{}); err != nil {
		closeDB(db)
		return dbError(fmt.Errorf("failed to auto-migrate %s database: %w", ds.cfg.Type, err),
			"migrate", errors.PriorityCritical, "db_type", ds.cfg.Type)
	}

	ds.db = db

	var count int64
	if err := db.Model(&RecordRow{}).Count(&count).Error; err == nil {
		ds.metrics.SetRecordCount(count)
	}

	GetLogger().Info("database opened",
		logger.String("db_type", ds.cfg.Type),
		logger.String("location", location),
		logger.Int64("records", count),
		logger.Int("max_results", ds.cfg.MaxResults))
	return nil
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// Close closes the connection pool. Closing an unopened store is a no-op.
func (ds *DataStore) Close() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.db == nil {
		return nil
	}
	sqlDB, err := ds.db.DB()
	ds.db = nil
	if err != nil {
		return dbError(err, "close", "")
	}
	if err := sqlDB.Close(); err != nil {
		return dbError(err, "close", "")
	}
	return nil
}

func (ds *DataStore) handle() (*gorm.DB, error) {
	if ds.db == nil {
		return nil, errors.Newf("database connection is not initialized").
			Component("datastore").
			Category(errors.CategoryState).
			Build()
	}
	return ds.db, nil
}

// Ping checks the connection
func (ds *DataStore) Ping(ctx context.Context) error {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	db, err := ds.handle()
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return dbError(err, "ping", "")
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return dbError(err, "ping", "")
	}
	return nil
}

// Save normalizes rec and inserts it with its detections in one
// transaction that also applies retention. rec.ID is set on success.
// Retryable failures are repeated under the configured policy; the final
// error is logged and returned.
func (ds *DataStore) Save(ctx context.Context, rec *detection.Record, opts ...SaveOption) (uint64, error) {
	if rec == nil {
		return 0, errors.ValidationError("record is nil")
	}
	rec.Normalize()
	var so saveOptions
	for _, opt := range opts {
		opt(&so)
	}
	start := time.Now()

	var evicted []RecordRow
	err := ds.withRetry(ctx, metrics.OpSave, func(ctx context.Context) error {
		var err error
		evicted, err = ds.saveOnce(ctx, rec, &so)
		return err
	})
	ds.metrics.RecordOperation(metrics.OpSave, time.Since(start).Seconds(), err)
	if err != nil {
		GetLogger().Error("failed to save record, dropping it",
			logger.String("source_path", rec.SourcePath),
			logger.Error(err))
		return 0, err
	}

	if len(evicted) > 0 {
		ds.removeArtifacts(evicted)
	}
	if ds.cfg.WriteSidecars {
		ds.writeSidecar(rec)
	}

	GetLogger().Debug("record saved",
		logger.Uint64("id", rec.ID),
		logger.Bool("bird_detected", rec.BirdDetected),
		logger.Int("evicted", len(evicted)))
	return rec.ID, nil
}

func (ds *DataStore) saveOnce(ctx context.Context, rec *detection.Record, so *saveOptions) ([]RecordRow, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	db, err := ds.handle()
	if err != nil {
		return nil, retry.Permanent(err)
	}

	row := toRow(rec)
	row.ID = 0
	if so.commitTime {
		row.Timestamp = time.Now().UTC()
	}
	var evicted []RecordRow

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("saving record: %w", err)
		}
		if so.annotated {
			path := ds.cfg.Layout.AnnotatedPath(row.Timestamp, row.SourcePath, row.ID)
			if err := tx.Model(row).Update("annotated_path", path).Error; err != nil {
				return fmt.Errorf("saving annotated path: %w", err)
			}
			row.AnnotatedPath = &path
		}
		if so.watch != nil {
			if err := upsertWatchState(tx, *so.watch, WatchStatusStored, so.attempts); err != nil {
				return fmt.Errorf("saving watch state: %w", err)
			}
		}
		var err error
		evicted, err = ds.evict(tx)
		return err
	})
	if err != nil {
		return nil, dbError(err, metrics.OpSave, errors.PriorityHigh, "source_path", rec.SourcePath)
	}

	rec.ID = row.ID
	if so.commitTime {
		rec.Timestamp = row.Timestamp
	}
	rec.AnnotatedPath = row.AnnotatedPath
	return evicted, nil
}

// SaveOption adjusts a single Save
type SaveOption func(*saveOptions)

type saveOptions struct {
	annotated  bool
	commitTime bool
	watch      *FileIdentity
	attempts   int
}

// WithAnnotatedArtifact makes Save assign the record's annotated path from
// the layout once the id is known. The caller writes the file afterwards.
func WithAnnotatedArtifact() SaveOption {
	return func(o *saveOptions) { o.annotated = true }
}

// WithCommitTimestamp replaces the record's timestamp with the time the
// insert runs under the write lock, so timestamps follow insert order.
func WithCommitTimestamp() SaveOption {
	return func(o *saveOptions) { o.commitTime = true }
}

// WithWatchIdentity marks id as stored in the same transaction as the
// record. A file whose record committed is then never processed again, even
// when the caller is interrupted before it can report success.
func WithWatchIdentity(id FileIdentity, attempts int) SaveOption {
	return func(o *saveOptions) {
		o.watch = &id
		o.attempts = attempts
	}
}

func (ds *DataStore) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	return retry.Do(ctx, ds.cfg.Retry, fn,
		retry.If(isRetryable),
		retry.OnRetry(func(attempt int, err error, delay time.Duration) {
			ds.metrics.RecordRetry(op)
			GetLogger().Warn("database operation failed, retrying",
				logger.String("operation", op),
				logger.Int("attempt", attempt),
				logger.Duration("delay", delay),
				logger.Error(err))
		}))
}

func (ds *DataStore) writeSidecar(rec *detection.Record) {
	start := time.Now()
	path, err := writeSidecar(ds.fs, ds.cfg.Layout, rec)
	ds.metrics.RecordOperation(metrics.OpSidecar, time.Since(start).Seconds(), err)
	if err != nil {
		GetLogger().Warn("failed to write sidecar", logger.Uint64("id", rec.ID), logger.Error(err))
		return
	}
	GetLogger().Trace("sidecar written", logger.String("path", path))
}

// Get returns one record with its detections
func (ds *DataStore) Get(ctx context.Context, id uint64) (*detection.Record, error) {
	start := time.Now()
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	db, err := ds.handle()
	if err != nil {
		return nil, err
	}

	var row RecordRow
	err = db.WithContext(ctx).Preload("Detections", orderByPosition).First(&row, id).Error
	if nf := notFound(err, id); nf != nil {
		ds.metrics.RecordOperation(metrics.OpGet, time.Since(start).Seconds(), nil)
		return nil, nf
	}
	ds.metrics.RecordOperation(metrics.OpGet, time.Since(start).Seconds(), err)
	if err != nil {
		return nil, dbError(err, metrics.OpGet, "", "id", id)
	}
	return fromRow(&row), nil
}

func orderByPosition(db *gorm.DB) *gorm.DB {
	return db.Order("position ASC")
}

// List returns one page of records matching filters, ordered by timestamp
// then id, newest first. page starts at 1.
func (ds *DataStore) List(ctx context.Context, filters Filters, page, perPage int) (Page, error) {
	if page < 1 || perPage < 1 {
		return Page{}, errors.ValidationError(fmt.Sprintf("invalid page %d or per_page %d", page, perPage))
	}
	start := time.Now()
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	db, err := ds.handle()
	if err != nil {
		return Page{}, err
	}

	result := Page{Page: page, PerPage: perPage, Records: []*detection.Record{}}
	query := func() *gorm.DB {
		return applyFilters(db.WithContext(ctx).Model(&RecordRow{}), &filters)
	}

	err = query().Count(&result.Total).Error
	if err == nil && result.Total > 0 {
		var rows []RecordRow
		err = query().
			Preload("Detections", orderByPosition).
			Order(clause.OrderBy{Columns: []clause.OrderByColumn{
				{Column: clause.Column{Name: "timestamp"}, Desc: true},
				{Column: clause.Column{Name: "id"}, Desc: true},
			}}).
			Limit(perPage).
			Offset((page - 1) * perPage).
			Find(&rows).Error
		for i := range rows {
			result.Records = append(result.Records, fromRow(&rows[i]))
		}
	}
	ds.metrics.RecordOperation(metrics.OpList, time.Since(start).Seconds(), err)
	if err != nil {
		return Page{}, dbError(err, metrics.OpList, "")
	}

	result.TotalPages = int(math.Ceil(float64(result.Total) / float64(perPage)))
	return result, nil
}

func applyFilters(q *gorm.DB, f *Filters) *gorm.DB {
	if f.Start != nil {
		q = q.Where("timestamp >= ?", f.Start.UTC())
	}
	if f.End != nil {
		q = q.Where("timestamp <= ?", f.End.UTC())
	}
	if f.BirdOnly {
		q = q.Where("bird_detected = ?", true)
	}
	if s := strings.TrimSpace(f.Species); s != "" {
		q = q.Where("LOWER(species) LIKE ? ESCAPE '!'", likePattern(s))
	}
	if s := strings.TrimSpace(f.Query); s != "" {
		p := likePattern(s)
		q = q.Where("(LOWER(species) LIKE ? ESCAPE '!' OR LOWER(source_path) LIKE ? ESCAPE '!' OR LOWER(metadata) LIKE ? ESCAPE '!')", p, p, p)
	}
	if f.MinConfidence > 0 {
		q = q.Where("confidence >= ?", f.MinConfidence)
	}
	return q
}

// likeEscaper escapes LIKE wildcards for use with ESCAPE '!'. A backslash
// is avoided because MySQL and SQLite disagree on its literal form.
var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

// likePattern is a lowercase substring pattern matching s literally
func likePattern(s string) string {
	return "%" + likeEscaper.Replace(strings.ToLower(s)) + "%"
}

// Relabel replaces the species of a record. An empty species clears it.
func (ds *DataStore) Relabel(ctx context.Context, id uint64, species string) error {
	start := time.Now()
	species = strings.TrimSpace(species)

	err := ds.withRetry(ctx, metrics.OpRelabel, func(ctx context.Context) error {
		return ds.relabelOnce(ctx, id, species)
	})
	ds.metrics.RecordOperation(metrics.OpRelabel, time.Since(start).Seconds(), err)
	if err != nil {
		if !errors.IsNotFound(err) {
			GetLogger().Error("failed to relabel record", logger.Uint64("id", id), logger.Error(err))
		}
		return err
	}

	GetLogger().Info("record relabeled", logger.Uint64("id", id), logger.String("species", species))
	if ds.cfg.WriteSidecars {
		if rec, err := ds.Get(ctx, id); err == nil {
			ds.writeSidecar(rec)
		}
	}
	return nil
}

func (ds *DataStore) relabelOnce(ctx context.Context, id uint64, species string) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	db, err := ds.handle()
	if err != nil {
		return retry.Permanent(err)
	}

	res := db.WithContext(ctx).Model(&RecordRow{}).Where("id = ?", id).Update("species", detection.StringPtr(species))
	if res.Error != nil {
		return dbError(res.Error, metrics.OpRelabel, "", "id", id)
	}
	if res.RowsAffected == 0 {
		// MySQL reports 0 affected rows when the value is unchanged
		var count int64
		if err := db.WithContext(ctx).Model(&RecordRow{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return dbError(err, metrics.OpRelabel, "", "id", id)
		}
		if count == 0 {
			return retry.Permanent(errors.NotFoundError("record", id))
		}
	}
	return nil
}

// Count returns the number of stored records
func (ds *DataStore) Count(ctx context.Context) (int64, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	db, err := ds.handle()
	if err != nil {
		return 0, err
	}
	var count int64
	if err := db.WithContext(ctx).Model(&RecordRow{}).Count(&count).Error; err != nil {
		return 0, dbError(err, "count", "")
	}
	return count, nil
}

// removeArtifacts deletes the files of evicted records. Missing files are
// ignored.
func (ds *DataStore) removeArtifacts(rows []RecordRow) {
	for i := range rows {
		row := &rows[i]
		paths := row.artifactPaths()
		paths = append(paths, ds.cfg.Layout.SidecarPath(row.Timestamp, row.SourcePath, row.ID))
		for _, p := range paths {
			if p == "" {
				continue
			}
			if err := ds.fs.Remove(p); err != nil && !os.IsNotExist(err) {
				GetLogger().Warn("failed to remove evicted artifact",
					logger.Uint64("id", row.ID),
					logger.String("path", p),
					logger.Error(err))
			}
		}
	}
}
