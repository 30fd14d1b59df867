package datastore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdcam-go/internal/conf"
	"github.com/tphakala/birdcam-go/internal/detection"
	"github.com/tphakala/birdcam-go/internal/errors"
	"github.com/tphakala/birdcam-go/internal/retry"
)

var baseTime = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

type testStore struct {
	*DataStore
	fs afero.Fs
}

func newTestStore(t *testing.T, maxResults int) *testStore {
	t.Helper()
	fs := afero.NewMemMapFs()
	ds, err := New(Config{
		Type:          conf.DatabaseSQLite,
		SQLitePath:    filepath.Join(t.TempDir(), "results.db"),
		MaxResults:    maxResults,
		Retry:         retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
		Layout:        Layout{OutputDir: "/out", OrganizeByDate: true},
		WriteSidecars: true,
	}, WithFs(fs))
	require.NoError(t, err)
	require.NoError(t, ds.Open())
	t.Cleanup(func() { _ = ds.Close() })
	return &testStore{DataStore: ds, fs: fs}
}

func birdRecord(i int, species string, confidence float64) *detection.Record {
	return &detection.Record{
		Timestamp:    baseTime.Add(time.Duration(i) * time.Minute),
		SourcePath:   fmt.Sprintf("/out/images/2024-05-01/img_%03d.jpg", i),
		BirdDetected: true,
		BirdCount:    1,
		Species:      detection.StringPtr(species),
		Confidence:   confidence,
		Detections: []detection.Detection{
			{ClassName: species, Confidence: confidence, BBox: detection.BBox{10, 20, 30, 40}},
		},
		ProcessingTime: 0.25,
		Metadata:       map[string]string{detection.MetaSource: detection.SourceDirectoryMonitor},
	}
}

func emptyRecord(i int) *detection.Record {
	return &detection.Record{
		Timestamp:  baseTime.Add(time.Duration(i) * time.Minute),
		SourcePath: fmt.Sprintf("/out/images/2024-05-01/empty_%03d.jpg", i),
		Confidence: 0.1,
	}
}

func saveAll(t *testing.T, s *testStore, recs ...*detection.Record) []uint64 {
	t.Helper()
	ids := make([]uint64, 0, len(recs))
	for _, rec := range recs {
		id, err := s.Save(context.Background(), rec)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestSaveAndGet(t *testing.T) {
	s := newTestStore(t, 0)
	rec := birdRecord(1, "Northern Cardinal", 0.92)
	rec.AnnotatedPath = detection.StringPtr("/out/annotated/2024-05-01/img_001_1_annotated.jpg")
	rec.Detections = append(rec.Detections, detection.Detection{ClassName: "bird", Confidence: 0.6, BBox: detection.BBox{1, 2, 3, 4}})

	id, err := s.Save(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID)

	got, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.True(t, got.Timestamp.Equal(rec.Timestamp))
	assert.Equal(t, rec.SourcePath, got.SourcePath)
	require.NotNil(t, got.AnnotatedPath)
	assert.Equal(t, *rec.AnnotatedPath, *got.AnnotatedPath)
	assert.Equal(t, "Northern Cardinal", got.SpeciesName())
	assert.InDelta(t, 0.92, got.Confidence, 1e-9)
	assert.Equal(t, rec.Detections, got.Detections)
	assert.Equal(t, detection.SourceDirectoryMonitor, got.Metadata[detection.MetaSource])
}

func TestSaveNormalizes(t *testing.T) {
	s := newTestStore(t, 0)
	rec := emptyRecord(1)
	rec.BirdCount = 3
	rec.Confidence = 1.7

	id, err := s.Save(context.Background(), rec)
	require.NoError(t, err)

	got, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, got.BirdDetected)
	assert.Zero(t, got.BirdCount)
	assert.InDelta(t, 1.0, got.Confidence, 1e-9)
	assert.Nil(t, got.Species)
	assert.NotNil(t, got.Detections)
	assert.NotNil(t, got.Metadata)
}

func TestSaveAssignsIncreasingIDs(t *testing.T) {
	s := newTestStore(t, 0)
	ids := saveAll(t, s, emptyRecord(1), emptyRecord(2), emptyRecord(3))
	assert.Less(t, ids[0], ids[1])
	assert.Less(t, ids[1], ids[2])
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t, 0)
	_, err := s.Get(context.Background(), 404)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestListPagination(t *testing.T) {
	s := newTestStore(t, 0)
	var recs []*detection.Record
	for i := 1; i <= 25; i++ {
		recs = append(recs, birdRecord(i, "Blue Jay", 0.8))
	}
	ids := saveAll(t, s, recs...)

	page, err := s.List(context.Background(), Filters{}, 2, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(25), page.Total)
	assert.Equal(t, 3, page.TotalPages)
	require.Len(t, page.Records, 10)
	// newest first: page 1 holds the 25th..16th, page 2 the 15th..6th
	for i, rec := range page.Records {
		assert.Equal(t, ids[14-i], rec.ID)
	}

	seen := map[uint64]bool{}
	for p := 1; p <= 3; p++ {
		pg, err := s.List(context.Background(), Filters{}, p, 10)
		require.NoError(t, err)
		for _, rec := range pg.Records {
			assert.False(t, seen[rec.ID], "record %d on two pages", rec.ID)
			seen[rec.ID] = true
		}
	}
	assert.Len(t, seen, 25)

	beyond, err := s.List(context.Background(), Filters{}, 4, 10)
	require.NoError(t, err)
	assert.Empty(t, beyond.Records)
	assert.Equal(t, int64(25), beyond.Total)
}

func TestListOrderingTiesBreakByID(t *testing.T) {
	s := newTestStore(t, 0)
	a, b := emptyRecord(1), emptyRecord(1)
	ids := saveAll(t, s, a, b)

	page, err := s.List(context.Background(), Filters{}, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.Equal(t, ids[1], page.Records[0].ID)
	assert.Equal(t, ids[0], page.Records[1].ID)
}

func TestListInvalidPage(t *testing.T) {
	s := newTestStore(t, 0)
	_, err := s.List(context.Background(), Filters{}, 0, 10)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestListFilters(t *testing.T) {
	s := newTestStore(t, 0)
	saveAll(t, s,
		birdRecord(1, "Northern Cardinal", 0.92),
		birdRecord(2, "Blue Jay", 0.55),
		emptyRecord(3),
		birdRecord(4, "American Robin", 0.81),
	)
	ctx := context.Background()

	tests := []struct {
		name    string
		filters Filters
		want    int64
	}{
		{"none", Filters{}, 4},
		{"bird only", Filters{BirdOnly: true}, 3},
		{"species substring", Filters{Species: "cardinal"}, 1},
		{"species underscore is literal", Filters{Species: "_"}, 0},
		{"species percent is literal", Filters{Species: "%"}, 0},
		{"query percent is literal", Filters{Query: "100%"}, 0},
		{"min confidence", Filters{MinConfidence: 0.8}, 2},
		{"query matches path", Filters{Query: "EMPTY_003"}, 1},
		{"query matches species", Filters{Query: "robin"}, 1},
		{"query matches metadata", Filters{Query: detection.SourceDirectoryMonitor}, 3},
		{"start", Filters{Start: timePtr(baseTime.Add(2 * time.Minute))}, 3},
		{"end", Filters{End: timePtr(baseTime.Add(2 * time.Minute))}, 2},
		{"combined", Filters{BirdOnly: true, MinConfidence: 0.6, Start: timePtr(baseTime.Add(2 * time.Minute))}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := s.List(ctx, tt.filters, 1, 100)
			require.NoError(t, err)
			assert.Equal(t, tt.want, page.Total)
			assert.Len(t, page.Records, int(tt.want))
		})
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t, 0)
	saveAll(t, s,
		birdRecord(1, "Blue Jay", 0.9),
		birdRecord(2, "Blue Jay", 0.7),
		birdRecord(3, "Northern Cardinal", 0.8),
		emptyRecord(4),
		birdRecord(24*60+5, "American Robin", 0.6),
	)

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.TotalDetections)
	assert.Equal(t, int64(4), stats.BirdDetections)
	assert.Equal(t, int64(4), stats.SpeciesIdentified, "bird records with a species")
	assert.InDelta(t, 0.75, stats.AverageConfidence, 1e-9)

	require.Len(t, stats.TopSpecies, 3)
	assert.Equal(t, SpeciesCount{Species: "Blue Jay", Count: 2}, stats.TopSpecies[0])
	assert.Equal(t, "American Robin", stats.TopSpecies[1].Species, "ties ordered by name")
	for i := 1; i < len(stats.TopSpecies); i++ {
		assert.GreaterOrEqual(t, stats.TopSpecies[i-1].Count, stats.TopSpecies[i].Count)
	}

	assert.Equal(t, []DayCount{{Date: "2024-05-02", Count: 1}, {Date: "2024-05-01", Count: 4}}, stats.PerDayCounts)
}

func TestStatsIgnoresRelabeledEmptyRecords(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)
	ids := saveAll(t, s, emptyRecord(1), emptyRecord(2), birdRecord(3, "Blue Jay", 0.9))
	require.NoError(t, s.Relabel(ctx, ids[0], "Northern Cardinal"))
	require.NoError(t, s.Relabel(ctx, ids[1], "Blue Jay"))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalDetections)
	assert.Equal(t, int64(1), stats.BirdDetections)
	assert.Equal(t, int64(1), stats.SpeciesIdentified)
	assert.LessOrEqual(t, stats.SpeciesIdentified, stats.BirdDetections)
	assert.Equal(t, []SpeciesCount{{Species: "Blue Jay", Count: 1}}, stats.TopSpecies)
}

func TestStatsEmpty(t *testing.T) {
	s := newTestStore(t, 0)
	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.TotalDetections)
	assert.Zero(t, stats.AverageConfidence)
	assert.NotNil(t, stats.TopSpecies)
	assert.NotNil(t, stats.PerDayCounts)
}

func TestRetentionEvictsOldest(t *testing.T) {
	s := newTestStore(t, 5)
	ctx := context.Background()

	var recs []*detection.Record
	for i := 1; i <= 8; i++ {
		rec := birdRecord(i, "Blue Jay", 0.8)
		require.NoError(t, afero.WriteFile(s.fs, rec.SourcePath, []byte("jpeg"), 0o644))
		recs = append(recs, rec)
	}
	ids := saveAll(t, s, recs...)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)

	for i, rec := range recs {
		_, err := s.Get(ctx, ids[i])
		sidecar := s.cfg.Layout.SidecarPath(rec.Timestamp, rec.SourcePath, ids[i])
		imageExists, _ := afero.Exists(s.fs, rec.SourcePath)
		sidecarExists, _ := afero.Exists(s.fs, sidecar)
		if i < 3 {
			assert.True(t, errors.IsNotFound(err), "record %d should be evicted", i+1)
			assert.False(t, imageExists, "image of evicted record %d removed", i+1)
			assert.False(t, sidecarExists, "sidecar of evicted record %d removed", i+1)
		} else {
			require.NoError(t, err)
			assert.True(t, imageExists)
			assert.True(t, sidecarExists)
		}
	}
}

func TestRetentionBoundUnderConcurrentSaves(t *testing.T) {
	s := newTestStore(t, 10)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := range 5 {
		wg.Go(func() {
			for i := range 6 {
				_, err := s.Save(ctx, birdRecord(w*10+i, "Blue Jay", 0.8))
				assert.NoError(t, err)
			}
		})
	}
	wg.Wait()

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), count)
}

func TestConcurrentSavesUniqueIDs(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[uint64]bool{}
	)
	for w := range 4 {
		wg.Go(func() {
			for i := range 5 {
				id, err := s.Save(ctx, birdRecord(w*10+i, "Chickadee", 0.7))
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				ids[id] = true
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	assert.Len(t, ids, 20)
}

func TestRelabel(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()
	ids := saveAll(t, s, birdRecord(1, "Blue Jay", 0.8))

	require.NoError(t, s.Relabel(ctx, ids[0], "Steller's Jay"))
	got, err := s.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "Steller's Jay", got.SpeciesName())

	require.NoError(t, s.Relabel(ctx, ids[0], "Steller's Jay"), "unchanged value is not an error")

	require.NoError(t, s.Relabel(ctx, ids[0], "  "))
	got, err = s.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Nil(t, got.Species)

	err = s.Relabel(ctx, 999, "Blue Jay")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestSidecarWritten(t *testing.T) {
	s := newTestStore(t, 0)
	rec := birdRecord(1, "Blue Jay", 0.8)
	ids := saveAll(t, s, rec)

	path := s.cfg.Layout.SidecarPath(rec.Timestamp, rec.SourcePath, ids[0])
	assert.Equal(t, filepath.Join("/out", ResultsDir, rec.Timestamp.Local().Format("2006-01-02"), fmt.Sprintf("img_001_%d.json", ids[0])), path)

	side, err := ReadSidecar(s.fs, path)
	require.NoError(t, err)
	assert.Equal(t, ids[0], side.ID)
	assert.Equal(t, "Blue Jay", side.SpeciesName())

	require.NoError(t, s.Relabel(context.Background(), ids[0], "Blue Grosbeak"))
	side, err = ReadSidecar(s.fs, path)
	require.NoError(t, err)
	assert.Equal(t, "Blue Grosbeak", side.SpeciesName(), "relabel refreshes the sidecar")
}

func TestWatchState(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()
	id := FileIdentity{Path: "/in/cardinal.jpg", Size: 2048, ModTime: baseTime.UnixNano()}

	has, err := s.HasFile(ctx, id)
	require.NoError(t, err)
	assert.False(t, has)

	attempts, err := s.FileAttempts(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, attempts)

	require.NoError(t, s.MarkFile(ctx, id, WatchStatusDiscarded, 2))
	require.NoError(t, s.MarkFile(ctx, id, WatchStatusDiscarded, 3))

	has, err = s.HasFile(ctx, id)
	require.NoError(t, err)
	assert.True(t, has)
	attempts, err = s.FileAttempts(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	rewritten := id
	rewritten.Size = 4096
	has, err = s.HasFile(ctx, rewritten)
	require.NoError(t, err)
	assert.False(t, has, "a rewritten file is a new identity")

	failed := id
	failed.Path = "/in/robin.jpg"
	require.NoError(t, s.MarkFile(ctx, failed, WatchStatusFailed, 1))
	has, err = s.HasFile(ctx, failed)
	require.NoError(t, err)
	assert.False(t, has, "failed files are retried")
	attempts, err = s.FileAttempts(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	require.Error(t, s.MarkFile(ctx, id, "processing", 1))
}

func TestWatchStateSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.db")
	cfg := Config{Type: conf.DatabaseSQLite, SQLitePath: path}
	id := FileIdentity{Path: "/in/a.jpg", Size: 1, ModTime: 2}

	first, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, first.Open())
	require.NoError(t, first.MarkFile(context.Background(), id, WatchStatusStored, 1))
	require.NoError(t, first.Close())

	second, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, second.Open())
	t.Cleanup(func() { _ = second.Close() })

	has, err := second.HasFile(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestOperationsBeforeOpen(t *testing.T) {
	ds, err := New(Config{Type: conf.DatabaseSQLite, SQLitePath: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)

	_, err = ds.Save(context.Background(), emptyRecord(1))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryState))
	assert.False(t, retry.Exhausted(err), "not-open is not retried")

	require.NoError(t, ds.Close())
	require.Error(t, ds.Ping(context.Background()))
}

func TestNewValidatesType(t *testing.T) {
	_, err := New(Config{Type: "postgres"})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))

	_, err = New(Config{Type: conf.DatabaseSQLite})
	require.Error(t, err)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sqlite busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"sqlite locked wrapped", fmt.Errorf("saving record: %w", sqlite3.Error{Code: sqlite3.ErrLocked}), true},
		{"sqlite constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		{"mysql deadlock", &mysql.MySQLError{Number: 1213}, true},
		{"mysql syntax", &mysql.MySQLError{Number: 1064}, false},
		{"invalid conn", mysql.ErrInvalidConn, true},
		{"message", errors.NewStd("database is locked"), true},
		{"other", errors.NewStd("no such table: detection_records"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryable(tt.err))
		})
	}
}

func TestMySQLDSN(t *testing.T) {
	dsn := mysqlDSN(conf.MySQLSettings{Host: "db", Port: 3306, User: "birdcam", Password: "secret", Database: "birds"})

	cfg, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, "db:3306", cfg.Addr)
	assert.Equal(t, "birdcam", cfg.User)
	assert.Equal(t, "birds", cfg.DBName)
	assert.True(t, cfg.ParseTime)
	assert.Equal(t, time.UTC, cfg.Loc)
	assert.Equal(t, "db:3306/birds", mysqlLocation(conf.MySQLSettings{Host: "db", Port: 3306, Database: "birds"}))
}

func TestLayout(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local)
	dated := Layout{OutputDir: "/out", OrganizeByDate: true}
	flat := Layout{OutputDir: "/out"}

	assert.Equal(t, filepath.Join("/out", "images", "2024-05-01"), dated.ImagesDir(ts))
	assert.Equal(t, filepath.Join("/out", "images"), flat.ImagesDir(ts))
	assert.Equal(t, filepath.Join("/out", "annotated", "2024-05-01", "cardinal_7_annotated.jpg"), dated.AnnotatedPath(ts, "/in/cardinal.jpg", 7))
	assert.Equal(t, filepath.Join("/out", "results", "cardinal_7.json"), flat.SidecarPath(ts, "/in/cardinal.jpg", 7))
}

func timePtr(t time.Time) *time.Time { return &t }

func TestSaveWithAnnotatedArtifact(t *testing.T) {
	s := newTestStore(t, 2)
	ctx := context.Background()

	rec := birdRecord(1, "Blue Jay", 0.8)
	id, err := s.Save(ctx, rec, WithAnnotatedArtifact())
	require.NoError(t, err)

	want := s.cfg.Layout.AnnotatedPath(rec.Timestamp, rec.SourcePath, id)
	require.NotNil(t, rec.AnnotatedPath)
	assert.Equal(t, want, *rec.AnnotatedPath)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got.AnnotatedPath)
	assert.Equal(t, want, *got.AnnotatedPath)

	require.NoError(t, afero.WriteFile(s.fs, want, []byte("png"), 0o644))
	saveAll(t, s, birdRecord(2, "Blue Jay", 0.8), birdRecord(3, "Blue Jay", 0.8))

	exists, err := afero.Exists(s.fs, want)
	require.NoError(t, err)
	assert.False(t, exists, "annotated artifact removed with its record")
}

func TestSaveWithCommitTimestamp(t *testing.T) {
	s := newTestStore(t, 1)
	ctx := context.Background()

	newer := saveAll(t, s, birdRecord(5, "Blue Jay", 0.8))

	// stamped before the first save but committed after it
	late := birdRecord(1, "Northern Cardinal", 0.9)
	before := time.Now()
	id, err := s.Save(ctx, late, WithCommitTimestamp())
	require.NoError(t, err)
	assert.False(t, late.Timestamp.Before(before), "timestamp assigned at insert")

	_, err = s.Get(ctx, id)
	require.NoError(t, err, "the last record saved is retained")
	_, err = s.Get(ctx, newer[0])
	require.Error(t, err)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestSaveWithWatchIdentity(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()
	id := FileIdentity{Path: "/in/jay.jpg", Size: 512, ModTime: baseTime.UnixNano()}
	require.NoError(t, s.MarkFile(ctx, id, WatchStatusFailed, 1))

	_, err := s.Save(ctx, birdRecord(1, "Blue Jay", 0.8), WithWatchIdentity(id, 2))
	require.NoError(t, err)

	has, err := s.HasFile(ctx, id)
	require.NoError(t, err)
	assert.True(t, has, "stored with the record")
	attempts, err := s.FileAttempts(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	// a save without the option leaves other identities alone
	other := FileIdentity{Path: "/in/robin.jpg", Size: 256, ModTime: baseTime.UnixNano()}
	saveAll(t, s, birdRecord(2, "American Robin", 0.7))
	has, err = s.HasFile(ctx, other)
	require.NoError(t, err)
	assert.False(t, has)
}
