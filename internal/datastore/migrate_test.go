package datastore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdcam-go/internal/errors"
)

func TestCopyToKeepsIDsAndDetections(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t, 0)
	dst := newTestStore(t, 0)

	ids := saveAll(t, src,
		birdRecord(0, "Blue Jay", 0.9),
		emptyRecord(1),
		birdRecord(2, "American Robin", 0.8),
	)
	require.NoError(t, src.MarkFile(ctx, FileIdentity{Path: "/in/a.jpg", Size: 10, ModTime: 1}, WatchStatusStored, 1))

	stats, err := src.CopyTo(ctx, dst.DataStore, 2)
	require.NoError(t, err)
	require.Len(t, stats.Tables, 3)
	assert.Equal(t, "detection_records", stats.Tables[0].Name)
	assert.Equal(t, int64(3), stats.Tables[0].Copied)
	assert.Equal(t, int64(2), stats.Tables[1].Copied)
	assert.Equal(t, int64(1), stats.Tables[2].Copied)
	assert.Zero(t, stats.Errors())

	got, err := dst.Get(ctx, ids[2])
	require.NoError(t, err)
	require.NotNil(t, got.Species)
	assert.Equal(t, "American Robin", *got.Species)
	require.Len(t, got.Detections, 1)
	assert.InDelta(t, 0.8, got.Detections[0].Confidence, 1e-9)

	has, err := dst.HasFile(ctx, FileIdentity{Path: "/in/a.jpg", Size: 10, ModTime: 1})
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, src.VerifyCopy(ctx, dst.DataStore))

	// New saves in the target continue after the copied ids
	id, err := dst.Save(ctx, birdRecord(3, "Chickadee", 0.7))
	require.NoError(t, err)
	assert.Greater(t, id, ids[2])
}

func TestCopyToIsRepeatable(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t, 0)
	dst := newTestStore(t, 0)
	saveAll(t, src, birdRecord(0, "Blue Jay", 0.9), birdRecord(1, "House Finch", 0.85))

	_, err := src.CopyTo(ctx, dst.DataStore, 0)
	require.NoError(t, err)

	stats, err := src.CopyTo(ctx, dst.DataStore, 0)
	require.NoError(t, err)
	assert.Zero(t, stats.Tables[0].Copied)
	assert.Equal(t, int64(2), stats.Tables[0].Skipped)

	count, err := dst.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestVerifyCopyDetectsMismatch(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t, 0)
	dst := newTestStore(t, 0)
	saveAll(t, src, birdRecord(0, "Blue Jay", 0.9))

	err := src.VerifyCopy(ctx, dst.DataStore)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryDatabase))
	assert.Contains(t, err.Error(), "detection_records")
}

func TestCopyToRejectsSameStore(t *testing.T) {
	s := newTestStore(t, 0)
	_, err := s.CopyTo(context.Background(), s.DataStore, 0)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}
