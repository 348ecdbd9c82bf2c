package filestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"go.skia.org/cqcore/go/change"
	"go.skia.org/cqcore/go/statusstore"
)

func testKey() statusstore.Key {
	return statusstore.Key{Bot: "CQ", Remote: change.RemoteExternal, GerritNumber: 42, PatchNumber: 2}
}

func TestIncrementCountPersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	key := testKey()

	s := New(dir)
	require.NoError(t, s.IncrementCount(ctx, key, statusstore.StatusPassed))
	require.NoError(t, s.IncrementCount(ctx, key, statusstore.StatusPassed))

	count, err := s.ReadCount(ctx, key, statusstore.StatusPassed, false)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	reopened := New(dir)
	count, err = reopened.ReadCount(ctx, key, statusstore.StatusPassed, false)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	require.FileExists(t, filepath.Join(dir, "CQ.json"))
}

func TestReadLatestMarker(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	key := testKey()

	s := New(dir)
	_, ok, err := s.ReadLatestMarker(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.IncrementCount(ctx, key, statusstore.StatusFailed))
	require.NoError(t, s.IncrementCount(ctx, key, statusstore.StatusPassed))

	latest, ok, err := s.ReadLatestMarker(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, statusstore.StatusPassed, latest)
}

func TestWriteStatusLatestOnlyCount(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	key := testKey()

	s := New(dir)
	require.NoError(t, s.WriteStatus(ctx, key, statusstore.StatusInflight))
	require.NoError(t, s.WriteStatus(ctx, key, statusstore.StatusInflight))

	count, err := s.ReadCount(ctx, key, statusstore.StatusInflight, true)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	otherPatchsetKey := key
	otherPatchsetKey.PatchNumber = 3
	count, err = s.ReadCount(ctx, otherPatchsetKey, statusstore.StatusInflight, true)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestReadCountUnknownKeyIsZero(t *testing.T) {
	s := New(t.TempDir())
	count, err := s.ReadCount(context.Background(), testKey(), statusstore.StatusPassed, false)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}
