package snapshotstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kohl-import/kohl-import/internal/fsatomic"
)

func TestWriteForIdThenReadForId(t *testing.T) {
	store := New(fsatomic.New(), t.TempDir())

	require.NoError(t, store.WriteForId(context.Background(), "uid-1", []byte("content")))

	data, err := store.ReadForId(context.Background(), "uid-1")
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))
}

func TestReadForIdMissingReportsNotFound(t *testing.T) {
	store := New(fsatomic.New(), t.TempDir())

	_, err := store.ReadForId(context.Background(), "missing-uid")
	assert.True(t, fsatomic.IsNotFound(err))
}

func TestRemoveForIdDeletesSnapshot(t *testing.T) {
	store := New(fsatomic.New(), t.TempDir())
	require.NoError(t, store.WriteForId(context.Background(), "uid-1", []byte("x")))

	require.NoError(t, store.RemoveForId(context.Background(), "uid-1"))

	_, err := store.ReadForId(context.Background(), "uid-1")
	assert.True(t, fsatomic.IsNotFound(err))
}

func TestRemoveForIdAbsentIsNotAnError(t *testing.T) {
	store := New(fsatomic.New(), t.TempDir())
	assert.NoError(t, store.RemoveForId(context.Background(), "never-written"))
}

func TestPruneBackupsRemovesOnlyOlderThanRetention(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	oldPath := filepath.Join(dir, "old.md")
	newPath := filepath.Join(dir, "new.md")
	require.NoError(t, os.WriteFile(oldPath, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(newPath, []byte("x"), 0o644))
	require.NoError(t, os.Chtimes(oldPath, now.Add(-48*time.Hour), now.Add(-48*time.Hour)))
	require.NoError(t, os.Chtimes(newPath, now.Add(-time.Minute), now.Add(-time.Minute)))

	pruned, err := PruneBackups(dir, 24*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	_, err = os.Stat(oldPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(newPath)
	assert.NoError(t, err)
}

func TestPruneBackupsDisabledWhenRetentionZero(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.md"), []byte("x"), 0o644))

	pruned, err := PruneBackups(dir, 0, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, pruned)
}

func TestPruneBackupsMissingDirIsNotAnError(t *testing.T) {
	pruned, err := PruneBackups(filepath.Join(t.TempDir(), "missing"), time.Hour, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, pruned)
}
