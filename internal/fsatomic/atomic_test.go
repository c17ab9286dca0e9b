package fsatomic

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAtomicThenReadBack(t *testing.T) {
	fs := New()
	dir := t.TempDir()
	path := filepath.Join(dir, "note.md")

	require.NoError(t, fs.WriteAtomic(context.Background(), path, []byte("hello")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestWriteAtomicOverwritesExisting(t *testing.T) {
	fs := New()
	dir := t.TempDir()
	path := filepath.Join(dir, "note.md")

	require.NoError(t, fs.WriteAtomic(context.Background(), path, []byte("first")))
	require.NoError(t, fs.WriteAtomic(context.Background(), path, []byte("second")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestWriteAtomicLeavesNoTempFiles(t *testing.T) {
	fs := New()
	dir := t.TempDir()
	path := filepath.Join(dir, "note.md")

	require.NoError(t, fs.WriteAtomic(context.Background(), path, []byte("x")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, "note.md", entries[0].Name())
}

func TestEnsureFolderRejectsExistingFile(t *testing.T) {
	fs := New()
	dir := t.TempDir()
	filePath := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(filePath, []byte("x"), 0o644))

	err := fs.EnsureFolder(filePath)
	assert.True(t, IsKind(err, KindNotADirectory))
}

func TestEnsureFolderCreatesMissingRecursively(t *testing.T) {
	fs := New()
	dir := filepath.Join(t.TempDir(), "a", "b", "c")

	require.NoError(t, fs.EnsureFolder(dir))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestReadWithRetryReturnsNotFoundForMissingPath(t *testing.T) {
	fs := New()
	dir := t.TempDir()

	_, err := fs.ReadWithRetry(context.Background(), filepath.Join(dir, "missing.md"))
	assert.True(t, IsNotFound(err))
}

func TestCreateUniqueAvoidsCollisions(t *testing.T) {
	fs := New()
	dir := t.TempDir()
	existingPaths := map[string]bool{}
	exists := func(path string) bool { return existingPaths[path] }

	first, err := fs.CreateUnique(context.Background(), dir, "My Book", ".md", []byte("a"), exists)
	require.NoError(t, err)
	existingPaths[first.Path] = true

	second, err := fs.CreateUnique(context.Background(), dir, "My Book", ".md", []byte("b"), exists)
	require.NoError(t, err)

	assert.NotEqual(t, first.Path, second.Path)
	assert.Contains(t, second.Path, "My Book 2")
}

func TestCreateUniqueTruncatesOverlongStem(t *testing.T) {
	fs := New()
	dir := t.TempDir()
	longStem := make([]byte, 400)
	for i := range longStem {
		longStem[i] = 'a'
	}

	result, err := fs.CreateUnique(context.Background(), dir, string(longStem), ".md", []byte("x"), func(string) bool { return false })
	require.NoError(t, err)
	assert.True(t, result.Truncated)
}
