package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kohl-import/kohl-import/internal/duplicate"
	"github.com/kohl-import/kohl-import/internal/executor"
	"github.com/kohl-import/kohl-import/internal/fsatomic"
	"github.com/kohl-import/kohl-import/internal/highlight"
	"github.com/kohl-import/kohl-import/internal/identity"
	"github.com/kohl-import/kohl-import/internal/localindex"
	"github.com/kohl-import/kohl-import/internal/model"
	"github.com/kohl-import/kohl-import/internal/oracle"
	"github.com/kohl-import/kohl-import/internal/render"
	"github.com/kohl-import/kohl-import/internal/snapshotstore"
	"github.com/kohl-import/kohl-import/internal/sourcefeed"
)

func writeSourceFile(t *testing.T, dir, name, title string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	data, err := json.Marshal(map[string]any{
		"title":   title,
		"authors": "Someone",
		"highlights": []map[string]any{
			{"page": 1, "text": "a striking line", "datetime": "2024-01-01T00:00:00Z"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func newTestPipeline(t *testing.T) (*Pipeline, string) {
	t.Helper()
	notesFolder := t.TempDir()
	dataDir := t.TempDir()

	fs := fsatomic.New()
	snapshots := snapshotstore.New(fs, filepath.Join(dataDir, "snapshots"))
	require.NoError(t, fs.EnsureFolder(filepath.Join(dataDir, "snapshots")))

	index, err := localindex.Open(context.Background(), filepath.Join(dataDir, "index.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })

	exec := executor.New(executor.Options{
		NotesFolder:  notesFolder,
		BackupDir:    filepath.Join(dataDir, "backups"),
		Fs:           fs,
		Identity:     identity.New(fs, snapshots),
		Snapshots:    snapshots,
		Index:        index,
		Renderer:     mustRenderer(t),
		CommentStyle: model.StyleHTML,
	})
	finder := duplicate.NewFinder(notesFolder, index, highlight.NewExtractor(16), nil, 0)

	p := New(Options{
		NotesFolder: notesFolder,
		Parser:      sourcefeed.JSONParser{},
		Finder:      finder,
		Executor:    exec,
		Index:       index,
		Workers:     2,
	})
	return p, notesFolder
}

func mustRenderer(t *testing.T) render.Renderer {
	t.Helper()
	r, err := render.NewTextTemplateRenderer()
	require.NoError(t, err)
	return r
}

func TestRunCreatesNotesForEachSource(t *testing.T) {
	p, notesFolder := newTestPipeline(t)
	dir := t.TempDir()
	a := writeSourceFile(t, dir, "a.json", "Book A")
	b := writeSourceFile(t, dir, "b.json", "Book B")

	summary, err := p.Run(context.Background(), []string{a, b})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Created)
	assert.Equal(t, 0, summary.Failed)
	assert.Len(t, summary.Results, 2)

	entries, err := os.ReadDir(notesFolder)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRunReportsAllSkippedWhenEverythingIsUnchanged(t *testing.T) {
	p, _ := newTestPipeline(t)
	dir := t.TempDir()
	a := writeSourceFile(t, dir, "a.json", "Book A")

	_, err := p.Run(context.Background(), []string{a})
	require.NoError(t, err)

	summary, err := p.Run(context.Background(), []string{a})
	require.NoError(t, err)
	assert.True(t, summary.AllSkipped)
}

func TestRunConsultsOracleOnAwaitUserChoiceAndSkipsOnDecline(t *testing.T) {
	p, notesFolder := newTestPipeline(t)

	// An unrelated note already in the vault gives the degraded scan
	// at least one entry to look at before its zero-length timeout
	// expires, so the scan reports ConfidencePartial with no match,
	// producing AWAIT_USER_CHOICE.
	require.NoError(t, os.WriteFile(filepath.Join(notesFolder, "Unrelated.md"), []byte("---\ntitle: Unrelated\n---\nbody\n"), 0o644))

	scripted := &oracle.Scripted{MergeChoices: []oracle.MergeChoice{{Skip: true}}}
	p.opts.Oracle = scripted

	dir := t.TempDir()
	a := writeSourceFile(t, dir, "a.json", "Book A")

	summary, err := p.Run(context.Background(), []string{a})
	require.NoError(t, err)

	require.Len(t, summary.Results, 1)
	outcome := summary.Results[0].Outcome
	assert.Equal(t, executor.StatusSkipped, outcome.Status)
	assert.Equal(t, 1, summary.Skipped)

	found := false
	for _, d := range outcome.Diagnostics {
		if d.Message == "duplicate-timeout" {
			found = true
		}
	}
	assert.True(t, found, "expected a duplicate-timeout diagnostic on the skipped outcome")
}

func TestRunTwoPassReimportsOnConfirmation(t *testing.T) {
	p, _ := newTestPipeline(t)
	dir := t.TempDir()
	a := writeSourceFile(t, dir, "a.json", "Book A")

	_, err := p.Run(context.Background(), []string{a})
	require.NoError(t, err)

	confirmed := false
	summary, err := p.RunTwoPass(context.Background(), []string{a}, func() bool {
		confirmed = true
		return true
	})
	require.NoError(t, err)
	assert.True(t, confirmed)
	assert.False(t, summary.AllSkipped)
}

func TestRunReportsProgress(t *testing.T) {
	p, _ := newTestPipeline(t)
	dir := t.TempDir()
	a := writeSourceFile(t, dir, "a.json", "Book A")

	var lastProgress Progress
	p.opts.Progress = func(pr Progress) { lastProgress = pr }

	_, err := p.Run(context.Background(), []string{a})
	require.NoError(t, err)
	assert.Equal(t, 1, lastProgress.Done)
	assert.Equal(t, 1, lastProgress.Total)
}
