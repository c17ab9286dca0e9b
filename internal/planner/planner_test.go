package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kohl-import/kohl-import/internal/duplicate"
	"github.com/kohl-import/kohl-import/internal/model"
	"github.com/kohl-import/kohl-import/internal/sourcefeed"
)

type fakeParser struct {
	parsed sourcefeed.Parsed
	err    error
}

func (f fakeParser) Parse(_ context.Context, _ string, _ []byte) (sourcefeed.Parsed, error) {
	return f.parsed, f.err
}

func statOK(modTime, size int64) Stat {
	return func(string) (int64, int64, error) { return modTime, size, nil }
}

func statMissing() Stat {
	return func(string) (int64, int64, error) { return 0, 0, errors.New("not found") }
}

func readOK(data []byte) ReadSource {
	return func(string) ([]byte, error) { return data, nil }
}

func newFinder(t *testing.T) *duplicate.Finder {
	t.Helper()
	return duplicate.NewFinder(t.TempDir(), nil, nil, nil, 0)
}

func TestPlanFastSkipUnchanged(t *testing.T) {
	ictx := ImportContext{
		SourcePath: "book.json",
		Prior:      SourceRecord{Found: true, MtimeUnix: 100, Size: 42},
	}
	plan := Plan(context.Background(), ictx, statOK(100, 42), readOK(nil), fakeParser{}, newFinder(t))

	assert.Equal(t, model.ActionSkip, plan.Action)
	assert.Equal(t, model.SkipUnchanged, plan.SkipReason)
}

func TestPlanForceReimportBypassesFastSkip(t *testing.T) {
	ictx := ImportContext{
		SourcePath:    "book.json",
		ForceReimport: true,
		Prior:         SourceRecord{Found: true, MtimeUnix: 100, Size: 42},
	}
	parsed := sourcefeed.Parsed{
		Metadata:    model.BookMetadata{Title: "T", Authors: "A"},
		Annotations: []model.Annotation{{Page: 1, Text: "hi", DateTime: "2024-01-01"}},
	}
	plan := Plan(context.Background(), ictx, statOK(100, 42), readOK(nil), fakeParser{parsed: parsed}, newFinder(t))

	assert.Falsef(t, plan.Action == model.ActionSkip && plan.SkipReason == model.SkipUnchanged,
		"forceReimport should bypass the fast-skip path, got %s/%s", plan.Action, plan.SkipReason)
}

func TestPlanNoAnnotationsSkips(t *testing.T) {
	ictx := ImportContext{SourcePath: "book.json"}
	parsed := sourcefeed.Parsed{Metadata: model.BookMetadata{Title: "T"}}
	plan := Plan(context.Background(), ictx, statOK(1, 1), readOK(nil), fakeParser{parsed: parsed}, newFinder(t))

	assert.Equal(t, model.ActionSkip, plan.Action)
	assert.Equal(t, model.SkipNoAnnotations, plan.SkipReason)
}

func TestPlanCreateWhenNoDuplicate(t *testing.T) {
	ictx := ImportContext{SourcePath: "book.json", NotesFolder: t.TempDir()}
	parsed := sourcefeed.Parsed{
		Metadata:    model.BookMetadata{Title: "Brand New", Authors: "A"},
		Annotations: []model.Annotation{{Page: 1, Text: "hi", DateTime: "2024-01-01"}},
	}
	plan := Plan(context.Background(), ictx, statOK(1, 1), readOK(nil), fakeParser{parsed: parsed}, newFinder(t))

	require.Equal(t, model.ActionCreate, plan.Action)
}

func TestPlanStatMissingContinues(t *testing.T) {
	ictx := ImportContext{SourcePath: "book.json", NotesFolder: t.TempDir()}
	parsed := sourcefeed.Parsed{
		Metadata:    model.BookMetadata{Title: "T", Authors: "A"},
		Annotations: []model.Annotation{{Page: 1, Text: "hi", DateTime: "2024-01-01"}},
	}
	plan := Plan(context.Background(), ictx, statMissing(), readOK(nil), fakeParser{parsed: parsed}, newFinder(t))

	assert.Equal(t, model.ActionCreate, plan.Action)
}

func TestPlanAssignsAnnotationIDs(t *testing.T) {
	ictx := ImportContext{SourcePath: "book.json", NotesFolder: t.TempDir()}
	parsed := sourcefeed.Parsed{
		Metadata:    model.BookMetadata{Title: "T", Authors: "A"},
		Annotations: []model.Annotation{{Page: 1, Pos0: "a", Pos1: "b", Text: "hi", DateTime: "2024-01-01"}},
	}
	plan := Plan(context.Background(), ictx, statOK(1, 1), readOK(nil), fakeParser{parsed: parsed}, newFinder(t))

	require.Len(t, plan.Context.Parsed.Annotations, 1)
	assert.NotEmpty(t, plan.Context.Parsed.Annotations[0].ID)
}
