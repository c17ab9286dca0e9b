package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldPolicyForDisabledAndCustomAlwaysPreserve(t *testing.T) {
	assert.Equal(t, PolicyPreserveAlways, FieldPolicyFor("progress", []string{"progress"}, nil))
	assert.Equal(t, PolicyPreserveAlways, FieldPolicyFor("myCustomField", nil, []string{"myCustomField"}))
}

func TestFieldPolicyForKnownFields(t *testing.T) {
	assert.Equal(t, PolicyOverwrite, FieldPolicyFor("progress", nil, nil))
	assert.Equal(t, PolicyPreserveIfMissing, FieldPolicyFor("title", nil, nil))
	assert.Equal(t, PolicyPreserveAlways, FieldPolicyFor("someUnknownField", nil, nil))
}

func TestThreeWayCleanMergeCombinesNonOverlappingEdits(t *testing.T) {
	base := []byte("---\ntitle: Book\n---\nline one\nline two\nline three\n")
	ours := []byte("---\ntitle: Book\nprogress: 10\n---\nline one\nline two\nline three\n")
	theirs := []byte("---\ntitle: Book\n---\nline one\nline two\nline three\nline four\n")

	result, err := ThreeWay(base, ours, theirs, nil, nil, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, result.HasConflicts)
	assert.Contains(t, string(result.Content), "line four")
	assert.Contains(t, string(result.Content), "lastMerged")
}

func TestThreeWayConflictingEditsMarksConflict(t *testing.T) {
	base := []byte("---\ntitle: Book\n---\noriginal line\n")
	ours := []byte("---\ntitle: Book\n---\nour rewritten line\n")
	theirs := []byte("---\ntitle: Book\n---\ntheir rewritten line\n")

	result, err := ThreeWay(base, ours, theirs, nil, nil, time.Now())
	require.NoError(t, err)
	assert.True(t, result.HasConflicts)
	assert.Equal(t, 1, result.ConflictCount)
	assert.Contains(t, string(result.Content), "kohl merge conflict")
}

func TestTwoWayReplacesBodyWithTheirs(t *testing.T) {
	ours := []byte("---\ntitle: Book\nprogress: 50\n---\nold body\n")
	theirs := []byte("---\ntitle: Book\n---\nnew body\n")

	result, err := TwoWay(ours, theirs, nil, nil, time.Now())
	require.NoError(t, err)
	assert.Contains(t, string(result.Content), "new body")
	assert.NotContains(t, string(result.Content), "old body")
	assert.Contains(t, string(result.Content), "progress: 50")
}

func TestMergeFrontmatterRespectsDisabledFields(t *testing.T) {
	ours := map[string]any{"progress": 10}
	theirs := map[string]any{"progress": 90}

	mergeFrontmatter(ours, theirs, []string{"progress"}, nil)

	assert.Equal(t, 10, ours["progress"])
}
