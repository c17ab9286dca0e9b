package oracle

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kohl-import/kohl-import/internal/duplicate"
)

func TestAutoSkipDeclinesEverything(t *testing.T) {
	var a AutoSkip
	choice, err := a.ChooseMergeTarget(context.Background(), "k", []duplicate.Candidate{{VaultPath: "x"}})
	require.NoError(t, err)
	assert.Empty(t, choice.Path)

	confirmed, err := a.ConfirmStaleLocation(context.Background(), "uid", "path")
	require.NoError(t, err)
	assert.False(t, confirmed)

	twoWay, err := a.ConfirmTwoWayMerge(context.Background(), "path")
	require.NoError(t, err)
	assert.False(t, twoWay)
}

func TestStdinChooseMergeTargetByNumber(t *testing.T) {
	in := bytes.NewBufferString("2\n")
	out := &bytes.Buffer{}
	s := NewStdin(in, out)

	candidates := []duplicate.Candidate{{VaultPath: "a.md"}, {VaultPath: "b.md"}}
	choice, err := s.ChooseMergeTarget(context.Background(), "k", candidates)
	require.NoError(t, err)
	assert.Equal(t, "b.md", choice.Path)
}

func TestStdinChooseMergeTargetBlankCreatesNew(t *testing.T) {
	in := bytes.NewBufferString("\n")
	out := &bytes.Buffer{}
	s := NewStdin(in, out)

	choice, err := s.ChooseMergeTarget(context.Background(), "k", []duplicate.Candidate{{VaultPath: "a.md"}})
	require.NoError(t, err)
	assert.Empty(t, choice.Path)
}

func TestStdinConfirmStaleLocationYes(t *testing.T) {
	in := bytes.NewBufferString("y\n")
	out := &bytes.Buffer{}
	s := NewStdin(in, out)

	confirmed, err := s.ConfirmStaleLocation(context.Background(), "uid-1", "/elsewhere/note.md")
	require.NoError(t, err)
	assert.True(t, confirmed)
}

func TestScriptedReturnsQueuedAnswersInOrder(t *testing.T) {
	s := &Scripted{
		MergeChoices:        []MergeChoice{{Path: "x.md"}, {}},
		StaleConfirmations:  []bool{true, false},
		TwoWayConfirmations: []bool{false},
	}

	c1, err := s.ChooseMergeTarget(context.Background(), "k", nil)
	require.NoError(t, err)
	assert.Equal(t, "x.md", c1.Path)

	c2, err := s.ChooseMergeTarget(context.Background(), "k", nil)
	require.NoError(t, err)
	assert.Empty(t, c2.Path)

	_, err = s.ChooseMergeTarget(context.Background(), "k", nil)
	assert.Error(t, err, "expected an error once queued merge choices run out")

	confirmed, err := s.ConfirmStaleLocation(context.Background(), "uid", "path")
	require.NoError(t, err)
	assert.True(t, confirmed)

	twoWay, err := s.ConfirmTwoWayMerge(context.Background(), "path")
	require.NoError(t, err)
	assert.False(t, twoWay)
}
