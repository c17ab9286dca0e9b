// Package oracle defines the contract the pipeline and Executor use to
// resolve decisions that require a human choice: which of several
// candidate notes to merge into, and whether to proceed when a note
// has moved out of the configured vault folder. The pipeline depends
// only on this interface, never on any concrete UI.
package oracle

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/kohl-import/kohl-import/internal/duplicate"
)

// MergeChoice is the user's resolution of an AWAIT_USER_CHOICE plan.
type MergeChoice struct {
	// Path selects which candidate to merge into; empty Path with
	// Skip false means "create a new note instead of merging".
	Path string
	// Skip, when true, declines to resolve this source at all this
	// run: the pipeline records it skipped instead of creating or
	// merging. Takes precedence over Path.
	Skip bool
}

// Oracle resolves decisions a pure planner cannot make on its own.
type Oracle interface {
	// ChooseMergeTarget is asked when the duplicate scan could not
	// settle on a decisive match. The pipeline asks it when a partial
	// (timed-out or cancelled) scan found no match, so candidates is
	// empty in that case; the oracle can still choose to skip.
	ChooseMergeTarget(ctx context.Context, bookKey string, candidates []duplicate.Candidate) (MergeChoice, error)

	// ConfirmStaleLocation is asked when a note identified by UID has
	// moved outside the configured notes folder. Returning true merges
	// into it anyway; false creates a new note instead of merging.
	ConfirmStaleLocation(ctx context.Context, uid, currentPath string) (bool, error)

	// ConfirmTwoWayMerge is asked once per source, never cached across
	// a batch, when no snapshot exists for a match's UID and a 2-way
	// merge (which can lose body edits) is the only way to proceed.
	// Returning false makes the Executor abandon the merge and report
	// the source as failed.
	ConfirmTwoWayMerge(ctx context.Context, vaultPath string) (bool, error)
}

// AutoSkip is a non-interactive Oracle that always declines: it picks
// no merge target (forcing CREATE) and never confirms a stale
// location. Used for unattended runs (cron, CI) where a prompt cannot
// be answered.
type AutoSkip struct{}

// ChooseMergeTarget implements Oracle by always declining to merge.
func (AutoSkip) ChooseMergeTarget(_ context.Context, _ string, _ []duplicate.Candidate) (MergeChoice, error) {
	return MergeChoice{}, nil
}

// ConfirmStaleLocation implements Oracle by always declining.
func (AutoSkip) ConfirmStaleLocation(_ context.Context, _, _ string) (bool, error) {
	return false, nil
}

// ConfirmTwoWayMerge implements Oracle by always declining.
func (AutoSkip) ConfirmTwoWayMerge(_ context.Context, _ string) (bool, error) {
	return false, nil
}

// Stdin is an interactive Oracle that prompts on the given reader/writer,
// for use by the CLI when run attached to a terminal.
type Stdin struct {
	In  *bufio.Reader
	Out io.Writer
}

// NewStdin builds a Stdin oracle over r/w.
func NewStdin(r io.Reader, w io.Writer) *Stdin {
	return &Stdin{In: bufio.NewReader(r), Out: w}
}

// ChooseMergeTarget implements Oracle by listing candidates and
// prompting for a number, or blank to create a new note instead.
func (s *Stdin) ChooseMergeTarget(_ context.Context, bookKey string, candidates []duplicate.Candidate) (MergeChoice, error) {
	if len(candidates) == 0 {
		fmt.Fprintf(s.Out, "Duplicate scan for %q did not finish in time.\n", bookKey)
	} else {
		fmt.Fprintf(s.Out, "Multiple existing notes match %q:\n", bookKey)
		for i, c := range candidates {
			fmt.Fprintf(s.Out, "  [%d] %s (%d new, %d modified)\n", i+1, c.VaultPath, c.NewHighlights, c.ModifiedHighlights)
		}
	}
	fmt.Fprint(s.Out, "Merge into which (blank to create new, 's' to skip)? ")

	line, err := s.In.ReadString('\n')
	if err != nil && err != io.EOF {
		return MergeChoice{}, fmt.Errorf("read merge choice: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return MergeChoice{}, nil
	}
	if strings.EqualFold(line, "s") {
		return MergeChoice{Skip: true}, nil
	}

	var idx int
	if _, err := fmt.Sscanf(line, "%d", &idx); err != nil || idx < 1 || idx > len(candidates) {
		return MergeChoice{}, fmt.Errorf("invalid selection %q", line)
	}
	return MergeChoice{Path: candidates[idx-1].VaultPath}, nil
}

// ConfirmStaleLocation implements Oracle via a yes/no prompt.
func (s *Stdin) ConfirmStaleLocation(_ context.Context, uid, currentPath string) (bool, error) {
	fmt.Fprintf(s.Out, "Note %s has moved to %s, outside the configured folder. Merge anyway? [y/N] ", uid, currentPath)
	line, err := s.In.ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("read confirmation: %w", err)
	}
	line = strings.ToLower(strings.TrimSpace(line))
	return line == "y" || line == "yes", nil
}

// ConfirmTwoWayMerge implements Oracle via a yes/no prompt, explicitly
// warning that body edits may be lost.
func (s *Stdin) ConfirmTwoWayMerge(_ context.Context, vaultPath string) (bool, error) {
	fmt.Fprintf(s.Out, "No snapshot available for %s; a 2-way merge may lose manual edits to its body. Proceed? [y/N] ", vaultPath)
	line, err := s.In.ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("read confirmation: %w", err)
	}
	line = strings.ToLower(strings.TrimSpace(line))
	return line == "y" || line == "yes", nil
}

// Scripted is a fixed-answer Oracle for tests: it returns whatever
// responses were queued, in order, and errors if it runs out.
type Scripted struct {
	MergeChoices        []MergeChoice
	StaleConfirmations  []bool
	TwoWayConfirmations []bool
	mergeIdx            int
	staleIdx            int
	twoWayIdx           int
}

// ChooseMergeTarget implements Oracle by popping the next queued choice.
func (s *Scripted) ChooseMergeTarget(_ context.Context, _ string, _ []duplicate.Candidate) (MergeChoice, error) {
	if s.mergeIdx >= len(s.MergeChoices) {
		return MergeChoice{}, fmt.Errorf("scripted oracle: no more merge choices queued")
	}
	c := s.MergeChoices[s.mergeIdx]
	s.mergeIdx++
	return c, nil
}

// ConfirmStaleLocation implements Oracle by popping the next queued answer.
func (s *Scripted) ConfirmStaleLocation(_ context.Context, _, _ string) (bool, error) {
	if s.staleIdx >= len(s.StaleConfirmations) {
		return false, fmt.Errorf("scripted oracle: no more stale confirmations queued")
	}
	v := s.StaleConfirmations[s.staleIdx]
	s.staleIdx++
	return v, nil
}

// ConfirmTwoWayMerge implements Oracle by popping the next queued answer.
func (s *Scripted) ConfirmTwoWayMerge(_ context.Context, _ string) (bool, error) {
	if s.twoWayIdx >= len(s.TwoWayConfirmations) {
		return false, fmt.Errorf("scripted oracle: no more two-way confirmations queued")
	}
	v := s.TwoWayConfirmations[s.twoWayIdx]
	s.twoWayIdx++
	return v, nil
}
