// Package planner turns a source file's context into an import plan,
// with no mutating I/O: every decision is a pure function of what it
// was told about the source, the existing duplicate, and the index.
package planner

import (
	"context"
	"os"

	"github.com/kohl-import/kohl-import/internal/duplicate"
	"github.com/kohl-import/kohl-import/internal/highlight"
	"github.com/kohl-import/kohl-import/internal/model"
	"github.com/kohl-import/kohl-import/internal/sourcefeed"
)

// SourceRecord is the subset of the Local Index's stored state the
// planner compares new source stats against.
type SourceRecord struct {
	Found              bool
	MtimeUnix          int64
	Size               int64
	NewestAnnotationTs string
}

// ImportContext is everything the Planner needs to decide a source's
// fate. Stats and Parsed are filled in by the Stats/Parse steps as the
// context flows through Plan; callers invoke Plan once per source with
// ForceReimport and Prior already populated.
type ImportContext struct {
	SourcePath    string
	ForceReimport bool
	Prior         SourceRecord
	NotesFolder   string

	// Filled in during planning; exposed so the Executor can reuse the
	// work the Planner already did.
	StatModTimeUnix    int64
	StatSize           int64
	StatMissing        bool
	Parsed             sourcefeed.Parsed
	NewestAnnotationTs string
	DuplicateResult    duplicate.Result
}

// ImportPlan is the Planner's decision for one source.
type ImportPlan struct {
	Action      model.PlanAction
	SkipReason  model.SkipReason
	Match       *duplicate.Candidate
	Candidates  []duplicate.Candidate // populated for AWAIT_USER_CHOICE
	Context     ImportContext
	Diagnostics []model.Diagnostic
}

// Stat abstracts os.Stat for the Stats step, to allow substitution in
// tests without touching the filesystem.
type Stat func(path string) (modTimeUnix int64, size int64, err error)

// DefaultStat stats the real filesystem.
func DefaultStat(path string) (int64, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, 0, err
	}
	return info.ModTime().Unix(), info.Size(), nil
}

// ReadSource reads the raw bytes of a source file for parsing.
type ReadSource func(path string) ([]byte, error)

// Plan runs the full Stats -> Fast skip -> Parse+enrich -> Duplicate
// scan -> Final skip step sequence described for source imports, and
// never performs mutating I/O itself.
func Plan(
	ctx context.Context,
	ictx ImportContext,
	stat Stat,
	readSource ReadSource,
	parser sourcefeed.Parser,
	finder *duplicate.Finder,
) ImportPlan {
	plan := ImportPlan{Context: ictx}

	// Step 1: Stats.
	modTime, size, err := stat(ictx.SourcePath)
	if err != nil {
		ictx.StatMissing = true
		plan.Diagnostics = append(plan.Diagnostics, model.Warn("stat failed for "+ictx.SourcePath+": "+err.Error()))
	} else {
		ictx.StatModTimeUnix, ictx.StatSize = modTime, size
	}

	// Step 2: Fast skip.
	if !ictx.ForceReimport && ictx.Prior.Found && !ictx.StatMissing &&
		ictx.Prior.MtimeUnix == ictx.StatModTimeUnix && ictx.Prior.Size == ictx.StatSize {
		plan.Action = model.ActionSkip
		plan.SkipReason = model.SkipUnchanged
		plan.Context = ictx
		plan.Diagnostics = append(plan.Diagnostics, model.Info("unchanged, fast skip"))
		return plan
	}

	// Step 3: Parse + enrich.
	content, err := readSource(ictx.SourcePath)
	if err != nil {
		plan.Action = model.ActionSkip
		plan.SkipReason = model.SkipNoAnnotations
		plan.Context = ictx
		plan.Diagnostics = append(plan.Diagnostics, model.Error("read failed for "+ictx.SourcePath+": "+err.Error()))
		return plan
	}

	parsed, err := parser.Parse(ctx, ictx.SourcePath, content)
	if err != nil {
		plan.Action = model.ActionSkip
		plan.SkipReason = model.SkipNoAnnotations
		plan.Context = ictx
		plan.Diagnostics = append(plan.Diagnostics, model.Error("parse failed for "+ictx.SourcePath+": "+err.Error()))
		return plan
	}
	for i := range parsed.Annotations {
		a := &parsed.Annotations[i]
		if a.ID == "" {
			a.ID = highlight.FingerprintID(a.Page, a.Pos0, a.Pos1, a.Text)
		}
	}
	ictx.Parsed = parsed

	if len(parsed.Annotations) == 0 {
		plan.Action = model.ActionSkip
		plan.SkipReason = model.SkipNoAnnotations
		plan.Context = ictx
		plan.Diagnostics = append(plan.Diagnostics, model.Info("no annotations, skip"))
		return plan
	}
	ictx.NewestAnnotationTs = maxDateTime(parsed.Annotations)

	// Step 4: Duplicate scan.
	bookKey := parsed.Metadata.BookKey()
	result, err := finder.Find(ctx, bookKey, "", parsed.Annotations)
	if err != nil {
		plan.Diagnostics = append(plan.Diagnostics, model.Warn("duplicate scan failed: "+err.Error()))
	}
	ictx.DuplicateResult = result

	if result.Confidence == model.ConfidencePartial && result.Match == nil {
		plan.Action = model.ActionAwaitUserChoice
		plan.Candidates = result.Candidates
		plan.Context = ictx
		plan.Diagnostics = append(plan.Diagnostics, model.Warn("duplicate scan was partial with no decisive match"))
		return plan
	}
	if result.Match != nil && ictx.NotesFolder != "" && !withinFolder(result.Match.VaultPath, ictx.NotesFolder) {
		plan.Action = model.ActionAwaitStaleLocation
		plan.Match = result.Match
		plan.Context = ictx
		plan.Diagnostics = append(plan.Diagnostics, model.Warn("match found outside configured notes folder"))
		return plan
	}

	// Step 5: Final skip (self-healing on missing target).
	if result.Match != nil &&
		!ictx.ForceReimport && ictx.Prior.Found &&
		ictx.Prior.MtimeUnix == ictx.StatModTimeUnix && ictx.Prior.Size == ictx.StatSize &&
		ictx.NewestAnnotationTs <= ictx.Prior.NewestAnnotationTs {
		if _, err := os.Stat(result.Match.VaultPath); err == nil {
			plan.Action = model.ActionSkip
			plan.SkipReason = model.SkipUnchanged
			plan.Match = result.Match
			plan.Context = ictx
			plan.Diagnostics = append(plan.Diagnostics, model.Info("unchanged and target still present, skip"))
			return plan
		}
		plan.Diagnostics = append(plan.Diagnostics, model.Warn("target instance missing on disk, recreating: "+result.Match.VaultPath))
		plan.Action = model.ActionCreate
		plan.Context = ictx
		return plan
	}

	// Step 6.
	if result.Match != nil {
		plan.Action = model.ActionMerge
		plan.Match = result.Match
	} else {
		plan.Action = model.ActionCreate
	}
	plan.Context = ictx
	return plan
}

func maxDateTime(annotations []model.Annotation) string {
	var max string
	for _, a := range annotations {
		if a.DateTime > max {
			max = a.DateTime
		}
	}
	return max
}

func withinFolder(path, folder string) bool {
	if folder == "" {
		return true
	}
	if len(path) < len(folder) {
		return false
	}
	return path[:len(folder)] == folder
}
