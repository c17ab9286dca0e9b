// Package executor turns a Planner decision into an effect: writing,
// merging, or skipping a note, always through the Atomic FS layer so a
// failure never leaves a note in a partially rewritten state.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kohl-import/kohl-import/internal/duplicate"
	"github.com/kohl-import/kohl-import/internal/fsatomic"
	"github.com/kohl-import/kohl-import/internal/identity"
	"github.com/kohl-import/kohl-import/internal/localindex"
	"github.com/kohl-import/kohl-import/internal/marshal"
	"github.com/kohl-import/kohl-import/internal/merge"
	"github.com/kohl-import/kohl-import/internal/model"
	"github.com/kohl-import/kohl-import/internal/oracle"
	"github.com/kohl-import/kohl-import/internal/planner"
	"github.com/kohl-import/kohl-import/internal/render"
	"github.com/kohl-import/kohl-import/internal/snapshotstore"
)

// Status is the outcome recorded for a single executed plan.
type Status string

const (
	StatusSkipped    Status = "skipped"
	StatusCreated    Status = "created"
	StatusMerged     Status = "merged"
	StatusAutomerged Status = "automerged"
	StatusFailed     Status = "failed"
)

// Outcome is what the Executor reports for one plan.
type Outcome struct {
	Status      Status
	VaultPath   string
	Err         error
	Diagnostics []model.Diagnostic
}

// Options configures a single Executor.
type Options struct {
	NotesFolder      string
	BackupDir        string
	Fs               *fsatomic.FS
	Identity         *identity.Service
	Snapshots        *snapshotstore.Store
	Index            *localindex.Index
	Renderer         render.Renderer
	Oracle           oracle.Oracle
	CommentStyle     model.MarkerStyle
	DisabledFields   []string
	CustomFields     []string
	AutoMergeEnabled bool
}

// Executor realizes ImportPlans.
type Executor struct {
	opts Options
}

// New builds an Executor.
func New(opts Options) *Executor {
	return &Executor{opts: opts}
}

// Execute realizes a single plan, per the SKIP/CREATE/MERGE contracts.
func (e *Executor) Execute(ctx context.Context, plan planner.ImportPlan) Outcome {
	switch plan.Action {
	case model.ActionSkip:
		return e.executeSkip(ctx, plan)
	case model.ActionCreate:
		return e.executeCreate(ctx, plan)
	case model.ActionMerge:
		return e.executeMerge(ctx, plan, plan.Match)
	default:
		return Outcome{Status: StatusFailed, Err: fmt.Errorf("executor cannot act on plan action %q directly; resolve it via the oracle first", plan.Action)}
	}
}

// ExecuteMergeWithChoice realizes an AWAIT_USER_CHOICE plan once the
// oracle has picked (or declined) a target.
func (e *Executor) ExecuteMergeWithChoice(ctx context.Context, plan planner.ImportPlan, chosen *duplicate.Candidate) Outcome {
	if chosen == nil {
		return e.executeCreate(ctx, plan)
	}
	return e.executeMerge(ctx, plan, chosen)
}

// ExecuteSkipWithReason records plan as skipped, folding reason into
// its diagnostics so callers resolving an AWAIT_USER_CHOICE plan as a
// skip (e.g. a duplicate scan that timed out) surface why.
func (e *Executor) ExecuteSkipWithReason(ctx context.Context, plan planner.ImportPlan, reason model.Diagnostic) Outcome {
	plan.Diagnostics = append(append([]model.Diagnostic{}, plan.Diagnostics...), reason)
	return e.executeSkip(ctx, plan)
}

func (e *Executor) executeSkip(ctx context.Context, plan planner.ImportPlan) Outcome {
	ictx := plan.Context
	if e.opts.Index != nil {
		_ = e.opts.Index.RecordImportSuccess(ctx, localindex.RecordSuccessParams{
			SourcePath:         ictx.SourcePath,
			MtimeUnix:          ictx.StatModTimeUnix,
			Size:               ictx.StatSize,
			NewestAnnotationTs: ictx.NewestAnnotationTs,
			BookKey:            bookKeyOf(plan),
		})
	}
	return Outcome{Status: StatusSkipped, Diagnostics: plan.Diagnostics}
}

func (e *Executor) executeCreate(ctx context.Context, plan planner.ImportPlan) Outcome {
	ictx := plan.Context
	meta := ictx.Parsed.Metadata

	body, err := e.opts.Renderer.Render(render.Input{
		Metadata:     meta,
		Annotations:  ictx.Parsed.Annotations,
		CommentStyle: e.opts.CommentStyle,
	})
	if err != nil {
		return Outcome{Status: StatusFailed, Err: fmt.Errorf("render new note: %w", err)}
	}

	doc := &marshal.Document{
		Frontmatter: frontmatterFor(meta),
		Body:        body,
	}
	content, err := marshal.Render(doc)
	if err != nil {
		return Outcome{Status: StatusFailed, Err: fmt.Errorf("assemble new note: %w", err)}
	}

	stem := model.NormalizeKeyPart(meta.Title)
	if stem == "" {
		stem = "untitled"
	}
	result, err := e.opts.Fs.CreateUnique(ctx, e.opts.NotesFolder, stem, ".md", content, func(p string) bool {
		_, statErr := os.Stat(p)
		return statErr == nil
	})
	if err != nil {
		return Outcome{Status: StatusFailed, Err: fmt.Errorf("create note: %w", err)}
	}

	uid, err := e.opts.Identity.EnsureId(ctx, result.Path)
	if err != nil {
		return Outcome{Status: StatusFailed, VaultPath: result.Path, Err: fmt.Errorf("assign id: %w", err)}
	}

	final, err := os.ReadFile(result.Path)
	if err == nil {
		_ = e.opts.Snapshots.CreateSnapshotFromContent(ctx, uid, final)
	}

	if e.opts.Index != nil {
		_ = e.opts.Index.RecordImportSuccess(ctx, localindex.RecordSuccessParams{
			SourcePath:         ictx.SourcePath,
			MtimeUnix:          ictx.StatModTimeUnix,
			Size:               ictx.StatSize,
			NewestAnnotationTs: ictx.NewestAnnotationTs,
			BookKey:            meta.BookKey(),
			MD5:                meta.MD5,
		})
		_ = e.opts.Index.UpsertBook(ctx, uid, meta.BookKey(), meta.Title, meta.Authors, result.Path)
	}

	return Outcome{Status: StatusCreated, VaultPath: result.Path, Diagnostics: plan.Diagnostics}
}

func (e *Executor) executeMerge(ctx context.Context, plan planner.ImportPlan, match *duplicate.Candidate) Outcome {
	if match == nil {
		return Outcome{Status: StatusFailed, Err: fmt.Errorf("merge requested with no match")}
	}
	ictx := plan.Context
	meta := ictx.Parsed.Metadata

	ours, err := os.ReadFile(match.VaultPath)
	if err != nil {
		return Outcome{Status: StatusFailed, VaultPath: match.VaultPath, Err: fmt.Errorf("read existing note: %w", err)}
	}
	oursDoc, err := marshal.Parse(ours)
	if err != nil {
		return Outcome{Status: StatusFailed, VaultPath: match.VaultPath, Err: fmt.Errorf("parse existing note: %w", err)}
	}
	uid, _ := oursDoc.Frontmatter["kohl-uid"].(string)

	theirsBody, err := e.opts.Renderer.Render(render.Input{
		Metadata:     meta,
		Annotations:  ictx.Parsed.Annotations,
		CommentStyle: e.opts.CommentStyle,
	})
	if err != nil {
		return Outcome{Status: StatusFailed, VaultPath: match.VaultPath, Err: fmt.Errorf("render merge content: %w", err)}
	}
	theirs, err := marshal.Render(&marshal.Document{Frontmatter: frontmatterFor(meta), Body: theirsBody})
	if err != nil {
		return Outcome{Status: StatusFailed, VaultPath: match.VaultPath, Err: fmt.Errorf("assemble merge content: %w", err)}
	}

	now := time.Now()
	automerged := e.opts.AutoMergeEnabled && match.MatchType == model.MatchUpdated && match.ModifiedHighlights == 0 && match.CanMergeSafely

	var result merge.Result
	var base []byte
	haveBase := false
	if uid != "" {
		if b, serr := e.opts.Snapshots.ReadForId(ctx, uid); serr == nil {
			base, haveBase = b, true
		}
	}

	if haveBase {
		result, err = merge.ThreeWay(base, ours, theirs, e.opts.DisabledFields, e.opts.CustomFields, now)
	} else {
		consented := false
		if e.opts.Oracle != nil {
			consented, err = e.opts.Oracle.ConfirmTwoWayMerge(ctx, match.VaultPath)
			if err != nil {
				return Outcome{Status: StatusFailed, VaultPath: match.VaultPath, Err: fmt.Errorf("confirm 2-way merge: %w", err)}
			}
		}
		if !consented {
			return Outcome{Status: StatusFailed, VaultPath: match.VaultPath, Err: fmt.Errorf("no snapshot for %s and 2-way merge not consented", uid)}
		}
		result, err = merge.TwoWay(ours, theirs, e.opts.DisabledFields, e.opts.CustomFields, now)
	}
	if err != nil {
		return Outcome{Status: StatusFailed, VaultPath: match.VaultPath, Err: fmt.Errorf("merge: %w", err)}
	}

	if err := e.backup(ctx, match.VaultPath, ours); err != nil {
		return Outcome{Status: StatusFailed, VaultPath: match.VaultPath, Err: fmt.Errorf("backup before merge: %w", err)}
	}

	if err := e.opts.Fs.WriteAtomic(ctx, match.VaultPath, result.Content); err != nil {
		return Outcome{Status: StatusFailed, VaultPath: match.VaultPath, Err: fmt.Errorf("write merged note: %w", err)}
	}

	if uid == "" {
		if newUid, idErr := e.opts.Identity.EnsureId(ctx, match.VaultPath); idErr == nil {
			uid = newUid
		}
	}
	if uid != "" {
		if merged, rerr := os.ReadFile(match.VaultPath); rerr == nil {
			_ = e.opts.Snapshots.CreateSnapshotFromContent(ctx, uid, merged)
		}
	}

	if e.opts.Index != nil {
		_ = e.opts.Index.RecordImportSuccess(ctx, localindex.RecordSuccessParams{
			SourcePath:         ictx.SourcePath,
			MtimeUnix:          ictx.StatModTimeUnix,
			Size:               ictx.StatSize,
			NewestAnnotationTs: ictx.NewestAnnotationTs,
			BookKey:            meta.BookKey(),
			MD5:                meta.MD5,
		})
		_ = e.opts.Index.UpsertBook(ctx, uid, meta.BookKey(), meta.Title, meta.Authors, match.VaultPath)
	}

	status := StatusMerged
	if automerged {
		status = StatusAutomerged
	}
	diags := append([]model.Diagnostic{}, plan.Diagnostics...)
	if result.HasConflicts {
		diags = append(diags, model.Warn(fmt.Sprintf("merge produced %d unresolved conflict region(s)", result.ConflictCount)))
	}
	return Outcome{Status: status, VaultPath: match.VaultPath, Diagnostics: diags}
}

func (e *Executor) backup(ctx context.Context, path string, content []byte) error {
	if e.opts.BackupDir == "" {
		return nil
	}
	if err := e.opts.Fs.EnsureFolder(e.opts.BackupDir); err != nil {
		return err
	}
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	stem := base[:len(base)-len(ext)]
	stem = fmt.Sprintf("%s-%s-%s", stem, shortContentHash(content), time.Now().UTC().Format("20060102T150405Z"))
	_, err := e.opts.Fs.CreateUnique(ctx, e.opts.BackupDir, stem, ext, content, func(p string) bool {
		_, statErr := os.Stat(p)
		return statErr == nil
	})
	return err
}

// shortContentHash returns a short, stable hex digest of content, used
// to disambiguate backup filenames for the same note taken within the
// same second.
func shortContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])[:8]
}

func frontmatterFor(meta model.BookMetadata) map[string]any {
	fm := map[string]any{
		"title":   meta.Title,
		"authors": meta.Authors,
	}
	if meta.Statistics != nil {
		fm["pages"] = meta.Statistics.Pages
		fm["lastRead"] = meta.Statistics.LastRead
		fm["firstRead"] = meta.Statistics.FirstRead
		fm["progress"] = meta.Statistics.Progress
		fm["readingStatus"] = meta.Statistics.ReadingStatus
		fm["averageTimePerPage"] = meta.Statistics.AverageTimePerPage
	}
	return fm
}

// bookKeyOf returns the book key for a plan's parsed metadata, or ""
// when a fast skip meant the source was never parsed.
func bookKeyOf(plan planner.ImportPlan) string {
	meta := plan.Context.Parsed.Metadata
	if meta.Title == "" && meta.Authors == "" {
		return ""
	}
	return meta.BookKey()
}
