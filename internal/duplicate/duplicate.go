// Package duplicate finds the best existing vault note matching
// incoming book metadata, via a direct filename probe, the Local
// Index, or a time-bounded degraded scan of the notes folder.
package duplicate

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kohl-import/kohl-import/internal/cache"
	"github.com/kohl-import/kohl-import/internal/highlight"
	"github.com/kohl-import/kohl-import/internal/marshal"
	"github.com/kohl-import/kohl-import/internal/model"
)

// indexLookupTTL bounds how long a book-key's Local Index lookup is
// reused across a batch before being re-queried, so a long pipeline run
// doesn't hammer the index with identical lookups for a book present in
// many source files while still picking up index writes reasonably
// promptly.
const indexLookupTTL = 10 * time.Second

// Candidate is an existing note analyzed against incoming annotations.
type Candidate struct {
	VaultPath          string
	UID                string
	MatchType          model.MatchType
	NewHighlights      int
	ModifiedHighlights int
	CanMergeSafely     bool
}

// Result is the outcome of a duplicate search. On the index and
// degraded-scan paths Candidates carries every analyzed candidate sorted
// by closeness (best first), even when there is only one, and Match is
// its first element; the direct-probe path sets Match only.
type Result struct {
	Match      *Candidate
	Candidates []Candidate
	Confidence model.ScanConfidence
}

// Index is the subset of the Local Index the finder queries.
type Index interface {
	FindExistingBookFiles(ctx context.Context, bookKey string) ([]string, error)
	Rebuilding() bool
}

// SnapshotExists reports whether a snapshot is available for a UID,
// used to compute Candidate.CanMergeSafely.
type SnapshotExists func(ctx context.Context, uid string) bool

// Finder locates the best existing note for incoming metadata.
type Finder struct {
	notesFolder string
	index       Index
	extractor   *highlight.Extractor
	snapshotOK  SnapshotExists
	scanTimeout time.Duration
	group       singleflight.Group
	indexLookup *cache.Cache[[]string]
}

// NewFinder creates a Finder. scanTimeout bounds the degraded scan
// path; notesFolder is the configured vault folder used both for
// scanning and for the "inside configured folder" tie-break.
func NewFinder(notesFolder string, index Index, extractor *highlight.Extractor, snapshotOK SnapshotExists, scanTimeout time.Duration) *Finder {
	return &Finder{
		notesFolder: notesFolder,
		index:       index,
		extractor:   extractor,
		snapshotOK:  snapshotOK,
		scanTimeout: scanTimeout,
		indexLookup: cache.New[[]string](indexLookupTTL, 0),
	}
}

// Find runs the direct-probe / index / degraded-scan search order for
// bookKey, diffing candidate annotations against incoming.
func (f *Finder) Find(ctx context.Context, bookKey string, directProbePath string, incoming []model.Annotation) (Result, error) {
	if directProbePath != "" {
		if _, err := os.Stat(directProbePath); err == nil {
			cand, err := f.analyze(ctx, directProbePath, incoming)
			if err == nil {
				return Result{Match: cand, Confidence: model.ConfidenceFull}, nil
			}
		}
	}

	if f.index != nil && !f.index.Rebuilding() {
		paths, err := f.lookupIndex(ctx, bookKey)
		if err == nil && len(paths) > 0 {
			sorted := f.bestOf(ctx, paths, incoming)
			if len(sorted) > 0 {
				best := sorted[0]
				return Result{Match: &best, Candidates: sorted, Confidence: model.ConfidenceFull}, nil
			}
		}
	}

	return f.degradedScan(ctx, bookKey, incoming)
}

// lookupIndex queries the Local Index for bookKey's existing instances,
// short-TTL-cached so a batch re-importing many sources of the same
// book doesn't re-query the index for every one.
func (f *Finder) lookupIndex(ctx context.Context, bookKey string) ([]string, error) {
	if paths, ok := f.indexLookup.Get(bookKey); ok {
		return paths, nil
	}
	paths, err := f.index.FindExistingBookFiles(ctx, bookKey)
	if err != nil {
		return nil, err
	}
	f.indexLookup.Set(bookKey, paths)
	return paths, nil
}

// bestOf analyzes every path and returns them sorted by closeness, best
// first.
func (f *Finder) bestOf(ctx context.Context, paths []string, incoming []model.Annotation) []Candidate {
	var candidates []Candidate
	for _, p := range paths {
		if cand, err := f.analyze(ctx, p, incoming); err == nil {
			candidates = append(candidates, *cand)
		}
	}
	return f.sortedByCloseness(candidates)
}

// degradedScan coalesces concurrent scans of the same book key via
// singleflight, and bounds itself to scanTimeout.
func (f *Finder) degradedScan(ctx context.Context, bookKey string, incoming []model.Annotation) (Result, error) {
	scanCtx, cancel := context.WithTimeout(ctx, f.scanTimeout)
	defer cancel()

	keys := filenameKeysFor(bookKey)

	raw, err, _ := f.group.Do(bookKey, func() (interface{}, error) {
		entries, err := os.ReadDir(f.notesFolder)
		if err != nil {
			return nil, err
		}

		var candidates []Candidate
		partial := false
		for _, entry := range entries {
			if scanCtx.Err() != nil {
				partial = true
				break
			}
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".md" {
				continue
			}
			path := filepath.Join(f.notesFolder, entry.Name())

			stem := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
			heuristicHit := keys[model.NormalizeKeyPart(stem)]
			if !heuristicHit {
				heuristicHit = frontmatterMatches(path, bookKey)
			}
			if !heuristicHit {
				continue
			}

			cand, err := f.analyzeCtx(scanCtx, path, incoming)
			if err == nil {
				candidates = append(candidates, *cand)
			}
		}
		return scanOutcome{candidates: candidates, partial: partial}, nil
	})
	if err != nil {
		return Result{Confidence: model.ConfidencePartial}, err
	}

	outcome := raw.(scanOutcome)
	confidence := model.ConfidenceFull
	if outcome.partial {
		confidence = model.ConfidencePartial
	}
	sorted := f.sortedByCloseness(outcome.candidates)
	var match *Candidate
	if len(sorted) > 0 {
		m := sorted[0]
		match = &m
	}
	return Result{Match: match, Candidates: sorted, Confidence: confidence}, nil
}

type scanOutcome struct {
	candidates []Candidate
	partial    bool
}

func filenameKeysFor(bookKey string) map[string]bool {
	parts := strings.SplitN(bookKey, "::", 2)
	keys := make(map[string]bool)
	if len(parts) == 2 {
		keys[model.NormalizeKeyPart(parts[1])] = true
		keys[model.NormalizeKeyPart(parts[0]+" "+parts[1])] = true
	}
	return keys
}

func frontmatterMatches(path, bookKey string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	doc, err := marshal.Parse(data)
	if err != nil {
		return false
	}
	title, _ := doc.Frontmatter["title"].(string)
	authors, _ := doc.Frontmatter["authors"].(string)
	return model.BookMetadata{Title: title, Authors: authors}.BookKey() == bookKey
}

func (f *Finder) analyze(ctx context.Context, path string, incoming []model.Annotation) (*Candidate, error) {
	return f.analyzeCtx(ctx, path, incoming)
}

func (f *Finder) analyzeCtx(ctx context.Context, path string, incoming []model.Annotation) (*Candidate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := marshal.Parse(data)
	if err != nil {
		return nil, err
	}
	existing := f.extractor.Extract(doc.Body)

	existingByID := make(map[string]model.Annotation, len(existing.Annotations))
	for _, a := range existing.Annotations {
		existingByID[a.ID] = a
	}

	newCount, modifiedCount := 0, 0
	for _, in := range incoming {
		prior, ok := existingByID[in.ID]
		if !ok {
			newCount++
			continue
		}
		if prior.Text != in.Text || prior.Note != in.Note {
			modifiedCount++
		}
	}

	uid, _ := doc.Frontmatter["kohl-uid"].(string)
	canMerge := uid != "" && f.snapshotOK != nil && f.snapshotOK(ctx, uid)

	return &Candidate{
		VaultPath:          path,
		UID:                uid,
		MatchType:          highlight.DiffMatchType(newCount, modifiedCount),
		NewHighlights:      newCount,
		ModifiedHighlights: modifiedCount,
		CanMergeSafely:     canMerge,
	}, nil
}

// sortedByCloseness sorts candidates by fewest changes first, breaking
// ties by whether the candidate lives inside the configured notes
// folder, closest first.
func (f *Finder) sortedByCloseness(candidates []Candidate) []Candidate {
	sort.SliceStable(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		changesI := ci.NewHighlights + ci.ModifiedHighlights
		changesJ := cj.NewHighlights + cj.ModifiedHighlights
		if changesI != changesJ {
			return changesI < changesJ
		}
		insideI := strings.HasPrefix(ci.VaultPath, f.notesFolder)
		insideJ := strings.HasPrefix(cj.VaultPath, f.notesFolder)
		return insideI && !insideJ
	})
	return candidates
}
