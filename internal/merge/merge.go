// Package merge implements the 3-way (and 2-way fallback) note merge:
// a diff3 line-merge of the body plus a per-field frontmatter merge
// policy.
package merge

import (
	"fmt"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/kohl-import/kohl-import/internal/marshal"
)

// FieldPolicy is the per-frontmatter-field merge rule.
type FieldPolicy string

const (
	PolicyOverwrite         FieldPolicy = "overwrite"
	PolicyPreserveIfMissing FieldPolicy = "preserveIfMissing"
	PolicyPreserveAlways    FieldPolicy = "preserveAlways"
)

var overwriteFields = map[string]bool{
	"pages": true, "lastRead": true, "firstRead": true, "progress": true,
	"readingStatus": true, "averageTimePerPage": true, "totalReadTime": true,
	"highlightCount": true, "noteCount": true,
}

var preserveIfMissingFields = map[string]bool{
	"title": true, "authors": true, "description": true,
	"keywords": true, "series": true, "language": true,
}

// FieldPolicyFor returns the merge rule for field, honoring a vault's
// disabledFields/customFields overrides (both always resolve to
// preserveAlways, per spec: disabled fields are opted out, and
// externally-added custom fields are never known to be safe to
// overwrite).
func FieldPolicyFor(field string, disabled, custom []string) FieldPolicy {
	for _, d := range disabled {
		if d == field {
			return PolicyPreserveAlways
		}
	}
	for _, c := range custom {
		if c == field {
			return PolicyPreserveAlways
		}
	}
	if overwriteFields[field] {
		return PolicyOverwrite
	}
	if preserveIfMissingFields[field] {
		return PolicyPreserveIfMissing
	}
	return PolicyPreserveAlways
}

// Result is the outcome of a merge.
type Result struct {
	Content       []byte
	HasConflicts  bool
	ConflictCount int
}

// conflictHeader is prepended to the merged body when any conflict
// region is present.
const conflictHeader = "<!-- kohl: this note has unresolved merge conflicts, see callouts below -->\n\n"

// ThreeWay performs a 3-way merge of base/ours/theirs note content.
// disabledFields/customFields come from the vault's frontmatter field
// configuration; now is used for the lastMerged stamp.
func ThreeWay(base, ours, theirs []byte, disabledFields, customFields []string, now time.Time) (Result, error) {
	baseDoc, err := marshal.Parse(base)
	if err != nil {
		return Result{}, fmt.Errorf("parse base: %w", err)
	}
	oursDoc, err := marshal.Parse(ours)
	if err != nil {
		return Result{}, fmt.Errorf("parse ours: %w", err)
	}
	theirsDoc, err := marshal.Parse(theirs)
	if err != nil {
		return Result{}, fmt.Errorf("parse theirs: %w", err)
	}

	mergedBody, conflicts := diff3Lines(
		splitLines(baseDoc.Body), splitLines(oursDoc.Body), splitLines(theirsDoc.Body))

	merged := &marshal.Document{Frontmatter: oursDoc.Frontmatter, Body: strings.Join(mergedBody, "")}
	mergeFrontmatter(merged.Frontmatter, theirsDoc.Frontmatter, disabledFields, customFields)

	if conflicts > 0 {
		merged.Frontmatter["conflicts"] = "unresolved"
		merged.Body = conflictHeader + merged.Body
	}
	merged.Frontmatter["lastMerged"] = now.Format("2006-01-02")

	content, err := marshal.Render(merged)
	if err != nil {
		return Result{}, fmt.Errorf("render merged: %w", err)
	}
	return Result{Content: content, HasConflicts: conflicts > 0, ConflictCount: conflicts}, nil
}

// TwoWay is the 2-way fallback used when no snapshot is available and
// the user has explicitly consented: theirs' body replaces ours
// outright, and frontmatter is merged the same way as the 3-way path.
// No union of annotations is taken: an annotation present only in ours
// is dropped unless theirs' body already carries it.
func TwoWay(ours, theirs []byte, disabledFields, customFields []string, now time.Time) (Result, error) {
	oursDoc, err := marshal.Parse(ours)
	if err != nil {
		return Result{}, fmt.Errorf("parse ours: %w", err)
	}
	theirsDoc, err := marshal.Parse(theirs)
	if err != nil {
		return Result{}, fmt.Errorf("parse theirs: %w", err)
	}

	merged := &marshal.Document{Frontmatter: oursDoc.Frontmatter, Body: theirsDoc.Body}
	mergeFrontmatter(merged.Frontmatter, theirsDoc.Frontmatter, disabledFields, customFields)
	merged.Frontmatter["lastMerged"] = now.Format("2006-01-02")

	content, err := marshal.Render(merged)
	if err != nil {
		return Result{}, fmt.Errorf("render merged: %w", err)
	}
	return Result{Content: content}, nil
}

func mergeFrontmatter(ours, theirs map[string]any, disabledFields, customFields []string) {
	for field, incoming := range theirs {
		policy := FieldPolicyFor(field, disabledFields, customFields)
		switch policy {
		case PolicyOverwrite:
			if !isEmptyValue(incoming) {
				ours[field] = incoming
			}
		case PolicyPreserveIfMissing:
			if _, exists := ours[field]; !exists {
				ours[field] = incoming
			}
		case PolicyPreserveAlways:
			// never touch
		}
	}
}

func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case int:
		return val == 0
	case float64:
		return val == 0
	default:
		return false
	}
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// diff3Lines merges ours/theirs against base line-by-line, returning the
// merged lines and the number of conflict regions produced. It uses two
// pairwise line diffs (base-vs-ours, base-vs-theirs) from
// github.com/pmezard/go-difflib and reconciles them by base position:
// a region unchanged on one side takes the other side's content;
// regions changed on both sides become a demarcated conflict block.
func diff3Lines(base, ours, theirs []string) ([]string, int) {
	opsA := difflib.NewMatcher(base, ours).GetOpCodes()
	opsB := difflib.NewMatcher(base, theirs).GetOpCodes()

	var merged []string
	conflicts := 0
	pos := 0
	iA, iB := 0, 0
	lastAEmitted, lastBEmitted := -1, -1

	for pos < len(base) {
		opA := opsA[iA]
		opB := opsB[iB]
		end := opA.I2
		if opB.I2 < end {
			end = opB.I2
		}

		switch {
		case opA.Tag == 'e' && opB.Tag == 'e':
			merged = append(merged, base[pos:end]...)
		case opA.Tag == 'e':
			if iB != lastBEmitted {
				merged = append(merged, theirs[opB.J1:opB.J2]...)
				lastBEmitted = iB
			}
		case opB.Tag == 'e':
			if iA != lastAEmitted {
				merged = append(merged, ours[opA.J1:opA.J2]...)
				lastAEmitted = iA
			}
		default:
			var oursPart, theirsPart []string
			if iA != lastAEmitted {
				oursPart = ours[opA.J1:opA.J2]
				lastAEmitted = iA
			}
			if iB != lastBEmitted {
				theirsPart = theirs[opB.J1:opB.J2]
				lastBEmitted = iB
			}
			if len(oursPart) > 0 || len(theirsPart) > 0 {
				merged = append(merged, formatConflict(oursPart, theirsPart)...)
				conflicts++
			}
		}

		pos = end
		if pos == opA.I2 && iA < len(opsA)-1 {
			iA++
		}
		if pos == opB.I2 && iB < len(opsB)-1 {
			iB++
		}
		if pos >= len(base) {
			break
		}
	}

	// The loop above stops as soon as pos reaches len(base), so an
	// insert-only hunk appended past the end of base (the common case: one
	// side adds new highlights at the tail of the note) is never visited by
	// the switch. Check the opcode each index is still sitting on for such
	// a trailing insert before returning.
	var tailOurs, tailTheirs []string
	if opA := opsA[iA]; opA.Tag != 'e' && opA.I1 == opA.I2 && iA != lastAEmitted {
		tailOurs = ours[opA.J1:opA.J2]
	}
	if opB := opsB[iB]; opB.Tag != 'e' && opB.I1 == opB.I2 && iB != lastBEmitted {
		tailTheirs = theirs[opB.J1:opB.J2]
	}
	switch {
	case len(tailOurs) == 0 && len(tailTheirs) == 0:
	case len(tailOurs) == 0:
		merged = append(merged, tailTheirs...)
	case len(tailTheirs) == 0:
		merged = append(merged, tailOurs...)
	default:
		merged = append(merged, formatConflict(tailOurs, tailTheirs)...)
		conflicts++
	}

	return merged, conflicts
}

func formatConflict(ours, theirs []string) []string {
	var out []string
	out = append(out, "> [!conflict] kohl merge conflict\n")
	out = append(out, "> **existing note:**\n")
	out = append(out, quoteLines(ours)...)
	out = append(out, "> **incoming import:**\n")
	out = append(out, quoteLines(theirs)...)
	return out
}

func quoteLines(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimSuffix(l, "\n")
		out = append(out, "> "+l+"\n")
	}
	return out
}
