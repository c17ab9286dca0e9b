// Package highlight extracts machine-readable annotation markers
// embedded in a note body, and converts markers from one delimiter
// style to the other.
package highlight

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kohl-import/kohl-import/internal/model"
)

var (
	htmlMarker = regexp.MustCompile(`<!--\s*KOHL\s+(\{.*?\})\s*-->`)
	mdMarker   = regexp.MustCompile(`%%\s*KOHL\s+(\{.*?\})\s*%%`)
)

// markerPayload is the wire shape of a marker's JSON payload.
type markerPayload struct {
	V      int    `json:"v"`
	ID     string `json:"id"`
	Page   int    `json:"p"`
	Pos0   string `json:"pos0"`
	Pos1   string `json:"pos1"`
	T      string `json:"t"`
	Color  string `json:"c,omitempty"`
	Drawer string `json:"d,omitempty"`
}

// Result is the outcome of extracting annotations from a note body.
type Result struct {
	Annotations    []model.Annotation
	UsedStyle      model.MarkerStyle
	HasMixedStyles bool
	SkippedCount   int
}

// smallContentThreshold is the length below which content is used
// directly as a cache key instead of being hashed first.
const smallContentThreshold = 4096

// Extractor scans note bodies for embedded annotation markers, caching
// results so a note re-scanned across multiple pipeline stages (e.g.
// duplicate analysis, then merge) only pays the regex cost once.
type Extractor struct {
	mu    sync.Mutex
	small map[string]Result
	large *lru.Cache[string, Result]
}

// NewExtractor creates an Extractor with a bounded cache for
// content-hash-keyed large bodies.
func NewExtractor(largeCacheSize int) *Extractor {
	cache, _ := lru.New[string, Result](largeCacheSize)
	return &Extractor{
		small: make(map[string]Result),
		large: cache,
	}
}

// Extract scans body for annotation markers, using the cache keyed
// directly by body for small content and by content hash for large
// content.
func (e *Extractor) Extract(body string) Result {
	if len(body) < smallContentThreshold {
		e.mu.Lock()
		if cached, ok := e.small[body]; ok {
			e.mu.Unlock()
			return cached
		}
		e.mu.Unlock()

		result := extract(body)
		e.mu.Lock()
		e.small[body] = result
		e.mu.Unlock()
		return result
	}

	key := contentHash(body)
	if cached, ok := e.large.Get(key); ok {
		return cached
	}
	result := extract(body)
	e.large.Add(key, result)
	return result
}

func contentHash(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

func extract(body string) Result {
	htmlMatches := htmlMarker.FindAllStringSubmatchIndex(body, -1)
	mdMatches := mdMarker.FindAllStringSubmatchIndex(body, -1)

	hasMixed := len(htmlMatches) > 0 && len(mdMatches) > 0

	var style model.MarkerStyle
	var matches [][]int
	var re *regexp.Regexp
	switch {
	case len(htmlMatches) > 0:
		style, matches, re = model.StyleHTML, htmlMatches, htmlMarker
	case len(mdMatches) > 0:
		style, matches, re = model.StyleMD, mdMatches, mdMarker
	default:
		return Result{UsedStyle: model.StyleNone}
	}

	annotations, skipped := parseMatches(body, matches, re)
	return Result{
		Annotations:    annotations,
		UsedStyle:      style,
		HasMixedStyles: hasMixed,
		SkippedCount:   skipped,
	}
}

func parseMatches(body string, matches [][]int, re *regexp.Regexp) ([]model.Annotation, int) {
	var annotations []model.Annotation
	skipped := 0

	for i, m := range matches {
		payloadJSON := body[m[2]:m[3]]
		var payload markerPayload
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			skipped++
			continue
		}

		textStart := m[1]
		textEnd := len(body)
		if i+1 < len(matches) {
			textEnd = matches[i+1][0]
		}
		visible := body[textStart:textEnd]
		text, note := splitVisibleText(visible)

		annotations = append(annotations, model.Annotation{
			ID:       payload.ID,
			Page:     payload.Page,
			Pos0:     payload.Pos0,
			Pos1:     payload.Pos1,
			DateTime: payload.T,
			Text:     text,
			Note:     note,
			Color:    payload.Color,
			Drawer:   payload.Drawer,
		})
	}
	return annotations, skipped
}

// splitVisibleText separates a highlight's visible text from its user
// note: lines starting with '>' from the first such line onward are the
// note portion.
func splitVisibleText(visible string) (text, note string) {
	lines := strings.Split(visible, "\n")
	noteStart := -1
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), ">") {
			noteStart = i
			break
		}
	}
	if noteStart == -1 {
		return strings.TrimSpace(visible), ""
	}

	textLines := lines[:noteStart]
	noteLines := lines[noteStart:]
	for i, line := range noteLines {
		noteLines[i] = strings.TrimPrefix(strings.TrimSpace(line), ">")
		noteLines[i] = strings.TrimSpace(noteLines[i])
	}
	return strings.TrimSpace(strings.Join(textLines, "\n")), strings.TrimSpace(strings.Join(noteLines, "\n"))
}

// FingerprintID computes the stable annotation fingerprint over
// (page, pos0, pos1, normalized text) used to identify an annotation
// across re-imports.
func FingerprintID(page int, pos0, pos1, text string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%s|%s", page, pos0, pos1, normalized)))
	return hex.EncodeToString(sum[:16])
}

// RenderMarker serializes an annotation back into a marker of the given
// style.
func RenderMarker(a model.Annotation, style model.MarkerStyle) (string, error) {
	payload := markerPayload{
		V: 1, ID: a.ID, Page: a.Page, Pos0: a.Pos0, Pos1: a.Pos1,
		T: a.DateTime, Color: a.Color, Drawer: a.Drawer,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal marker payload: %w", err)
	}
	switch style {
	case model.StyleHTML:
		return fmt.Sprintf("<!-- KOHL %s -->", data), nil
	case model.StyleMD:
		return fmt.Sprintf("%%%% KOHL %s %%%%", data), nil
	default:
		return "", fmt.Errorf("unsupported marker style %q", style)
	}
}

// ConvertStyle rewrites every marker in body from its current style to
// target, preserving the JSON payload of each. If target is
// model.StyleNone, markers are removed entirely (their visible text and
// notes are left in place).
func ConvertStyle(body string, target model.MarkerStyle) (string, error) {
	result := extract(body)
	if len(result.Annotations) == 0 {
		return body, nil
	}

	re := htmlMarker
	if result.UsedStyle == model.StyleMD {
		re = mdMarker
	}

	idx := 0
	converted := re.ReplaceAllStringFunc(body, func(match string) string {
		if idx >= len(result.Annotations) {
			return match
		}
		a := result.Annotations[idx]
		idx++
		if target == model.StyleNone {
			return ""
		}
		rendered, err := RenderMarker(a, target)
		if err != nil {
			return match
		}
		return rendered
	})
	return converted, nil
}

// DiffMatchType classifies how newCount/modifiedCount relate, per the
// exact/updated/divergent rule.
func DiffMatchType(newCount, modifiedCount int) model.MatchType {
	switch {
	case newCount == 0 && modifiedCount == 0:
		return model.MatchExact
	case modifiedCount == 0:
		return model.MatchUpdated
	default:
		return model.MatchDivergent
	}
}
