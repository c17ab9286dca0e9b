// Package render defines the contract for turning parsed book metadata
// and annotations into a new note's body text, and a minimal default
// implementation built on text/template.
package render

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/kohl-import/kohl-import/internal/highlight"
	"github.com/kohl-import/kohl-import/internal/model"
)

// Input is what a Renderer needs to produce a note body.
type Input struct {
	Metadata     model.BookMetadata
	Annotations  []model.Annotation
	CommentStyle model.MarkerStyle
	MaxGap       int // maxHighlightGap; forwarded, not interpreted here
}

// Renderer produces a note body (without frontmatter) from Input.
type Renderer interface {
	Render(Input) (string, error)
}

const defaultBodyTemplate = `{{range .Annotations}}{{.Marker}}
{{.Text}}
{{if .Note}}> {{.Note}}
{{end}}
{{end}}`

type templateVars struct {
	Metadata    model.BookMetadata
	Annotations []annotationVar
}

type annotationVar struct {
	Marker string
	Text   string
	Note   string
}

// TextTemplateRenderer is the minimal default Renderer: one marker
// line, the highlight text, and an optional blockquoted note, per
// annotation, via a fixed text/template.
type TextTemplateRenderer struct {
	tmpl *template.Template
}

// NewTextTemplateRenderer compiles the default body template.
func NewTextTemplateRenderer() (*TextTemplateRenderer, error) {
	t, err := template.New("body").Parse(defaultBodyTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse default body template: %w", err)
	}
	return &TextTemplateRenderer{tmpl: t}, nil
}

// Render implements Renderer.
func (r *TextTemplateRenderer) Render(in Input) (string, error) {
	annotations := sortedByPage(in.Annotations)

	vars := templateVars{Metadata: in.Metadata}
	for _, a := range annotations {
		marker := ""
		if in.CommentStyle != model.StyleNone {
			m, err := highlight.RenderMarker(a, in.CommentStyle)
			if err != nil {
				return "", fmt.Errorf("render marker for annotation %s: %w", a.ID, err)
			}
			marker = m
		}
		vars.Annotations = append(vars.Annotations, annotationVar{Marker: marker, Text: a.Text, Note: a.Note})
	}

	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("execute body template: %w", err)
	}
	return strings.TrimRight(buf.String(), "\n") + "\n", nil
}

// sortedByPage stable-sorts annotations by page, so a rendered body
// always presents highlight blocks in page order regardless of the
// order they arrived from the source feed or a merge.
func sortedByPage(annotations []model.Annotation) []model.Annotation {
	sorted := make([]model.Annotation, len(annotations))
	copy(sorted, annotations)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Page < sorted[j].Page
	})
	return sorted
}
