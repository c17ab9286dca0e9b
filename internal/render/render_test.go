package render

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kohl-import/kohl-import/internal/model"
)

func TestTextTemplateRendererRendersMarkerTextAndNote(t *testing.T) {
	r, err := NewTextTemplateRenderer()
	require.NoError(t, err)

	body, err := r.Render(Input{
		Metadata: model.BookMetadata{Title: "A Book", Authors: "An Author"},
		Annotations: []model.Annotation{
			{ID: "abc123", Page: 12, Text: "a striking line", Note: "worth remembering"},
		},
		CommentStyle: model.StyleHTML,
	})
	require.NoError(t, err)

	assert.Contains(t, body, "a striking line")
	assert.Contains(t, body, "worth remembering")
	assert.Contains(t, body, "KOHL")
}

func TestTextTemplateRendererNoAnnotationsProducesEmptyBody(t *testing.T) {
	r, err := NewTextTemplateRenderer()
	require.NoError(t, err)

	body, err := r.Render(Input{Metadata: model.BookMetadata{Title: "Empty"}})
	require.NoError(t, err)

	assert.Empty(t, strings.TrimSpace(body))
}
