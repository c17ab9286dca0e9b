// Package sourcefeed defines the contract the pipeline consumes from
// whatever external reader parses an on-device source file into book
// metadata and annotations. The pipeline depends only on this shape,
// never on a concrete wire format.
package sourcefeed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kohl-import/kohl-import/internal/model"
)

// Parsed is the shape every external parser must return.
type Parsed struct {
	Metadata    model.BookMetadata
	Annotations []model.Annotation
}

// Parser parses raw source content into Parsed.
type Parser interface {
	Parse(ctx context.Context, sourcePath string, content []byte) (Parsed, error)
}

// jsonSource is the reference wire shape accepted by JSONParser: a
// minimal, self-describing adapter used where no concrete reader
// format has been wired in yet.
type jsonSource struct {
	Title      string           `json:"title"`
	Authors    string           `json:"authors"`
	MD5        string           `json:"md5"`
	Statistics *jsonStatistics  `json:"statistics"`
	Highlights []jsonAnnotation `json:"highlights"`
}

type jsonStatistics struct {
	Pages              int     `json:"pages"`
	LastRead           string  `json:"last_read"`
	FirstRead          string  `json:"first_read"`
	Progress           float64 `json:"progress"`
	ReadingStatus      string  `json:"reading_status"`
	AverageTimePerPage float64 `json:"average_time_per_page"`
}

type jsonAnnotation struct {
	Page     int    `json:"page"`
	Pos0     string `json:"pos0"`
	Pos1     string `json:"pos1"`
	DateTime string `json:"datetime"`
	Text     string `json:"text"`
	Note     string `json:"note"`
	Chapter  string `json:"chapter"`
	Color    string `json:"color"`
	Drawer   string `json:"drawer"`
}

// JSONParser is a minimal reference Parser for a JSON-encoded source
// dump, used by default until a reader for a real on-device format is
// wired in.
type JSONParser struct{}

// Parse implements Parser.
func (JSONParser) Parse(_ context.Context, sourcePath string, content []byte) (Parsed, error) {
	var src jsonSource
	if err := json.Unmarshal(content, &src); err != nil {
		return Parsed{}, fmt.Errorf("parse %s: %w", sourcePath, err)
	}

	meta := model.BookMetadata{Title: src.Title, Authors: src.Authors, MD5: src.MD5}
	if src.Statistics != nil {
		meta.Statistics = &model.ReadingStatistics{
			Pages:              src.Statistics.Pages,
			LastRead:           src.Statistics.LastRead,
			FirstRead:          src.Statistics.FirstRead,
			Progress:           src.Statistics.Progress,
			ReadingStatus:      src.Statistics.ReadingStatus,
			AverageTimePerPage: src.Statistics.AverageTimePerPage,
		}
	}

	annotations := make([]model.Annotation, 0, len(src.Highlights))
	for _, h := range src.Highlights {
		annotations = append(annotations, model.Annotation{
			Page: h.Page, Pos0: h.Pos0, Pos1: h.Pos1, DateTime: h.DateTime,
			Text: h.Text, Note: h.Note, Chapter: h.Chapter, Color: h.Color, Drawer: h.Drawer,
		})
	}

	return Parsed{Metadata: meta, Annotations: annotations}, nil
}
