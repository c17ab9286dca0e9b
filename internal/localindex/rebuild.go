package localindex

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kohl-import/kohl-import/internal/marshal"
	"github.com/kohl-import/kohl-import/internal/model"
)

// RebuildProgress reports incremental rebuild status.
type RebuildProgress struct {
	ScannedFiles int
	IndexedBooks int
	Done         bool
}

// Rebuild scans notesFolder and repopulates book/book_instances from
// each note's frontmatter, for use when the index opened in_memory and
// had no persisted state to start from. Rebuild is cancellable; on
// cancellation it stops and returns ctx.Err() after reporting whatever
// progress was made.
func (idx *Index) Rebuild(ctx context.Context, notesFolder string, progress func(RebuildProgress)) error {
	idx.mu.Lock()
	idx.rebuilding = true
	idx.mu.Unlock()
	defer func() {
		idx.mu.Lock()
		idx.rebuilding = false
		idx.mu.Unlock()
	}()

	var p RebuildProgress
	err := filepath.WalkDir(notesFolder, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || filepath.Ext(path) != ".md" {
			return nil
		}
		p.ScannedFiles++
		if p.ScannedFiles%500 == 0 && progress != nil {
			progress(p)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		doc, err := marshal.Parse(data)
		if err != nil {
			return nil
		}

		title, _ := doc.Frontmatter["title"].(string)
		authors, _ := doc.Frontmatter["authors"].(string)
		uid, _ := doc.Frontmatter["kohl-uid"].(string)
		if title == "" && authors == "" {
			return nil
		}

		bk := model.BookMetadata{Title: title, Authors: authors}.BookKey()
		if err := idx.UpsertBook(ctx, uid, bk, title, authors, path); err != nil {
			return nil
		}
		p.IndexedBooks++
		return nil
	})
	if progress != nil {
		p.Done = err == nil
		progress(p)
	}
	if err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}
	return nil
}

// Rebuilding reports whether an async rebuild is currently in flight;
// the Duplicate Finder's index path is skipped while this is true.
func (idx *Index) Rebuilding() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.rebuilding
}
