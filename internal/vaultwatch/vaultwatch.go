// Package vaultwatch keeps the Local Index in sync with vault events —
// renames, deletes, and frontmatter changes — outside of an explicit
// import run, by watching the notes folder with fsnotify.
package vaultwatch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kohl-import/kohl-import/internal/localindex"
	"github.com/kohl-import/kohl-import/internal/logging"
	"github.com/kohl-import/kohl-import/internal/marshal"
	"github.com/kohl-import/kohl-import/internal/model"
)

// debounce coalesces bursts of events (editors often write-then-rename)
// into a single index update per path.
const debounce = 300 * time.Millisecond

// Watcher watches a notes folder and keeps the Local Index's
// book_instances rows in sync with renames, deletes, and frontmatter
// edits, without requiring a full import run.
type Watcher struct {
	notesFolder string
	index       *localindex.Index

	fsw    *fsnotify.Watcher
	stopCh chan struct{}
	doneCh chan struct{}
	mu     sync.RWMutex
	running bool

	pending   map[string]*time.Timer
	pendingMu sync.Mutex
}

// New builds a Watcher over notesFolder, backed by index.
func New(notesFolder string, index *localindex.Index) *Watcher {
	return &Watcher{
		notesFolder: notesFolder,
		index:       index,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		pending:     make(map[string]*time.Timer),
	}
}

// Start begins watching in the background. It is a no-op if already
// running.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	if err := fsw.Add(w.notesFolder); err != nil {
		fsw.Close()
		w.mu.Unlock()
		return err
	}

	w.fsw = fsw
	w.running = true
	w.mu.Unlock()

	go w.run(ctx)
	return nil
}

// Stop gracefully stops the watcher, waiting for the run loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
}

// Running reports whether the watcher is active.
func (w *Watcher) Running() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

func (w *Watcher) run(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.running = false
		w.fsw.Close()
		w.mu.Unlock()
		close(w.doneCh)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Logger.Warn().Err(err).Msg("vault watch error")
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if filepath.Ext(ev.Name) != ".md" {
		return
	}
	w.debounced(ev.Name, func() {
		w.process(ev)
	})
}

func (w *Watcher) debounced(path string, fn func()) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(debounce, func() {
		w.pendingMu.Lock()
		delete(w.pending, path)
		w.pendingMu.Unlock()
		fn()
	})
}

func (w *Watcher) process(ev fsnotify.Event) {
	ctx := context.Background()

	switch {
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		if _, err := os.Stat(ev.Name); err == nil {
			// A rename event on some platforms fires for the source path
			// of an in-place move; if the path still exists, treat it as
			// a modification instead of a delete.
			w.reindex(ctx, ev.Name)
			return
		}
		if err := w.index.DeleteInstance(ctx, ev.Name); err != nil {
			logging.Logger.Warn().Err(err).Str("path", ev.Name).Msg("failed to remove vault instance from index")
		}
	case ev.Op&(fsnotify.Write|fsnotify.Create) != 0:
		w.reindex(ctx, ev.Name)
	}
}

func (w *Watcher) reindex(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	doc, err := marshal.Parse(data)
	if err != nil {
		return
	}
	title, _ := doc.Frontmatter["title"].(string)
	authors, _ := doc.Frontmatter["authors"].(string)
	uid, _ := doc.Frontmatter["kohl-uid"].(string)
	if title == "" && authors == "" {
		return
	}

	bookKey := model.BookMetadata{Title: title, Authors: authors}.BookKey()
	if err := w.index.RepointInstance(ctx, path, bookKey, uid, title, authors); err != nil {
		logging.Logger.Warn().Err(err).Str("path", path).Msg("failed to repoint vault instance in index")
	}
}

// HandleFolderRename updates every tracked instance under oldFolder to
// live under newFolder, for an external (non-fsnotify-observed) bulk
// rename such as the vault's own folder-move operation.
func (w *Watcher) HandleFolderRename(ctx context.Context, oldFolder, newFolder string) error {
	oldPrefix := strings.TrimSuffix(oldFolder, "/") + "/"
	newPrefix := strings.TrimSuffix(newFolder, "/") + "/"
	return w.index.RenameFolderPrefix(ctx, oldPrefix, newPrefix)
}
