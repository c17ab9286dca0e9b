// Package identity assigns and resolves the stable UID every note the
// importer writes carries in its frontmatter header, and repairs UID
// collisions discovered across a folder scan.
package identity

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kohl-import/kohl-import/internal/fsatomic"
	"github.com/kohl-import/kohl-import/internal/marshal"
	"github.com/kohl-import/kohl-import/internal/model"
	"github.com/kohl-import/kohl-import/internal/snapshotstore"
)

const (
	uidKey      = "kohl-uid"
	prevUidsKey = "kohl-prev-uids"
)

// Service assigns, reads, and repairs note UIDs.
type Service struct {
	fs        *fsatomic.FS
	snapshots *snapshotstore.Store
}

// New creates a Service.
func New(fs *fsatomic.FS, snapshots *snapshotstore.Store) *Service {
	return &Service{fs: fs, snapshots: snapshots}
}

// TryGetId reads file's current UID without assigning one if absent.
// The second return is false when the file has no valid UID yet.
func (s *Service) TryGetId(path string) (string, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read %s: %w", path, err)
	}
	doc, err := marshal.Parse(data)
	if err != nil {
		return "", false, nil
	}
	uid, _ := doc.Frontmatter[uidKey].(string)
	if _, err := uuid.Parse(uid); err != nil {
		return "", false, nil
	}
	return uid, true, nil
}

// EnsureId returns file's existing UID, assigning a new one via the
// snapshot-first protocol if none is present.
func (s *Service) EnsureId(ctx context.Context, path string) (string, error) {
	if uid, ok, err := s.TryGetId(path); err != nil {
		return "", err
	} else if ok {
		return uid, nil
	}
	return s.AssignNewId(ctx, path)
}

// AssignNewId runs the snapshot-first UID reassignment protocol: the
// note is patched in memory, a snapshot for the new UID is written
// before the note itself is, and the old UID's snapshot is removed only
// after the note write commits. A crash at any point leaves either the
// fully-old or the fully-new state, never a note whose own UID lacks a
// snapshot.
func (s *Service) AssignNewId(ctx context.Context, path string) (string, error) {
	var newUid string
	err := s.fs.KeyedQueue().Run(ctx, path, func() error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		doc, err := marshal.Parse(data)
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}

		oldUid, _ := doc.Frontmatter[uidKey].(string)
		newUid = uuid.NewString()

		identity := model.NoteIdentity{UID: oldUid}
		if prev, ok := doc.Frontmatter[prevUidsKey].([]any); ok {
			for _, v := range prev {
				if str, ok := v.(string); ok {
					identity.PrevUIDs = append(identity.PrevUIDs, str)
				}
			}
		}
		identity.PushPrevUID(oldUid)

		doc.Frontmatter[uidKey] = newUid
		doc.Frontmatter[prevUidsKey] = identity.PrevUIDs

		patched, err := marshal.Render(doc)
		if err != nil {
			return fmt.Errorf("render %s: %w", path, err)
		}

		// Prepare: the new UID must have a snapshot before the note
		// carries it, or abort entirely.
		if err := s.snapshots.WriteForId(ctx, newUid, patched); err != nil {
			return fmt.Errorf("prepare snapshot for %s: %w", newUid, err)
		}

		// Commit: rewrite the note atomically.
		if err := s.fs.WriteAtomic(ctx, path, patched); err != nil {
			return fmt.Errorf("commit %s: %w", path, err)
		}

		// Cleanup: best-effort, never propagated.
		if oldUid != "" {
			_ = s.snapshots.RemoveForId(ctx, oldUid)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return newUid, nil
}

// ResolveSummary reports the outcome of ResolveInFolder.
type ResolveSummary struct {
	FilesScanned int
	Collisions   int
	Reassigned   []string // paths given a new UID to break a collision
}

// ResolveInFolder scans folder for notes, building a UID → files map.
// For every UID held by more than one file, the oldest file (by mtime)
// keeps the UID and every other file is reassigned a fresh one via
// AssignNewId.
func (s *Service) ResolveInFolder(ctx context.Context, folder string) (ResolveSummary, error) {
	var summary ResolveSummary

	byUid := make(map[string][]fileStat)
	err := filepath.WalkDir(folder, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".md" {
			return nil
		}
		summary.FilesScanned++

		uid, ok, err := s.TryGetId(path)
		if err != nil || !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		byUid[uid] = append(byUid[uid], fileStat{path: path, modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return summary, fmt.Errorf("walk %s: %w", folder, err)
	}

	for _, files := range byUid {
		if len(files) < 2 {
			continue
		}
		summary.Collisions++
		sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })
		for _, f := range files[1:] {
			if _, err := s.AssignNewId(ctx, f.path); err != nil {
				return summary, fmt.Errorf("reassign uid for %s: %w", f.path, err)
			}
			summary.Reassigned = append(summary.Reassigned, f.path)
		}
	}

	return summary, nil
}

type fileStat struct {
	path    string
	modTime time.Time
}
