// Package snapshotstore stores one file per live note UID, used by the
// Identity Service's snapshot-first UID protocol and by the Merge
// Engine as the "base" side of a 3-way merge.
package snapshotstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kohl-import/kohl-import/internal/fsatomic"
)

// Store writes and reads snapshot content addressed by UID. Filenames
// are <uid>.md under dir.
type Store struct {
	fs  *fsatomic.FS
	dir string
}

// New creates a Store rooted at dir. dir is created lazily on first
// write.
func New(fs *fsatomic.FS, dir string) *Store {
	return &Store{fs: fs, dir: dir}
}

func (s *Store) pathFor(uid string) string {
	return filepath.Join(s.dir, uid+".md")
}

// WriteForId stores content as the snapshot for uid, replacing any
// prior snapshot for that uid.
func (s *Store) WriteForId(ctx context.Context, uid string, content []byte) error {
	return s.fs.SnapshotKeyedQueue().Run(ctx, uid, func() error {
		return s.fs.WriteAtomic(ctx, s.pathFor(uid), content)
	})
}

// ReadForId reads the snapshot for uid. Callers use fsatomic.IsNotFound
// to distinguish "no snapshot" from a real failure.
func (s *Store) ReadForId(ctx context.Context, uid string) ([]byte, error) {
	return s.fs.ReadWithRetry(ctx, s.pathFor(uid))
}

// RemoveForId deletes the snapshot for uid, if any. Removing an absent
// snapshot is not an error.
func (s *Store) RemoveForId(ctx context.Context, uid string) error {
	return s.fs.SnapshotKeyedQueue().Run(ctx, uid, func() error {
		err := os.Remove(s.pathFor(uid))
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove snapshot %s: %w", uid, err)
		}
		return nil
	})
}

// CreateSnapshotFromContent stores content, as the caller supplies it,
// as uid's snapshot; the store never reads the note file itself. The
// Executor passes the note bytes it read back after assigning the UID.
func (s *Store) CreateSnapshotFromContent(ctx context.Context, uid string, content []byte) error {
	return s.WriteForId(ctx, uid, content)
}

// PruneBackups removes files under backupDir older than retention. A
// retention of zero or less disables pruning entirely. This is the
// periodic retention job referenced alongside the snapshot store:
// snapshots themselves are never time-pruned, only backups are.
func PruneBackups(backupDir string, retention time.Duration, now time.Time) (pruned int, err error) {
	if retention <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read backup dir: %w", err)
	}

	cutoff := now.Add(-retention)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(backupDir, entry.Name())); err == nil {
				pruned++
			}
		}
	}
	return pruned, nil
}
