// Package fsatomic implements the write-temp-then-rename, verified-write,
// retry, and keyed-serialization primitives every other component in the
// import pipeline writes through. No caller ever writes a vault file,
// snapshot, or backup directly with os.WriteFile; they all go through an
// *FS so a crash mid-write never leaves a torn file on disk.
package fsatomic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// maxPathBudget is the length budget for a whole created path (folder
// plus filename): CreateUnique gives the filename whatever remains of it
// after the folder's length.
const maxPathBudget = 255

// FS is the atomic filesystem layer. It is safe for concurrent use; the
// zero value is not usable, use New.
type FS struct {
	keyed              *KeyedQueue
	snapshotKeyed      *KeyedQueue
	renameOverExisting atomic.Bool
	probed             atomic.Bool
}

// New creates an FS. Until Probe (or ProbeRenameOverExisting) runs once,
// WriteAtomic assumes rename-over-existing is supported — the common
// case on every POSIX host — and only falls back to the backup-swap path
// once a probe or a live rename failure proves otherwise.
func New() *FS {
	f := &FS{
		keyed:         NewKeyedQueue(),
		snapshotKeyed: NewKeyedQueue(),
	}
	f.renameOverExisting.Store(true)
	return f
}

// KeyedQueue returns the per-path mutation queue, shared by callers that
// need to serialize operations spanning more than one FS call (e.g.
// Identity's snapshot-first UID reassignment protocol).
func (f *FS) KeyedQueue() *KeyedQueue { return f.keyed }

// SnapshotKeyedQueue returns the queue used to serialize per-UID
// snapshot writes, kept separate from the general path queue per §5.
func (f *FS) SnapshotKeyedQueue() *KeyedQueue { return f.snapshotKeyed }

// ProbeRenameOverExisting determines, once, whether the host filesystem
// supports rename(2) clobbering an existing destination. It creates two
// scratch files under dir, attempts the rename, and records the result.
// Safe to call more than once (e.g. on capability refresh); the queue
// ensures concurrent probes against the same dir don't race each other.
func (f *FS) ProbeRenameOverExisting(ctx context.Context, dir string) (bool, error) {
	key := "probe:" + dir
	var supported bool
	err := f.keyed.Run(ctx, key, func() error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return newErr(KindWriteFailed, dir, err)
		}
		a := filepath.Join(dir, fmt.Sprintf(".kohl-probe-a-%d", rand.Int63()))
		b := filepath.Join(dir, fmt.Sprintf(".kohl-probe-b-%d", rand.Int63()))
		defer os.Remove(a)
		defer os.Remove(b)

		if err := os.WriteFile(a, []byte("a"), 0o644); err != nil {
			return newErr(KindWriteFailed, a, err)
		}
		if err := os.WriteFile(b, []byte("b"), 0o644); err != nil {
			return newErr(KindWriteFailed, b, err)
		}
		supported = os.Rename(a, b) == nil
		return nil
	})
	if err != nil {
		return false, err
	}
	f.renameOverExisting.Store(supported)
	f.probed.Store(true)
	return supported, nil
}

// WriteAtomic writes data to path via a temp file in the same directory,
// a byte-for-byte verified readback, and an atomic rename into place.
// Concurrent writers to the same path are serialized by the KeyedQueue;
// writers to distinct paths proceed in parallel.
func (f *FS) WriteAtomic(ctx context.Context, path string, data []byte) error {
	return f.keyed.Run(ctx, path, func() error {
		return f.writeAtomicLocked(path, data)
	})
}

func (f *FS) writeAtomicLocked(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := f.ensureFolderLocked(dir); err != nil {
		return err
	}

	tmp := filepath.Join(dir, fmt.Sprintf("%s.tmp.%d", filepath.Base(path), rand.Int63()))
	if err := writeAndVerify(tmp, data); err != nil {
		os.Remove(tmp)
		return err
	}

	if f.renameOverExisting.Load() {
		if err := os.Rename(tmp, path); err == nil {
			return nil
		}
		// A live failure here demotes our assumption for next time and
		// falls through to the backup-swap path for this call.
		f.renameOverExisting.Store(false)
	}
	return f.backupSwap(tmp, path, data)
}

// backupSwap is the fallback for hosts where rename cannot clobber an
// existing destination: the old file is moved aside, the new content is
// placed, readback is verified, and the backup is removed — restoring it
// on any failure so a crash never loses the previous content.
func (f *FS) backupSwap(tmp, path string, data []byte) error {
	_, statErr := os.Stat(path)
	hadExisting := statErr == nil

	bak := path + ".bak"
	if hadExisting {
		if err := os.Rename(path, bak); err != nil {
			os.Remove(tmp)
			return newErr(KindWriteFailed, path, err)
		}
	}

	if err := os.Rename(tmp, path); err != nil {
		if hadExisting {
			os.Rename(bak, path)
		}
		return newErr(KindWriteFailed, path, err)
	}

	if err := verifyReadback(path, data); err != nil {
		if hadExisting {
			os.Remove(path)
			os.Rename(bak, path)
		}
		return err
	}

	if hadExisting {
		os.Remove(bak)
	}
	return nil
}

func writeAndVerify(tmp string, data []byte) error {
	fh, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return classifyOpenErr(tmp, err)
	}
	if _, err := fh.Write(data); err != nil {
		fh.Close()
		return newErr(KindWriteFailed, tmp, err)
	}
	if err := fh.Sync(); err != nil {
		fh.Close()
		return newErr(KindWriteFailed, tmp, err)
	}
	if err := fh.Close(); err != nil {
		return newErr(KindWriteFailed, tmp, err)
	}
	return verifyReadback(tmp, data)
}

func verifyReadback(path string, want []byte) error {
	got, err := os.ReadFile(path)
	if err != nil {
		return newErr(KindReadFailed, path, err)
	}
	if !bytes.Equal(got, want) {
		return newErr(KindWriteFailed, path, fmt.Errorf(
			"readback mismatch: wrote %s, read back %s",
			humanize.Bytes(uint64(len(want))), humanize.Bytes(uint64(len(got)))))
	}
	return nil
}

func classifyOpenErr(path string, err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return newErr(KindNotFound, path, err)
	case errors.Is(err, os.ErrPermission):
		return newErr(KindPermissionDenied, path, err)
	case errors.Is(err, os.ErrExist):
		return newErr(KindAlreadyExists, path, err)
	default:
		return newErr(KindWriteFailed, path, err)
	}
}

// transientRetryBudget bounds readWithRetry's attempts.
const transientRetryBudget = 5

// ReadWithRetry reads path, retrying with exponential backoff and jitter
// on transient failures (locked/busy, or missing-then-present races). It
// gives up and returns the typed failure after transientRetryBudget
// attempts.
func (f *FS) ReadWithRetry(ctx context.Context, path string) ([]byte, error) {
	var lastErr error
	base := 10 * time.Millisecond
	for attempt := 0; attempt < transientRetryBudget; attempt++ {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		data, err := os.ReadFile(path)
		if err == nil {
			return data, nil
		}
		lastErr = classifyReadErr(path, err)
		if !isTransient(lastErr) {
			return nil, lastErr
		}
		delay := base * time.Duration(1<<attempt)
		jitter := time.Duration(rand.Int63n(int64(delay) / 2))
		select {
		case <-time.After(delay + jitter):
		case <-ctx.Done():
			return nil, ErrCancelled
		}
	}
	return nil, lastErr
}

func classifyReadErr(path string, err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return newErr(KindNotFound, path, err)
	case errors.Is(err, os.ErrPermission):
		return newErr(KindPermissionDenied, path, err)
	default:
		return newErr(KindReadFailed, path, err)
	}
}

// isTransient reports whether kind is worth retrying. NotFound is
// included because a writer's temp-then-rename can make a brief window
// where the target looks absent to a concurrent reader.
func isTransient(err error) bool {
	return IsKind(err, KindNotFound) || IsKind(err, KindReadFailed)
}

// EnsureFolder is idempotent: it distinguishes "exists as a folder" (ok),
// "exists as a file" (error), and "missing" (created recursively).
func (f *FS) EnsureFolder(path string) error {
	return f.ensureFolderLocked(path)
}

func (f *FS) ensureFolderLocked(path string) error {
	info, err := os.Stat(path)
	switch {
	case err == nil:
		if !info.IsDir() {
			return newErr(KindNotADirectory, path, fmt.Errorf("exists as a file"))
		}
		return nil
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(path, 0o755); err != nil {
			return newErr(KindWriteFailed, path, err)
		}
		return nil
	default:
		return newErr(KindReadFailed, path, err)
	}
}

// CreateResult is the outcome of CreateUnique.
type CreateResult struct {
	Path      string
	Truncated bool // true if the stem had to be shortened to fit maxPathBudget
}

// CreateUnique generates a filename under dir guaranteed not to collide,
// by consulting exists (an injected existence-check callback so callers
// can test against the vault's metadata cache instead of the raw
// filesystem), then writes content to it atomically. If the desired name
// would exceed the host's path budget, the stem is truncated and
// CreateResult.Truncated is set so the caller can surface a
// FILENAME_TRUNCATED warning.
func (f *FS) CreateUnique(ctx context.Context, dir, stem, ext string, content []byte, exists func(path string) bool) (CreateResult, error) {
	if err := f.EnsureFolder(dir); err != nil {
		return CreateResult{}, err
	}

	truncated := false
	if budget := maxPathBudget - len(dir) - len(ext) - 6; len(stem) > budget && budget > 0 {
		stem = stem[:budget]
		truncated = true
	}

	candidate := filepath.Join(dir, stem+ext)
	if exists(candidate) {
		for n := 2; ; n++ {
			candidate = filepath.Join(dir, fmt.Sprintf("%s %d%s", stem, n, ext))
			if !exists(candidate) {
				break
			}
		}
	}

	if err := f.WriteAtomic(ctx, candidate, content); err != nil {
		return CreateResult{}, err
	}
	return CreateResult{Path: candidate, Truncated: truncated}, nil
}
