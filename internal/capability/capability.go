// Package capability answers one question for the rest of the pipeline:
// can we actually write to the plugin data directory right now? Index
// and Snapshot Store poll it before opening persistent state so a
// read-only vault or a sandboxed host degrades gracefully instead of
// failing loudly on the first write.
package capability

import (
	"context"
	"sync"
	"time"

	"github.com/kohl-import/kohl-import/internal/fsatomic"
)

// Capability is the probe result for a single data-directory concern.
type Capability string

const (
	CapabilityAvailable   Capability = "available"
	CapabilityUnavailable Capability = "unavailable"
)

// probeFunc is a single named capability check: write a
// .kohl-writable-probe file under dataDir or the snapshot directory, or
// check under dataDir that a rename over an existing file succeeds.
type probeFunc func(ctx context.Context) error

const (
	baseBackoff = 5 * time.Minute
	capBackoff  = 30 * time.Minute
)

type cachedResult struct {
	capability  Capability
	checkedAt   time.Time
	nextAllowed time.Time
	backoff     time.Duration
	consecutive int
}

// Oracle caches probe outcomes with an exponential-backoff TTL on
// failure: base 5 minutes, doubling on each consecutive failure, capped
// at 30 minutes. A successful probe resets the backoff to base.
type Oracle struct {
	fs     *fsatomic.FS
	mu     sync.Mutex
	cached map[string]*cachedResult
	probes map[string]probeFunc
}

// New builds an Oracle wired to fs for its rename-over-existing probe,
// with data/snapshot writability probes registered under dataDir and
// snapshotDir.
func New(fs *fsatomic.FS, dataDir, snapshotDir string) *Oracle {
	o := &Oracle{
		fs:     fs,
		cached: make(map[string]*cachedResult),
		probes: make(map[string]probeFunc),
	}
	o.probes["data_dir_writable"] = writableProbe(fs, dataDir)
	o.probes["snapshot_dir_writable"] = writableProbe(fs, snapshotDir)
	o.probes["rename_over_existing"] = func(ctx context.Context) error {
		ok, err := fs.ProbeRenameOverExisting(ctx, dataDir)
		if err != nil {
			return err
		}
		if !ok {
			return errUnsupported
		}
		return nil
	}
	return o
}

var errUnsupported = &unsupportedErr{}

type unsupportedErr struct{}

func (*unsupportedErr) Error() string { return "capability not supported by host" }

func writableProbe(fs *fsatomic.FS, dir string) probeFunc {
	return func(ctx context.Context) error {
		if err := fs.EnsureFolder(dir); err != nil {
			return err
		}
		probePath := dir + "/.kohl-writable-probe"
		return fs.WriteAtomic(ctx, probePath, []byte("ok"))
	}
}

// DataDirWritable reports whether the plugin data directory currently
// accepts writes, consulting the cache before probing.
func (o *Oracle) DataDirWritable(ctx context.Context) bool {
	return o.check(ctx, "data_dir_writable") == CapabilityAvailable
}

// SnapshotDirWritable reports whether the snapshot subdirectory
// currently accepts writes.
func (o *Oracle) SnapshotDirWritable(ctx context.Context) bool {
	return o.check(ctx, "snapshot_dir_writable") == CapabilityAvailable
}

// RenameOverExisting reports whether the host filesystem supports
// rename(2) clobbering an existing destination.
func (o *Oracle) RenameOverExisting(ctx context.Context) bool {
	return o.check(ctx, "rename_over_existing") == CapabilityAvailable
}

// PersistentIndexLikely reports whether opening the persistent SQLite
// index is worth attempting: both the data directory and the rename
// capability must be available.
func (o *Oracle) PersistentIndexLikely(ctx context.Context) bool {
	return o.DataDirWritable(ctx) && o.RenameOverExisting(ctx)
}

func (o *Oracle) check(ctx context.Context, name string) Capability {
	o.mu.Lock()
	cached, ok := o.cached[name]
	if ok && time.Now().Before(cached.nextAllowed) {
		result := cached.capability
		o.mu.Unlock()
		return result
	}
	o.mu.Unlock()

	probe, ok := o.probes[name]
	if !ok {
		return CapabilityUnavailable
	}

	err := probe(ctx)
	return o.record(name, err)
}

func (o *Oracle) record(name string, err error) Capability {
	o.mu.Lock()
	defer o.mu.Unlock()

	cached, ok := o.cached[name]
	if !ok {
		cached = &cachedResult{}
		o.cached[name] = cached
	}
	cached.checkedAt = time.Now()

	if err == nil {
		cached.capability = CapabilityAvailable
		cached.consecutive = 0
		cached.backoff = baseBackoff
		cached.nextAllowed = cached.checkedAt.Add(baseBackoff)
		return cached.capability
	}

	cached.capability = CapabilityUnavailable
	cached.consecutive++
	backoff := baseBackoff
	for i := 1; i < cached.consecutive; i++ {
		backoff *= 2
		if backoff >= capBackoff {
			backoff = capBackoff
			break
		}
	}
	cached.backoff = backoff
	cached.nextAllowed = cached.checkedAt.Add(backoff)
	return cached.capability
}

// RefreshAll forces every cached capability to be re-probed on next
// check, ignoring any outstanding backoff TTL.
func (o *Oracle) RefreshAll(ctx context.Context) {
	o.mu.Lock()
	o.cached = make(map[string]*cachedResult)
	o.mu.Unlock()

	for name := range o.probes {
		o.check(ctx, name)
	}
}
