// Package reconciler runs the one-shot startup sweep that converges a new
// node's local tree with the broker's known set of files before the
// Subscriber begins consuming live events.
package reconciler

import (
	"context"

	"github.com/pkg/errors"

	"github.com/fssync/fssync/internal/fsadapter"
	"github.com/fssync/fssync/internal/logging"
)

// sentinelMissingRemote and sentinelMissingLocal are substituted for a
// failed hash read so the comparison always reports a mismatch rather than
// panicking or silently treating an error as "already converged" — both
// reads are best-effort, since the store may hold garbage and the local
// file may simply be absent. The two differ, so two failed reads never
// compare equal; a successful read that yields one of these values is not
// told apart from a failure.
const (
	sentinelMissingRemote uint64 = 0xffffffffffffffff
	sentinelMissingLocal  uint64 = 0xfffffffffffffffe
)

// Lister enumerates every path currently known to the broker.
type Lister interface {
	ListRemoteFiles(ctx context.Context) ([]string, error)
}

// Fetcher reads a path's stored hash and content.
type Fetcher interface {
	FetchHash(ctx context.Context, path string) (uint64, error)
	FetchContent(ctx context.Context, path string) ([]byte, error)
}

// Store is the subset of the Broker Store the Reconciler depends on.
type Store interface {
	Lister
	Fetcher
}

// Reconciler performs the single startup convergence pass.
type Reconciler struct {
	store     Store
	localHash func(path string) (uint64, error)
	write     func(path string, content []byte) error
}

// New constructs a Reconciler over store.
func New(store Store) *Reconciler {
	return &Reconciler{
		store:     store,
		localHash: fsadapter.LocalHash,
		write:     fsadapter.Write,
	}
}

// Run enumerates the broker's full file set and pulls down any path whose
// remote hash does not match the local copy. Per-file errors are logged and
// skipped; failure to enumerate the remote set at all is fatal, since
// nothing downstream can proceed without a file list.
func (r *Reconciler) Run(ctx context.Context) error {
	paths, err := r.store.ListRemoteFiles(ctx)
	if err != nil {
		return errors.Wrap(err, "reconciler: unable to enumerate remote files")
	}

	for _, path := range paths {
		r.reconcileOne(ctx, path)
	}
	return nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, path string) {
	remoteHash, err := r.store.FetchHash(ctx, path)
	if err != nil {
		logging.Debugf(path, "remote hash unavailable, forcing resync: %v", err)
		remoteHash = sentinelMissingRemote
	}

	localHash, err := r.localHash(path)
	if err != nil {
		logging.Debugf(path, "local hash unavailable, forcing resync: %v", err)
		localHash = sentinelMissingLocal
	}

	if remoteHash == localHash {
		return
	}

	content, err := r.store.FetchContent(ctx, path)
	if err != nil {
		logging.Errorf(path, "failed to fetch remote content during reconciliation: %v", err)
		return
	}
	if err := r.write(path, content); err != nil {
		logging.Errorf(path, "failed to write reconciled content: %v", err)
	}
}
