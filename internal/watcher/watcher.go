// Package watcher owns the recursive, debounced local filesystem watch and
// turns raw fsnotify events into the four publish operations the Broker
// Store understands: new, modified, removed, and renamed files.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/fssync/fssync/internal/fsadapter"
	"github.com/fssync/fssync/internal/logging"
)

// Publisher is the subset of the Broker Store the Watcher drives. It is an
// interface so the Watcher can be tested without a live broker.
type Publisher interface {
	PublishNew(ctx context.Context, nodeID uint64, path string, content []byte, hash uint64) error
	PublishModified(ctx context.Context, nodeID uint64, path string, content []byte, hash uint64) error
	PublishRemoved(ctx context.Context, nodeID uint64, path string) error
	PublishRenamed(ctx context.Context, nodeID uint64, oldPath, newPath string) error
}

// Watcher owns the debounce buffer and the raw fsnotify event channel for
// one node, across every configured root.
type Watcher struct {
	nodeID    uint64
	store     Publisher
	roots     []string
	debounce  time.Duration
	fsWatcher *fsnotify.Watcher

	pendingMu sync.Mutex
	timers    map[string]*time.Timer

	// fsnotify reports a move as a bare Rename on the old path; the Create
	// on the new path (when the destination is inside a watched tree)
	// arrives as a separate event shortly after. renameFrom holds the most
	// recent unpaired old path so the next Create within the debounce
	// window can be paired into a single RenamedFile publish instead of a
	// Remove+New pair.
	renameFrom  string
	renameTimer *time.Timer
}

// New constructs a Watcher over roots, debouncing bursts of events for the
// same path into one terminal action after debounce has elapsed with no
// further activity.
func New(nodeID uint64, store Publisher, roots []string, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "unable to create filesystem watcher")
	}
	w := &Watcher{
		nodeID:    nodeID,
		store:     store,
		roots:     roots,
		debounce:  debounce,
		fsWatcher: fsw,
		timers:    map[string]*time.Timer{},
	}
	for _, root := range roots {
		if err := w.addRecursive(root); err != nil {
			return nil, errors.Wrapf(err, "unable to watch root %q", root)
		}
	}
	return w, nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			logging.Errorf(path, "failed to walk during initial watch setup: %v", err)
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		if err := w.fsWatcher.Add(path); err != nil {
			return errors.Wrapf(err, "unable to add watch on %q", path)
		}
		logging.Logf(path, "watching directory")
		return nil
	})
}

// Run drives the watch loop until ctx is cancelled or the underlying event
// channel closes, which is fatal to this worker.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsWatcher.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return errors.New("watcher: event channel closed")
			}
			w.handleRaw(ctx, event)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return errors.New("watcher: error channel closed")
			}
			logging.Errorf(nil, "watcher error: %v", err)
		}
	}
}

// handleRaw maps a raw fsnotify event to a debounced action. Directory
// entries are filtered out here rather than published, since only file
// content is worth synchronizing.
func (w *Watcher) handleRaw(ctx context.Context, event fsnotify.Event) {
	switch {
	case event.Has(fsnotify.Create):
		if oldPath, paired := w.pairRename(event.Name); paired {
			w.debounceAction(ctx, event.Name, func() { w.doRename(ctx, oldPath, event.Name) })
			return
		}
		if w.isDir(event.Name) {
			w.watchNewDir(event.Name)
			return
		}
		w.debounceAction(ctx, event.Name, func() { w.doCreateOrWrite(ctx, event.Name, true) })
	case event.Has(fsnotify.Write):
		if w.isDir(event.Name) {
			return
		}
		// A Write that lands while an action for the same path is still
		// pending (typically the Create that opened the file) only extends
		// that action's quiet period, so a new file is still published as new.
		w.pendingMu.Lock()
		t, pending := w.timers[event.Name]
		extended := pending && t.Reset(w.debounce)
		w.pendingMu.Unlock()
		if extended {
			return
		}
		w.debounceAction(ctx, event.Name, func() { w.doCreateOrWrite(ctx, event.Name, false) })
	case event.Has(fsnotify.Remove):
		w.debounceAction(ctx, event.Name, func() { w.doRemove(ctx, event.Name) })
	case event.Has(fsnotify.Rename):
		// fsnotify reports a move as a bare Rename on the old name; pair it
		// with the Create that (usually) follows on the new name. If no
		// Create shows up before the debounce window elapses, the
		// destination is outside any watched tree and this is a removal.
		w.armRename(ctx, event.Name)
	case event.Has(fsnotify.Chmod):
		// NoticeWrite / NoticeRemove / Chmod: ignore.
	default:
		logging.Debugf(event.Name, "ignoring unrecognized event %v", event.Op)
	}
}

// armRename records oldPath as awaiting a pairing Create, and schedules it
// to be treated as a plain removal if no Create pairs with it in time.
func (w *Watcher) armRename(ctx context.Context, oldPath string) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	if w.renameTimer != nil {
		w.renameTimer.Stop()
		unpaired := w.renameFrom
		if unpaired != "" {
			go w.doRemove(ctx, unpaired)
		}
	}
	w.renameFrom = oldPath
	w.renameTimer = time.AfterFunc(w.debounce, func() {
		w.pendingMu.Lock()
		stillPending := w.renameFrom == oldPath
		if stillPending {
			w.renameFrom = ""
		}
		w.pendingMu.Unlock()
		if stillPending {
			w.doRemove(ctx, oldPath)
		}
	})
}

// pairRename reports whether newPath should be treated as the destination
// of a pending rename, consuming the pending old path if so.
func (w *Watcher) pairRename(newPath string) (oldPath string, paired bool) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	if w.renameFrom == "" {
		return "", false
	}
	if w.renameTimer != nil {
		w.renameTimer.Stop()
	}
	oldPath, w.renameFrom = w.renameFrom, ""
	return oldPath, true
}

func (w *Watcher) isDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

func (w *Watcher) watchNewDir(path string) {
	if err := w.addRecursive(path); err != nil {
		logging.Errorf(path, "failed to watch new directory: %v", err)
	}
}

// debounceAction coalesces rapid repeated events for the same path into a
// single terminal action fired after w.debounce of quiescence.
func (w *Watcher) debounceAction(ctx context.Context, path string, action func()) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.pendingMu.Lock()
		delete(w.timers, path)
		w.pendingMu.Unlock()
		action()
	})
}

func (w *Watcher) doCreateOrWrite(ctx context.Context, path string, isNew bool) {
	if _, err := os.Stat(path); err != nil {
		logging.Debugf(path, "file vanished before publish, skipping: %v", err)
		return
	}
	compressed, hash, err := fsadapter.ReadAndCompress(path)
	if err != nil {
		logging.Errorf(path, "failed to read and compress for publish: %v", err)
		return
	}
	if isNew {
		if err := w.store.PublishNew(ctx, w.nodeID, path, compressed, hash); err != nil {
			logging.Errorf(path, "failed to publish new file: %v", err)
		}
		return
	}
	if err := w.store.PublishModified(ctx, w.nodeID, path, compressed, hash); err != nil {
		logging.Errorf(path, "failed to publish modified file: %v", err)
	}
}

func (w *Watcher) doRemove(ctx context.Context, path string) {
	if err := w.store.PublishRemoved(ctx, w.nodeID, path); err != nil {
		logging.Errorf(path, "failed to publish removed file: %v", err)
	}
}

func (w *Watcher) doRename(ctx context.Context, oldPath, newPath string) {
	if err := w.store.PublishRenamed(ctx, w.nodeID, oldPath, newPath); err != nil {
		logging.Errorf(newPath, "failed to publish renamed file %q -> %q: %v", oldPath, newPath, err)
	}
}
