package index

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/mimir/internal/storage"
)

// DefaultDebounce is the quiet period a path must see before its change is applied.
const DefaultDebounce = 500 * time.Millisecond

// EventCallback is called after a watcher-driven index change.
// kind is one of "created", "updated", "deleted".
type EventCallback func(kind string, path string)

// Watcher keeps the index in sync with the workspace tree. Events are coalesced per
// path; once a path has been quiet for the debounce window it is indexed (if it still
// exists) or removed (if it does not), exactly once.
type Watcher struct {
	ix       *Indexer
	root     string
	debounce time.Duration
	logger   *slog.Logger
	cb       EventCallback

	pending map[string]time.Time
	ready   chan struct{}
}

// NewWatcher creates a Watcher over ix's workspace. cb may be nil.
func NewWatcher(ix *Indexer, debounce time.Duration, logger *slog.Logger, cb EventCallback) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		ix:       ix,
		root:     ix.store.Root(),
		debounce: debounce,
		logger:   logger,
		cb:       cb,
		pending:  make(map[string]time.Time),
		ready:    make(chan struct{}),
	}
}

// Ready is closed once the initial directory tree is being watched.
func (w *Watcher) Ready() <-chan struct{} { return w.ready }

// Run processes file change events until ctx is cancelled. Pending changes that have
// not settled when ctx ends are dropped; the next reconciliation picks them up.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := w.addDirsRecursive(fw, w.root); err != nil {
		return err
	}
	close(w.ready)
	w.logger.Info("watcher: started", slog.String("root", w.root), slog.Duration("debounce", w.debounce))

	tick := max(w.debounce/4, 10*time.Millisecond)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watcher: stopped")
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, fw, ev)

		case watchErr, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.handleError(ctx, watchErr)

		case now := <-ticker.C:
			w.flush(ctx, now)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, fw *fsnotify.Watcher, ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || rel == "." {
		return
	}
	if w.ix.Ignored(rel) || hiddenPath(rel) {
		return
	}

	if ev.Op&fsnotify.Create != 0 {
		if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
			if addErr := w.addDirsRecursive(fw, ev.Name); addErr != nil {
				w.logger.Warn("watcher: add new dir failed",
					slog.String("path", rel),
					slog.String("error", addErr.Error()))
			} else {
				w.logger.Debug("watcher: watching new dir", slog.String("path", rel))
			}
			// Files written before the watch was added produced no events of their own.
			w.markDir(ev.Name)
			return
		}
	}

	if !storage.IsMarkdown(rel) {
		// A removed or renamed directory reports only itself, never its contents.
		if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			w.markIndexedUnder(ctx, rel)
		}
		return
	}
	w.pending[rel] = time.Now()
}

// markIndexedUnder queues every indexed path below dir. Paths that no longer exist are
// removed when they settle.
func (w *Watcher) markIndexedUnder(ctx context.Context, dir string) {
	paths, err := w.ix.IndexedUnder(ctx, dir)
	if err != nil {
		w.logger.Warn("watcher: list indexed paths failed",
			slog.String("path", dir),
			slog.String("error", err.Error()))
		return
	}
	if len(paths) > 0 {
		w.logger.Debug("watcher: directory moved", slog.String("path", dir), slog.Int("files", len(paths)))
	}
	now := time.Now()
	for _, p := range paths {
		w.pending[p] = now
	}
}

// handleError answers a lost notification channel with a full reconciliation.
func (w *Watcher) handleError(ctx context.Context, err error) {
	werr := &WatchError{Err: err}
	if !errors.Is(err, fsnotify.ErrEventOverflow) {
		w.logger.Error("watcher: error", slog.String("error", werr.Error()))
		return
	}
	w.logger.Warn("watcher: events lost, reconciling", slog.String("error", werr.Error()))
	clear(w.pending)

	report, rerr := w.ix.Reconcile(ctx)
	if rerr != nil {
		w.logger.Error("watcher: reconcile failed", slog.String("error", rerr.Error()))
		return
	}
	w.emitReport(report)
}

func (w *Watcher) emitReport(r *SyncReport) {
	if w.cb == nil {
		return
	}
	for _, p := range r.Created {
		w.cb("created", p)
	}
	for _, p := range r.Updated {
		w.cb("updated", p)
	}
	for _, p := range r.Removed {
		w.cb("deleted", p)
	}
}

// flush settles every path that has been quiet for the debounce window.
func (w *Watcher) flush(ctx context.Context, now time.Time) {
	var due []string
	for p, last := range w.pending {
		if now.Sub(last) >= w.debounce {
			due = append(due, p)
		}
	}
	sort.Strings(due)
	for _, p := range due {
		delete(w.pending, p)
		w.settle(ctx, p)
	}
}

func (w *Watcher) settle(ctx context.Context, rel string) {
	exists, err := w.ix.Exists(rel)
	if err != nil {
		w.logger.Warn("watcher: stat failed", slog.String("path", rel), slog.String("error", err.Error()))
		return
	}

	if !exists {
		removed, err := w.ix.RemoveFile(ctx, rel)
		if err != nil {
			w.logger.Warn("watcher: delete failed", slog.String("path", rel), slog.String("error", err.Error()))
			return
		}
		if removed {
			w.logger.Debug("watcher: deleted", slog.String("path", rel))
			if w.cb != nil {
				w.cb("deleted", rel)
			}
		}
		return
	}

	change, err := w.ix.IndexFile(ctx, rel)
	if err != nil {
		w.logger.Warn("watcher: index failed", slog.String("path", rel), slog.String("error", err.Error()))
		return
	}
	if change == ChangeNone {
		return
	}
	w.logger.Debug("watcher: indexed", slog.String("path", rel), slog.String("op", change.String()))
	if w.cb != nil {
		w.cb(change.String(), rel)
	}
}

// markDir queues every markdown file under dir.
func (w *Watcher) markDir(dir string) {
	now := time.Now()
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !storage.IsMarkdown(p) {
			return nil
		}
		rel, relErr := filepath.Rel(w.root, p)
		if relErr != nil || w.ix.Ignored(rel) || hiddenPath(rel) {
			return nil
		}
		w.pending[rel] = now
		return nil
	})
}

// addDirsRecursive adds root and its subdirectories to the watcher, skipping hidden
// and ignored directories.
func (w *Watcher) addDirsRecursive(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.root {
			rel, _ := filepath.Rel(w.root, p)
			if strings.HasPrefix(d.Name(), ".") || w.ix.Ignored(rel) || w.ix.Ignored(rel+"/") {
				return filepath.SkipDir
			}
		}
		return fw.Add(p)
	})
}

// hiddenPath reports whether any element of rel starts with a dot. Atomic-write temp
// files and VCS metadata fall in this category.
func hiddenPath(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}
