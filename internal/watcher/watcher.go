// Package watcher monitors manifested files for out-of-editor changes.
//
// Saved region state is only valid for the exact content it was computed
// against, so any file that carries a manifest entry is watched on disk
// while it is not open in the editor. A write that settles (no further
// events for the debounce interval) is read back and handed to the change
// handler, which compares digests and drops stale state.
package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"log/slog"
)

// ChangeHandler receives the settled content of a manifested file that
// changed on disk. relPath is workspace-relative.
type ChangeHandler func(relPath string, content []byte)

// Watcher tracks disk-level changes to files with saved region state.
type Watcher struct {
	fs       *fsnotify.Watcher
	root     string
	debounce time.Duration
	handle   ChangeHandler
	log      *slog.Logger

	mu      sync.Mutex
	paths   map[string]struct{} // workspace-relative files of interest
	dirs    map[string]struct{} // absolute directories under watch
	pending map[string]time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a watcher rooted at the workspace directory. debounceMs
// bounds how long a file must stay quiet before its change is reported.
func New(root string, debounceMs int, handle ChangeHandler, log *slog.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		fs:       fs,
		root:     root,
		debounce: time.Duration(debounceMs) * time.Millisecond,
		handle:   handle,
		log:      log,
		paths:    make(map[string]struct{}),
		dirs:     make(map[string]struct{}),
		pending:  make(map[string]time.Time),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the event and debounce loops.
func (w *Watcher) Start() {
	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()
}

// Stop shuts the watcher down and waits for its loops to exit.
func (w *Watcher) Stop() error {
	close(w.done)
	err := w.fs.Close()
	w.wg.Wait()
	return err
}

// SetPaths replaces the set of workspace-relative files under watch.
// Called whenever the manifest's path set changes. Directory watches are
// diffed rather than rebuilt so unrelated events never appear.
func (w *Watcher) SetPaths(relPaths []string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	next := make(map[string]struct{}, len(relPaths))
	needDirs := make(map[string]struct{})
	for _, p := range relPaths {
		next[p] = struct{}{}
		needDirs[filepath.Dir(filepath.Join(w.root, p))] = struct{}{}
	}

	for dir := range needDirs {
		if _, ok := w.dirs[dir]; ok {
			continue
		}
		if err := w.fs.Add(dir); err != nil {
			w.log.Warn("watch add failed", "dir", dir, "error", err)
			continue
		}
		w.dirs[dir] = struct{}{}
	}
	for dir := range w.dirs {
		if _, ok := needDirs[dir]; ok {
			continue
		}
		if err := w.fs.Remove(dir); err == nil {
			delete(w.dirs, dir)
		}
	}

	for p := range w.pending {
		if _, ok := next[p]; !ok {
			delete(w.pending, p)
		}
	}
	w.paths = next
}

// Tracked returns the number of files currently under watch.
func (w *Watcher) Tracked() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.paths)
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			rel, err := filepath.Rel(w.root, ev.Name)
			if err != nil {
				continue
			}
			rel = filepath.ToSlash(rel)

			w.mu.Lock()
			if _, interested := w.paths[rel]; interested {
				w.pending[rel] = time.Now()
			}
			w.mu.Unlock()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	tick := w.debounce / 2
	if tick <= 0 {
		tick = time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case now := <-ticker.C:
			w.flushSettled(now)
		}
	}
}

// flushSettled reports files whose last event is older than the debounce
// interval. File reads happen outside the lock; a file that changes again
// mid-read re-enters pending and is reported once more when it settles.
func (w *Watcher) flushSettled(now time.Time) {
	threshold := now.Add(-w.debounce)

	var settled []string
	w.mu.Lock()
	for rel, last := range w.pending {
		if last.Before(threshold) {
			settled = append(settled, rel)
			delete(w.pending, rel)
		}
	}
	w.mu.Unlock()

	for _, rel := range settled {
		content, err := os.ReadFile(filepath.Join(w.root, rel))
		if err != nil {
			// Deleted or unreadable: manifest pruning handles removal,
			// nothing to compare digests against.
			w.log.Debug("settled file unreadable", "path", rel, "error", err)
			continue
		}
		w.handle(rel, content)
	}
}
