// Package watch implements the tree watcher (C7): a periodic diff of a
// watched directory against an in-memory mirror, seeded from the local
// catalog, optionally woken early by fsnotify.
package watch

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pdsbackup/pdsbackup/catalog"
	"github.com/pdsbackup/pdsbackup/fsentry"
)

// Status classifies a change event.
type Status int

const (
	Created Status = iota
	Modified
	Deleted
)

func (s Status) String() string {
	switch s {
	case Created:
		return `created`
	case Modified:
		return `modified`
	default:
		return `deleted`
	}
}

// Event is a single (Entry, status) change observed by the watcher.
type Event struct {
	Entry  fsentry.Entry
	Status Status
}

// Handler consumes an Event and reports whether it was accepted. A false
// return leaves the watcher's mirror unchanged so the same condition is
// re-observed on the next cycle — the backpressure path (spec.md §4.6).
type Handler func(Event) bool

// Watcher maintains abs_path -> Entry and periodically diffs it against
// the watched tree.
type Watcher struct {
	root   string
	period time.Duration

	paths       map[string]fsentry.Entry
	seedPending []string

	fsw  *fsnotify.Watcher
	wake chan struct{}
}

// New builds a Watcher over root, diffing every period. fsnotify setup
// failures are tolerated (e.g. inotify instance limits): the watcher
// falls back to pure periodic polling, which is always sufficient on its
// own per spec.md §4.6.
func New(root string, period time.Duration) *Watcher {
	w := &Watcher{root: root, period: period, paths: map[string]fsentry.Entry{}}
	if fsw, err := fsnotify.NewWatcher(); err == nil {
		w.fsw = fsw
		w.wake = make(chan struct{}, 1)
		go w.pump()
	}
	return w
}

func (w *Watcher) pump() {
	for {
		select {
		case _, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			select {
			case w.wake <- struct{}{}:
			default:
			}
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close releases the fsnotify watch, if any.
func (w *Watcher) Close() error {
	if w.fsw == nil {
		return nil
	}
	return w.fsw.Close()
}

// Seed loads local's entries into the mirror. A seed entry whose path
// still exists on disk is queued for a forced "modified" emission on the
// first Run cycle, so the server can reconfirm it; a seed entry missing
// from disk is left dormant (spec.md §4.6 — absence does not imply
// delete, since the server may simply not have synced it in this run).
func (w *Watcher) Seed(local *catalog.Local) error {
	return local.ForEach(func(e fsentry.Entry) error {
		abs := fsentry.ToAbsolute(w.root, e.RelativePath)
		if _, err := os.Lstat(abs); err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		w.paths[abs] = e
		w.seedPending = append(w.seedPending, abs)
		return nil
	})
}

// watchTree registers every directory under root with fsnotify so
// create/modify/delete events anywhere in the tree wake the loop early.
// Best-effort: a failed Add for one subtree does not abort the others.
func (w *Watcher) watchTree() {
	if w.fsw == nil {
		return
	}
	filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			w.fsw.Add(path) //nolint:errcheck // fsnotify is a latency optimization only
		}
		return nil
	})
}

// Run executes the diff loop until stop is closed, delivering every
// event to handle. It blocks until stop fires.
func (w *Watcher) Run(stop <-chan struct{}, handle Handler) {
	w.watchTree()

	ticker := time.NewTicker(w.period)
	defer ticker.Stop()

	for {
		w.emitSeeded(handle)
		w.deletionPass(handle)
		w.createModifyPass(handle)

		select {
		case <-stop:
			return
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

func (w *Watcher) emitSeeded(handle Handler) {
	if len(w.seedPending) == 0 {
		return
	}
	remaining := w.seedPending[:0]
	for _, abs := range w.seedPending {
		e, ok := w.paths[abs]
		if !ok {
			continue // superseded by a real diff event already
		}
		if !handle(Event{Entry: e, Status: Modified}) {
			remaining = append(remaining, abs)
		}
	}
	w.seedPending = remaining
}

// deletionPass removes mirror entries whose path no longer exists on
// disk, deepest paths first so a directory's children are reported
// deleted before the directory itself (spec.md §8 scenario 5).
func (w *Watcher) deletionPass(handle Handler) {
	var missing []string
	for abs := range w.paths {
		if _, err := os.Lstat(abs); err != nil && os.IsNotExist(err) {
			missing = append(missing, abs)
		}
	}
	if len(missing) == 0 {
		return
	}
	sort.Slice(missing, func(i, j int) bool {
		return depth(missing[i]) > depth(missing[j])
	})
	for _, abs := range missing {
		e := w.paths[abs]
		if handle(Event{Entry: e, Status: Deleted}) {
			delete(w.paths, abs)
		}
	}
}

func depth(p string) int {
	return strings.Count(filepath.ToSlash(p), `/`)
}

// createModifyPass walks the watch root and reports new or changed
// objects.
func (w *Watcher) createModifyPass(handle Handler) {
	filepath.WalkDir(w.root, func(abs string, d fs.DirEntry, err error) error {
		if err != nil || abs == w.root {
			return nil
		}
		e, serr := fsentry.Scan(w.root, abs)
		if serr != nil {
			if errors.Is(serr, fsentry.ErrUnsupportedObject) {
				return nil
			}
			return nil // transient race (e.g. removed mid-walk); next cycle resolves it
		}

		old, existed := w.paths[abs]
		switch {
		case !existed:
			if handle(Event{Entry: e, Status: Created}) {
				w.paths[abs] = e
			}
		case !old.Equal(e):
			if handle(Event{Entry: e, Status: Modified}) {
				w.paths[abs] = e
			}
		}
		return nil
	})
}
