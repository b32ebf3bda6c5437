// Package watcher subscribes to OS filesystem notifications for the
// configured directories and forwards them as raw events.
package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prismon/hazelnut/internal/models"
	"github.com/prismon/hazelnut/pkg/logger"
	"github.com/prismon/hazelnut/pkg/pathutil"
	"github.com/sirupsen/logrus"
)

// Sink receives raw events; the debouncer implements it
type Sink interface {
	Observe(models.RawEvent)
}

// Watcher owns the set of watched paths and their OS subscriptions
type Watcher struct {
	fs   *fsnotify.Watcher
	sink Sink
	log  *logrus.Entry

	mu      sync.Mutex
	roots   []models.WatchedPath
	watched map[string]struct{}

	loopDone  chan struct{}
	closeOnce sync.Once
}

// New creates a watcher and starts its event loop
func New(sink Sink) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	w := &Watcher{
		fs:       fsw,
		sink:     sink,
		log:      logger.WithName("watcher").WithField("component", "fs-watcher"),
		watched:  make(map[string]struct{}),
		loopDone: make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Reload replaces the watched set. Directories that remain watched keep
// their existing subscription, so no events are lost for them. Roots that
// cannot be watched are skipped and reported; the rest still apply.
func (w *Watcher) Reload(paths []models.WatchedPath) []error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var errs []error
	desired := make(map[string]struct{})
	var roots []models.WatchedPath

	for _, root := range paths {
		dirs, err := collectDirs(root)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %v", models.ErrWatchSubscribeFailed, root.Path, err))
			continue
		}
		roots = append(roots, root)
		for _, dir := range dirs {
			desired[dir] = struct{}{}
		}
	}

	for dir := range desired {
		if _, ok := w.watched[dir]; ok {
			continue
		}
		if err := w.fs.Add(dir); err != nil {
			if isRoot(roots, dir) {
				errs = append(errs, fmt.Errorf("%w: %s: %v", models.ErrWatchSubscribeFailed, dir, err))
				roots = dropRoot(roots, dir)
			} else {
				w.log.WithError(err).WithField("path", dir).Warn("Failed to add watch")
			}
			delete(desired, dir)
			continue
		}
		w.watched[dir] = struct{}{}
	}

	for dir := range w.watched {
		if _, keep := desired[dir]; keep {
			continue
		}
		if err := w.fs.Remove(dir); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
			w.log.WithError(err).WithField("path", dir).Debug("Failed to remove watch")
		}
		delete(w.watched, dir)
	}

	w.roots = roots
	for _, err := range errs {
		w.log.WithError(err).Warn("Skipping watch path")
	}
	w.log.WithFields(logrus.Fields{
		"roots":       len(w.roots),
		"directories": len(w.watched),
	}).Info("Watches updated")
	return errs
}

// Roots returns the successfully watched paths
func (w *Watcher) Roots() []models.WatchedPath {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]models.WatchedPath(nil), w.roots...)
}

// Close removes all subscriptions and stops the event loop
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.fs.Close()
		<-w.loopDone
	})
	return err
}

func collectDirs(root models.WatchedPath) ([]string, error) {
	if err := pathutil.ValidatePath(root.Path); err != nil {
		return nil, err
	}
	info, err := os.Stat(root.Path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory")
	}
	if !root.Recursive {
		return []string{root.Path}, nil
	}

	var dirs []string
	err = filepath.WalkDir(root.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root.Path {
				return err
			}
			return fs.SkipDir
		}
		if d.IsDir() {
			dirs = append(dirs, path)
		}
		return nil
	})
	return dirs, err
}

func isRoot(roots []models.WatchedPath, dir string) bool {
	for _, r := range roots {
		if r.Path == dir {
			return true
		}
	}
	return false
}

func dropRoot(roots []models.WatchedPath, dir string) []models.WatchedPath {
	out := roots[:0]
	for _, r := range roots {
		if r.Path != dir {
			out = append(out, r)
		}
	}
	return out
}

func (w *Watcher) loop() {
	defer close(w.loopDone)
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.log.Warn("Kernel event queue overflowed, some changes were missed")
				continue
			}
			w.log.WithError(err).Error("Watcher error")
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	var kind models.EventKind
	switch {
	case event.Has(fsnotify.Remove):
		kind = models.EventRemoved
	case event.Has(fsnotify.Rename):
		kind = models.EventRenamed
	case event.Has(fsnotify.Create):
		kind = models.EventCreated
	case event.Has(fsnotify.Write):
		kind = models.EventModified
	default:
		return
	}

	if logger.IsLevelEnabled(logrus.TraceLevel) {
		w.log.WithFields(logrus.Fields{"path": event.Name, "op": event.Op.String()}).Trace("Received filesystem event")
	}

	switch kind {
	case models.EventCreated:
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() && w.underRecursiveRoot(event.Name) {
			w.addSubtree(event.Name)
		}
	case models.EventRemoved, models.EventRenamed:
		w.forget(event.Name)
	}

	w.sink.Observe(models.RawEvent{Path: event.Name, Kind: kind, ObservedAt: time.Now()})
}

func (w *Watcher) underRecursiveRoot(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, r := range w.roots {
		if r.Recursive && within(r.Path, path) {
			return true
		}
	}
	return false
}

// addSubtree watches a newly created directory and its descendants. Files
// that landed before the watch was in place are reported as created.
func (w *Watcher) addSubtree(dir string) {
	var found []string
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fs.SkipDir
		}
		if d.IsDir() {
			w.mu.Lock()
			if _, ok := w.watched[path]; !ok {
				if err := w.fs.Add(path); err != nil {
					w.log.WithError(err).WithField("path", path).Warn("Failed to add watch")
				} else {
					w.watched[path] = struct{}{}
				}
			}
			w.mu.Unlock()
		}
		if path != dir {
			found = append(found, path)
		}
		return nil
	})
	for _, path := range found {
		w.sink.Observe(models.RawEvent{Path: path, Kind: models.EventCreated, ObservedAt: time.Now()})
	}
}

// forget drops bookkeeping for a directory that disappeared. A removed root
// stays in the root set and is re-subscribed on the next reload.
func (w *Watcher) forget(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for dir := range w.watched {
		if within(path, dir) {
			w.fs.Remove(dir)
			delete(w.watched, dir)
		}
	}
}

func within(root, path string) bool {
	if root == path {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(root, string(filepath.Separator))+string(filepath.Separator))
}
