// Package watch reports file changes made outside the HTTP API, such as
// edits from a terminal or a dev server's build output, as file:changed
// events.
package watch

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/hyper-ai-inc/devspace/internal/events"
	"github.com/hyper-ai-inc/devspace/internal/fs"
)

// DefaultDebounce is how long a file must stay quiet before a create or
// write is reported.
const DefaultDebounce = 300 * time.Millisecond

// SourceWatcher marks changes discovered by the watcher.
const SourceWatcher = "watcher"

// Watcher wraps fsnotify for one project root with per-file debouncing.
type Watcher struct {
	projectID string
	root      string
	debounce  time.Duration
	fsw       *fsnotify.Watcher
	events    events.Publisher
	log       logrus.FieldLogger
	stop      chan struct{}
	stopped   chan struct{}
	stopOnce  sync.Once

	// Debounce: per-file timer that resets on each event.
	debounceMu     sync.Mutex
	debounceTimers map[string]*pending
}

type pending struct {
	timer *time.Timer
	op    string
}

// NewWatcher creates a watcher for root. Call Start to begin.
func NewWatcher(projectID, root string, pub events.Publisher, debounce time.Duration, log logrus.FieldLogger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		projectID:      projectID,
		root:           root,
		debounce:       debounce,
		fsw:            fsw,
		events:         pub,
		log:            log.WithField("project", projectID),
		stop:           make(chan struct{}),
		stopped:        make(chan struct{}),
		debounceTimers: make(map[string]*pending),
	}, nil
}

// Start watches root and every visible subdirectory.
func (w *Watcher) Start() error {
	if err := w.fsw.Add(w.root); err != nil {
		w.fsw.Close()
		return err
	}
	w.addTree(w.root)

	go w.loop()
	return nil
}

// addTree watches every visible directory below dir.
func (w *Watcher) addTree(dir string) {
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() || path == dir {
			return nil
		}
		if fs.Hidden(d.Name(), true) {
			return filepath.SkipDir
		}
		if watchErr := w.fsw.Add(path); watchErr != nil {
			w.log.WithError(watchErr).WithField("path", path).Warn("failed to watch directory")
		}
		return nil
	})
	if err != nil {
		w.log.WithError(err).Warn("walk error during watch setup")
	}
}

// Stop shuts down the watcher and cancels pending notifications.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		w.fsw.Close()
	})
	<-w.stopped
}

func (w *Watcher) loop() {
	defer close(w.stopped)

	for {
		select {
		case <-w.stop:
			w.debounceMu.Lock()
			for _, p := range w.debounceTimers {
				p.timer.Stop()
			}
			w.debounceTimers = map[string]*pending{}
			w.debounceMu.Unlock()
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("watch error")
		}
	}
}

func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	rel = filepath.ToSlash(rel)

	info, statErr := os.Lstat(event.Name)
	if statErr == nil && info.Mode()&os.ModeSymlink != 0 {
		return
	}
	isDir := statErr == nil && info.IsDir()
	if hiddenPath(rel, isDir) {
		return
	}

	switch {
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		// Removes fire immediately; a rename's new name arrives as a create.
		w.cancelDebounce(rel)
		w.emit(fs.FileChange{Path: rel, Op: fs.OpDelete})

	case event.Has(fsnotify.Create) && isDir:
		if watchErr := w.fsw.Add(event.Name); watchErr != nil {
			w.log.WithError(watchErr).WithField("path", rel).Warn("failed to watch new directory")
		}
		w.addTree(event.Name)
		w.emit(fs.FileChange{Path: rel, Op: fs.OpMkdir})

	case event.Has(fsnotify.Create):
		w.schedule(rel, fs.OpCreate)

	case event.Has(fsnotify.Write):
		w.schedule(rel, fs.OpWrite)
	}
}

// schedule resets rel's debounce timer. A create followed by writes is
// still reported as a create.
func (w *Watcher) schedule(rel, op string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	select {
	case <-w.stop:
		return
	default:
	}

	if prev, ok := w.debounceTimers[rel]; ok {
		prev.timer.Stop()
		if prev.op == fs.OpCreate {
			op = fs.OpCreate
		}
	}
	p := &pending{op: op}
	p.timer = time.AfterFunc(w.debounce, func() {
		w.debounceMu.Lock()
		if w.debounceTimers[rel] != p {
			w.debounceMu.Unlock()
			return
		}
		delete(w.debounceTimers, rel)
		w.debounceMu.Unlock()

		w.emit(fs.FileChange{Path: rel, Op: p.op})
	})
	w.debounceTimers[rel] = p
}

func (w *Watcher) cancelDebounce(rel string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	if p, ok := w.debounceTimers[rel]; ok {
		p.timer.Stop()
		delete(w.debounceTimers, rel)
	}
}

func (w *Watcher) emit(change fs.FileChange) {
	select {
	case <-w.stop:
		return
	default:
	}
	change.Source = SourceWatcher
	w.events.Publish(events.Event{
		Type:      events.FileChanged,
		ProjectID: w.projectID,
		Data:      change,
	})
}

// hiddenPath reports whether any segment of rel is excluded from listings.
func hiddenPath(rel string, isDir bool) bool {
	segments := strings.Split(rel, "/")
	for i, seg := range segments {
		last := i == len(segments)-1
		if fs.Hidden(seg, !last || isDir) {
			return true
		}
	}
	return false
}
