package watch

import (
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hyper-ai-inc/devspace/internal/events"
	"github.com/hyper-ai-inc/devspace/internal/logging"
)

// RootFunc maps a project id to its workspace root.
type RootFunc func(projectID string) (string, error)

// Manager runs one Watcher per project while at least one subscriber
// holds it.
type Manager struct {
	mu       sync.Mutex
	watchers map[string]*held
	root     RootFunc
	events   events.Publisher
	debounce time.Duration
	log      logrus.FieldLogger
}

type held struct {
	w    *Watcher
	refs int
}

// NewManager creates a manager that resolves roots with root.
func NewManager(root RootFunc, pub events.Publisher, debounce time.Duration, log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logging.Discard()
	}
	return &Manager{
		watchers: make(map[string]*held),
		root:     root,
		events:   pub,
		debounce: debounce,
		log:      logging.Component(log, "watch"),
	}
}

// Acquire takes a reference on projectID's watcher, starting it if it is
// not running yet. A project without a workspace directory is not watched
// until a later Acquire finds one. The reference is counted even when
// starting fails, so every Acquire must be paired with a Release.
func (m *Manager) Acquire(projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.watchers[projectID]
	if !ok {
		h = &held{}
		m.watchers[projectID] = h
	}
	h.refs++
	if h.w != nil {
		return nil
	}

	root, err := m.root(projectID)
	if err != nil {
		return err
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return nil
	}

	w, err := NewWatcher(projectID, root, m.events, m.debounce, m.log)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	h.w = w
	m.log.WithField("project", projectID).Debug("watcher started")
	return nil
}

// Release drops a reference and stops the watcher when none remain.
func (m *Manager) Release(projectID string) {
	m.mu.Lock()
	h, ok := m.watchers[projectID]
	if !ok {
		m.mu.Unlock()
		return
	}
	h.refs--
	if h.refs > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.watchers, projectID)
	m.mu.Unlock()

	if h.w == nil {
		return
	}
	h.w.Stop()
	m.log.WithField("project", projectID).Debug("watcher stopped")
}

// Active reports whether projectID is being watched.
func (m *Manager) Active(projectID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.watchers[projectID]
	return ok && h.w != nil
}

// Close stops every watcher.
func (m *Manager) Close() {
	m.mu.Lock()
	all := m.watchers
	m.watchers = make(map[string]*held)
	m.mu.Unlock()

	for _, h := range all {
		if h.w != nil {
			h.w.Stop()
		}
	}
}
