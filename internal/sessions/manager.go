// Package sessions runs interactive shells on pseudo-terminals inside
// project workspaces and streams their output as events.
package sessions

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hyper-ai-inc/devspace/internal/events"
	"github.com/hyper-ai-inc/devspace/internal/id"
	"github.com/hyper-ai-inc/devspace/internal/logging"
	"github.com/hyper-ai-inc/devspace/internal/metrics"
	"github.com/hyper-ai-inc/devspace/internal/pty"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidSize     = errors.New("terminal size must be positive")
	ErrShuttingDown    = errors.New("session manager is shutting down")
)

const (
	DefaultIdleTimeout  = 30 * time.Minute
	DefaultReapInterval = 60 * time.Second
)

// RootFunc returns the workspace root for a project, creating it if needed.
type RootFunc func(projectID string) (string, error)

// Manager handles session lifecycle
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	closing  bool

	root         RootFunc
	events       events.Publisher
	metrics      *metrics.Metrics
	log          logrus.FieldLogger
	shell        string
	idleTimeout  time.Duration
	reapInterval time.Duration

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

func WithShell(shell string) Option {
	return func(m *Manager) { m.shell = shell }
}

func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) { m.idleTimeout = d }
}

func WithReapInterval(d time.Duration) Option {
	return func(m *Manager) { m.reapInterval = d }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Manager) { m.log = l }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates a session manager and starts its idle reaper.
func NewManager(root RootFunc, pub events.Publisher, opts ...Option) *Manager {
	m := &Manager{
		sessions:     make(map[string]*Session),
		root:         root,
		events:       pub,
		log:          logging.Discard(),
		idleTimeout:  DefaultIdleTimeout,
		reapInterval: DefaultReapInterval,
		stop:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = logging.Component(m.log, "sessions")

	go m.reapLoop()
	return m
}

// Create starts a shell for ownerID in projectID's workspace. Output and
// exit are already being streamed when Create returns.
func (m *Manager) Create(projectID string, cols, rows uint16, ownerID string) (*Session, error) {
	if cols == 0 || rows == 0 {
		return nil, ErrInvalidSize
	}
	root, err := m.root(projectID)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	closing := m.closing
	m.mu.RUnlock()
	if closing {
		return nil, ErrShuttingDown
	}

	p, err := pty.New(pty.Options{
		Shell: m.shell,
		Dir:   root,
		Env: append(pty.BaseEnv(root),
			"TERM=xterm-256color",
			"COLORTERM=truecolor",
			"LANG=C.UTF-8",
			"LC_ALL=C.UTF-8",
		),
		Cols: cols,
		Rows: rows,
	})
	if err != nil {
		return nil, err
	}

	s := newSession(id.Session(projectID), projectID, ownerID, p, cols, rows)

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(s)

	m.metrics.SessionOpened()
	m.log.WithFields(logrus.Fields{
		"session": s.ID,
		"owner":   ownerID,
	}).Info("terminal session created")
	return s, nil
}

// run streams output and then reports the exit, once, for every session.
func (m *Manager) run(s *Session) {
	defer m.wg.Done()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		m.readLoop(s)
	}()

	<-s.pty.Done()

	// Let buffered output drain; background jobs may keep the terminal
	// open, so close it after a short grace.
	select {
	case <-readDone:
	case <-time.After(500 * time.Millisecond):
	}
	s.pty.Close()
	<-readDone

	m.remove(s)
	code := s.pty.ExitCode()
	m.events.Publish(events.Event{
		Type:      events.TerminalExit,
		ProjectID: s.ProjectID,
		SessionID: s.ID,
		Target:    s.OwnerID,
		Data:      ExitData{SessionID: s.ID, ExitCode: code},
	})
	m.metrics.SessionClosed()
	m.log.WithFields(logrus.Fields{
		"session":  s.ID,
		"exitCode": code,
	}).Info("terminal session ended")
}

// readLoop reads from the PTY and publishes output in order.
func (m *Manager) readLoop(s *Session) {
	buf := make([]byte, 32*1024) // 32KB buffer
	var carry []byte

	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			var complete []byte
			complete, carry = splitUTF8(chunk)
			carry = append([]byte(nil), carry...)
			if len(complete) > 0 {
				m.publishOutput(s, complete)
			}
		}
		if err != nil {
			if len(carry) > 0 {
				m.publishOutput(s, carry)
			}
			return
		}
	}
}

func (m *Manager) publishOutput(s *Session, data []byte) {
	m.events.Publish(events.Event{
		Type:      events.TerminalOutput,
		ProjectID: s.ProjectID,
		SessionID: s.ID,
		Target:    s.OwnerID,
		Data:      OutputData{SessionID: s.ID, Data: string(data)},
	})
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.ID] == s {
		delete(m.sessions, s.ID)
	}
}

// Get retrieves a session by ID
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Write forwards raw input to the session's terminal.
func (m *Manager) Write(id string, data []byte) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.touch()
	if _, err := s.pty.Write(data); err != nil {
		return ErrSessionNotFound
	}
	return nil
}

// Resize changes the session's window size.
func (m *Manager) Resize(id string, cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return ErrInvalidSize
	}
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.touch()
	if err := s.pty.Resize(cols, rows); err != nil {
		return ErrSessionNotFound
	}
	s.setSize(cols, rows)
	return nil
}

// Destroy kills the session's process group. Unknown ids are ignored, so
// calling it twice is harmless. The exit event follows asynchronously.
func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return s.pty.Close()
}

// DestroyOwnedBy destroys every session created by ownerID and returns how
// many there were.
func (m *Manager) DestroyOwnedBy(ownerID string) int {
	return m.destroyWhere(func(s *Session) bool { return s.OwnerID == ownerID })
}

// DestroyProject destroys every session in projectID.
func (m *Manager) DestroyProject(projectID string) int {
	return m.destroyWhere(func(s *Session) bool { return s.ProjectID == projectID })
}

func (m *Manager) destroyWhere(match func(*Session) bool) int {
	m.mu.RLock()
	var ids []string
	for id, s := range m.sessions {
		if match(s) {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Destroy(id)
	}
	return len(ids)
}

// List returns the live sessions of projectID, oldest first. An empty
// projectID lists every session.
func (m *Manager) List(projectID string) []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		if projectID == "" || s.ProjectID == projectID {
			out = append(out, s.Info())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) reapLoop() {
	ticker := time.NewTicker(m.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.reap(now)
		}
	}
}

// reap destroys sessions idle for longer than the idle timeout.
func (m *Manager) reap(now time.Time) {
	m.mu.RLock()
	var idle []*Session
	for _, s := range m.sessions {
		if now.Sub(s.LastActivity()) > m.idleTimeout {
			idle = append(idle, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range idle {
		m.log.WithFields(logrus.Fields{
			"session": s.ID,
			"idle":    now.Sub(s.LastActivity()).Round(time.Second).String(),
		}).Info("reaping idle terminal session")
		m.Destroy(s.ID)
	}
}

// Shutdown closes all sessions and waits for their exit events.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	m.closing = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.pty.Close()
	}
	m.wg.Wait()
}
