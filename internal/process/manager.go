// Package process supervises one long-running dev server per project and
// runs one-shot shell commands in project workspaces.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/hyper-ai-inc/devspace/internal/events"
	"github.com/hyper-ai-inc/devspace/internal/logging"
	"github.com/hyper-ai-inc/devspace/internal/metrics"
	"github.com/hyper-ai-inc/devspace/internal/ports"
	"github.com/hyper-ai-inc/devspace/internal/pty"
)

var (
	ErrProcessNotFound = errors.New("process not found")
	ErrStopTimeout     = errors.New("process did not exit after SIGKILL")
)

// Status is the lifecycle state of a process record.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Output streams.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamSystem = "system"
)

const (
	DefaultStopGrace = 5 * time.Second
	DefaultDrain     = 2 * time.Second
)

// Record describes the current or last process of a project.
type Record struct {
	ProjectID string     `json:"projectId"`
	Command   string     `json:"command"`
	Args      []string   `json:"args"`
	Env       []string   `json:"-"`
	Port      int        `json:"port"`
	Pid       int        `json:"pid,omitempty"`
	Status    Status     `json:"status"`
	Error     string     `json:"error,omitempty"`
	ExitCode  *int       `json:"exitCode,omitempty"`
	StartedAt time.Time  `json:"startedAt"`
	StoppedAt *time.Time `json:"stoppedAt,omitempty"`
}

// Terminal reports whether the record has reached stopped or error.
func (r Record) Terminal() bool {
	return r.Status == StatusStopped || r.Status == StatusError
}

// StatusData is the payload of process:status.
type StatusData struct {
	Status   Status `json:"status"`
	Command  string `json:"command"`
	Port     int    `json:"port"`
	Pid      int    `json:"pid,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Error    string `json:"error,omitempty"`
}

// OutputData is the payload of process:output.
type OutputData struct {
	Stream string `json:"stream"`
	Data   string `json:"data"`
}

// RootFunc returns the workspace root for a project, creating it if needed.
type RootFunc func(projectID string) (string, error)

type proc struct {
	mu            sync.Mutex
	rec           Record
	cmd           *exec.Cmd
	done          chan struct{}
	stopRequested bool
}

func (p *proc) snapshot() Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := p.rec
	rec.Args = append([]string(nil), p.rec.Args...)
	return rec
}

// Manager owns every project's process record.
type Manager struct {
	mu    sync.Mutex
	procs map[string]*proc
	locks map[string]*sync.Mutex

	root           RootFunc
	ports          *ports.Allocator
	events         events.Publisher
	metrics        *metrics.Metrics
	log            logrus.FieldLogger
	stopGrace      time.Duration
	drain          time.Duration
	commandTimeout time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

func WithStopGrace(d time.Duration) Option {
	return func(m *Manager) { m.stopGrace = d }
}

// WithDrain bounds how long output is drained after a process exits.
func WithDrain(d time.Duration) Option {
	return func(m *Manager) { m.drain = d }
}

func WithCommandTimeout(d time.Duration) Option {
	return func(m *Manager) { m.commandTimeout = d }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Manager) { m.log = l }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates a process manager drawing ports from alloc.
func NewManager(root RootFunc, alloc *ports.Allocator, pub events.Publisher, opts ...Option) *Manager {
	m := &Manager{
		procs:          make(map[string]*proc),
		locks:          make(map[string]*sync.Mutex),
		root:           root,
		ports:          alloc,
		events:         pub,
		log:            logging.Discard(),
		stopGrace:      DefaultStopGrace,
		drain:          DefaultDrain,
		commandTimeout: DefaultCommandTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = logging.Component(m.log, "process")
	return m
}

// lockProject serializes lifecycle operations on one project.
func (m *Manager) lockProject(projectID string) func() {
	m.mu.Lock()
	l, ok := m.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[projectID] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (m *Manager) get(projectID string) *proc {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.procs[projectID]
}

// Start runs command in projectID's workspace with PORT set to the
// project's allocated port, replacing any running process. A spawn failure
// is reported in the returned record's status, not as an error.
func (m *Manager) Start(ctx context.Context, projectID, command string, args, env []string) (Record, error) {
	unlock := m.lockProject(projectID)
	defer unlock()
	return m.startLocked(ctx, projectID, command, args, env)
}

func (m *Manager) startLocked(ctx context.Context, projectID, command string, args, env []string) (Record, error) {
	root, err := m.root(projectID)
	if err != nil {
		return Record{}, err
	}

	if prev := m.get(projectID); prev != nil {
		if err := m.stopLocked(ctx, prev); err != nil {
			return Record{}, err
		}
	}

	port, err := m.ports.Allocate(projectID)
	if err != nil {
		return Record{}, err
	}

	cmd := exec.Command(command, args...)
	cmd.Dir = root
	cmd.Env = append(pty.BaseEnv(root), "PORT="+strconv.Itoa(port))
	cmd.Env = append(cmd.Env, env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	p := &proc{
		rec: Record{
			ProjectID: projectID,
			Command:   command,
			Args:      append([]string(nil), args...),
			Env:       append([]string(nil), env...),
			Port:      port,
			Status:    StatusStarting,
			StartedAt: time.Now().UTC(),
		},
		cmd:  cmd,
		done: make(chan struct{}),
	}
	m.mu.Lock()
	m.procs[projectID] = p
	m.mu.Unlock()
	m.publishStatus(p)

	log := m.log.WithFields(logrus.Fields{
		"project": projectID,
		"command": command,
		"port":    port,
	})

	outR, outW, err := os.Pipe()
	if err != nil {
		return m.failStart(p, err, log), nil
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return m.failStart(p, err, log), nil
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	startErr := cmd.Start()
	outW.Close()
	errW.Close()
	if startErr != nil {
		outR.Close()
		errR.Close()
		return m.failStart(p, startErr, log), nil
	}

	p.mu.Lock()
	p.rec.Pid = cmd.Process.Pid
	p.rec.Status = StatusRunning
	p.mu.Unlock()
	m.publishStatus(p)
	m.metrics.ProcessRunning()
	log.WithField("pid", cmd.Process.Pid).Info("process started")

	var readers sync.WaitGroup
	readers.Add(2)
	go m.pump(projectID, StreamStdout, outR, &readers)
	go m.pump(projectID, StreamStderr, errR, &readers)
	go m.wait(p, &readers, outR, errR, log)

	return p.snapshot(), nil
}

func (m *Manager) failStart(p *proc, err error, log logrus.FieldLogger) Record {
	now := time.Now().UTC()
	p.mu.Lock()
	p.rec.Status = StatusError
	p.rec.Error = err.Error()
	p.rec.StoppedAt = &now
	p.mu.Unlock()

	m.ports.Release(p.rec.ProjectID)
	m.publishStatus(p)
	close(p.done)
	log.WithError(err).Warn("process failed to start")
	return p.snapshot()
}

// pump publishes one output stream in read order.
func (m *Manager) pump(projectID, stream string, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			m.events.Publish(events.Event{
				Type:      events.ProcessOutput,
				ProjectID: projectID,
				Data:      OutputData{Stream: stream, Data: string(buf[:n])},
			})
		}
		if err != nil {
			return
		}
	}
}

// wait reaps the process, drains its output and records the final status.
func (m *Manager) wait(p *proc, readers *sync.WaitGroup, outR, errR *os.File, log logrus.FieldLogger) {
	waitErr := p.cmd.Wait()

	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(m.drain):
		// Descendants still hold the pipes open.
		outR.Close()
		errR.Close()
		<-drained
	}
	outR.Close()
	errR.Close()

	code := exitCode(waitErr)
	now := time.Now().UTC()

	p.mu.Lock()
	p.rec.ExitCode = &code
	p.rec.StoppedAt = &now
	switch {
	case p.stopRequested || code == 0:
		p.rec.Status = StatusStopped
	default:
		p.rec.Status = StatusError
		p.rec.Error = fmt.Sprintf("exited with code %d", code)
	}
	status := p.rec.Status
	p.mu.Unlock()

	m.ports.Release(p.rec.ProjectID)
	m.publishStatus(p)
	m.metrics.ProcessStopped()
	close(p.done)

	log.WithFields(logrus.Fields{
		"exitCode": code,
		"status":   status,
	}).Info("process exited")
}

func (m *Manager) publishStatus(p *proc) {
	rec := p.snapshot()
	m.events.Publish(events.Event{
		Type:      events.ProcessStatus,
		ProjectID: rec.ProjectID,
		Data: StatusData{
			Status:   rec.Status,
			Command:  rec.Command,
			Port:     rec.Port,
			Pid:      rec.Pid,
			ExitCode: rec.ExitCode,
			Error:    rec.Error,
		},
	})
}

// Stop terminates projectID's process group: SIGTERM, then SIGKILL after
// the grace period. Stopping a finished process is a no-op.
func (m *Manager) Stop(ctx context.Context, projectID string) error {
	unlock := m.lockProject(projectID)
	defer unlock()

	p := m.get(projectID)
	if p == nil {
		return ErrProcessNotFound
	}
	return m.stopLocked(ctx, p)
}

func (m *Manager) stopLocked(ctx context.Context, p *proc) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	p.mu.Lock()
	p.stopRequested = true
	pid := p.rec.Pid
	p.mu.Unlock()

	log := m.log.WithFields(logrus.Fields{"project": p.rec.ProjectID, "pid": pid})
	log.Info("stopping process")

	// Send SIGTERM to the process group
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		log.WithError(err).Warn("SIGTERM failed")
	}

	timer := time.NewTimer(m.stopGrace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	log.Warn("grace period expired, sending SIGKILL")
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		log.WithError(err).Warn("SIGKILL failed")
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(2 * m.drain):
		return fmt.Errorf("%w: pid %d", ErrStopTimeout, pid)
	}
}

// Restart stops the project's process and starts it again with the same
// command, arguments and environment.
func (m *Manager) Restart(ctx context.Context, projectID string) (Record, error) {
	unlock := m.lockProject(projectID)
	defer unlock()

	p := m.get(projectID)
	if p == nil {
		return Record{}, ErrProcessNotFound
	}
	rec := p.snapshot()
	return m.startLocked(ctx, projectID, rec.Command, rec.Args, rec.Env)
}

// Remove stops the project's process and forgets its record.
func (m *Manager) Remove(ctx context.Context, projectID string) error {
	unlock := m.lockProject(projectID)
	defer unlock()

	p := m.get(projectID)
	if p == nil {
		return nil
	}
	if err := m.stopLocked(ctx, p); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.procs, projectID)
	m.mu.Unlock()
	return nil
}

// Status returns the project's current or last record.
func (m *Manager) Status(projectID string) (Record, error) {
	p := m.get(projectID)
	if p == nil {
		return Record{}, ErrProcessNotFound
	}
	return p.snapshot(), nil
}

// List returns every record ordered by project id.
func (m *Manager) List() []Record {
	m.mu.Lock()
	procs := make([]*proc, 0, len(m.procs))
	for _, p := range m.procs {
		procs = append(procs, p)
	}
	m.mu.Unlock()

	out := make([]Record, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}

// Port returns the port held by the project's running process.
func (m *Manager) Port(projectID string) (int, bool) {
	p := m.get(projectID)
	if p == nil {
		return 0, false
	}
	rec := p.snapshot()
	if rec.Terminal() {
		return 0, false
	}
	return rec.Port, true
}

// Shutdown stops every running process concurrently.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.procs))
	for projectID := range m.procs {
		ids = append(ids, projectID)
	}
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, projectID := range ids {
		projectID := projectID
		g.Go(func() error {
			return m.Stop(ctx, projectID)
		})
	}
	return g.Wait()
}

// exitCode converts the result of Wait into a shell-style exit status.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return exitErr.ExitCode()
}
