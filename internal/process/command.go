package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/hyper-ai-inc/devspace/internal/events"
	"github.com/hyper-ai-inc/devspace/internal/pty"
)

var (
	ErrCommandTimeout = errors.New("command timed out")
	ErrCommandFailed  = errors.New("command exited with non-zero status")
	ErrSpawnFailure   = errors.New("failed to spawn command")
)

const (
	DefaultCommandTimeout = 5 * time.Minute

	// maxCapture caps each captured stream of a one-shot command.
	maxCapture = 1 << 20
)

// CommandResult is the outcome of a one-shot command.
type CommandResult struct {
	ExitCode int           `json:"exitCode"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// streamWriter publishes each chunk as process:output and keeps a bounded
// copy for the result.
type streamWriter struct {
	m         *Manager
	projectID string
	stream    string

	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.m.events.Publish(events.Event{
		Type:      events.ProcessOutput,
		ProjectID: w.projectID,
		Data:      OutputData{Stream: w.stream, Data: string(p)},
	})

	w.mu.Lock()
	if room := maxCapture - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	w.mu.Unlock()
	return len(p), nil
}

func (w *streamWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

// RunCommand runs command with sh -c in the project's workspace, streaming
// its output as process:output events. A zero timeout uses the manager's
// default. On timeout the whole process group is killed.
func (m *Manager) RunCommand(ctx context.Context, projectID, command string, timeout time.Duration) (CommandResult, error) {
	root, err := m.root(projectID)
	if err != nil {
		return CommandResult{}, err
	}
	if timeout <= 0 {
		timeout = m.commandTimeout
	}

	m.events.Publish(events.Event{
		Type:      events.ProcessOutput,
		ProjectID: projectID,
		Data:      OutputData{Stream: StreamSystem, Data: "$ " + command + "\n"},
	})

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout := &streamWriter{m: m, projectID: projectID, stream: StreamStdout}
	stderr := &streamWriter{m: m, projectID: projectID, stream: StreamStderr}

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = root
	cmd.Env = pty.BaseEnv(root)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = m.drain

	log := m.log.WithFields(logrus.Fields{
		"project": projectID,
		"command": command,
	})

	start := time.Now()
	runErr := cmd.Run()
	result := CommandResult{
		ExitCode: exitCode(runErr),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	var outcome string
	switch {
	case runErr != nil && cmd.ProcessState == nil:
		outcome = "spawn_error"
		err = fmt.Errorf("%w: %v", ErrSpawnFailure, runErr)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		outcome = "timeout"
		err = fmt.Errorf("%w after %s", ErrCommandTimeout, timeout)
	case ctx.Err() != nil:
		outcome = "canceled"
		err = ctx.Err()
	case result.ExitCode != 0:
		outcome = "failed"
		err = fmt.Errorf("%w: exit code %d", ErrCommandFailed, result.ExitCode)
	default:
		outcome = "ok"
	}

	m.metrics.ObserveCommand(outcome, result.Duration.Seconds())
	log.WithFields(logrus.Fields{
		"exitCode": result.ExitCode,
		"outcome":  outcome,
		"duration": result.Duration.Round(time.Millisecond).String(),
	}).Info("command finished")

	return result, err
}
