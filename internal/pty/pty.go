// Package pty runs a program attached to a pseudo-terminal.
package pty

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// Signal types for PTY control
type Signal int

const (
	SIGHUP  Signal = Signal(syscall.SIGHUP)
	SIGINT  Signal = Signal(syscall.SIGINT)
	SIGTERM Signal = Signal(syscall.SIGTERM)
	SIGKILL Signal = Signal(syscall.SIGKILL)
)

// Options describes the program to start.
type Options struct {
	Shell string
	Args  []string
	Dir   string
	// Env is the complete environment; the server's own is not inherited.
	Env  []string
	Cols uint16
	Rows uint16
}

// PTY represents a pseudo-terminal and the process group leader on it.
type PTY struct {
	file *os.File
	cmd  *exec.Cmd

	mu     sync.Mutex
	closed bool

	done     chan struct{}
	exitCode int
}

// DefaultShell returns the preferred shell for PTY sessions.
// Honors SHELL env var when available, otherwise falls back to /bin/bash or /bin/sh.
func DefaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	if _, err := os.Stat("/bin/bash"); err == nil {
		return "/bin/bash"
	}
	return "/bin/sh"
}

// New starts opts.Shell on a fresh pseudo-terminal. The child becomes a
// session leader, so its pid is also its process group id.
func New(opts Options) (*PTY, error) {
	shell := opts.Shell
	if shell == "" {
		shell = DefaultShell()
	}
	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	cmd := exec.Command(shell, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = append([]string{}, opts.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: cols,
		Rows: rows,
	})
	if err != nil {
		return nil, err
	}

	p := &PTY{
		file:     ptmx,
		cmd:      cmd,
		done:     make(chan struct{}),
		exitCode: -1,
	}
	go p.wait()
	return p, nil
}

func (p *PTY) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitCode = ExitCode(err)
	p.mu.Unlock()
	close(p.done)
}

// ExitCode converts the result of Wait into a shell-style exit status.
// A process killed by a signal reports 128 plus the signal number.
func ExitCode(err error) int {
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

// Pid returns the process id of the program.
func (p *PTY) Pid() int {
	return p.cmd.Process.Pid
}

// Read reads from the PTY
func (p *PTY) Read(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, os.ErrClosed
	}
	file := p.file
	p.mu.Unlock()

	return file.Read(buf)
}

// Write writes to the PTY
func (p *PTY) Write(data []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, os.ErrClosed
	}
	file := p.file
	p.mu.Unlock()

	return file.Write(data)
}

// Resize changes the PTY window size
func (p *PTY) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return os.ErrClosed
	}

	return pty.Setsize(p.file, &pty.Winsize{
		Cols: cols,
		Rows: rows,
	})
}

// Signal sends sig to the whole process group on the terminal.
func (p *PTY) Signal(sig Signal) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	return unix.Kill(-p.cmd.Process.Pid, unix.Signal(sig))
}

// Close kills the process group and releases the terminal. It is safe to
// call more than once.
func (p *PTY) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	select {
	case <-p.done:
	default:
		_ = unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL)
	}

	return p.file.Close()
}

// Done returns a channel that closes when the process exits
func (p *PTY) Done() <-chan struct{} {
	return p.done
}

// ExitCode returns the exit status once Done is closed, -1 before.
func (p *PTY) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}
