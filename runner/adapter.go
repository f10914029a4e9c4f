// Package runner supervises one test-runner subprocess per run: it
// spawns the tool, streams its stdout line by line, and guarantees the
// process is reaped on cancellation.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/ethereum/go-ethereum/log"
)

// ErrToolNotFound is returned by Start before any lines are produced
// when the tool's binary cannot be resolved.
var ErrToolNotFound = errors.New("tool binary not found")

const (
	// DefaultGrace is how long Cancel waits after the termination
	// signal before force-killing the process.
	DefaultGrace = 5 * time.Second

	// lineBuffer bounds the raw line channel; a full buffer applies
	// backpressure to the subprocess pipe rather than growing memory.
	lineBuffer = 256

	// maxLineSize caps a single protocol line. Runners that exceed it
	// are emitting garbage, not LITF.
	maxLineSize = 1 << 20
)

// Command describes the subprocess to launch for one run.
type Command struct {
	Tool  string   // tool identifier, for logging only
	Argv  []string // resolved argv; Argv[0] is the binary
	Dir   string   // working directory handed to the runner
	Grace time.Duration
	Log   log.Logger
}

// ExitStatus is the final state of the runner process.
type ExitStatus struct {
	Code int
	Err  error
}

// Handle is a live adapter attached to a running subprocess. A handle
// is not restartable; retrying a run means calling Start again.
type Handle interface {
	// Lines yields sanitized raw output lines until process exit or
	// cancellation, then closes.
	Lines() <-chan string
	// Exit blocks until the process is reaped and returns its status.
	Exit() ExitStatus
	// Cancel requests termination: signal, bounded grace, then kill.
	// Safe to call more than once.
	Cancel()
}

// StartFunc is the adapter entry point. The supervisor takes it as a
// seam so tests can substitute scripted adapters.
type StartFunc func(ctx context.Context, cmd Command) (Handle, error)

// Start launches the tool subprocess and attaches to its stdout.
func Start(ctx context.Context, cmd Command) (Handle, error) {
	if len(cmd.Argv) == 0 {
		return nil, fmt.Errorf("tool %q resolved to an empty command", cmd.Tool)
	}
	if cmd.Grace <= 0 {
		cmd.Grace = DefaultGrace
	}
	if cmd.Log == nil {
		cmd.Log = log.New()
	}

	bin, err := exec.LookPath(cmd.Argv[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrToolNotFound, cmd.Argv[0])
	}

	proc := exec.Command(bin, cmd.Argv[1:]...)
	proc.Dir = cmd.Dir

	stdout, err := proc.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach stdout pipe: %w", err)
	}
	stderr, err := proc.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach stderr pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		return nil, fmt.Errorf("failed to start tool %q: %w", cmd.Tool, err)
	}
	cmd.Log.Debug("runner process started", "tool", cmd.Tool, "pid", proc.Process.Pid, "dir", cmd.Dir)

	h := &procHandle{
		cmd:    cmd,
		proc:   proc,
		lines:  make(chan string, lineBuffer),
		exited: make(chan struct{}),
	}

	// Drain stderr so the runner can't block on a full pipe; its
	// content is operator noise, not protocol.
	go func() {
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for sc.Scan() {
			cmd.Log.Debug("runner stderr", "tool", cmd.Tool, "line", sc.Text())
		}
	}()

	go h.pump(stdout)

	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				h.Cancel()
			case <-h.exited:
			}
		}()
	}

	return h, nil
}

type procHandle struct {
	cmd  Command
	proc *exec.Cmd

	lines  chan string
	exited chan struct{}
	exit   ExitStatus

	cancelOnce sync.Once
}

func (h *procHandle) Lines() <-chan string { return h.lines }

func (h *procHandle) Exit() ExitStatus {
	<-h.exited
	return h.exit
}

func (h *procHandle) Cancel() {
	h.cancelOnce.Do(func() {
		h.cmd.Log.Debug("cancelling runner process", "tool", h.cmd.Tool, "pid", h.proc.Process.Pid)
		if err := terminate(h.proc); err != nil {
			h.cmd.Log.Debug("termination signal failed, killing", "tool", h.cmd.Tool, "err", err)
			_ = h.proc.Process.Kill()
			return
		}
		go func() {
			select {
			case <-h.exited:
			case <-time.After(h.cmd.Grace):
				h.cmd.Log.Warn("runner ignored termination signal, killing", "tool", h.cmd.Tool, "pid", h.proc.Process.Pid)
				_ = h.proc.Process.Kill()
			}
		}()
	})
}

// pump copies stdout lines into the bounded channel until EOF, then
// reaps the process and publishes its exit status. The consumer must
// drain Lines to completion; cancellation closes the pipe and ends
// the stream rather than abandoning it.
func (h *procHandle) pump(stdout io.Reader) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		line := strings.TrimSpace(stripansi.Strip(sc.Text()))
		if line == "" {
			continue
		}
		h.lines <- line
	}
	close(h.lines)

	err := h.proc.Wait()
	h.exit = ExitStatus{Code: exitCode(err), Err: err}
	close(h.exited)

	h.cmd.Log.Debug("runner process exited", "tool", h.cmd.Tool, "code", h.exit.Code)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
