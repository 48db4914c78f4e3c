package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// WorkerProcess is a running worker.
type WorkerProcess interface {
	Pid() int
	// Kill terminates the worker and everything it started.
	Kill() error
	// Wait blocks until the worker exits. It may be called more than once.
	Wait() error
}

// WorkerLauncher starts a worker process that connects back to addr.
type WorkerLauncher interface {
	Launch(ctx context.Context, addr string) (WorkerProcess, error)
}

// ProcessLauncher re-executes a binary (normally the running executable)
// with the hidden worker command.
type ProcessLauncher struct {
	binary string
	args   []string
}

// NewProcessLauncher creates a launcher running `binary args... --connect addr`.
func NewProcessLauncher(binary string, args ...string) *ProcessLauncher {
	return &ProcessLauncher{binary: binary, args: args}
}

// Launch starts the worker. The worker's stdout and stderr go to the
// controller's stderr; the protocol runs on the socket only.
func (l *ProcessLauncher) Launch(ctx context.Context, addr string) (WorkerProcess, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	args := append(append([]string{}, l.args...), "--connect", addr)

	cmd := exec.Command(l.binary, args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.Stdin = nil
	cmd.SysProcAttr = workerProcAttr()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	slog.Debug("Worker started", "pid", cmd.Process.Pid, "addr", addr)

	return &osWorkerProcess{cmd: cmd}, nil
}

type osWorkerProcess struct {
	cmd *exec.Cmd

	once    sync.Once
	waitErr error
}

func (p *osWorkerProcess) Pid() int {
	return p.cmd.Process.Pid
}

// Kill signals the worker's process group, falling back to the process.
func (p *osWorkerProcess) Kill() error {
	if err := killProcessGroup(p.cmd.Process.Pid); err == nil {
		return nil
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill worker %d: %w", p.Pid(), err)
	}

	return nil
}

func (p *osWorkerProcess) Wait() error {
	p.once.Do(func() {
		p.waitErr = p.cmd.Wait()
	})

	return p.waitErr
}

// killProcessGroup sends SIGKILL to every process in pid's group.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// ExitStatus extracts the numeric exit status from a Wait error. It returns
// 0 for a nil error and -1 when the process did not exit normally.
func ExitStatus(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}

	return -1
}
