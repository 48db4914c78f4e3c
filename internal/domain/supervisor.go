package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"gooze.dev/pkg/mutexec/internal/adapter"
	m "gooze.dev/pkg/mutexec/internal/model"
)

const defaultExitGrace = 2 * time.Second

// SupervisorConfig controls one worker session.
type SupervisorConfig struct {
	// Worker is sent to the worker in INIT.
	Worker m.WorkerSettings
	// SessionTimeout bounds the whole session on the controller side. Zero
	// means no deadline beyond the caller's context.
	SessionTimeout time.Duration
	// ExitGrace is how long to wait for the stream after the process exited,
	// or for the process after DONE, before forcing the issue.
	ExitGrace time.Duration
}

// Supervisor runs batches of mutations in worker processes and keeps the
// ledger coherent whatever the worker does.
type Supervisor interface {
	RunSession(ctx context.Context, batch []m.MutationDetails) (m.WorkerExit, error)
}

type supervisor struct {
	launcher adapter.WorkerLauncher
	ledger   Ledger
	config   SupervisorConfig
	observer SessionObserver
}

// NewSupervisor constructs a Supervisor. observer may be nil.
func NewSupervisor(launcher adapter.WorkerLauncher, ledger Ledger, config SupervisorConfig, observer SessionObserver) Supervisor {
	if config.ExitGrace <= 0 {
		config.ExitGrace = defaultExitGrace
	}

	return &supervisor{
		launcher: launcher,
		ledger:   ledger,
		config:   config,
		observer: observer,
	}
}

// RunSession launches one worker for batch and returns once the session has
// ended and every STARTED mutation of the batch is resolved. An error is
// returned only when the session could not run at all; the batch is then
// marked RUN_ERROR.
func (s *supervisor) RunSession(ctx context.Context, batch []m.MutationDetails) (m.WorkerExit, error) {
	failed := m.WorkerExit{Code: m.ExitUnknownError}

	if len(batch) == 0 {
		return m.WorkerExit{Code: m.ExitOK}, nil
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		slog.Error("Failed to listen for worker", "error", err)
		s.ledger.SetStatuses(batchIDs(batch), m.RunError)

		return failed, fmt.Errorf("listen for worker: %w", err)
	}

	proc, err := s.launcher.Launch(ctx, listener.Addr().String())
	if err != nil {
		_ = listener.Close()

		slog.Error("Failed to launch worker", "error", err)
		s.ledger.SetStatuses(batchIDs(batch), m.RunError)

		return failed, fmt.Errorf("launch worker: %w", err)
	}

	slog.Debug("Worker session started", "pid", proc.Pid(), "mutations", len(batch), "addr", listener.Addr().String())

	if s.config.SessionTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, s.config.SessionTimeout)
		defer cancel()
	}

	comm := newCommunication(listener, s.ledger, s.observer, s.config.Worker, batch)
	outcomes := comm.start(ctx)

	exited := make(chan int, 1)

	go func() {
		exited <- adapter.ExitStatus(proc.Wait())
	}()

	outcome, status, timedOut := s.await(ctx, proc, comm, outcomes, exited)

	exit := s.resolveExit(outcome, status, timedOut)

	s.reconcile(batch, exit, outcome.done || timedOut)

	if errors.Is(outcome.err, ErrNoConnection) {
		slog.Error("Worker never connected", "pid", proc.Pid(), "status", status)
		s.ledger.SetStatuses(unresolvedIDs(s.ledger, batch), m.RunError)

		return exit, outcome.err
	}

	if outcome.err != nil {
		slog.Warn("Worker session ended abnormally", "pid", proc.Pid(), "exit", exit.Code.String(), "error", outcome.err)
	}

	return exit, nil
}

// await waits for the stream and the process to end. It returns the stream
// outcome, the process exit status (-1 if it had to be killed) and whether the
// deadline expired.
func (s *supervisor) await(
	ctx context.Context,
	proc adapter.WorkerProcess,
	comm *communication,
	outcomes <-chan sessionOutcome,
	exited <-chan int,
) (sessionOutcome, int, bool) {
	kill := func() int {
		if err := proc.Kill(); err != nil {
			slog.Error("Failed to kill worker", "pid", proc.Pid(), "error", err)
		}

		return <-exited
	}

	select {
	case outcome := <-outcomes:
		select {
		case status := <-exited:
			return outcome, status, false
		case <-time.After(s.config.ExitGrace):
			return outcome, kill(), false
		case <-ctx.Done():
			return outcome, kill(), false
		}
	case status := <-exited:
		select {
		case outcome := <-outcomes:
			return outcome, status, false
		case <-time.After(s.config.ExitGrace):
			comm.abort()
			return <-outcomes, status, false
		}
	case <-ctx.Done():
		slog.Warn("Worker session timed out", "pid", proc.Pid(), "error", ctx.Err())

		status := kill()
		comm.abort()

		outcome := <-outcomes

		return outcome, status, !outcome.done
	}
}

// resolveExit decides the authoritative exit. DONE wins; without it a
// timeout or the process exit status is used.
func (s *supervisor) resolveExit(outcome sessionOutcome, status int, timedOut bool) m.WorkerExit {
	switch {
	case outcome.done:
		return outcome.exit
	case timedOut:
		return m.WorkerExit{Code: m.ExitTimeout}
	default:
		code := m.ExitCodeFromInt(status)
		if code.IsOK() {
			code = m.ExitUnknownError
		}

		return m.WorkerExit{Code: code}
	}
}

// reconcile resolves the batch's STARTED mutations from the exit code. When
// the stream ended without DONE or timeout, NOT_STARTED mutations become
// RUN_ERROR too; otherwise they are left for another session.
func (s *supervisor) reconcile(batch []m.MutationDetails, exit m.WorkerExit, orderly bool) {
	current := exit.CurrentTest.QualifiedName()

	for _, details := range batch {
		record, ok := s.ledger.Status(details.ID)
		if !ok {
			continue
		}

		switch record.Status {
		case m.Started:
			s.ledger.SetRecord(details.ID, startedRecord(details, exit, current))
		case m.NotStarted:
			if !orderly && exit.Code != m.ExitOutOfMemory && exit.Code != m.ExitTimeout {
				s.ledger.SetStatus(details.ID, m.RunError)
			}
		}
	}
}

func startedRecord(details m.MutationDetails, exit m.WorkerExit, current string) m.StatusRecord {
	switch exit.Code {
	case m.ExitTimeout:
		record := m.NewStatusRecord(m.TimedOut)

		if !exit.CurrentTest.IsZero() && coversTest(details, current) {
			record.TimeoutTests = []string{current}
		}

		return record
	case m.ExitOutOfMemory:
		return m.NewStatusRecord(m.MemoryError)
	default:
		return m.NewStatusRecord(m.RunError)
	}
}

func coversTest(details m.MutationDetails, qualified string) bool {
	for _, test := range details.TestsInOrder {
		if test.QualifiedName() == qualified {
			return true
		}
	}

	return false
}

func batchIDs(batch []m.MutationDetails) []m.MutationUnit {
	ids := make([]m.MutationUnit, 0, len(batch))
	for _, details := range batch {
		ids = append(ids, details.ID)
	}

	return ids
}

func unresolvedIDs(ledger Ledger, batch []m.MutationDetails) []m.MutationUnit {
	var ids []m.MutationUnit

	for _, details := range batch {
		if record, ok := ledger.Status(details.ID); ok && !record.Status.IsTerminal() {
			ids = append(ids, details.ID)
		}
	}

	return ids
}
