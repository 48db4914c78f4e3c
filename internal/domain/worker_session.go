package domain

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"gooze.dev/pkg/mutexec/internal/adapter"
	"gooze.dev/pkg/mutexec/internal/adapter/wire"
	m "gooze.dev/pkg/mutexec/internal/model"
)

var _ Reporter = (*wire.Writer)(nil)

// WorkerTools are the capabilities a worker needs to execute its batch.
type WorkerTools struct {
	Producer    adapter.MutantProducer
	Substituter adapter.Substituter
	Runner      adapter.TestRunnerAdapter
	// Exit ends the process when the watchdog fires. Defaults to os.Exit.
	Exit func(code int)
}

// WorkerToolsFactory builds the worker tools once the session settings are
// known.
type WorkerToolsFactory func(settings m.WorkerSettings) (WorkerTools, error)

// RunWorkerSession serves one controller connection: it reads the INIT
// frame, executes the batch and always tries to end the stream with DONE.
// The returned exit should become the process exit code.
func RunWorkerSession(ctx context.Context, conn io.ReadWriter, build WorkerToolsFactory) (exit m.WorkerExit, err error) {
	writer := wire.NewWriter(conn)
	unknown := m.WorkerExit{Code: m.ExitUnknownError}

	payload, err := wire.NewReader(conn).ReadInit()
	if err != nil {
		_ = writer.Done(unknown)
		return unknown, fmt.Errorf("read init: %w", err)
	}

	slog.Info("Worker session started", "mutations", len(payload.Batch), "full_matrix", payload.Settings.FullMatrix, "timeout", payload.Settings.Timeout)

	tools, err := build(payload.Settings)
	if err != nil {
		_ = writer.Done(unknown)
		return unknown, fmt.Errorf("build worker tools: %w", err)
	}

	executor := NewExecutor(tools.Producer, tools.Substituter, tools.Runner, writer, payload.Settings)
	if tools.Exit != nil {
		executor.exit = tools.Exit
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Worker panicked", "panic", r)

			_ = writer.Done(unknown)
			exit, err = unknown, fmt.Errorf("worker panicked: %v", r)
		}
	}()

	return executor.Run(ctx, payload.Batch)
}
