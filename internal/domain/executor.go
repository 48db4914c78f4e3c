package domain

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"gooze.dev/pkg/mutexec/internal/adapter"
	m "gooze.dev/pkg/mutexec/internal/model"
)

// Reporter streams worker results to the controller.
type Reporter interface {
	Describe(id m.MutationUnit) error
	Report(id m.MutationUnit, record m.StatusRecord) error
	Done(exit m.WorkerExit) error
}

// Executor runs a batch of mutations inside a worker process, one at a time.
type Executor struct {
	producer    adapter.MutantProducer
	substituter adapter.Substituter
	runner      adapter.TestRunnerAdapter
	reporter    Reporter
	settings    m.WorkerSettings

	current atomic.Pointer[m.Description]

	// exit ends the process after the watchdog reported a timeout.
	exit func(code int)
}

// NewExecutor wires an executor. The watchdog terminates the process with
// the timeout exit code when the batch exceeds settings.Timeout.
func NewExecutor(
	producer adapter.MutantProducer,
	substituter adapter.Substituter,
	runner adapter.TestRunnerAdapter,
	reporter Reporter,
	settings m.WorkerSettings,
) *Executor {
	return &Executor{
		producer:    producer,
		substituter: substituter,
		runner:      runner,
		reporter:    reporter,
		settings:    settings,
		exit:        os.Exit,
	}
}

// errReporterClosed stops the batch once the controller can no longer be
// reached.
type errReporterClosed struct {
	err error
}

func (e errReporterClosed) Error() string {
	return fmt.Sprintf("reporter closed: %v", e.err)
}

func (e errReporterClosed) Unwrap() error {
	return e.err
}

// Run processes the batch in order and ends the session with DONE. The
// returned exit is what DONE carried.
func (e *Executor) Run(ctx context.Context, batch []m.MutationDetails) (m.WorkerExit, error) {
	stop := e.startWatchdog()
	defer stop()

	for _, details := range batch {
		if err := ctx.Err(); err != nil {
			return e.finish(m.WorkerExit{Code: m.ExitUnknownError}), err
		}

		record, err := e.process(ctx, details)
		if err != nil {
			slog.Error("Failed to report mutation", "mutation", details.ID.String(), "error", err)
			return m.WorkerExit{Code: m.ExitUnknownError}, err
		}

		if record.Status == m.MemoryError {
			return e.finish(m.WorkerExit{Code: m.ExitOutOfMemory}), nil
		}
	}

	return e.finish(m.WorkerExit{Code: m.ExitOK}), nil
}

func (e *Executor) finish(exit m.WorkerExit) m.WorkerExit {
	if err := e.reporter.Done(exit); err != nil {
		slog.Error("Failed to send done", "exit", exit.Code.String(), "error", err)
	}

	return exit
}

// startWatchdog reports a timeout and exits the process if the batch runs
// longer than allowed, even when the main path is stuck.
func (e *Executor) startWatchdog() func() {
	if e.settings.Timeout <= 0 {
		return func() {}
	}

	timer := time.AfterFunc(e.settings.Timeout, func() {
		exit := m.WorkerExit{Code: m.ExitTimeout}
		if current := e.current.Load(); current != nil {
			exit.CurrentTest = *current
		}

		slog.Error("Worker timed out", "timeout", e.settings.Timeout, "test", exit.CurrentTest.QualifiedName())

		if err := e.reporter.Done(exit); err != nil {
			slog.Error("Failed to send timeout", "error", err)
		}

		e.exit(int(m.ExitTimeout))
	})

	return func() { timer.Stop() }
}

// process handles one mutation. A panic reports RUN_ERROR for the mutation
// before it propagates.
func (e *Executor) process(ctx context.Context, details m.MutationDetails) (record m.StatusRecord, err error) {
	start := time.Now()
	id := details.ID

	reported := false

	defer func() {
		if r := recover(); r != nil {
			if !reported {
				crash := m.NewStatusRecord(m.RunError)
				crash.Elapsed = time.Since(start)
				_ = e.reporter.Report(id, crash)
			}

			panic(r)
		}
	}()

	report := func(record m.StatusRecord) (m.StatusRecord, error) {
		record.Elapsed = time.Since(start)
		reported = true

		if err := e.reporter.Report(id, record); err != nil {
			return record, errReporterClosed{err: err}
		}

		slog.Info("Mutation processed", "mutation", id.String(), "status", record.Status.String(), "tests", record.TestsRun, "elapsed", record.Elapsed)

		return record, nil
	}

	mutant, produceErr := e.producer.Produce(ctx, id)
	handles := e.runner.Translate(details.TestsInOrder)

	if err := e.reporter.Describe(id); err != nil {
		return record, errReporterClosed{err: err}
	}

	if produceErr != nil {
		slog.Error("Failed to produce mutant", "mutation", id.String(), "error", produceErr)
		return report(m.NewStatusRecord(m.RunError))
	}

	if len(handles) == 0 {
		slog.Warn("No runnable tests for mutation", "mutation", id.String())
		return report(m.NewStatusRecord(m.RunError))
	}

	if !e.substituter.Substitute(ctx, id, mutant.Image) {
		return report(m.NewStatusRecord(m.NonViable))
	}

	defer e.substituter.Restore(ctx)

	slog.Debug("Running mutant", "mutation", id.String(), "tests", len(handles), "diff", mutant.Diff)

	return report(e.runTests(ctx, handles))
}

// runTests executes handles in order and folds their events.
func (e *Executor) runTests(ctx context.Context, handles []m.TestHandle) m.StatusRecord {
	tally := newDetectionTally(e.settings.FullMatrix, e.settings.RecordPasses)

	defer e.current.Store(nil)

	for _, handle := range handles {
		if ctx.Err() != nil {
			break
		}

		test := handle.Test
		e.current.Store(&test)

		event := e.runner.Run(ctx, handle, e.settings.TestTimeout(handle.Baseline))
		if tally.fold(event) {
			break
		}
	}

	return tally.record()
}

// detectionTally folds test events into a status record.
type detectionTally struct {
	fullMatrix   bool
	recordPasses bool

	run        int
	killing    []string
	succeeding []string
	timeouts   []string
	errors     []string
	memory     []string
	times      map[string]time.Duration
}

func newDetectionTally(fullMatrix, recordPasses bool) *detectionTally {
	return &detectionTally{fullMatrix: fullMatrix, recordPasses: recordPasses}
}

// fold records one event and reports whether execution should stop. Early
// exit mode stops at the first non passing test; full matrix mode only stops
// once memory is exhausted.
func (t *detectionTally) fold(event m.TestEvent) bool {
	if event.Outcome == m.OutcomeSkipped {
		return false
	}

	name := event.Test.QualifiedName()

	t.run++

	if t.times == nil {
		t.times = map[string]time.Duration{}
	}

	t.times[name] = event.Elapsed

	switch event.Outcome {
	case m.OutcomeSuccess:
		if t.fullMatrix || t.recordPasses {
			t.succeeding = append(t.succeeding, name)
		}

		return false
	case m.OutcomeFailure:
		t.killing = append(t.killing, name)
	case m.OutcomeTimeout:
		t.timeouts = append(t.timeouts, name)
	case m.OutcomeMemoryError:
		t.memory = append(t.memory, name)
		return true
	default:
		t.errors = append(t.errors, name)
	}

	return !t.fullMatrix
}

func (t *detectionTally) record() m.StatusRecord {
	record := m.StatusRecord{
		TestsRun:         t.run,
		KillingTests:     t.killing,
		SucceedingTests:  t.succeeding,
		TimeoutTests:     t.timeouts,
		ErrorTests:       t.errors,
		MemoryErrorTests: t.memory,
		TestTimes:        t.times,
	}

	switch {
	case t.run == 0:
		// Nothing executed, so the mutant was neither detected nor missed.
		record.Status = m.RunError
	case len(t.killing) > 0:
		record.Status = m.Killed
		record.KillingTest = t.killing[0]
	case len(t.memory) > 0:
		record.Status = m.MemoryError
	case len(t.timeouts) > 0:
		record.Status = m.TimedOut
	case len(t.errors) > 0:
		record.Status = m.RunError
	default:
		record.Status = m.Survived
	}

	return record
}
