package adapter

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"regexp"
	"strings"
	"time"

	m "gooze.dev/pkg/mutexec/internal/model"
)

// CommandRunner executes a command in dir and returns its combined output.
type CommandRunner func(ctx context.Context, dir string, name string, args ...string) (string, error)

// commandWaitDelay bounds how long a cancelled command may keep its output
// pipes open after the kill.
const commandWaitDelay = 5 * time.Second

// ExecCommandRunner runs commands through os/exec. The command runs in its own
// process group and cancellation kills the whole group, so a test binary
// spawned by `go test` cannot outlive its run.
func ExecCommandRunner(ctx context.Context, dir string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.SysProcAttr = commandProcAttr()
	cmd.Cancel = func() error {
		if err := killProcessGroup(cmd.Process.Pid); err != nil {
			return cmd.Process.Kill()
		}

		return nil
	}
	cmd.WaitDelay = commandWaitDelay

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	output := stdout.String() + stderr.String()

	return output, err
}

// OverlaySource reports the `go build -overlay` file of the live mutant, or
// "" when the original sources are live.
type OverlaySource interface {
	Overlay() string
}

// TestRunnerAdapter executes single tests against the live program image.
type TestRunnerAdapter interface {
	// Translate turns covering test records into executable handles. Records
	// that cannot be run are dropped.
	Translate(tests []m.TestRecord) []m.TestHandle
	// Run executes one test with the given budget.
	Run(ctx context.Context, handle m.TestHandle, timeout time.Duration) m.TestEvent
}

// LocalTestRunnerAdapter runs tests with `go test` from the project root.
// Test classes are package import paths relative to the root ("./calc").
type LocalTestRunnerAdapter struct {
	root    string
	overlay OverlaySource
	run     CommandRunner
}

// NewLocalTestRunnerAdapter constructs a LocalTestRunnerAdapter. A nil
// overlay runs the unmodified sources.
func NewLocalTestRunnerAdapter(root string, overlay OverlaySource, run CommandRunner) *LocalTestRunnerAdapter {
	if run == nil {
		run = ExecCommandRunner
	}

	return &LocalTestRunnerAdapter{
		root:    root,
		overlay: overlay,
		run:     run,
	}
}

// Translate keeps the first record per qualified test name, in order.
func (a *LocalTestRunnerAdapter) Translate(tests []m.TestRecord) []m.TestHandle {
	seen := map[string]struct{}{}

	var handles []m.TestHandle

	for _, record := range tests {
		if record.Test.Name == "" || !isTestFunc(record.Test.Name) {
			continue
		}

		name := record.QualifiedName()
		if _, ok := seen[name]; ok {
			continue
		}

		seen[name] = struct{}{}

		pkg := record.Test.TestClass
		if pkg == "" {
			pkg = "."
		}

		handles = append(handles, m.TestHandle{
			Test:     record.Test,
			Package:  pkg,
			Func:     record.Test.Name,
			Baseline: record.Time,
		})
	}

	return handles
}

func isTestFunc(name string) bool {
	top, _, _ := strings.Cut(name, "/")

	return strings.HasPrefix(top, "Test") || strings.HasPrefix(top, "Example") || strings.HasPrefix(top, "Fuzz")
}

// RunPattern builds an anchored -run expression matching exactly one test or
// subtest.
func RunPattern(fn string) string {
	parts := strings.Split(fn, "/")
	for i, part := range parts {
		parts[i] = "^" + regexp.QuoteMeta(part) + "$"
	}

	return strings.Join(parts, "/")
}

// Run executes one test and classifies the outcome.
func (a *LocalTestRunnerAdapter) Run(ctx context.Context, handle m.TestHandle, timeout time.Duration) m.TestEvent {
	if timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	args := []string{"test", "-count=1", "-run", RunPattern(handle.Func)}
	if timeout > 0 {
		args = append(args, "-timeout="+timeout.String())
	}
	if a.overlay != nil {
		if overlay := a.overlay.Overlay(); overlay != "" {
			args = append(args, "-overlay", overlay)
		}
	}

	args = append(args, handle.Package)

	start := time.Now()
	output, err := a.run(ctx, a.root, "go", args...)

	return m.TestEvent{
		Test:    handle.Test,
		Outcome: classifyTestRun(ctx, output, err),
		Elapsed: time.Since(start),
		Output:  output,
	}
}

func classifyTestRun(ctx context.Context, output string, err error) m.TestOutcome {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || strings.Contains(output, "panic: test timed out after") {
		return m.OutcomeTimeout
	}

	if strings.Contains(output, "runtime: out of memory") || strings.Contains(output, "signal: killed") {
		return m.OutcomeMemoryError
	}

	if strings.Contains(output, "[build failed]") || strings.Contains(output, "[setup failed]") ||
		strings.Contains(output, "no test files") {
		return m.OutcomeError
	}

	if strings.Contains(output, "testing: warning: no tests to run") {
		return m.OutcomeSkipped
	}

	if err == nil {
		return m.OutcomeSuccess
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && strings.Contains(output, "FAIL") {
		return m.OutcomeFailure
	}

	return m.OutcomeError
}
