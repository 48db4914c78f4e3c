package adapter

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	m "gooze.dev/pkg/mutexec/internal/model"
)

type staticOverlay string

func (s staticOverlay) Overlay() string { return string(s) }

type recordedCommand struct {
	dir  string
	name string
	args []string
}

func fakeCommand(output string, err error, calls *[]recordedCommand) CommandRunner {
	return func(ctx context.Context, dir string, name string, args ...string) (string, error) {
		*calls = append(*calls, recordedCommand{dir: dir, name: name, args: args})
		return output, err
	}
}

// exitError produces a real *exec.ExitError from a failing process.
func exitError(t *testing.T) error {
	t.Helper()

	err := exec.Command("false").Run()
	require.Error(t, err)

	return err
}

func TestLocalTestRunnerAdapter_Translate(t *testing.T) {
	adapter := NewLocalTestRunnerAdapter("/src", nil, nil)

	handles := adapter.Translate([]m.TestRecord{
		{Test: m.Description{TestClass: "./calc", Name: "TestAdd"}, Time: time.Second},
		{Test: m.Description{TestClass: "./calc", Name: "TestAdd"}, Time: 2 * time.Second},
		{Test: m.Description{TestClass: "./calc", Name: "helper"}},
		{Test: m.Description{TestClass: "./calc", Name: ""}},
		{Test: m.Description{Name: "TestRoot/case_1"}},
	})

	require.Len(t, handles, 2)
	assert.Equal(t, m.TestHandle{
		Test:     m.Description{TestClass: "./calc", Name: "TestAdd"},
		Package:  "./calc",
		Func:     "TestAdd",
		Baseline: time.Second,
	}, handles[0])
	assert.Equal(t, ".", handles[1].Package)
	assert.Equal(t, "TestRoot/case_1", handles[1].Func)
}

func TestRunPattern(t *testing.T) {
	assert.Equal(t, "^TestAdd$", RunPattern("TestAdd"))
	assert.Equal(t, "^TestAdd$/^with_negative\\+1$", RunPattern("TestAdd/with_negative+1"))
}

func TestLocalTestRunnerAdapter_RunBuildsCommand(t *testing.T) {
	var calls []recordedCommand

	adapter := NewLocalTestRunnerAdapter("/src", staticOverlay("/tmp/overlay.json"), fakeCommand("ok  \tcalc\t0.01s\n", nil, &calls))

	event := adapter.Run(context.Background(), m.TestHandle{
		Test:    m.Description{TestClass: "./calc", Name: "TestAdd"},
		Package: "./calc",
		Func:    "TestAdd",
	}, time.Minute)

	assert.Equal(t, m.OutcomeSuccess, event.Outcome)
	assert.Equal(t, "TestAdd", event.Test.Name)
	require.Len(t, calls, 1)
	assert.Equal(t, "/src", calls[0].dir)
	assert.Equal(t, "go", calls[0].name)
	assert.Equal(t, []string{"test", "-count=1", "-run", "^TestAdd$", "-timeout=1m0s", "-overlay", "/tmp/overlay.json", "./calc"}, calls[0].args)
}

func TestLocalTestRunnerAdapter_RunWithoutOverlay(t *testing.T) {
	var calls []recordedCommand

	adapter := NewLocalTestRunnerAdapter("/src", staticOverlay(""), fakeCommand("ok\n", nil, &calls))
	adapter.Run(context.Background(), m.TestHandle{Package: "./calc", Func: "TestAdd"}, 0)

	require.Len(t, calls, 1)
	assert.NotContains(t, calls[0].args, "-overlay")

	for _, arg := range calls[0].args {
		assert.NotContains(t, arg, "-timeout")
	}
}

func TestClassifyTestRun(t *testing.T) {
	exitErr := exitError(t)

	expired, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-expired.Done()

	tests := []struct {
		name   string
		ctx    context.Context
		output string
		err    error
		want   m.TestOutcome
	}{
		{"pass", context.Background(), "ok  \tcalc\t0.1s\n", nil, m.OutcomeSuccess},
		{"fail", context.Background(), "--- FAIL: TestAdd\nFAIL\n", exitErr, m.OutcomeFailure},
		{"deadline", expired, "", errors.New("signal: killed"), m.OutcomeTimeout},
		{"binary timeout", context.Background(), "panic: test timed out after 1.2s\n", exitErr, m.OutcomeTimeout},
		{"oom", context.Background(), "fatal error: runtime: out of memory\n", exitErr, m.OutcomeMemoryError},
		{"build failure", context.Background(), "FAIL\tcalc [build failed]\n", exitErr, m.OutcomeError},
		{"no tests", context.Background(), "testing: warning: no tests to run\nok\n", nil, m.OutcomeSkipped},
		{"missing go", context.Background(), "", exec.ErrNotFound, m.OutcomeError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyTestRun(tt.ctx, tt.output, tt.err))
		})
	}
}
