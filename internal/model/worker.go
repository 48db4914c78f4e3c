package model

import (
	"fmt"
	"time"
)

// ExitCode is the session outcome reported by a worker in its DONE frame.
type ExitCode int

const (
	// ExitOK means the worker processed its whole batch.
	ExitOK ExitCode = 0
	// ExitOutOfMemory means the worker ran out of memory.
	ExitOutOfMemory ExitCode = 11
	// ExitUnknownError means the worker failed for an unclassified reason.
	ExitUnknownError ExitCode = 13
	// ExitTimeout means the worker exceeded its time budget.
	ExitTimeout ExitCode = 14
	// ExitTestIssue means the test framework itself misbehaved.
	ExitTestIssue ExitCode = 15
)

// ExitCodeFromInt maps a numeric code to a known ExitCode, falling back to
// ExitUnknownError.
func ExitCodeFromInt(code int) ExitCode {
	switch ExitCode(code) {
	case ExitOK, ExitOutOfMemory, ExitUnknownError, ExitTimeout, ExitTestIssue:
		return ExitCode(code)
	default:
		return ExitUnknownError
	}
}

// IsOK reports whether the code signals a clean session.
func (c ExitCode) IsOK() bool {
	return c == ExitOK
}

func (c ExitCode) String() string {
	switch c {
	case ExitOK:
		return "ok"
	case ExitOutOfMemory:
		return "out of memory"
	case ExitUnknownError:
		return "unknown error"
	case ExitTimeout:
		return "timeout"
	case ExitTestIssue:
		return "test issue"
	default:
		return fmt.Sprintf("exit code %d", int(c))
	}
}

// WorkerExit is the decoded DONE frame: the exit code and, for timeouts, the
// test that was executing when the timer fired.
type WorkerExit struct {
	Code        ExitCode
	CurrentTest Description
}

// WorkerSettings is sent to a worker at session start together with its batch.
type WorkerSettings struct {
	ProjectRoot         string
	FullMatrix          bool
	RecordPasses        bool
	CompileCheck        bool
	Timeout             time.Duration
	TestTimeoutFactor   float64
	TestTimeoutConstant time.Duration
}

// TestTimeout returns the budget for a single test given its baseline time.
func (s WorkerSettings) TestTimeout(baseline time.Duration) time.Duration {
	factor := s.TestTimeoutFactor
	if factor <= 0 {
		factor = 1
	}

	return time.Duration(float64(baseline)*factor) + s.TestTimeoutConstant
}

// TestOutcome classifies how a single test run ended.
type TestOutcome int

const (
	// OutcomeSuccess means the test passed.
	OutcomeSuccess TestOutcome = iota
	// OutcomeFailure means the test ran and failed an assertion.
	OutcomeFailure
	// OutcomeError means the test could not be run or crashed.
	OutcomeError
	// OutcomeTimeout means the test exceeded its time budget.
	OutcomeTimeout
	// OutcomeMemoryError means the test exhausted memory.
	OutcomeMemoryError
	// OutcomeSkipped means the test was not executed.
	OutcomeSkipped
)

func (o TestOutcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeError:
		return "error"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeMemoryError:
		return "memory error"
	case OutcomeSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("outcome %d", int(o))
	}
}

// TestEvent is the result of running one test against a mutant.
type TestEvent struct {
	Test    Description
	Outcome TestOutcome
	Elapsed time.Duration
	Output  string
}
