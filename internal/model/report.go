package model

import "time"

// DetectionStatus represents the outcome of running the covering tests
// against one mutation.
type DetectionStatus int

const (
	// NotStarted is the initial status of every mutation in the ledger.
	NotStarted DetectionStatus = iota
	// Started marks a mutation announced by a worker but not yet reported.
	Started
	// Killed indicates at least one test failed against the mutation.
	Killed
	// Survived indicates every covering test passed against the mutation.
	Survived
	// TimedOut indicates the tests did not finish within budget.
	TimedOut
	// NonViable indicates the mutated unit could not be substituted.
	NonViable
	// MemoryError indicates the tests exhausted memory.
	MemoryError
	// RunError indicates the tests could not be executed.
	RunError
	// NoCoverage indicates no test covers the mutated line.
	NoCoverage
)

func (s DetectionStatus) String() string {
	switch s {
	case NotStarted:
		return "NOT_STARTED"
	case Started:
		return "STARTED"
	case Killed:
		return "KILLED"
	case Survived:
		return "SURVIVED"
	case TimedOut:
		return "TIMED_OUT"
	case NonViable:
		return "NON_VIABLE"
	case MemoryError:
		return "MEMORY_ERROR"
	case RunError:
		return "RUN_ERROR"
	case NoCoverage:
		return "NO_COVERAGE"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether the status is final for a mutation.
func (s DetectionStatus) IsTerminal() bool {
	return s != NotStarted && s != Started && s <= NoCoverage
}

// IsDetected reports whether the status counts as the test suite noticing
// the mutation.
func (s DetectionStatus) IsDetected() bool {
	return s == Killed || s == TimedOut || s == MemoryError
}

// IsCrash reports whether the status stems from an abnormal test run.
func (s DetectionStatus) IsCrash() bool {
	return s == RunError || s == MemoryError || s == TimedOut
}

// StatusRecord is the full detail of one mutation's outcome.
type StatusRecord struct {
	TestsRun         int
	Status           DetectionStatus
	KillingTest      string
	KillingTests     []string
	SucceedingTests  []string
	TimeoutTests     []string
	ErrorTests       []string
	MemoryErrorTests []string
	TestTimes        map[string]time.Duration
	Elapsed          time.Duration
}

// NewStatusRecord returns a record with no tests run.
func NewStatusRecord(status DetectionStatus) StatusRecord {
	return StatusRecord{Status: status}
}

// MutationResult is one materialized (mutation, detail) pair.
type MutationResult struct {
	Details MutationDetails
	Record  StatusRecord
}

// LedgerEntry is a single status transition as recorded in the ledger journal.
type LedgerEntry struct {
	ID     MutationUnit
	Record StatusRecord
}

// RunSummary describes a stored run.
type RunSummary struct {
	Score         float64
	BaselineGreen bool
	Total         int
	Counts        map[string]int
	ShardIndex    int
	TotalShards   int
	InputHash     string
}
