// Package controller provides output adapters for displaying mutation testing results.
package controller

import (
	"context"
	"os"
	"sort"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	m "gooze.dev/pkg/mutexec/internal/model"
)

// StartMode defines the mode of operation for the UI.
type StartMode int

// Available StartMode values.
const (
	ModeEstimate StartMode = iota
	ModeTest
	ModeView
)

// StartOption is a functional option for Start method.
type StartOption func(*StartConfig)

// StartConfig holds configuration for starting the UI.
type StartConfig struct {
	mode StartMode
}

// WithEstimateMode sets the UI to estimation mode.
func WithEstimateMode() StartOption {
	return func(c *StartConfig) {
		c.mode = ModeEstimate
	}
}

// WithTestMode sets the UI to test execution mode.
func WithTestMode() StartOption {
	return func(c *StartConfig) {
		c.mode = ModeTest
	}
}

// WithViewMode sets the UI to display stored results.
func WithViewMode() StartOption {
	return func(c *StartConfig) {
		c.mode = ModeView
	}
}

func startConfig(options []StartOption) StartConfig {
	config := StartConfig{mode: ModeTest}
	for _, option := range options {
		option(&config)
	}

	return config
}

// UI defines the interface for displaying mutation plans, progress and results.
// Implementations can use different output methods (simple text, TUI, etc).
type UI interface {
	Start(ctx context.Context, options ...StartOption) error
	Close(ctx context.Context)
	Wait(ctx context.Context) // Wait for UI to finish (user closes it)
	DisplayEstimation(ctx context.Context, mutations []m.MutationDetails, err error) error
	DisplayConcurrencyInfo(ctx context.Context, workers int, shardIndex int, shardCount int)
	DisplayUpcomingTestsInfo(ctx context.Context, i int)
	DisplayStartingTestInfo(ctx context.Context, id m.MutationUnit)
	DisplayCompletedTestInfo(ctx context.Context, id m.MutationUnit, record m.StatusRecord)
	DisplayResults(ctx context.Context, results []m.MutationResult) error
	DisplayMutationScore(ctx context.Context, summary m.RunSummary)
}

// NewUI picks the interactive TUI for terminals and SimpleUI otherwise.
func NewUI(cmd *cobra.Command, tty bool) UI {
	if tty {
		return NewTUI(os.Stdout, os.Stdin)
	}

	return NewSimpleUI(cmd)
}

// IsTTY reports whether f is an interactive terminal.
func IsTTY(f *os.File) bool {
	if f == nil {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// unitStat holds the planned mutations of one unit.
type unitStat struct {
	unit       string
	arithmetic int
	comparison int
	boolean    int
	uncovered  int
}

func (s unitStat) total() int {
	return s.arithmetic + s.comparison + s.boolean
}

func buildUnitStats(mutations []m.MutationDetails) []unitStat {
	info := make(map[string]unitStat)

	for _, mutation := range mutations {
		stat := info[mutation.ID.Unit]
		stat.unit = mutation.ID.Unit

		switch mutation.ID.Mutator {
		case m.MutationArithmetic:
			stat.arithmetic++
		case m.MutationComparison:
			stat.comparison++
		case m.MutationBoolean:
			stat.boolean++
		}

		if len(mutation.TestsInOrder) == 0 {
			stat.uncovered++
		}

		info[mutation.ID.Unit] = stat
	}

	statsList := make([]unitStat, 0, len(info))
	for _, stat := range info {
		statsList = append(statsList, stat)
	}

	sort.Slice(statsList, func(i, j int) bool {
		return statsList[i].unit < statsList[j].unit
	})

	return statsList
}

// statusOrder lists statuses the way result summaries show them.
var statusOrder = []m.DetectionStatus{
	m.Killed,
	m.TimedOut,
	m.MemoryError,
	m.Survived,
	m.NoCoverage,
	m.NonViable,
	m.RunError,
	m.NotStarted,
	m.Started,
}

func countStatuses(results []m.MutationResult) map[m.DetectionStatus]int {
	counts := map[m.DetectionStatus]int{}
	for _, result := range results {
		counts[result.Record.Status]++
	}

	return counts
}
