package controller

import (
	"bytes"
	"context"
	"fmt"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	m "gooze.dev/pkg/mutexec/internal/model"
)

// SimpleUI implements UI using cobra Command's output writer.
type SimpleUI struct {
	cmd *cobra.Command
}

// NewSimpleUI creates a new SimpleUI.
func NewSimpleUI(cmd *cobra.Command) *SimpleUI {
	return &SimpleUI{cmd: cmd}
}

// Start initializes the UI.
func (s *SimpleUI) Start(ctx context.Context, _ ...StartOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return nil
}

// Close finalizes the UI.
func (s *SimpleUI) Close(ctx context.Context) {
	if err := ctx.Err(); err != nil {
		return
	}
}

// Wait blocks until the UI is closed (no-op for SimpleUI).
func (s *SimpleUI) Wait(ctx context.Context) {
	if err := ctx.Err(); err != nil {
		return
	}
	// SimpleUI doesn't block - it just prints and continues
}

// DisplayEstimation prints the planned mutations per unit or the error.
func (s *SimpleUI) DisplayEstimation(ctx context.Context, mutations []m.MutationDetails, err error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err != nil {
		s.printf("estimation error: %v\n", err)
		return err
	}

	tableStr := renderEstimationTable(buildUnitStats(mutations), len(mutations))
	s.printf("\n%s", tableStr)

	return nil
}

func renderEstimationTable(statsList []unitStat, totalMutations int) string {
	var tableBuffer bytes.Buffer

	table := tablewriter.NewWriter(&tableBuffer)
	table.SetHeader([]string{"Unit", "Arithmetic", "Comparison", "Boolean", "Uncovered", "Mutations"})
	table.SetBorder(false)
	table.SetCenterSeparator("")
	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_CENTER,
		tablewriter.ALIGN_CENTER,
		tablewriter.ALIGN_CENTER,
		tablewriter.ALIGN_CENTER,
		tablewriter.ALIGN_CENTER,
	})

	uncovered := 0

	for _, stat := range statsList {
		table.Append([]string{
			stat.unit,
			fmt.Sprintf("%d", stat.arithmetic),
			fmt.Sprintf("%d", stat.comparison),
			fmt.Sprintf("%d", stat.boolean),
			fmt.Sprintf("%d", stat.uncovered),
			fmt.Sprintf("%d", stat.total()),
		})

		uncovered += stat.uncovered
	}

	table.SetFooter([]string{
		fmt.Sprintf("Total Units %d", len(statsList)),
		"", "", "",
		fmt.Sprintf("%d", uncovered),
		fmt.Sprintf("%d", totalMutations),
	})

	table.Render()

	return tableBuffer.String()
}

// DisplayConcurrencyInfo shows concurrency settings.
func (s *SimpleUI) DisplayConcurrencyInfo(ctx context.Context, workers int, shardIndex int, shardCount int) {
	if err := ctx.Err(); err != nil {
		return
	}

	s.printf("Running with %d worker process(es) (Shard %d/%d)\n", workers, shardIndex, shardCount)
}

// DisplayUpcomingTestsInfo shows the number of upcoming mutations to be tested.
func (s *SimpleUI) DisplayUpcomingTestsInfo(ctx context.Context, i int) {
	if err := ctx.Err(); err != nil {
		return
	}

	s.printf("Upcoming mutations: %d\n", i)
}

// DisplayStartingTestInfo shows info about the mutation starting in a worker.
func (s *SimpleUI) DisplayStartingTestInfo(ctx context.Context, id m.MutationUnit) {
	if err := ctx.Err(); err != nil {
		return
	}

	s.printf("Starting mutation %s\n", id.String())
}

// DisplayCompletedTestInfo shows the outcome of one mutation.
func (s *SimpleUI) DisplayCompletedTestInfo(ctx context.Context, id m.MutationUnit, record m.StatusRecord) {
	if err := ctx.Err(); err != nil {
		return
	}

	s.printf("Completed mutation %s -> %s (%d test(s), %s)\n", id.String(), record.Status, record.TestsRun, record.Elapsed)

	if record.KillingTest != "" {
		s.printf("Killed by: %s\n", record.KillingTest)
	}
}

// DisplayResults prints stored results grouped by status.
func (s *SimpleUI) DisplayResults(ctx context.Context, results []m.MutationResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var tableBuffer bytes.Buffer

	table := tablewriter.NewWriter(&tableBuffer)
	table.SetHeader([]string{"Mutation", "Status", "Tests", "Killing Test"})
	table.SetBorder(false)
	table.SetCenterSeparator("")

	for _, result := range results {
		table.Append([]string{
			result.Details.ID.String(),
			result.Record.Status.String(),
			fmt.Sprintf("%d", result.Record.TestsRun),
			result.Record.KillingTest,
		})
	}

	table.Render()

	s.printf("\n%s", tableBuffer.String())
	s.printf("%s", renderStatusCounts(countStatuses(results)))

	return nil
}

func renderStatusCounts(counts map[m.DetectionStatus]int) string {
	var tableBuffer bytes.Buffer

	table := tablewriter.NewWriter(&tableBuffer)
	table.SetHeader([]string{"Status", "Count"})
	table.SetBorder(false)
	table.SetCenterSeparator("")
	table.SetColumnAlignment([]int{tablewriter.ALIGN_LEFT, tablewriter.ALIGN_CENTER})

	for _, status := range statusOrder {
		if counts[status] == 0 {
			continue
		}

		table.Append([]string{status.String(), fmt.Sprintf("%d", counts[status])})
	}

	table.Render()

	return tableBuffer.String()
}

// DisplayMutationScore prints the final mutation score.
func (s *SimpleUI) DisplayMutationScore(ctx context.Context, summary m.RunSummary) {
	if err := ctx.Err(); err != nil {
		return
	}

	if !summary.BaselineGreen {
		s.printf("Warning: baseline test run was not green, results may be unreliable\n")
	}

	s.printf("Mutation score: %.2f%% (%d mutations)\n", summary.Score*100, summary.Total)
}

func (s *SimpleUI) printf(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(s.cmd.OutOrStdout(), format, args...)
}
