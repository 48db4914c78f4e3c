package controller

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	m "gooze.dev/pkg/mutexec/internal/model"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	faintStyle    = lipgloss.NewStyle().Faint(true)
	killedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	survivedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	warningStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
)

// recentLimit bounds the completed mutations shown while testing.
const recentLimit = 8

// TUI implements UI using Bubble Tea for interactive display.
type TUI struct {
	output io.Writer
	input  io.Reader

	mu      sync.Mutex
	program *tea.Program
	done    chan struct{}
}

// NewTUI creates a new TUI.
func NewTUI(output io.Writer, input io.Reader) *TUI {
	return &TUI{output: output, input: input}
}

// Start launches the Bubble Tea program in the background.
func (t *TUI) Start(ctx context.Context, options ...StartOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	config := startConfig(options)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.program != nil {
		return nil
	}

	t.program = tea.NewProgram(newTUIModel(config.mode), tea.WithOutput(t.output), tea.WithInput(t.input))
	t.done = make(chan struct{})

	go func(program *tea.Program, done chan struct{}) {
		defer close(done)

		_, _ = program.Run()
	}(t.program, t.done)

	return nil
}

// Close stops the program and waits for it to restore the terminal.
func (t *TUI) Close(_ context.Context) {
	program, done := t.running()
	if program == nil {
		return
	}

	program.Quit()
	<-done

	t.mu.Lock()
	t.program = nil
	t.mu.Unlock()
}

// Wait blocks until the user quits or the program finishes on its own.
func (t *TUI) Wait(ctx context.Context) {
	_, done := t.running()
	if done == nil {
		return
	}

	select {
	case <-ctx.Done():
	case <-done:
	}
}

func (t *TUI) running() (*tea.Program, chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.program, t.done
}

func (t *TUI) send(msg tea.Msg) {
	if program, _ := t.running(); program != nil {
		program.Send(msg)
	}
}

type estimationMsg struct {
	stats []unitStat
	total int
	err   error
}

type concurrencyMsg struct {
	workers, shardIndex, shardCount int
}

type upcomingMsg struct {
	count int
}

type startedMsg struct {
	id m.MutationUnit
}

type completedMsg struct {
	id     m.MutationUnit
	record m.StatusRecord
}

type resultsMsg struct {
	results []m.MutationResult
}

type scoreMsg struct {
	summary m.RunSummary
}

// DisplayEstimation shows the planned mutations per unit.
func (t *TUI) DisplayEstimation(ctx context.Context, mutations []m.MutationDetails, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	t.send(estimationMsg{stats: buildUnitStats(mutations), total: len(mutations), err: err})

	return err
}

// DisplayConcurrencyInfo shows concurrency settings.
func (t *TUI) DisplayConcurrencyInfo(ctx context.Context, workers int, shardIndex int, shardCount int) {
	if ctx.Err() != nil {
		return
	}

	t.send(concurrencyMsg{workers: workers, shardIndex: shardIndex, shardCount: shardCount})
}

// DisplayUpcomingTestsInfo sets the number of mutations the progress bar tracks.
func (t *TUI) DisplayUpcomingTestsInfo(ctx context.Context, i int) {
	if ctx.Err() != nil {
		return
	}

	t.send(upcomingMsg{count: i})
}

// DisplayStartingTestInfo marks a mutation as running.
func (t *TUI) DisplayStartingTestInfo(ctx context.Context, id m.MutationUnit) {
	if ctx.Err() != nil {
		return
	}

	t.send(startedMsg{id: id})
}

// DisplayCompletedTestInfo advances the progress bar.
func (t *TUI) DisplayCompletedTestInfo(ctx context.Context, id m.MutationUnit, record m.StatusRecord) {
	if ctx.Err() != nil {
		return
	}

	t.send(completedMsg{id: id, record: record})
}

// DisplayResults shows stored results.
func (t *TUI) DisplayResults(ctx context.Context, results []m.MutationResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.send(resultsMsg{results: results})

	return nil
}

// DisplayMutationScore shows the final score. In test mode the program
// exits after rendering it.
func (t *TUI) DisplayMutationScore(ctx context.Context, summary m.RunSummary) {
	if ctx.Err() != nil {
		return
	}

	t.send(scoreMsg{summary: summary})
}

// tuiModel is the Bubble Tea model behind TUI.
type tuiModel struct {
	mode StartMode
	bar  progress.Model

	estimation *estimationMsg
	results    []m.MutationResult

	workers    int
	shardIndex int
	shardCount int

	upcoming  int
	completed int
	running   map[m.MutationUnit]struct{}
	recent    []completedMsg
	counts    map[m.DetectionStatus]int

	summary  *m.RunSummary
	quitting bool
}

func newTUIModel(mode StartMode) tuiModel {
	return tuiModel{
		mode:    mode,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		running: map[m.MutationUnit]struct{}{},
		counts:  map[m.DetectionStatus]int{},
	}
}

func (tm tuiModel) Init() tea.Cmd {
	return nil
}

func (tm tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			tm.quitting = true
			return tm, tea.Quit
		}
	case tea.WindowSizeMsg:
		tm.bar.Width = min(max(msg.Width-20, 10), 60)
	case estimationMsg:
		tm.estimation = &msg
	case concurrencyMsg:
		tm.workers, tm.shardIndex, tm.shardCount = msg.workers, msg.shardIndex, msg.shardCount
	case upcomingMsg:
		tm.upcoming = msg.count
	case startedMsg:
		tm.running[msg.id] = struct{}{}
	case completedMsg:
		delete(tm.running, msg.id)

		tm.completed++
		tm.counts[msg.record.Status]++

		tm.recent = append(tm.recent, msg)
		if len(tm.recent) > recentLimit {
			tm.recent = tm.recent[len(tm.recent)-recentLimit:]
		}
	case resultsMsg:
		tm.results = msg.results
		tm.counts = countStatuses(msg.results)
	case scoreMsg:
		tm.summary = &msg.summary

		if tm.mode == ModeTest {
			return tm, tea.Quit
		}
	}

	return tm, nil
}

func (tm tuiModel) percent() float64 {
	if tm.upcoming == 0 {
		return 0
	}

	return min(float64(tm.completed)/float64(tm.upcoming), 1)
}

func (tm tuiModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("mutexec - Mutation Testing"))
	b.WriteString("\n\n")

	switch tm.mode {
	case ModeEstimate:
		tm.renderEstimation(&b)
	case ModeView:
		tm.renderCounts(&b)
	default:
		tm.renderProgress(&b)
	}

	if tm.summary != nil {
		tm.renderScore(&b)
	}

	if tm.mode != ModeTest {
		b.WriteString(faintStyle.Render("\n  q: quit\n"))
	}

	return b.String()
}

func (tm tuiModel) renderEstimation(b *strings.Builder) {
	if tm.estimation == nil {
		b.WriteString("  Collecting mutations...\n")
		return
	}

	if tm.estimation.err != nil {
		fmt.Fprintf(b, "  %s\n", warningStyle.Render("estimation error: "+tm.estimation.err.Error()))
		return
	}

	if len(tm.estimation.stats) == 0 {
		b.WriteString("  No mutations planned\n")
		return
	}

	uncovered := 0

	for _, stat := range tm.estimation.stats {
		fmt.Fprintf(b, "  %s: %d mutations (%d arithmetic, %d comparison, %d boolean)",
			stat.unit, stat.total(), stat.arithmetic, stat.comparison, stat.boolean)

		if stat.uncovered > 0 {
			b.WriteString(faintStyle.Render(fmt.Sprintf(", %d uncovered", stat.uncovered)))
		}

		b.WriteString("\n")

		uncovered += stat.uncovered
	}

	fmt.Fprintf(b, "\n  Total: %d mutations across %d unit(s), %d uncovered\n", tm.estimation.total, len(tm.estimation.stats), uncovered)
}

func (tm tuiModel) renderProgress(b *strings.Builder) {
	if tm.workers > 0 {
		b.WriteString(faintStyle.Render(fmt.Sprintf("  %d worker process(es), shard %d/%d", tm.workers, tm.shardIndex, tm.shardCount)))
		b.WriteString("\n")
	}

	fmt.Fprintf(b, "  %s %d/%d\n\n", tm.bar.ViewAs(tm.percent()), tm.completed, tm.upcoming)

	for _, done := range tm.recent {
		fmt.Fprintf(b, "  %s %s\n", styleStatus(done.record.Status), done.id.String())
	}

	if len(tm.running) > 0 {
		fmt.Fprintf(b, "\n  %d running\n", len(tm.running))
	}
}

func (tm tuiModel) renderCounts(b *strings.Builder) {
	if len(tm.counts) == 0 {
		b.WriteString("  No mutation results found\n")
		return
	}

	for _, status := range statusOrder {
		if tm.counts[status] == 0 {
			continue
		}

		fmt.Fprintf(b, "  %s %d\n", styleStatus(status), tm.counts[status])
	}

	for _, result := range tm.results {
		if result.Record.Status != m.Survived {
			continue
		}

		fmt.Fprintf(b, "  %s %s\n", styleStatus(result.Record.Status), result.Details.ID.String())
	}
}

func (tm tuiModel) renderScore(b *strings.Builder) {
	if !tm.summary.BaselineGreen {
		fmt.Fprintf(b, "\n  %s\n", warningStyle.Render("baseline test run was not green"))
	}

	fmt.Fprintf(b, "\n  Mutation score: %.2f%% (%d mutations)\n", tm.summary.Score*100, tm.summary.Total)
}

func styleStatus(status m.DetectionStatus) string {
	label := fmt.Sprintf("%-12s", status.String())

	switch {
	case status.IsDetected():
		return killedStyle.Render(label)
	case status == m.Survived, status == m.NoCoverage:
		return survivedStyle.Render(label)
	default:
		return faintStyle.Render(label)
	}
}
