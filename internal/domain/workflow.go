package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"gooze.dev/pkg/mutexec/internal/adapter"
	"gooze.dev/pkg/mutexec/internal/controller"
	m "gooze.dev/pkg/mutexec/internal/model"
	"gooze.dev/pkg/mutexec/pkg"
)

const (
	defaultBatchSize = 8
	journalDirPrefix = "journal-"
)

// EstimateArgs selects the inputs of a run.
type EstimateArgs struct {
	ProjectRoot  m.Path
	CoverageFile m.Path
	PlanFile     m.Path
}

// TestArgs contains the arguments for running mutation tests.
type TestArgs struct {
	EstimateArgs
	Reports         m.Path
	UseCache        bool
	Parallel        int
	BatchSize       int
	ShardIndex      int
	TotalShardCount int
	MaxReruns       int
	Worker          m.WorkerSettings
	SessionTimeout  time.Duration
}

// ViewArgs contains the arguments for displaying stored results.
type ViewArgs struct {
	Reports m.Path
}

// MergeArgs contains the arguments for folding shard reports together.
type MergeArgs struct {
	Reports m.Path
}

// Workflow drives the commands of the tool.
type Workflow interface {
	Estimate(ctx context.Context, args EstimateArgs) error
	Test(ctx context.Context, args TestArgs) error
	View(ctx context.Context, args ViewArgs) error
	Merge(ctx context.Context, args MergeArgs) error
}

// ProducerFactory builds the mutant producer for a project root.
type ProducerFactory func(root m.Path) adapter.MutantProducer

// JournalOpener opens the ledger journal stored in dir.
type JournalOpener func(dir string) (adapter.LedgerJournal, error)

type workflow struct {
	adapter.InputAdapter
	adapter.ReportStore
	adapter.SourceFSAdapter
	controller.UI

	launcher    adapter.WorkerLauncher
	newProducer ProducerFactory
	openJournal JournalOpener
}

// NewWorkflow creates a new Workflow instance with the provided dependencies.
// openJournal may be nil, which disables resuming.
func NewWorkflow(
	input adapter.InputAdapter,
	fsAdapter adapter.SourceFSAdapter,
	reportStore adapter.ReportStore,
	ui controller.UI,
	launcher adapter.WorkerLauncher,
	newProducer ProducerFactory,
	openJournal JournalOpener,
) Workflow {
	return &workflow{
		InputAdapter:    input,
		SourceFSAdapter: fsAdapter,
		ReportStore:     reportStore,
		UI:              ui,
		launcher:        launcher,
		newProducer:     newProducer,
		openJournal:     openJournal,
	}
}

// collection is the planned mutation set of a run.
type collection struct {
	details       []m.MutationDetails
	baselineGreen bool
	inputHash     string
}

// Estimate collects the planned mutations and displays them without running.
func (w *workflow) Estimate(ctx context.Context, args EstimateArgs) error {
	if err := w.Start(ctx, controller.WithEstimateMode()); err != nil {
		slog.Error("Failed to start workflow UI", "error", err)
		return err
	}

	collected, err := w.collect(ctx, args)
	if err != nil {
		_ = w.DisplayEstimation(ctx, nil, err)
		w.Close(ctx)
		slog.Error("Failed to collect mutations", "error", err)

		return fmt.Errorf("collect mutations: %w", err)
	}

	if err := w.DisplayEstimation(ctx, collected.details, nil); err != nil {
		w.Close(ctx)
		slog.Error("Failed to display estimation", "error", err)

		return fmt.Errorf("display: %w", err)
	}

	w.Wait(ctx)
	w.Close(ctx)

	return nil
}

// Test runs every planned mutation of the shard in worker processes and
// stores the results.
func (w *workflow) Test(ctx context.Context, args TestArgs) error {
	if err := w.Start(ctx, controller.WithTestMode()); err != nil {
		slog.Error("Failed to start workflow UI", "error", err)
		return err
	}
	defer w.Close(ctx)

	collected, err := w.collect(ctx, args.EstimateArgs)
	if err != nil {
		slog.Error("Failed to collect mutations", "error", err)
		return fmt.Errorf("collect mutations: %w", err)
	}

	reports := shardReportsPath(args.Reports, args.ShardIndex, args.TotalShardCount)

	journal, err := w.journalFor(reports, collected.inputHash, args.UseCache)
	if err != nil {
		slog.Error("Failed to open ledger journal", "path", reports, "error", err)
		return fmt.Errorf("open journal: %w", err)
	}

	if journal != nil {
		defer func() { _ = journal.Close() }()
	}

	ledger := NewLedger(journal)
	ledger.Add(shardMutations(collected.details, args.ShardIndex, args.TotalShardCount)...)

	restored, err := ledger.Restore()
	if err != nil {
		slog.Error("Failed to restore ledger", "error", err)
		return fmt.Errorf("restore ledger: %w", err)
	}

	if restored > 0 {
		slog.Info("Resumed previous run", "mutations", restored)
	}

	uncovered := ledger.MarkUncovered()
	slog.Debug("Resolved uncovered mutations", "count", len(uncovered))

	parallel := max(args.Parallel, 1)
	w.DisplayConcurrencyInfo(ctx, parallel, args.ShardIndex, max(args.TotalShardCount, 1))
	w.DisplayUpcomingTestsInfo(ctx, len(ledger.Unresolved()))

	supervisor := NewSupervisor(w.launcher, ledger, SupervisorConfig{
		Worker:         args.Worker,
		SessionTimeout: args.SessionTimeout,
	}, w.UI)

	if err := w.runSessions(ctx, supervisor, ledger, parallel, args); err != nil {
		slog.Error("Mutation run interrupted", "error", err)
		return fmt.Errorf("run mutations: %w", err)
	}

	summary, err := w.saveLedger(reports, ledger, collected, args)
	if err != nil {
		slog.Error("Failed to save results", "path", reports, "error", err)
		return fmt.Errorf("save results: %w", err)
	}

	w.DisplayMutationScore(ctx, summary)

	return nil
}

// runSessions dispatches the unresolved mutations in batches, one worker
// process per batch, and reruns whatever a crashed session left behind
// while that makes progress.
func (w *workflow) runSessions(ctx context.Context, supervisor Supervisor, ledger Ledger, parallel int, args TestArgs) error {
	batchSize := args.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	for round := 0; round <= max(args.MaxReruns, 0); round++ {
		pending := ledger.Unresolved()
		if len(pending) == 0 {
			break
		}

		if round > 0 {
			slog.Info("Rerunning unresolved mutations", "round", round, "mutations", len(pending))
		}

		var group errgroup.Group

		group.SetLimit(parallel)

		for _, batch := range chunkMutations(pending, batchSize) {
			group.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}

				exit, err := supervisor.RunSession(ctx, batch)
				if err != nil {
					slog.Error("Failed to run worker session", "mutations", len(batch), "error", err)
					return nil
				}

				if !exit.Code.IsOK() {
					slog.Warn("Worker session ended abnormally", "exit", exit.Code.String(), "test", exit.CurrentTest.QualifiedName())
				}

				return nil
			})
		}

		_ = group.Wait()

		if err := ctx.Err(); err != nil {
			return err
		}

		if len(ledger.Unresolved()) >= len(pending) {
			slog.Warn("No progress on unresolved mutations", "round", round, "mutations", len(pending))
			break
		}
	}

	leftovers := append(ledger.Unresolved(), ledger.InFlight()...)
	if len(leftovers) > 0 {
		slog.Warn("Giving up on unresolved mutations", "count", len(leftovers))
		ledger.SetStatuses(batchIDs(leftovers), m.RunError)
	}

	return nil
}

func (w *workflow) saveLedger(reports m.Path, ledger Ledger, collected collection, args TestArgs) (m.RunSummary, error) {
	results, err := pkg.SpillOf(ledger.Results())
	if err != nil {
		return m.RunSummary{}, err
	}

	defer func() { _ = results.Close() }()

	summary, err := summarizeResults(results)
	if err != nil {
		return m.RunSummary{}, err
	}

	summary.BaselineGreen = collected.baselineGreen
	summary.ShardIndex = args.ShardIndex
	summary.TotalShards = args.TotalShardCount
	summary.InputHash = collected.inputHash

	if args.Reports == "" {
		return summary, nil
	}

	if err := w.SaveResults(reports, results, summary); err != nil {
		return m.RunSummary{}, err
	}

	return summary, nil
}

// View displays previously stored results.
func (w *workflow) View(ctx context.Context, args ViewArgs) error {
	results, err := w.LoadResults(args.Reports)
	if err != nil {
		slog.Error("Failed to load results", "path", args.Reports, "error", err)
		return fmt.Errorf("load results: %w", err)
	}

	summary, err := w.LoadSummary(args.Reports)
	if err != nil {
		slog.Error("Failed to load summary", "path", args.Reports, "error", err)
		return fmt.Errorf("load summary: %w", err)
	}

	if err := w.Start(ctx, controller.WithViewMode()); err != nil {
		slog.Error("Failed to start workflow UI", "error", err)
		return err
	}

	if err := w.DisplayResults(ctx, results); err != nil {
		w.Close(ctx)
		return fmt.Errorf("display: %w", err)
	}

	w.DisplayMutationScore(ctx, summary)
	w.Wait(ctx)
	w.Close(ctx)

	return nil
}

// Merge folds every shard store below args.Reports into one store at
// args.Reports.
func (w *workflow) Merge(ctx context.Context, args MergeArgs) error {
	shards, err := w.ShardPaths(args.Reports)
	if err != nil {
		slog.Error("Failed to list shard reports", "path", args.Reports, "error", err)
		return fmt.Errorf("list shards: %w", err)
	}

	if len(shards) == 0 {
		return fmt.Errorf("no shard reports found in %s", args.Reports)
	}

	merged, err := pkg.NewFileSpill[m.MutationResult]()
	if err != nil {
		return err
	}

	defer func() { _ = merged.Close() }()

	green := true
	hash := ""

	for _, shard := range shards {
		if err := ctx.Err(); err != nil {
			return err
		}

		results, err := w.LoadResults(shard)
		if err != nil {
			return fmt.Errorf("load shard %s: %w", shard, err)
		}

		summary, err := w.LoadSummary(shard)
		if err != nil {
			return fmt.Errorf("load shard summary %s: %w", shard, err)
		}

		if hash != "" && summary.InputHash != hash {
			slog.Warn("Shard was produced from different inputs", "shard", shard)
		}

		hash = summary.InputHash
		green = green && summary.BaselineGreen

		if err := merged.AppendBatch(results); err != nil {
			return fmt.Errorf("spill shard %s: %w", shard, err)
		}
	}

	summary, err := summarizeResults(merged)
	if err != nil {
		return err
	}

	summary.BaselineGreen = green
	summary.TotalShards = len(shards)
	summary.InputHash = hash

	if err := w.SaveResults(args.Reports, merged, summary); err != nil {
		slog.Error("Failed to save merged results", "path", args.Reports, "error", err)
		return fmt.Errorf("save merged results: %w", err)
	}

	if err := w.Start(ctx, controller.WithTestMode()); err != nil {
		return err
	}

	w.DisplayMutationScore(ctx, summary)
	w.Close(ctx)

	return nil
}

// collect builds the coverage index and pairs every planned mutation with
// the tests covering its line.
func (w *workflow) collect(ctx context.Context, args EstimateArgs) (collection, error) {
	index := NewCoverageIndex(nil)

	samples, errs := w.StreamCoverage(ctx, args.CoverageFile)
	if err := index.Ingest(ctx, samples); err != nil {
		return collection{}, err
	}

	if err := <-errs; err != nil {
		return collection{}, err
	}

	plan, err := w.LoadPlan(args.PlanFile)
	if err != nil {
		return collection{}, err
	}

	ids, err := w.plannedMutations(ctx, args.ProjectRoot, plan, index)
	if err != nil {
		return collection{}, err
	}

	details := make([]m.MutationDetails, 0, len(ids))
	for _, id := range ids {
		details = append(details, m.MutationDetails{ID: id, TestsInOrder: index.TestsCovering(id.Unit, id.Line)})
	}

	hash, err := w.inputHash(args.CoverageFile, args.PlanFile)
	if err != nil {
		return collection{}, err
	}

	return collection{details: details, baselineGreen: index.IsBaselineGreen(), inputHash: hash}, nil
}

// plannedMutations returns the plan's mutations plus every mutation of the
// plan's units, or of every covered unit when the plan is empty.
func (w *workflow) plannedMutations(ctx context.Context, root m.Path, plan m.MutationPlan, index CoverageIndex) ([]m.MutationUnit, error) {
	units := plan.Units
	if plan.IsEmpty() {
		units = index.Units()
	}

	seen := map[m.MutationUnit]struct{}{}
	ids := make([]m.MutationUnit, 0, len(plan.Mutations))

	add := func(id m.MutationUnit) {
		if _, ok := seen[id]; ok {
			return
		}

		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	for _, id := range plan.Mutations {
		add(id)
	}

	if len(units) > 0 {
		producer := w.newProducer(root)

		for _, unit := range units {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			found, err := producer.Enumerate(ctx, unit)
			if err != nil {
				return nil, fmt.Errorf("enumerate %s: %w", unit, err)
			}

			for _, id := range found {
				add(id)
			}
		}
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	return ids, nil
}

// inputHash fingerprints the run inputs so a journal is only resumed for
// the same coverage feed and plan.
func (w *workflow) inputHash(paths ...m.Path) (string, error) {
	h := sha256.New()

	for _, path := range paths {
		if path == "" {
			continue
		}

		sum, err := w.HashFile(path)
		if err != nil {
			return "", fmt.Errorf("hash %s: %w", path, err)
		}

		_, _ = h.Write([]byte(sum))
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func (w *workflow) journalFor(reports m.Path, hash string, useCache bool) (adapter.LedgerJournal, error) {
	if !useCache || reports == "" || w.openJournal == nil {
		return nil, nil
	}

	dir := w.JoinPath(string(reports), journalDirPrefix+hash[:min(len(hash), 16)])

	journal, err := w.openJournal(string(dir))
	if err != nil {
		return nil, err
	}

	return journal, nil
}

func shardReportsPath(reports m.Path, shardIndex, totalShardCount int) m.Path {
	if reports == "" || totalShardCount <= 1 {
		return reports
	}

	return m.Path(filepath.Join(string(reports), fmt.Sprintf("%s%d", adapter.ShardDirPrefix, shardIndex)))
}

// shardMutations keeps the mutations whose position in the sorted plan
// falls into the shard.
func shardMutations(all []m.MutationDetails, shardIndex, totalShardCount int) []m.MutationDetails {
	if totalShardCount <= 1 {
		return all
	}

	var shard []m.MutationDetails

	for i, details := range all {
		if i%totalShardCount == shardIndex {
			shard = append(shard, details)
		}
	}

	return shard
}

func chunkMutations(details []m.MutationDetails, size int) [][]m.MutationDetails {
	var chunks [][]m.MutationDetails

	for start := 0; start < len(details); start += size {
		chunks = append(chunks, details[start:min(start+size, len(details))])
	}

	return chunks
}
