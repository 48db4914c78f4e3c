// Package cmd provides the root command and CLI setup for mutexec.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"gooze.dev/pkg/mutexec/internal/adapter"
	"gooze.dev/pkg/mutexec/internal/controller"
	"gooze.dev/pkg/mutexec/internal/domain"
	m "gooze.dev/pkg/mutexec/internal/model"
)

var inputAdapter adapter.InputAdapter
var fsAdapter adapter.SourceFSAdapter
var reportStore adapter.ReportStore
var launcher adapter.WorkerLauncher
var workflow domain.Workflow
var ui controller.UI

// reportsOutputDirFlag is a root-level flag shared by commands that read/write reports.
var reportsOutputDirFlag string

// noCacheFlag disables resuming from the ledger journal when set.
var noCacheFlag bool

var verboseFlag bool

var coverageFileFlag string
var mutationsFileFlag string
var projectRootFlag string

func init() {
	// Initialize shared dependencies.
	ui = controller.NewUI(rootCmd, controller.IsTTY(os.Stdout))
	inputAdapter = adapter.NewYAMLInputAdapter()
	fsAdapter = adapter.NewLocalSourceFSAdapter()
	reportStore = adapter.NewReportStore()
	launcher = adapter.NewProcessLauncher(workerBinary(), workerCmdName)
	workflow = domain.NewWorkflow(
		inputAdapter,
		fsAdapter,
		reportStore,
		ui,
		launcher,
		newMutantProducer,
		openLedgerJournal,
	)
}

func newMutantProducer(root m.Path) adapter.MutantProducer {
	return adapter.NewGoMutantProducer(root, fsAdapter)
}

func openLedgerJournal(dir string) (adapter.LedgerJournal, error) {
	journal, err := adapter.OpenLedgerJournal(dir)
	if err != nil {
		return nil, err
	}

	return journal, nil
}

// workerBinary is the executable re-run for worker processes.
func workerBinary() string {
	if path, err := os.Executable(); err == nil {
		return path
	}

	return os.Args[0]
}

const inputsHelp = `Inputs:
  - a coverage feed (YAML stream, one document per test) from the baseline run
  - an optional mutation plan listing units and/or single mutations`

const rootLongDescription = `mutexec runs mutation tests for Go projects. Every mutation is executed
against the tests that cover its line, in isolated worker processes, and the
outcome of each mutation is stored for later viewing.

` + inputsHelp

const runLongDescription = `Run every planned mutation in worker processes and store the results.

` + inputsHelp

const listLongDescription = `List the planned mutations per unit without running them.

` + inputsHelp

// rootCmd represents the base command when called without any subcommands.
var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mutexec",
		Short: "Go mutation test execution engine",
		Long:  rootLongDescription,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			configureLogger("", viper.GetBool(logVerboseKey))
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	configureRootFlags(cmd)

	return cmd
}

func configureRootFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().
		StringVarP(
			&reportsOutputDirFlag, outputFlagName, "o",
			viper.GetString(outputFlagName),
			"output directory for mutation testing reports",
		)
	bindFlagToConfig(cmd.PersistentFlags().Lookup(outputFlagName), outputFlagName)

	cmd.PersistentFlags().BoolVar(&noCacheFlag, noCacheFlagName, viper.GetBool(noCacheFlagName), "disable resuming from a previous run (re-test everything)")
	bindFlagToConfig(cmd.PersistentFlags().Lookup(noCacheFlagName), noCacheFlagName)

	cmd.PersistentFlags().BoolVarP(&verboseFlag, verboseFlagName, "v", viper.GetBool(logVerboseKey), "log at debug level")
	bindFlagToConfig(cmd.PersistentFlags().Lookup(verboseFlagName), logVerboseKey)

	cmd.PersistentFlags().StringVarP(&coverageFileFlag, coverageFlagName, "c", viper.GetString(coverageFileKey), "coverage feed produced by the baseline test run")
	bindFlagToConfig(cmd.PersistentFlags().Lookup(coverageFlagName), coverageFileKey)

	cmd.PersistentFlags().StringVarP(&mutationsFileFlag, mutationsFlagName, "m", viper.GetString(mutationsFileKey), "mutation plan (default: every mutation of every covered unit)")
	bindFlagToConfig(cmd.PersistentFlags().Lookup(mutationsFlagName), mutationsFileKey)

	cmd.PersistentFlags().StringVar(&projectRootFlag, projectRootFlagName, viper.GetString(projectRootKey), "root of the project under test")
	bindFlagToConfig(cmd.PersistentFlags().Lookup(projectRootFlagName), projectRootKey)
}

// bindFlagToConfig wires a Cobra flag to a Viper key so config/env values feed the flag.
func bindFlagToConfig(flag *pflag.Flag, key string) {
	if flag == nil {
		cobra.CheckErr(fmt.Errorf("flag for config key %q not found", key))
		return
	}

	cobra.CheckErr(viper.BindPFlag(key, flag))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := rootCmd.ExecuteContext(ctx)

	stop()

	if err != nil {
		os.Exit(1)
	}
}

func estimateArgs() domain.EstimateArgs {
	return domain.EstimateArgs{
		ProjectRoot:  m.Path(viper.GetString(projectRootKey)),
		CoverageFile: m.Path(viper.GetString(coverageFileKey)),
		PlanFile:     m.Path(viper.GetString(mutationsFileKey)),
	}
}
