package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gooze.dev/pkg/mutexec/internal/domain"
	m "gooze.dev/pkg/mutexec/internal/model"
)

var runParallelFlag int
var runBatchSizeFlag int
var runShardFlag string
var runFullMatrix bool
var runRecordPasses bool
var runCompileCheck bool
var runMaxReruns int
var runWorkerTimeout int64

// runCmd represents the run command.
var runCmd = newRunCmd()

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run mutation testing",
		Long:  runLongDescription,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			shardIndex, totalShards := parseShardFlag(runShardFlag)
			batchSize := viper.GetInt(runBatchSizeKey)
			args := estimateArgs()

			return workflow.Test(cmd.Context(), domain.TestArgs{
				EstimateArgs:    args,
				Reports:         m.Path(viper.GetString(outputFlagName)),
				UseCache:        !viper.GetBool(noCacheFlagName),
				Parallel:        viper.GetInt(runParallelConfigKey),
				BatchSize:       batchSize,
				ShardIndex:      shardIndex,
				TotalShardCount: totalShards,
				MaxReruns:       viper.GetInt(runMaxRerunsKey),
				Worker:          workerSettings(string(args.ProjectRoot), batchSize),
				SessionTimeout:  workerTimeout(batchSize) + sessionGrace,
			})
		},
	}

	configureRunFlags(cmd)

	return cmd
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func configureRunFlags(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&runParallelFlag, runParallelFlagName, "p", viper.GetInt(runParallelConfigKey), "number of concurrent worker processes")
	bindFlagToConfig(cmd.Flags().Lookup(runParallelFlagName), runParallelConfigKey)

	cmd.Flags().IntVar(&runBatchSizeFlag, runBatchSizeFlagName, viper.GetInt(runBatchSizeKey), "mutations per worker process")
	bindFlagToConfig(cmd.Flags().Lookup(runBatchSizeFlagName), runBatchSizeKey)

	cmd.Flags().BoolVar(&runFullMatrix, runFullMatrixFlag, viper.GetBool(runFullMatrixKey), "run every covering test instead of stopping at the first kill")
	bindFlagToConfig(cmd.Flags().Lookup(runFullMatrixFlag), runFullMatrixKey)

	cmd.Flags().BoolVar(&runRecordPasses, runRecordPassesFlag, viper.GetBool(runRecordPassesKey), "record passing tests even when stopping at the first kill")
	bindFlagToConfig(cmd.Flags().Lookup(runRecordPassesFlag), runRecordPassesKey)

	cmd.Flags().BoolVar(&runCompileCheck, runCompileCheckFlag, viper.GetBool(runCompileCheckKey), "compile each mutant before running tests and mark failures non-viable")
	bindFlagToConfig(cmd.Flags().Lookup(runCompileCheckFlag), runCompileCheckKey)

	cmd.Flags().IntVar(&runMaxReruns, runMaxRerunsFlagName, viper.GetInt(runMaxRerunsKey), "worker sessions to start again for mutations a crashed worker left behind")
	bindFlagToConfig(cmd.Flags().Lookup(runMaxRerunsFlagName), runMaxRerunsKey)

	cmd.Flags().Int64Var(&runWorkerTimeout, runWorkerTimeoutFlag, viper.GetInt64(runWorkerTimeoutKey), "seconds a worker process may run (0: derived from the batch size)")
	bindFlagToConfig(cmd.Flags().Lookup(runWorkerTimeoutFlag), runWorkerTimeoutKey)

	cmd.Flags().StringVarP(&runShardFlag, runShardFlagName, "s", "", "shard index and total shard count in the format INDEX/TOTAL (e.g., 0/3)")
}

func parseShardFlag(shard string) (int, int) {
	if shard == "" {
		return 0, 1
	}

	var index, total int

	_, err := fmt.Sscanf(shard, "%d/%d", &index, &total)
	if err != nil || total <= 0 || index < 0 || index >= total {
		return 0, 1
	}

	return index, total
}
