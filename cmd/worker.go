package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gooze.dev/pkg/mutexec/internal/adapter"
	"gooze.dev/pkg/mutexec/internal/domain"
	m "gooze.dev/pkg/mutexec/internal/model"
)

const (
	workerCmdName         = "worker"
	workerConnectFlagName = "connect"
)

var workerConnectFlag string

// workerExit ends the worker process with the session's exit code.
var workerExit = os.Exit

// workerCmd is started by the controller; it is not meant to be run by hand.
var workerCmd = newWorkerCmd()

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    workerCmdName,
		Short:  "Execute a batch of mutations for a controller",
		Hidden: true,
		Args:   cobra.NoArgs,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			configureLogger(workerLogPath("", os.Getpid()), viper.GetBool(logVerboseKey))
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			exit, err := runWorker(cmd.Context(), workerConnectFlag, fsAdapter)
			if err != nil {
				slog.Error("Worker session failed", "error", err)
			}

			slog.Info("Worker exiting", "exit", exit.Code.String())
			workerExit(int(exit.Code))

			return nil
		},
	}

	cmd.Flags().StringVar(&workerConnectFlag, workerConnectFlagName, "", "controller address to connect to")
	cobra.CheckErr(cmd.MarkFlagRequired(workerConnectFlagName))

	return cmd
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

// runWorker connects back to the controller and serves one session.
func runWorker(ctx context.Context, addr string, fs adapter.SourceFSAdapter) (m.WorkerExit, error) {
	var dialer net.Dialer

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return m.WorkerExit{Code: m.ExitUnknownError}, fmt.Errorf("connect to controller: %w", err)
	}

	defer func() { _ = conn.Close() }()

	var scratch m.Path

	defer func() {
		if scratch != "" {
			_ = fs.RemoveAll(scratch)
		}
	}()

	return domain.RunWorkerSession(ctx, conn, func(settings m.WorkerSettings) (domain.WorkerTools, error) {
		tools, dir, err := buildWorkerTools(fs, settings)
		scratch = dir

		return tools, err
	})
}

// buildWorkerTools wires the go/ast producer, the overlay substituter and
// the go test runner for the project named in settings.
func buildWorkerTools(fs adapter.SourceFSAdapter, settings m.WorkerSettings) (domain.WorkerTools, m.Path, error) {
	root := settings.ProjectRoot
	if root == "" {
		root = defaultProjectRoot
	}

	scratch, err := fs.CreateTempDir("mutexec-worker-*")
	if err != nil {
		return domain.WorkerTools{}, "", fmt.Errorf("create scratch dir: %w", err)
	}

	substituter := adapter.NewOverlaySubstituter(root, string(scratch), fs, nil, settings.CompileCheck)

	return domain.WorkerTools{
		Producer:    adapter.NewGoMutantProducer(m.Path(root), fs),
		Substituter: substituter,
		Runner:      adapter.NewLocalTestRunnerAdapter(root, substituter, nil),
	}, scratch, nil
}
