package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	m "gooze.dev/pkg/mutexec/internal/model"
)

const (
	configVersionKey     = "version"
	currentConfigVersion = 1

	configBaseName   = "mutexec"
	configFileName   = configBaseName + ".yaml"
	configFolderPath = "."

	outputFlagName       = "output"
	noCacheFlagName      = "no-cache"
	verboseFlagName      = "verbose"
	coverageFlagName     = "coverage"
	mutationsFlagName    = "mutations"
	projectRootFlagName  = "project-root"
	runParallelFlagName  = "parallel"
	runBatchSizeFlagName = "batch-size"
	runShardFlagName     = "shard"
	runFullMatrixFlag    = "full-matrix"
	runRecordPassesFlag  = "record-passes"
	runMaxRerunsFlagName = "max-reruns"
	runWorkerTimeoutFlag = "worker-timeout"
	runCompileCheckFlag  = "compile-check"

	coverageFileKey         = "coverage.file"
	mutationsFileKey        = "mutations.file"
	projectRootKey          = "project.root"
	runParallelConfigKey    = "run.parallel"
	runBatchSizeKey         = "run.batch_size"
	runWorkerTimeoutKey     = "run.worker_timeout"
	runFullMatrixKey        = "run.full_matrix"
	runRecordPassesKey      = "run.record_passes"
	runCompileCheckKey      = "run.compile_check"
	runTestTimeoutFactorKey = "run.test_timeout_factor"
	runTestTimeoutConstKey  = "run.test_timeout_constant"
	runMaxRerunsKey         = "run.max_reruns"

	defaultReportsDir          = ".mutexec-reports"
	defaultNoCache             = false
	defaultCoverageFile        = "mutexec-coverage.yaml"
	defaultProjectRoot         = "."
	defaultRunParallel         = 1
	defaultRunBatchSize        = 8
	defaultTestTimeoutFactor   = 1.25
	defaultTestTimeoutConstant = 4000
	defaultMaxReruns           = 2

	// defaultMutationTimeout is the worker budget per mutation when
	// run.worker_timeout is not set.
	defaultMutationTimeout = 2 * time.Minute
	// sessionGrace lets the worker's own watchdog fire before the controller
	// gives up on the session.
	sessionGrace = 30 * time.Second

	envPrefix = "MUTEXEC"

	logFilenameKey   = "log.filename"
	logLevelKey      = "log.level"
	logVerboseKey    = "log.verbose"
	logMaxSizeKey    = "log.max_size"
	logMaxBackupsKey = "log.max_backups"
	logMaxAgeKey     = "log.max_age"
	logCompressKey   = "log.compress"

	defaultLogFilename   = ".mutexec.log"
	defaultLogLevel      = int(slog.LevelInfo)
	defaultLogVerbose    = false
	defaultLogMaxSize    = 10
	defaultLogMaxBackups = 3
	defaultLogMaxAge     = 28
	defaultLogCompress   = true
)

var globalLogger *slog.Logger

func init() {
	viper.SetConfigName(configBaseName)
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configFolderPath)
	viper.SetConfigFile(filepath.Join(configFolderPath, configFileName))
	viper.AutomaticEnv()
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	viper.SetDefault(configVersionKey, currentConfigVersion)
	viper.SetDefault(outputFlagName, defaultReportsDir)
	viper.SetDefault(noCacheFlagName, defaultNoCache)
	viper.SetDefault(coverageFileKey, defaultCoverageFile)
	viper.SetDefault(mutationsFileKey, "")
	viper.SetDefault(projectRootKey, defaultProjectRoot)

	viper.SetDefault(runParallelConfigKey, defaultRunParallel)
	viper.SetDefault(runBatchSizeKey, defaultRunBatchSize)
	viper.SetDefault(runWorkerTimeoutKey, 0)
	viper.SetDefault(runFullMatrixKey, false)
	viper.SetDefault(runRecordPassesKey, false)
	viper.SetDefault(runCompileCheckKey, true)
	viper.SetDefault(runTestTimeoutFactorKey, defaultTestTimeoutFactor)
	viper.SetDefault(runTestTimeoutConstKey, defaultTestTimeoutConstant)
	viper.SetDefault(runMaxRerunsKey, defaultMaxReruns)

	// Logging defaults (used by config/env and as fallbacks for flags).
	viper.SetDefault(logFilenameKey, defaultLogFilename)
	viper.SetDefault(logLevelKey, defaultLogLevel)
	viper.SetDefault(logVerboseKey, defaultLogVerbose)
	viper.SetDefault(logMaxSizeKey, defaultLogMaxSize)
	viper.SetDefault(logMaxBackupsKey, defaultLogMaxBackups)
	viper.SetDefault(logMaxAgeKey, defaultLogMaxAge)
	viper.SetDefault(logCompressKey, defaultLogCompress)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return
		}

		return
	}
}

// workerSettings assembles the settings sent to every worker from config.
func workerSettings(root string, batchSize int) m.WorkerSettings {
	return m.WorkerSettings{
		ProjectRoot:         root,
		FullMatrix:          viper.GetBool(runFullMatrixKey),
		RecordPasses:        viper.GetBool(runRecordPassesKey),
		CompileCheck:        viper.GetBool(runCompileCheckKey),
		Timeout:             workerTimeout(batchSize),
		TestTimeoutFactor:   viper.GetFloat64(runTestTimeoutFactorKey),
		TestTimeoutConstant: time.Duration(viper.GetInt64(runTestTimeoutConstKey)) * time.Millisecond,
	}
}

// workerTimeout is run.worker_timeout seconds, or a per-mutation budget
// times the batch size when unset.
func workerTimeout(batchSize int) time.Duration {
	if seconds := viper.GetInt64(runWorkerTimeoutKey); seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	return time.Duration(max(batchSize, 1)) * defaultMutationTimeout
}

func parseSlogLevel(value string, defaultLevel slog.Level) slog.Level {
	level := strings.ToLower(strings.TrimSpace(value))
	if level == "" {
		return defaultLevel
	}

	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}

	// Allow numeric slog levels as well (e.g. -4 for debug).
	if n, err := strconv.Atoi(level); err == nil {
		return slog.Level(n)
	}

	return defaultLevel
}

// workerLogPath derives a per-process log file so worker output never mixes
// with the controller's.
func workerLogPath(logPath string, pid int) string {
	if strings.TrimSpace(logPath) == "" {
		logPath = viper.GetString(logFilenameKey)
	}

	if strings.TrimSpace(logPath) == "" {
		logPath = defaultLogFilename
	}

	return fmt.Sprintf("%s.worker-%d", logPath, pid)
}

// configureLogger configures the global slog logger.
//
// By default it logs at Info; if verbose is true it logs at Debug.
func configureLogger(logPath string, verbose bool) {
	if strings.TrimSpace(logPath) == "" {
		logPath = viper.GetString(logFilenameKey)
	}

	if strings.TrimSpace(logPath) == "" {
		logPath = defaultLogFilename
	}

	var logLevel slog.Level
	if verbose || viper.GetBool(logVerboseKey) {
		logLevel = slog.LevelDebug
	} else {
		logLevel = parseSlogLevel(viper.GetString(logLevelKey), slog.LevelInfo)
	}

	logWriter := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    viper.GetInt(logMaxSizeKey),
		MaxBackups: viper.GetInt(logMaxBackupsKey),
		MaxAge:     viper.GetInt(logMaxAgeKey),
		Compress:   viper.GetBool(logCompressKey),
	}

	handler := slog.NewTextHandler(logWriter, &slog.HandlerOptions{
		AddSource: true,
		Level:     logLevel,
	})

	globalLogger = slog.New(handler)
	slog.SetDefault(globalLogger)
}
