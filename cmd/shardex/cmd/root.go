// Package cmd provides the CLI commands for shardex.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/shardex/internal/config"
	"github.com/Aman-CERP/shardex/internal/errors"
	"github.com/Aman-CERP/shardex/internal/logging"
	"github.com/Aman-CERP/shardex/pkg/version"
)

var (
	configPath     string
	debugMode      bool
	loggingCleanup func()
)

// NewRootCmd creates the root command for the shardex CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shardex",
		Short: "Operate and benchmark a sharded indexing pipeline",
		Long: `shardex drives the sharded indexing pipeline from the command line.

It can run synthetic workloads against any storage backend, optimize
on-disk shards and report per-shard document counts.`,
		Version:       version.Short(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("shardex version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: .shardex.yaml in the working directory)")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging to ~/.shardex/logs/")

	cmd.PersistentPreRunE = startLogging
	cmd.PersistentPostRunE = stopLogging

	cmd.AddCommand(newBenchCmd())
	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newOptimizeCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command and prints any error.
func Execute() error {
	err := NewRootCmd().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, errors.FormatForCLI(err))
	}
	return err
}

// loadConfig loads --config when given, otherwise the layered configuration
// for the working directory.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.IOError("failed to determine working directory", err)
	}
	return config.Load(wd)
}

// startLogging sends warnings to stderr, as text on a terminal and JSON
// otherwise. With --debug or logging.file set, a JSON log file is written too.
func startLogging(cmd *cobra.Command, _ []string) error {
	lc := logging.Config{
		Level:       "warn",
		Console:     cmd.ErrOrStderr(),
		ConsoleText: isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()),
		MaxSizeMB:   10,
		MaxFiles:    5,
	}

	if cfg, err := loadConfig(); err == nil {
		lc.Level = cfg.Logging.Level
		lc.FilePath = cfg.Logging.File
		if cfg.Logging.MaxSizeMB > 0 {
			lc.MaxSizeMB = cfg.Logging.MaxSizeMB
		}
		if cfg.Logging.MaxFiles > 0 {
			lc.MaxFiles = cfg.Logging.MaxFiles
		}
	}
	if debugMode {
		lc.Level = "debug"
		if lc.FilePath == "" {
			lc.FilePath = logging.DefaultLogPath()
		}
	}

	logger, cleanup, err := logging.Setup(lc)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	loggingCleanup = cleanup
	slog.SetDefault(logger)
	if lc.FilePath != "" {
		slog.Debug("logging_started",
			slog.String("log_file", lc.FilePath),
			slog.String("version", version.Short()))
	}
	return nil
}

func stopLogging(_ *cobra.Command, _ []string) error {
	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
	return nil
}
