package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pyrunner/pyrunner/pkg/logging"
)

var (
	cfgPath   string
	logLevel  string
	logFormat string
	logFile   string
	appLogger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "pyrunner",
	Short: "Run caller-supplied Python inside a rootless sandbox container",
	Long: `Pyrunner is a code-execution broker. It exposes a single run_python
operation that executes arbitrary caller-supplied code inside a rootless,
network-isolated container, while mediating calls from that code back to a
set of external tool-providing subprocesses the broker itself spawns.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		appLogger = newAppLogger()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a broker config YAML file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: json or text (default: text on a TTY, json otherwise)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "write logs to this file with rotation instead of stderr")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serversCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(containersCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command, exiting non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newAppLogger builds the structured logger for this invocation: JSON to a
// rotated file when --log-file is given, otherwise TTY-aware text or JSON
// to stderr depending on whether stderr is a terminal.
func newAppLogger() *slog.Logger {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.ParseLevel(logLevel)
	cfg.Component = "cli"

	if logFile != "" {
		cfg.Output = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		cfg.Format = logging.FormatJSON
	} else {
		cfg.Output = os.Stderr
		if logFormat != "" {
			cfg.Format = logging.ParseFormat(logFormat)
		} else if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
			cfg.Format = logging.FormatText
		} else {
			cfg.Format = logging.FormatJSON
		}
	}

	base := logging.NewStructuredLogger(cfg)
	return slog.New(logging.NewRedactingHandler(base.Handler()))
}
