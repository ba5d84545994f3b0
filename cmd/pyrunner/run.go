package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pyrunner/pyrunner/pkg/broker"
	"github.com/pyrunner/pyrunner/pkg/discovery"
)

var (
	runCode    string
	runServers []string
	runTimeout int
)

var runCmd = &cobra.Command{
	Use:   "run [file.py]",
	Short: "Run one invocation through a fresh broker and print the result",
	Long: `Runs a single run_python invocation against a freshly constructed broker
and prints its stdout/stderr/status. This exists purely to exercise the
core for manual testing; the real caller is the outer tool-exposure
protocol handler, which pyrunner does not implement.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRun(args)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runCode, "code", "c", "", "inline Python source (alternative to a file argument)")
	runCmd.Flags().StringSliceVar(&runServers, "servers", nil, "comma-separated tool servers to allow for this invocation")
	runCmd.Flags().IntVar(&runTimeout, "timeout", 30, "invocation timeout in seconds")
}

func runRun(args []string) error {
	code, err := resolveCode(args)
	if err != nil {
		return err
	}

	cfg, err := broker.LoadConfig(cfgPath)
	if err != nil {
		return err
	}

	ctx := context.Background()
	b, err := broker.New(ctx, cfg, discovery.New(cfg.InlineServers))
	if err != nil {
		return err
	}
	b.SetLogger(appLogger)
	defer b.Shutdown()

	result, err := b.Run(ctx, code, runServers, runTimeout)
	if err != nil {
		return err
	}

	if result.Stdout != "" {
		fmt.Fprint(os.Stdout, result.Stdout)
	}
	if result.Stderr != "" {
		fmt.Fprint(os.Stderr, result.Stderr)
	}
	fmt.Fprintf(os.Stderr, "status: %s  exit_code: %d\n", result.Status, result.ExitCode)

	if result.Status != broker.StatusSuccess {
		os.Exit(1)
	}
	return nil
}

func resolveCode(args []string) (string, error) {
	if runCode != "" {
		return runCode, nil
	}
	if len(args) == 0 {
		return "", fmt.Errorf("run: provide a file argument or --code")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", args[0], err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}
