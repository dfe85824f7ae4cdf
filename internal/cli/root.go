// Package cli implements the docscale command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"docscale/internal/config"
	"docscale/internal/logging"
	"docscale/internal/supervisor"
)

const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitInterrupted = 130
)

// app carries the global flags and the output streams shared by every command.
type app struct {
	configPath string
	progress   string
	overrides  []string
	verbose    bool

	stdout io.Writer
	stderr io.Writer
}

// Execute runs the command line and returns the process exit status.
func Execute(ctx context.Context, args []string) int {
	a := &app{stdout: os.Stdout, stderr: os.Stderr}
	root := newRootCommand(a)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}
	code := exitCode(ctx, err)
	if code == ExitInterrupted {
		fmt.Fprintln(a.stderr, "interrupted")
	} else {
		fmt.Fprintln(a.stderr, "error:", err)
	}
	return code
}

func exitCode(ctx context.Context, err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, context.Canceled), ctx.Err() != nil:
		return ExitInterrupted
	default:
		return ExitFailure
	}
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "docscale",
		Short: "Crash-safe batch super-resolution and calibrated downscaling of scanned documents",
		Long: `docscale upscales every scanned page under the input directory with a super-resolution
model, then downscales it to the physical resolution measured from the calibration band of its
folder. Runs are resumable: finished pages are skipped and failures are kept in a CSV ledger.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.CompletionOptions.DisableDefaultCmd = true

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", config.DefaultConfigPath, "configuration file")
	root.PersistentFlags().StringVar(&a.progress, "progress", "auto", "progress display: auto, tui, lines or none")
	root.PersistentFlags().StringArrayVar(&a.overrides, "set", nil, "override a config value, e.g. --set ledger.format=compact")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newInitCommand(a),
		newRunCommand(a),
		newBenchmarkCommand(a),
		newStatusCommand(a),
		newBestCommand(a),
		newDoctorCommand(a),
		newWorkerCommand(a),
	)
	return root
}

// loadConfig applies the config file, the environment, --set and the given flag
// overrides in that order of precedence.
func (a *app) loadConfig(flags map[string]string) (*config.Config, error) {
	args := map[string]string{}
	for _, kv := range a.overrides {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, supervisor.Permanent(fmt.Errorf("--set %q: expected key=value", kv))
		}
		args[strings.TrimSpace(key)] = value
	}
	for k, v := range flags {
		args[k] = v
	}
	cfg, err := config.NewLoader().WithConfigPath(a.configPath).WithCmdArgs(args).Load()
	if err != nil {
		return nil, err
	}
	if a.verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (a *app) logger(cfg *config.Config) *zap.Logger {
	return logging.New(cfg.Logging)
}
