package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"docscale/internal/benchmark"
	"docscale/internal/config"
	"docscale/internal/orchestrator"
	"docscale/internal/runstore"
	"docscale/internal/supervisor"
	"docscale/internal/worker"
)

var runFlagPaths = map[string]string{
	"input":               "paths.input_dir",
	"output":              "paths.output_dir",
	"processes":           "pipeline.processes",
	"threads":             "pipeline.threads",
	"device":              "model.device",
	"engine":              "model.engine",
	"ppi":                 "pipeline.ppi",
	"trust-intermediates": "pipeline.trust_intermediates",
	"keep-scratch":        "pipeline.keep_scratch",
	"launcher":            "pipeline.launcher",
}

func newRunCommand(a *app) *cobra.Command {
	var asJSON, noBenchmark bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process every pending image, retrying the whole run after a crash",
		Long: `Process every image under the input directory that has no final output yet.

Concurrency comes from --processes/--threads when given, otherwise from the best
configuration found by "docscale benchmark". Without a best configuration the benchmark
runs first unless --no-benchmark is set or benchmark.auto is false.`,
		Example: `  docscale run
  docscale run --processes 4 --threads 2
  docscale run --set ledger.format=compact --progress lines`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(changedFlags(cmd, runFlagPaths))
			if err != nil {
				return err
			}
			log := a.logger(cfg)
			defer func() { _ = log.Sync() }()
			return a.runPipeline(cmd.Context(), cfg, log, !noBenchmark, asJSON)
		},
	}
	f := cmd.Flags()
	f.String("input", "", "input directory (paths.input_dir)")
	f.String("output", "", "output root (paths.output_dir)")
	f.Int("processes", 0, "worker processes; 0 uses the best configuration")
	f.Int("threads", 0, "threads per worker process; 0 uses the best configuration")
	f.String("device", "", "super-resolution device: gpu or cpu")
	f.String("engine", "", "super-resolution engine: interpolate or exec")
	f.Int("ppi", 0, "scan resolution for every folder (400 or 600); 0 estimates per folder")
	f.Bool("trust-intermediates", false, "reuse existing super-resolved files without validating them")
	f.Bool("keep-scratch", false, "keep shard specs and calibration intermediates")
	f.String("launcher", "", "worker launcher: exec or inprocess")
	f.BoolVar(&noBenchmark, "no-benchmark", false, "never run the benchmark automatically")
	f.BoolVar(&asJSON, "json", false, "print the final tally as JSON")
	return cmd
}

type shape struct {
	Device    string `json:"device"`
	Processes int    `json:"processes"`
	Threads   int    `json:"threads"`
	Source    string `json:"source"`
}

// resolveShape decides the concurrency of a run: configured values win, then the
// persisted best configuration, then a fresh benchmark, then one process and thread.
func (a *app) resolveShape(ctx context.Context, cfg *config.Config, log *zap.Logger, allowBenchmark bool) (shape, error) {
	if cfg.Pipeline.Processes > 0 || cfg.Pipeline.Threads > 0 {
		return shape{
			Device:    cfg.Model.Device,
			Processes: max(1, cfg.Pipeline.Processes),
			Threads:   max(1, cfg.Pipeline.Threads),
			Source:    "configured",
		}, nil
	}
	best, ok, err := benchmark.LoadBest(cfg.Paths.BestConfigPath)
	if err != nil {
		log.Warn("ignoring unreadable best configuration", zap.Error(err))
	}
	if !ok && allowBenchmark && cfg.Benchmark.Auto {
		log.Info("no best configuration yet, running the benchmark first")
		res, err := a.runBenchmark(ctx, cfg, log)
		if err != nil {
			return shape{}, fmt.Errorf("benchmark: %w", err)
		}
		best, ok = res.Best, res.BestFound
	}
	if ok {
		return shape{Device: best.Device, Processes: best.Processes, Threads: best.Threads, Source: "benchmark"}, nil
	}
	log.Warn("no best configuration available, using one process with one thread")
	return shape{Device: cfg.Model.Device, Processes: 1, Threads: 1, Source: "default"}, nil
}

func (a *app) orchestratorOptions(cfg *config.Config, log *zap.Logger) orchestrator.Options {
	var launcher orchestrator.Launcher = orchestrator.ExecLauncher{Args: []string{"worker"}, Stderr: a.stderr, Log: log}
	if cfg.Pipeline.Launcher == config.LauncherInProcess {
		launcher = orchestrator.InProcessLauncher{Deps: worker.DefaultDeps(log)}
	}
	return orchestrator.Options{
		Label:            "run",
		InputDir:         cfg.Paths.InputDir,
		SuperResolvedDir: cfg.SuperResolvedDir(),
		OutputDir:        cfg.DownscaledDir(),
		OutputRoot:       cfg.Paths.OutputDir,
		ScratchDir:       cfg.Paths.ScratchDir,
		Model: worker.ModelSpec{
			Engine:   cfg.Model.Engine,
			Dir:      cfg.Model.Dir,
			Binary:   cfg.Model.Binary,
			Scale:    cfg.Model.Scale,
			TileSize: cfg.Model.TileSize,
			Device:   cfg.Model.Device,
		},
		Ledger: worker.LedgerSpec{
			Path:             cfg.Paths.LedgerPath,
			Format:           cfg.Ledger.Format,
			Sharing:          cfg.Ledger.Sharing,
			AutosaveInterval: cfg.Ledger.AutosaveInterval,
			WriteAttempts:    cfg.Ledger.WriteAttempts,
		},
		TrustIntermediates: cfg.Pipeline.TrustIntermediates,
		KeepScratch:        cfg.Pipeline.KeepScratch,
		PPI:                cfg.Pipeline.PPI,
		BinaryThreshold:    cfg.Pipeline.BinaryThreshold,
		CalibrationWorkers: cfg.Pipeline.CalibrationWorkers,
		Launcher:           launcher,
		WorkerLogging:      cfg.Logging,
		Log:                log,
	}
}

func (a *app) runPipeline(ctx context.Context, cfg *config.Config, log *zap.Logger, allowBenchmark, asJSON bool) error {
	sh, err := a.resolveShape(ctx, cfg, log, allowBenchmark)
	if err != nil {
		return err
	}
	log.Info("starting run",
		zap.String("device", sh.Device),
		zap.Int("processes", sh.Processes),
		zap.Int("threads", sh.Threads),
		zap.String("source", sh.Source),
	)

	base := a.orchestratorOptions(cfg, log)
	base.Processes = sh.Processes
	base.Threads = sh.Threads
	base.Model.Device = sh.Device
	newReporter := a.reporterFactory(log)

	var last orchestrator.Result
	attempts := 0
	runErr := supervisor.Run(ctx, supervisor.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		Delay:       cfg.Retry.Delay,
		Log:         log,
	}, func(ctx context.Context, attempt int) error {
		attempts = attempt
		opts := base
		opts.Attempt = attempt
		opts.Reporter = newReporter()
		res, err := orchestrator.Run(ctx, opts)
		last = res
		if errors.Is(err, runstore.ErrLocked) {
			return supervisor.Permanent(err)
		}
		return err
	})

	report := runReport{Result: last, Shape: sh, Attempts: attempts}
	if runErr != nil {
		report.Error = runErr.Error()
	}
	if asJSON {
		if err := printJSON(a.stdout, report); err != nil {
			return err
		}
	} else {
		writeRunReport(a.stdout, report)
	}
	return runErr
}

type runReport struct {
	orchestrator.Result
	Shape    shape  `json:"shape"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

func writeRunReport(w io.Writer, r runReport) {
	fprintf(w, "run %s  (attempts %d, %s p%d t%d from %s)\n",
		r.RunID, r.Attempts, r.Shape.Device, r.Shape.Processes, r.Shape.Threads, r.Shape.Source)
	fprintf(w, "discovered %d  already done %d  pending %d\n", r.Discovered, r.AlreadyDone, r.Pending)
	fprintf(w, "succeeded %d  failed %d", r.Succeeded, r.Failed)
	if r.Canceled > 0 {
		fprintf(w, "  not processed %d", r.Canceled)
	}
	fprintf(w, "\n")
	if len(r.ByGroup) > 0 {
		groups := make([]string, 0, len(r.ByGroup))
		for g := range r.ByGroup {
			groups = append(groups, g)
		}
		slices.Sort(groups)
		fprintf(w, "failed by folder:\n")
		for _, g := range groups {
			fprintf(w, "  %-40s %d\n", g, r.ByGroup[g])
		}
	}
	if len(r.Undetermined) > 0 {
		fprintf(w, "resolution undetermined: %s\n", strings.Join(r.Undetermined, ", "))
	}
	if r.Latency.Count > 0 {
		fprintf(w, "per image  p50 %s  p95 %s  max %s\n",
			formatDuration(r.Latency.P50), formatDuration(r.Latency.P95), formatDuration(r.Latency.Max))
	}
	if r.LedgerPath != "" {
		fprintf(w, "ledger %s\n", r.LedgerPath)
	}
	if r.Error != "" {
		fprintf(w, "error: %s\n", r.Error)
	}
}
