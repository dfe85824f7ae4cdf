package cli

import (
	"context"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"docscale/internal/benchmark"
	"docscale/internal/config"
	"docscale/internal/discovery"
	"docscale/internal/model"
)

var benchmarkFlagPaths = map[string]string{
	"devices":   "benchmark.devices",
	"processes": "benchmark.processes",
	"threads":   "benchmark.threads",
	"sample":    "benchmark.sample_size",
	"cpu-max":   "benchmark.cpu_max_avg",
	"engine":    "model.engine",
	"ppi":       "pipeline.ppi",
	"launcher":  "pipeline.launcher",
}

func newBenchmarkCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "benchmark",
		Short: "Measure every device, process and thread combination on a sample of the input",
		Long: `Run the largest input images through every combination of device, process count and
thread count that is not yet in the benchmark log. Each measured combination is appended to
the log at once, so an interrupted benchmark resumes where it stopped. The fastest combination
without errors becomes the best configuration used by "docscale run".`,
		Example: `  docscale benchmark
  docscale benchmark --devices cpu --processes 1,2 --threads 1,2,4 --sample 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(changedFlags(cmd, benchmarkFlagPaths))
			if err != nil {
				return err
			}
			log := a.logger(cfg)
			defer func() { _ = log.Sync() }()

			res, err := a.runBenchmark(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(a.stdout, res)
			}
			writeBenchmarkReport(a.stdout, res)
			return nil
		},
	}
	f := cmd.Flags()
	f.String("devices", "", "comma separated devices (benchmark.devices)")
	f.String("processes", "", "comma separated process counts (benchmark.processes)")
	f.String("threads", "", "comma separated thread counts (benchmark.threads)")
	f.Int("sample", 0, "number of largest images to measure with")
	f.Duration("cpu-max", 0, "stop cpu combinations once one averages more than this per image")
	f.String("engine", "", "super-resolution engine: interpolate or exec")
	f.Int("ppi", 0, "scan resolution for every folder (400 or 600); 0 estimates per folder")
	f.String("launcher", "", "worker launcher: exec or inprocess")
	f.BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func (a *app) runBenchmark(ctx context.Context, cfg *config.Config, log *zap.Logger) (benchmark.Result, error) {
	items, err := discovery.Scan(discovery.ScanOptions{
		InputDir:         cfg.Paths.InputDir,
		SuperResolvedDir: cfg.SuperResolvedDir(),
		OutputDir:        cfg.DownscaledDir(),
		Exclude:          []string{cfg.Paths.OutputDir, cfg.Paths.ScratchDir},
	})
	if err != nil {
		return benchmark.Result{}, err
	}
	base := a.orchestratorOptions(cfg, log)
	return benchmark.Search(ctx, benchmark.Options{
		LogPath:    cfg.Paths.BenchmarkLogPath,
		BestPath:   cfg.Paths.BestConfigPath,
		ScratchDir: cfg.Paths.ScratchDir,
		Devices:    cfg.Benchmark.Devices,
		Processes:  cfg.Benchmark.Processes,
		Threads:    cfg.Benchmark.Threads,
		SampleSize: cfg.Benchmark.SampleSize,
		CPUMaxAvg:  cfg.Benchmark.CPUMaxAvg,
		Items:      items,
		Run:        benchmark.OrchestratorRun(base, a.reporterFactory(log)),
		Log:        log,
	})
}

func recordsTable(recs []model.BenchmarkRecord, best model.BestConfig) string {
	header := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	highlight := lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	failed := lipgloss.NewStyle().Foreground(lipgloss.Color("203"))

	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, []string{
			r.Device,
			strconv.Itoa(r.Processes),
			strconv.Itoa(r.Threads),
			formatSeconds(r.TotalTime),
			formatSeconds(r.AvgTime),
			strconv.Itoa(r.Success) + "/" + strconv.Itoa(r.ImagesCount),
		})
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("DEVICE", "PROCESSES", "THREADS", "TOTAL", "PER IMAGE", "OK").
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return header
			case row >= 0 && row < len(recs) && !recs[row].Viable():
				return failed
			case row >= 0 && row < len(recs) && recs[row].Key() == (model.BenchmarkKey{Device: best.Device, Processes: best.Processes, Threads: best.Threads}):
				return highlight
			}
			return lipgloss.NewStyle()
		})
	return t.String()
}

func writeBenchmarkReport(w io.Writer, res benchmark.Result) {
	fprintf(w, "measured %d  already in log %d  skipped after slow cpu %d\n",
		len(res.Executed), len(res.AlreadyRun), len(res.EarlyStopped))
	if len(res.Records) > 0 {
		fprintf(w, "%s\n", recordsTable(res.Records, res.Best))
	}
	writeBest(w, res.Best, res.BestFound)
}

func writeBest(w io.Writer, best model.BestConfig, ok bool) {
	if !ok {
		fprintf(w, "no viable configuration yet\n")
		return
	}
	fprintf(w, "best: %s with %d processes x %d threads (%s per image, updated %s)\n",
		best.Device, best.Processes, best.Threads, formatSeconds(best.AvgTime), best.UpdatedAt)
}

func newBestCommand(a *app) *cobra.Command {
	var asJSON, all bool
	cmd := &cobra.Command{
		Use:   "best",
		Short: "Show the best configuration found by the benchmark",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(nil)
			if err != nil {
				return err
			}
			best, ok, err := benchmark.LoadBest(cfg.Paths.BestConfigPath)
			if err != nil {
				return err
			}
			var recs []model.BenchmarkRecord
			if all {
				if recs, err = benchmark.LoadLog(cfg.Paths.BenchmarkLogPath); err != nil {
					return err
				}
				benchmark.SortRecords(recs)
			}
			if asJSON {
				return printJSON(a.stdout, struct {
					Best    *model.BestConfig       `json:"best"`
					Records []model.BenchmarkRecord `json:"records,omitempty"`
				}{Best: bestOrNil(best, ok), Records: recs})
			}
			if len(recs) > 0 {
				fprintf(a.stdout, "%s\n", recordsTable(recs, best))
			}
			writeBest(a.stdout, best, ok)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "also list every benchmark record")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func bestOrNil(b model.BestConfig, ok bool) *model.BestConfig {
	if !ok {
		return nil
	}
	return &b
}
