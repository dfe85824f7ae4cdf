// Package benchmark searches device, process and thread counts for the fastest way to
// process a sample of the input, and remembers the winner.
package benchmark

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"docscale/internal/discovery"
	"docscale/internal/logging"
	"docscale/internal/model"
	"docscale/internal/orchestrator"
	"docscale/internal/progress"
	"docscale/internal/runstore"
)

// Combination is one grid cell together with the isolated roots it runs in.
type Combination struct {
	model.BenchmarkKey
	Items            []model.Item
	Dir              string
	SuperResolvedDir string
	OutputDir        string
	ScratchDir       string
	LedgerPath       string
}

// RunFunc processes the sample for one combination. A returned error means the
// combination could not run at all.
type RunFunc func(ctx context.Context, c Combination) (orchestrator.Result, error)

type Options struct {
	LogPath    string
	BestPath   string
	ScratchDir string

	Devices    []string
	Processes  []int
	Threads    []int
	SampleSize int
	// CPUMaxAvg stops the CPU part of the grid once a combination averages more per image.
	CPUMaxAvg time.Duration

	// Items are the candidates the sample is drawn from.
	Items []model.Item
	Run   RunFunc
	Clock clockwork.Clock
	Log   *zap.Logger
}

type Result struct {
	Executed     []model.BenchmarkRecord `json:"executed"`
	AlreadyRun   []model.BenchmarkKey    `json:"already_run"`
	EarlyStopped []model.BenchmarkKey    `json:"early_stopped,omitempty"`
	Records      []model.BenchmarkRecord `json:"records"`
	Best         model.BestConfig        `json:"best"`
	BestFound    bool                    `json:"best_found"`
	BestChanged  bool                    `json:"best_changed"`
}

// Grid lists every combination in search order: devices, then processes, then threads.
// Duplicate values are ignored.
func Grid(devices []string, processes, threads []int) []model.BenchmarkKey {
	var keys []model.BenchmarkKey
	seen := map[model.BenchmarkKey]bool{}
	for _, d := range devices {
		for _, p := range processes {
			for _, t := range threads {
				k := model.BenchmarkKey{Device: d, Processes: p, Threads: t}
				if seen[k] || p <= 0 || t <= 0 || d == "" {
					continue
				}
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	return keys
}

func (o *Options) defaults() error {
	if o.LogPath == "" || o.BestPath == "" || o.ScratchDir == "" {
		return errors.New("benchmark log, best config and scratch paths are required")
	}
	if o.Run == nil {
		return errors.New("benchmark run function is required")
	}
	if len(o.Devices) == 0 {
		o.Devices = []string{model.DeviceGPU, model.DeviceCPU}
	}
	if len(o.Processes) == 0 {
		o.Processes = []int{1, 2, 4, 8}
	}
	if len(o.Threads) == 0 {
		o.Threads = []int{1, 2, 3, 4, 8}
	}
	if o.SampleSize <= 0 {
		o.SampleSize = 10
	}
	if o.CPUMaxAvg <= 0 {
		o.CPUMaxAvg = 60 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Search runs every combination missing from the log, appending each row as soon as it
// is measured so an interrupted search resumes where it stopped.
func Search(ctx context.Context, opts Options) (Result, error) {
	if err := opts.defaults(); err != nil {
		return Result{}, err
	}
	log := logging.OrNop(opts.Log).Named("benchmark")

	existing, torn, err := readLog(opts.LogPath)
	if err != nil {
		return Result{}, err
	}
	if torn {
		log.Warn("dropping benchmark row cut off by an interrupted write", zap.String("path", opts.LogPath))
		if err := WriteLog(opts.LogPath, existing); err != nil {
			return Result{}, err
		}
	}
	known := make(map[model.BenchmarkKey]model.BenchmarkRecord, len(existing))
	for _, r := range existing {
		known[r.Key()] = r
	}

	sample := discovery.Largest(opts.Items, opts.SampleSize)
	if len(sample) == 0 {
		return Result{}, errors.New("no input images to benchmark")
	}
	root := filepath.Join(opts.ScratchDir, "benchmark")

	var res Result
	cpuStopped := false
	for _, key := range Grid(opts.Devices, opts.Processes, opts.Threads) {
		if prev, ok := known[key]; ok {
			res.AlreadyRun = append(res.AlreadyRun, key)
			log.Info("combination already measured", zap.Stringer("combination", key))
			if key.Device == model.DeviceCPU && prev.AvgTime > opts.CPUMaxAvg.Seconds() {
				cpuStopped = true
			}
			continue
		}
		if key.Device == model.DeviceCPU && cpuStopped {
			res.EarlyStopped = append(res.EarlyStopped, key)
			continue
		}

		rec, err := measure(ctx, opts, key, sample, filepath.Join(root, key.String()), log)
		if err != nil {
			return res, err
		}
		if err := AppendRecord(opts.LogPath, rec); err != nil {
			return res, fmt.Errorf("record %s: %w", key, err)
		}
		known[key] = rec
		res.Executed = append(res.Executed, rec)

		if key.Device == model.DeviceCPU && rec.AvgTime > opts.CPUMaxAvg.Seconds() {
			log.Warn("cpu too slow, skipping remaining cpu combinations",
				zap.Stringer("combination", key),
				zap.Float64("avg_seconds", rec.AvgTime),
				zap.Duration("limit", opts.CPUMaxAvg),
			)
			cpuStopped = true
		}
	}

	all := append(slices.Clone(existing), res.Executed...)
	if err := WriteLog(opts.LogPath, all); err != nil {
		return res, err
	}
	res.Records = slices.Clone(all)
	SortRecords(res.Records)

	if err := updateBest(opts, all, &res, log); err != nil {
		return res, err
	}
	if err := runstore.RemoveTree(root); err != nil {
		log.Warn("could not remove benchmark scratch", zap.Error(err))
	}
	return res, nil
}

func measure(ctx context.Context, opts Options, key model.BenchmarkKey, sample []model.Item, dir string, log *zap.Logger) (model.BenchmarkRecord, error) {
	if err := runstore.RemoveTree(dir); err != nil {
		return model.BenchmarkRecord{}, err
	}
	c := Combination{
		BenchmarkKey:     key,
		Dir:              dir,
		SuperResolvedDir: filepath.Join(dir, "super_resolved"),
		OutputDir:        filepath.Join(dir, "output"),
		ScratchDir:       filepath.Join(dir, "scratch"),
		LedgerPath:       filepath.Join(dir, "ledger.csv"),
	}
	c.Items = discovery.Relocate(sample, c.SuperResolvedDir, c.OutputDir)

	log.Info("measuring combination", zap.Stringer("combination", key), zap.Int("images", len(sample)))
	start := opts.Clock.Now()
	out, err := opts.Run(ctx, c)
	total := opts.Clock.Since(start)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return model.BenchmarkRecord{}, ctxErr
	}

	n := len(sample)
	rec := model.BenchmarkRecord{
		Timestamp:   opts.Clock.Now().UTC(),
		Device:      key.Device,
		Processes:   key.Processes,
		Threads:     key.Threads,
		TotalTime:   total.Seconds(),
		AvgTime:     total.Seconds() / float64(n),
		ImagesCount: n,
	}
	if err != nil {
		log.Error("combination failed", zap.Stringer("combination", key), zap.Error(err))
		rec.Errors = n
		return rec, nil
	}
	rec.Success = min(n, out.Succeeded)
	rec.Errors = n - rec.Success
	log.Info("combination measured",
		zap.Stringer("combination", key),
		zap.Float64("total_seconds", rec.TotalTime),
		zap.Float64("avg_seconds", rec.AvgTime),
		zap.Int("errors", rec.Errors),
		zap.Duration("p50", out.Latency.P50),
		zap.Duration("p95", out.Latency.P95),
	)
	return rec, nil
}

// updateBest persists the fastest viable row when it beats the stored configuration.
func updateBest(opts Options, all []model.BenchmarkRecord, res *Result, log *zap.Logger) error {
	current, haveCurrent, err := LoadBest(opts.BestPath)
	if err != nil {
		log.Warn("ignoring unreadable best configuration", zap.Error(err))
		haveCurrent = false
	}
	res.Best, res.BestFound = current, haveCurrent

	best, ok := Best(all)
	if !ok {
		if !haveCurrent {
			log.Warn("no viable combination found")
		}
		return nil
	}
	// A stored best without a measured average cannot be compared and is replaced.
	if haveCurrent && current.AvgTime > 0 && best.AvgTime >= current.AvgTime {
		return nil
	}
	cfg := model.BestConfig{
		Device:    best.Device,
		Processes: best.Processes,
		Threads:   best.Threads,
		AvgTime:   best.AvgTime,
		UpdatedAt: opts.Clock.Now().UTC().Format(time.RFC3339),
	}
	if err := SaveBest(opts.BestPath, cfg); err != nil {
		return err
	}
	log.Info("best configuration updated", zap.Stringer("combination", best.Key()), zap.Float64("avg_seconds", best.AvgTime))
	res.Best, res.BestFound, res.BestChanged = cfg, true, true
	return nil
}

// OrchestratorRun runs combinations through the orchestrator, starting from base and
// replacing the roots, the sample and the concurrency. Reporters cannot be restarted, so
// newReporter, when set, supplies a fresh one per combination.
func OrchestratorRun(base orchestrator.Options, newReporter func() progress.Reporter) RunFunc {
	return func(ctx context.Context, c Combination) (orchestrator.Result, error) {
		opts := base
		if newReporter != nil {
			opts.Reporter = newReporter()
		}
		opts.RunID = ""
		opts.Label = "benchmark " + c.String()
		opts.Items = c.Items
		opts.SuperResolvedDir = c.SuperResolvedDir
		opts.OutputDir = c.OutputDir
		opts.OutputRoot = c.Dir
		opts.ScratchDir = c.ScratchDir
		opts.Processes = c.Processes
		opts.Threads = c.Threads
		opts.Model.Device = c.Device
		opts.Ledger.Path = c.LedgerPath
		opts.KeepScratch = false
		return orchestrator.Run(ctx, opts)
	}
}
