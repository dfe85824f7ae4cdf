// Package orchestrator runs one processing pass: it finds pending items, estimates the
// resolution of each folder, fans the work out over worker processes and reads the
// outcome back from the ledger.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"docscale/internal/calibration"
	"docscale/internal/discovery"
	"docscale/internal/ledger"
	"docscale/internal/logging"
	"docscale/internal/model"
	"docscale/internal/progress"
	"docscale/internal/runstore"
	"docscale/internal/worker"
)

const scratchPrefix = "run-"

type Options struct {
	RunID   string
	Attempt int
	// Label is shown by the progress reporter.
	Label string

	InputDir         string
	SuperResolvedDir string
	OutputDir        string
	// OutputRoot holds the run lock and last_run.json. Defaults to OutputDir.
	OutputRoot string
	ScratchDir string

	// Items replaces the scan of InputDir when set.
	Items []model.Item

	Processes          int
	Threads            int
	Model              worker.ModelSpec
	Ledger             worker.LedgerSpec
	TrustIntermediates bool
	KeepScratch        bool

	// PPI fixes the resolution of every folder. Zero estimates it per folder with
	// Estimator, or with a sidecar file then the ruler band when Estimator is nil.
	PPI                int
	Estimator          calibration.Estimator
	BinaryThreshold    int
	CalibrationWorkers int

	Launcher      Launcher
	Reporter      progress.Reporter
	WorkerLogging logging.Config
	Clock         clockwork.Clock
	Log           *zap.Logger
}

type Result struct {
	RunID       string `json:"run_id"`
	Discovered  int    `json:"discovered"`
	AlreadyDone int    `json:"already_done"`
	Pending     int    `json:"pending"`
	Tally
	// Undetermined lists groups whose resolution could not be estimated.
	Undetermined []string       `json:"undetermined,omitempty"`
	GroupPPI     map[string]int `json:"group_ppi,omitempty"`
	Latency      Latency        `json:"latency"`
	Elapsed      time.Duration  `json:"elapsed"`
	LedgerPath   string         `json:"ledger_path"`
	RowErrors    int            `json:"rejected_ledger_rows,omitempty"`
}

func (o *Options) defaults() error {
	if strings.TrimSpace(o.OutputDir) == "" {
		return errors.New("output directory is required")
	}
	if strings.TrimSpace(o.ScratchDir) == "" {
		return errors.New("scratch directory is required")
	}
	if strings.TrimSpace(o.Ledger.Path) == "" {
		return errors.New("ledger path is required")
	}
	if o.Items == nil && strings.TrimSpace(o.InputDir) == "" {
		return errors.New("input directory is required")
	}
	if o.OutputRoot == "" {
		o.OutputRoot = o.OutputDir
	}
	if o.RunID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate run id: %w", err)
		}
		o.RunID = id.String()
	}
	o.Processes = max(1, o.Processes)
	o.Threads = max(1, o.Threads)
	if o.CalibrationWorkers <= 0 {
		o.CalibrationWorkers = 4
	}
	if o.BinaryThreshold <= 0 {
		o.BinaryThreshold = 50
	}
	if o.Ledger.Format == "" {
		o.Ledger.Format = ledger.FormatAppend
	}
	if o.Ledger.Sharing == "" {
		o.Ledger.Sharing = worker.SharingShared
	}
	if o.Reporter == nil {
		o.Reporter = progress.Nop{}
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Run processes every pending item once. Item failures are recorded in the ledger and
// counted in the result; a returned error means the run itself did not finish, for
// example because a shard could not load its model or the context was canceled.
func Run(ctx context.Context, opts Options) (res Result, err error) {
	if err := opts.defaults(); err != nil {
		return Result{}, err
	}
	log := logging.OrNop(opts.Log).Named("orchestrator").With(zap.String("run_id", opts.RunID))
	startedAt := opts.Clock.Now()
	res = Result{RunID: opts.RunID, LedgerPath: opts.Ledger.Path}

	lock, err := runstore.AcquireRunLock(opts.OutputRoot, opts.RunID)
	if err != nil {
		return res, err
	}
	defer func() {
		err = multierr.Append(err, lock.Release())
	}()

	purgeStaleScratch(opts.ScratchDir, log)
	runScratch := filepath.Join(opts.ScratchDir, scratchPrefix+opts.RunID)
	if err := runstore.Mkdir(runScratch); err != nil {
		return res, err
	}
	defer func() {
		if opts.KeepScratch {
			log.Info("keeping scratch directory", zap.String("dir", runScratch))
			return
		}
		err = multierr.Append(err, runstore.RemoveTree(runScratch))
	}()

	items := opts.Items
	if items == nil {
		items, err = discovery.Scan(discovery.ScanOptions{
			InputDir:         opts.InputDir,
			SuperResolvedDir: opts.SuperResolvedDir,
			OutputDir:        opts.OutputDir,
			Exclude:          []string{opts.OutputRoot, opts.ScratchDir},
		})
		if err != nil {
			return res, err
		}
	}
	pending := discovery.Pending(items)
	res.Discovered = len(items)
	res.Pending = len(pending)
	res.AlreadyDone = len(items) - len(pending)
	log.Info("items discovered",
		zap.Int("discovered", res.Discovered),
		zap.Int("already_done", res.AlreadyDone),
		zap.Int("pending", res.Pending),
		zap.Int("attempt", opts.Attempt),
	)

	summary := runstore.RunSummary{
		RunID:       opts.RunID,
		StartedAt:   startedAt.UTC().Format(time.RFC3339),
		Attempt:     opts.Attempt,
		Processes:   opts.Processes,
		Threads:     opts.Threads,
		Device:      opts.Model.Device,
		Discovered:  res.Discovered,
		AlreadyDone: res.AlreadyDone,
		Pending:     res.Pending,
		LedgerPath:  opts.Ledger.Path,
	}
	defer func() {
		summary.FinishedAt = opts.Clock.Now().UTC().Format(time.RFC3339)
		summary.Succeeded = res.Succeeded
		summary.Failed = res.Failed
		summary.Groups = res.ByGroup
		if err != nil {
			summary.Error = err.Error()
		}
		if saveErr := runstore.SaveRunSummary(opts.OutputRoot, summary); saveErr != nil {
			log.Warn("could not save run summary", zap.Error(saveErr))
		}
	}()

	if len(pending) == 0 {
		res.Elapsed = opts.Clock.Since(startedAt)
		log.Info("nothing to do")
		return res, nil
	}

	groupPPI, undetermined, err := estimateGroups(ctx, opts, pending, filepath.Join(runScratch, "calibration"), log)
	if err != nil {
		return res, err
	}
	res.GroupPPI = groupPPI
	res.Undetermined = undetermined

	// Rows written from here on belong to this run.
	since := opts.Clock.Now().UTC()

	parent, err := ledger.Open(opts.Ledger.Path, ledger.Options{
		Format:           opts.Ledger.Format,
		AutosaveInterval: opts.Ledger.AutosaveInterval,
		WriteAttempts:    opts.Ledger.WriteAttempts,
		Log:              log,
	})
	if err != nil {
		return res, fmt.Errorf("open ledger: %w", err)
	}

	shards := Partition(pending, opts.Processes)
	track := newTracker(opts.Label, len(pending), len(shards), opts.Reporter, opts.Clock)
	handle := func(ev worker.Event) {
		switch ev.Type {
		case worker.EventRecord:
			if ev.Entry == nil {
				return
			}
			if err := parent.Append(*ev.Entry); err != nil {
				log.Error("could not record worker entry", zap.String("item", ev.Item), zap.Error(err))
			}
		case worker.EventProgress:
			track.observe(ev)
		case worker.EventFatal:
			log.Error("worker failed", zap.Int("shard", ev.Shard), zap.String("error", ev.Error))
		}
	}

	opts.Reporter.Start()
	runErr := fanOut(ctx, opts, shards, groupPPI, runScratch, handle, log)
	closeErr := parent.Close()
	opts.Reporter.Stop("")

	res.Latency = track.latency()
	res.Elapsed = opts.Clock.Since(startedAt)

	entries, rowErrs, loadErr := ledger.LoadAll(opts.Ledger.Path)
	for _, re := range rowErrs {
		log.Warn("rejected malformed ledger row", zap.Int("line", re.Line), zap.Error(re.Err))
	}
	res.RowErrors = len(rowErrs)
	// Items of a failed or interrupted shard that never reported did not run.
	canceled := track.canceledCount() + max(0, len(pending)-track.snapshot().Done)
	res.Tally = tally(entries, pending, since, canceled)

	log.Info("run finished",
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Int("canceled", res.Canceled),
		zap.Duration("elapsed", res.Elapsed),
		zap.Duration("p50", res.Latency.P50),
		zap.Duration("p95", res.Latency.P95),
	)
	return res, multierr.Combine(runErr, closeErr, loadErr)
}

func fanOut(ctx context.Context, opts Options, shards [][]model.Item, groupPPI map[string]int, runScratch string, handle func(worker.Event), log *zap.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, shard := range shards {
		spec := worker.ShardSpec{
			RunID:              opts.RunID,
			Shard:              i,
			Threads:            opts.Threads,
			Items:              shard,
			Model:              opts.Model,
			GroupPPI:           groupPPI,
			Ledger:             opts.Ledger,
			TrustIntermediates: opts.TrustIntermediates,
			Logging:            logging.ForWorker(opts.WorkerLogging),
		}
		specPath := filepath.Join(runScratch, fmt.Sprintf("shard-%d.json", i))
		if err := worker.WriteSpec(specPath, spec); err != nil {
			return err
		}
		g.Go(func() error {
			log.Debug("launching shard", zap.Int("shard", spec.Shard), zap.Int("items", len(spec.Items)))
			return opts.Launcher.Launch(gctx, spec, specPath, handle)
		})
	}
	err := g.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// estimateGroups resolves the PPI of every group with pending items. Groups that cannot
// be estimated are left out of the table; their items fail at the downscale stage.
func estimateGroups(ctx context.Context, opts Options, pending []model.Item, scratch string, log *zap.Logger) (map[string]int, []string, error) {
	est := opts.Estimator
	switch {
	case est != nil:
	case opts.PPI > 0:
		est = calibration.Fixed(opts.PPI)
	default:
		est = calibration.Chain{
			calibration.SidecarEstimator{},
			calibration.RulerEstimator{Threshold: opts.BinaryThreshold, Scratch: scratch, Log: log},
		}
	}

	var mu sync.Mutex
	table := map[string]int{}
	var undetermined []string

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.CalibrationWorkers)
	for _, group := range discovery.Groups(pending) {
		g.Go(func() error {
			folder := discovery.GroupDir(opts.InputDir, group)
			ppi, err := est.EstimatePPI(gctx, folder)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				if !errors.Is(err, calibration.ErrUndetermined) {
					log.Error("calibration failed", zap.String("group", group), zap.Error(err))
				} else {
					log.Warn("resolution undetermined", zap.String("group", group), zap.Error(err))
				}
				undetermined = append(undetermined, group)
				return nil
			}
			log.Info("resolution estimated", zap.String("group", group), zap.Int("ppi", ppi))
			table[group] = ppi
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	slices.Sort(undetermined)
	return table, undetermined, nil
}

// purgeStaleScratch removes scratch directories left by earlier runs that were killed.
// The caller holds the run lock, so none of them belong to a live run.
func purgeStaleScratch(scratchDir string, log *zap.Logger) {
	dirs, err := runstore.ListDirs(scratchDir, scratchPrefix)
	if err != nil {
		return
	}
	for _, dir := range dirs {
		if err := runstore.RemoveTree(dir); err != nil {
			log.Warn("could not remove stale scratch", zap.String("dir", dir), zap.Error(err))
			continue
		}
		log.Debug("removed stale scratch", zap.String("dir", dir))
	}
}
