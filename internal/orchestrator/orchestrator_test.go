package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"docscale/internal/imaging"
	"docscale/internal/ledger"
	"docscale/internal/model"
	"docscale/internal/runstore"
	"docscale/internal/srmodel"
	"docscale/internal/worker"
)

func TestPartitionShapes(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 300).Draw(t, "items")
		p := rapid.IntRange(1, 16).Draw(t, "processes")
		items := make([]model.Item, n)
		for i := range items {
			items[i] = model.Item{ID: fmt.Sprintf("item-%04d", i)}
		}

		shards := Partition(items, p)
		if n == 0 {
			if len(shards) != 0 {
				t.Fatalf("expected no shards for no items, got %d", len(shards))
			}
			return
		}
		size := (n + p - 1) / p
		if len(shards) > p {
			t.Fatalf("%d shards for %d processes", len(shards), p)
		}
		var joined []model.Item
		for i, s := range shards {
			if len(s) == 0 {
				t.Fatalf("shard %d is empty", i)
			}
			if i < len(shards)-1 && len(s) != size {
				t.Fatalf("shard %d has %d items, want %d", i, len(s), size)
			}
			if len(s) > size {
				t.Fatalf("shard %d exceeds chunk size %d", i, size)
			}
			joined = append(joined, s...)
		}
		if !slices.Equal(joined, items) {
			t.Fatalf("shards do not reassemble the input")
		}
	})
}

type doubler struct{ runs atomic.Int64 }

func (d *doubler) Run(ctx context.Context, img image.Image) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.runs.Add(1)
	return imaging.Resize(img, 2), nil
}

type fixture struct {
	root  string
	model *doubler
	opts  Options
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{root: root, model: &doubler{}}
	f.opts = Options{
		Label:            "test",
		InputDir:         filepath.Join(root, "input"),
		SuperResolvedDir: filepath.Join(root, "output", "super_resolved", "x2"),
		OutputDir:        filepath.Join(root, "output", "downscaled", "x2"),
		OutputRoot:       filepath.Join(root, "output"),
		ScratchDir:       filepath.Join(root, "tmp"),
		Processes:        2,
		Threads:          2,
		PPI:              400,
		Model:            worker.ModelSpec{Engine: srmodel.EngineInterpolate, Scale: 2, TileSize: 64, Device: model.DeviceCPU},
		Ledger: worker.LedgerSpec{
			Path:    filepath.Join(root, "logs", "processing_log.csv"),
			Format:  ledger.FormatAppend,
			Sharing: worker.SharingShared,
		},
		Launcher: InProcessLauncher{Deps: worker.Deps{
			LoadModel: func(srmodel.Options) (imaging.Model, error) { return f.model, nil },
			Validate:  imaging.Validate,
			Log:       zaptest.NewLogger(t),
		}},
		Log: zaptest.NewLogger(t),
	}
	return f
}

func (f *fixture) page(t *testing.T, rel string) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 40, 30))
	img.SetGray(3, 3, color.Gray{Y: 255})
	require.NoError(t, imaging.Encode(filepath.Join(f.root, "input", filepath.FromSlash(rel)), img))
}

func (f *fixture) corrupt(t *testing.T, rel string) {
	t.Helper()
	path := filepath.Join(f.root, "input", filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("not an image"), 0o644))
}

func (f *fixture) output(rel string) string {
	return filepath.Join(f.opts.OutputDir, filepath.FromSlash(rel))
}

func TestRunProcessesPendingItemsAndResumes(t *testing.T) {
	f := newFixture(t)
	for i := range 5 {
		f.page(t, fmt.Sprintf("box_a/scan_%02d.png", i))
	}
	f.page(t, "box_b/scan_00.png")
	f.corrupt(t, "box_b/scan_01.png")

	res, err := Run(context.Background(), f.opts)
	require.NoError(t, err)
	assert.Equal(t, 7, res.Discovered)
	assert.Equal(t, 7, res.Pending)
	assert.Equal(t, 6, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, map[string]int{"box_b": 1}, res.ByGroup)
	assert.Equal(t, int64(6), f.model.runs.Load())
	assert.Equal(t, int64(7), res.Latency.Count, "failed items are timed too")
	for i := range 5 {
		ok, reason := imaging.Validate(f.output(fmt.Sprintf("box_a/scan_%02d.png", i)))
		assert.True(t, ok, reason)
	}

	entries, rowErrs, err := ledger.Load(f.opts.Ledger.Path)
	require.NoError(t, err)
	assert.Empty(t, rowErrs)
	require.Len(t, entries, 1)
	assert.Equal(t, "box_b/scan_01.png", entries[0].ItemID)
	assert.Equal(t, model.StageValidateInput, entries[0].Stage)
	assert.True(t, strings.HasPrefix(entries[0].Error, "Input image invalid"))

	// A second pass only retries what is still missing.
	again, err := Run(context.Background(), f.opts)
	require.NoError(t, err)
	assert.Equal(t, 6, again.AlreadyDone)
	assert.Equal(t, 1, again.Pending)
	assert.Equal(t, 1, again.Failed)
	assert.Equal(t, 0, again.Succeeded)
	assert.Equal(t, int64(6), f.model.runs.Load(), "completed items must not be reprocessed")

	summary, err := runstore.LoadRunSummary(f.opts.OutputRoot)
	require.NoError(t, err)
	assert.Equal(t, again.RunID, summary.RunID)
	assert.Equal(t, 1, summary.Failed)
}

func TestRunResumesAfterInterruptedRun(t *testing.T) {
	f := newFixture(t)
	for i := range 4 {
		f.page(t, fmt.Sprintf("box/scan_%02d.png", i))
	}
	// What a killed run leaves behind: one finished item, one truncated intermediate and
	// a scratch directory.
	done := image.NewGray(image.Rect(0, 0, 30, 22))
	require.NoError(t, imaging.Encode(f.output("box/scan_00.png"), done))
	torn := filepath.Join(f.opts.SuperResolvedDir, "box", "scan_01.png")
	require.NoError(t, os.MkdirAll(filepath.Dir(torn), 0o755))
	require.NoError(t, os.WriteFile(torn, []byte("\x89PNG\r\n\x1a\n"), 0o644))
	stale := filepath.Join(f.opts.ScratchDir, "run-killed")
	require.NoError(t, os.MkdirAll(stale, 0o755))

	res, err := Run(context.Background(), f.opts)
	require.NoError(t, err)
	assert.Equal(t, 1, res.AlreadyDone)
	assert.Equal(t, 3, res.Succeeded)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, int64(3), f.model.runs.Load())
	assert.NoDirExists(t, stale)

	ok, reason := imaging.Validate(torn)
	assert.True(t, ok, "truncated intermediate should be regenerated: %s", reason)
}

func TestRunUndeterminedGroupFailsItsItemsOnly(t *testing.T) {
	f := newFixture(t)
	f.opts.PPI = 0
	f.page(t, "known/scan_00.png")
	f.page(t, "known/scan_01.png")
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "input", "known", "calibration.yaml"), []byte("ppi: 600\n"), 0o644))
	f.page(t, "unknown/scan_00.png")

	res, err := Run(context.Background(), f.opts)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"known": 600}, res.GroupPPI)
	assert.Equal(t, []string{"unknown"}, res.Undetermined)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	entries, _, err := ledger.Load(f.opts.Ledger.Path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.StageDownscale, entries[0].Stage)
	assert.Contains(t, entries[0].Error, "ppi undetermined for unknown")
}

func TestRunFatalShardIsRunError(t *testing.T) {
	f := newFixture(t)
	for i := range 4 {
		f.page(t, fmt.Sprintf("box/scan_%02d.png", i))
	}
	f.opts.Launcher = InProcessLauncher{Deps: worker.Deps{
		LoadModel: func(srmodel.Options) (imaging.Model, error) {
			return nil, errors.New("vulkan device not found")
		},
	}}

	res, err := Run(context.Background(), f.opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vulkan device not found")
	assert.Equal(t, 4, res.Canceled)
	assert.Equal(t, 0, res.Succeeded)

	dirs, err := runstore.ListDirs(f.opts.ScratchDir, "run-")
	require.NoError(t, err)
	assert.Empty(t, dirs, "scratch is removed on failure too")

	lock, err := runstore.AcquireRunLock(f.opts.OutputRoot, "next")
	require.NoError(t, err, "lock must be released after a failed run")
	require.NoError(t, lock.Release())

	summary, err := runstore.LoadRunSummary(f.opts.OutputRoot)
	require.NoError(t, err)
	assert.Contains(t, summary.Error, "vulkan device not found")
}

func TestRunRefusesLockedOutputRoot(t *testing.T) {
	f := newFixture(t)
	f.page(t, "box/scan_00.png")
	lock, err := runstore.AcquireRunLock(f.opts.OutputRoot, "other")
	require.NoError(t, err)
	defer func() { _ = lock.Release() }()

	_, err = Run(context.Background(), f.opts)
	assert.ErrorIs(t, err, runstore.ErrLocked)
	assert.Equal(t, int64(0), f.model.runs.Load())
}

func TestRunPerProcessLedgers(t *testing.T) {
	f := newFixture(t)
	f.opts.Processes = 3
	f.opts.Ledger.Sharing = worker.SharingPerProcess
	f.opts.Ledger.Format = ledger.FormatCompact
	for i := range 5 {
		f.page(t, fmt.Sprintf("box/scan_%02d.png", i))
	}
	f.corrupt(t, "box/scan_05.png")

	res, err := Run(context.Background(), f.opts)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	siblings, err := ledger.Siblings(f.opts.Ledger.Path)
	require.NoError(t, err)
	assert.Len(t, siblings, 3)

	entries, _, err := ledger.LoadAll(f.opts.Ledger.Path)
	require.NoError(t, err)
	latest := ledger.Latest(entries)
	assert.Len(t, latest, 6)
	assert.Equal(t, model.StageCompleted, latest["box/scan_00.png"].Stage)
	assert.False(t, latest["box/scan_05.png"].Success)
}

func TestRunKeepScratch(t *testing.T) {
	f := newFixture(t)
	f.opts.KeepScratch = true
	f.opts.RunID = "keep"
	f.page(t, "box/scan_00.png")

	_, err := Run(context.Background(), f.opts)
	require.NoError(t, err)
	spec, err := worker.ReadSpec(filepath.Join(f.opts.ScratchDir, "run-keep", "shard-0.json"))
	require.NoError(t, err)
	assert.Equal(t, "keep", spec.RunID)
	assert.Len(t, spec.Items, 1)
}

func TestRunCanceledBeforeStart(t *testing.T) {
	f := newFixture(t)
	for i := range 3 {
		f.page(t, fmt.Sprintf("box/scan_%02d.png", i))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := Run(ctx, f.opts)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, res.Succeeded)
	assert.Equal(t, int64(0), f.model.runs.Load())
	for i := range 3 {
		assert.NoFileExists(t, f.output(fmt.Sprintf("box/scan_%02d.png", i)))
	}
}

func TestTallyAttributesCrashesByPath(t *testing.T) {
	since := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	pending := []model.Item{
		{ID: "a/1.png", Group: "a", SourcePath: "/in/a/1.png"},
		{ID: "a/2.png", Group: "a", SourcePath: "/in/a/2.png"},
		{ID: "3.png", Group: ".", SourcePath: "/in/3.png"},
		{ID: "4.png", Group: ".", SourcePath: "/in/4.png"},
	}
	entries := []model.Entry{
		{Timestamp: since.Add(-time.Hour), ItemID: "a/2.png", Stage: model.StageDownscale, Error: "old run"},
		{Timestamp: since.Add(time.Second), ItemID: "a/1.png", Stage: model.StageValidateInput, Error: "Input image invalid: truncated"},
		{Timestamp: since.Add(2 * time.Second), ItemID: "a/1.png", Stage: model.StageValidateInput, Error: "Input image invalid: truncated"},
		{Timestamp: since.Add(3 * time.Second), ItemID: "crash-1", Stage: model.StageCrash, Error: "panic", FullPath: "/in/3.png"},
		{Timestamp: since.Add(4 * time.Second), ItemID: "crash-2", Stage: model.StageCrash, Error: "panic"},
	}

	got := tally(entries, pending, since, 0)
	assert.Equal(t, 3, got.Failed)
	assert.Equal(t, 1, got.Unattributed)
	assert.Equal(t, 1, got.Succeeded)
	assert.Equal(t, map[string]int{"a": 1, "(root)": 1}, got.ByGroup)

	withCanceled := tally(entries[:2], pending, since, 2)
	assert.Equal(t, 1, withCanceled.Failed)
	assert.Equal(t, 2, withCanceled.Canceled)
	assert.Equal(t, 1, withCanceled.Succeeded)
}
