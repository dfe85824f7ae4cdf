package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"docscale/internal/imaging"
	"docscale/internal/ledger"
	"docscale/internal/model"
	"docscale/internal/srmodel"
)

type countingModel struct {
	runs atomic.Int64
}

func (m *countingModel) Run(_ context.Context, img image.Image) (image.Image, error) {
	m.runs.Add(1)
	return imaging.Resize(img, 2), nil
}

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) Emit(e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *collector) ofType(kind string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, e := range c.events {
		if e.Type == kind {
			out = append(out, e)
		}
	}
	return out
}

func makeItems(t *testing.T, root string, n int, corrupt ...int) []model.Item {
	t.Helper()
	bad := map[int]bool{}
	for _, i := range corrupt {
		bad[i] = true
	}
	var items []model.Item
	for i := range n {
		name := fmt.Sprintf("scan_%03d.png", i)
		src := filepath.Join(root, "input", "box", name)
		if bad[i] {
			require.NoError(t, os.MkdirAll(filepath.Dir(src), 0o755))
			require.NoError(t, os.WriteFile(src, []byte("corrupt"), 0o644))
		} else {
			img := image.NewGray(image.Rect(0, 0, 40, 30))
			img.SetGray(5, 5, color.Gray{Y: 255})
			require.NoError(t, imaging.Encode(src, img))
		}
		items = append(items, model.Item{
			ID:                "box/" + name,
			Group:             "box",
			SourcePath:        src,
			SuperResolvedPath: filepath.Join(root, "sr", "box", name),
			OutputPath:        filepath.Join(root, "out", "box", name),
		})
	}
	return items
}

func testSpec(root string, items []model.Item, sharing string) ShardSpec {
	return ShardSpec{
		RunID:    "run-test",
		Shard:    1,
		Threads:  3,
		Items:    items,
		Model:    ModelSpec{Engine: srmodel.EngineInterpolate, Scale: 2, TileSize: 16, Device: "cpu"},
		GroupPPI: map[string]int{"box": 400},
		Ledger: LedgerSpec{
			Path:    filepath.Join(root, "logs", "processing_log.csv"),
			Format:  ledger.FormatAppend,
			Sharing: sharing,
		},
	}
}

func TestRunShardLoadsModelOnceAndForwardsRecords(t *testing.T) {
	root := t.TempDir()
	items := makeItems(t, root, 6, 2)
	m := &countingModel{}
	loads := 0
	deps := Deps{
		LoadModel: func(srmodel.Options) (imaging.Model, error) { loads++; return m, nil },
		Log:       zaptest.NewLogger(t),
	}
	events := &collector{}

	sum, err := RunShard(context.Background(), testSpec(root, items, SharingShared), deps, events)
	require.NoError(t, err)

	assert.Equal(t, 1, loads)
	assert.Equal(t, int64(5), m.runs.Load())
	assert.Equal(t, 6, sum.Total)
	assert.Equal(t, 5, sum.Completed)
	assert.Equal(t, 1, sum.Failed)
	assert.Len(t, events.ofType(EventProgress), 6)

	records := events.ofType(EventRecord)
	require.Len(t, records, 1)
	require.NotNil(t, records[0].Entry)
	assert.Equal(t, "box/scan_002.png", records[0].Entry.ItemID)
	assert.Equal(t, model.StageValidateInput, records[0].Entry.Stage)
}

func TestRunShardPerProcessLedger(t *testing.T) {
	root := t.TempDir()
	items := makeItems(t, root, 3, 0)
	spec := testSpec(root, items, SharingPerProcess)
	deps := Deps{LoadModel: func(srmodel.Options) (imaging.Model, error) { return &countingModel{}, nil }}
	events := &collector{}

	_, err := RunShard(context.Background(), spec, deps, events)
	require.NoError(t, err)
	assert.Empty(t, events.ofType(EventRecord))

	entries, _, err := ledger.Load(ledger.ShardPath(spec.Ledger.Path, spec.Shard))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "box/scan_000.png", entries[0].ItemID)
}

func TestRunShardModelLoadFailureIsFatal(t *testing.T) {
	root := t.TempDir()
	items := makeItems(t, root, 2)
	deps := Deps{LoadModel: func(srmodel.Options) (imaging.Model, error) {
		return nil, errors.New("no vulkan device")
	}}
	events := &collector{}

	_, err := RunShard(context.Background(), testSpec(root, items, SharingShared), deps, events)
	require.Error(t, err)
	fatal := events.ofType(EventFatal)
	require.Len(t, fatal, 1)
	assert.Contains(t, fatal[0].Error, "no vulkan device")
	assert.Empty(t, events.ofType(EventProgress))
}

func TestRunShardUndeterminedGroup(t *testing.T) {
	root := t.TempDir()
	items := makeItems(t, root, 1)
	spec := testSpec(root, items, SharingShared)
	spec.GroupPPI = map[string]int{}
	events := &collector{}

	sum, err := RunShard(context.Background(), spec, Deps{LoadModel: func(srmodel.Options) (imaging.Model, error) { return &countingModel{}, nil }}, events)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	records := events.ofType(EventRecord)
	require.Len(t, records, 1)
	assert.Equal(t, model.StageDownscale, records[0].Entry.Stage)
}

func TestPoolCountsCanceledItems(t *testing.T) {
	root := t.TempDir()
	items := makeItems(t, root, 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	spec := testSpec(root, items, SharingShared)
	sum, err := RunShard(ctx, spec, Deps{LoadModel: func(srmodel.Options) (imaging.Model, error) { return &countingModel{}, nil }}, &collector{})
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Canceled)
	assert.Equal(t, 0, sum.Completed)
}

func TestStreamEmitterWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	em := NewStreamEmitter(&buf)
	rec := EventRecorder{Shard: 2, Emit: em}
	require.NoError(t, rec.Record("a.png", model.StageDownscale, false, "boom", "/in/a.png"))
	require.NoError(t, rec.RecordCrash("panic", "/in/b.png"))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	var first, second Event
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.NoError(t, json.Unmarshal(lines[1], &second))
	assert.Equal(t, EventRecord, first.Type)
	assert.Equal(t, 2, first.Shard)
	assert.Equal(t, "boom", first.Entry.Error)
	assert.True(t, second.Entry.IsCrash())
}

func TestSpecRoundTripAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard-0.json")
	spec := testSpec("/data", nil, SharingShared)
	require.NoError(t, WriteSpec(path, spec))
	got, err := ReadSpec(path)
	require.NoError(t, err)
	assert.Equal(t, spec.GroupPPI, got.GroupPPI)
	ppi, ok := got.LookupPPI("box")
	assert.True(t, ok)
	assert.Equal(t, 400, ppi)

	spec.Threads = 0
	assert.Error(t, spec.Validate())
	spec.Threads = 1
	spec.Ledger.Sharing = "nfs"
	assert.Error(t, spec.Validate())
}
