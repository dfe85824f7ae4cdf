package orchestrator

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/jonboulle/clockwork"

	"docscale/internal/model"
	"docscale/internal/progress"
	"docscale/internal/worker"
)

// Latency summarises per-item processing time of items that went through the stages.
type Latency struct {
	Count int64         `json:"count"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
}

// tracker folds worker progress events into counters, a latency histogram and the
// live reporter.
type tracker struct {
	mu        sync.Mutex
	snap      progress.Snapshot
	canceled  int
	hist      *hdrhistogram.Histogram
	reporter  progress.Reporter
	clock     clockwork.Clock
	startedAt time.Time
}

func newTracker(label string, total, shards int, reporter progress.Reporter, clock clockwork.Clock) *tracker {
	return &tracker{
		snap:      progress.Snapshot{Label: label, Total: total, Shards: shards},
		hist:      hdrhistogram.New(1, int64(24*time.Hour/time.Millisecond), 3),
		reporter:  reporter,
		clock:     clock,
		startedAt: clock.Now(),
	}
}

func (t *tracker) observe(ev worker.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Done++
	switch {
	case ev.Kind == string(model.KindCanceled):
		t.canceled++
	case ev.Skipped:
		t.snap.Skipped++
		t.snap.Completed++
	case ev.Completed():
		t.snap.Completed++
	default:
		t.snap.Failed++
	}
	if !ev.Skipped && ev.Kind != string(model.KindCanceled) {
		_ = t.hist.RecordValue(max(1, ev.ElapsedMS))
	}
	t.publishLocked()
}

func (t *tracker) publishLocked() {
	t.snap.Elapsed = t.clock.Since(t.startedAt)
	if t.hist.TotalCount() > 0 {
		t.snap.P50 = time.Duration(t.hist.ValueAtQuantile(50)) * time.Millisecond
		t.snap.P95 = time.Duration(t.hist.ValueAtQuantile(95)) * time.Millisecond
	}
	t.reporter.Update(t.snap)
}

func (t *tracker) snapshot() progress.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.snap
	s.Elapsed = t.clock.Since(t.startedAt)
	return s
}

func (t *tracker) canceledCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canceled
}

func (t *tracker) latency() Latency {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hist.TotalCount() == 0 {
		return Latency{}
	}
	ms := func(v int64) time.Duration { return time.Duration(v) * time.Millisecond }
	return Latency{
		Count: t.hist.TotalCount(),
		P50:   ms(t.hist.ValueAtQuantile(50)),
		P95:   ms(t.hist.ValueAtQuantile(95)),
		Max:   ms(t.hist.Max()),
		Mean:  time.Duration(t.hist.Mean() * float64(time.Millisecond)),
	}
}
