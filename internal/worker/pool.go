package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"docscale/internal/logging"
	"docscale/internal/model"
	"docscale/internal/pipeline"
)

// Summary counts the outcomes of one pool run.
type Summary struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Crashed   int `json:"crashed"`
	Canceled  int `json:"canceled"`
	Upscaled  int `json:"upscaled"`
}

// Pool runs the stage machine over a set of items with a fixed number of goroutines.
type Pool struct {
	Threads int
	Machine *pipeline.Machine
	OnDone  func(pipeline.Outcome)
	Log     *zap.Logger
}

type antsLogger struct{ s *zap.SugaredLogger }

func (l antsLogger) Printf(format string, args ...any) { l.s.Warnf(format, args...) }

func (p *Pool) Run(ctx context.Context, items []model.Item) (Summary, error) {
	log := logging.OrNop(p.Log)
	threads := p.Threads
	if threads <= 0 {
		threads = 1
	}

	var completed, skipped, failed, crashed, canceled, upscaled atomic.Int64
	var wg sync.WaitGroup

	handle := func(arg any) {
		defer wg.Done()
		item := arg.(model.Item)
		out := p.Machine.Process(ctx, item)
		switch {
		case out.Skipped:
			skipped.Add(1)
			completed.Add(1)
		case out.Completed():
			completed.Add(1)
		case out.Kind == model.KindCrash:
			crashed.Add(1)
		case out.Kind == model.KindCanceled:
			canceled.Add(1)
		case out.Kind.Failed():
			failed.Add(1)
		}
		if out.Upscaled {
			upscaled.Add(1)
		}
		if p.OnDone != nil {
			p.OnDone(out)
		}
	}

	pool, err := ants.NewPoolWithFunc(threads, handle,
		ants.WithLogger(antsLogger{s: log.Sugar()}),
		ants.WithPanicHandler(func(r any) {
			crashed.Add(1)
			log.Error("worker goroutine panicked", zap.Any("panic", r))
		}),
	)
	if err != nil {
		return Summary{}, fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.Release()

	notStarted := 0
	for i, item := range items {
		if ctx.Err() != nil {
			notStarted = len(items) - i
			break
		}
		wg.Add(1)
		if err := pool.Invoke(item); err != nil {
			wg.Done()
			notStarted = len(items) - i
			log.Error("could not schedule item", zap.String("item", item.ID), zap.Error(err))
			break
		}
	}
	wg.Wait()

	return Summary{
		Total:     len(items),
		Completed: int(completed.Load()),
		Skipped:   int(skipped.Load()),
		Failed:    int(failed.Load()),
		Crashed:   int(crashed.Load()),
		Canceled:  int(canceled.Load()) + notStarted,
		Upscaled:  int(upscaled.Load()),
	}, nil
}
