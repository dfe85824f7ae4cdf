package worker

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"docscale/internal/imaging"
	"docscale/internal/ledger"
	"docscale/internal/logging"
	"docscale/internal/pipeline"
	"docscale/internal/srmodel"
)

// Deps are the collaborators RunShard builds its machine from.
type Deps struct {
	// LoadModel is called once per shard before any item runs.
	LoadModel func(srmodel.Options) (imaging.Model, error)
	Validate  pipeline.Validator
	Clock     clockwork.Clock
	Log       *zap.Logger
}

// DefaultDeps loads real models and validates with the image decoders.
func DefaultDeps(log *zap.Logger) Deps {
	return Deps{
		LoadModel: func(o srmodel.Options) (imaging.Model, error) { return srmodel.Load(o) },
		Validate:  imaging.Validate,
		Clock:     clockwork.NewRealClock(),
		Log:       log,
	}
}

// RunShard processes every item of spec. A returned error is fatal for the shard: the
// model could not be loaded or the ledger could not be opened. Item failures are recorded
// and reported through progress events, never returned.
func RunShard(ctx context.Context, spec ShardSpec, deps Deps, emit Emitter) (sum Summary, err error) {
	log := logging.OrNop(deps.Log).Named("worker").With(zap.Int("shard", spec.Shard))
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Validate == nil {
		deps.Validate = imaging.Validate
	}
	fatal := func(err error) (Summary, error) {
		if emitErr := emit.Emit(Event{Type: EventFatal, Shard: spec.Shard, Error: err.Error()}); emitErr != nil {
			log.Error("could not report fatal error", zap.Error(emitErr))
		}
		return Summary{}, err
	}

	if err := spec.Validate(); err != nil {
		return fatal(err)
	}
	sr, err := deps.LoadModel(spec.Model.Options())
	if err != nil {
		return fatal(fmt.Errorf("load super-resolution model: %w", err))
	}
	log.Info("model loaded",
		zap.String("engine", spec.Model.Engine),
		zap.String("device", spec.Model.Device),
		zap.Int("items", len(spec.Items)),
		zap.Int("threads", spec.Threads),
	)

	var rec pipeline.Recorder = EventRecorder{Shard: spec.Shard, Emit: emit, Clock: deps.Clock}
	if spec.Ledger.Sharing == SharingPerProcess {
		l, err := ledger.Open(ledger.ShardPath(spec.Ledger.Path, spec.Shard), ledger.Options{
			Format:           spec.Ledger.Format,
			AutosaveInterval: spec.Ledger.AutosaveInterval,
			WriteAttempts:    spec.Ledger.WriteAttempts,
			Clock:            deps.Clock,
			Log:              log,
		})
		if err != nil {
			return fatal(fmt.Errorf("open shard ledger: %w", err))
		}
		defer func() {
			err = multierr.Append(err, l.Close())
		}()
		rec = l
	}

	machine := &pipeline.Machine{
		Upscaler:           imaging.Upscaler{Model: sr},
		Downscaler:         imaging.Downscaler{SRScale: spec.Model.Scale},
		Validate:           deps.Validate,
		PPI:                spec.LookupPPI,
		Recorder:           rec,
		RecordSuccesses:    spec.Ledger.Format == ledger.FormatCompact,
		TrustIntermediates: spec.TrustIntermediates,
		Clock:              deps.Clock,
		Log:                log,
	}
	pool := &Pool{
		Threads: spec.Threads,
		Machine: machine,
		Log:     log,
		OnDone: func(out pipeline.Outcome) {
			if err := emit.Emit(ProgressEvent(spec.Shard, out)); err != nil {
				log.Warn("progress event dropped", zap.String("item", out.Item.ID), zap.Error(err))
			}
		},
	}
	sum, err = pool.Run(ctx, spec.Items)
	if err != nil {
		return sum, err
	}
	log.Info("shard finished",
		zap.Int("completed", sum.Completed),
		zap.Int("failed", sum.Failed),
		zap.Int("crashed", sum.Crashed),
		zap.Int("canceled", sum.Canceled),
	)
	return sum, nil
}
