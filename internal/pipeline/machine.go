// Package pipeline runs one image through the ordered processing stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"docscale/internal/logging"
	"docscale/internal/model"
)

type Upscaler interface {
	Upscale(ctx context.Context, src, dst string) error
}

type Downscaler interface {
	Downscale(ctx context.Context, src, dst string, ppi int) error
}

// Validator reports whether the file at path is a complete, decodable image.
type Validator func(path string) (bool, string)

// PPILookup returns the estimated resolution of a group, false when undetermined.
type PPILookup func(group string) (int, bool)

// Recorder is the ledger as seen by the machine.
type Recorder interface {
	Record(itemID, stage string, success bool, errMsg, fullPath string) error
	RecordCrash(errMsg, fullPath string) error
}

// Outcome describes where one item stopped.
type Outcome struct {
	Item     model.Item
	Stage    string
	Kind     model.FailureKind
	Err      string
	Skipped  bool
	Upscaled bool
	Elapsed  time.Duration
}

func (o Outcome) Completed() bool {
	return o.Stage == model.StageCompleted
}

type Machine struct {
	Upscaler   Upscaler
	Downscaler Downscaler
	Validate   Validator
	PPI        PPILookup
	Recorder   Recorder

	// RecordSuccesses writes every passed stage, for compact ledgers.
	RecordSuccesses bool
	// TrustIntermediates accepts an existing super-resolved file without decoding it.
	TrustIntermediates bool

	Clock clockwork.Clock
	Log   *zap.Logger
}

// run carries the state of one item through the stages.
type run struct {
	m     *Machine
	ctx   context.Context
	item  model.Item
	stage string
	out   Outcome
	log   *zap.Logger
}

// Process runs item to a terminal state. It never panics and never returns an error:
// failures are recorded in the ledger and reported in the Outcome.
func (m *Machine) Process(ctx context.Context, item model.Item) (out Outcome) {
	clock := m.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	start := clock.Now()
	r := &run{
		m:    m,
		ctx:  ctx,
		item: item,
		out:  Outcome{Item: item},
		log:  logging.OrNop(m.Log).With(zap.String("item", item.ID)),
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.crash(fmt.Errorf("panic: %v", rec))
		}
		out = r.out
		out.Elapsed = clock.Since(start)
	}()
	r.process()
	return r.out
}

func (r *run) process() {
	item := r.item
	if fileExists(item.OutputPath) {
		r.stage = model.StageCompleted
		r.out.Stage = model.StageCompleted
		r.out.Skipped = true
		r.out.Kind = model.KindSkipped
		return
	}

	if !r.advance(model.StageValidateInput) {
		return
	}
	if ok, reason := r.m.Validate(item.SourcePath); !ok {
		r.fail(model.KindInputInvalid, "Input image invalid: "+reason)
		return
	}
	r.pass()

	if !r.advance(model.StageSuperResolve) {
		return
	}
	reused, trusted := r.reuseIntermediate()
	if !reused {
		err := guard(func() error {
			return r.m.Upscaler.Upscale(r.ctx, item.SourcePath, item.SuperResolvedPath)
		})
		if err != nil {
			if r.canceledBy(err) {
				return
			}
			r.fail(model.KindStageFailure, err.Error())
			return
		}
		r.out.Upscaled = true
	}
	r.pass()

	if !trusted {
		if !r.advance(model.StageValidateSuperResolved) {
			return
		}
		if !reused {
			if ok, reason := r.m.Validate(item.SuperResolvedPath); !ok {
				r.fail(model.KindValidationFailure, "Super-resolved image invalid: "+reason)
				return
			}
		}
		r.pass()
	}

	if !r.advance(model.StageDownscale) {
		return
	}
	ppi, ok := 0, false
	if r.m.PPI != nil {
		ppi, ok = r.m.PPI(item.Group)
	}
	if !ok {
		r.fail(model.KindValidationFailure, fmt.Sprintf("ppi undetermined for %s", groupName(item.Group)))
		return
	}
	err := guard(func() error {
		return r.m.Downscaler.Downscale(r.ctx, item.SuperResolvedPath, item.OutputPath, ppi)
	})
	if err != nil {
		if r.canceledBy(err) {
			return
		}
		r.fail(model.KindStageFailure, err.Error())
		return
	}
	r.pass()

	if !r.advance(model.StageValidateDownscaled) {
		return
	}
	if ok, reason := r.m.Validate(item.OutputPath); !ok {
		r.fail(model.KindValidationFailure, "Downscaled image invalid: "+reason)
		return
	}
	r.pass()

	if r.advance(model.StageCompleted) {
		r.pass()
		r.log.Debug("item completed", zap.Bool("upscaled", r.out.Upscaled))
	}
}

// reuseIntermediate decides whether an existing super-resolved file satisfies the stage.
// An invalid leftover is regenerated in place.
func (r *run) reuseIntermediate() (reused, trusted bool) {
	path := r.item.SuperResolvedPath
	if !fileExists(path) {
		return false, false
	}
	if r.m.TrustIntermediates {
		r.log.Debug("trusting existing intermediate", zap.String("path", path))
		return true, true
	}
	if ok, reason := r.m.Validate(path); !ok {
		r.log.Info("regenerating invalid intermediate", zap.String("path", path), zap.String("reason", reason))
		return false, false
	}
	return true, false
}

// advance moves to the next stage unless the context is done or the transition is illegal.
func (r *run) advance(to string) bool {
	if err := r.ctx.Err(); err != nil {
		r.cancel()
		return false
	}
	if err := model.Advance(&r.stage, to, r.item.ID); err != nil {
		r.crash(err)
		return false
	}
	r.out.Stage = to
	return true
}

func (r *run) pass() {
	if !r.m.RecordSuccesses {
		return
	}
	r.record(true, "")
}

func (r *run) fail(kind model.FailureKind, msg string) {
	r.out.Kind = kind
	r.out.Err = msg
	r.log.Warn("stage failed",
		zap.String("stage", r.stage),
		zap.String("kind", string(kind)),
		zap.String("error", msg),
	)
	r.record(false, msg)
}

func (r *run) record(success bool, msg string) {
	if r.m.Recorder == nil {
		return
	}
	if err := r.m.Recorder.Record(r.item.ID, r.stage, success, msg, r.item.SourcePath); err != nil {
		r.log.Error("ledger record failed", zap.String("stage", r.stage), zap.Error(err))
	}
}

func (r *run) crash(err error) {
	if r.out.Kind == model.KindCrash {
		return
	}
	failedAt := r.stage
	r.stage = model.StageCrashed
	r.out.Stage = model.StageCrashed
	r.out.Kind = model.KindCrash
	r.out.Err = err.Error()
	r.log.Error("item crashed", zap.String("stage", failedAt), zap.Error(err))
	if r.m.Recorder == nil {
		return
	}
	if rerr := r.m.Recorder.RecordCrash(err.Error(), r.item.SourcePath); rerr != nil {
		r.log.Error("ledger crash record failed", zap.Error(rerr))
	}
}

func (r *run) cancel() {
	r.out.Kind = model.KindCanceled
	r.log.Debug("item interrupted", zap.String("stage", r.stage))
}

// canceledBy reports whether err came from the run being interrupted rather than from
// the collaborator itself.
func (r *run) canceledBy(err error) bool {
	if r.ctx.Err() == nil || !(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return false
	}
	r.cancel()
	return true
}

// guard turns a collaborator panic into an error for the current stage.
func guard(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn()
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func groupName(group string) string {
	if group == "" || group == "." {
		return "input root"
	}
	return group
}
