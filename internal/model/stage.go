package model

import "fmt"

// Stages of the per-item pipeline. The values are the names written to the ledger.
const (
	StageValidateInput         = "validate_input"
	StageSuperResolve          = "super_resolution"
	StageValidateSuperResolved = "validate_super_resolution"
	StageDownscale             = "downscale"
	StageValidateDownscaled    = "validate_downscale"
	StageCompleted             = "completed"
	StageCrashed               = "crashed"

	// StageCrash is the stage column of ledger rows written by RecordCrash.
	StageCrash = "crash"
)

var allowedStageTransitions = map[string]map[string]bool{
	"": {
		StageValidateInput: true,
		StageCompleted:     true, // final output already on disk
		StageCrashed:       true,
	},
	StageValidateInput: {
		StageSuperResolve: true,
		StageCrashed:      true,
	},
	StageSuperResolve: {
		StageValidateSuperResolved: true,
		StageDownscale:             true, // trusted leftover intermediate
		StageCrashed:               true,
	},
	StageValidateSuperResolved: {
		StageDownscale: true,
		StageCrashed:   true,
	},
	StageDownscale: {
		StageValidateDownscaled: true,
		StageCrashed:            true,
	},
	StageValidateDownscaled: {
		StageCompleted: true,
		StageCrashed:   true,
	},
	StageCompleted: {},
	StageCrashed:   {},
}

// Stages lists the processing stages in execution order.
func Stages() []string {
	return []string{
		StageValidateInput,
		StageSuperResolve,
		StageValidateSuperResolved,
		StageDownscale,
		StageValidateDownscaled,
		StageCompleted,
	}
}

func IsKnownStage(stage string) bool {
	_, ok := allowedStageTransitions[stage]
	return ok
}

func IsTerminalStage(stage string) bool {
	return stage == StageCompleted || stage == StageCrashed
}

func CanAdvance(from, to string) bool {
	next, ok := allowedStageTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// Advance moves *current to the next stage or reports an illegal transition.
func Advance(current *string, to string, itemID string) error {
	from := *current
	if !CanAdvance(from, to) {
		return fmt.Errorf("invalid stage transition: %q -> %q (item=%s)", from, to, itemID)
	}
	*current = to
	return nil
}

// FailureKind classifies how an item stopped.
type FailureKind string

const (
	KindNone              FailureKind = ""
	KindSkipped           FailureKind = "skipped"
	KindInputInvalid      FailureKind = "input_invalid"
	KindStageFailure      FailureKind = "stage_failure"
	KindValidationFailure FailureKind = "validation_failure"
	KindCrash             FailureKind = "crash"
	KindCanceled          FailureKind = "canceled"
)

// Failed reports whether the kind should count as an error in a tally.
func (k FailureKind) Failed() bool {
	switch k {
	case KindInputInvalid, KindStageFailure, KindValidationFailure, KindCrash:
		return true
	default:
		return false
	}
}
