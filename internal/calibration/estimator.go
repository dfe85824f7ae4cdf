// Package calibration estimates the scan resolution of a folder of document images.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ErrUndetermined means no supported resolution could be derived for the folder.
var ErrUndetermined = errors.New("ppi undetermined")

// SidecarFile is the per-folder override read by SidecarEstimator.
const SidecarFile = "calibration.yaml"

type Estimator interface {
	EstimatePPI(ctx context.Context, folder string) (int, error)
}

func supported(ppi int) bool { return ppi == 400 || ppi == 600 }

// Fixed always answers with the same resolution.
type Fixed int

func (f Fixed) EstimatePPI(context.Context, string) (int, error) {
	if !supported(int(f)) {
		return 0, fmt.Errorf("%w: fixed ppi %d unsupported", ErrUndetermined, int(f))
	}
	return int(f), nil
}

// Chain asks each estimator in turn and returns the first determined answer.
type Chain []Estimator

func (c Chain) EstimatePPI(ctx context.Context, folder string) (int, error) {
	for _, e := range c {
		ppi, err := e.EstimatePPI(ctx, folder)
		if err == nil {
			return ppi, nil
		}
		if !errors.Is(err, ErrUndetermined) {
			return 0, err
		}
	}
	return 0, ErrUndetermined
}

// SidecarEstimator reads the resolution from calibration.yaml inside the folder.
type SidecarEstimator struct{}

type sidecar struct {
	PPI int `yaml:"ppi"`
}

func (SidecarEstimator) EstimatePPI(_ context.Context, folder string) (int, error) {
	path := filepath.Join(folder, SidecarFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrUndetermined
		}
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	var s sidecar
	if err := yaml.Unmarshal(data, &s); err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	if !supported(s.PPI) {
		return 0, fmt.Errorf("%s: ppi %d unsupported (expected 400 or 600)", path, s.PPI)
	}
	return s.PPI, nil
}
