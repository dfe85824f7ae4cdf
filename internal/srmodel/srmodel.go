// Package srmodel provides the process-owned super-resolution handle.
//
// A Handle is expensive to build and is created once per worker process. Inference is
// serialised by the handle itself, so callers may share it across goroutines freely.
package srmodel

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"strings"
	"sync"
)

const (
	EngineInterpolate = "interpolate"
	EngineExec        = "exec"
)

// ErrUnknownEngine is returned by Load for an engine name it does not know.
var ErrUnknownEngine = errors.New("unknown super-resolution engine")

type Options struct {
	ModelDir string
	Scale    int
	TileSize int
	Device   string
	Engine   string
	// Binary is the executable used by the exec engine.
	Binary string
}

type engine interface {
	upscale(ctx context.Context, img image.Image) (image.Image, error)
}

type Handle struct {
	mu     sync.Mutex
	opts   Options
	engine engine
	runs   int
}

// Load validates opts and prepares the engine. Errors are initialisation failures and abort
// the owning process.
func Load(opts Options) (*Handle, error) {
	if opts.Scale < 2 || opts.Scale > 4 {
		return nil, fmt.Errorf("unsupported scale %d (expected 2, 3 or 4)", opts.Scale)
	}
	if opts.TileSize < 0 {
		return nil, fmt.Errorf("invalid tile size %d", opts.TileSize)
	}
	device := strings.ToLower(strings.TrimSpace(opts.Device))
	if device == "" {
		device = "cpu"
	}
	if device != "cpu" && device != "gpu" {
		return nil, fmt.Errorf("unsupported device %q", opts.Device)
	}
	opts.Device = device

	var eng engine
	switch strings.ToLower(strings.TrimSpace(opts.Engine)) {
	case "", EngineInterpolate:
		eng = interpolateEngine{scale: opts.Scale, tile: opts.TileSize}
	case EngineExec:
		e, err := newExecEngine(opts)
		if err != nil {
			return nil, err
		}
		eng = e
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, opts.Engine)
	}
	return &Handle{opts: opts, engine: eng}, nil
}

// Run upscales img by the configured scale. Calls are serialised.
func (h *Handle) Run(ctx context.Context, img image.Image) (image.Image, error) {
	if img == nil {
		return nil, errors.New("nil image")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.runs++
	return h.engine.upscale(ctx, img)
}

func (h *Handle) Options() Options { return h.opts }

// Runs is the number of inference calls made through the handle.
func (h *Handle) Runs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs
}

func requireDir(path string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("model directory is required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("model directory %s: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("model directory %s is not a directory", path)
	}
	return nil
}
