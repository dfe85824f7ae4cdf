package srmodel

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// execEngine drives an external upscaler binary with the realesrgan-ncnn-vulkan
// command line: -i in -o out -s scale -t tile -g gpu -m modeldir.
type execEngine struct {
	binary   string
	modelDir string
	scale    int
	tile     int
	gpuID    string
}

func newExecEngine(opts Options) (*execEngine, error) {
	bin := strings.TrimSpace(opts.Binary)
	if bin == "" {
		return nil, fmt.Errorf("exec engine requires a binary")
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("missing dependency: %s is not installed or not on PATH", bin)
	}
	if err := requireDir(opts.ModelDir); err != nil {
		return nil, err
	}
	gpu := "0"
	if opts.Device == "cpu" {
		gpu = "-1"
	}
	return &execEngine{
		binary:   path,
		modelDir: opts.ModelDir,
		scale:    opts.Scale,
		tile:     opts.TileSize,
		gpuID:    gpu,
	}, nil
}

func (e *execEngine) args(in, out string) []string {
	return []string{
		"-i", in,
		"-o", out,
		"-s", strconv.Itoa(e.scale),
		"-t", strconv.Itoa(e.tile),
		"-g", e.gpuID,
		"-m", e.modelDir,
	}
}

func (e *execEngine) upscale(ctx context.Context, img image.Image) (image.Image, error) {
	work, err := os.MkdirTemp("", "docscale-sr-*")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(work)

	in := filepath.Join(work, "in.png")
	out := filepath.Join(work, "out.png")
	if err := writePNG(in, img); err != nil {
		return nil, err
	}
	if err := e.run(ctx, e.args(in, out)); err != nil {
		return nil, err
	}

	f, err := os.Open(out)
	if err != nil {
		return nil, fmt.Errorf("%s produced no output: %w", filepath.Base(e.binary), err)
	}
	defer f.Close()
	res, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s output: %w", filepath.Base(e.binary), err)
	}
	return res, nil
}

func (e *execEngine) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, e.binary, args...)
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("setup stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("setup stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", filepath.Base(e.binary), err)
	}

	var tail strings.Builder
	var mu sync.Mutex
	var wg sync.WaitGroup
	read := func(r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			mu.Lock()
			appendLimited(&tail, scanner.Text())
			mu.Unlock()
		}
	}
	wg.Add(2)
	go read(stdoutPipe)
	go read(stderrPipe)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%s failed: %w\n%s", filepath.Base(e.binary), err, strings.TrimSpace(tail.String()))
	}
	return nil
}

func appendLimited(b *strings.Builder, line string) {
	const maxKeep = 8192
	if b.Len() >= maxKeep {
		return
	}
	toWrite := line + "\n"
	if remain := maxKeep - b.Len(); len(toWrite) > remain {
		toWrite = toWrite[:remain]
	}
	b.WriteString(toWrite)
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}
