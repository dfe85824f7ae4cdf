package srmodel

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func testImage(w, h int) image.Image {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8((x + y) % 256)})
		}
	}
	return img
}

func TestInterpolateEngineScalesEveryTile(t *testing.T) {
	h, err := Load(Options{Scale: 3, TileSize: 7, Device: "cpu"})
	if err != nil {
		t.Fatal(err)
	}
	out, err := h.Run(context.Background(), testImage(20, 11))
	if err != nil {
		t.Fatal(err)
	}
	if out.Bounds().Dx() != 60 || out.Bounds().Dy() != 33 {
		t.Fatalf("unexpected output size %v", out.Bounds())
	}
}

func TestRunIsSafeForConcurrentCallers(t *testing.T) {
	h, err := Load(Options{Scale: 2, TileSize: 16, Device: "gpu"})
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.Run(context.Background(), testImage(16, 16)); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if h.Runs() != 8 {
		t.Fatalf("expected 8 runs, got %d", h.Runs())
	}
}

func TestRunHonoursCancellation(t *testing.T) {
	h, err := Load(Options{Scale: 2})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.Run(ctx, testImage(4, 4)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLoadRejectsBadOptions(t *testing.T) {
	if _, err := Load(Options{Scale: 5}); err == nil {
		t.Fatal("expected scale error")
	}
	if _, err := Load(Options{Scale: 2, Device: "tpu"}); err == nil {
		t.Fatal("expected device error")
	}
	if _, err := Load(Options{Scale: 2, Engine: "onnx"}); !errors.Is(err, ErrUnknownEngine) {
		t.Fatalf("expected ErrUnknownEngine, got %v", err)
	}
}

func installFakeUpscaler(t *testing.T, script string) (binDir, argsFile string) {
	t.Helper()
	tmp := t.TempDir()
	binDir = filepath.Join(tmp, "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		t.Fatal(err)
	}
	argsFile = filepath.Join(tmp, "args.txt")
	script = strings.ReplaceAll(script, "__ARGS__", argsFile)
	if err := os.WriteFile(filepath.Join(binDir, "fake-esrgan"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", binDir+":"+os.Getenv("PATH"))
	return binDir, argsFile
}

func TestExecEngineInvokesBinary(t *testing.T) {
	_, argsFile := installFakeUpscaler(t, `#!/usr/bin/env bash
set -euo pipefail
echo "$@" > "__ARGS__"
in=""
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    -i) in="$2"; shift 2 ;;
    -o) out="$2"; shift 2 ;;
    *) shift ;;
  esac
done
cp "$in" "$out"
`)
	modelDir := t.TempDir()
	h, err := Load(Options{Engine: EngineExec, Binary: "fake-esrgan", ModelDir: modelDir, Scale: 4, TileSize: 256, Device: "cpu"})
	if err != nil {
		t.Fatal(err)
	}
	out, err := h.Run(context.Background(), testImage(5, 5))
	if err != nil {
		t.Fatal(err)
	}
	if out.Bounds().Dx() != 5 {
		t.Fatalf("unexpected output size %v", out.Bounds())
	}

	raw, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatal(err)
	}
	args := string(raw)
	for _, want := range []string{"-s 4", "-t 256", "-g -1", "-m " + modelDir} {
		if !strings.Contains(args, want) {
			t.Fatalf("expected %q in args %q", want, args)
		}
	}
}

func TestExecEngineReportsBinaryFailure(t *testing.T) {
	installFakeUpscaler(t, `#!/usr/bin/env bash
echo "vkCreateInstance failed" >&2
exit 255
`)
	h, err := Load(Options{Engine: EngineExec, Binary: "fake-esrgan", ModelDir: t.TempDir(), Scale: 2, Device: "gpu"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = h.Run(context.Background(), testImage(3, 3))
	if err == nil || !strings.Contains(err.Error(), "vkCreateInstance failed") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
}

func TestExecEngineLoadFailures(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	if _, err := Load(Options{Engine: EngineExec, Binary: "realesrgan-ncnn-vulkan", ModelDir: t.TempDir(), Scale: 2}); err == nil {
		t.Fatal("expected missing binary error")
	}

	installFakeUpscaler(t, "#!/usr/bin/env bash\nexit 0\n")
	if _, err := Load(Options{Engine: EngineExec, Binary: "fake-esrgan", ModelDir: filepath.Join(t.TempDir(), "missing"), Scale: 2}); err == nil {
		t.Fatal("expected missing model dir error")
	}
}
