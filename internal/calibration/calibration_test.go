package calibration

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docscale/internal/imaging"
)

// page draws a white w x h rectangle on a black canvas.
func page(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w+20, h+20))
	for y := 10; y < 10+h; y++ {
		for x := 10; x < 10+w; x++ {
			img.SetGray(x, y, color.Gray{Y: 240})
		}
	}
	require.NoError(t, imaging.Encode(path, img))
}

// band draws a dark grey long x 40 strip on white.
func band(t *testing.T, path string, long int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, long+40, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < long+40; x++ {
			img.Set(x, y, color.White)
		}
	}
	for y := 30; y < 70; y++ {
		for x := 20; x < 20+long; x++ {
			img.Set(x, y, color.RGBA{R: 70, G: 72, B: 68, A: 255})
		}
	}
	require.NoError(t, imaging.Encode(path, img))
}

func folderWith(t *testing.T, docW, docH int) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "box_01")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	page(t, filepath.Join(dir, "p001.png"), docW, docH)
	page(t, filepath.Join(dir, "p002.png"), docW+2, docH-2)
	page(t, filepath.Join(dir, "x_colorchecker.png"), 50, 50)
	band(t, filepath.Join(dir, "z_band.png"), 400) // 0.5 mm per pixel
	return dir
}

func TestRulerEstimatorA4Is400(t *testing.T) {
	dir := folderWith(t, 300, 400) // 150 x 200 mm
	scratch := t.TempDir()

	ppi, err := RulerEstimator{Scratch: scratch}.EstimatePPI(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 400, ppi)

	_, err = os.Stat(filepath.Join(scratch, "box_01", "p001.png"))
	assert.NoError(t, err, "binarised page kept in scratch")
}

func TestRulerEstimatorLargeOriginalIs600(t *testing.T) {
	dir := folderWith(t, 500, 700) // 250 x 350 mm
	ppi, err := RulerEstimator{}.EstimatePPI(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 600, ppi)
}

func TestRulerEstimatorWithoutBandIsUndetermined(t *testing.T) {
	dir := t.TempDir()
	page(t, filepath.Join(dir, "a.png"), 100, 100)
	page(t, filepath.Join(dir, "b.png"), 100, 100)
	page(t, filepath.Join(dir, "c.png"), 100, 100)

	_, err := RulerEstimator{}.EstimatePPI(context.Background(), dir)
	assert.ErrorIs(t, err, ErrUndetermined)

	_, err = RulerEstimator{}.EstimatePPI(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, ErrUndetermined)
}

func TestSidecarEstimator(t *testing.T) {
	dir := t.TempDir()
	_, err := SidecarEstimator{}.EstimatePPI(context.Background(), dir)
	assert.ErrorIs(t, err, ErrUndetermined)

	require.NoError(t, os.WriteFile(filepath.Join(dir, SidecarFile), []byte("ppi: 600\n"), 0o644))
	ppi, err := SidecarEstimator{}.EstimatePPI(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 600, ppi)

	require.NoError(t, os.WriteFile(filepath.Join(dir, SidecarFile), []byte("ppi: 300\n"), 0o644))
	_, err = SidecarEstimator{}.EstimatePPI(context.Background(), dir)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUndetermined))
}

func TestChainFallsThroughUndetermined(t *testing.T) {
	dir := t.TempDir()
	ppi, err := Chain{SidecarEstimator{}, Fixed(400)}.EstimatePPI(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 400, ppi)

	_, err = Chain{SidecarEstimator{}}.EstimatePPI(context.Background(), dir)
	assert.ErrorIs(t, err, ErrUndetermined)

	_, err = Fixed(500).EstimatePPI(context.Background(), dir)
	assert.ErrorIs(t, err, ErrUndetermined)
}
