package calibration

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"slices"

	"go.uber.org/zap"

	"docscale/internal/imaging"
	"docscale/internal/logging"
)

const (
	bandLengthMM = 200.0
	a4WidthMM    = 210.0
	a4HeightMM   = 297.0
	toleranceMM  = 2.0

	defaultThreshold = 50

	// A band candidate needs at least this many pixels and this long/short ratio.
	minBandPixels = 1000
	minBandAspect = 3.0
)

// RulerEstimator measures the folder against its calibration band. The last image in name
// order is the band; every image except the last two is a document page. The average
// document size in millimetres decides between A4 scans (400 ppi) and larger originals
// (600 ppi).
type RulerEstimator struct {
	Threshold int
	// Scratch receives binarised intermediates, one subdirectory per folder.
	Scratch string
	Log     *zap.Logger
}

func (r RulerEstimator) EstimatePPI(ctx context.Context, folder string) (int, error) {
	log := logging.OrNop(r.Log).Named("calibration").With(zap.String("folder", folder))

	images, err := listImages(folder)
	if err != nil {
		return 0, err
	}
	if len(images) == 0 {
		return 0, fmt.Errorf("%w: no images in %s", ErrUndetermined, folder)
	}

	bandImg, _, err := imaging.Decode(images[len(images)-1])
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUndetermined, err)
	}
	bandLong, ok := measureBand(bandImg)
	if !ok {
		log.Warn("no calibration band found", zap.String("image", images[len(images)-1]))
		return 0, fmt.Errorf("%w: no calibration band in %s", ErrUndetermined, filepath.Base(images[len(images)-1]))
	}

	var docs []string
	if len(images) > 2 {
		docs = images[:len(images)-2]
	}

	threshold := r.Threshold
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	var sumLong, sumShort float64
	measured := 0
	for _, path := range docs {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		img, _, err := imaging.Decode(path)
		if err != nil {
			log.Debug("skipping undecodable document", zap.String("image", path), zap.Error(err))
			continue
		}
		bin := binarize(img, uint8(min(threshold, 255)))
		if r.Scratch != "" {
			dst := filepath.Join(r.Scratch, filepath.Base(folder), stem(path)+".png")
			if err := imaging.Encode(dst, bin); err != nil {
				log.Debug("could not keep binarised page", zap.String("image", path), zap.Error(err))
			}
		}
		w, h, ok := foregroundBounds(bin)
		if !ok {
			continue
		}
		sumLong += float64(max(w, h))
		sumShort += float64(min(w, h))
		measured++
	}
	if measured == 0 {
		return 0, fmt.Errorf("%w: no measurable documents in %s", ErrUndetermined, folder)
	}

	mmPerPx := bandLengthMM / float64(bandLong)
	longMM := sumLong / float64(measured) * mmPerPx
	shortMM := sumShort / float64(measured) * mmPerPx
	ppi := 600
	if shortMM <= a4WidthMM+toleranceMM && longMM <= a4HeightMM+toleranceMM {
		ppi = 400
	}
	log.Info("estimated folder resolution",
		zap.Int("ppi", ppi),
		zap.Float64("long_mm", longMM),
		zap.Float64("short_mm", shortMM),
		zap.Int("documents", measured),
	)
	return ppi, nil
}

func listImages(folder string) ([]string, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, fmt.Errorf("read folder %s: %w", folder, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !imaging.IsSupported(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(folder, e.Name()))
	}
	slices.Sort(out)
	return out, nil
}

func stem(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}

// measureBand finds the bounding box of the neutral dark-grey band and returns its long side.
func measureBand(img image.Image) (int, bool) {
	b := img.Bounds()
	minX, minY, maxX, maxY := b.Max.X, b.Max.Y, b.Min.X-1, b.Min.Y-1
	count := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if !isBandGrey(img.At(x, y)) {
				continue
			}
			count++
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)
		}
	}
	if count < minBandPixels {
		return 0, false
	}
	w, h := maxX-minX+1, maxY-minY+1
	long, short := max(w, h), min(w, h)
	if float64(long)/float64(short) < minBandAspect {
		return 0, false
	}
	return long, true
}

// isBandGrey matches low saturation with value between 40 and 100 on a 0-255 scale.
func isBandGrey(c color.Color) bool {
	r, g, b, _ := c.RGBA()
	r8, g8, b8 := r>>8, g>>8, b>>8
	hi := max(r8, g8, b8)
	lo := min(r8, g8, b8)
	if hi < 40 || hi > 100 {
		return false
	}
	sat := (hi - lo) * 255 / hi
	return sat <= 50
}

func binarize(img image.Image, threshold uint8) *image.Gray {
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			if g.Y > threshold {
				out.SetGray(x-b.Min.X, y-b.Min.Y, color.Gray{Y: 255})
			}
		}
	}
	return out
}

func foregroundBounds(img *image.Gray) (int, int, bool) {
	b := img.Bounds()
	minX, minY, maxX, maxY := b.Max.X, b.Max.Y, -1, -1
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if img.GrayAt(x, y).Y == 0 {
				continue
			}
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)
		}
	}
	if maxX < 0 {
		return 0, 0, false
	}
	return maxX - minX + 1, maxY - minY + 1, true
}
