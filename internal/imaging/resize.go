package imaging

import (
	"context"
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"
)

// Downscaler resizes super-resolved images to their calibrated physical size.
type Downscaler struct {
	// SRScale is the upscale factor the input went through.
	SRScale int
}

func (d Downscaler) Downscale(ctx context.Context, src, dst string, ppi int) error {
	factor, err := ScaleFactor(ppi, d.SRScale)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	img, _, err := Decode(src)
	if err != nil {
		return err
	}
	out := Resize(img, factor)
	if err := ctx.Err(); err != nil {
		return err
	}
	return Encode(dst, out)
}

// Resize scales img by factor with Catmull-Rom resampling. Each side keeps at least one pixel.
func Resize(img image.Image, factor float64) image.Image {
	b := img.Bounds()
	w := max(1, int(math.Round(float64(b.Dx())*factor)))
	h := max(1, int(math.Round(float64(b.Dy())*factor)))
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(out, out.Bounds(), img, b, draw.Src, nil)
	return out
}

// Model is a super-resolution handle.
type Model interface {
	Run(ctx context.Context, img image.Image) (image.Image, error)
}

// Upscaler feeds image files through a Model.
type Upscaler struct {
	Model Model
}

func (u Upscaler) Upscale(ctx context.Context, src, dst string) error {
	if u.Model == nil {
		return fmt.Errorf("no super-resolution model loaded")
	}
	img, _, err := Decode(src)
	if err != nil {
		return err
	}
	out, err := u.Model.Run(ctx, img)
	if err != nil {
		return err
	}
	return Encode(dst, out)
}
