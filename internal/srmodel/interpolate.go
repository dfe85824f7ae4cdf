package srmodel

import (
	"context"
	"image"

	"golang.org/x/image/draw"
)

// interpolateEngine upscales with Catmull-Rom, one tile at a time so cancellation is
// observed on large scans.
type interpolateEngine struct {
	scale int
	tile  int
}

func (e interpolateEngine) upscale(ctx context.Context, img image.Image) (image.Image, error) {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx()*e.scale, b.Dy()*e.scale))

	tile := e.tile
	if tile <= 0 {
		tile = max(b.Dx(), b.Dy())
	}
	for y := b.Min.Y; y < b.Max.Y; y += tile {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for x := b.Min.X; x < b.Max.X; x += tile {
			src := image.Rect(x, y, min(x+tile, b.Max.X), min(y+tile, b.Max.Y))
			dst := image.Rect(
				(src.Min.X-b.Min.X)*e.scale,
				(src.Min.Y-b.Min.Y)*e.scale,
				(src.Max.X-b.Min.X)*e.scale,
				(src.Max.Y-b.Min.Y)*e.scale,
			)
			draw.CatmullRom.Scale(out, dst, img, src, draw.Src, nil)
		}
	}
	return out, nil
}
