package imaging

import (
	"fmt"
	"image"
	"os"
)

// Validate decodes the whole file at path. It never panics; a decoder panic is reported as
// an invalid image.
func Validate(path string) (ok bool, reason string) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			reason = fmt.Sprintf("decoder panic: %v", r)
		}
	}()

	info, err := os.Stat(path)
	if err != nil {
		return false, err.Error()
	}
	if info.IsDir() {
		return false, fmt.Sprintf("%s is a directory", path)
	}
	if info.Size() == 0 {
		return false, "empty file"
	}

	f, err := os.Open(path)
	if err != nil {
		return false, err.Error()
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return false, err.Error()
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return false, "image has no pixels"
	}
	return true, ""
}
