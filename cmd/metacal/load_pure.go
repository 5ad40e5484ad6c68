//go:build purego || js

package main

import (
	"fmt"
	_ "image/jpeg"
	_ "image/png"

	"github.com/anthonynsimon/bild/imgio"
	_ "golang.org/x/image/tiff"

	mc "metacal/pkg/metacal"
)

// loadNonFitsImage decodes any registered format into a luminance stamp
// scaled to [0, 1].
func loadNonFitsImage(path string) (*mc.Image, error) {
	img, err := imgio.Open(path)
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	out := mc.NewImage(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			gray := (19595*r + 38470*g + 7471*b + 1<<15) >> 16
			out.Pix[y*w+x] = float64(gray) / 65535.0
		}
	}
	return out, nil
}
