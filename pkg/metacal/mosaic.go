package metacal

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"math"
	"os"

	"github.com/nfnt/resize"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	mosaicLabelH   = 20
	mosaicCaptionH = 24
	mosaicGap      = 4
)

// MosaicTile is one labelled stamp of a mosaic.
type MosaicTile struct {
	Label string
	Image *Image
}

// SynthesisTiles returns the five synthesized versions of one galaxy in
// evaluation order.
func SynthesisTiles(images map[Label][]*Image, galaxy int) ([]MosaicTile, error) {
	tiles := make([]MosaicTile, 0, len(Labels))
	for _, label := range Labels {
		imgs := images[label]
		if galaxy < 0 || galaxy >= len(imgs) {
			return nil, preconditionf("no %s image for galaxy %d", label, galaxy)
		}
		tiles = append(tiles, MosaicTile{Label: string(label), Image: imgs[galaxy]})
	}
	return tiles, nil
}

// WriteMosaic renders tiles side by side and writes them as a JPEG.
func WriteMosaic(path string, tiles []MosaicTile, tileSize int, caption string) error {
	img, err := RenderMosaic(tiles, tileSize, caption)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create mosaic file: %w", err)
	}
	defer f.Close()
	return jpeg.Encode(f, img, &jpeg.Options{Quality: 90})
}

// MosaicBytes renders tiles and returns them as JPEG bytes.
func MosaicBytes(tiles []MosaicTile, tileSize int, caption string) ([]byte, error) {
	img, err := RenderMosaic(tiles, tileSize, caption)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RenderMosaic draws every tile upscaled to tileSize pixels with its label
// underneath and an optional caption along the bottom. All tiles share one
// linear stretch so relative brightness is preserved.
func RenderMosaic(tiles []MosaicTile, tileSize int, caption string) (*image.RGBA, error) {
	if len(tiles) == 0 {
		return nil, preconditionf("no tiles to render")
	}
	if tileSize <= 0 {
		return nil, preconditionf("tile size must be > 0 (got %d)", tileSize)
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for i, t := range tiles {
		if t.Image.Empty() {
			return nil, preconditionf("tile %d is empty", i)
		}
		for _, v := range t.Image.Plane(0) {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}

	w := len(tiles)*(tileSize+mosaicGap) + mosaicGap
	h := mosaicGap + tileSize + mosaicLabelH
	if caption != "" {
		h += mosaicCaptionH
	}
	canvas := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.RGBA{0, 0, 0, 255}), image.Point{}, draw.Src)

	face := basicfont.Face7x13
	textColor := color.RGBA{255, 255, 255, 255}
	for i, t := range tiles {
		x0 := mosaicGap + i*(tileSize+mosaicGap)
		scaled := resize.Resize(uint(tileSize), uint(tileSize), stretchGray(t.Image, lo, hi), resize.NearestNeighbor)
		r := image.Rect(x0, mosaicGap, x0+tileSize, mosaicGap+tileSize)
		draw.Draw(canvas, r, scaled, scaled.Bounds().Min, draw.Src)
		drawCenteredText(canvas, face, t.Label, x0+tileSize/2, mosaicGap+tileSize+15, textColor)
	}
	if caption != "" {
		drawText(canvas, face, caption, mosaicGap+2, h-8, color.RGBA{220, 220, 220, 255})
	}
	return canvas, nil
}

// stretchGray maps plane 0 linearly from [lo, hi] to 8-bit gray.
func stretchGray(img *Image, lo, hi float64) *image.Gray {
	g := image.NewGray(image.Rect(0, 0, img.Width, img.Height))
	span := hi - lo
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			v := 0.0
			if span > 0 {
				v = (img.At(x, y) - lo) / span * 255
			}
			g.SetGray(x, y, color.Gray{Y: uint8(clampFloat64(v, 0, 255))})
		}
	}
	return g
}

// drawText draws a string at (x, y) using the given font face.
func drawText(img *image.RGBA, face font.Face, s string, x, y int, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

// drawCenteredText draws a string centered horizontally on cx.
func drawCenteredText(img *image.RGBA, face font.Face, s string, cx, y int, c color.RGBA) {
	advance := font.MeasureString(face, s)
	drawText(img, face, s, cx-advance.Round()/2, y, c)
}
