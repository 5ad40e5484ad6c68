//go:build !purego && !js

package main

import (
	"fmt"

	"gocv.io/x/gocv"

	mc "metacal/pkg/metacal"
)

// loadNonFitsImage reads an 8 or 16-bit image as a grayscale stamp scaled
// to [0, 1].
func loadNonFitsImage(path string) (*mc.Image, error) {
	src := gocv.IMRead(path, gocv.IMReadAnyDepth|gocv.IMReadGrayScale)
	if src.Empty() {
		return nil, fmt.Errorf("could not load image: %s", path)
	}
	defer src.Close()

	maxVal := 255.0
	if src.Type() == gocv.MatTypeCV16U {
		maxVal = 65535.0
	}
	floatMat := gocv.NewMat()
	defer floatMat.Close()
	src.ConvertTo(&floatMat, gocv.MatTypeCV32F)

	w, h := floatMat.Cols(), floatMat.Rows()
	data, err := floatMat.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("reading pixels of %s: %w", path, err)
	}
	img := mc.NewImage(w, h)
	for i := range img.Pix {
		img.Pix[i] = float64(data[i]) / maxVal
	}
	return img, nil
}
