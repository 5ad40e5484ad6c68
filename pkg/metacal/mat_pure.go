//go:build purego || js

package metacal

import (
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
)

// Mat is a pure Go 2D float32 matrix.
type Mat struct {
	data []float32
	rows int
	cols int
}

func NewMatWithSize(rows, cols int) Mat {
	return Mat{data: make([]float32, rows*cols), rows: rows, cols: cols}
}

func (m Mat) Rows() int   { return m.rows }
func (m Mat) Cols() int   { return m.cols }
func (m Mat) Empty() bool { return m.data == nil || m.rows == 0 || m.cols == 0 }

func (m *Mat) Close() {
	m.data = nil
	m.rows = 0
	m.cols = 0
}

// DataFloat32 returns the backing float32 slice.
func (m Mat) DataFloat32() []float32 { return m.data }

// --- Pure Go CV operations ---

func reflectIndex(idx, size int) int {
	if size == 1 {
		return 0
	}
	for idx < 0 || idx >= size {
		if idx < 0 {
			idx = -idx
		}
		if idx >= size {
			idx = 2*size - 2 - idx
		}
	}
	return idx
}

// sepFilter2DReflect convolves rows with kernelX and columns with kernelY,
// reflecting at the border (OpenCV BORDER_REFLECT_101).
func sepFilter2DReflect(src Mat, dst *Mat, kernelX, kernelY Mat) {
	rows, cols := src.rows, src.cols
	srcData := src.data
	kx, ky := kernelX.data, kernelY.data
	kxHalf, kyHalf := len(kx)/2, len(ky)/2

	if dst.rows != rows || dst.cols != cols || dst.data == nil {
		*dst = NewMatWithSize(rows, cols)
	}

	temp := make([]float32, rows*cols)
	for r := 0; r < rows; r++ {
		rowOff := r * cols
		for c := 0; c < cols; c++ {
			var sum float32
			for k := range kx {
				sum += srcData[rowOff+reflectIndex(c+k-kxHalf, cols)] * kx[k]
			}
			temp[rowOff+c] = sum
		}
	}

	dstData := dst.data
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			var sum float32
			for k := range ky {
				sum += temp[reflectIndex(r+k-kyHalf, rows)*cols+c] * ky[k]
			}
			dstData[r*cols+c] = sum
		}
	}
}

func getGaussianKernel1D(size int, sigma float64) Mat {
	m := NewMatWithSize(size, 1)
	half := size / 2
	sum := 0.0
	vals := make([]float64, size)
	for i := range vals {
		x := float64(i - half)
		vals[i] = math.Exp(-x * x / (2 * sigma * sigma))
		sum += vals[i]
	}
	for i, v := range vals {
		m.data[i] = float32(v / sum)
	}
	return m
}

// resizeLinear matches OpenCV INTER_LINEAR: pixel centers are aligned and
// samples outside the source are clamped to the edge.
func resizeLinear(src Mat, dst *Mat, width, height int) {
	*dst = NewMatWithSize(height, width)
	sx := float64(src.cols) / float64(width)
	sy := float64(src.rows) / float64(height)
	for r := 0; r < height; r++ {
		fy := math.Max((float64(r)+0.5)*sy-0.5, 0)
		y0 := min(int(fy), src.rows-1)
		y1 := min(y0+1, src.rows-1)
		ty := float32(fy - float64(y0))
		for c := 0; c < width; c++ {
			fx := math.Max((float64(c)+0.5)*sx-0.5, 0)
			x0 := min(int(fx), src.cols-1)
			x1 := min(x0+1, src.cols-1)
			tx := float32(fx - float64(x0))
			top := src.data[y0*src.cols+x0]*(1-tx) + src.data[y0*src.cols+x1]*tx
			bot := src.data[y1*src.cols+x0]*(1-tx) + src.data[y1*src.cols+x1]*tx
			dst.data[r*width+c] = top*(1-ty) + bot*ty
		}
	}
}

// imWriteScaled stretches src linearly to 16 bits and writes a PNG.
func imWriteScaled(path string, src Mat, lo, hi float32) error {
	scale := float32(1)
	if hi > lo {
		scale = 65535 / (hi - lo)
	}
	img := image.NewGray16(image.Rect(0, 0, src.cols, src.rows))
	for r := 0; r < src.rows; r++ {
		for c := 0; c < src.cols; c++ {
			v := (src.data[r*src.cols+c] - lo) * scale
			img.SetGray16(c, r, color.Gray16{Y: uint16(clampFloat64(float64(v), 0, 65535))})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return errWriteFailed(path)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return errWriteFailed(path)
	}
	return f.Close()
}
