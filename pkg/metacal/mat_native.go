//go:build !purego && !js

package metacal

import (
	"image"

	"gocv.io/x/gocv"
)

// Mat wraps gocv.Mat for the native OpenCV backend.
type Mat struct {
	m gocv.Mat
}

func NewMatWithSize(rows, cols int) Mat { return Mat{m: gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV32F)} }
func (mat Mat) Rows() int               { return mat.m.Rows() }
func (mat Mat) Cols() int               { return mat.m.Cols() }
func (mat Mat) Empty() bool             { return mat.m.Empty() }
func (mat *Mat) Close()                 { mat.m.Close() }

func (mat Mat) DataFloat32() []float32 {
	data, _ := mat.m.DataPtrFloat32()
	return data
}

// --- CV operations ---

func sepFilter2DReflect(src Mat, dst *Mat, kernelX, kernelY Mat) {
	gocv.SepFilter2D(src.m, &dst.m, gocv.MatTypeCV32F, kernelX.m, kernelY.m, image.Pt(-1, -1), 0, gocv.BorderReflect)
}

func getGaussianKernel1D(size int, sigma float64) Mat {
	m := gocv.GetGaussianKernelWithParams(size, sigma, gocv.MatTypeCV32F)
	return Mat{m: m}
}

func resizeLinear(src Mat, dst *Mat, width, height int) {
	gocv.Resize(src.m, &dst.m, image.Pt(width, height), 0, 0, gocv.InterpolationLinear)
}

// imWriteScaled stretches src linearly to 16 bits and writes it with the
// encoder matching the path extension.
func imWriteScaled(path string, src Mat, lo, hi float32) error {
	scale := float32(1)
	if hi > lo {
		scale = 65535 / (hi - lo)
	}
	out := gocv.NewMat()
	defer out.Close()
	src.m.ConvertToWithParams(&out, gocv.MatTypeCV16U, scale, -lo*scale)
	if !gocv.IMWrite(path, out) {
		return errWriteFailed(path)
	}
	return nil
}
