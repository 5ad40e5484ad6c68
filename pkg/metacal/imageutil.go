package metacal

import (
	"fmt"
	"math"
)

func errWriteFailed(path string) error {
	return fmt.Errorf("writing image %s failed", path)
}

// planeToMat copies one plane of img into a float32 backend matrix.
func planeToMat(img *Image, c int) Mat {
	m := NewMatWithSize(img.Height, img.Width)
	dst := m.DataFloat32()
	for i, v := range img.Plane(c) {
		dst[i] = float32(v)
	}
	return m
}

func matToPlane(m Mat, dst []float64) {
	for i, v := range m.DataFloat32()[:len(dst)] {
		dst[i] = float64(v)
	}
}

// ConvolveGaussian smooths every plane of img with a round Gaussian of the
// given sigma in pixels. The kernel spans +-4 sigma.
func ConvolveGaussian(img *Image, sigma float64) (*Image, error) {
	if img.Empty() {
		return nil, preconditionf("cannot convolve an empty image")
	}
	if sigma <= 0 || math.IsNaN(sigma) {
		return nil, preconditionf("sigma must be > 0 (got %g)", sigma)
	}
	kernelSize := 2*int(math.Ceil(4*sigma)) + 1
	kernel := getGaussianKernel1D(kernelSize, sigma)
	defer kernel.Close()

	out := NewImageChannels(img.Width, img.Height, img.Channels)
	for c := 0; c < img.Channels; c++ {
		src := planeToMat(img, c)
		dst := NewMatWithSize(img.Height, img.Width)
		sepFilter2DReflect(src, &dst, kernel, kernel)
		matToPlane(dst, out.Plane(c))
		src.Close()
		dst.Close()
	}
	return out, nil
}

// ResampleImage bilinearly resamples every plane of img to width x height.
// Flux per pixel is preserved, not total flux.
func ResampleImage(img *Image, width, height int) (*Image, error) {
	if img.Empty() {
		return nil, preconditionf("cannot resample an empty image")
	}
	if width <= 0 || height <= 0 {
		return nil, preconditionf("invalid target size %dx%d", width, height)
	}
	if width == img.Width && height == img.Height {
		return img.Clone(), nil
	}
	out := NewImageChannels(width, height, img.Channels)
	for c := 0; c < img.Channels; c++ {
		src := planeToMat(img, c)
		dst := NewMatWithSize(height, width)
		resizeLinear(src, &dst, width, height)
		matToPlane(dst, out.Plane(c))
		src.Close()
		dst.Close()
	}
	return out, nil
}

// WriteImagePNG writes plane 0 of img as a 16-bit PNG stretched between the
// plane minimum and maximum.
func WriteImagePNG(path string, img *Image) error {
	if img.Empty() {
		return preconditionf("cannot write an empty image")
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range img.Plane(0) {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	m := planeToMat(img, 0)
	defer m.Close()
	return imWriteScaled(path, m, float32(lo), float32(hi))
}
