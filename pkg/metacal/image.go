package metacal

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Image is a square or rectangular stamp with one or more planes stored
// plane-major: Pix[c*Width*Height + y*Width + x].
type Image struct {
	Pix      []float64
	Width    int
	Height   int
	Channels int
}

// NewImage allocates a zeroed single channel stamp.
func NewImage(width, height int) *Image {
	return NewImageChannels(width, height, 1)
}

// NewImageChannels allocates a zeroed stamp with the given number of planes.
func NewImageChannels(width, height, channels int) *Image {
	if channels <= 0 {
		channels = 1
	}
	return &Image{
		Pix:      make([]float64, width*height*channels),
		Width:    width,
		Height:   height,
		Channels: channels,
	}
}

func (img *Image) Empty() bool {
	return img == nil || img.Width == 0 || img.Height == 0 || len(img.Pix) == 0
}

// SameShape reports whether both images have identical dimensions.
func (img *Image) SameShape(o *Image) bool {
	return o != nil && img.Width == o.Width && img.Height == o.Height && img.Channels == o.Channels
}

func (img *Image) At(x, y int) float64 { return img.Pix[y*img.Width+x] }

func (img *Image) Set(x, y int, v float64) { img.Pix[y*img.Width+x] = v }

// Plane returns the backing slice of channel c.
func (img *Image) Plane(c int) []float64 {
	n := img.Width * img.Height
	return img.Pix[c*n : (c+1)*n]
}

// checkPlane verifies that plane c exists in a non-empty image.
func (img *Image) checkPlane(c int) error {
	if img.Empty() {
		return preconditionf("empty image")
	}
	if c < 0 || c >= img.Channels {
		return preconditionf("plane %d out of range for %d channels", c, img.Channels)
	}
	if len(img.Pix) < img.Width*img.Height*img.Channels {
		return preconditionf("image has %d pixels, %dx%dx%d needs %d", len(img.Pix), img.Width, img.Height, img.Channels, img.Width*img.Height*img.Channels)
	}
	return nil
}

func (img *Image) Clone() *Image {
	pix := make([]float64, len(img.Pix))
	copy(pix, img.Pix)
	return &Image{Pix: pix, Width: img.Width, Height: img.Height, Channels: img.Channels}
}

// Sum returns the total flux over all planes.
func (img *Image) Sum() float64 {
	s := 0.0
	for _, v := range img.Pix {
		s += v
	}
	return s
}

// Normalize scales the image to unit total flux.
func (img *Image) Normalize() {
	s := img.Sum()
	if s == 0 {
		return
	}
	for i := range img.Pix {
		img.Pix[i] /= s
	}
}

// MaxAbsDiff returns the largest absolute pixel difference between two
// images of the same shape.
func (img *Image) MaxAbsDiff(o *Image) float64 {
	d := 0.0
	for i := range img.Pix {
		d = math.Max(d, math.Abs(img.Pix[i]-o.Pix[i]))
	}
	return d
}

// Center returns the pixel coordinate of the stamp center used by the
// Fourier transforms (the zero-frequency pixel after ifftshift).
func (img *Image) Center() (float64, float64) {
	return float64(img.Width / 2), float64(img.Height / 2)
}

func (img *Image) String() string {
	return fmt.Sprintf("{%dx%dx%d, flux=%f}", img.Width, img.Height, img.Channels, img.Sum())
}

// ImageStatistics summarizes the pixel values of a stamp.
type ImageStatistics struct {
	Mean   float64
	StdDev float64
	Median float64
	MAD    float64
	Min    float64
	Max    float64
}

func (s ImageStatistics) String() string {
	return fmt.Sprintf("{Mean=%g, StdDev=%g, Median=%g, MAD=%g, Min=%g, Max=%g}", s.Mean, s.StdDev, s.Median, s.MAD, s.Min, s.Max)
}

// Statistics computes summary statistics over all planes.
func (img *Image) Statistics() ImageStatistics {
	if img.Empty() {
		return ImageStatistics{}
	}
	mean, std := stat.MeanStdDev(img.Pix, nil)
	median, mad := MedianMAD(img.Pix)
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range img.Pix {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return ImageStatistics{Mean: mean, StdDev: std, Median: median, MAD: mad, Min: lo, Max: hi}
}

// MedianMAD returns the median and the normal-consistent median absolute
// deviation of values.
func MedianMAD(values []float64) (float64, float64) {
	if len(values) == 0 {
		return math.NaN(), math.NaN()
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	median := stat.Quantile(0.5, stat.LinInterp, sorted, nil)

	deviations := make([]float64, len(sorted))
	for i, v := range sorted {
		deviations[i] = math.Abs(v - median)
	}
	sort.Float64s(deviations)
	return median, 1.4826 * stat.Quantile(0.5, stat.LinInterp, deviations, nil)
}

// GaussianImage renders a unit-flux elliptical Gaussian of size sigma,
// sheared by g, centered on the stamp center.
func GaussianImage(width, height int, sigma float64, g Shear) *Image {
	img := NewImage(width, height)
	cx, cy := img.Center()
	inv := shearMatrix(g).inverse()
	twoSigma2 := 2 * sigma * sigma
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			u, v := inv.apply(float64(x)-cx, float64(y)-cy)
			img.Set(x, y, math.Exp(-(u*u+v*v)/twoSigma2))
		}
	}
	img.Normalize()
	return img
}

// matrix2 is a small helper for the 2x2 shear transform.
type matrix2 [2][2]float64

// shearMatrix returns the area-preserving shear transform
// S = [[1+g1, g2], [g2, 1-g1]] / sqrt(1-|g|^2).
func shearMatrix(g Shear) matrix2 {
	norm := 1.0 / math.Sqrt(1-g.G1*g.G1-g.G2*g.G2)
	return matrix2{
		{(1 + g.G1) * norm, g.G2 * norm},
		{g.G2 * norm, (1 - g.G1) * norm},
	}
}

func (m matrix2) apply(x, y float64) (float64, float64) {
	return m[0][0]*x + m[0][1]*y, m[1][0]*x + m[1][1]*y
}

func (m matrix2) inverse() matrix2 {
	det := m[0][0]*m[1][1] - m[0][1]*m[1][0]
	return matrix2{
		{m[1][1] / det, -m[0][1] / det},
		{-m[1][0] / det, m[0][0] / det},
	}
}
