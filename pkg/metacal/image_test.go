package metacal

import (
	"math"
	"testing"
)

func TestGaussianImageIsNormalizedAndCentered(t *testing.T) {
	for _, size := range []int{20, 21} {
		img := GaussianImage(size, size, 2, Shear{G1: 0.1})
		if math.Abs(img.Sum()-1) > 1e-12 {
			t.Errorf("size %d: flux = %g", size, img.Sum())
		}
		cx, cy := img.Center()
		peak := img.At(int(cx), int(cy))
		for _, v := range img.Pix {
			if v > peak {
				t.Fatalf("size %d: peak is not at the center (%g, %g)", size, cx, cy)
			}
		}
	}
}

func TestShearMatrix(t *testing.T) {
	for _, g := range []Shear{{}, {G1: 0.3}, {G1: -0.2, G2: 0.4}} {
		m := shearMatrix(g)
		det := m[0][0]*m[1][1] - m[0][1]*m[1][0]
		if math.Abs(det-1) > 1e-12 {
			t.Errorf("%v: det = %g, want 1", g, det)
		}
		inv := m.inverse()
		x, y := inv.apply(m.apply(1.5, -2))
		if math.Abs(x-1.5) > 1e-12 || math.Abs(y+2) > 1e-12 {
			t.Errorf("%v: inverse round trip gave (%g, %g)", g, x, y)
		}
	}
}

func TestImageStatistics(t *testing.T) {
	img := NewImage(5, 1)
	copy(img.Pix, []float64{1, 2, 3, 4, 100})
	s := img.Statistics()
	if s.Median < 2 || s.Median > 3 || s.Min != 1 || s.Max != 100 {
		t.Errorf("statistics = %v", s)
	}
	// The outlier must not inflate the robust spread.
	if s.MAD <= 0 || s.MAD > 3 || s.StdDev < 10 {
		t.Errorf("MAD = %g, stddev = %g", s.MAD, s.StdDev)
	}
	if (&Image{}).Statistics() != (ImageStatistics{}) {
		t.Error("statistics of an empty image are not zero")
	}
}

func TestImagePlanesAndClone(t *testing.T) {
	img := NewImageChannels(2, 2, 3)
	img.Plane(2)[3] = 7
	if img.Pix[11] != 7 {
		t.Errorf("plane 2 is not the last block of Pix")
	}
	c := img.Clone()
	c.Pix[11] = 0
	if img.Pix[11] != 7 {
		t.Error("Clone shares pixels")
	}
	if !img.SameShape(c) || img.SameShape(NewImage(2, 2)) {
		t.Error("SameShape is wrong")
	}
	var nilImg *Image
	if !nilImg.Empty() {
		t.Error("nil image is not empty")
	}
}
