package metacal

import (
	"context"
	"fmt"
	"math"
)

// Moments holds the flux-weighted centroid and second moments of a stamp.
type Moments struct {
	Flux float64
	X, Y float64
	Qxx  float64
	Qyy  float64
	Qxy  float64
}

// Distortion returns (Qxx-Qyy, 2Qxy) / (Qxx+Qyy).
func (m Moments) Distortion() Shear {
	t := m.Qxx + m.Qyy
	if t == 0 {
		return Shear{}
	}
	return Shear{G1: (m.Qxx - m.Qyy) / t, G2: 2 * m.Qxy / t}
}

// Size returns the determinant radius sqrt(sqrt(Qxx Qyy - Qxy^2)).
func (m Moments) Size() float64 {
	return math.Sqrt(math.Sqrt(math.Max(0, m.Qxx*m.Qyy-m.Qxy*m.Qxy)))
}

// MeasureMoments computes moments of plane c. A positive weightSigma
// applies a round Gaussian weight centered on the stamp center.
func MeasureMoments(img *Image, c int, weightSigma float64) (Moments, error) {
	if err := img.checkPlane(c); err != nil {
		return Moments{}, err
	}
	plane := img.Plane(c)
	cx, cy := img.Center()

	weight := func(x, y float64) float64 {
		if weightSigma <= 0 {
			return 1
		}
		dx, dy := x-cx, y-cy
		return math.Exp(-(dx*dx + dy*dy) / (2 * weightSigma * weightSigma))
	}

	var m Moments
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			v := plane[y*img.Width+x] * weight(float64(x), float64(y))
			m.Flux += v
			m.X += v * float64(x)
			m.Y += v * float64(y)
		}
	}
	if m.Flux == 0 {
		return m, nil
	}
	m.X /= m.Flux
	m.Y /= m.Flux

	for y := 0; y < img.Height; y++ {
		dy := float64(y) - m.Y
		for x := 0; x < img.Width; x++ {
			dx := float64(x) - m.X
			v := plane[y*img.Width+x] * weight(float64(x), float64(y))
			m.Qxx += v * dx * dx
			m.Qyy += v * dy * dy
			m.Qxy += v * dx * dy
		}
	}
	m.Qxx /= m.Flux
	m.Qyy /= m.Flux
	m.Qxy /= m.Flux
	return m, nil
}

// MomentsEstimator reports the second-moment distortion of the first plane.
type MomentsEstimator struct {
	// WeightSigma enables Gaussian weighting when > 0.
	WeightSigma float64
}

func (e MomentsEstimator) Estimate(ctx context.Context, images []*Image) ([]Shear, error) {
	out := make([]Shear, len(images))
	for i, img := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, err := MeasureMoments(img, 0, e.WeightSigma)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		out[i] = m.Distortion()
	}
	return out, nil
}
