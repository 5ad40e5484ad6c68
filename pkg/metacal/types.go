package metacal

import (
	"errors"
	"fmt"
	"math"
)

// ErrPrecondition is wrapped by every input validation failure.
var ErrPrecondition = errors.New("metacal: precondition violated")

func preconditionf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrPrecondition, fmt.Sprintf(format, args...))
}

// Shear is a two component shear (g1, g2). Estimators also report their
// ellipticity measurements with this type.
type Shear struct {
	G1 float64
	G2 float64
}

func (s Shear) String() string {
	return fmt.Sprintf("(%f, %f)", s.G1, s.G2)
}

// Add returns the component-wise sum.
func (s Shear) Add(o Shear) Shear { return Shear{G1: s.G1 + o.G1, G2: s.G2 + o.G2} }

// Magnitude returns |g|.
func (s Shear) Magnitude() float64 { return math.Hypot(s.G1, s.G2) }

// Component returns g1 for axis 0 and g2 for axis 1.
func (s Shear) Component(axis int) float64 {
	if axis == 0 {
		return s.G1
	}
	return s.G2
}

// IsFinite reports whether both components are finite.
func (s Shear) IsFinite() bool {
	return !math.IsNaN(s.G1) && !math.IsInf(s.G1, 0) && !math.IsNaN(s.G2) && !math.IsInf(s.G2, 0)
}

// Label identifies one of the five finite-difference evaluation points.
type Label string

const (
	LabelNoShear Label = "noshear"
	Label1P      Label = "1p"
	Label1M      Label = "1m"
	Label2P      Label = "2p"
	Label2M      Label = "2m"
)

// Labels lists the evaluation points in evaluation order.
var Labels = []Label{LabelNoShear, Label1P, Label1M, Label2P, Label2M}

// offset returns the perturbation applied at this label for a given step.
func (l Label) offset(step float64) Shear {
	switch l {
	case Label1P:
		return Shear{G1: step}
	case Label1M:
		return Shear{G1: -step}
	case Label2P:
		return Shear{G2: step}
	case Label2M:
		return Shear{G2: -step}
	default:
		return Shear{}
	}
}

// Estimates holds the estimator output for every evaluation point, one
// entry per batch element.
type Estimates map[Label][]Shear

// Response is the 2x2 shear response of one galaxy. R[i][j] is the
// derivative of output component i with respect to shear axis j.
type Response [2][2]float64

// Identity is the response of an unbiased shear estimator.
var Identity = Response{{1, 0}, {0, 1}}

// Sub returns r - o.
func (r Response) Sub(o Response) Response {
	var d Response
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			d[i][j] = r[i][j] - o[i][j]
		}
	}
	return d
}

// Transpose returns the transposed matrix.
// Scale multiplies every entry by f.
func (r Response) Scale(f float64) Response {
	return Response{{r[0][0] * f, r[0][1] * f}, {r[1][0] * f, r[1][1] * f}}
}

func (r Response) Transpose() Response {
	return Response{{r[0][0], r[1][0]}, {r[0][1], r[1][1]}}
}

func (r Response) String() string {
	return fmt.Sprintf("[[%f, %f], [%f, %f]]", r[0][0], r[0][1], r[1][0], r[1][1])
}

// ResponseResult is the output of one finite-difference response
// computation over a batch.
type ResponseResult struct {
	Estimates Estimates
	R         []Response
	Shears    []Shear
	Step      float64
	// Images holds the synthesized stamps per label when they were kept.
	Images map[Label][]*Image
}

// MeanResponse averages the per-galaxy responses.
func (r *ResponseResult) MeanResponse() Response {
	var mean Response
	if r == nil || len(r.R) == 0 {
		return mean
	}
	for _, resp := range r.R {
		for i := 0; i < 2; i++ {
			for j := 0; j < 2; j++ {
				mean[i][j] += resp[i][j]
			}
		}
	}
	n := float64(len(r.R))
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			mean[i][j] /= n
		}
	}
	return mean
}

// Batch is a batch of galaxy stamps and their native PSFs. A nil PSF slice
// selects the real-image variant, where the galaxy is not deconvolved.
type Batch struct {
	Gal []*Image
	PSF []*Image
}

// Size returns the number of galaxies in the batch.
func (b Batch) Size() int { return len(b.Gal) }

// Validate checks the batch is internally consistent.
func (b Batch) Validate() error {
	if len(b.Gal) == 0 {
		return preconditionf("empty galaxy batch")
	}
	if b.PSF != nil && len(b.PSF) != len(b.Gal) {
		return preconditionf("batch size mismatch: %d galaxies, %d PSFs", len(b.Gal), len(b.PSF))
	}
	ref := b.Gal[0]
	if ref == nil || ref.Empty() {
		return preconditionf("galaxy 0 is empty")
	}
	for i, g := range b.Gal {
		if g == nil || !g.SameShape(ref) {
			return preconditionf("galaxy %d shape differs from galaxy 0", i)
		}
	}
	for i, p := range b.PSF {
		if p == nil || p.Width != ref.Width || p.Height != ref.Height {
			return preconditionf("psf %d shape differs from the galaxy stamps", i)
		}
	}
	return nil
}
