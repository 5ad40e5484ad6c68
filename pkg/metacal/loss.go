package metacal

import (
	"context"
	"math"
	"math/rand"
	"sync"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// Loss measures how far an estimator's metacalibration response is from
// identity on randomly sheared versions of a batch.
type Loss struct {
	Response   *ResponseEstimator
	ReconvPSF  *Image
	ShearRange float64
	Step       float64
	Norm       LossNorm
	Logger     logrus.FieldLogger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewLoss builds a Loss from params. rng supplies the shear draws; pass a
// seeded source for reproducible losses.
func NewLoss(p *Params, synth Synthesizer, est Estimator, reconvPSF *Image, rng *rand.Rand) (*Loss, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(p.Seed))
	}
	return &Loss{
		Response:   NewResponseEstimator(synth, est, p.Concurrent, rng.Int63()),
		ReconvPSF:  reconvPSF,
		ShearRange: p.ShearRange,
		Step:       p.Step,
		Norm:       p.Norm,
		Logger:     logrus.StandardLogger(),
		rng:        rng,
	}, nil
}

// SampleShears draws one shear per galaxy, each component uniform in
// [-ShearRange, ShearRange].
func (l *Loss) SampleShears(n int) []Shear {
	l.mu.Lock()
	defer l.mu.Unlock()
	shears := make([]Shear, n)
	for i := range shears {
		shears[i] = Shear{
			G1: (2*l.rng.Float64() - 1) * l.ShearRange,
			G2: (2*l.rng.Float64() - 1) * l.ShearRange,
		}
	}
	return shears
}

// Evaluate returns the distance of the batch response from identity along
// with the response itself. Every call consumes fresh randomness.
func (l *Loss) Evaluate(ctx context.Context, batch Batch) (float64, *ResponseResult, error) {
	if err := batch.Validate(); err != nil {
		return 0, nil, err
	}
	shears := l.SampleShears(batch.Size())
	res, err := l.Response.Compute(ctx, batch, l.ReconvPSF, shears, l.Step)
	if err != nil {
		return 0, nil, err
	}
	loss := ResponseDistance(res.R, l.Norm)
	if l.Logger != nil {
		l.Logger.WithFields(logrus.Fields{
			"batch": batch.Size(),
			"norm":  l.Norm,
			"loss":  loss,
		}).Debug("metacal loss")
	}
	return loss, res, nil
}

// ResponseDistance aggregates the distance between every response and the
// identity matrix.
func ResponseDistance(rs []Response, norm LossNorm) float64 {
	if len(rs) == 0 {
		return 0
	}
	switch norm {
	case NormFlat:
		sum := 0.0
		for _, r := range rs {
			d := r.Sub(Identity)
			for i := 0; i < 2; i++ {
				for j := 0; j < 2; j++ {
					sum += d[i][j] * d[i][j]
				}
			}
		}
		return math.Sqrt(sum)
	case NormSpectral:
		total := 0.0
		for _, r := range rs {
			total += spectralNorm(r.Sub(Identity))
		}
		return total / float64(len(rs))
	default:
		total := 0.0
		for _, r := range rs {
			total += mat.Norm(responseDense(r.Sub(Identity)), 2)
		}
		return total / float64(len(rs))
	}
}

func responseDense(r Response) *mat.Dense {
	return mat.NewDense(2, 2, []float64{r[0][0], r[0][1], r[1][0], r[1][1]})
}

// spectralNorm returns the largest singular value of r.
func spectralNorm(r Response) float64 {
	var svd mat.SVD
	if !svd.Factorize(responseDense(r), mat.SVDNone) {
		return math.NaN()
	}
	return svd.Values(nil)[0]
}

// distanceGradient returns ResponseDistance together with its gradient
// with respect to every response. Where the norm is not differentiable
// (R_b = I) the zero subgradient is used.
func distanceGradient(rs []Response, norm LossNorm) (float64, []Response) {
	value := ResponseDistance(rs, norm)
	grads := make([]Response, len(rs))
	nb := float64(len(rs))
	for b, r := range rs {
		d := r.Sub(Identity)
		switch norm {
		case NormFlat:
			if value > 0 {
				grads[b] = d.Scale(1 / value)
			}
		case NormSpectral:
			grads[b] = spectralGradient(d).Scale(1 / nb)
		default:
			if f := mat.Norm(responseDense(d), 2); f > 0 {
				grads[b] = d.Scale(1 / (f * nb))
			}
		}
	}
	return value, grads
}

// spectralGradient returns u1 v1^T, the gradient of the largest singular
// value of r.
func spectralGradient(r Response) Response {
	var svd mat.SVD
	if !svd.Factorize(responseDense(r), mat.SVDThin) {
		return Response{}
	}
	if svd.Values(nil)[0] == 0 {
		return Response{}
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	var g Response
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			g[i][j] = u.At(i, 0) * v.At(j, 0)
		}
	}
	return g
}
