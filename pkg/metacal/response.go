package metacal

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Estimator maps a batch of stamps to one 2-vector estimate per stamp.
// Implementations must be safe for concurrent use.
type Estimator interface {
	Estimate(ctx context.Context, images []*Image) ([]Shear, error)
}

// EstimatorFunc adapts a plain function to Estimator.
type EstimatorFunc func(ctx context.Context, images []*Image) ([]Shear, error)

func (f EstimatorFunc) Estimate(ctx context.Context, images []*Image) ([]Shear, error) {
	return f(ctx, images)
}

// ResponseEstimator computes finite-difference metacalibration responses.
type ResponseEstimator struct {
	Synth      Synthesizer
	Estimator  Estimator
	Concurrent bool
	KeepImages bool
	Logger     logrus.FieldLogger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewResponseEstimator wires a synthesizer and an estimator. seed drives
// the per-evaluation pixel noise.
func NewResponseEstimator(synth Synthesizer, est Estimator, concurrent bool, seed int64) *ResponseEstimator {
	return &ResponseEstimator{
		Synth:      synth,
		Estimator:  est,
		Concurrent: concurrent,
		Logger:     logrus.StandardLogger(),
		rng:        rand.New(rand.NewSource(seed)),
	}
}

type evaluation struct {
	label     Label
	images    []*Image
	estimates []Shear
	err       error
}

// Compute evaluates the estimator on five synthetic versions of the batch:
// at the base shear and at +-step along each shear axis. The response of
// galaxy b is R[i][j] = (g_i(+step_j) - g_i(-step_j)) / (2 step).
// With KeepImages set the result also carries the synthesized images.
func (r *ResponseEstimator) Compute(ctx context.Context, batch Batch, reconvPSF *Image, shears []Shear, step float64) (*ResponseResult, error) {
	return r.compute(ctx, batch, reconvPSF, shears, step, r.KeepImages)
}

func (r *ResponseEstimator) compute(ctx context.Context, batch Batch, reconvPSF *Image, shears []Shear, step float64, keep bool) (*ResponseResult, error) {
	perturbed, err := checkRequest(batch, reconvPSF, shears, step)
	if err != nil {
		return nil, err
	}

	// Seeds are drawn up front so that results do not depend on scheduling.
	seeds := r.drawSeeds(len(Labels))

	results := make([]evaluation, len(Labels))
	run := func(i int) {
		label := Labels[i]
		results[i] = evaluation{label: label}
		results[i].images, results[i].estimates, results[i].err = r.evaluate(ctx, batch, reconvPSF, perturbed[label], label, seeds[i])
	}

	if r.Concurrent {
		var wg sync.WaitGroup
		for i := range Labels {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				run(i)
			}(i)
		}
		wg.Wait()
	} else {
		for i := range Labels {
			run(i)
			if results[i].err != nil {
				break
			}
		}
	}

	estimates := make(Estimates, len(Labels))
	var images map[Label][]*Image
	if keep {
		images = make(map[Label][]*Image, len(Labels))
	}
	for _, res := range results {
		if res.err != nil {
			return nil, fmt.Errorf("evaluating %s: %w", res.label, res.err)
		}
		estimates[res.label] = res.estimates
		if keep {
			images[res.label] = res.images
		}
	}

	return &ResponseResult{
		Estimates: estimates,
		R:         assembleResponse(estimates, step, batch.Size()),
		Shears:    shears,
		Step:      step,
		Images:    images,
	}, nil
}

// checkRequest validates a response request and returns the shears
// evaluated at every label.
func checkRequest(batch Batch, reconvPSF *Image, shears []Shear, step float64) (map[Label][]Shear, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	if len(shears) != batch.Size() {
		return nil, preconditionf("batch size mismatch: %d galaxies, %d shears", batch.Size(), len(shears))
	}
	if step == 0 || math.IsNaN(step) || math.IsInf(step, 0) {
		return nil, preconditionf("step must be finite and non-zero (got %g)", step)
	}
	if reconvPSF.Empty() {
		return nil, preconditionf("reconvolution psf is empty")
	}
	return perturbShears(shears, step)
}

// perturbShears returns the shears evaluated at every label.
func perturbShears(shears []Shear, step float64) (map[Label][]Shear, error) {
	perturbed := make(map[Label][]Shear, len(Labels))
	for _, label := range Labels {
		off := label.offset(step)
		gs := make([]Shear, len(shears))
		for i, s := range shears {
			gs[i] = s.Add(off)
			if err := checkShear(gs[i]); err != nil {
				return nil, preconditionf("%s shear of galaxy %d: %v", label, i, err)
			}
		}
		perturbed[label] = gs
	}
	return perturbed, nil
}

// SynthesizeAll returns five synthesized versions of the batch keyed by
// label, without running the estimator. Noise is drawn from the next
// seeds, so the images differ from those of an earlier Compute call; use
// KeepImages to get the images an estimate was made on.
func (r *ResponseEstimator) SynthesizeAll(ctx context.Context, batch Batch, reconvPSF *Image, shears []Shear, step float64) (map[Label][]*Image, error) {
	perturbed, err := checkRequest(batch, reconvPSF, shears, step)
	if err != nil {
		return nil, err
	}
	seeds := r.drawSeeds(len(Labels))
	out := make(map[Label][]*Image, len(Labels))
	for i, label := range Labels {
		images, err := r.Synth.Synthesize(ctx, SynthRequest{
			Gal:       batch.Gal,
			PSF:       batch.PSF,
			ReconvPSF: reconvPSF,
			Shears:    perturbed[label],
			Noise:     rand.New(rand.NewSource(seeds[i])),
		})
		if err != nil {
			return nil, fmt.Errorf("synthesizing %s: %w", label, err)
		}
		out[label] = images
	}
	return out, nil
}

func (r *ResponseEstimator) drawSeeds(n int) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rng == nil {
		r.rng = rand.New(rand.NewSource(1))
	}
	seeds := make([]int64, n)
	for i := range seeds {
		seeds[i] = r.rng.Int63()
	}
	return seeds
}

func (r *ResponseEstimator) evaluate(ctx context.Context, batch Batch, reconvPSF *Image, shears []Shear, label Label, seed int64) ([]*Image, []Shear, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	start := time.Now()
	images, err := r.Synth.Synthesize(ctx, SynthRequest{
		Gal:       batch.Gal,
		PSF:       batch.PSF,
		ReconvPSF: reconvPSF,
		Shears:    shears,
		Noise:     rand.New(rand.NewSource(seed)),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("synthesizing: %w", err)
	}
	synthTime := time.Since(start)

	start = time.Now()
	estimates, err := r.Estimator.Estimate(ctx, images)
	if err != nil {
		return nil, nil, fmt.Errorf("estimating: %w", err)
	}
	if len(estimates) != len(images) {
		return nil, nil, preconditionf("estimator returned %d estimates for %d images", len(estimates), len(images))
	}
	if r.Logger != nil {
		r.Logger.WithFields(logrus.Fields{
			"label":       label,
			"batch":       len(images),
			"synth_ms":    synthTime.Seconds() * 1000,
			"estimate_ms": time.Since(start).Seconds() * 1000,
		}).Debug("metacal evaluation")
	}
	return images, estimates, nil
}

// assembleResponse builds the per-galaxy 2x2 centered-difference response.
func assembleResponse(est Estimates, step float64, batchSize int) []Response {
	denom := 2 * step
	out := make([]Response, batchSize)
	for b := 0; b < batchSize; b++ {
		g1p, g1m := est[Label1P][b], est[Label1M][b]
		g2p, g2m := est[Label2P][b], est[Label2M][b]
		r11 := (g1p.G1 - g1m.G1) / denom
		r21 := (g1p.G2 - g1m.G2) / denom
		r12 := (g2p.G1 - g2m.G1) / denom
		r22 := (g2p.G2 - g2m.G2) / denom
		// Rows are output components, columns the perturbed shear axis.
		out[b] = Response{{r11, r21}, {r12, r22}}.Transpose()
	}
	return out
}
