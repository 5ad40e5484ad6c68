package metacal

import (
	"context"
	"errors"
	"math"
	"testing"
)

// shearEncoder is a Synthesizer that writes the requested shear into the
// first two pixels of every output stamp.
type shearEncoder struct{}

func (shearEncoder) Synthesize(_ context.Context, req SynthRequest) ([]*Image, error) {
	out := make([]*Image, len(req.Gal))
	for i, gal := range req.Gal {
		img := NewImageChannels(gal.Width, gal.Height, gal.Channels)
		img.Pix[0] = req.Shears[i].G1
		img.Pix[1] = req.Shears[i].G2
		out[i] = img
	}
	return out, nil
}

// linearEstimator reads the encoded shear back and applies a fixed 2x2 map.
func linearEstimator(a Response) Estimator {
	return EstimatorFunc(func(_ context.Context, images []*Image) ([]Shear, error) {
		out := make([]Shear, len(images))
		for i, img := range images {
			g1, g2 := img.Pix[0], img.Pix[1]
			out[i] = Shear{
				G1: a[0][0]*g1 + a[0][1]*g2,
				G2: a[1][0]*g1 + a[1][1]*g2,
			}
		}
		return out, nil
	})
}

func constantEstimator(v Shear) Estimator {
	return EstimatorFunc(func(_ context.Context, images []*Image) ([]Shear, error) {
		out := make([]Shear, len(images))
		for i := range out {
			out[i] = v
		}
		return out, nil
	})
}

func stampBatch(n, size int) Batch {
	b := Batch{}
	for i := 0; i < n; i++ {
		b.Gal = append(b.Gal, GaussianImage(size, size, 2.5, Shear{}))
		b.PSF = append(b.PSF, GaussianImage(size, size, 1.5, Shear{}))
	}
	return b
}

func testShears() []Shear {
	return []Shear{{G1: 0.05, G2: -0.02}, {G1: -0.08}, {G2: 0.09}, {G1: 0.01, G2: 0.01}}
}

func assertResponse(t *testing.T, got, want Response, tol float64) {
	t.Helper()
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if math.Abs(got[i][j]-want[i][j]) > tol {
				t.Errorf("R = %v, want %v", got, want)
				return
			}
		}
	}
}

func TestResponseOfIdentityEstimator(t *testing.T) {
	for _, step := range []float64{0.001, 0.01, 0.05} {
		for _, concurrent := range []bool{false, true} {
			r := NewResponseEstimator(shearEncoder{}, linearEstimator(Identity), concurrent, 1)
			batch := stampBatch(4, 21)
			res, err := r.Compute(context.Background(), batch, batch.PSF[0], testShears(), step)
			if err != nil {
				t.Fatalf("step %g: %v", step, err)
			}
			if len(res.R) != 4 {
				t.Fatalf("step %g: %d responses, want 4", step, len(res.R))
			}
			for _, resp := range res.R {
				assertResponse(t, resp, Identity, 1e-9)
			}
		}
	}
}

func TestResponseOfConstantEstimatorIsZero(t *testing.T) {
	r := NewResponseEstimator(shearEncoder{}, constantEstimator(Shear{G1: 0.3, G2: -0.2}), true, 1)
	batch := stampBatch(4, 21)
	for _, step := range []float64{0.01, -0.02} {
		res, err := r.Compute(context.Background(), batch, batch.PSF[0], testShears(), step)
		if err != nil {
			t.Fatalf("step %g: %v", step, err)
		}
		for _, resp := range res.R {
			assertResponse(t, resp, Response{}, 0)
		}
	}
}

func TestResponseOrientation(t *testing.T) {
	a := Response{{0.9, 0.2}, {-0.1, 1.3}}
	r := NewResponseEstimator(shearEncoder{}, linearEstimator(a), false, 1)
	batch := stampBatch(2, 21)
	res, err := r.Compute(context.Background(), batch, batch.PSF[0], testShears()[:2], 0.01)
	if err != nil {
		t.Fatal(err)
	}
	for _, resp := range res.R {
		assertResponse(t, resp, a, 1e-9)
	}
}

// swappedAxes relabels shear axis 1 as axis 2 on the way in and out.
type swappedAxes struct{ inner Synthesizer }

func (s swappedAxes) Synthesize(ctx context.Context, req SynthRequest) ([]*Image, error) {
	swapped := make([]Shear, len(req.Shears))
	for i, g := range req.Shears {
		swapped[i] = Shear{G1: g.G2, G2: g.G1}
	}
	req.Shears = swapped
	return s.inner.Synthesize(ctx, req)
}

func TestResponseAxisRelabelling(t *testing.T) {
	a := Response{{0.9, 0.2}, {-0.1, 1.3}}
	est := linearEstimator(a)
	swappedEst := EstimatorFunc(func(ctx context.Context, images []*Image) ([]Shear, error) {
		out, err := est.Estimate(ctx, images)
		for i, g := range out {
			out[i] = Shear{G1: g.G2, G2: g.G1}
		}
		return out, err
	})

	batch := stampBatch(1, 21)
	shears := []Shear{{G1: 0.02, G2: -0.04}}
	plain, err := NewResponseEstimator(shearEncoder{}, est, false, 1).Compute(context.Background(), batch, batch.PSF[0], shears, 0.01)
	if err != nil {
		t.Fatal(err)
	}
	swapped, err := NewResponseEstimator(swappedAxes{shearEncoder{}}, swappedEst, false, 1).Compute(context.Background(), batch, batch.PSF[0], shears, 0.01)
	if err != nil {
		t.Fatal(err)
	}

	p, s := plain.R[0], swapped.R[0]
	want := Response{{p[1][1], p[1][0]}, {p[0][1], p[0][0]}}
	assertResponse(t, s, want, 1e-9)
}

func TestResponseEstimatesCoverEveryLabel(t *testing.T) {
	r := NewResponseEstimator(shearEncoder{}, linearEstimator(Identity), true, 1)
	batch := stampBatch(2, 21)
	shears := []Shear{{G1: 0.05}, {G2: -0.05}}
	res, err := r.Compute(context.Background(), batch, batch.PSF[0], shears, 0.01)
	if err != nil {
		t.Fatal(err)
	}
	for _, label := range Labels {
		est := res.Estimates[label]
		if len(est) != 2 {
			t.Fatalf("%s: %d estimates, want 2", label, len(est))
		}
		want := shears[1].Add(label.offset(0.01))
		if math.Abs(est[1].G1-want.G1) > 1e-12 || math.Abs(est[1].G2-want.G2) > 1e-12 {
			t.Errorf("%s: estimate %v, want %v", label, est[1], want)
		}
	}
	mean := res.MeanResponse()
	assertResponse(t, mean, Identity, 1e-9)
}

func TestResponseRejectsBadInput(t *testing.T) {
	batch := stampBatch(2, 21)
	r := NewResponseEstimator(shearEncoder{}, linearEstimator(Identity), false, 1)
	tests := []struct {
		name   string
		batch  Batch
		reconv *Image
		shears []Shear
		step   float64
	}{
		{"zero step", batch, batch.PSF[0], []Shear{{}, {}}, 0},
		{"nan step", batch, batch.PSF[0], []Shear{{}, {}}, math.NaN()},
		{"shear count", batch, batch.PSF[0], []Shear{{}}, 0.01},
		{"psf count", Batch{Gal: batch.Gal, PSF: batch.PSF[:1]}, batch.PSF[0], []Shear{{}, {}}, 0.01},
		{"perturbed shear leaves the unit disk", batch, batch.PSF[0], []Shear{{G1: 0.995}, {}}, 0.01},
		{"non-finite shear", batch, batch.PSF[0], []Shear{{G2: math.Inf(1)}, {}}, 0.01},
		{"missing reconv psf", batch, nil, []Shear{{}, {}}, 0.01},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Compute(context.Background(), tt.batch, tt.reconv, tt.shears, tt.step)
			if !errors.Is(err, ErrPrecondition) {
				t.Errorf("got %v, want a precondition error", err)
			}
		})
	}
}

func TestResponseRejectsShortEstimates(t *testing.T) {
	short := EstimatorFunc(func(context.Context, []*Image) ([]Shear, error) {
		return []Shear{{}}, nil
	})
	batch := stampBatch(2, 21)
	r := NewResponseEstimator(shearEncoder{}, short, true, 1)
	_, err := r.Compute(context.Background(), batch, batch.PSF[0], []Shear{{}, {}}, 0.01)
	if !errors.Is(err, ErrPrecondition) {
		t.Errorf("got %v, want a precondition error", err)
	}
}

func TestResponseWithMomentsOnRoundGalaxy(t *testing.T) {
	const (
		size     = 41
		galSigma = 2.0
		psfSigma = 1.5
	)
	synth := &FourierSynthesizer{PadFactor: 3, MaskRadius: 0.5}
	r := NewResponseEstimator(synth, MomentsEstimator{}, true, 1)
	batch := Batch{Gal: []*Image{GaussianImage(size, size, galSigma, Shear{})}}
	reconv := GaussianImage(size, size, psfSigma, Shear{})

	res, err := r.Compute(context.Background(), batch, reconv, []Shear{{}}, 0.01)
	if err != nil {
		t.Fatal(err)
	}
	// d e / d g at g=0 for a round Gaussian seen through a round PSF.
	diag := 4 * galSigma * galSigma / (2*galSigma*galSigma + 2*psfSigma*psfSigma)
	assertResponse(t, res.R[0], Response{{diag, 0}, {0, diag}}, 0.03)
}

func TestSynthesizeAllReturnsEveryLabel(t *testing.T) {
	r := NewResponseEstimator(shearEncoder{}, linearEstimator(Identity), false, 1)
	batch := stampBatch(3, 21)
	out, err := r.SynthesizeAll(context.Background(), batch, batch.PSF[0], []Shear{{}, {}, {}}, 0.02)
	if err != nil {
		t.Fatal(err)
	}
	for _, label := range Labels {
		images := out[label]
		if len(images) != 3 {
			t.Fatalf("%s: %d images, want 3", label, len(images))
		}
		want := label.offset(0.02)
		if images[0].Pix[0] != want.G1 || images[0].Pix[1] != want.G2 {
			t.Errorf("%s: synthesized with (%g, %g), want %v", label, images[0].Pix[0], images[0].Pix[1], want)
		}
	}
}

func TestComputeKeepsSynthesizedImages(t *testing.T) {
	r := NewResponseEstimator(shearEncoder{}, linearEstimator(Identity), true, 1)
	batch := stampBatch(2, 21)
	res, err := r.Compute(context.Background(), batch, batch.PSF[0], []Shear{{}, {}}, 0.02)
	if err != nil {
		t.Fatal(err)
	}
	if res.Images != nil {
		t.Error("images kept without KeepImages")
	}

	r.KeepImages = true
	res, err = r.Compute(context.Background(), batch, batch.PSF[0], []Shear{{G1: 0.1}, {}}, 0.02)
	if err != nil {
		t.Fatal(err)
	}
	for _, label := range Labels {
		images := res.Images[label]
		if len(images) != 2 {
			t.Fatalf("%s: %d images kept, want 2", label, len(images))
		}
		est := res.Estimates[label][0]
		if images[0].Pix[0] != est.G1 || images[0].Pix[1] != est.G2 {
			t.Errorf("%s: kept image encodes (%g, %g), estimate was %v", label, images[0].Pix[0], images[0].Pix[1], est)
		}
	}
}

func TestSynthesizeAllValidatesLikeCompute(t *testing.T) {
	r := NewResponseEstimator(shearEncoder{}, nil, false, 1)
	batch := stampBatch(2, 21)
	shears := []Shear{{}, {}}
	tests := []struct {
		name   string
		reconv *Image
		step   float64
	}{
		{"zero step", batch.PSF[0], 0},
		{"nan step", batch.PSF[0], math.NaN()},
		{"missing reconvolution psf", nil, 0.01},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.SynthesizeAll(context.Background(), batch, tt.reconv, shears, tt.step); !errors.Is(err, ErrPrecondition) {
				t.Errorf("got %v, want a precondition error", err)
			}
		})
	}
}
