package metacal

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"
)

func testSynth() *FourierSynthesizer {
	return &FourierSynthesizer{PadFactor: 3, NoiseSigma: 1e-6, MaskRadius: 0.5}
}

func TestSynthesizeNoOpRoundTrip(t *testing.T) {
	const size = 31
	gal := GaussianImage(size, size, 2.5, Shear{G1: 0.2, G2: 0.1})
	psf := GaussianImage(size, size, 1.5, Shear{})

	out, err := testSynth().Synthesize(context.Background(), SynthRequest{
		Gal:       []*Image{gal},
		PSF:       []*Image{psf},
		ReconvPSF: psf,
		Shears:    []Shear{{}},
		Noise:     rand.New(rand.NewSource(7)),
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(out) != 1 || !out[0].SameShape(gal) {
		t.Fatalf("unexpected output %v", out)
	}
	if d := out[0].MaxAbsDiff(gal); d > 1e-5 {
		t.Errorf("no-op synthesis changed the image by %g", d)
	}
}

func TestSynthesizeWithoutNoiseIsDeterministic(t *testing.T) {
	const size = 25
	gal := GaussianImage(size, size, 2, Shear{G1: -0.1})
	psf := GaussianImage(size, size, 1.5, Shear{})
	req := SynthRequest{
		Gal:       []*Image{gal},
		PSF:       []*Image{psf},
		ReconvPSF: GaussianImage(size, size, 1.8, Shear{}),
		Shears:    []Shear{{G1: 0.02, G2: -0.01}},
	}
	a, err := testSynth().Synthesize(context.Background(), req)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	b, err := testSynth().Synthesize(context.Background(), req)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if d := a[0].MaxAbsDiff(b[0]); d != 0 {
		t.Errorf("repeated synthesis differs by %g", d)
	}
}

// analyticDistortion is the distortion of a round Gaussian of size sigma
// sheared by g and convolved with a round Gaussian of size psfSigma.
func analyticDistortion(sigma, psfSigma float64, g Shear) Shear {
	s := shearMatrix(g)
	var cov matrix2
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			for k := 0; k < 2; k++ {
				cov[i][j] += sigma * sigma * s[i][k] * s[k][j]
			}
		}
	}
	cov[0][0] += psfSigma * psfSigma
	cov[1][1] += psfSigma * psfSigma
	t := cov[0][0] + cov[1][1]
	return Shear{G1: (cov[0][0] - cov[1][1]) / t, G2: 2 * cov[0][1] / t}
}

func TestSynthesizeShearMatchesAnalyticGaussian(t *testing.T) {
	const (
		size     = 41
		galSigma = 2.0
		psfSigma = 1.5
	)
	gal := GaussianImage(size, size, galSigma, Shear{})
	reconv := GaussianImage(size, size, psfSigma, Shear{})

	tests := []Shear{
		{G1: 0.05},
		{G2: 0.05},
		{G1: -0.03, G2: 0.04},
	}
	for _, g := range tests {
		out, err := testSynth().Synthesize(context.Background(), SynthRequest{
			Gal:       []*Image{gal},
			ReconvPSF: reconv,
			Shears:    []Shear{g},
		})
		if err != nil {
			t.Fatalf("shear %v: %v", g, err)
		}
		if flux := out[0].Sum(); math.Abs(flux-1) > 1e-3 {
			t.Errorf("shear %v: flux %g, want 1", g, flux)
		}
		got := mustMoments(t, out[0], 0).Distortion()
		want := analyticDistortion(galSigma, psfSigma, g)
		if math.Abs(got.G1-want.G1) > 3e-3 || math.Abs(got.G2-want.G2) > 3e-3 {
			t.Errorf("shear %v: distortion %v, want %v", g, got, want)
		}
	}
}

func TestSynthesizeRejectsInvalidRequests(t *testing.T) {
	gal := GaussianImage(21, 21, 2, Shear{})
	psf := GaussianImage(21, 21, 1.5, Shear{})
	rect := GaussianImage(21, 19, 2, Shear{})

	tests := []struct {
		name  string
		synth *FourierSynthesizer
		req   SynthRequest
	}{
		{"empty batch", testSynth(), SynthRequest{ReconvPSF: psf}},
		{"shear count", testSynth(), SynthRequest{Gal: []*Image{gal, gal}, ReconvPSF: psf, Shears: []Shear{{}}}},
		{"psf count", testSynth(), SynthRequest{Gal: []*Image{gal, gal}, PSF: []*Image{psf}, ReconvPSF: psf, Shears: []Shear{{}, {}}}},
		{"shear too large", testSynth(), SynthRequest{Gal: []*Image{gal}, ReconvPSF: psf, Shears: []Shear{{G1: 0.8, G2: 0.7}}}},
		{"nan shear", testSynth(), SynthRequest{Gal: []*Image{gal}, ReconvPSF: psf, Shears: []Shear{{G1: math.NaN()}}}},
		{"missing reconv psf", testSynth(), SynthRequest{Gal: []*Image{gal}, Shears: []Shear{{}}}},
		{"reconv psf size", testSynth(), SynthRequest{Gal: []*Image{gal}, ReconvPSF: GaussianImage(15, 15, 1, Shear{}), Shears: []Shear{{}}}},
		{"not square", testSynth(), SynthRequest{Gal: []*Image{rect}, ReconvPSF: GaussianImage(21, 19, 1, Shear{}), Shears: []Shear{{}}}},
		{"even pad factor", &FourierSynthesizer{PadFactor: 2, MaskRadius: 0.5}, SynthRequest{Gal: []*Image{gal}, ReconvPSF: psf, Shears: []Shear{{}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.synth.Synthesize(context.Background(), tt.req)
			if !errors.Is(err, ErrPrecondition) {
				t.Errorf("got %v, want a precondition error", err)
			}
		})
	}
}

func TestSynthesizeHonoursCancellation(t *testing.T) {
	gal := GaussianImage(21, 21, 2, Shear{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := testSynth().Synthesize(ctx, SynthRequest{
		Gal:       []*Image{gal},
		ReconvPSF: gal,
		Shears:    []Shear{{}},
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestShearKImageZeroShearCopies(t *testing.T) {
	g := randomGrid(9, 11)
	out := shearKImage(g, Shear{})
	if out == g {
		t.Fatal("shearKImage returned its input")
	}
	if d := maxGridDiff(g, out); d != 0 {
		t.Errorf("zero shear changed the k-image by %g", d)
	}
}
