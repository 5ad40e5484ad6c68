package metacal

import (
	"context"
	"fmt"
	"math/cmplx"
	"math/rand"
)

// deconvolutionFloor keeps the PSF division finite where the PSF
// amplitude vanishes.
const deconvolutionFloor = 1e-10

// SynthRequest is one call to the image synthesis primitive.
type SynthRequest struct {
	Gal []*Image
	// PSF is the native PSF of each galaxy. Nil skips the deconvolution.
	PSF []*Image
	// ReconvPSF is the target PSF applied after shearing.
	ReconvPSF *Image
	Shears    []Shear
	// Noise draws the Gaussian pixel noise. Nil disables it.
	Noise *rand.Rand
}

// Synthesizer produces sheared, reconvolved versions of galaxy stamps.
// Implementations must return one image per galaxy with the galaxy's shape.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) ([]*Image, error)
}

// FourierSynthesizer deconvolves, shears and reconvolves stamps in Fourier
// space on a grid padded by PadFactor stamp widths.
type FourierSynthesizer struct {
	PadFactor  int
	NoiseSigma float64
	// MaskRadius limits the k-image to |k| <= MaskRadius cycles per pixel.
	MaskRadius float64
}

// NewFourierSynthesizer builds a synthesizer from validated params.
func NewFourierSynthesizer(p *Params) *FourierSynthesizer {
	return &FourierSynthesizer{
		PadFactor:  p.PadFactor,
		NoiseSigma: p.NoiseSigma,
		MaskRadius: p.MaskRadius,
	}
}

func (s *FourierSynthesizer) validate(req SynthRequest) error {
	batch := Batch{Gal: req.Gal, PSF: req.PSF}
	if err := batch.Validate(); err != nil {
		return err
	}
	if len(req.Shears) != len(req.Gal) {
		return preconditionf("batch size mismatch: %d galaxies, %d shears", len(req.Gal), len(req.Shears))
	}
	ref := req.Gal[0]
	if req.ReconvPSF.Empty() || req.ReconvPSF.Width != ref.Width || req.ReconvPSF.Height != ref.Height {
		return preconditionf("reconvolution psf must match the %dx%d stamp size", ref.Width, ref.Height)
	}
	if ref.Width != ref.Height {
		return preconditionf("stamps must be square, got %dx%d", ref.Width, ref.Height)
	}
	if s.PadFactor < 1 || s.PadFactor%2 == 0 {
		return preconditionf("pad factor must be a positive odd number, got %d", s.PadFactor)
	}
	for i, g := range req.Shears {
		if err := checkShear(g); err != nil {
			return preconditionf("shear %d: %v", i, err)
		}
	}
	return nil
}

// Synthesize implements Synthesizer.
func (s *FourierSynthesizer) Synthesize(ctx context.Context, req SynthRequest) ([]*Image, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	ref := req.Gal[0]
	size := ref.Width
	n := size * s.PadFactor
	mask := circularMask(n, s.MaskRadius)

	reconv := s.psfTransform(req.ReconvPSF.Plane(0), size, n)
	for i := range reconv.data {
		reconv.data[i] *= complex(mask[i], 0)
	}

	out := make([]*Image, len(req.Gal))
	for b, gal := range req.Gal {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var kpsf *kGrid
		if req.PSF != nil {
			kpsf = s.psfTransform(req.PSF[b].Plane(0), size, n)
		}
		dst := NewImageChannels(gal.Width, gal.Height, gal.Channels)
		for c := 0; c < gal.Channels; c++ {
			imk := centeredTransform(padPlane(gal.Plane(c), size, size, n))
			deconvolve(imk, kpsf, mask)
			sheared := shearKImage(imk, req.Shears[b])
			for i := range sheared.data {
				sheared.data[i] *= reconv.data[i]
			}
			cropPlane(inverseCentered(sheared), size, size, dst.Plane(c))
		}
		if req.Noise != nil && s.NoiseSigma > 0 {
			for i := range dst.Pix {
				dst.Pix[i] += req.Noise.NormFloat64() * s.NoiseSigma
			}
		}
		out[b] = dst
	}
	return out, nil
}

func (s *FourierSynthesizer) psfTransform(plane []float64, size, n int) *kGrid {
	return amplitudeTransform(padPlane(plane, size, size, n))
}

// deconvolve divides imk by the PSF amplitude inside the mask. With a nil
// PSF only the mask is applied.
func deconvolve(imk, kpsf *kGrid, mask []float64) {
	for i := range imk.data {
		if mask[i] == 0 {
			imk.data[i] = 0
			continue
		}
		if kpsf != nil {
			imk.data[i] /= complex(real(kpsf.data[i])+deconvolutionFloor, 0)
		}
	}
}

// shearKImage applies the shear g to a centered k-image. A real-space
// profile f(x) sheared to f(S^-1 x) has the transform F(S k), so every
// output frequency samples the input at S k.
func shearKImage(imk *kGrid, g Shear) *kGrid {
	n := imk.n
	out := newKGrid(n)
	if g == (Shear{}) {
		copy(out.data, imk.data)
		return out
	}
	m := shearMatrix(g)
	c := float64(n / 2)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			sx, sy := m.apply(float64(x)-c, float64(y)-c)
			v := sampleBilinear(imk, sx+c, sy+c)
			if cmplx.IsNaN(v) {
				v = 0
			}
			out.data[y*n+x] = v
		}
	}
	return out
}

func checkShear(g Shear) error {
	if !g.IsFinite() {
		return fmt.Errorf("non-finite shear %v", g)
	}
	if g.G1*g.G1+g.G2*g.G2 >= 1 {
		return fmt.Errorf("shear %v has |g| >= 1", g)
	}
	return nil
}
