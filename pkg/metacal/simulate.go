package metacal

import (
	"fmt"
	"math"
	"math/rand"
)

// SimulationParams describes a batch of elliptical Gaussian galaxies
// observed through a round Gaussian PSF.
type SimulationParams struct {
	Count          int     `yaml:"count"`
	StampSize      int     `yaml:"stamp_size"`
	GalSigma       float64 `yaml:"gal_sigma"`
	PSFSigma       float64 `yaml:"psf_sigma"`
	MaxEllipticity float64 `yaml:"max_ellipticity"`
	NoiseSigma     float64 `yaml:"noise_sigma"`
}

// NewSimulationParams returns a 4 galaxy 51x51 batch.
func NewSimulationParams() SimulationParams {
	return SimulationParams{
		Count:          4,
		StampSize:      51,
		GalSigma:       2.5,
		PSFSigma:       1.5,
		MaxEllipticity: 0.3,
	}
}

func (p SimulationParams) validate() error {
	if p.Count <= 0 || p.StampSize <= 0 {
		return preconditionf("simulation needs count > 0 and stamp_size > 0")
	}
	if p.GalSigma <= 0 || p.PSFSigma <= 0 {
		return preconditionf("simulation sigmas must be > 0")
	}
	if p.MaxEllipticity < 0 || p.MaxEllipticity >= 1 {
		return preconditionf("max_ellipticity must be in [0, 1) (got %g)", p.MaxEllipticity)
	}
	return nil
}

// SimulateBatch draws Count galaxies with random intrinsic shapes, convolves
// them with the PSF and adds optional pixel noise. The intrinsic shapes
// are returned alongside the batch.
func SimulateBatch(p SimulationParams, rng *rand.Rand) (Batch, []Shear, error) {
	if err := p.validate(); err != nil {
		return Batch{}, nil, err
	}
	psf := GaussianImage(p.StampSize, p.StampSize, p.PSFSigma, Shear{})

	batch := Batch{Gal: make([]*Image, p.Count), PSF: make([]*Image, p.Count)}
	shapes := make([]Shear, p.Count)
	for i := range batch.Gal {
		e := p.MaxEllipticity * math.Sqrt(rng.Float64())
		phi := math.Pi * rng.Float64()
		shapes[i] = Shear{G1: e * math.Cos(2*phi), G2: e * math.Sin(2*phi)}

		gal, err := ConvolveGaussian(GaussianImage(p.StampSize, p.StampSize, p.GalSigma, shapes[i]), p.PSFSigma)
		if err != nil {
			return Batch{}, nil, fmt.Errorf("galaxy %d: %w", i, err)
		}
		if p.NoiseSigma > 0 {
			for j := range gal.Pix {
				gal.Pix[j] += rng.NormFloat64() * p.NoiseSigma
			}
		}
		batch.Gal[i] = gal
		batch.PSF[i] = psf.Clone()
	}
	return batch, shapes, nil
}
