package metacal

import (
	"fmt"
	"math"
)

// LossNorm selects how the distance of R from identity is aggregated over
// a batch.
type LossNorm string

const (
	// NormFrobenius averages ||R_b - I||_F over the batch.
	NormFrobenius LossNorm = "frobenius"
	// NormSpectral averages the largest singular value of R_b - I.
	NormSpectral LossNorm = "spectral"
	// NormFlat is the 2-norm of every entry of the stacked batch.
	NormFlat LossNorm = "flat"
)

func (n LossNorm) String() string { return string(n) }

// NetworkParams configures the Ribli19 shape-measurement network.
type NetworkParams struct {
	ImageSize int     `yaml:"image_size"`
	Channels  int     `yaml:"channels"`
	NF        int     `yaml:"nf"`
	Reg       float64 `yaml:"reg"`
	NTarget   int     `yaml:"n_target"`
	BNEpsilon float64 `yaml:"bn_epsilon"`
	Seed      int64   `yaml:"seed"`
}

// Params contains every knob of the response and loss computation.
type Params struct {
	ShearRange float64       `yaml:"shear_range"`
	Step       float64       `yaml:"step"`
	PadFactor  int           `yaml:"pad_factor"`
	NoiseSigma float64       `yaml:"noise_sigma"`
	MaskRadius float64       `yaml:"mask_radius"`
	Norm       LossNorm      `yaml:"loss_norm"`
	Concurrent bool          `yaml:"concurrent"`
	Seed       int64         `yaml:"seed"`
	Network    NetworkParams `yaml:"network"`
}

// NewParams creates Params with default values.
func NewParams() *Params {
	return &Params{
		ShearRange: 0.1,
		Step:       0.01,
		PadFactor:  3,
		NoiseSigma: 1e-6,
		MaskRadius: 0.5,
		Norm:       NormFrobenius,
		Concurrent: true,
		Seed:       42,
		Network:    NewNetworkParams(),
	}
}

// NewNetworkParams returns the Ribli19 defaults.
func NewNetworkParams() NetworkParams {
	return NetworkParams{
		ImageSize: 51,
		Channels:  1,
		NF:        64,
		Reg:       5e-5,
		NTarget:   2,
		BNEpsilon: 1e-3,
		Seed:      1,
	}
}

// Validate verifies the params are usable.
func (p *Params) Validate() error {
	if p == nil {
		return preconditionf("params are nil")
	}
	if p.Step == 0 || math.IsNaN(p.Step) || math.IsInf(p.Step, 0) {
		return preconditionf("step must be finite and non-zero (got %g)", p.Step)
	}
	if p.ShearRange < 0 || p.ShearRange+math.Abs(p.Step) >= 1/math.Sqrt2 {
		return preconditionf("shear_range %g with step %g can produce |g| >= 1", p.ShearRange, p.Step)
	}
	if p.PadFactor < 1 || p.PadFactor%2 == 0 {
		return preconditionf("pad_factor must be a positive odd number (got %d)", p.PadFactor)
	}
	if p.NoiseSigma < 0 {
		return preconditionf("noise_sigma must be >= 0 (got %g)", p.NoiseSigma)
	}
	if p.MaskRadius <= 0 {
		return preconditionf("mask_radius must be > 0 (got %g)", p.MaskRadius)
	}
	switch p.Norm {
	case NormFrobenius, NormSpectral, NormFlat:
	default:
		return preconditionf("unknown loss_norm %q", p.Norm)
	}
	return p.Network.Validate()
}

// Validate verifies the network params.
func (n NetworkParams) Validate() error {
	if n.ImageSize < 16 {
		return preconditionf("network image_size must be >= 16 for four pooling stages (got %d)", n.ImageSize)
	}
	if n.Channels <= 0 {
		return preconditionf("network channels must be > 0 (got %d)", n.Channels)
	}
	if n.NF <= 0 {
		return preconditionf("network nf must be > 0 (got %d)", n.NF)
	}
	if n.NTarget <= 0 {
		return preconditionf("network n_target must be > 0 (got %d)", n.NTarget)
	}
	if n.Reg < 0 {
		return preconditionf("network reg must be >= 0 (got %g)", n.Reg)
	}
	if n.BNEpsilon <= 0 {
		return preconditionf("network bn_epsilon must be > 0 (got %g)", n.BNEpsilon)
	}
	return nil
}

func (p *Params) String() string {
	return fmt.Sprintf("{ShearRange=%g, Step=%g, PadFactor=%d, NoiseSigma=%g, MaskRadius=%g, Norm=%s, Concurrent=%t, Seed=%d}",
		p.ShearRange, p.Step, p.PadFactor, p.NoiseSigma, p.MaskRadius, p.Norm, p.Concurrent, p.Seed)
}
