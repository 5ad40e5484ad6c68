package metacal

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
)

// LayerKind names a layer type in a LayerSpec.
type LayerKind string

const (
	// LayerConv is a convolution followed by batch-norm and ReLU.
	LayerConv          LayerKind = "conv"
	LayerMaxPool       LayerKind = "maxpool"
	LayerGlobalAvgPool LayerKind = "gap"
	LayerDense         LayerKind = "dense"
)

// LayerSpec declares one layer of a Network.
type LayerSpec struct {
	Kind    LayerKind
	Filters int
	Kernel  int
}

func (s LayerSpec) String() string {
	switch s.Kind {
	case LayerConv:
		return fmt.Sprintf("conv %dx%d/%d", s.Kernel, s.Kernel, s.Filters)
	case LayerDense:
		return fmt.Sprintf("dense %d", s.Filters)
	}
	return string(s.Kind)
}

// Ribli19Layers returns the Ribli et al. (2019) topology: five
// convolutional stages separated by 2x2 max-pooling, global average
// pooling and a dense head with nTarget outputs.
func Ribli19Layers(nf, nTarget int) []LayerSpec {
	conv := func(filters, kernel int) LayerSpec {
		return LayerSpec{Kind: LayerConv, Filters: filters, Kernel: kernel}
	}
	pool := LayerSpec{Kind: LayerMaxPool}
	return []LayerSpec{
		conv(nf, 3), conv(nf, 3), pool,
		conv(2*nf, 3), conv(2*nf, 3), pool,
		conv(4*nf, 3), conv(2*nf, 1), conv(4*nf, 3), pool,
		conv(8*nf, 3), conv(4*nf, 1), conv(8*nf, 3), pool,
		conv(16*nf, 3), conv(8*nf, 1), conv(16*nf, 3),
		{Kind: LayerGlobalAvgPool},
		{Kind: LayerDense, Filters: nTarget},
	}
}

// Network is a feed-forward CNN operating on ImageSize x ImageSize stamps.
// Forward and Backward are safe for concurrent use. ApplyGradients
// modifies the weights and must not overlap them.
type Network struct {
	Params NetworkParams
	Specs  []LayerSpec

	layers []layer
}

// NewRibli19 builds the Ribli19 network with seeded Glorot-uniform kernels.
func NewRibli19(p NetworkParams) (*Network, error) {
	return NewNetwork(p, Ribli19Layers(p.NF, p.NTarget))
}

// NewNetwork builds a network from specs. The last layer must produce
// p.NTarget values.
func NewNetwork(p NetworkParams, specs []LayerSpec) (*Network, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(p.Seed))
	n := &Network{Params: p, Specs: specs}

	c, h, w := p.Channels, p.ImageSize, p.ImageSize
	convs, pools := 0, 0
	for i, s := range specs {
		var l layer
		switch s.Kind {
		case LayerConv:
			if s.Filters <= 0 || s.Kernel <= 0 || s.Kernel%2 == 0 {
				return nil, preconditionf("layer %d: conv needs filters > 0 and an odd kernel (%s)", i, s)
			}
			convs++
			l = newConvBlock(fmt.Sprintf("conv%d", convs), c, s.Filters, s.Kernel, p.BNEpsilon, rng)
		case LayerMaxPool:
			if h < 2 || w < 2 {
				return nil, preconditionf("layer %d: cannot pool a %dx%d map", i, h, w)
			}
			pools++
			l = maxPool{label: fmt.Sprintf("pool%d", pools)}
		case LayerGlobalAvgPool:
			l = globalAvgPool{label: "gap"}
		case LayerDense:
			if s.Filters <= 0 {
				return nil, preconditionf("layer %d: dense needs outputs > 0", i)
			}
			l = newDense("dense", c*h*w, s.Filters, rng)
		default:
			return nil, preconditionf("layer %d: unknown kind %q", i, s.Kind)
		}
		c, h, w = l.outputShape(c, h, w)
		n.layers = append(n.layers, l)
	}
	if c*h*w != p.NTarget {
		return nil, preconditionf("network produces %d outputs, n_target is %d", c*h*w, p.NTarget)
	}
	return n, nil
}

func (n *Network) checkInput(img *Image) error {
	if img == nil {
		return preconditionf("nil image")
	}
	if img.Width != n.Params.ImageSize || img.Height != n.Params.ImageSize {
		return preconditionf("network expects %dx%d stamps, got %dx%d", n.Params.ImageSize, n.Params.ImageSize, img.Width, img.Height)
	}
	if img.Channels != n.Params.Channels {
		return preconditionf("network expects %d channels, got %d", n.Params.Channels, img.Channels)
	}
	return nil
}

// Forward runs the network on every stamp and returns NTarget outputs each.
func (n *Network) Forward(ctx context.Context, images []*Image) ([][]float64, error) {
	out := make([][]float64, len(images))
	for i, img := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := n.checkInput(img); err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		t := tensorFromImage(img)
		for _, l := range n.layers {
			t = l.forward(t)
		}
		out[i] = t.data
	}
	return out, nil
}

// Backward back-propagates dOut, the loss gradient of every output of
// Forward, through the network and returns the summed loss gradient of
// every tensor in Parameters order. Batch-norm running statistics are
// constants of the forward pass, so their gradients stay zero.
func (n *Network) Backward(ctx context.Context, images []*Image, dOut [][]float64) ([]Param, error) {
	if len(dOut) != len(images) {
		return nil, preconditionf("%d output gradients for %d images", len(dOut), len(images))
	}
	grads := make([][][]float64, len(n.layers))
	for j, l := range n.layers {
		for _, p := range l.params() {
			grads[j] = append(grads[j], make([]float64, len(p.Data)))
		}
	}

	acts := make([]*tensor, len(n.layers)+1)
	for i, img := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := n.checkInput(img); err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		if len(dOut[i]) != n.Params.NTarget {
			return nil, preconditionf("image %d: %d output gradients, network has %d outputs", i, len(dOut[i]), n.Params.NTarget)
		}
		acts[0] = tensorFromImage(img)
		for j, l := range n.layers {
			acts[j+1] = l.forward(acts[j])
		}
		last := acts[len(n.layers)]
		d := newTensor(last.c, last.h, last.w)
		copy(d.data, dOut[i])
		for j := len(n.layers) - 1; j >= 0; j-- {
			d = n.layers[j].backward(acts[j], acts[j+1], d, grads[j])
		}
	}

	var out []Param
	for j, l := range n.layers {
		for k, p := range l.params() {
			out = append(out, Param{Name: p.Name, Shape: p.Shape, Data: grads[j][k]})
		}
	}
	return out, nil
}

// AddRegularizationGradient adds the gradient of Regularization to grads,
// which must be in Parameters order.
func (n *Network) AddRegularizationGradient(grads []Param) {
	for _, g := range grads {
		if !strings.HasPrefix(g.Name, "conv") || !strings.HasSuffix(g.Name, "/kernel") {
			continue
		}
		w := n.param(g.Name)
		for k := range g.Data {
			g.Data[k] += 2 * n.Params.Reg * w[k]
		}
	}
}

// ApplyGradients takes one gradient-descent step of size lr.
func (n *Network) ApplyGradients(grads []Param, lr float64) error {
	params := n.Parameters()
	if len(grads) != len(params) {
		return preconditionf("%d gradient tensors for %d parameters", len(grads), len(params))
	}
	for i, p := range params {
		g := grads[i]
		if g.Name != p.Name || len(g.Data) != len(p.Data) {
			return preconditionf("gradient %q does not match parameter %q", g.Name, p.Name)
		}
		for k := range p.Data {
			p.Data[k] -= lr * g.Data[k]
		}
	}
	return nil
}

func (n *Network) param(name string) []float64 {
	for _, p := range n.Parameters() {
		if p.Name == name {
			return p.Data
		}
	}
	return nil
}

// Estimate implements Estimator for two-output networks.
func (n *Network) Estimate(ctx context.Context, images []*Image) ([]Shear, error) {
	if n.Params.NTarget != 2 {
		return nil, preconditionf("network with %d outputs cannot estimate shear", n.Params.NTarget)
	}
	raw, err := n.Forward(ctx, images)
	if err != nil {
		return nil, err
	}
	out := make([]Shear, len(raw))
	for i, v := range raw {
		out[i] = Shear{G1: v[0], G2: v[1]}
	}
	return out, nil
}

// Parameters lists every tensor of the network in layer order. Shapes are
// in FITS axis order, fastest axis first.
func (n *Network) Parameters() []Param {
	var ps []Param
	for _, l := range n.layers {
		ps = append(ps, l.params()...)
	}
	return ps
}

// NumParameters counts the scalar weights, statistics included.
func (n *Network) NumParameters() int {
	total := 0
	for _, p := range n.Parameters() {
		total += len(p.Data)
	}
	return total
}

// Regularization returns reg * sum(w^2) over every convolution kernel.
func (n *Network) Regularization() float64 {
	sum := 0.0
	for _, l := range n.layers {
		if b, ok := l.(*convBlock); ok {
			for _, w := range b.weights.RawMatrix().Data {
				sum += w * w
			}
		}
	}
	return n.Params.Reg * sum
}

// Summary returns a per-layer table of output shapes and weight counts.
func (n *Network) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%-8s %-16s %-14s %10s\n", "layer", "type", "output", "params")
	c, h, w := n.Params.Channels, n.Params.ImageSize, n.Params.ImageSize
	for i, l := range n.layers {
		c, h, w = l.outputShape(c, h, w)
		count := 0
		for _, p := range l.params() {
			count += len(p.Data)
		}
		fmt.Fprintf(&sb, "%-8s %-16s %-14s %10d\n", l.name(), n.Specs[i], shapeString(c, h, w), count)
	}
	fmt.Fprintf(&sb, "total parameters: %d\n", n.NumParameters())
	return sb.String()
}

// SaveWeights writes the network as a FITS file: an empty primary unit
// carrying the hyper-parameters, then one image extension per tensor.
func (n *Network) SaveWeights(path string) error {
	primary := NewArrayHDU("", nil)
	primary.Metadata.Set("NF", n.Params.NF)
	primary.Metadata.Set("NTARGET", n.Params.NTarget)
	primary.Metadata.Set("IMSIZE", n.Params.ImageSize)
	primary.Metadata.Set("CHANNELS", n.Params.Channels)
	primary.Metadata.Set("REG", n.Params.Reg)
	primary.Metadata.Set("BNEPS", n.Params.BNEpsilon)

	hdus := []*FitsHDU{primary}
	for _, p := range n.Parameters() {
		hdus = append(hdus, NewArrayHDU(p.Name, p.Data, p.Shape...))
	}
	if err := WriteFits(path, hdus...); err != nil {
		return fmt.Errorf("saving network weights: %w", err)
	}
	return nil
}

// LoadWeights replaces every tensor with the matching extension of a file
// written by SaveWeights.
func (n *Network) LoadWeights(path string) error {
	f, err := ReadFits(path)
	if err != nil {
		return fmt.Errorf("loading network weights: %w", err)
	}
	return n.loadFits(f)
}

func (n *Network) loadFits(f *FitsFile) error {
	for _, p := range n.Parameters() {
		h := f.HDU(p.Name)
		if h == nil {
			return fmt.Errorf("weights file has no tensor %q", p.Name)
		}
		if len(h.Data) != len(p.Data) {
			return fmt.Errorf("tensor %q: %d values, network expects %d", p.Name, len(h.Data), len(p.Data))
		}
		copy(p.Data, h.Data)
	}
	return nil
}

// LoadNetwork rebuilds a Ribli19 network from a weights file, taking the
// hyper-parameters from its primary header.
func LoadNetwork(path string) (*Network, error) {
	f, err := ReadFits(path)
	if err != nil {
		return nil, fmt.Errorf("loading network: %w", err)
	}
	p := NewNetworkParams()
	meta := f.Primary().Metadata
	if v, ok := meta.GetInt("NF"); ok {
		p.NF = v
	}
	if v, ok := meta.GetInt("NTARGET"); ok {
		p.NTarget = v
	}
	if v, ok := meta.GetInt("IMSIZE"); ok {
		p.ImageSize = v
	}
	if v, ok := meta.GetInt("CHANNELS"); ok {
		p.Channels = v
	}
	if v, ok := meta.GetDouble("REG"); ok {
		p.Reg = v
	}
	if v, ok := meta.GetDouble("BNEPS"); ok {
		p.BNEpsilon = v
	}
	n, err := NewRibli19(p)
	if err != nil {
		return nil, err
	}
	if err := n.loadFits(f); err != nil {
		return nil, err
	}
	return n, nil
}
