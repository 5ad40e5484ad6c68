package metacal

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// tensor is a channel-major feature map: data[(c*h+y)*w+x].
type tensor struct {
	c, h, w int
	data    []float64
}

func newTensor(c, h, w int) *tensor {
	return &tensor{c: c, h: h, w: w, data: make([]float64, c*h*w)}
}

func tensorFromImage(img *Image) *tensor {
	t := newTensor(img.Channels, img.Height, img.Width)
	copy(t.data, img.Pix)
	return t
}

// Param is a named trainable or statistics tensor of a layer.
type Param struct {
	Name  string
	Shape []int
	Data  []float64
}

// layer is one stage of the network. backward takes the input and output
// of a forward call with the loss gradient of that output, adds the
// parameter gradients into grads (aligned with params) and returns the
// loss gradient of the input.
type layer interface {
	name() string
	forward(in *tensor) *tensor
	backward(in, out, dOut *tensor, grads [][]float64) *tensor
	outputShape(c, h, w int) (int, int, int)
	params() []Param
}

// convBlock is a 'same'-padded stride-1 convolution followed by
// inference batch normalization and ReLU.
type convBlock struct {
	label   string
	inC     int
	outC    int
	kernel  int
	weights *mat.Dense // outC x (inC*kernel*kernel)
	bias    []float64
	gamma   []float64
	beta    []float64
	mean    []float64
	vari    []float64
	eps     float64
}

func newConvBlock(label string, inC, outC, kernel int, eps float64, rng *rand.Rand) *convBlock {
	fanIn := inC * kernel * kernel
	fanOut := outC * kernel * kernel
	b := &convBlock{
		label:   label,
		inC:     inC,
		outC:    outC,
		kernel:  kernel,
		weights: mat.NewDense(outC, fanIn, glorotUniform(rng, outC*fanIn, fanIn, fanOut)),
		bias:    make([]float64, outC),
		gamma:   make([]float64, outC),
		beta:    make([]float64, outC),
		mean:    make([]float64, outC),
		vari:    make([]float64, outC),
		eps:     eps,
	}
	for i := 0; i < outC; i++ {
		b.gamma[i] = 1
		b.vari[i] = 1
	}
	return b
}

func (b *convBlock) name() string { return b.label }

func (b *convBlock) outputShape(_, h, w int) (int, int, int) { return b.outC, h, w }

// im2col lays out every receptive field as one column so that the
// convolution becomes a single matrix product.
func (b *convBlock) im2col(in *tensor) *mat.Dense {
	k := b.kernel
	pad := k / 2
	rows := in.c * k * k
	cols := in.h * in.w
	buf := make([]float64, rows*cols)
	for c := 0; c < in.c; c++ {
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				row := (c*k+ky)*k + kx
				dst := buf[row*cols : (row+1)*cols]
				for y := 0; y < in.h; y++ {
					sy := y + ky - pad
					if sy < 0 || sy >= in.h {
						continue
					}
					src := in.data[(c*in.h+sy)*in.w:]
					for x := 0; x < in.w; x++ {
						sx := x + kx - pad
						if sx < 0 || sx >= in.w {
							continue
						}
						dst[y*in.w+x] = src[sx]
					}
				}
			}
		}
	}
	return mat.NewDense(rows, cols, buf)
}

func (b *convBlock) forward(in *tensor) *tensor {
	cols := b.im2col(in)
	out := newTensor(b.outC, in.h, in.w)
	res := mat.NewDense(b.outC, in.h*in.w, out.data)
	res.Mul(b.weights, cols)

	n := in.h * in.w
	for o := 0; o < b.outC; o++ {
		scale := b.gamma[o] / math.Sqrt(b.vari[o]+b.eps)
		shift := b.beta[o] - b.mean[o]*scale
		plane := out.data[o*n : (o+1)*n]
		for i, v := range plane {
			v = (v+b.bias[o])*scale + shift
			if v < 0 {
				v = 0
			}
			plane[i] = v
		}
	}
	return out
}

func (b *convBlock) backward(in, out, dOut *tensor, grads [][]float64) *tensor {
	n := in.h * in.w
	cols := b.im2col(in)
	z := mat.NewDense(b.outC, n, nil)
	z.Mul(b.weights, cols)

	dKernel, dBias, dGamma, dBeta := grads[0], grads[1], grads[2], grads[3]
	dz := mat.NewDense(b.outC, n, nil)
	for o := 0; o < b.outC; o++ {
		inv := 1 / math.Sqrt(b.vari[o]+b.eps)
		scale := b.gamma[o] * inv
		zRow, dzRow := z.RawRowView(o), dz.RawRowView(o)
		for i := 0; i < n; i++ {
			// ReLU passes gradient only where it was active.
			if out.data[o*n+i] <= 0 {
				continue
			}
			g := dOut.data[o*n+i]
			dBeta[o] += g
			dGamma[o] += g * (zRow[i] + b.bias[o] - b.mean[o]) * inv
			dBias[o] += g * scale
			dzRow[i] = g * scale
		}
	}

	var dW mat.Dense
	dW.Mul(dz, cols.T())
	acc := mat.NewDense(b.outC, cols.RawMatrix().Rows, dKernel)
	acc.Add(acc, &dW)

	var dCols mat.Dense
	dCols.Mul(b.weights.T(), dz)
	return b.col2im(&dCols, in.c, in.h, in.w)
}

// col2im scatters receptive-field columns back onto a feature map,
// summing overlaps. It is the adjoint of im2col.
func (b *convBlock) col2im(cols *mat.Dense, c, h, w int) *tensor {
	k := b.kernel
	pad := k / 2
	out := newTensor(c, h, w)
	for ch := 0; ch < c; ch++ {
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				src := cols.RawRowView((ch*k+ky)*k + kx)
				for y := 0; y < h; y++ {
					sy := y + ky - pad
					if sy < 0 || sy >= h {
						continue
					}
					dst := out.data[(ch*h+sy)*w:]
					for x := 0; x < w; x++ {
						sx := x + kx - pad
						if sx < 0 || sx >= w {
							continue
						}
						dst[sx] += src[y*w+x]
					}
				}
			}
		}
	}
	return out
}

func (b *convBlock) params() []Param {
	_, fanIn := b.weights.Dims()
	return []Param{
		{Name: b.label + "/kernel", Shape: []int{fanIn, b.outC}, Data: b.weights.RawMatrix().Data},
		{Name: b.label + "/bias", Shape: []int{b.outC}, Data: b.bias},
		{Name: b.label + "/bn_gamma", Shape: []int{b.outC}, Data: b.gamma},
		{Name: b.label + "/bn_beta", Shape: []int{b.outC}, Data: b.beta},
		{Name: b.label + "/bn_mean", Shape: []int{b.outC}, Data: b.mean},
		{Name: b.label + "/bn_var", Shape: []int{b.outC}, Data: b.vari},
	}
}

// maxPool is a 2x2 stride-2 max pooling with valid padding.
type maxPool struct{ label string }

func (p maxPool) name() string { return p.label }

func (p maxPool) outputShape(c, h, w int) (int, int, int) { return c, h / 2, w / 2 }

func (p maxPool) forward(in *tensor) *tensor {
	out := newTensor(p.outputShape(in.c, in.h, in.w))
	for c := 0; c < in.c; c++ {
		for y := 0; y < out.h; y++ {
			for x := 0; x < out.w; x++ {
				base := (c*in.h+2*y)*in.w + 2*x
				v := math.Max(
					math.Max(in.data[base], in.data[base+1]),
					math.Max(in.data[base+in.w], in.data[base+in.w+1]),
				)
				out.data[(c*out.h+y)*out.w+x] = v
			}
		}
	}
	return out
}

// backward routes each gradient to the first maximum of its window.
func (p maxPool) backward(in, out, dOut *tensor, _ [][]float64) *tensor {
	dIn := newTensor(in.c, in.h, in.w)
	offsets := [4]int{0, 1, in.w, in.w + 1}
	for c := 0; c < in.c; c++ {
		for y := 0; y < out.h; y++ {
			for x := 0; x < out.w; x++ {
				idx := (c*out.h+y)*out.w + x
				base := (c*in.h+2*y)*in.w + 2*x
				for _, off := range offsets {
					if in.data[base+off] == out.data[idx] {
						dIn.data[base+off] += dOut.data[idx]
						break
					}
				}
			}
		}
	}
	return dIn
}

func (p maxPool) params() []Param { return nil }

// globalAvgPool averages every channel to a single value.
type globalAvgPool struct{ label string }

func (p globalAvgPool) name() string { return p.label }

func (p globalAvgPool) outputShape(c, _, _ int) (int, int, int) { return c, 1, 1 }

func (p globalAvgPool) forward(in *tensor) *tensor {
	out := newTensor(in.c, 1, 1)
	n := in.h * in.w
	for c := 0; c < in.c; c++ {
		sum := 0.0
		for _, v := range in.data[c*n : (c+1)*n] {
			sum += v
		}
		out.data[c] = sum / float64(n)
	}
	return out
}

func (p globalAvgPool) backward(in, _, dOut *tensor, _ [][]float64) *tensor {
	dIn := newTensor(in.c, in.h, in.w)
	n := in.h * in.w
	for c := 0; c < in.c; c++ {
		g := dOut.data[c] / float64(n)
		plane := dIn.data[c*n : (c+1)*n]
		for i := range plane {
			plane[i] = g
		}
	}
	return dIn
}

func (p globalAvgPool) params() []Param { return nil }

// dense is a fully connected layer on a flattened input.
type dense struct {
	label   string
	weights *mat.Dense // out x in
	bias    []float64
}

func newDense(label string, in, out int, rng *rand.Rand) *dense {
	return &dense{
		label:   label,
		weights: mat.NewDense(out, in, glorotUniform(rng, out*in, in, out)),
		bias:    make([]float64, out),
	}
}

func (d *dense) name() string { return d.label }

func (d *dense) outputShape(_, _, _ int) (int, int, int) {
	out, _ := d.weights.Dims()
	return out, 1, 1
}

func (d *dense) forward(in *tensor) *tensor {
	o, _ := d.weights.Dims()
	out := newTensor(o, 1, 1)
	res := mat.NewVecDense(o, out.data)
	res.MulVec(d.weights, mat.NewVecDense(len(in.data), in.data))
	for i := range out.data {
		out.data[i] += d.bias[i]
	}
	return out
}

func (d *dense) backward(in, _, dOut *tensor, grads [][]float64) *tensor {
	o, n := d.weights.Dims()
	dKernel, dBias := grads[0], grads[1]
	for r := 0; r < o; r++ {
		g := dOut.data[r]
		dBias[r] += g
		row := dKernel[r*n : (r+1)*n]
		for j, v := range in.data {
			row[j] += g * v
		}
	}
	dIn := newTensor(in.c, in.h, in.w)
	res := mat.NewVecDense(n, dIn.data)
	res.MulVec(d.weights.T(), mat.NewVecDense(o, dOut.data))
	return dIn
}

func (d *dense) params() []Param {
	o, i := d.weights.Dims()
	return []Param{
		{Name: d.label + "/kernel", Shape: []int{i, o}, Data: d.weights.RawMatrix().Data},
		{Name: d.label + "/bias", Shape: []int{o}, Data: d.bias},
	}
}

// glorotUniform draws n weights from U(-l, l) with l = sqrt(6/(fanIn+fanOut)).
func glorotUniform(rng *rand.Rand, n, fanIn, fanOut int) []float64 {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	w := make([]float64, n)
	for i := range w {
		w[i] = (2*rng.Float64() - 1) * limit
	}
	return w
}

func shapeString(c, h, w int) string {
	return fmt.Sprintf("%dx%dx%d", h, w, c)
}
