package metacal

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"testing"
)

// tinyNetwork is a small conv/pool/gap/dense stack with active ReLUs.
func tinyNetwork(t *testing.T) *Network {
	t.Helper()
	p := smallNetworkParams()
	p.Reg = 1e-2
	n, err := NewNetwork(p, []LayerSpec{
		{Kind: LayerConv, Filters: 2, Kernel: 3},
		{Kind: LayerMaxPool},
		{Kind: LayerConv, Filters: 3, Kernel: 1},
		{Kind: LayerGlobalAvgPool},
		{Kind: LayerDense, Filters: 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, prm := range n.Parameters() {
		if strings.HasSuffix(prm.Name, "/bn_beta") {
			for i := range prm.Data {
				prm.Data[i] = 0.2
			}
		}
	}
	return n
}

func isStatistic(name string) bool {
	return strings.HasSuffix(name, "/bn_mean") || strings.HasSuffix(name, "/bn_var")
}

// checkGradient compares grads with central differences of f over every
// third trainable weight of n.
func checkGradient(t *testing.T, n *Network, grads []Param, f func() float64, tol float64) {
	t.Helper()
	const h = 1e-6
	nonzero := false
	for k, p := range n.Parameters() {
		if grads[k].Name != p.Name {
			t.Fatalf("gradient %d is %q, want %q", k, grads[k].Name, p.Name)
		}
		if isStatistic(p.Name) {
			for _, g := range grads[k].Data {
				if g != 0 {
					t.Fatalf("%s has gradient %g, want 0", p.Name, g)
				}
			}
			continue
		}
		for i := 0; i < len(p.Data); i += 3 {
			orig := p.Data[i]
			p.Data[i] = orig + h
			up := f()
			p.Data[i] = orig - h
			down := f()
			p.Data[i] = orig

			want := (up - down) / (2 * h)
			got := grads[k].Data[i]
			if math.Abs(got-want) > tol*(1+math.Abs(want)) {
				t.Errorf("%s[%d]: gradient %g, finite difference %g", p.Name, i, got, want)
			}
			if got != 0 {
				nonzero = true
			}
		}
	}
	if !nonzero {
		t.Error("every gradient is zero")
	}
}

func TestNetworkBackwardMatchesFiniteDifferences(t *testing.T) {
	n := tinyNetwork(t)
	images := randomStamps(2, 16, 3)
	coef := [][]float64{{0.7, -1.3}, {0.4, 0.9}}
	objective := func() float64 {
		out, err := n.Forward(context.Background(), images)
		if err != nil {
			t.Fatal(err)
		}
		sum := 0.0
		for i := range out {
			for j := range out[i] {
				sum += coef[i][j] * out[i][j]
			}
		}
		return sum
	}
	grads, err := n.Backward(context.Background(), images, coef)
	if err != nil {
		t.Fatal(err)
	}
	checkGradient(t, n, grads, objective, 1e-6)
}

func TestNetworkBackwardRejectsBadInput(t *testing.T) {
	n := tinyNetwork(t)
	images := randomStamps(2, 16, 3)
	if _, err := n.Backward(context.Background(), images, [][]float64{{1, 1}}); !errors.Is(err, ErrPrecondition) {
		t.Errorf("short gradient list: got %v, want a precondition error", err)
	}
	if _, err := n.Backward(context.Background(), images, [][]float64{{1}, {1, 1}}); !errors.Is(err, ErrPrecondition) {
		t.Errorf("short output gradient: got %v, want a precondition error", err)
	}
}

func lossParams(n *Network, norm LossNorm) *Params {
	p := NewParams()
	p.Step = 0.01
	p.ShearRange = 0.1
	p.Norm = norm
	p.Network = n.Params
	return p
}

func TestLossGradientMatchesFiniteDifferences(t *testing.T) {
	for _, norm := range []LossNorm{NormFrobenius, NormFlat} {
		t.Run(string(norm), func(t *testing.T) {
			n := tinyNetwork(t)
			p := lossParams(n, norm)
			batch := stampBatch(3, 16)
			eval := func() (float64, []Param) {
				loss, err := NewLoss(p, shearEncoder{}, n, batch.PSF[0], rand.New(rand.NewSource(5)))
				if err != nil {
					t.Fatal(err)
				}
				v, g, _, err := loss.Gradient(context.Background(), batch)
				if err != nil {
					t.Fatal(err)
				}
				return v, g
			}
			value, grads := eval()
			if want := n.Regularization(); value <= want {
				t.Errorf("loss %g does not exceed the regularization %g", value, want)
			}
			checkGradient(t, n, grads, func() float64 {
				v, _ := eval()
				return v
			}, 1e-5)
		})
	}
}

func TestTrainStepDescendsForFixedDraws(t *testing.T) {
	n := tinyNetwork(t)
	p := lossParams(n, NormFrobenius)
	batch := stampBatch(2, 16)
	newLoss := func() *Loss {
		loss, err := NewLoss(p, shearEncoder{}, n, batch.PSF[0], rand.New(rand.NewSource(11)))
		if err != nil {
			t.Fatal(err)
		}
		return loss
	}

	before, grads, _, err := newLoss().Gradient(context.Background(), batch)
	if err != nil {
		t.Fatal(err)
	}
	norm2 := 0.0
	for _, g := range grads {
		for _, v := range g.Data {
			norm2 += v * v
		}
	}
	if norm2 == 0 {
		t.Fatal("zero gradient")
	}
	value, err := newLoss().TrainStep(context.Background(), batch, 1e-3*before/norm2)
	if err != nil {
		t.Fatal(err)
	}
	if value != before {
		t.Errorf("TrainStep reported %g, want the pre-step loss %g", value, before)
	}
	after, _, _, err := newLoss().Gradient(context.Background(), batch)
	if err != nil {
		t.Fatal(err)
	}
	if after >= before {
		t.Errorf("loss went from %g to %g after a descent step", before, after)
	}
}

func TestGradientNeedsNetworkEstimator(t *testing.T) {
	p := NewParams()
	batch := stampBatch(2, 16)
	loss, err := NewLoss(p, shearEncoder{}, linearEstimator(Identity), batch.PSF[0], rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := loss.Gradient(context.Background(), batch); !errors.Is(err, ErrPrecondition) {
		t.Errorf("got %v, want a precondition error", err)
	}
}

func TestTrain(t *testing.T) {
	n := tinyNetwork(t)
	p := lossParams(n, NormFrobenius)
	batch := stampBatch(2, 16)
	loss, err := NewLoss(p, shearEncoder{}, n, batch.PSF[0], rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatal(err)
	}
	loss.Logger = nil

	history, err := Train(context.Background(), loss, batch, TrainConfig{Steps: 3, LearningRate: 1e-4})
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Fatalf("%d losses recorded, want 3", len(history))
	}
	for i, v := range history {
		if math.IsNaN(v) || v <= 0 {
			t.Errorf("step %d loss = %g", i+1, v)
		}
	}

	for _, cfg := range []TrainConfig{{Steps: 0, LearningRate: 1}, {Steps: 1, LearningRate: 0}} {
		if _, err := Train(context.Background(), loss, batch, cfg); !errors.Is(err, ErrPrecondition) {
			t.Errorf("config %+v: got %v, want a precondition error", cfg, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Train(ctx, loss, batch, NewTrainConfig()); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled training: got %v", err)
	}
}

func TestApplyGradients(t *testing.T) {
	n := tinyNetwork(t)
	params := n.Parameters()
	grads := make([]Param, len(params))
	for i, p := range params {
		g := make([]float64, len(p.Data))
		for k := range g {
			g[k] = 1
		}
		grads[i] = Param{Name: p.Name, Shape: p.Shape, Data: g}
	}
	first := params[0].Data[0]
	if err := n.ApplyGradients(grads, 0.5); err != nil {
		t.Fatal(err)
	}
	if got := n.Parameters()[0].Data[0]; got != first-0.5 {
		t.Errorf("weight = %g, want %g", got, first-0.5)
	}
	if err := n.ApplyGradients(grads[1:], 0.5); !errors.Is(err, ErrPrecondition) {
		t.Errorf("short gradient list: got %v, want a precondition error", err)
	}
	grads[0].Name = "other"
	if err := n.ApplyGradients(grads, 0.5); !errors.Is(err, ErrPrecondition) {
		t.Errorf("misnamed gradient: got %v, want a precondition error", err)
	}
}

func TestDistanceGradientMatchesFiniteDifferences(t *testing.T) {
	rs := []Response{
		{{1.5, 0.3}, {0.1, 0.6}},
		{{0.2, -0.4}, {0.5, 1.1}},
	}
	const h = 1e-6
	for _, norm := range []LossNorm{NormFrobenius, NormSpectral, NormFlat} {
		t.Run(string(norm), func(t *testing.T) {
			value, grads := distanceGradient(rs, norm)
			if value != ResponseDistance(rs, norm) {
				t.Errorf("value %g differs from ResponseDistance", value)
			}
			for b := range rs {
				for i := 0; i < 2; i++ {
					for j := 0; j < 2; j++ {
						orig := rs[b][i][j]
						rs[b][i][j] = orig + h
						up := ResponseDistance(rs, norm)
						rs[b][i][j] = orig - h
						down := ResponseDistance(rs, norm)
						rs[b][i][j] = orig
						want := (up - down) / (2 * h)
						if math.Abs(grads[b][i][j]-want) > 1e-6 {
							t.Errorf("d/dR%d[%d][%d] = %g, want %g", b, i, j, grads[b][i][j], want)
						}
					}
				}
			}
		})
	}

	_, zero := distanceGradient([]Response{Identity}, NormFrobenius)
	if zero[0] != (Response{}) {
		t.Errorf("gradient at identity = %v, want zero", zero[0])
	}
}
