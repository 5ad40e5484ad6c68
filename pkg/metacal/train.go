package metacal

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
)

// Gradient evaluates the loss of a Network estimator on a batch and
// returns the total loss (response distance plus the network's
// regularization) with its gradient for every tensor in Parameters order.
// The synthesized images do not depend on the weights, so only the
// estimator is differentiated.
func (l *Loss) Gradient(ctx context.Context, batch Batch) (float64, []Param, *ResponseResult, error) {
	net, ok := l.Response.Estimator.(*Network)
	if !ok {
		return 0, nil, nil, preconditionf("gradient needs a *Network estimator, got %T", l.Response.Estimator)
	}
	if err := batch.Validate(); err != nil {
		return 0, nil, nil, err
	}
	shears := l.SampleShears(batch.Size())
	res, err := l.Response.compute(ctx, batch, l.ReconvPSF, shears, l.Step, true)
	if err != nil {
		return 0, nil, nil, err
	}
	distance, dR := distanceGradient(res.R, l.Norm)

	// R[i][j] = (out_i(+step_j) - out_i(-step_j)) / (2 step), so the
	// noshear outputs get no gradient.
	axes := [2][2]Label{{Label1P, Label1M}, {Label2P, Label2M}}
	dOut := make(map[Label][][]float64, 4)
	for _, pair := range axes {
		dOut[pair[0]] = make([][]float64, batch.Size())
		dOut[pair[1]] = make([][]float64, batch.Size())
	}
	denom := 2 * l.Step
	for b, g := range dR {
		for j, pair := range axes {
			plus := []float64{g[0][j] / denom, g[1][j] / denom}
			dOut[pair[0]][b] = plus
			dOut[pair[1]][b] = []float64{-plus[0], -plus[1]}
		}
	}

	var total []Param
	for _, pair := range axes {
		for _, label := range pair {
			grads, err := net.Backward(ctx, res.Images[label], dOut[label])
			if err != nil {
				return 0, nil, nil, fmt.Errorf("back-propagating %s: %w", label, err)
			}
			if total == nil {
				total = grads
				continue
			}
			for k := range total {
				for m, v := range grads[k].Data {
					total[k].Data[m] += v
				}
			}
		}
	}
	net.AddRegularizationGradient(total)
	return distance + net.Regularization(), total, res, nil
}

// TrainStep takes one gradient-descent step of size lr on the network
// estimator and returns the loss measured before the step.
func (l *Loss) TrainStep(ctx context.Context, batch Batch, lr float64) (float64, error) {
	value, grads, _, err := l.Gradient(ctx, batch)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(value) {
		return 0, fmt.Errorf("loss is NaN")
	}
	if err := l.Response.Estimator.(*Network).ApplyGradients(grads, lr); err != nil {
		return 0, err
	}
	return value, nil
}

// TrainConfig captures the knobs of the training loop.
type TrainConfig struct {
	Steps        int
	LearningRate float64
	LogEvery     int
}

// NewTrainConfig returns the default training settings.
func NewTrainConfig() TrainConfig {
	return TrainConfig{Steps: 100, LearningRate: 1e-3, LogEvery: 10}
}

// Train runs cfg.Steps gradient-descent steps on batch, drawing fresh
// shears and noise every step, and returns the loss of each step.
func Train(ctx context.Context, loss *Loss, batch Batch, cfg TrainConfig) ([]float64, error) {
	if cfg.Steps <= 0 {
		return nil, preconditionf("train steps must be > 0 (got %d)", cfg.Steps)
	}
	if cfg.LearningRate <= 0 || math.IsInf(cfg.LearningRate, 0) {
		return nil, preconditionf("learning rate must be finite and > 0 (got %g)", cfg.LearningRate)
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 10
	}

	history := make([]float64, 0, cfg.Steps)
	for step := 1; step <= cfg.Steps; step++ {
		if err := ctx.Err(); err != nil {
			return history, err
		}
		start := time.Now()
		value, err := loss.TrainStep(ctx, batch, cfg.LearningRate)
		if err != nil {
			return history, fmt.Errorf("step %d: %w", step, err)
		}
		history = append(history, value)

		if loss.Logger != nil && (step%cfg.LogEvery == 0 || step == cfg.Steps) {
			loss.Logger.WithFields(logrus.Fields{
				"step":       step,
				"loss":       value,
				"compute_ms": time.Since(start).Seconds() * 1000,
			}).Info("metacal train")
		}
	}
	return history, nil
}
