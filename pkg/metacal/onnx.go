//go:build cgo

package metacal

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	ortMu   sync.Mutex
	ortRefs int
)

func acquireORT(libPath string) error {
	ortMu.Lock()
	defer ortMu.Unlock()
	if ortRefs == 0 {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("initializing onnxruntime: %w", err)
		}
	}
	ortRefs++
	return nil
}

func releaseORT() {
	ortMu.Lock()
	defer ortMu.Unlock()
	ortRefs--
	if ortRefs == 0 {
		ort.DestroyEnvironment()
	}
}

// ONNXEstimator runs an exported shape-measurement model one stamp at a
// time. Runs are serialized because the session binds fixed tensors.
type ONNXEstimator struct {
	opts ONNXOptions

	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// NewONNXEstimator loads the model and binds its input and output tensors.
func NewONNXEstimator(opts ONNXOptions) (*ONNXEstimator, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := acquireORT(opts.SharedLibraryPath); err != nil {
		return nil, err
	}

	inShape := ort.NewShape(1, int64(opts.ImageSize), int64(opts.ImageSize), int64(opts.Channels))
	input, err := ort.NewEmptyTensor[float32](inShape)
	if err != nil {
		releaseORT()
		return nil, fmt.Errorf("allocating input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 2))
	if err != nil {
		input.Destroy()
		releaseORT()
		return nil, fmt.Errorf("allocating output tensor: %w", err)
	}
	session, err := ort.NewAdvancedSession(
		opts.ModelPath,
		[]string{opts.InputName},
		[]string{opts.OutputName},
		[]ort.Value{input},
		[]ort.Value{output},
		nil,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		releaseORT()
		return nil, fmt.Errorf("creating onnx session for %s: %w", opts.ModelPath, err)
	}
	return &ONNXEstimator{opts: opts, session: session, input: input, output: output}, nil
}

// Estimate implements Estimator.
func (e *ONNXEstimator) Estimate(ctx context.Context, images []*Image) ([]Shear, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, fmt.Errorf("onnx estimator is closed")
	}

	out := make([]Shear, len(images))
	for i, img := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if img == nil || img.Width != e.opts.ImageSize || img.Height != e.opts.ImageSize || img.Channels != e.opts.Channels {
			return nil, preconditionf("image %d does not match the %dx%dx%d model input", i, e.opts.ImageSize, e.opts.ImageSize, e.opts.Channels)
		}
		packNHWC(img, e.input.GetData())
		if err := e.session.Run(); err != nil {
			return nil, fmt.Errorf("running onnx model on image %d: %w", i, err)
		}
		res := e.output.GetData()
		out[i] = Shear{G1: float64(res[0]), G2: float64(res[1])}
	}
	return out, nil
}

// Close releases the session and tensors.
func (e *ONNXEstimator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	err := e.session.Destroy()
	e.input.Destroy()
	e.output.Destroy()
	e.session = nil
	releaseORT()
	return err
}
