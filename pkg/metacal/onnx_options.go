package metacal

import (
	"errors"
	"os"
)

// ErrCGORequired is returned when the ONNX estimator is used in a build
// without cgo.
var ErrCGORequired = errors.New("onnx estimator requires CGO support; rebuild with CGO_ENABLED=1")

// ONNXOptions configures an exported shape-measurement model.
type ONNXOptions struct {
	ModelPath string
	// SharedLibraryPath points at the onnxruntime library. When empty,
	// ONNXRUNTIME_SHARED_LIBRARY_PATH is respected.
	SharedLibraryPath string
	InputName         string
	OutputName        string
	// Input tensor is NHWC float32 [1, ImageSize, ImageSize, Channels].
	ImageSize int
	Channels  int
}

// DefaultONNXOptions matches a Keras export of the Ribli19 network.
func DefaultONNXOptions(modelPath string) ONNXOptions {
	p := NewNetworkParams()
	return ONNXOptions{
		ModelPath:         modelPath,
		SharedLibraryPath: os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"),
		InputName:         "input",
		OutputName:        "output",
		ImageSize:         p.ImageSize,
		Channels:          p.Channels,
	}
}

func (o ONNXOptions) validate() error {
	if o.ModelPath == "" {
		return preconditionf("onnx model path is empty")
	}
	if o.InputName == "" || o.OutputName == "" {
		return preconditionf("onnx input and output names must be provided")
	}
	if o.ImageSize <= 0 || o.Channels <= 0 {
		return preconditionf("invalid onnx input %dx%dx%d", o.ImageSize, o.ImageSize, o.Channels)
	}
	return nil
}

// packNHWC converts a plane-major stamp into an NHWC float32 buffer.
func packNHWC(img *Image, dst []float32) {
	n := img.Width * img.Height
	for c := 0; c < img.Channels; c++ {
		plane := img.Pix[c*n : (c+1)*n]
		for i, v := range plane {
			dst[i*img.Channels+c] = float32(v)
		}
	}
}
