//go:build !cgo

package metacal

import "context"

// ONNXEstimator is unavailable without cgo.
type ONNXEstimator struct{}

// NewONNXEstimator returns ErrCGORequired.
func NewONNXEstimator(opts ONNXOptions) (*ONNXEstimator, error) {
	return nil, ErrCGORequired
}

// Estimate returns ErrCGORequired.
func (e *ONNXEstimator) Estimate(ctx context.Context, images []*Image) ([]Shear, error) {
	return nil, ErrCGORequired
}

func (e *ONNXEstimator) Close() error { return nil }
