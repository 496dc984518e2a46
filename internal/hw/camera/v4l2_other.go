//go:build !linux || !cgo

package camera

import (
	"context"
	"fmt"
)

// V4L2 is only available on linux builds with cgo.
type V4L2 struct{ *Stream }

// NewV4L2 always fails on this platform.
func NewV4L2(ctx context.Context, cfg Config) (*V4L2, error) {
	return nil, fmt.Errorf("%w: v4l2 requires linux with cgo", ErrUnavailable)
}

func (c *V4L2) Close() error { return nil }
