//go:build linux && cgo

package camera

import (
	"context"
	"fmt"
	"sync"

	"github.com/vladimirvivien/go4vl/device"
	"github.com/vladimirvivien/go4vl/v4l2"

	"github.com/cjeanneret/VeinCam/internal/debug"
)

// V4L2 reads MJPEG frames from a USB/UVC camera through go4vl.
type V4L2 struct {
	*Stream

	dev       *device.Device
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// NewV4L2 opens cfg.Device and starts streaming.
func NewV4L2(ctx context.Context, cfg Config) (*V4L2, error) {
	path := cfg.Device
	if path == "" {
		path = "/dev/video0"
	}
	dev, err := device.Open(
		path,
		device.WithBufferSize(2),
		device.WithPixFormat(v4l2.PixFormat{
			PixelFormat: v4l2.PixelFmtMJPEG,
			Width:       uint32(cfg.Width),
			Height:      uint32(cfg.Height),
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnavailable, path, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := dev.Start(runCtx); err != nil {
		cancel()
		_ = dev.Close()
		return nil, fmt.Errorf("%w: start %s: %v", ErrUnavailable, path, err)
	}
	debug.Info("Camera: streaming from %s (%dx%d MJPEG)", path, cfg.Width, cfg.Height)

	c := &V4L2{Stream: newStream(), dev: dev, cancel: cancel}
	go c.forward(runCtx)
	return c, nil
}

func (c *V4L2) forward(ctx context.Context) {
	frames := c.dev.GetOutput()
	for {
		select {
		case <-ctx.Done():
			c.fail(ctx.Err())
			return
		case buf, ok := <-frames:
			if !ok {
				c.fail(fmt.Errorf("device output closed"))
				return
			}
			c.push(buf)
		}
	}
}

// Close stops streaming and releases the device.
func (c *V4L2) Close() error {
	c.closeOnce.Do(func() {
		debug.Trace("Camera Close (v4l2)")
		c.cancel()
		<-c.Stream.Done()
		c.closeErr = c.dev.Close()
	})
	return c.closeErr
}
