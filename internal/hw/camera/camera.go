package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
)

var (
	// ErrUnavailable reports a camera fault: the device could not be
	// opened, the capture process exited or the stream broke.
	ErrUnavailable = errors.New("camera unavailable")
	// ErrNoFrame means the stream is running but nothing has been decoded
	// yet.
	ErrNoFrame = errors.New("camera: no frame yet")
)

// Camera is the high-level interface used by the rest of the application.
// It represents an abstract frame source, regardless of how the frames are
// produced (CSI camera process, V4L2 device, synthetic pattern).
type Camera interface {
	// LatestFrame returns the most recent frame without waiting for the
	// camera. It fails with ErrUnavailable on a camera fault.
	LatestFrame() (image.Image, error)
	// Close stops capturing and releases the device.
	Close() error
}

// Camera types accepted by New.
const (
	TypeRPiCam  = "rpicam"
	TypeV4L2    = "v4l2"
	TypePattern = "pattern"
)

// Config selects and sizes the camera.
type Config struct {
	Type    string
	Device  string // V4L2 device path, e.g. /dev/video0
	Command string // rpicam binary override; empty tries rpicam-vid then libcamera-vid
	Width   int
	Height  int
	FPS     int
}

// New opens the camera selected by cfg.Type. The returned camera is
// already streaming; ctx bounds its lifetime in addition to Close.
func New(ctx context.Context, cfg Config) (Camera, error) {
	switch cfg.Type {
	case TypeRPiCam:
		c, err := NewRPiCam(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	case TypeV4L2:
		c, err := NewV4L2(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	case TypePattern:
		return NewTestPattern(cfg.Width, cfg.Height, nil), nil
	default:
		return nil, fmt.Errorf("unsupported camera type: %q", cfg.Type)
	}
}
