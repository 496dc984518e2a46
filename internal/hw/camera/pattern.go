package camera

import (
	"image"
	"image/color"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/cjeanneret/VeinCam/internal/debug"
)

// TestPattern is a synthetic camera for development without hardware: a
// colour gradient with a bar sweeping across once per second.
type TestPattern struct {
	mu     sync.Mutex
	width  int
	height int
	clock  clock.Clock
	closed bool
}

// NewTestPattern creates a pattern source. Zero sizes default to 640x400;
// a nil clock uses the wall clock.
func NewTestPattern(width, height int, clk clock.Clock) *TestPattern {
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 400
	}
	if clk == nil {
		clk = clock.New()
	}
	debug.Info("Camera: using synthetic test pattern %dx%d", width, height)
	return &TestPattern{width: width, height: height, clock: clk}
}

// LatestFrame renders a fresh frame for the current instant.
func (p *TestPattern) LatestFrame() (image.Image, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrUnavailable
	}

	img := image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	ms := p.clock.Now().UnixMilli() % 1000
	barX := int(ms) * p.width / 1000
	for y := 0; y < p.height; y++ {
		for x := 0; x < p.width; x++ {
			c := color.RGBA{
				R: uint8(x * 255 / p.width),
				G: uint8(y * 255 / p.height),
				B: 96,
				A: 255,
			}
			if x >= barX && x < barX+8 {
				c = color.RGBA{255, 255, 255, 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img, nil
}

func (p *TestPattern) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
