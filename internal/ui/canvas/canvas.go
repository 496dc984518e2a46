// Package canvas is the raster display surface of the live view. Frames and
// overlay text are composed into an in-memory image; Present hands a copy
// of it to the registered sinks (Tk window, web feed).
package canvas

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
)

var regular *truetype.Font

func init() {
	var err error
	regular, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// Sink receives each presented frame. The image is owned by the sink.
type Sink func(img image.Image)

// Options style the overlay text.
type Options struct {
	FontSize  float64     // 16
	TextColor color.Color // white
	Shadow    color.Color // translucent black, nil disables
}

type Canvas struct {
	dc     *gg.Context
	face   font.Face
	opts   Options
	sinks  []Sink
	width  int
	height int
}

// New creates a width x height canvas.
func New(width, height int, opts Options, sinks ...Sink) *Canvas {
	if opts.FontSize <= 0 {
		opts.FontSize = 16
	}
	if opts.TextColor == nil {
		opts.TextColor = color.White
	}
	if opts.Shadow == nil {
		opts.Shadow = color.NRGBA{0, 0, 0, 160}
	}
	c := &Canvas{
		dc:     gg.NewContext(width, height),
		face:   truetype.NewFace(regular, &truetype.Options{Size: opts.FontSize}),
		opts:   opts,
		sinks:  sinks,
		width:  width,
		height: height,
	}
	c.dc.SetFontFace(c.face)
	return c
}

// AddSink registers another consumer. Not safe while frames are presented.
func (c *Canvas) AddSink(s Sink) { c.sinks = append(c.sinks, s) }

func (c *Canvas) Size() (int, int) { return c.width, c.height }

// DrawImage clears the canvas and draws img at the origin, shrunk to fit
// if it is larger than the canvas.
func (c *Canvas) DrawImage(img image.Image) {
	c.dc.SetColor(color.Black)
	c.dc.Clear()
	if img == nil {
		return
	}
	b := img.Bounds()
	if b.Dx() > c.width || b.Dy() > c.height {
		img = imaging.Fit(img, c.width, c.height, imaging.Linear)
	}
	c.dc.DrawImage(img, 0, 0)
}

// DrawText draws text with its top-left corner at (x, y).
func (c *Canvas) DrawText(x, y float64, text string) {
	if text == "" {
		return
	}
	c.dc.SetColor(c.opts.Shadow)
	c.dc.DrawStringAnchored(text, x+1, y+1, 0, 1)
	c.dc.SetColor(c.opts.TextColor)
	c.dc.DrawStringAnchored(text, x, y, 0, 1)
}

// Present snapshots the composed image and passes it to every sink.
func (c *Canvas) Present() error {
	if len(c.sinks) == 0 {
		return nil
	}
	snap := imaging.Clone(c.dc.Image())
	for _, s := range c.sinks {
		s(snap)
	}
	return nil
}

// Image returns the composed image. It is overwritten by the next draw.
func (c *Canvas) Image() image.Image { return c.dc.Image() }
