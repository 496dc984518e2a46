// Package tkview is the desktop window: the composed live view in a label,
// a Capture button and the space bar as a capture shortcut.
package tkview

import (
	"bytes"
	"image"
	"image/png"
	"sync"
	"time"

	"github.com/cjeanneret/VeinCam/internal/debug"
	"github.com/cjeanneret/VeinCam/internal/logic/liveview"
)

// Controller is the part of the live view the window drives.
type Controller interface {
	Tick()
	Capture() <-chan liveview.CaptureResult
	Stop() error
	RenderPeriod() time.Duration
	Stopped() <-chan struct{}
}

// toolkit is the slice of Tk the view needs. Every method runs on the Tk
// thread.
type toolkit interface {
	after(d time.Duration, f func()) string
	cancel(id string)
	// show displays a PNG. data is only valid for the duration of the call.
	show(data []byte)
	wait()
	destroy()
}

// View owns the window's render loop: one controller tick per TclAfter
// callback, rescheduled until the controller stops or the window closes.
type View struct {
	ctrl    Controller
	tk      toolkit
	enc     png.Encoder
	buf     bytes.Buffer
	afterID string
	closed  bool
}

func newView(ctrl Controller, tk toolkit) *View {
	return &View{
		ctrl: ctrl,
		tk:   tk,
		// Frames are encoded on the Tk thread every tick; compression
		// costs more than the render period.
		enc: png.Encoder{CompressionLevel: png.NoCompression, BufferPool: &encoderPool{}},
	}
}

// Show replaces the displayed frame. It is the canvas sink and runs on the
// Tk thread because ticks are scheduled with TclAfter.
func (v *View) Show(img image.Image) {
	if v.closed || img == nil {
		return
	}
	data := v.encode(img)
	if len(data) == 0 {
		return
	}
	v.tk.show(data)
}

// Run schedules the first tick and blocks in the Tk event loop until the
// window is closed.
func (v *View) Run() {
	v.schedule()
	v.tk.wait()
}

func (v *View) schedule() {
	v.afterID = v.tk.after(v.ctrl.RenderPeriod(), v.update)
}

func (v *View) update() {
	if v.closed {
		return
	}
	select {
	case <-v.ctrl.Stopped():
		debug.Verbose("Window: controller stopped, closing")
		v.close()
		return
	default:
	}
	v.ctrl.Tick()
	v.schedule()
}

// capture fires a capture; the outcome is shown on the overlay status line.
func (v *View) capture() {
	if v.closed {
		return
	}
	debug.Live("Capture requested from window")
	v.ctrl.Capture()
}

func (v *View) close() {
	if v.closed {
		return
	}
	v.closed = true
	if v.afterID != "" {
		v.tk.cancel(v.afterID)
		v.afterID = ""
	}
	if err := v.ctrl.Stop(); err != nil {
		debug.Error(err)
	}
	v.tk.destroy()
}

// encode returns img as PNG in a buffer reused by the next call.
func (v *View) encode(img image.Image) []byte {
	v.buf.Reset()
	if err := v.enc.Encode(&v.buf, img); err != nil {
		debug.Verbose("Window: png encode: %v", err)
		return nil
	}
	return v.buf.Bytes()
}

type encoderPool struct{ p sync.Pool }

func (e *encoderPool) Get() *png.EncoderBuffer {
	b, _ := e.p.Get().(*png.EncoderBuffer)
	return b
}

func (e *encoderPool) Put(b *png.EncoderBuffer) { e.p.Put(b) }
