package tkview

import (
	"image"
	"time"

	//lint:ignore ST1001 Dot import is intentional for concise Tk widget DSL builders.
	. "modernc.org/tk9.0"
)

// tkWindow is the toolkit backed by the Tk main window.
type tkWindow struct {
	label *LabelWidget
	photo *Img
}

// New builds the main window. It must be called on the Tk thread, before
// Run.
func New(title string, width, height int, ctrl Controller) *View {
	w := &tkWindow{}
	v := newView(ctrl, w)
	App.WmTitle(title)

	w.photo = NewPhoto(Data(v.encode(image.NewRGBA(image.Rect(0, 0, width, height)))))
	w.label = Label(Image(w.photo), Borderwidth(0))
	Pack(w.label)
	Pack(Button(Txt("Capture"), Command(v.capture)), Pady(20))

	Bind(App, "<space>", Command(v.capture))
	WmProtocol(App, "WM_DELETE_WINDOW", v.close)
	return v
}

func (w *tkWindow) after(d time.Duration, f func()) string { return TclAfter(d, f) }

func (w *tkWindow) cancel(id string) { TclAfterCancel(id) }

// show swaps in a new photo and frees the previous one.
func (w *tkWindow) show(data []byte) {
	if w.photo != nil {
		w.photo.Delete()
	}
	w.photo = NewPhoto(Data(data))
	w.label.Configure(Image(w.photo))
}

func (w *tkWindow) wait() { App.Wait() }

func (w *tkWindow) destroy() { Destroy(App) }
