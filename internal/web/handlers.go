package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/cjeanneret/VeinCam/internal/debug"
	"github.com/cjeanneret/VeinCam/internal/hw/rangefinder"
	"github.com/cjeanneret/VeinCam/internal/logic/liveview"
)

// Controller is the live view as seen by the HTTP handlers.
type Controller interface {
	Capture() <-chan liveview.CaptureResult
	Reading() rangefinder.Reading
	Stats() liveview.Stats
	State() liveview.State
}

// ViewConfig is served on GET /config for the page script.
type ViewConfig struct {
	Title          string `json:"title"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	RenderPeriodMs int    `json:"render_period_ms"`
	StreamFPS      int    `json:"stream_fps"`
}

// ReadingResponse is the body of GET /reading.
type ReadingResponse struct {
	DistanceCm float64        `json:"distance_cm"`
	Valid      bool           `json:"valid"`
	Text       string         `json:"text"`
	At         *time.Time     `json:"at,omitempty"`
	State      string         `json:"state"`
	Stats      liveview.Stats `json:"stats"`
}

// CaptureResponse is the body of a successful POST /capture.
type CaptureResponse struct {
	ID       string `json:"id"`
	Path     string `json:"path"`
	Distance string `json:"distance"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster    *StatusBroadcaster
	Ctrl           Controller
	Feed           *Feed
	View           ViewConfig
	CaptureTimeout time.Duration
	staticFS       fs.FS
}

// NewHandlers creates handlers with the given dependencies.
// If ctrl is nil, POST /capture returns 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, ctrl Controller, feed *Feed, view ViewConfig, staticFS fs.FS) *Handlers {
	if view.StreamFPS <= 0 {
		view.StreamFPS = 15
	}
	return &Handlers{
		Broadcaster:    broadcaster,
		Ctrl:           ctrl,
		Feed:           feed,
		View:           view,
		CaptureTimeout: 10 * time.Second,
		staticFS:       staticFS,
	}
}

// HandleConfig returns the view settings as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.View)
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleReading returns the latest distance and controller counters.
func (h *Handlers) HandleReading(w http.ResponseWriter, r *http.Request) {
	if h.Ctrl == nil {
		http.Error(w, "live view not configured", http.StatusServiceUnavailable)
		return
	}
	rd := h.Ctrl.Reading()
	resp := ReadingResponse{
		DistanceCm: rd.Centimeters,
		Valid:      rd.Valid,
		Text:       liveview.DistanceText(rd),
		State:      h.Ctrl.State().String(),
		Stats:      h.Ctrl.Stats(),
	}
	if rd.Valid {
		at := rd.At
		resp.At = &at
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleCapture handles POST /capture. It waits for the save to finish so
// the client learns the outcome.
func (h *Handlers) HandleCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Ctrl == nil {
		http.Error(w, "capture not configured", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.CaptureTimeout)
	defer cancel()

	var res liveview.CaptureResult
	select {
	case res = <-h.Ctrl.Capture():
	case <-ctx.Done():
		http.Error(w, "capture timed out", http.StatusGatewayTimeout)
		return
	}

	switch {
	case res.Err == nil:
		writeJSON(w, http.StatusCreated, CaptureResponse{
			ID:       res.Record.ID,
			Path:     res.Record.ImagePath,
			Distance: res.Record.Reading.String(),
		})
	case errors.Is(res.Err, liveview.ErrCaptureBusy):
		http.Error(w, "capture already in progress", http.StatusConflict)
	case errors.Is(res.Err, liveview.ErrNotRunning), errors.Is(res.Err, liveview.ErrNoFrame):
		http.Error(w, res.Err.Error(), http.StatusServiceUnavailable)
	default:
		debug.Error(fmt.Errorf("web capture: %w", res.Err))
		http.Error(w, "capture failed: "+res.Err.Error(), http.StatusInternalServerError)
	}
}

// HandleSnapshot serves the latest composed frame as a JPEG.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	if h.Feed == nil {
		http.Error(w, "no feed", http.StatusServiceUnavailable)
		return
	}
	data, _, err := h.Feed.JPEG()
	if errors.Is(err, ErrNoFrame) {
		http.Error(w, "no frame yet", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

// HandleLive streams composed frames as multipart MJPEG, throttled to
// View.StreamFPS.
func (h *Handlers) HandleLive(w http.ResponseWriter, r *http.Request) {
	if h.Feed == nil {
		http.Error(w, "no feed", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	limiter := time.NewTicker(time.Second / time.Duration(h.View.StreamFPS))
	defer limiter.Stop()

	var seq uint64
	for {
		data, next, err := h.Feed.Wait(r.Context(), seq)
		if err != nil {
			return
		}
		seq = next
		header := fmt.Sprintf("--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(data))
		if _, err := w.Write([]byte(header)); err != nil {
			return
		}
		if _, err := w.Write(data); err != nil {
			return
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			return
		}
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		case <-limiter.C:
		}
	}
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()
	debug.Verbose("Status stream: client connected (%d listening)", h.Broadcaster.Subscribers())

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
