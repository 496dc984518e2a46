// Package liveview runs the live preview: it renders camera frames with the
// latest distance overlay, keeps one rangefinder sample in flight at a time
// and hands capture requests to the store.
//
// All display state is owned by the render cadence, i.e. whatever calls
// Tick (the Tk event loop or Run's ticker). Sample results and capture
// outcomes produced elsewhere reach it over channels.
package liveview

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/cjeanneret/VeinCam/internal/debug"
	"github.com/cjeanneret/VeinCam/internal/hw/camera"
	"github.com/cjeanneret/VeinCam/internal/hw/rangefinder"
	"github.com/cjeanneret/VeinCam/internal/logic/capture"
)

var (
	ErrNotRunning  = errors.New("liveview: controller not running")
	ErrNoFrame     = errors.New("liveview: no camera frame to capture")
	ErrCaptureBusy = errors.New("liveview: a capture is already queued")
)

// FrameSource returns the newest camera frame without blocking.
type FrameSource interface {
	LatestFrame() (image.Image, error)
}

// RangeSensor performs one blocking distance measurement.
type RangeSensor interface {
	Sample(ctx context.Context) (rangefinder.Reading, error)
}

// Store persists a captured frame with its reading.
type Store interface {
	Save(frame image.Image, reading rangefinder.Reading, at time.Time) (capture.Record, error)
}

// Surface is the display. It is only ever called from the render cadence.
type Surface interface {
	DrawImage(img image.Image)
	DrawText(x, y float64, text string)
	Present() error
}

// State is the controller lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Level classifies a user-facing notification.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config tunes the controller. Zero values take the defaults below.
type Config struct {
	RenderPeriod   time.Duration // 10ms
	ShutdownGrace  time.Duration // 500ms
	StatusDuration time.Duration // 3s
	SampleInterval time.Duration // 60ms between sensor triggers, negative for none
	OverlayX       float64       // distance text origin, used as given
	OverlayY       float64       // top-left anchored
	LineHeight     float64       // 24
	Width, Height  int           // placeholder size, 640x400
	Clock          clock.Clock

	// Notify receives capture outcomes and health changes. It may be
	// called from any goroutine and must not block.
	Notify func(level Level, msg string)
}

func (cfg *Config) setDefaults() {
	if cfg.RenderPeriod <= 0 {
		cfg.RenderPeriod = 10 * time.Millisecond
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 500 * time.Millisecond
	}
	if cfg.SampleInterval == 0 {
		cfg.SampleInterval = 60 * time.Millisecond
	}
	if cfg.StatusDuration <= 0 {
		cfg.StatusDuration = 3 * time.Second
	}
	if cfg.LineHeight <= 0 {
		cfg.LineHeight = 24
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = 640, 400
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
}

// CaptureResult is delivered exactly once per Capture call.
type CaptureResult struct {
	Record capture.Record
	Err    error
}

// Stats are cumulative counters, readable from any goroutine.
type Stats struct {
	Ticks           uint64 `json:"ticks"`
	SamplesLaunched uint64 `json:"samples_launched"`
	SamplesSkipped  uint64 `json:"samples_skipped"`
	SamplesFailed   uint64 `json:"samples_failed"`
	CapturesOK      uint64 `json:"captures_ok"`
	CapturesFailed  uint64 `json:"captures_failed"`
}

type sampleResult struct {
	reading rangefinder.Reading
	err     error
}

type notice struct {
	level Level
	text  string
}

// Controller is the live view state machine: Idle -> Running -> Stopped.
type Controller struct {
	cfg     Config
	frames  FrameSource
	sensor  RangeSensor
	store   Store
	surface Surface

	state atomic.Int32

	// mu guards closers and the Running check in Capture against Stop.
	mu      sync.Mutex
	closers []io.Closer

	// tickMu keeps Stop from overlapping a tick.
	tickMu sync.Mutex

	// Render cadence state.
	reading      rangefinder.Reading
	lastFrame    image.Image
	placeholder  image.Image
	degraded     bool
	sampleFailed bool
	inFlight     bool
	lastLaunch   time.Time
	status       notice
	statusUntil  time.Time

	published atomic.Pointer[rangefinder.Reading]

	sampleReq  chan struct{}
	sampleRes  chan sampleResult
	captureReq chan chan CaptureResult
	notices    chan notice

	cancel     context.CancelFunc
	workerDone chan struct{}
	saves      sync.WaitGroup
	stopped    chan struct{}
	stopOnce   sync.Once
	stopErr    error

	ticks, launched, skipped, sampleFails, capturesOK, captureFails atomic.Uint64
}

// New builds an idle controller.
func New(frames FrameSource, sensor RangeSensor, store Store, surface Surface, cfg Config) *Controller {
	cfg.setDefaults()
	return &Controller{
		cfg:        cfg,
		frames:     frames,
		sensor:     sensor,
		store:      store,
		surface:    surface,
		sampleReq:  make(chan struct{}, 1),
		sampleRes:  make(chan sampleResult, 1),
		captureReq: make(chan chan CaptureResult, 1),
		notices:    make(chan notice, 8),
		workerDone: make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Own registers resources released by Stop, in reverse order.
func (c *Controller) Own(closers ...io.Closer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closers = append(c.closers, closers...)
}

func (c *Controller) State() State { return State(c.state.Load()) }

// RenderPeriod is the configured tick interval.
func (c *Controller) RenderPeriod() time.Duration { return c.cfg.RenderPeriod }

// Stopped is closed once Stop has begun.
func (c *Controller) Stopped() <-chan struct{} { return c.stopped }

// Reading returns the latest successful sample, or the zero Reading.
func (c *Controller) Reading() rangefinder.Reading {
	if r := c.published.Load(); r != nil {
		return *r
	}
	return rangefinder.Reading{}
}

func (c *Controller) Stats() Stats {
	return Stats{
		Ticks:           c.ticks.Load(),
		SamplesLaunched: c.launched.Load(),
		SamplesSkipped:  c.skipped.Load(),
		SamplesFailed:   c.sampleFails.Load(),
		CapturesOK:      c.capturesOK.Load(),
		CapturesFailed:  c.captureFails.Load(),
	}
}

// Start moves the controller to Running and starts the sample worker.
// Ticks are then expected from the caller's render cadence.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return fmt.Errorf("liveview: cannot start from state %s", c.State())
	}
	workerCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.sampleWorker(workerCtx)
	debug.Info("Live view started (render every %v)", c.cfg.RenderPeriod)
	return nil
}

// Run starts the controller and ticks it every RenderPeriod until ctx is
// cancelled or Stop is called. Cancellation stops the controller.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	t := c.cfg.Clock.Ticker(c.cfg.RenderPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return c.Stop()
		case <-c.stopped:
			return nil
		case <-t.C:
			c.Tick()
		}
	}
}

// sampleWorker is the single goroutine allowed to call the sensor.
func (c *Controller) sampleWorker(ctx context.Context) {
	defer close(c.workerDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.sampleReq:
		}
		r, err := c.sensor.Sample(ctx)
		select {
		case c.sampleRes <- sampleResult{reading: r, err: err}:
		case <-ctx.Done():
			return
		}
	}
}

// Tick performs one render step. It must only be called from the render
// cadence and is a no-op unless the controller is running.
func (c *Controller) Tick() {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	if c.State() != StateRunning {
		return
	}
	c.ticks.Add(1)
	now := c.cfg.Clock.Now()

	c.applySample()
	c.launchSample(now)
	frame, fresh := c.fetchFrame()
	c.serveCaptures(frame, fresh, now)
	c.drainNotices(now)
	c.render(frame, now)
}

func (c *Controller) applySample() {
	select {
	case res := <-c.sampleRes:
		c.inFlight = false
		if res.err != nil {
			c.sampleFails.Add(1)
			debug.Verbose("Sample failed, keeping %s: %v", c.reading, res.err)
			if !c.sampleFailed {
				c.sampleFailed = true
				debug.Warn("Rangefinder not answering: %v", res.err)
			}
			return
		}
		if c.sampleFailed {
			c.sampleFailed = false
			debug.Info("Rangefinder recovered")
		}
		c.reading = res.reading
		r := res.reading
		c.published.Store(&r)
		debug.Reading(r.Centimeters)
	default:
	}
}

// launchSample hands a request to the worker unless one is outstanding or
// the previous trigger was less than SampleInterval ago. Ticks that do not
// launch count as skipped.
func (c *Controller) launchSample(now time.Time) {
	if c.inFlight || (!c.lastLaunch.IsZero() && now.Sub(c.lastLaunch) < c.cfg.SampleInterval) {
		c.skipped.Add(1)
		return
	}
	select {
	case c.sampleReq <- struct{}{}:
		c.inFlight = true
		c.lastLaunch = now
		c.launched.Add(1)
	default:
		c.skipped.Add(1)
	}
}

// fetchFrame returns the frame to show and whether it is fresh from the
// camera. On failure it falls back to the last good frame or a placeholder.
func (c *Controller) fetchFrame() (image.Image, bool) {
	img, err := c.frames.LatestFrame()
	if err == nil && img != nil {
		if c.degraded {
			c.degraded = false
			debug.Info("Camera recovered")
			c.notify(LevelInfo, "Camera recovered")
		}
		c.lastFrame = img
		return img, true
	}

	if err != nil && !errors.Is(err, camera.ErrNoFrame) && !c.degraded {
		c.degraded = true
		debug.Warn("Camera degraded: %v", err)
		c.notify(LevelWarn, "Camera unavailable")
	}
	if c.lastFrame != nil {
		return c.lastFrame, false
	}
	if c.placeholder == nil {
		c.placeholder = newPlaceholder(c.cfg.Width, c.cfg.Height)
	}
	return c.placeholder, false
}

func newPlaceholder(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{40, 40, 40, 255}}, image.Point{}, draw.Src)
	return img
}

// Capture asks the render cadence to save the current frame and reading.
// It is safe from any goroutine; the channel yields exactly one result.
func (c *Controller) Capture() <-chan CaptureResult {
	reply := make(chan CaptureResult, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != StateRunning {
		reply <- CaptureResult{Err: ErrNotRunning}
		return reply
	}
	select {
	case c.captureReq <- reply:
	default:
		reply <- CaptureResult{Err: ErrCaptureBusy}
	}
	return reply
}

func (c *Controller) serveCaptures(frame image.Image, fresh bool, now time.Time) {
	for {
		select {
		case reply := <-c.captureReq:
			if !fresh {
				c.finishCapture(reply, capture.Record{}, ErrNoFrame)
				continue
			}
			reading := c.reading
			c.saves.Add(1)
			go func() {
				defer c.saves.Done()
				rec, err := c.store.Save(frame, reading, now)
				c.finishCapture(reply, rec, err)
			}()
		default:
			return
		}
	}
}

func (c *Controller) finishCapture(reply chan<- CaptureResult, rec capture.Record, err error) {
	if err != nil {
		c.captureFails.Add(1)
		debug.Error(fmt.Errorf("capture: %w", err))
		c.notify(LevelError, "Capture failed: "+err.Error())
	} else {
		c.capturesOK.Add(1)
		c.notify(LevelInfo, "Saved "+rec.ImagePath)
	}
	reply <- CaptureResult{Record: rec, Err: err}
}

// notify forwards to the Notify hook and queues the status line for the
// render cadence. The queue drops on overflow.
func (c *Controller) notify(level Level, msg string) {
	if c.cfg.Notify != nil {
		c.cfg.Notify(level, msg)
	}
	select {
	case c.notices <- notice{level: level, text: msg}:
	default:
	}
}

func (c *Controller) drainNotices(now time.Time) {
	for {
		select {
		case n := <-c.notices:
			c.status = n
			c.statusUntil = now.Add(c.cfg.StatusDuration)
		default:
			return
		}
	}
}

// DistanceText is the overlay label for r.
func DistanceText(r rangefinder.Reading) string {
	if !r.Valid {
		return "Distance: unknown"
	}
	return "Distance: " + r.String() + " cm"
}

func (c *Controller) render(frame image.Image, now time.Time) {
	x, y := c.cfg.OverlayX, c.cfg.OverlayY
	c.surface.DrawImage(frame)
	c.surface.DrawText(x, y, DistanceText(c.reading))
	switch {
	case c.degraded:
		c.surface.DrawText(x, y+c.cfg.LineHeight, "Camera unavailable")
	case c.status.text != "" && now.Before(c.statusUntil):
		c.surface.DrawText(x, y+c.cfg.LineHeight, c.status.text)
	}
	if err := c.surface.Present(); err != nil {
		debug.Verbose("Present failed: %v", err)
	}
}

// Stop shuts the controller down: no further ticks or samples, a bounded
// wait for the sample worker and pending saves, then every owned resource
// is closed once. Later calls return the first call's result.
func (c *Controller) Stop() error {
	c.stopOnce.Do(func() { c.stopErr = c.shutdown() })
	return c.stopErr
}

func (c *Controller) shutdown() error {
	c.mu.Lock()
	prev := State(c.state.Swap(int32(StateStopped)))
	close(c.stopped)
	c.mu.Unlock()

	// Wait out a tick in progress; later ticks see StateStopped.
	c.tickMu.Lock()
	c.tickMu.Unlock()

drain:
	for {
		select {
		case reply := <-c.captureReq:
			reply <- CaptureResult{Err: ErrNotRunning}
		default:
			break drain
		}
	}

	if prev == StateRunning {
		debug.Info("Live view stopping")
		c.cancel()
		c.awaitBackground()
		logStats(c.Stats())
	}

	c.mu.Lock()
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()

	var err error
	for i := len(closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, closers[i].Close())
	}
	if err != nil {
		debug.Error(fmt.Errorf("release resources: %w", err))
	}
	return err
}

func logStats(st Stats) {
	debug.Summary("Live view stopped")
	debug.Value("Ticks", st.Ticks)
	debug.Value("Samples launched", st.SamplesLaunched)
	debug.Value("Samples skipped", st.SamplesSkipped)
	debug.Value("Samples failed", st.SamplesFailed)
	debug.Value("Captures saved", st.CapturesOK)
	debug.Value("Captures failed", st.CapturesFailed)
}

// awaitBackground waits for the sample worker and pending saves, giving up
// after ShutdownGrace.
func (c *Controller) awaitBackground() {
	done := make(chan struct{})
	go func() {
		<-c.workerDone
		c.saves.Wait()
		close(done)
	}()
	timer := time.NewTimer(c.cfg.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		debug.Warn("Live view: background work still running after %v, abandoning", c.cfg.ShutdownGrace)
	}
}
