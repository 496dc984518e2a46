package liveview

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/cjeanneret/VeinCam/internal/hw/camera"
	"github.com/cjeanneret/VeinCam/internal/hw/rangefinder"
	"github.com/cjeanneret/VeinCam/internal/logic/capture"
)

// fixedFrames returns img, or err when set.
type fixedFrames struct {
	mu  sync.Mutex
	img image.Image
	err error
}

func (f *fixedFrames) LatestFrame() (image.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.img, f.err
}

func (f *fixedFrames) set(img image.Image, err error) {
	f.mu.Lock()
	f.img, f.err = img, err
	f.mu.Unlock()
}

// blockingSensor records concurrency and blocks each Sample until released.
type blockingSensor struct {
	mu        sync.Mutex
	calls     int
	active    int
	maxActive int
	release   chan struct{}
}

func newBlockingSensor() *blockingSensor {
	return &blockingSensor{release: make(chan struct{})}
}

func (s *blockingSensor) Sample(ctx context.Context) (rangefinder.Reading, error) {
	s.mu.Lock()
	s.calls++
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()
	select {
	case <-s.release:
		return rangefinder.Reading{Centimeters: 50, Valid: true}, nil
	case <-ctx.Done():
		return rangefinder.Reading{}, ctx.Err()
	}
}

func (s *blockingSensor) stats() (calls, maxActive int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, s.maxActive
}

// scriptedSensor returns results in order, then blocks until cancelled.
type scriptedSensor struct {
	mu      sync.Mutex
	results []sampleResult
}

func (s *scriptedSensor) Sample(ctx context.Context) (rangefinder.Reading, error) {
	s.mu.Lock()
	if len(s.results) > 0 {
		r := s.results[0]
		s.results = s.results[1:]
		s.mu.Unlock()
		return r.reading, r.err
	}
	s.mu.Unlock()
	<-ctx.Done()
	return rangefinder.Reading{}, ctx.Err()
}

// recordingSurface keeps the draw calls of the last presented frame.
type recordingSurface struct {
	mu       sync.Mutex
	pending  []string
	last     []string
	lastImg  image.Image
	presents int
}

func (s *recordingSurface) DrawImage(img image.Image) {
	s.mu.Lock()
	s.lastImg = img
	s.mu.Unlock()
}

func (s *recordingSurface) DrawText(x, y float64, text string) {
	s.mu.Lock()
	s.pending = append(s.pending, text)
	s.mu.Unlock()
}

func (s *recordingSurface) Present() error {
	s.mu.Lock()
	s.last, s.pending = s.pending, nil
	s.presents++
	s.mu.Unlock()
	return nil
}

func (s *recordingSurface) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.last...)
}

type countingCloser struct {
	name  string
	order *[]string
	mu    *sync.Mutex
	err   error
}

func (c countingCloser) Close() error {
	c.mu.Lock()
	*c.order = append(*c.order, c.name)
	c.mu.Unlock()
	return c.err
}

type nopStore struct{}

func (nopStore) Save(image.Image, rangefinder.Reading, time.Time) (capture.Record, error) {
	return capture.Record{}, nil
}

func solidFrame(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{200, 10, 10, 255})
		}
	}
	return img
}

// tickUntil ticks c until cond holds or the deadline passes.
func tickUntil(t *testing.T, c *Controller, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		c.Tick()
		time.Sleep(time.Millisecond)
	}
}

func startController(t *testing.T, frames FrameSource, sensor RangeSensor, store Store, surface Surface, cfg Config) *Controller {
	t.Helper()
	c := New(frames, sensor, store, surface, cfg)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { c.Stop() })
	return c
}

func TestDistanceText(t *testing.T) {
	tests := []struct {
		r    rangefinder.Reading
		want string
	}{
		{rangefinder.Reading{}, "Distance: unknown"},
		{rangefinder.Reading{Centimeters: 12.34, Valid: true}, "Distance: 12.34 cm"},
		{rangefinder.Reading{Centimeters: 3, Valid: true}, "Distance: 3.00 cm"},
	}
	for _, tt := range tests {
		if got := DistanceText(tt.r); got != tt.want {
			t.Errorf("DistanceText(%+v) = %q, want %q", tt.r, got, tt.want)
		}
	}
}

func TestTick_AtMostOneSampleInFlight(t *testing.T) {
	sensor := newBlockingSensor()
	surface := &recordingSurface{}
	c := startController(t, &fixedFrames{img: solidFrame(2, 2)}, sensor, nopStore{}, surface, Config{})

	const n = 50
	for i := 0; i < n; i++ {
		c.Tick()
	}
	// The worker may not have picked the request up yet.
	tickUntil(t, c, func() bool { calls, _ := sensor.stats(); return calls == 1 })

	st := c.Stats()
	if st.SamplesLaunched != 1 {
		t.Errorf("launched = %d, want 1 while the first sample is outstanding", st.SamplesLaunched)
	}
	if st.SamplesLaunched+st.SamplesSkipped != st.Ticks {
		t.Errorf("launched %d + skipped %d != ticks %d", st.SamplesLaunched, st.SamplesSkipped, st.Ticks)
	}
	if got := surface.texts(); len(got) == 0 || got[0] != "Distance: unknown" {
		t.Errorf("overlay = %v, want Distance: unknown first", got)
	}

	// Release a few samples; launches never exceed ticks and never overlap.
	for i := 0; i < 3; i++ {
		sensor.release <- struct{}{}
		want := uint64(i + 2)
		tickUntil(t, c, func() bool { return c.Stats().SamplesLaunched == want })
	}
	st = c.Stats()
	if st.SamplesLaunched > st.Ticks {
		t.Errorf("launched %d > ticks %d", st.SamplesLaunched, st.Ticks)
	}
	if _, maxActive := sensor.stats(); maxActive != 1 {
		t.Errorf("max concurrent samples = %d, want 1", maxActive)
	}
	if !c.Reading().Valid || c.Reading().Centimeters != 50 {
		t.Errorf("reading = %+v, want 50cm", c.Reading())
	}
}

func TestTick_SampleIntervalSpacesTriggers(t *testing.T) {
	clk := clock.NewMock()
	sensor := &scriptedSensor{results: []sampleResult{
		{reading: rangefinder.Reading{Centimeters: 10, Valid: true}},
		{reading: rangefinder.Reading{Centimeters: 20, Valid: true}},
	}}
	c := startController(t, &fixedFrames{img: solidFrame(2, 2)}, sensor, nopStore{}, &recordingSurface{}, Config{
		Clock:          clk,
		SampleInterval: 60 * time.Millisecond,
	})

	tickUntil(t, c, func() bool { return c.Reading().Centimeters == 10 })
	for i := 0; i < 20; i++ {
		c.Tick()
	}
	if n := c.Stats().SamplesLaunched; n != 1 {
		t.Fatalf("launched = %d before the interval elapsed, want 1", n)
	}

	clk.Add(59 * time.Millisecond)
	c.Tick()
	if n := c.Stats().SamplesLaunched; n != 1 {
		t.Fatalf("launched = %d at 59ms, want 1", n)
	}

	clk.Add(time.Millisecond)
	tickUntil(t, c, func() bool { return c.Reading().Centimeters == 20 })
	st := c.Stats()
	if st.SamplesLaunched != 2 {
		t.Errorf("launched = %d, want 2", st.SamplesLaunched)
	}
	if st.SamplesLaunched+st.SamplesSkipped != st.Ticks {
		t.Errorf("launched %d + skipped %d != ticks %d", st.SamplesLaunched, st.SamplesSkipped, st.Ticks)
	}
}

func TestTick_FailedSampleKeepsStaleReading(t *testing.T) {
	sensor := &scriptedSensor{results: []sampleResult{
		{reading: rangefinder.Reading{Centimeters: 12.34, Valid: true}},
		{err: fmt.Errorf("echo rise: %w", rangefinder.ErrTimeout)},
	}}
	surface := &recordingSurface{}
	c := startController(t, &fixedFrames{img: solidFrame(2, 2)}, sensor, nopStore{}, surface, Config{})

	tickUntil(t, c, func() bool { return c.Reading().Valid })
	before := c.Reading()

	tickUntil(t, c, func() bool { return c.Stats().SamplesFailed == 1 })
	if got := c.Reading(); got != before {
		t.Errorf("reading after failure = %+v, want unchanged %+v", got, before)
	}
	c.Tick()
	if got := surface.texts(); len(got) == 0 || got[0] != "Distance: 12.34 cm" {
		t.Errorf("overlay = %v, want stale 12.34", got)
	}
}

func TestStop_TwiceReleasesOnce(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	c := New(&fixedFrames{img: solidFrame(2, 2)}, newBlockingSensor(), nopStore{}, &recordingSurface{}, Config{})
	c.Own(countingCloser{name: "gpio", order: &order, mu: &mu}, countingCloser{name: "camera", order: &order, mu: &mu})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Tick()

	if err := c.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(order, ",") != "camera,gpio" {
		t.Errorf("close order = %v, want camera then gpio exactly once", order)
	}
	if c.State() != StateStopped {
		t.Errorf("state = %s", c.State())
	}
}

func TestStop_FromIdleAndCombinedErrors(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	errA, errB := errors.New("a"), errors.New("b")
	c := New(&fixedFrames{}, newBlockingSensor(), nopStore{}, &recordingSurface{}, Config{})
	c.Own(countingCloser{name: "a", order: &order, mu: &mu, err: errA}, countingCloser{name: "b", order: &order, mu: &mu, err: errB})

	err := c.Stop()
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Errorf("Stop err = %v, want both close errors", err)
	}
	if again := c.Stop(); again != err {
		t.Errorf("second Stop = %v, want first result %v", again, err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Error("Start after Stop should fail")
	}
}

func TestStop_AbandonsStuckSensorAfterGrace(t *testing.T) {
	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })
	sensor := sensorFunc(func(ctx context.Context) (rangefinder.Reading, error) {
		<-stuck // ignores ctx
		return rangefinder.Reading{}, nil
	})
	c := New(&fixedFrames{img: solidFrame(2, 2)}, sensor, nopStore{}, &recordingSurface{}, Config{ShutdownGrace: 20 * time.Millisecond})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Tick()
	tickUntil(t, c, func() bool { return c.Stats().SamplesLaunched == 1 })

	done := make(chan error, 1)
	go func() { done <- c.Stop() }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return within the grace period")
	}
}

type sensorFunc func(ctx context.Context) (rangefinder.Reading, error)

func (f sensorFunc) Sample(ctx context.Context) (rangefinder.Reading, error) { return f(ctx) }

func TestTick_AfterStopIsNoop(t *testing.T) {
	surface := &recordingSurface{}
	c := New(&fixedFrames{img: solidFrame(2, 2)}, newBlockingSensor(), nopStore{}, surface, Config{})
	c.Start(context.Background())
	c.Stop()
	c.Tick()
	if surface.presents != 0 {
		t.Errorf("presents = %d after Stop, want 0", surface.presents)
	}
	if res := <-c.Capture(); !errors.Is(res.Err, ErrNotRunning) {
		t.Errorf("Capture after Stop: %v, want ErrNotRunning", res.Err)
	}
}

func TestCapture_EndToEnd(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "Gambar")
	logPath := filepath.Join(root, "data.csv")
	store := capture.NewStore(capture.Config{Dir: dir, LogPath: logPath})

	clk := clock.NewMock()
	clk.Set(time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC))
	sensor := &scriptedSensor{results: []sampleResult{
		{reading: rangefinder.Reading{Centimeters: 12.34, Valid: true}},
	}}
	surface := &recordingSurface{}
	c := startController(t, &fixedFrames{img: solidFrame(2, 2)}, sensor, store, surface, Config{Clock: clk})

	tickUntil(t, c, func() bool { return c.Reading().Valid })

	reply := c.Capture()
	c.Tick()
	var res CaptureResult
	select {
	case res = <-reply:
	case <-time.After(2 * time.Second):
		t.Fatal("no capture result")
	}
	if res.Err != nil {
		t.Fatalf("capture: %v", res.Err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("capture dir has %d files, want 1", len(entries))
	}
	if name := entries[0].Name(); name != "capture_20240309_140507_Distance_12.34cm.jpg" {
		t.Errorf("file = %q", name)
	}

	f, err := os.Open(logPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0][0] != "20240309_140507" || rows[0][1] != "12.34" {
		t.Errorf("log rows = %v", rows)
	}

	if st := c.Stats(); st.CapturesOK != 1 || st.CapturesFailed != 0 {
		t.Errorf("stats = %+v", st)
	}
	c.Tick()
	if got := surface.texts(); len(got) < 2 || !strings.HasPrefix(got[1], "Saved ") {
		t.Errorf("status line = %v, want Saved ...", got)
	}
}

func TestCapture_StoreErrorSurfaced(t *testing.T) {
	boom := errors.New("read-only filesystem")
	var (
		mu       sync.Mutex
		notified []string
	)
	store := storeFunc(func(image.Image, rangefinder.Reading, time.Time) (capture.Record, error) {
		return capture.Record{}, boom
	})
	c := startController(t, &fixedFrames{img: solidFrame(2, 2)}, &scriptedSensor{}, store, &recordingSurface{}, Config{
		Notify: func(level Level, msg string) {
			mu.Lock()
			notified = append(notified, string(level)+":"+msg)
			mu.Unlock()
		},
	})

	reply := c.Capture()
	c.Tick()
	res := <-reply
	if !errors.Is(res.Err, boom) {
		t.Fatalf("err = %v, want %v", res.Err, boom)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(notified) != 1 || !strings.HasPrefix(notified[0], "error:Capture failed") {
		t.Errorf("notified = %v", notified)
	}
}

type storeFunc func(image.Image, rangefinder.Reading, time.Time) (capture.Record, error)

func (f storeFunc) Save(img image.Image, r rangefinder.Reading, at time.Time) (capture.Record, error) {
	return f(img, r, at)
}

func TestCapture_BusyAndDrainedOnStop(t *testing.T) {
	c := New(&fixedFrames{img: solidFrame(2, 2)}, &scriptedSensor{}, nopStore{}, &recordingSurface{}, Config{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	first := c.Capture()
	second := c.Capture()
	if res := <-second; !errors.Is(res.Err, ErrCaptureBusy) {
		t.Errorf("second capture: %v, want ErrCaptureBusy", res.Err)
	}

	c.Stop()
	if res := <-first; !errors.Is(res.Err, ErrNotRunning) {
		t.Errorf("queued capture after Stop: %v, want ErrNotRunning", res.Err)
	}
}

func TestTick_DegradedCamera(t *testing.T) {
	good := solidFrame(2, 2)
	frames := &fixedFrames{img: good}
	surface := &recordingSurface{}
	c := startController(t, frames, &scriptedSensor{}, nopStore{}, surface, Config{})

	c.Tick()
	frames.set(nil, fmt.Errorf("%w: process exited", camera.ErrUnavailable))
	c.Tick()

	surface.mu.Lock()
	shown := surface.lastImg
	surface.mu.Unlock()
	if shown != good {
		t.Error("degraded view should keep the last good frame")
	}
	if got := surface.texts(); len(got) < 2 || got[1] != "Camera unavailable" {
		t.Errorf("overlay = %v, want camera status line", got)
	}

	reply := c.Capture()
	c.Tick()
	if res := <-reply; !errors.Is(res.Err, ErrNoFrame) {
		t.Errorf("capture while degraded: %v, want ErrNoFrame", res.Err)
	}

	frames.set(good, nil)
	c.Tick()
	if got := surface.texts(); len(got) > 1 && got[1] == "Camera unavailable" {
		t.Error("status should clear once the camera recovers")
	}
}

func TestTick_PlaceholderBeforeFirstFrame(t *testing.T) {
	surface := &recordingSurface{}
	c := startController(t, &fixedFrames{err: camera.ErrNoFrame}, &scriptedSensor{}, nopStore{}, surface, Config{Width: 32, Height: 20})
	c.Tick()

	surface.mu.Lock()
	shown := surface.lastImg
	surface.mu.Unlock()
	if shown == nil || shown.Bounds().Dx() != 32 || shown.Bounds().Dy() != 20 {
		t.Fatalf("placeholder = %v, want 32x20", shown)
	}
	if got := surface.texts(); len(got) != 1 {
		t.Errorf("overlay = %v, want distance only while waiting for the first frame", got)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	surface := &recordingSurface{}
	c := New(&fixedFrames{img: solidFrame(2, 2)}, &scriptedSensor{}, nopStore{}, surface, Config{RenderPeriod: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for c.Stats().Ticks < 5 {
		if time.Now().After(deadline) {
			t.Fatal("Run did not tick")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if c.State() != StateStopped {
		t.Errorf("state = %s, want stopped", c.State())
	}
}
