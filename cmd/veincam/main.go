package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/cjeanneret/VeinCam/internal/config"
	"github.com/cjeanneret/VeinCam/internal/debug"
	"github.com/cjeanneret/VeinCam/internal/hw/camera"
	"github.com/cjeanneret/VeinCam/internal/hw/gpio"
	"github.com/cjeanneret/VeinCam/internal/hw/rangefinder"
	"github.com/cjeanneret/VeinCam/internal/logic/capture"
	"github.com/cjeanneret/VeinCam/internal/logic/liveview"
	"github.com/cjeanneret/VeinCam/internal/ui/canvas"
	"github.com/cjeanneret/VeinCam/internal/web"
)

// options are the command line flags.
type options struct {
	configPath string
	web        *webPortFlag
	mock       bool
	captureDir string
	headless   bool
}

func main() {
	opts := options{web: &webPortFlag{defaultPort: 8080}}
	flag.Var(opts.web, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	flag.StringVar(&opts.configPath, "config", filepath.Join("configs", "default.yaml"), "path to config file")
	flag.BoolVar(&opts.mock, "mock", false, "use mock GPIO and the test pattern camera")
	flag.StringVar(&opts.captureDir, "capture_dir", "", "override storage.capture_dir")
	flag.BoolVar(&opts.headless, "headless", false, "run without the desktop window (requires -web)")
	flag.Parse()

	if err := run(opts); err != nil {
		log.Fatalf("veincam: %v", err)
	}
}

func run(opts options) error {
	if opts.headless && opts.web.port() == 0 {
		return errors.New("-headless requires -web")
	}
	if err := config.ValidateConfigPath(opts.configPath); err != nil {
		return err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}
	applyFlags(cfg, opts)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Logging: stdout, optional rotating file, optional SSE stream.
	debug.Init(cfg.Defaults.DebugLevel)
	outputs := []io.Writer{os.Stdout}
	if cfg.Defaults.LogFile != "" {
		lf := debug.RotatingFile(cfg.Defaults.LogFile, cfg.Defaults.LogMaxSizeMB, cfg.Defaults.LogMaxBackups)
		defer lf.Close()
		outputs = append(outputs, lf)
	}
	var broadcaster *web.StatusBroadcaster
	if opts.web.port() > 0 {
		broadcaster = web.NewStatusBroadcaster()
		outputs = append(outputs, web.BroadcastWriter(broadcaster))
	}
	debug.SetOutput(io.MultiWriter(outputs...))

	debug.Section("Initialization")
	debug.Value("Config path", opts.configPath)
	debug.Value("Debug level", debug.Level())
	debug.PrintStruct("Config", cfg)

	hw, err := openHardware(ctx, cfg)
	if err != nil {
		return err
	}

	debug.Step(4, "Preparing capture store")
	store := capture.NewStore(capture.Config{
		Dir:         cfg.Storage.CaptureDir,
		LogPath:     cfg.Storage.LogPath,
		JPEGQuality: cfg.Storage.JPEGQuality,
	})
	debug.Value("Capture dir", cfg.Storage.CaptureDir)
	debug.Value("CSV log", cfg.Storage.LogPath)

	cv := canvas.New(cfg.Camera.Width, cfg.Camera.Height, canvas.Options{FontSize: cfg.View.FontSize})
	ctrl := liveview.New(hw.camera, hw.sensor, store, cv, liveviewConfig(cfg, notifier(broadcaster)))
	ctrl.Own(hw.gpio, hw.camera)
	defer ctrl.Stop()

	if broadcaster != nil {
		feed := web.NewFeed(80)
		cv.AddSink(feed.Update)
		srv := web.NewServer(fmt.Sprintf(":%d", opts.web.port()), broadcaster, ctrl, feed, web.ViewConfig{
			Title:          cfg.View.Title,
			Width:          cfg.Camera.Width,
			Height:         cfg.Camera.Height,
			RenderPeriodMs: cfg.View.RenderPeriodMs,
			StreamFPS:      cfg.View.StreamFPS,
		})
		go func() {
			if err := srv.Run(ctx); err != nil {
				debug.Error(fmt.Errorf("web server: %w", err))
				cancel()
			}
		}()
	}

	if opts.headless {
		debug.Section("Live view (headless)")
		return ctrl.Run(ctx)
	}
	debug.Section("Live view")
	return runWindow(ctx, cfg, ctrl, cv)
}

// hardware holds the devices opened at startup, in acquisition order.
type hardware struct {
	gpio   gpio.Driver
	sensor *rangefinder.HCSR04
	camera camera.Camera
}

// openHardware acquires GPIO, sensor and camera in order. On failure
// everything acquired so far is released.
func openHardware(ctx context.Context, cfg *config.Config) (*hardware, error) {
	debug.Step(1, "Initializing GPIO driver")
	debug.Value("GPIO driver", cfg.GPIO.Driver)
	drv, err := gpio.NewDriver(cfg.GPIO.Driver)
	if err != nil {
		return nil, fmt.Errorf("init GPIO failed: %w", err)
	}
	if mock, ok := drv.(*gpio.MockDriver); ok {
		mock.SimulateEcho(cfg.GPIO.TriggerPin, cfg.GPIO.EchoPin, cfg.Sensor.MockDistanceCm)
		debug.Value("Simulated distance (cm)", cfg.Sensor.MockDistanceCm)
	}

	debug.Step(2, "Initializing rangefinder")
	sensor, err := rangefinder.New(drv, sensorConfig(cfg))
	if err != nil {
		closeQuietly("GPIO", drv)
		return nil, fmt.Errorf("init rangefinder failed: %w", err)
	}
	debug.Value("Trigger pin", cfg.GPIO.TriggerPin)
	debug.Value("Echo pin", cfg.GPIO.EchoPin)

	debug.Step(3, "Initializing camera")
	cam, err := camera.New(ctx, cameraConfig(cfg))
	if err != nil {
		closeQuietly("GPIO", drv)
		return nil, fmt.Errorf("init camera failed: %w", err)
	}
	debug.Value("Camera type", cfg.Camera.Type)

	return &hardware{gpio: drv, sensor: sensor, camera: cam}, nil
}

func closeQuietly(name string, c io.Closer) {
	if err := c.Close(); err != nil {
		log.Printf("closing %s failed: %v", name, err)
	}
}

// applyFlags folds command line overrides into cfg.
func applyFlags(cfg *config.Config, opts options) {
	if opts.mock || cfg.Defaults.MockGPIO {
		cfg.Defaults.MockGPIO = true
		cfg.GPIO.Driver = gpio.DriverMock
		cfg.Camera.Type = camera.TypePattern
	}
	if opts.captureDir != "" {
		cfg.Storage.CaptureDir = opts.captureDir
	}
}

func sensorConfig(cfg *config.Config) rangefinder.Config {
	return rangefinder.Config{
		TriggerPin:   cfg.GPIO.TriggerPin,
		EchoPin:      cfg.GPIO.EchoPin,
		TriggerPulse: cfg.TriggerPulse(),
		EchoTimeout:  cfg.EchoTimeout(),
		MaxRangeCm:   cfg.Sensor.MaxRangeCm,
	}
}

func cameraConfig(cfg *config.Config) camera.Config {
	return camera.Config{
		Type:    cfg.Camera.Type,
		Device:  cfg.Camera.Device,
		Command: cfg.Camera.Command,
		Width:   cfg.Camera.Width,
		Height:  cfg.Camera.Height,
		FPS:     cfg.Camera.FPS,
	}
}

func liveviewConfig(cfg *config.Config, notify func(liveview.Level, string)) liveview.Config {
	return liveview.Config{
		RenderPeriod:   cfg.RenderPeriod(),
		ShutdownGrace:  cfg.ShutdownGrace(),
		StatusDuration: cfg.StatusDuration(),
		SampleInterval: cfg.SampleInterval(),
		OverlayX:       cfg.View.OverlayX,
		OverlayY:       cfg.View.OverlayY,
		LineHeight:     cfg.View.FontSize * 1.5,
		Width:          cfg.Camera.Width,
		Height:         cfg.Camera.Height,
		Notify:         notify,
	}
}

// notifier logs controller notifications and forwards them to SSE clients
// when the web server is on.
func notifier(b *web.StatusBroadcaster) func(liveview.Level, string) {
	return func(level liveview.Level, msg string) {
		debug.Live("[%s] %s", level, msg)
		if b != nil {
			b.Notify(level, msg)
		}
	}
}

// webPortFlag implements flag.Value for -web: 0 disables the server, -web= or -web 8080 gives 8080, -web 8980 gives 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
