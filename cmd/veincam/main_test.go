package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cjeanneret/VeinCam/internal/config"
	"github.com/cjeanneret/VeinCam/internal/hw/camera"
	"github.com/cjeanneret/VeinCam/internal/hw/gpio"
	"github.com/cjeanneret/VeinCam/internal/logic/liveview"
	"github.com/cjeanneret/VeinCam/internal/web"
)

// ---------- webPortFlag ----------

func TestWebPortFlag_EmptyString(t *testing.T) {
	w := &webPortFlag{defaultPort: 8080}
	if err := w.Set(""); err != nil {
		t.Fatalf("Set(\"\") error: %v", err)
	}
	if w.port() != 8080 {
		t.Errorf("expected default port 8080, got %d", w.port())
	}
}

func TestWebPortFlag_ValidPorts(t *testing.T) {
	cases := []struct {
		input string
		want  int
	}{
		{"8080", 8080},
		{"1", 1},
		{"65535", 65535},
		{"3000", 3000},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			w := &webPortFlag{defaultPort: 8080}
			if err := w.Set(tc.input); err != nil {
				t.Fatalf("Set(%q) error: %v", tc.input, err)
			}
			if w.port() != tc.want {
				t.Errorf("port() = %d, want %d", w.port(), tc.want)
			}
		})
	}
}

func TestWebPortFlag_InvalidPorts(t *testing.T) {
	cases := []string{"0", "65536", "-1", "abc", "8080.5"}
	for _, input := range cases {
		t.Run(input, func(t *testing.T) {
			w := &webPortFlag{defaultPort: 8080}
			if err := w.Set(input); err == nil {
				t.Errorf("Set(%q) should fail, got nil", input)
			}
		})
	}
}

func TestWebPortFlag_String(t *testing.T) {
	w := &webPortFlag{val: 0}
	if s := w.String(); s != "0" {
		t.Errorf("String() = %q, want \"0\"", s)
	}
	w.val = 9090
	if s := w.String(); s != "9090" {
		t.Errorf("String() = %q, want \"9090\"", s)
	}
}

// ---------- applyFlags ----------

func TestApplyFlags_MockSwitchesHardware(t *testing.T) {
	cfg := config.Default()
	applyFlags(cfg, options{web: &webPortFlag{}, mock: true})

	if cfg.GPIO.Driver != gpio.DriverMock {
		t.Errorf("gpio.driver = %q, want mock", cfg.GPIO.Driver)
	}
	if cfg.Camera.Type != camera.TypePattern {
		t.Errorf("camera.type = %q, want pattern", cfg.Camera.Type)
	}
	if !cfg.Defaults.MockGPIO {
		t.Error("mock_gpio should be set")
	}
}

func TestApplyFlags_MockFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Defaults.MockGPIO = true
	applyFlags(cfg, options{web: &webPortFlag{}})
	if cfg.GPIO.Driver != gpio.DriverMock || cfg.Camera.Type != camera.TypePattern {
		t.Errorf("mock_gpio in config should select mock hardware, got %q/%q", cfg.GPIO.Driver, cfg.Camera.Type)
	}
}

func TestApplyFlags_CaptureDir(t *testing.T) {
	cfg := config.Default()
	applyFlags(cfg, options{web: &webPortFlag{}, captureDir: "/tmp/shots"})
	if cfg.Storage.CaptureDir != "/tmp/shots" {
		t.Errorf("capture_dir = %q", cfg.Storage.CaptureDir)
	}
	if cfg.GPIO.Driver != "rpio" {
		t.Errorf("gpio.driver changed to %q without -mock", cfg.GPIO.Driver)
	}
}

func TestApplyFlags_ZeroLeavesUnchanged(t *testing.T) {
	cfg := config.Default()
	want := *cfg
	applyFlags(cfg, options{web: &webPortFlag{}})
	if *cfg != want {
		t.Errorf("config changed without flags: %+v", cfg)
	}
}

// ---------- config mapping ----------

func TestSensorConfig(t *testing.T) {
	cfg := config.Default()
	sc := sensorConfig(cfg)
	if sc.TriggerPin != 23 || sc.EchoPin != 24 {
		t.Errorf("pins = %d/%d, want 23/24", sc.TriggerPin, sc.EchoPin)
	}
	if sc.TriggerPulse != 10*time.Microsecond || sc.EchoTimeout != 40*time.Millisecond {
		t.Errorf("timing = %v/%v", sc.TriggerPulse, sc.EchoTimeout)
	}
	if sc.MaxRangeCm != 400 {
		t.Errorf("max range = %v", sc.MaxRangeCm)
	}
}

func TestLiveviewConfig(t *testing.T) {
	cfg := config.Default()
	lc := liveviewConfig(cfg, nil)
	if lc.RenderPeriod != 10*time.Millisecond || lc.ShutdownGrace != 500*time.Millisecond {
		t.Errorf("timing = %v/%v", lc.RenderPeriod, lc.ShutdownGrace)
	}
	if lc.SampleInterval != 60*time.Millisecond {
		t.Errorf("sample interval = %v, want 60ms", lc.SampleInterval)
	}
	if lc.Width != 640 || lc.Height != 400 {
		t.Errorf("size = %dx%d", lc.Width, lc.Height)
	}
	if lc.OverlayX != 10 || lc.OverlayY != 10 {
		t.Errorf("overlay = %v,%v", lc.OverlayX, lc.OverlayY)
	}
}

// ---------- startup ----------

func TestOpenHardware_Mock(t *testing.T) {
	cfg := config.Default()
	applyFlags(cfg, options{web: &webPortFlag{}, mock: true})
	cfg.Camera.Width, cfg.Camera.Height = 16, 10

	hw, err := openHardware(context.Background(), cfg)
	if err != nil {
		t.Fatalf("openHardware: %v", err)
	}
	defer hw.camera.Close()
	defer hw.gpio.Close()

	r, err := hw.sensor.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample on simulated sensor: %v", err)
	}
	// Polling granularity on a busy machine makes the result approximate.
	if r.Centimeters < 15 || r.Centimeters > 40 {
		t.Errorf("simulated distance = %v, want about 25", r.Centimeters)
	}
	img, err := hw.camera.LatestFrame()
	if err != nil {
		t.Fatalf("LatestFrame: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 16 || b.Dy() != 10 {
		t.Errorf("frame = %v, want 16x10", b)
	}
}

func TestOpenHardware_UnknownDriver(t *testing.T) {
	cfg := config.Default()
	cfg.GPIO.Driver = "wiringpi"
	if _, err := openHardware(context.Background(), cfg); err == nil {
		t.Error("expected error for unknown GPIO driver")
	}
}

func TestRun_HeadlessRequiresWeb(t *testing.T) {
	err := run(options{configPath: "configs/default.yaml", web: &webPortFlag{}, headless: true})
	if err == nil {
		t.Error("expected error for -headless without -web")
	}
}

func TestRun_RejectsConfigOutsideConfigsDir(t *testing.T) {
	err := run(options{configPath: "/etc/passwd", web: &webPortFlag{}})
	if err == nil {
		t.Error("expected error for config path outside configs/")
	}
}

// ---------- notifier ----------

func TestNotifier_ForwardsToBroadcaster(t *testing.T) {
	b := web.NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	notifier(b)(liveview.LevelWarn, "Camera unavailable")

	select {
	case msg := <-ch:
		var evt web.StatusEvent
		if err := json.Unmarshal([]byte(msg), &evt); err != nil {
			t.Fatal(err)
		}
		if evt.Level != "warn" || evt.Msg != "Camera unavailable" {
			t.Errorf("event = %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no broadcast")
	}

	notifier(nil)(liveview.LevelInfo, "no web server") // must not panic
}
