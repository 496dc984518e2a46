package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/a8m/envsubst"
	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes bounds the size of a config file.
const MaxConfigFileBytes = 64 << 10

// GPIOConfig selects the digital I/O backend and the rangefinder pins (BCM).
type GPIOConfig struct {
	Driver     string `yaml:"driver"`      // "rpio", "periph" or "mock"
	TriggerPin int    `yaml:"trigger_pin"` // HC-SR04 TRIG
	EchoPin    int    `yaml:"echo_pin"`    // HC-SR04 ECHO (through a level shifter)
}

// SensorConfig tunes the ultrasonic rangefinder.
type SensorConfig struct {
	EchoTimeoutMs    int     `yaml:"echo_timeout_ms"`    // bound on each echo wait
	TriggerPulseUs   int     `yaml:"trigger_pulse_us"`   // trigger high time
	MaxRangeCm       float64 `yaml:"max_range_cm"`       // readings above are rejected
	MockDistanceCm   float64 `yaml:"mock_distance_cm"`   // simulated target for the mock driver, 0 = disconnected
	SampleIntervalMs int     `yaml:"sample_interval_ms"` // minimum gap between triggers
}

// CameraConfig describes the frame source.
type CameraConfig struct {
	Type    string `yaml:"type"`    // "rpicam", "v4l2" or "pattern"
	Device  string `yaml:"device"`  // v4l2 device, e.g. /dev/video0
	Command string `yaml:"command"` // rpicam binary override
	Width   int    `yaml:"width"`
	Height  int    `yaml:"height"`
	FPS     int    `yaml:"fps"`
}

// ViewConfig describes the live view window and overlay.
type ViewConfig struct {
	Title          string  `yaml:"title"`
	RenderPeriodMs int     `yaml:"render_period_ms"`
	OverlayX       float64 `yaml:"overlay_x"`
	OverlayY       float64 `yaml:"overlay_y"`
	FontSize       float64 `yaml:"font_size"`
	StatusMs       int     `yaml:"status_ms"` // how long a status line stays
	StreamFPS      int     `yaml:"stream_fps"`
}

// StorageConfig locates captures and the CSV log.
type StorageConfig struct {
	CaptureDir  string `yaml:"capture_dir"`
	LogPath     string `yaml:"log_path"`
	JPEGQuality int    `yaml:"jpeg_quality"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel      int    `yaml:"debug_level"`       // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO        bool   `yaml:"mock_gpio"`         // use mock GPIO and a test pattern camera
	ShutdownGraceMs int    `yaml:"shutdown_grace_ms"` // wait for in-flight work on exit
	LogFile         string `yaml:"log_file"`          // optional rotating log file
	LogMaxSizeMB    int    `yaml:"log_max_size_mb"`
	LogMaxBackups   int    `yaml:"log_max_backups"`
}

// Config aggregates all application configuration.
type Config struct {
	GPIO     GPIOConfig     `yaml:"gpio"`
	Sensor   SensorConfig   `yaml:"sensor"`
	Camera   CameraConfig   `yaml:"camera"`
	View     ViewConfig     `yaml:"view"`
	Storage  StorageConfig  `yaml:"storage"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// Default returns a configuration with every default applied, as if an
// empty file had been loaded.
func Default() *Config {
	cfg := Config{
		GPIO:   GPIOConfig{TriggerPin: 23, EchoPin: 24},
		Sensor: SensorConfig{MockDistanceCm: 25},
		View:   ViewConfig{OverlayX: 10, OverlayY: 10},
	}
	cfg.applyDefaults()
	return &cfg
}

// ValidateConfigPath accepts only .yaml files directly inside a configs/
// directory, without traversal.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if strings.Contains(filepath.ToSlash(path), "..") {
		return fmt.Errorf("config path %q must not contain '..'", path)
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must end in .yaml", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file, expands ${VAR} references from the environment,
// fills defaults and validates the result.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file %s is %d bytes, limit is %d", path, info.Size(), MaxConfigFileBytes)
	}

	data, err := envsubst.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Keys absent from the file keep their defaults; explicit zeros stay
	// zero (BCM 0 is a valid pin, a 0cm mock distance is a disconnected
	// sensor).
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.GPIO.Driver == "" {
		c.GPIO.Driver = "rpio"
	}

	if c.Sensor.EchoTimeoutMs <= 0 {
		c.Sensor.EchoTimeoutMs = 40 // covers the ~23ms echo at 4m
	}
	if c.Sensor.TriggerPulseUs <= 0 {
		c.Sensor.TriggerPulseUs = 10
	}
	if c.Sensor.MaxRangeCm <= 0 {
		c.Sensor.MaxRangeCm = 400
	}
	if c.Sensor.SampleIntervalMs <= 0 {
		c.Sensor.SampleIntervalMs = 60 // lets the previous ping die out
	}

	if c.Camera.Type == "" {
		c.Camera.Type = "rpicam"
	}
	if c.Camera.Width <= 0 {
		c.Camera.Width = 640
	}
	if c.Camera.Height <= 0 {
		c.Camera.Height = 400
	}
	if c.Camera.FPS <= 0 {
		c.Camera.FPS = 30
	}

	if c.View.Title == "" {
		c.View.Title = "Vein Camera App"
	}
	if c.View.RenderPeriodMs <= 0 {
		c.View.RenderPeriodMs = 10
	}
	if c.View.FontSize <= 0 {
		c.View.FontSize = 16
	}
	if c.View.StatusMs <= 0 {
		c.View.StatusMs = 3000
	}
	if c.View.StreamFPS <= 0 {
		c.View.StreamFPS = 15
	}

	if c.Storage.CaptureDir == "" {
		c.Storage.CaptureDir = "Gambar"
	}
	if c.Storage.LogPath == "" {
		c.Storage.LogPath = "data.csv"
	}
	if c.Storage.JPEGQuality == 0 {
		c.Storage.JPEGQuality = 95
	}

	if c.Defaults.ShutdownGraceMs <= 0 {
		c.Defaults.ShutdownGraceMs = 500
	}
	if c.Defaults.LogMaxSizeMB <= 0 {
		c.Defaults.LogMaxSizeMB = 10
	}
	if c.Defaults.LogMaxBackups <= 0 {
		c.Defaults.LogMaxBackups = 3
	}
}

// Validate checks ranges after defaults have been applied.
func (c *Config) Validate() error {
	switch c.GPIO.Driver {
	case "rpio", "periph", "mock":
	default:
		return fmt.Errorf("gpio.driver must be rpio, periph or mock, got %q", c.GPIO.Driver)
	}
	if c.GPIO.TriggerPin < 0 || c.GPIO.TriggerPin > 27 || c.GPIO.EchoPin < 0 || c.GPIO.EchoPin > 27 {
		return fmt.Errorf("gpio pins must be BCM 0-27, got trigger=%d echo=%d", c.GPIO.TriggerPin, c.GPIO.EchoPin)
	}
	if c.GPIO.TriggerPin == c.GPIO.EchoPin {
		return fmt.Errorf("gpio.trigger_pin and gpio.echo_pin must differ, both are %d", c.GPIO.TriggerPin)
	}
	switch c.Camera.Type {
	case "rpicam", "v4l2", "pattern":
	default:
		return fmt.Errorf("camera.type must be rpicam, v4l2 or pattern, got %q", c.Camera.Type)
	}
	if c.Sensor.MockDistanceCm < 0 || c.Sensor.MockDistanceCm > c.Sensor.MaxRangeCm {
		return fmt.Errorf("sensor.mock_distance_cm must be between 0 and %.0f, got %.2f", c.Sensor.MaxRangeCm, c.Sensor.MockDistanceCm)
	}
	if c.Storage.JPEGQuality < 1 || c.Storage.JPEGQuality > 100 {
		return fmt.Errorf("storage.jpeg_quality must be between 1 and 100, got %d", c.Storage.JPEGQuality)
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	return nil
}

// EchoTimeout bounds each wait on the echo pin.
func (c *Config) EchoTimeout() time.Duration {
	return time.Duration(c.Sensor.EchoTimeoutMs) * time.Millisecond
}

// TriggerPulse is how long the trigger pin is held high.
func (c *Config) TriggerPulse() time.Duration {
	return time.Duration(c.Sensor.TriggerPulseUs) * time.Microsecond
}

// SampleInterval is the minimum gap between two sensor triggers.
func (c *Config) SampleInterval() time.Duration {
	return time.Duration(c.Sensor.SampleIntervalMs) * time.Millisecond
}

// RenderPeriod is the live view tick interval.
func (c *Config) RenderPeriod() time.Duration {
	return time.Duration(c.View.RenderPeriodMs) * time.Millisecond
}

func (c *Config) StatusDuration() time.Duration {
	return time.Duration(c.View.StatusMs) * time.Millisecond
}

func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Defaults.ShutdownGraceMs) * time.Millisecond
}
