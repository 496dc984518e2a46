// Package rangefinder measures distance with an HC-SR04 style ultrasonic
// sensor: a short TRIG pulse makes the sensor emit a burst, and ECHO stays
// high for the round-trip time of the sound.
package rangefinder

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/cjeanneret/VeinCam/internal/debug"
	"github.com/cjeanneret/VeinCam/internal/hw/gpio"
)

// halfSpeedOfSound is in cm/s; the pulse covers the distance twice.
const halfSpeedOfSound = 17150.0

var (
	// ErrTimeout is returned when ECHO never transitions within the
	// configured timeout (disconnected sensor, wiring fault, no target).
	ErrTimeout = errors.New("rangefinder: echo timeout")
	// ErrOutOfRange is returned when the computed distance exceeds the
	// sensor's rated range.
	ErrOutOfRange = errors.New("rangefinder: reading out of range")
)

// Reading is a single distance sample. The zero value means "unknown".
type Reading struct {
	Centimeters float64
	At          time.Time
	Valid       bool
}

// String formats the distance with two decimals, or "unknown".
func (r Reading) String() string {
	if !r.Valid {
		return "unknown"
	}
	return strconv.FormatFloat(r.Centimeters, 'f', 2, 64)
}

// DistanceCm converts an echo pulse width to centimeters, rounded to two
// decimals.
func DistanceCm(pulse time.Duration) float64 {
	if pulse < 0 {
		pulse = 0
	}
	return math.Round(pulse.Seconds()*halfSpeedOfSound*100) / 100
}

// Config holds the hardware configuration for the sensor.
type Config struct {
	TriggerPin   int
	EchoPin      int
	TriggerPulse time.Duration // TRIG high time. 0 = 10µs.
	EchoTimeout  time.Duration // bound for each echo edge wait. 0 = 40ms.
	MaxRangeCm   float64       // 0 = no range check.
	Clock        clock.Clock   // nil = wall clock.
}

// HCSR04 owns the trigger and echo pins of one sensor.
type HCSR04 struct {
	mu    sync.Mutex
	gpio  gpio.Driver
	cfg   Config
	clock clock.Clock
}

// New configures the pins (TRIG output driven low, ECHO input).
func New(g gpio.Driver, cfg Config) (*HCSR04, error) {
	if cfg.TriggerPulse <= 0 {
		cfg.TriggerPulse = 10 * time.Microsecond
	}
	if cfg.EchoTimeout <= 0 {
		cfg.EchoTimeout = 40 * time.Millisecond
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	if err := g.SetupPin(cfg.TriggerPin, gpio.Output); err != nil {
		return nil, fmt.Errorf("setup trigger pin %d: %w", cfg.TriggerPin, err)
	}
	if err := g.SetupPin(cfg.EchoPin, gpio.Input); err != nil {
		return nil, fmt.Errorf("setup echo pin %d: %w", cfg.EchoPin, err)
	}
	if err := g.WritePin(cfg.TriggerPin, gpio.Low); err != nil {
		return nil, fmt.Errorf("drive trigger pin low: %w", err)
	}

	return &HCSR04{gpio: g, cfg: cfg, clock: clk}, nil
}

// Sample triggers one measurement and blocks until the echo completes,
// the timeout expires or ctx is done.
func (s *HCSR04) Sample(ctx context.Context) (Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	debug.Trace("Rangefinder: trigger (pin %d)", s.cfg.TriggerPin)
	if err := s.gpio.WritePin(s.cfg.TriggerPin, gpio.High); err != nil {
		return Reading{}, fmt.Errorf("trigger high: %w", err)
	}
	time.Sleep(s.cfg.TriggerPulse)
	if err := s.gpio.WritePin(s.cfg.TriggerPin, gpio.Low); err != nil {
		return Reading{}, fmt.Errorf("trigger low: %w", err)
	}

	start, err := s.waitFor(ctx, gpio.High, s.clock.Now(), "echo rise")
	if err != nil {
		return Reading{}, err
	}
	end, err := s.waitFor(ctx, gpio.Low, start, "echo fall")
	if err != nil {
		return Reading{}, err
	}

	cm := DistanceCm(end.Sub(start))
	if s.cfg.MaxRangeCm > 0 && cm > s.cfg.MaxRangeCm {
		return Reading{}, fmt.Errorf("%.2f cm > %.0f cm: %w", cm, s.cfg.MaxRangeCm, ErrOutOfRange)
	}
	return Reading{Centimeters: cm, At: end, Valid: true}, nil
}

// waitFor polls ECHO until it reads want and returns the instant it did.
// The wait is bounded by EchoTimeout measured from since.
func (s *HCSR04) waitFor(ctx context.Context, want gpio.Level, since time.Time, phase string) (time.Time, error) {
	deadline := since.Add(s.cfg.EchoTimeout)
	for {
		lvl, err := s.gpio.ReadPin(s.cfg.EchoPin)
		if err != nil {
			return time.Time{}, fmt.Errorf("%s: read echo: %w", phase, err)
		}
		now := s.clock.Now()
		if lvl == want {
			return now, nil
		}
		if now.After(deadline) {
			return time.Time{}, fmt.Errorf("%s after %v: %w", phase, s.cfg.EchoTimeout, ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return time.Time{}, ctx.Err()
		default:
		}
	}
}
