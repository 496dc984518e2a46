package gpio

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/cjeanneret/VeinCam/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
)

// Driver names accepted by NewDriver.
const (
	DriverRPIO   = "rpio"
	DriverPeriph = "periph"
	DriverMock   = "mock"
)

// Driver defines the abstract interface for controlling GPIOs.
// This allows plugging in a real Raspberry Pi implementation
// or a mock for development on PC.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	Close() error
}

// NewDriver creates a GPIO driver by name: "rpio" (go-rpio, default),
// "periph" (periph.io) or "mock" (simulated, for development on PC).
func NewDriver(name string) (Driver, error) {
	switch name {
	case DriverMock:
		debug.Info("Using MOCK GPIO driver (development mode)")
		return NewMockDriver(nil), nil
	case DriverRPIO, "":
		return NewRPiRealDriver()
	case DriverPeriph:
		return NewPeriphDriver()
	default:
		return nil, fmt.Errorf("unknown gpio driver: %q", name)
	}
}

// echoDelay is the time an HC-SR04 takes to emit its 8-cycle burst
// before raising ECHO.
const echoDelay = 250 * time.Microsecond

// MockDriver is a test implementation that logs actions and remembers
// written levels. It can simulate an HC-SR04 echo (see SimulateEcho).
type MockDriver struct {
	mu     sync.Mutex
	clock  clock.Clock
	levels map[int]Level
	echo   *echoSim
	closed bool
}

type echoSim struct {
	trigger int
	echo    int
	pulse   time.Duration // zero means the sensor never answers
	firedAt time.Time
	armed   bool
}

// NewMockDriver creates a mock driver. A nil clock uses the wall clock.
func NewMockDriver(clk clock.Clock) *MockDriver {
	if clk == nil {
		clk = clock.New()
	}
	return &MockDriver{
		clock:  clk,
		levels: make(map[int]Level),
	}
}

// SimulateEcho makes the mock behave like an ultrasonic sensor wired to
// triggerPin/echoPin with an obstacle at distanceCm. A falling edge on the
// trigger pin starts a high pulse on the echo pin whose width matches the
// round trip. distanceCm <= 0 simulates a disconnected sensor.
func (m *MockDriver) SimulateEcho(triggerPin, echoPin int, distanceCm float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pulse time.Duration
	if distanceCm > 0 {
		pulse = time.Duration(distanceCm / 17150 * float64(time.Second))
	}
	m.echo = &echoSim{trigger: triggerPin, echo: echoPin, pulse: pulse}
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.levels[pin]
	m.levels[pin] = level
	if e := m.echo; e != nil && pin == e.trigger && prev == High && level == Low && e.pulse > 0 {
		e.firedAt = m.clock.Now()
		e.armed = true
	}
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.echo; e != nil && pin == e.echo {
		if !e.armed {
			return Low, nil
		}
		elapsed := m.clock.Since(e.firedAt)
		switch {
		case elapsed < echoDelay:
			return Low, nil
		case elapsed < echoDelay+e.pulse:
			return High, nil
		default:
			e.armed = false
			return Low, nil
		}
	}
	return m.levels[pin], nil
}

// Closed reports whether Close has been called.
func (m *MockDriver) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
