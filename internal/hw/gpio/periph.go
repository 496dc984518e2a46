package gpio

import (
	"fmt"
	"strconv"
	"sync"

	pgpio "periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/cjeanneret/VeinCam/internal/debug"
)

// PeriphDriver drives BCM-numbered pins through periph.io. It works on
// boards where the go-rpio register map is unavailable (Pi 5, other SBCs
// exposing a gpiochip).
type PeriphDriver struct {
	mu   sync.Mutex
	pins map[int]pgpio.PinIO
}

// NewPeriphDriver initializes the periph.io host drivers.
func NewPeriphDriver() (*PeriphDriver, error) {
	debug.Info("Initializing real GPIO driver (periph.io)")
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to init periph host: %w", err)
	}
	return &PeriphDriver{pins: make(map[int]pgpio.PinIO)}, nil
}

func (d *PeriphDriver) lookup(pin int) (pgpio.PinIO, error) {
	if p, ok := d.pins[pin]; ok {
		return p, nil
	}
	p := gpioreg.ByName("GPIO" + strconv.Itoa(pin))
	if p == nil {
		return nil, fmt.Errorf("gpio pin %d not found", pin)
	}
	d.pins[pin] = p
	return p, nil
}

func (d *PeriphDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	d.mu.Lock()
	defer d.mu.Unlock()

	p, err := d.lookup(pin)
	if err != nil {
		return err
	}
	switch mode {
	case Input:
		return p.In(pgpio.PullDown, pgpio.NoEdge)
	case Output:
		return p.Out(pgpio.Low)
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}
}

func (d *PeriphDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	d.mu.Lock()
	defer d.mu.Unlock()

	p, err := d.lookup(pin)
	if err != nil {
		return err
	}
	return p.Out(pgpio.Level(level))
}

func (d *PeriphDriver) ReadPin(pin int) (Level, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, err := d.lookup(pin)
	if err != nil {
		return Low, err
	}
	return Level(p.Read()), nil
}

func (d *PeriphDriver) Close() error {
	debug.Trace("GPIO Close (periph driver)")
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for pin, p := range d.pins {
		debug.Verbose("Resetting pin %d to input", pin)
		if err := p.In(pgpio.PullNoChange, pgpio.NoEdge); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("reset pin %d: %w", pin, err)
		}
	}
	d.pins = make(map[int]pgpio.PinIO)
	return firstErr
}
