// Package gpio drives ESCs from the Raspberry Pi hardware PWM block using go-rpio.
package gpio

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/stianeikeland/go-rpio/v4"

	"github.com/kartlab/escd/internal/device"
	"github.com/kartlab/escd/pkg/core"
)

// CycleLength is the number of PWM clock ticks per signal period.
const CycleLength = 2000

const (
	pollInterval = 5 * time.Millisecond
	bounceTime   = 50 * time.Millisecond
)

// Pins with a hardware PWM channel. 12/18 and 13/19 share a channel.
var pwmPins = map[int]bool{
	12: true,
	13: true,
	18: true,
	19: true,
}

// pwmChannel maps a pin to its PWM channel.
func pwmChannel(pin int) int {
	if pin == 13 || pin == 19 {
		return 1
	}
	return 0
}

type output struct {
	pin     rpio.Pin
	profile core.MotorProfile
}

// Driver implements device.Driver on BCM GPIO pins.
type Driver struct {
	mu       sync.Mutex
	outputs  map[string]output
	channels map[int]string
	digital  map[int]rpio.Pin
	closed   bool

	cancel context.CancelFunc
	ctx    context.Context
	wg     sync.WaitGroup
	logger *slog.Logger
}

// Open maps the GPIO registers. Callers must Close the driver to unmap them.
func Open(logger *slog.Logger) (*Driver, error) {
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("opening gpio: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Driver{
		outputs:  make(map[string]output),
		channels: make(map[int]string),
		digital:  make(map[int]rpio.Pin),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}, nil
}

var _ device.Driver = (*Driver)(nil)

// CheckOutputPin reports whether motor may use pin given the motors already on other channels.
func CheckOutputPin(pin int, channels map[int]string, motor string) error {
	if !pwmPins[pin] {
		return fmt.Errorf("pin %d has no hardware PWM", pin)
	}
	if owner, taken := channels[pwmChannel(pin)]; taken && owner != motor {
		return fmt.Errorf("pin %d shares PWM channel %d with motor %s", pin, pwmChannel(pin), owner)
	}
	return nil
}

// DutySteps converts a 0-100 duty cycle into PWM clock ticks out of cycle.
func DutySteps(value float64, cycle uint32) uint32 {
	if value <= 0 {
		return 0
	}
	if value >= 100 {
		return cycle
	}
	return uint32(math.Round(value / 100 * float64(cycle)))
}

func (d *Driver) ConfigureOutput(p core.MotorProfile) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return device.ErrClosed
	}
	if err := CheckOutputPin(p.Pin, d.channels, p.Name); err != nil {
		return err
	}

	pin := rpio.Pin(p.Pin)
	pin.Mode(rpio.Pwm)
	pin.Freq(int(p.Frequency * CycleLength))
	pin.DutyCycle(0, CycleLength)

	d.outputs[p.Name] = output{pin: pin, profile: p}
	d.channels[pwmChannel(p.Pin)] = p.Name
	d.logger.Debug("PWM output configured", "motor", p.Name, "pin", p.Pin, "frequency", p.Frequency)
	return nil
}

func (d *Driver) SetDutyCycle(motor string, value float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return device.ErrClosed
	}
	out, ok := d.outputs[motor]
	if !ok {
		return fmt.Errorf("%w: %s", device.ErrUnknownMotor, motor)
	}
	out.pin.DutyCycle(DutySteps(value, CycleLength), CycleLength)
	return nil
}

func (d *Driver) StopOutput(motor string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	out, ok := d.outputs[motor]
	if !ok {
		return fmt.Errorf("%w: %s", device.ErrUnknownMotor, motor)
	}
	out.pin.DutyCycle(0, CycleLength)
	return nil
}

func (d *Driver) ConfigureInput(pin int, pull device.Pull) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return device.ErrClosed
	}
	p := rpio.Pin(pin)
	p.Input()
	switch pull {
	case device.PullUp:
		p.PullUp()
	case device.PullDown:
		p.PullDown()
	default:
		p.PullOff()
	}
	return nil
}

func (d *Driver) ReadDigitalInput(pin int) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false, device.ErrClosed
	}
	return rpio.Pin(pin).Read() == rpio.High, nil
}

// RegisterEdgeInterrupt arms edge detection on pin and polls it from a goroutine.
// Edges closer together than the bounce time are reported once.
func (d *Driver) RegisterEdgeInterrupt(pin int, edge device.Edge, handler func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return device.ErrClosed
	}

	p := rpio.Pin(pin)
	switch edge {
	case device.EdgeFalling:
		p.Detect(rpio.FallEdge)
	case device.EdgeRising:
		p.Detect(rpio.RiseEdge)
	default:
		p.Detect(rpio.AnyEdge)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer p.Detect(rpio.NoEdge)

		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		var last time.Time
		for {
			select {
			case <-d.ctx.Done():
				return
			case now := <-ticker.C:
				d.mu.Lock()
				detected := !d.closed && p.EdgeDetected()
				d.mu.Unlock()
				if !detected || now.Sub(last) < bounceTime {
					continue
				}
				last = now
				handler()
			}
		}
	}()
	return nil
}

func (d *Driver) SetDigitalOutput(pin int, high bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return device.ErrClosed
	}
	p, ok := d.digital[pin]
	if !ok {
		p = rpio.Pin(pin)
		p.Output()
		d.digital[pin] = p
	}
	if high {
		p.High()
	} else {
		p.Low()
	}
	return nil
}

// Close silences every output, stops interrupt polling and unmaps the registers.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, out := range d.outputs {
		out.pin.DutyCycle(0, CycleLength)
	}
	for _, p := range d.digital {
		p.Low()
	}
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()

	return rpio.Close()
}
