// Package sim is an in-memory device.Driver for tests and bench runs without hardware.
package sim

import (
	"fmt"
	"sync"

	"github.com/kartlab/escd/internal/device"
	"github.com/kartlab/escd/pkg/core"
)

type interrupt struct {
	edge    device.Edge
	handler func()
}

// Driver records every output it is asked to produce.
type Driver struct {
	mu         sync.Mutex
	profiles   map[string]core.MotorProfile
	duty       map[string]float64
	history    map[string][]float64
	stopped    map[string]bool
	inputs     map[int]bool
	outputs    map[int]bool
	outputLog  map[int][]bool
	interrupts map[int][]interrupt
	motorErr   map[string]error
	inputErr   map[int]error
	closed     bool
	closeCount int
}

// New returns an empty simulated driver.
func New() *Driver {
	return &Driver{
		profiles:   make(map[string]core.MotorProfile),
		duty:       make(map[string]float64),
		history:    make(map[string][]float64),
		stopped:    make(map[string]bool),
		inputs:     make(map[int]bool),
		outputs:    make(map[int]bool),
		outputLog:  make(map[int][]bool),
		interrupts: make(map[int][]interrupt),
		motorErr:   make(map[string]error),
		inputErr:   make(map[int]error),
	}
}

var _ device.Driver = (*Driver)(nil)

func (d *Driver) ConfigureOutput(p core.MotorProfile) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return device.ErrClosed
	}
	d.profiles[p.Name] = p
	d.stopped[p.Name] = false
	return nil
}

func (d *Driver) SetDutyCycle(motor string, value float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return device.ErrClosed
	}
	if _, ok := d.profiles[motor]; !ok {
		return fmt.Errorf("%w: %s", device.ErrUnknownMotor, motor)
	}
	if err := d.motorErr[motor]; err != nil {
		return err
	}
	if value < 0 || value > 100 {
		return fmt.Errorf("duty cycle %v out of range for %s", value, motor)
	}
	d.duty[motor] = value
	d.history[motor] = append(d.history[motor], value)
	return nil
}

func (d *Driver) StopOutput(motor string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.profiles[motor]; !ok {
		return fmt.Errorf("%w: %s", device.ErrUnknownMotor, motor)
	}
	d.stopped[motor] = true
	d.duty[motor] = 0
	return nil
}

// ConfigureInput sets the idle level implied by pull. Pull-up inputs idle high.
func (d *Driver) ConfigureInput(pin int, pull device.Pull) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return device.ErrClosed
	}
	if _, seen := d.inputs[pin]; !seen {
		d.inputs[pin] = pull == device.PullUp
	}
	return nil
}

func (d *Driver) ReadDigitalInput(pin int) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false, device.ErrClosed
	}
	if err := d.inputErr[pin]; err != nil {
		return false, err
	}
	return d.inputs[pin], nil
}

func (d *Driver) RegisterEdgeInterrupt(pin int, edge device.Edge, handler func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return device.ErrClosed
	}
	d.interrupts[pin] = append(d.interrupts[pin], interrupt{edge: edge, handler: handler})
	return nil
}

func (d *Driver) SetDigitalOutput(pin int, high bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return device.ErrClosed
	}
	d.outputs[pin] = high
	d.outputLog[pin] = append(d.outputLog[pin], high)
	return nil
}

// Close marks the driver closed. Every call is counted.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeCount++
	d.closed = true
	return nil
}

// SetInput drives an input pin to level and fires matching edge handlers.
func (d *Driver) SetInput(pin int, level bool) {
	d.mu.Lock()
	prev := d.inputs[pin]
	d.inputs[pin] = level
	var fire []func()
	for _, irq := range d.interrupts[pin] {
		if irq.edge.Matches(prev, level) {
			fire = append(fire, irq.handler)
		}
	}
	d.mu.Unlock()

	for _, h := range fire {
		h()
	}
}

// FailMotor makes SetDutyCycle on motor return err. A nil err clears the failure.
func (d *Driver) FailMotor(motor string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.motorErr[motor] = err
}

// FailInput makes ReadDigitalInput on pin return err. A nil err clears the failure.
func (d *Driver) FailInput(pin int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inputErr[pin] = err
}

// Duty returns the last duty cycle written to motor.
func (d *Driver) Duty(motor string) (float64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.duty[motor]
	return v, ok
}

// History returns a copy of every duty cycle written to motor.
func (d *Driver) History(motor string) []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]float64(nil), d.history[motor]...)
}

// Output returns the current level of a digital output.
func (d *Driver) Output(pin int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outputs[pin]
}

// OutputLog returns a copy of every level written to pin.
func (d *Driver) OutputLog(pin int) []bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]bool(nil), d.outputLog[pin]...)
}

// Stopped reports whether StopOutput was called for motor.
func (d *Driver) Stopped(motor string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped[motor]
}

// CloseCount returns how many times Close was called.
func (d *Driver) CloseCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeCount
}
