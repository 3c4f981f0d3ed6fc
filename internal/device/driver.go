// Package device defines the hardware layer the control engine drives.
// Implementations live in the sim, gpio and canbus subpackages.
package device

import (
	"errors"

	"github.com/kartlab/escd/pkg/core"
)

var (
	ErrUnknownMotor = errors.New("motor output not configured")
	ErrClosed       = errors.New("device closed")
)

// Edge selects which transition of a digital input fires an interrupt.
type Edge int

const (
	EdgeFalling Edge = iota
	EdgeRising
	EdgeBoth
)

func (e Edge) String() string {
	switch e {
	case EdgeFalling:
		return "falling"
	case EdgeRising:
		return "rising"
	case EdgeBoth:
		return "both"
	default:
		return "unknown"
	}
}

// Pull selects the input bias resistor.
type Pull int

const (
	PullNone Pull = iota
	PullUp
	PullDown
)

// Driver is the pulse generation and digital I/O layer.
//
// Handlers passed to RegisterEdgeInterrupt are called from a driver goroutine
// and must not block.
type Driver interface {
	ConfigureOutput(profile core.MotorProfile) error
	// SetDutyCycle sets the duty cycle of a configured motor output, value in 0-100.
	SetDutyCycle(motor string, value float64) error
	StopOutput(motor string) error

	ConfigureInput(pin int, pull Pull) error
	ReadDigitalInput(pin int) (bool, error)
	RegisterEdgeInterrupt(pin int, edge Edge, handler func()) error
	SetDigitalOutput(pin int, high bool) error

	Close() error
}

// Matches reports whether a transition from prev to next fires for edge.
func (e Edge) Matches(prev, next bool) bool {
	if prev == next {
		return false
	}
	switch e {
	case EdgeFalling:
		return prev && !next
	case EdgeRising:
		return !prev && next
	default:
		return true
	}
}
