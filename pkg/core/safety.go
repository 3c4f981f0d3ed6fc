// pkg/core/safety.go
package core

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var ErrInvalidPolicy = errors.New("invalid safety policy")

// SafetyPolicy holds the global limits applied by the control engine.
type SafetyPolicy struct {
	// Percentage points the current speed may move per control tick.
	MaxAccelerationPerTick float64 `json:"maxAccelerationPerTick"`
	// Absolute speed ceiling, 0-100.
	MaxSpeed            float64       `json:"maxSpeed"`
	WatchdogTimeout     time.Duration `json:"watchdogTimeout"`
	EmergencySettleTime time.Duration `json:"emergencySettleTime"`
}

// AccelerationFromRate converts a 0-1 acceleration rate into points per tick.
func AccelerationFromRate(rate float64) float64 {
	return rate * 100
}

// DefaultSafetyPolicy mirrors the stock kart limits.
func DefaultSafetyPolicy() SafetyPolicy {
	return SafetyPolicy{
		MaxAccelerationPerTick: AccelerationFromRate(0.05),
		MaxSpeed:               80,
		WatchdogTimeout:        2 * time.Second,
		EmergencySettleTime:    100 * time.Millisecond,
	}
}

func (s SafetyPolicy) Validate() error {
	if s.MaxAccelerationPerTick <= 0 {
		return fmt.Errorf("%w: max acceleration per tick must be positive, got %v", ErrInvalidPolicy, s.MaxAccelerationPerTick)
	}
	if s.MaxSpeed < 0 || s.MaxSpeed > 100 {
		return fmt.Errorf("%w: max speed must be within 0-100, got %v", ErrInvalidPolicy, s.MaxSpeed)
	}
	if s.WatchdogTimeout <= 0 {
		return fmt.Errorf("%w: watchdog timeout must be positive, got %v", ErrInvalidPolicy, s.WatchdogTimeout)
	}
	if s.EmergencySettleTime < 0 {
		return fmt.Errorf("%w: emergency settle time must not be negative, got %v", ErrInvalidPolicy, s.EmergencySettleTime)
	}
	return nil
}

// Clamp limits speed to [-MaxSpeed, MaxSpeed]. NaN maps to 0.
func (s SafetyPolicy) Clamp(speed float64) float64 {
	switch {
	case math.IsNaN(speed):
		return 0
	case speed > s.MaxSpeed:
		return s.MaxSpeed
	case speed < -s.MaxSpeed:
		return -s.MaxSpeed
	default:
		return speed
	}
}
