// pkg/core/motor.go
package core

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidProfile = errors.New("invalid motor profile")
	ErrUnknownMotor   = errors.New("unknown motor")
)

// MotorProfile is the static calibration of a single ESC output.
// Pulse widths are in milliseconds.
type MotorProfile struct {
	Name         string  `json:"name" mapstructure:"name"`
	Pin          int     `json:"pin" mapstructure:"pin"`
	MinPulse     float64 `json:"minPulse" mapstructure:"minPulse"`
	NeutralPulse float64 `json:"neutralPulse" mapstructure:"neutralPulse"`
	MaxPulse     float64 `json:"maxPulse" mapstructure:"maxPulse"`
	Frequency    float64 `json:"frequency" mapstructure:"frequency"`
}

// DefaultMotorProfile returns the single-motor kart setup: pin 18, 1.0/1.5/2.0 ms at 50 Hz.
func DefaultMotorProfile() MotorProfile {
	return MotorProfile{
		Name:         "main_motor",
		Pin:          18,
		MinPulse:     1.0,
		NeutralPulse: 1.5,
		MaxPulse:     2.0,
		Frequency:    50,
	}
}

// PeriodMs returns the signal period in milliseconds.
func (p MotorProfile) PeriodMs() float64 {
	return 1000 / p.Frequency
}

// Validate checks the pulse ordering and frequency.
func (p MotorProfile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidProfile)
	}
	if p.Frequency <= 0 {
		return fmt.Errorf("%w: %s: frequency must be positive, got %v", ErrInvalidProfile, p.Name, p.Frequency)
	}
	if p.MinPulse <= 0 {
		return fmt.Errorf("%w: %s: min pulse must be positive, got %v", ErrInvalidProfile, p.Name, p.MinPulse)
	}
	if p.MinPulse >= p.NeutralPulse {
		return fmt.Errorf("%w: %s: min pulse %v must be below neutral %v", ErrInvalidProfile, p.Name, p.MinPulse, p.NeutralPulse)
	}
	if p.NeutralPulse >= p.MaxPulse {
		return fmt.Errorf("%w: %s: neutral pulse %v must be below max %v", ErrInvalidProfile, p.Name, p.NeutralPulse, p.MaxPulse)
	}
	if p.MaxPulse >= p.PeriodMs() {
		return fmt.Errorf("%w: %s: max pulse %v does not fit in %v ms period", ErrInvalidProfile, p.Name, p.MaxPulse, p.PeriodMs())
	}
	return nil
}

// ValidateProfiles validates every profile and rejects duplicate names.
func ValidateProfiles(profiles []MotorProfile) error {
	if len(profiles) == 0 {
		return fmt.Errorf("%w: no motors configured", ErrInvalidProfile)
	}
	seen := make(map[string]struct{}, len(profiles))
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return err
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("%w: duplicate motor name %q", ErrInvalidProfile, p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	return nil
}
