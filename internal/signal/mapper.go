// Package signal converts signed speed percentages into ESC pulse widths and duty cycles.
package signal

import "github.com/kartlab/escd/pkg/core"

// PulseWidth returns the pulse width in milliseconds for speed in [-100, 100].
// Reverse scales by the neutral-to-min span, forward by the neutral-to-max span.
// The input is not clamped.
func PulseWidth(p core.MotorProfile, speed float64) float64 {
	switch {
	case speed > 0:
		return p.NeutralPulse + (speed/100)*(p.MaxPulse-p.NeutralPulse)
	case speed < 0:
		return p.NeutralPulse + (speed/100)*(p.NeutralPulse-p.MinPulse)
	default:
		return p.NeutralPulse
	}
}

// DutyCycle returns the duty cycle percentage (0-100) for speed.
func DutyCycle(p core.MotorProfile, speed float64) float64 {
	return PulseWidth(p, speed) / p.PeriodMs() * 100
}

// Neutral returns the duty cycle of the neutral pulse.
func Neutral(p core.MotorProfile) float64 {
	return DutyCycle(p, 0)
}
