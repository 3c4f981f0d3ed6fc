package engine

import (
	"context"
	"fmt"

	"github.com/kartlab/escd/internal/signal"
	"github.com/kartlab/escd/pkg/core"
)

// Calibrate teaches the ESCs their throttle range: full forward, full reverse,
// then neutral, holding each extreme for CalibrationHold. It blocks and is
// refused unless the engine is idle. On cancellation the outputs are returned
// to neutral and false is returned.
func (e *Engine) Calibrate(ctx context.Context) bool {
	e.lifeMu.Lock()
	if e.life != stateIdle {
		e.lifeMu.Unlock()
		e.log.Warn("Calibration refused", "state", e.life)
		return false
	}
	e.life = stateCalibrating
	e.lifeMu.Unlock()

	defer func() {
		e.lifeMu.Lock()
		if e.life == stateCalibrating {
			e.life = stateIdle
		}
		e.lifeMu.Unlock()
	}()

	if err := e.initHardware(); err != nil {
		e.log.Error("ESC calibration failed", "error", err)
		return false
	}

	e.log.Info("Starting ESC calibration", "hold", e.cfg.CalibrationHold)
	for _, step := range []struct {
		label string
		speed float64
	}{
		{"maximum", 100},
		{"minimum", -100},
	} {
		if err := e.driveAll(step.speed); err != nil {
			e.log.Error("ESC calibration failed", "step", step.label, "error", err)
			_ = e.driveAll(0)
			return false
		}
		e.log.Info("Sending calibration signal", "signal", step.label, "hold", e.cfg.CalibrationHold)
		if !e.pause(ctx, e.cfg.CalibrationHold) {
			e.log.Warn("ESC calibration interrupted", "step", step.label)
			_ = e.driveAll(0)
			return false
		}
	}

	if err := e.driveAll(0); err != nil {
		e.log.Error("ESC calibration failed", "step", "neutral", "error", err)
		return false
	}
	e.log.Info("ESC calibration complete")
	e.publish(core.SafetyEvent{Kind: core.EventCalibrated})
	return true
}

// driveAll writes the duty cycle for speed to every motor, bypassing the
// safety clamp. Calibration needs the full pulse range.
func (e *Engine) driveAll(speed float64) error {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	for _, m := range e.motors {
		if err := e.driver.SetDutyCycle(m.profile.Name, signal.DutyCycle(m.profile, speed)); err != nil {
			return fmt.Errorf("motor %s: %w", m.profile.Name, err)
		}
	}
	return nil
}
