package engine

import (
	"context"

	"github.com/kartlab/escd/internal/signal"
	"github.com/kartlab/escd/pkg/core"
)

// latch sets the emergency stop and reports whether this call set it.
// The first source is kept until reset.
func (e *Engine) latch(src core.EmergencySource) bool {
	e.latchMu.Lock()
	defer e.latchMu.Unlock()
	if e.emergency.Load() {
		return false
	}
	e.source = src
	e.emergency.Store(true)
	return true
}

func (e *Engine) clearLatch() {
	e.latchMu.Lock()
	defer e.latchMu.Unlock()
	e.emergency.Store(false)
	e.source = core.SourceNone
}

func (e *Engine) emergencySource() core.EmergencySource {
	e.latchMu.Lock()
	defer e.latchMu.Unlock()
	return e.source
}

// onInterrupt runs on the driver's interrupt goroutine. It only latches and
// hands the event to the control loop.
func (e *Engine) onInterrupt() {
	if e.latch(core.SourceHardware) {
		e.interrupts.TrySend(core.SourceHardware)
	}
}

func (e *Engine) handleInterrupt(src core.EmergencySource) {
	if !e.emergency.Load() {
		return
	}
	e.log.Warn("Hardware emergency stop triggered")
	e.enforceStop(src, true)
}

// EmergencyStop latches the emergency stop and zeroes every motor before returning.
func (e *Engine) EmergencyStop() {
	e.emergencyStop(core.SourceAPI)
}

func (e *Engine) emergencyStop(src core.EmergencySource) {
	e.enforceStop(src, e.latch(src))
}

// enforceStop clears pending commands and drives every output to neutral.
// Notifications are only sent when the latch was newly set.
func (e *Engine) enforceStop(src core.EmergencySource, newly bool) {
	e.commands.Clear()

	e.emitMu.Lock()
	out := make([]emission, len(e.motors))
	e.stateMu.Lock()
	for i, m := range e.motors {
		m.current = 0
		m.target = 0
		out[i] = emission{motor: m.profile.Name, duty: signal.Neutral(m.profile)}
	}
	e.stateMu.Unlock()
	e.emit(out)
	e.emitMu.Unlock()

	if !newly {
		return
	}

	e.log.Warn("EMERGENCY STOP ACTIVATED", "source", src)
	e.metrics.emergency(src)
	e.publish(core.SafetyEvent{Kind: core.EventEmergencyStop, Source: src})
	if e.running.Load() {
		e.flashLED()
	}
}

// ResetEmergencyStop clears the latch if the emergency input is inactive.
// The heartbeat is refreshed so the watchdog does not fire immediately.
func (e *Engine) ResetEmergencyStop() bool {
	level, err := e.driver.ReadDigitalInput(e.cfg.EmergencyPin)
	if err != nil {
		e.log.Error("Cannot reset emergency stop: input unreadable", "error", err)
		return false
	}
	if !level {
		e.log.Warn("Cannot reset emergency stop - hardware switch still active")
		e.publish(core.SafetyEvent{Kind: core.EventResetRefused, Source: core.SourceHardware})
		return false
	}

	e.clearLatch()
	e.heartbeat.Store(e.now().UnixNano())
	e.setLED(true)

	e.log.Info("Emergency stop reset")
	e.publish(core.SafetyEvent{Kind: core.EventEmergencyReset})
	return true
}

func (e *Engine) setLED(high bool) {
	if e.cfg.StatusLEDPin < 0 {
		return
	}
	if err := e.driver.SetDigitalOutput(e.cfg.StatusLEDPin, high); err != nil {
		e.log.Debug("Status LED write failed", "error", err)
	}
}

// flashLED blinks the status LED in the background while the stop is latched.
func (e *Engine) flashLED() {
	if e.cfg.StatusLEDPin < 0 || !e.hwReady.Load() {
		return
	}
	e.ledMu.Lock()
	defer e.ledMu.Unlock()
	if e.ledClosed || !e.flashing.CompareAndSwap(false, true) {
		return
	}

	e.ledWG.Add(1)
	go func() {
		defer e.ledWG.Done()
		defer e.flashing.Store(false)

		ctx := context.Background()
		for i := 0; i < e.cfg.LEDFlashCount && e.emergency.Load(); i++ {
			e.setLED(true)
			if !e.pause(ctx, e.cfg.LEDFlashPeriod) {
				return
			}
			e.setLED(false)
			if !e.pause(ctx, e.cfg.LEDFlashPeriod) {
				return
			}
		}
		if !e.emergency.Load() && e.running.Load() {
			e.setLED(true)
		}
	}()
}
