package engine

import (
	"context"
	"math"
	"time"

	"github.com/kartlab/escd/internal/signal"
	"github.com/kartlab/escd/pkg/core"
)

type emission struct {
	motor string
	duty  float64
}

func (e *Engine) controlLoop() {
	defer e.loops.Done()
	e.log.Debug("Control loop started", "interval", e.cfg.TickInterval)

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case src := <-e.interrupts.Receive():
			e.handleInterrupt(src)
		case <-ticker.C:
			if !e.running.Load() {
				return
			}
			e.tick()
		}
	}
}

// tick drains the command queue, applies the emergency override and the
// acceleration limit, and emits one duty cycle per motor.
func (e *Engine) tick() {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()

	cmds := e.commands.GetAndEmpty()
	estop := e.emergency.Load()
	maxChange := e.cfg.Safety.MaxAccelerationPerTick

	out := make([]emission, len(e.motors))

	e.stateMu.Lock()
	if !estop {
		for _, c := range cmds {
			m := e.motors[e.index[c.Motor]]
			speed := e.cfg.Safety.Clamp(c.Speed)
			if c.Immediate {
				m.current = speed
			}
			m.target = speed
		}
	}
	for i, m := range e.motors {
		if estop {
			m.target = 0
		}
		m.current = ramp(m.current, m.target, maxChange)
		out[i] = emission{motor: m.profile.Name, duty: signal.DutyCycle(m.profile, m.current)}
	}
	e.stateMu.Unlock()

	if estop && len(cmds) > 0 {
		e.log.Debug("Discarded commands queued before emergency stop", "count", len(cmds))
	}

	e.metrics.ticks.Add(context.Background(), 1)
	e.emit(out)
}

// ramp moves current toward target by at most maxChange.
func ramp(current, target, maxChange float64) float64 {
	diff := target - current
	if math.Abs(diff) > maxChange {
		return current + math.Copysign(maxChange, diff)
	}
	return target
}

// emit writes duty cycles to the driver. A failing motor is logged and the
// remaining motors are still written. Callers hold emitMu.
func (e *Engine) emit(out []emission) {
	if !e.hwReady.Load() {
		return
	}
	for _, o := range out {
		if err := e.driver.SetDutyCycle(o.motor, o.duty); err != nil {
			e.log.Error("Error updating motor", "motor", o.motor, "duty", o.duty, "error", err)
			e.metrics.deviceError(o.motor)
		}
	}
}

// RequestSpeed queues a speed change for motor. It returns false without
// side effects when the emergency stop is latched, the motor is unknown or
// the queue is full. Accepted commands refresh the watchdog heartbeat.
func (e *Engine) RequestSpeed(motor string, speed float64, immediate bool) bool {
	if e.emergency.Load() {
		e.metrics.rejected(reasonEmergency)
		e.log.Warn("Command rejected: emergency stop active", "motor", motor)
		return false
	}
	if _, ok := e.index[motor]; !ok {
		e.metrics.rejected(reasonUnknownMotor)
		e.log.Error("Command rejected: unknown motor", "motor", motor)
		return false
	}
	if math.IsNaN(speed) || math.IsInf(speed, 0) {
		e.metrics.rejected(reasonInvalidSpeed)
		e.log.Error("Command rejected: speed is not a finite number", "motor", motor, "speed", speed)
		return false
	}

	now := e.now()
	cmd := core.SetSpeed{
		Motor:     motor,
		Speed:     e.cfg.Safety.Clamp(speed),
		Immediate: immediate,
		Issued:    now,
	}
	if !e.commands.TryPush(cmd) {
		e.metrics.rejected(reasonQueueFull)
		e.log.Warn("Command rejected: queue full", "motor", motor, "capacity", e.commands.Cap())
		return false
	}

	e.heartbeat.Store(now.UnixNano())
	e.metrics.accepted.Add(context.Background(), 1)
	return true
}

// RequestAll requests speed on every motor and reports whether all were accepted.
func (e *Engine) RequestAll(speed float64, immediate bool) bool {
	ok := true
	for _, m := range e.motors {
		ok = e.RequestSpeed(m.profile.Name, speed, immediate) && ok
	}
	return ok
}
