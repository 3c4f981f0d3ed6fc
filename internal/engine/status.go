package engine

import (
	"time"

	"github.com/kartlab/escd/internal/signal"
	"github.com/kartlab/escd/pkg/core"
)

// Status returns a snapshot of every motor and the engine flags.
func (e *Engine) Status() core.Status {
	motors := make([]core.MotorStatus, len(e.motors))

	e.stateMu.RLock()
	for i, m := range e.motors {
		motors[i] = core.MotorStatus{
			Name:    m.profile.Name,
			Pin:     m.profile.Pin,
			Current: m.current,
			Target:  m.target,
		}
	}
	e.stateMu.RUnlock()

	for i := range motors {
		motors[i].DutyCycle = signal.DutyCycle(e.motors[i].profile, motors[i].Current)
	}

	now := e.now()
	return core.Status{
		Motors:          motors,
		Running:         e.running.Load(),
		EmergencyStop:   e.emergency.Load(),
		EmergencySource: e.emergencySource(),
		LastHeartbeat:   time.Unix(0, e.heartbeat.Load()).In(now.Location()),
		QueueDepth:      e.commands.Len(),
		Time:            now,
	}
}
