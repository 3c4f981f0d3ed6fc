package engine

import (
	"time"

	"github.com/kartlab/escd/pkg/core"
)

func (e *Engine) watchdogLoop() {
	defer e.loops.Done()
	e.log.Debug("Watchdog started", "interval", e.cfg.WatchdogInterval, "timeout", e.cfg.Safety.WatchdogTimeout)

	ticker := time.NewTicker(e.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if !e.running.Load() {
				return
			}
			e.checkWatchdog()
		}
	}
}

// checkWatchdog forces an emergency stop when no command has been accepted
// within the watchdog timeout. It reports whether it fired.
func (e *Engine) checkWatchdog() bool {
	if e.emergency.Load() {
		return false
	}
	since := e.now().Sub(time.Unix(0, e.heartbeat.Load()))
	if since <= e.cfg.Safety.WatchdogTimeout {
		return false
	}
	e.log.Warn("Watchdog timeout - stopping motors", "sinceLastCommand", since)
	e.emergencyStop(core.SourceWatchdog)
	return true
}
