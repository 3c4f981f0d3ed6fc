// pkg/core/status.go
package core

import (
	"time"
)

// SetSpeed asks the control loop to move one motor toward Speed.
// Speed is a signed percentage; Immediate skips acceleration limiting for this update.
type SetSpeed struct {
	Motor     string    `json:"motor"`
	Speed     float64   `json:"speed"`
	Immediate bool      `json:"immediate"`
	Issued    time.Time `json:"issued"`
}

// EmergencySource identifies what latched the emergency stop.
type EmergencySource string

const (
	SourceNone     EmergencySource = ""
	SourceHardware EmergencySource = "hardware"
	SourceWatchdog EmergencySource = "watchdog"
	SourceAPI      EmergencySource = "api"
	SourceShutdown EmergencySource = "shutdown"
)

// SafetyEventKind is the kind of a SafetyEvent.
type SafetyEventKind string

const (
	EventEmergencyStop  SafetyEventKind = "emergency_stop"
	EventEmergencyReset SafetyEventKind = "emergency_reset"
	EventResetRefused   SafetyEventKind = "reset_refused"
	EventStarted        SafetyEventKind = "started"
	EventStopped        SafetyEventKind = "stopped"
	EventCalibrated     SafetyEventKind = "calibrated"
)

// SafetyEvent is a lifecycle or safety transition of the engine.
type SafetyEvent struct {
	Kind    SafetyEventKind `json:"kind"`
	Source  EmergencySource `json:"source,omitempty"`
	Time    time.Time       `json:"time"`
	Message string          `json:"message,omitempty"`
}

// MotorStatus is a point-in-time view of one motor.
type MotorStatus struct {
	Name      string  `json:"name"`
	Pin       int     `json:"pin"`
	Current   float64 `json:"currentSpeed"`
	Target    float64 `json:"targetSpeed"`
	DutyCycle float64 `json:"dutyCycle"`
}

// Status is a snapshot of the engine. It is never updated after it is taken.
type Status struct {
	Motors          []MotorStatus   `json:"motors"`
	Running         bool            `json:"running"`
	EmergencyStop   bool            `json:"emergencyStop"`
	EmergencySource EmergencySource `json:"emergencySource,omitempty"`
	LastHeartbeat   time.Time       `json:"lastHeartbeat"`
	QueueDepth      int             `json:"queueDepth"`
	Time            time.Time       `json:"time"`
}

// Motor returns the status of the named motor.
func (s Status) Motor(name string) (MotorStatus, bool) {
	for _, m := range s.Motors {
		if m.Name == name {
			return m, true
		}
	}
	return MotorStatus{}, false
}
