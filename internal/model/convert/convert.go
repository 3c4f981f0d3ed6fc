package convert

import (
	"encoding/json"
	"fmt"

	"github.com/kartlab/escd/internal/model"
	"github.com/kartlab/escd/pkg/core"
)

// SafetyEventToCore converts a GORM SafetyEvent to a core.SafetyEvent.
func SafetyEventToCore(e model.SafetyEvent) core.SafetyEvent {
	return core.SafetyEvent{
		Kind:    core.SafetyEventKind(e.Kind),
		Source:  core.EmergencySource(e.Source),
		Time:    e.Time,
		Message: e.Message,
	}
}

// SampleToMotorStatus converts a GORM MotorSample to a core.MotorStatus.
func SampleToMotorStatus(s model.MotorSample) core.MotorStatus {
	return core.MotorStatus{
		Name:      s.Motor,
		Pin:       s.Pin,
		Current:   s.CurrentSpeed,
		Target:    s.TargetSpeed,
		DutyCycle: s.DutyCycle,
	}
}

// SessionMotors decodes the motor profiles stored with a session.
func SessionMotors(s model.Session) ([]core.MotorProfile, error) {
	var motors []core.MotorProfile
	if len(s.Motors) == 0 {
		return motors, nil
	}
	if err := json.Unmarshal(s.Motors, &motors); err != nil {
		return nil, fmt.Errorf("decoding session motors: %w", err)
	}
	return motors, nil
}
