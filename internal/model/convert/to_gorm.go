// Package convert provides functions to convert between GORM models and core models
package convert

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/kartlab/escd/internal/model"
	"github.com/kartlab/escd/pkg/core"
)

// toJSON marshals v for a JSON column, falling back to an empty object.
func toJSON(v any) datatypes.JSON {
	data, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(data)
}

// NewSession builds the session row for a fresh engine run.
func NewSession(id uuid.UUID, started time.Time, hostname, device string, motors []core.MotorProfile, policy core.SafetyPolicy) model.Session {
	if motors == nil {
		motors = []core.MotorProfile{}
	}
	return model.Session{
		ID:        id,
		StartedAt: started,
		Hostname:  hostname,
		Device:    device,
		Motors:    toJSON(motors),
		Safety:    toJSON(policy),
	}
}

// EndSession stamps the session end time.
func EndSession(s *model.Session, ended time.Time) {
	s.EndedAt = sql.NullTime{Time: ended, Valid: true}
}

// StatusToSamples flattens a snapshot into one row per motor.
func StatusToSamples(session uuid.UUID, st core.Status) []model.MotorSample {
	out := make([]model.MotorSample, 0, len(st.Motors))
	for _, m := range st.Motors {
		out = append(out, model.MotorSample{
			SessionID:     session,
			Time:          st.Time,
			Motor:         m.Name,
			Pin:           m.Pin,
			CurrentSpeed:  m.Current,
			TargetSpeed:   m.Target,
			DutyCycle:     m.DutyCycle,
			Running:       st.Running,
			EmergencyStop: st.EmergencyStop,
			QueueDepth:    st.QueueDepth,
		})
	}
	return out
}

// CoreToSafetyEvent converts a core.SafetyEvent to a GORM model.SafetyEvent.
// detail is stored as JSON and may be nil.
func CoreToSafetyEvent(session uuid.UUID, ev core.SafetyEvent, detail any) model.SafetyEvent {
	var d datatypes.JSON
	if detail != nil {
		d = toJSON(detail)
	} else {
		d = datatypes.JSON("{}")
	}
	return model.SafetyEvent{
		SessionID: session,
		Time:      ev.Time,
		Kind:      string(ev.Kind),
		Source:    string(ev.Source),
		Message:   ev.Message,
		Detail:    d,
	}
}
