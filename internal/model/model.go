package model

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// DatabaseModels is a list of all the structs exported here which represent tables in the database schema
var DatabaseModels = []interface{}{
	&Session{},
	&MotorSample{},
	&SafetyEvent{},
}

// Session is one engine run from Start to Stop.
type Session struct {
	ID        uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	StartedAt time.Time      `json:"startedAt" gorm:"index"`
	EndedAt   sql.NullTime   `json:"endedAt"`
	Hostname  string         `json:"hostname" gorm:"size:127"`
	Device    string         `json:"device" gorm:"size:32"`
	Motors    datatypes.JSON `json:"motors"` // []core.MotorProfile
	Safety    datatypes.JSON `json:"safety"` // core.SafetyPolicy
}

func (*Session) TableName() string {
	return "sessions"
}

// MotorSample is one motor's state at a monitor cycle.
type MotorSample struct {
	ID            uint      `json:"id" gorm:"primarykey;autoIncrement"`
	SessionID     uuid.UUID `json:"sessionId" gorm:"type:uuid;index:idx_motorsample_session_time,priority:1"`
	Session       Session   `json:"-" gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;foreignkey:SessionID;"`
	Time          time.Time `json:"time" gorm:"index:idx_motorsample_session_time,priority:2"`
	Motor         string    `json:"motor" gorm:"size:64"`
	Pin           int       `json:"pin"`
	CurrentSpeed  float64   `json:"currentSpeed"`
	TargetSpeed   float64   `json:"targetSpeed"`
	DutyCycle     float64   `json:"dutyCycle"`
	Running       bool      `json:"running"`
	EmergencyStop bool      `json:"emergencyStop"`
	QueueDepth    int       `json:"queueDepth"`
}

func (*MotorSample) TableName() string {
	return "motor_samples"
}

// SafetyEvent is a journaled safety or lifecycle transition.
type SafetyEvent struct {
	ID        uint           `json:"id" gorm:"primarykey;autoIncrement"`
	SessionID uuid.UUID      `json:"sessionId" gorm:"type:uuid;index"`
	Session   Session        `json:"-" gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;foreignkey:SessionID;"`
	Time      time.Time      `json:"time" gorm:"index"`
	Kind      string         `json:"kind" gorm:"size:32;index"`
	Source    string         `json:"source" gorm:"size:32"`
	Message   string         `json:"message" gorm:"size:255"`
	Detail    datatypes.JSON `json:"detail"`
}

func (*SafetyEvent) TableName() string {
	return "safety_events"
}
