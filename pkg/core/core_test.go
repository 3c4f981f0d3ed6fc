package core

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMotorProfile_Valid(t *testing.T) {
	p := DefaultMotorProfile()
	require.NoError(t, p.Validate())
	assert.Equal(t, "main_motor", p.Name)
	assert.Equal(t, 18, p.Pin)
	assert.InDelta(t, 20.0, p.PeriodMs(), 1e-9)
}

func TestMotorProfile_Validate(t *testing.T) {
	base := DefaultMotorProfile()

	tests := []struct {
		name   string
		mutate func(p *MotorProfile)
	}{
		{"empty name", func(p *MotorProfile) { p.Name = "" }},
		{"zero frequency", func(p *MotorProfile) { p.Frequency = 0 }},
		{"negative frequency", func(p *MotorProfile) { p.Frequency = -50 }},
		{"zero min", func(p *MotorProfile) { p.MinPulse = 0 }},
		{"min equals neutral", func(p *MotorProfile) { p.MinPulse = 1.5 }},
		{"neutral above max", func(p *MotorProfile) { p.NeutralPulse = 2.5 }},
		{"max beyond period", func(p *MotorProfile) { p.Frequency = 500 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			tt.mutate(&p)
			err := p.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidProfile)
		})
	}
}

func TestValidateProfiles(t *testing.T) {
	assert.ErrorIs(t, ValidateProfiles(nil), ErrInvalidProfile)

	a := DefaultMotorProfile()
	b := DefaultMotorProfile()
	b.Pin = 19
	assert.ErrorIs(t, ValidateProfiles([]MotorProfile{a, b}), ErrInvalidProfile)

	b.Name = "rear_motor"
	assert.NoError(t, ValidateProfiles([]MotorProfile{a, b}))
}

func TestSafetyPolicy_Validate(t *testing.T) {
	require.NoError(t, DefaultSafetyPolicy().Validate())

	p := DefaultSafetyPolicy()
	p.MaxAccelerationPerTick = 0
	assert.ErrorIs(t, p.Validate(), ErrInvalidPolicy)

	p = DefaultSafetyPolicy()
	p.MaxSpeed = 101
	assert.ErrorIs(t, p.Validate(), ErrInvalidPolicy)

	p = DefaultSafetyPolicy()
	p.WatchdogTimeout = 0
	assert.ErrorIs(t, p.Validate(), ErrInvalidPolicy)

	p = DefaultSafetyPolicy()
	p.EmergencySettleTime = -time.Second
	assert.ErrorIs(t, p.Validate(), ErrInvalidPolicy)
}

func TestSafetyPolicy_Clamp(t *testing.T) {
	p := DefaultSafetyPolicy()
	assert.Equal(t, 80.0, p.Clamp(1000))
	assert.Equal(t, -80.0, p.Clamp(-1000))
	assert.Equal(t, 42.5, p.Clamp(42.5))
	assert.Equal(t, 0.0, p.Clamp(0))
	assert.Equal(t, 0.0, p.Clamp(math.NaN()))
}

func TestAccelerationFromRate(t *testing.T) {
	assert.InDelta(t, 5.0, AccelerationFromRate(0.05), 1e-9)
}

func TestStatus_Motor(t *testing.T) {
	s := Status{Motors: []MotorStatus{{Name: "left"}, {Name: "right", Current: 10}}}

	m, ok := s.Motor("right")
	require.True(t, ok)
	assert.Equal(t, 10.0, m.Current)

	_, ok = s.Motor("missing")
	assert.False(t, ok)
}
