package handlers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kartlab/escd/internal/dispatcher"
	"github.com/kartlab/escd/pkg/core"
)

type speedCall struct {
	motor     string
	speed     float64
	immediate bool
}

// mockEngine implements Engine for testing
type mockEngine struct {
	mu          sync.Mutex
	calls       []speedCall
	accept      bool
	estops      int
	resetOK     bool
	running     bool
	calibrated  chan struct{}
	calibrateOK bool
}

func newMockEngine() *mockEngine {
	return &mockEngine{accept: true, resetOK: true, calibrateOK: true, calibrated: make(chan struct{}, 1)}
}

func (m *mockEngine) RequestSpeed(motor string, speed float64, immediate bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, speedCall{motor, speed, immediate})
	return m.accept
}

func (m *mockEngine) RequestAll(speed float64, immediate bool) bool {
	return m.RequestSpeed("*", speed, immediate)
}

func (m *mockEngine) EmergencyStop() {
	m.mu.Lock()
	m.estops++
	m.mu.Unlock()
}

func (m *mockEngine) ResetEmergencyStop() bool { return m.resetOK }

func (m *mockEngine) Status() core.Status {
	return core.Status{Motors: []core.MotorStatus{{Name: "main_motor", Current: 12}}}
}

func (m *mockEngine) Calibrate(ctx context.Context) bool {
	m.calibrated <- struct{}{}
	return m.calibrateOK
}

func (m *mockEngine) IsRunning() bool { return m.running }

func (m *mockEngine) lastCall() speedCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[len(m.calls)-1]
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

func newTestService(t *testing.T) (*dispatcher.Dispatcher, *mockEngine) {
	t.Helper()
	eng := newMockEngine()
	d, err := dispatcher.New(nopLogger{})
	require.NoError(t, err)
	t.Cleanup(d.Close)

	NewService(Dependencies{Engine: eng}).Register(d)
	return d, eng
}

func TestRegister_AllCommands(t *testing.T) {
	d, _ := newTestService(t)
	for _, cmd := range []string{CmdSpeed, CmdAll, CmdEStop, CmdReset, CmdStatus, CmdCalibrate} {
		assert.True(t, d.HasHandler(cmd), cmd)
	}
}

func TestSetSpeed(t *testing.T) {
	d, eng := newTestService(t)

	res, err := d.Dispatch(dispatcher.Event{Command: CmdSpeed, Args: []string{"main_motor", "42.5"}})
	require.NoError(t, err)
	assert.Equal(t, true, res)
	assert.Equal(t, speedCall{"main_motor", 42.5, false}, eng.lastCall())

	_, err = d.Dispatch(dispatcher.Event{Command: CmdSpeed, Args: []string{"main_motor", "-10", "immediate"}})
	require.NoError(t, err)
	assert.Equal(t, speedCall{"main_motor", -10, true}, eng.lastCall())

	_, err = d.Dispatch(dispatcher.Event{Command: CmdSpeed, Args: []string{"main_motor", "5", "true"}})
	require.NoError(t, err)
	assert.True(t, eng.lastCall().immediate)
}

func TestSetSpeed_Rejected(t *testing.T) {
	d, eng := newTestService(t)
	eng.accept = false

	res, err := d.Dispatch(dispatcher.Event{Command: CmdSpeed, Args: []string{"main_motor", "10"}})
	require.NoError(t, err)
	assert.Equal(t, false, res)
}

func TestSetSpeed_BadArgs(t *testing.T) {
	d, eng := newTestService(t)

	tests := []struct {
		name string
		args []string
	}{
		{"missing speed", []string{"main_motor"}},
		{"too many", []string{"main_motor", "1", "true", "x"}},
		{"not a number", []string{"main_motor", "fast"}},
		{"nan", []string{"main_motor", "NaN"}},
		{"inf", []string{"main_motor", "+Inf"}},
		{"bad flag", []string{"main_motor", "10", "maybe"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Dispatch(dispatcher.Event{Command: CmdSpeed, Args: tt.args})
			assert.ErrorIs(t, err, ErrBadArgs)
		})
	}
	assert.Empty(t, eng.calls)
}

func TestSetAll(t *testing.T) {
	d, eng := newTestService(t)

	res, err := d.Dispatch(dispatcher.Event{Command: CmdAll, Args: []string{"30"}})
	require.NoError(t, err)
	assert.Equal(t, true, res)
	assert.Equal(t, speedCall{"*", 30, false}, eng.lastCall())

	_, err = d.Dispatch(dispatcher.Event{Command: CmdAll})
	assert.ErrorIs(t, err, ErrBadArgs)
}

func TestEmergencyStop(t *testing.T) {
	d, eng := newTestService(t)

	res, err := d.Dispatch(dispatcher.Event{Command: CmdEStop})
	require.NoError(t, err)
	assert.Equal(t, true, res)
	assert.Equal(t, 1, eng.estops)
}

func TestReset(t *testing.T) {
	d, eng := newTestService(t)

	res, err := d.Dispatch(dispatcher.Event{Command: CmdReset})
	require.NoError(t, err)
	assert.Equal(t, true, res)

	eng.resetOK = false
	res, err = d.Dispatch(dispatcher.Event{Command: CmdReset})
	assert.True(t, errors.Is(err, ErrResetRefused))
	assert.Equal(t, false, res)
}

func TestStatus(t *testing.T) {
	d, _ := newTestService(t)

	res, err := d.Dispatch(dispatcher.Event{Command: CmdStatus})
	require.NoError(t, err)
	st, ok := res.(core.Status)
	require.True(t, ok)
	m, ok := st.Motor("main_motor")
	require.True(t, ok)
	assert.Equal(t, 12.0, m.Current)
}

func TestCalibrate_Async(t *testing.T) {
	d, eng := newTestService(t)

	res, err := d.Dispatch(dispatcher.Event{Command: CmdCalibrate})
	require.NoError(t, err)
	assert.Equal(t, "queued", res)

	select {
	case <-eng.calibrated:
	case <-time.After(time.Second):
		t.Fatal("calibration never ran")
	}
}

func TestCalibrate_RefusedWhileRunning(t *testing.T) {
	eng := newMockEngine()
	eng.running = true
	s := NewService(Dependencies{Engine: eng})

	res, err := s.Calibrate(dispatcher.Event{Command: CmdCalibrate})
	require.Error(t, err)
	assert.Equal(t, false, res)
	assert.Empty(t, eng.calibrated)
}
