package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kartlab/escd/internal/device/sim"
	"github.com/kartlab/escd/internal/signal"
	"github.com/kartlab/escd/pkg/core"
)

const (
	estopPin = 21
	ledPin   = 20
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Safety.MaxSpeed = 100
	cfg.Safety.EmergencySettleTime = 0
	cfg.LEDFlashPeriod = time.Millisecond
	cfg.CalibrationHold = time.Millisecond
	return cfg
}

func twoMotors() []core.MotorProfile {
	left := core.DefaultMotorProfile()
	left.Name = "left"
	right := core.DefaultMotorProfile()
	right.Name = "right"
	right.Pin = 13
	return []core.MotorProfile{left, right}
}

// newTestEngine builds an engine with initialized hardware but no loops,
// so tests drive tick and checkWatchdog directly.
func newTestEngine(t *testing.T, cfg Config) (*Engine, *sim.Driver, *fakeClock) {
	t.Helper()
	drv := sim.New()
	clock := newFakeClock()
	e, err := New(Dependencies{Driver: drv, Logger: testLogger(), Clock: clock.Now}, cfg)
	require.NoError(t, err)
	require.NoError(t, e.initHardware())
	return e, drv, clock
}

func motor(t *testing.T, e *Engine, name string) core.MotorStatus {
	t.Helper()
	m, ok := e.Status().Motor(name)
	require.True(t, ok, "motor %s missing from status", name)
	return m
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	deps := Dependencies{Driver: sim.New(), Logger: testLogger()}

	cfg := testConfig()
	cfg.Motors[0].MinPulse = 1.6
	_, err := New(deps, cfg)
	assert.ErrorIs(t, err, core.ErrInvalidProfile)

	cfg = testConfig()
	cfg.Safety.MaxAccelerationPerTick = 0
	_, err = New(deps, cfg)
	assert.ErrorIs(t, err, core.ErrInvalidPolicy)

	cfg = testConfig()
	cfg.Motors[0].Pin = estopPin
	_, err = New(deps, cfg)
	assert.ErrorIs(t, err, core.ErrInvalidProfile)

	_, err = New(Dependencies{}, testConfig())
	assert.Error(t, err)
}

func TestInitHardware_NeutralAndInputs(t *testing.T) {
	e, drv, _ := newTestEngine(t, testConfig())

	duty, ok := drv.Duty("main_motor")
	require.True(t, ok)
	assert.InDelta(t, 7.5, duty, 1e-9)
	assert.False(t, drv.Output(ledPin))

	level, err := drv.ReadDigitalInput(estopPin)
	require.NoError(t, err)
	assert.True(t, level, "emergency input is pulled up")
	assert.False(t, e.InEmergency())
}

func TestTick_RampScenario(t *testing.T) {
	cfg := testConfig()
	cfg.Safety.MaxAccelerationPerTick = 5
	e, drv, _ := newTestEngine(t, cfg)

	require.True(t, e.RequestSpeed("main_motor", 100, false))

	e.tick()
	assert.Equal(t, 5.0, motor(t, e, "main_motor").Current)

	for i := 2; i < 20; i++ {
		e.tick()
	}
	assert.Equal(t, 95.0, motor(t, e, "main_motor").Current, "target not reached before 20 ticks")

	e.tick()
	m := motor(t, e, "main_motor")
	assert.Equal(t, 100.0, m.Current)
	assert.Equal(t, 100.0, m.Target)

	duty, _ := drv.Duty("main_motor")
	assert.InDelta(t, 10.0, duty, 1e-9)
}

func TestTick_RampLaw(t *testing.T) {
	cfg := testConfig()
	cfg.Safety.MaxAccelerationPerTick = 3
	e, _, _ := newTestEngine(t, cfg)

	targets := []float64{60, -40, 100, 0, -100, 17.5}
	prev := 0.0
	for _, target := range targets {
		require.True(t, e.RequestSpeed("main_motor", target, false))
		for i := 0; i < 25; i++ {
			e.tick()
			cur := motor(t, e, "main_motor").Current
			assert.LessOrEqual(t, abs(cur-prev), 3.0+1e-9)
			prev = cur
		}
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func TestTick_ImmediateBypassesRamp(t *testing.T) {
	e, drv, _ := newTestEngine(t, testConfig())

	require.True(t, e.RequestSpeed("main_motor", 60, true))
	e.tick()

	assert.Equal(t, 60.0, motor(t, e, "main_motor").Current)
	duty, _ := drv.Duty("main_motor")
	assert.InDelta(t, signal.DutyCycle(core.DefaultMotorProfile(), 60), duty, 1e-9)
}

func TestTick_LastWriteWins(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig())

	require.True(t, e.RequestSpeed("main_motor", 50, true))
	require.True(t, e.RequestSpeed("main_motor", 10, false))
	e.tick()

	m := motor(t, e, "main_motor")
	assert.Equal(t, 10.0, m.Target)
	assert.Equal(t, 45.0, m.Current, "immediate set current to 50, then ramped toward 10")
}

func TestRequestSpeed_Clamps(t *testing.T) {
	cfg := testConfig()
	cfg.Safety.MaxSpeed = 80
	e, _, _ := newTestEngine(t, cfg)

	require.True(t, e.RequestSpeed("main_motor", 1000, true))
	e.tick()
	m := motor(t, e, "main_motor")
	assert.Equal(t, 80.0, m.Target)
	assert.Equal(t, 80.0, m.Current)

	require.True(t, e.RequestSpeed("main_motor", -1000, false))
	e.tick()
	assert.Equal(t, -80.0, motor(t, e, "main_motor").Target)
}

func TestRequestSpeed_Rejections(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 2
	e, _, clock := newTestEngine(t, cfg)
	before := e.Status().LastHeartbeat

	clock.Advance(time.Second)
	assert.False(t, e.RequestSpeed("nope", 10, false))
	assert.Equal(t, before, e.Status().LastHeartbeat, "rejected command does not refresh heartbeat")

	assert.True(t, e.RequestSpeed("main_motor", 10, false))
	assert.True(t, e.RequestSpeed("main_motor", 20, false))
	assert.False(t, e.RequestSpeed("main_motor", 30, false), "queue is full")
	assert.Equal(t, 2, e.Status().QueueDepth)

	e.tick()
	assert.Equal(t, 20.0, motor(t, e, "main_motor").Target)
	assert.Equal(t, 0, e.Status().QueueDepth)

	e.EmergencyStop()
	assert.False(t, e.RequestSpeed("main_motor", 10, false))
}

func TestRequestSpeed_RejectsNonFinite(t *testing.T) {
	e, _, clock := newTestEngine(t, testConfig())
	before := e.Status().LastHeartbeat

	clock.Advance(time.Second)
	for _, speed := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		assert.False(t, e.RequestSpeed("main_motor", speed, true), "speed %v", speed)
	}
	assert.Equal(t, 0, e.Status().QueueDepth)
	assert.True(t, before.Equal(e.Status().LastHeartbeat))

	e.tick()
	m := motor(t, e, "main_motor")
	assert.Equal(t, 0.0, m.Current)
	assert.Equal(t, 0.0, m.Target)

	require.True(t, e.RequestSpeed("main_motor", 80, false))
	e.tick()
	assert.Equal(t, 5.0, motor(t, e, "main_motor").Current, "ramp is intact after a rejected NaN")
}

func TestRequestSpeed_RefreshesHeartbeat(t *testing.T) {
	e, _, clock := newTestEngine(t, testConfig())

	clock.Advance(1500 * time.Millisecond)
	require.True(t, e.RequestSpeed("main_motor", 0, false))
	assert.True(t, clock.Now().Equal(e.Status().LastHeartbeat))
}

func TestRequestAll(t *testing.T) {
	cfg := testConfig()
	cfg.Motors = twoMotors()
	e, _, _ := newTestEngine(t, cfg)

	require.True(t, e.RequestAll(30, true))
	e.tick()
	assert.Equal(t, 30.0, motor(t, e, "left").Current)
	assert.Equal(t, 30.0, motor(t, e, "right").Current)

	cfg.QueueSize = 1
	e2, _, _ := newTestEngine(t, cfg)
	assert.False(t, e2.RequestAll(30, false), "second motor does not fit in the queue")
}

func TestTick_DeviceErrorDoesNotAbortOtherMotors(t *testing.T) {
	cfg := testConfig()
	cfg.Motors = twoMotors()
	e, drv, _ := newTestEngine(t, cfg)

	drv.FailMotor("left", errors.New("pwm fault"))
	require.True(t, e.RequestAll(40, true))
	e.tick()

	duty, _ := drv.Duty("right")
	assert.InDelta(t, signal.DutyCycle(cfg.Motors[1], 40), duty, 1e-9)
	assert.Equal(t, 40.0, motor(t, e, "left").Current, "state advances even when the write fails")

	drv.FailMotor("left", nil)
	e.tick()
	duty, _ = drv.Duty("left")
	assert.InDelta(t, signal.DutyCycle(cfg.Motors[0], 40), duty, 1e-9)
}

func TestEmergencyStop_ZeroesSynchronously(t *testing.T) {
	e, drv, _ := newTestEngine(t, testConfig())

	require.True(t, e.RequestSpeed("main_motor", 70, true))
	e.tick()
	require.Equal(t, 70.0, motor(t, e, "main_motor").Current)

	e.EmergencyStop()

	m := motor(t, e, "main_motor")
	assert.Equal(t, 0.0, m.Current)
	assert.Equal(t, 0.0, m.Target)
	duty, _ := drv.Duty("main_motor")
	assert.InDelta(t, 7.5, duty, 1e-9)

	st := e.Status()
	assert.True(t, st.EmergencyStop)
	assert.Equal(t, core.SourceAPI, st.EmergencySource)

	ev := <-e.Events()
	assert.Equal(t, core.EventEmergencyStop, ev.Kind)
	assert.Equal(t, core.SourceAPI, ev.Source)
}

func TestEmergencyStop_Idempotent(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig())

	e.EmergencyStop()
	e.EmergencyStop()
	e.emergencyStop(core.SourceWatchdog)

	assert.Equal(t, core.SourceAPI, e.Status().EmergencySource, "first source is kept")
	assert.Len(t, e.Events(), 1)
}

func TestEmergencyPrecedence_HardwareLatchDiscardsQueuedCommands(t *testing.T) {
	e, drv, _ := newTestEngine(t, testConfig())

	require.True(t, e.RequestSpeed("main_motor", 50, false))
	for i := 0; i < 4; i++ {
		e.tick()
	}
	require.Equal(t, 20.0, motor(t, e, "main_motor").Current)

	require.True(t, e.RequestSpeed("main_motor", 90, true))
	drv.SetInput(estopPin, false)
	require.True(t, e.InEmergency())

	e.tick()
	m := motor(t, e, "main_motor")
	assert.Equal(t, 0.0, m.Target)
	assert.Equal(t, 15.0, m.Current, "ramps down, the queued immediate command is discarded")

	for i := 0; i < 10; i++ {
		assert.False(t, e.RequestSpeed("main_motor", 90, true))
		e.tick()
		assert.Equal(t, 0.0, motor(t, e, "main_motor").Target)
	}
	assert.Equal(t, 0.0, motor(t, e, "main_motor").Current)
}

func TestHandleInterrupt_ZeroesImmediately(t *testing.T) {
	e, drv, _ := newTestEngine(t, testConfig())

	require.True(t, e.RequestSpeed("main_motor", 40, true))
	e.tick()

	drv.SetInput(estopPin, false)
	src := <-e.interrupts.Receive()
	e.handleInterrupt(src)

	assert.Equal(t, 0.0, motor(t, e, "main_motor").Current)
	assert.Equal(t, core.SourceHardware, e.Status().EmergencySource)

	ev := <-e.Events()
	assert.Equal(t, core.SourceHardware, ev.Source)
}

func TestResetEmergencyStop_Gating(t *testing.T) {
	e, drv, clock := newTestEngine(t, testConfig())

	drv.SetInput(estopPin, false)
	require.True(t, e.InEmergency())

	assert.False(t, e.ResetEmergencyStop(), "switch still asserted")
	assert.True(t, e.InEmergency())

	drv.SetInput(estopPin, true)
	clock.Advance(5 * time.Second)
	assert.True(t, e.ResetEmergencyStop())

	st := e.Status()
	assert.False(t, st.EmergencyStop)
	assert.Equal(t, core.SourceNone, st.EmergencySource)
	assert.True(t, clock.Now().Equal(st.LastHeartbeat))
	assert.True(t, drv.Output(ledPin))
	assert.True(t, e.RequestSpeed("main_motor", 10, false))
}

func TestResetEmergencyStop_RefusedWhileAssertedRegardlessOfSource(t *testing.T) {
	e, drv, _ := newTestEngine(t, testConfig())

	e.EmergencyStop()
	drv.SetInput(estopPin, false)
	assert.False(t, e.ResetEmergencyStop())

	drv.FailInput(estopPin, errors.New("bus error"))
	drv.SetInput(estopPin, true)
	assert.False(t, e.ResetEmergencyStop(), "unreadable input refuses reset")

	drv.FailInput(estopPin, nil)
	assert.True(t, e.ResetEmergencyStop())
}

func TestWatchdog(t *testing.T) {
	cfg := testConfig()
	cfg.Safety.WatchdogTimeout = 2 * time.Second
	e, drv, clock := newTestEngine(t, cfg)

	require.True(t, e.RequestSpeed("main_motor", 30, true))
	e.tick()

	clock.Advance(2 * time.Second)
	assert.False(t, e.checkWatchdog(), "exactly at the timeout is still alive")

	clock.Advance(time.Millisecond)
	assert.True(t, e.checkWatchdog())
	assert.True(t, e.InEmergency())
	assert.Equal(t, core.SourceWatchdog, e.Status().EmergencySource)
	duty, _ := drv.Duty("main_motor")
	assert.InDelta(t, 7.5, duty, 1e-9)

	assert.False(t, e.checkWatchdog(), "already latched")

	clock.Advance(time.Minute)
	assert.True(t, e.ResetEmergencyStop())
	assert.False(t, e.checkWatchdog(), "reset refreshed the heartbeat")
}

func TestWatchdog_ZeroSpeedCountsAsLiveness(t *testing.T) {
	cfg := testConfig()
	cfg.Safety.WatchdogTimeout = time.Second
	e, _, clock := newTestEngine(t, cfg)

	for i := 0; i < 10; i++ {
		clock.Advance(900 * time.Millisecond)
		require.True(t, e.RequestSpeed("main_motor", 0, false))
		assert.False(t, e.checkWatchdog())
	}
}

func TestStatus_Snapshot(t *testing.T) {
	cfg := testConfig()
	cfg.Motors = twoMotors()
	e, _, clock := newTestEngine(t, cfg)

	require.True(t, e.RequestSpeed("right", -50, true))
	e.tick()

	st := e.Status()
	require.Len(t, st.Motors, 2)
	assert.Equal(t, "left", st.Motors[0].Name)
	assert.Equal(t, 13, st.Motors[1].Pin)
	assert.Equal(t, -50.0, st.Motors[1].Current)
	assert.InDelta(t, 6.25, st.Motors[1].DutyCycle, 1e-9)
	assert.False(t, st.Running)
	assert.Equal(t, clock.Now(), st.Time)

	require.True(t, e.RequestSpeed("right", 50, true))
	e.tick()
	assert.Equal(t, -50.0, st.Motors[1].Current, "snapshots do not change")
}

func TestCalibrate(t *testing.T) {
	drv := sim.New()
	e, err := New(Dependencies{Driver: drv, Logger: testLogger()}, testConfig())
	require.NoError(t, err)

	require.True(t, e.Calibrate(context.Background()))

	assert.Equal(t, []float64{7.5, 10, 5, 7.5}, drv.History("main_motor"))
	ev := <-e.Events()
	assert.Equal(t, core.EventCalibrated, ev.Kind)

	require.True(t, e.Start(), "calibration leaves the engine idle")
	t.Cleanup(e.Stop)
	assert.False(t, e.Calibrate(context.Background()), "refused while running")
}

func TestCalibrate_Cancelled(t *testing.T) {
	cfg := testConfig()
	cfg.CalibrationHold = time.Hour
	drv := sim.New()
	e, err := New(Dependencies{Driver: drv, Logger: testLogger()}, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool)
	go func() { done <- e.Calibrate(ctx) }()

	require.Eventually(t, func() bool { return len(drv.History("main_motor")) >= 2 }, time.Second, time.Millisecond)
	assert.False(t, e.Start(), "start is refused during calibration")

	cancel()
	assert.False(t, <-done)
	duty, _ := drv.Duty("main_motor")
	assert.InDelta(t, 7.5, duty, 1e-9)
}
