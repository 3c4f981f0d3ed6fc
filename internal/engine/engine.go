// Package engine is the ESC control core: a fixed-rate tick that turns queued
// speed commands into rate-limited duty cycles, a watchdog, and a latched
// emergency stop that overrides both.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/kartlab/escd/internal/channel"
	"github.com/kartlab/escd/internal/device"
	"github.com/kartlab/escd/internal/queue"
	"github.com/kartlab/escd/internal/signal"
	"github.com/kartlab/escd/pkg/core"
)

// Config holds the motors, limits and timing of an engine.
type Config struct {
	Motors []core.MotorProfile
	Safety core.SafetyPolicy

	EmergencyPin int
	// StatusLEDPin is driven high while running; negative disables it.
	StatusLEDPin   int
	LEDFlashCount  int
	LEDFlashPeriod time.Duration

	TickInterval     time.Duration
	WatchdogInterval time.Duration
	QueueSize        int
	EventBuffer      int
	ShutdownTimeout  time.Duration
	CalibrationHold  time.Duration
}

// DefaultConfig returns the stock single-motor kart configuration.
func DefaultConfig() Config {
	return Config{
		Motors:           []core.MotorProfile{core.DefaultMotorProfile()},
		Safety:           core.DefaultSafetyPolicy(),
		EmergencyPin:     21,
		StatusLEDPin:     20,
		LEDFlashCount:    10,
		LEDFlashPeriod:   100 * time.Millisecond,
		TickInterval:     20 * time.Millisecond,
		WatchdogInterval: 100 * time.Millisecond,
		QueueSize:        64,
		EventBuffer:      64,
		ShutdownTimeout:  time.Second,
		CalibrationHold:  3 * time.Second,
	}
}

// Validate checks the motors, the safety policy and the timing values.
func (c Config) Validate() error {
	if err := core.ValidateProfiles(c.Motors); err != nil {
		return err
	}
	if err := c.Safety.Validate(); err != nil {
		return err
	}
	if c.TickInterval <= 0 || c.WatchdogInterval <= 0 {
		return fmt.Errorf("tick and watchdog intervals must be positive")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue size must be positive, got %d", c.QueueSize)
	}
	for _, m := range c.Motors {
		if m.Pin == c.EmergencyPin || m.Pin == c.StatusLEDPin {
			return fmt.Errorf("%w: %s: pin %d is reserved", core.ErrInvalidProfile, m.Name, m.Pin)
		}
	}
	return nil
}

// Dependencies holds the collaborators of an engine.
type Dependencies struct {
	Driver device.Driver
	Logger *slog.Logger
	Clock  func() time.Time
}

type lifecycle int

const (
	stateIdle lifecycle = iota
	stateCalibrating
	stateRunning
	stateStopped
)

type motorState struct {
	profile core.MotorProfile
	current float64
	target  float64
}

// Engine owns the runtime state of every motor. It is single-use: once
// stopped it cannot be started again.
type Engine struct {
	cfg    Config
	driver device.Driver
	log    *slog.Logger
	now    func() time.Time

	commands   *queue.Queue[core.SetSpeed]
	interrupts channel.Channel[core.EmergencySource]
	events     channel.Channel[core.SafetyEvent]

	emergency atomic.Bool
	running   atomic.Bool
	heartbeat atomic.Int64 // unix nanoseconds

	latchMu sync.Mutex
	source  core.EmergencySource

	// emitMu serializes device writes so an explicit stop cannot be
	// overwritten by a tick computed before it.
	emitMu  sync.Mutex
	stateMu sync.RWMutex
	motors  []*motorState
	index   map[string]int

	lifeMu sync.Mutex
	life   lifecycle

	hwOnce  sync.Once
	hwErr   error
	hwReady atomic.Bool

	ctx      context.Context
	cancel   context.CancelFunc
	loops    sync.WaitGroup
	stopOnce sync.Once

	ledMu     sync.Mutex
	ledClosed bool
	ledWG     sync.WaitGroup
	flashing  atomic.Bool

	metrics *metrics
}

// New validates cfg and builds an idle engine. Configuration errors wrap
// core.ErrInvalidProfile or core.ErrInvalidPolicy.
func New(deps Dependencies, cfg Config) (*Engine, error) {
	if deps.Driver == nil {
		return nil, fmt.Errorf("engine requires a device driver")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine configuration: %w", err)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		driver:     deps.Driver,
		log:        deps.Logger,
		now:        deps.Clock,
		commands:   queue.NewBounded[core.SetSpeed](cfg.QueueSize),
		interrupts: channel.New[core.EmergencySource](8),
		events:     channel.New[core.SafetyEvent](cfg.EventBuffer),
		index:      make(map[string]int, len(cfg.Motors)),
		ctx:        ctx,
		cancel:     cancel,
	}
	for i, p := range cfg.Motors {
		e.motors = append(e.motors, &motorState{profile: p})
		e.index[p.Name] = i
	}
	e.heartbeat.Store(e.now().UnixNano())

	m, err := newMetrics(e)
	if err != nil {
		cancel()
		return nil, err
	}
	e.metrics = m
	return e, nil
}

// Motors returns the configured motor names in configuration order.
func (e *Engine) Motors() []string {
	names := make([]string, len(e.motors))
	for i, m := range e.motors {
		names[i] = m.profile.Name
	}
	return names
}

// Events delivers lifecycle and safety events. It is closed after Stop.
// Events are dropped while the buffer is full.
func (e *Engine) Events() <-chan core.SafetyEvent {
	return e.events.Receive()
}

// IsRunning reports whether the control loops are active.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// InEmergency reports whether the emergency stop is latched.
func (e *Engine) InEmergency() bool {
	return e.emergency.Load()
}

// LogAttrs returns engine attributes for log records.
func (e *Engine) LogAttrs() []slog.Attr {
	return []slog.Attr{
		slog.Bool("running", e.running.Load()),
		slog.Bool("estop", e.emergency.Load()),
	}
}

// initHardware configures every output at neutral, the pulled-up emergency
// input and the status LED. It runs at most once.
func (e *Engine) initHardware() error {
	e.hwOnce.Do(func() {
		for _, m := range e.motors {
			if err := e.driver.ConfigureOutput(m.profile); err != nil {
				e.hwErr = fmt.Errorf("configuring output %s: %w", m.profile.Name, err)
				return
			}
			if err := e.driver.SetDutyCycle(m.profile.Name, signal.Neutral(m.profile)); err != nil {
				e.hwErr = fmt.Errorf("neutral output %s: %w", m.profile.Name, err)
				return
			}
		}
		if err := e.driver.ConfigureInput(e.cfg.EmergencyPin, device.PullUp); err != nil {
			e.hwErr = fmt.Errorf("configuring emergency input: %w", err)
			return
		}
		if err := e.driver.RegisterEdgeInterrupt(e.cfg.EmergencyPin, device.EdgeFalling, e.onInterrupt); err != nil {
			e.hwErr = fmt.Errorf("registering emergency interrupt: %w", err)
			return
		}
		e.setLED(false)
		e.hwReady.Store(true)
		e.log.Info("Hardware initialized", "motors", len(e.motors), "emergencyPin", e.cfg.EmergencyPin)
	})
	return e.hwErr
}

// Start initializes the hardware and launches the control and watchdog loops.
// It returns false if the engine is not idle or the hardware fails to initialize.
func (e *Engine) Start() bool {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	if e.life != stateIdle {
		e.log.Warn("Start refused", "state", e.life)
		return false
	}
	if err := e.initHardware(); err != nil {
		e.log.Error("Failed to initialize hardware", "error", err)
		return false
	}

	e.clearLatch()
	e.heartbeat.Store(e.now().UnixNano())
	e.running.Store(true)
	e.life = stateRunning

	e.loops.Add(2)
	go e.controlLoop()
	go e.watchdogLoop()

	// A switch already held down produces no edge.
	if level, err := e.driver.ReadDigitalInput(e.cfg.EmergencyPin); err == nil && !level {
		e.onInterrupt()
	}

	e.setLED(true)
	e.log.Info("Motor control system started",
		"tick", e.cfg.TickInterval,
		"watchdog", e.cfg.Safety.WatchdogTimeout)
	e.publish(core.SafetyEvent{Kind: core.EventStarted})
	return true
}

// Stop shuts the engine down: loops stop, every output is zeroed, the loops
// are joined within ShutdownTimeout and the hardware is released. Repeated
// and concurrent calls return after the first one completes.
func (e *Engine) Stop() {
	e.stopOnce.Do(e.shutdown)
}

func (e *Engine) shutdown() {
	e.lifeMu.Lock()
	e.life = stateStopped
	e.lifeMu.Unlock()

	e.log.Info("Stopping motor control system")
	e.running.Store(false)
	e.cancel()

	e.emergencyStop(core.SourceShutdown)

	if !waitTimeout(&e.loops, e.cfg.ShutdownTimeout) {
		e.log.Warn("Control loops did not exit in time", "timeout", e.cfg.ShutdownTimeout)
	}

	e.ledMu.Lock()
	e.ledClosed = true
	e.ledMu.Unlock()
	if !waitTimeout(&e.ledWG, e.cfg.ShutdownTimeout) {
		e.log.Warn("Status LED flasher did not exit in time")
	}

	if settle := e.cfg.Safety.EmergencySettleTime; settle > 0 && e.hwReady.Load() {
		time.Sleep(settle)
	}

	if err := e.release(); err != nil {
		e.log.Error("Error releasing hardware", "error", err)
	}

	e.publish(core.SafetyEvent{Kind: core.EventStopped})
	e.events.Close()
	e.log.Info("Motor control system stopped")
}

// release stops every output, turns the LED off and closes the driver.
func (e *Engine) release() error {
	var err error
	if e.hwReady.Swap(false) {
		for _, m := range e.motors {
			err = multierr.Append(err, e.driver.StopOutput(m.profile.Name))
		}
		if e.cfg.StatusLEDPin >= 0 {
			err = multierr.Append(err, e.driver.SetDigitalOutput(e.cfg.StatusLEDPin, false))
		}
	}
	return multierr.Append(err, e.driver.Close())
}

func (e *Engine) publish(ev core.SafetyEvent) {
	if ev.Time.IsZero() {
		ev.Time = e.now()
	}
	if !e.events.TrySend(ev) {
		e.log.Warn("Safety event dropped", "kind", ev.Kind, "dropped", e.events.Dropped())
	}
}

// pause sleeps for d unless ctx or the engine is cancelled first.
func (e *Engine) pause(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-e.ctx.Done():
		return false
	}
}

func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (l lifecycle) String() string {
	switch l {
	case stateIdle:
		return "idle"
	case stateCalibrating:
		return "calibrating"
	case stateRunning:
		return "running"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
