package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/kartlab/escd/internal/dispatcher"
	"github.com/kartlab/escd/pkg/core"
)

// Command names routed through the dispatcher.
const (
	CmdSpeed     = ":SPEED:"
	CmdAll       = ":ALL:"
	CmdEStop     = ":ESTOP:"
	CmdReset     = ":RESET:"
	CmdStatus    = ":STATUS:"
	CmdCalibrate = ":CALIBRATE:"
)

var (
	ErrBadArgs      = errors.New("bad arguments")
	ErrResetRefused = errors.New("emergency stop reset refused")
)

// Engine is the part of the control engine the handlers drive.
type Engine interface {
	RequestSpeed(motor string, speed float64, immediate bool) bool
	RequestAll(speed float64, immediate bool) bool
	EmergencyStop()
	ResetEmergencyStop() bool
	Status() core.Status
	Calibrate(ctx context.Context) bool
	IsRunning() bool
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Engine Engine
	Logger *slog.Logger
	// Context bounds long-running commands such as calibration.
	Context context.Context
}

// Service turns dispatcher events into engine calls.
type Service struct {
	deps Dependencies
}

// NewService creates a new handler service
func NewService(deps Dependencies) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Context == nil {
		deps.Context = context.Background()
	}
	return &Service{deps: deps}
}

// Register binds every command to d.
func (s *Service) Register(d *dispatcher.Dispatcher) {
	d.Register(CmdSpeed, s.SetSpeed, dispatcher.Logged())
	d.Register(CmdAll, s.SetAll, dispatcher.Logged())
	d.Register(CmdEStop, s.EmergencyStop, dispatcher.Logged())
	d.Register(CmdReset, s.Reset, dispatcher.Logged())
	d.Register(CmdStatus, s.Status)
	// calibration holds each extreme for seconds; run it off the caller
	d.Register(CmdCalibrate, s.Calibrate, dispatcher.Buffered(1), dispatcher.Logged())
}

// SetSpeed handles ":SPEED:" motor speed [immediate]. The result is whether
// the engine accepted the request.
func (s *Service) SetSpeed(e dispatcher.Event) (any, error) {
	if len(e.Args) < 2 || len(e.Args) > 3 {
		return nil, fmt.Errorf("%w: %s wants motor, speed and optional immediate, got %d args", ErrBadArgs, CmdSpeed, len(e.Args))
	}
	motor := strings.TrimSpace(e.Args[0])
	speed, err := parseSpeed(e.Args[1])
	if err != nil {
		return nil, err
	}
	immediate, err := parseImmediate(e.Args[2:])
	if err != nil {
		return nil, err
	}

	ok := s.deps.Engine.RequestSpeed(motor, speed, immediate)
	if !ok {
		s.deps.Logger.Warn("speed request rejected", "motor", motor, "speed", speed, "source", e.Source)
	}
	return ok, nil
}

// SetAll handles ":ALL:" speed [immediate].
func (s *Service) SetAll(e dispatcher.Event) (any, error) {
	if len(e.Args) < 1 || len(e.Args) > 2 {
		return nil, fmt.Errorf("%w: %s wants speed and optional immediate, got %d args", ErrBadArgs, CmdAll, len(e.Args))
	}
	speed, err := parseSpeed(e.Args[0])
	if err != nil {
		return nil, err
	}
	immediate, err := parseImmediate(e.Args[1:])
	if err != nil {
		return nil, err
	}

	ok := s.deps.Engine.RequestAll(speed, immediate)
	if !ok {
		s.deps.Logger.Warn("speed request rejected", "motor", "all", "speed", speed, "source", e.Source)
	}
	return ok, nil
}

// EmergencyStop handles ":ESTOP:".
func (s *Service) EmergencyStop(e dispatcher.Event) (any, error) {
	s.deps.Engine.EmergencyStop()
	return true, nil
}

// Reset handles ":RESET:". It fails while the hardware switch is still engaged.
func (s *Service) Reset(e dispatcher.Event) (any, error) {
	if !s.deps.Engine.ResetEmergencyStop() {
		return false, ErrResetRefused
	}
	return true, nil
}

// Status handles ":STATUS:" and returns a core.Status snapshot.
func (s *Service) Status(e dispatcher.Event) (any, error) {
	return s.deps.Engine.Status(), nil
}

// Calibrate handles ":CALIBRATE:". Only an idle engine can be calibrated.
func (s *Service) Calibrate(e dispatcher.Event) (any, error) {
	if s.deps.Engine.IsRunning() {
		return false, errors.New("calibration refused: engine is running")
	}
	if !s.deps.Engine.Calibrate(s.deps.Context) {
		return false, errors.New("calibration did not complete")
	}
	s.deps.Logger.Info("calibration complete", "source", e.Source)
	return true, nil
}

func parseSpeed(arg string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(arg), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: speed %q: %v", ErrBadArgs, arg, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: speed %q is not finite", ErrBadArgs, arg)
	}
	return v, nil
}

func parseImmediate(args []string) (bool, error) {
	if len(args) == 0 {
		return false, nil
	}
	arg := strings.TrimSpace(strings.ToLower(args[0]))
	if arg == "immediate" || arg == "i" {
		return true, nil
	}
	v, err := strconv.ParseBool(arg)
	if err != nil {
		return false, fmt.Errorf("%w: immediate flag %q", ErrBadArgs, args[0])
	}
	return v, nil
}
