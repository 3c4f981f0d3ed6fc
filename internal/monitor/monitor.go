package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kartlab/escd/pkg/core"
)

// StatusSource is the engine as seen by the monitor.
type StatusSource interface {
	Status() core.Status
	Events() <-chan core.SafetyEvent
}

// Recorder journals snapshots and safety events. Satisfied by storage.Backend.
type Recorder interface {
	RecordStatus(st core.Status) error
	RecordSafetyEvent(ev core.SafetyEvent) error
}

// Telemetry writes snapshots to a time series store.
type Telemetry interface {
	WriteStatus(ctx context.Context, st core.Status) error
}

// Publisher pushes snapshots and events to remote observers. Implementations must not block.
type Publisher interface {
	PublishStatus(st core.Status)
	PublishSafetyEvent(ev core.SafetyEvent)
}

// Dependencies holds all dependencies for the monitor service
type Dependencies struct {
	Engine     StatusSource
	Logger     *slog.Logger
	Recorder   Recorder
	Telemetry  Telemetry
	Publishers []Publisher
	StatusFile string
	Interval   time.Duration
	// LogEvery logs the snapshot at INFO every Nth cycle; 0 disables it.
	LogEvery int
}

// Service periodically reports engine status and relays safety events.
type Service struct {
	deps Dependencies

	mu        sync.RWMutex
	isRunning bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
	cycles    uint64
	last      core.Status
}

// NewService creates a new monitor service
func NewService(deps Dependencies) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Interval <= 0 {
		deps.Interval = time.Second
	}
	return &Service{
		deps:     deps,
		stopChan: make(chan struct{}),
	}
}

// IsRunning returns whether the status monitor is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// LastStatus returns the most recent reported snapshot.
func (s *Service) LastStatus() core.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Start starts the report loop and the safety event relay.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	stop := s.stopChan
	s.mu.Unlock()

	if s.deps.StatusFile != "" {
		if err := os.MkdirAll(filepath.Dir(s.deps.StatusFile), 0o755); err != nil {
			s.deps.Logger.Error("Error creating status file directory", "error", err)
		}
	}

	s.wg.Add(2)
	go s.reportLoop(stop)
	go s.eventLoop(stop)
	return nil
}

// Stop stops both loops. Call it after the engine has stopped so its final
// events are relayed.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.isRunning = false
	s.mu.Unlock()
}

func (s *Service) reportLoop(stop <-chan struct{}) {
	defer s.wg.Done()
	s.deps.Logger.Debug("Starting status monitor", "interval", s.deps.Interval)

	ticker := time.NewTicker(s.deps.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			s.Report(context.Background())
			return
		case <-ticker.C:
			s.Report(context.Background())
		}
	}
}

func (s *Service) eventLoop(stop <-chan struct{}) {
	defer s.wg.Done()
	events := s.deps.Engine.Events()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.HandleEvent(ev)
		case <-stop:
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						return
					}
					s.HandleEvent(ev)
				default:
					return
				}
			}
		}
	}
}

// Report takes one snapshot and sends it to every sink.
func (s *Service) Report(ctx context.Context) core.Status {
	st := s.deps.Engine.Status()

	s.mu.Lock()
	s.cycles++
	cycle := s.cycles
	s.last = st
	s.mu.Unlock()

	if s.deps.StatusFile != "" {
		if err := writeStatusFile(s.deps.StatusFile, st); err != nil {
			s.deps.Logger.Error("Error writing status file", "error", err)
		}
	}

	if s.deps.Recorder != nil {
		if err := s.deps.Recorder.RecordStatus(st); err != nil {
			s.deps.Logger.Error("Error recording status", "error", err)
		}
	}

	if s.deps.Telemetry != nil {
		if err := s.deps.Telemetry.WriteStatus(ctx, st); err != nil {
			s.deps.Logger.Warn("Error writing telemetry", "error", err)
		}
	}

	for _, p := range s.deps.Publishers {
		p.PublishStatus(st)
	}

	if s.deps.LogEvery > 0 && cycle%uint64(s.deps.LogEvery) == 0 {
		s.deps.Logger.Info("Engine status", statusAttrs(st)...)
	}

	return st
}

// HandleEvent logs, journals and publishes one safety event.
func (s *Service) HandleEvent(ev core.SafetyEvent) {
	attrs := []any{"kind", ev.Kind}
	if ev.Source != core.SourceNone {
		attrs = append(attrs, "source", ev.Source)
	}
	if ev.Message != "" {
		attrs = append(attrs, "detail", ev.Message)
	}

	switch ev.Kind {
	case core.EventEmergencyStop, core.EventResetRefused:
		s.deps.Logger.Warn("Safety event", attrs...)
	default:
		s.deps.Logger.Info("Safety event", attrs...)
	}

	if s.deps.Recorder != nil {
		if err := s.deps.Recorder.RecordSafetyEvent(ev); err != nil {
			s.deps.Logger.Error("Error recording safety event", "error", err)
		}
	}
	for _, p := range s.deps.Publishers {
		p.PublishSafetyEvent(ev)
	}
}

func statusAttrs(st core.Status) []any {
	attrs := []any{
		"running", st.Running,
		"emergencyStop", st.EmergencyStop,
		"queueDepth", st.QueueDepth,
	}
	if st.EmergencySource != core.SourceNone {
		attrs = append(attrs, "emergencySource", st.EmergencySource)
	}
	for _, m := range st.Motors {
		attrs = append(attrs, slog.Group(m.Name,
			"current", m.Current,
			"target", m.Target,
			"duty", m.DutyCycle,
		))
	}
	return attrs
}

func writeStatusFile(path string, st core.Status) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
