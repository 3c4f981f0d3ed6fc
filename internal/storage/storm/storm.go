// Package stormstorage implements the storage.Backend interface on an
// embedded bbolt file through asdine/storm.
package stormstorage

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/asdine/storm/v3"
	"github.com/asdine/storm/v3/q"
	"github.com/google/uuid"

	"github.com/kartlab/escd/pkg/core"
)

var ErrNotInitialized = errors.New("journal not initialized")

type sessionRecord struct {
	ID        string `storm:"id"`
	StartedAt time.Time
	EndedAt   time.Time
	Device    string
	Motors    []core.MotorProfile
}

type sampleRecord struct {
	ID            int    `storm:"id,increment"`
	SessionID     string `storm:"index"`
	Motor         string `storm:"index"`
	Time          time.Time
	Pin           int
	CurrentSpeed  float64
	TargetSpeed   float64
	DutyCycle     float64
	Running       bool
	EmergencyStop bool
}

type eventRecord struct {
	ID        int    `storm:"id,increment"`
	SessionID string `storm:"index"`
	Time      time.Time
	Kind      string `storm:"index"`
	Source    string
	Message   string
}

// Config holds the bolt file path and the session description.
type Config struct {
	Path   string
	Device string
	Motors []core.MotorProfile
}

// Backend journals into a single storm database file.
type Backend struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	db      *storm.DB
	session sessionRecord
}

func New(cfg Config, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{cfg: cfg, logger: logger}
}

// Init opens the database file and starts a new session.
func (b *Backend) Init() error {
	db, err := storm.Open(b.cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to open storm db: %w", err)
	}

	session := sessionRecord{
		ID:        uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Device:    b.cfg.Device,
		Motors:    b.cfg.Motors,
	}
	if err := db.Save(&session); err != nil {
		db.Close()
		return fmt.Errorf("failed to save session: %w", err)
	}

	b.mu.Lock()
	b.db = db
	b.session = session
	b.mu.Unlock()

	b.logger.Info("Journal session started", "session", session.ID, "path", b.cfg.Path)
	return nil
}

// SessionID returns the id of the open session.
func (b *Backend) SessionID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session.ID
}

// RecordStatus stores one record per motor in a single transaction.
func (b *Backend) RecordStatus(st core.Status) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return ErrNotInitialized
	}
	if st.Time.IsZero() {
		st.Time = time.Now().UTC()
	}

	tx, err := b.db.Begin(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, m := range st.Motors {
		rec := sampleRecord{
			SessionID:     b.session.ID,
			Motor:         m.Name,
			Time:          st.Time,
			Pin:           m.Pin,
			CurrentSpeed:  m.Current,
			TargetSpeed:   m.Target,
			DutyCycle:     m.DutyCycle,
			Running:       st.Running,
			EmergencyStop: st.EmergencyStop,
		}
		if err := tx.Save(&rec); err != nil {
			return fmt.Errorf("failed to save sample: %w", err)
		}
	}
	return tx.Commit()
}

// RecordSafetyEvent stores the event.
func (b *Backend) RecordSafetyEvent(ev core.SafetyEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return ErrNotInitialized
	}
	rec := eventRecord{
		SessionID: b.session.ID,
		Time:      ev.Time,
		Kind:      string(ev.Kind),
		Source:    string(ev.Source),
		Message:   ev.Message,
	}
	if err := b.db.Save(&rec); err != nil {
		return fmt.Errorf("failed to save safety event: %w", err)
	}
	return nil
}

// SafetyEvents returns the most recent events of the session, newest first.
func (b *Backend) SafetyEvents(limit int) ([]core.SafetyEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil, ErrNotInitialized
	}

	var recs []eventRecord
	err := b.db.Select(q.Eq("SessionID", b.session.ID)).OrderBy("ID").Reverse().Limit(limit).Find(&recs)
	if err != nil && !errors.Is(err, storm.ErrNotFound) {
		return nil, err
	}
	out := make([]core.SafetyEvent, len(recs))
	for i, r := range recs {
		out[i] = core.SafetyEvent{
			Kind:    core.SafetyEventKind(r.Kind),
			Source:  core.EmergencySource(r.Source),
			Time:    r.Time,
			Message: r.Message,
		}
	}
	return out, nil
}

// MotorHistory returns the most recent samples of one motor, newest first.
func (b *Backend) MotorHistory(motor string, limit int) ([]core.MotorStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil, ErrNotInitialized
	}

	var recs []sampleRecord
	err := b.db.Select(q.Eq("SessionID", b.session.ID), q.Eq("Motor", motor)).OrderBy("ID").Reverse().Limit(limit).Find(&recs)
	if err != nil && !errors.Is(err, storm.ErrNotFound) {
		return nil, err
	}
	out := make([]core.MotorStatus, len(recs))
	for i, r := range recs {
		out[i] = core.MotorStatus{
			Name:      r.Motor,
			Pin:       r.Pin,
			Current:   r.CurrentSpeed,
			Target:    r.TargetSpeed,
			DutyCycle: r.DutyCycle,
		}
	}
	return out, nil
}

// Close ends the session and closes the file.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}

	b.session.EndedAt = time.Now().UTC()
	err := b.db.UpdateField(&sessionRecord{ID: b.session.ID}, "EndedAt", b.session.EndedAt)
	if cerr := b.db.Close(); cerr != nil && err == nil {
		err = cerr
	}
	b.db = nil
	return err
}
