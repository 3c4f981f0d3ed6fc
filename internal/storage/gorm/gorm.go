// Package gormstorage implements the storage.Backend interface using GORM
// (SQLite or PostgreSQL) with a bounded sample queue and a background writer.
package gormstorage

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kartlab/escd/internal/database"
	"github.com/kartlab/escd/internal/model"
	"github.com/kartlab/escd/internal/model/convert"
	"github.com/kartlab/escd/internal/queue"
	"github.com/kartlab/escd/pkg/core"
)

var (
	ErrNotInitialized = errors.New("journal not initialized")
	ErrQueueFull      = errors.New("journal queue full")
)

const (
	defaultFlushInterval = time.Second
	defaultQueueSize     = 10_000
	insertBatchSize      = 500
)

// Dependencies holds all dependencies for the GORM storage backend.
type Dependencies struct {
	DB     *gorm.DB
	Logger *slog.Logger
}

// Config describes the session being journaled.
type Config struct {
	Hostname      string
	Device        string
	Motors        []core.MotorProfile
	Policy        core.SafetyPolicy
	FlushInterval time.Duration
	QueueSize     int
}

// Backend implements storage.Backend using GORM with queue-based batch writes.
type Backend struct {
	deps    Dependencies
	cfg     Config
	session model.Session
	samples *queue.Queue[model.MotorSample]
	dropped atomic.Uint64

	mu       sync.Mutex
	ready    bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a new GORM storage backend.
func New(deps Dependencies, cfg Config) *Backend {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	return &Backend{
		deps: deps,
		cfg:  cfg,
	}
}

// Init runs schema migration, opens a new session and starts the DB writer goroutine.
func (b *Backend) Init() error {
	if b.deps.DB == nil {
		return fmt.Errorf("%w: no database", ErrNotInitialized)
	}
	if err := database.Migrate(b.deps.DB); err != nil {
		return err
	}

	b.session = convert.NewSession(uuid.New(), time.Now().UTC(), b.cfg.Hostname, b.cfg.Device, b.cfg.Motors, b.cfg.Policy)
	if err := b.deps.DB.Create(&b.session).Error; err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	b.samples = queue.NewBounded[model.MotorSample](b.cfg.QueueSize)
	b.stopChan = make(chan struct{})

	b.mu.Lock()
	b.ready = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.writeLoop()

	b.deps.Logger.Info("Journal session started", "session", b.session.ID, "dialect", b.deps.DB.Name())
	return nil
}

// SessionID returns the id of the open session.
func (b *Backend) SessionID() uuid.UUID {
	return b.session.ID
}

// Dropped returns how many samples were discarded because the queue was full.
func (b *Backend) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Backend) isReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// RecordStatus queues one sample per motor for the next batch write.
func (b *Backend) RecordStatus(st core.Status) error {
	if !b.isReady() {
		return ErrNotInitialized
	}
	if st.Time.IsZero() {
		st.Time = time.Now().UTC()
	}
	var lost uint64
	for _, s := range convert.StatusToSamples(b.session.ID, st) {
		if !b.samples.TryPush(s) {
			lost++
		}
	}
	if lost > 0 {
		b.dropped.Add(lost)
		return fmt.Errorf("%w: dropped %d samples", ErrQueueFull, lost)
	}
	return nil
}

// RecordSafetyEvent writes the event immediately.
func (b *Backend) RecordSafetyEvent(ev core.SafetyEvent) error {
	if !b.isReady() {
		return ErrNotInitialized
	}
	row := convert.CoreToSafetyEvent(b.session.ID, ev, nil)
	if err := b.deps.DB.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to write safety event: %w", err)
	}
	return nil
}

// Flush writes every queued sample.
func (b *Backend) Flush() error {
	if b.samples == nil {
		return nil
	}
	items := b.samples.GetAndEmpty()
	if len(items) == 0 {
		return nil
	}
	start := time.Now()
	if err := b.deps.DB.CreateInBatches(items, insertBatchSize).Error; err != nil {
		return fmt.Errorf("failed to write %d samples: %w", len(items), err)
	}
	b.deps.Logger.Debug("Wrote motor samples", "count", len(items), "duration", time.Since(start))
	return nil
}

func (b *Backend) writeLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			if err := b.Flush(); err != nil {
				b.deps.Logger.Error("Journal write failed", "error", err)
			}
		}
	}
}

// Close stops the writer, flushes what is queued and closes the session.
func (b *Backend) Close() error {
	b.mu.Lock()
	if !b.ready {
		b.mu.Unlock()
		return nil
	}
	b.ready = false
	close(b.stopChan)
	b.mu.Unlock()

	b.wg.Wait()

	err := b.Flush()
	convert.EndSession(&b.session, time.Now().UTC())
	if uerr := b.deps.DB.Model(&b.session).Update("ended_at", b.session.EndedAt).Error; uerr != nil && err == nil {
		err = fmt.Errorf("failed to close session: %w", uerr)
	}
	return err
}

// SafetyEvents returns the most recent events of the session, newest first.
func (b *Backend) SafetyEvents(limit int) ([]core.SafetyEvent, error) {
	var rows []model.SafetyEvent
	err := b.deps.DB.Where("session_id = ?", b.session.ID).
		Order("time desc, id desc").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]core.SafetyEvent, len(rows))
	for i, r := range rows {
		out[i] = convert.SafetyEventToCore(r)
	}
	return out, nil
}

// MotorHistory returns the most recent samples of one motor, newest first.
func (b *Backend) MotorHistory(motor string, limit int) ([]core.MotorStatus, error) {
	var rows []model.MotorSample
	err := b.deps.DB.Where("session_id = ? AND motor = ?", b.session.ID, motor).
		Order("time desc, id desc").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]core.MotorStatus, len(rows))
	for i, r := range rows {
		out[i] = convert.SampleToMotorStatus(r)
	}
	return out, nil
}
