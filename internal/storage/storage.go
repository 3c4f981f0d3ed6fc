// internal/storage/storage.go
package storage

import "github.com/kartlab/escd/pkg/core"

// Backend is the interface all journal implementations must satisfy
type Backend interface {
	// Lifecycle
	Init() error
	Close() error

	// Recording
	RecordStatus(st core.Status) error
	RecordSafetyEvent(ev core.SafetyEvent) error
}

// Querier is an optional interface for backends that can read back their journal.
type Querier interface {
	SafetyEvents(limit int) ([]core.SafetyEvent, error)
	MotorHistory(motor string, limit int) ([]core.MotorStatus, error)
}

// Nop discards everything. Used when storage.type is "none".
type Nop struct{}

func (Nop) Init() error                              { return nil }
func (Nop) Close() error                             { return nil }
func (Nop) RecordStatus(core.Status) error           { return nil }
func (Nop) RecordSafetyEvent(core.SafetyEvent) error { return nil }
