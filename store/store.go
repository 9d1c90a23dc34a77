// Package store defines the record of classification requests the
// daemon keeps for later review.
package store

import (
	"context"
	"time"

	"github.com/frobware/go-eatguard"
	"github.com/frobware/go-eatguard/wire"
)

// Event is one completed classification request.
type Event struct {
	ID                 string
	RecordedAt         time.Time
	PID                int
	ExceptionCode      uint32
	InstructionPointer uintptr
	AccessAddress      uintptr
	// Status is the completion status returned to the caller. Verdict is
	// only meaningful when Status is a success.
	Status  wire.Status
	Verdict eatguard.Verdict
}

// Suspicious reports whether the event carries a suspicious verdict.
func (e Event) Suspicious() bool {
	return e.Status.Success() && e.Verdict.Suspicious()
}

// Filter narrows List.
type Filter struct {
	// PID selects one caller; 0 selects all.
	PID int
	// SuspiciousOnly drops events without a suspicious verdict.
	SuspiciousOnly bool
	// Limit bounds the number of events returned; 0 means no bound.
	Limit int
}

// Store persists events. Implementations are safe for concurrent use.
type Store interface {
	// Save records e.
	Save(ctx context.Context, e Event) error
	// List returns matching events, most recent first.
	List(ctx context.Context, f Filter) ([]Event, error)
	// Prune deletes all but the keep most recent events and returns the
	// number deleted.
	Prune(ctx context.Context, keep int) (int64, error)
	Close() error
}
