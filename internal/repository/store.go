// Package repository provides persistence for training loops, iteration
// history, and the loop audit trail.
package repository

import (
	"context"
	"errors"

	"github.com/agentlens/optimizer/internal/domain"
)

// ErrVersionConflict is returned by CompareAndSwapLoop when the persisted
// loop version no longer matches the caller's snapshot.
var ErrVersionConflict = errors.New("loop version conflict")

// Store is the keyed loop store. Loop rows carry a version counter so every
// transition is an atomic read-modify-write; history and events are
// append-only.
type Store interface {
	// CreateLoop inserts a new loop at version 1.
	CreateLoop(ctx context.Context, loop *domain.TrainingLoop) error

	// GetLoop returns the loop or nil when the id is unknown.
	GetLoop(ctx context.Context, loopID string) (*domain.TrainingLoop, error)

	// CompareAndSwapLoop persists the loop if its stored version still equals
	// loop.Version, then bumps the version. Returns ErrVersionConflict on a
	// stale snapshot.
	CompareAndSwapLoop(ctx context.Context, loop *domain.TrainingLoop) error

	// ListLoops returns loops, newest first, optionally filtered by agent id
	// and/or a status set.
	ListLoops(ctx context.Context, agentID string, statuses []domain.LoopStatus) ([]domain.TrainingLoop, error)

	// AppendHistory appends one immutable iteration record.
	AppendHistory(ctx context.Context, entry *domain.IterationHistoryEntry) error

	// ListHistory returns iteration records ordered by start time descending.
	ListHistory(ctx context.Context, agentID string, limit, offset int) ([]domain.IterationHistoryEntry, error)

	// AppendEvent appends one audit event.
	AppendEvent(ctx context.Context, event *domain.LoopEvent) error

	// ListEvents returns events for a loop in append order.
	ListEvents(ctx context.Context, loopID string, limit int) ([]domain.LoopEvent, error)

	Close() error
}
