package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentlens/optimizer/internal/domain"
	"github.com/agentlens/optimizer/internal/repository"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// HistoryRecorder is the append-only sink for finished iterations. The live
// controller never reads it back for decisions; it exists for audit and
// analytics.
type HistoryRecorder struct {
	store repository.Store
	log   zerolog.Logger
}

// NewHistoryRecorder creates a recorder over the given store.
func NewHistoryRecorder(store repository.Store, logger zerolog.Logger) *HistoryRecorder {
	return &HistoryRecorder{
		store: store,
		log:   logger.With().Str("component", "history").Logger(),
	}
}

// Record appends one iteration record. Entries are never edited afterward.
func (r *HistoryRecorder) Record(ctx context.Context, entry *domain.IterationHistoryEntry) error {
	if entry.EntryID == "" {
		entry.EntryID = "hist_" + uuid.New().String()[:8]
	}
	if err := r.store.AppendHistory(ctx, entry); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	r.log.Debug().Str("loop_id", entry.LoopID).Int("iteration", entry.Iteration).
		Str("outcome", string(entry.Outcome)).Float64("delta", entry.Delta).
		Msg("iteration recorded")
	return nil
}

// List returns iteration records, newest first.
func (r *HistoryRecorder) List(ctx context.Context, agentID string, limit, offset int) ([]domain.IterationHistoryEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	return r.store.ListHistory(ctx, agentID, limit, offset)
}
