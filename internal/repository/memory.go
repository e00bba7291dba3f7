package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/agentlens/optimizer/internal/domain"
)

// MemoryStore is an in-memory Store. It backs unit tests and keeps the
// controller logic independent of the SQLite implementation.
type MemoryStore struct {
	mu      sync.RWMutex
	loops   map[string]*domain.TrainingLoop
	history []domain.IterationHistoryEntry
	events  map[string][]domain.LoopEvent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		loops:  make(map[string]*domain.TrainingLoop),
		events: make(map[string][]domain.LoopEvent),
	}
}

// CreateLoop inserts a new loop at version 1.
func (s *MemoryStore) CreateLoop(_ context.Context, loop *domain.TrainingLoop) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	loop.Version = 1
	s.loops[loop.LoopID] = loop.Clone()
	return nil
}

// GetLoop returns a clone of the loop or nil when the id is unknown.
func (s *MemoryStore) GetLoop(_ context.Context, loopID string) (*domain.TrainingLoop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loop, ok := s.loops[loopID]
	if !ok {
		return nil, nil
	}
	return loop.Clone(), nil
}

// CompareAndSwapLoop persists the loop if the stored version still matches.
func (s *MemoryStore) CompareAndSwapLoop(_ context.Context, loop *domain.TrainingLoop) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.loops[loop.LoopID]
	if !ok {
		return domain.ErrLoopNotFound
	}
	if existing.Version != loop.Version {
		return ErrVersionConflict
	}
	loop.Version++
	s.loops[loop.LoopID] = loop.Clone()
	return nil
}

// ListLoops returns loops, newest first.
func (s *MemoryStore) ListLoops(_ context.Context, agentID string, statuses []domain.LoopStatus) ([]domain.TrainingLoop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var loops []domain.TrainingLoop
	for _, loop := range s.loops {
		if agentID != "" && loop.AgentID != agentID {
			continue
		}
		if len(statuses) > 0 && !containsStatus(statuses, loop.Status) {
			continue
		}
		loops = append(loops, *loop.Clone())
	}
	sort.Slice(loops, func(i, j int) bool {
		if !loops[i].CreatedAt.Equal(loops[j].CreatedAt) {
			return loops[i].CreatedAt.After(loops[j].CreatedAt)
		}
		return loops[i].LoopID > loops[j].LoopID
	})
	return loops, nil
}

// AppendHistory appends one immutable iteration record.
func (s *MemoryStore) AppendHistory(_ context.Context, entry *domain.IterationHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, *entry)
	return nil
}

// ListHistory returns iteration records ordered by start time descending.
func (s *MemoryStore) ListHistory(_ context.Context, agentID string, limit, offset int) ([]domain.IterationHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var entries []domain.IterationHistoryEntry
	for _, e := range s.history {
		if agentID != "" && e.AgentID != agentID {
			continue
		}
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].StartedAt.After(entries[j].StartedAt)
	})
	if offset >= len(entries) {
		return nil, nil
	}
	entries = entries[offset:]
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// AppendEvent appends one audit event.
func (s *MemoryStore) AppendEvent(_ context.Context, event *domain.LoopEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.LoopID] = append(s.events[event.LoopID], *event)
	return nil
}

// ListEvents returns events for a loop in append order.
func (s *MemoryStore) ListEvents(_ context.Context, loopID string, limit int) ([]domain.LoopEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.events[loopID]
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	out := make([]domain.LoopEvent, len(events))
	copy(out, events)
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func containsStatus(statuses []domain.LoopStatus, st domain.LoopStatus) bool {
	for _, s := range statuses {
		if s == st {
			return true
		}
	}
	return false
}
