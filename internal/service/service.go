// Package service implements the closed-loop optimization controller: the
// per-loop state machine, the control-signal router, and the collaborator
// callback surface.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentlens/optimizer/internal/config"
	"github.com/agentlens/optimizer/internal/domain"
	"github.com/agentlens/optimizer/internal/metrics"
	"github.com/agentlens/optimizer/internal/repository"
	"github.com/agentlens/optimizer/policy"
)

// StageExecutor starts the opaque, long-running work for a stage. Starts are
// delivered at-least-once; executors must be idempotent per (loop, stage,
// iteration) and report back through the stage callbacks.
type StageExecutor interface {
	StartStage(ctx context.Context, loop *domain.TrainingLoop, stage domain.Stage) error
}

// Deployer is the deployment collaborator. Rollback is invoked when a
// deployed candidate regresses during monitoring or an operator requests a
// rollback.
type Deployer interface {
	Rollback(ctx context.Context, loopID, artifactVersion string) error
}

// Service drives all training loops. Each loop is a single-writer actor:
// transitions for one loop are serialized by a per-loop mutex and committed
// with a compare-and-swap against the store, so no transition ever applies
// to a stale snapshot. Loops with different ids proceed independently.
type Service struct {
	store    repository.Store
	executor StageExecutor
	deployer Deployer
	gate     *policy.Engine
	history  *HistoryRecorder
	cfg      *config.Config
	log      zerolog.Logger
	metrics  *metrics.Recorder

	mu         sync.Mutex
	locks      map[string]*sync.Mutex
	agentLocks map[string]*sync.Mutex
	queued     map[string][]queuedCallback
	timers     map[string]*time.Timer
}

// New creates the loop controller service.
func New(store repository.Store, executor StageExecutor, deployer Deployer, gate *policy.Engine,
	cfg *config.Config, logger zerolog.Logger, rec *metrics.Recorder) *Service {
	return &Service{
		store:      store,
		executor:   executor,
		deployer:   deployer,
		gate:       gate,
		history:    NewHistoryRecorder(store, logger),
		cfg:        cfg,
		log:        logger.With().Str("component", "controller").Logger(),
		metrics:    rec,
		locks:      make(map[string]*sync.Mutex),
		agentLocks: make(map[string]*sync.Mutex),
		queued:     make(map[string][]queuedCallback),
		timers:     make(map[string]*time.Timer),
	}
}

// History exposes the iteration-history recorder.
func (s *Service) History() *HistoryRecorder {
	return s.history
}

// queuedCallback is a stage callback that arrived while the loop was paused.
// It is applied, in arrival order, when the loop is resumed.
type queuedCallback struct {
	kind    queuedKind
	stage   domain.Stage
	outcome domain.StageOutcome
	message string
}

type queuedKind int

const (
	queuedComplete queuedKind = iota
	queuedFail
	queuedMonitorElapsed
)

// errQueued signals that a callback was parked for a paused loop. Not an
// error from the caller's point of view.
var errQueued = errors.New("callback queued while paused")

// errNoChange signals that a transition function found nothing to persist.
var errNoChange = errors.New("no state change")

// effects collects side effects computed under the per-loop lock and run
// after the transition has been committed. The lock is never held across
// executor calls or history writes.
type effects struct {
	fns []func()
}

func (e *effects) add(f func()) {
	e.fns = append(e.fns, f)
}

func (s *Service) loopLock(loopID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[loopID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[loopID] = l
	}
	return l
}

// agentLock serializes loop creation per agent. The busy check and the insert
// in StartLoop must not interleave with a concurrent start for the same agent.
func (s *Service) agentLock(agentID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.agentLocks[agentID]
	if !ok {
		l = &sync.Mutex{}
		s.agentLocks[agentID] = l
	}
	return l
}

// mutateLoop applies one atomic transition to a loop: read the persisted
// state, run fn, compare-and-swap the result, then run the collected
// effects. Version conflicts re-read and retry; fn must therefore be safe to
// run more than once.
func (s *Service) mutateLoop(ctx context.Context, loopID string, fn func(loop *domain.TrainingLoop, fx *effects) error) (*domain.TrainingLoop, error) {
	lock := s.loopLock(loopID)
	lock.Lock()

	var result *domain.TrainingLoop
	var fx *effects
	for attempt := 0; ; attempt++ {
		loop, err := s.store.GetLoop(ctx, loopID)
		if err != nil {
			lock.Unlock()
			return nil, err
		}
		if loop == nil {
			lock.Unlock()
			return nil, domain.ErrLoopNotFound
		}

		fx = &effects{}
		if err := fn(loop, fx); err != nil {
			lock.Unlock()
			if errors.Is(err, errNoChange) {
				return loop, nil
			}
			return nil, err
		}

		err = s.store.CompareAndSwapLoop(ctx, loop)
		if err == nil {
			result = loop
			break
		}
		if !errors.Is(err, repository.ErrVersionConflict) || attempt >= 3 {
			lock.Unlock()
			return nil, err
		}
	}
	lock.Unlock()

	for _, f := range fx.fns {
		f()
	}
	return result, nil
}

func (s *Service) enqueue(loopID string, cb queuedCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued[loopID] = append(s.queued[loopID], cb)
}

// takeQueued drains the paused-callback queue for a loop.
func (s *Service) takeQueued(loopID string) []queuedCallback {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queued[loopID]
	delete(s.queued, loopID)
	return q
}

// releaseLoop evicts a terminal loop's in-process bookkeeping: the pending
// monitoring timer, any parked callbacks (abort preempts the queue), and the
// per-loop lock entry. Terminal loops reject further transitions through
// their status checks, and the store CAS keeps late stragglers atomic even
// without a lock entry.
func (s *Service) releaseLoop(loopID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[loopID]; ok {
		t.Stop()
		delete(s.timers, loopID)
	}
	delete(s.queued, loopID)
	delete(s.locks, loopID)
}

// dispatchStage issues the start side effect for a stage to the executor,
// outside the per-loop critical section. A start that cannot be delivered
// fails the loop through the normal stage-failure path.
func (s *Service) dispatchStage(loop *domain.TrainingLoop, stage domain.Stage) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StageStartTimeout)
		defer cancel()
		if err := s.executor.StartStage(ctx, loop, stage); err != nil {
			s.log.Error().Err(err).Str("loop_id", loop.LoopID).Str("stage", string(stage)).
				Msg("failed to start stage executor")
			ferr := s.OnStageFailed(context.Background(), loop.LoopID, stage,
				fmt.Sprintf("failed to start stage executor: %v", err))
			if ferr != nil && !errors.Is(ferr, domain.ErrStaleStageCallback) && !errors.Is(ferr, domain.ErrLoopNotFound) {
				s.log.Error().Err(ferr).Str("loop_id", loop.LoopID).Msg("failed to record stage start failure")
			}
		}
	}()
}

// recordEvent appends an audit event. Event failures are logged, never
// propagated: the audit trail must not wedge transitions.
func (s *Service) recordEvent(ctx context.Context, loopID string, eventType domain.EventType, payload interface{}) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			s.log.Error().Err(err).Str("loop_id", loopID).Str("type", string(eventType)).
				Msg("failed to marshal event payload")
			return
		}
		raw = b
	}
	event := &domain.LoopEvent{
		EventID: "evt_" + uuid.New().String()[:8],
		LoopID:  loopID,
		Ts:      time.Now().UnixMilli(),
		Type:    eventType,
		Payload: raw,
	}
	if err := s.store.AppendEvent(ctx, event); err != nil {
		s.log.Error().Err(err).Str("loop_id", loopID).Str("type", string(eventType)).
			Msg("failed to append event")
	}
}

// ListEvents returns the audit trail for a loop.
func (s *Service) ListEvents(ctx context.Context, loopID string, limit int) ([]domain.LoopEvent, error) {
	loop, err := s.store.GetLoop(ctx, loopID)
	if err != nil {
		return nil, err
	}
	if loop == nil {
		return nil, domain.ErrLoopNotFound
	}
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	return s.store.ListEvents(ctx, loopID, limit)
}
