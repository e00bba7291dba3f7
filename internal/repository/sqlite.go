package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agentlens/optimizer/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS loops (
			loop_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			strategy TEXT NOT NULL,
			trigger_kind TEXT NOT NULL,
			status TEXT NOT NULL,
			current_stage TEXT NOT NULL,
			current_iteration INTEGER NOT NULL,
			max_iterations INTEGER NOT NULL,
			stages TEXT NOT NULL,
			baseline_score REAL NOT NULL DEFAULT 0,
			current_score REAL NOT NULL DEFAULT 0,
			improvement_threshold REAL NOT NULL,
			auto_approve_threshold REAL NOT NULL,
			approval TEXT,
			eval_suite_id TEXT,
			monitoring_period_ms INTEGER NOT NULL DEFAULT 0,
			monitor_deadline DATETIME,
			regression_seen INTEGER NOT NULL DEFAULT 0,
			artifact_version TEXT,
			reason TEXT,
			iteration_started_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL,
			version INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_loops_agent_status ON loops(agent_id, status)`,
		`CREATE TABLE IF NOT EXISTS iteration_history (
			entry_id TEXT PRIMARY KEY,
			loop_id TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			agent_id TEXT NOT NULL,
			strategy TEXT NOT NULL,
			delta REAL NOT NULL,
			outcome TEXT NOT NULL,
			artifact_version TEXT,
			started_at DATETIME NOT NULL,
			duration_ms INTEGER NOT NULL,
			stage_metrics TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_agent_started ON iteration_history(agent_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_history_started ON iteration_history(started_at)`,
		`CREATE TABLE IF NOT EXISTS loop_events (
			event_id TEXT PRIMARY KEY,
			loop_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_loop_events_loop ON loop_events(loop_id, ts)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateLoop inserts a new loop at version 1.
func (s *SQLiteStore) CreateLoop(ctx context.Context, loop *domain.TrainingLoop) error {
	stagesJSON, err := json.Marshal(loop.Stages)
	if err != nil {
		return fmt.Errorf("failed to marshal stages: %w", err)
	}
	approvalJSON, err := marshalApproval(loop.Approval)
	if err != nil {
		return err
	}

	loop.Version = 1
	_, err = s.db.ExecContext(ctx, `INSERT INTO loops (
		loop_id, agent_id, strategy, trigger_kind, status, current_stage,
		current_iteration, max_iterations, stages, baseline_score, current_score,
		improvement_threshold, auto_approve_threshold, approval, eval_suite_id,
		monitoring_period_ms, monitor_deadline, regression_seen, artifact_version,
		reason, iteration_started_at, created_at, version
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loop.LoopID, loop.AgentID, loop.Strategy, loop.Trigger, loop.Status, loop.CurrentStage,
		loop.CurrentIteration, loop.MaxIterations, string(stagesJSON), loop.BaselineScore, loop.CurrentScore,
		loop.ImprovementThreshold, loop.AutoApproveThreshold, approvalJSON, loop.EvalSuiteID,
		loop.MonitoringPeriodMs, nullTime(loop.MonitorDeadline), boolToInt(loop.RegressionSeen), loop.ArtifactVersion,
		loop.Reason, loop.IterationStartedAt, loop.CreatedAt, loop.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to insert loop: %w", err)
	}
	return nil
}

// GetLoop returns the loop or nil when the id is unknown.
func (s *SQLiteStore) GetLoop(ctx context.Context, loopID string) (*domain.TrainingLoop, error) {
	row := s.db.QueryRowContext(ctx, selectLoopColumns+` FROM loops WHERE loop_id = ?`, loopID)
	loop, err := scanLoop(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get loop: %w", err)
	}
	return loop, nil
}

// CompareAndSwapLoop persists the loop if the stored version still matches.
func (s *SQLiteStore) CompareAndSwapLoop(ctx context.Context, loop *domain.TrainingLoop) error {
	stagesJSON, err := json.Marshal(loop.Stages)
	if err != nil {
		return fmt.Errorf("failed to marshal stages: %w", err)
	}
	approvalJSON, err := marshalApproval(loop.Approval)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `UPDATE loops SET
		status = ?, current_stage = ?, current_iteration = ?, stages = ?,
		baseline_score = ?, current_score = ?, approval = ?,
		monitor_deadline = ?, regression_seen = ?, artifact_version = ?,
		reason = ?, iteration_started_at = ?, version = version + 1
		WHERE loop_id = ? AND version = ?`,
		loop.Status, loop.CurrentStage, loop.CurrentIteration, string(stagesJSON),
		loop.BaselineScore, loop.CurrentScore, approvalJSON,
		nullTime(loop.MonitorDeadline), boolToInt(loop.RegressionSeen), loop.ArtifactVersion,
		loop.Reason, loop.IterationStartedAt,
		loop.LoopID, loop.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update loop: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		// Either the row is gone or another writer got there first.
		existing, err := s.GetLoop(ctx, loop.LoopID)
		if err != nil {
			return err
		}
		if existing == nil {
			return domain.ErrLoopNotFound
		}
		return ErrVersionConflict
	}
	loop.Version++
	return nil
}

// ListLoops returns loops, newest first.
func (s *SQLiteStore) ListLoops(ctx context.Context, agentID string, statuses []domain.LoopStatus) ([]domain.TrainingLoop, error) {
	query := selectLoopColumns + ` FROM loops`
	var conds []string
	var args []interface{}
	if agentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, agentID)
	}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		conds = append(conds, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list loops: %w", err)
	}
	defer rows.Close()

	var loops []domain.TrainingLoop
	for rows.Next() {
		loop, err := scanLoop(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loop: %w", err)
		}
		loops = append(loops, *loop)
	}
	return loops, rows.Err()
}

// AppendHistory appends one immutable iteration record.
func (s *SQLiteStore) AppendHistory(ctx context.Context, entry *domain.IterationHistoryEntry) error {
	metricsJSON, err := json.Marshal(entry.StageMetrics)
	if err != nil {
		return fmt.Errorf("failed to marshal stage metrics: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO iteration_history (
		entry_id, loop_id, iteration, agent_id, strategy, delta, outcome,
		artifact_version, started_at, duration_ms, stage_metrics
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.EntryID, entry.LoopID, entry.Iteration, entry.AgentID, entry.Strategy,
		entry.Delta, entry.Outcome, entry.ArtifactVersion, entry.StartedAt,
		entry.DurationMs, string(metricsJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to insert history entry: %w", err)
	}
	return nil
}

// ListHistory returns iteration records ordered by start time descending.
func (s *SQLiteStore) ListHistory(ctx context.Context, agentID string, limit, offset int) ([]domain.IterationHistoryEntry, error) {
	query := `SELECT entry_id, loop_id, iteration, agent_id, strategy, delta, outcome,
		artifact_version, started_at, duration_ms, stage_metrics FROM iteration_history`
	var args []interface{}
	if agentID != "" {
		query += " WHERE agent_id = ?"
		args = append(args, agentID)
	}
	query += " ORDER BY started_at DESC, entry_id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var entries []domain.IterationHistoryEntry
	for rows.Next() {
		var e domain.IterationHistoryEntry
		var artifact, metricsJSON sql.NullString
		if err := rows.Scan(&e.EntryID, &e.LoopID, &e.Iteration, &e.AgentID, &e.Strategy,
			&e.Delta, &e.Outcome, &artifact, &e.StartedAt, &e.DurationMs, &metricsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		e.ArtifactVersion = artifact.String
		if metricsJSON.Valid && metricsJSON.String != "" && metricsJSON.String != "null" {
			if err := json.Unmarshal([]byte(metricsJSON.String), &e.StageMetrics); err != nil {
				return nil, fmt.Errorf("failed to unmarshal stage metrics: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AppendEvent appends one audit event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *domain.LoopEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO loop_events (event_id, loop_id, ts, type, payload) VALUES (?, ?, ?, ?, ?)`,
		event.EventID, event.LoopID, event.Ts, event.Type, string(event.Payload),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// ListEvents returns events for a loop in append order.
func (s *SQLiteStore) ListEvents(ctx context.Context, loopID string, limit int) ([]domain.LoopEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, loop_id, ts, type, payload FROM loop_events
		 WHERE loop_id = ? ORDER BY ts ASC, event_id ASC LIMIT ?`, loopID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []domain.LoopEvent
	for rows.Next() {
		var e domain.LoopEvent
		var payload sql.NullString
		if err := rows.Scan(&e.EventID, &e.LoopID, &e.Ts, &e.Type, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

const selectLoopColumns = `SELECT loop_id, agent_id, strategy, trigger_kind, status, current_stage,
	current_iteration, max_iterations, stages, baseline_score, current_score,
	improvement_threshold, auto_approve_threshold, approval, eval_suite_id,
	monitoring_period_ms, monitor_deadline, regression_seen, artifact_version,
	reason, iteration_started_at, created_at, version`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLoop(row rowScanner) (*domain.TrainingLoop, error) {
	var loop domain.TrainingLoop
	var stagesJSON string
	var approvalJSON, evalSuite, artifact, reason sql.NullString
	var deadline sql.NullTime
	var regression int

	err := row.Scan(&loop.LoopID, &loop.AgentID, &loop.Strategy, &loop.Trigger, &loop.Status, &loop.CurrentStage,
		&loop.CurrentIteration, &loop.MaxIterations, &stagesJSON, &loop.BaselineScore, &loop.CurrentScore,
		&loop.ImprovementThreshold, &loop.AutoApproveThreshold, &approvalJSON, &evalSuite,
		&loop.MonitoringPeriodMs, &deadline, &regression, &artifact,
		&reason, &loop.IterationStartedAt, &loop.CreatedAt, &loop.Version,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(stagesJSON), &loop.Stages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stages: %w", err)
	}
	if approvalJSON.Valid && approvalJSON.String != "" {
		var a domain.ApprovalData
		if err := json.Unmarshal([]byte(approvalJSON.String), &a); err != nil {
			return nil, fmt.Errorf("failed to unmarshal approval: %w", err)
		}
		loop.Approval = &a
	}
	loop.EvalSuiteID = evalSuite.String
	loop.ArtifactVersion = artifact.String
	loop.Reason = reason.String
	if deadline.Valid {
		t := deadline.Time
		loop.MonitorDeadline = &t
	}
	loop.RegressionSeen = regression != 0
	return &loop, nil
}

func marshalApproval(a *domain.ApprovalData) (sql.NullString, error) {
	if a == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal approval: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
