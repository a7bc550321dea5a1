// Package sqlite implements the storage contract on an embedded SQLite
// database. Suitable for the single active scheduler instance this core
// targets.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"trigger-orchestrator/internal/common/errors"
	"trigger-orchestrator/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS triggers (
	id          TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	node_id     TEXT NOT NULL DEFAULT '',
	type        TEXT NOT NULL,
	config      TEXT NOT NULL DEFAULT '{}',
	enabled     INTEGER NOT NULL DEFAULT 1,
	metadata    TEXT NOT NULL DEFAULT '{}',
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_triggers_workflow ON triggers(workflow_id);
CREATE INDEX IF NOT EXISTS idx_triggers_type ON triggers(type);

CREATE TABLE IF NOT EXISTS trigger_executions (
	id           TEXT PRIMARY KEY,
	trigger_id   TEXT NOT NULL,
	workflow_id  TEXT NOT NULL,
	execution_id TEXT NOT NULL,
	trigger_type TEXT NOT NULL,
	trigger_data TEXT NOT NULL DEFAULT '{}',
	status       TEXT NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	triggered_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	duration_ms  INTEGER
);

CREATE INDEX IF NOT EXISTS idx_executions_trigger ON trigger_executions(trigger_id, triggered_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_engine ON trigger_executions(execution_id);
`

// Adapter implements storage.Storage on SQLite
type Adapter struct {
	db *sql.DB
}

// New opens (and migrates) a SQLite-backed store at path.
// Pass ":memory:" for an ephemeral store in tests.
func New(path string) (*Adapter, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.ConnectionError("failed to open sqlite database", err)
	}

	// SQLite handles one writer at a time
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.InternalError("failed to run sqlite migrations", err)
	}

	return &Adapter{db: db}, nil
}

// Close closes the underlying database
func (a *Adapter) Close() error {
	return a.db.Close()
}

// Health verifies the database is reachable
func (a *Adapter) Health(ctx context.Context) error {
	if err := a.db.PingContext(ctx); err != nil {
		return errors.ConnectionError("sqlite ping failed", err)
	}
	return nil
}

// CreateTrigger persists a trigger definition
func (a *Adapter) CreateTrigger(ctx context.Context, trigger *storage.Trigger) error {
	config, err := json.Marshal(trigger.Config)
	if err != nil {
		return errors.InternalError("failed to marshal trigger config", err)
	}
	metadata, err := json.Marshal(trigger.Metadata)
	if err != nil {
		return errors.InternalError("failed to marshal trigger metadata", err)
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO triggers (id, workflow_id, node_id, type, config, enabled, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trigger.ID, trigger.WorkflowID, trigger.NodeID, string(trigger.Type),
		string(config), boolToInt(trigger.Enabled), string(metadata),
		trigger.CreatedAt, trigger.UpdatedAt,
	)
	if err != nil {
		return errors.InternalError("failed to insert trigger", err)
	}
	return nil
}

// GetTrigger fetches one trigger by id
func (a *Adapter) GetTrigger(ctx context.Context, id string) (*storage.Trigger, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, node_id, type, config, enabled, metadata, created_at, updated_at
		FROM triggers WHERE id = ?`, id)

	trigger, err := scanTrigger(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundError("trigger")
	}
	if err != nil {
		return nil, errors.InternalError("failed to scan trigger", err)
	}
	return trigger, nil
}

// GetTriggers fetches triggers matching the filters
func (a *Adapter) GetTriggers(ctx context.Context, filters storage.TriggerFilters) ([]*storage.Trigger, error) {
	query := `SELECT id, workflow_id, node_id, type, config, enabled, metadata, created_at, updated_at FROM triggers WHERE 1=1`
	args := make([]interface{}, 0, 3)

	if filters.WorkflowID != "" {
		query += " AND workflow_id = ?"
		args = append(args, filters.WorkflowID)
	}
	if filters.Type != "" {
		query += " AND type = ?"
		args = append(args, string(filters.Type))
	}
	if filters.Enabled != nil {
		query += " AND enabled = ?"
		args = append(args, boolToInt(*filters.Enabled))
	}
	query += " ORDER BY created_at"

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.InternalError("failed to query triggers", err)
	}
	defer rows.Close()

	var triggers []*storage.Trigger
	for rows.Next() {
		trigger, err := scanTrigger(rows)
		if err != nil {
			return nil, errors.InternalError("failed to scan trigger", err)
		}
		triggers = append(triggers, trigger)
	}
	return triggers, rows.Err()
}

// UpdateTrigger overwrites a trigger definition
func (a *Adapter) UpdateTrigger(ctx context.Context, trigger *storage.Trigger) error {
	config, err := json.Marshal(trigger.Config)
	if err != nil {
		return errors.InternalError("failed to marshal trigger config", err)
	}
	metadata, err := json.Marshal(trigger.Metadata)
	if err != nil {
		return errors.InternalError("failed to marshal trigger metadata", err)
	}

	res, err := a.db.ExecContext(ctx, `
		UPDATE triggers
		SET workflow_id = ?, node_id = ?, type = ?, config = ?, enabled = ?, metadata = ?, updated_at = ?
		WHERE id = ?`,
		trigger.WorkflowID, trigger.NodeID, string(trigger.Type),
		string(config), boolToInt(trigger.Enabled), string(metadata),
		trigger.UpdatedAt, trigger.ID,
	)
	if err != nil {
		return errors.InternalError("failed to update trigger", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFoundError("trigger")
	}
	return nil
}

// DeleteTrigger removes a trigger definition
func (a *Adapter) DeleteTrigger(ctx context.Context, id string) error {
	res, err := a.db.ExecContext(ctx, `DELETE FROM triggers WHERE id = ?`, id)
	if err != nil {
		return errors.InternalError("failed to delete trigger", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFoundError("trigger")
	}
	return nil
}

// CreateExecution appends an execution record
func (a *Adapter) CreateExecution(ctx context.Context, execution *storage.TriggerExecution) error {
	data, err := json.Marshal(execution.TriggerData)
	if err != nil {
		return errors.InternalError("failed to marshal trigger data", err)
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO trigger_executions (id, trigger_id, workflow_id, execution_id, trigger_type, trigger_data, status, error, triggered_at, completed_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		execution.ID, execution.TriggerID, execution.WorkflowID, execution.ExecutionID,
		string(execution.TriggerType), string(data), string(execution.Status),
		execution.Error, execution.TriggeredAt, execution.CompletedAt, execution.DurationMS,
	)
	if err != nil {
		return errors.InternalError("failed to insert execution", err)
	}
	return nil
}

// GetExecution fetches one execution record by id
func (a *Adapter) GetExecution(ctx context.Context, id string) (*storage.TriggerExecution, error) {
	row := a.db.QueryRowContext(ctx, executionSelect+` WHERE id = ?`, id)
	return scanExecutionRow(row)
}

// GetExecutionByEngineID fetches one execution record by the workflow
// engine's execution id
func (a *Adapter) GetExecutionByEngineID(ctx context.Context, executionID string) (*storage.TriggerExecution, error) {
	row := a.db.QueryRowContext(ctx, executionSelect+` WHERE execution_id = ?`, executionID)
	return scanExecutionRow(row)
}

// UpdateExecution overwrites an execution record
func (a *Adapter) UpdateExecution(ctx context.Context, execution *storage.TriggerExecution) error {
	data, err := json.Marshal(execution.TriggerData)
	if err != nil {
		return errors.InternalError("failed to marshal trigger data", err)
	}

	res, err := a.db.ExecContext(ctx, `
		UPDATE trigger_executions
		SET execution_id = ?, trigger_data = ?, status = ?, error = ?, completed_at = ?, duration_ms = ?
		WHERE id = ?`,
		execution.ExecutionID, string(data), string(execution.Status),
		execution.Error, execution.CompletedAt, execution.DurationMS, execution.ID,
	)
	if err != nil {
		return errors.InternalError("failed to update execution", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFoundError("execution")
	}
	return nil
}

// GetExecutionsByTrigger returns the most recent executions for a trigger
func (a *Adapter) GetExecutionsByTrigger(ctx context.Context, triggerID string, limit int) ([]*storage.TriggerExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.QueryContext(ctx,
		executionSelect+` WHERE trigger_id = ? ORDER BY triggered_at DESC LIMIT ?`,
		triggerID, limit,
	)
	if err != nil {
		return nil, errors.InternalError("failed to query executions", err)
	}
	defer rows.Close()

	var executions []*storage.TriggerExecution
	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, errors.InternalError("failed to scan execution", err)
		}
		executions = append(executions, execution)
	}
	return executions, rows.Err()
}

// GetLastExecutionAfter returns the latest execution for a trigger at or
// after the given instant, or NotFound. Used by the missed-fire watchdog.
func (a *Adapter) GetLastExecutionAfter(ctx context.Context, triggerID string, after time.Time) (*storage.TriggerExecution, error) {
	row := a.db.QueryRowContext(ctx,
		executionSelect+` WHERE trigger_id = ? AND triggered_at >= ? ORDER BY triggered_at DESC LIMIT 1`,
		triggerID, after,
	)
	return scanExecutionRow(row)
}

// DeleteExecutionsBefore prunes execution history older than cutoff
func (a *Adapter) DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := a.db.ExecContext(ctx, `DELETE FROM trigger_executions WHERE triggered_at < ?`, cutoff)
	if err != nil {
		return 0, errors.InternalError("failed to prune executions", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetTriggerStats aggregates execution counts and durations for a trigger
func (a *Adapter) GetTriggerStats(ctx context.Context, triggerID string) (*storage.TriggerStats, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(duration_ms), 0),
			MAX(triggered_at)
		FROM trigger_executions WHERE trigger_id = ?`, triggerID)

	stats := &storage.TriggerStats{TriggerID: triggerID}
	var lastTriggered sql.NullTime
	if err := row.Scan(&stats.Total, &stats.Succeeded, &stats.Failed, &stats.Pending, &stats.AvgDurationMS, &lastTriggered); err != nil {
		return nil, errors.InternalError("failed to aggregate trigger stats", err)
	}
	if lastTriggered.Valid {
		stats.LastTriggered = &lastTriggered.Time
	}

	completed := stats.Succeeded + stats.Failed
	if completed > 0 {
		stats.SuccessRate = float64(stats.Succeeded) / float64(completed)
	}
	return stats, nil
}

const executionSelect = `
	SELECT id, trigger_id, workflow_id, execution_id, trigger_type, trigger_data, status, error, triggered_at, completed_at, duration_ms
	FROM trigger_executions`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTrigger(s scanner) (*storage.Trigger, error) {
	var (
		trigger  storage.Trigger
		typ      string
		config   string
		enabled  int
		metadata string
	)
	if err := s.Scan(&trigger.ID, &trigger.WorkflowID, &trigger.NodeID, &typ,
		&config, &enabled, &metadata, &trigger.CreatedAt, &trigger.UpdatedAt); err != nil {
		return nil, err
	}
	trigger.Type = storage.TriggerType(typ)
	trigger.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(config), &trigger.Config); err != nil {
		return nil, fmt.Errorf("corrupt trigger config: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &trigger.Metadata); err != nil {
		return nil, fmt.Errorf("corrupt trigger metadata: %w", err)
	}
	return &trigger, nil
}

func scanExecution(s scanner) (*storage.TriggerExecution, error) {
	var (
		execution   storage.TriggerExecution
		typ         string
		data        string
		status      string
		completedAt sql.NullTime
		durationMS  sql.NullInt64
	)
	if err := s.Scan(&execution.ID, &execution.TriggerID, &execution.WorkflowID,
		&execution.ExecutionID, &typ, &data, &status, &execution.Error,
		&execution.TriggeredAt, &completedAt, &durationMS); err != nil {
		return nil, err
	}
	execution.TriggerType = storage.TriggerType(typ)
	execution.Status = storage.ExecutionStatus(status)
	if err := json.Unmarshal([]byte(data), &execution.TriggerData); err != nil {
		return nil, fmt.Errorf("corrupt trigger data: %w", err)
	}
	if completedAt.Valid {
		execution.CompletedAt = &completedAt.Time
	}
	if durationMS.Valid {
		execution.DurationMS = &durationMS.Int64
	}
	return &execution, nil
}

func scanExecutionRow(row *sql.Row) (*storage.TriggerExecution, error) {
	execution, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundError("execution")
	}
	if err != nil {
		return nil, errors.InternalError("failed to scan execution", err)
	}
	return execution, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
