// Package storage defines the document-store contract for trigger
// definitions and execution history, plus the sqlite implementation.
package storage

import (
	"context"
	"time"
)

// Storage is the persistence contract consumed by the trigger core
type Storage interface {
	// Connection management
	Close() error
	Health(ctx context.Context) error

	// Trigger definitions
	CreateTrigger(ctx context.Context, trigger *Trigger) error
	GetTrigger(ctx context.Context, id string) (*Trigger, error)
	GetTriggers(ctx context.Context, filters TriggerFilters) ([]*Trigger, error)
	UpdateTrigger(ctx context.Context, trigger *Trigger) error
	DeleteTrigger(ctx context.Context, id string) error

	// Execution history
	CreateExecution(ctx context.Context, execution *TriggerExecution) error
	GetExecution(ctx context.Context, id string) (*TriggerExecution, error)
	GetExecutionByEngineID(ctx context.Context, executionID string) (*TriggerExecution, error)
	UpdateExecution(ctx context.Context, execution *TriggerExecution) error
	GetExecutionsByTrigger(ctx context.Context, triggerID string, limit int) ([]*TriggerExecution, error)
	GetLastExecutionAfter(ctx context.Context, triggerID string, after time.Time) (*TriggerExecution, error)
	DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Aggregates
	GetTriggerStats(ctx context.Context, triggerID string) (*TriggerStats, error)
}
