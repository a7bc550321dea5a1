package storage

import (
	"time"
)

// TriggerType identifies the input modality of a trigger
type TriggerType string

const (
	TriggerTypeSchedule TriggerType = "schedule"
	TriggerTypeEmail    TriggerType = "email"
	TriggerTypeWebhook  TriggerType = "webhook"
	TriggerTypeManual   TriggerType = "manual"
)

// Valid reports whether t is one of the known trigger types
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerTypeSchedule, TriggerTypeEmail, TriggerTypeWebhook, TriggerTypeManual:
		return true
	}
	return false
}

// MaxTriggerErrors bounds the per-trigger error log
const MaxTriggerErrors = 20

// TriggerError is one entry in a trigger's bounded error log
type TriggerError struct {
	Message   string    `json:"message"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TriggerMetadata carries runtime bookkeeping for a trigger definition
type TriggerMetadata struct {
	TriggerCount  int64          `json:"trigger_count"`
	LastTriggered *time.Time     `json:"last_triggered,omitempty"`
	Errors        []TriggerError `json:"errors,omitempty"`
}

// AppendError appends to the error log, dropping the oldest entries once
// the log exceeds MaxTriggerErrors.
func (m *TriggerMetadata) AppendError(message, detail string) {
	m.Errors = append(m.Errors, TriggerError{
		Message:   message,
		Detail:    detail,
		Timestamp: time.Now(),
	})
	if len(m.Errors) > MaxTriggerErrors {
		m.Errors = m.Errors[len(m.Errors)-MaxTriggerErrors:]
	}
}

// Trigger is the persistent definition of when a workflow run should start
type Trigger struct {
	ID         string                 `json:"id"`
	WorkflowID string                 `json:"workflow_id"`
	NodeID     string                 `json:"node_id"`
	Type       TriggerType            `json:"type"`
	Config     map[string]interface{} `json:"config"`
	Enabled    bool                   `json:"enabled"`
	Metadata   TriggerMetadata        `json:"metadata"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// ExecutionStatus is the lifecycle state of one firing
type ExecutionStatus string

const (
	ExecutionStatusPending ExecutionStatus = "pending"
	ExecutionStatusSuccess ExecutionStatus = "success"
	ExecutionStatusFailed  ExecutionStatus = "failed"
)

// TriggerExecution is the append-only record of one firing attempt.
// CompletedAt and Duration are set exactly once by the completion/failure
// event handler and never mutated afterward.
type TriggerExecution struct {
	ID          string                 `json:"id"`
	TriggerID   string                 `json:"trigger_id"`
	WorkflowID  string                 `json:"workflow_id"`
	ExecutionID string                 `json:"execution_id"`
	TriggerType TriggerType            `json:"trigger_type"`
	TriggerData map[string]interface{} `json:"trigger_data,omitempty"`
	Status      ExecutionStatus        `json:"status"`
	Error       string                 `json:"error,omitempty"`
	TriggeredAt time.Time              `json:"triggered_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	DurationMS  *int64                 `json:"duration_ms,omitempty"`
}

// TriggerStats aggregates execution history for one trigger
type TriggerStats struct {
	TriggerID     string     `json:"trigger_id"`
	Total         int64      `json:"total"`
	Succeeded     int64      `json:"succeeded"`
	Failed        int64      `json:"failed"`
	Pending       int64      `json:"pending"`
	SuccessRate   float64    `json:"success_rate"`
	AvgDurationMS float64    `json:"avg_duration_ms"`
	LastTriggered *time.Time `json:"last_triggered,omitempty"`
}

// TriggerFilters narrows GetTriggers queries
type TriggerFilters struct {
	WorkflowID string
	Type       TriggerType
	Enabled    *bool
}
