package triggers

import (
	"context"
	"sync"
	"time"

	"trigger-orchestrator/internal/circuitbreaker"
	"trigger-orchestrator/internal/common/errors"
	"trigger-orchestrator/internal/common/logging"
	"trigger-orchestrator/internal/common/utils"
	"trigger-orchestrator/internal/engine"
	"trigger-orchestrator/internal/retry"
	"trigger-orchestrator/internal/storage"
)

const engineBreakerName = "external-workflow-engine"

// Recorder implements the shared firing path. Every fire, no matter which
// installer raised it, goes through here: the execution record is written
// pending before the engine is invoked, and the record is closed later by
// the completion or failure event.
type Recorder struct {
	storage  storage.Storage
	engine   engine.Engine
	breakers *circuitbreaker.Manager
	logger   logging.Logger

	mu       sync.Mutex
	inflight map[string]*sync.Mutex
}

func NewRecorder(store storage.Storage, eng engine.Engine, breakers *circuitbreaker.Manager, logger logging.Logger) *Recorder {
	return &Recorder{
		storage:  store,
		engine:   eng,
		breakers: breakers,
		logger:   logger.WithFields(logging.Field{Key: "component", Value: "execution-recorder"}),
		inflight: make(map[string]*sync.Mutex),
	}
}

// BindEvents registers the completion handlers on the workflow event bus.
// Call before EventBus.Subscribe.
func (r *Recorder) BindEvents(bus engine.EventBus) {
	bus.Handle(engine.WorkflowCompletedEvent, r.handleCompleted)
	bus.Handle(engine.WorkflowFailedEvent, r.handleFailed)
}

// FireTrigger records a pending execution and hands the run to the engine.
// Fires for the same trigger are serialized; a second fire waits until the
// previous one has been recorded. Returns the execution record id, which is
// valid even when the engine call failed.
func (r *Recorder) FireTrigger(ctx context.Context, trigger *storage.Trigger, payload map[string]interface{}) (string, error) {
	lock := r.triggerLock(trigger.ID)
	lock.Lock()
	defer lock.Unlock()

	// ExecutionID starts as a local correlation id; the engine's id replaces
	// it once the call returns. It must never be empty: the store indexes it
	// uniquely, and a record closed before the engine answered keeps the
	// local id forever.
	execution := &storage.TriggerExecution{
		ID:          utils.NewID(),
		TriggerID:   trigger.ID,
		WorkflowID:  trigger.WorkflowID,
		ExecutionID: utils.NewID(),
		TriggerType: trigger.Type,
		TriggerData: payload,
		Status:      storage.ExecutionStatusPending,
		TriggeredAt: time.Now().UTC(),
	}
	if err := r.storage.CreateExecution(ctx, execution); err != nil {
		return "", errors.InternalError("failed to record execution", err)
	}

	var engineID string
	result := retry.ExecuteWithRetry(ctx, retry.Quick, func(ctx context.Context) error {
		return r.breakers.Execute(ctx, engineBreakerName, circuitbreaker.ExternalConfig, func(ctx context.Context) error {
			id, err := r.engine.ExecuteWorkflow(ctx, trigger.WorkflowID, payload)
			if err != nil {
				return err
			}
			engineID = id
			return nil
		})
	})

	if !result.Success {
		r.closeExecution(ctx, execution, storage.ExecutionStatusFailed, result.Err.Error())
		r.recordFireError(ctx, trigger, result.Err)
		return execution.ID, result.Err
	}

	execution.ExecutionID = engineID
	if err := r.storage.UpdateExecution(ctx, execution); err != nil {
		r.logger.Error("failed to attach engine execution id", err,
			logging.Field{Key: "execution_id", Value: execution.ID})
	}

	now := time.Now().UTC()
	trigger.Metadata.TriggerCount++
	trigger.Metadata.LastTriggered = &now
	if err := r.storage.UpdateTrigger(ctx, trigger); err != nil {
		r.logger.Error("failed to update trigger metadata", err,
			logging.Field{Key: "trigger_id", Value: trigger.ID})
	}

	r.logger.Info("trigger fired",
		logging.Field{Key: "trigger_id", Value: trigger.ID},
		logging.Field{Key: "workflow_id", Value: trigger.WorkflowID},
		logging.Field{Key: "engine_execution_id", Value: engineID})
	return execution.ID, nil
}

// History returns the most recent executions for a trigger, newest first
func (r *Recorder) History(ctx context.Context, triggerID string, limit int) ([]*storage.TriggerExecution, error) {
	return r.storage.GetExecutionsByTrigger(ctx, triggerID, limit)
}

// Stats aggregates the execution history of one trigger
func (r *Recorder) Stats(ctx context.Context, triggerID string) (*storage.TriggerStats, error) {
	return r.storage.GetTriggerStats(ctx, triggerID)
}

// PruneBefore deletes execution records older than cutoff
func (r *Recorder) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.storage.DeleteExecutionsBefore(ctx, cutoff)
}

// handleCompleted closes the matching execution record as success. Replayed
// events are no-ops: only a pending record may transition.
func (r *Recorder) handleCompleted(ctx context.Context, event interface{}) error {
	completed, ok := event.(*engine.WorkflowCompleted)
	if !ok {
		return nil
	}
	return r.closeByEngineID(ctx, completed.ExecutionID, storage.ExecutionStatusSuccess, "")
}

func (r *Recorder) handleFailed(ctx context.Context, event interface{}) error {
	failed, ok := event.(*engine.WorkflowFailed)
	if !ok {
		return nil
	}
	return r.closeByEngineID(ctx, failed.ExecutionID, storage.ExecutionStatusFailed, failed.Error)
}

func (r *Recorder) closeByEngineID(ctx context.Context, engineID string, status storage.ExecutionStatus, errMsg string) error {
	if engineID == "" {
		return nil
	}
	execution, err := r.storage.GetExecutionByEngineID(ctx, engineID)
	if err != nil {
		// Completion events for runs not started by a trigger are not ours
		if errors.IsType(err, errors.ErrTypeNotFound) {
			return nil
		}
		return err
	}
	if execution.Status != storage.ExecutionStatusPending {
		return nil
	}
	r.closeExecution(ctx, execution, status, errMsg)
	return nil
}

func (r *Recorder) closeExecution(ctx context.Context, execution *storage.TriggerExecution, status storage.ExecutionStatus, errMsg string) {
	now := time.Now().UTC()
	duration := now.Sub(execution.TriggeredAt).Milliseconds()

	execution.Status = status
	execution.Error = errMsg
	execution.CompletedAt = &now
	execution.DurationMS = &duration
	if err := r.storage.UpdateExecution(ctx, execution); err != nil {
		r.logger.Error("failed to close execution record", err,
			logging.Field{Key: "execution_id", Value: execution.ID},
			logging.Field{Key: "status", Value: string(status)})
	}
}

func (r *Recorder) recordFireError(ctx context.Context, trigger *storage.Trigger, fireErr error) {
	r.logger.Error("trigger fire failed", fireErr,
		logging.Field{Key: "trigger_id", Value: trigger.ID},
		logging.Field{Key: "workflow_id", Value: trigger.WorkflowID})

	trigger.Metadata.AppendError("fire failed", fireErr.Error())
	if err := r.storage.UpdateTrigger(ctx, trigger); err != nil {
		r.logger.Error("failed to persist fire error", err, logging.Field{Key: "trigger_id", Value: trigger.ID})
	}
}

func (r *Recorder) triggerLock(triggerID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.inflight[triggerID]
	if !ok {
		lock = &sync.Mutex{}
		r.inflight[triggerID] = lock
	}
	return lock
}
