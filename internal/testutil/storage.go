// Package testutil provides in-memory fakes shared across test suites.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"trigger-orchestrator/internal/common/errors"
	"trigger-orchestrator/internal/storage"
)

// MemoryStorage is an in-memory storage.Storage for tests
type MemoryStorage struct {
	mu         sync.Mutex
	triggers   map[string]*storage.Trigger
	executions map[string]*storage.TriggerExecution
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		triggers:   make(map[string]*storage.Trigger),
		executions: make(map[string]*storage.TriggerExecution),
	}
}

func (m *MemoryStorage) Close() error {
	return nil
}

func (m *MemoryStorage) Health(ctx context.Context) error {
	return nil
}

func (m *MemoryStorage) CreateTrigger(ctx context.Context, trigger *storage.Trigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *trigger
	m.triggers[trigger.ID] = &cp
	return nil
}

func (m *MemoryStorage) GetTrigger(ctx context.Context, id string) (*storage.Trigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	trigger, ok := m.triggers[id]
	if !ok {
		return nil, errors.NotFoundError("trigger")
	}
	cp := *trigger
	return &cp, nil
}

func (m *MemoryStorage) GetTriggers(ctx context.Context, filters storage.TriggerFilters) ([]*storage.Trigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*storage.Trigger
	for _, trigger := range m.triggers {
		if filters.WorkflowID != "" && trigger.WorkflowID != filters.WorkflowID {
			continue
		}
		if filters.Type != "" && trigger.Type != filters.Type {
			continue
		}
		if filters.Enabled != nil && trigger.Enabled != *filters.Enabled {
			continue
		}
		cp := *trigger
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStorage) UpdateTrigger(ctx context.Context, trigger *storage.Trigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.triggers[trigger.ID]; !ok {
		return errors.NotFoundError("trigger")
	}
	cp := *trigger
	m.triggers[trigger.ID] = &cp
	return nil
}

func (m *MemoryStorage) DeleteTrigger(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.triggers[id]; !ok {
		return errors.NotFoundError("trigger")
	}
	delete(m.triggers, id)
	return nil
}

func (m *MemoryStorage) CreateExecution(ctx context.Context, execution *storage.TriggerExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *execution
	m.executions[execution.ID] = &cp
	return nil
}

func (m *MemoryStorage) GetExecution(ctx context.Context, id string) (*storage.TriggerExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	execution, ok := m.executions[id]
	if !ok {
		return nil, errors.NotFoundError("execution")
	}
	cp := *execution
	return &cp, nil
}

func (m *MemoryStorage) GetExecutionByEngineID(ctx context.Context, executionID string) (*storage.TriggerExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, execution := range m.executions {
		if execution.ExecutionID == executionID && executionID != "" {
			cp := *execution
			return &cp, nil
		}
	}
	return nil, errors.NotFoundError("execution")
}

func (m *MemoryStorage) UpdateExecution(ctx context.Context, execution *storage.TriggerExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[execution.ID]; !ok {
		return errors.NotFoundError("execution")
	}
	cp := *execution
	m.executions[execution.ID] = &cp
	return nil
}

func (m *MemoryStorage) GetExecutionsByTrigger(ctx context.Context, triggerID string, limit int) ([]*storage.TriggerExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*storage.TriggerExecution
	for _, execution := range m.executions {
		if execution.TriggerID == triggerID {
			cp := *execution
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.After(out[j].TriggeredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStorage) GetLastExecutionAfter(ctx context.Context, triggerID string, after time.Time) (*storage.TriggerExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *storage.TriggerExecution
	for _, execution := range m.executions {
		if execution.TriggerID != triggerID || !execution.TriggeredAt.After(after) {
			continue
		}
		if latest == nil || execution.TriggeredAt.After(latest.TriggeredAt) {
			latest = execution
		}
	}
	if latest == nil {
		return nil, errors.NotFoundError("execution")
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStorage) DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for id, execution := range m.executions {
		if execution.TriggeredAt.Before(cutoff) {
			delete(m.executions, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryStorage) GetTriggerStats(ctx context.Context, triggerID string) (*storage.TriggerStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &storage.TriggerStats{TriggerID: triggerID}
	var durations float64
	var completed int64
	for _, execution := range m.executions {
		if execution.TriggerID != triggerID {
			continue
		}
		stats.Total++
		switch execution.Status {
		case storage.ExecutionStatusSuccess:
			stats.Succeeded++
		case storage.ExecutionStatusFailed:
			stats.Failed++
		case storage.ExecutionStatusPending:
			stats.Pending++
		}
		if execution.DurationMS != nil {
			durations += float64(*execution.DurationMS)
			completed++
		}
		if stats.LastTriggered == nil || execution.TriggeredAt.After(*stats.LastTriggered) {
			t := execution.TriggeredAt
			stats.LastTriggered = &t
		}
	}
	if done := stats.Succeeded + stats.Failed; done > 0 {
		stats.SuccessRate = float64(stats.Succeeded) / float64(done)
	}
	if completed > 0 {
		stats.AvgDurationMS = durations / float64(completed)
	}
	return stats, nil
}
