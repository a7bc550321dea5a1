package triggers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trigger-orchestrator/internal/circuitbreaker"
	"trigger-orchestrator/internal/common/logging"
	"trigger-orchestrator/internal/engine"
	"trigger-orchestrator/internal/storage"
	"trigger-orchestrator/internal/testutil"
)

func newTestRecorder(t *testing.T) (*Recorder, *testutil.MemoryStorage, *testutil.FakeEngine) {
	t.Helper()
	store := testutil.NewMemoryStorage()
	eng := testutil.NewFakeEngine()
	breakers := circuitbreaker.NewManager(logging.NewNopLogger())
	recorder := NewRecorder(store, eng, breakers, logging.NewNopLogger())
	return recorder, store, eng
}

func seedTrigger(t *testing.T, store *testutil.MemoryStorage) *storage.Trigger {
	t.Helper()
	trigger := &storage.Trigger{
		ID:         "trig-1",
		WorkflowID: "wf-1",
		Type:       storage.TriggerTypeManual,
		Enabled:    true,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	require.NoError(t, store.CreateTrigger(context.Background(), trigger))
	return trigger
}

func TestFireTriggerRecordsPendingThenInvokesEngine(t *testing.T) {
	recorder, store, eng := newTestRecorder(t)
	ctx := context.Background()
	trigger := seedTrigger(t, store)

	executionID, err := recorder.FireTrigger(ctx, trigger, map[string]interface{}{"k": "v"})
	require.NoError(t, err)
	require.NotEmpty(t, executionID)

	execution, err := store.GetExecution(ctx, executionID)
	require.NoError(t, err)
	assert.Equal(t, storage.ExecutionStatusPending, execution.Status)
	assert.Equal(t, "engine-exec-1", execution.ExecutionID)
	assert.Nil(t, execution.CompletedAt)

	assert.Equal(t, 1, eng.CallCount())
	assert.Equal(t, "wf-1", eng.Calls()[0].WorkflowID)

	updated, err := store.GetTrigger(ctx, trigger.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.Metadata.TriggerCount)
	assert.NotNil(t, updated.Metadata.LastTriggered)
}

func TestFireTriggerEngineFailureClosesRecordFailed(t *testing.T) {
	recorder, store, eng := newTestRecorder(t)
	ctx := context.Background()
	trigger := seedTrigger(t, store)
	eng.Err = errors.New("engine down")

	executionID, err := recorder.FireTrigger(ctx, trigger, nil)
	require.Error(t, err)
	require.NotEmpty(t, executionID, "a failed fire still leaves a record")

	execution, gerr := store.GetExecution(ctx, executionID)
	require.NoError(t, gerr)
	assert.Equal(t, storage.ExecutionStatusFailed, execution.Status)
	assert.NotEmpty(t, execution.Error)
	assert.NotNil(t, execution.CompletedAt)

	updated, gerr := store.GetTrigger(ctx, trigger.ID)
	require.NoError(t, gerr)
	assert.NotEmpty(t, updated.Metadata.Errors)
}

func TestFailedFiresKeepDistinctEngineIDs(t *testing.T) {
	recorder, store, eng := newTestRecorder(t)
	ctx := context.Background()
	trigger := seedTrigger(t, store)
	eng.Err = errors.New("engine down")

	first, err := recorder.FireTrigger(ctx, trigger, nil)
	require.Error(t, err)
	second, err := recorder.FireTrigger(ctx, trigger, nil)
	require.Error(t, err)

	firstExec, gerr := store.GetExecution(ctx, first)
	require.NoError(t, gerr)
	secondExec, gerr := store.GetExecution(ctx, second)
	require.NoError(t, gerr)

	// The engine never answered, so both records keep their local
	// correlation ids. Those must be set and must not collide.
	assert.NotEmpty(t, firstExec.ExecutionID)
	assert.NotEmpty(t, secondExec.ExecutionID)
	assert.NotEqual(t, firstExec.ExecutionID, secondExec.ExecutionID)
}

func TestCompletionEventClosesPendingRecord(t *testing.T) {
	recorder, store, _ := newTestRecorder(t)
	ctx := context.Background()
	trigger := seedTrigger(t, store)

	executionID, err := recorder.FireTrigger(ctx, trigger, nil)
	require.NoError(t, err)

	err = recorder.handleCompleted(ctx, &engine.WorkflowCompleted{ExecutionID: "engine-exec-1"})
	require.NoError(t, err)

	execution, gerr := store.GetExecution(ctx, executionID)
	require.NoError(t, gerr)
	assert.Equal(t, storage.ExecutionStatusSuccess, execution.Status)
	require.NotNil(t, execution.CompletedAt)
	require.NotNil(t, execution.DurationMS)
}

func TestDuplicateCompletionEventsAreNoOps(t *testing.T) {
	recorder, store, _ := newTestRecorder(t)
	ctx := context.Background()
	trigger := seedTrigger(t, store)

	executionID, err := recorder.FireTrigger(ctx, trigger, nil)
	require.NoError(t, err)

	require.NoError(t, recorder.handleCompleted(ctx, &engine.WorkflowCompleted{ExecutionID: "engine-exec-1"}))
	first, err := store.GetExecution(ctx, executionID)
	require.NoError(t, err)

	// A replayed completion and a late failure event must both be ignored
	require.NoError(t, recorder.handleCompleted(ctx, &engine.WorkflowCompleted{ExecutionID: "engine-exec-1"}))
	require.NoError(t, recorder.handleFailed(ctx, &engine.WorkflowFailed{ExecutionID: "engine-exec-1", Error: "late"}))

	second, err := store.GetExecution(ctx, executionID)
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, *first.CompletedAt, *second.CompletedAt)
	assert.Empty(t, second.Error)
}

func TestFailureEventClosesRecordFailed(t *testing.T) {
	recorder, store, _ := newTestRecorder(t)
	ctx := context.Background()
	trigger := seedTrigger(t, store)

	executionID, err := recorder.FireTrigger(ctx, trigger, nil)
	require.NoError(t, err)

	require.NoError(t, recorder.handleFailed(ctx, &engine.WorkflowFailed{ExecutionID: "engine-exec-1", Error: "step 3 exploded"}))

	execution, gerr := store.GetExecution(ctx, executionID)
	require.NoError(t, gerr)
	assert.Equal(t, storage.ExecutionStatusFailed, execution.Status)
	assert.Equal(t, "step 3 exploded", execution.Error)
}

func TestCompletionForUnknownExecutionIsIgnored(t *testing.T) {
	recorder, _, _ := newTestRecorder(t)
	err := recorder.handleCompleted(context.Background(), &engine.WorkflowCompleted{ExecutionID: "nobody"})
	assert.NoError(t, err)
}

func TestStatsAggregateHistory(t *testing.T) {
	recorder, store, eng := newTestRecorder(t)
	ctx := context.Background()
	trigger := seedTrigger(t, store)

	for i := 0; i < 3; i++ {
		_, err := recorder.FireTrigger(ctx, trigger, nil)
		require.NoError(t, err)
	}
	require.Equal(t, 3, eng.CallCount())

	require.NoError(t, recorder.handleCompleted(ctx, &engine.WorkflowCompleted{ExecutionID: "engine-exec-1"}))
	require.NoError(t, recorder.handleFailed(ctx, &engine.WorkflowFailed{ExecutionID: "engine-exec-2", Error: "boom"}))

	stats, err := recorder.Stats(ctx, trigger.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(1), stats.Succeeded)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Pending)
	assert.InDelta(t, 0.5, stats.SuccessRate, 0.01)
}

func TestHistoryHonorsLimit(t *testing.T) {
	recorder, store, _ := newTestRecorder(t)
	ctx := context.Background()
	trigger := seedTrigger(t, store)

	for i := 0; i < 5; i++ {
		_, err := recorder.FireTrigger(ctx, trigger, nil)
		require.NoError(t, err)
	}

	history, err := recorder.History(ctx, trigger.ID, 2)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}
