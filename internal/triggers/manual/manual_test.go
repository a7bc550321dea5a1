package manual

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trigger-orchestrator/internal/common/errors"
	"trigger-orchestrator/internal/common/logging"
	"trigger-orchestrator/internal/storage"
	"trigger-orchestrator/internal/testutil"
)

type recordingFirer struct {
	payloads []map[string]interface{}
}

func (f *recordingFirer) FireTrigger(ctx context.Context, trigger *storage.Trigger, payload map[string]interface{}) (string, error) {
	f.payloads = append(f.payloads, payload)
	return "exec-1", nil
}

func seedManualTrigger(t *testing.T, store *testutil.MemoryStorage, config map[string]interface{}, enabled bool) *storage.Trigger {
	t.Helper()
	trigger := &storage.Trigger{
		ID:         "trig-man",
		WorkflowID: "wf-1",
		Type:       storage.TriggerTypeManual,
		Config:     config,
		Enabled:    enabled,
	}
	require.NoError(t, store.CreateTrigger(context.Background(), trigger))
	return trigger
}

func TestExecuteFiresWithUserPayload(t *testing.T) {
	store := testutil.NewMemoryStorage()
	firer := &recordingFirer{}
	runner := NewRunner(firer, store, logging.NewNopLogger())
	seedManualTrigger(t, store, nil, true)

	executionID, err := runner.Execute(context.Background(), "trig-man", "user-7", map[string]interface{}{"reason": "rerun"})
	require.NoError(t, err)
	assert.Equal(t, "exec-1", executionID)

	require.Len(t, firer.payloads, 1)
	payload := firer.payloads[0]
	assert.Equal(t, "manual", payload["trigger_type"])
	assert.Equal(t, "user-7", payload["user_id"])
}

func TestExecuteEnforcesAllowedUsers(t *testing.T) {
	store := testutil.NewMemoryStorage()
	firer := &recordingFirer{}
	runner := NewRunner(firer, store, logging.NewNopLogger())
	seedManualTrigger(t, store, map[string]interface{}{
		"requirePermission": true,
		"allowedUsers":      []string{"user-1", "user-2"},
	}, true)

	_, err := runner.Execute(context.Background(), "trig-man", "intruder", nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeAuthentication))
	assert.Empty(t, firer.payloads)

	_, err = runner.Execute(context.Background(), "trig-man", "user-2", nil)
	require.NoError(t, err)
	assert.Len(t, firer.payloads, 1)
}

func TestExecuteWithoutPermissionRequirementAllowsAnyone(t *testing.T) {
	store := testutil.NewMemoryStorage()
	firer := &recordingFirer{}
	runner := NewRunner(firer, store, logging.NewNopLogger())
	seedManualTrigger(t, store, map[string]interface{}{"requirePermission": false}, true)

	_, err := runner.Execute(context.Background(), "trig-man", "anyone", nil)
	assert.NoError(t, err)
}

func TestExecuteRejectsDisabledTrigger(t *testing.T) {
	store := testutil.NewMemoryStorage()
	runner := NewRunner(&recordingFirer{}, store, logging.NewNopLogger())
	seedManualTrigger(t, store, nil, false)

	_, err := runner.Execute(context.Background(), "trig-man", "user-1", nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
}

func TestExecuteRejectsWrongTriggerType(t *testing.T) {
	store := testutil.NewMemoryStorage()
	runner := NewRunner(&recordingFirer{}, store, logging.NewNopLogger())

	trigger := &storage.Trigger{
		ID:         "trig-sched",
		WorkflowID: "wf-1",
		Type:       storage.TriggerTypeSchedule,
		Enabled:    true,
	}
	require.NoError(t, store.CreateTrigger(context.Background(), trigger))

	_, err := runner.Execute(context.Background(), "trig-sched", "user-1", nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
}

func TestExecuteUnknownTriggerIsNotFound(t *testing.T) {
	store := testutil.NewMemoryStorage()
	runner := NewRunner(&recordingFirer{}, store, logging.NewNopLogger())

	_, err := runner.Execute(context.Background(), "missing", "user-1", nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
}
