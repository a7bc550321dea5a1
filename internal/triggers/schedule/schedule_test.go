package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trigger-orchestrator/internal/common/errors"
	"trigger-orchestrator/internal/common/logging"
	"trigger-orchestrator/internal/storage"
	"trigger-orchestrator/internal/testutil"
	"trigger-orchestrator/internal/triggers"
)

func intPtr(v int) *int { return &v }

func TestNextFireTimeDaily(t *testing.T) {
	cfg := Config{ScheduleType: "daily", DailyTime: "14:30"}

	now := time.Now()
	for i := 0; i < 5; i++ {
		next, err := NextFireTime(cfg, now)
		require.NoError(t, err)
		assert.True(t, next.After(now))
		assert.Equal(t, 14, next.Hour())
		assert.Equal(t, 30, next.Minute())
		now = next
	}
}

func TestNextFireTimeWeekly(t *testing.T) {
	cfg := Config{ScheduleType: "weekly", WeeklyTime: "09:00", WeekDay: intPtr(1)}

	next, err := NextFireTime(cfg, time.Now())
	require.NoError(t, err)
	assert.Equal(t, time.Monday, next.Weekday())
	assert.Equal(t, 9, next.Hour())
	assert.Equal(t, 0, next.Minute())
}

func TestNextFireTimeMonthly(t *testing.T) {
	cfg := Config{ScheduleType: "monthly", MonthlyTime: "00:15", MonthDay: intPtr(1)}

	next, err := NextFireTime(cfg, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, next.Day())
	assert.Equal(t, 0, next.Hour())
	assert.Equal(t, 15, next.Minute())
}

func TestNextFireTimeInterval(t *testing.T) {
	cfg := Config{ScheduleType: "interval", IntervalValue: 30, IntervalUnit: "minutes"}

	now := time.Now()
	next, err := NextFireTime(cfg, now)
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(30*time.Minute), next, time.Second)
}

func TestNextFireTimeCronExpression(t *testing.T) {
	cfg := Config{ScheduleType: "cron", CronExpression: "0 6 * * *"}

	next, err := NextFireTime(cfg, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 6, next.Hour())
	assert.Equal(t, 0, next.Minute())
}

func TestNextFireTimeWithTimezone(t *testing.T) {
	cfg := Config{ScheduleType: "daily", DailyTime: "14:30", Timezone: "America/New_York"}

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	next, nerr := NextFireTime(cfg, time.Now())
	require.NoError(t, nerr)
	assert.Equal(t, 14, next.In(loc).Hour())
	assert.Equal(t, 30, next.In(loc).Minute())
}

func TestBuildScheduleRejectsInvalidConfigs(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"unknown type", Config{ScheduleType: "fortnightly"}},
		{"interval without value", Config{ScheduleType: "interval", IntervalUnit: "minutes"}},
		{"interval bad unit", Config{ScheduleType: "interval", IntervalValue: 5, IntervalUnit: "fortnights"}},
		{"cron without expression", Config{ScheduleType: "cron"}},
		{"cron bad expression", Config{ScheduleType: "cron", CronExpression: "not a cron"}},
		{"daily bad clock", Config{ScheduleType: "daily", DailyTime: "25:00"}},
		{"weekly missing weekday", Config{ScheduleType: "weekly", WeeklyTime: "09:00"}},
		{"weekly weekday out of range", Config{ScheduleType: "weekly", WeeklyTime: "09:00", WeekDay: intPtr(9)}},
		{"monthly day out of range", Config{ScheduleType: "monthly", MonthlyTime: "09:00", MonthDay: intPtr(42)}},
		{"bad timezone", Config{ScheduleType: "daily", DailyTime: "09:00", Timezone: "Mars/Olympus"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildSchedule(tt.cfg)
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrTypeConfiguration))
		})
	}
}

// fires records FireTrigger calls
type recordingFirer struct {
	fired chan string
}

func (f *recordingFirer) FireTrigger(ctx context.Context, trigger *storage.Trigger, payload map[string]interface{}) (string, error) {
	f.fired <- trigger.ID
	return "exec-1", nil
}

func TestInstallRejectsBadConfigBeforeArming(t *testing.T) {
	store := testutil.NewMemoryStorage()
	engine := NewEngine(&recordingFirer{fired: make(chan string, 1)}, store, logging.NewNopLogger())

	trigger := &storage.Trigger{
		ID:         "trig-1",
		WorkflowID: "wf-1",
		Type:       storage.TriggerTypeSchedule,
		Config:     map[string]interface{}{"scheduleType": "cron", "cronExpression": "bogus"},
		Enabled:    true,
	}

	err := engine.Install(context.Background(), trigger)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeConfiguration))
}

func TestInstallUninstallRoundtrip(t *testing.T) {
	store := testutil.NewMemoryStorage()
	firer := &recordingFirer{fired: make(chan string, 10)}
	engine := NewEngine(firer, store, logging.NewNopLogger())

	trigger := &storage.Trigger{
		ID:         "trig-1",
		WorkflowID: "wf-1",
		Type:       storage.TriggerTypeSchedule,
		Config:     map[string]interface{}{"scheduleType": "interval", "intervalValue": 1, "intervalUnit": "hours"},
		Enabled:    true,
	}
	require.NoError(t, store.CreateTrigger(context.Background(), trigger))

	require.NoError(t, engine.Install(context.Background(), trigger))
	engine.mu.Lock()
	_, installed := engine.entries["trig-1"]
	engine.mu.Unlock()
	assert.True(t, installed)

	require.NoError(t, engine.Uninstall("trig-1"))
	engine.mu.Lock()
	_, installed = engine.entries["trig-1"]
	engine.mu.Unlock()
	assert.False(t, installed)

	// Uninstalling an unknown id is a no-op
	require.NoError(t, engine.Uninstall("missing"))
}

func TestFireSkipsDeletedTrigger(t *testing.T) {
	store := testutil.NewMemoryStorage()
	firer := &recordingFirer{fired: make(chan string, 1)}
	engine := NewEngine(firer, store, logging.NewNopLogger())

	// Definition never persisted, as if deleted between dispatch and run
	engine.fire("gone")
	select {
	case id := <-firer.fired:
		t.Fatalf("fire should not have happened for %s", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFireSkipsDisabledTrigger(t *testing.T) {
	store := testutil.NewMemoryStorage()
	firer := &recordingFirer{fired: make(chan string, 1)}
	engine := NewEngine(firer, store, logging.NewNopLogger())

	trigger := &storage.Trigger{
		ID:         "trig-1",
		WorkflowID: "wf-1",
		Type:       storage.TriggerTypeSchedule,
		Config:     map[string]interface{}{"scheduleType": "interval", "intervalValue": 1, "intervalUnit": "hours"},
		Enabled:    false,
	}
	require.NoError(t, store.CreateTrigger(context.Background(), trigger))

	engine.fire("trig-1")
	select {
	case id := <-firer.fired:
		t.Fatalf("fire should not have happened for %s", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFirePayloadCarriesIdempotencyKey(t *testing.T) {
	store := testutil.NewMemoryStorage()
	fired := make(chan map[string]interface{}, 1)
	firer := payloadFirer{payloads: fired}
	engine := NewEngine(firer, store, logging.NewNopLogger())

	trigger := &storage.Trigger{
		ID:         "trig-1",
		WorkflowID: "wf-1",
		Type:       storage.TriggerTypeSchedule,
		Config:     map[string]interface{}{"scheduleType": "interval", "intervalValue": 1, "intervalUnit": "hours"},
		Enabled:    true,
	}
	require.NoError(t, store.CreateTrigger(context.Background(), trigger))

	engine.fire("trig-1")
	payload := <-fired
	assert.Equal(t, "schedule", payload["trigger_type"])
	assert.Equal(t, "trig-1", payload["trigger_id"])
	assert.NotEmpty(t, payload["idempotency_key"])
	assert.NotEmpty(t, payload["scheduled_at"])
}

func TestInstallAnchorsDueTimeToLastExecution(t *testing.T) {
	store := testutil.NewMemoryStorage()
	fired := make(chan map[string]interface{}, 1)
	engine := NewEngine(payloadFirer{payloads: fired}, store, logging.NewNopLogger())

	trigger := &storage.Trigger{
		ID:         "trig-1",
		WorkflowID: "wf-1",
		Type:       storage.TriggerTypeSchedule,
		Config:     map[string]interface{}{"scheduleType": "interval", "intervalValue": 1, "intervalUnit": "hours"},
		Enabled:    true,
	}
	require.NoError(t, store.CreateTrigger(context.Background(), trigger))

	// Last run was three hours ago, so the next occurrence came due two
	// hours ago while the process was down.
	require.NoError(t, store.CreateExecution(context.Background(), &storage.TriggerExecution{
		ID:          "exec-old",
		TriggerID:   "trig-1",
		WorkflowID:  "wf-1",
		ExecutionID: "engine-old",
		TriggerType: storage.TriggerTypeSchedule,
		Status:      storage.ExecutionStatusSuccess,
		TriggeredAt: time.Now().Add(-3 * time.Hour),
	}))

	require.NoError(t, engine.Install(context.Background(), trigger))

	engine.mu.Lock()
	nextDue := engine.entries["trig-1"].nextDue
	engine.mu.Unlock()
	require.True(t, nextDue.Before(time.Now()), "due time must reflect the occurrence missed while down")

	engine.sweep(context.Background())

	select {
	case payload := <-fired:
		assert.Equal(t, true, payload["recovered"])
		assert.NotEmpty(t, payload["idempotency_key"])
	case <-time.After(time.Second):
		t.Fatal("missed occurrence was never recovered")
	}
}

type payloadFirer struct {
	payloads chan map[string]interface{}
}

func (f payloadFirer) FireTrigger(ctx context.Context, trigger *storage.Trigger, payload map[string]interface{}) (string, error) {
	f.payloads <- payload
	return "exec-1", nil
}

var _ triggers.Firer = (*recordingFirer)(nil)
