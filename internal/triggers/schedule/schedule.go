// Package schedule installs time-based triggers on a shared cron runner and
// watches for fires the runner missed while the process was stalled.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"trigger-orchestrator/internal/common/errors"
	"trigger-orchestrator/internal/common/logging"
	"trigger-orchestrator/internal/common/utils"
	"trigger-orchestrator/internal/storage"
	"trigger-orchestrator/internal/triggers"
)

// Config is the typed config document of a schedule trigger
type Config struct {
	ScheduleType   string `json:"scheduleType" validate:"required,oneof=interval cron daily weekly monthly"`
	IntervalValue  int    `json:"intervalValue,omitempty"`
	IntervalUnit   string `json:"intervalUnit,omitempty"`
	CronExpression string `json:"cronExpression,omitempty"`
	DailyTime      string `json:"dailyTime,omitempty"`
	WeeklyTime     string `json:"weeklyTime,omitempty"`
	WeekDay        *int   `json:"weekDay,omitempty"`
	MonthlyTime    string `json:"monthlyTime,omitempty"`
	MonthDay       *int   `json:"monthDay,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
}

// missedGrace is how long past a due time the watchdog waits before it
// treats the fire as missed, leaving the cron runner room to fire first.
const missedGrace = 30 * time.Second

const watchdogInterval = time.Minute

type entry struct {
	cronID   cron.EntryID
	schedule cron.Schedule
	// nextDue is the earliest fire time the watchdog has not yet verified
	nextDue time.Time
}

// Engine runs all schedule triggers on one cron instance
type Engine struct {
	cron    *cron.Cron
	firer   triggers.Firer
	storage storage.Storage
	logger  logging.Logger

	mu      sync.Mutex
	entries map[string]*entry

	stopWatchdog context.CancelFunc
	done         chan struct{}
}

func NewEngine(firer triggers.Firer, store storage.Storage, logger logging.Logger) *Engine {
	return &Engine{
		cron:    cron.New(),
		firer:   firer,
		storage: store,
		logger:  logger.WithFields(logging.Field{Key: "component", Value: "schedule-engine"}),
		entries: make(map[string]*entry),
	}
}

func (e *Engine) Type() storage.TriggerType {
	return storage.TriggerTypeSchedule
}

// Start begins timer dispatch and the missed-fire watchdog
func (e *Engine) Start(ctx context.Context) {
	e.cron.Start()

	watchCtx, cancel := context.WithCancel(ctx)
	e.stopWatchdog = cancel
	e.done = make(chan struct{})
	go e.runWatchdog(watchCtx)
}

// Stop halts timer dispatch, waiting for in-flight jobs to finish
func (e *Engine) Stop() {
	if e.stopWatchdog != nil {
		e.stopWatchdog()
		<-e.done
	}
	<-e.cron.Stop().Done()
}

// Install validates the schedule config and arms a cron entry for it. Any
// config problem surfaces here as a ConfigurationError, never at fire time.
func (e *Engine) Install(ctx context.Context, trigger *storage.Trigger) error {
	var cfg Config
	if err := triggers.DecodeConfig(trigger.Config, &cfg); err != nil {
		return err
	}
	schedule, err := BuildSchedule(cfg)
	if err != nil {
		return err
	}

	triggerID := trigger.ID
	cronID := e.cron.Schedule(schedule, cron.FuncJob(func() {
		e.fire(triggerID)
	}))

	// Anchor the due time to the last recorded execution when one exists.
	// An occurrence that came due while the process was down then shows up
	// as already overdue and the watchdog recovers it.
	nextDue := schedule.Next(time.Now())
	if last, lerr := e.storage.GetLastExecutionAfter(ctx, triggerID, time.Time{}); lerr == nil && last != nil {
		if prior := schedule.Next(last.TriggeredAt); prior.Before(nextDue) {
			nextDue = prior
		}
	}

	e.mu.Lock()
	e.entries[triggerID] = &entry{
		cronID:   cronID,
		schedule: schedule,
		nextDue:  nextDue,
	}
	e.mu.Unlock()

	e.logger.Debug("schedule installed",
		logging.Field{Key: "trigger_id", Value: triggerID},
		logging.Field{Key: "schedule_type", Value: cfg.ScheduleType})
	return nil
}

// Uninstall removes the trigger's cron entry. A job already dispatched may
// still complete; it re-checks the definition before firing.
func (e *Engine) Uninstall(triggerID string) error {
	e.mu.Lock()
	ent, ok := e.entries[triggerID]
	if ok {
		delete(e.entries, triggerID)
	}
	e.mu.Unlock()

	if ok {
		e.cron.Remove(ent.cronID)
	}
	return nil
}

// NextFireTime reports when the given schedule config would next fire
// after the reference time.
func NextFireTime(cfg Config, after time.Time) (time.Time, error) {
	schedule, err := BuildSchedule(cfg)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(after), nil
}

// fire is the cron job body. The definition is re-read from storage so a
// trigger deleted or disabled between dispatch and execution never fires.
func (e *Engine) fire(triggerID string) {
	ctx := context.Background()
	scheduledAt := time.Now().UTC().Truncate(time.Second)

	trigger, err := e.storage.GetTrigger(ctx, triggerID)
	if err != nil {
		if !errors.IsType(err, errors.ErrTypeNotFound) {
			e.logger.Error("failed to load trigger for scheduled fire", err,
				logging.Field{Key: "trigger_id", Value: triggerID})
		}
		return
	}
	if !trigger.Enabled {
		return
	}

	payload := map[string]interface{}{
		"trigger_type":    string(storage.TriggerTypeSchedule),
		"trigger_id":      triggerID,
		"scheduled_at":    scheduledAt.Format(time.RFC3339),
		"idempotency_key": utils.IdempotencyKey(triggerID, scheduledAt),
	}
	if _, err := e.firer.FireTrigger(ctx, trigger, payload); err != nil {
		e.logger.Error("scheduled fire failed", err, logging.Field{Key: "trigger_id", Value: triggerID})
	}

	e.advanceDue(triggerID, scheduledAt)
}

func (e *Engine) advanceDue(triggerID string, firedAt time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ent, ok := e.entries[triggerID]; ok {
		ent.nextDue = ent.schedule.Next(firedAt)
	}
}

// runWatchdog sweeps once a minute for due times the cron runner slept
// through and fires them late rather than dropping them.
func (e *Engine) runWatchdog(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

func (e *Engine) sweep(ctx context.Context) {
	now := time.Now()

	type due struct {
		triggerID string
		dueAt     time.Time
	}
	var overdue []due

	e.mu.Lock()
	for id, ent := range e.entries {
		if !ent.nextDue.IsZero() && now.Sub(ent.nextDue) > missedGrace {
			overdue = append(overdue, due{triggerID: id, dueAt: ent.nextDue})
		}
	}
	e.mu.Unlock()

	for _, d := range overdue {
		last, err := e.storage.GetLastExecutionAfter(ctx, d.triggerID, d.dueAt.Add(-time.Second))
		if err != nil && !errors.IsType(err, errors.ErrTypeNotFound) {
			e.logger.Error("watchdog history lookup failed", err,
				logging.Field{Key: "trigger_id", Value: d.triggerID})
			continue
		}
		if last != nil {
			// The runner did fire; move on to the next due time
			e.advanceDue(d.triggerID, last.TriggeredAt)
			continue
		}

		e.logger.Warn("missed scheduled fire detected, firing late",
			logging.Field{Key: "trigger_id", Value: d.triggerID},
			logging.Field{Key: "due_at", Value: d.dueAt.Format(time.RFC3339)})
		e.fireMissed(ctx, d.triggerID, d.dueAt)
	}
}

func (e *Engine) fireMissed(ctx context.Context, triggerID string, dueAt time.Time) {
	trigger, err := e.storage.GetTrigger(ctx, triggerID)
	if err != nil {
		if errors.IsType(err, errors.ErrTypeNotFound) {
			_ = e.Uninstall(triggerID)
		}
		return
	}
	if !trigger.Enabled {
		return
	}

	scheduledAt := dueAt.UTC().Truncate(time.Second)
	payload := map[string]interface{}{
		"trigger_type":    string(storage.TriggerTypeSchedule),
		"trigger_id":      triggerID,
		"scheduled_at":    scheduledAt.Format(time.RFC3339),
		"recovered":       true,
		"idempotency_key": utils.IdempotencyKey(triggerID, scheduledAt),
	}
	if _, err := e.firer.FireTrigger(ctx, trigger, payload); err != nil {
		e.logger.Error("late fire failed", err, logging.Field{Key: "trigger_id", Value: triggerID})
	}
	e.advanceDue(triggerID, dueAt)
}

// BuildSchedule translates a schedule config into a cron schedule. The five
// schedule types all reduce to either a fixed delay or a cron expression.
func BuildSchedule(cfg Config) (cron.Schedule, error) {
	switch cfg.ScheduleType {
	case "interval":
		d, err := intervalDuration(cfg.IntervalValue, cfg.IntervalUnit)
		if err != nil {
			return nil, err
		}
		return cron.Every(d), nil

	case "cron":
		if strings.TrimSpace(cfg.CronExpression) == "" {
			return nil, errors.ConfigurationError("cron schedule requires cronExpression")
		}
		return parseCron(cfg.CronExpression, cfg.Timezone)

	case "daily":
		hour, minute, err := parseClock(cfg.DailyTime, "dailyTime")
		if err != nil {
			return nil, err
		}
		return parseCron(fmt.Sprintf("%d %d * * *", minute, hour), cfg.Timezone)

	case "weekly":
		hour, minute, err := parseClock(cfg.WeeklyTime, "weeklyTime")
		if err != nil {
			return nil, err
		}
		if cfg.WeekDay == nil || *cfg.WeekDay < 0 || *cfg.WeekDay > 6 {
			return nil, errors.ConfigurationError("weekly schedule requires weekDay in 0..6")
		}
		return parseCron(fmt.Sprintf("%d %d * * %d", minute, hour, *cfg.WeekDay), cfg.Timezone)

	case "monthly":
		hour, minute, err := parseClock(cfg.MonthlyTime, "monthlyTime")
		if err != nil {
			return nil, err
		}
		if cfg.MonthDay == nil || *cfg.MonthDay < 1 || *cfg.MonthDay > 31 {
			return nil, errors.ConfigurationError("monthly schedule requires monthDay in 1..31")
		}
		return parseCron(fmt.Sprintf("%d %d %d * *", minute, hour, *cfg.MonthDay), cfg.Timezone)
	}
	return nil, errors.ConfigurationError(fmt.Sprintf("unknown scheduleType %q", cfg.ScheduleType))
}

func intervalDuration(value int, unit string) (time.Duration, error) {
	if value <= 0 {
		return 0, errors.ConfigurationError("interval schedule requires intervalValue > 0")
	}
	switch unit {
	case "seconds":
		return time.Duration(value) * time.Second, nil
	case "minutes":
		return time.Duration(value) * time.Minute, nil
	case "hours":
		return time.Duration(value) * time.Hour, nil
	case "days":
		return time.Duration(value) * 24 * time.Hour, nil
	}
	return 0, errors.ConfigurationError(fmt.Sprintf("unknown intervalUnit %q", unit))
}

func parseCron(expr, timezone string) (cron.Schedule, error) {
	spec := expr
	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return nil, errors.ConfigurationError(fmt.Sprintf("unknown timezone %q", timezone))
		}
		spec = "CRON_TZ=" + timezone + " " + expr
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, errors.ConfigurationError(fmt.Sprintf("invalid cron expression %q: %v", expr, err))
	}
	return schedule, nil
}

// parseClock accepts "HH:MM" wall-clock times
func parseClock(value, field string) (hour, minute int, err error) {
	if _, perr := fmt.Sscanf(value, "%d:%d", &hour, &minute); perr != nil {
		return 0, 0, errors.ConfigurationError(fmt.Sprintf("%s must be HH:MM, got %q", field, value))
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, errors.ConfigurationError(fmt.Sprintf("%s out of range: %q", field, value))
	}
	return hour, minute, nil
}
