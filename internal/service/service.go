// Package service is the facade the transport layer talks to. It composes
// the registry, recorder, webhook router, mail poller, schedule engine and
// manual runner into the operations exposed upward.
package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"trigger-orchestrator/internal/circuitbreaker"
	"trigger-orchestrator/internal/common/errors"
	"trigger-orchestrator/internal/common/logging"
	"trigger-orchestrator/internal/storage"
	"trigger-orchestrator/internal/triggers"
	"trigger-orchestrator/internal/triggers/mail"
	"trigger-orchestrator/internal/triggers/manual"
	"trigger-orchestrator/internal/triggers/schedule"
	"trigger-orchestrator/internal/triggers/webhook"
)

// TestResult is the outcome of a trigger dry-run probe
type TestResult struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Service exposes the trigger core to callers
type Service struct {
	registry *triggers.Registry
	recorder *triggers.Recorder
	router   *webhook.Router
	runner   *manual.Runner
	breakers *circuitbreaker.Manager
	storage  storage.Storage
	logger   logging.Logger
}

func New(
	registry *triggers.Registry,
	recorder *triggers.Recorder,
	router *webhook.Router,
	runner *manual.Runner,
	breakers *circuitbreaker.Manager,
	store storage.Storage,
	logger logging.Logger,
) *Service {
	return &Service{
		registry: registry,
		recorder: recorder,
		router:   router,
		runner:   runner,
		breakers: breakers,
		storage:  store,
		logger:   logger.WithFields(logging.Field{Key: "component", Value: "trigger-service"}),
	}
}

func (s *Service) RegisterTrigger(ctx context.Context, input triggers.RegisterInput) (*storage.Trigger, error) {
	return s.registry.Register(ctx, input)
}

func (s *Service) UpdateTrigger(ctx context.Context, id string, input triggers.UpdateInput) (*storage.Trigger, error) {
	return s.registry.Update(ctx, id, input)
}

func (s *Service) DeleteTrigger(ctx context.Context, id string) error {
	return s.registry.Delete(ctx, id)
}

func (s *Service) ToggleTrigger(ctx context.Context, id string, enabled bool) (*storage.Trigger, error) {
	return s.registry.ToggleEnabled(ctx, id, enabled)
}

func (s *Service) GetTrigger(ctx context.Context, id string) (*storage.Trigger, error) {
	return s.registry.Get(ctx, id)
}

func (s *Service) ListTriggers(ctx context.Context, filters storage.TriggerFilters) ([]*storage.Trigger, error) {
	return s.registry.List(ctx, filters)
}

func (s *Service) ListByWorkflow(ctx context.Context, workflowID string) ([]*storage.Trigger, error) {
	return s.registry.ListByWorkflow(ctx, workflowID)
}

func (s *Service) ExecuteManualTrigger(ctx context.Context, triggerID, userID string, data map[string]interface{}) (string, error) {
	return s.runner.Execute(ctx, triggerID, userID, data)
}

// HandleWebhook routes an inbound webhook call by its URL token
func (s *Service) HandleWebhook(ctx context.Context, token string, r *http.Request) (string, error) {
	return s.router.Dispatch(ctx, token, r)
}

func (s *Service) GetExecutionHistory(ctx context.Context, triggerID string, limit int) ([]*storage.TriggerExecution, error) {
	if _, err := s.registry.Get(ctx, triggerID); err != nil {
		return nil, err
	}
	return s.recorder.History(ctx, triggerID, limit)
}

func (s *Service) GetTriggerStats(ctx context.Context, triggerID string) (*storage.TriggerStats, error) {
	if _, err := s.registry.Get(ctx, triggerID); err != nil {
		return nil, err
	}
	return s.recorder.Stats(ctx, triggerID)
}

// BreakerStats reports the state of every circuit breaker in the process
func (s *Service) BreakerStats() []circuitbreaker.Stats {
	return s.breakers.AllStats()
}

// TestTrigger probes a trigger's configuration without firing it: a
// schedule reports its next fire time, a mailbox is connected to, a
// webhook reports its bound URL, a manual trigger validates its config.
func (s *Service) TestTrigger(ctx context.Context, triggerID string) (*TestResult, error) {
	trigger, err := s.registry.Get(ctx, triggerID)
	if err != nil {
		return nil, err
	}

	switch trigger.Type {
	case storage.TriggerTypeSchedule:
		var cfg schedule.Config
		if derr := triggers.DecodeConfig(trigger.Config, &cfg); derr != nil {
			return &TestResult{Success: false, Message: derr.Error()}, nil
		}
		next, nerr := schedule.NextFireTime(cfg, time.Now())
		if nerr != nil {
			return &TestResult{Success: false, Message: nerr.Error()}, nil
		}
		return &TestResult{
			Success: true,
			Message: "schedule is valid",
			Details: map[string]interface{}{"next_fire_time": next.Format(time.RFC3339)},
		}, nil

	case storage.TriggerTypeEmail:
		var cfg mail.Config
		if derr := triggers.DecodeConfig(trigger.Config, &cfg); derr != nil {
			return &TestResult{Success: false, Message: derr.Error()}, nil
		}
		result := mail.TestConnection(cfg)
		return &TestResult{
			Success: result.Success,
			Message: result.Message,
			Details: map[string]interface{}{"message_count": result.MessageCount},
		}, nil

	case storage.TriggerTypeWebhook:
		var cfg webhook.Config
		if derr := triggers.DecodeConfig(trigger.Config, &cfg); derr != nil {
			return &TestResult{Success: false, Message: derr.Error()}, nil
		}
		url, _ := trigger.Config["webhookUrl"].(string)
		if url == "" {
			return &TestResult{Success: false, Message: "webhook is not bound"}, nil
		}
		return &TestResult{
			Success: true,
			Message: "webhook is bound",
			Details: map[string]interface{}{"webhook_url": url},
		}, nil

	case storage.TriggerTypeManual:
		var cfg manual.Config
		if derr := triggers.DecodeConfig(trigger.Config, &cfg); derr != nil {
			return &TestResult{Success: false, Message: derr.Error()}, nil
		}
		return &TestResult{Success: true, Message: "manual trigger is valid"}, nil
	}
	return nil, errors.ValidationError(fmt.Sprintf("unknown trigger type %q", trigger.Type))
}

// Health probes the storage backend and reports live handle count
func (s *Service) Health(ctx context.Context) (map[string]interface{}, error) {
	if err := s.storage.Health(ctx); err != nil {
		return nil, errors.ConnectionError("storage unhealthy", err)
	}
	return map[string]interface{}{
		"status":             "ok",
		"installed_triggers": s.registry.InstalledCount(),
	}, nil
}

// StartPruner deletes execution records older than the retention window on
// a daily sweep, until ctx is cancelled.
func (s *Service) StartPruner(ctx context.Context, retention time.Duration) {
	if retention <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				deleted, err := s.recorder.PruneBefore(ctx, time.Now().Add(-retention))
				if err != nil {
					s.logger.Error("execution prune failed", err)
					continue
				}
				if deleted > 0 {
					s.logger.Info("pruned old execution records", logging.Field{Key: "deleted", Value: deleted})
				}
			}
		}
	}()
}
