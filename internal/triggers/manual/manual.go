// Package manual runs user-initiated triggers. A manual trigger has no
// runtime handle; install only validates its permission config.
package manual

import (
	"context"
	"fmt"

	"trigger-orchestrator/internal/common/errors"
	"trigger-orchestrator/internal/common/logging"
	"trigger-orchestrator/internal/storage"
	"trigger-orchestrator/internal/triggers"
)

// Config is the typed config document of a manual trigger
type Config struct {
	RequirePermission bool     `json:"requirePermission,omitempty"`
	AllowedUsers      []string `json:"allowedUsers,omitempty"`
}

// Runner fires manual triggers on behalf of users
type Runner struct {
	firer   triggers.Firer
	storage storage.Storage
	logger  logging.Logger
}

func NewRunner(firer triggers.Firer, store storage.Storage, logger logging.Logger) *Runner {
	return &Runner{
		firer:   firer,
		storage: store,
		logger:  logger.WithFields(logging.Field{Key: "component", Value: "manual-runner"}),
	}
}

func (m *Runner) Type() storage.TriggerType {
	return storage.TriggerTypeManual
}

func (m *Runner) Install(ctx context.Context, trigger *storage.Trigger) error {
	var cfg Config
	return triggers.DecodeConfig(trigger.Config, &cfg)
}

func (m *Runner) Uninstall(triggerID string) error {
	return nil
}

// Execute fires a manual trigger for a user, enforcing the allowed-users
// list when the trigger requires permission. Returns the execution record
// id.
func (m *Runner) Execute(ctx context.Context, triggerID, userID string, data map[string]interface{}) (string, error) {
	trigger, err := m.storage.GetTrigger(ctx, triggerID)
	if err != nil {
		return "", err
	}
	if trigger.Type != storage.TriggerTypeManual {
		return "", errors.ValidationError(fmt.Sprintf("trigger %s is not a manual trigger", triggerID))
	}
	if !trigger.Enabled {
		return "", errors.ValidationError(fmt.Sprintf("trigger %s is disabled", triggerID))
	}

	var cfg Config
	if err := triggers.DecodeConfig(trigger.Config, &cfg); err != nil {
		return "", err
	}
	if cfg.RequirePermission && !userAllowed(cfg.AllowedUsers, userID) {
		m.logger.Warn("manual execution denied",
			logging.Field{Key: "trigger_id", Value: triggerID},
			logging.Field{Key: "user_id", Value: userID})
		return "", errors.AuthenticationError(fmt.Sprintf("user %s is not allowed to run this trigger", userID))
	}

	payload := map[string]interface{}{
		"trigger_type": string(storage.TriggerTypeManual),
		"trigger_id":   triggerID,
		"user_id":      userID,
		"data":         data,
	}
	return m.firer.FireTrigger(ctx, trigger, payload)
}

func userAllowed(allowed []string, userID string) bool {
	if len(allowed) == 0 {
		return false
	}
	for _, u := range allowed {
		if u == userID {
			return true
		}
	}
	return false
}
