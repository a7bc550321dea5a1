// Package triggers provides the trigger registry and firing core: the
// live, mutable table of trigger definitions and their runtime handles,
// the shared firing path, and the execution recorder.
package triggers

import (
	"context"
	"encoding/json"

	"github.com/go-playground/validator/v10"

	"trigger-orchestrator/internal/common/errors"
	"trigger-orchestrator/internal/storage"
)

// Installer installs and removes the runtime handle for one trigger type
// (timer, poll loop, or URL binding). Implementations live in the schedule,
// mail, webhook and manual subpackages.
type Installer interface {
	Type() storage.TriggerType

	// Install creates the runtime handle for the trigger. A configuration
	// problem must surface here, never at fire time.
	Install(ctx context.Context, trigger *storage.Trigger) error

	// Uninstall cancels the trigger's handle deterministically. An
	// in-flight fire that started before cancellation may complete.
	Uninstall(triggerID string) error
}

// Firer is the shared firing operation every installer calls when its
// firing condition is met
type Firer interface {
	// FireTrigger records the execution (status pending), then invokes the
	// workflow engine. Returns the execution record id.
	FireTrigger(ctx context.Context, trigger *storage.Trigger, payload map[string]interface{}) (string, error)
}

// RegisterInput is the payload for Registry.Register
type RegisterInput struct {
	WorkflowID string                 `json:"workflow_id" validate:"required"`
	NodeID     string                 `json:"node_id"`
	Type       storage.TriggerType    `json:"type" validate:"required"`
	Config     map[string]interface{} `json:"config"`
	Enabled    bool                   `json:"enabled"`
}

// UpdateInput is the partial payload for Registry.Update. Nil fields are
// left unchanged; the runtime handle is reinstalled regardless.
type UpdateInput struct {
	NodeID  *string                 `json:"node_id,omitempty"`
	Config  *map[string]interface{} `json:"config,omitempty"`
	Enabled *bool                   `json:"enabled,omitempty"`
}

var validate = validator.New()

// DecodeConfig maps a trigger's raw config document onto a typed config
// struct and validates it. Used by each installer to interpret its own
// config shape.
func DecodeConfig(raw map[string]interface{}, out interface{}) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return errors.ConfigurationError("config is not serializable")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.ConfigurationError("config does not match the expected shape: " + err.Error())
	}
	if err := validate.Struct(out); err != nil {
		return errors.ConfigurationError("config validation failed: " + err.Error())
	}
	return nil
}
