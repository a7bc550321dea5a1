package triggers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"trigger-orchestrator/internal/common/errors"
	"trigger-orchestrator/internal/common/logging"
	"trigger-orchestrator/internal/common/utils"
	"trigger-orchestrator/internal/storage"
)

const installErrorPrefix = "install failed: "

// Registry owns the trigger lifecycle. A trigger definition always lives in
// storage; the registry keeps at most one runtime handle per trigger id and
// guarantees that every mutation tears the old handle down before a new one
// is created.
type Registry struct {
	storage    storage.Storage
	installers map[storage.TriggerType]Installer
	logger     logging.Logger

	// lifecycle serializes whole teardown+reinstall sequences so two
	// mutations of the same trigger can never interleave and leave a
	// second live handle behind.
	lifecycle sync.Mutex

	mu      sync.Mutex
	handles map[string]storage.TriggerType
}

func NewRegistry(store storage.Storage, logger logging.Logger, installers ...Installer) *Registry {
	byType := make(map[storage.TriggerType]Installer, len(installers))
	for _, ins := range installers {
		byType[ins.Type()] = ins
	}
	return &Registry{
		storage:    store,
		installers: byType,
		logger:     logger.WithFields(logging.Field{Key: "component", Value: "trigger-registry"}),
		handles:    make(map[string]storage.TriggerType),
	}
}

// Register persists a new trigger and, when enabled, installs its runtime
// handle. An install failure does not lose the definition: the trigger is
// kept disabled with the error recorded, and both the persisted trigger and
// the install error are returned.
func (r *Registry) Register(ctx context.Context, input RegisterInput) (*storage.Trigger, error) {
	if err := validate.Struct(input); err != nil {
		return nil, errors.ValidationError("invalid trigger registration: " + err.Error())
	}
	if !input.Type.Valid() {
		return nil, errors.ValidationError(fmt.Sprintf("unknown trigger type %q", input.Type))
	}
	if _, ok := r.installers[input.Type]; !ok {
		return nil, errors.ConfigurationError(fmt.Sprintf("no installer registered for trigger type %q", input.Type))
	}

	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	now := time.Now().UTC()
	trigger := &storage.Trigger{
		ID:         utils.NewID(),
		WorkflowID: input.WorkflowID,
		NodeID:     input.NodeID,
		Type:       input.Type,
		Config:     input.Config,
		Enabled:    input.Enabled,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.storage.CreateTrigger(ctx, trigger); err != nil {
		return nil, err
	}

	if !trigger.Enabled {
		return trigger, nil
	}
	if err := r.install(ctx, trigger); err != nil {
		r.recordInstallFailure(ctx, trigger, err)
		return trigger, err
	}
	r.logger.Info("trigger registered",
		logging.Field{Key: "trigger_id", Value: trigger.ID},
		logging.Field{Key: "workflow_id", Value: trigger.WorkflowID},
		logging.Field{Key: "type", Value: string(trigger.Type)})
	return trigger, nil
}

// Update applies a partial update. The old handle is always torn down first
// and a fresh handle installed from the new definition, so a trigger never
// holds more than one handle no matter how many updates it has seen.
func (r *Registry) Update(ctx context.Context, id string, input UpdateInput) (*storage.Trigger, error) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	trigger, err := r.storage.GetTrigger(ctx, id)
	if err != nil {
		return nil, err
	}
	prev := *trigger

	if err := r.uninstall(id); err != nil {
		return nil, err
	}

	if input.NodeID != nil {
		trigger.NodeID = *input.NodeID
	}
	if input.Config != nil {
		trigger.Config = *input.Config
	}
	if input.Enabled != nil {
		trigger.Enabled = *input.Enabled
	}
	trigger.UpdatedAt = time.Now().UTC()
	if err := r.storage.UpdateTrigger(ctx, trigger); err != nil {
		// The old handle was already torn down; put it back so a failed
		// write does not silence the trigger until the next restart.
		if prev.Enabled {
			if rerr := r.install(ctx, &prev); rerr != nil {
				r.logger.Error("failed to restore handle after update persist failure", rerr,
					logging.Field{Key: "trigger_id", Value: id})
			}
		}
		return nil, err
	}

	if !trigger.Enabled {
		return trigger, nil
	}
	if err := r.install(ctx, trigger); err != nil {
		r.recordInstallFailure(ctx, trigger, err)
		return trigger, err
	}
	return trigger, nil
}

// Delete tears the handle down and then removes the definition. A teardown
// failure aborts the delete so a live handle is never orphaned.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if _, err := r.storage.GetTrigger(ctx, id); err != nil {
		return err
	}
	if err := r.uninstall(id); err != nil {
		return errors.InternalError("trigger teardown failed, delete aborted", err)
	}
	if err := r.storage.DeleteTrigger(ctx, id); err != nil {
		return err
	}
	r.logger.Info("trigger deleted", logging.Field{Key: "trigger_id", Value: id})
	return nil
}

// ToggleEnabled flips the enabled flag and installs or uninstalls the
// handle accordingly.
func (r *Registry) ToggleEnabled(ctx context.Context, id string, enabled bool) (*storage.Trigger, error) {
	return r.Update(ctx, id, UpdateInput{Enabled: &enabled})
}

func (r *Registry) Get(ctx context.Context, id string) (*storage.Trigger, error) {
	return r.storage.GetTrigger(ctx, id)
}

func (r *Registry) List(ctx context.Context, filters storage.TriggerFilters) ([]*storage.Trigger, error) {
	return r.storage.GetTriggers(ctx, filters)
}

func (r *Registry) ListByWorkflow(ctx context.Context, workflowID string) ([]*storage.Trigger, error) {
	return r.storage.GetTriggers(ctx, storage.TriggerFilters{WorkflowID: workflowID})
}

// ReinstallAll restores runtime handles after a process restart. Enabled
// triggers are installed; triggers that were parked disabled by an earlier
// install failure get one retry and are re-enabled when it succeeds.
func (r *Registry) ReinstallAll(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	all, err := r.storage.GetTriggers(ctx, storage.TriggerFilters{})
	if err != nil {
		return err
	}

	var failures int
	for _, trigger := range all {
		retryParked := !trigger.Enabled && r.hasInstallError(trigger)
		if !trigger.Enabled && !retryParked {
			continue
		}
		if err := r.install(ctx, trigger); err != nil {
			failures++
			r.recordInstallFailure(ctx, trigger, err)
			continue
		}
		if retryParked {
			trigger.Enabled = true
			trigger.UpdatedAt = time.Now().UTC()
			if err := r.storage.UpdateTrigger(ctx, trigger); err != nil {
				r.logger.Error("failed to re-enable trigger after successful reinstall", err,
					logging.Field{Key: "trigger_id", Value: trigger.ID})
			}
		}
	}

	r.logger.Info("trigger reinstall complete",
		logging.Field{Key: "total", Value: len(all)},
		logging.Field{Key: "failed", Value: failures})
	if failures > 0 {
		return errors.InternalError(fmt.Sprintf("%d trigger(s) failed to reinstall", failures), nil)
	}
	return nil
}

// Shutdown tears down every live handle.
func (r *Registry) Shutdown() {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	ids := make(map[string]storage.TriggerType, len(r.handles))
	for id, t := range r.handles {
		ids[id] = t
	}
	r.mu.Unlock()

	for id := range ids {
		if err := r.uninstall(id); err != nil {
			r.logger.Error("teardown failed during shutdown", err, logging.Field{Key: "trigger_id", Value: id})
		}
	}
}

// InstalledCount reports the number of live handles.
func (r *Registry) InstalledCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

func (r *Registry) install(ctx context.Context, trigger *storage.Trigger) error {
	installer, ok := r.installers[trigger.Type]
	if !ok {
		return errors.ConfigurationError(fmt.Sprintf("no installer registered for trigger type %q", trigger.Type))
	}

	// Replace, never stack: an existing handle is torn down first.
	if err := r.uninstall(trigger.ID); err != nil {
		return err
	}
	if err := installer.Install(ctx, trigger); err != nil {
		return err
	}

	r.mu.Lock()
	r.handles[trigger.ID] = trigger.Type
	r.mu.Unlock()
	return nil
}

func (r *Registry) uninstall(id string) error {
	r.mu.Lock()
	triggerType, ok := r.handles[id]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	installer, found := r.installers[triggerType]
	if !found {
		return errors.InternalError(fmt.Sprintf("handle exists for type %q with no installer", triggerType), nil)
	}
	if err := installer.Uninstall(id); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.handles, id)
	r.mu.Unlock()
	return nil
}

func (r *Registry) recordInstallFailure(ctx context.Context, trigger *storage.Trigger, installErr error) {
	r.logger.Error("trigger install failed, parking disabled", installErr,
		logging.Field{Key: "trigger_id", Value: trigger.ID},
		logging.Field{Key: "type", Value: string(trigger.Type)})

	trigger.Enabled = false
	trigger.Metadata.AppendError(installErrorPrefix+string(trigger.Type), installErr.Error())
	trigger.UpdatedAt = time.Now().UTC()
	if err := r.storage.UpdateTrigger(ctx, trigger); err != nil {
		r.logger.Error("failed to persist install failure", err, logging.Field{Key: "trigger_id", Value: trigger.ID})
	}
}

func (r *Registry) hasInstallError(trigger *storage.Trigger) bool {
	n := len(trigger.Metadata.Errors)
	if n == 0 {
		return false
	}
	return strings.HasPrefix(trigger.Metadata.Errors[n-1].Message, installErrorPrefix)
}
