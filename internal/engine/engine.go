// Package engine holds the contract to the external workflow execution
// engine and the process-wide event bus carrying its completion events.
package engine

import (
	"context"
)

// Engine is the workflow execution collaborator. Runs are asynchronous:
// ExecuteWorkflow returns the engine-assigned execution id immediately and
// a completion or failure event arrives later on the event bus.
type Engine interface {
	ExecuteWorkflow(ctx context.Context, workflowID string, payload map[string]interface{}) (string, error)
}
