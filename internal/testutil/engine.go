package testutil

import (
	"context"
	"fmt"
	"sync"
)

// FakeEngine records workflow executions and returns deterministic ids
type FakeEngine struct {
	mu    sync.Mutex
	calls []EngineCall
	// Err, when set, fails every ExecuteWorkflow call
	Err error
}

// EngineCall captures one ExecuteWorkflow invocation
type EngineCall struct {
	WorkflowID string
	Payload    map[string]interface{}
}

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{}
}

func (f *FakeEngine) ExecuteWorkflow(ctx context.Context, workflowID string, payload map[string]interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	f.calls = append(f.calls, EngineCall{WorkflowID: workflowID, Payload: payload})
	return fmt.Sprintf("engine-exec-%d", len(f.calls)), nil
}

// Calls returns a snapshot of all recorded invocations
func (f *FakeEngine) Calls() []EngineCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]EngineCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount reports how many executions the engine has accepted
func (f *FakeEngine) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}
