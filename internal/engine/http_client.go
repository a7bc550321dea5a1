package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"trigger-orchestrator/internal/common/errors"
	"trigger-orchestrator/internal/retry"
)

// HTTPEngine talks to the workflow engine over its REST API
type HTTPEngine struct {
	baseURL string
	client  *http.Client
}

func NewHTTPEngine(baseURL string) *HTTPEngine {
	return &HTTPEngine{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type executeRequest struct {
	WorkflowID string                 `json:"workflow_id"`
	Payload    map[string]interface{} `json:"payload"`
}

type executeResponse struct {
	ExecutionID string `json:"execution_id"`
}

// ExecuteWorkflow starts a run and returns the engine-assigned execution
// id. A 5xx response surfaces as a retryable HTTPStatusError.
func (e *HTTPEngine) ExecuteWorkflow(ctx context.Context, workflowID string, payload map[string]interface{}) (string, error) {
	body, err := json.Marshal(executeRequest{WorkflowID: workflowID, Payload: payload})
	if err != nil {
		return "", errors.InternalError("failed to encode execution request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/executions", bytes.NewReader(body))
	if err != nil {
		return "", errors.InternalError("failed to build execution request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", errors.ConnectionError("workflow engine unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", &retry.HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	if resp.StatusCode >= 400 {
		return "", errors.ValidationError(fmt.Sprintf("workflow engine rejected the run: %s", resp.Status))
	}

	var decoded executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", errors.InternalError("failed to decode execution response", err)
	}
	return decoded.ExecutionID, nil
}
