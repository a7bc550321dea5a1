package webhook

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trigger-orchestrator/internal/common/errors"
	"trigger-orchestrator/internal/common/logging"
	"trigger-orchestrator/internal/storage"
	"trigger-orchestrator/internal/testutil"
)

type countingFirer struct {
	count int
}

func (f *countingFirer) FireTrigger(ctx context.Context, trigger *storage.Trigger, payload map[string]interface{}) (string, error) {
	f.count++
	return "exec-1", nil
}

func newTestRouter(t *testing.T) (*Router, *testutil.MemoryStorage, *countingFirer) {
	t.Helper()
	store := testutil.NewMemoryStorage()
	firer := &countingFirer{}
	router := NewRouter(firer, store, "http://localhost:8080", logging.NewNopLogger())
	return router, store, firer
}

func seedWebhookTrigger(t *testing.T, store *testutil.MemoryStorage, config map[string]interface{}) *storage.Trigger {
	t.Helper()
	trigger := &storage.Trigger{
		ID:         "trig-wh",
		WorkflowID: "wf-1",
		Type:       storage.TriggerTypeWebhook,
		Config:     config,
		Enabled:    true,
	}
	require.NoError(t, store.CreateTrigger(context.Background(), trigger))
	return trigger
}

func TestInstallComputesDeterministicURL(t *testing.T) {
	router, store, _ := newTestRouter(t)
	trigger := seedWebhookTrigger(t, store, map[string]interface{}{"auth": "none"})

	require.NoError(t, router.Install(context.Background(), trigger))

	url, _ := trigger.Config["webhookUrl"].(string)
	assert.Equal(t, "http://localhost:8080/webhooks/"+trigger.ID, url)

	// Rebinding yields the same URL
	assert.Equal(t, url, router.Bind(trigger.ID))
}

func TestDispatchUnboundTokenIsNotFound(t *testing.T) {
	router, _, firer := newTestRouter(t)

	req := httptest.NewRequest("POST", "/webhooks/nobody", nil)
	_, err := router.Dispatch(context.Background(), "nobody", req)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
	assert.Zero(t, firer.count)
}

func TestDispatchAfterUnbindIsNotFound(t *testing.T) {
	router, store, firer := newTestRouter(t)
	trigger := seedWebhookTrigger(t, store, map[string]interface{}{"auth": "none"})
	require.NoError(t, router.Install(context.Background(), trigger))

	require.NoError(t, router.Uninstall(trigger.ID))

	req := httptest.NewRequest("POST", "/webhooks/"+trigger.ID, nil)
	_, err := router.Dispatch(context.Background(), Token(trigger.ID), req)
	assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
	assert.Zero(t, firer.count)
}

func TestDispatchValidatesMethodBeforeAuth(t *testing.T) {
	router, store, firer := newTestRouter(t)
	trigger := seedWebhookTrigger(t, store, map[string]interface{}{
		"method":    "POST",
		"auth":      "api-key",
		"secretKey": "s3cret",
	})
	require.NoError(t, router.Install(context.Background(), trigger))

	// Wrong method, and also no credentials: the method error must win
	req := httptest.NewRequest("GET", "/webhooks/"+trigger.ID, nil)
	_, err := router.Dispatch(context.Background(), Token(trigger.ID), req)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
	assert.Zero(t, firer.count)
}

func TestDispatchApiKeyAuth(t *testing.T) {
	router, store, firer := newTestRouter(t)
	trigger := seedWebhookTrigger(t, store, map[string]interface{}{
		"method":    "POST",
		"auth":      "api-key",
		"secretKey": "s3cret",
	})
	require.NoError(t, router.Install(context.Background(), trigger))

	// Missing key
	req := httptest.NewRequest("POST", "/webhooks/"+trigger.ID, strings.NewReader(`{"x":1}`))
	_, err := router.Dispatch(context.Background(), Token(trigger.ID), req)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeAuthentication))
	assert.Zero(t, firer.count)

	// Wrong key
	req = httptest.NewRequest("POST", "/webhooks/"+trigger.ID, strings.NewReader(`{"x":1}`))
	req.Header.Set("X-API-Key", "wrong")
	_, err = router.Dispatch(context.Background(), Token(trigger.ID), req)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeAuthentication))
	assert.Zero(t, firer.count)

	// Correct key fires exactly once
	req = httptest.NewRequest("POST", "/webhooks/"+trigger.ID, strings.NewReader(`{"x":1}`))
	req.Header.Set("X-API-Key", "s3cret")
	executionID, err := router.Dispatch(context.Background(), Token(trigger.ID), req)
	require.NoError(t, err)
	assert.Equal(t, "exec-1", executionID)
	assert.Equal(t, 1, firer.count)
}

func TestDispatchBearerAuth(t *testing.T) {
	router, store, firer := newTestRouter(t)
	trigger := seedWebhookTrigger(t, store, map[string]interface{}{
		"auth":      "bearer",
		"secretKey": "tok-123",
	})
	require.NoError(t, router.Install(context.Background(), trigger))

	req := httptest.NewRequest("POST", "/webhooks/"+trigger.ID, nil)
	req.Header.Set("Authorization", "Bearer wrong")
	_, err := router.Dispatch(context.Background(), Token(trigger.ID), req)
	assert.True(t, errors.IsType(err, errors.ErrTypeAuthentication))

	req = httptest.NewRequest("POST", "/webhooks/"+trigger.ID, nil)
	req.Header.Set("Authorization", "Bearer tok-123")
	_, err = router.Dispatch(context.Background(), Token(trigger.ID), req)
	require.NoError(t, err)
	assert.Equal(t, 1, firer.count)
}

func TestDispatchCustomTokenPrefix(t *testing.T) {
	router, store, _ := newTestRouter(t)
	trigger := seedWebhookTrigger(t, store, map[string]interface{}{
		"auth":        "bearer",
		"tokenPrefix": "Token",
		"secretKey":   "tok-123",
	})
	require.NoError(t, router.Install(context.Background(), trigger))

	req := httptest.NewRequest("POST", "/webhooks/"+trigger.ID, nil)
	req.Header.Set("Authorization", "Bearer tok-123")
	_, err := router.Dispatch(context.Background(), Token(trigger.ID), req)
	assert.True(t, errors.IsType(err, errors.ErrTypeAuthentication))

	req = httptest.NewRequest("POST", "/webhooks/"+trigger.ID, nil)
	req.Header.Set("Authorization", "Token tok-123")
	_, err = router.Dispatch(context.Background(), Token(trigger.ID), req)
	assert.NoError(t, err)
}

func TestInstallRejectsAuthWithoutSecret(t *testing.T) {
	router, store, _ := newTestRouter(t)
	trigger := seedWebhookTrigger(t, store, map[string]interface{}{"auth": "api-key"})

	err := router.Install(context.Background(), trigger)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeConfiguration))
}

func TestDispatchPayloadShape(t *testing.T) {
	store := testutil.NewMemoryStorage()
	var captured map[string]interface{}
	firer := captureFirer{captured: &captured}
	router := NewRouter(firer, store, "http://localhost:8080", logging.NewNopLogger())

	trigger := seedWebhookTrigger(t, store, map[string]interface{}{"auth": "none"})
	require.NoError(t, router.Install(context.Background(), trigger))

	req := httptest.NewRequest("POST", "/webhooks/"+trigger.ID+"?source=ci", strings.NewReader(`{"event":"push"}`))
	req.Header.Set("X-Custom", "yes")
	_, err := router.Dispatch(context.Background(), Token(trigger.ID), req)
	require.NoError(t, err)

	assert.Equal(t, "webhook", captured["trigger_type"])
	assert.Equal(t, trigger.ID, captured["trigger_id"])
	assert.Equal(t, "POST", captured["method"])
	assert.Equal(t, "source=ci", captured["query"])

	body, ok := captured["body"].(map[string]interface{})
	require.True(t, ok, "json body should be decoded")
	assert.Equal(t, "push", body["event"])

	headers, ok := captured["headers"].(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "yes", headers["X-Custom"])
}

type captureFirer struct {
	captured *map[string]interface{}
}

func (f captureFirer) FireTrigger(ctx context.Context, trigger *storage.Trigger, payload map[string]interface{}) (string, error) {
	*f.captured = payload
	return "exec-1", nil
}
