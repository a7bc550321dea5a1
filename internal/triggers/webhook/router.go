// Package webhook binds webhook triggers to deterministic URLs and
// dispatches inbound calls to them with method and auth validation.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"trigger-orchestrator/internal/common/errors"
	"trigger-orchestrator/internal/common/logging"
	"trigger-orchestrator/internal/storage"
	"trigger-orchestrator/internal/triggers"
)

// maxBodyBytes caps the dispatch payload read from a request body
const maxBodyBytes = 1 << 20

// Config is the typed config document of a webhook trigger. WebhookURL is
// computed at bind time, never accepted as input.
type Config struct {
	Method       string `json:"method,omitempty"`
	Auth         string `json:"auth" validate:"omitempty,oneof=none api-key bearer"`
	APIKeyHeader string `json:"apiKeyHeader,omitempty"`
	TokenPrefix  string `json:"tokenPrefix,omitempty"`
	SecretKey    string `json:"secretKey,omitempty"`
	WebhookURL   string `json:"webhookUrl,omitempty"`
}

// Router holds the binding table mapping webhook tokens to trigger ids.
// The table is the single source of truth for routing: a dispatch for an
// unbound token is "not found", never an error.
type Router struct {
	firer      triggers.Firer
	storage    storage.Storage
	logger     logging.Logger
	baseURL    string
	strategies map[string]AuthStrategy

	mu        sync.RWMutex
	bindings  map[string]string // token -> trigger id
	byTrigger map[string]string // trigger id -> token
}

func NewRouter(firer triggers.Firer, store storage.Storage, baseURL string, logger logging.Logger) *Router {
	return &Router{
		firer:      firer,
		storage:    store,
		logger:     logger.WithFields(logging.Field{Key: "component", Value: "webhook-router"}),
		baseURL:    strings.TrimRight(baseURL, "/"),
		strategies: defaultStrategies(),
		bindings:   make(map[string]string),
		byTrigger:  make(map[string]string),
	}
}

func (wr *Router) Type() storage.TriggerType {
	return storage.TriggerTypeWebhook
}

// Install validates the config and binds the trigger, persisting the
// computed URL back onto the definition.
func (wr *Router) Install(ctx context.Context, trigger *storage.Trigger) error {
	var cfg Config
	if err := triggers.DecodeConfig(trigger.Config, &cfg); err != nil {
		return err
	}
	if cfg.Auth != "" && cfg.Auth != "none" && cfg.SecretKey == "" {
		return errors.ConfigurationError(fmt.Sprintf("%s auth requires secretKey", cfg.Auth))
	}

	url := wr.Bind(trigger.ID)
	if trigger.Config == nil {
		trigger.Config = map[string]interface{}{}
	}
	trigger.Config["webhookUrl"] = url
	if err := wr.storage.UpdateTrigger(ctx, trigger); err != nil {
		wr.Unbind(trigger.ID)
		return err
	}

	wr.logger.Debug("webhook bound",
		logging.Field{Key: "trigger_id", Value: trigger.ID},
		logging.Field{Key: "url", Value: url})
	return nil
}

func (wr *Router) Uninstall(triggerID string) error {
	wr.Unbind(triggerID)
	return nil
}

// Bind computes the trigger's deterministic URL and records the mapping
func (wr *Router) Bind(triggerID string) string {
	token := Token(triggerID)

	wr.mu.Lock()
	wr.bindings[token] = triggerID
	wr.byTrigger[triggerID] = token
	wr.mu.Unlock()

	return wr.baseURL + "/webhooks/" + token
}

// Unbind removes the trigger's mapping entry
func (wr *Router) Unbind(triggerID string) {
	wr.mu.Lock()
	if token, ok := wr.byTrigger[triggerID]; ok {
		delete(wr.bindings, token)
		delete(wr.byTrigger, triggerID)
	}
	wr.mu.Unlock()
}

// Token derives the URL path token for a trigger id. Deterministic so a
// rebind after restart yields the same URL.
func Token(triggerID string) string {
	return triggerID
}

// Dispatch routes one inbound call. Method validation runs before auth;
// any auth failure surfaces as an AuthenticationError and the trigger is
// not fired. Returns the execution record id.
func (wr *Router) Dispatch(ctx context.Context, token string, r *http.Request) (string, error) {
	wr.mu.RLock()
	triggerID, bound := wr.bindings[token]
	wr.mu.RUnlock()
	if !bound {
		return "", errors.NotFoundError("webhook")
	}

	trigger, err := wr.storage.GetTrigger(ctx, triggerID)
	if err != nil {
		return "", err
	}

	var cfg Config
	if err := triggers.DecodeConfig(trigger.Config, &cfg); err != nil {
		return "", err
	}

	if cfg.Method != "" && !strings.EqualFold(cfg.Method, r.Method) {
		return "", errors.ValidationError(fmt.Sprintf("method %s not allowed, expected %s", r.Method, strings.ToUpper(cfg.Method)))
	}

	authType := cfg.Auth
	if authType == "" {
		authType = "none"
	}
	strategy, ok := wr.strategies[authType]
	if !ok {
		return "", errors.ConfigurationError(fmt.Sprintf("unknown auth type %q", authType))
	}
	if err := strategy.Authenticate(r, cfg); err != nil {
		wr.logger.Warn("webhook auth rejected",
			logging.Field{Key: "trigger_id", Value: triggerID},
			logging.Field{Key: "auth", Value: authType})
		return "", err
	}

	payload, err := buildPayload(trigger.ID, r)
	if err != nil {
		return "", err
	}
	return wr.firer.FireTrigger(ctx, trigger, payload)
}

func buildPayload(triggerID string, r *http.Request) (map[string]interface{}, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.ValidationError("failed to read request body")
	}

	var body interface{}
	if len(raw) > 0 {
		if jerr := json.Unmarshal(raw, &body); jerr != nil {
			body = string(raw)
		}
	}

	headers := map[string]string{}
	for name := range r.Header {
		headers[name] = r.Header.Get(name)
	}

	return map[string]interface{}{
		"trigger_type": string(storage.TriggerTypeWebhook),
		"trigger_id":   triggerID,
		"method":       r.Method,
		"headers":      headers,
		"query":        r.URL.RawQuery,
		"body":         body,
	}, nil
}
