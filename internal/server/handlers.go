package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"trigger-orchestrator/internal/common/errors"
	"trigger-orchestrator/internal/common/logging"
	"trigger-orchestrator/internal/service"
	"trigger-orchestrator/internal/storage"
	"trigger-orchestrator/internal/triggers"
)

const defaultHistoryLimit = 50

// Handlers adapts the trigger service to HTTP
type Handlers struct {
	service *service.Service
	logger  logging.Logger
}

func NewHandlers(svc *service.Service, logger logging.Logger) *Handlers {
	return &Handlers{
		service: svc,
		logger:  logger.WithFields(logging.Field{Key: "component", Value: "http-handlers"}),
	}
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.Health(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, status)
}

func (h *Handlers) ListTriggers(w http.ResponseWriter, r *http.Request) {
	filters := storage.TriggerFilters{
		WorkflowID: r.URL.Query().Get("workflow_id"),
		Type:       storage.TriggerType(r.URL.Query().Get("type")),
	}
	if enabled := r.URL.Query().Get("enabled"); enabled != "" {
		parsed, err := strconv.ParseBool(enabled)
		if err != nil {
			h.respondError(w, errors.ValidationError("enabled must be true or false"))
			return
		}
		filters.Enabled = &parsed
	}

	list, err := h.service.ListTriggers(r.Context(), filters)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"triggers": list})
}

func (h *Handlers) CreateTrigger(w http.ResponseWriter, r *http.Request) {
	var input triggers.RegisterInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		h.respondError(w, errors.ValidationError("invalid request body"))
		return
	}

	trigger, err := h.service.RegisterTrigger(r.Context(), input)
	if err != nil {
		// The definition may have been persisted disabled despite the
		// install error; return it alongside the failure.
		if trigger != nil {
			h.respondJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"trigger": trigger,
				"error":   err.Error(),
			})
			return
		}
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, trigger)
}

func (h *Handlers) GetTrigger(w http.ResponseWriter, r *http.Request) {
	trigger, err := h.service.GetTrigger(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, trigger)
}

func (h *Handlers) UpdateTrigger(w http.ResponseWriter, r *http.Request) {
	var input triggers.UpdateInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		h.respondError(w, errors.ValidationError("invalid request body"))
		return
	}

	trigger, err := h.service.UpdateTrigger(r.Context(), mux.Vars(r)["id"], input)
	if err != nil {
		if trigger != nil {
			h.respondJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"trigger": trigger,
				"error":   err.Error(),
			})
			return
		}
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, trigger)
}

func (h *Handlers) DeleteTrigger(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteTrigger(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) ToggleTrigger(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.respondError(w, errors.ValidationError("invalid request body"))
		return
	}

	trigger, err := h.service.ToggleTrigger(r.Context(), mux.Vars(r)["id"], body.Enabled)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, trigger)
}

func (h *Handlers) TestTrigger(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.TestTrigger(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, result)
}

func (h *Handlers) ExecuteTrigger(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string                 `json:"user_id"`
		Data   map[string]interface{} `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.respondError(w, errors.ValidationError("invalid request body"))
		return
	}

	executionID, err := h.service.ExecuteManualTrigger(r.Context(), mux.Vars(r)["id"], body.UserID, body.Data)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, map[string]string{"execution_id": executionID})
}

func (h *Handlers) GetExecutions(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.respondError(w, errors.ValidationError("limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	executions, err := h.service.GetExecutionHistory(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"executions": executions})
}

func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetTriggerStats(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, stats)
}

func (h *Handlers) GetBreakerStats(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"breakers": h.service.BreakerStats()})
}

// DispatchWebhook routes an inbound webhook call to its bound trigger
func (h *Handlers) DispatchWebhook(w http.ResponseWriter, r *http.Request) {
	executionID, err := h.service.HandleWebhook(r.Context(), mux.Vars(r)["token"], r)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, map[string]string{"execution_id": executionID})
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("failed to encode response", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.GetType(err) {
	case errors.ErrTypeValidation:
		status = http.StatusBadRequest
	case errors.ErrTypeAuthentication:
		status = http.StatusUnauthorized
	case errors.ErrTypeNotFound:
		status = http.StatusNotFound
	case errors.ErrTypeConfiguration:
		status = http.StatusUnprocessableEntity
	case errors.ErrTypeCircuitOpen:
		status = http.StatusServiceUnavailable
	case errors.ErrTypeConnection, errors.ErrTypeTimeout:
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", err)
	}
	h.respondJSON(w, status, map[string]string{"error": err.Error()})
}
