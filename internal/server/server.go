// Package server exposes the management API and the public webhook
// endpoint over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"trigger-orchestrator/internal/common/logging"
	"trigger-orchestrator/internal/config"
	"trigger-orchestrator/internal/service"
)

// Server hosts the management API and webhook dispatch endpoint
type Server struct {
	http   *http.Server
	router *mux.Router
	logger logging.Logger
}

func New(cfg *config.Config, svc *service.Service, logger logging.Logger) *Server {
	handlers := NewHandlers(svc, logger)
	auth := NewAuthenticator(cfg.JWTSecret, cfg.AdminUsername, cfg.AdminPassword)

	router := mux.NewRouter()

	// Public surface: health, login, and webhook dispatch. Webhook auth is
	// per-trigger, validated by the router during dispatch.
	router.HandleFunc("/health", handlers.Health).Methods(http.MethodGet)
	router.HandleFunc("/api/login", auth.Login).Methods(http.MethodPost)
	router.PathPrefix("/webhooks/{token}").HandlerFunc(handlers.DispatchWebhook)

	// Management API, JWT-protected
	api := router.PathPrefix("/api").Subrouter()
	api.Use(auth.Middleware)
	api.HandleFunc("/triggers", handlers.ListTriggers).Methods(http.MethodGet)
	api.HandleFunc("/triggers", handlers.CreateTrigger).Methods(http.MethodPost)
	api.HandleFunc("/triggers/{id}", handlers.GetTrigger).Methods(http.MethodGet)
	api.HandleFunc("/triggers/{id}", handlers.UpdateTrigger).Methods(http.MethodPut)
	api.HandleFunc("/triggers/{id}", handlers.DeleteTrigger).Methods(http.MethodDelete)
	api.HandleFunc("/triggers/{id}/toggle", handlers.ToggleTrigger).Methods(http.MethodPost)
	api.HandleFunc("/triggers/{id}/test", handlers.TestTrigger).Methods(http.MethodPost)
	api.HandleFunc("/triggers/{id}/execute", handlers.ExecuteTrigger).Methods(http.MethodPost)
	api.HandleFunc("/triggers/{id}/executions", handlers.GetExecutions).Methods(http.MethodGet)
	api.HandleFunc("/triggers/{id}/stats", handlers.GetStats).Methods(http.MethodGet)
	api.HandleFunc("/breakers", handlers.GetBreakerStats).Methods(http.MethodGet)

	return &Server{
		http: &http.Server{
			Addr:         ":" + cfg.Port,
			Handler:      router,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		router: router,
		logger: logger.WithFields(logging.Field{Key: "component", Value: "http-server"}),
	}
}

// Router exposes the mux for tests
func (s *Server) Router() *mux.Router {
	return s.router
}

// Start blocks serving HTTP until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("http server listening", logging.Field{Key: "addr", Value: s.http.Addr})
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
