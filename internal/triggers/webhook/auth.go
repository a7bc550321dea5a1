package webhook

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"trigger-orchestrator/internal/common/errors"
)

// AuthStrategy validates an inbound webhook request against the trigger's
// auth configuration. A strategy failure means the trigger is not fired.
type AuthStrategy interface {
	Authenticate(r *http.Request, cfg Config) error
	GetType() string
}

// NoneStrategy accepts every request
type NoneStrategy struct{}

func (s *NoneStrategy) GetType() string {
	return "none"
}

func (s *NoneStrategy) Authenticate(r *http.Request, cfg Config) error {
	return nil
}

// APIKeyStrategy compares a configured header value against the secret.
// The header name defaults to X-API-Key.
type APIKeyStrategy struct{}

func (s *APIKeyStrategy) GetType() string {
	return "api-key"
}

func (s *APIKeyStrategy) Authenticate(r *http.Request, cfg Config) error {
	if cfg.SecretKey == "" {
		return errors.ConfigurationError("api-key auth requires secretKey")
	}

	header := cfg.APIKeyHeader
	if header == "" {
		header = "X-API-Key"
	}

	provided := r.Header.Get(header)
	if provided == "" {
		return errors.AuthenticationError("missing API key header: " + header)
	}
	if subtle.ConstantTimeCompare([]byte(provided), []byte(cfg.SecretKey)) != 1 {
		return errors.AuthenticationError("invalid API key")
	}
	return nil
}

// BearerStrategy validates an Authorization header of the form
// "<prefix> <secret>". The prefix defaults to "Bearer".
type BearerStrategy struct{}

func (s *BearerStrategy) GetType() string {
	return "bearer"
}

func (s *BearerStrategy) Authenticate(r *http.Request, cfg Config) error {
	if cfg.SecretKey == "" {
		return errors.ConfigurationError("bearer auth requires secretKey")
	}

	prefix := cfg.TokenPrefix
	if prefix == "" {
		prefix = "Bearer"
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return errors.AuthenticationError("missing Authorization header")
	}
	if !strings.HasPrefix(authHeader, prefix+" ") {
		return errors.AuthenticationError("invalid Authorization header format")
	}

	provided := strings.TrimPrefix(authHeader, prefix+" ")
	if subtle.ConstantTimeCompare([]byte(provided), []byte(cfg.SecretKey)) != 1 {
		return errors.AuthenticationError("invalid token")
	}
	return nil
}

func defaultStrategies() map[string]AuthStrategy {
	strategies := map[string]AuthStrategy{}
	for _, s := range []AuthStrategy{&NoneStrategy{}, &APIKeyStrategy{}, &BearerStrategy{}} {
		strategies[s.GetType()] = s
	}
	return strategies
}
