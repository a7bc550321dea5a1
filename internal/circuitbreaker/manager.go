package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"trigger-orchestrator/internal/common/logging"
)

// Manager manages one circuit breaker per named dependency
type Manager struct {
	breakers map[string]*CircuitBreaker
	logger   logging.Logger
	mu       sync.RWMutex
}

// NewManager creates a new circuit breaker manager
func NewManager(logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		logger:   logger,
	}
}

// GetOrCreate gets an existing circuit breaker or creates a new one with
// the given configuration
func (m *Manager) GetOrCreate(name string, config Config) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if breaker, exists := m.breakers[name]; exists {
		return breaker
	}

	breaker := New(name, config)

	breaker.OnStateChange(func(name string, from, to State) {
		m.logger.Warn("Circuit breaker state change",
			logging.Field{Key: "circuit_breaker", Value: name},
			logging.Field{Key: "from_state", Value: from.String()},
			logging.Field{Key: "to_state", Value: to.String()},
		)
	})

	m.breakers[name] = breaker
	return breaker
}

// Get retrieves an existing circuit breaker by name
func (m *Manager) Get(name string) (*CircuitBreaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	breaker, exists := m.breakers[name]
	return breaker, exists
}

// Execute executes a function with circuit breaker protection
func (m *Manager) Execute(ctx context.Context, name string, config Config, fn func(ctx context.Context) error) error {
	breaker := m.GetOrCreate(name, config)
	return breaker.Execute(ctx, fn)
}

// AllStats returns statistics for all circuit breakers
func (m *Manager) AllStats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make([]Stats, 0, len(m.breakers))
	for _, breaker := range m.breakers {
		stats = append(stats, breaker.Stats())
	}

	return stats
}

// Remove removes a circuit breaker from the manager
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.breakers[name]; exists {
		delete(m.breakers, name)
		return true
	}

	return false
}

// Predefined circuit breaker configurations for the dependencies this core
// guards. Keyed conventions: "ai-<provider>", "database", "mail-<host>",
// "external-<service>".
var (
	// AIProviderConfig is for AI provider API calls, which are slow and
	// should fail fast once degraded
	AIProviderConfig = Config{
		FailureThreshold:   3,
		SuccessThreshold:   2,
		ResetTimeout:       30 * time.Second,
		CallTimeout:        60 * time.Second,
		MonitorWindow:      5 * time.Minute,
		ResponseTimeWindow: 50,
	}

	// DatabaseConfig is for the document store backing trigger definitions
	DatabaseConfig = Config{
		FailureThreshold:   5,
		SuccessThreshold:   3,
		ResetTimeout:       15 * time.Second,
		CallTimeout:        10 * time.Second,
		MonitorWindow:      5 * time.Minute,
		ResponseTimeWindow: 50,
	}

	// MailConfig is for IMAP/POP3 sessions which need more tolerance
	MailConfig = Config{
		FailureThreshold:   4,
		SuccessThreshold:   2,
		ResetTimeout:       90 * time.Second,
		CallTimeout:        45 * time.Second,
		MonitorWindow:      10 * time.Minute,
		ResponseTimeWindow: 50,
	}

	// ExternalConfig is for generic third-party HTTP targets
	ExternalConfig = Config{
		FailureThreshold:   5,
		SuccessThreshold:   2,
		ResetTimeout:       60 * time.Second,
		CallTimeout:        30 * time.Second,
		MonitorWindow:      10 * time.Minute,
		ResponseTimeWindow: 50,
	}
)
