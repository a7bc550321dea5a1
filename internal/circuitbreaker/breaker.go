// Package circuitbreaker provides a circuit breaker implementation for
// protecting calls into unreliable external dependencies (mail servers,
// AI providers, downstream HTTP targets).
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"trigger-orchestrator/internal/common/errors"
)

// State represents the current state of the circuit breaker
type State int

const (
	// StateClosed means the circuit breaker is closed and allowing requests through
	StateClosed State = iota
	// StateOpen means the circuit breaker is open and rejecting requests
	StateOpen
	// StateHalfOpen means the circuit breaker is testing if the dependency has recovered
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds the configuration for a circuit breaker
type Config struct {
	// FailureThreshold is the number of failures within the monitor window
	// that trips the breaker open
	FailureThreshold int
	// SuccessThreshold is the number of successes in half-open needed to close
	SuccessThreshold int
	// ResetTimeout is how long the breaker stays open before probing
	ResetTimeout time.Duration
	// CallTimeout bounds every wrapped call; exceeding it counts as a failure
	CallTimeout time.Duration
	// MonitorWindow is the rolling period after which counters reset, so
	// stale failures cannot keep a breaker near its threshold forever
	MonitorWindow time.Duration
	// ResponseTimeWindow caps how many recent response times are retained
	ResponseTimeWindow int
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold:   5,
		SuccessThreshold:   2,
		ResetTimeout:       60 * time.Second,
		CallTimeout:        30 * time.Second,
		MonitorWindow:      10 * time.Minute,
		ResponseTimeWindow: 50,
	}
}

// CircuitBreaker implements the circuit breaker state machine
type CircuitBreaker struct {
	name   string
	config Config
	state  State

	failureCount  int
	successCount  int
	totalRequests int64
	windowStart   time.Time
	nextAttemptAt time.Time
	responseTimes []time.Duration

	mu sync.Mutex

	onStateChange func(name string, from, to State)
}

// New creates a new circuit breaker with the given name and configuration
func New(name string, config Config) *CircuitBreaker {
	if config.ResponseTimeWindow <= 0 {
		config.ResponseTimeWindow = 50
	}
	return &CircuitBreaker{
		name:        name,
		config:      config,
		state:       StateClosed,
		windowStart: time.Now(),
	}
}

// Name returns the dependency name this breaker guards
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// OnStateChange sets a callback invoked whenever the breaker changes state
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs fn if the breaker allows it, bounding it by the configured
// call timeout. A call that outlives the timeout counts as a failure even
// if the underlying operation would eventually have succeeded.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allowRequest() {
		return errors.CircuitOpenError(cb.name)
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if cb.config.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, cb.config.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- fn(callCtx)
	}()

	var err error
	select {
	case err = <-done:
	case <-callCtx.Done():
		err = errors.TimeoutError(cb.name)
	}

	elapsed := time.Since(start)
	if err != nil {
		cb.onFailure(elapsed)
		return err
	}

	cb.onSuccess(elapsed)
	return nil
}

// allowRequest determines if a request should be allowed through
func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.maybeResetWindow()
	cb.totalRequests++

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Now().After(cb.nextAttemptAt) {
			cb.setState(StateHalfOpen)
			cb.successCount = 0
			return true
		}
		return false
	case StateHalfOpen:
		return true
	}

	return false
}

// onSuccess handles a successful request
func (cb *CircuitBreaker) onSuccess(elapsed time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.recordResponseTime(elapsed)
	cb.failureCount = 0

	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.setState(StateClosed)
			cb.successCount = 0
		}
	}
}

// onFailure handles a failed request
func (cb *CircuitBreaker) onFailure(elapsed time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.recordResponseTime(elapsed)
	cb.failureCount++

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.trip()
		}
	case StateHalfOpen:
		cb.trip()
		cb.successCount = 0
	}
}

// trip opens the breaker and schedules the next probe.
// nextAttemptAt is only ever set here, on the transition to open.
func (cb *CircuitBreaker) trip() {
	cb.setState(StateOpen)
	cb.nextAttemptAt = time.Now().Add(cb.config.ResetTimeout)
}

// maybeResetWindow resets counters once the rolling monitor window elapses
func (cb *CircuitBreaker) maybeResetWindow() {
	if cb.config.MonitorWindow <= 0 {
		return
	}
	if time.Since(cb.windowStart) < cb.config.MonitorWindow {
		return
	}
	cb.windowStart = time.Now()
	if cb.state == StateClosed {
		cb.failureCount = 0
		cb.successCount = 0
	}
}

func (cb *CircuitBreaker) recordResponseTime(elapsed time.Duration) {
	cb.responseTimes = append(cb.responseTimes, elapsed)
	if len(cb.responseTimes) > cb.config.ResponseTimeWindow {
		cb.responseTimes = cb.responseTimes[len(cb.responseTimes)-cb.config.ResponseTimeWindow:]
	}
}

// setState changes the circuit breaker state and calls the state change hook
func (cb *CircuitBreaker) setState(newState State) {
	oldState := cb.state
	cb.state = newState

	if cb.onStateChange != nil && oldState != newState {
		// Call the hook without holding the lock to avoid deadlock
		go cb.onStateChange(cb.name, oldState, newState)
	}
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats holds a snapshot of breaker counters
type Stats struct {
	Name            string        `json:"name"`
	State           string        `json:"state"`
	FailureCount    int           `json:"failure_count"`
	SuccessCount    int           `json:"success_count"`
	TotalRequests   int64         `json:"total_requests"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	NextAttemptAt   *time.Time    `json:"next_attempt_at,omitempty"`
}

// Stats returns the current statistics
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	stats := Stats{
		Name:          cb.name,
		State:         cb.state.String(),
		FailureCount:  cb.failureCount,
		SuccessCount:  cb.successCount,
		TotalRequests: cb.totalRequests,
	}

	if len(cb.responseTimes) > 0 {
		var total time.Duration
		for _, rt := range cb.responseTimes {
			total += rt
		}
		stats.AvgResponseTime = total / time.Duration(len(cb.responseTimes))
	}

	if cb.state == StateOpen {
		t := cb.nextAttemptAt
		stats.NextAttemptAt = &t
	}

	return stats
}
