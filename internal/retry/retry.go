// Package retry provides bounded retry with exponential backoff and jitter
// for transient failures on calls into external dependencies.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Config holds configuration for retry operations with exponential backoff
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the initial attempt)
	MaxAttempts int

	// BaseDelay is the delay before the first retry
	BaseDelay time.Duration

	// MaxDelay caps exponential growth of the delay
	MaxDelay time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff
	BackoffMultiplier float64

	// Jitter perturbs each delay by up to ±25% uniformly at random
	Jitter bool

	// RetryCondition determines which errors should trigger a retry.
	// If nil, DefaultRetryCondition is used.
	RetryCondition func(error) bool
}

// Attempt records one attempt within an ExecuteWithRetry call.
// Returned to the caller for diagnostics; never persisted.
type Attempt struct {
	Number    int           `json:"number"`
	Delay     time.Duration `json:"delay_before_this_attempt"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Result is the outcome of an ExecuteWithRetry call
type Result struct {
	Success       bool
	Err           error
	Attempts      []Attempt
	TotalDuration time.Duration
}

// DefaultConfig returns a sensible default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// Named presets. Each is a fixed parameter bundle, not a separate code path.
var (
	// AIProvider suits slow, rate-limited AI provider calls
	AIProvider = Config{
		MaxAttempts:       4,
		BaseDelay:         2 * time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}

	// Database suits short local database operations
	Database = Config{
		MaxAttempts:       3,
		BaseDelay:         250 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}

	// ExternalAPI suits generic third-party HTTP calls
	ExternalAPI = Config{
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}

	// FileOps suits local filesystem operations
	FileOps = Config{
		MaxAttempts:       2,
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            false,
	}

	// Quick is a low-latency profile for calls on a request path
	Quick = Config{
		MaxAttempts:       2,
		BaseDelay:         50 * time.Millisecond,
		MaxDelay:          200 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
)

// HTTPStatusError carries an HTTP status code so the default retry
// condition can distinguish 5xx-class responses.
type HTTPStatusError struct {
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Status)
}

// DefaultRetryCondition matches connection resets, timeouts, DNS not-found,
// and HTTP 5xx-class responses.
func DefaultRetryCondition(err error) bool {
	if err == nil {
		return false
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsNotFound || dnsErr.IsTemporary
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range []string{
		"connection reset",
		"connection refused",
		"broken pipe",
		"timeout",
		"temporary failure",
		"no such host",
	} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}

	return false
}

// ExecuteWithRetry attempts the operation up to MaxAttempts times with
// exponentially increasing, optionally jittered delays between attempts.
// A non-retryable error (per RetryCondition) stops immediately. Context
// cancellation aborts the wait between attempts.
func ExecuteWithRetry(ctx context.Context, config Config, op func(ctx context.Context) error) Result {
	condition := config.RetryCondition
	if condition == nil {
		condition = DefaultRetryCondition
	}

	start := time.Now()
	result := Result{Attempts: make([]Attempt, 0, config.MaxAttempts)}

	var delay time.Duration
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		record := Attempt{
			Number:    attempt,
			Delay:     delay,
			Timestamp: time.Now(),
		}

		err := op(ctx)
		if err == nil {
			result.Attempts = append(result.Attempts, record)
			result.Success = true
			result.TotalDuration = time.Since(start)
			return result
		}

		record.Error = err.Error()
		result.Attempts = append(result.Attempts, record)
		result.Err = err

		if !condition(err) || attempt == config.MaxAttempts {
			break
		}

		delay = nextDelay(config, attempt)

		select {
		case <-ctx.Done():
			result.Err = fmt.Errorf("retry cancelled: %w", ctx.Err())
			result.TotalDuration = time.Since(start)
			return result
		case <-time.After(delay):
		}
	}

	result.TotalDuration = time.Since(start)
	return result
}

// nextDelay computes min(baseDelay * multiplier^(attempt-1), maxDelay),
// perturbed by up to ±25% when jitter is enabled and floored at zero.
func nextDelay(config Config, attempt int) time.Duration {
	delay := float64(config.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= config.BackoffMultiplier
		if time.Duration(delay) >= config.MaxDelay {
			break
		}
	}
	if time.Duration(delay) > config.MaxDelay {
		delay = float64(config.MaxDelay)
	}

	if config.Jitter {
		span := delay / 2 // ±25%
		delay += span*randomFloat() - span/2
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// randomFloat returns a cryptographically seeded value in [0, 1)
func randomFloat() float64 {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return float64(time.Now().UnixNano()%1000) / 1000
	}

	var val uint64
	for _, b := range bytes {
		val = val<<8 | uint64(b)
	}
	return float64(val>>11) / float64(1<<53)
}
