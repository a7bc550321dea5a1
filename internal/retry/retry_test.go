package retry

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(maxAttempts int) Config {
	return Config{
		MaxAttempts:       maxAttempts,
		BaseDelay:         10 * time.Millisecond,
		MaxDelay:          100 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Jitter:            false,
		RetryCondition:    func(error) bool { return true },
	}
}

func TestSucceedsFirstAttempt(t *testing.T) {
	result := ExecuteWithRetry(context.Background(), fastConfig(3), func(ctx context.Context) error {
		return nil
	})

	assert.True(t, result.Success)
	require.Len(t, result.Attempts, 1)
	assert.Equal(t, 1, result.Attempts[0].Number)
	assert.Empty(t, result.Attempts[0].Error)
}

func TestFailTwiceThenSucceed(t *testing.T) {
	var calls int
	start := time.Now()
	result := ExecuteWithRetry(context.Background(), fastConfig(3), func(ctx context.Context) error {
		calls++
		if calls <= 2 {
			return errors.New("transient")
		}
		return nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, 3, calls)
	require.Len(t, result.Attempts, 3)

	// Delays: 10ms before attempt 2, 20ms before attempt 3
	assert.Equal(t, time.Duration(0), result.Attempts[0].Delay)
	assert.Equal(t, 10*time.Millisecond, result.Attempts[1].Delay)
	assert.Equal(t, 20*time.Millisecond, result.Attempts[2].Delay)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestExhaustsAttempts(t *testing.T) {
	wantErr := errors.New("still broken")
	var calls int
	result := ExecuteWithRetry(context.Background(), fastConfig(3), func(ctx context.Context) error {
		calls++
		return wantErr
	})

	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Err, wantErr)
	assert.Equal(t, 3, calls)
	assert.Len(t, result.Attempts, 3)
}

func TestNonRetryableErrorStopsAfterFirstAttempt(t *testing.T) {
	cfg := fastConfig(5)
	cfg.RetryCondition = func(error) bool { return false }

	var calls int
	result := ExecuteWithRetry(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return errors.New("fatal")
	})

	assert.False(t, result.Success)
	assert.Equal(t, 1, calls)
	assert.Len(t, result.Attempts, 1)
}

func TestContextCancellationDuringWait(t *testing.T) {
	cfg := fastConfig(3)
	cfg.BaseDelay = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	var calls int
	result := ExecuteWithRetry(ctx, cfg, func(ctx context.Context) error {
		calls++
		return errors.New("transient")
	})

	assert.False(t, result.Success)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, result.Err, context.Canceled)
}

func TestDelayCappedAtMaxDelay(t *testing.T) {
	cfg := Config{
		MaxAttempts:       4,
		BaseDelay:         20 * time.Millisecond,
		MaxDelay:          30 * time.Millisecond,
		BackoffMultiplier: 10.0,
		RetryCondition:    func(error) bool { return true },
	}

	result := ExecuteWithRetry(context.Background(), cfg, func(ctx context.Context) error {
		return errors.New("transient")
	})

	require.Len(t, result.Attempts, 4)
	for _, attempt := range result.Attempts[1:] {
		assert.LessOrEqual(t, attempt.Delay, 30*time.Millisecond)
	}
}

func TestJitterStaysWithinBounds(t *testing.T) {
	cfg := Config{
		MaxAttempts:       2,
		BaseDelay:         40 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		RetryCondition:    func(error) bool { return true },
	}

	for i := 0; i < 10; i++ {
		result := ExecuteWithRetry(context.Background(), cfg, func(ctx context.Context) error {
			return errors.New("transient")
		})
		require.Len(t, result.Attempts, 2)
		delay := result.Attempts[1].Delay
		assert.GreaterOrEqual(t, delay, 30*time.Millisecond)
		assert.LessOrEqual(t, delay, 50*time.Millisecond)
	}
}

func TestDefaultRetryCondition(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil error", nil, false},
		{"http 500", &HTTPStatusError{StatusCode: 500, Status: "500 Internal Server Error"}, true},
		{"http 503", &HTTPStatusError{StatusCode: 503, Status: "503 Service Unavailable"}, true},
		{"http 404", &HTTPStatusError{StatusCode: 404, Status: "404 Not Found"}, false},
		{"dns failure", &net.DNSError{Err: "no such host", Name: "nowhere.invalid", IsNotFound: true}, true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"plain error", errors.New("invalid input"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, DefaultRetryCondition(tt.err))
		})
	}
}
