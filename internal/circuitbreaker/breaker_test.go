package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "trigger-orchestrator/internal/common/errors"
	"trigger-orchestrator/internal/common/logging"
)

func testConfig() Config {
	return Config{
		FailureThreshold:   3,
		SuccessThreshold:   2,
		ResetTimeout:       50 * time.Millisecond,
		CallTimeout:        time.Second,
		MonitorWindow:      time.Minute,
		ResponseTimeWindow: 10,
	}
}

var errBoom = errors.New("boom")

func TestBreakerStartsClosed(t *testing.T) {
	cb := New("test", testConfig())
	assert.Equal(t, StateClosed, cb.State())

	err := cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerOpensAtFailureThreshold(t *testing.T) {
	cb := New("test", testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := cb.Execute(ctx, func(ctx context.Context) error { return errBoom })
		assert.ErrorIs(t, err, errBoom)
	}
	assert.Equal(t, StateOpen, cb.State())
}

func TestOpenBreakerFailsFastWithoutInvoking(t *testing.T) {
	cb := New("test", testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func(ctx context.Context) error { return errBoom })
	}
	require.Equal(t, StateOpen, cb.State())

	var invoked bool
	err := cb.Execute(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeCircuitOpen))
	assert.False(t, invoked)
}

func TestOpenTransitionsToHalfOpenAfterResetTimeout(t *testing.T) {
	cb := New("test", testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func(ctx context.Context) error { return errBoom })
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(60 * time.Millisecond)

	err := cb.Execute(ctx, func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	cb := New("test", testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func(ctx context.Context) error { return errBoom })
	}
	time.Sleep(60 * time.Millisecond)

	for i := 0; i < 2; i++ {
		err := cb.Execute(ctx, func(ctx context.Context) error { return nil })
		require.NoError(t, err)
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Stats().FailureCount)
}

func TestHalfOpenReopensOnFailure(t *testing.T) {
	cb := New("test", testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func(ctx context.Context) error { return errBoom })
	}
	time.Sleep(60 * time.Millisecond)

	// First probe succeeds, the next failure trips the breaker again
	require.NoError(t, cb.Execute(ctx, func(ctx context.Context) error { return nil }))
	require.Equal(t, StateHalfOpen, cb.State())

	_ = cb.Execute(ctx, func(ctx context.Context) error { return errBoom })
	assert.Equal(t, StateOpen, cb.State())
}

func TestCallTimeoutCountsAsFailure(t *testing.T) {
	cfg := testConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	cfg.FailureThreshold = 1
	cb := New("test", cfg)

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeTimeout))
	assert.Equal(t, StateOpen, cb.State())
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb := New("test", testConfig())
	ctx := context.Background()

	_ = cb.Execute(ctx, func(ctx context.Context) error { return errBoom })
	_ = cb.Execute(ctx, func(ctx context.Context) error { return errBoom })
	require.NoError(t, cb.Execute(ctx, func(ctx context.Context) error { return nil }))

	// Two more failures should not trip a threshold of three
	_ = cb.Execute(ctx, func(ctx context.Context) error { return errBoom })
	_ = cb.Execute(ctx, func(ctx context.Context) error { return errBoom })
	assert.Equal(t, StateClosed, cb.State())
}

func TestStatsReportNextAttemptOnlyWhileOpen(t *testing.T) {
	cb := New("test", testConfig())
	ctx := context.Background()

	assert.Nil(t, cb.Stats().NextAttemptAt)

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func(ctx context.Context) error { return errBoom })
	}
	stats := cb.Stats()
	require.NotNil(t, stats.NextAttemptAt)
	assert.True(t, stats.NextAttemptAt.After(time.Now()))
}

func TestManagerReusesBreakerPerName(t *testing.T) {
	m := NewManager(logging.NewNopLogger())
	a := m.GetOrCreate("mail-example.com", MailConfig)
	b := m.GetOrCreate("mail-example.com", MailConfig)
	assert.Same(t, a, b)

	c := m.GetOrCreate("database", DatabaseConfig)
	assert.NotSame(t, a, c)
	assert.Len(t, m.AllStats(), 2)
}
