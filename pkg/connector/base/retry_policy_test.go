package base

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/adlake/adlake/pkg/config"
	"github.com/adlake/adlake/pkg/errors"
)

func testPolicy(attempts int) *RetryPolicy {
	return NewRetryPolicy(config.ReliabilityConfig{
		RetryAttempts:   attempts,
		RetryDelay:      time.Millisecond,
		RetryMultiplier: 2,
		MaxRetryDelay:   5 * time.Millisecond,
	}, zap.NewNop())
}

func TestExecuteRetriesRetryable(t *testing.T) {
	calls := 0
	err := testPolicy(3).Execute(context.Background(), "fetch", func() error {
		calls++
		if calls < 3 {
			return errors.New(errors.ErrorTypeConnection, "reset")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecuteStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := testPolicy(3).Execute(context.Background(), "fetch", func() error {
		calls++
		return errors.New(errors.ErrorTypeConfig, "bad spec")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestExecuteExhaustsAttempts(t *testing.T) {
	calls := 0
	err := testPolicy(2).Execute(context.Background(), "fetch", func() error {
		calls++
		return errors.New(errors.ErrorTypeRateLimit, "throttled")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestBaseConnectorInitialize(t *testing.T) {
	cfg := config.NewBaseConfig("test", "google_ads")
	cfg.Pipeline.Dataset = "reporting"
	cfg.Pipeline.Table = "stats"
	cfg.Reliability.RateLimitPerSec = 5

	b := NewBaseConnector("google_ads")
	require.NoError(t, b.Initialize(context.Background(), cfg))

	assert.Equal(t, "google_ads", b.Name())
	assert.NotNil(t, b.HTTPClient())
	assert.NoError(t, b.RateLimit(context.Background()))
	assert.NoError(t, b.EnsureInitialized())
}

func TestBaseConnectorRejectsInvalidConfig(t *testing.T) {
	b := NewBaseConnector("google_ads")

	err := b.Initialize(context.Background(), nil)
	require.Error(t, err)

	err = b.Initialize(context.Background(), &config.BaseConfig{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	assert.Error(t, b.EnsureInitialized())
}
