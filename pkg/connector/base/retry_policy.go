package base

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/adlake/adlake/pkg/config"
	"github.com/adlake/adlake/pkg/errors"
)

// RetryPolicy retries an operation with exponential backoff. Only errors
// the taxonomy marks retryable are retried; config, data, and auth errors
// surface immediately.
type RetryPolicy struct {
	attempts   int
	delay      time.Duration
	multiplier float64
	maxDelay   time.Duration
	logger     *zap.Logger
}

// NewRetryPolicy builds a policy from the reliability section.
func NewRetryPolicy(cfg config.ReliabilityConfig, logger *zap.Logger) *RetryPolicy {
	multiplier := cfg.RetryMultiplier
	if multiplier <= 1 {
		multiplier = 2
	}
	return &RetryPolicy{
		attempts:   cfg.RetryAttempts,
		delay:      cfg.RetryDelay,
		multiplier: multiplier,
		maxDelay:   cfg.MaxRetryDelay,
		logger:     logger,
	}
}

// Execute runs op, retrying retryable failures up to the configured attempt
// count.
func (p *RetryPolicy) Execute(ctx context.Context, name string, op func() error) error {
	var lastErr error
	delay := p.delay

	for attempt := 0; attempt <= p.attempts; attempt++ {
		if attempt > 0 {
			p.logger.Warn("retrying operation",
				zap.String("operation", name),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "retry wait canceled")
			}

			delay = time.Duration(float64(delay) * p.multiplier)
			if p.maxDelay > 0 && delay > p.maxDelay {
				delay = p.maxDelay
			}
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !errors.IsRetryable(lastErr) {
			return lastErr
		}
	}

	return errors.Wrapf(lastErr, errors.GetType(lastErr), "operation %s failed after %d attempts", name, p.attempts+1)
}
