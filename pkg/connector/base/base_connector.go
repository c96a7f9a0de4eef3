// Package base provides the embeddable connector foundation: configured
// logger, shared HTTP transport, rate limiting, and retry execution. Source
// and sink drivers embed BaseConnector and layer API-specific behavior on
// top.
package base

import (
	"context"

	"go.uber.org/zap"

	"github.com/adlake/adlake/pkg/clients"
	"github.com/adlake/adlake/pkg/config"
	"github.com/adlake/adlake/pkg/errors"
	"github.com/adlake/adlake/pkg/logger"
)

// BaseConnector carries the shared runtime of every driver.
type BaseConnector struct {
	name        string
	config      *config.BaseConfig
	logger      *zap.Logger
	httpClient  *clients.HTTPClient
	rateLimiter clients.RateLimiter
	retry       *RetryPolicy
	initialized bool
}

// NewBaseConnector creates an uninitialized base for the named driver.
func NewBaseConnector(name string) *BaseConnector {
	return &BaseConnector{
		name:   name,
		logger: logger.Get().With(zap.String("connector", name)),
	}
}

// Initialize wires the transport from configuration. Must be called before
// any request helper.
func (b *BaseConnector) Initialize(ctx context.Context, cfg *config.BaseConfig) error {
	if cfg == nil {
		return errors.New(errors.ErrorTypeConfig, "configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "invalid configuration")
	}

	b.config = cfg

	httpCfg := clients.DefaultHTTPConfig()
	httpCfg.RequestTimeout = cfg.Timeouts.Request
	httpCfg.DialTimeout = cfg.Timeouts.Connection
	httpCfg.IdleConnTimeout = cfg.Timeouts.Idle
	httpCfg.RetryAttempts = cfg.Reliability.RetryAttempts
	httpCfg.RetryDelay = cfg.Reliability.RetryDelay
	httpCfg.RetryMultiplier = cfg.Reliability.RetryMultiplier
	httpCfg.MaxRetryDelay = cfg.Reliability.MaxRetryDelay
	b.httpClient = clients.NewHTTPClient(httpCfg, b.logger)

	if cfg.Reliability.IsRateLimited() {
		b.rateLimiter = clients.NewRateLimiter(
			cfg.Reliability.RateLimitPerSec,
			cfg.Reliability.RateLimitPerSec)
	}

	b.retry = NewRetryPolicy(cfg.Reliability, b.logger)
	b.initialized = true

	return nil
}

// Name returns the driver name.
func (b *BaseConnector) Name() string { return b.name }

// Logger returns the driver-scoped logger.
func (b *BaseConnector) Logger() *zap.Logger { return b.logger }

// Config returns the active configuration; nil before Initialize.
func (b *BaseConnector) Config() *config.BaseConfig { return b.config }

// HTTPClient returns the shared retrying transport.
func (b *BaseConnector) HTTPClient() *clients.HTTPClient { return b.httpClient }

// RateLimit blocks until the driver-level rate limiter admits a request.
// No-op when rate limiting is disabled.
func (b *BaseConnector) RateLimit(ctx context.Context) error {
	if b.rateLimiter == nil {
		return nil
	}
	if err := b.rateLimiter.Wait(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTimeout, "rate limit wait canceled")
	}
	return nil
}

// WithRetry executes op with the configured retry policy.
func (b *BaseConnector) WithRetry(ctx context.Context, name string, op func() error) error {
	if b.retry == nil {
		return op()
	}
	return b.retry.Execute(ctx, name, op)
}

// EnsureInitialized guards request helpers against use before Initialize.
func (b *BaseConnector) EnsureInitialized() error {
	if !b.initialized {
		return errors.Newf(errors.ErrorTypeInternal, "connector %s used before Initialize", b.name)
	}
	return nil
}

// Close releases transport resources.
func (b *BaseConnector) Close(ctx context.Context) error {
	b.initialized = false
	return nil
}
