package clients

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/adlake/adlake/pkg/errors"
)

// HTTPConfig configures the retrying HTTP client.
type HTTPConfig struct {
	// Connection settings
	MaxIdleConns        int           `json:"max_idle_conns"`
	MaxIdleConnsPerHost int           `json:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `json:"idle_conn_timeout"`

	// Timeouts
	DialTimeout         time.Duration `json:"dial_timeout"`
	TLSHandshakeTimeout time.Duration `json:"tls_handshake_timeout"`
	RequestTimeout      time.Duration `json:"request_timeout"`
	KeepAlive           time.Duration `json:"keep_alive"`

	// Retry settings for transport-level failures and 429 responses
	RetryAttempts   int           `json:"retry_attempts"`
	RetryDelay      time.Duration `json:"retry_delay"`
	RetryMultiplier float64       `json:"retry_multiplier"`
	MaxRetryDelay   time.Duration `json:"max_retry_delay"`

	// Rate limiting (0 = unlimited)
	RateLimit float64 `json:"rate_limit"`
	RateBurst int     `json:"rate_burst"`
}

// DefaultHTTPConfig returns defaults suitable for reporting API traffic.
func DefaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		RequestTimeout:      5 * time.Minute,
		KeepAlive:           30 * time.Second,
		RetryAttempts:       3,
		RetryDelay:          time.Second,
		RetryMultiplier:     2.0,
		MaxRetryDelay:       60 * time.Second,
		RateLimit:           0,
		RateBurst:           1,
	}
}

// HTTPClient wraps net/http with rate limiting and retries. It retries
// transport errors and 429 responses (honoring Retry-After); all other
// status codes are returned to the caller, which owns API-specific error
// semantics such as page-limit reduction and token refresh.
type HTTPClient struct {
	config      *HTTPConfig
	logger      *zap.Logger
	httpClient  *http.Client
	rateLimiter RateLimiter
}

// NewHTTPClient creates a retrying HTTP client.
func NewHTTPClient(config *HTTPConfig, logger *zap.Logger) *HTTPClient {
	if config == nil {
		config = DefaultHTTPConfig()
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   config.DialTimeout,
			KeepAlive: config.KeepAlive,
		}).DialContext,
		MaxIdleConns:        config.MaxIdleConns,
		MaxIdleConnsPerHost: config.MaxIdleConnsPerHost,
		IdleConnTimeout:     config.IdleConnTimeout,
		TLSHandshakeTimeout: config.TLSHandshakeTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	client := &HTTPClient{
		config: config,
		logger: logger.With(zap.String("component", "http_client")),
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   config.RequestTimeout,
		},
	}

	if config.RateLimit > 0 {
		client.rateLimiter = NewTokenBucketRateLimiter(config.RateLimit, config.RateBurst)
	}

	return client
}

// Do executes the request with rate limiting and retries. Requests with a
// body must set GetBody so the body can be replayed on retry; otherwise the
// request is attempted once.
func (c *HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	var lastErr error
	delay := c.config.RetryDelay

	attempts := c.config.RetryAttempts
	if req.Body != nil && req.GetBody == nil {
		attempts = 0
	}

	for attempt := 0; attempt <= attempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeTimeout, "retry wait canceled")
			}
			delay = nextDelay(delay, c.config.RetryMultiplier, c.config.MaxRetryDelay)

			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to replay request body")
				}
				req.Body = body
			}
		}

		if c.rateLimiter != nil {
			if err := c.rateLimiter.Wait(ctx); err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeTimeout, "rate limit wait canceled")
			}
		}

		resp, err := c.httpClient.Do(req.WithContext(ctx))
		if err != nil {
			lastErr = errors.Wrap(err, errors.ErrorTypeConnection, "request failed").
				WithDetail("url", req.URL.String())
			c.logger.Warn("request failed",
				zap.String("url", req.URL.Path),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			wait := RetryAfter(resp, delay)
			drainBody(resp)
			lastErr = errors.New(errors.ErrorTypeRateLimit, "rate limited").
				WithDetail("url", req.URL.String()).
				WithDetail("retry_after", wait.String())
			c.logger.Warn("rate limited",
				zap.String("url", req.URL.Path),
				zap.Duration("retry_after", wait),
				zap.Int("attempt", attempt+1))
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeTimeout, "rate limit wait canceled")
			}
			continue
		}

		return resp, nil
	}

	return nil, lastErr
}

// RetryAfter parses the Retry-After header, falling back to def.
func RetryAfter(resp *http.Response, def time.Duration) time.Duration {
	h := resp.Header.Get("Retry-After")
	if h == "" {
		return def
	}
	if secs, err := strconv.Atoi(h); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return def
}

func nextDelay(current time.Duration, multiplier float64, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * multiplier)
	if next > max {
		return max
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func drainBody(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
