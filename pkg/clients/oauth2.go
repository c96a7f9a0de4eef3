package clients

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/adlake/adlake/pkg/errors"
)

// OAuth2Config configures a refresh-token grant against a provider's token
// endpoint.
type OAuth2Config struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	TokenURL     string   `json:"token_url"`
	RefreshToken string   `json:"refresh_token"`
	Scopes       []string `json:"scopes,omitempty"`
}

// RefreshTokenSource returns a cached, auto-refreshing token source seeded
// with a long-lived refresh token. Used by the Google Ads driver.
func RefreshTokenSource(ctx context.Context, cfg *OAuth2Config) (oauth2.TokenSource, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RefreshToken == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "oauth2 client_id, client_secret and refresh_token are required")
	}
	if cfg.TokenURL == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "oauth2 token_url is required")
	}

	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			TokenURL: cfg.TokenURL,
		},
	}

	seed := &oauth2.Token{RefreshToken: cfg.RefreshToken}
	return oc.TokenSource(ctx, seed), nil
}

// StaticTokenSource wraps a long-lived access token that never refreshes.
// Used by the Meta driver's system-user tokens.
func StaticTokenSource(accessToken string) (oauth2.TokenSource, error) {
	if accessToken == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "access token is required")
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}), nil
}

// RotatingTokenSource wraps a token source whose provider rotates the
// refresh token on every refresh (Xero). The onRotate callback receives each
// new refresh token so it can be persisted before the old one expires.
type RotatingTokenSource struct {
	src      oauth2.TokenSource
	logger   *zap.Logger
	onRotate func(refreshToken string)

	mu   sync.Mutex
	last string
}

// NewRotatingTokenSource creates a rotating token source. onRotate may be
// nil, in which case rotations are only logged.
func NewRotatingTokenSource(ctx context.Context, cfg *OAuth2Config, logger *zap.Logger, onRotate func(refreshToken string)) (*RotatingTokenSource, error) {
	src, err := RefreshTokenSource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &RotatingTokenSource{
		src:      src,
		logger:   logger.With(zap.String("component", "oauth2_rotating")),
		onRotate: onRotate,
		last:     cfg.RefreshToken,
	}, nil
}

// Token returns a valid token, invoking onRotate when the provider issues a
// new refresh token.
func (r *RotatingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := r.src.Token()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeAuthentication, "token refresh failed")
	}

	r.mu.Lock()
	rotated := tok.RefreshToken != "" && tok.RefreshToken != r.last
	if rotated {
		r.last = tok.RefreshToken
	}
	r.mu.Unlock()

	if rotated {
		r.logger.Info("refresh token rotated")
		if r.onRotate != nil {
			r.onRotate(tok.RefreshToken)
		}
	}

	return tok, nil
}
