// Package xero implements the Xero accounting source. Xero rotates the
// OAuth2 refresh token on every refresh, filters collections with
// If-Modified-Since and where clauses, and paginates by page number.
// Line-item explosion is driven by the column specification set.
package xero

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/adlake/adlake/pkg/clients"
	"github.com/adlake/adlake/pkg/colspec"
	"github.com/adlake/adlake/pkg/config"
	"github.com/adlake/adlake/pkg/connector/base"
	"github.com/adlake/adlake/pkg/connector/core"
	"github.com/adlake/adlake/pkg/connector/registry"
	"github.com/adlake/adlake/pkg/errors"
	"github.com/adlake/adlake/pkg/extract"
	"github.com/adlake/adlake/pkg/json"
	"github.com/adlake/adlake/pkg/logger"
	"github.com/adlake/adlake/pkg/metrics"
)

const (
	defaultEndpoint = "https://api.xero.com/api.xro/2.0"
	connectionsURL  = "https://api.xero.com/connections"
	tokenURL        = "https://identity.xero.com/connect/token"

	modifiedSinceLayout = "2006-01-02T15:04:05"
)

func init() {
	if err := registry.RegisterSource("xero", NewSource); err != nil {
		logger.Get().Sugar().Errorf("failed to register xero source: %v", err)
	}
}

// Source is the Xero accounting API driver.
type Source struct {
	*base.BaseConnector

	endpoint       string
	connectionsURL string
	tenantID       string
	tokenSource    *clients.RotatingTokenSource

	extractor *extract.Extractor
	pageSize  int
	discover  bool
}

// NewSource creates an uninitialized Xero source.
func NewSource(cfg *config.BaseConfig) (core.Source, error) {
	return &Source{
		BaseConnector:  base.NewBaseConnector("xero"),
		endpoint:       defaultEndpoint,
		connectionsURL: connectionsURL,
	}, nil
}

// Initialize validates credentials and builds the rotating token source.
// When refresh_token_file is configured each rotated token is persisted
// there, since the previous token dies on first use.
func (s *Source) Initialize(ctx context.Context, cfg *config.BaseConfig, specs []colspec.ColumnSpec) error {
	if err := s.BaseConnector.Initialize(ctx, cfg); err != nil {
		return err
	}

	if auth := cfg.Security.AuthType; auth != "" && auth != "oauth2_refresh" {
		return errors.Newf(errors.ErrorTypeConfig, "xero uses auth_type \"oauth2_refresh\", got %q", auth)
	}

	clientID, err := cfg.Security.Credential("client_id")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "xero credentials incomplete")
	}
	clientSecret, err := cfg.Security.Credential("client_secret")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "xero credentials incomplete")
	}
	refreshToken, err := cfg.Security.Credential("refresh_token")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "xero credentials incomplete")
	}
	s.tenantID = cfg.Security.Credentials["tenant_id"]

	tokenFile := cfg.Security.Credentials["refresh_token_file"]
	onRotate := func(token string) {
		if tokenFile == "" {
			return
		}
		if err := os.WriteFile(tokenFile, []byte(token), 0o600); err != nil {
			s.Logger().Error("failed to persist rotated refresh token",
				zap.String("path", tokenFile), zap.Error(err))
		}
	}

	tokURL := tokenURL
	if override := cfg.Security.Credentials["token_url"]; override != "" {
		tokURL = override
	}
	s.tokenSource, err = clients.NewRotatingTokenSource(ctx, &clients.OAuth2Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RefreshToken: refreshToken,
		TokenURL:     tokURL,
	}, s.Logger(), onRotate)
	if err != nil {
		return err
	}

	if endpoint := cfg.Security.Credentials["endpoint"]; endpoint != "" {
		s.endpoint = endpoint
	}
	if connections := cfg.Security.Credentials["connections_url"]; connections != "" {
		s.connectionsURL = connections
	}

	s.extractor = extract.NewExtractor(specs)
	s.pageSize = cfg.Performance.PageSize
	s.discover = cfg.Pipeline.DiscoverAccounts

	return nil
}

// Extractor returns the record extractor.
func (s *Source) Extractor() *extract.Extractor { return s.extractor }

// Accounts returns the configured tenant, or every connected tenant when
// discovery is on.
func (s *Source) Accounts(ctx context.Context) ([]core.Account, error) {
	if err := s.EnsureInitialized(); err != nil {
		return nil, err
	}

	if !s.discover {
		if s.tenantID == "" {
			return nil, errors.New(errors.ErrorTypeConfig, "tenant_id is required unless discovery is enabled")
		}
		return []core.Account{{ID: s.tenantID}}, nil
	}

	req, err := http.NewRequest(http.MethodGet, s.connectionsURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to build connections request")
	}
	if err := s.authorize(req); err != nil {
		return nil, err
	}

	resp, err := s.HTTPClient().Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.apiError(resp, "connections")
	}

	var connections []struct {
		TenantID   string `json:"tenantId"`
		TenantName string `json:"tenantName"`
		TenantType string `json:"tenantType"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&connections); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode connections response")
	}

	out := make([]core.Account, 0, len(connections))
	for _, conn := range connections {
		if conn.TenantType != "" && conn.TenantType != "ORGANISATION" {
			continue
		}
		out = append(out, core.Account{ID: conn.TenantID, Name: conn.TenantName})
	}

	s.Logger().Info("tenants enumerated", zap.Int("count", len(out)))
	return out, nil
}

// FetchPages walks the resource collection page by page. A short page ends
// the walk; modified-since is sent when the query carries a window so
// unchanged records are skipped server-side.
func (s *Source) FetchPages(ctx context.Context, account core.Account, q *extract.Query, emit core.EmitFunc) error {
	if err := s.EnsureInitialized(); err != nil {
		return err
	}

	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = s.pageSize
	}

	where := RenderWhere(q)

	for page := 1; ; page++ {
		var records []core.RawRecord
		err := s.WithRetry(ctx, "xero.list", func() error {
			var err error
			records, err = s.listPage(ctx, account.ID, q, where, page, pageSize)
			return err
		})
		if err != nil {
			return err
		}

		if len(records) > 0 {
			if err := emit(records); err != nil {
				return err
			}
		}

		if len(records) < pageSize {
			return nil
		}
	}
}

// Close releases the transport.
func (s *Source) Close(ctx context.Context) error {
	return s.BaseConnector.Close(ctx)
}

func (s *Source) listPage(ctx context.Context, tenantID string, q *extract.Query, where string, page, pageSize int) ([]core.RawRecord, error) {
	if err := s.RateLimit(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	if pageSize > 0 {
		params.Set("pageSize", strconv.Itoa(pageSize))
	}
	if where != "" {
		params.Set("where", where)
	}
	if q.DateField != "" {
		params.Set("order", q.DateField+" ASC")
	}

	reqURL := fmt.Sprintf("%s/%s?%s", s.endpoint, q.Resource, params.Encode())
	req, err := http.NewRequest(http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to build list request")
	}
	if err := s.authorize(req); err != nil {
		return nil, err
	}
	req.Header.Set("xero-tenant-id", tenantID)
	if !q.Window.IsZero() {
		req.Header.Set("If-Modified-Since", q.Window.Start.UTC().Format(modifiedSinceLayout))
	}

	timer := metrics.NewTimer()
	resp, err := s.HTTPClient().Do(ctx, req)
	if err != nil {
		metrics.APIRequests.WithLabelValues("xero", q.Resource, "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()
	timer.ObserveSeconds(metrics.RequestLatency.WithLabelValues("xero", q.Resource))

	if resp.StatusCode == http.StatusNotModified {
		metrics.APIRequests.WithLabelValues("xero", q.Resource, "success").Inc()
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		metrics.APIRequests.WithLabelValues("xero", q.Resource, "error").Inc()
		return nil, s.apiError(resp, q.Resource)
	}
	metrics.APIRequests.WithLabelValues("xero", q.Resource, "success").Inc()

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode list response")
	}

	raw, ok := body[q.Resource].([]interface{})
	if !ok {
		return nil, nil
	}

	records := make([]core.RawRecord, 0, len(raw))
	for _, item := range raw {
		if rec, isMap := item.(map[string]interface{}); isMap {
			records = append(records, rec)
		}
	}
	return records, nil
}

func (s *Source) authorize(req *http.Request) error {
	tok, err := s.tokenSource.Token()
	if err != nil {
		return err
	}
	tok.SetAuthHeader(req)
	req.Header.Set("Accept", "application/json")
	return nil
}

func (s *Source) apiError(resp *http.Response, resource string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))

	errType := errors.ErrorTypeConnection
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		errType = errors.ErrorTypeAuthentication
	case resp.StatusCode == http.StatusNotFound:
		errType = errors.ErrorTypeNotFound
	case resp.StatusCode >= 500:
		errType = errors.ErrorTypeConnection
	case resp.StatusCode >= 400:
		errType = errors.ErrorTypeData
	}

	return errors.Newf(errType, "xero api returned %d for %s", resp.StatusCode, resource).
		WithDetail("body", string(body)).
		WithDetail("status", resp.StatusCode)
}

// RenderWhere builds a Xero where clause from the query's window and
// filters: Date >= DateTime(2026,08,01) AND Date <= DateTime(2026,08,07)
// AND Status=="AUTHORISED".
func RenderWhere(q *extract.Query) string {
	var clauses []string

	if q.DateField != "" && !q.Window.IsZero() {
		clauses = append(clauses,
			fmt.Sprintf("%s >= %s", q.DateField, xeroDateTime(q.Window.Start)),
			fmt.Sprintf("%s <= %s", q.DateField, xeroDateTime(q.Window.End)))
	}

	for _, f := range q.Filters {
		op := f.Op
		if op == "=" {
			op = "=="
		}
		clauses = append(clauses, fmt.Sprintf("%s%s\"%s\"", f.Path, op, f.Value))
	}

	if len(clauses) == 0 {
		return ""
	}

	out := clauses[0]
	for _, c := range clauses[1:] {
		out += " AND " + c
	}
	return out
}

func xeroDateTime(t time.Time) string {
	return fmt.Sprintf("DateTime(%d,%02d,%02d)", t.Year(), t.Month(), t.Day())
}

var _ core.Source = (*Source)(nil)
