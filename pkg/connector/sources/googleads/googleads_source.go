// Package googleads implements the Google Ads reporting source. It renders
// neutral query descriptors into GAQL, executes them against the
// googleAds:search REST endpoint with OAuth2 refresh-token auth, and
// normalizes the camelCase responses during extraction.
package googleads

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/adlake/adlake/pkg/clients"
	"github.com/adlake/adlake/pkg/colspec"
	"github.com/adlake/adlake/pkg/config"
	"github.com/adlake/adlake/pkg/connector/base"
	"github.com/adlake/adlake/pkg/connector/core"
	"github.com/adlake/adlake/pkg/errors"
	"github.com/adlake/adlake/pkg/extract"
	"github.com/adlake/adlake/pkg/json"
	"github.com/adlake/adlake/pkg/metrics"
)

const (
	defaultEndpoint = "https://googleads.googleapis.com/v19"
	tokenURL        = "https://oauth2.googleapis.com/token"
)

// Source is the Google Ads reporting driver.
type Source struct {
	*base.BaseConnector

	endpoint        string
	developerToken  string
	loginCustomerID string
	tokenSource     oauth2.TokenSource

	extractor *extract.Extractor
	accounts  []string
	discover  bool
}

// NewSource creates an uninitialized Google Ads source.
func NewSource(cfg *config.BaseConfig) (core.Source, error) {
	return &Source{
		BaseConnector: base.NewBaseConnector("google_ads"),
		endpoint:      defaultEndpoint,
	}, nil
}

// Initialize validates credentials and builds the extractor. Response paths
// are normalized from the column spec's snake_case to the API's camelCase.
func (s *Source) Initialize(ctx context.Context, cfg *config.BaseConfig, specs []colspec.ColumnSpec) error {
	if err := s.BaseConnector.Initialize(ctx, cfg); err != nil {
		return err
	}

	if auth := cfg.Security.AuthType; auth != "" && auth != "oauth2_refresh" {
		return errors.Newf(errors.ErrorTypeConfig, "google_ads uses auth_type \"oauth2_refresh\", got %q", auth)
	}

	var err error
	if s.developerToken, err = cfg.Security.Credential("developer_token"); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "google ads credentials incomplete")
	}
	clientID, err := cfg.Security.Credential("client_id")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "google ads credentials incomplete")
	}
	clientSecret, err := cfg.Security.Credential("client_secret")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "google ads credentials incomplete")
	}
	refreshToken, err := cfg.Security.Credential("refresh_token")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "google ads credentials incomplete")
	}
	s.loginCustomerID = cfg.Security.Credentials["login_customer_id"]

	s.tokenSource, err = clients.RefreshTokenSource(ctx, &clients.OAuth2Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RefreshToken: refreshToken,
		TokenURL:     tokenURL,
	})
	if err != nil {
		return err
	}

	if endpoint := cfg.Security.Credentials["endpoint"]; endpoint != "" {
		s.endpoint = endpoint
	}

	s.extractor = extract.NewExtractor(specs, extract.WithCamelCasePaths())
	s.accounts = cfg.Pipeline.Accounts
	s.discover = cfg.Pipeline.DiscoverAccounts

	return nil
}

// Extractor returns the camelCase-normalizing extractor.
func (s *Source) Extractor() *extract.Extractor { return s.extractor }

// Accounts returns the configured account list, extended with the MCC's
// enabled client accounts when discovery is on.
func (s *Source) Accounts(ctx context.Context) ([]core.Account, error) {
	if err := s.EnsureInitialized(); err != nil {
		return nil, err
	}

	out := make([]core.Account, 0, len(s.accounts))
	seen := make(map[string]struct{}, len(s.accounts))
	for _, id := range s.accounts {
		out = append(out, core.Account{ID: id})
		seen[id] = struct{}{}
	}

	if !s.discover {
		return out, nil
	}
	if s.loginCustomerID == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "account discovery requires login_customer_id")
	}

	const query = "SELECT customer_client.id, customer_client.descriptive_name " +
		"FROM customer_client WHERE customer_client.status = 'ENABLED'"

	records, err := s.search(ctx, s.loginCustomerID, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.GetType(err), "account discovery failed")
	}

	for _, rec := range records {
		client, ok := rec["customerClient"].(map[string]interface{})
		if !ok {
			continue
		}
		id := fmt.Sprintf("%v", client["id"])
		if id == "" || id == "<nil>" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		name, _ := client["descriptiveName"].(string)
		out = append(out, core.Account{ID: id, Name: name})
	}

	s.Logger().Info("accounts enumerated", zap.Int("count", len(out)))
	return out, nil
}

// FetchPages renders the query into GAQL and pages through
// googleAds:search with nextPageToken until exhausted.
func (s *Source) FetchPages(ctx context.Context, account core.Account, q *extract.Query, emit core.EmitFunc) error {
	if err := s.EnsureInitialized(); err != nil {
		return err
	}

	gaql := RenderGAQL(q)
	s.Logger().Debug("executing query",
		zap.String("account", account.ID),
		zap.String("gaql", gaql))

	pageToken := ""
	for {
		var page *searchResponse
		err := s.WithRetry(ctx, "googleAds.search", func() error {
			var err error
			page, err = s.searchPage(ctx, account.ID, gaql, pageToken)
			return err
		})
		if err != nil {
			return err
		}

		if len(page.Results) > 0 {
			if err := emit(page.Results); err != nil {
				return err
			}
		}

		if page.NextPageToken == "" {
			return nil
		}
		pageToken = page.NextPageToken
	}
}

// Close releases the transport.
func (s *Source) Close(ctx context.Context) error {
	return s.BaseConnector.Close(ctx)
}

type searchRequest struct {
	Query     string `json:"query"`
	PageToken string `json:"pageToken,omitempty"`
}

type searchResponse struct {
	Results       []core.RawRecord `json:"results"`
	NextPageToken string           `json:"nextPageToken"`
	FieldMask     string           `json:"fieldMask"`
}

// search collects every page of a query. Used for account discovery.
func (s *Source) search(ctx context.Context, customerID, query string) ([]core.RawRecord, error) {
	var out []core.RawRecord
	pageToken := ""
	for {
		page, err := s.searchPage(ctx, customerID, query, pageToken)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Results...)
		if page.NextPageToken == "" {
			return out, nil
		}
		pageToken = page.NextPageToken
	}
}

func (s *Source) searchPage(ctx context.Context, customerID, query, pageToken string) (*searchResponse, error) {
	if err := s.RateLimit(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(searchRequest{Query: query, PageToken: pageToken})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode search request")
	}

	url := fmt.Sprintf("%s/customers/%s/googleAds:search", s.endpoint, customerID)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to build search request")
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	tok, err := s.tokenSource.Token()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeAuthentication, "token refresh failed")
	}
	tok.SetAuthHeader(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("developer-token", s.developerToken)
	if s.loginCustomerID != "" {
		req.Header.Set("login-customer-id", s.loginCustomerID)
	}

	timer := metrics.NewTimer()
	resp, err := s.HTTPClient().Do(ctx, req)
	if err != nil {
		metrics.APIRequests.WithLabelValues("google_ads", "search", "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()
	timer.ObserveSeconds(metrics.RequestLatency.WithLabelValues("google_ads", "search"))

	if resp.StatusCode != http.StatusOK {
		metrics.APIRequests.WithLabelValues("google_ads", "search", "error").Inc()
		return nil, s.apiError(resp, customerID)
	}
	metrics.APIRequests.WithLabelValues("google_ads", "search", "success").Inc()

	var page searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode search response")
	}
	return &page, nil
}

func (s *Source) apiError(resp *http.Response, customerID string) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))

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

	return errors.Newf(errType, "google ads api returned %d", resp.StatusCode).
		WithDetail("customer_id", customerID).
		WithDetail("body", string(snippet)).
		WithDetail("status", resp.StatusCode)
}

var _ core.Source = (*Source)(nil)
