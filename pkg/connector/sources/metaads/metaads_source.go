package metaads

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

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

const defaultEndpoint = "https://graph.facebook.com/v21.0"

func init() {
	if err := registry.RegisterSource("meta_ads", NewSource); err != nil {
		logger.Get().Sugar().Errorf("failed to register meta_ads source: %v", err)
	}
}

// Source is the Meta Marketing API driver.
type Source struct {
	*base.BaseConnector

	endpoint   string
	appID      string
	appSecret  string
	businessID string

	tokenMu sync.Mutex
	tokens  oauth2.TokenSource

	extractor *extract.Extractor
	cols      []colspec.ColumnSpec
	accounts  []string
	discover  bool
	pageLimit int
}

// NewSource creates an uninitialized Meta source.
func NewSource(cfg *config.BaseConfig) (core.Source, error) {
	return &Source{
		BaseConnector: base.NewBaseConnector("meta_ads"),
		endpoint:      defaultEndpoint,
	}, nil
}

// Initialize validates credentials and builds the extractor. The Graph API
// echoes snake_case field names back, so no path normalization is needed.
func (s *Source) Initialize(ctx context.Context, cfg *config.BaseConfig, specs []colspec.ColumnSpec) error {
	if err := s.BaseConnector.Initialize(ctx, cfg); err != nil {
		return err
	}

	if auth := cfg.Security.AuthType; auth != "" && auth != "token" {
		return errors.Newf(errors.ErrorTypeConfig, "meta_ads uses auth_type \"token\", got %q", auth)
	}

	accessToken, err := cfg.Security.Credential("access_token")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "meta credentials incomplete")
	}
	if s.tokens, err = clients.StaticTokenSource(accessToken); err != nil {
		return err
	}
	s.appID = cfg.Security.Credentials["app_id"]
	s.appSecret = cfg.Security.Credentials["app_secret"]
	s.businessID = cfg.Security.Credentials["business_id"]

	if endpoint := cfg.Security.Credentials["endpoint"]; endpoint != "" {
		s.endpoint = endpoint
	}

	s.extractor = extract.NewExtractor(specs)
	s.cols = s.extractor.Columns()
	s.accounts = cfg.Pipeline.Accounts
	s.discover = cfg.Pipeline.DiscoverAccounts
	s.pageLimit = cfg.Performance.PageSize

	return nil
}

// Extractor returns the record extractor.
func (s *Source) Extractor() *extract.Extractor { return s.extractor }

// Accounts returns the configured accounts, extended with the business
// manager's client and owned ad accounts when discovery is on.
func (s *Source) Accounts(ctx context.Context) ([]core.Account, error) {
	if err := s.EnsureInitialized(); err != nil {
		return nil, err
	}

	out := make([]core.Account, 0, len(s.accounts))
	seen := make(map[string]struct{}, len(s.accounts))
	for _, id := range s.accounts {
		out = append(out, core.Account{ID: actPath(id)})
		seen[actPath(id)] = struct{}{}
	}

	if !s.discover {
		return out, nil
	}
	if s.businessID == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "account discovery requires business_id")
	}

	for _, edge := range []string{"client_ad_accounts", "owned_ad_accounts"} {
		accounts, err := s.listAccounts(ctx, edge)
		if err != nil {
			return nil, errors.Wrap(err, errors.GetType(err), "account discovery failed")
		}
		for _, acc := range accounts {
			if _, dup := seen[acc.ID]; dup {
				continue
			}
			seen[acc.ID] = struct{}{}
			out = append(out, acc)
		}
	}

	s.Logger().Info("accounts enumerated", zap.Int("count", len(out)))
	return out, nil
}

// FetchPages requests the account's resource edge and follows paging.next
// until exhausted. When the API rejects a page as too large, the same page
// is retried with the limit parameter rewritten in place, so records already
// emitted for earlier pages are never delivered twice.
func (s *Source) FetchPages(ctx context.Context, account core.Account, q *extract.Query, emit core.EmitFunc) error {
	if err := s.EnsureInitialized(); err != nil {
		return err
	}

	limit := q.PageSize
	if limit <= 0 {
		limit = s.pageLimit
	}

	pageURL := fmt.Sprintf("%s/%s/%s?%s",
		s.endpoint, actPath(account.ID), q.Resource, BuildParams(q, s.cols, limit).Encode())
	visited := make(map[string]struct{})
	tokenRefreshed := false

	for pageURL != "" {
		if _, cycle := visited[pageURL]; cycle {
			s.Logger().Warn("pagination cycle detected, stopping", zap.String("url", pageURL))
			return nil
		}

		var page *graphResponse
		err := s.WithRetry(ctx, "graph.get", func() error {
			p, err := s.getPage(ctx, pageURL)
			if err != nil {
				return err
			}
			page = p
			return nil
		})
		if err != nil {
			if isReduceDataError(err) && limit > MinPageLimit {
				reduced := ReduceLimit(limit)
				s.Logger().Warn("response too large, retrying page with reduced limit",
					zap.String("account", account.ID),
					zap.Int("from", limit),
					zap.Int("to", reduced))
				pageURL, err = withLimit(pageURL, reduced)
				if err != nil {
					return err
				}
				limit = reduced
				continue
			}
			if errors.IsType(err, errors.ErrorTypeAuthentication) && !tokenRefreshed && s.canExchangeToken() {
				if exchErr := s.exchangeToken(ctx); exchErr != nil {
					return err
				}
				tokenRefreshed = true
				continue
			}
			return err
		}
		visited[pageURL] = struct{}{}

		if len(page.Data) > 0 {
			records := make([]core.RawRecord, 0, len(page.Data))
			for _, rec := range page.Data {
				records = append(records, s.inlineNestedData(ctx, rec))
			}
			if err := emit(records); err != nil {
				return err
			}
		}

		pageURL = page.Paging.Next
	}
	return nil
}

// withLimit rewrites the limit parameter of a page URL so a retry continues
// from the same cursor with a smaller page.
func withLimit(pageURL string, limit int) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeInternal, "failed to parse page url")
	}
	params := u.Query()
	params.Set("limit", strconv.Itoa(limit))
	u.RawQuery = params.Encode()
	return u.String(), nil
}

// Close releases the transport.
func (s *Source) Close(ctx context.Context) error {
	return s.BaseConnector.Close(ctx)
}

type graphResponse struct {
	Data   []core.RawRecord `json:"data"`
	Paging struct {
		Next    string `json:"next"`
		Cursors struct {
			After string `json:"after"`
		} `json:"cursors"`
	} `json:"paging"`
}

type graphError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// inlineNestedData replaces {"data": [...], "paging": {...}} edge objects
// with their element arrays so path traversal and explosion see plain
// arrays. Nested pagination is followed before inlining.
func (s *Source) inlineNestedData(ctx context.Context, rec core.RawRecord) core.RawRecord {
	for key, value := range rec {
		edge, ok := value.(map[string]interface{})
		if !ok {
			continue
		}
		data, ok := edge["data"].([]interface{})
		if !ok {
			continue
		}

		if paging, ok := edge["paging"].(map[string]interface{}); ok {
			next, _ := paging["next"].(string)
			visited := make(map[string]struct{})
			for next != "" {
				if _, cycle := visited[next]; cycle {
					break
				}
				visited[next] = struct{}{}

				page, err := s.getPage(ctx, next)
				if err != nil {
					s.Logger().Warn("nested pagination failed, keeping partial edge",
						zap.String("edge", key), zap.Error(err))
					break
				}
				for _, item := range page.Data {
					data = append(data, item)
				}
				next = page.Paging.Next
			}
		}

		rec[key] = data
	}
	return rec
}

// listAccounts pages through one business-manager account edge using after
// cursors.
func (s *Source) listAccounts(ctx context.Context, edge string) ([]core.Account, error) {
	params := url.Values{}
	params.Set("fields", "id,name")
	params.Set("limit", "100")

	var out []core.Account
	after := ""
	for {
		if after != "" {
			params.Set("after", after)
		}
		pageURL := fmt.Sprintf("%s/%s/%s?%s", s.endpoint, s.businessID, edge, params.Encode())

		var page *graphResponse
		err := s.WithRetry(ctx, "graph.accounts", func() error {
			p, err := s.getPage(ctx, pageURL)
			if err != nil {
				return err
			}
			page = p
			return nil
		})
		if err != nil {
			return nil, err
		}

		for _, rec := range page.Data {
			id, _ := rec["id"].(string)
			if id == "" {
				continue
			}
			name, _ := rec["name"].(string)
			out = append(out, core.Account{ID: id, Name: name})
		}

		if page.Paging.Cursors.After == "" || len(page.Data) == 0 {
			return out, nil
		}
		if page.Paging.Next == "" {
			return out, nil
		}
		after = page.Paging.Cursors.After
	}
}

func (s *Source) canExchangeToken() bool {
	return s.appID != "" && s.appSecret != ""
}

// token returns the current access token. Concurrent account fetches share
// the token source, which exchangeToken may swap mid-run.
func (s *Source) token() (*oauth2.Token, error) {
	s.tokenMu.Lock()
	src := s.tokens
	s.tokenMu.Unlock()

	tok, err := src.Token()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeAuthentication, "token source failed")
	}
	return tok, nil
}

// exchangeToken swaps the current access token for a fresh long-lived one
// via the fb_exchange_token grant. Called at most once per query when the
// API reports an expired token.
func (s *Source) exchangeToken(ctx context.Context) error {
	current, err := s.token()
	if err != nil {
		return err
	}

	params := url.Values{}
	params.Set("grant_type", "fb_exchange_token")
	params.Set("client_id", s.appID)
	params.Set("client_secret", s.appSecret)
	params.Set("fb_exchange_token", current.AccessToken)

	exchangeURL := fmt.Sprintf("%s/oauth/access_token?%s", s.endpoint, params.Encode())
	req, err := http.NewRequest(http.MethodGet, exchangeURL, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to build token exchange request")
	}

	resp, err := s.HTTPClient().Do(ctx, req)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeAuthentication, "token exchange failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return errors.Newf(errors.ErrorTypeAuthentication,
			"token exchange returned %d: %s", resp.StatusCode, string(body))
	}

	var token struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return errors.Wrap(err, errors.ErrorTypeAuthentication, "failed to decode exchanged token")
	}
	fresh, err := clients.StaticTokenSource(token.AccessToken)
	if err != nil {
		return errors.New(errors.ErrorTypeAuthentication, "token exchange returned empty token")
	}

	s.tokenMu.Lock()
	s.tokens = fresh
	s.tokenMu.Unlock()

	s.Logger().Info("access token refreshed via exchange")
	return nil
}

func (s *Source) getPage(ctx context.Context, pageURL string) (*graphResponse, error) {
	if err := s.RateLimit(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to build graph request")
	}
	tok, err := s.token()
	if err != nil {
		return nil, err
	}
	tok.SetAuthHeader(req)

	timer := metrics.NewTimer()
	resp, err := s.HTTPClient().Do(ctx, req)
	if err != nil {
		metrics.APIRequests.WithLabelValues("meta_ads", "graph", "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()
	timer.ObserveSeconds(metrics.RequestLatency.WithLabelValues("meta_ads", "graph"))

	if resp.StatusCode != http.StatusOK {
		metrics.APIRequests.WithLabelValues("meta_ads", "graph", "error").Inc()
		return nil, s.apiError(resp)
	}
	metrics.APIRequests.WithLabelValues("meta_ads", "graph", "success").Inc()

	var page graphResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode graph response")
	}
	return &page, nil
}

func (s *Source) apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var ge graphError
	_ = json.Unmarshal(body, &ge)
	message := ge.Error.Message
	if message == "" {
		message = string(body)
	}

	errType := errors.ErrorTypeConnection
	switch {
	case resp.StatusCode == http.StatusInternalServerError && isReduceDataMessage(message):
		errType = errors.ErrorTypeData
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		errType = errors.ErrorTypeAuthentication
	case ge.Error.Code == 190:
		errType = errors.ErrorTypeAuthentication
	case ge.Error.Code == 4 || ge.Error.Code == 17 || ge.Error.Code == 613:
		errType = errors.ErrorTypeRateLimit
	case resp.StatusCode >= 500:
		errType = errors.ErrorTypeConnection
	case resp.StatusCode >= 400:
		errType = errors.ErrorTypeData
	}

	return errors.Newf(errType, "graph api returned %d: %s", resp.StatusCode, message).
		WithDetail("status", resp.StatusCode).
		WithDetail("error_code", ge.Error.Code).
		WithDetail("reduce_data", isReduceDataMessage(message))
}

func isReduceDataMessage(message string) bool {
	return strings.Contains(strings.ToLower(message), "reduce the amount of data")
}

// isReduceDataError reports whether the API asked for a smaller page.
func isReduceDataError(err error) bool {
	var e *errors.Error
	if !errors.As(err, &e) {
		return false
	}
	reduce, _ := e.Details["reduce_data"].(bool)
	return reduce
}

var _ core.Source = (*Source)(nil)
