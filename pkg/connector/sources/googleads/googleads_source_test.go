package googleads

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/adlake/adlake/pkg/colspec"
	"github.com/adlake/adlake/pkg/config"
	"github.com/adlake/adlake/pkg/connector/core"
	"github.com/adlake/adlake/pkg/extract"
	"github.com/adlake/adlake/pkg/json"
)

func date(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse(extract.DateLayout, s)
	require.NoError(t, err)
	return d
}

func testConfig(endpoint string) *config.BaseConfig {
	cfg := config.NewBaseConfig("ads_test", "google_ads")
	cfg.Pipeline.Dataset = "reporting"
	cfg.Pipeline.Table = "campaign_stats"
	cfg.Pipeline.Accounts = []string{"1234567890"}
	cfg.Security.Credentials = map[string]string{
		"developer_token": "dev-token",
		"client_id":       "client-id",
		"client_secret":   "client-secret",
		"refresh_token":   "refresh-token",
		"endpoint":        endpoint,
	}
	cfg.Reliability.RetryAttempts = 0
	return cfg
}

func testSpecs() []colspec.ColumnSpec {
	return []colspec.ColumnSpec{
		{Name: "campaign_id", Type: colspec.TypeInteger, SourceField: "campaign.id"},
		{Name: "clicks", Type: colspec.TypeInteger, SourceField: "metrics.clicks"},
		{Name: "date", Type: colspec.TypeDate, SourceField: "segments.date", IsDateRange: true},
	}
}

func newTestSource(t *testing.T, endpoint string) *Source {
	t.Helper()
	created, err := NewSource(nil)
	require.NoError(t, err)
	src := created.(*Source)

	cfg := testConfig(endpoint)
	require.NoError(t, src.Initialize(context.Background(), cfg, testSpecs()))
	src.tokenSource = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-access-token"})
	return src
}

func TestInitializeRequiresCredentials(t *testing.T) {
	created, err := NewSource(nil)
	require.NoError(t, err)
	src := created.(*Source)
	cfg := testConfig("")
	delete(cfg.Security.Credentials, "developer_token")

	err = src.Initialize(context.Background(), cfg, testSpecs())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credentials incomplete")
}

func TestInitializeRejectsWrongAuthType(t *testing.T) {
	created, err := NewSource(nil)
	require.NoError(t, err)
	src := created.(*Source)
	cfg := testConfig("")
	cfg.Security.AuthType = "token"

	err = src.Initialize(context.Background(), cfg, testSpecs())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth_type")
}

func TestFetchPagesFollowsPageTokens(t *testing.T) {
	var queries []string
	var tokens []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/customers/1234567890/googleAds:search", r.URL.Path)
		assert.Equal(t, "Bearer test-access-token", r.Header.Get("Authorization"))
		assert.Equal(t, "dev-token", r.Header.Get("developer-token"))

		var req searchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		queries = append(queries, req.Query)
		tokens = append(tokens, req.PageToken)

		resp := searchResponse{
			Results: []core.RawRecord{
				{"campaign": map[string]interface{}{"id": "111"}},
			},
		}
		if req.PageToken == "" {
			resp.NextPageToken = "page-2"
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer server.Close()

	src := newTestSource(t, server.URL)

	q := &extract.Query{
		Resource:  "campaign",
		Fields:    []string{"campaign.id", "metrics.clicks", "segments.date"},
		DateField: "segments.date",
		Period:    "YESTERDAY",
		PageSize:  1000,
	}

	var pages [][]core.RawRecord
	err := src.FetchPages(context.Background(), core.Account{ID: "1234567890"}, q, func(records []core.RawRecord) error {
		pages = append(pages, records)
		return nil
	})
	require.NoError(t, err)

	assert.Len(t, pages, 2)
	assert.Equal(t, []string{"", "page-2"}, tokens)
	for _, gaql := range queries {
		assert.Equal(t, RenderGAQL(q), gaql)
	}
}

func TestFetchPagesEmptyResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"fieldMask":"campaign.id"}`))
	}))
	defer server.Close()

	src := newTestSource(t, server.URL)

	q := &extract.Query{Resource: "campaign", Fields: []string{"campaign.id"}}
	emitted := false
	err := src.FetchPages(context.Background(), core.Account{ID: "1234567890"}, q, func([]core.RawRecord) error {
		emitted = true
		return nil
	})

	require.NoError(t, err)
	assert.False(t, emitted)
}

func TestFetchPagesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"invalid developer token"}}`, http.StatusForbidden)
	}))
	defer server.Close()

	src := newTestSource(t, server.URL)

	q := &extract.Query{Resource: "campaign", Fields: []string{"campaign.id"}}
	err := src.FetchPages(context.Background(), core.Account{ID: "1234567890"}, q, func([]core.RawRecord) error {
		t.Fatal("emit should not be called")
		return nil
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestAccountsStaticList(t *testing.T) {
	src := newTestSource(t, "http://unused.invalid")

	accounts, err := src.Accounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "1234567890", accounts[0].ID)
}

func TestAccountsDiscovery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/customers/9990001111/googleAds:search", r.URL.Path)
		assert.Equal(t, "9990001111", r.Header.Get("login-customer-id"))

		var req searchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.Query, "FROM customer_client")

		resp := searchResponse{
			Results: []core.RawRecord{
				{"customerClient": map[string]interface{}{"id": "1234567890", "descriptiveName": "Already configured"}},
				{"customerClient": map[string]interface{}{"id": "2223334444", "descriptiveName": "Brand EU"}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer server.Close()

	src := newTestSource(t, server.URL)
	src.discover = true
	src.loginCustomerID = "9990001111"

	accounts, err := src.Accounts(context.Background())
	require.NoError(t, err)

	require.Len(t, accounts, 2)
	assert.Equal(t, "1234567890", accounts[0].ID)
	assert.Equal(t, "2223334444", accounts[1].ID)
	assert.Equal(t, "Brand EU", accounts[1].Name)
}

func TestAccountsDiscoveryRequiresLoginCustomer(t *testing.T) {
	src := newTestSource(t, "http://unused.invalid")
	src.discover = true
	src.loginCustomerID = ""

	_, err := src.Accounts(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "login_customer_id")
}
