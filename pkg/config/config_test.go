package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBaseConfigDefaults(t *testing.T) {
	cfg := NewBaseConfig("google-ads-daily", "google_ads")

	assert.Equal(t, "google-ads-daily", cfg.Name)
	assert.Equal(t, "google_ads", cfg.Type)
	assert.Equal(t, "YESTERDAY", cfg.Pipeline.Period)
	assert.Equal(t, 1000, cfg.Performance.PageSize)
	assert.Equal(t, 3, cfg.Reliability.RetryAttempts)
	assert.Equal(t, 30*time.Second, cfg.Reliability.BatchRetryDelay)
	assert.NotNil(t, cfg.Security.Credentials)
}

func TestValidate(t *testing.T) {
	valid := func() *BaseConfig {
		cfg := NewBaseConfig("test", "google_ads")
		cfg.Pipeline.Dataset = "reporting"
		cfg.Pipeline.Table = "campaign_stats"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*BaseConfig)
		wantErr string
	}{
		{"valid", func(c *BaseConfig) {}, ""},
		{"missing name", func(c *BaseConfig) { c.Name = "" }, "name is required"},
		{"missing type", func(c *BaseConfig) { c.Type = "" }, "type is required"},
		{"missing dataset", func(c *BaseConfig) { c.Pipeline.Dataset = "" }, "pipeline.dataset is required"},
		{"missing table", func(c *BaseConfig) { c.Pipeline.Table = "" }, "pipeline.table is required"},
		{
			"missing window",
			func(c *BaseConfig) { c.Pipeline.Period = ""; c.Pipeline.StartDate = "" },
			"pipeline.period or pipeline.start_date/end_date is required",
		},
		{
			"absolute window without period",
			func(c *BaseConfig) {
				c.Pipeline.Period = ""
				c.Pipeline.StartDate = "2026-01-01"
				c.Pipeline.EndDate = "2026-01-31"
			},
			"",
		},
		{"zero page size", func(c *BaseConfig) { c.Performance.PageSize = 0 }, "page_size must be positive"},
		{
			"archive without bucket",
			func(c *BaseConfig) { c.Pipeline.Archive.Enabled = true },
			"archive.bucket is required when archive is enabled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestCredential(t *testing.T) {
	sec := SecurityConfig{Credentials: map[string]string{"developer_token": "abc"}}

	v, err := sec.Credential("developer_token")
	require.NoError(t, err)
	assert.Equal(t, "abc", v)

	_, err = sec.Credential("refresh_token")
	assert.ErrorContains(t, err, "refresh_token")
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	content := `
name: meta-ads-daily
type: meta_ads
pipeline:
  project_id: my-project
  dataset: reporting
  table: ad_insights
  period: LAST_7_DAYS
  batch_days: 7
  accounts: ["act_1", "act_2"]
performance:
  page_size: 800
security:
  credentials:
    access_token: tok
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "meta-ads-daily", cfg.Name)
	assert.Equal(t, "meta_ads", cfg.Type)
	assert.Equal(t, "reporting", cfg.Pipeline.Dataset)
	assert.Equal(t, 7, cfg.Pipeline.BatchDays)
	assert.Equal(t, []string{"act_1", "act_2"}, cfg.Pipeline.Accounts)
	assert.Equal(t, 800, cfg.Performance.PageSize)
	assert.Equal(t, "tok", cfg.Security.Credentials["access_token"])

	// defaults fill unset sections
	assert.Equal(t, 500, cfg.Performance.BatchSize)
	assert.Equal(t, "info", cfg.Observability.LogLevel)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFileSubstitutesEnvVars(t *testing.T) {
	t.Setenv("ADLAKE_TEST_TOKEN", "secret")

	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	content := `
name: meta-ads-daily
type: meta_ads
pipeline:
  dataset: reporting
  table: ad_insights
security:
  credentials:
    access_token: ${ADLAKE_TEST_TOKEN}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "secret", cfg.Security.Credentials["access_token"])
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scaffold.yaml")

	cfg := NewBaseConfig("xero-daily", "xero")
	cfg.Pipeline.Dataset = "finance"
	cfg.Pipeline.Table = "invoice_lines"
	require.NoError(t, Save(path, cfg))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "xero-daily", loaded.Name)
	assert.Equal(t, "xero", loaded.Type)
	assert.Equal(t, "finance", loaded.Pipeline.Dataset)
	assert.Equal(t, "invoice_lines", loaded.Pipeline.Table)
}
