// Package config provides the unified configuration system for adlake.
// It defines a single BaseConfig structure that all pipeline drivers use,
// organized into logical sections:
//   - Pipeline: destination dataset/table, reporting window, accounts
//   - Performance: page sizes, batching, concurrency
//   - Timeouts: request and connection timeouts
//   - Reliability: retry logic and rate limiting
//   - Security: API credentials
//   - Observability: metrics and logging
//
// Example usage:
//
//	cfg := config.NewBaseConfig("google-ads-daily", "google_ads")
//	cfg.Pipeline.Table = "campaign_stats"
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"time"
)

// BaseConfig is the unified configuration structure for a pipeline run.
type BaseConfig struct {
	// Name identifies the pipeline instance
	Name string `yaml:"name" json:"name" mapstructure:"name"`
	// Type specifies the source driver (google_ads, meta_ads, xero)
	Type string `yaml:"type" json:"type" mapstructure:"type"`
	// Version indicates the configuration version
	Version string `yaml:"version" json:"version" mapstructure:"version"`

	// Pipeline settings describe what to extract and where to load it
	Pipeline PipelineConfig `yaml:"pipeline" json:"pipeline" mapstructure:"pipeline"`

	// Performance settings control paging and batching
	Performance PerformanceConfig `yaml:"performance" json:"performance" mapstructure:"performance"`

	// Timeouts define request and connection timeout durations
	Timeouts TimeoutConfig `yaml:"timeouts" json:"timeouts" mapstructure:"timeouts"`

	// Reliability settings for retries and rate limiting
	Reliability ReliabilityConfig `yaml:"reliability" json:"reliability" mapstructure:"reliability"`

	// Security configuration holds API credentials
	Security SecurityConfig `yaml:"security" json:"security" mapstructure:"security"`

	// Observability settings for metrics and logging
	Observability ObservabilityConfig `yaml:"observability" json:"observability" mapstructure:"observability"`
}

// PipelineConfig describes the extraction window and the load target.
type PipelineConfig struct {
	// ProjectID is the destination GCP project
	ProjectID string `yaml:"project_id" json:"project_id" mapstructure:"project_id"`
	// Dataset is the destination BigQuery dataset
	Dataset string `yaml:"dataset" json:"dataset" mapstructure:"dataset"`
	// Table is the destination BigQuery table
	Table string `yaml:"table" json:"table" mapstructure:"table"`
	// Location is the dataset location (default "US")
	Location string `yaml:"location" json:"location" mapstructure:"location"`

	// Period is a relative reporting period token, or a comma-separated
	// list of tokens each producing its own query (e.g. "YESTERDAY" or
	// "LAST_7_DAYS,LAST_MONTH")
	Period string `yaml:"period" json:"period" mapstructure:"period"`
	// StartDate/EndDate define an absolute window (YYYY-MM-DD); ignored
	// when Period is set
	StartDate string `yaml:"start_date" json:"start_date" mapstructure:"start_date"`
	EndDate   string `yaml:"end_date" json:"end_date" mapstructure:"end_date"`
	// BatchDays splits the window into fixed-size sub-windows fetched and
	// retried independently (0 = single window)
	BatchDays int `yaml:"batch_days" json:"batch_days" mapstructure:"batch_days"`

	// Accounts is a static list of account IDs to extract; drivers that
	// support discovery append enumerated accounts
	Accounts []string `yaml:"accounts" json:"accounts" mapstructure:"accounts"`
	// DiscoverAccounts enables account enumeration from the API
	DiscoverAccounts bool `yaml:"discover_accounts" json:"discover_accounts" mapstructure:"discover_accounts"`

	// ColumnsFile is the path to the JSON column definitions
	ColumnsFile string `yaml:"columns_file" json:"columns_file" mapstructure:"columns_file"`

	// Archive configures the optional GCS raw-row archive
	Archive ArchiveConfig `yaml:"archive" json:"archive" mapstructure:"archive"`
}

// ArchiveConfig configures the optional GCS JSONL archive sink.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Bucket  string `yaml:"bucket" json:"bucket" mapstructure:"bucket"`
	Prefix  string `yaml:"prefix" json:"prefix" mapstructure:"prefix"`
}

// PerformanceConfig contains paging and batching settings.
type PerformanceConfig struct {
	// PageSize is the per-request row limit sent to the API
	PageSize int `yaml:"page_size" json:"page_size" mapstructure:"page_size"`
	// BatchSize controls rows buffered before a destination append
	BatchSize int `yaml:"batch_size" json:"batch_size" mapstructure:"batch_size"`
	// MaxConcurrency limits concurrent account extractions
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency" mapstructure:"max_concurrency"`
}

// TimeoutConfig contains timeout settings.
type TimeoutConfig struct {
	// Request timeout for individual API calls
	Request time.Duration `yaml:"request" json:"request" mapstructure:"request"`
	// Connection timeout for establishing connections
	Connection time.Duration `yaml:"connection" json:"connection" mapstructure:"connection"`
	// Idle timeout before closing inactive connections
	Idle time.Duration `yaml:"idle" json:"idle" mapstructure:"idle"`
}

// ReliabilityConfig contains retry and rate limit settings.
type ReliabilityConfig struct {
	// RetryAttempts sets maximum retry attempts for failed operations
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts" mapstructure:"retry_attempts"`
	// RetryDelay is the initial delay between retries
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay" mapstructure:"retry_delay"`
	// RetryMultiplier increases delay exponentially
	RetryMultiplier float64 `yaml:"retry_multiplier" json:"retry_multiplier" mapstructure:"retry_multiplier"`
	// MaxRetryDelay caps the maximum retry delay
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" json:"max_retry_delay" mapstructure:"max_retry_delay"`
	// RateLimitPerSec limits API requests per second (0 = unlimited)
	RateLimitPerSec int `yaml:"rate_limit_per_sec" json:"rate_limit_per_sec" mapstructure:"rate_limit_per_sec"`
	// BatchRetryAttempts sets retries for a full date batch (all-or-nothing)
	BatchRetryAttempts int `yaml:"batch_retry_attempts" json:"batch_retry_attempts" mapstructure:"batch_retry_attempts"`
	// BatchRetryDelay is the base delay between date-batch retries
	BatchRetryDelay time.Duration `yaml:"batch_retry_delay" json:"batch_retry_delay" mapstructure:"batch_retry_delay"`
}

// SecurityConfig holds API credentials. Values are typically injected from
// the environment rather than written into the YAML file.
type SecurityConfig struct {
	// AuthType specifies the authentication method (oauth2_refresh, token)
	AuthType string `yaml:"auth_type" json:"auth_type" mapstructure:"auth_type"`
	// Credentials stores credential key-value pairs per driver
	Credentials map[string]string `yaml:"credentials" json:"credentials" mapstructure:"credentials"`
}

// ObservabilityConfig contains monitoring settings.
type ObservabilityConfig struct {
	// EnableMetrics activates the Prometheus scrape endpoint
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics" mapstructure:"enable_metrics"`
	// MetricsAddr is the scrape endpoint listen address
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr" mapstructure:"metrics_addr"`
	// LogLevel sets logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level" mapstructure:"log_level"`
	// LogEncoding selects json or console output
	LogEncoding string `yaml:"log_encoding" json:"log_encoding" mapstructure:"log_encoding"`
}

// NewBaseConfig creates a BaseConfig with production defaults. Drivers
// override sections as needed.
func NewBaseConfig(name, sourceType string) *BaseConfig {
	return &BaseConfig{
		Name:    name,
		Type:    sourceType,
		Version: "1.0.0",
		Pipeline: PipelineConfig{
			Location: "US",
			Period:   "YESTERDAY",
		},
		Performance: PerformanceConfig{
			PageSize:       1000,
			BatchSize:      500,
			MaxConcurrency: 4,
		},
		Timeouts: TimeoutConfig{
			Request:    5 * time.Minute,
			Connection: 10 * time.Second,
			Idle:       5 * time.Minute,
		},
		Reliability: ReliabilityConfig{
			RetryAttempts:      3,
			RetryDelay:         time.Second,
			RetryMultiplier:    2.0,
			MaxRetryDelay:      60 * time.Second,
			RateLimitPerSec:    0,
			BatchRetryAttempts: 3,
			BatchRetryDelay:    30 * time.Second,
		},
		Security: SecurityConfig{
			Credentials: make(map[string]string),
		},
		Observability: ObservabilityConfig{
			EnableMetrics: true,
			MetricsAddr:   ":9090",
			LogLevel:      "info",
			LogEncoding:   "json",
		},
	}
}

// Validate checks required fields and value ranges. Called once at startup;
// a failure here aborts the run.
func (bc *BaseConfig) Validate() error {
	if bc.Name == "" {
		return fmt.Errorf("name is required")
	}
	if bc.Type == "" {
		return fmt.Errorf("type is required")
	}
	if bc.Pipeline.Dataset == "" {
		return fmt.Errorf("pipeline.dataset is required")
	}
	if bc.Pipeline.Table == "" {
		return fmt.Errorf("pipeline.table is required")
	}
	if bc.Pipeline.Period == "" && (bc.Pipeline.StartDate == "" || bc.Pipeline.EndDate == "") {
		return fmt.Errorf("pipeline.period or pipeline.start_date/end_date is required")
	}
	if bc.Pipeline.BatchDays < 0 {
		return fmt.Errorf("pipeline.batch_days cannot be negative")
	}
	if bc.Performance.PageSize <= 0 {
		return fmt.Errorf("page_size must be positive")
	}
	if bc.Performance.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if bc.Reliability.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts cannot be negative")
	}
	if bc.Reliability.RateLimitPerSec < 0 {
		return fmt.Errorf("rate_limit_per_sec cannot be negative")
	}
	if bc.Pipeline.Archive.Enabled && bc.Pipeline.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket is required when archive is enabled")
	}
	return nil
}

// Credential returns the named credential, or an error naming the missing key.
func (s *SecurityConfig) Credential(key string) (string, error) {
	v, ok := s.Credentials[key]
	if !ok || v == "" {
		return "", fmt.Errorf("missing credential %q", key)
	}
	return v, nil
}

// IsRateLimited returns true if rate limiting is enabled
func (r *ReliabilityConfig) IsRateLimited() bool {
	return r.RateLimitPerSec > 0
}
