package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// LoadFile loads a BaseConfig from a YAML file. ${VAR} references are
// replaced with environment variable values before parsing, and any key can
// be overridden through the ADLAKE_ prefix, dots replaced by underscores
// (ADLAKE_PIPELINE_DATASET overrides pipeline.dataset).
func LoadFile(path string) (*BaseConfig, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is caller-controlled
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	content := substituteEnvVars(string(data))

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ADLAKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg := &BaseConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Security.Credentials == nil {
		cfg.Security.Credentials = make(map[string]string)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("version", "1.0.0")
	v.SetDefault("pipeline.location", "US")
	v.SetDefault("pipeline.period", "YESTERDAY")
	v.SetDefault("performance.page_size", 1000)
	v.SetDefault("performance.batch_size", 500)
	v.SetDefault("performance.max_concurrency", 4)
	v.SetDefault("timeouts.request", 5*time.Minute)
	v.SetDefault("timeouts.connection", 10*time.Second)
	v.SetDefault("timeouts.idle", 5*time.Minute)
	v.SetDefault("reliability.retry_attempts", 3)
	v.SetDefault("reliability.retry_delay", time.Second)
	v.SetDefault("reliability.retry_multiplier", 2.0)
	v.SetDefault("reliability.max_retry_delay", 60*time.Second)
	v.SetDefault("reliability.batch_retry_attempts", 3)
	v.SetDefault("reliability.batch_retry_delay", 30*time.Second)
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.metrics_addr", ":9090")
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_encoding", "json")
}

// Save writes a configuration to a YAML file. Used by the CLI to scaffold a
// starter pipeline configuration.
func Save(filePath string, config interface{}) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil { //nolint:gosec
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := content[start+2 : end]
		envValue := os.Getenv(varName)
		content = content[:start] + envValue + content[end+1:]
	}
	return content
}
