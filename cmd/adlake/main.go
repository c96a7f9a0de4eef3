package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/adlake/adlake/internal/pipeline"
	"github.com/adlake/adlake/pkg/colspec"
	"github.com/adlake/adlake/pkg/config"
	"github.com/adlake/adlake/pkg/connector/core"
	"github.com/adlake/adlake/pkg/connector/registry"
	"github.com/adlake/adlake/pkg/logger"
	"github.com/adlake/adlake/pkg/metrics"

	// Import all available drivers to register them
	_ "github.com/adlake/adlake/pkg/connector/destinations/bigquery"
	_ "github.com/adlake/adlake/pkg/connector/destinations/gcs"
	_ "github.com/adlake/adlake/pkg/connector/sources/googleads"
	_ "github.com/adlake/adlake/pkg/connector/sources/metaads"
	_ "github.com/adlake/adlake/pkg/connector/sources/xero"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "adlake",
		Short: "adlake - declarative marketing and accounting data loader",
		Long: `adlake extracts reporting data from advertising and accounting APIs and
loads it into date-partitioned BigQuery tables. What to extract and how each
column is derived is declared in a JSON column specification, not in code.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("adlake v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List available drivers",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Available sources:")
			for _, source := range registry.ListSources() {
				fmt.Printf("  - %s\n", source)
			}
			fmt.Println("\nAvailable sinks:")
			for _, sink := range registry.ListSinks() {
				fmt.Printf("  - %s\n", sink)
			}
		},
	})

	var initOutput, initName, initType string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter pipeline configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(initOutput); err == nil {
				return fmt.Errorf("%s already exists", initOutput)
			}
			cfg := config.NewBaseConfig(initName, initType)
			if err := config.Save(initOutput, cfg); err != nil {
				return fmt.Errorf("failed to write %s: %w", initOutput, err)
			}
			fmt.Printf("wrote %s; fill in pipeline.dataset, pipeline.table and security.credentials\n", initOutput)
			return nil
		},
	}
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "pipeline.yaml", "Destination path")
	initCmd.Flags().StringVar(&initName, "name", "my-pipeline", "Pipeline name")
	initCmd.Flags().StringVar(&initType, "type", "google_ads", "Source driver type")
	root.AddCommand(initCmd)

	var validateConfigFile string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a pipeline configuration and its column specifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, specs, err := loadPipeline(validateConfigFile)
			if err != nil {
				return err
			}
			fmt.Printf("configuration %q is valid: %d columns for table %q\n",
				cfg.Name, len(colspec.Columns(specs)), colspec.TableName(specs, cfg.Pipeline.Table))
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&validateConfigFile, "config", "c", "", "Path to pipeline YAML configuration (required)")
	_ = validateCmd.MarkFlagRequired("config")
	root.AddCommand(validateCmd)

	var runConfigFile, period, startDate, endDate string
	var timeout time.Duration
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a pipeline",
		Long: `Run the pipeline described by a YAML configuration file. The reporting
window from the file can be overridden per invocation.

Example:
  adlake run --config pipelines/google-ads-campaigns.yaml --period LAST_7_DAYS`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(runConfigFile, period, startDate, endDate, timeout)
		},
	}
	runCmd.Flags().StringVarP(&runConfigFile, "config", "c", "", "Path to pipeline YAML configuration (required)")
	_ = runCmd.MarkFlagRequired("config")
	runCmd.Flags().StringVar(&period, "period", "", "Relative period override (e.g. YESTERDAY, LAST_7_DAYS)")
	runCmd.Flags().StringVar(&startDate, "start-date", "", "Absolute window start (YYYY-MM-DD)")
	runCmd.Flags().StringVar(&endDate, "end-date", "", "Absolute window end (YYYY-MM-DD)")
	runCmd.Flags().DurationVar(&timeout, "timeout", 2*time.Hour, "Run timeout")
	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadPipeline loads and validates the configuration and its column
// specification file.
func loadPipeline(path string) (*config.BaseConfig, []colspec.ColumnSpec, error) {
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration %s: %w", path, err)
	}
	if cfg.Pipeline.ColumnsFile == "" {
		return nil, nil, fmt.Errorf("pipeline.columns_file is required")
	}

	specs, err := colspec.ParseSpecsFile(cfg.Pipeline.ColumnsFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load column specifications: %w", err)
	}
	if err := colspec.ValidateSpecs(specs); err != nil {
		return nil, nil, fmt.Errorf("invalid column specifications: %w", err)
	}

	return cfg, specs, nil
}

func runPipeline(configFile, period, startDate, endDate string, timeout time.Duration) error {
	cfg, specs, err := loadPipeline(configFile)
	if err != nil {
		return err
	}

	if period != "" {
		cfg.Pipeline.Period = period
		cfg.Pipeline.StartDate = ""
		cfg.Pipeline.EndDate = ""
	}
	if startDate != "" || endDate != "" {
		cfg.Pipeline.StartDate = startDate
		cfg.Pipeline.EndDate = endDate
		cfg.Pipeline.Period = ""
	}

	if err := logger.Init(logger.Config{
		Level:    cfg.Observability.LogLevel,
		Encoding: cfg.Observability.LogEncoding,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	log := logger.Get().With(
		zap.String("component", "adlake-cli"),
		zap.String("pipeline", cfg.Name),
		zap.String("source", cfg.Type))

	if cfg.Observability.EnableMetrics {
		errCh := metrics.Serve(cfg.Observability.MetricsAddr)
		go func() {
			if err := <-errCh; err != nil {
				log.Warn("metrics endpoint stopped", zap.Error(err))
			}
		}()
	}

	source, err := registry.CreateSource(cfg.Type, cfg)
	if err != nil {
		return fmt.Errorf("failed to create source %q: %w", cfg.Type, err)
	}

	sinks := []core.RowSink{}
	bq, err := registry.CreateSink("bigquery", cfg)
	if err != nil {
		return fmt.Errorf("failed to create bigquery sink: %w", err)
	}
	sinks = append(sinks, bq)

	if cfg.Pipeline.Archive.Enabled {
		archive, err := registry.CreateSink("gcs", cfg)
		if err != nil {
			return fmt.Errorf("failed to create archive sink: %w", err)
		}
		sinks = append(sinks, archive)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	log.Info("starting run",
		zap.String("config", configFile),
		zap.String("period", cfg.Pipeline.Period),
		zap.String("start_date", cfg.Pipeline.StartDate),
		zap.String("end_date", cfg.Pipeline.EndDate))

	summary, err := pipeline.New(cfg, specs, source, sinks).Run(ctx)
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}

	log.Info("run succeeded",
		zap.Int("accounts", summary.Accounts),
		zap.Int("failed_accounts", summary.FailedAccounts),
		zap.Int("rows", summary.Rows),
		zap.Int("skipped", summary.Skipped),
		zap.Duration("duration", summary.Duration))
	return nil
}
