// Package bigquery implements the warehouse sink: ensure the partitioned
// destination table, delete the overlapping window, append rows through the
// streaming inserter.
package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/adlake/adlake/pkg/config"
	"github.com/adlake/adlake/pkg/connector/core"
	"github.com/adlake/adlake/pkg/connector/registry"
	"github.com/adlake/adlake/pkg/errors"
	"github.com/adlake/adlake/pkg/extract"
	"github.com/adlake/adlake/pkg/logger"
	"github.com/adlake/adlake/pkg/metrics"
)

func init() {
	if err := registry.RegisterSink("bigquery", NewSink); err != nil {
		logger.Get().Sugar().Errorf("failed to register bigquery sink: %v", err)
	}
}

// Sink loads flat rows into a date-partitioned BigQuery table.
type Sink struct {
	client    *bigquery.Client
	logger    *zap.Logger
	projectID string
	dataset   string
	table     string
	location  string

	batchSize     int
	batchAttempts int
	batchDelay    time.Duration
}

// NewSink creates an uninitialized BigQuery sink.
func NewSink(cfg *config.BaseConfig) (core.RowSink, error) {
	return &Sink{
		logger: logger.Get().With(zap.String("sink", "bigquery")),
	}, nil
}

// Name returns the sink name.
func (s *Sink) Name() string { return "bigquery" }

// Initialize opens the client. Credentials come from the environment unless
// a service account file is configured.
func (s *Sink) Initialize(ctx context.Context, cfg *config.BaseConfig) error {
	if cfg == nil {
		return errors.New(errors.ErrorTypeConfig, "configuration is required")
	}
	if cfg.Pipeline.ProjectID == "" {
		return errors.New(errors.ErrorTypeConfig, "pipeline.project_id is required for the bigquery sink")
	}

	s.projectID = cfg.Pipeline.ProjectID
	s.dataset = cfg.Pipeline.Dataset
	s.table = cfg.Pipeline.Table
	s.location = cfg.Pipeline.Location
	s.batchSize = cfg.Performance.BatchSize
	s.batchAttempts = cfg.Reliability.BatchRetryAttempts
	s.batchDelay = cfg.Reliability.BatchRetryDelay

	var opts []option.ClientOption
	if keyFile := cfg.Security.Credentials["service_account_file"]; keyFile != "" {
		opts = append(opts, option.WithCredentialsFile(keyFile))
	}

	client, err := bigquery.NewClient(ctx, s.projectID, opts...)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create bigquery client")
	}
	s.client = client
	return nil
}

// EnsureTable creates the dataset and table when missing and reconciles the
// schema of an existing table.
func (s *Sink) EnsureTable(ctx context.Context, schema *core.Schema, opts core.TableOptions) error {
	if s.client == nil {
		return errors.New(errors.ErrorTypeInternal, "bigquery sink used before Initialize")
	}

	ds := s.client.Dataset(s.dataset)
	if _, err := ds.Metadata(ctx); err != nil {
		if !isNotFound(err) {
			return errors.Wrapf(err, errors.ErrorTypeQuery, "failed to read dataset %s", s.dataset)
		}
		meta := &bigquery.DatasetMetadata{Location: s.location}
		if err := ds.Create(ctx, meta); err != nil && !isConflict(err) {
			return errors.Wrapf(err, errors.ErrorTypeQuery, "failed to create dataset %s", s.dataset)
		}
		s.logger.Info("created dataset", zap.String("dataset", s.dataset))
	}

	want := toBQSchema(schema)
	tbl := ds.Table(s.table)
	meta, err := tbl.Metadata(ctx)
	if err != nil {
		if !isNotFound(err) {
			return errors.Wrapf(err, errors.ErrorTypeQuery, "failed to read table %s", s.table)
		}
		return s.createTable(ctx, tbl, want, opts)
	}

	merged, added, err := reconcileSchema(meta.Schema, want)
	if err != nil {
		return err
	}
	if len(added) == 0 {
		return nil
	}

	update := bigquery.TableMetadataToUpdate{Schema: merged}
	if _, err := tbl.Update(ctx, update, meta.ETag); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeQuery, "failed to add columns to %s", s.table)
	}
	s.logger.Info("schema extended",
		zap.String("table", s.table),
		zap.Strings("columns", added))
	return nil
}

func (s *Sink) createTable(ctx context.Context, tbl *bigquery.Table, schema bigquery.Schema, opts core.TableOptions) error {
	meta := &bigquery.TableMetadata{Schema: schema}

	if opts.PartitionField != "" {
		meta.TimePartitioning = &bigquery.TimePartitioning{
			Type:  bigquery.DayPartitioningType,
			Field: opts.PartitionField,
		}
	}
	if len(opts.ClusterFields) > 0 {
		meta.Clustering = &bigquery.Clustering{Fields: opts.ClusterFields}
	}

	if err := tbl.Create(ctx, meta); err != nil && !isConflict(err) {
		return errors.Wrapf(err, errors.ErrorTypeQuery, "failed to create table %s", s.table)
	}
	s.logger.Info("created table",
		zap.String("table", s.table),
		zap.String("partition_field", opts.PartitionField),
		zap.Strings("cluster_fields", opts.ClusterFields))
	return nil
}

// DeleteWindow removes rows whose date column falls inside the window, so
// re-running the same window never duplicates rows.
func (s *Sink) DeleteWindow(ctx context.Context, dateColumn string, w extract.Window) error {
	if s.client == nil {
		return errors.New(errors.ErrorTypeInternal, "bigquery sink used before Initialize")
	}
	if dateColumn == "" || w.IsZero() {
		return nil
	}

	stmt := fmt.Sprintf(
		"DELETE FROM `%s.%s.%s` WHERE DATE(%s) BETWEEN DATE(@window_start) AND DATE(@window_end)",
		s.projectID, s.dataset, s.table, dateColumn)

	q := s.client.Query(stmt)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "window_start", Value: w.StartDate()},
		{Name: "window_end", Value: w.EndDate()},
	}

	job, err := q.Run(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to start window delete")
	}

	status, err := job.Wait(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "window delete did not complete")
	}
	if err := status.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "window delete failed")
	}

	s.logger.Info("window cleared",
		zap.String("table", s.table),
		zap.String("date_column", dateColumn),
		zap.String("start", w.StartDate()),
		zap.String("end", w.EndDate()))
	return nil
}

// Append streams rows in batches. Each batch is retried as a unit; a batch
// that keeps failing fails the load.
func (s *Sink) Append(ctx context.Context, rows []extract.FlatRow) error {
	if s.client == nil {
		return errors.New(errors.ErrorTypeInternal, "bigquery sink used before Initialize")
	}
	if len(rows) == 0 {
		return nil
	}

	inserter := s.client.Dataset(s.dataset).Table(s.table).Inserter()

	batchSize := s.batchSize
	if batchSize <= 0 {
		batchSize = len(rows)
	}

	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}

		batch := make([]*rowSaver, 0, end-start)
		for _, row := range rows[start:end] {
			batch = append(batch, &rowSaver{row: row})
		}

		if err := s.putBatch(ctx, inserter, batch); err != nil {
			return err
		}
		metrics.RowsWritten.WithLabelValues("bigquery", s.table).Add(float64(len(batch)))
	}

	return nil
}

func (s *Sink) putBatch(ctx context.Context, inserter *bigquery.Inserter, batch []*rowSaver) error {
	attempts := s.batchAttempts
	if attempts < 0 {
		attempts = 0
	}

	var err error
	for attempt := 0; attempt <= attempts; attempt++ {
		if attempt > 0 {
			s.logger.Warn("retrying batch insert",
				zap.Int("attempt", attempt),
				zap.Int("rows", len(batch)),
				zap.Error(err))
			select {
			case <-time.After(s.batchDelay):
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "batch insert canceled")
			}
		}

		err = inserter.Put(ctx, batch)
		if err == nil {
			return nil
		}

		var multi bigquery.PutMultiError
		if errors.As(err, &multi) {
			for i, rowErr := range multi {
				if i >= 3 {
					break
				}
				s.logger.Error("row rejected", zap.String("insert_id", rowErr.InsertID), zap.Error(rowErr.Errors))
			}
		}
	}

	return errors.Wrapf(err, errors.ErrorTypeQuery, "batch insert failed after %d attempts", attempts+1)
}

// Close releases the client.
func (s *Sink) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to close bigquery client")
	}
	return nil
}

// rowSaver adapts a flat row to the inserter. No insert id: the window
// delete already guarantees idempotent re-runs.
type rowSaver struct {
	row extract.FlatRow
}

func (r *rowSaver) Save() (map[string]bigquery.Value, string, error) {
	out := make(map[string]bigquery.Value, len(r.row))
	for name, value := range r.row {
		if value == nil {
			continue
		}
		out[name] = value
	}
	return out, "", nil
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 404
	}
	return false
}

func isConflict(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 409
	}
	return false
}

var _ core.RowSink = (*Sink)(nil)
