// Package gcs implements the archive sink: every run's rows are written as
// gzip-compressed JSONL objects, one object per partition date, laid out as
// <prefix>/<table>/<date>/run-<timestamp>-<n>.jsonl.gz. The archive
// preserves the raw loads so a table can be rebuilt without re-extracting.
package gcs

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"cloud.google.com/go/storage"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/adlake/adlake/pkg/config"
	"github.com/adlake/adlake/pkg/connector/core"
	"github.com/adlake/adlake/pkg/connector/registry"
	"github.com/adlake/adlake/pkg/errors"
	"github.com/adlake/adlake/pkg/extract"
	"github.com/adlake/adlake/pkg/json"
	"github.com/adlake/adlake/pkg/logger"
	"github.com/adlake/adlake/pkg/metrics"
)

func init() {
	if err := registry.RegisterSink("gcs", NewSink); err != nil {
		logger.Get().Sugar().Errorf("failed to register gcs sink: %v", err)
	}
}

const undatedDir = "undated"

// Sink archives flat rows to a cloud storage bucket.
type Sink struct {
	client *storage.Client
	logger *zap.Logger

	bucket string
	prefix string
	table  string

	partitionField string
	now            func() time.Time
	seq            uint64
}

// NewSink creates an uninitialized archive sink.
func NewSink(cfg *config.BaseConfig) (core.RowSink, error) {
	return &Sink{
		logger: logger.Get().With(zap.String("sink", "gcs")),
		now:    time.Now,
	}, nil
}

// Name returns the sink name.
func (s *Sink) Name() string { return "gcs" }

// Initialize opens the storage client.
func (s *Sink) Initialize(ctx context.Context, cfg *config.BaseConfig) error {
	if cfg == nil {
		return errors.New(errors.ErrorTypeConfig, "configuration is required")
	}
	if cfg.Pipeline.Archive.Bucket == "" {
		return errors.New(errors.ErrorTypeConfig, "pipeline.archive.bucket is required for the gcs sink")
	}

	s.bucket = cfg.Pipeline.Archive.Bucket
	s.prefix = cfg.Pipeline.Archive.Prefix
	s.table = cfg.Pipeline.Table

	var opts []option.ClientOption
	if keyFile := cfg.Security.Credentials["service_account_file"]; keyFile != "" {
		opts = append(opts, option.WithCredentialsFile(keyFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create storage client")
	}
	s.client = client
	return nil
}

// EnsureTable records the partition column; buckets have no schema to
// create.
func (s *Sink) EnsureTable(ctx context.Context, schema *core.Schema, opts core.TableOptions) error {
	s.partitionField = opts.PartitionField
	if schema != nil && schema.Name != "" {
		s.table = schema.Name
	}
	return nil
}

// DeleteWindow removes the archived objects of every date directory inside
// the window, mirroring the warehouse's delete-then-append idempotency.
func (s *Sink) DeleteWindow(ctx context.Context, dateColumn string, w extract.Window) error {
	if s.client == nil {
		return errors.New(errors.ErrorTypeInternal, "gcs sink used before Initialize")
	}
	if w.IsZero() {
		return nil
	}

	bucket := s.client.Bucket(s.bucket)
	removed := 0

	for day := w.Start; !day.After(w.End); day = day.AddDate(0, 0, 1) {
		dir := s.objectDir(day.Format(extract.DateLayout))
		it := bucket.Objects(ctx, &storage.Query{Prefix: dir})
		for {
			attrs, err := it.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				return errors.Wrapf(err, errors.ErrorTypeConnection, "failed to list %s", dir)
			}
			if err := bucket.Object(attrs.Name).Delete(ctx); err != nil && err != storage.ErrObjectNotExist {
				return errors.Wrapf(err, errors.ErrorTypeConnection, "failed to delete %s", attrs.Name)
			}
			removed++
		}
	}

	if removed > 0 {
		s.logger.Info("archive window cleared",
			zap.String("table", s.table),
			zap.Int("objects", removed))
	}
	return nil
}

// Append writes one gzip JSONL object per partition date found in the
// batch.
func (s *Sink) Append(ctx context.Context, rows []extract.FlatRow) error {
	if s.client == nil {
		return errors.New(errors.ErrorTypeInternal, "gcs sink used before Initialize")
	}
	if len(rows) == 0 {
		return nil
	}

	byDate := make(map[string][]extract.FlatRow)
	for _, row := range rows {
		date := undatedDir
		if s.partitionField != "" {
			if key := extract.RowKey(row, s.partitionField); key != "" {
				date = key
			}
		}
		byDate[date] = append(byDate[date], row)
	}

	stamp := s.now().UTC().Format("20060102T150405Z")
	for date, group := range byDate {
		name := s.objectName(date, stamp)
		if err := s.writeObject(ctx, name, group); err != nil {
			return err
		}
		metrics.RowsWritten.WithLabelValues("gcs", s.table).Add(float64(len(group)))
	}
	return nil
}

func (s *Sink) writeObject(ctx context.Context, name string, rows []extract.FlatRow) error {
	w := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/gzip"

	gz := gzip.NewWriter(w)
	enc := json.NewEncoder(gz)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			_ = gz.Close()
			_ = w.Close()
			return errors.Wrapf(err, errors.ErrorTypeData, "failed to encode archive row for %s", name)
		}
	}

	if err := gz.Close(); err != nil {
		_ = w.Close()
		return errors.Wrapf(err, errors.ErrorTypeData, "failed to compress %s", name)
	}
	if err := w.Close(); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeConnection, "failed to write %s", name)
	}

	s.logger.Debug("archived object",
		zap.String("object", name),
		zap.Int("rows", len(rows)))
	return nil
}

// objectName builds a unique object path for one partition date. Concurrent
// account appends can land within the same second, so the name carries a
// per-sink sequence number.
func (s *Sink) objectName(date, stamp string) string {
	return fmt.Sprintf("%srun-%s-%d.jsonl.gz", s.objectDir(date), stamp, atomic.AddUint64(&s.seq, 1))
}

// objectDir is the directory of one partition date:
// <prefix>/<table>/<date>/.
func (s *Sink) objectDir(date string) string {
	if s.prefix != "" {
		return fmt.Sprintf("%s/%s/%s/", s.prefix, s.table, date)
	}
	return fmt.Sprintf("%s/%s/", s.table, date)
}

// Close releases the client.
func (s *Sink) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to close storage client")
	}
	return nil
}

var _ core.RowSink = (*Sink)(nil)
