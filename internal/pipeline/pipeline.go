// Package pipeline orchestrates one extraction run: enumerate accounts,
// build queries from the column specification set, clear each reporting
// window from the sinks exactly once, then fetch, flatten and append every
// account's rows. Re-running a window stays idempotent because the clearing
// pass removes the previous load before anything is appended.
package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adlake/adlake/pkg/colspec"
	"github.com/adlake/adlake/pkg/config"
	"github.com/adlake/adlake/pkg/connector/core"
	"github.com/adlake/adlake/pkg/errors"
	"github.com/adlake/adlake/pkg/extract"
	"github.com/adlake/adlake/pkg/logger"
	"github.com/adlake/adlake/pkg/metrics"
)

// Runner executes one configured pipeline against a source and one or more
// sinks.
type Runner struct {
	cfg    *config.BaseConfig
	specs  []colspec.ColumnSpec
	source core.Source
	sinks  []core.RowSink
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithClock overrides the clock used to resolve relative periods.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// New creates a runner over an already validated spec set. The source and
// sinks are initialized and closed by Run.
func New(cfg *config.BaseConfig, specs []colspec.ColumnSpec, source core.Source, sinks []core.RowSink, opts ...Option) *Runner {
	r := &Runner{
		cfg:    cfg,
		specs:  specs,
		source: source,
		sinks:  sinks,
		logger: logger.Get().With(
			zap.String("pipeline", cfg.Name),
			zap.String("source", cfg.Type)),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Summary aggregates the counters of one run.
type Summary struct {
	Accounts       int
	FailedAccounts int
	Rows           int
	Skipped        int
	Duration       time.Duration
}

// Run executes the pipeline. A failing account is logged and skipped; Run
// returns an error only when configuration is unusable or every account
// failed.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	started := r.now()
	table := colspec.TableName(r.specs, r.cfg.Pipeline.Table)

	if err := r.source.Initialize(ctx, r.cfg, r.specs); err != nil {
		return nil, errors.Wrap(err, errors.GetType(err), "source initialization failed")
	}
	defer r.closeQuietly(ctx, r.source.Close, "source")

	for _, sink := range r.sinks {
		if err := sink.Initialize(ctx, r.cfg); err != nil {
			return nil, errors.Wrapf(err, errors.GetType(err), "sink %s initialization failed", sink.Name())
		}
		defer r.closeQuietly(ctx, sink.Close, sink.Name())
	}

	schema := core.SchemaFromColumns(table, r.source.Extractor().Columns())
	opts := r.tableOptions()
	for _, sink := range r.sinks {
		if err := sink.EnsureTable(ctx, schema, opts); err != nil {
			return nil, errors.Wrapf(err, errors.GetType(err), "failed to prepare table %s", table)
		}
	}

	queries, err := r.buildQueries()
	if err != nil {
		return nil, err
	}

	accounts, err := r.source.Accounts(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.GetType(err), "account enumeration failed")
	}
	if len(accounts) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "no accounts to process")
	}

	if err := r.clearWindows(ctx, queries); err != nil {
		return nil, err
	}

	summary := &Summary{Accounts: len(accounts)}

	workers := r.cfg.Performance.MaxConcurrency
	if workers < 1 {
		workers = 1
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, workers)
	)
	for _, account := range accounts {
		wg.Add(1)
		sem <- struct{}{}
		go func(account core.Account) {
			defer wg.Done()
			defer func() { <-sem }()

			rows, skipped, err := r.runAccount(ctx, account, queries, table)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.FailedAccounts++
				metrics.AccountsProcessed.WithLabelValues(r.source.Name(), "failure").Inc()
				r.logger.Error("account failed",
					zap.String("account", account.ID),
					zap.Error(err))
				return
			}
			summary.Rows += rows
			summary.Skipped += skipped
			metrics.AccountsProcessed.WithLabelValues(r.source.Name(), "success").Inc()
		}(account)
	}
	wg.Wait()

	summary.Duration = r.now().Sub(started)
	metrics.RunDuration.WithLabelValues(r.source.Name(), table).Observe(summary.Duration.Seconds())

	r.logger.Info("run complete",
		zap.String("table", table),
		zap.Int("accounts", summary.Accounts),
		zap.Int("failed_accounts", summary.FailedAccounts),
		zap.Int("rows", summary.Rows),
		zap.Int("skipped", summary.Skipped),
		zap.Duration("duration", summary.Duration))

	if summary.FailedAccounts == summary.Accounts {
		return summary, errors.Newf(errors.ErrorTypeInternal,
			"all %d accounts failed", summary.Accounts)
	}
	return summary, nil
}

// clearWindows deletes every distinct batch window from each sink exactly
// once, before any account's rows are appended. Deleting inside the account
// loop would drop rows already loaded for earlier accounts sharing the
// window.
func (r *Runner) clearWindows(ctx context.Context, queries []*extract.Query) error {
	dateColumn := ""
	if col, ok := colspec.DateRangeColumn(r.specs); ok {
		dateColumn = col.Name
	}

	seen := make(map[string]struct{})
	for _, q := range queries {
		for _, window := range q.Window.Batches(r.cfg.Pipeline.BatchDays) {
			if _, dup := seen[window.String()]; dup {
				continue
			}
			seen[window.String()] = struct{}{}

			for _, sink := range r.sinks {
				if err := sink.DeleteWindow(ctx, dateColumn, window); err != nil {
					return errors.Wrapf(err, errors.GetType(err), "sink %s window delete failed", sink.Name())
				}
			}
		}
	}
	return nil
}

// runAccount processes every query window for one account.
func (r *Runner) runAccount(ctx context.Context, account core.Account, queries []*extract.Query, table string) (rows, skipped int, err error) {
	for _, q := range queries {
		batches := q.Window.Batches(r.cfg.Pipeline.BatchDays)
		for _, window := range batches {
			bq := *q
			bq.Window = window
			if len(batches) > 1 {
				// a split window must be queried by bounds, not by the
				// original period token
				bq.Period = ""
			}

			n, s, batchErr := r.runBatchWithRetry(ctx, account, &bq, table)
			if batchErr != nil {
				return rows, skipped, batchErr
			}
			rows += n
			skipped += s
		}
	}
	return rows, skipped, nil
}

// runBatchWithRetry executes one window all-or-nothing: any failure inside
// the batch discards its rows and the whole window is retried.
func (r *Runner) runBatchWithRetry(ctx context.Context, account core.Account, q *extract.Query, table string) (int, int, error) {
	attempts := r.cfg.Reliability.BatchRetryAttempts
	if attempts < 0 {
		attempts = 0
	}

	var err error
	for attempt := 0; attempt <= attempts; attempt++ {
		if attempt > 0 {
			r.logger.Warn("retrying batch",
				zap.String("account", account.ID),
				zap.String("window", q.Window.String()),
				zap.Int("attempt", attempt),
				zap.Error(err))
			select {
			case <-time.After(r.cfg.Reliability.BatchRetryDelay):
			case <-ctx.Done():
				return 0, 0, errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "batch retry canceled")
			}
		}

		var rows, skipped int
		rows, skipped, err = r.runBatch(ctx, account, q, table)
		if err == nil {
			return rows, skipped, nil
		}
		if ctx.Err() != nil {
			return 0, 0, err
		}
	}

	return 0, 0, errors.Wrapf(err, errors.GetType(err),
		"batch %s failed after %d attempts", q.Window.String(), attempts+1)
}

func (r *Runner) runBatch(ctx context.Context, account core.Account, q *extract.Query, table string) (int, int, error) {
	extractor := r.source.Extractor()

	var rows []extract.FlatRow
	skipped := 0
	err := r.source.FetchPages(ctx, account, q, func(records []core.RawRecord) error {
		out, s := extractor.ExtractAll(records)
		rows = append(rows, out...)
		skipped += s
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	metrics.RecordsExtracted.WithLabelValues(r.source.Name(), table).Add(float64(len(rows)))
	if skipped > 0 {
		metrics.RecordsSkipped.WithLabelValues(r.source.Name(), table, "malformed").Add(float64(skipped))
	}

	for _, sink := range r.sinks {
		if err := sink.Append(ctx, rows); err != nil {
			return 0, 0, errors.Wrapf(err, errors.GetType(err), "sink %s append failed", sink.Name())
		}
	}

	r.logger.Info("window loaded",
		zap.String("account", account.ID),
		zap.String("window", q.Window.String()),
		zap.Int("rows", len(rows)),
		zap.Int("skipped", skipped))
	return len(rows), skipped, nil
}

// buildQueries expands the configured periods, or the absolute start/end
// dates, into request descriptors.
func (r *Runner) buildQueries() ([]*extract.Query, error) {
	window, err := r.configuredWindow()
	if err != nil {
		return nil, err
	}

	periods := r.cfg.Pipeline.Period
	if !window.IsZero() {
		periods = ""
	}

	queries, err := extract.BuildQueries(r.specs, periods, window, r.now(), r.cfg.Performance.PageSize)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to build queries")
	}
	return queries, nil
}

func (r *Runner) configuredWindow() (extract.Window, error) {
	start, end := r.cfg.Pipeline.StartDate, r.cfg.Pipeline.EndDate
	if start == "" && end == "" {
		return extract.Window{}, nil
	}
	if start == "" || end == "" {
		return extract.Window{}, errors.New(errors.ErrorTypeConfig,
			"start_date and end_date must be set together")
	}

	s, err := time.Parse(extract.DateLayout, start)
	if err != nil {
		return extract.Window{}, errors.Wrapf(err, errors.ErrorTypeConfig, "invalid start_date %q", start)
	}
	e, err := time.Parse(extract.DateLayout, end)
	if err != nil {
		return extract.Window{}, errors.Wrapf(err, errors.ErrorTypeConfig, "invalid end_date %q", end)
	}
	if e.Before(s) {
		return extract.Window{}, errors.Newf(errors.ErrorTypeConfig,
			"end_date %s precedes start_date %s", end, start)
	}
	return extract.Window{Start: s, End: e}, nil
}

// tableOptions derives partitioning and clustering from the spec set: DAY
// partitioning on the date-range column, clustered by date plus the account
// identifier column when one exists.
func (r *Runner) tableOptions() core.TableOptions {
	opts := core.TableOptions{}

	col, ok := colspec.DateRangeColumn(r.specs)
	if !ok {
		return opts
	}
	opts.PartitionField = col.Name
	opts.ClusterFields = []string{col.Name}

	for i := range r.specs {
		name := r.specs[i].Name
		if strings.HasSuffix(name, "customer_id") || strings.HasSuffix(name, "account_id") {
			opts.ClusterFields = append(opts.ClusterFields, name)
			break
		}
	}
	return opts
}

func (r *Runner) closeQuietly(ctx context.Context, close func(context.Context) error, name string) {
	if err := close(ctx); err != nil {
		r.logger.Warn("close failed", zap.String("component", name), zap.Error(err))
	}
}
