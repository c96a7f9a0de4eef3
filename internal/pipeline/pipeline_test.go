package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adlake/adlake/pkg/colspec"
	"github.com/adlake/adlake/pkg/config"
	"github.com/adlake/adlake/pkg/connector/core"
	"github.com/adlake/adlake/pkg/errors"
	"github.com/adlake/adlake/pkg/extract"
)

var testNow = time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

func testSpecs() []colspec.ColumnSpec {
	return []colspec.ColumnSpec{
		{Name: "campaign_stats", IsTable: true},
		{Name: "campaign_id", Type: colspec.TypeInteger, SourceField: "campaign.id"},
		{Name: "customer_id", Type: colspec.TypeInteger, SourceField: "customer.id"},
		{Name: "clicks", Type: colspec.TypeInteger, SourceField: "metrics.clicks"},
		{Name: "date", Type: colspec.TypeDate, SourceField: "segments.date", IsDateRange: true},
	}
}

func testConfig() *config.BaseConfig {
	cfg := config.NewBaseConfig("stats", "fake")
	cfg.Pipeline.Dataset = "reporting"
	cfg.Pipeline.Table = "default_table"
	cfg.Pipeline.Period = "YESTERDAY"
	cfg.Performance.MaxConcurrency = 1
	cfg.Reliability.BatchRetryAttempts = 0
	cfg.Reliability.BatchRetryDelay = time.Millisecond
	return cfg
}

type fakeSource struct {
	mu        sync.Mutex
	accounts  []core.Account
	pages     map[string][]core.RawRecord
	failures  map[string]int
	extractor *extract.Extractor
	queries   []*extract.Query
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Initialize(ctx context.Context, cfg *config.BaseConfig, specs []colspec.ColumnSpec) error {
	f.extractor = extract.NewExtractor(specs, extract.WithClock(func() time.Time { return testNow }))
	return nil
}

func (f *fakeSource) Extractor() *extract.Extractor { return f.extractor }

func (f *fakeSource) Accounts(ctx context.Context) ([]core.Account, error) {
	return f.accounts, nil
}

func (f *fakeSource) FetchPages(ctx context.Context, account core.Account, q *extract.Query, emit core.EmitFunc) error {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	if remaining := f.failures[account.ID]; remaining > 0 {
		f.failures[account.ID] = remaining - 1
		f.mu.Unlock()
		return errors.New(errors.ErrorTypeConnection, "socket reset")
	}
	records := f.pages[account.ID]
	f.mu.Unlock()
	if len(records) == 0 {
		return nil
	}
	return emit(records)
}

func (f *fakeSource) Close(ctx context.Context) error { return nil }

type sinkCall struct {
	op     string
	window extract.Window
	rows   int
}

type fakeSink struct {
	mu          sync.Mutex
	calls       []sinkCall
	schema      *core.Schema
	opts        core.TableOptions
	appendErr   error
	totalRows   int
	initialized bool
}

func (f *fakeSink) Name() string { return "fake_sink" }

func (f *fakeSink) Initialize(ctx context.Context, cfg *config.BaseConfig) error {
	f.initialized = true
	return nil
}

func (f *fakeSink) EnsureTable(ctx context.Context, schema *core.Schema, opts core.TableOptions) error {
	f.schema = schema
	f.opts = opts
	f.calls = append(f.calls, sinkCall{op: "ensure"})
	return nil
}

func (f *fakeSink) DeleteWindow(ctx context.Context, dateColumn string, w extract.Window) error {
	f.calls = append(f.calls, sinkCall{op: "delete", window: w})
	return nil
}

func (f *fakeSink) Append(ctx context.Context, rows []extract.FlatRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		err := f.appendErr
		f.appendErr = nil
		return err
	}
	f.calls = append(f.calls, sinkCall{op: "append", rows: len(rows)})
	f.totalRows += len(rows)
	return nil
}

func (f *fakeSink) Close(ctx context.Context) error { return nil }

func record(campaignID string, clicks float64, date string) core.RawRecord {
	return core.RawRecord{
		"campaign": map[string]interface{}{"id": campaignID},
		"customer": map[string]interface{}{"id": "777"},
		"metrics":  map[string]interface{}{"clicks": clicks},
		"segments": map[string]interface{}{"date": date},
	}
}

func TestRunLoadsRows(t *testing.T) {
	source := &fakeSource{
		accounts: []core.Account{{ID: "acc-1"}},
		pages: map[string][]core.RawRecord{
			"acc-1": {
				record("1", 10, "2026-08-25"),
				record("2", 20, "2026-08-25"),
			},
		},
	}
	sink := &fakeSink{}

	summary, err := New(testConfig(), testSpecs(), source, []core.RowSink{sink},
		WithClock(func() time.Time { return testNow })).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Accounts)
	assert.Zero(t, summary.FailedAccounts)
	assert.Equal(t, 2, summary.Rows)
	assert.Zero(t, summary.Skipped)
	assert.Equal(t, 2, sink.totalRows)

	// is_table entry names the destination table
	assert.Equal(t, "campaign_stats", sink.schema.Name)
	assert.Equal(t, "date", sink.opts.PartitionField)
	assert.Equal(t, []string{"date", "customer_id"}, sink.opts.ClusterFields)

	// delete must precede append
	require.Len(t, sink.calls, 3)
	assert.Equal(t, "ensure", sink.calls[0].op)
	assert.Equal(t, "delete", sink.calls[1].op)
	assert.Equal(t, "append", sink.calls[2].op)
	assert.Equal(t, "2026-08-25", sink.calls[1].window.StartDate())
}

func TestRunClearsWindowOncePerRun(t *testing.T) {
	source := &fakeSource{
		accounts: []core.Account{{ID: "acc-1"}, {ID: "acc-2"}},
		pages: map[string][]core.RawRecord{
			"acc-1": {record("1", 10, "2026-08-25")},
			"acc-2": {record("2", 20, "2026-08-25")},
		},
	}
	sink := &fakeSink{}

	summary, err := New(testConfig(), testSpecs(), source, []core.RowSink{sink},
		WithClock(func() time.Time { return testNow })).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Rows)
	assert.Equal(t, 2, sink.totalRows)

	// the shared window is cleared exactly once, before either account's
	// rows land; a per-account delete would wipe the first account's load
	require.Len(t, sink.calls, 4)
	assert.Equal(t, "ensure", sink.calls[0].op)
	assert.Equal(t, "delete", sink.calls[1].op)
	assert.Equal(t, "append", sink.calls[2].op)
	assert.Equal(t, "append", sink.calls[3].op)
}

func TestRunConcurrentAccounts(t *testing.T) {
	source := &fakeSource{
		accounts: []core.Account{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}},
		pages: map[string][]core.RawRecord{
			"a": {record("1", 1, "2026-08-25")},
			"b": {record("2", 2, "2026-08-25")},
			"c": {record("3", 3, "2026-08-25")},
			"d": {record("4", 4, "2026-08-25")},
		},
	}
	sink := &fakeSink{}

	cfg := testConfig()
	cfg.Performance.MaxConcurrency = 2

	summary, err := New(cfg, testSpecs(), source, []core.RowSink{sink},
		WithClock(func() time.Time { return testNow })).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Rows)
	assert.Equal(t, 4, sink.totalRows)

	// one clearing pass, then the appends in whatever order the workers
	// finish
	require.Len(t, sink.calls, 6)
	assert.Equal(t, "ensure", sink.calls[0].op)
	assert.Equal(t, "delete", sink.calls[1].op)
	for _, call := range sink.calls[2:] {
		assert.Equal(t, "append", call.op)
	}
}

func TestRunPartialSuccess(t *testing.T) {
	source := &fakeSource{
		accounts: []core.Account{{ID: "good"}, {ID: "bad"}},
		pages: map[string][]core.RawRecord{
			"good": {record("1", 1, "2026-08-25")},
		},
		failures: map[string]int{"bad": 10},
	}
	sink := &fakeSink{}

	summary, err := New(testConfig(), testSpecs(), source, []core.RowSink{sink},
		WithClock(func() time.Time { return testNow })).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, summary.FailedAccounts)
	assert.Equal(t, 1, summary.Rows)
}

func TestRunAllAccountsFailed(t *testing.T) {
	source := &fakeSource{
		accounts: []core.Account{{ID: "a"}, {ID: "b"}},
		failures: map[string]int{"a": 10, "b": 10},
	}

	summary, err := New(testConfig(), testSpecs(), source, []core.RowSink{&fakeSink{}},
		WithClock(func() time.Time { return testNow })).Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 2 accounts failed")
	assert.Equal(t, 2, summary.FailedAccounts)
}

func TestRunBatchRetrySucceeds(t *testing.T) {
	source := &fakeSource{
		accounts: []core.Account{{ID: "flaky"}},
		pages: map[string][]core.RawRecord{
			"flaky": {record("1", 1, "2026-08-25")},
		},
		failures: map[string]int{"flaky": 1},
	}
	cfg := testConfig()
	cfg.Reliability.BatchRetryAttempts = 2

	summary, err := New(cfg, testSpecs(), source, []core.RowSink{&fakeSink{}},
		WithClock(func() time.Time { return testNow })).Run(context.Background())

	require.NoError(t, err)
	assert.Zero(t, summary.FailedAccounts)
	assert.Equal(t, 1, summary.Rows)
}

func TestRunSplitsWindowIntoBatches(t *testing.T) {
	source := &fakeSource{
		accounts: []core.Account{{ID: "acc-1"}},
	}
	sink := &fakeSink{}

	cfg := testConfig()
	cfg.Pipeline.Period = ""
	cfg.Pipeline.StartDate = "2026-08-01"
	cfg.Pipeline.EndDate = "2026-08-10"
	cfg.Pipeline.BatchDays = 4

	_, err := New(cfg, testSpecs(), source, []core.RowSink{sink},
		WithClock(func() time.Time { return testNow })).Run(context.Background())
	require.NoError(t, err)

	// 10 days in 4-day batches: 3 fetches, each queried by bounds
	require.Len(t, source.queries, 3)
	assert.Equal(t, "2026-08-01", source.queries[0].Window.StartDate())
	assert.Equal(t, "2026-08-04", source.queries[0].Window.EndDate())
	assert.Equal(t, "2026-08-09", source.queries[2].Window.StartDate())
	assert.Equal(t, "2026-08-10", source.queries[2].Window.EndDate())
	for _, q := range source.queries {
		assert.Empty(t, q.Period)
	}
}

func TestRunRejectsHalfOpenWindow(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.StartDate = "2026-08-01"
	cfg.Pipeline.EndDate = ""

	source := &fakeSource{accounts: []core.Account{{ID: "acc-1"}}}
	_, err := New(cfg, testSpecs(), source, []core.RowSink{&fakeSink{}},
		WithClock(func() time.Time { return testNow })).Run(context.Background())

	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestRunMultiplePeriods(t *testing.T) {
	source := &fakeSource{accounts: []core.Account{{ID: "acc-1"}}}

	cfg := testConfig()
	cfg.Pipeline.Period = "YESTERDAY,LAST_7_DAYS"

	_, err := New(cfg, testSpecs(), source, []core.RowSink{&fakeSink{}},
		WithClock(func() time.Time { return testNow })).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, source.queries, 2)
	assert.Equal(t, "YESTERDAY", source.queries[0].Period)
	assert.Equal(t, "LAST_7_DAYS", source.queries[1].Period)
}
