// Package metrics provides Prometheus observability for adlake pipelines:
// extraction counters, API call tracking, and request latency histograms.
//
// Metrics are registered with promauto at package init and shared across
// drivers. The optional scrape endpoint is started from the CLI:
//
//	metrics.Serve(":9090")
//	metrics.RecordsExtracted.WithLabelValues("google_ads", "campaign_stats").Add(500)
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RecordsExtracted counts records successfully flattened into rows.
	// Labels: source (driver name), table (destination table).
	RecordsExtracted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adlake_records_extracted_total",
			Help: "Total number of records extracted into flat rows",
		},
		[]string{"source", "table"},
	)

	// RecordsSkipped counts records dropped by the extraction failure policy.
	// Labels: source, table, reason (extract_error/coerce_default).
	RecordsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adlake_records_skipped_total",
			Help: "Total number of records skipped during extraction",
		},
		[]string{"source", "table", "reason"},
	)

	// APIRequests counts outbound API calls.
	// Labels: source, endpoint, status (success/error/retry).
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adlake_api_requests_total",
			Help: "Total number of outbound API requests",
		},
		[]string{"source", "endpoint", "status"},
	)

	// RequestLatency tracks outbound request latency.
	// Labels: source, endpoint.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adlake_request_latency_seconds",
			Help:    "Outbound API request latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"source", "endpoint"},
	)

	// RowsWritten counts rows appended to the destination.
	// Labels: destination, table.
	RowsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adlake_rows_written_total",
			Help: "Total number of rows written to the destination",
		},
		[]string{"destination", "table"},
	)

	// AccountsProcessed counts per-account outcomes of a run.
	// Labels: source, status (success/failure).
	AccountsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adlake_accounts_processed_total",
			Help: "Total number of accounts processed per run",
		},
		[]string{"source", "status"},
	)

	// RunDuration tracks end-to-end pipeline run duration.
	// Labels: source, table.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adlake_run_duration_seconds",
			Help:    "Pipeline run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"source", "table"},
	)
)

// Timer measures an operation's duration.
type Timer struct {
	start time.Time
}

// NewTimer starts timing immediately.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed time since creation.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ObserveSeconds records the elapsed time on a histogram.
func (t *Timer) ObserveSeconds(h prometheus.Observer) time.Duration {
	d := time.Since(t.start)
	h.Observe(d.Seconds())
	return d
}

// Serve exposes the /metrics scrape endpoint on addr in a background
// goroutine. Errors after startup are reported on the returned channel.
func Serve(addr string) <-chan error {
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		errCh <- http.ListenAndServe(addr, mux)
	}()

	return errCh
}
