package extract

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixed clock: Wednesday 2026-08-26
var testNow = time.Date(2026, 8, 26, 14, 30, 0, 0, time.UTC)

func TestResolvePeriod(t *testing.T) {
	tests := []struct {
		token string
		start string
		end   string
	}{
		{"TODAY", "2026-08-26", "2026-08-26"},
		{"YESTERDAY", "2026-08-25", "2026-08-25"},
		{"LAST_7_DAYS", "2026-08-19", "2026-08-25"},
		{"LAST_30_DAYS", "2026-07-27", "2026-08-25"},
		{"THIS_WEEK_SUN_TODAY", "2026-08-23", "2026-08-26"},
		{"THIS_WEEK_MON_TODAY", "2026-08-24", "2026-08-26"},
		{"LAST_WEEK", "2026-08-17", "2026-08-23"},
		{"LAST_BUSINESS_WEEK", "2026-08-17", "2026-08-21"},
		{"LAST_MONTH", "2026-07-01", "2026-07-31"},
		{"yesterday", "2026-08-25", "2026-08-25"},
	}

	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			w, err := ResolvePeriod(tt.token, testNow)
			require.NoError(t, err)
			assert.Equal(t, tt.start, w.StartDate())
			assert.Equal(t, tt.end, w.EndDate())
		})
	}
}

func TestResolvePeriodUnknown(t *testing.T) {
	_, err := ResolvePeriod("LAST_FORTNIGHT", testNow)
	assert.Error(t, err)

	_, err = ResolvePeriod("LAST_0_DAYS", testNow)
	assert.Error(t, err)
}

func TestNewWindow(t *testing.T) {
	w, err := NewWindow("2026-01-01", "2026-01-31")
	require.NoError(t, err)
	assert.Equal(t, 31, w.Days())

	_, err = NewWindow("2026-01-31", "2026-01-01")
	assert.Error(t, err)

	_, err = NewWindow("01/01/2026", "2026-01-31")
	assert.Error(t, err)
}

func TestBatches(t *testing.T) {
	w, err := NewWindow("2026-01-01", "2026-01-10")
	require.NoError(t, err)

	batches := w.Batches(4)
	require.Len(t, batches, 3)
	assert.Equal(t, "2026-01-01", batches[0].StartDate())
	assert.Equal(t, "2026-01-04", batches[0].EndDate())
	assert.Equal(t, "2026-01-05", batches[1].StartDate())
	assert.Equal(t, "2026-01-08", batches[1].EndDate())
	assert.Equal(t, "2026-01-09", batches[2].StartDate())
	assert.Equal(t, "2026-01-10", batches[2].EndDate())

	assert.Len(t, w.Batches(0), 1)
	assert.Len(t, w.Batches(30), 1)
}

func TestSplitPeriods(t *testing.T) {
	assert.Equal(t, []string{"LAST_7_DAYS", "LAST_MONTH"}, SplitPeriods("LAST_7_DAYS, LAST_MONTH"))
	assert.Empty(t, SplitPeriods(""))
	assert.Empty(t, SplitPeriods(" , "))
}
