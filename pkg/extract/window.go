// Package extract implements the declarative extraction core: building
// outbound query descriptors from a column specification set, resolving
// reporting windows, flattening nested API responses into typed rows, and
// coercing values to their destination types.
package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/adlake/adlake/pkg/errors"
)

// DateLayout is the wire format for window bounds.
const DateLayout = "2006-01-02"

// Window is an inclusive [Start, End] date range.
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow builds a window from YYYY-MM-DD bounds.
func NewWindow(start, end string) (Window, error) {
	s, err := time.Parse(DateLayout, start)
	if err != nil {
		return Window{}, errors.Wrapf(err, errors.ErrorTypeConfig, "invalid start date %q", start)
	}
	e, err := time.Parse(DateLayout, end)
	if err != nil {
		return Window{}, errors.Wrapf(err, errors.ErrorTypeConfig, "invalid end date %q", end)
	}
	if e.Before(s) {
		return Window{}, errors.Newf(errors.ErrorTypeConfig, "end date %s before start date %s", end, start)
	}
	return Window{Start: s, End: e}, nil
}

// StartDate returns the start bound as YYYY-MM-DD.
func (w Window) StartDate() string { return w.Start.Format(DateLayout) }

// EndDate returns the end bound as YYYY-MM-DD.
func (w Window) EndDate() string { return w.End.Format(DateLayout) }

// IsZero reports whether the window is unset.
func (w Window) IsZero() bool { return w.Start.IsZero() && w.End.IsZero() }

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s]", w.StartDate(), w.EndDate())
}

// Days returns the inclusive day count of the window.
func (w Window) Days() int {
	return int(w.End.Sub(w.Start).Hours()/24) + 1
}

// Batches splits the window into consecutive sub-windows of at most days
// days each, oldest first. days <= 0 returns the window unsplit.
func (w Window) Batches(days int) []Window {
	if days <= 0 || w.Days() <= days {
		return []Window{w}
	}

	var out []Window
	start := w.Start
	for !start.After(w.End) {
		end := start.AddDate(0, 0, days-1)
		if end.After(w.End) {
			end = w.End
		}
		out = append(out, Window{Start: start, End: end})
		start = end.AddDate(0, 0, 1)
	}
	return out
}

var lastNDaysRe = regexp.MustCompile(`^LAST_(\d+)_DAYS$`)

// ResolvePeriod converts a named relative-period token into concrete date
// bounds relative to now. Recognized tokens follow the reporting APIs'
// conventions: TODAY, YESTERDAY, LAST_N_DAYS, THIS_WEEK_SUN_TODAY,
// THIS_WEEK_MON_TODAY, LAST_WEEK, LAST_BUSINESS_WEEK, LAST_MONTH.
func ResolvePeriod(token string, now time.Time) (Window, error) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	yesterday := today.AddDate(0, 0, -1)
	token = strings.ToUpper(strings.TrimSpace(token))

	if m := lastNDaysRe.FindStringSubmatch(token); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return Window{}, errors.Newf(errors.ErrorTypeConfig, "invalid relative period %q", token)
		}
		return Window{Start: today.AddDate(0, 0, -n), End: yesterday}, nil
	}

	switch token {
	case "TODAY":
		return Window{Start: today, End: today}, nil
	case "YESTERDAY":
		return Window{Start: yesterday, End: yesterday}, nil
	case "THIS_WEEK_SUN_TODAY":
		start := today.AddDate(0, 0, -int(today.Weekday()))
		return Window{Start: start, End: today}, nil
	case "THIS_WEEK_MON_TODAY":
		offset := (int(today.Weekday()) + 6) % 7
		return Window{Start: today.AddDate(0, 0, -offset), End: today}, nil
	case "LAST_WEEK":
		offset := (int(today.Weekday()) + 6) % 7
		thisMonday := today.AddDate(0, 0, -offset)
		return Window{Start: thisMonday.AddDate(0, 0, -7), End: thisMonday.AddDate(0, 0, -1)}, nil
	case "LAST_BUSINESS_WEEK":
		offset := (int(today.Weekday()) + 6) % 7
		thisMonday := today.AddDate(0, 0, -offset)
		return Window{Start: thisMonday.AddDate(0, 0, -7), End: thisMonday.AddDate(0, 0, -3)}, nil
	case "LAST_MONTH":
		firstOfThis := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC)
		return Window{Start: firstOfThis.AddDate(0, -1, 0), End: firstOfThis.AddDate(0, 0, -1)}, nil
	default:
		return Window{}, errors.Newf(errors.ErrorTypeConfig, "unknown relative period %q", token)
	}
}

// SplitPeriods splits a comma-separated relative-period token list,
// trimming whitespace and dropping empty entries.
func SplitPeriods(list string) []string {
	parts := strings.Split(list, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
