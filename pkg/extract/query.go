package extract

import (
	"fmt"
	"time"

	"github.com/adlake/adlake/pkg/colspec"
	"github.com/adlake/adlake/pkg/errors"
)

// Filter is one predicate of the outbound query, AND-joined with the date
// window and every other filter.
type Filter struct {
	Path  string
	Op    string
	Value string
}

func (f Filter) String() string {
	return fmt.Sprintf("%s %s '%s'", f.Path, f.Op, f.Value)
}

// Query is a source-neutral request descriptor built from a column
// specification set. Source drivers render it into their native dialect
// (GAQL, Graph API field strings, Xero where clauses).
type Query struct {
	// Resource is the root collection/report to query.
	Resource string
	// Fields is the deduplicated field-path selection, first-seen order.
	Fields []string
	// DateField is the source path driving the time-window predicate;
	// empty when the spec set has no date-range column.
	DateField string
	// Period is the relative-period token, when one was supplied.
	Period string
	// Window is the concrete date range.
	Window Window
	// Filters are AND-joined predicates.
	Filters []Filter
	// Breakdowns lists breakdown fields requested separately from the
	// field selection.
	Breakdowns []string
	// PageSize is the per-request row limit.
	PageSize int
}

// DefaultResource is used when no is_table entry names the root collection.
const DefaultResource = "campaign"

// BuildQuery produces the request descriptor for one window. Pure and
// deterministic: identical inputs yield identical output.
func BuildQuery(specs []colspec.ColumnSpec, window Window, period string, pageSize int) (*Query, error) {
	q := &Query{
		Resource: colspec.TableName(specs, DefaultResource),
		Period:   period,
		Window:   window,
		PageSize: pageSize,
	}

	seen := make(map[string]struct{}, len(specs))
	addField := func(path string) {
		if path == "" {
			return
		}
		if _, dup := seen[path]; dup {
			return
		}
		seen[path] = struct{}{}
		q.Fields = append(q.Fields, path)
	}

	for i := range specs {
		col := &specs[i]

		if col.IsTable || col.AutoGenerate {
			continue
		}

		if col.IsBreakdown {
			q.Breakdowns = append(q.Breakdowns, col.SourceField)
			continue
		}

		if col.IsDateRange {
			if col.SourceField == "" {
				return nil, errors.Newf(errors.ErrorTypeConfig,
					"date range column %q requires source_field", col.Name)
			}
			q.DateField = col.SourceField
		}

		addField(col.SourceField)

		if col.HasFilter() {
			q.Filters = append(q.Filters, Filter{
				Path:  col.SourceField,
				Op:    col.FilterType,
				Value: col.FilterValue,
			})
		}
	}

	return q, nil
}

// BuildQueries expands a comma-separated relative-period token list into one
// query per token, each with its own resolved window. An empty list yields a
// single query over the supplied absolute window.
func BuildQueries(specs []colspec.ColumnSpec, periods string, window Window, now time.Time, pageSize int) ([]*Query, error) {
	tokens := SplitPeriods(periods)
	if len(tokens) == 0 {
		q, err := BuildQuery(specs, window, "", pageSize)
		if err != nil {
			return nil, err
		}
		return []*Query{q}, nil
	}

	out := make([]*Query, 0, len(tokens))
	for _, token := range tokens {
		w, err := ResolvePeriod(token, now)
		if err != nil {
			return nil, err
		}
		q, err := BuildQuery(specs, w, token, pageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}
