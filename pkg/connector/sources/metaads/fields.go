// Package metaads implements the Meta Marketing API source. Queries are
// rendered into Graph API field strings, pages are followed through
// paging.next URLs, and oversized responses trigger an adaptive page-limit
// reduction.
package metaads

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/adlake/adlake/pkg/colspec"
	"github.com/adlake/adlake/pkg/extract"
)

// BuildFieldString renders the Graph API fields parameter from a column set.
// Deep-nested columns contribute their edge with brace-enclosed children
// (activities{actor_id,actor_name}); nested and explode columns contribute
// their edge name; everything else contributes its top-level field.
// Deterministic first-seen ordering.
func BuildFieldString(cols []colspec.ColumnSpec) string {
	var order []string
	children := make(map[string][]string)
	seen := make(map[string]struct{})
	childSeen := make(map[string]struct{})

	add := func(field string) {
		if field == "" {
			return
		}
		if _, dup := seen[field]; dup {
			return
		}
		seen[field] = struct{}{}
		order = append(order, field)
	}
	addChild := func(edge, child string) {
		add(edge)
		if child == "" {
			return
		}
		key := edge + "{" + child
		if _, dup := childSeen[key]; dup {
			return
		}
		childSeen[key] = struct{}{}
		children[edge] = append(children[edge], child)
	}

	for i := range cols {
		col := &cols[i]
		if col.IsTable || col.AutoGenerate || col.IsBreakdown {
			continue
		}

		if col.DeepNested && col.PathToValue != "" {
			edge, child := splitWildcardPath(col.PathToValue)
			addChild(edge, child)
			continue
		}

		if col.IsNested {
			if col.ActionFilter != "" {
				edge := "actions"
				if col.ValueSource != "" {
					edge = col.ValueSource
				}
				add(edge)
				continue
			}
			add(firstSegment(col.SourceField))
			continue
		}

		add(firstSegment(col.SourceField))
	}

	parts := make([]string, 0, len(order))
	for _, field := range order {
		if kids := children[field]; len(kids) > 0 {
			parts = append(parts, field+"{"+strings.Join(kids, ",")+"}")
			continue
		}
		parts = append(parts, field)
	}
	return strings.Join(parts, ",")
}

// splitWildcardPath separates a wildcard path into its edge and the first
// child segment after the wildcard: activities.*.actor_id -> activities,
// actor_id.
func splitWildcardPath(path string) (edge, child string) {
	segments := strings.Split(path, ".")
	edge = segments[0]
	for i, seg := range segments {
		if seg == extract.Wildcard && i+1 < len(segments) {
			child = segments[i+1]
			return edge, child
		}
	}
	if len(segments) > 1 {
		child = segments[len(segments)-1]
	}
	return edge, child
}

func firstSegment(path string) string {
	if idx := strings.IndexByte(path, '.'); idx > 0 {
		return path[:idx]
	}
	return path
}

// BuildParams renders the full Graph API query parameters for one request.
// Insights endpoints additionally carry ad-level granularity with daily
// time increments.
func BuildParams(q *extract.Query, cols []colspec.ColumnSpec, limit int) url.Values {
	params := url.Values{}
	params.Set("fields", BuildFieldString(cols))

	if !q.Window.IsZero() {
		params.Set("time_range[since]", q.Window.StartDate())
		params.Set("time_range[until]", q.Window.EndDate())
	}

	if len(q.Breakdowns) > 0 {
		params.Set("breakdowns", strings.Join(q.Breakdowns, ","))
	}

	if strings.Contains(q.Resource, "insights") {
		params.Set("level", "ad")
		params.Set("time_increment", "1")
	}

	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	return params
}

// MinPageLimit is the floor of the adaptive limit-reduction schedule.
const MinPageLimit = 10

// ReduceLimit steps a page limit down after the API rejects a response as
// too large. Bigger limits shrink in bigger steps.
func ReduceLimit(limit int) int {
	switch {
	case limit > 1000:
		limit -= 300
	case limit > 500:
		limit -= 200
	case limit > 200:
		limit -= 100
	case limit > 100:
		limit -= 50
	default:
		limit -= 10
	}
	if limit < MinPageLimit {
		return MinPageLimit
	}
	return limit
}

// actPath prefixes an ad account id for node addressing when the configured
// id omits it.
func actPath(accountID string) string {
	if strings.HasPrefix(accountID, "act_") {
		return accountID
	}
	return fmt.Sprintf("act_%s", accountID)
}
