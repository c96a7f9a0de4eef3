package googleads

import (
	"strconv"
	"strings"

	"github.com/adlake/adlake/pkg/extract"
)

// RenderGAQL turns a neutral query descriptor into the Google Ads Query
// Language. Deterministic: the same descriptor always renders the same
// text.
//
//	SELECT campaign.id, metrics.clicks, segments.date
//	FROM campaign
//	WHERE segments.date DURING LAST_7_DAYS
//	AND campaign.status != 'REMOVED'
//	ORDER BY segments.date ASC
//	LIMIT 1000
func RenderGAQL(q *extract.Query) string {
	var b strings.Builder

	b.WriteString("SELECT ")
	b.WriteString(strings.Join(q.Fields, ", "))
	b.WriteString(" FROM ")
	b.WriteString(q.Resource)

	if q.DateField != "" {
		b.WriteString(" WHERE ")
		b.WriteString(q.DateField)
		if q.Period != "" {
			b.WriteString(" DURING ")
			b.WriteString(strings.ToUpper(q.Period))
		} else {
			b.WriteString(" BETWEEN '")
			b.WriteString(q.Window.StartDate())
			b.WriteString("' AND '")
			b.WriteString(q.Window.EndDate())
			b.WriteString("'")
		}
		for _, f := range q.Filters {
			b.WriteString(" AND ")
			b.WriteString(f.String())
		}
	} else if len(q.Filters) > 0 {
		b.WriteString(" WHERE ")
		clauses := make([]string, 0, len(q.Filters))
		for _, f := range q.Filters {
			clauses = append(clauses, f.String())
		}
		b.WriteString(strings.Join(clauses, " AND "))
	}

	if q.DateField != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(q.DateField)
		b.WriteString(" ASC")
	}

	if q.PageSize > 0 {
		b.WriteString(" LIMIT ")
		b.WriteString(strconv.Itoa(q.PageSize))
	}

	return b.String()
}
