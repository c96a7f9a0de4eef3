package googleads

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/adlake/adlake/pkg/extract"
)

func TestRenderGAQL(t *testing.T) {
	tests := []struct {
		name string
		q    *extract.Query
		want string
	}{
		{
			name: "period query",
			q: &extract.Query{
				Resource:  "campaign",
				Fields:    []string{"campaign.id", "metrics.clicks", "segments.date"},
				DateField: "segments.date",
				Period:    "LAST_7_DAYS",
				PageSize:  1000,
			},
			want: "SELECT campaign.id, metrics.clicks, segments.date " +
				"FROM campaign " +
				"WHERE segments.date DURING LAST_7_DAYS " +
				"ORDER BY segments.date ASC " +
				"LIMIT 1000",
		},
		{
			name: "window query with filter",
			q: &extract.Query{
				Resource:  "ad_group",
				Fields:    []string{"ad_group.id", "segments.date"},
				DateField: "segments.date",
				Window: extract.Window{
					Start: date(t, "2026-08-01"),
					End:   date(t, "2026-08-07"),
				},
				Filters: []extract.Filter{
					{Path: "campaign.status", Op: "!=", Value: "REMOVED"},
				},
				PageSize: 500,
			},
			want: "SELECT ad_group.id, segments.date " +
				"FROM ad_group " +
				"WHERE segments.date BETWEEN '2026-08-01' AND '2026-08-07' " +
				"AND campaign.status != 'REMOVED' " +
				"ORDER BY segments.date ASC " +
				"LIMIT 500",
		},
		{
			name: "no date field",
			q: &extract.Query{
				Resource: "customer",
				Fields:   []string{"customer.id"},
				Filters: []extract.Filter{
					{Path: "customer.status", Op: "=", Value: "ENABLED"},
				},
			},
			want: "SELECT customer.id FROM customer WHERE customer.status = 'ENABLED'",
		},
		{
			name: "lowercase period is uppercased",
			q: &extract.Query{
				Resource:  "campaign",
				Fields:    []string{"segments.date"},
				DateField: "segments.date",
				Period:    "yesterday",
			},
			want: "SELECT segments.date FROM campaign " +
				"WHERE segments.date DURING YESTERDAY " +
				"ORDER BY segments.date ASC",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RenderGAQL(tt.q))
		})
	}
}

func TestRenderGAQLDeterministic(t *testing.T) {
	q := &extract.Query{
		Resource:  "campaign",
		Fields:    []string{"campaign.id", "metrics.cost_micros", "segments.date"},
		DateField: "segments.date",
		Period:    "LAST_30_DAYS",
		PageSize:  1000,
	}

	first := RenderGAQL(q)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, RenderGAQL(q))
	}
}
