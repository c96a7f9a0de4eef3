package metaads

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/adlake/adlake/pkg/colspec"
	"github.com/adlake/adlake/pkg/extract"
)

func TestBuildFieldString(t *testing.T) {
	cols := []colspec.ColumnSpec{
		{Name: "campaign_id", Type: colspec.TypeString, SourceField: "campaign_id"},
		{Name: "spend", Type: colspec.TypeFloat, SourceField: "spend"},
		{Name: "purchases", Type: colspec.TypeInteger, SourceField: "actions", IsNested: true, ActionFilter: "purchase"},
		{Name: "actor_id", Type: colspec.TypeString, DeepNested: true, PathToValue: "activities.*.actor_id"},
		{Name: "actor_name", Type: colspec.TypeString, DeepNested: true, PathToValue: "activities.*.actor_name"},
		{Name: "device", Type: colspec.TypeString, SourceField: "device_platform", IsBreakdown: true},
		{Name: "processed_at", Type: colspec.TypeTimestamp, AutoGenerate: true},
	}

	got := BuildFieldString(cols)
	assert.Equal(t, "campaign_id,spend,actions,activities{actor_id,actor_name}", got)
}

func TestBuildFieldStringDedupes(t *testing.T) {
	cols := []colspec.ColumnSpec{
		{Name: "purchases", SourceField: "actions", IsNested: true, ActionFilter: "purchase"},
		{Name: "leads", SourceField: "actions", IsNested: true, ActionFilter: "lead"},
		{Name: "spend", SourceField: "spend"},
	}

	assert.Equal(t, "actions,spend", BuildFieldString(cols))
}

func TestBuildFieldStringValueSource(t *testing.T) {
	cols := []colspec.ColumnSpec{
		{Name: "purchase_value", SourceField: "actions", IsNested: true,
			ActionFilter: "purchase", ValueSource: "action_values"},
	}

	assert.Equal(t, "action_values", BuildFieldString(cols))
}

func TestBuildParamsInsights(t *testing.T) {
	q := &extract.Query{
		Resource: "insights",
		Window: extract.Window{
			Start: mustDate(t, "2026-08-01"),
			End:   mustDate(t, "2026-08-07"),
		},
		Breakdowns: []string{"device_platform", "publisher_platform"},
	}
	cols := []colspec.ColumnSpec{{Name: "spend", SourceField: "spend"}}

	params := BuildParams(q, cols, 500)

	assert.Equal(t, "spend", params.Get("fields"))
	assert.Equal(t, "2026-08-01", params.Get("time_range[since]"))
	assert.Equal(t, "2026-08-07", params.Get("time_range[until]"))
	assert.Equal(t, "device_platform,publisher_platform", params.Get("breakdowns"))
	assert.Equal(t, "ad", params.Get("level"))
	assert.Equal(t, "1", params.Get("time_increment"))
	assert.Equal(t, "500", params.Get("limit"))
}

func TestBuildParamsNonInsights(t *testing.T) {
	q := &extract.Query{Resource: "campaigns"}
	cols := []colspec.ColumnSpec{{Name: "name", SourceField: "name"}}

	params := BuildParams(q, cols, 0)

	assert.Empty(t, params.Get("level"))
	assert.Empty(t, params.Get("time_increment"))
	assert.Empty(t, params.Get("limit"))
	assert.Empty(t, params.Get("time_range[since]"))
}

func TestReduceLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{2000, 1700},
		{1001, 701},
		{1000, 800},
		{501, 301},
		{500, 400},
		{201, 101},
		{200, 150},
		{101, 51},
		{100, 90},
		{15, 10},
		{10, 10},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ReduceLimit(tt.in), "ReduceLimit(%d)", tt.in)
	}
}

func TestActPath(t *testing.T) {
	assert.Equal(t, "act_123", actPath("123"))
	assert.Equal(t, "act_123", actPath("act_123"))
}
