// Package colspec defines the declarative column mapping that drives both
// outbound query construction and response flattening. A pipeline is
// configured with a JSON array of column definitions; each entry names one
// destination column, its type, and how to populate it from the source API's
// nested JSON.
package colspec

import (
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/adlake/adlake/pkg/errors"
	"github.com/adlake/adlake/pkg/json"
	"github.com/adlake/adlake/pkg/logger"
)

// Type is a destination column type.
type Type string

const (
	TypeInteger   Type = "INTEGER"
	TypeFloat     Type = "FLOAT"
	TypeString    Type = "STRING"
	TypeBoolean   Type = "BOOLEAN"
	TypeDate      Type = "DATE"
	TypeTimestamp Type = "TIMESTAMP"
)

// ProcessedAtColumn is the implicit audit column appended to every
// destination table.
const ProcessedAtColumn = "processed_at"

// typeAliases maps source-config spellings onto the closed type set.
var typeAliases = map[string]Type{
	"INTEGER":   TypeInteger,
	"INT64":     TypeInteger,
	"INT":       TypeInteger,
	"FLOAT":     TypeFloat,
	"FLOAT64":   TypeFloat,
	"NUMERIC":   TypeFloat,
	"STRING":    TypeString,
	"BOOLEAN":   TypeBoolean,
	"BOOL":      TypeBoolean,
	"DATE":      TypeDate,
	"TIMESTAMP": TypeTimestamp,
}

// ColumnSpec describes one destination column and how to populate it.
type ColumnSpec struct {
	// Name is the unique destination column identifier.
	Name string `json:"name"`
	// Type is the destination type (closed set, aliases normalized on parse).
	Type Type `json:"type"`
	// SourceField is the dotted path into the source JSON object. Absent
	// for auto-generated and table entries.
	SourceField string `json:"source_field,omitempty"`

	// IsTable marks a pseudo-column naming the source API's root
	// collection rather than a destination field.
	IsTable bool `json:"is_table,omitempty"`
	// IsDateRange marks the column driving the query time window and the
	// destination partition key. At most one per spec set.
	IsDateRange bool `json:"is_date_range,omitempty"`
	// AutoGenerate marks a column computed by the pipeline itself.
	AutoGenerate bool `json:"auto_generate,omitempty"`

	// IsNested selects a value from an array-of-objects discriminated by
	// an action_type field.
	IsNested bool `json:"is_nested,omitempty"`
	// ActionFilter is the discriminator value matched when IsNested is set.
	ActionFilter string `json:"action_filter,omitempty"`
	// ValueSource overrides the array the matched value is read from
	// (e.g. "action_values" when value and discriminator live in parallel
	// arrays).
	ValueSource string `json:"is_value_from,omitempty"`

	// DeepNested enables wildcard-path extraction from nested arrays.
	DeepNested bool `json:"deep_nested,omitempty"`
	// PathToValue is the wildcard path, "*" marking the array boundary
	// (e.g. "activities.data.*.actor_name").
	PathToValue string `json:"path_to_value,omitempty"`
	// ArrayAll joins every element's value with JoinDelimiter instead of
	// taking the first.
	ArrayAll bool `json:"array_all,omitempty"`
	// ArrayIndex selects a specific element when set.
	ArrayIndex *int `json:"array_index,omitempty"`
	// JoinDelimiter separates joined values when ArrayAll is set.
	JoinDelimiter string `json:"join_delimiter,omitempty"`

	// Explode produces one output row per element of the named nested
	// array, replicating every other column.
	Explode bool `json:"explode,omitempty"`
	// IsBreakdown adds the field to the request's breakdowns parameter
	// instead of the field selection (Meta insights).
	IsBreakdown bool `json:"is_breakdown,omitempty"`

	// Filtered ("true") injects a predicate into the outbound query.
	Filtered    string `json:"filtered,omitempty"`
	FilterType  string `json:"filter_type,omitempty"`
	FilterValue string `json:"filter_value,omitempty"`

	// Transform names a registered value-rewriting function applied after
	// extraction, before coercion.
	Transform string `json:"transform,omitempty"`
}

// IsFiltered reports whether the column injects a query filter.
func (c *ColumnSpec) IsFiltered() bool {
	return strings.EqualFold(c.Filtered, "true")
}

// HasFilter reports whether the filter is complete enough to render.
func (c *ColumnSpec) HasFilter() bool {
	return c.IsFiltered() && c.FilterType != "" && c.FilterValue != ""
}

// ParseSpecs parses a JSON column-definition array and normalizes type
// aliases. The result is not yet validated; call ValidateSpecs before use.
func ParseSpecs(data []byte) ([]ColumnSpec, error) {
	var specs []ColumnSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse column definitions")
	}

	for i := range specs {
		raw := strings.ToUpper(strings.TrimSpace(string(specs[i].Type)))
		if t, ok := typeAliases[raw]; ok {
			specs[i].Type = t
		} else {
			specs[i].Type = Type(raw)
		}
	}

	return specs, nil
}

// ParseSpecsFile reads and parses a column-definition file.
func ParseSpecsFile(path string) ([]ColumnSpec, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is caller-controlled
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read column definitions file").
			WithDetail("path", path)
	}
	return ParseSpecs(data)
}

// ValidateSpecs checks the structural invariants of a spec set. Structural
// problems are configuration errors and fatal at startup; an incomplete
// filter is logged and the filter omitted.
func ValidateSpecs(specs []ColumnSpec) error {
	if len(specs) == 0 {
		return errors.New(errors.ErrorTypeConfig, "column definitions are empty")
	}

	log := logger.Get()
	seen := make(map[string]struct{}, len(specs))
	dateRangeCount := 0

	for i := range specs {
		col := &specs[i]

		if col.Name == "" {
			return errors.Newf(errors.ErrorTypeConfig, "column %d has no name", i)
		}
		if _, dup := seen[col.Name]; dup {
			return errors.Newf(errors.ErrorTypeConfig, "duplicate column name %q", col.Name)
		}
		seen[col.Name] = struct{}{}

		if !col.IsTable {
			switch col.Type {
			case TypeInteger, TypeFloat, TypeString, TypeBoolean, TypeDate, TypeTimestamp:
			default:
				return errors.Newf(errors.ErrorTypeConfig, "column %q has unknown type %q", col.Name, col.Type)
			}
		}

		if !col.AutoGenerate && !col.IsTable && !col.IsDateRange {
			if col.SourceField == "" && !(col.DeepNested && col.PathToValue != "") {
				return errors.Newf(errors.ErrorTypeConfig, "column %q requires source_field", col.Name)
			}
		}

		if col.IsDateRange {
			dateRangeCount++
		}

		if col.DeepNested && col.PathToValue == "" {
			return errors.Newf(errors.ErrorTypeConfig, "column %q is deep_nested but has no path_to_value", col.Name)
		}

		if col.Transform != "" {
			if _, ok := LookupTransform(col.Transform); !ok {
				return errors.Newf(errors.ErrorTypeConfig, "column %q names unknown transform %q", col.Name, col.Transform)
			}
		}

		if col.IsFiltered() {
			if col.FilterType == "" {
				log.Warn("column has filtered=true but missing filter_type; filter omitted",
					zap.String("column", col.Name))
			}
			if col.FilterValue == "" {
				log.Warn("column has filtered=true but missing filter_value; filter omitted",
					zap.String("column", col.Name))
			}
		}
	}

	if dateRangeCount > 1 {
		return errors.Newf(errors.ErrorTypeConfig, "%d columns marked is_date_range, at most one allowed", dateRangeCount)
	}

	return nil
}

// Columns returns the stable destination column list: every non-table entry
// in order, with the implicit processed_at audit column appended when absent.
func Columns(specs []ColumnSpec) []ColumnSpec {
	out := make([]ColumnSpec, 0, len(specs)+1)
	hasProcessedAt := false

	for _, col := range specs {
		if col.IsTable {
			continue
		}
		if col.Name == ProcessedAtColumn {
			hasProcessedAt = true
		}
		out = append(out, col)
	}

	if !hasProcessedAt {
		out = append(out, ColumnSpec{
			Name:         ProcessedAtColumn,
			Type:         TypeTimestamp,
			AutoGenerate: true,
		})
	}

	return out
}

// DateRangeColumn returns the column marked is_date_range, if any.
func DateRangeColumn(specs []ColumnSpec) (*ColumnSpec, bool) {
	for i := range specs {
		if specs[i].IsDateRange {
			return &specs[i], true
		}
	}
	return nil, false
}

// TableName returns the first is_table entry's name, or def when none is
// present.
func TableName(specs []ColumnSpec, def string) string {
	for i := range specs {
		if specs[i].IsTable && specs[i].Name != "" {
			return specs[i].Name
		}
	}
	return def
}
