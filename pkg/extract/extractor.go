package extract

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/adlake/adlake/pkg/colspec"
	"github.com/adlake/adlake/pkg/errors"
	"github.com/adlake/adlake/pkg/logger"
)

// Wildcard marks the array boundary inside a deep-nested path.
const Wildcard = "*"

// FlatRow is one fully resolved output row, keyed by destination column
// name. Column order is defined by the spec set, not the map.
type FlatRow map[string]interface{}

// Option configures an Extractor.
type Option func(*Extractor)

// WithCamelCasePaths enables per-segment snake_case to camelCase fallback
// during path traversal, matching APIs that return camelCase responses for
// snake_case field selections.
func WithCamelCasePaths() Option {
	return func(e *Extractor) { e.normalizePaths = true }
}

// WithClock overrides the processed-at clock.
func WithClock(now func() time.Time) Option {
	return func(e *Extractor) { e.now = now }
}

// Extractor flattens raw API records into typed rows according to a column
// specification set. Stateless after construction and safe for concurrent
// use.
type Extractor struct {
	columns        []colspec.ColumnSpec
	normalizePaths bool
	now            func() time.Time
	logger         *zap.Logger
}

// NewExtractor builds an extractor over a validated spec set.
func NewExtractor(specs []colspec.ColumnSpec, opts ...Option) *Extractor {
	e := &Extractor{
		columns: colspec.Columns(specs),
		now:     time.Now,
		logger:  logger.Get(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Columns returns the destination column list in output order.
func (e *Extractor) Columns() []colspec.ColumnSpec {
	return e.columns
}

// Extract produces one or more flat rows from a raw record. One row is
// produced unless an explode column multiplies the record across a nested
// array. Missing paths yield type defaults, never errors; the returned
// error only reports a record too malformed to process at all.
func (e *Extractor) Extract(record map[string]interface{}) (rows []FlatRow, err error) {
	defer func() {
		if r := recover(); r != nil {
			rows = nil
			err = errors.Newf(errors.ErrorTypeData, "record extraction panicked: %v", r)
		}
	}()

	if record == nil {
		return nil, errors.New(errors.ErrorTypeData, "nil record")
	}

	elements, explodePrefix := e.explodeElements(record)
	if elements == nil {
		row := e.extractRow(record, nil, "")
		return []FlatRow{row}, nil
	}

	rows = make([]FlatRow, 0, len(elements))
	for _, el := range elements {
		rows = append(rows, e.extractRow(record, el, explodePrefix))
	}
	return rows, nil
}

// ExtractAll applies Extract across a page of records, skipping records
// that fail with a logged warning. Returns the rows and the skip count.
func (e *Extractor) ExtractAll(records []map[string]interface{}) ([]FlatRow, int) {
	rows := make([]FlatRow, 0, len(records))
	skipped := 0

	for _, rec := range records {
		out, err := e.Extract(rec)
		if err != nil {
			skipped++
			e.logger.Warn("skipping record", zap.Error(err))
			continue
		}
		rows = append(rows, out...)
	}

	return rows, skipped
}

// explodeElements locates the explode array, if any column requests row
// multiplication. It returns the array elements and the path prefix that
// resolved to the array; explode columns re-resolve their suffix against
// each element. A missing or empty array yields a single defaulted row.
func (e *Extractor) explodeElements(record map[string]interface{}) ([]map[string]interface{}, string) {
	for i := range e.columns {
		col := &e.columns[i]
		if !col.Explode || col.SourceField == "" {
			continue
		}

		segments := strings.Split(col.SourceField, ".")
		var current interface{} = record
		for depth, seg := range segments {
			next, ok := e.child(current, seg)
			if !ok {
				break
			}
			if arr, isArr := next.([]interface{}); isArr {
				elements := make([]map[string]interface{}, 0, len(arr))
				for _, item := range arr {
					if m, isMap := item.(map[string]interface{}); isMap {
						elements = append(elements, m)
					}
				}
				if len(elements) == 0 {
					return nil, ""
				}
				return elements, strings.Join(segments[:depth+1], ".")
			}
			current = next
		}
		return nil, ""
	}
	return nil, ""
}

// extractRow resolves every column once. element/explodePrefix carry the
// exploded array element for explode columns; both are nil/empty for
// single-row records.
func (e *Extractor) extractRow(record map[string]interface{}, element map[string]interface{}, explodePrefix string) FlatRow {
	row := make(FlatRow, len(e.columns))

	for i := range e.columns {
		col := &e.columns[i]
		raw := e.resolve(col, record, element, explodePrefix)

		if col.Transform != "" {
			if fn, ok := colspec.LookupTransform(col.Transform); ok {
				raw = fn(raw)
			}
		}

		row[col.Name] = Coerce(raw, col.Type)
	}

	return row
}

func (e *Extractor) resolve(col *colspec.ColumnSpec, record map[string]interface{}, element map[string]interface{}, explodePrefix string) interface{} {
	switch {
	case col.AutoGenerate:
		if col.Name == colspec.ProcessedAtColumn {
			return e.now().UTC()
		}
		return nil

	case col.DeepNested && col.PathToValue != "":
		return e.resolveDeepNested(record, col)

	case col.IsNested && col.ActionFilter != "":
		return e.resolveActionFilter(record, col)

	case col.IsNested:
		return e.resolveNestedFirst(record, col)

	case col.Explode && element != nil:
		suffix := strings.TrimPrefix(col.SourceField, explodePrefix)
		suffix = strings.TrimPrefix(suffix, ".")
		if suffix == "" {
			return element
		}
		v, _ := e.lookupPath(element, strings.Split(suffix, "."))
		return v

	default:
		if col.SourceField == "" {
			return nil
		}
		v, _ := e.lookupPath(record, strings.Split(col.SourceField, "."))
		return v
	}
}

// resolveDeepNested walks a wildcard path: the prefix locates a nested
// array, the suffix is applied to every element. Missing segments yield an
// empty string per element rather than an error.
func (e *Extractor) resolveDeepNested(record map[string]interface{}, col *colspec.ColumnSpec) interface{} {
	segments := strings.Split(col.PathToValue, ".")

	star := -1
	for i, seg := range segments {
		if seg == Wildcard {
			star = i
			break
		}
	}
	if star == -1 {
		v, _ := e.lookupPath(record, segments)
		return v
	}

	head, ok := e.lookupPath(record, segments[:star])
	if !ok {
		return nil
	}
	arr, ok := head.([]interface{})
	if !ok {
		return nil
	}

	suffix := segments[star+1:]
	values := make([]string, 0, len(arr))
	for _, item := range arr {
		v, found := e.lookupPath(item, suffix)
		if !found || v == nil {
			values = append(values, "")
			continue
		}
		values = append(values, coerceString(v))
	}

	if len(values) == 0 {
		return nil
	}

	if col.ArrayIndex != nil {
		idx := *col.ArrayIndex
		if idx < 0 || idx >= len(values) {
			return nil
		}
		return values[idx]
	}

	if col.ArrayAll {
		delim := col.JoinDelimiter
		if delim == "" {
			delim = ","
		}
		return strings.Join(values, delim)
	}

	return values[0]
}

// resolveActionFilter scans the actions array (or the value-source
// override) for the entry whose action_type matches the filter and returns
// its value. No match yields nil, coerced to the column default.
func (e *Extractor) resolveActionFilter(record map[string]interface{}, col *colspec.ColumnSpec) interface{} {
	arrayName := "actions"
	if col.ValueSource != "" {
		arrayName = col.ValueSource
	}

	arr, ok := record[arrayName].([]interface{})
	if !ok {
		return nil
	}

	for _, item := range arr {
		entry, isMap := item.(map[string]interface{})
		if !isMap {
			continue
		}
		if coerceString(entry["action_type"]) == col.ActionFilter {
			return entry["value"]
		}
	}
	return nil
}

// resolveNestedFirst handles is_nested without an action filter: the source
// field names the array and the child to read, and the first element
// carrying a value key wins.
func (e *Extractor) resolveNestedFirst(record map[string]interface{}, col *colspec.ColumnSpec) interface{} {
	segments := strings.Split(col.SourceField, ".")
	if len(segments) < 2 {
		return nil
	}
	arrayName, child := segments[0], segments[len(segments)-1]

	arr, ok := record[arrayName].([]interface{})
	if !ok {
		return nil
	}

	for _, item := range arr {
		entry, isMap := item.(map[string]interface{})
		if !isMap {
			continue
		}
		if _, hasValue := entry["value"]; hasValue {
			return entry[child]
		}
	}
	return nil
}

// lookupPath traverses a dotted path through nested maps. Numeric segments
// index arrays. When camelCase fallback is enabled, each segment is tried
// verbatim first, then converted.
func (e *Extractor) lookupPath(obj interface{}, segments []string) (interface{}, bool) {
	current := obj
	for _, seg := range segments {
		next, ok := e.child(current, seg)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

func (e *Extractor) child(obj interface{}, segment string) (interface{}, bool) {
	switch node := obj.(type) {
	case map[string]interface{}:
		if v, ok := node[segment]; ok {
			return v, true
		}
		if e.normalizePaths {
			if v, ok := node[snakeToCamel(segment)]; ok {
				return v, true
			}
		}
		return nil, false
	case []interface{}:
		idx, err := strconv.Atoi(segment)
		if err != nil || idx < 0 || idx >= len(node) {
			return nil, false
		}
		return node[idx], true
	default:
		return nil, false
	}
}

// snakeToCamel converts one path segment: change_date_time -> changeDateTime.
func snakeToCamel(segment string) string {
	if !strings.Contains(segment, "_") {
		return segment
	}

	parts := strings.Split(segment, "_")
	var b strings.Builder
	b.Grow(len(segment))
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i == 0 {
			b.WriteString(p)
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

// RowKey renders a row's value for a column as a string, for logging and
// archive object naming.
func RowKey(row FlatRow, column string) string {
	v, ok := row[column]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}
