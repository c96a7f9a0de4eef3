package bigquery

import (
	"cloud.google.com/go/bigquery"

	"github.com/adlake/adlake/pkg/connector/core"
	"github.com/adlake/adlake/pkg/errors"
)

// toBQSchema maps the neutral schema onto BigQuery field types. Every
// column is nullable; required columns would break schema evolution.
func toBQSchema(schema *core.Schema) bigquery.Schema {
	out := make(bigquery.Schema, 0, len(schema.Fields))
	for _, f := range schema.Fields {
		out = append(out, &bigquery.FieldSchema{
			Name: f.Name,
			Type: bqFieldType(f.Type),
		})
	}
	return out
}

func bqFieldType(t core.FieldType) bigquery.FieldType {
	switch t {
	case core.FieldTypeInt:
		return bigquery.IntegerFieldType
	case core.FieldTypeFloat:
		return bigquery.FloatFieldType
	case core.FieldTypeBool:
		return bigquery.BooleanFieldType
	case core.FieldTypeDate:
		return bigquery.DateFieldType
	case core.FieldTypeTimestamp:
		return bigquery.TimestampFieldType
	default:
		return bigquery.StringFieldType
	}
}

// reconcileSchema merges the wanted schema into the existing one. Columns
// new to the table are appended as nullable additions; a column whose type
// changed is an error, since BigQuery cannot alter column types in place.
func reconcileSchema(existing, want bigquery.Schema) (merged bigquery.Schema, added []string, err error) {
	byName := make(map[string]*bigquery.FieldSchema, len(existing))
	for _, f := range existing {
		byName[f.Name] = f
	}

	merged = append(merged, existing...)
	for _, f := range want {
		current, ok := byName[f.Name]
		if !ok {
			merged = append(merged, f)
			added = append(added, f.Name)
			continue
		}
		if current.Type != f.Type {
			return nil, nil, errors.Newf(errors.ErrorTypeQuery,
				"column %s type mismatch: table has %s, specification wants %s",
				f.Name, current.Type, f.Type)
		}
	}

	return merged, added, nil
}
