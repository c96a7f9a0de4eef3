// Package core defines the narrow contracts between the pipeline runner and
// its collaborators: a Source that executes built queries against a
// reporting API and emits pages of raw records, and a RowSink that loads
// flat rows into the warehouse with delete-window-then-append semantics.
package core

import (
	"context"

	"github.com/adlake/adlake/pkg/colspec"
	"github.com/adlake/adlake/pkg/config"
	"github.com/adlake/adlake/pkg/extract"
)

// Account is one source account to extract.
type Account struct {
	ID   string
	Name string
}

// RawRecord is one JSON object from a source API response, owned by a
// single extraction call.
type RawRecord = map[string]interface{}

// EmitFunc receives one page of records. Returning an error aborts the
// fetch.
type EmitFunc func(records []RawRecord) error

// Source executes queries against a reporting API.
type Source interface {
	// Name returns the driver name (google_ads, meta_ads, xero).
	Name() string

	// Initialize validates configuration against the column spec set and
	// prepares the transport. Configuration problems are reported as
	// config errors, fatal at startup.
	Initialize(ctx context.Context, cfg *config.BaseConfig, specs []colspec.ColumnSpec) error

	// Extractor returns the record extractor configured for this API's
	// response conventions.
	Extractor() *extract.Extractor

	// Accounts enumerates the accounts to extract: the configured static
	// list plus discovered accounts when discovery is enabled.
	Accounts(ctx context.Context) ([]Account, error)

	// FetchPages executes the query for one account over the query's
	// window, following pagination, and emits each page of raw records.
	FetchPages(ctx context.Context, account Account, q *extract.Query, emit EmitFunc) error

	// Close releases transport resources.
	Close(ctx context.Context) error
}

// TableOptions carries partitioning and clustering for table creation.
type TableOptions struct {
	// PartitionField is the DAY-partition column (the date-range column).
	PartitionField string
	// ClusterFields order the table's clustering columns.
	ClusterFields []string
}

// RowSink loads flat rows into a warehouse table.
type RowSink interface {
	// Name returns the sink name (bigquery, gcs).
	Name() string

	// Initialize validates configuration and opens the client.
	Initialize(ctx context.Context, cfg *config.BaseConfig) error

	// EnsureTable creates the dataset and table when missing and
	// reconciles the schema: new columns are added as nullable, a type
	// mismatch is an error.
	EnsureTable(ctx context.Context, schema *Schema, opts TableOptions) error

	// DeleteWindow removes rows whose date column falls inside the
	// window, making a re-run idempotent.
	DeleteWindow(ctx context.Context, dateColumn string, w extract.Window) error

	// Append writes a batch of rows.
	Append(ctx context.Context, rows []extract.FlatRow) error

	// Close flushes and releases the client.
	Close(ctx context.Context) error
}

// FieldType is a warehouse-neutral column type.
type FieldType string

const (
	FieldTypeString    FieldType = "string"
	FieldTypeInt       FieldType = "int"
	FieldTypeFloat     FieldType = "float"
	FieldTypeBool      FieldType = "bool"
	FieldTypeDate      FieldType = "date"
	FieldTypeTimestamp FieldType = "timestamp"
)

// Field is one column of a destination schema.
type Field struct {
	Name string    `json:"name"`
	Type FieldType `json:"type"`
}

// Schema is a destination table schema.
type Schema struct {
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`
}

// SchemaFromColumns maps a destination column list onto a schema.
func SchemaFromColumns(table string, cols []colspec.ColumnSpec) *Schema {
	s := &Schema{
		Name:   table,
		Fields: make([]Field, 0, len(cols)),
	}
	for _, col := range cols {
		s.Fields = append(s.Fields, Field{
			Name: col.Name,
			Type: fieldType(col.Type),
		})
	}
	return s
}

func fieldType(t colspec.Type) FieldType {
	switch t {
	case colspec.TypeInteger:
		return FieldTypeInt
	case colspec.TypeFloat:
		return FieldTypeFloat
	case colspec.TypeBoolean:
		return FieldTypeBool
	case colspec.TypeDate:
		return FieldTypeDate
	case colspec.TypeTimestamp:
		return FieldTypeTimestamp
	default:
		return FieldTypeString
	}
}
