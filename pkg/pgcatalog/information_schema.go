package pgcatalog

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/ha1tch/pgmeta/pkg/plan"
	"github.com/ha1tch/pgmeta/pkg/semantic"
)

// InformationSchemaColumnsSchema is the layout of information_schema.columns,
// restricted to the attributes the semantic layer can answer.
var InformationSchemaColumnsSchema = arrow.NewSchema([]arrow.Field{
	{Name: "table_catalog", Type: arrow.BinaryTypes.String},
	{Name: "table_schema", Type: arrow.BinaryTypes.String},
	{Name: "table_name", Type: arrow.BinaryTypes.String},
	{Name: "column_name", Type: arrow.BinaryTypes.String},
	{Name: "ordinal_position", Type: arrow.PrimitiveTypes.Int32},
	{Name: "column_default", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "is_nullable", Type: arrow.BinaryTypes.String},
	{Name: "data_type", Type: arrow.BinaryTypes.String},
	{Name: "character_maximum_length", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	{Name: "character_octet_length", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	{Name: "numeric_precision", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	{Name: "numeric_precision_radix", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	{Name: "numeric_scale", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	{Name: "datetime_precision", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	{Name: "udt_catalog", Type: arrow.BinaryTypes.String},
	{Name: "udt_schema", Type: arrow.BinaryTypes.String},
	{Name: "udt_name", Type: arrow.BinaryTypes.String},
}, nil)

// InformationSchemaTablesSchema is the layout of information_schema.tables.
var InformationSchemaTablesSchema = arrow.NewSchema([]arrow.Field{
	{Name: "table_catalog", Type: arrow.BinaryTypes.String},
	{Name: "table_schema", Type: arrow.BinaryTypes.String},
	{Name: "table_name", Type: arrow.BinaryTypes.String},
	{Name: "table_type", Type: arrow.BinaryTypes.String},
}, nil)

// NewColumnsTable creates information_schema.columns over meta. It is
// rebuilt on every scan so schema reloads are visible immediately.
func NewColumnsTable(meta semantic.Source, dbName string, opts ...TableOption) (*Table, error) {
	return NewTable(TableDef{
		Schema: InformationSchemaName,
		Name:   "columns",
		Fields: InformationSchemaColumnsSchema,
		Mode:   BuildVolatile,
		Populate: func(ctx context.Context, rb *RowBuilder) error {
			tables, err := meta.Tables(ctx)
			if err != nil {
				return err
			}
			for _, t := range tables {
				for _, col := range t.Columns {
					if err := rb.AppendRow(
						dbName,
						t.Schema,
						t.Name,
						col.Name,
						int32(col.Ordinal),
						nil,
						IsNullable(col),
						DataType(col),
						nil,
						optInt32(CharOctetLength(col)),
						optInt32(NumericPrecision(col)),
						optInt32(NumericPrecisionRadix(col)),
						optInt32(NumericScale(col)),
						optInt32(DatetimePrecision(col)),
						dbName,
						UDTSchema(col),
						UDTName(col),
					); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}, opts...)
}

// NewTablesTable creates information_schema.tables over meta. Semantic
// relations are reported as base tables.
func NewTablesTable(meta semantic.Source, dbName string, opts ...TableOption) (*Table, error) {
	tableType := plan.TableTypeBase.String()

	return NewTable(TableDef{
		Schema: InformationSchemaName,
		Name:   "tables",
		Fields: InformationSchemaTablesSchema,
		Mode:   BuildVolatile,
		Populate: func(ctx context.Context, rb *RowBuilder) error {
			tables, err := meta.Tables(ctx)
			if err != nil {
				return err
			}
			for _, t := range tables {
				if err := rb.AppendRow(dbName, t.Schema, t.Name, tableType); err != nil {
					return err
				}
			}
			return nil
		},
	}, opts...)
}
