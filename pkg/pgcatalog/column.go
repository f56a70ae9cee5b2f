package pgcatalog

import (
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/ha1tch/pgmeta/pkg/sqltype"
)

// Column is one column of a semantic-layer relation, as seen by the
// catalog. Implementations are owned by the schema source and read only.
type Column interface {
	Type() sqltype.ColumnType
	SQLCanBeNull() bool
}

// TypeDescriptor is the full Postgres-facing description of a column.
// Optional fields are invalid when Postgres reports NULL for them.
type TypeDescriptor struct {
	DataType              string
	UDTName               string
	IsNullable            string
	UDTSchema             string
	NumericPrecision      pgtype.Int4
	NumericPrecisionRadix pgtype.Int4
	NumericScale          pgtype.Int4
	DatetimePrecision     pgtype.Int4
	CharOctetLength       pgtype.Int4
}

// The accessors below each compute a single field so callers that need
// one attribute do not pay for the rest.

func DataType(col Column) string {
	return DataTypeOf(col.Type())
}

func UDTName(col Column) string {
	return UDTNameOf(col.Type())
}

// IsNullable returns "YES" or "NO".
func IsNullable(col Column) string {
	if col.SQLCanBeNull() {
		return "YES"
	}
	return "NO"
}

// UDTSchema is "pg_catalog" for every column.
func UDTSchema(Column) string {
	return CatalogSchemaName
}

func NumericPrecision(col Column) pgtype.Int4 {
	return NumericPrecisionOf(col.Type())
}

func NumericPrecisionRadix(col Column) pgtype.Int4 {
	return NumericPrecisionRadixOf(col.Type())
}

func NumericScale(col Column) pgtype.Int4 {
	return NumericScaleOf(col.Type())
}

func DatetimePrecision(col Column) pgtype.Int4 {
	return DatetimePrecisionOf(col.Type())
}

func CharOctetLength(col Column) pgtype.Int4 {
	return CharOctetLengthOf(col.Type())
}

// Describe returns every field at once.
func Describe(col Column) TypeDescriptor {
	t := col.Type()
	return TypeDescriptor{
		DataType:              DataTypeOf(t),
		UDTName:               UDTNameOf(t),
		IsNullable:            IsNullable(col),
		UDTSchema:             UDTSchema(col),
		NumericPrecision:      NumericPrecisionOf(t),
		NumericPrecisionRadix: NumericPrecisionRadixOf(t),
		NumericScale:          NumericScaleOf(t),
		DatetimePrecision:     DatetimePrecisionOf(t),
		CharOctetLength:       CharOctetLengthOf(t),
	}
}

// optInt32 converts an optional value into what RowBuilder expects for a
// nullable int32 column.
func optInt32(v pgtype.Int4) any {
	if !v.Valid {
		return nil
	}
	return v.Int32
}
