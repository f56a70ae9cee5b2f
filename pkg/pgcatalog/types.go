package pgcatalog

import (
	"github.com/jackc/pgx/v5/pgtype"

	pmerrors "github.com/ha1tch/pgmeta/pkg/errors"
	"github.com/ha1tch/pgmeta/pkg/sqltype"
)

// CatalogSchemaName is the namespace every mapped base type lives in.
const CatalogSchemaName = "pg_catalog"

// TextOctetLength is character_octet_length reported for text columns:
// the 1GB varlena limit.
const TextOctetLength int32 = 1073741824

func int4(v int32) pgtype.Int4 {
	return pgtype.Int4{Int32: v, Valid: true}
}

var absent = pgtype.Int4{}

// unmapped panics: every Kind must be handled by every mapping function,
// and the kind set is closed.
func unmapped(fn string, t sqltype.ColumnType) {
	panic(pmerrors.Internal("unmapped column type").
		WithOp("pgcatalog."+fn).
		WithField("type", t.String()).
		Build())
}

// DataTypeOf returns information_schema.columns.data_type for t.
func DataTypeOf(t sqltype.ColumnType) string {
	switch t.Kind() {
	case sqltype.String, sqltype.VarStr:
		return "text"
	case sqltype.Double:
		return "numeric"
	case sqltype.Boolean:
		return "boolean"
	case sqltype.Int8, sqltype.Int16:
		return "smallint"
	case sqltype.Int32:
		return "integer"
	case sqltype.Int64:
		return "bigint"
	case sqltype.Blob:
		return "bytea"
	case sqltype.Date:
		return "date"
	case sqltype.Interval:
		return "interval"
	case sqltype.Timestamp:
		return "timestamp without time zone"
	case sqltype.Decimal:
		return "numeric"
	case sqltype.List:
		return "ARRAY"
	}
	unmapped("DataTypeOf", t)
	return ""
}

// UDTNameOf returns the internal type name (pg_type.typname) for t.
func UDTNameOf(t sqltype.ColumnType) string {
	switch t.Kind() {
	case sqltype.String, sqltype.VarStr:
		return "text"
	case sqltype.Double:
		return "float8"
	case sqltype.Boolean:
		return "bool"
	case sqltype.Int8, sqltype.Int16:
		return "int2"
	case sqltype.Int32:
		return "int4"
	case sqltype.Int64:
		return "int8"
	case sqltype.Blob:
		return "bytea"
	case sqltype.Date:
		return "date"
	case sqltype.Interval:
		return "interval"
	case sqltype.Timestamp:
		return "timestamp"
	case sqltype.Decimal:
		return "numeric"
	case sqltype.List:
		return "anyarray"
	}
	unmapped("UDTNameOf", t)
	return ""
}

// NumericPrecisionOf returns numeric_precision in bits for binary numeric types.
func NumericPrecisionOf(t sqltype.ColumnType) pgtype.Int4 {
	switch t.Kind() {
	case sqltype.Double:
		return int4(53)
	case sqltype.Int8, sqltype.Int16:
		return int4(16)
	case sqltype.Int32:
		return int4(32)
	case sqltype.Int64:
		return int4(64)
	case sqltype.String, sqltype.VarStr, sqltype.Boolean, sqltype.Blob, sqltype.Date,
		sqltype.Interval, sqltype.Timestamp, sqltype.Decimal, sqltype.List:
		return absent
	}
	unmapped("NumericPrecisionOf", t)
	return absent
}

// NumericPrecisionRadixOf returns 2 for the binary numeric types.
func NumericPrecisionRadixOf(t sqltype.ColumnType) pgtype.Int4 {
	switch t.Kind() {
	case sqltype.Double, sqltype.Int8, sqltype.Int16, sqltype.Int32, sqltype.Int64:
		return int4(2)
	case sqltype.String, sqltype.VarStr, sqltype.Boolean, sqltype.Blob, sqltype.Date,
		sqltype.Interval, sqltype.Timestamp, sqltype.Decimal, sqltype.List:
		return absent
	}
	unmapped("NumericPrecisionRadixOf", t)
	return absent
}

// NumericScaleOf returns 0 for integer types.
func NumericScaleOf(t sqltype.ColumnType) pgtype.Int4 {
	switch t.Kind() {
	case sqltype.Int8, sqltype.Int16, sqltype.Int32, sqltype.Int64:
		return int4(0)
	case sqltype.String, sqltype.VarStr, sqltype.Double, sqltype.Boolean, sqltype.Blob,
		sqltype.Date, sqltype.Interval, sqltype.Timestamp, sqltype.Decimal, sqltype.List:
		return absent
	}
	unmapped("NumericScaleOf", t)
	return absent
}

// DatetimePrecisionOf returns fractional-second digits for timestamps.
func DatetimePrecisionOf(t sqltype.ColumnType) pgtype.Int4 {
	switch t.Kind() {
	case sqltype.Timestamp:
		return int4(6)
	case sqltype.String, sqltype.VarStr, sqltype.Double, sqltype.Boolean, sqltype.Int8,
		sqltype.Int16, sqltype.Int32, sqltype.Int64, sqltype.Blob, sqltype.Date,
		sqltype.Interval, sqltype.Decimal, sqltype.List:
		return absent
	}
	unmapped("DatetimePrecisionOf", t)
	return absent
}

// CharOctetLengthOf returns character_octet_length for text types.
func CharOctetLengthOf(t sqltype.ColumnType) pgtype.Int4 {
	switch t.Kind() {
	case sqltype.String, sqltype.VarStr:
		return int4(TextOctetLength)
	case sqltype.Double, sqltype.Boolean, sqltype.Int8, sqltype.Int16, sqltype.Int32,
		sqltype.Int64, sqltype.Blob, sqltype.Date, sqltype.Interval, sqltype.Timestamp,
		sqltype.Decimal, sqltype.List:
		return absent
	}
	unmapped("CharOctetLengthOf", t)
	return absent
}

// TypeOIDOf returns the pg_type OID a value of t is sent as. Lists map to
// the element's array type; lists of types without an array OID fall back
// to text[].
func TypeOIDOf(t sqltype.ColumnType) uint32 {
	switch t.Kind() {
	case sqltype.String, sqltype.VarStr:
		return pgtype.TextOID
	case sqltype.Double:
		return pgtype.Float8OID
	case sqltype.Boolean:
		return pgtype.BoolOID
	case sqltype.Int8, sqltype.Int16:
		return pgtype.Int2OID
	case sqltype.Int32:
		return pgtype.Int4OID
	case sqltype.Int64:
		return pgtype.Int8OID
	case sqltype.Blob:
		return pgtype.ByteaOID
	case sqltype.Date:
		return pgtype.DateOID
	case sqltype.Interval:
		return pgtype.IntervalOID
	case sqltype.Timestamp:
		return pgtype.TimestampOID
	case sqltype.Decimal:
		return pgtype.NumericOID
	case sqltype.List:
		elem, _ := t.Elem()
		return ArrayOID(TypeOIDOf(elem))
	}
	unmapped("TypeOIDOf", t)
	return 0
}

var arrayOIDs = map[uint32]uint32{
	pgtype.TextOID:      pgtype.TextArrayOID,
	pgtype.Float8OID:    pgtype.Float8ArrayOID,
	pgtype.BoolOID:      pgtype.BoolArrayOID,
	pgtype.Int2OID:      pgtype.Int2ArrayOID,
	pgtype.Int4OID:      pgtype.Int4ArrayOID,
	pgtype.Int8OID:      pgtype.Int8ArrayOID,
	pgtype.ByteaOID:     pgtype.ByteaArrayOID,
	pgtype.DateOID:      pgtype.DateArrayOID,
	pgtype.IntervalOID:  pgtype.IntervalArrayOID,
	pgtype.TimestampOID: pgtype.TimestampArrayOID,
	pgtype.NumericOID:   pgtype.NumericArrayOID,

	pgtype.Float4OID:      pgtype.Float4ArrayOID,
	pgtype.TimestamptzOID: pgtype.TimestamptzArrayOID,
	pgtype.TimeOID:        pgtype.TimeArrayOID,
}

// ArrayOID returns the array type OID for element type elem, falling back
// to text[].
func ArrayOID(elem uint32) uint32 {
	if oid, ok := arrayOIDs[elem]; ok {
		return oid
	}
	return pgtype.TextArrayOID
}
