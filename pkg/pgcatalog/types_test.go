package pgcatalog

import (
	"testing"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/ha1tch/pgmeta/pkg/sqltype"
)

func TestTypeMapping(t *testing.T) {
	none := absent
	tests := []struct {
		typ       sqltype.ColumnType
		dataType  string
		udtName   string
		precision pgtype.Int4
		radix     pgtype.Int4
		scale     pgtype.Int4
		dtPrec    pgtype.Int4
		octetLen  pgtype.Int4
	}{
		{sqltype.TypeString, "text", "text", none, none, none, none, int4(1073741824)},
		{sqltype.TypeVarStr, "text", "text", none, none, none, none, int4(1073741824)},
		{sqltype.TypeDouble, "numeric", "float8", int4(53), int4(2), none, none, none},
		{sqltype.TypeBoolean, "boolean", "bool", none, none, none, none, none},
		{sqltype.TypeInt8, "smallint", "int2", int4(16), int4(2), int4(0), none, none},
		{sqltype.TypeInt16, "smallint", "int2", int4(16), int4(2), int4(0), none, none},
		{sqltype.TypeInt32, "integer", "int4", int4(32), int4(2), int4(0), none, none},
		{sqltype.TypeInt64, "bigint", "int8", int4(64), int4(2), int4(0), none, none},
		{sqltype.TypeBlob, "bytea", "bytea", none, none, none, none, none},
		{sqltype.DateOf(sqltype.DateDay), "date", "date", none, none, none, none, none},
		{sqltype.DateOf(sqltype.DateMillisecond), "date", "date", none, none, none, none, none},
		{sqltype.IntervalOf(sqltype.IntervalYearMonth), "interval", "interval", none, none, none, none, none},
		{sqltype.IntervalOf(sqltype.IntervalMonthDayNano), "interval", "interval", none, none, none, none, none},
		{sqltype.TypeTimestamp, "timestamp without time zone", "timestamp", none, none, none, int4(6), none},
		{sqltype.DecimalOf(10, 2), "numeric", "numeric", none, none, none, none, none},
		{sqltype.DecimalOf(38, 0), "numeric", "numeric", none, none, none, none, none},
		{sqltype.ListOf(sqltype.TypeInt16), "ARRAY", "anyarray", none, none, none, none, none},
		{sqltype.ListOf(sqltype.TypeString), "ARRAY", "anyarray", none, none, none, none, none},
	}

	for _, tt := range tests {
		t.Run(tt.typ.String(), func(t *testing.T) {
			if got := DataTypeOf(tt.typ); got != tt.dataType {
				t.Errorf("DataType = %q, want %q", got, tt.dataType)
			}
			if got := UDTNameOf(tt.typ); got != tt.udtName {
				t.Errorf("UDTName = %q, want %q", got, tt.udtName)
			}
			if got := NumericPrecisionOf(tt.typ); got != tt.precision {
				t.Errorf("NumericPrecision = %+v, want %+v", got, tt.precision)
			}
			if got := NumericPrecisionRadixOf(tt.typ); got != tt.radix {
				t.Errorf("NumericPrecisionRadix = %+v, want %+v", got, tt.radix)
			}
			if got := NumericScaleOf(tt.typ); got != tt.scale {
				t.Errorf("NumericScale = %+v, want %+v", got, tt.scale)
			}
			if got := DatetimePrecisionOf(tt.typ); got != tt.dtPrec {
				t.Errorf("DatetimePrecision = %+v, want %+v", got, tt.dtPrec)
			}
			if got := CharOctetLengthOf(tt.typ); got != tt.octetLen {
				t.Errorf("CharOctetLength = %+v, want %+v", got, tt.octetLen)
			}
		})
	}
}

// sampleOf returns one type value of kind k.
func sampleOf(k sqltype.Kind) sqltype.ColumnType {
	switch k {
	case sqltype.Date:
		return sqltype.DateOf(sqltype.DateDay)
	case sqltype.Interval:
		return sqltype.IntervalOf(sqltype.IntervalDayTime)
	case sqltype.Decimal:
		return sqltype.DecimalOf(18, 4)
	case sqltype.List:
		return sqltype.ListOf(sqltype.TypeInt32)
	}
	return sqltype.MustParse(k.String())
}

func TestTypeMapping_Total(t *testing.T) {
	for _, k := range sqltype.Kinds() {
		typ := sampleOf(k)
		t.Run(k.String(), func(t *testing.T) {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("mapping %s panicked: %v", typ, r)
				}
			}()
			if DataTypeOf(typ) == "" || UDTNameOf(typ) == "" {
				t.Errorf("empty type name for %s", typ)
			}
			NumericPrecisionOf(typ)
			NumericPrecisionRadixOf(typ)
			NumericScaleOf(typ)
			DatetimePrecisionOf(typ)
			CharOctetLengthOf(typ)
			if TypeOIDOf(typ) == 0 {
				t.Errorf("no OID for %s", typ)
			}
		})
	}
}

func TestTypeMapping_Deterministic(t *testing.T) {
	a, b := sqltype.DecimalOf(10, 2), sqltype.MustParse("decimal(10,2)")
	if Describe(testColumn{typ: a}) != Describe(testColumn{typ: b}) {
		t.Error("equal types mapped differently")
	}
}

func TestTypeOIDOf(t *testing.T) {
	tests := []struct {
		typ  sqltype.ColumnType
		want uint32
	}{
		{sqltype.TypeString, pgtype.TextOID},
		{sqltype.TypeInt8, pgtype.Int2OID},
		{sqltype.TypeInt64, pgtype.Int8OID},
		{sqltype.TypeTimestamp, pgtype.TimestampOID},
		{sqltype.DecimalOf(10, 2), pgtype.NumericOID},
		{sqltype.ListOf(sqltype.TypeInt16), pgtype.Int2ArrayOID},
		{sqltype.ListOf(sqltype.TypeString), pgtype.TextArrayOID},
		{sqltype.ListOf(sqltype.ListOf(sqltype.TypeInt32)), pgtype.TextArrayOID},
	}
	for _, tt := range tests {
		if got := TypeOIDOf(tt.typ); got != tt.want {
			t.Errorf("TypeOIDOf(%s) = %d, want %d", tt.typ, got, tt.want)
		}
	}
}
