package postgres

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/ha1tch/pgmeta/pkg/pgcatalog"
)

// TypeOID returns the pg_type OID and wire size that values of Arrow type
// dt are described with. Unknown types are sent as text.
func TypeOID(dt arrow.DataType) (uint32, int16) {
	switch t := dt.(type) {
	case *arrow.BooleanType:
		return pgtype.BoolOID, 1
	case *arrow.Int8Type, *arrow.Int16Type, *arrow.Uint8Type:
		return pgtype.Int2OID, 2
	case *arrow.Int32Type, *arrow.Uint16Type:
		return pgtype.Int4OID, 4
	case *arrow.Int64Type, *arrow.Uint32Type:
		return pgtype.Int8OID, 8
	case *arrow.Uint64Type:
		return pgtype.NumericOID, -1
	case *arrow.Float16Type, *arrow.Float32Type:
		return pgtype.Float4OID, 4
	case *arrow.Float64Type:
		return pgtype.Float8OID, 8
	case *arrow.StringType, *arrow.LargeStringType, *arrow.StringViewType:
		return pgtype.TextOID, -1
	case *arrow.BinaryType, *arrow.LargeBinaryType, *arrow.BinaryViewType, *arrow.FixedSizeBinaryType:
		return pgtype.ByteaOID, -1
	case *arrow.Date32Type, *arrow.Date64Type:
		return pgtype.DateOID, 4
	case *arrow.Time32Type, *arrow.Time64Type:
		return pgtype.TimeOID, 8
	case *arrow.TimestampType:
		if t.TimeZone != "" {
			return pgtype.TimestamptzOID, 8
		}
		return pgtype.TimestampOID, 8
	case *arrow.Decimal128Type, *arrow.Decimal256Type:
		return pgtype.NumericOID, -1
	case *arrow.MonthDayNanoIntervalType, *arrow.DayTimeIntervalType, *arrow.MonthIntervalType, *arrow.DurationType:
		return pgtype.IntervalOID, 16
	case *arrow.ListType:
		elem, _ := TypeOID(t.Elem())
		return pgcatalog.ArrayOID(elem), -1
	case *arrow.LargeListType:
		elem, _ := TypeOID(t.Elem())
		return pgcatalog.ArrayOID(elem), -1
	}
	return pgtype.TextOID, -1
}

// encoder renders Arrow values in the Postgres text format. It is owned by
// one connection.
type encoder struct {
	m *pgtype.Map
}

func newEncoder() *encoder {
	return &encoder{m: pgtype.NewMap()}
}

// rowDescription describes schema's columns.
func rowDescription(schema *arrow.Schema) *pgproto3.RowDescription {
	fields := make([]pgproto3.FieldDescription, schema.NumFields())
	for i, f := range schema.Fields() {
		oid, size := TypeOID(f.Type)
		fields[i] = pgproto3.FieldDescription{
			Name:         []byte(f.Name),
			DataTypeOID:  oid,
			DataTypeSize: size,
			TypeModifier: -1,
			Format:       pgtype.TextFormatCode,
		}
	}
	return &pgproto3.RowDescription{Fields: fields}
}

// dataRows appends one DataRow per row of rec to buf.
func (e *encoder) dataRows(buf []byte, rec arrow.Record) ([]byte, error) {
	values := make([][]byte, rec.NumCols())
	for row := 0; row < int(rec.NumRows()); row++ {
		for i, col := range rec.Columns() {
			if col.IsNull(row) {
				values[i] = nil
				continue
			}
			v, err := e.appendText(nil, col, row)
			if err != nil {
				return buf, err
			}
			if v == nil {
				v = []byte{}
			}
			values[i] = v
		}
		buf = (&pgproto3.DataRow{Values: values}).Encode(buf)
	}
	return buf, nil
}

// appendText appends the text form of arr[row], which must not be NULL.
func (e *encoder) appendText(buf []byte, arr arrow.Array, row int) ([]byte, error) {
	switch a := arr.(type) {
	case *array.Boolean:
		return e.m.Encode(pgtype.BoolOID, pgtype.TextFormatCode, a.Value(row), buf)
	case *array.Int8:
		return strconv.AppendInt(buf, int64(a.Value(row)), 10), nil
	case *array.Int16:
		return strconv.AppendInt(buf, int64(a.Value(row)), 10), nil
	case *array.Int32:
		return strconv.AppendInt(buf, int64(a.Value(row)), 10), nil
	case *array.Int64:
		return strconv.AppendInt(buf, a.Value(row), 10), nil
	case *array.Uint8:
		return strconv.AppendUint(buf, uint64(a.Value(row)), 10), nil
	case *array.Uint16:
		return strconv.AppendUint(buf, uint64(a.Value(row)), 10), nil
	case *array.Uint32:
		return strconv.AppendUint(buf, uint64(a.Value(row)), 10), nil
	case *array.Uint64:
		return strconv.AppendUint(buf, a.Value(row), 10), nil
	case *array.Float16:
		return appendFloat(buf, float64(a.Value(row).Float32()), 32), nil
	case *array.Float32:
		return appendFloat(buf, float64(a.Value(row)), 32), nil
	case *array.Float64:
		return appendFloat(buf, a.Value(row), 64), nil
	case *array.String:
		return append(buf, a.Value(row)...), nil
	case *array.LargeString:
		return append(buf, a.Value(row)...), nil
	case *array.StringView:
		return append(buf, a.Value(row)...), nil
	case *array.Binary:
		return e.m.Encode(pgtype.ByteaOID, pgtype.TextFormatCode, a.Value(row), buf)
	case *array.LargeBinary:
		return e.m.Encode(pgtype.ByteaOID, pgtype.TextFormatCode, a.Value(row), buf)
	case *array.FixedSizeBinary:
		return e.m.Encode(pgtype.ByteaOID, pgtype.TextFormatCode, a.Value(row), buf)
	case *array.Date32:
		return e.m.Encode(pgtype.DateOID, pgtype.TextFormatCode, a.Value(row).ToTime(), buf)
	case *array.Date64:
		return e.m.Encode(pgtype.DateOID, pgtype.TextFormatCode, a.Value(row).ToTime(), buf)
	case *array.Time32:
		unit := a.DataType().(*arrow.Time32Type).Unit
		return append(buf, a.Value(row).ToTime(unit).Format("15:04:05.999999")...), nil
	case *array.Time64:
		unit := a.DataType().(*arrow.Time64Type).Unit
		return append(buf, a.Value(row).ToTime(unit).Format("15:04:05.999999")...), nil
	case *array.Timestamp:
		tt := a.DataType().(*arrow.TimestampType)
		ts := a.Value(row).ToTime(tt.Unit)
		if tt.TimeZone != "" {
			return e.m.Encode(pgtype.TimestamptzOID, pgtype.TextFormatCode, ts, buf)
		}
		return e.m.Encode(pgtype.TimestampOID, pgtype.TextFormatCode, ts, buf)
	case *array.Decimal128:
		scale := a.DataType().(*arrow.Decimal128Type).Scale
		d := decimal.NewFromBigInt(a.Value(row).BigInt(), -scale)
		return append(buf, d.StringFixed(scale)...), nil
	case *array.Decimal256:
		scale := a.DataType().(*arrow.Decimal256Type).Scale
		d := decimal.NewFromBigInt(a.Value(row).BigInt(), -scale)
		return append(buf, d.StringFixed(scale)...), nil
	case *array.MonthDayNanoInterval:
		v := a.Value(row)
		return e.interval(buf, v.Months, v.Days, v.Nanoseconds/1000)
	case *array.DayTimeInterval:
		v := a.Value(row)
		return e.interval(buf, 0, v.Days, int64(v.Milliseconds)*1000)
	case *array.MonthInterval:
		return e.interval(buf, int32(a.Value(row)), 0, 0)
	case *array.Duration:
		unit := a.DataType().(*arrow.DurationType).Unit
		d := time.Duration(a.Value(row)) * unit.Multiplier()
		return e.interval(buf, 0, 0, d.Microseconds())
	case array.ListLike:
		return e.appendArray(buf, a, row)
	}
	return append(buf, arr.ValueStr(row)...), nil
}

func (e *encoder) interval(buf []byte, months, days int32, micros int64) ([]byte, error) {
	return e.m.Encode(pgtype.IntervalOID, pgtype.TextFormatCode, pgtype.Interval{
		Months:       months,
		Days:         days,
		Microseconds: micros,
		Valid:        true,
	}, buf)
}

// appendArray writes a Postgres array literal such as {1,NULL,3} or
// {"a b",c}.
func (e *encoder) appendArray(buf []byte, list array.ListLike, row int) ([]byte, error) {
	start, end := list.ValueOffsets(row)
	values := list.ListValues()
	_, nested := values.(array.ListLike)

	buf = append(buf, '{')
	for j := start; j < end; j++ {
		if j > start {
			buf = append(buf, ',')
		}
		if values.IsNull(int(j)) {
			buf = append(buf, "NULL"...)
			continue
		}
		elem, err := e.appendText(nil, values, int(j))
		if err != nil {
			return buf, err
		}
		if nested {
			buf = append(buf, elem...)
			continue
		}
		buf = appendArrayElem(buf, string(elem))
	}
	return append(buf, '}'), nil
}

func appendArrayElem(buf []byte, s string) []byte {
	if !needsQuote(s) {
		return append(buf, s...)
	}
	buf = append(buf, '"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			buf = append(buf, '\\')
		}
		buf = append(buf, s[i])
	}
	return append(buf, '"')
}

func needsQuote(s string) bool {
	if s == "" || strings.EqualFold(s, "NULL") {
		return true
	}
	return strings.ContainsAny(s, "{},\"\\ \t\n\r")
}

func appendFloat(buf []byte, f float64, bits int) []byte {
	switch {
	case math.IsNaN(f):
		return append(buf, "NaN"...)
	case math.IsInf(f, 1):
		return append(buf, "Infinity"...)
	case math.IsInf(f, -1):
		return append(buf, "-Infinity"...)
	}
	return strconv.AppendFloat(buf, f, 'g', -1, bits)
}
