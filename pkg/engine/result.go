package engine

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/decimal128"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/duckdb/duckdb-go/v2"
)

// resultBatchRows caps the rows per record built from a DuckDB result.
const resultBatchRows = 4096

// arrowTypeOf maps a DuckDB result column type name to the Arrow type the
// wire encoder describes it with. Types without a Postgres counterpart
// (structs, maps, unions) are sent as text.
func arrowTypeOf(name string) arrow.DataType {
	name = strings.TrimSpace(name)
	if strings.HasSuffix(name, "]") {
		if i := strings.LastIndexByte(name, '['); i > 0 {
			return arrow.ListOf(arrowTypeOf(name[:i]))
		}
	}
	if strings.HasPrefix(name, "DECIMAL(") {
		var width, scale int32
		if _, err := fmt.Sscanf(name, "DECIMAL(%d,%d)", &width, &scale); err == nil {
			return &arrow.Decimal128Type{Precision: width, Scale: scale}
		}
	}

	switch name {
	case "BOOLEAN":
		return arrow.FixedWidthTypes.Boolean
	case "TINYINT":
		return arrow.PrimitiveTypes.Int8
	case "SMALLINT":
		return arrow.PrimitiveTypes.Int16
	case "INTEGER":
		return arrow.PrimitiveTypes.Int32
	case "BIGINT":
		return arrow.PrimitiveTypes.Int64
	case "UTINYINT":
		return arrow.PrimitiveTypes.Uint8
	case "USMALLINT":
		return arrow.PrimitiveTypes.Uint16
	case "UINTEGER":
		return arrow.PrimitiveTypes.Uint32
	case "UBIGINT":
		return arrow.PrimitiveTypes.Uint64
	case "HUGEINT":
		return &arrow.Decimal128Type{Precision: 38, Scale: 0}
	case "FLOAT":
		return arrow.PrimitiveTypes.Float32
	case "DOUBLE":
		return arrow.PrimitiveTypes.Float64
	case "BLOB":
		return arrow.BinaryTypes.Binary
	case "DATE":
		return arrow.FixedWidthTypes.Date32
	case "TIME":
		return arrow.FixedWidthTypes.Time64us
	case "TIMESTAMP", "TIMESTAMP_S", "TIMESTAMP_MS", "TIMESTAMP_NS":
		return &arrow.TimestampType{Unit: arrow.Microsecond}
	case "TIMESTAMPTZ":
		return &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}
	case "INTERVAL":
		return arrow.FixedWidthTypes.MonthDayNanoInterval
	}
	return arrow.BinaryTypes.String
}

// readRows drains rows into Arrow records. The caller owns the returned
// records.
func readRows(rows driver.Rows, mem memory.Allocator) (*arrow.Schema, []arrow.Record, error) {
	names := rows.Columns()
	typed, _ := rows.(driver.RowsColumnTypeDatabaseTypeName)

	fields := make([]arrow.Field, len(names))
	for i, name := range names {
		dt := arrow.DataType(arrow.BinaryTypes.String)
		if typed != nil {
			dt = arrowTypeOf(typed.ColumnTypeDatabaseTypeName(i))
		}
		fields[i] = arrow.Field{Name: name, Type: dt, Nullable: true}
	}
	schema := arrow.NewSchema(fields, nil)

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	var records []arrow.Record
	release := func() {
		for _, rec := range records {
			rec.Release()
		}
	}

	dest := make([]driver.Value, len(names))
	pending := 0
	for {
		err := rows.Next(dest)
		if err == io.EOF {
			break
		}
		if err != nil {
			release()
			return nil, nil, err
		}
		for i, v := range dest {
			if err := appendValue(b.Field(i), v); err != nil {
				release()
				return nil, nil, fmt.Errorf("column %s: %w", names[i], err)
			}
		}
		if pending++; pending == resultBatchRows {
			records = append(records, b.NewRecord())
			pending = 0
		}
	}
	if pending > 0 || len(records) == 0 {
		records = append(records, b.NewRecord())
	}
	return schema, records, nil
}

// appendValue appends one scanned DuckDB value to b.
func appendValue(b array.Builder, v any) error {
	if v == nil {
		b.AppendNull()
		return nil
	}

	switch b := b.(type) {
	case *array.BooleanBuilder:
		if x, ok := v.(bool); ok {
			b.Append(x)
			return nil
		}
	case *array.Int8Builder:
		if x, ok := v.(int8); ok {
			b.Append(x)
			return nil
		}
	case *array.Int16Builder:
		if x, ok := v.(int16); ok {
			b.Append(x)
			return nil
		}
	case *array.Int32Builder:
		if x, ok := v.(int32); ok {
			b.Append(x)
			return nil
		}
	case *array.Int64Builder:
		if x, ok := v.(int64); ok {
			b.Append(x)
			return nil
		}
	case *array.Uint8Builder:
		if x, ok := v.(uint8); ok {
			b.Append(x)
			return nil
		}
	case *array.Uint16Builder:
		if x, ok := v.(uint16); ok {
			b.Append(x)
			return nil
		}
	case *array.Uint32Builder:
		if x, ok := v.(uint32); ok {
			b.Append(x)
			return nil
		}
	case *array.Uint64Builder:
		if x, ok := v.(uint64); ok {
			b.Append(x)
			return nil
		}
	case *array.Float32Builder:
		if x, ok := v.(float32); ok {
			b.Append(x)
			return nil
		}
	case *array.Float64Builder:
		if x, ok := v.(float64); ok {
			b.Append(x)
			return nil
		}
	case *array.BinaryBuilder:
		if x, ok := v.([]byte); ok {
			b.Append(x)
			return nil
		}
	case *array.Date32Builder:
		if x, ok := v.(time.Time); ok {
			b.Append(arrow.Date32FromTime(x))
			return nil
		}
	case *array.Time64Builder:
		if x, ok := v.(time.Time); ok {
			midnight := time.Date(x.Year(), x.Month(), x.Day(), 0, 0, 0, 0, x.Location())
			b.Append(arrow.Time64(x.Sub(midnight).Microseconds()))
			return nil
		}
	case *array.TimestampBuilder:
		if x, ok := v.(time.Time); ok {
			b.Append(arrow.Timestamp(x.UnixMicro()))
			return nil
		}
	case *array.MonthDayNanoIntervalBuilder:
		if x, ok := v.(duckdb.Interval); ok {
			b.Append(arrow.MonthDayNanoInterval{Months: x.Months, Days: x.Days, Nanoseconds: x.Micros * 1000})
			return nil
		}
	case *array.Decimal128Builder:
		switch x := v.(type) {
		case duckdb.Decimal:
			b.Append(decimal128.FromBigInt(x.Value))
			return nil
		case *big.Int:
			b.Append(decimal128.FromBigInt(x))
			return nil
		}
	case *array.ListBuilder:
		if x, ok := v.([]any); ok {
			b.Append(true)
			for _, elem := range x {
				if err := appendValue(b.ValueBuilder(), elem); err != nil {
					return err
				}
			}
			return nil
		}
	case *array.StringBuilder:
		b.Append(textValue(v))
		return nil
	}
	return fmt.Errorf("unexpected value %T for %s", v, b.Type())
}

// textValue renders values of types that are sent as text.
func textValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		if len(x) == 16 {
			var u duckdb.UUID
			copy(u[:], x)
			return u.String()
		}
		return string(x)
	case *duckdb.UUID:
		return x.String()
	case time.Time:
		return x.Format("15:04:05.999999-07")
	case *big.Int:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	}
	if data, err := json.Marshal(v); err == nil {
		return string(data)
	}
	return fmt.Sprint(v)
}
