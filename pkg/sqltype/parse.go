package sqltype

import (
	"fmt"
	"strconv"
	"strings"
)

// Default Decimal parameters used when a schema writes a bare "decimal".
const (
	DefaultDecimalPrecision = 38
	DefaultDecimalScale     = 10
)

var scalarNames = map[string]ColumnType{
	"string":    TypeString,
	"text":      TypeString,
	"varstr":    TypeVarStr,
	"varchar":   TypeVarStr,
	"double":    TypeDouble,
	"float8":    TypeDouble,
	"number":    TypeDouble,
	"boolean":   TypeBoolean,
	"bool":      TypeBoolean,
	"int8":      TypeInt8,
	"tinyint":   TypeInt8,
	"int16":     TypeInt16,
	"smallint":  TypeInt16,
	"int32":     TypeInt32,
	"int":       TypeInt32,
	"integer":   TypeInt32,
	"int64":     TypeInt64,
	"bigint":    TypeInt64,
	"blob":      TypeBlob,
	"bytea":     TypeBlob,
	"timestamp": TypeTimestamp,
	"time":      TypeTimestamp,
}

// Parse reads a column type written as in schema files:
//
//	string | varstr | double | boolean | int8 | int16 | int32 | int64 | blob
//	timestamp | date[(day|millisecond)]
//	interval[(year_month|day_time|month_day_nano)]
//	decimal[(precision,scale)] | list<T>
//
// Matching is case-insensitive; common SQL aliases are accepted. Errors
// are of type *ParseError.
func Parse(s string) (ColumnType, error) {
	t, err := parse(s)
	if err != nil {
		return ColumnType{}, &ParseError{Input: s, Err: err}
	}
	return t, nil
}

// ParseError reports a column type that could not be read.
type ParseError struct {
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	return "invalid column type " + strconv.Quote(e.Input) + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error { return e.Err }

func parse(s string) (ColumnType, error) {
	src := strings.ToLower(strings.TrimSpace(s))
	if src == "" {
		return ColumnType{}, fmt.Errorf("empty column type")
	}

	if t, ok := scalarNames[src]; ok {
		return t, nil
	}

	if strings.HasPrefix(src, "list<") {
		if !strings.HasSuffix(src, ">") {
			return ColumnType{}, fmt.Errorf("unterminated list type: %q", s)
		}
		elem, err := parse(src[len("list<") : len(src)-1])
		if err != nil {
			return ColumnType{}, fmt.Errorf("list element: %w", err)
		}
		return ListOf(elem), nil
	}

	name, args, err := splitArgs(src)
	if err != nil {
		return ColumnType{}, err
	}

	switch name {
	case "date":
		switch args {
		case "", "day":
			return DateOf(DateDay), nil
		case "millisecond", "ms":
			return DateOf(DateMillisecond), nil
		}
		return ColumnType{}, fmt.Errorf("unknown date unit: %q", args)

	case "interval":
		switch args {
		case "", "year_month":
			return IntervalOf(IntervalYearMonth), nil
		case "day_time":
			return IntervalOf(IntervalDayTime), nil
		case "month_day_nano":
			return IntervalOf(IntervalMonthDayNano), nil
		}
		return ColumnType{}, fmt.Errorf("unknown interval unit: %q", args)

	case "decimal", "numeric":
		if args == "" {
			return DecimalOf(DefaultDecimalPrecision, DefaultDecimalScale), nil
		}
		p, sc, ok := strings.Cut(args, ",")
		if !ok {
			return ColumnType{}, fmt.Errorf("decimal needs precision and scale: %q", s)
		}
		precision, err := strconv.ParseUint(strings.TrimSpace(p), 10, 8)
		if err != nil {
			return ColumnType{}, fmt.Errorf("decimal precision: %w", err)
		}
		scale, err := strconv.ParseUint(strings.TrimSpace(sc), 10, 8)
		if err != nil {
			return ColumnType{}, fmt.Errorf("decimal scale: %w", err)
		}
		if scale > precision {
			return ColumnType{}, fmt.Errorf("decimal scale %d exceeds precision %d", scale, precision)
		}
		return DecimalOf(uint8(precision), uint8(scale)), nil
	}

	return ColumnType{}, fmt.Errorf("unknown column type: %q", s)
}

// MustParse is like Parse but panics on error. Intended for literals.
func MustParse(s string) ColumnType {
	t, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return t
}

func splitArgs(src string) (name, args string, err error) {
	open := strings.IndexByte(src, '(')
	if open < 0 {
		return src, "", nil
	}
	if !strings.HasSuffix(src, ")") {
		return "", "", fmt.Errorf("unterminated type arguments: %q", src)
	}
	return strings.TrimSpace(src[:open]), strings.TrimSpace(src[open+1 : len(src)-1]), nil
}
