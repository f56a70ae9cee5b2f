// Package sqltype defines the semantic layer's column type model.
//
// A ColumnType is an immutable value drawn from a closed set of kinds. Some
// kinds carry parameters: Date and Interval carry a unit, Decimal carries
// precision and scale, List carries its element type.
package sqltype

import (
	"fmt"
	"strconv"
)

// Kind identifies a column type variant.
type Kind uint8

const (
	String Kind = iota
	VarStr
	Double
	Boolean
	Int8
	Int16
	Int32
	Int64
	Blob
	Date
	Interval
	Timestamp
	Decimal
	List

	numKinds
)

var kindNames = [numKinds]string{
	String:    "string",
	VarStr:    "varstr",
	Double:    "double",
	Boolean:   "boolean",
	Int8:      "int8",
	Int16:     "int16",
	Int32:     "int32",
	Int64:     "int64",
	Blob:      "blob",
	Date:      "date",
	Interval:  "interval",
	Timestamp: "timestamp",
	Decimal:   "decimal",
	List:      "list",
}

func (k Kind) String() string {
	if k < numKinds {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	return k < numKinds
}

// Kinds returns every declared kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, numKinds)
	for i := range out {
		out[i] = Kind(i)
	}
	return out
}

// DateUnit is the precision unit of a Date column.
type DateUnit uint8

const (
	DateDay DateUnit = iota
	DateMillisecond
)

func (u DateUnit) String() string {
	if u == DateMillisecond {
		return "millisecond"
	}
	return "day"
}

// IntervalUnit is the storage unit of an Interval column.
type IntervalUnit uint8

const (
	IntervalYearMonth IntervalUnit = iota
	IntervalDayTime
	IntervalMonthDayNano
)

func (u IntervalUnit) String() string {
	switch u {
	case IntervalDayTime:
		return "day_time"
	case IntervalMonthDayNano:
		return "month_day_nano"
	default:
		return "year_month"
	}
}

// ColumnType is a semantic column type. The zero value is String.
type ColumnType struct {
	kind      Kind
	dateUnit  DateUnit
	interval  IntervalUnit
	precision uint8
	scale     uint8
	elem      *ColumnType
}

// Scalar variants.
var (
	TypeString    = ColumnType{kind: String}
	TypeVarStr    = ColumnType{kind: VarStr}
	TypeDouble    = ColumnType{kind: Double}
	TypeBoolean   = ColumnType{kind: Boolean}
	TypeInt8      = ColumnType{kind: Int8}
	TypeInt16     = ColumnType{kind: Int16}
	TypeInt32     = ColumnType{kind: Int32}
	TypeInt64     = ColumnType{kind: Int64}
	TypeBlob      = ColumnType{kind: Blob}
	TypeTimestamp = ColumnType{kind: Timestamp}
)

// DateOf returns a Date type with the given unit.
func DateOf(unit DateUnit) ColumnType {
	return ColumnType{kind: Date, dateUnit: unit}
}

// IntervalOf returns an Interval type with the given unit.
func IntervalOf(unit IntervalUnit) ColumnType {
	return ColumnType{kind: Interval, interval: unit}
}

// DecimalOf returns a Decimal type with the given precision and scale.
func DecimalOf(precision, scale uint8) ColumnType {
	return ColumnType{kind: Decimal, precision: precision, scale: scale}
}

// ListOf returns a List type with the given element type.
func ListOf(elem ColumnType) ColumnType {
	e := elem
	return ColumnType{kind: List, elem: &e}
}

// Kind returns the variant of t.
func (t ColumnType) Kind() Kind { return t.kind }

// DateUnit returns the unit of a Date type.
func (t ColumnType) DateUnit() DateUnit { return t.dateUnit }

// IntervalUnit returns the unit of an Interval type.
func (t ColumnType) IntervalUnit() IntervalUnit { return t.interval }

// Precision returns the precision of a Decimal type.
func (t ColumnType) Precision() uint8 { return t.precision }

// Scale returns the scale of a Decimal type.
func (t ColumnType) Scale() uint8 { return t.scale }

// Elem returns the element type of a List type. ok is false for other kinds.
func (t ColumnType) Elem() (elem ColumnType, ok bool) {
	if t.kind != List || t.elem == nil {
		return ColumnType{}, false
	}
	return *t.elem, true
}

// Equal reports whether t and o are the same type, parameters included.
func (t ColumnType) Equal(o ColumnType) bool {
	if t.kind != o.kind {
		return false
	}
	switch t.kind {
	case Date:
		return t.dateUnit == o.dateUnit
	case Interval:
		return t.interval == o.interval
	case Decimal:
		return t.precision == o.precision && t.scale == o.scale
	case List:
		te, _ := t.Elem()
		oe, _ := o.Elem()
		return te.Equal(oe)
	}
	return true
}

// IsInteger reports whether t is one of the integer kinds.
func (t ColumnType) IsInteger() bool {
	switch t.kind {
	case Int8, Int16, Int32, Int64:
		return true
	}
	return false
}

// String renders t in the form accepted by Parse.
func (t ColumnType) String() string {
	switch t.kind {
	case Date:
		return "date(" + t.dateUnit.String() + ")"
	case Interval:
		return "interval(" + t.interval.String() + ")"
	case Decimal:
		return fmt.Sprintf("decimal(%d,%d)", t.precision, t.scale)
	case List:
		elem, _ := t.Elem()
		return "list<" + elem.String() + ">"
	}
	return t.kind.String()
}

// MarshalText implements encoding.TextMarshaler.
func (t ColumnType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *ColumnType) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
