package pgcatalog

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	pmerrors "github.com/ha1tch/pgmeta/pkg/errors"
)

// columnAppender is one column's builder. accepts is checked for every
// value of a row before any of them is appended, so a rejected row leaves
// no partial entries behind.
type columnAppender interface {
	accepts(v any) bool
	append(v any)
	appendNull()
	builder() array.Builder
}

type int16Appender struct{ b *array.Int16Builder }

func (a int16Appender) accepts(v any) bool {
	_, ok := v.(int16)
	return ok
}

func (a int16Appender) append(v any)           { a.b.Append(v.(int16)) }
func (a int16Appender) appendNull()            { a.b.AppendNull() }
func (a int16Appender) builder() array.Builder { return a.b }

// int32Appender also takes uint32 so OIDs can be appended directly.
type int32Appender struct{ b *array.Int32Builder }

func (a int32Appender) accepts(v any) bool {
	switch v.(type) {
	case int32, uint32:
		return true
	}
	return false
}

func (a int32Appender) append(v any) {
	switch x := v.(type) {
	case int32:
		a.b.Append(x)
	case uint32:
		a.b.Append(int32(x))
	}
}

func (a int32Appender) appendNull()            { a.b.AppendNull() }
func (a int32Appender) builder() array.Builder { return a.b }

type int64Appender struct{ b *array.Int64Builder }

func (a int64Appender) accepts(v any) bool {
	_, ok := v.(int64)
	return ok
}

func (a int64Appender) append(v any)           { a.b.Append(v.(int64)) }
func (a int64Appender) appendNull()            { a.b.AppendNull() }
func (a int64Appender) builder() array.Builder { return a.b }

type boolAppender struct{ b *array.BooleanBuilder }

func (a boolAppender) accepts(v any) bool {
	_, ok := v.(bool)
	return ok
}

func (a boolAppender) append(v any)           { a.b.Append(v.(bool)) }
func (a boolAppender) appendNull()            { a.b.AppendNull() }
func (a boolAppender) builder() array.Builder { return a.b }

type stringAppender struct{ b *array.StringBuilder }

func (a stringAppender) accepts(v any) bool {
	_, ok := v.(string)
	return ok
}

func (a stringAppender) append(v any)           { a.b.Append(v.(string)) }
func (a stringAppender) appendNull()            { a.b.AppendNull() }
func (a stringAppender) builder() array.Builder { return a.b }

// listAppender appends one variable-length list per row. A nil slice is a
// NULL list; an empty slice is an empty list.
type listAppender struct {
	b    *array.ListBuilder
	elem columnAppender
}

func (a listAppender) accepts(v any) bool {
	switch a.elem.(type) {
	case int16Appender:
		_, ok := v.([]int16)
		return ok
	case int32Appender:
		_, ok := v.([]int32)
		return ok
	case stringAppender:
		_, ok := v.([]string)
		return ok
	}
	return false
}

func (a listAppender) append(v any) {
	switch xs := v.(type) {
	case []int16:
		if xs == nil {
			a.b.AppendNull()
			return
		}
		a.b.Append(true)
		for _, x := range xs {
			a.elem.append(x)
		}
	case []int32:
		if xs == nil {
			a.b.AppendNull()
			return
		}
		a.b.Append(true)
		for _, x := range xs {
			a.elem.append(x)
		}
	case []string:
		if xs == nil {
			a.b.AppendNull()
			return
		}
		a.b.Append(true)
		for _, x := range xs {
			a.elem.append(x)
		}
	}
}

func (a listAppender) appendNull()            { a.b.AppendNull() }
func (a listAppender) builder() array.Builder { return a.b }

func isNullValue(v any) bool {
	switch xs := v.(type) {
	case nil:
		return true
	case []int16:
		return xs == nil
	case []int32:
		return xs == nil
	case []string:
		return xs == nil
	}
	return false
}

// newAppender picks the appender for a builder created from a schema field.
func newAppender(b array.Builder) (columnAppender, error) {
	switch tb := b.(type) {
	case *array.Int16Builder:
		return int16Appender{tb}, nil
	case *array.Int32Builder:
		return int32Appender{tb}, nil
	case *array.Int64Builder:
		return int64Appender{tb}, nil
	case *array.BooleanBuilder:
		return boolAppender{tb}, nil
	case *array.StringBuilder:
		return stringAppender{tb}, nil
	case *array.ListBuilder:
		elem, err := newAppender(tb.ValueBuilder())
		if err != nil {
			return nil, err
		}
		if _, nested := elem.(listAppender); nested {
			return nil, fmt.Errorf("nested lists are not supported")
		}
		if _, ok := elem.(int64Appender); ok {
			return nil, fmt.Errorf("list<int64> is not supported")
		}
		if _, ok := elem.(boolAppender); ok {
			return nil, fmt.Errorf("list<bool> is not supported")
		}
		return listAppender{b: tb, elem: elem}, nil
	}
	return nil, fmt.Errorf("unsupported column type %s", b.Type())
}

// RowBuilder accumulates catalog rows column by column and produces one
// immutable record. It is not safe for concurrent use.
type RowBuilder struct {
	schema   *arrow.Schema
	cols     []columnAppender
	rows     int64
	err      error
	finished bool
}

// NewRowBuilder creates a builder with one typed column builder per field
// of schema. Supported field types are int16, int32, int64, bool, utf8 and
// lists of int16, int32 or utf8.
func NewRowBuilder(mem memory.Allocator, schema *arrow.Schema) (*RowBuilder, error) {
	if mem == nil {
		mem = memory.DefaultAllocator
	}

	rb := &RowBuilder{schema: schema}
	for _, field := range schema.Fields() {
		b := array.NewBuilder(mem, field.Type)
		col, err := newAppender(b)
		if err != nil {
			b.Release()
			rb.Release()
			return nil, pmerrors.Wrapf(err, pmerrors.ErrCodeCatalogBuild,
				"column %s", field.Name).
				WithOp("pgcatalog.NewRowBuilder").
				WithField("column", field.Name).
				Err()
		}
		rb.cols = append(rb.cols, col)
	}
	return rb, nil
}

// Schema returns the schema rows are built against.
func (rb *RowBuilder) Schema() *arrow.Schema {
	return rb.schema
}

// Len returns the number of rows appended.
func (rb *RowBuilder) Len() int64 {
	return rb.rows
}

// Err returns the contract violation that poisoned the builder, if any.
func (rb *RowBuilder) Err() error {
	return rb.err
}

// AppendRow appends one row. values must hold exactly one entry per schema
// column, in schema order; nil is NULL. A wrong arity, a value of the wrong
// Go type, or NULL in a non-nullable column is a contract violation: the
// row is rejected and the builder refuses all further appends and Finish.
func (rb *RowBuilder) AppendRow(values ...any) error {
	if rb.finished {
		return rb.finishedErr("RowBuilder.AppendRow")
	}
	if rb.err != nil {
		return rb.err
	}

	if len(values) != len(rb.cols) {
		return rb.poison(pmerrors.Newf(pmerrors.ErrCodeCatalogRowMismatch,
			"row has %d values, schema has %d columns", len(values), len(rb.cols)).
			WithField("row", rb.rows))
	}

	for i, v := range values {
		field := rb.schema.Field(i)
		if isNullValue(v) {
			if !field.Nullable {
				return rb.poison(pmerrors.Newf(pmerrors.ErrCodeCatalogRowMismatch,
					"NULL in non-nullable column %s", field.Name).
					WithField("row", rb.rows).
					WithField("column", field.Name))
			}
			continue
		}
		if !rb.cols[i].accepts(v) {
			return rb.poison(pmerrors.Newf(pmerrors.ErrCodeCatalogRowMismatch,
				"column %s expects %s, got %T", field.Name, field.Type, v).
				WithField("row", rb.rows).
				WithField("column", field.Name))
		}
	}

	for i, v := range values {
		if isNullValue(v) {
			rb.cols[i].appendNull()
			continue
		}
		rb.cols[i].append(v)
	}
	rb.rows++
	return nil
}

func (rb *RowBuilder) poison(b *pmerrors.Builder) error {
	rb.err = b.WithOp("RowBuilder.AppendRow").Err()
	return rb.err
}

func (rb *RowBuilder) finishedErr(op string) error {
	return pmerrors.New(pmerrors.ErrCodeCatalogBuilderFinished, "row builder already finished").
		WithOp(op).
		Err()
}

// Finish returns the built record with every column of length Len(). The
// builder cannot be used afterwards; the caller owns the record.
func (rb *RowBuilder) Finish() (arrow.Record, error) {
	if rb.finished {
		return nil, rb.finishedErr("RowBuilder.Finish")
	}
	rb.finished = true
	defer rb.Release()

	if rb.err != nil {
		return nil, rb.err
	}

	arrays := make([]arrow.Array, 0, len(rb.cols))
	defer func() {
		for _, arr := range arrays {
			arr.Release()
		}
	}()

	for i, col := range rb.cols {
		arr := col.builder().NewArray()
		arrays = append(arrays, arr)
		if int64(arr.Len()) != rb.rows {
			return nil, pmerrors.Newf(pmerrors.ErrCodeCatalogBuild,
				"column %s has %d values, expected %d", rb.schema.Field(i).Name, arr.Len(), rb.rows).
				WithOp("RowBuilder.Finish").
				Err()
		}
		if !arrow.TypeEqual(arr.DataType(), rb.schema.Field(i).Type) {
			return nil, pmerrors.Newf(pmerrors.ErrCodeCatalogBuild,
				"column %s built as %s, declared %s", rb.schema.Field(i).Name, arr.DataType(), rb.schema.Field(i).Type).
				WithOp("RowBuilder.Finish").
				Err()
		}
	}

	return array.NewRecord(rb.schema, arrays, rb.rows), nil
}

// Release frees the column builders. Finish calls it; callers only need it
// when abandoning a builder.
func (rb *RowBuilder) Release() {
	for _, col := range rb.cols {
		col.builder().Release()
	}
	rb.cols = nil
}
