// Package plan defines the contract between relation providers and the
// query planner.
//
// A TableProvider exposes a fixed Arrow schema and produces an
// ExecutionPlan when the planner scans it. Providers declare, per filter,
// whether they evaluate it themselves; anything declared unsupported must be
// applied by the planner after the scan.
package plan

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// TableType describes what kind of relation a provider represents.
type TableType int

const (
	TableTypeBase TableType = iota
	TableTypeView
	TableTypeTemporary
)

func (t TableType) String() string {
	switch t {
	case TableTypeBase:
		return "BASE TABLE"
	case TableTypeView:
		return "VIEW"
	case TableTypeTemporary:
		return "LOCAL TEMPORARY"
	default:
		return "UNKNOWN"
	}
}

// Writable reports whether the planner may route writes to relations of
// this type.
func (t TableType) Writable() bool {
	return t == TableTypeBase || t == TableTypeTemporary
}

// FilterPushdown is a provider's answer for one filter expression.
type FilterPushdown int

const (
	// PushdownUnsupported: the provider ignores the filter; the planner
	// must apply it.
	PushdownUnsupported FilterPushdown = iota
	// PushdownInexact: the provider may drop some non-matching rows; the
	// planner must still apply the filter.
	PushdownInexact
	// PushdownExact: the provider guarantees only matching rows.
	PushdownExact
)

func (f FilterPushdown) String() string {
	switch f {
	case PushdownUnsupported:
		return "unsupported"
	case PushdownInexact:
		return "inexact"
	case PushdownExact:
		return "exact"
	default:
		return fmt.Sprintf("pushdown(%d)", int(f))
	}
}

// Expr is a planner expression handed to providers during a scan.
// Providers that do not evaluate filters only need its printed form.
type Expr interface {
	String() string
}

// RawExpr is an Expr holding an unparsed SQL predicate.
type RawExpr string

func (e RawExpr) String() string { return string(e) }

// TableProvider is a relation the planner can scan.
type TableProvider interface {
	// Schema returns the relation's schema. It must be the same on every call.
	Schema() *arrow.Schema

	// TableType reports the relation kind.
	TableType() TableType

	// Scan returns a plan producing the relation's rows. projection selects
	// columns by index in the requested order; nil means all columns.
	// A nil limit means no limit.
	Scan(ctx context.Context, projection []int, filters []Expr, limit *int) (ExecutionPlan, error)

	// SupportsFilterPushdown reports how the provider treats filter.
	SupportsFilterPushdown(filter Expr) (FilterPushdown, error)
}

// ExecutionPlan produces record batches.
type ExecutionPlan interface {
	Schema() *arrow.Schema

	// Execute returns a reader over the plan's output. The caller must
	// Release the reader.
	Execute(ctx context.Context) (array.RecordReader, error)
}
