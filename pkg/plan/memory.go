package plan

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	pmerrors "github.com/ha1tch/pgmeta/pkg/errors"
)

// MemoryExec replays in-memory record batches, optionally projected.
// It holds its own reference to every batch until Release.
type MemoryExec struct {
	schema     *arrow.Schema
	projection []int
	records    []arrow.Record
}

// NewMemoryExec returns a plan over records, all of which must conform to
// schema. projection is validated against schema; nil keeps every column.
func NewMemoryExec(schema *arrow.Schema, records []arrow.Record, projection []int) (*MemoryExec, error) {
	projected, err := ProjectSchema(schema, projection)
	if err != nil {
		return nil, err
	}

	for i, rec := range records {
		if !rec.Schema().Equal(schema) {
			return nil, pmerrors.Newf(pmerrors.ErrCodeCatalogBuild,
				"record %d does not match plan schema", i).
				WithOp("plan.NewMemoryExec").
				Err()
		}
	}

	held := make([]arrow.Record, len(records))
	for i, rec := range records {
		rec.Retain()
		held[i] = rec
	}

	// An empty projection still projects: it yields rows without columns.
	var proj []int
	if projection != nil {
		proj = make([]int, len(projection))
		copy(proj, projection)
	}

	return &MemoryExec{
		schema:     projected,
		projection: proj,
		records:    held,
	}, nil
}

// Schema returns the projected output schema.
func (m *MemoryExec) Schema() *arrow.Schema {
	return m.schema
}

// Projection returns the column indices applied to the batches, or nil.
func (m *MemoryExec) Projection() []int {
	return m.projection
}

// NumRows returns the total number of rows the plan will produce.
func (m *MemoryExec) NumRows() int64 {
	var n int64
	for _, rec := range m.records {
		n += rec.NumRows()
	}
	return n
}

// Execute returns a reader over the (projected) batches.
func (m *MemoryExec) Execute(ctx context.Context) (array.RecordReader, error) {
	if err := ctx.Err(); err != nil {
		return nil, pmerrors.Wrap(err, pmerrors.ErrCodeExecCancelled, "scan cancelled").
			WithOp("MemoryExec.Execute").
			Err()
	}

	out := make([]arrow.Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, m.project(rec))
	}
	defer func() {
		for _, rec := range out {
			rec.Release()
		}
	}()

	rdr, err := array.NewRecordReader(m.schema, out)
	if err != nil {
		return nil, pmerrors.Wrap(err, pmerrors.ErrCodeExecFailed, "creating record reader").
			WithOp("MemoryExec.Execute").
			Err()
	}
	return rdr, nil
}

// project returns a new reference; the caller releases it.
func (m *MemoryExec) project(rec arrow.Record) arrow.Record {
	if m.projection == nil {
		rec.Retain()
		return rec
	}
	cols := make([]arrow.Array, len(m.projection))
	for i, idx := range m.projection {
		cols[i] = rec.Column(idx)
	}
	return array.NewRecord(m.schema, cols, rec.NumRows())
}

// Release drops the plan's references to its batches.
func (m *MemoryExec) Release() {
	for _, rec := range m.records {
		rec.Release()
	}
	m.records = nil
}

// ProjectSchema returns the schema made of the fields at projection, in
// order. A nil projection returns schema itself.
func ProjectSchema(schema *arrow.Schema, projection []int) (*arrow.Schema, error) {
	if projection == nil {
		return schema, nil
	}
	fields := make([]arrow.Field, len(projection))
	for i, idx := range projection {
		if idx < 0 || idx >= schema.NumFields() {
			return nil, pmerrors.Newf(pmerrors.ErrCodeCatalogProjection,
				"projection index %d out of range for %d columns", idx, schema.NumFields()).
				WithField("index", idx).
				WithOp("plan.ProjectSchema").
				Err()
		}
		fields[i] = schema.Field(idx)
	}
	return arrow.NewSchema(fields, nil), nil
}

// Collect drains a plan into records, for callers that need the whole
// result at once. The caller releases every returned record.
func Collect(ctx context.Context, p ExecutionPlan) ([]arrow.Record, error) {
	rdr, err := p.Execute(ctx)
	if err != nil {
		return nil, err
	}
	defer rdr.Release()

	var out []arrow.Record
	for rdr.Next() {
		rec := rdr.Record()
		rec.Retain()
		out = append(out, rec)
	}
	if err := rdr.Err(); err != nil {
		for _, rec := range out {
			rec.Release()
		}
		return nil, err
	}
	return out, nil
}
