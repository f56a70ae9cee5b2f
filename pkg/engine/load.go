package engine

import (
	"context"
	"database/sql/driver"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/duckdb/duckdb-go/v2"

	pmerrors "github.com/ha1tch/pgmeta/pkg/errors"
	"github.com/ha1tch/pgmeta/pkg/plan"
)

// scanTablePrefix names the scratch tables that hold catalog batches for
// the statement in progress.
const scanTablePrefix = "pgmeta_scan_"

// columnDDL returns the DuckDB column type for an Arrow catalog type.
func columnDDL(dt arrow.DataType) (string, error) {
	switch t := dt.(type) {
	case *arrow.BooleanType:
		return "BOOLEAN", nil
	case *arrow.Int8Type:
		return "TINYINT", nil
	case *arrow.Int16Type:
		return "SMALLINT", nil
	case *arrow.Int32Type:
		return "INTEGER", nil
	case *arrow.Int64Type:
		return "BIGINT", nil
	case *arrow.Uint32Type:
		return "UINTEGER", nil
	case *arrow.Float64Type:
		return "DOUBLE", nil
	case *arrow.StringType:
		return "VARCHAR", nil
	case *arrow.ListType:
		elem, err := columnDDL(t.Elem())
		if err != nil {
			return "", err
		}
		return elem + "[]", nil
	}
	return "", fmt.Errorf("no DuckDB column type for %s", dt)
}

// createTableSQL builds the CREATE TABLE statement for a catalog schema.
func createTableSQL(name string, schema *arrow.Schema) (string, error) {
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	b.WriteString(quoteIdent(name))
	b.WriteString(" (")
	for i, f := range schema.Fields() {
		ddl, err := columnDDL(f.Type)
		if err != nil {
			return "", fmt.Errorf("column %s: %w", f.Name, err)
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteIdent(f.Name))
		b.WriteByte(' ')
		b.WriteString(ddl)
	}
	b.WriteByte(')')
	return b.String(), nil
}

// driverValue returns arr[row] in the form the DuckDB appender accepts.
func driverValue(arr arrow.Array, row int) (driver.Value, error) {
	if arr.IsNull(row) {
		return nil, nil
	}
	switch a := arr.(type) {
	case *array.Boolean:
		return a.Value(row), nil
	case *array.Int8:
		return a.Value(row), nil
	case *array.Int16:
		return a.Value(row), nil
	case *array.Int32:
		return a.Value(row), nil
	case *array.Int64:
		return a.Value(row), nil
	case *array.Uint32:
		return a.Value(row), nil
	case *array.Float64:
		return a.Value(row), nil
	case *array.String:
		return a.Value(row), nil
	case *array.List:
		start, end := a.ValueOffsets(row)
		values := a.ListValues()
		elems := make([]any, 0, end-start)
		for i := int(start); i < int(end); i++ {
			v, err := driverValue(values, i)
			if err != nil {
				return nil, err
			}
			elems = append(elems, v)
		}
		return elems, nil
	}
	return nil, fmt.Errorf("no appender value for %s", arr.DataType())
}

// loadTable scans a catalog table and copies its rows into a new DuckDB
// table called name.
func (e *Engine) loadTable(ctx context.Context, b binding) error {
	fail := func(err error) error {
		return pmerrors.Wrapf(err, pmerrors.ErrCodeExecFailed,
			"loading %s", b.table.QualifiedName()).
			WithOp("Engine.loadTable").
			WithField("table", b.scan).
			Err()
	}

	p, err := b.table.Scan(ctx, nil, nil, nil)
	if err != nil {
		return err
	}
	if r, ok := p.(interface{ Release() }); ok {
		defer r.Release()
	}
	records, err := plan.Collect(ctx, p)
	if err != nil {
		return err
	}
	defer func() {
		for _, rec := range records {
			rec.Release()
		}
	}()

	ddl, err := createTableSQL(b.scan, p.Schema())
	if err != nil {
		return fail(err)
	}
	if _, err := e.conn.ExecContext(ctx, ddl, nil); err != nil {
		return fail(err)
	}

	app, err := duckdb.NewAppenderFromConn(e.conn, "", b.scan)
	if err != nil {
		return fail(err)
	}
	row := make([]driver.Value, p.Schema().NumFields())
	for _, rec := range records {
		for r := 0; r < int(rec.NumRows()); r++ {
			for c, col := range rec.Columns() {
				if row[c], err = driverValue(col, r); err != nil {
					app.Close()
					return fail(err)
				}
			}
			if err := app.AppendRow(row...); err != nil {
				app.Close()
				return fail(err)
			}
		}
	}
	if err := app.Close(); err != nil {
		return fail(err)
	}
	return nil
}

// loadTables loads every binding. The returned cleanup drops the tables
// created so far; it is safe to call after a partial failure.
func (e *Engine) loadTables(ctx context.Context, bindings []binding) (func(), error) {
	var created []string
	cleanup := func() {
		for i := len(created) - 1; i >= 0; i-- {
			e.dropTable(created[i])
		}
	}

	for _, b := range bindings {
		err := e.loadTable(ctx, b)
		// A failed load may still have created the table.
		created = append(created, b.scan)
		if err != nil {
			return cleanup, err
		}
	}
	return cleanup, nil
}

func (e *Engine) dropTable(name string) {
	if _, err := e.conn.ExecContext(context.Background(), "DROP TABLE IF EXISTS "+quoteIdent(name), nil); err != nil {
		e.logger.Execution().Warn("dropping scan table", "table", name, "error", err.Error())
	}
}
