// Package semantic holds the semantic-layer schema the catalog is built
// from, and the sources it can be loaded from.
package semantic

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"strings"

	pmerrors "github.com/ha1tch/pgmeta/pkg/errors"
	"github.com/ha1tch/pgmeta/pkg/sqltype"
)

// DefaultSchema is the namespace of tables that do not name one.
const DefaultSchema = "public"

// Column is one column of a semantic relation.
type Column struct {
	Name        string             `json:"name"`
	ColumnType  sqltype.ColumnType `json:"type"`
	Nullable    bool               `json:"nullable"`
	Description string             `json:"description,omitempty"`
	Ordinal     int                `json:"ordinal,omitempty"` // 1-based
}

// Type returns the column's semantic type.
func (c Column) Type() sqltype.ColumnType { return c.ColumnType }

// SQLCanBeNull reports whether the column may hold NULL.
func (c Column) SQLCanBeNull() bool { return c.Nullable }

// Table is one semantic relation (a cube or view).
type Table struct {
	Schema      string   `json:"schema,omitempty"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Columns     []Column `json:"columns"`
}

// QualifiedName returns schema.name.
func (t Table) QualifiedName() string {
	return t.Schema + "." + t.Name
}

// Source provides the current semantic schema. Implementations must be
// safe for concurrent use; every call returns a snapshot the caller may
// keep.
type Source interface {
	Tables(ctx context.Context) ([]Table, error)
}

// Document is the on-disk form of a schema: a JSON object with an optional
// default schema and a list of tables.
type Document struct {
	Schema string  `json:"schema,omitempty"`
	Tables []Table `json:"tables"`
}

// Decode reads a schema document and normalizes it.
func Decode(r io.Reader) ([]Table, error) {
	var doc Document
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		code := pmerrors.ErrCodeSourceParse
		var perr *sqltype.ParseError
		if pmerrors.As(err, &perr) {
			code = pmerrors.ErrCodeSourceType
		}
		return nil, pmerrors.Wrap(err, code, "decoding schema document").
			WithOp("semantic.Decode").
			Err()
	}

	for i := range doc.Tables {
		if doc.Tables[i].Schema == "" {
			doc.Tables[i].Schema = doc.Schema
		}
	}
	return Normalize(doc.Tables)
}

// Normalize fills defaults, validates names and orders tables by qualified
// name. Columns without an ordinal are numbered by position.
func Normalize(tables []Table) ([]Table, error) {
	out := make([]Table, len(tables))
	seen := make(map[string]bool, len(tables))

	for i, t := range tables {
		if t.Schema == "" {
			t.Schema = DefaultSchema
		}
		if t.Name == "" {
			return nil, pmerrors.New(pmerrors.ErrCodeSourceInvalid, "table without a name").
				WithOp("semantic.Normalize").
				WithField("index", i).
				Err()
		}
		key := strings.ToLower(t.QualifiedName())
		if seen[key] {
			return nil, pmerrors.New(pmerrors.ErrCodeSourceInvalid, "duplicate table").
				WithOp("semantic.Normalize").
				WithField("table", t.QualifiedName()).
				Err()
		}
		seen[key] = true

		cols := make([]Column, len(t.Columns))
		names := make(map[string]bool, len(t.Columns))
		for j, c := range t.Columns {
			if c.Name == "" {
				return nil, pmerrors.New(pmerrors.ErrCodeSourceInvalid, "column without a name").
					WithOp("semantic.Normalize").
					WithField("table", t.QualifiedName()).
					WithField("index", j).
					Err()
			}
			if names[strings.ToLower(c.Name)] {
				return nil, pmerrors.New(pmerrors.ErrCodeSourceInvalid, "duplicate column").
					WithOp("semantic.Normalize").
					WithField("table", t.QualifiedName()).
					WithField("column", c.Name).
					Err()
			}
			names[strings.ToLower(c.Name)] = true
			if c.Ordinal == 0 {
				c.Ordinal = j + 1
			}
			cols[j] = c
		}
		sort.SliceStable(cols, func(a, b int) bool { return cols[a].Ordinal < cols[b].Ordinal })
		t.Columns = cols
		out[i] = t
	}

	sortTables(out)
	return out, nil
}

func sortTables(tables []Table) {
	sort.Slice(tables, func(i, j int) bool {
		if tables[i].Schema != tables[j].Schema {
			return tables[i].Schema < tables[j].Schema
		}
		return tables[i].Name < tables[j].Name
	})
}

// clone copies tables deeply enough that callers cannot alter a source's
// snapshot.
func clone(tables []Table) []Table {
	out := make([]Table, len(tables))
	for i, t := range tables {
		t.Columns = append([]Column(nil), t.Columns...)
		out[i] = t
	}
	return out
}

// StaticSource serves a fixed schema.
type StaticSource struct {
	tables []Table
}

// NewStaticSource validates tables and returns a source serving them.
func NewStaticSource(tables ...Table) (*StaticSource, error) {
	norm, err := Normalize(tables)
	if err != nil {
		return nil, err
	}
	return &StaticSource{tables: norm}, nil
}

// Tables returns the fixed schema.
func (s *StaticSource) Tables(ctx context.Context) ([]Table, error) {
	return clone(s.tables), nil
}

// multiSource concatenates several sources.
type multiSource []Source

// Merge combines sources into one. A table defined by more than one source
// is an error at read time.
func Merge(sources ...Source) Source {
	if len(sources) == 1 {
		return sources[0]
	}
	return multiSource(sources)
}

func (m multiSource) Tables(ctx context.Context) ([]Table, error) {
	var all []Table
	for _, src := range m {
		tables, err := src.Tables(ctx)
		if err != nil {
			return nil, err
		}
		all = append(all, tables...)
	}
	return Normalize(all)
}
