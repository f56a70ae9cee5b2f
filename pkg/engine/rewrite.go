package engine

import (
	"fmt"
	"strings"

	pgQuery "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/ha1tch/pgmeta/pkg/pgcatalog"
)

// binding ties one relation reference in a statement to the catalog table
// that serves it and the scratch table it is rebound to.
type binding struct {
	table *pgcatalog.Table
	scan  string
}

// walk visits m and every message reachable from it, depth first.
func walk(m protoreflect.Message, visit func(protoreflect.Message)) {
	visit(m)
	m.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		if fd.Kind() != protoreflect.MessageKind && fd.Kind() != protoreflect.GroupKind {
			return true
		}
		switch {
		case fd.IsMap():
		case fd.IsList():
			list := v.List()
			for i := 0; i < list.Len(); i++ {
				walk(list.Get(i).Message(), visit)
			}
		default:
			walk(v.Message(), visit)
		}
		return true
	})
}

// cteNames returns the lower-cased names of every CTE in stmt. They shadow
// unqualified catalog names anywhere in the statement.
func cteNames(stmt *pgQuery.Node) map[string]bool {
	names := make(map[string]bool)
	walk(stmt.ProtoReflect(), func(m protoreflect.Message) {
		if cte, ok := m.Interface().(*pgQuery.CommonTableExpr); ok {
			names[strings.ToLower(cte.Ctename)] = true
		}
	})
	return names
}

// bindCatalogRefs rewrites every RangeVar in stmt that resolves in reg to
// a fresh scratch table name, keeping the original relation name as its
// alias so column references still qualify. nextScan supplies unique names.
func bindCatalogRefs(stmt *pgQuery.Node, reg *pgcatalog.Registry, nextScan func() string) []binding {
	shadowed := cteNames(stmt)

	var refs []*pgQuery.RangeVar
	walk(stmt.ProtoReflect(), func(m protoreflect.Message) {
		if rv, ok := m.Interface().(*pgQuery.RangeVar); ok {
			refs = append(refs, rv)
		}
	})

	var out []binding
	for _, rv := range refs {
		if rv.Schemaname == "" && shadowed[strings.ToLower(rv.Relname)] {
			continue
		}
		tbl, ok := reg.Resolve(rv.Schemaname, rv.Relname)
		if !ok {
			continue
		}
		scan := nextScan()
		if rv.Alias == nil {
			rv.Alias = &pgQuery.Alias{Aliasname: rv.Relname}
		}
		rv.Catalogname = ""
		rv.Schemaname = ""
		rv.Relname = scan
		out = append(out, binding{table: tbl, scan: scan})
	}
	return out
}

// statementText returns the source text of raw within query.
func statementText(query string, raw *pgQuery.RawStmt) string {
	start := int(raw.StmtLocation)
	end := len(query)
	if raw.StmtLen > 0 {
		end = start + int(raw.StmtLen)
	}
	if start < 0 || start > end || end > len(query) {
		return query
	}
	return strings.TrimSpace(query[start:end])
}

// deparse prints a single rewritten statement back to SQL.
func deparse(version int32, raw *pgQuery.RawStmt) (string, error) {
	sql, err := pgQuery.Deparse(&pgQuery.ParseResult{
		Version: version,
		Stmts:   []*pgQuery.RawStmt{{Stmt: raw.Stmt}},
	})
	if err != nil {
		return "", fmt.Errorf("deparse: %w", err)
	}
	return sql, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
