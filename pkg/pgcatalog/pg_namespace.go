package pgcatalog

import (
	"context"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/ha1tch/pgmeta/pkg/semantic"
)

// Well-known namespace OIDs, as assigned by initdb.
const (
	PgCatalogNamespaceOID         uint32 = 11
	PublicNamespaceOID            uint32 = 2200
	InformationSchemaNamespaceOID uint32 = 13000

	// FirstNormalObjectID is the first OID handed out to user objects.
	FirstNormalObjectID uint32 = 16384
)

// InformationSchemaName is the namespace of the SQL-standard views.
const InformationSchemaName = "information_schema"

// PgNamespaceSchema is the layout of pg_catalog.pg_namespace.
var PgNamespaceSchema = arrow.NewSchema([]arrow.Field{
	{Name: "oid", Type: arrow.PrimitiveTypes.Int32},
	{Name: "nspname", Type: arrow.BinaryTypes.String},
	{Name: "nspowner", Type: arrow.PrimitiveTypes.Int32},
	{Name: "nspacl", Type: arrow.BinaryTypes.String, Nullable: true},
}, nil)

// bootstrapSuperuserOID owns every built-in namespace.
const bootstrapSuperuserOID uint32 = 10

var builtinNamespaces = []struct {
	oid  uint32
	name string
}{
	{PgCatalogNamespaceOID, CatalogSchemaName},
	{PublicNamespaceOID, semantic.DefaultSchema},
	{InformationSchemaNamespaceOID, InformationSchemaName},
}

// NamespaceOIDs assigns OIDs to every namespace: the built-in ones keep
// their fixed OIDs, other schemas named by tables are numbered from
// FirstNormalObjectID in name order.
func NamespaceOIDs(tables []semantic.Table) map[string]uint32 {
	oids := make(map[string]uint32, len(builtinNamespaces))
	for _, ns := range builtinNamespaces {
		oids[ns.name] = ns.oid
	}

	var extra []string
	for _, t := range tables {
		if _, ok := oids[t.Schema]; !ok {
			oids[t.Schema] = 0
			extra = append(extra, t.Schema)
		}
	}
	sort.Strings(extra)
	for i, name := range extra {
		oids[name] = FirstNormalObjectID + uint32(i)
	}
	return oids
}

// NewPgNamespaceTable creates pg_catalog.pg_namespace. The three built-in
// namespaces are always present; schemas introduced by meta follow them.
// meta may be nil.
func NewPgNamespaceTable(meta semantic.Source, opts ...TableOption) (*Table, error) {
	mode := BuildEager
	if meta != nil {
		mode = BuildVolatile
	}

	return NewTable(TableDef{
		Schema: CatalogSchemaName,
		Name:   "pg_namespace",
		Fields: PgNamespaceSchema,
		Mode:   mode,
		Populate: func(ctx context.Context, rb *RowBuilder) error {
			for _, ns := range builtinNamespaces {
				if err := rb.AppendRow(ns.oid, ns.name, bootstrapSuperuserOID, nil); err != nil {
					return err
				}
			}
			if meta == nil {
				return nil
			}

			tables, err := meta.Tables(ctx)
			if err != nil {
				return err
			}
			oids := NamespaceOIDs(tables)
			names := make([]string, 0, len(oids))
			for name, oid := range oids {
				if oid >= FirstNormalObjectID {
					names = append(names, name)
				}
			}
			sort.Slice(names, func(i, j int) bool { return oids[names[i]] < oids[names[j]] })
			for _, name := range names {
				if err := rb.AppendRow(oids[name], name, bootstrapSuperuserOID, nil); err != nil {
					return err
				}
			}
			return nil
		},
	}, opts...)
}
