package pgcatalog

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
)

var (
	int16List = arrow.ListOf(arrow.PrimitiveTypes.Int16)
	int32List = arrow.ListOf(arrow.PrimitiveTypes.Int32)
)

// PgConstraintSchema is the layout of pg_catalog.pg_constraint.
var PgConstraintSchema = arrow.NewSchema([]arrow.Field{
	{Name: "oid", Type: arrow.PrimitiveTypes.Int32},
	{Name: "conname", Type: arrow.BinaryTypes.String},
	{Name: "connamespace", Type: arrow.PrimitiveTypes.Int32},
	{Name: "contype", Type: arrow.BinaryTypes.String},
	{Name: "condeferrable", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "condeferred", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "convalidated", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "conrelid", Type: arrow.PrimitiveTypes.Int32},
	{Name: "contypid", Type: arrow.PrimitiveTypes.Int32},
	{Name: "conindid", Type: arrow.PrimitiveTypes.Int32},
	{Name: "conparentid", Type: arrow.PrimitiveTypes.Int32},
	{Name: "confrelid", Type: arrow.PrimitiveTypes.Int32},
	{Name: "confupdtype", Type: arrow.BinaryTypes.String},
	{Name: "confdeltype", Type: arrow.BinaryTypes.String},
	{Name: "confmatchtype", Type: arrow.BinaryTypes.String},
	{Name: "conislocal", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "coninhcount", Type: arrow.PrimitiveTypes.Int32},
	{Name: "connoinherit", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "conkey", Type: int16List, Nullable: true},
	{Name: "confkey", Type: int16List, Nullable: true},
	{Name: "conpfeqop", Type: int32List, Nullable: true},
	{Name: "conppeqop", Type: int32List, Nullable: true},
	{Name: "conffeqop", Type: int32List, Nullable: true},
	{Name: "conexclop", Type: int32List, Nullable: true},
	// TODO: Postgres declares conbin as pg_node_tree; clients only read it
	// through pg_get_constraintdef, which is not provided yet.
	{Name: "conbin", Type: arrow.BinaryTypes.String, Nullable: true},
}, nil)

// Constraint kinds (pg_constraint.contype).
const (
	ConstraintCheck      = "c"
	ConstraintForeignKey = "f"
	ConstraintPrimaryKey = "p"
	ConstraintUnique     = "u"
	ConstraintExclusion  = "x"
)

// NoAction is the referential action code stored for non-foreign-key
// constraints.
const NoAction = " "

// ConstraintRow is one row of pg_constraint. Nil slices are NULL arrays.
type ConstraintRow struct {
	OID        uint32
	Name       string
	Namespace  uint32
	Type       string
	Deferrable bool
	Deferred   bool
	Validated  bool
	RelID      uint32
	TypeID     uint32
	IndexID    uint32
	ParentID   uint32
	FRelID     uint32
	FUpdType   string
	FDelType   string
	FMatchType string
	IsLocal    bool
	InhCount   int32
	NoInherit  bool
	Key        []int16
	FKey       []int16
	PFEqOp     []int32
	PPEqOp     []int32
	FFEqOp     []int32
	ExclOp     []int32
	Bin        *string
}

// PrimaryKey returns the row Postgres stores for a primary key over the
// given attribute numbers of relation relID.
func PrimaryKey(oid uint32, name string, namespace, relID, indexID uint32, key []int16) ConstraintRow {
	return ConstraintRow{
		OID:        oid,
		Name:       name,
		Namespace:  namespace,
		Type:       ConstraintPrimaryKey,
		Validated:  true,
		RelID:      relID,
		IndexID:    indexID,
		FUpdType:   NoAction,
		FDelType:   NoAction,
		FMatchType: NoAction,
		IsLocal:    true,
		NoInherit:  true,
		Key:        key,
	}
}

// ForeignKey returns the row for a simple foreign key from key of relID
// to fkey of fRelID, with NO ACTION on update and delete.
func ForeignKey(oid uint32, name string, namespace, relID, fRelID, indexID uint32, key, fkey []int16, eqOps []int32) ConstraintRow {
	return ConstraintRow{
		OID:        oid,
		Name:       name,
		Namespace:  namespace,
		Type:       ConstraintForeignKey,
		Validated:  true,
		RelID:      relID,
		IndexID:    indexID,
		FRelID:     fRelID,
		FUpdType:   "a",
		FDelType:   "a",
		FMatchType: "s",
		IsLocal:    true,
		NoInherit:  true,
		Key:        key,
		FKey:       fkey,
		PFEqOp:     eqOps,
		PPEqOp:     eqOps,
		FFEqOp:     eqOps,
	}
}

func (r ConstraintRow) values() []any {
	var bin any
	if r.Bin != nil {
		bin = *r.Bin
	}
	return []any{
		r.OID, r.Name, r.Namespace, r.Type,
		r.Deferrable, r.Deferred, r.Validated,
		r.RelID, r.TypeID, r.IndexID, r.ParentID, r.FRelID,
		r.FUpdType, r.FDelType, r.FMatchType,
		r.IsLocal, r.InhCount, r.NoInherit,
		r.Key, r.FKey, r.PFEqOp, r.PPEqOp, r.FFEqOp, r.ExclOp,
		bin,
	}
}

// NewPgConstraintTable creates pg_catalog.pg_constraint holding rows. The
// semantic layer has no notion of keys, so the server registers it empty.
func NewPgConstraintTable(rows []ConstraintRow, opts ...TableOption) (*Table, error) {
	return NewTable(TableDef{
		Schema: CatalogSchemaName,
		Name:   "pg_constraint",
		Fields: PgConstraintSchema,
		Mode:   BuildEager,
		Populate: func(_ context.Context, rb *RowBuilder) error {
			for _, row := range rows {
				if err := rb.AppendRow(row.values()...); err != nil {
					return err
				}
			}
			return nil
		},
	}, opts...)
}
