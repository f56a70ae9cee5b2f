package pgcatalog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	pmerrors "github.com/ha1tch/pgmeta/pkg/errors"
	"github.com/ha1tch/pgmeta/pkg/log"
	"github.com/ha1tch/pgmeta/pkg/plan"
)

// BuildMode controls when a table materializes its batch.
type BuildMode int

const (
	// BuildEager builds in NewTable; construction fails if the build fails.
	BuildEager BuildMode = iota
	// BuildLazy builds once, on the first Scan.
	BuildLazy
	// BuildVolatile builds a fresh batch on every Scan.
	BuildVolatile
)

func (m BuildMode) String() string {
	switch m {
	case BuildEager:
		return "eager"
	case BuildLazy:
		return "lazy"
	case BuildVolatile:
		return "volatile"
	default:
		return "unknown"
	}
}

// PopulateFunc appends a catalog table's rows. A nil PopulateFunc yields
// an empty table.
type PopulateFunc func(ctx context.Context, rb *RowBuilder) error

// TableDef describes one catalog table.
type TableDef struct {
	Schema   string // namespace, e.g. "pg_catalog"
	Name     string
	Fields   *arrow.Schema
	Populate PopulateFunc
	Mode     BuildMode
}

// Table is a read-only catalog relation backed by one immutable batch.
type Table struct {
	namespace string
	name      string
	schema    *arrow.Schema
	populate  PopulateFunc
	mode      BuildMode

	mem    memory.Allocator
	logger *log.Logger

	once   sync.Once
	ready  atomic.Bool
	closed atomic.Bool
	batch  arrow.Record
	err    error
}

// TableOption configures a Table.
type TableOption func(*Table)

// WithAllocator sets the allocator used for batches.
func WithAllocator(mem memory.Allocator) TableOption {
	return func(t *Table) {
		t.mem = mem
	}
}

// WithLogger sets the logger for build events.
func WithLogger(logger *log.Logger) TableOption {
	return func(t *Table) {
		t.logger = logger
	}
}

// NewTable creates a catalog table. Eager tables are built before
// NewTable returns and a build failure is returned here.
func NewTable(def TableDef, opts ...TableOption) (*Table, error) {
	if def.Fields == nil || def.Name == "" {
		return nil, pmerrors.New(pmerrors.ErrCodeCatalogBuild, "table definition needs a name and fields").
			WithOp("pgcatalog.NewTable").
			WithField("table", def.Name).
			Err()
	}

	t := &Table{
		namespace: def.Schema,
		name:      def.Name,
		schema:    def.Fields,
		populate:  def.Populate,
		mode:      def.Mode,
		mem:       memory.DefaultAllocator,
		logger:    log.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.mode == BuildEager {
		if _, err := t.built(context.Background()); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Name returns the unqualified table name.
func (t *Table) Name() string { return t.name }

// Namespace returns the schema the table lives in.
func (t *Table) Namespace() string { return t.namespace }

// QualifiedName returns namespace.name.
func (t *Table) QualifiedName() string {
	if t.namespace == "" {
		return t.name
	}
	return t.namespace + "." + t.name
}

// Mode returns the table's build mode.
func (t *Table) Mode() BuildMode { return t.mode }

// Schema returns the fixed schema. The same value is returned on every call.
func (t *Table) Schema() *arrow.Schema {
	return t.schema
}

// TableType reports catalog tables as views; they are never writable.
func (t *Table) TableType() plan.TableType {
	return plan.TableTypeView
}

// SupportsFilterPushdown always answers unsupported: Scan never evaluates
// filters, so the planner must apply every one of them.
func (t *Table) SupportsFilterPushdown(plan.Expr) (plan.FilterPushdown, error) {
	return plan.PushdownUnsupported, nil
}

// Scan returns a plan replaying the table's batch with projection applied.
// filters and limit are not evaluated; the full batch is always produced.
func (t *Table) Scan(ctx context.Context, projection []int, filters []plan.Expr, limit *int) (plan.ExecutionPlan, error) {
	batch, err := t.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer batch.Release()

	exec, err := plan.NewMemoryExec(t.schema, []arrow.Record{batch}, projection)
	if err != nil {
		return nil, pmerrors.Wrap(err, pmerrors.GetCode(err), "scan failed").
			WithOp("Table.Scan").
			WithField("table", t.QualifiedName()).
			Err()
	}

	if t.logger.Enabled(log.CategoryExecution, log.LevelDebug) {
		t.logger.Execution().Debug("catalog scan",
			"table", t.QualifiedName(),
			"rows", batch.NumRows(),
			"projection", projection,
			"filters", len(filters),
		)
	}
	return exec, nil
}

// Batch returns a reference to the table's current batch. The caller must
// Release it.
func (t *Table) Batch(ctx context.Context) (arrow.Record, error) {
	return t.acquire(ctx)
}

// Built reports whether an eager or lazy table has materialized its batch.
// Volatile tables never hold one.
func (t *Table) Built() bool {
	return t.ready.Load()
}

// acquire returns a retained batch.
func (t *Table) acquire(ctx context.Context) (arrow.Record, error) {
	if t.closed.Load() {
		return nil, pmerrors.New(pmerrors.ErrCodeExecInvalidState, "catalog table is closed").
			WithOp("Table.Scan").
			WithField("table", t.QualifiedName()).
			Err()
	}
	if t.mode == BuildVolatile {
		return t.build(ctx)
	}
	batch, err := t.built(ctx)
	if err != nil {
		return nil, err
	}
	batch.Retain()
	return batch, nil
}

// built materializes the shared batch at most once.
func (t *Table) built(ctx context.Context) (arrow.Record, error) {
	t.once.Do(func() {
		t.batch, t.err = t.build(context.WithoutCancel(ctx))
		t.ready.Store(t.err == nil)
	})
	return t.batch, t.err
}

// build runs the populate function into a fresh builder. The returned
// record belongs to the caller.
func (t *Table) build(ctx context.Context) (arrow.Record, error) {
	start := time.Now()

	rb, err := NewRowBuilder(t.mem, t.schema)
	if err != nil {
		return nil, err
	}

	if t.populate != nil {
		if err := t.populate(ctx, rb); err != nil {
			rb.Release()
			t.logger.Catalog().Error("catalog table build failed", err,
				"table", t.QualifiedName(),
			)
			return nil, pmerrors.Wrap(err, pmerrors.ErrCodeCatalogBuild, "populating catalog table").
				WithOp("Table.build").
				WithField("table", t.QualifiedName()).
				Err()
		}
	}

	batch, err := rb.Finish()
	if err != nil {
		t.logger.Catalog().Error("catalog table build failed", err,
			"table", t.QualifiedName(),
		)
		return nil, err
	}

	t.logger.Catalog().Debug("catalog table built",
		"table", t.QualifiedName(),
		"mode", t.mode.String(),
		"rows", batch.NumRows(),
		"duration", time.Since(start),
	)
	return batch, nil
}

// Close releases the table's batch. Later scans fail with
// ErrCodeExecInvalidState; batches handed out earlier stay valid.
func (t *Table) Close() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}
	t.ready.Store(false)
	if t.batch != nil {
		t.batch.Release()
		t.batch = nil
	}
}
