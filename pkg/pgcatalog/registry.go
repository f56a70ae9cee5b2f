package pgcatalog

import (
	"sort"
	"strings"
	"sync"

	pmerrors "github.com/ha1tch/pgmeta/pkg/errors"
	"github.com/ha1tch/pgmeta/pkg/semantic"
)

// SearchPath is the namespace order unqualified names resolve through.
var SearchPath = []string{CatalogSchemaName, semantic.DefaultSchema}

// Registry maps qualified names to catalog tables. It is safe for
// concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tables map[string]*Table
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tables: make(map[string]*Table)}
}

func registryKey(namespace, name string) string {
	return strings.ToLower(namespace) + "." + strings.ToLower(name)
}

// Register adds t under its qualified name.
func (r *Registry) Register(t *Table) error {
	key := registryKey(t.Namespace(), t.Name())

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tables[key]; exists {
		return pmerrors.AlreadyExists("catalog table", t.QualifiedName()).
			WithOp("Registry.Register").
			Err()
	}
	r.tables[key] = t
	return nil
}

// Lookup resolves a table name. Matching is case-insensitive and double
// quotes around either part are ignored. An unqualified name is looked up
// in each SearchPath namespace in turn.
func (r *Registry) Lookup(name string) (*Table, error) {
	namespace, rel := splitQualified(name)
	t, ok := r.Resolve(namespace, rel)
	if !ok {
		return nil, pmerrors.NotFound("relation", name).
			WithOp("Registry.Lookup").
			Err()
	}
	return t, nil
}

// Resolve finds namespace.name, or name along SearchPath when namespace
// is empty.
func (r *Registry) Resolve(namespace, name string) (*Table, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if namespace != "" {
		t, ok := r.tables[registryKey(namespace, name)]
		return t, ok
	}
	for _, ns := range SearchPath {
		if t, ok := r.tables[registryKey(ns, name)]; ok {
			return t, true
		}
	}
	return nil, false
}

func splitQualified(name string) (namespace, rel string) {
	unquote := func(s string) string {
		s = strings.TrimSpace(s)
		if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
			return s[1 : len(s)-1]
		}
		return s
	}
	if ns, rest, ok := strings.Cut(name, "."); ok {
		return unquote(ns), unquote(rest)
	}
	return "", unquote(name)
}

// Tables returns every registered table ordered by qualified name.
func (r *Registry) Tables() []*Table {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Table, 0, len(r.tables))
	for _, t := range r.tables {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].QualifiedName() < out[j].QualifiedName()
	})
	return out
}

// Close releases every table's batch and empties the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, t := range r.tables {
		t.Close()
		delete(r.tables, key)
	}
}

type defaultConfig struct {
	constraints []ConstraintRow
	tableOpts   []TableOption
}

// RegistryOption configures NewDefault.
type RegistryOption func(*defaultConfig)

// WithConstraints populates pg_constraint with rows.
func WithConstraints(rows []ConstraintRow) RegistryOption {
	return func(c *defaultConfig) {
		c.constraints = rows
	}
}

// WithTableOptions applies opts to every table created.
func WithTableOptions(opts ...TableOption) RegistryOption {
	return func(c *defaultConfig) {
		c.tableOpts = append(c.tableOpts, opts...)
	}
}

// NewDefault builds the standard catalog over meta: pg_catalog.pg_constraint,
// pg_catalog.pg_namespace, information_schema.columns and
// information_schema.tables. dbName is reported as table_catalog. A nil
// meta serves an empty schema.
func NewDefault(meta semantic.Source, dbName string, opts ...RegistryOption) (*Registry, error) {
	var cfg defaultConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if meta == nil {
		empty, _ := semantic.NewStaticSource()
		meta = empty
	}

	builders := []func() (*Table, error){
		func() (*Table, error) { return NewPgConstraintTable(cfg.constraints, cfg.tableOpts...) },
		func() (*Table, error) { return NewPgNamespaceTable(meta, cfg.tableOpts...) },
		func() (*Table, error) { return NewColumnsTable(meta, dbName, cfg.tableOpts...) },
		func() (*Table, error) { return NewTablesTable(meta, dbName, cfg.tableOpts...) },
	}

	r := NewRegistry()
	for _, build := range builders {
		t, err := build()
		if err != nil {
			r.Close()
			return nil, err
		}
		if err := r.Register(t); err != nil {
			t.Close()
			r.Close()
			return nil, err
		}
	}
	return r, nil
}
