// Package engine executes SQL against the virtual catalog.
//
// Each statement is parsed with the Postgres parser. Relation references
// that resolve in the catalog registry are rebound to scratch tables that
// hold the catalog tables' batches, loaded through the DuckDB appender for
// the duration of the statement. Everything else, including DuckDB's own
// pg_catalog builtins, runs unchanged.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/duckdb/duckdb-go/v2"
	pgQuery "github.com/pganalyze/pg_query_go/v6"

	pmerrors "github.com/ha1tch/pgmeta/pkg/errors"
	"github.com/ha1tch/pgmeta/pkg/log"
	"github.com/ha1tch/pgmeta/pkg/pgcatalog"
	"github.com/ha1tch/pgmeta/pkg/version"
)

// Result is the outcome of one statement. Statements without a row set
// (SET, BEGIN) carry only a Tag.
type Result struct {
	Schema  *arrow.Schema
	Records []arrow.Record
	Tag     string

	// InTransaction is set by ROLLBACK TO SAVEPOINT, which shares the
	// ROLLBACK tag but leaves the transaction open.
	InTransaction bool
}

// NumRows returns the number of rows across all records.
func (r *Result) NumRows() int64 {
	var n int64
	for _, rec := range r.Records {
		n += rec.NumRows()
	}
	return n
}

// Release drops the result's records.
func (r *Result) Release() {
	for _, rec := range r.Records {
		rec.Release()
	}
	r.Records = nil
}

// ReleaseAll releases every result in rs.
func ReleaseAll(rs []*Result) {
	for _, r := range rs {
		r.Release()
	}
}

// Engine runs queries on a single embedded DuckDB connection.
type Engine struct {
	reg    *pgcatalog.Registry
	logger *log.Logger
	params map[string]string

	mu        sync.Mutex
	connector *duckdb.Connector
	conn      *duckdb.Conn
	scans     uint64
	closed    bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithParameter overrides a run-time parameter reported by SHOW.
func WithParameter(name, value string) Option {
	return func(e *Engine) {
		e.params[strings.ToLower(name)] = value
	}
}

// DefaultParameters returns the run-time parameters answered by SHOW and
// reported to clients at startup.
func DefaultParameters() map[string]string {
	return map[string]string{
		"server_version":              version.ServerVersion,
		"server_encoding":             "UTF8",
		"client_encoding":             "UTF8",
		"datestyle":                   "ISO, MDY",
		"timezone":                    "UTC",
		"standard_conforming_strings": "on",
		"integer_datetimes":           "on",
		"search_path":                 `"$user", public`,
		"transaction_isolation":       "read committed",
		"application_name":            "",
	}
}

// Open starts an in-memory DuckDB instance serving reg.
func Open(ctx context.Context, reg *pgcatalog.Registry, opts ...Option) (*Engine, error) {
	e := &Engine{
		reg:    reg,
		logger: log.Default(),
		params: DefaultParameters(),
	}
	for _, opt := range opts {
		opt(e)
	}

	connector, err := duckdb.NewConnector("", nil)
	if err != nil {
		return nil, pmerrors.Wrap(err, pmerrors.ErrCodeExecFailed, "opening duckdb").
			WithOp("engine.Open").
			Err()
	}
	conn, err := connector.Connect(ctx)
	if err != nil {
		connector.Close()
		return nil, pmerrors.Wrap(err, pmerrors.ErrCodeExecFailed, "connecting to duckdb").
			WithOp("engine.Open").
			Err()
	}

	e.connector = connector
	e.conn = conn.(*duckdb.Conn)

	e.logger.System().Debug("engine opened", "catalog_tables", len(reg.Tables()))
	return e, nil
}

// Parameter returns the value of a run-time parameter.
func (e *Engine) Parameter(name string) (string, bool) {
	v, ok := e.params[strings.ToLower(name)]
	return v, ok
}

// Parameters returns a copy of the run-time parameters.
func (e *Engine) Parameters() map[string]string {
	out := make(map[string]string, len(e.params))
	for k, v := range e.params {
		out[k] = v
	}
	return out
}

// Execute runs every statement in query in order. On failure it returns
// the results of the statements that completed before the error. An
// empty query returns no results and no error.
func (e *Engine) Execute(ctx context.Context, query string) ([]*Result, error) {
	tree, err := pgQuery.Parse(query)
	if err != nil {
		return nil, pmerrors.New(pmerrors.ErrCodeExecSyntax, err.Error()).
			WithOp("Engine.Execute").
			Err()
	}

	var results []*Result
	for _, raw := range tree.Stmts {
		res, err := e.executeStmt(ctx, query, tree.Version, raw)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (e *Engine) executeStmt(ctx context.Context, query string, version int32, raw *pgQuery.RawStmt) (*Result, error) {
	switch n := raw.Stmt.GetNode().(type) {
	case *pgQuery.Node_SelectStmt:
		return e.runQuery(ctx, query, version, raw, "SELECT")
	case *pgQuery.Node_ExplainStmt:
		return e.runQuery(ctx, query, version, raw, "EXPLAIN")
	case *pgQuery.Node_VariableSetStmt:
		return &Result{Tag: "SET"}, nil
	case *pgQuery.Node_VariableShowStmt:
		return e.show(n.VariableShowStmt.Name)
	case *pgQuery.Node_TransactionStmt:
		kind := n.TransactionStmt.Kind
		return &Result{
			Tag:           transactionTag(kind),
			InTransaction: kind == pgQuery.TransactionStmtKind_TRANS_STMT_ROLLBACK_TO,
		}, nil
	default:
		return nil, pmerrors.Newf(pmerrors.ErrCodeExecReadOnly,
			"cannot execute %s in a read-only catalog", statementKind(raw.Stmt)).
			WithOp("Engine.Execute").
			Err()
	}
}

func transactionTag(kind pgQuery.TransactionStmtKind) string {
	switch kind {
	case pgQuery.TransactionStmtKind_TRANS_STMT_COMMIT:
		return "COMMIT"
	case pgQuery.TransactionStmtKind_TRANS_STMT_ROLLBACK,
		pgQuery.TransactionStmtKind_TRANS_STMT_ROLLBACK_TO:
		return "ROLLBACK"
	case pgQuery.TransactionStmtKind_TRANS_STMT_SAVEPOINT:
		return "SAVEPOINT"
	case pgQuery.TransactionStmtKind_TRANS_STMT_RELEASE:
		return "RELEASE"
	case pgQuery.TransactionStmtKind_TRANS_STMT_PREPARE:
		return "PREPARE TRANSACTION"
	case pgQuery.TransactionStmtKind_TRANS_STMT_COMMIT_PREPARED:
		return "COMMIT PREPARED"
	case pgQuery.TransactionStmtKind_TRANS_STMT_ROLLBACK_PREPARED:
		return "ROLLBACK PREPARED"
	default: // BEGIN, START TRANSACTION
		return "BEGIN"
	}
}

// statementKind names a statement's node type for error messages, e.g.
// "InsertStmt".
func statementKind(n *pgQuery.Node) string {
	name := fmt.Sprintf("%T", n.GetNode())
	name = strings.TrimPrefix(name, "*pg_query.Node_")
	return name
}

func (e *Engine) show(name string) (*Result, error) {
	value, ok := e.Parameter(name)
	if !ok {
		return nil, pmerrors.Newf(pmerrors.ErrCodeExecSQLError,
			"unrecognized configuration parameter %q", name).
			WithOp("Engine.show").
			WithField("parameter", name).
			Err()
	}

	schema := arrow.NewSchema([]arrow.Field{
		{Name: strings.ToLower(name), Type: arrow.BinaryTypes.String},
	}, nil)
	rb, err := pgcatalog.NewRowBuilder(memory.DefaultAllocator, schema)
	if err != nil {
		return nil, err
	}
	if err := rb.AppendRow(value); err != nil {
		rb.Release()
		return nil, err
	}
	rec, err := rb.Finish()
	if err != nil {
		return nil, err
	}
	return &Result{Schema: schema, Records: []arrow.Record{rec}, Tag: "SHOW"}, nil
}

// runQuery binds catalog references, loads their scratch tables and drains
// the DuckDB result into memory.
func (e *Engine) runQuery(ctx context.Context, query string, version int32, raw *pgQuery.RawStmt, tag string) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, pmerrors.New(pmerrors.ErrCodeExecInvalidState, "engine is closed").
			WithOp("Engine.Execute").
			Err()
	}

	start := time.Now()
	bindings := bindCatalogRefs(raw.Stmt, e.reg, e.nextScan)

	sqlText := statementText(query, raw)
	if len(bindings) > 0 {
		var err error
		if sqlText, err = deparse(version, raw); err != nil {
			return nil, pmerrors.Wrap(err, pmerrors.ErrCodeExecFailed, "rewriting statement").
				WithOp("Engine.Execute").
				Err()
		}
	}

	cleanup, err := e.loadTables(ctx, bindings)
	defer cleanup()
	if err != nil {
		return nil, err
	}

	rows, err := e.conn.QueryContext(ctx, sqlText, nil)
	if err != nil {
		return nil, e.queryErr(ctx, err, sqlText)
	}
	defer rows.Close()

	schema, records, err := readRows(rows, memory.DefaultAllocator)
	if err != nil {
		return nil, e.queryErr(ctx, err, sqlText)
	}

	res := &Result{Schema: schema, Records: records, Tag: tag}
	if tag == "SELECT" {
		res.Tag = fmt.Sprintf("SELECT %d", res.NumRows())
	}

	e.execLog(ctx).Debug("statement executed",
		"catalog_refs", len(bindings),
		"rows", res.NumRows(),
		"duration", time.Since(start))
	return res, nil
}

// execLog returns the execution logger, tagged with the session that
// issued ctx's statement.
func (e *Engine) execLog(ctx context.Context) *log.CategoryLogger {
	if id := log.SessionIDFromContext(ctx); id != "" {
		return e.logger.Execution().WithFields("session_id", id)
	}
	return e.logger.Execution()
}

func (e *Engine) nextScan() string {
	e.scans++
	return fmt.Sprintf("%s%d", scanTablePrefix, e.scans)
}

func (e *Engine) queryErr(ctx context.Context, err error, sqlText string) error {
	if ctx.Err() != nil {
		return pmerrors.Wrap(ctx.Err(), pmerrors.ErrCodeExecCancelled, "query cancelled").
			WithOp("Engine.Execute").
			Err()
	}

	var derr *duckdb.Error
	if (pmerrors.As(err, &derr) && derr.Type == duckdb.ErrorTypeCatalog) ||
		strings.Contains(err.Error(), "Catalog Error") {
		return pmerrors.Wrap(err, pmerrors.ErrCodeCatalogTableNotFound, duckdbMessage(err)).
			WithOp("Engine.Execute").
			Err()
	}
	if strings.Contains(err.Error(), "Parser Error") {
		return pmerrors.Wrap(err, pmerrors.ErrCodeExecSyntax, duckdbMessage(err)).
			WithOp("Engine.Execute").
			Err()
	}
	e.execLog(ctx).Debug("query failed", "sql", sqlText, "error", err.Error())
	return pmerrors.Wrap(err, pmerrors.ErrCodeExecFailed, duckdbMessage(err)).
		WithOp("Engine.Execute").
		Err()
}

// duckdbMessage strips DuckDB's "<Kind> Error: " prefix and keeps the
// first line.
func duckdbMessage(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, " Error: "); i >= 0 && !strings.Contains(msg[:i], "\n") {
		msg = msg[i+len(" Error: "):]
	}
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return msg
}

// Close shuts down DuckDB. The registry is owned by the caller.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	var firstErr error
	if err := e.conn.Close(); err != nil {
		firstErr = err
	}
	if err := e.connector.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
