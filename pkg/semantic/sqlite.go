package semantic

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	pmerrors "github.com/ha1tch/pgmeta/pkg/errors"
	"github.com/ha1tch/pgmeta/pkg/sqltype"
)

// sqliteSchema is created on open when missing.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS semantic_tables (
	schema_name TEXT NOT NULL DEFAULT 'public',
	table_name  TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (schema_name, table_name)
);
CREATE TABLE IF NOT EXISTS semantic_columns (
	schema_name TEXT NOT NULL DEFAULT 'public',
	table_name  TEXT NOT NULL,
	column_name TEXT NOT NULL,
	ordinal     INTEGER NOT NULL,
	column_type TEXT NOT NULL,
	nullable    INTEGER NOT NULL DEFAULT 1,
	description TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (schema_name, table_name, column_name),
	FOREIGN KEY (schema_name, table_name)
		REFERENCES semantic_tables (schema_name, table_name) ON DELETE CASCADE
);
`

// SQLiteConfig holds SQLite metadata store settings.
type SQLiteConfig struct {
	// Path to the database file. ":memory:" keeps the store in memory.
	Path        string
	BusyTimeout int // milliseconds
}

// DefaultSQLiteConfig returns an in-memory store.
func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{
		Path:        ":memory:",
		BusyTimeout: 5000,
	}
}

// SQLiteSource reads the semantic schema from a SQLite metadata store. It
// is read on every call, so edits made by other processes are visible to
// the next catalog scan.
type SQLiteSource struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) a metadata store.
func OpenSQLite(cfg SQLiteConfig) (*SQLiteSource, error) {
	opts := []string{"_foreign_keys=ON"}
	if cfg.BusyTimeout > 0 {
		opts = append(opts, fmt.Sprintf("_busy_timeout=%d", cfg.BusyTimeout))
	}
	dsn := cfg.Path + "?" + strings.Join(opts, "&")

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, pmerrors.Wrap(err, pmerrors.ErrCodeSourceLoad, "opening SQLite metadata store").
			WithOp("semantic.OpenSQLite").
			WithField("path", cfg.Path).
			Err()
	}
	// An in-memory database lives and dies with its single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, pmerrors.Wrap(err, pmerrors.ErrCodeSourceLoad, "creating metadata tables").
			WithOp("semantic.OpenSQLite").
			WithField("path", cfg.Path).
			Err()
	}

	return &SQLiteSource{db: db, path: cfg.Path}, nil
}

// Close closes the database.
func (s *SQLiteSource) Close() error {
	return s.db.Close()
}

// Tables reads every table and its columns.
func (s *SQLiteSource) Tables(ctx context.Context) ([]Table, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.schema_name, t.table_name, t.description,
		       c.column_name, c.ordinal, c.column_type, c.nullable, c.description
		FROM semantic_tables t
		LEFT JOIN semantic_columns c
		  ON c.schema_name = t.schema_name AND c.table_name = t.table_name
		ORDER BY t.schema_name, t.table_name, c.ordinal`)
	if err != nil {
		return nil, s.queryErr(err)
	}
	defer rows.Close()

	var tables []Table
	for rows.Next() {
		var (
			schema, name, desc string
			colName, colType   sql.NullString
			colDesc            sql.NullString
			ordinal            sql.NullInt64
			nullable           sql.NullBool
		)
		if err := rows.Scan(&schema, &name, &desc, &colName, &ordinal, &colType, &nullable, &colDesc); err != nil {
			return nil, s.queryErr(err)
		}

		if n := len(tables); n == 0 || tables[n-1].Schema != schema || tables[n-1].Name != name {
			tables = append(tables, Table{Schema: schema, Name: name, Description: desc})
		}
		if !colName.Valid {
			continue
		}

		t, err := sqltype.Parse(colType.String)
		if err != nil {
			return nil, pmerrors.Wrap(err, pmerrors.ErrCodeSourceType, "bad column type in metadata store").
				WithOp("SQLiteSource.Tables").
				WithField("table", schema+"."+name).
				WithField("column", colName.String).
				Err()
		}
		cur := &tables[len(tables)-1]
		cur.Columns = append(cur.Columns, Column{
			Name:        colName.String,
			ColumnType:  t,
			Nullable:    nullable.Bool,
			Description: colDesc.String,
			Ordinal:     int(ordinal.Int64),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, s.queryErr(err)
	}

	return Normalize(tables)
}

// Put inserts or replaces a table definition.
func (s *SQLiteSource) Put(ctx context.Context, t Table) error {
	norm, err := Normalize([]Table{t})
	if err != nil {
		return err
	}
	t = norm[0]

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.queryErr(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM semantic_tables WHERE schema_name = ? AND table_name = ?`,
		t.Schema, t.Name); err != nil {
		return s.queryErr(err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO semantic_tables (schema_name, table_name, description) VALUES (?, ?, ?)`,
		t.Schema, t.Name, t.Description); err != nil {
		return s.queryErr(err)
	}
	for _, c := range t.Columns {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO semantic_columns
			   (schema_name, table_name, column_name, ordinal, column_type, nullable, description)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			t.Schema, t.Name, c.Name, c.Ordinal, c.ColumnType.String(), c.Nullable, c.Description); err != nil {
			return s.queryErr(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return s.queryErr(err)
	}
	return nil
}

// Delete removes a table definition. Deleting a missing table is not an
// error.
func (s *SQLiteSource) Delete(ctx context.Context, schema, name string) error {
	if schema == "" {
		schema = DefaultSchema
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM semantic_tables WHERE schema_name = ? AND table_name = ?`,
		schema, name); err != nil {
		return s.queryErr(err)
	}
	return nil
}

func (s *SQLiteSource) queryErr(err error) error {
	return pmerrors.Wrap(err, pmerrors.ErrCodeSourceQuery, "metadata store query failed").
		WithOp("SQLiteSource").
		WithField("path", s.path).
		Err()
}
