package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	pmerrors "github.com/ha1tch/pgmeta/pkg/errors"
	"github.com/ha1tch/pgmeta/pkg/log"
	"github.com/ha1tch/pgmeta/pkg/protocol"
)

const salesDoc = `{
  "schema": "sales",
  "tables": [
    {
      "name": "orders",
      "columns": [
        {"name": "id", "type": "int64"},
        {"name": "status", "type": "string", "nullable": true},
        {"name": "placed_at", "type": "timestamp"}
      ]
    }
  ]
}`

func startTestServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "sales.json"), []byte(salesDoc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Database = "analytics"
	cfg.SchemaDir = dir
	cfg.Logger = log.Discard()
	cfg.Listeners = []protocol.ListenerConfig{{
		Name:     "postgres",
		Protocol: protocol.ProtocolPostgres,
		Host:     "127.0.0.1",
		Port:     0,
	}}
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func connect(t *testing.T, srv *Server, userinfo string) (*pgx.Conn, error) {
	t.Helper()
	url := fmt.Sprintf("postgres://%s@%s/analytics?sslmode=disable", userinfo, srv.Addr("postgres"))
	cfg, err := pgx.ParseConfig(url)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	cfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err == nil {
		t.Cleanup(func() { conn.Close(context.Background()) })
	}
	return conn, err
}

func TestServer_Query(t *testing.T) {
	srv := startTestServer(t, nil)
	conn, err := connect(t, srv, "alice")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	ctx := context.Background()

	if v := conn.PgConn().ParameterStatus("server_version"); v == "" {
		t.Error("server_version not reported")
	}

	rows, err := conn.Query(ctx,
		"SELECT table_catalog, column_name FROM information_schema.columns WHERE table_name = 'orders' ORDER BY ordinal_position")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	var got []string
	for rows.Next() {
		var catalog, column string
		if err := rows.Scan(&catalog, &column); err != nil {
			t.Fatalf("Scan: %v", err)
		}
		if catalog != "analytics" {
			t.Errorf("table_catalog = %q", catalog)
		}
		got = append(got, column)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows: %v", err)
	}
	if fmt.Sprint(got) != "[id status placed_at]" {
		t.Errorf("columns = %v", got)
	}

	var n int64
	if err := conn.QueryRow(ctx, "SELECT count(*) FROM pg_catalog.pg_namespace WHERE nspname = 'sales'").Scan(&n); err != nil {
		t.Fatalf("QueryRow: %v", err)
	}
	if n != 1 {
		t.Errorf("sales namespace rows = %d", n)
	}

	var constraints int64
	if err := conn.QueryRow(ctx, "SELECT count(*) FROM pg_constraint").Scan(&constraints); err != nil {
		t.Fatalf("QueryRow: %v", err)
	}
	if constraints != 0 {
		t.Errorf("pg_constraint rows = %d", constraints)
	}
}

func TestServer_Errors(t *testing.T) {
	srv := startTestServer(t, nil)
	conn, err := connect(t, srv, "alice")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	ctx := context.Background()

	tests := []struct {
		sql  string
		code string
	}{
		{"SELECT * FROM no_such_table", "42P01"},
		{"DROP TABLE information_schema.tables", "25006"},
		{"SELEKT 1", "42601"},
	}
	for _, tt := range tests {
		t.Run(tt.sql, func(t *testing.T) {
			_, err := conn.Exec(ctx, tt.sql)
			var pgErr *pgconn.PgError
			if !errors.As(err, &pgErr) {
				t.Fatalf("Exec err = %v, want PgError", err)
			}
			if pgErr.Code != tt.code {
				t.Errorf("SQLSTATE = %s (%s), want %s", pgErr.Code, pgErr.Message, tt.code)
			}
		})
	}

	// The session survives errors.
	var one int32
	if err := conn.QueryRow(ctx, "SELECT 1::int4").Scan(&one); err != nil || one != 1 {
		t.Errorf("SELECT after errors = %d, %v", one, err)
	}
}

func TestServer_TransactionStatus(t *testing.T) {
	srv := startTestServer(t, nil)
	conn, err := connect(t, srv, "alice")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	ctx := context.Background()

	steps := []struct {
		sql     string
		want    byte
		wantErr bool
	}{
		{"BEGIN", 'T', false},
		{"SELECT 1", 'T', false},
		{"SAVEPOINT s1", 'T', false},
		{"SELECT * FROM no_such_table", 'E', true},
		{"ROLLBACK TO SAVEPOINT s1", 'T', false},
		{"RELEASE SAVEPOINT s1", 'T', false},
		{"COMMIT", 'I', false},
	}
	for _, step := range steps {
		if _, err := conn.Exec(ctx, step.sql); (err != nil) != step.wantErr {
			t.Fatalf("Exec(%s): %v", step.sql, err)
		}
		if got := conn.PgConn().TxStatus(); got != step.want {
			t.Errorf("after %s TxStatus = %c, want %c", step.sql, got, step.want)
		}
	}
}

func TestServer_JWTAuth(t *testing.T) {
	srv := startTestServer(t, func(cfg *Config) {
		cfg.JWTSecret = "test-secret"
	})

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}

	if _, err := connect(t, srv, "alice:"+token); err != nil {
		t.Errorf("connect with token: %v", err)
	}

	_, err = connect(t, srv, "alice:wrong")
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "28P01" {
		t.Errorf("connect with bad password = %v, want 28P01", err)
	}
}

func TestServer_Lifecycle(t *testing.T) {
	srv := startTestServer(t, nil)

	if srv.State() != StateRunning {
		t.Fatalf("State = %s", srv.State())
	}
	if err := srv.Start(); !pmerrors.IsCode(err, pmerrors.ErrCodeExecInvalidState) {
		t.Errorf("second Start = %v", err)
	}

	stats := srv.Stats()
	if stats.CatalogTables != 4 || stats.Listeners != 1 {
		t.Errorf("Stats = %+v", stats)
	}

	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if srv.State() != StateStopped || srv.Uptime() != 0 {
		t.Errorf("after Stop: state %s, uptime %s", srv.State(), srv.Uptime())
	}
	if srv.Engine() != nil || srv.Registry() != nil {
		t.Error("components kept after Stop")
	}
}

func TestServer_StartErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		code   pmerrors.Code
	}{
		{"missing schema dir", func(cfg *Config) {
			cfg.SchemaDir = filepath.Join(t.TempDir(), "missing")
		}, pmerrors.ErrCodeSourceLoad},
		{"bad s3 url", func(cfg *Config) {
			cfg.SchemaS3.URL = "https://bucket/key"
		}, pmerrors.ErrCodeConfigInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Logger = log.Discard()
			tt.mutate(&cfg)

			srv, err := New(cfg)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			err = srv.Start()
			if !pmerrors.IsCode(err, tt.code) {
				t.Errorf("Start = %v, want code %s", err, tt.code)
			}
			if srv.State() != StateStopped {
				t.Errorf("State = %s", srv.State())
			}
		})
	}
}

func TestNew_InvalidLogging(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "loud"
	if _, err := New(cfg); !pmerrors.IsCode(err, pmerrors.ErrCodeConfigInvalid) {
		t.Errorf("New = %v", err)
	}

	cfg = DefaultConfig()
	cfg.LogFormat = "xml"
	if _, err := New(cfg); !pmerrors.IsCode(err, pmerrors.ErrCodeConfigInvalid) {
		t.Errorf("New = %v", err)
	}
}

func TestNew_LogQueriesRaisesExecutionLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "warn"
	cfg.LogQueries = true
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger := srv.Logger()
	if !logger.Enabled(log.CategoryExecution, log.LevelInfo) {
		t.Error("query logging enabled but execution info entries are dropped")
	}
	if logger.Enabled(log.CategorySystem, log.LevelInfo) {
		t.Error("system category raised along with execution")
	}
}

func TestServer_StatsCountsLogEntries(t *testing.T) {
	var buf bytes.Buffer
	srv := startTestServer(t, func(cfg *Config) {
		cfg.Logger = log.New(log.Config{DefaultLevel: log.LevelInfo, Output: &buf})
	})
	stats := srv.Stats()
	if stats.LogEntries == 0 || stats.LogEntries > srv.Logger().Logged() {
		t.Errorf("LogEntries = %d, Logged = %d", stats.LogEntries, srv.Logger().Logged())
	}
}

func TestServer_SQLiteSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.db")
	srv := startTestServer(t, func(cfg *Config) {
		cfg.SchemaDir = ""
		cfg.SchemaSQLite = path
	})
	conn, err := connect(t, srv, "alice")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	var n int64
	if err := conn.QueryRow(context.Background(), "SELECT count(*) FROM information_schema.tables").Scan(&n); err != nil {
		t.Fatalf("QueryRow: %v", err)
	}
	if n != 0 {
		t.Errorf("tables = %d in an empty store", n)
	}
}

func TestServer_SilentClientDoesNotBlockOthers(t *testing.T) {
	srv := startTestServer(t, nil)

	idle, err := net.Dial("tcp", srv.Addr("postgres").String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer idle.Close()

	start := time.Now()
	conn, err := connect(t, srv, "alice")
	if err != nil {
		t.Fatalf("connect behind a silent client: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("connect took %s", elapsed)
	}

	var one int32
	if err := conn.QueryRow(context.Background(), "SELECT 1::int4").Scan(&one); err != nil || one != 1 {
		t.Errorf("SELECT 1 = %d, %v", one, err)
	}
}
