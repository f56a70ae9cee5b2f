package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	pmerrors "github.com/ha1tch/pgmeta/pkg/errors"
	"github.com/ha1tch/pgmeta/pkg/protocol"
	"github.com/ha1tch/pgmeta/pkg/server"
)

func TestRun_InfoFlags(t *testing.T) {
	tests := []struct {
		args []string
		code int
		want string
	}{
		{[]string{"-h"}, 0, "Usage:"},
		{[]string{"--help"}, 0, "Schema Sources:"},
		{[]string{"-v"}, 0, "pgmeta version"},
		{[]string{"--version"}, 0, "pgmeta version"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if code := run(tt.args, &stdout, &stderr); code != tt.code {
				t.Fatalf("exit code = %d, stderr = %s", code, stderr.String())
			}
			if !strings.Contains(stdout.String(), tt.want) {
				t.Errorf("stdout = %q, want it to contain %q", stdout.String(), tt.want)
			}
		})
	}
}

func TestRun_UsageErrors(t *testing.T) {
	for _, args := range [][]string{
		{"--no-such-flag"},
		{"--pg-port", "abc"},
		{"serve"},
	} {
		var stdout, stderr bytes.Buffer
		if code := run(args, &stdout, &stderr); code != 2 {
			t.Errorf("run(%v) = %d, want 2", args, code)
		}
	}
}

func TestRun_ConfigErrors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"unknown_key": true}`), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, args := range [][]string{
		{"-c", filepath.Join(dir, "missing.json")},
		{"--config", bad},
	} {
		var stdout, stderr bytes.Buffer
		if code := run(args, &stdout, &stderr); code != 1 {
			t.Errorf("run(%v) = %d, want 1", args, code)
		}
		if !strings.Contains(stderr.String(), "error loading config") {
			t.Errorf("stderr = %q", stderr.String())
		}
	}
}

func TestLoadConfigFile_Codes(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"database": 7}`), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path string
		code pmerrors.Code
	}{
		{filepath.Join(dir, "missing.json"), pmerrors.ErrCodeConfigMissing},
		{bad, pmerrors.ErrCodeConfigParse},
	}
	for _, tt := range tests {
		cfg := server.DefaultConfig()
		var lcfg protocol.ListenerConfig
		err := loadConfigFile(tt.path, &cfg, &lcfg)
		if !pmerrors.IsCode(err, tt.code) {
			t.Errorf("loadConfigFile(%s) = %v, want %s", filepath.Base(tt.path), err, tt.code)
		}
	}
}

func TestParseArgs_Defaults(t *testing.T) {
	t.Setenv("PGMETA_JWT_SECRET", "")
	cfg, act, banner, err := parseArgs(nil, &bytes.Buffer{})
	if err != nil || act != actionServe || !banner {
		t.Fatalf("parseArgs = %v, %v, %v", act, banner, err)
	}
	if cfg.Database != "pgmeta" || cfg.ExecTimeout != 30*time.Second {
		t.Errorf("cfg = %+v", cfg)
	}
	if len(cfg.Listeners) != 1 {
		t.Fatalf("listeners = %d", len(cfg.Listeners))
	}
	if l := cfg.Listeners[0]; l.Port != 5432 || l.Host != "0.0.0.0" || l.TLSEnabled {
		t.Errorf("listener = %+v", l)
	}
}

func TestParseArgs_FileAndFlags(t *testing.T) {
	t.Setenv("PGMETA_JWT_SECRET", "")
	path := filepath.Join(t.TempDir(), "pgmeta.json")
	doc := `{
  "database": "warehouse",
  "schema_dir": "/srv/schema",
  "watch": true,
  "s3": {"url": "s3://meta/schema.json", "region": "eu-west-1", "ttl": "5m"},
  "listener": {"port": 6432, "tls": true, "idle_timeout": "1m"},
  "jwt": {"secret": "from-file", "issuer": "idp"},
  "exec_timeout": "10s",
  "log_level": "debug"
}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, _, banner, err := parseArgs([]string{
		"-c", path,
		"--pg-port", "7432",
		"--schema-dir", "/opt/schema",
		"--no-banner",
	}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if banner {
		t.Error("banner not suppressed")
	}

	l := cfg.Listeners[0]
	checks := []struct {
		name string
		ok   bool
	}{
		{"database from file", cfg.Database == "warehouse"},
		{"schema dir flag wins", cfg.SchemaDir == "/opt/schema"},
		{"watch from file", cfg.WatchChanges},
		{"s3 url", cfg.SchemaS3.URL == "s3://meta/schema.json"},
		{"s3 region", cfg.SchemaS3.Region == "eu-west-1"},
		{"s3 ttl", cfg.SchemaS3.TTL == 5*time.Minute},
		{"port flag wins", l.Port == 7432},
		{"tls from file", l.TLSEnabled},
		{"idle timeout", l.IdleTimeout == time.Minute},
		{"jwt secret", cfg.JWTSecret == "from-file"},
		{"jwt issuer", cfg.JWTIssuer == "idp"},
		{"exec timeout", cfg.ExecTimeout == 10*time.Second},
		{"log level", cfg.LogLevel == "debug"},
	}
	for _, c := range checks {
		if !c.ok {
			t.Errorf("%s: cfg = %+v, listener = %+v", c.name, cfg, l)
		}
	}
}

func TestParseArgs_SecretFromEnvironment(t *testing.T) {
	t.Setenv("PGMETA_JWT_SECRET", "env-secret")

	cfg, _, _, err := parseArgs(nil, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if cfg.JWTSecret != "env-secret" {
		t.Errorf("JWTSecret = %q", cfg.JWTSecret)
	}

	cfg, _, _, err = parseArgs([]string{"--jwt-secret", "flag-secret"}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if cfg.JWTSecret != "flag-secret" {
		t.Errorf("JWTSecret = %q", cfg.JWTSecret)
	}
}
