package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	pmerrors "github.com/ha1tch/pgmeta/pkg/errors"
	"github.com/ha1tch/pgmeta/pkg/log"
	"github.com/ha1tch/pgmeta/pkg/protocol"
	"github.com/ha1tch/pgmeta/pkg/server"
	"github.com/ha1tch/pgmeta/pkg/version"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// action is what the command line asks for besides serving.
type action int

const (
	actionServe action = iota
	actionHelp
	actionVersion
)

// errUsage reports a command line that could not be parsed.
var errUsage = errors.New("usage error")

func run(args []string, stdout, stderr io.Writer) int {
	cfg, act, banner, err := parseArgs(args, stderr)
	switch {
	case errors.Is(err, errUsage):
		return 2
	case err != nil:
		fmt.Fprintf(stderr, "error loading config: %v\n", err)
		return 1
	}

	switch act {
	case actionHelp:
		printUsage(stdout)
		return 0
	case actionVersion:
		fmt.Fprintln(stdout, version.Full())
		return 0
	}

	// Create server
	srv, err := server.New(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "error creating server: %v\n", err)
		return 1
	}

	logger := srv.Logger()
	log.SetDefault(logger)

	// Start server
	if err := srv.Start(); err != nil {
		fmt.Fprintf(stderr, "error starting server: %v\n", err)
		return 1
	}

	if banner {
		fmt.Fprintf(stdout, "pgmeta server started (version %s, PostgreSQL %s)\n",
			version.Version, version.ServerVersionString())
		fmt.Fprintf(stdout, "  Database: %s\n", cfg.Database)
		fmt.Fprintf(stdout, "  Catalog tables: %d\n", srv.Stats().CatalogTables)
		for _, l := range cfg.Listeners {
			fmt.Fprintf(stdout, "  Listening: %s on %s\n", l.Protocol, srv.Addr(l.Name))
		}
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.System().Info("shutdown signal received", "signal", sig.String())
	fmt.Fprintln(stdout, "\nShutting down...")

	// Graceful shutdown
	if err := srv.Stop(); err != nil {
		fmt.Fprintf(stderr, "error stopping server: %v\n", err)
		return 1
	}

	fmt.Fprintln(stdout, "Server stopped")
	return 0
}

// parseArgs builds the server configuration. A config file overlays the
// defaults; flags given on the command line override both.
func parseArgs(args []string, stderr io.Writer) (server.Config, action, bool, error) {
	fs := flag.NewFlagSet("pgmeta", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		// Server configuration
		configFile  = fs.String("c", "", "Configuration file path")
		configFileL = fs.String("config", "", "Configuration file path")
		database    = fs.String("database", "pgmeta", "Database name reported as table_catalog")

		// Schema sources
		schemaDir    = fs.String("d", "", "Directory containing schema documents")
		schemaDirL   = fs.String("schema-dir", "", "Directory containing schema documents")
		watchFiles   = fs.Bool("w", false, "Watch the schema directory and hot-reload")
		watchFilesL  = fs.Bool("watch", false, "Watch the schema directory and hot-reload")
		schemaSQLite = fs.String("schema-sqlite", "", "SQLite metadata store path")
		schemaS3     = fs.String("schema-s3", "", "Schema document in S3 (s3://bucket/key)")
		s3Region     = fs.String("s3-region", "", "S3 region")
		s3Endpoint   = fs.String("s3-endpoint", "", "S3-compatible endpoint URL")
		s3TTL        = fs.Duration("s3-ttl", time.Minute, "How long a fetched S3 schema is served")

		// Protocol listener
		host     = fs.String("host", "0.0.0.0", "Listen address")
		pgPort   = fs.Int("pg-port", 5432, "PostgreSQL protocol port")
		maxConns = fs.Int("max-conns", 1000, "Maximum concurrent connections")
		tlsOn    = fs.Bool("tls", false, "Offer TLS to clients that request it")
		tlsCert  = fs.String("tls-cert", "", "TLS certificate file (self-signed if empty)")
		tlsKey   = fs.String("tls-key", "", "TLS key file")

		// Authentication
		jwtSecret   = fs.String("jwt-secret", "", "HMAC secret for JWT password authentication")
		jwtIssuer   = fs.String("jwt-issuer", "", "Required JWT issuer")
		jwtAudience = fs.String("jwt-audience", "", "Required JWT audience")

		// Execution
		execTimeout = fs.Duration("exec-timeout", 30*time.Second, "Per-query timeout")

		// Logging
		logLevel   = fs.String("log-level", "info", "Log level (debug, info, warn, error)")
		logFormat  = fs.String("log-format", "text", "Log format (text, json)")
		logQueries = fs.Bool("log-queries", false, "Log every query")

		// Help and version
		showHelp     = fs.Bool("h", false, "Show help")
		showHelpL    = fs.Bool("help", false, "Show help")
		showVersion  = fs.Bool("v", false, "Show version")
		showVersionL = fs.Bool("version", false, "Show version")
		noBanner     = fs.Bool("no-banner", false, "Suppress startup banner")
	)

	fs.Usage = func() {
		printUsage(stderr)
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return server.Config{}, actionHelp, false, nil
		}
		return server.Config{}, actionServe, false, errUsage
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "unexpected argument: %s\n", fs.Arg(0))
		return server.Config{}, actionServe, false, errUsage
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	given := func(names ...string) bool {
		for _, n := range names {
			if set[n] {
				return true
			}
		}
		return false
	}

	// Coalesce short and long flags
	if *configFileL != "" {
		*configFile = *configFileL
	}
	if *schemaDirL != "" {
		*schemaDir = *schemaDirL
	}
	if *watchFilesL {
		*watchFiles = true
	}
	if *showHelpL {
		*showHelp = true
	}
	if *showVersionL {
		*showVersion = true
	}

	if *showHelp {
		return server.Config{}, actionHelp, false, nil
	}
	if *showVersion {
		return server.Config{}, actionVersion, false, nil
	}

	cfg := server.DefaultConfig()
	cfg.Version = version.Version
	lcfg := protocol.DefaultListenerConfig(protocol.ProtocolPostgres)
	cfg.SchemaS3.TTL = *s3TTL

	// Load config file if specified
	if *configFile != "" {
		if err := loadConfigFile(*configFile, &cfg, &lcfg); err != nil {
			return server.Config{}, actionServe, false, err
		}
	}

	if given("database") {
		cfg.Database = *database
	}
	if given("d", "schema-dir") {
		cfg.SchemaDir = *schemaDir
	}
	if given("w", "watch") {
		cfg.WatchChanges = *watchFiles
	}
	if given("schema-sqlite") {
		cfg.SchemaSQLite = *schemaSQLite
	}
	if given("schema-s3") {
		cfg.SchemaS3.URL = *schemaS3
	}
	if given("s3-region") {
		cfg.SchemaS3.Region = *s3Region
	}
	if given("s3-endpoint") {
		cfg.SchemaS3.Endpoint = *s3Endpoint
	}
	if given("s3-ttl") {
		cfg.SchemaS3.TTL = *s3TTL
	}
	if given("host") {
		lcfg.Host = *host
	}
	if given("pg-port") {
		lcfg.Port = *pgPort
	}
	if given("max-conns") {
		lcfg.MaxConnections = *maxConns
	}
	if given("tls") {
		lcfg.TLSEnabled = *tlsOn
	}
	if given("tls-cert") {
		lcfg.TLSCertFile = *tlsCert
	}
	if given("tls-key") {
		lcfg.TLSKeyFile = *tlsKey
	}
	if given("jwt-secret") {
		cfg.JWTSecret = *jwtSecret
	}
	if given("jwt-issuer") {
		cfg.JWTIssuer = *jwtIssuer
	}
	if given("jwt-audience") {
		cfg.JWTAudience = *jwtAudience
	}
	if given("exec-timeout") {
		cfg.ExecTimeout = *execTimeout
	}
	if given("log-level") {
		cfg.LogLevel = *logLevel
	}
	if given("log-format") {
		cfg.LogFormat = *logFormat
	}
	if given("log-queries") {
		cfg.LogQueries = *logQueries
	}

	// PGMETA_JWT_SECRET applies when no secret was configured.
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = os.Getenv("PGMETA_JWT_SECRET")
	}

	cfg.Listeners = []protocol.ListenerConfig{lcfg}
	return cfg, actionServe, !*noBanner, nil
}

// fileConfig is the JSON configuration file. Absent keys keep their
// defaults.
type fileConfig struct {
	Database     *string `json:"database"`
	SchemaDir    *string `json:"schema_dir"`
	Watch        *bool   `json:"watch"`
	SchemaSQLite *string `json:"schema_sqlite"`

	S3 *struct {
		URL       string `json:"url"`
		Region    string `json:"region"`
		Endpoint  string `json:"endpoint"`
		AccessKey string `json:"access_key"`
		SecretKey string `json:"secret_key"`
		TTL       string `json:"ttl"`
	} `json:"s3"`

	Listener *struct {
		Host           *string `json:"host"`
		Port           *int    `json:"port"`
		MaxConnections *int    `json:"max_connections"`
		ReadTimeout    string  `json:"read_timeout"`
		WriteTimeout   string  `json:"write_timeout"`
		IdleTimeout    string  `json:"idle_timeout"`
		TLS            *bool   `json:"tls"`
		TLSCert        *string `json:"tls_cert"`
		TLSKey         *string `json:"tls_key"`
	} `json:"listener"`

	JWT *struct {
		Secret   string `json:"secret"`
		Issuer   string `json:"issuer"`
		Audience string `json:"audience"`
	} `json:"jwt"`

	ExecTimeout string  `json:"exec_timeout"`
	LogLevel    *string `json:"log_level"`
	LogFormat   *string `json:"log_format"`
	LogQueries  *bool   `json:"log_queries"`
}

// loadConfigFile overlays a JSON configuration file onto cfg and lcfg.
func loadConfigFile(path string, cfg *server.Config, lcfg *protocol.ListenerConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return pmerrors.Wrapf(err, pmerrors.ErrCodeConfigMissing, "reading config file %s", path).
			WithField("path", path).
			Err()
	}

	var fc fileConfig
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&fc); err != nil {
		return pmerrors.Wrapf(err, pmerrors.ErrCodeConfigParse, "parsing config file %s", path).
			WithField("path", path).
			Err()
	}

	if fc.Database != nil {
		cfg.Database = *fc.Database
	}
	if fc.SchemaDir != nil {
		cfg.SchemaDir = *fc.SchemaDir
	}
	if fc.Watch != nil {
		cfg.WatchChanges = *fc.Watch
	}
	if fc.SchemaSQLite != nil {
		cfg.SchemaSQLite = *fc.SchemaSQLite
	}
	if s3 := fc.S3; s3 != nil {
		cfg.SchemaS3.URL = s3.URL
		cfg.SchemaS3.Region = s3.Region
		cfg.SchemaS3.Endpoint = s3.Endpoint
		cfg.SchemaS3.AccessKey = s3.AccessKey
		cfg.SchemaS3.SecretKey = s3.SecretKey
		if err := parseDuration(s3.TTL, &cfg.SchemaS3.TTL); err != nil {
			return fmt.Errorf("%s: s3.ttl: %w", path, err)
		}
	}
	if l := fc.Listener; l != nil {
		if l.Host != nil {
			lcfg.Host = *l.Host
		}
		if l.Port != nil {
			lcfg.Port = *l.Port
		}
		if l.MaxConnections != nil {
			lcfg.MaxConnections = *l.MaxConnections
		}
		if l.TLS != nil {
			lcfg.TLSEnabled = *l.TLS
		}
		if l.TLSCert != nil {
			lcfg.TLSCertFile = *l.TLSCert
		}
		if l.TLSKey != nil {
			lcfg.TLSKeyFile = *l.TLSKey
		}
		for _, d := range []struct {
			name  string
			value string
			dst   *time.Duration
		}{
			{"read_timeout", l.ReadTimeout, &lcfg.ReadTimeout},
			{"write_timeout", l.WriteTimeout, &lcfg.WriteTimeout},
			{"idle_timeout", l.IdleTimeout, &lcfg.IdleTimeout},
		} {
			if err := parseDuration(d.value, d.dst); err != nil {
				return fmt.Errorf("%s: listener.%s: %w", path, d.name, err)
			}
		}
	}
	if j := fc.JWT; j != nil {
		cfg.JWTSecret = j.Secret
		cfg.JWTIssuer = j.Issuer
		cfg.JWTAudience = j.Audience
	}
	if err := parseDuration(fc.ExecTimeout, &cfg.ExecTimeout); err != nil {
		return fmt.Errorf("%s: exec_timeout: %w", path, err)
	}
	if fc.LogLevel != nil {
		cfg.LogLevel = *fc.LogLevel
	}
	if fc.LogFormat != nil {
		cfg.LogFormat = *fc.LogFormat
	}
	if fc.LogQueries != nil {
		cfg.LogQueries = *fc.LogQueries
	}
	return nil
}

// parseDuration sets *dst from s unless s is empty.
func parseDuration(s string, dst *time.Duration) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `pgmeta - PostgreSQL catalog server over a semantic layer

Usage:
  pgmeta [options]

Server Options:
  -c, --config <file>      JSON configuration file
  --database <name>        Database name reported as table_catalog (default: pgmeta)

Schema Sources:
  -d, --schema-dir <path>  Directory containing *.json schema documents
  -w, --watch              Watch the schema directory and hot-reload
  --schema-sqlite <path>   SQLite metadata store
  --schema-s3 <url>        Schema document in S3 (s3://bucket/key)
  --s3-region <region>     S3 region
  --s3-endpoint <url>      S3-compatible endpoint (path-style addressing)
  --s3-ttl <dur>           How long a fetched S3 schema is served (default: 1m)

Listener:
  --host <addr>            Listen address (default: 0.0.0.0)
  --pg-port <port>         PostgreSQL wire protocol port (default: 5432)
  --max-conns <n>          Maximum concurrent connections (default: 1000)
  --tls                    Offer TLS to clients that send SSLRequest
  --tls-cert <file>        TLS certificate (self-signed if omitted)
  --tls-key <file>         TLS key

Authentication:
  --jwt-secret <secret>    Require a JWT signed with this HMAC secret as the
                           password (or set PGMETA_JWT_SECRET)
  --jwt-issuer <iss>       Required token issuer
  --jwt-audience <aud>     Required token audience

Execution:
  --exec-timeout <dur>     Per-query timeout (default: 30s)

Logging:
  --log-level <level>      Log level: debug, info, warn, error (default: info)
  --log-format <format>    Log format: text, json (default: text)
  --log-queries            Log every query

General:
  -h, --help               Show help
  -v, --version            Show version
  --no-banner              Suppress startup banner

Examples:
  # Serve the schema documents in ./schema
  pgmeta -d ./schema

  # Hot-reload schema changes and listen on another port
  pgmeta -w -d ./schema --pg-port 15432

  # Read the schema from S3-compatible storage
  pgmeta --schema-s3 s3://semantic/schema.json --s3-endpoint http://localhost:9000

  # Use configuration file
  pgmeta -c /etc/pgmeta/config.json

Exit Codes:
  0  Success
  1  Runtime error
  2  CLI usage error
`)
}
