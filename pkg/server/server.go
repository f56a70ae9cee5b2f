// Package server provides the pgmeta server.
//
// The server coordinates between the semantic schema sources, the catalog
// registry built over them, the query engine, and protocol listeners
// accepting client connections.
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ha1tch/pgmeta/pkg/engine"
	pmerrors "github.com/ha1tch/pgmeta/pkg/errors"
	"github.com/ha1tch/pgmeta/pkg/log"
	"github.com/ha1tch/pgmeta/pkg/pgcatalog"
	"github.com/ha1tch/pgmeta/pkg/protocol"
	"github.com/ha1tch/pgmeta/pkg/protocol/postgres"
	"github.com/ha1tch/pgmeta/pkg/semantic"
)

// Server is the pgmeta server.
type Server struct {
	mu sync.RWMutex

	// Configuration
	config Config

	// Logging
	logger *log.Logger

	// Core components
	source   semantic.Source
	closers  []io.Closer
	registry *pgcatalog.Registry
	engine   *engine.Engine

	// Protocol listeners
	listeners map[string]protocol.Listener

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State
	state     State
	startTime time.Time
}

// State represents the server's current state.
type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config holds server configuration.
type Config struct {
	// Server identification
	Name    string
	Version string

	// Database is reported as table_catalog and used when a client does
	// not name one.
	Database string

	// Schema sources. Every configured source contributes tables; a table
	// defined twice is an error.
	SchemaDir    string            // Directory of *.json schema documents
	WatchChanges bool              // Reload SchemaDir on file changes
	SchemaSQLite string            // SQLite metadata store path
	SchemaS3     semantic.S3Config // Schema document in S3 (URL empty = disabled)

	// Constraints populates pg_catalog.pg_constraint.
	Constraints []pgcatalog.ConstraintRow

	// Password authentication with JWTs (secret empty = no authentication)
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	// Execution
	ExecTimeout time.Duration // Per-query timeout (0 = none)

	// Protocol listeners to enable
	Listeners []protocol.ListenerConfig

	// Logging
	LogLevel   string
	LogFormat  string      // "text" or "json"
	LogQueries bool        // Log all SQL queries
	Logger     *log.Logger // Optional pre-configured logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Name:        "pgmeta",
		Version:     "0.1.0",
		Database:    "pgmeta",
		ExecTimeout: 30 * time.Second,
		LogLevel:    "info",
		LogFormat:   "text",
	}
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	// Initialise logger
	var logger *log.Logger
	if cfg.Logger != nil {
		logger = cfg.Logger
	} else {
		level, err := log.ParseLevel(cfg.LogLevel)
		if err != nil {
			cancel()
			return nil, pmerrors.Wrap(err, pmerrors.ErrCodeConfigInvalid, "log level").
				WithOp("server.New").
				Err()
		}
		format, err := log.ParseFormat(cfg.LogFormat)
		if err != nil {
			cancel()
			return nil, pmerrors.Wrap(err, pmerrors.ErrCodeConfigInvalid, "log format").
				WithOp("server.New").
				Err()
		}
		logger = log.New(log.Config{
			DefaultLevel:  level,
			Format:        format,
			IncludeCaller: level == log.LevelDebug,
		})
	}
	// Query text is logged at info.
	if cfg.LogQueries && !logger.Enabled(log.CategoryExecution, log.LevelInfo) {
		logger.SetLevel(log.CategoryExecution, log.LevelInfo)
	}

	s := &Server{
		config:    cfg,
		logger:    logger,
		listeners: make(map[string]protocol.Listener),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateNew,
	}

	logger.System().Info("server initialised",
		"name", cfg.Name,
		"version", cfg.Version,
		"database", cfg.Database,
		"auth", cfg.JWTSecret != "",
	)

	return s, nil
}

// Start opens the schema sources, builds the catalog and the engine, and
// starts all configured listeners.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.state != StateNew && s.state != StateStopped {
		s.mu.Unlock()
		return pmerrors.Newf(pmerrors.ErrCodeExecInvalidState,
			"server cannot start from state %s", s.state).
			WithOp("Server.Start").
			Err()
	}
	s.state = StateStarting
	s.mu.Unlock()

	s.logger.System().Info("server starting")

	if err := s.openSources(); err != nil {
		s.Stop()
		return err
	}

	reg, err := pgcatalog.NewDefault(s.source, s.config.Database,
		pgcatalog.WithConstraints(s.config.Constraints),
		pgcatalog.WithTableOptions(pgcatalog.WithLogger(s.logger)),
	)
	if err != nil {
		s.Stop()
		return pmerrors.Wrap(err, pmerrors.ErrCodeCatalogBuild, "failed to build catalog").
			WithOp("Server.Start").
			Err()
	}
	s.registry = reg

	eng, err := engine.Open(s.ctx, reg, engine.WithLogger(s.logger))
	if err != nil {
		s.Stop()
		return err
	}
	s.engine = eng

	// Start protocol listeners
	for _, lcfg := range s.config.Listeners {
		if err := s.startListener(lcfg); err != nil {
			s.Stop() // Clean up any started listeners
			return pmerrors.Wrap(err, pmerrors.ErrCodeConnectionFailed,
				"failed to start listener").
				WithOp("Server.Start").
				WithField("protocol", lcfg.Protocol).
				WithField("port", lcfg.Port).
				Err()
		}
	}

	s.mu.Lock()
	s.state = StateRunning
	s.startTime = time.Now()
	s.mu.Unlock()

	s.logger.System().Info("server started",
		"state", "running",
		"catalog_tables", len(reg.Tables()),
		"listeners", len(s.listeners),
	)

	return nil
}

// openSources opens every configured schema source.
func (s *Server) openSources() error {
	var sources []semantic.Source

	if dir := s.config.SchemaDir; dir != "" {
		fs, err := semantic.NewFileSource(dir,
			semantic.WithFileLogger(s.logger),
			semantic.WithOnReload(func(tables []semantic.Table) {
				s.logger.Catalog().Info("schema reloaded", "directory", dir, "tables", len(tables))
			}),
			semantic.WithOnError(func(err error) {
				s.logger.Catalog().Error("schema reload failed", err, "directory", dir)
			}),
		)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, fs)
		if s.config.WatchChanges {
			if err := fs.Watch(); err != nil {
				return err
			}
		}
		sources = append(sources, fs)
		s.logger.Catalog().Info("schema directory loaded", "directory", dir, "watch", s.config.WatchChanges)
	}

	if path := s.config.SchemaSQLite; path != "" {
		cfg := semantic.DefaultSQLiteConfig()
		cfg.Path = path
		db, err := semantic.OpenSQLite(cfg)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, db)
		sources = append(sources, db)
		s.logger.Catalog().Info("SQLite metadata store opened", "path", path)
	}

	if s.config.SchemaS3.URL != "" {
		src, err := semantic.NewS3Source(s.ctx, s.config.SchemaS3, s.logger)
		if err != nil {
			return err
		}
		sources = append(sources, src)
		s.logger.Catalog().Info("S3 schema source configured", "url", s.config.SchemaS3.URL)
	}

	if len(sources) > 0 {
		s.source = semantic.Merge(sources...)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.state != StateRunning && s.state != StateStarting {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	s.mu.Unlock()

	s.logger.System().Info("server stopping")

	// Signal all goroutines to stop
	s.cancel()

	// Stop all listeners
	for name, listener := range s.listeners {
		if err := listener.Close(); err != nil {
			s.logger.System().Error("failed to close listener", err,
				"listener", name,
				"protocol", listener.Protocol(),
			)
		}
	}

	// Wait for all goroutines
	s.wg.Wait()

	if s.engine != nil {
		if err := s.engine.Close(); err != nil {
			s.logger.System().Error("failed to close engine", err)
		}
	}
	if s.registry != nil {
		s.registry.Close()
	}
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			s.logger.System().Error("failed to close schema source", err)
		}
	}

	s.mu.Lock()
	s.state = StateStopped
	s.engine = nil
	s.registry = nil
	s.closers = nil
	s.listeners = make(map[string]protocol.Listener)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	s.logger.System().Info("server stopped", "log_entries", s.logger.Logged())

	return nil
}

// State returns the current server state.
func (s *Server) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Uptime returns how long the server has been running.
func (s *Server) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uptime()
}

func (s *Server) uptime() time.Duration {
	if s.state != StateRunning {
		return 0
	}
	return time.Since(s.startTime)
}

// Registry returns the catalog registry. It is nil until Start.
func (s *Server) Registry() *pgcatalog.Registry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry
}

// Engine returns the query engine. It is nil until Start.
func (s *Server) Engine() *engine.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// Addr returns the address of the named listener, or nil.
func (s *Server) Addr(name string) net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if l, ok := s.listeners[name]; ok {
		return l.Addr()
	}
	return nil
}

// Stats returns server statistics.
func (s *Server) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		State:      s.state.String(),
		Uptime:     s.uptime(),
		Listeners:  len(s.listeners),
		LogEntries: s.logger.Logged(),
	}
	if s.registry != nil {
		stats.CatalogTables = len(s.registry.Tables())
	}

	// Collect listener stats
	for name, listener := range s.listeners {
		stats.ListenerStats = append(stats.ListenerStats, ListenerStats{
			Name:        name,
			Protocol:    string(listener.Protocol()),
			Connections: listener.ConnectionCount(),
		})
	}

	return stats
}

// Stats holds server statistics.
type Stats struct {
	State         string
	Uptime        time.Duration
	CatalogTables int
	Listeners     int
	LogEntries    int64
	ListenerStats []ListenerStats
}

// ListenerStats holds statistics for a single listener.
type ListenerStats struct {
	Name        string
	Protocol    string
	Connections int
}

// startListener starts a protocol listener.
func (s *Server) startListener(cfg protocol.ListenerConfig) error {
	if cfg.Name == "" {
		cfg.Name = string(cfg.Protocol)
	}
	if len(cfg.Parameters) == 0 {
		cfg.Parameters = s.engine.Parameters()
	}
	if cfg.Auth == nil && s.config.JWTSecret != "" {
		cfg.Auth = &postgres.JWTAuth{
			Secret:   s.config.JWTSecret,
			Issuer:   s.config.JWTIssuer,
			Audience: s.config.JWTAudience,
		}
	}

	s.logger.System().Info("starting listener",
		"protocol", cfg.Protocol,
		"port", cfg.Port,
		"name", cfg.Name,
		"tls", cfg.TLSEnabled,
	)

	listener, err := protocol.NewListener(cfg, s.logger)
	if err != nil {
		return err
	}

	// Start listening before launching the accept goroutine
	if err := listener.Listen(); err != nil {
		return err
	}

	s.listeners[cfg.Name] = listener

	// Start accepting connections
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(listener)
	}()

	s.logger.System().Info("listener started",
		"protocol", cfg.Protocol,
		"address", listener.Addr().String(),
	)

	return nil
}

// acceptLoop accepts connections from a listener.
func (s *Server) acceptLoop(listener protocol.Listener) {
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		conn, err := listener.Accept()
		if err != nil {
			// Check if we're shutting down
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Protocol().Warn("accept failed",
				"protocol", listener.Protocol(),
				"error", err.Error(),
			)
			continue
		}

		s.logger.Protocol().Debug("connection accepted",
			"protocol", listener.Protocol(),
			"remote_addr", conn.RemoteAddr().String(),
		)

		// Handle connection in new goroutine
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// handleConnection handles a single client connection.
func (s *Server) handleConnection(conn protocol.Connection) {
	defer conn.Close()

	if err := conn.Handshake(); err != nil {
		if !errors.Is(err, protocol.ErrNoSession) {
			s.logger.Protocol().Warn("handshake failed",
				"remote_addr", conn.RemoteAddr().String(),
				"error", err.Error(),
			)
		}
		return
	}

	handler := NewConnectionHandler(conn, s.engine, s.logger,
		WithQueryLogging(s.config.LogQueries),
		WithExecTimeout(s.config.ExecTimeout),
	)
	handler.Serve(s.ctx)
}

// Logger returns the server's logger.
func (s *Server) Logger() *log.Logger {
	return s.logger
}
