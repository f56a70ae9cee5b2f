// Package protocol defines the listener and connection contract between the
// server and wire protocol implementations.
//
// Implementations register a factory from their init function so that the
// server can create listeners without importing them directly.
package protocol

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/ha1tch/pgmeta/pkg/log"
)

// ErrNoSession is returned by Handshake for connections that ended
// without opening a session.
var ErrNoSession = errors.New("connection carried no session")

// ProtocolType identifies a wire protocol.
type ProtocolType string

const (
	ProtocolPostgres ProtocolType = "postgres" // PostgreSQL wire protocol v3
)

func (p ProtocolType) String() string {
	return string(p)
}

// DefaultPort returns the default port for a protocol.
func (p ProtocolType) DefaultPort() int {
	switch p {
	case ProtocolPostgres:
		return 5432
	default:
		return 0
	}
}

// Listener accepts client connections for a specific protocol.
type Listener interface {
	// Protocol returns the protocol type.
	Protocol() ProtocolType

	// Listen starts listening on the configured address.
	Listen() error

	// Accept waits for the next client and returns its connection before
	// any protocol traffic; the caller runs Handshake on its own goroutine.
	Accept() (Connection, error)

	// Close stops the listener and closes every open connection.
	Close() error

	// Addr returns the listener's network address.
	Addr() net.Addr

	// ConnectionCount returns the number of active connections.
	ConnectionCount() int
}

// Connection represents a client connection.
type Connection interface {
	// Handshake runs protocol startup: TLS negotiation, authentication and
	// session parameters. It must succeed before ReadRequest. A connection
	// that carried no session (a cancel request) returns ErrNoSession.
	Handshake() error

	// ReadRequest reads the next request from the client. It returns
	// io.EOF when the client terminates the session.
	ReadRequest() (Request, error)

	// SendResults sends the outcome of one request, then tells the client
	// the server is ready for the next one.
	SendResults(results ...Result) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address.
	RemoteAddr() net.Addr

	// SetDeadline sets the read/write deadline.
	SetDeadline(t time.Time) error

	// Properties returns the session's startup parameters (user,
	// database, application_name, ...).
	Properties() map[string]string

	// Cancelled is closed when the client asks to cancel the request in
	// progress. A new channel is returned after each request.
	Cancelled() <-chan struct{}
}

// ListenerConfig configures a protocol listener.
type ListenerConfig struct {
	// Listener identification
	Name     string
	Protocol ProtocolType

	// Network configuration
	Host string
	Port int

	// TLS configuration
	TLSEnabled  bool
	TLSCertFile string
	TLSKeyFile  string

	// Connection limits
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration

	// Auth, when set, validates the password a client sends at startup.
	// A nil Auth accepts every client.
	Auth Authenticator

	// Parameters are reported to clients as ParameterStatus at startup.
	Parameters map[string]string

	// Protocol-specific options
	Options map[string]interface{}
}

// Authenticator checks a user's password at startup.
type Authenticator interface {
	Authenticate(user, password string) error
}

// DefaultListenerConfig returns a ListenerConfig with sensible defaults.
func DefaultListenerConfig(proto ProtocolType) ListenerConfig {
	return ListenerConfig{
		Name:           string(proto),
		Protocol:       proto,
		Host:           "0.0.0.0",
		Port:           proto.DefaultPort(),
		MaxConnections: 1000,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    5 * time.Minute,
		Parameters:     make(map[string]string),
		Options:        make(map[string]interface{}),
	}
}

// Address returns the full listen address.
func (c ListenerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RequestType identifies the type of client request.
type RequestType int

const (
	RequestUnknown     RequestType = iota
	RequestQuery                   // Simple query: one or more SQL statements
	RequestUnsupported             // A message the server does not implement
)

func (r RequestType) String() string {
	switch r {
	case RequestQuery:
		return "QUERY"
	case RequestUnsupported:
		return "UNSUPPORTED"
	default:
		return "UNKNOWN"
	}
}

// Request represents a client request.
type Request struct {
	Type    RequestType
	SQL     string // For queries
	Message string // Wire message name, for unsupported requests
}

// ResultType identifies the type of result.
type ResultType int

const (
	ResultOK    ResultType = iota // Command completed without rows
	ResultError                   // Statement failed
	ResultRows                    // Row set followed by a command tag
	ResultEmpty                   // The query string held no statements
	ResultInfo                    // Notice sent to the client
)

func (r ResultType) String() string {
	switch r {
	case ResultOK:
		return "OK"
	case ResultError:
		return "ERROR"
	case ResultRows:
		return "ROWS"
	case ResultEmpty:
		return "EMPTY"
	case ResultInfo:
		return "INFO"
	default:
		return "UNKNOWN"
	}
}

// Result is the outcome of one statement as sent to the client.
type Result struct {
	Type    ResultType
	Error   error
	Message string
	Tag     string

	// InTransaction marks a ROLLBACK tag that leaves the transaction open.
	InTransaction bool

	// Schema and Records describe a row set. Records are borrowed; the
	// caller keeps ownership and releases them after SendResults.
	Schema  *arrow.Schema
	Records []arrow.Record
}

// NewListener creates a listener for the specified protocol.
func NewListener(cfg ListenerConfig, logger *log.Logger) (Listener, error) {
	switch cfg.Protocol {
	case ProtocolPostgres:
		if postgresListenerFactory == nil {
			return nil, fmt.Errorf("PostgreSQL protocol not registered")
		}
		return postgresListenerFactory(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", cfg.Protocol)
	}
}

// ListenerFactory is a function that creates a new listener.
type ListenerFactory func(cfg ListenerConfig, logger *log.Logger) (Listener, error)

var postgresListenerFactory ListenerFactory

// RegisterPostgresFactory registers the PostgreSQL listener factory.
func RegisterPostgresFactory(f ListenerFactory) {
	postgresListenerFactory = f
}
