// Package postgres implements the PostgreSQL wire protocol (v3) for pgmeta.
//
// Any PostgreSQL client (psql, JDBC, BI tools) can connect and query the
// virtual catalog. Only the simple query protocol is served; extended
// protocol messages are answered with an error until the next Sync.
//
// The implementation uses jackc/pgx's pgproto3 for protocol encoding/decoding.
package postgres

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	pmerrors "github.com/ha1tch/pgmeta/pkg/errors"
	"github.com/ha1tch/pgmeta/pkg/log"
	"github.com/ha1tch/pgmeta/pkg/protocol"
	"github.com/ha1tch/pgmeta/pkg/tlsutil"
)

func init() {
	protocol.RegisterPostgresFactory(func(cfg protocol.ListenerConfig, logger *log.Logger) (protocol.Listener, error) {
		return NewListener(cfg, logger)
	})
}

// errCancelRequest marks a connection that only carried a CancelRequest.
var errCancelRequest = fmt.Errorf("cancel request: %w", protocol.ErrNoSession)

// Listener implements protocol.Listener for the PostgreSQL wire protocol.
type Listener struct {
	mu sync.RWMutex

	cfg      protocol.ListenerConfig
	logger   *log.Logger
	listener net.Listener
	tlsCfg   *tls.Config

	// Connection tracking, keyed by backend process ID for cancel requests
	connections map[uint32]*Conn
	connCount   int64
	nextPID     uint32

	// Accepted connections still in startup
	pending map[*Conn]struct{}

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

// NewListener creates a new PostgreSQL protocol listener.
func NewListener(cfg protocol.ListenerConfig, logger *log.Logger) (*Listener, error) {
	if logger == nil {
		logger = log.Default()
	}

	var tlsCfg *tls.Config
	if cfg.TLSEnabled {
		var err error
		if tlsCfg, err = tlsutil.ServerConfig(cfg.TLSCertFile, cfg.TLSKeyFile); err != nil {
			return nil, pmerrors.Wrap(err, pmerrors.ErrCodeConfigInvalid, "TLS configuration").
				WithOp("postgres.NewListener").
				Err()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		cfg:         cfg,
		logger:      logger,
		tlsCfg:      tlsCfg,
		connections: make(map[uint32]*Conn),
		pending:     make(map[*Conn]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Protocol returns the protocol type.
func (l *Listener) Protocol() protocol.ProtocolType {
	return protocol.ProtocolPostgres
}

// Listen starts listening on the configured address. TLS, when enabled, is
// negotiated per connection through SSLRequest.
func (l *Listener) Listen() error {
	addr := l.cfg.Address()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	l.listener = ln
	return nil
}

// Accept waits for the next client. Startup is left to Conn.Handshake so
// that a slow client never holds up the accept loop.
func (l *Listener) Accept() (protocol.Connection, error) {
	if l.listener == nil {
		return nil, fmt.Errorf("listener not started")
	}

	netConn, err := l.listener.Accept()
	if err != nil {
		return nil, err
	}

	conn := newConn(netConn, l)
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		netConn.Close()
		return nil, net.ErrClosed
	}
	l.pending[conn] = struct{}{}
	l.mu.Unlock()
	return conn, nil
}

// Serve runs the startup handshake on an accepted net.Conn and registers
// the resulting connection.
func (l *Listener) Serve(netConn net.Conn) (*Conn, error) {
	conn := newConn(netConn, l)
	if err := conn.Handshake(); err != nil {
		return nil, err
	}
	return conn, nil
}

func (l *Listener) donePending(c *Conn) {
	l.mu.Lock()
	delete(l.pending, c)
	l.mu.Unlock()
}

// Close stops the listener and closes every tracked connection.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.cancel()

	conns := make([]*Conn, 0, len(l.connections))
	for _, conn := range l.connections {
		conns = append(conns, conn)
	}
	starting := make([]net.Conn, 0, len(l.pending))
	for conn := range l.pending {
		starting = append(starting, conn.raw)
	}
	l.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	for _, nc := range starting {
		nc.Close()
	}

	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}

// Addr returns the listener's network address.
func (l *Listener) Addr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// ConnectionCount returns the number of active connections.
func (l *Listener) ConnectionCount() int {
	return int(atomic.LoadInt64(&l.connCount))
}

func (l *Listener) addConnection(conn *Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextPID++
	conn.pid = l.nextPID
	l.connections[conn.pid] = conn
	atomic.AddInt64(&l.connCount, 1)
}

// removeConnection removes a connection from tracking.
func (l *Listener) removeConnection(conn *Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.connections[conn.pid]; ok {
		delete(l.connections, conn.pid)
		atomic.AddInt64(&l.connCount, -1)
	}
}

// cancelRequest cancels the query running on the session identified by
// pid, if secret matches.
func (l *Listener) cancelRequest(pid, secret uint32) {
	l.mu.RLock()
	conn, ok := l.connections[pid]
	l.mu.RUnlock()

	if !ok || conn.secret != secret {
		l.logger.Audit().Warn("cancel request rejected", "pid", pid)
		return
	}
	l.logger.Protocol().Info("cancel request", "pid", pid, "user", conn.user)
	conn.cancelQuery()
}

// handshake performs the PostgreSQL startup handshake.
func (l *Listener) handshake(c *Conn) error {
	if l.cfg.ReadTimeout > 0 {
		c.netConn.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout))
		defer func() { c.netConn.SetReadDeadline(time.Time{}) }()
	}

	var startup *pgproto3.StartupMessage
	for startup == nil {
		msg, err := c.backend.ReceiveStartupMessage()
		if err != nil {
			return fmt.Errorf("receiving startup message: %w", err)
		}

		switch m := msg.(type) {
		case *pgproto3.StartupMessage:
			startup = m

		case *pgproto3.SSLRequest:
			if l.tlsCfg == nil || c.tls {
				if _, err := c.netConn.Write([]byte{'N'}); err != nil {
					return err
				}
				continue
			}
			if _, err := c.netConn.Write([]byte{'S'}); err != nil {
				return err
			}
			tlsConn := tls.Server(c.netConn, l.tlsCfg)
			if err := tlsConn.Handshake(); err != nil {
				return fmt.Errorf("TLS handshake: %w", err)
			}
			c.upgrade(tlsConn)

		case *pgproto3.GSSEncRequest:
			if _, err := c.netConn.Write([]byte{'N'}); err != nil {
				return err
			}

		case *pgproto3.CancelRequest:
			l.cancelRequest(m.ProcessID, m.SecretKey)
			return errCancelRequest

		default:
			return fmt.Errorf("unexpected startup message type: %T", msg)
		}
	}

	c.user = startup.Parameters["user"]
	c.database = startup.Parameters["database"]
	if c.database == "" {
		c.database = c.user
	}
	for k, v := range startup.Parameters {
		c.params[k] = v
	}

	if limit := l.cfg.MaxConnections; limit > 0 && l.ConnectionCount() >= limit {
		c.writeFatal(pmerrors.New(pmerrors.ErrCodeConnectionFailed, "sorry, too many clients already").Err(), StateTooManyConnections)
		return fmt.Errorf("connection limit %d reached", limit)
	}

	if l.cfg.Auth != nil {
		if err := l.authenticate(c); err != nil {
			return err
		}
	}

	secret, err := randomUint32()
	if err != nil {
		return err
	}
	c.secret = secret
	l.addConnection(c)

	buf := (&pgproto3.AuthenticationOk{}).Encode(nil)
	for _, name := range reportedParameters(l.cfg.Parameters) {
		buf = (&pgproto3.ParameterStatus{Name: name, Value: parameterValue(l.cfg.Parameters, name)}).Encode(buf)
	}
	buf = (&pgproto3.ParameterStatus{Name: "session_authorization", Value: c.user}).Encode(buf)
	buf = (&pgproto3.ParameterStatus{Name: "is_superuser", Value: "off"}).Encode(buf)
	buf = (&pgproto3.BackendKeyData{ProcessID: c.pid, SecretKey: c.secret}).Encode(buf)
	buf = (&pgproto3.ReadyForQuery{TxStatus: txIdle}).Encode(buf)

	if _, err := c.netConn.Write(buf); err != nil {
		l.removeConnection(c)
		return err
	}

	l.logger.Protocol().Debug("startup complete",
		"pid", c.pid,
		"user", c.user,
		"database", c.database,
		"tls", c.tls,
	)
	return nil
}

// authenticate asks for a cleartext password and checks it with the
// configured Authenticator.
func (l *Listener) authenticate(c *Conn) error {
	buf := (&pgproto3.AuthenticationCleartextPassword{}).Encode(nil)
	if _, err := c.netConn.Write(buf); err != nil {
		return err
	}
	if err := c.backend.SetAuthType(pgproto3.AuthTypeCleartextPassword); err != nil {
		return err
	}

	msg, err := c.backend.Receive()
	if err != nil {
		return fmt.Errorf("receiving password: %w", err)
	}
	pw, ok := msg.(*pgproto3.PasswordMessage)
	if !ok {
		return fmt.Errorf("expected password message, got %T", msg)
	}

	if err := l.cfg.Auth.Authenticate(c.user, pw.Password); err != nil {
		l.logger.Audit().Warn("authentication failed",
			"user", c.user,
			"remote_addr", c.netConn.RemoteAddr().String(),
			"reason", pmerrors.GetFields(err)["reason"],
		)
		c.writeFatal(err, StateInvalidPassword)
		return err
	}

	l.logger.Audit().Info("authentication succeeded",
		"user", c.user,
		"remote_addr", c.netConn.RemoteAddr().String(),
	)
	return nil
}

// parameterNames maps lower-cased run-time parameter names to the
// spelling clients expect in ParameterStatus.
var parameterNames = map[string]string{
	"server_version":              "server_version",
	"server_encoding":             "server_encoding",
	"client_encoding":             "client_encoding",
	"application_name":            "application_name",
	"datestyle":                   "DateStyle",
	"timezone":                    "TimeZone",
	"integer_datetimes":           "integer_datetimes",
	"standard_conforming_strings": "standard_conforming_strings",
	"intervalstyle":               "IntervalStyle",
}

func reportedParameters(params map[string]string) []string {
	var names []string
	for key, name := range parameterNames {
		if _, ok := params[key]; ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func parameterValue(params map[string]string, name string) string {
	for key, n := range parameterNames {
		if n == name {
			return params[key]
		}
	}
	return ""
}

func randomUint32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("generating cancel key: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// Transaction status indicators sent in ReadyForQuery.
const (
	txIdle   = 'I'
	txActive = 'T'
	txFailed = 'E'
)

// StateTooManyConnections is sent when MaxConnections is reached.
const StateTooManyConnections = "53300"

// Conn implements protocol.Connection for PostgreSQL.
type Conn struct {
	// mu serializes message exchange; Close does not take it so that it
	// can interrupt a blocked read.
	mu sync.Mutex

	netConn  net.Conn
	raw      net.Conn // netConn before any TLS upgrade
	listener *Listener
	cfg      protocol.ListenerConfig
	backend  *pgproto3.Backend
	enc      *encoder
	tls      bool

	// Session state
	user     string
	database string
	params   map[string]string
	pid      uint32
	secret   uint32
	txStatus byte

	// extErr is set after an extended-protocol message was rejected; the
	// connection discards input until Sync.
	extErr bool

	cancelMu sync.Mutex
	cancelCh chan struct{}

	// State
	closed    atomic.Bool
	closeOnce sync.Once
}

// newConn creates a new PostgreSQL connection wrapper.
func newConn(netConn net.Conn, l *Listener) *Conn {
	return &Conn{
		netConn:  netConn,
		raw:      netConn,
		listener: l,
		cfg:      l.cfg,
		backend:  pgproto3.NewBackend(netConn, netConn),
		enc:      newEncoder(),
		params:   make(map[string]string),
		txStatus: txIdle,
		cancelCh: make(chan struct{}),
	}
}

// Handshake runs the startup sequence. On failure the connection is
// closed; a cancel request ends it with protocol.ErrNoSession.
func (c *Conn) Handshake() error {
	err := c.listener.handshake(c)
	c.listener.donePending(c)
	if err != nil {
		c.raw.Close()
		return err
	}
	return nil
}

func (c *Conn) upgrade(tlsConn *tls.Conn) {
	c.netConn = tlsConn
	c.backend = pgproto3.NewBackend(tlsConn, tlsConn)
	c.tls = true
}

// writeFatal sends a FATAL ErrorResponse during startup.
func (c *Conn) writeFatal(err error, state string) {
	resp := errorResponse(err)
	resp.Severity = "FATAL"
	resp.SeverityUnlocalized = "FATAL"
	resp.Code = state
	c.netConn.Write(resp.Encode(nil))
}

// ReadRequest reads the next request from the client.
func (c *Conn) ReadRequest() (protocol.Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if c.closed.Load() {
			return protocol.Request{}, io.EOF
		}

		if c.cfg.IdleTimeout > 0 {
			c.netConn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		}

		msg, err := c.backend.Receive()
		if err != nil {
			return protocol.Request{}, err
		}

		switch m := msg.(type) {
		case *pgproto3.Query:
			c.resetCancel()
			return protocol.Request{Type: protocol.RequestQuery, SQL: m.String}, nil

		case *pgproto3.Sync:
			c.extErr = false
			if err := c.write((&pgproto3.ReadyForQuery{TxStatus: c.txStatus}).Encode(nil)); err != nil {
				return protocol.Request{}, err
			}

		case *pgproto3.Flush:

		case *pgproto3.Terminate:
			c.closed.Store(true)
			return protocol.Request{}, io.EOF

		case *pgproto3.Parse, *pgproto3.Bind, *pgproto3.Describe, *pgproto3.Execute,
			*pgproto3.Close, *pgproto3.FunctionCall, *pgproto3.CopyData, *pgproto3.CopyDone, *pgproto3.CopyFail:
			if c.extErr {
				continue
			}
			c.extErr = true
			return protocol.Request{
				Type:    protocol.RequestUnsupported,
				Message: messageName(msg),
			}, nil

		default:
			return protocol.Request{}, pmerrors.Newf(pmerrors.ErrCodeProtocolError,
				"unexpected message type %T", msg).
				WithOp("Conn.ReadRequest").
				Err()
		}
	}
}

func messageName(msg pgproto3.FrontendMessage) string {
	return fmt.Sprintf("%T", msg)[len("*pgproto3."):]
}

// SendResults sends each result and, unless an extended-protocol error is
// pending, ReadyForQuery. Processing stops at the first error result.
func (c *Conn) SendResults(results ...protocol.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return io.EOF
	}

	var buf []byte
	var err error

results:
	for _, result := range results {
		switch result.Type {
		case protocol.ResultError:
			resErr := result.Error
			if resErr == nil {
				resErr = pmerrors.New(pmerrors.ErrCodeInternal, result.Message).Err()
			}
			buf = errorResponse(resErr).Encode(buf)
			if c.txStatus == txActive {
				c.txStatus = txFailed
			}
			break results

		case protocol.ResultEmpty:
			buf = (&pgproto3.EmptyQueryResponse{}).Encode(buf)

		case protocol.ResultOK:
			c.trackTransaction(result)
			buf = (&pgproto3.CommandComplete{CommandTag: []byte(result.Tag)}).Encode(buf)

		case protocol.ResultRows:
			buf = rowDescription(result.Schema).Encode(buf)
			for _, rec := range result.Records {
				if buf, err = c.enc.dataRows(buf, rec); err != nil {
					buf = errorResponse(pmerrors.Wrap(err, pmerrors.ErrCodeProtocolError, "encoding row").Err()).Encode(buf)
					break results
				}
			}
			buf = (&pgproto3.CommandComplete{CommandTag: []byte(result.Tag)}).Encode(buf)

		case protocol.ResultInfo:
			buf = (&pgproto3.NoticeResponse{
				Severity: "NOTICE",
				Message:  result.Message,
			}).Encode(buf)
		}
	}

	if !c.extErr {
		buf = (&pgproto3.ReadyForQuery{TxStatus: c.txStatus}).Encode(buf)
	}
	return c.write(buf)
}

func (c *Conn) trackTransaction(result protocol.Result) {
	switch result.Tag {
	case "BEGIN":
		if c.txStatus == txIdle {
			c.txStatus = txActive
		}
	case "ROLLBACK":
		if result.InTransaction {
			// ROLLBACK TO SAVEPOINT recovers a failed transaction.
			if c.txStatus == txFailed {
				c.txStatus = txActive
			}
			return
		}
		c.txStatus = txIdle
	case "COMMIT", "COMMIT PREPARED", "ROLLBACK PREPARED", "PREPARE TRANSACTION":
		c.txStatus = txIdle
	}
}

func (c *Conn) write(buf []byte) error {
	if c.cfg.WriteTimeout > 0 {
		c.netConn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	_, err := c.netConn.Write(buf)
	return err
}

// Cancelled returns the channel closed by a cancel request for the
// current query.
func (c *Conn) Cancelled() <-chan struct{} {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	return c.cancelCh
}

func (c *Conn) resetCancel() {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	select {
	case <-c.cancelCh:
		c.cancelCh = make(chan struct{})
	default:
	}
}

func (c *Conn) cancelQuery() {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	select {
	case <-c.cancelCh:
	default:
		close(c.cancelCh)
	}
}

// Close closes the connection and cancels any query in progress.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancelQuery()
		c.listener.removeConnection(c)
		err = c.netConn.Close()
	})
	return err
}

// RemoteAddr returns the remote address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.netConn.RemoteAddr()
}

// SetDeadline sets the read/write deadline.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.netConn.SetDeadline(t)
}

// PID returns the backend process ID sent in BackendKeyData.
func (c *Conn) PID() uint32 {
	return c.pid
}

// Properties returns the session's startup parameters.
func (c *Conn) Properties() map[string]string {
	props := make(map[string]string)
	for k, v := range c.params {
		props[k] = v
	}
	if c.user != "" {
		props["user"] = c.user
	}
	if c.database != "" {
		props["database"] = c.database
	}
	return props
}
