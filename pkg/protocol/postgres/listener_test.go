package postgres

import (
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5/pgproto3"

	pmerrors "github.com/ha1tch/pgmeta/pkg/errors"
	"github.com/ha1tch/pgmeta/pkg/log"
	"github.com/ha1tch/pgmeta/pkg/protocol"
)

type served struct {
	conn *Conn
	err  error
}

func serveAsync(l *Listener, nc net.Conn) <-chan served {
	ch := make(chan served, 1)
	go func() {
		conn, err := l.Serve(nc)
		ch <- served{conn, err}
	}()
	return ch
}

func testConfig() protocol.ListenerConfig {
	cfg := protocol.DefaultListenerConfig(protocol.ProtocolPostgres)
	cfg.Parameters = map[string]string{
		"server_version":  "14.2",
		"datestyle":       "ISO, MDY",
		"client_encoding": "UTF8",
	}
	return cfg
}

func newTestListener(t *testing.T, cfg protocol.ListenerConfig) *Listener {
	t.Helper()
	l, err := NewListener(cfg, log.Discard())
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func newClient(t *testing.T) (net.Conn, net.Conn, *pgproto3.Frontend) {
	t.Helper()
	server, client := net.Pipe()
	client.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { client.Close() })
	return server, client, pgproto3.NewFrontend(client, client)
}

func send(t *testing.T, fe *pgproto3.Frontend, msgs ...pgproto3.FrontendMessage) {
	t.Helper()
	for _, msg := range msgs {
		fe.Send(msg)
	}
	if err := fe.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

// describe summarizes a backend message; the frontend reuses message
// structs, so nothing is kept past the next Receive.
func describe(msg pgproto3.BackendMessage) string {
	switch m := msg.(type) {
	case *pgproto3.RowDescription:
		s := "RowDescription:"
		for i, f := range m.Fields {
			if i > 0 {
				s += ","
			}
			s += fmt.Sprintf("%s/%d", f.Name, f.DataTypeOID)
		}
		return s
	case *pgproto3.DataRow:
		s := "DataRow:"
		for i, v := range m.Values {
			if i > 0 {
				s += "|"
			}
			if v == nil {
				s += "NULL"
			} else {
				s += string(v)
			}
		}
		return s
	case *pgproto3.CommandComplete:
		return "CommandComplete:" + string(m.CommandTag)
	case *pgproto3.ReadyForQuery:
		return "ReadyForQuery:" + string(m.TxStatus)
	case *pgproto3.ErrorResponse:
		return "ErrorResponse:" + m.Severity + ":" + m.Code
	case *pgproto3.EmptyQueryResponse:
		return "EmptyQueryResponse"
	case *pgproto3.NoticeResponse:
		return "NoticeResponse:" + m.Message
	case *pgproto3.AuthenticationOk:
		return "AuthenticationOk"
	case *pgproto3.AuthenticationCleartextPassword:
		return "AuthenticationCleartextPassword"
	default:
		return fmt.Sprintf("%T", msg)
	}
}

// readUntilReady collects messages up to and including ReadyForQuery.
func readUntilReady(t *testing.T, fe *pgproto3.Frontend) []string {
	t.Helper()
	var got []string
	for {
		msg, err := fe.Receive()
		if err != nil {
			t.Fatalf("Receive: %v (so far %v)", err, got)
		}
		got = append(got, describe(msg))
		if _, ok := msg.(*pgproto3.ReadyForQuery); ok {
			return got
		}
	}
}

type session struct {
	conn   *Conn
	client net.Conn
	fe     *pgproto3.Frontend
	params map[string]string
	pid    uint32
	secret uint32
}

func startSession(t *testing.T, l *Listener) *session {
	t.Helper()
	server, client, fe := newClient(t)
	ch := serveAsync(l, server)

	send(t, fe, &pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      map[string]string{"user": "alice", "application_name": "psql"},
	})

	s := &session{client: client, fe: fe, params: make(map[string]string)}
	for done := false; !done; {
		msg, err := fe.Receive()
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		switch m := msg.(type) {
		case *pgproto3.AuthenticationOk:
		case *pgproto3.ParameterStatus:
			s.params[m.Name] = m.Value
		case *pgproto3.BackendKeyData:
			s.pid, s.secret = m.ProcessID, m.SecretKey
		case *pgproto3.ReadyForQuery:
			if m.TxStatus != 'I' {
				t.Fatalf("TxStatus = %c", m.TxStatus)
			}
			done = true
		default:
			t.Fatalf("unexpected startup message %s", describe(msg))
		}
	}

	res := <-ch
	if res.err != nil {
		t.Fatalf("Serve: %v", res.err)
	}
	s.conn = res.conn
	return s
}

func TestStartup(t *testing.T) {
	l := newTestListener(t, testConfig())
	s := startSession(t, l)

	want := map[string]string{
		"server_version":        "14.2",
		"DateStyle":             "ISO, MDY",
		"client_encoding":       "UTF8",
		"session_authorization": "alice",
		"is_superuser":          "off",
	}
	for name, value := range want {
		if got := s.params[name]; got != value {
			t.Errorf("ParameterStatus %s = %q, want %q", name, got, value)
		}
	}
	if s.pid == 0 || s.pid != s.conn.PID() {
		t.Errorf("pid = %d, conn pid = %d", s.pid, s.conn.PID())
	}
	if l.ConnectionCount() != 1 {
		t.Errorf("ConnectionCount = %d", l.ConnectionCount())
	}

	props := s.conn.Properties()
	if props["user"] != "alice" || props["database"] != "alice" || props["application_name"] != "psql" {
		t.Errorf("Properties = %v", props)
	}

	s.conn.Close()
	if l.ConnectionCount() != 0 {
		t.Errorf("ConnectionCount after close = %d", l.ConnectionCount())
	}
}

func testRecord(t *testing.T) (*arrow.Schema, arrow.Record) {
	t.Helper()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "oid", Type: arrow.PrimitiveTypes.Int32},
		{Name: "relname", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
	b := array.NewRecordBuilder(memory.NewGoAllocator(), schema)
	defer b.Release()
	b.Field(0).(*array.Int32Builder).AppendValues([]int32{16384, 16385}, nil)
	rel := b.Field(1).(*array.StringBuilder)
	rel.Append("orders")
	rel.AppendNull()
	rec := b.NewRecord()
	t.Cleanup(rec.Release)
	return schema, rec
}

func TestQueryRoundTrip(t *testing.T) {
	l := newTestListener(t, testConfig())
	s := startSession(t, l)
	schema, rec := testRecord(t)

	errc := make(chan error, 1)
	go func() {
		req, err := s.conn.ReadRequest()
		if err != nil {
			errc <- err
			return
		}
		if req.Type != protocol.RequestQuery || req.SQL != "SELECT oid, relname FROM pg_class" {
			errc <- fmt.Errorf("request = %+v", req)
			return
		}
		errc <- s.conn.SendResults(protocol.Result{
			Type:    protocol.ResultRows,
			Tag:     "SELECT 2",
			Schema:  schema,
			Records: []arrow.Record{rec},
		})
	}()

	send(t, s.fe, &pgproto3.Query{String: "SELECT oid, relname FROM pg_class"})
	got := readUntilReady(t, s.fe)
	if err := <-errc; err != nil {
		t.Fatal(err)
	}

	want := []string{
		"RowDescription:oid/23,relname/25",
		"DataRow:16384|orders",
		"DataRow:16385|NULL",
		"CommandComplete:SELECT 2",
		"ReadyForQuery:I",
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSendResults_Sequence(t *testing.T) {
	l := newTestListener(t, testConfig())
	s := startSession(t, l)

	tests := []struct {
		name    string
		results []protocol.Result
		want    []string
	}{
		{
			"empty query",
			[]protocol.Result{{Type: protocol.ResultEmpty}},
			[]string{"EmptyQueryResponse", "ReadyForQuery:I"},
		},
		{
			"begin",
			[]protocol.Result{{Type: protocol.ResultOK, Tag: "BEGIN"}},
			[]string{"CommandComplete:BEGIN", "ReadyForQuery:T"},
		},
		{
			"error in transaction stops processing",
			[]protocol.Result{
				{Type: protocol.ResultInfo, Message: "note"},
				{Type: protocol.ResultError, Error: pmerrors.New(pmerrors.ErrCodeExecReadOnly, "read-only").Err()},
				{Type: protocol.ResultOK, Tag: "SET"},
			},
			[]string{"NoticeResponse:note", "ErrorResponse:ERROR:25006", "ReadyForQuery:E"},
		},
		{
			"rollback to savepoint recovers",
			[]protocol.Result{{Type: protocol.ResultOK, Tag: "ROLLBACK", InTransaction: true}},
			[]string{"CommandComplete:ROLLBACK", "ReadyForQuery:T"},
		},
		{
			"savepoint keeps transaction",
			[]protocol.Result{
				{Type: protocol.ResultOK, Tag: "SAVEPOINT"},
				{Type: protocol.ResultOK, Tag: "RELEASE"},
			},
			[]string{"CommandComplete:SAVEPOINT", "CommandComplete:RELEASE", "ReadyForQuery:T"},
		},
		{
			"rollback",
			[]protocol.Result{{Type: protocol.ResultOK, Tag: "ROLLBACK"}},
			[]string{"CommandComplete:ROLLBACK", "ReadyForQuery:I"},
		},
		{
			"rollback to outside transaction",
			[]protocol.Result{{Type: protocol.ResultOK, Tag: "ROLLBACK", InTransaction: true}},
			[]string{"CommandComplete:ROLLBACK", "ReadyForQuery:I"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errc := make(chan error, 1)
			go func() { errc <- s.conn.SendResults(tt.results...) }()
			got := readUntilReady(t, s.fe)
			if err := <-errc; err != nil {
				t.Fatalf("SendResults: %v", err)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExtendedProtocolRejected(t *testing.T) {
	l := newTestListener(t, testConfig())
	s := startSession(t, l)

	errc := make(chan error, 1)
	go func() {
		req, err := s.conn.ReadRequest()
		if err != nil {
			errc <- err
			return
		}
		if req.Type != protocol.RequestUnsupported || req.Message != "Parse" {
			errc <- fmt.Errorf("request = %+v", req)
			return
		}
		if err := s.conn.SendResults(protocol.Result{
			Type:  protocol.ResultError,
			Error: pmerrors.New(pmerrors.ErrCodeUnsupportedMessage, "extended query protocol is not supported").Err(),
		}); err != nil {
			errc <- err
			return
		}
		// Bind and Execute are discarded; Sync answers ReadyForQuery and
		// the read continues until Terminate.
		_, err = s.conn.ReadRequest()
		errc <- err
	}()

	send(t, s.fe,
		&pgproto3.Parse{Query: "SELECT 1"},
		&pgproto3.Bind{},
		&pgproto3.Execute{},
		&pgproto3.Sync{},
	)
	got := readUntilReady(t, s.fe)
	want := []string{"ErrorResponse:ERROR:0A000", "ReadyForQuery:I"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("got %v, want %v", got, want)
	}

	send(t, s.fe, &pgproto3.Terminate{})
	if err := <-errc; !errors.Is(err, io.EOF) {
		t.Errorf("ReadRequest after Terminate = %v, want EOF", err)
	}
}

func TestAuthentication(t *testing.T) {
	cfg := testConfig()
	cfg.Auth = &JWTAuth{Secret: "k"}
	l := newTestListener(t, cfg)

	good, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("k"))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}

	tests := []struct {
		name     string
		password string
		want     string
	}{
		{"valid token", good, "AuthenticationOk"},
		{"bad password", "letmein", "ErrorResponse:FATAL:28P01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _, fe := newClient(t)
			ch := serveAsync(l, server)

			send(t, fe, &pgproto3.StartupMessage{
				ProtocolVersion: pgproto3.ProtocolVersionNumber,
				Parameters:      map[string]string{"user": "alice"},
			})
			msg, err := fe.Receive()
			if err != nil {
				t.Fatalf("Receive: %v", err)
			}
			if _, ok := msg.(*pgproto3.AuthenticationCleartextPassword); !ok {
				t.Fatalf("got %s, want cleartext password request", describe(msg))
			}

			send(t, fe, &pgproto3.PasswordMessage{Password: tt.password})
			msg, err = fe.Receive()
			if err != nil {
				t.Fatalf("Receive: %v", err)
			}
			if got := describe(msg); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}

			if tt.want == "AuthenticationOk" {
				readUntilReady(t, fe)
				res := <-ch
				if res.err != nil {
					t.Fatalf("Serve: %v", res.err)
				}
				res.conn.Close()
				return
			}
			if res := <-ch; !pmerrors.IsCode(res.err, pmerrors.ErrCodeAuthFailed) {
				t.Errorf("Serve err = %v", res.err)
			}
		})
	}
}

func TestConnectionLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	l := newTestListener(t, cfg)
	startSession(t, l)

	server, _, fe := newClient(t)
	ch := serveAsync(l, server)
	send(t, fe, &pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      map[string]string{"user": "bob"},
	})
	msg, err := fe.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got := describe(msg); got != "ErrorResponse:FATAL:"+StateTooManyConnections {
		t.Errorf("got %s", got)
	}
	if res := <-ch; res.err == nil {
		t.Error("expected Serve to fail")
	}
}

func TestCancelRequest(t *testing.T) {
	l := newTestListener(t, testConfig())
	s := startSession(t, l)

	cancel := func(secret uint32) {
		server, _, fe := newClient(t)
		ch := serveAsync(l, server)
		send(t, fe, &pgproto3.CancelRequest{ProcessID: s.pid, SecretKey: secret})
		if res := <-ch; !errors.Is(res.err, errCancelRequest) {
			t.Fatalf("Serve err = %v, want cancel request", res.err)
		}
	}

	cancel(s.secret + 1)
	select {
	case <-s.conn.Cancelled():
		t.Fatal("cancelled with the wrong secret")
	default:
	}

	cancel(s.secret)
	select {
	case <-s.conn.Cancelled():
	case <-time.After(time.Second):
		t.Fatal("query was not cancelled")
	}

	// The next query gets a fresh channel.
	errc := make(chan error, 1)
	go func() {
		_, err := s.conn.ReadRequest()
		errc <- err
	}()
	send(t, s.fe, &pgproto3.Query{String: "SELECT 1"})
	if err := <-errc; err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	select {
	case <-s.conn.Cancelled():
		t.Error("cancel state carried over to the next query")
	default:
	}
}

func TestListenerClose(t *testing.T) {
	l := newTestListener(t, testConfig())
	s := startSession(t, l)

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.conn.ReadRequest(); err == nil {
		t.Error("ReadRequest succeeded on a closed listener")
	}
	if l.ConnectionCount() != 0 {
		t.Errorf("ConnectionCount = %d", l.ConnectionCount())
	}
}

func TestAcceptReturnsBeforeStartup(t *testing.T) {
	cfg := testConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	l := newTestListener(t, cfg)
	if err := l.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	silent, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer silent.Close()

	accepted := make(chan protocol.Connection, 2)
	go func() {
		for i := 0; i < 2; i++ {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			accepted <- conn
		}
	}()
	next := func() protocol.Connection {
		t.Helper()
		select {
		case conn := <-accepted:
			return conn
		case <-time.After(5 * time.Second):
			t.Fatal("Accept blocked")
			return nil
		}
	}

	first := next()

	client, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()
	second := next()

	done := make(chan error, 1)
	go func() { done <- second.Handshake() }()

	fe := pgproto3.NewFrontend(client, client)
	send(t, fe, &pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      map[string]string{"user": "alice"},
	})
	readUntilReady(t, fe)
	if err := <-done; err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if l.ConnectionCount() != 1 {
		t.Errorf("ConnectionCount = %d", l.ConnectionCount())
	}

	// Closing the listener also ends connections still in startup.
	l.Close()
	if err := first.Handshake(); err == nil {
		t.Error("Handshake succeeded after Close")
	}
}

func TestHandshake_CancelRequestHasNoSession(t *testing.T) {
	l := newTestListener(t, testConfig())
	server, _, fe := newClient(t)
	ch := serveAsync(l, server)

	send(t, fe, &pgproto3.CancelRequest{ProcessID: 1, SecretKey: 2})
	if res := <-ch; !errors.Is(res.err, protocol.ErrNoSession) {
		t.Errorf("Serve err = %v, want ErrNoSession", res.err)
	}
}
