package server

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/ha1tch/pgmeta/pkg/engine"
	pmerrors "github.com/ha1tch/pgmeta/pkg/errors"
	"github.com/ha1tch/pgmeta/pkg/log"
	"github.com/ha1tch/pgmeta/pkg/pgcatalog"
	"github.com/ha1tch/pgmeta/pkg/protocol"
	"github.com/ha1tch/pgmeta/pkg/semantic"
	"github.com/ha1tch/pgmeta/pkg/sqltype"
)

// sent is what fakeConn saw of one result; records are released after
// SendResults returns, so only a summary is kept.
type sent struct {
	typ  protocol.ResultType
	tag  string
	code pmerrors.Code
	rows int64
}

type fakeConn struct {
	requests  []protocol.Request
	responses [][]sent
	cancelled chan struct{}
}

func newFakeConn(reqs ...protocol.Request) *fakeConn {
	return &fakeConn{requests: reqs, cancelled: make(chan struct{})}
}

func (c *fakeConn) ReadRequest() (protocol.Request, error) {
	if len(c.requests) == 0 {
		return protocol.Request{}, io.EOF
	}
	req := c.requests[0]
	c.requests = c.requests[1:]
	return req, nil
}

func (c *fakeConn) SendResults(results ...protocol.Result) error {
	var batch []sent
	for _, r := range results {
		s := sent{typ: r.Type, tag: r.Tag}
		if r.Error != nil {
			s.code = pmerrors.GetCode(r.Error)
		}
		for _, rec := range r.Records {
			s.rows += rec.NumRows()
		}
		batch = append(batch, s)
	}
	c.responses = append(c.responses, batch)
	return nil
}

func (c *fakeConn) Handshake() error { return nil }
func (c *fakeConn) Close() error     { return nil }
func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}
}
func (c *fakeConn) SetDeadline(t time.Time) error { return nil }
func (c *fakeConn) Properties() map[string]string {
	return map[string]string{"user": "alice", "database": "analytics"}
}
func (c *fakeConn) Cancelled() <-chan struct{} { return c.cancelled }

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	src, err := semantic.NewStaticSource(semantic.Table{
		Name: "orders",
		Columns: []semantic.Column{
			{Name: "id", ColumnType: sqltype.TypeInt64},
			{Name: "status", ColumnType: sqltype.TypeString, Nullable: true},
		},
	})
	if err != nil {
		t.Fatalf("NewStaticSource: %v", err)
	}
	reg, err := pgcatalog.NewDefault(src, "analytics", pgcatalog.WithTableOptions(pgcatalog.WithLogger(log.Discard())))
	if err != nil {
		t.Fatalf("NewDefault: %v", err)
	}
	t.Cleanup(reg.Close)

	eng, err := engine.Open(context.Background(), reg, engine.WithLogger(log.Discard()))
	if err != nil {
		t.Fatalf("engine.Open: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

func TestConnectionHandler_Serve(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name string
		req  protocol.Request
		want []sent
	}{
		{
			"catalog query",
			protocol.Request{Type: protocol.RequestQuery, SQL: "SELECT column_name FROM information_schema.columns"},
			[]sent{{typ: protocol.ResultRows, tag: "SELECT 2", rows: 2}},
		},
		{
			"empty query",
			protocol.Request{Type: protocol.RequestQuery, SQL: "  ;"},
			[]sent{{typ: protocol.ResultEmpty}},
		},
		{
			"multiple statements",
			protocol.Request{Type: protocol.RequestQuery, SQL: "BEGIN; SET search_path = public; SELECT 1; COMMIT"},
			[]sent{
				{typ: protocol.ResultOK, tag: "BEGIN"},
				{typ: protocol.ResultOK, tag: "SET"},
				{typ: protocol.ResultRows, tag: "SELECT 1", rows: 1},
				{typ: protocol.ResultOK, tag: "COMMIT"},
			},
		},
		{
			"error after a completed statement",
			protocol.Request{Type: protocol.RequestQuery, SQL: "SELECT 1; SELECT * FROM nowhere"},
			[]sent{
				{typ: protocol.ResultRows, tag: "SELECT 1", rows: 1},
				{typ: protocol.ResultError, code: pmerrors.ErrCodeCatalogTableNotFound},
			},
		},
		{
			"write rejected",
			protocol.Request{Type: protocol.RequestQuery, SQL: "DELETE FROM information_schema.tables"},
			[]sent{{typ: protocol.ResultError, code: pmerrors.ErrCodeExecReadOnly}},
		},
		{
			"syntax error",
			protocol.Request{Type: protocol.RequestQuery, SQL: "SELEC 1"},
			[]sent{{typ: protocol.ResultError, code: pmerrors.ErrCodeExecSyntax}},
		},
		{
			"extended protocol",
			protocol.Request{Type: protocol.RequestUnsupported, Message: "Parse"},
			[]sent{{typ: protocol.ResultError, code: pmerrors.ErrCodeUnsupportedMessage}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newFakeConn(tt.req)
			NewConnectionHandler(conn, eng, log.Discard()).Serve(context.Background())

			if len(conn.responses) != 1 {
				t.Fatalf("responses = %d, want 1", len(conn.responses))
			}
			got := conn.responses[0]
			if len(got) != len(tt.want) {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("result %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestConnectionHandler_Cancelled(t *testing.T) {
	eng := newTestEngine(t)

	conn := newFakeConn(protocol.Request{
		Type: protocol.RequestQuery,
		SQL:  "SELECT sum(a.range * b.range) FROM range(1000000000) a, range(1000000000) b",
	})
	close(conn.cancelled)

	done := make(chan struct{})
	go func() {
		NewConnectionHandler(conn, eng, log.Discard()).Serve(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("query was not cancelled")
	}

	got := conn.responses[0]
	if last := got[len(got)-1]; last.typ != protocol.ResultError || last.code != pmerrors.ErrCodeExecCancelled {
		t.Errorf("result = %+v, want cancellation error", last)
	}
}

func TestConnectionHandler_ContextDone(t *testing.T) {
	eng := newTestEngine(t)
	conn := newFakeConn(protocol.Request{Type: protocol.RequestQuery, SQL: "SELECT 1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	NewConnectionHandler(conn, eng, log.Discard()).Serve(ctx)

	if len(conn.responses) != 0 {
		t.Errorf("responses = %d after shutdown", len(conn.responses))
	}
	if len(conn.requests) != 1 {
		t.Error("request consumed after shutdown")
	}
}

func TestConnectionHandler_PanicBecomesError(t *testing.T) {
	conn := newFakeConn(
		protocol.Request{Type: protocol.RequestQuery, SQL: "SELECT 1"},
		protocol.Request{Type: protocol.RequestQuery, SQL: "SELECT 2"},
	)
	var buf bytes.Buffer
	logger := log.New(log.Config{DefaultLevel: log.LevelError, Output: &buf})

	// A handler without an engine panics on every query.
	NewConnectionHandler(conn, nil, logger).Serve(context.Background())

	if len(conn.responses) != 2 {
		t.Fatalf("responses = %d, want 2: session ended on panic", len(conn.responses))
	}
	for i, batch := range conn.responses {
		if len(batch) != 1 || batch[0].typ != protocol.ResultError || batch[0].code != pmerrors.ErrCodePanic {
			t.Errorf("response %d = %+v", i, batch)
		}
	}
	if out := buf.String(); !strings.Contains(out, "request panicked") || !strings.Contains(out, "  at ") {
		t.Errorf("panic log missing stack:\n%s", out)
	}
}
