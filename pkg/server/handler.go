package server

import (
	"context"
	"fmt"
	"time"

	"github.com/ha1tch/pgmeta/pkg/engine"
	pmerrors "github.com/ha1tch/pgmeta/pkg/errors"
	"github.com/ha1tch/pgmeta/pkg/log"
	"github.com/ha1tch/pgmeta/pkg/protocol"
)

// ConnectionHandler handles a single client connection.
type ConnectionHandler struct {
	conn   protocol.Connection
	engine *engine.Engine
	logger *log.Logger

	// Session state
	sessionID string
	user      string
	database  string

	logQueries  bool
	execTimeout time.Duration
}

// HandlerOption configures a ConnectionHandler.
type HandlerOption func(*ConnectionHandler)

// WithQueryLogging logs every query text at info level.
func WithQueryLogging(enabled bool) HandlerOption {
	return func(h *ConnectionHandler) {
		h.logQueries = enabled
	}
}

// WithExecTimeout bounds each query's execution. Zero means no limit.
func WithExecTimeout(d time.Duration) HandlerOption {
	return func(h *ConnectionHandler) {
		h.execTimeout = d
	}
}

// NewConnectionHandler creates a new connection handler.
func NewConnectionHandler(conn protocol.Connection, eng *engine.Engine, logger *log.Logger, opts ...HandlerOption) *ConnectionHandler {
	props := conn.Properties()
	h := &ConnectionHandler{
		conn:      conn,
		engine:    eng,
		logger:    logger,
		sessionID: generateSessionID(),
		user:      props["user"],
		database:  props["database"],
	}
	for _, opt := range opts {
		opt(h)
	}

	logger.Protocol().Debug("connection handler created",
		"session_id", h.sessionID,
		"remote_addr", conn.RemoteAddr().String(),
	)
	return h
}

// Serve handles requests from the connection until it closes.
func (h *ConnectionHandler) Serve(ctx context.Context) {
	ctx = log.WithSessionID(ctx, h.sessionID)
	execLog := h.logger.Execution().WithFields("session_id", h.sessionID)

	h.logger.System().Info("session started",
		"session_id", h.sessionID,
		"user", h.user,
		"database", h.database,
	)

	requestCount := 0
	for {
		select {
		case <-ctx.Done():
			h.logger.System().Debug("session context cancelled",
				"session_id", h.sessionID,
				"requests_handled", requestCount,
			)
			return
		default:
		}

		// Read next request
		req, err := h.conn.ReadRequest()
		if err != nil {
			// Connection closed or error
			h.logger.System().Info("session ended",
				"session_id", h.sessionID,
				"requests_handled", requestCount,
				"reason", err.Error(),
			)
			return
		}

		requestCount++
		startTime := time.Now()

		if h.logQueries && req.Type == protocol.RequestQuery {
			execLog.Info("query", "sql", req.SQL)
		}

		results, release := h.process(ctx, req)
		elapsed := time.Since(startTime)

		// Log execution
		if last := results[len(results)-1]; last.Type == protocol.ResultError {
			execLog.Error("request failed", last.Error,
				"request_type", req.Type.String(),
				"statements", len(results),
				"duration_ms", elapsed.Milliseconds(),
			)
		} else {
			execLog.Debug("request completed",
				"request_type", req.Type.String(),
				"statements", len(results),
				"duration_ms", elapsed.Milliseconds(),
			)
		}

		// Send results
		err = h.conn.SendResults(results...)
		release()
		if err != nil {
			h.logger.System().Error("failed to send results", err,
				"session_id", h.sessionID,
			)
			return
		}
	}
}

// process runs processRequest. A panic becomes an ErrCodePanic error
// result and the session carries on.
func (h *ConnectionHandler) process(ctx context.Context, req protocol.Request) (results []protocol.Result, release func()) {
	defer func() {
		if r := recover(); r != nil {
			err := pmerrors.Recovered(r)
			h.logger.System().Error("request panicked", err,
				"session_id", h.sessionID,
				"detail", fmt.Sprintf("%+v", err),
			)
			results, release = []protocol.Result{errorResult(err)}, func() {}
		}
	}()
	return h.processRequest(ctx, req)
}

// processRequest handles a single request. The returned release function
// frees the result records once they have been sent.
func (h *ConnectionHandler) processRequest(ctx context.Context, req protocol.Request) ([]protocol.Result, func()) {
	switch req.Type {
	case protocol.RequestQuery:
		return h.handleQuery(ctx, req)
	case protocol.RequestUnsupported:
		err := pmerrors.Newf(pmerrors.ErrCodeUnsupportedMessage,
			"%s messages are not supported; use the simple query protocol", req.Message).
			WithOp("ConnectionHandler.processRequest").
			Err()
		return []protocol.Result{errorResult(err)}, func() {}
	default:
		err := pmerrors.Newf(pmerrors.ErrCodeProtocolError,
			"unknown request type: %d", req.Type).
			WithOp("ConnectionHandler.processRequest").
			Err()
		return []protocol.Result{errorResult(err)}, func() {}
	}
}

// handleQuery runs every statement in the query string. The query is
// cancelled when the client sends a cancel request or the execution
// timeout expires.
func (h *ConnectionHandler) handleQuery(ctx context.Context, req protocol.Request) ([]protocol.Result, func()) {
	var (
		qctx   context.Context
		cancel context.CancelFunc
	)
	if h.execTimeout > 0 {
		qctx, cancel = context.WithTimeout(ctx, h.execTimeout)
	} else {
		qctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	cancelled := h.conn.Cancelled()
	go func() {
		select {
		case <-cancelled:
			cancel()
		case <-qctx.Done():
		}
	}()

	res, err := h.engine.Execute(qctx, req.SQL)
	release := func() { engine.ReleaseAll(res) }

	if err == nil && len(res) == 0 {
		return []protocol.Result{{Type: protocol.ResultEmpty}}, release
	}

	results := make([]protocol.Result, 0, len(res)+1)
	for _, r := range res {
		results = append(results, convertResult(r))
	}
	if err != nil {
		results = append(results, errorResult(err))
	}
	return results, release
}

func convertResult(r *engine.Result) protocol.Result {
	if r.Schema == nil {
		return protocol.Result{Type: protocol.ResultOK, Tag: r.Tag, InTransaction: r.InTransaction}
	}
	return protocol.Result{
		Type:    protocol.ResultRows,
		Tag:     r.Tag,
		Schema:  r.Schema,
		Records: r.Records,
	}
}

func errorResult(err error) protocol.Result {
	return protocol.Result{
		Type:    protocol.ResultError,
		Error:   err,
		Message: err.Error(),
	}
}

// generateSessionID creates a unique session identifier.
func generateSessionID() string {
	return fmt.Sprintf("sess_%d", time.Now().UnixNano())
}
