package rpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/localmcp/mcpd/internal/frame"
	"github.com/localmcp/mcpd/internal/jsonrpc"
	"github.com/localmcp/mcpd/internal/logctx"
	"github.com/localmcp/mcpd/internal/session"
)

// writer serializes outbound frames on one connection; frame.Writer already
// locks internally, but we also need to guarantee a notification and its
// related response never interleave mid-message, which frame.Writer's
// per-call locking already provides since WriteOne writes a whole frame
// atomically.
type writer struct {
	fw *frame.Writer
}

func (w *writer) writeMessage(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.fw.WriteOne(b)
}

// serveConn reads frames from conn until it closes or a protocol error
// occurs, dispatching each request concurrently — per spec.md §5, response
// ordering across concurrent requests on one connection is not guaranteed
// to be FIFO, only explicitly correlated by id.
func (s *Server) serveConn(ctx context.Context, conn net.Conn, sess *session.Session) {
	r := frame.NewReader(conn)
	w := &writer{fw: frame.NewWriter(conn)}

	connCtx, cancelConn := context.WithCancel(ctx)
	defer cancelConn()

	var wg sync.WaitGroup
	defer wg.Wait()

	notifier := s.notifierFor(sess, w)
	defer notifier.unsubscribeAll()

	for {
		body, err := r.ReadOne()
		if err != nil {
			return
		}

		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			s.log.WarnContext(connCtx, "rpcserver.message.invalid", slog.String("err", err.Error()))
			return
		}

		req := msg.AsRequest()
		if req == nil {
			s.log.WarnContext(connCtx, "rpcserver.message.unexpected", slog.String("type", msg.Type()))
			continue
		}
		if req.ID == nil {
			// Clients have no defined notifications in this protocol; ignore.
			continue
		}

		wg.Add(1)
		go func(req *jsonrpc.Request) {
			defer wg.Done()
			s.dispatch(connCtx, sess, w, notifier, req)
		}(req)
	}
}

// dispatch runs one request to completion and writes its response. The
// request's cancellation is tracked on the session under its outer
// envelope id so a later `cancel` call, or the session closing, can stop
// it.
func (s *Server) dispatch(ctx context.Context, sess *session.Session, w *writer, n *notifier, req *jsonrpc.Request) {
	reqCtx, cancel := context.WithCancel(ctx)
	key := req.ID.String()
	sess.TrackCancel(key, cancel)
	defer func() {
		sess.UntrackCancel(key)
		cancel()
	}()

	reqCtx = logctx.WithRequestData(reqCtx, &logctx.RequestData{RequestID: key, Method: req.Method})

	resp := s.handle(reqCtx, sess, n, req)
	if resp == nil {
		return
	}
	if err := w.writeMessage(resp); err != nil {
		if !errors.Is(err, net.ErrClosed) {
			s.log.WarnContext(reqCtx, "rpcserver.response.write.fail", slog.String("err", err.Error()))
		}
	}
}

func errorResponse(id *jsonrpc.RequestID, code jsonrpc.ErrorCode, message string, data any) *jsonrpc.Response {
	return jsonrpc.NewErrorResponse(id, code, message, data)
}

func resultResponse(id *jsonrpc.RequestID, result any) *jsonrpc.Response {
	resp, err := jsonrpc.NewResultResponse(id, result)
	if err != nil {
		return errorResponse(id, jsonrpc.ErrorCodeInternalError, "failed to encode result", nil)
	}
	return resp
}
