// Package logctx propagates structured-logging metadata through
// context.Context so that every log line emitted while handling a client
// connection, session, or subprocess query automatically carries session,
// server, and request identifiers without threading them through every
// function signature.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps an slog.Handler, enriching every record with whatever
// metadata is attached to its context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("session",
			slog.String("id", sd.SessionID),
			slog.Uint64("uid", uint64(sd.PeerUID)),
		))
	}

	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
		))
	}

	if md, ok := ctx.Value(mcpDataKey{}).(*MCPData); ok {
		r.AddAttrs(slog.Group("mcp",
			slog.String("server", md.Server),
			slog.String("method", md.Method),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{h.Handler.WithGroup(name)}
}

type sessionDataKey struct{}

// SessionData identifies the client session a log line is associated with.
type SessionData struct {
	SessionID string
	PeerUID   uint32
}

// WithSessionData attaches session identity to ctx for subsequent log calls
// made with it.
func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type requestDataKey struct{}

// RequestData identifies the client-facing RPC request a log line belongs
// to.
type RequestData struct {
	RequestID string
	Method    string
}

// WithRequestData attaches a client request's identity to ctx.
func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type mcpDataKey struct{}

// MCPData identifies the upstream MCP server/method a log line belongs to.
type MCPData struct {
	Server string
	Method string
}

// WithMCPData attaches the upstream server/method a log line concerns.
func WithMCPData(ctx context.Context, data *MCPData) context.Context {
	return context.WithValue(ctx, mcpDataKey{}, data)
}
