package rpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/localmcp/mcpd/internal/adapter"
	"github.com/localmcp/mcpd/internal/fingerprint"
	"github.com/localmcp/mcpd/internal/jsonrpc"
	"github.com/localmcp/mcpd/internal/pool"
	"github.com/localmcp/mcpd/internal/session"
)

// directCacheServer namespaces cache_get/cache_set keys, which are opaque
// client strings rather than (server, method, params) fingerprints, away
// from any real server's query cache entries.
const directCacheServer = "__client__"

// ConnectParams is the `connect` method's params.
type ConnectParams struct {
	Server string `json:"server"`
}

// ConnectResult is the `connect` method's result.
type ConnectResult struct {
	Handle     string          `json:"handle"`
	ServerCaps json.RawMessage `json:"capabilities"`
	ServerInfo json.RawMessage `json:"serverInfo,omitempty"`
}

// QueryParams is the `query` method's params.
type QueryParams struct {
	Server     string          `json:"server"`
	Method     string          `json:"method"`
	Params     json.RawMessage `json:"params,omitempty"`
	TimeoutMs  *uint32         `json:"timeout_ms,omitempty"`
	Cache      *bool           `json:"cache,omitempty"`
}

// QueryResult is the `query` method's result.
type QueryResult struct {
	Result json.RawMessage `json:"result"`
}

// CancelParams is the `cancel` method's params.
type CancelParams struct {
	RequestID string `json:"request_id"`
}

// CancelResult is the `cancel` method's result.
type CancelResult struct {
	OK bool `json:"ok"`
}

// CacheGetParams is the `cache_get` method's params.
type CacheGetParams struct {
	Key string `json:"key"`
}

// CacheGetResult is the `cache_get` method's result.
type CacheGetResult struct {
	Value json.RawMessage `json:"value,omitempty"`
	Found bool            `json:"found"`
}

// CacheSetParams is the `cache_set` method's params.
type CacheSetParams struct {
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	TTLSeconds int             `json:"ttl_seconds,omitempty"`
}

// CacheSetResult is the `cache_set` method's result.
type CacheSetResult struct {
	OK bool `json:"ok"`
}

// ServerMetrics is one server's slice of GetMetricsResult.
type ServerMetrics struct {
	Queries uint64 `json:"queries"`
	Errors  uint64 `json:"errors"`
}

// GetMetricsResult is the `get_metrics` method's result.
type GetMetricsResult struct {
	ActiveSessions int                      `json:"active_sessions"`
	CacheHits      uint64                   `json:"cache_hits"`
	CacheMisses    uint64                   `json:"cache_misses"`
	Servers        map[string]ServerMetrics `json:"servers"`
}

// ShutdownResult is the `shutdown` method's result.
type ShutdownResult struct {
	OK bool `json:"ok"`
}

func (s *Server) handle(ctx context.Context, sess *session.Session, n *notifier, req *jsonrpc.Request) *jsonrpc.Response {
	switch req.Method {
	case "connect":
		return s.handleConnect(ctx, sess, req)
	case "query":
		return s.handleQuery(ctx, sess, n, req)
	case "cancel":
		return s.handleCancel(sess, req)
	case "cache_get":
		return s.handleCacheGet(req)
	case "cache_set":
		return s.handleCacheSet(req)
	case "get_metrics":
		return s.handleGetMetrics(req)
	case "shutdown":
		return s.handleShutdown(ctx, sess, req)
	default:
		return errorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method), nil)
	}
}

func (s *Server) handleConnect(ctx context.Context, sess *session.Session, req *jsonrpc.Request) *jsonrpc.Response {
	var p ConnectParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
	}

	spec, ok := s.specs.Spec(p.Server)
	if !ok {
		return errorResponse(req.ID, jsonrpc.ErrorCodeUnknownServer, fmt.Sprintf("unknown server %q", p.Server), nil)
	}

	ref, err := s.pool.Acquire(ctx, p.Server, spec)
	if err != nil {
		return errFromAcquire(req.ID, p.Server, err)
	}

	handle := req.ID.String() + ":" + p.Server
	sess.TrackRef(handle, ref)

	caps, _ := json.Marshal(ref.Adapter().Capabilities())
	info, _ := json.Marshal(ref.Adapter().ServerInfo())

	return resultResponse(req.ID, ConnectResult{Handle: handle, ServerCaps: caps, ServerInfo: info})
}

func (s *Server) handleQuery(ctx context.Context, sess *session.Session, n *notifier, req *jsonrpc.Request) *jsonrpc.Response {
	var p QueryParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
	}

	spec, ok := s.specs.Spec(p.Server)
	if !ok {
		return errorResponse(req.ID, jsonrpc.ErrorCodeUnknownServer, fmt.Sprintf("unknown server %q", p.Server), nil)
	}

	queryCtx := ctx
	if p.TimeoutMs != nil {
		var cancel context.CancelFunc
		queryCtx, cancel = context.WithTimeout(ctx, time.Duration(*p.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	key := req.ID.String()
	n.subscribe(p.Server, key)
	defer n.unsubscribe(p.Server, key)

	fetch := func(ctx context.Context) (json.RawMessage, error) {
		ref, err := s.pool.Acquire(ctx, p.Server, spec)
		if err != nil {
			return nil, err
		}
		defer ref.Release()

		start := time.Now()
		result, rpcErr, err := ref.Adapter().Call(ctx, p.Method, p.Params)
		failed := err != nil || rpcErr != nil
		s.metrics.RecordRequest(p.Server, time.Since(start), failed)
		if err != nil {
			return nil, err
		}
		if rpcErr != nil {
			return nil, &serverRPCError{server: p.Server, rpcErr: rpcErr}
		}
		return result, nil
	}

	useCache := p.Cache == nil || *p.Cache

	var result json.RawMessage
	var err error
	if useCache {
		fp, fpErr := fingerprint.Compute(p.Server, p.Method, p.Params)
		if fpErr != nil {
			return errorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, fpErr.Error(), nil)
		}
		result, err = s.cache.Query(queryCtx, p.Server, p.Method, fp, fetch)
	} else {
		result, err = fetch(queryCtx)
	}

	if err != nil {
		return errFromQuery(req.ID, p.Server, err)
	}
	return resultResponse(req.ID, QueryResult{Result: result})
}

func (s *Server) handleCancel(sess *session.Session, req *jsonrpc.Request) *jsonrpc.Response {
	var p CancelParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
	}
	sess.Cancel(p.RequestID)
	return resultResponse(req.ID, CancelResult{OK: true})
}

func (s *Server) handleCacheGet(req *jsonrpc.Request) *jsonrpc.Response {
	var p CacheGetParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
	}
	fp, err := fingerprint.Compute(directCacheServer, "cache_get", p.Key)
	if err != nil {
		return errorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
	}
	value, found := s.cache.Get(directCacheServer, fp)
	return resultResponse(req.ID, CacheGetResult{Value: value, Found: found})
}

func (s *Server) handleCacheSet(req *jsonrpc.Request) *jsonrpc.Response {
	var p CacheSetParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
	}
	fp, err := fingerprint.Compute(directCacheServer, "cache_get", p.Key)
	if err != nil {
		return errorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
	}
	var ttl time.Duration
	if p.TTLSeconds > 0 {
		ttl = time.Duration(p.TTLSeconds) * time.Second
	}
	s.cache.Set(directCacheServer, "cache_get", fp, p.Value, ttl)
	return resultResponse(req.ID, CacheSetResult{OK: true})
}

func (s *Server) handleGetMetrics(req *jsonrpc.Request) *jsonrpc.Response {
	snap := s.metrics.Snapshot()
	servers := make(map[string]ServerMetrics, len(snap.Servers))
	for _, sv := range snap.Servers {
		servers[sv.Server] = ServerMetrics{Queries: sv.Requests, Errors: sv.Errors}
	}
	return resultResponse(req.ID, GetMetricsResult{
		ActiveSessions: s.sessions.Count(),
		CacheHits:      snap.CacheHits,
		CacheMisses:    snap.CacheMisses,
		Servers:        servers,
	})
}

func (s *Server) handleShutdown(ctx context.Context, sess *session.Session, req *jsonrpc.Request) *jsonrpc.Response {
	if sess.Peer.UID != s.ownerUID && sess.Peer.UID != 0 {
		return errorResponse(req.ID, jsonrpc.ErrorCodeUnauthorized, "shutdown is only permitted from the daemon's owning uid", nil)
	}
	if s.onShutdown != nil {
		go s.onShutdown(context.Background())
	}
	return resultResponse(req.ID, ShutdownResult{OK: true})
}

// serverRPCError wraps an upstream MCP server's JSON-RPC error so it can be
// forwarded to the client verbatim (§7 kind 7: ServerError), tagged with
// the originating server name, and never cached.
type serverRPCError struct {
	server string
	rpcErr *jsonrpc.Error
}

func (e *serverRPCError) Error() string {
	return fmt.Sprintf("server %q: %s", e.server, e.rpcErr.Message)
}

func errFromAcquire(id *jsonrpc.RequestID, server string, err error) *jsonrpc.Response {
	switch {
	case errors.Is(err, pool.ErrUnknownServer):
		return errorResponse(id, jsonrpc.ErrorCodeUnknownServer, err.Error(), nil)
	case errors.Is(err, adapter.ErrStartupTimeout):
		return errorResponse(id, jsonrpc.ErrorCodeStartupTimeout, err.Error(), map[string]string{"server": server})
	default:
		return errorResponse(id, jsonrpc.ErrorCodeServerSpawnFail, err.Error(), map[string]string{"server": server})
	}
}

func errFromQuery(id *jsonrpc.RequestID, server string, err error) *jsonrpc.Response {
	var svcErr *serverRPCError
	if errors.As(err, &svcErr) {
		return &jsonrpc.Response{
			JSONRPCVersion: jsonrpc.ProtocolVersion,
			ID:             id,
			Error: &jsonrpc.Error{
				Code:    svcErr.rpcErr.Code,
				Message: svcErr.rpcErr.Message,
				Data:    map[string]any{"server": svcErr.server, "data": svcErr.rpcErr.Data},
			},
		}
	}

	switch {
	case errors.Is(err, pool.ErrUnknownServer):
		return errorResponse(id, jsonrpc.ErrorCodeUnknownServer, err.Error(), nil)
	case errors.Is(err, adapter.ErrStartupTimeout):
		return errorResponse(id, jsonrpc.ErrorCodeStartupTimeout, err.Error(), map[string]string{"server": server})
	case errors.Is(err, adapter.ErrServerGone), errors.Is(err, adapter.ErrNotReady):
		return errorResponse(id, jsonrpc.ErrorCodeServerGone, err.Error(), map[string]string{"server": server})
	case errors.Is(err, context.DeadlineExceeded):
		return errorResponse(id, jsonrpc.ErrorCodeRequestTimeout, err.Error(), map[string]string{"server": server})
	case errors.Is(err, context.Canceled):
		return errorResponse(id, jsonrpc.ErrorCodeCancelled, err.Error(), map[string]string{"server": server})
	default:
		return errorResponse(id, jsonrpc.ErrorCodeServerSpawnFail, err.Error(), map[string]string{"server": server})
	}
}
