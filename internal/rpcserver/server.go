// Package rpcserver implements the Local RPC Server (component G): the
// coordinator's Unix-domain-socket-facing surface for editor/agent
// clients, speaking the same LSP-style framing as the MCP subprocess
// wire but a distinct, coordinator-specific JSON-RPC method set
// (connect, query, cancel, cache_get, cache_set, get_metrics, shutdown).
package rpcserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/localmcp/mcpd/internal/cache"
	"github.com/localmcp/mcpd/internal/config"
	"github.com/localmcp/mcpd/internal/logctx"
	"github.com/localmcp/mcpd/internal/metrics"
	"github.com/localmcp/mcpd/internal/peercred"
	"github.com/localmcp/mcpd/internal/pool"
	"github.com/localmcp/mcpd/internal/session"
)

// SpecSource resolves a server name to its current ServerSpec, indirecting
// through whatever hot-reloadable configuration store the daemon maintains.
type SpecSource interface {
	Spec(name string) (*config.ServerSpec, bool)
}

// ErrAlreadyRunning is returned by Listen when a live daemon already owns
// the socket path, per spec.md P8 (socket stewardship): the caller should
// exit without touching the existing socket file.
var ErrAlreadyRunning = errors.New("rpcserver: another daemon is already listening on this socket")

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used for connection and request lifecycle
// events. If not provided, slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = slog.New(logctx.Handler{Handler: l.Handler()}) }
}

// WithOwnerUID overrides the uid treated as the daemon's own for the
// shutdown-privilege check. Defaults to the process's real uid. Peer
// authorization on connect does not use it; it compares against the
// process's effective uid.
func WithOwnerUID(uid uint32) Option {
	return func(s *Server) { s.ownerUID = uid }
}

// Server accepts client connections on a local socket and serves the
// coordinator's RPC surface over each one.
type Server struct {
	pool     *pool.Pool
	cache    *cache.Cache
	sessions *session.Registry
	metrics  *metrics.Registry
	specs    SpecSource

	log      *slog.Logger
	ownerUID uint32

	mu           sync.Mutex
	listener     net.Listener
	path         string
	draining     atomic.Bool
	broadcasters map[string]*serverBroadcaster

	onShutdown func(ctx context.Context)

	connWG sync.WaitGroup
}

// New constructs a Server. onShutdown is invoked (without blocking the
// calling request) when an authorized client issues shutdown; it is the
// daemon's hook into the lifecycle controller's graceful drain.
func New(p *pool.Pool, c *cache.Cache, sessions *session.Registry, m *metrics.Registry, specs SpecSource, onShutdown func(ctx context.Context), opts ...Option) *Server {
	s := &Server{
		pool:       p,
		cache:      c,
		sessions:   sessions,
		metrics:    m,
		specs:      specs,
		onShutdown: onShutdown,
		ownerUID:   uint32(os.Getuid()),
		log:        slog.New(logctx.Handler{Handler: slog.Default().Handler()}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen binds the Unix socket at path, implementing spec.md's stale-socket
// stewardship: if the path exists but nothing answers, it is unlinked and
// rebound; if a listener answers, Listen returns ErrAlreadyRunning without
// touching the file (P8).
func (s *Server) Listen(path string) error {
	if _, err := os.Stat(path); err == nil {
		conn, dialErr := net.DialTimeout("unix", path, 200*time.Millisecond)
		if dialErr == nil {
			conn.Close()
			return ErrAlreadyRunning
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("rpcserver: removing stale socket %s: %w", path, err)
		}
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("rpcserver: listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("rpcserver: chmod %s: %w", path, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.path = path
	s.mu.Unlock()
	return nil
}

// Serve runs the accept loop until ctx is canceled or the listener closes.
// Each accepted connection is handled on its own goroutine; Serve does not
// return until every in-flight connection handler has exited.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("rpcserver: Serve called before Listen")
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.connWG.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if s.draining.Load() {
			conn.Close()
			continue
		}

		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// BeginDrain stops accepting new connections. Existing connections are left
// to finish on their own; the lifecycle controller waits for them up to its
// drain deadline (WaitConns) and then closes the listener. Connections still
// open at that point are not closed by the server.
func (s *Server) BeginDrain() {
	s.draining.Store(true)
}

// WaitConns blocks until every connection handler has returned, or ctx is
// done first.
func (s *Server) WaitConns(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Close stops accepting connections and unlinks the socket file, per
// spec.md §4.H step 4.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.listener
	path := s.path
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	if path != "" {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			err = rmErr
		}
	}
	return err
}

// ActiveSessions returns the number of currently connected clients, used by
// the lifecycle controller's idle-shutdown check.
func (s *Server) ActiveSessions() int {
	return s.sessions.Count()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	peer, err := peercred.Lookup(conn)
	if err != nil {
		s.log.WarnContext(ctx, "rpcserver.peercred.fail", slog.String("err", err.Error()))
		return
	}
	if err := session.Authorize(peer); err != nil {
		s.log.WarnContext(ctx, "rpcserver.unauthorized", slog.Uint64("peer_uid", uint64(peer.UID)))
		return
	}

	sess := s.sessions.Open(peer)
	defer s.sessions.Close(sess)

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID, PeerUID: peer.UID})
	s.log.InfoContext(ctx, "rpcserver.conn.open")

	s.serveConn(ctx, conn, sess)

	s.log.InfoContext(ctx, "rpcserver.conn.close")
}
