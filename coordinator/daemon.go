// Package coordinator is the composition root named in SPEC_FULL.md §9:
// it builds every component in the table in spec.md §2 — pool, cache,
// session registry, metrics, RPC server, lifecycle controller — as
// explicit fields of one Daemon value, wires them together, and owns
// nothing that isn't reachable from that struct. No package in this
// repository keeps process-wide mutable state; every collaborator is
// passed in as a constructor argument, the way the teacher's own
// packages take theirs (`sessions.NewManager(broker)`,
// `engine.NewEngine(host, srv, opts...)`).
package coordinator

import (
	"context"
	"log/slog"
	"os"

	"github.com/localmcp/mcpd/internal/adapter"
	"github.com/localmcp/mcpd/internal/cache"
	"github.com/localmcp/mcpd/internal/config"
	"github.com/localmcp/mcpd/internal/lifecycle"
	"github.com/localmcp/mcpd/internal/metrics"
	"github.com/localmcp/mcpd/internal/pool"
	"github.com/localmcp/mcpd/internal/rpcserver"
	"github.com/localmcp/mcpd/internal/session"
)

// maxPoolEntries bounds simultaneously live pool entries per spec.md
// §4.D's size-bound requirement: a generous default an operator running a
// local, per-user MCP server fleet should never hit in practice, while
// still giving internal/pool's least-recently-released eviction path
// something to do if they do.
const maxPoolEntries = 256

// Daemon is one running coordinator process: every long-lived component,
// wired together. The configuration path used for hot-reload is held by
// the lifecycle controller, not by Daemon.
type Daemon struct {
	specs *specStore

	Pool      *pool.Pool
	Cache     *cache.Cache
	Sessions  *session.Registry
	Metrics   *metrics.Registry
	RPC       *rpcserver.Server
	Lifecycle *lifecycle.Controller

	log            *slog.Logger
	shutdownCancel context.CancelFunc
}

// New builds a Daemon from a decoded, validated configuration table. It
// does not bind the socket or spawn any MCP server — per spec.md §4.H,
// startup never eagerly spawns children; that happens lazily inside Run,
// on first acquire.
func New(table *config.Table, configPath string, log *slog.Logger) *Daemon {
	if log == nil {
		log = slog.Default()
	}

	specs := newSpecStore(table.Servers)
	m := metrics.New()
	c := cache.New(cache.Config{
		DefaultTTL: table.Cache.DefaultTTL,
		MaxBytes:   table.Cache.MaxBytes,
		MethodTTL:  table.Cache.MethodTTL,
	}, m)
	sessions := session.New()

	// factory.sinkFor is filled in once rpcSrv exists, a few lines down.
	// The pool only ever calls it lazily from Acquire, which cannot run
	// before Run's accept loop is serving, long after this constructor
	// returns, so the forward reference is always resolved by the time
	// it's read.
	factory := &adapterFactory{}
	p := pool.New(factory, maxPoolEntries, func(name string) { c.InvalidateServer(name) })

	d := &Daemon{
		specs:    specs,
		Pool:     p,
		Cache:    c,
		Sessions: sessions,
		Metrics:  m,
		log:      log,
	}

	rpcSrv := rpcserver.New(p, c, sessions, m, specs, func(ctx context.Context) {
		d.requestShutdown()
	}, rpcserver.WithLogger(log), rpcserver.WithOwnerUID(uint32(os.Getuid())))
	d.RPC = rpcSrv

	factory.sinkFor = func(name string) adapter.Sink { return rpcSrv.SinkFor(name) }

	d.Lifecycle = lifecycle.New(lifecycle.Options{
		Pool:          p,
		Cache:         c,
		RPCServer:     rpcSrv,
		Specs:         specs,
		ConfigPath:    configPath,
		IdleShutdown:  table.Daemon.IdleShutdown,
		DrainDeadline: table.Daemon.DrainDeadline,
		Logger:        log,
	})

	return d
}

// ErrAlreadyRunning is returned by Run when another daemon already owns
// the socket path (spec.md P8 / exit code 73 in cmd/mcpd).
var ErrAlreadyRunning = rpcserver.ErrAlreadyRunning

// Run binds socketPath and blocks serving the coordinator until ctx is
// canceled, a SIGINT/SIGTERM is received, idle-shutdown fires, or an
// authorized client issues `shutdown`. It always performs a graceful
// drain (internal/lifecycle.Controller.drain) before returning, and
// unlinks the socket on the way out.
func (d *Daemon) Run(ctx context.Context, socketPath string) error {
	if err := d.RPC.Listen(socketPath); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.shutdownCancel = cancel
	defer cancel()

	return d.Lifecycle.Run(runCtx)
}

// requestShutdown unblocks Run's Lifecycle.Run the same way a delivered
// SIGINT/SIGTERM would, giving the `shutdown` RPC method (privileged,
// §6.1) the exact same graceful-drain path a signal takes. A call before
// Run has started (shutdownCancel still nil) can't happen: the RPC
// server's accept loop, and therefore any client connection able to issue
// `shutdown`, only exists once Run has called d.RPC.Listen and is
// blocked inside Lifecycle.Run.
func (d *Daemon) requestShutdown() {
	if d.shutdownCancel != nil {
		d.shutdownCancel()
	}
}
