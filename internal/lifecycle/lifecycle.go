// Package lifecycle implements the Lifecycle Controller (component H): the
// daemon's startup sequencing, periodic sweeps, idle-driven shutdown, signal
// handling, and graceful drain.
package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/localmcp/mcpd/internal/config"
)

// Pool is the subset of *pool.Pool the controller drives directly, kept as
// an interface so tests can substitute a fake without spinning up real
// subprocess adapters.
type Pool interface {
	Sweep(now time.Time)
	Len() int
	CloseAll()
}

// Cache is the subset of *cache.Cache the controller drives directly.
type Cache interface {
	Sweep(now time.Time)
	InvalidateServer(server string)
}

// RPCServer is the subset of *rpcserver.Server the controller drives
// directly.
type RPCServer interface {
	Serve(ctx context.Context) error
	BeginDrain()
	WaitConns(ctx context.Context)
	Close() error
	ActiveSessions() int
}

// SpecStore lets the controller publish a newly loaded configuration table
// to whatever holds the daemon's current spec set (the coordinator's
// SpecSource). Implemented by an atomic.Value-backed store in the
// coordinator package.
type SpecStore interface {
	Servers() map[string]*config.ServerSpec
	SetServers(map[string]*config.ServerSpec)
}

// Options configures a Controller.
type Options struct {
	Pool          Pool
	Cache         Cache
	RPCServer     RPCServer
	Specs         SpecStore
	ConfigPath    string
	SweepInterval time.Duration
	IdleShutdown  time.Duration
	DrainDeadline time.Duration
	Logger        *slog.Logger
}

// Controller runs the daemon's background loops for the lifetime of one
// Run call: config file watching, periodic pool/cache sweeps, idle-shutdown
// detection, and signal-driven graceful drain.
type Controller struct {
	pool          Pool
	cache         Cache
	rpc           RPCServer
	specs         SpecStore
	configPath    string
	sweepInterval time.Duration
	idleShutdown  time.Duration
	drainDeadline time.Duration
	log           *slog.Logger

	mu       sync.Mutex
	draining bool
}

// New constructs a Controller from opts, filling in defaults for any zero
// duration.
func New(opts Options) *Controller {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.IdleShutdown <= 0 {
		opts.IdleShutdown = 5 * time.Minute
	}
	if opts.DrainDeadline <= 0 {
		opts.DrainDeadline = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Controller{
		pool:          opts.Pool,
		cache:         opts.Cache,
		rpc:           opts.RPCServer,
		specs:         opts.Specs,
		configPath:    opts.ConfigPath,
		sweepInterval: opts.SweepInterval,
		idleShutdown:  opts.IdleShutdown,
		drainDeadline: opts.DrainDeadline,
		log:           opts.Logger,
	}
}

// Run starts the RPC accept loop and every background loop, and blocks
// until ctx is canceled, a shutdown signal is received, idle-shutdown
// fires, or the accept loop exits with an error. It always performs a
// graceful drain before returning.
func (c *Controller) Run(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- c.rpc.Serve(ctx) }()

	stopSweep := c.runEvery(ctx, c.sweepInterval, func() {
		now := time.Now()
		c.pool.Sweep(now)
		c.cache.Sweep(now)
	})
	defer stopSweep()

	stopIdle := c.runIdleShutdown(ctx, stop)
	defer stopIdle()

	stopWatch := c.watchConfig(ctx)
	defer stopWatch()

	select {
	case <-ctx.Done():
	case err := <-serveErrCh:
		if err != nil {
			c.log.Error("lifecycle.serve.exit", slog.String("err", err.Error()))
		}
	}

	return c.drain()
}

// runEvery calls fn every interval until ctx is done, returning a stop
// function. Mirrors the teacher's ticker-driven cleanup loop in
// sessions/memory/memory.go, generalized to an arbitrary callback instead
// of one hardcoded sweep.
func (c *Controller) runEvery(ctx context.Context, interval time.Duration, fn func()) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				close(done)
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	return func() { <-done }
}

// runIdleShutdown polls active session count and pool size once per sweep
// interval; once both have been zero continuously for idleShutdown, it
// triggers the same graceful drain a shutdown signal would, by calling
// stop (which cancels the signal-derived context and unblocks Run).
func (c *Controller) runIdleShutdown(ctx context.Context, stop context.CancelFunc) func() {
	ticker := time.NewTicker(c.sweepInterval)
	done := make(chan struct{})
	var idleSince time.Time

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				close(done)
				return
			case <-ticker.C:
				if c.rpc.ActiveSessions() == 0 && c.pool.Len() == 0 {
					if idleSince.IsZero() {
						idleSince = time.Now()
					} else if time.Since(idleSince) >= c.idleShutdown {
						c.log.Info("lifecycle.idle_shutdown")
						stop()
					}
				} else {
					idleSince = time.Time{}
				}
			}
		}
	}()
	return func() { <-done }
}

// watchConfig reloads internal/config's table on every write to
// configPath, diffing by server name via config.DiffServers and applying
// §9's never-mutate-a-live-entry rule: added specs become visible
// immediately (eligible for lazy spawn on next connect/query), removed
// specs are dropped from the published table (existing pool entries for
// them drain on next idle sweep rather than being force-closed), changed
// specs replace the published spec for future acquires only.
func (c *Controller) watchConfig(ctx context.Context) func() {
	done := make(chan struct{})
	if c.configPath == "" {
		close(done)
		return func() { <-done }
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		c.log.Warn("lifecycle.config_watch.unavailable", slog.String("err", err.Error()))
		close(done)
		return func() { <-done }
	}
	if err := watcher.Add(c.configPath); err != nil {
		c.log.Warn("lifecycle.config_watch.add_failed", slog.String("err", err.Error()))
		watcher.Close()
		close(done)
		return func() { <-done }
	}

	go func() {
		defer close(done)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
					continue
				}
				c.reloadConfig()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.log.Warn("lifecycle.config_watch.error", slog.String("err", err.Error()))
			}
		}
	}()
	return func() { <-done }
}

func (c *Controller) reloadConfig() {
	table, err := config.Load(c.configPath)
	if err != nil {
		c.log.Warn("lifecycle.config_reload.failed", slog.String("err", err.Error()))
		return
	}

	old := c.specs.Servers()
	diff := config.DiffServers(old, table.Servers)
	c.specs.SetServers(table.Servers)

	for _, name := range diff.Removed {
		c.cache.InvalidateServer(name)
	}
	c.log.Info("lifecycle.config_reloaded",
		slog.Int("added", len(diff.Added)), slog.Int("removed", len(diff.Removed)), slog.Int("changed", len(diff.Changed)))
}

// drain implements spec.md's graceful shutdown sequence: stop accepting new
// connections, give existing connections up to drainDeadline to finish on
// their own, then force-close the listener, drain every pool entry, and
// unlink the socket.
func (c *Controller) drain() error {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return nil
	}
	c.draining = true
	c.mu.Unlock()

	c.log.Info("lifecycle.drain.begin")
	c.rpc.BeginDrain()

	drainCtx, cancel := context.WithTimeout(context.Background(), c.drainDeadline)
	defer cancel()
	c.rpc.WaitConns(drainCtx)

	err := c.rpc.Close()
	c.pool.CloseAll()

	c.log.Info("lifecycle.drain.complete")
	return err
}
