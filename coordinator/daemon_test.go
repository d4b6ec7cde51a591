package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/localmcp/mcpd/internal/config"
)

// TestDaemon_StartupAndGracefulShutdown exercises the composition root
// wiring itself: with zero configured servers (spec.md §4.H never
// eagerly spawns anything), New must produce a Daemon whose Run binds the
// socket, serves, and then performs a full graceful drain (component H)
// when its context is canceled, unlinking the socket on the way out —
// without ever touching a subprocess, since nothing was ever acquired.
func TestDaemon_StartupAndGracefulShutdown(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "mcpd.sock")

	table := &config.Table{
		Servers: map[string]*config.ServerSpec{},
		Cache:   config.CacheConfig{DefaultTTL: time.Minute, MaxBytes: 1 << 20},
		Daemon:  config.DaemonConfig{IdleShutdown: time.Minute, DrainDeadline: time.Second},
	}

	d := New(table, "", nil)
	require.NotNil(t, d.Pool)
	require.NotNil(t, d.Cache)
	require.NotNil(t, d.Sessions)
	require.NotNil(t, d.Metrics)
	require.NotNil(t, d.RPC)
	require.NotNil(t, d.Lifecycle)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, sock) }()

	// Give Listen+Serve a moment to come up, then request shutdown the
	// way a SIGTERM would.
	time.Sleep(50 * time.Millisecond)
	_, err := os.Stat(sock)
	require.NoError(t, err, "socket was not created")
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after shutdown")
	}

	_, err = os.Stat(sock)
	require.True(t, os.IsNotExist(err), "socket file was not unlinked on drain")
}

// TestDaemon_RequestShutdownViaRPC exercises the same drain path the
// `shutdown` RPC method triggers (spec.md §4.G/§6.1): calling the
// onShutdown hook given to the RPC server must unblock Run exactly like
// a signal would, without the caller ever touching the Lifecycle
// Controller directly.
func TestDaemon_RequestShutdownViaRPC(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "mcpd.sock")

	table := &config.Table{
		Servers: map[string]*config.ServerSpec{},
		Cache:   config.CacheConfig{DefaultTTL: time.Minute, MaxBytes: 1 << 20},
		Daemon:  config.DaemonConfig{IdleShutdown: time.Minute, DrainDeadline: time.Second},
	}

	d := New(table, "", nil)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background(), sock) }()

	time.Sleep(50 * time.Millisecond)
	d.requestShutdown()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after requestShutdown")
	}
}

// TestDaemon_ErrAlreadyRunning exercises spec.md P8: a second daemon
// trying to bind the same socket path while the first is live must fail
// fast with ErrAlreadyRunning and never touch the existing socket file.
func TestDaemon_ErrAlreadyRunning(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "mcpd.sock")

	table := &config.Table{Servers: map[string]*config.ServerSpec{}, Daemon: config.DaemonConfig{DrainDeadline: time.Second}}

	first := New(table, "", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- first.Run(ctx, sock) }()
	time.Sleep(50 * time.Millisecond)

	second := New(table, "", nil)
	err := second.Run(context.Background(), sock)
	require.ErrorIs(t, err, ErrAlreadyRunning)

	cancel()
	<-done
}
