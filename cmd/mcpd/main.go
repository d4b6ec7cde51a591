// Command mcpd is the MCP Coordinator daemon: a long-lived local process
// that multiplexes editor/agent clients onto a small, reference-counted
// pool of MCP server subprocesses. See spec.md for the full design; this
// file only wires configuration loading and the cobra CLI surface
// (spec.md §6.4) onto the coordinator package's composition root.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/localmcp/mcpd/coordinator"
	"github.com/localmcp/mcpd/internal/config"
)

// Exit codes, stable per spec.md §6.4.
const (
	exitOK             = 0
	exitConfigError    = 64
	exitFatalInternal  = 70
	exitAlreadyRunning = 73
)

type flags struct {
	socket       string
	cacheTTL     time.Duration
	cacheSize    int64
	idleShutdown time.Duration
	configPath   string
	logLevel     string

	// exitCode carries the clean-shutdown exit status (spec.md §6.4's
	// exitOK) out of runDaemon; the failure path instead returns a
	// *cliExitError, which already carries its own code.
	exitCode int
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	f := &flags{}
	root := newRootCmd(f)
	root.SetArgs(args)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var ce *cliExitError
		if errors.As(err, &ce) {
			return ce.code
		}
		return exitFatalInternal
	}
	return f.exitCode
}

// cliExitError carries a specific process exit code through cobra's
// RunE error-return path, which otherwise only tells main "something
// failed", not which of spec.md §6.4's four distinct exit codes applies.
type cliExitError struct {
	code int
	err  error
}

func (e *cliExitError) Error() string { return e.err.Error() }

func newRootCmd(f *flags) *cobra.Command {
	root := &cobra.Command{
		Use:           "mcpd",
		Short:         "MCP Coordinator: a local daemon multiplexing editor/agent clients onto pooled MCP servers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), f)
		},
	}

	root.PersistentFlags().StringVar(&f.socket, "socket", "", "path to the coordinator's Unix-domain socket (default: per-uid runtime dir)")
	root.PersistentFlags().DurationVar(&f.cacheTTL, "cache-ttl", 0, "default response cache TTL (e.g. 5m); 0 keeps the configured/default value")
	root.PersistentFlags().Int64Var(&f.cacheSize, "cache-size", 0, "response cache size bound in bytes; 0 keeps the configured/default value")
	root.PersistentFlags().DurationVar(&f.idleShutdown, "idle-shutdown", 0, "shut down after this long with zero sessions and an empty pool; 0 keeps the configured/default value")
	root.PersistentFlags().StringVar(&f.configPath, "config", "", "path to a YAML configuration file")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "info", "log level: debug, info, warn, or error")

	run := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground (same as the bare command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), f)
		},
	}
	root.AddCommand(run)

	return root
}

func runDaemon(ctx context.Context, f *flags) error {
	table, err := config.Load(f.configPath)
	if err != nil {
		return &cliExitError{code: exitConfigError, err: err}
	}
	applyFlagOverrides(table, f)
	if err := table.Validate(); err != nil {
		return &cliExitError{code: exitConfigError, err: err}
	}

	level, err := parseLogLevel(f.logLevel)
	if err != nil {
		return &cliExitError{code: exitConfigError, err: err}
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	socketPath := f.socket
	if socketPath == "" {
		socketPath = table.Daemon.Socket
	}
	if socketPath == "" {
		socketPath = coordinator.DefaultSocketPath()
	}

	d := coordinator.New(table, f.configPath, log)

	log.Info("mcpd.starting", slog.String("socket", socketPath))
	err = d.Run(ctx, socketPath)
	if err == nil {
		f.exitCode = exitOK
		log.Info("mcpd.stopped")
		return nil
	}
	if errors.Is(err, coordinator.ErrAlreadyRunning) {
		return &cliExitError{code: exitAlreadyRunning, err: err}
	}
	return &cliExitError{code: exitFatalInternal, err: err}
}

// applyFlagOverrides layers CLI flags on top of the file+env-derived
// table, per spec.md §6.4's "flags override file entries" contract. Only
// non-zero flag values override — an unset flag must never stomp a value
// the config file or environment already supplied.
func applyFlagOverrides(t *config.Table, f *flags) {
	if f.cacheTTL > 0 {
		t.Cache.DefaultTTL = f.cacheTTL
	}
	if f.cacheSize > 0 {
		t.Cache.MaxBytes = f.cacheSize
	}
	if f.idleShutdown > 0 {
		t.Daemon.IdleShutdown = f.idleShutdown
	}
	if f.socket != "" {
		t.Daemon.Socket = f.socket
	}
}

func parseLogLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("mcpd: unknown --log-level %q", s)
	}
}
