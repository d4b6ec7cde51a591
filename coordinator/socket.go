package coordinator

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultSocketPath returns the per-uid socket path spec.md §9 resolves
// its two documented conventions to: <runtime-dir>/universal-mcp-<uid>.sock.
// $XDG_RUNTIME_DIR is preferred when set (it is already 0700,
// per-user-owned on every POSIX desktop/session manager that sets it);
// os.TempDir() is the fallback, matching the teacher pack's own
// lowest-common-denominator choice when no session runtime directory is
// available.
func DefaultSocketPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, fmt.Sprintf("universal-mcp-%d.sock", os.Getuid()))
}
