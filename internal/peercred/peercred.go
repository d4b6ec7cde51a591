// Package peercred resolves the UID of the process on the other end of a
// Unix domain socket connection and enforces the coordinator's same-user
// access policy.
package peercred

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrUnsupportedConn is returned when the connection is not backed by a
// Unix domain socket with a file descriptor the kernel can report
// credentials for.
var ErrUnsupportedConn = errors.New("peercred: connection is not a unix socket")

// Peer identifies the process on the other end of a Unix socket connection.
type Peer struct {
	UID uint32
	GID uint32
	PID int32
}

type syscallConner interface {
	SyscallConn() (syscall.RawConn, error)
}

// Lookup reads the SO_PEERCRED ancillary credentials for conn. conn must be
// a *net.UnixConn (or anything exposing SyscallConn returning a
// syscall.RawConn), which is the only transport the Local RPC Server
// accepts connections from.
func Lookup(conn net.Conn) (Peer, error) {
	sc, ok := conn.(syscallConner)
	if !ok {
		return Peer{}, ErrUnsupportedConn
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return Peer{}, fmt.Errorf("peercred: syscall conn: %w", err)
	}

	var cred *unix.Ucred
	var domain int
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		domain, sockErr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_DOMAIN)
		if sockErr != nil || domain != unix.AF_UNIX {
			return
		}
		cred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return Peer{}, fmt.Errorf("peercred: control: %w", err)
	}
	if sockErr != nil {
		return Peer{}, fmt.Errorf("peercred: getsockopt: %w", sockErr)
	}
	if domain != unix.AF_UNIX {
		return Peer{}, ErrUnsupportedConn
	}

	return Peer{UID: cred.Uid, GID: cred.Gid, PID: cred.Pid}, nil
}

// Authorize reports whether peer is allowed to use a socket owned by the
// coordinator's own process. The policy is "same effective UID as the
// daemon, or root" — the coordinator never serves other local users, per
// the single-user non-goal.
func Authorize(peer Peer) error {
	self := uint32(os.Geteuid())
	if peer.UID == self || peer.UID == 0 {
		return nil
	}
	return fmt.Errorf("peercred: uid %d is not authorized (daemon uid %d)", peer.UID, self)
}
