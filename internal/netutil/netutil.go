// Package netutil applies the socket-level tuning the wire protocol
// expects onto accepted and listening connections: SO_REUSEADDR on
// listeners, TCP_NODELAY and keepalive on accepted TCP sockets, and
// optional interface pinning (SO_BINDTODEVICE equivalent).
package netutil

import (
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// KeepaliveConfig is the idle/probe tuning applied to an accepted TCP
// connection.
type KeepaliveConfig struct {
	Enabled bool
	Idle    time.Duration
	Probes  int
}

// DefaultKeepalive matches the documented defaults: 10s idle, 3 probes.
var DefaultKeepalive = KeepaliveConfig{Enabled: true, Idle: 10 * time.Second, Probes: 3}

// TuneAccepted applies TCP_NODELAY and keepalive tuning to a freshly
// accepted connection. Non-TCP connections (e.g. Unix domain sockets)
// are left untouched.
func TuneAccepted(conn net.Conn, ka KeepaliveConfig) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tc.SetNoDelay(true); err != nil {
		return fmt.Errorf("netutil: set nodelay: %w", err)
	}
	if !ka.Enabled {
		return tc.SetKeepAlive(false)
	}
	if err := tc.SetKeepAlive(true); err != nil {
		return fmt.Errorf("netutil: set keepalive: %w", err)
	}
	if err := tc.SetKeepAlivePeriod(ka.Idle); err != nil {
		return fmt.Errorf("netutil: set keepalive period: %w", err)
	}
	return setKeepaliveProbes(tc, ka.Probes)
}

func setKeepaliveProbes(tc *net.TCPConn, probes int) error {
	if probes <= 0 {
		return nil
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, probes)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// ListenerControl returns a net.ListenConfig.Control hook that sets
// SO_REUSEADDR before bind, matching the server's listener defaults.
func ListenerControl() func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}

// BindToInterface pins a listening socket to a named network interface,
// the Go equivalent of SO_BINDTODEVICE, for servers that must not accept
// traffic arriving on the wrong NIC.
func BindToInterface(conn syscall.Conn, ifname string) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.BindToDevice(int(fd), ifname)
	})
	if err != nil {
		return err
	}
	return sockErr
}
