//go:build unix

package conn

import (
	"net"

	"golang.org/x/sys/unix"
)

// tuneSocket disables Nagle's algorithm and enables TCP keepalive on the
// dialed socket. TDS round-trips are small and latency-sensitive (a batch
// often fits in one packet), so Nagle's coalescing delay is worth avoiding;
// keepalive catches a dead peer that never sends a FIN.
func tuneSocket(c net.Conn) error {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return nil
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		if sockErr == nil {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}
