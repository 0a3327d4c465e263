//go:build !unix

package conn

import "net"

// tuneSocket is a no-op on non-unix platforms; no x/sys/windows counterpart
// is wired (see DESIGN.md), so Nagle/keepalive stay at Go's TCP defaults.
func tuneSocket(c net.Conn) error { return nil }
