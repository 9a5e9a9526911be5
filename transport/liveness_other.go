//go:build !unix

package transport

import "net"

// probeConn cannot peek the socket on this platform; the closed flag on the
// owning channel is the only death signal.
func probeConn(conn net.Conn) bool {
	return true
}
