//go:build unix

package transport

import (
	"net"

	"golang.org/x/sys/unix"
)

// probeConn peeks the socket receive queue without consuming data. A recv
// of zero bytes with no error means the remote end shut down the stream.
func probeConn(conn net.Conn) bool {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return true
	}

	raw, err := tcp.SyscallConn()
	if err != nil {
		return false
	}

	alive := true
	ctrlErr := raw.Control(func(fd uintptr) {
		buf := make([]byte, 1)
		n, _, recvErr := unix.Recvfrom(int(fd), buf, unix.MSG_PEEK|unix.MSG_DONTWAIT)
		switch {
		case recvErr == unix.EAGAIN || recvErr == unix.EWOULDBLOCK:
			// Nothing queued, stream open.
			alive = true
		case recvErr != nil:
			alive = false
		case n == 0:
			// Readable with zero bytes: remote shut down.
			alive = false
		default:
			alive = true
		}
	})
	if ctrlErr != nil {
		return false
	}
	return alive
}
