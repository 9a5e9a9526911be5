package transport

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies one of the three data channels of a link.
type Kind string

const (
	KindChat      Kind = "chat"
	KindSpeedTest Kind = "speed_test"
	KindFile      Kind = "file"
)

// Kinds lists every channel kind a link carries.
var Kinds = []Kind{KindChat, KindSpeedTest, KindFile}

// Channel is one established TCP connection of a link. All reads go through
// an internal buffered reader; Alive probes the raw socket without
// consuming data.
type Channel struct {
	kind   Kind
	conn   net.Conn
	reader *bufio.Reader

	ready  atomic.Bool
	closed atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

func newChannel(kind Kind, conn net.Conn) *Channel {
	return &Channel{
		kind:   kind,
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

// Kind returns the channel kind.
func (c *Channel) Kind() Kind {
	return c.kind
}

// Ready reports whether the channel finished establishment.
func (c *Channel) Ready() bool {
	return c.ready.Load()
}

func (c *Channel) markReady() {
	c.ready.Store(true)
}

// Read reads from the buffered stream.
func (c *Channel) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// ReadByte reads a single byte from the buffered stream.
func (c *Channel) ReadByte() (byte, error) {
	return c.reader.ReadByte()
}

// Write writes directly to the connection. Callers that interleave writes
// from multiple goroutines must serialize whole messages themselves.
func (c *Channel) Write(p []byte) (int, error) {
	return c.conn.Write(p)
}

// SetReadDeadline bounds blocking reads on the underlying connection.
func (c *Channel) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Buffered returns how many bytes are queued in the read buffer.
func (c *Channel) Buffered() int {
	return c.reader.Buffered()
}

// LocalAddr returns the local endpoint address.
func (c *Channel) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote endpoint address.
func (c *Channel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Alive reports whether the channel is usable: it is ready, not closed,
// and the socket has not seen the remote side shut down. A socket that is
// readable with zero bytes available means the remote closed its end.
func (c *Channel) Alive() bool {
	if !c.Ready() || c.closed.Load() {
		return false
	}
	return probeConn(c.conn)
}

// Close closes the underlying connection. It is safe to call repeatedly.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.ready.Store(false)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
