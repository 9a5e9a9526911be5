package protocol

import (
	"bufio"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jingcjie/WDCableWUI/event"
)

// testChannel adapts one end of a TCP pair to the Channel interface.
type testChannel struct {
	conn   net.Conn
	reader *bufio.Reader
	alive  atomic.Bool
}

func (c *testChannel) Read(p []byte) (int, error)  { return c.reader.Read(p) }
func (c *testChannel) ReadByte() (byte, error)     { return c.reader.ReadByte() }
func (c *testChannel) Write(p []byte) (int, error) { return c.conn.Write(p) }
func (c *testChannel) Alive() bool                 { return c.alive.Load() }

func (c *testChannel) close() {
	c.alive.Store(false)
	_ = c.conn.Close()
}

// newChannelPair returns two connected channels over loopback TCP. Data
// written to one is readable on the other.
func newChannelPair(t *testing.T) (*testChannel, *testChannel) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	dialed, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	serverConn, ok := <-accepted
	if !ok {
		_ = dialed.Close()
		t.Fatalf("accept failed")
	}

	a := &testChannel{conn: dialed, reader: bufio.NewReader(dialed)}
	b := &testChannel{conn: serverConn, reader: bufio.NewReader(serverConn)}
	a.alive.Store(true)
	b.alive.Store(true)

	t.Cleanup(func() {
		_ = dialed.Close()
		_ = serverConn.Close()
	})
	return a, b
}

func waitForBusEvent(t *testing.T, events <-chan event.Event, typ event.Type) event.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed while waiting for %s", typ)
			}
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

func assertNoBusEvent(t *testing.T, events <-chan event.Event, typ event.Type, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == typ {
				t.Fatalf("unexpected %s event: %+v", typ, ev)
			}
		case <-deadline:
			return
		}
	}
}
