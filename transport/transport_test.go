package transport

import (
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/jingcjie/WDCableWUI/models"
)

func startTestHost(t *testing.T) (*Transport, Ports) {
	t.Helper()

	host, err := Start(Options{
		Role:             models.RoleHost,
		Ports:            Ports{},
		HealthCheckDelay: -1,
	})
	if err != nil {
		t.Fatalf("start host failed: %v", err)
	}
	t.Cleanup(func() { _ = host.Close() })

	ports, ok := host.BoundPorts()
	if !ok {
		t.Fatalf("expected bound ports for host")
	}
	return host, ports
}

func startTestPeer(t *testing.T, ports Ports) *Transport {
	t.Helper()

	peer, err := Start(Options{
		Role:             models.RolePeer,
		PeerIP:           "127.0.0.1",
		Ports:            ports,
		DialAttempts:     3,
		DialRetryDelay:   50 * time.Millisecond,
		HealthCheckDelay: -1,
	})
	if err != nil {
		t.Fatalf("start peer failed: %v", err)
	}
	t.Cleanup(func() { _ = peer.Close() })
	return peer
}

func waitForEventType(t *testing.T, events <-chan Event, eventType EventType, timeout time.Duration) Event {
	t.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed while waiting for %q", eventType)
			}
			if event.Type == eventType {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", eventType)
		}
	}
}

func assertNoEventType(t *testing.T, events <-chan Event, eventType EventType, window time.Duration) {
	t.Helper()

	deadline := time.After(window)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Type == eventType {
				t.Fatalf("unexpected %q event", eventType)
			}
		case <-deadline:
			return
		}
	}
}

func TestHostAndPeerEstablishAllChannels(t *testing.T) {
	host, ports := startTestHost(t)
	peer := startTestPeer(t, ports)

	waitForEventType(t, host.Events(), EventAllChannelsReady, 3*time.Second)
	waitForEventType(t, peer.Events(), EventAllChannelsReady, 3*time.Second)

	if !host.AllReady() || !peer.AllReady() {
		t.Fatalf("expected both sides to report all channels ready")
	}

	// Data written by the peer on the chat channel arrives on the host's
	// chat channel.
	peerChat, err := peer.Channel(KindChat)
	if err != nil {
		t.Fatalf("peer chat channel: %v", err)
	}
	hostChat, err := host.Channel(KindChat)
	if err != nil {
		t.Fatalf("host chat channel: %v", err)
	}

	if _, err := peerChat.Write([]byte("ping\n")); err != nil {
		t.Fatalf("write on peer chat channel failed: %v", err)
	}

	buf := make([]byte, 5)
	if err := hostChat.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("set read deadline failed: %v", err)
	}
	if _, err := io.ReadFull(hostChat, buf); err != nil {
		t.Fatalf("read on host chat channel failed: %v", err)
	}
	if string(buf) != "ping\n" {
		t.Fatalf("expected %q, got %q", "ping\n", string(buf))
	}
}

func TestSessionSnapshotAfterEstablishment(t *testing.T) {
	host, ports := startTestHost(t)

	if _, ok := host.Session(); ok {
		t.Fatal("expected no session before establishment")
	}

	peer := startTestPeer(t, ports)

	waitForEventType(t, host.Events(), EventAllChannelsReady, 3*time.Second)
	waitForEventType(t, peer.Events(), EventAllChannelsReady, 3*time.Second)

	hostSession, ok := host.Session()
	if !ok {
		t.Fatal("expected a host session after establishment")
	}
	peerSession, ok := peer.Session()
	if !ok {
		t.Fatal("expected a peer session after establishment")
	}

	if !hostSession.IsHost || peerSession.IsHost {
		t.Fatalf("wrong role flags: host=%v peer=%v", hostSession.IsHost, peerSession.IsHost)
	}
	if len(hostSession.Channels) != len(Kinds) {
		t.Fatalf("expected %d channels in the session, got %d", len(Kinds), len(hostSession.Channels))
	}
	if hostSession.RemoteAddr != peerSession.LocalAddr {
		t.Errorf("address pair mismatch: %s vs %s", hostSession.RemoteAddr, peerSession.LocalAddr)
	}
}

func TestAllChannelsReadyFiresOncePerCycle(t *testing.T) {
	host, ports := startTestHost(t)
	peer := startTestPeer(t, ports)

	waitForEventType(t, host.Events(), EventAllChannelsReady, 3*time.Second)
	waitForEventType(t, peer.Events(), EventAllChannelsReady, 3*time.Second)

	assertNoEventType(t, host.Events(), EventAllChannelsReady, 200*time.Millisecond)
}

func TestReplacedChannelRearmsReadySignal(t *testing.T) {
	host, ports := startTestHost(t)
	peer := startTestPeer(t, ports)

	waitForEventType(t, host.Events(), EventAllChannelsReady, 3*time.Second)
	_ = peer

	// A second chat connection replaces the first and re-arms the signal.
	replacement, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(ports.Chat)))
	if err != nil {
		t.Fatalf("dial replacement chat connection failed: %v", err)
	}
	defer replacement.Close()

	waitForEventType(t, host.Events(), EventAllChannelsReady, 3*time.Second)

	// The replacement connection is now the host's chat channel.
	if _, err := replacement.Write([]byte("hello")); err != nil {
		t.Fatalf("write on replacement connection failed: %v", err)
	}

	hostChat, err := host.Channel(KindChat)
	if err != nil {
		t.Fatalf("host chat channel: %v", err)
	}
	buf := make([]byte, 5)
	if err := hostChat.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("set read deadline failed: %v", err)
	}
	if _, err := io.ReadFull(hostChat, buf); err != nil {
		t.Fatalf("read from replaced channel failed: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("expected data from replacement connection, got %q", string(buf))
	}
}

func TestPeerRetriesUntilListenerAppears(t *testing.T) {
	// Reserve three ports, then release them so the peer's first attempts
	// fail before the host appears.
	var ports Ports
	reserved := make([]net.Listener, 0, 3)
	for i := 0; i < 3; i++ {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("reserve port failed: %v", err)
		}
		reserved = append(reserved, listener)
	}
	ports.Chat = reserved[0].Addr().(*net.TCPAddr).Port
	ports.SpeedTest = reserved[1].Addr().(*net.TCPAddr).Port
	ports.File = reserved[2].Addr().(*net.TCPAddr).Port
	for _, listener := range reserved {
		_ = listener.Close()
	}

	peer, err := Start(Options{
		Role:             models.RolePeer,
		PeerIP:           "127.0.0.1",
		Ports:            ports,
		DialAttempts:     5,
		DialRetryDelay:   100 * time.Millisecond,
		HealthCheckDelay: -1,
	})
	if err != nil {
		t.Fatalf("start peer failed: %v", err)
	}
	defer peer.Close()

	// Let at least one attempt fail first.
	time.Sleep(150 * time.Millisecond)

	host, err := Start(Options{
		Role:             models.RoleHost,
		Ports:            ports,
		HealthCheckDelay: -1,
	})
	if err != nil {
		t.Fatalf("start host failed: %v", err)
	}
	defer host.Close()

	waitForEventType(t, peer.Events(), EventAllChannelsReady, 5*time.Second)
}

func TestPeerReportsErrorWhenAllAttemptsFail(t *testing.T) {
	// Reserve a port with no listener behind it.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port failed: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	_ = listener.Close()

	peer, err := Start(Options{
		Role:             models.RolePeer,
		PeerIP:           "127.0.0.1",
		Ports:            Ports{Chat: port, SpeedTest: port, File: port},
		DialAttempts:     2,
		DialRetryDelay:   20 * time.Millisecond,
		DialTimeout:      200 * time.Millisecond,
		HealthCheckDelay: -1,
	})
	if err != nil {
		t.Fatalf("start peer failed: %v", err)
	}
	defer peer.Close()

	select {
	case reportedErr := <-peer.Errors():
		if !errors.Is(reportedErr, ErrEstablishFailed) {
			t.Fatalf("expected ErrEstablishFailed, got %v", reportedErr)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for establishment error")
	}
}

func TestHealthCheckFailureIsAdvisory(t *testing.T) {
	host, err := Start(Options{
		Role:             models.RoleHost,
		Ports:            Ports{},
		HealthCheckDelay: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("start host failed: %v", err)
	}
	defer host.Close()

	event := waitForEventType(t, host.Events(), EventHealthCheckFailed, 3*time.Second)
	if len(event.Dead) != len(Kinds) {
		t.Fatalf("expected all %d channels dead, got %v", len(Kinds), event.Dead)
	}

	// The listeners stay up after the failed probe; a peer application
	// started late can still raise the channels.
	ports, ok := host.BoundPorts()
	if !ok {
		t.Fatalf("expected bound ports after the failed probe")
	}
	peer := startTestPeer(t, ports)

	waitForEventType(t, host.Events(), EventAllChannelsReady, 3*time.Second)
	waitForEventType(t, peer.Events(), EventAllChannelsReady, 3*time.Second)
}

func TestHealthCheckPassesWithLiveChannels(t *testing.T) {
	host, err := Start(Options{
		Role:             models.RoleHost,
		Ports:            Ports{},
		HealthCheckDelay: 300 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("start host failed: %v", err)
	}
	defer host.Close()

	ports, ok := host.BoundPorts()
	if !ok {
		t.Fatalf("expected bound ports")
	}
	peer := startTestPeer(t, ports)
	waitForEventType(t, peer.Events(), EventAllChannelsReady, 3*time.Second)

	assertNoEventType(t, host.Events(), EventHealthCheckFailed, 600*time.Millisecond)
}

func TestCloseIsIdempotent(t *testing.T) {
	host, _ := startTestHost(t)

	if err := host.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := host.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if _, err := host.Channel(KindChat); err == nil {
		t.Fatalf("expected channel lookup to fail after Close")
	}
}

func TestChannelLookupBeforeEstablishment(t *testing.T) {
	host, _ := startTestHost(t)

	if _, err := host.Channel(KindFile); err != ErrNotEstablished {
		t.Fatalf("expected ErrNotEstablished, got %v", err)
	}
}
