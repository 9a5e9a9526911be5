// Package transport establishes and supervises the three TCP channels of a
// link. The host side binds one listener per channel port and accepts; the
// peer side dials each port with a bounded retry schedule. After the settle
// delay every channel is probed once, and a failed probe means the remote
// device is linked but its application is not running.
package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jingcjie/WDCableWUI/models"
)

const (
	// DefaultDialAttempts is how many times each channel is dialed.
	DefaultDialAttempts = 3
	// DefaultDialRetryDelay is the fixed pause between dial attempts.
	DefaultDialRetryDelay = 2 * time.Second
	// DefaultDialTimeout bounds one dial attempt.
	DefaultDialTimeout = 5 * time.Second
	// DefaultHealthCheckDelay is the settle time before channels are probed.
	DefaultHealthCheckDelay = 6 * time.Second
)

var (
	// ErrNotEstablished is returned when a channel is requested before it
	// connected or after it went away.
	ErrNotEstablished = errors.New("transport: channel not established")
	// ErrEstablishFailed reports that a peer-role dial exhausted all its
	// attempts. The link owning the transport must tear down on it.
	ErrEstablishFailed = errors.New("transport: channel establishment failed")
)

// EventType identifies transport lifecycle notifications.
type EventType string

const (
	// EventChannelConnected fires per channel once its TCP session is up.
	EventChannelConnected EventType = "channel_connected"
	// EventAllChannelsReady fires once per establishment cycle when every
	// channel is up. A replaced channel arms the signal again.
	EventAllChannelsReady EventType = "all_channels_ready"
	// EventHealthCheckFailed fires when the post-establishment probe finds
	// dead channels. The signal is advisory; listeners and dials keep
	// running, so a peer application launched late can still connect.
	EventHealthCheckFailed EventType = "health_check_failed"
)

// Event carries one transport lifecycle notification.
type Event struct {
	Type EventType
	Kind Kind
	Dead []Kind
}

// Ports holds the TCP port of each channel.
type Ports struct {
	Chat      int
	SpeedTest int
	File      int
}

func (p Ports) forKind(kind Kind) int {
	switch kind {
	case KindChat:
		return p.Chat
	case KindSpeedTest:
		return p.SpeedTest
	case KindFile:
		return p.File
	default:
		return 0
	}
}

// Options controls transport establishment behavior.
type Options struct {
	// Role decides whether this side binds (host) or dials (peer).
	Role models.Role
	// PeerIP is the remote address the peer side dials. Unused by hosts.
	PeerIP string
	// Ports are the channel ports. A host may pass zero values to bind
	// ephemeral ports, which BoundPorts then reports.
	Ports Ports

	DialAttempts   int
	DialRetryDelay time.Duration
	DialTimeout    time.Duration
	// HealthCheckDelay is the settle time before the one-shot liveness
	// probe. A negative value disables the probe.
	HealthCheckDelay time.Duration

	Logger *logrus.Logger
}

func (o Options) withDefaults() Options {
	out := o
	if out.DialAttempts <= 0 {
		out.DialAttempts = DefaultDialAttempts
	}
	if out.DialRetryDelay <= 0 {
		out.DialRetryDelay = DefaultDialRetryDelay
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.HealthCheckDelay == 0 {
		out.HealthCheckDelay = DefaultHealthCheckDelay
	}
	if out.Logger == nil {
		out.Logger = logrus.New()
	}
	return out
}

func (o Options) validate() error {
	switch o.Role {
	case models.RoleHost:
	case models.RolePeer:
		if o.PeerIP == "" {
			return errors.New("peer IP is required for the peer role")
		}
		for _, kind := range Kinds {
			if o.Ports.forKind(kind) <= 0 {
				return fmt.Errorf("%s port is required for the peer role", kind)
			}
		}
	default:
		return fmt.Errorf("unknown role %q", o.Role)
	}
	return nil
}

// Transport owns the channels of one link establishment cycle.
type Transport struct {
	opts   Options
	logger *logrus.Logger

	mu            sync.Mutex
	channels      map[Kind]*Channel
	listeners     map[Kind]net.Listener
	readySignaled bool

	events chan Event
	errs   chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Start begins channel establishment for the given role.
func Start(options Options) (*Transport, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	t := &Transport{
		opts:      opts,
		logger:    opts.Logger,
		channels:  make(map[Kind]*Channel),
		listeners: make(map[Kind]net.Listener),
		events:    make(chan Event, 32),
		errs:      make(chan error, 16),
		closed:    make(chan struct{}),
	}

	if opts.Role.IsHost() {
		if err := t.bindListeners(); err != nil {
			return nil, err
		}
		for kind, listener := range t.listeners {
			t.wg.Add(1)
			go t.acceptLoop(kind, listener)
		}
	} else {
		t.wg.Add(1)
		go t.dialChannels()
	}

	if opts.HealthCheckDelay > 0 {
		t.wg.Add(1)
		go t.healthCheckLoop()
	}

	return t, nil
}

// Events returns transport lifecycle notifications. The channel closes on
// teardown.
func (t *Transport) Events() <-chan Event {
	return t.events
}

// Errors returns asynchronous establishment errors.
func (t *Transport) Errors() <-chan error {
	return t.errs
}

// Channel returns the established channel of a kind.
func (t *Transport) Channel(kind Kind) (*Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := t.channels[kind]
	if ch == nil || !ch.Ready() {
		return nil, ErrNotEstablished
	}
	return ch, nil
}

// AllReady reports whether every channel is established.
func (t *Transport) AllReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allReadyLocked()
}

// BoundPorts reports the ports the host listeners actually bound.
func (t *Transport) BoundPorts() (Ports, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ports := Ports{}
	for kind, listener := range t.listeners {
		addr, ok := listener.Addr().(*net.TCPAddr)
		if !ok {
			return Ports{}, false
		}
		switch kind {
		case KindChat:
			ports.Chat = addr.Port
		case KindSpeedTest:
			ports.SpeedTest = addr.Port
		case KindFile:
			ports.File = addr.Port
		}
	}
	if ports.Chat == 0 || ports.SpeedTest == 0 || ports.File == 0 {
		return Ports{}, false
	}
	return ports, true
}

// LinkSession is a snapshot of one full establishment: the address pair
// of the chat channel plus every channel by kind. It stays valid only as
// long as the channels it references do.
type LinkSession struct {
	LocalAddr  string
	RemoteAddr string
	IsHost     bool
	Channels   map[Kind]*Channel
}

// Session snapshots the established channels. The second return is false
// until every channel is ready.
func (t *Transport) Session() (LinkSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.allReadyLocked() {
		return LinkSession{}, false
	}

	channels := make(map[Kind]*Channel, len(t.channels))
	for kind, ch := range t.channels {
		channels[kind] = ch
	}

	chat := t.channels[KindChat]
	return LinkSession{
		LocalAddr:  chat.LocalAddr().String(),
		RemoteAddr: chat.RemoteAddr().String(),
		IsHost:     t.opts.Role.IsHost(),
		Channels:   channels,
	}, true
}

// DeadChannels returns the kinds that are missing or failed the liveness
// probe.
func (t *Transport) DeadChannels() []Kind {
	t.mu.Lock()
	defer t.mu.Unlock()

	var dead []Kind
	for _, kind := range Kinds {
		ch := t.channels[kind]
		if ch == nil || !ch.Alive() {
			dead = append(dead, kind)
		}
	}
	return dead
}

// Close tears down every listener and channel. It is safe to call
// repeatedly and from any goroutine.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)

		t.mu.Lock()
		for _, listener := range t.listeners {
			_ = listener.Close()
		}
		for _, ch := range t.channels {
			_ = ch.Close()
		}
		t.listeners = make(map[Kind]net.Listener)
		t.channels = make(map[Kind]*Channel)
		t.readySignaled = false
		t.mu.Unlock()

		t.wg.Wait()
		close(t.events)
		close(t.errs)
	})
	return nil
}

func (t *Transport) bindListeners() error {
	for _, kind := range Kinds {
		address := ":" + strconv.Itoa(t.opts.Ports.forKind(kind))
		listener, err := net.Listen("tcp", address)
		if err != nil {
			for _, open := range t.listeners {
				_ = open.Close()
			}
			return fmt.Errorf("bind %s channel on %q: %w", kind, address, err)
		}
		t.listeners[kind] = listener
	}
	return nil
}

func (t *Transport) acceptLoop(kind Kind, listener net.Listener) {
	defer t.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.reportError(fmt.Errorf("accept %s channel: %w", kind, err))
			continue
		}

		t.installChannel(kind, conn)
	}
}

// dialChannels connects the peer side, one kind at a time in Kinds
// order. A kind that exhausts its attempts fails the establishment as
// a whole; the remaining kinds are never dialed.
func (t *Transport) dialChannels() {
	defer t.wg.Done()

	for _, kind := range Kinds {
		if !t.dialChannel(kind) {
			return
		}
	}
}

func (t *Transport) dialChannel(kind Kind) bool {
	address := net.JoinHostPort(t.opts.PeerIP, strconv.Itoa(t.opts.Ports.forKind(kind)))

	var lastErr error
	for attempt := 1; attempt <= t.opts.DialAttempts; attempt++ {
		select {
		case <-t.closed:
			return false
		default:
		}

		conn, err := net.DialTimeout("tcp", address, t.opts.DialTimeout)
		if err == nil {
			t.installChannel(kind, conn)
			return true
		}
		lastErr = err
		t.logger.Debugf("Dial attempt %d/%d for %s channel at %s failed: %v",
			attempt, t.opts.DialAttempts, kind, address, err)

		if attempt < t.opts.DialAttempts {
			select {
			case <-time.After(t.opts.DialRetryDelay):
			case <-t.closed:
				return false
			}
		}
	}

	t.reportError(fmt.Errorf("%w: connect %s channel to %s after %d attempts: %v",
		ErrEstablishFailed, kind, address, t.opts.DialAttempts, lastErr))
	return false
}

// installChannel adopts a fresh connection for a kind. A connection that
// arrives while one is already installed wins; the old one is closed and
// the all-ready signal is armed again.
func (t *Transport) installChannel(kind Kind, conn net.Conn) {
	ch := newChannel(kind, conn)
	ch.markReady()

	t.mu.Lock()
	select {
	case <-t.closed:
		t.mu.Unlock()
		_ = ch.Close()
		return
	default:
	}
	if old := t.channels[kind]; old != nil {
		_ = old.Close()
		t.readySignaled = false
	}
	t.channels[kind] = ch
	fire := t.allReadyLocked() && !t.readySignaled
	if fire {
		t.readySignaled = true
	}
	t.mu.Unlock()

	t.logger.Debugf("Connected %s channel (%s -> %s)", kind, conn.LocalAddr(), conn.RemoteAddr())
	t.emit(Event{Type: EventChannelConnected, Kind: kind})
	if fire {
		t.logger.Infof("All channels ready")
		t.emit(Event{Type: EventAllChannelsReady})
	}
}

func (t *Transport) allReadyLocked() bool {
	for _, kind := range Kinds {
		ch := t.channels[kind]
		if ch == nil || !ch.Ready() {
			return false
		}
	}
	return true
}

func (t *Transport) healthCheckLoop() {
	defer t.wg.Done()

	select {
	case <-time.After(t.opts.HealthCheckDelay):
	case <-t.closed:
		return
	}

	dead := t.DeadChannels()
	if len(dead) == 0 {
		t.logger.Debugf("Channel health check passed")
		return
	}

	t.logger.Warnf("Channel health check failed: %v", dead)
	t.emit(Event{Type: EventHealthCheckFailed, Dead: dead})
}

func (t *Transport) emit(event Event) {
	select {
	case t.events <- event:
	case <-t.closed:
	}
}

func (t *Transport) reportError(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case t.errs <- err:
	default:
	}
}
