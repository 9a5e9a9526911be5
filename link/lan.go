package link

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jingcjie/WDCableWUI/discovery"
	"github.com/jingcjie/WDCableWUI/models"
)

const (
	// DefaultPingInterval is the keepalive cadence on an established link.
	// The read side tolerates 2.5 missed intervals before declaring loss.
	DefaultPingInterval = 20 * time.Second
	// DefaultNegotiationDialTimeout bounds the TCP dial of an outbound
	// link request.
	DefaultNegotiationDialTimeout = 5 * time.Second

	// handshakeTimeout bounds single negotiation reads and writes that
	// do not wait on a human decision.
	handshakeTimeout = 10 * time.Second
)

const (
	msgLinkRequest  = "link_request"
	msgLinkResponse = "link_response"
	msgPing         = "ping"
	msgPong         = "pong"
)

// negotiationMessage is one JSON line on the negotiation connection.
type negotiationMessage struct {
	Type       string `json:"type"`
	DeviceID   string `json:"device_id,omitempty"`
	DeviceName string `json:"device_name,omitempty"`
	Accepted   bool   `json:"accepted,omitempty"`
}

// LANOptions configures a LANBackend.
type LANOptions struct {
	// DeviceID identifies this device in mDNS TXT records and link
	// requests. Required.
	DeviceID string
	// DeviceName is the human-readable name sent with link requests and
	// used as the advertised instance name when Advertise gets none.
	// Required.
	DeviceName string
	// Discovery carries mDNS tuning; the backend fills in the identity
	// and negotiation port fields itself.
	Discovery discovery.Config
	// ListenAddr is the negotiation listener bind address. Defaults to
	// ":0"; the bound port is published in the mDNS SRV record.
	ListenAddr string
	// PingInterval is the keepalive cadence. Defaults to
	// DefaultPingInterval.
	PingInterval time.Duration
	// DialTimeout bounds outbound negotiation dials. Defaults to
	// DefaultNegotiationDialTimeout.
	DialTimeout time.Duration
	// Logger defaults to a plain logrus logger.
	Logger *logrus.Logger

	// advertiseFn lets tests exercise the negotiation protocol without
	// touching mDNS.
	advertiseFn func(discovery.Config) (*discovery.Advertiser, error)
}

func (o LANOptions) withDefaults() LANOptions {
	out := o
	if out.ListenAddr == "" {
		out.ListenAddr = ":0"
	}
	if out.PingInterval <= 0 {
		out.PingInterval = DefaultPingInterval
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultNegotiationDialTimeout
	}
	if out.Logger == nil {
		out.Logger = logrus.New()
	}
	if out.advertiseFn == nil {
		out.advertiseFn = discovery.StartAdvertiser
	}
	return out
}

func (o LANOptions) validate() error {
	if strings.TrimSpace(o.DeviceID) == "" {
		return errors.New("device ID is required")
	}
	if strings.TrimSpace(o.DeviceName) == "" {
		return errors.New("device name is required")
	}
	return nil
}

// LANBackend implements Backend for local networks: mDNS for presence
// and discovery, a TCP listener for link negotiation. The negotiation
// connection doubles as the link's keepalive carrier.
type LANBackend struct {
	opts   LANOptions
	logger *logrus.Logger

	listener net.Listener
	port     int

	incoming     chan IncomingLink
	deviceEvents chan DeviceEvent

	mu          sync.Mutex
	advertising bool
	advertiser  *discovery.Advertiser
	scanner     *discovery.Scanner

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
	wg        sync.WaitGroup
}

// NewLANBackend binds the negotiation listener and starts accepting
// connections on it. The bound port is what Advertise publishes.
func NewLANBackend(options LANOptions) (*LANBackend, error) {
	if err := options.validate(); err != nil {
		return nil, fmt.Errorf("lan backend options: %w", err)
	}
	opts := options.withDefaults()

	listener, err := net.Listen("tcp", opts.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("bind negotiation listener: %w", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port

	b := &LANBackend{
		opts:         opts,
		logger:       opts.Logger,
		listener:     listener,
		port:         port,
		incoming:     make(chan IncomingLink, 4),
		deviceEvents: make(chan DeviceEvent, 64),
		closed:       make(chan struct{}),
	}

	b.wg.Add(1)
	go b.acceptLoop()

	return b, nil
}

// ListenerAddr returns the bound negotiation listener address.
func (b *LANBackend) ListenerAddr() string {
	return b.listener.Addr().String()
}

// Advertise registers the mDNS service carrying the negotiation port and
// starts answering inbound link requests. An empty name falls back to
// the configured device name.
func (b *LANBackend) Advertise(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.advertising {
		return nil
	}
	if strings.TrimSpace(name) == "" {
		name = b.opts.DeviceName
	}

	cfg := b.opts.Discovery
	cfg.SelfDeviceID = b.opts.DeviceID
	cfg.DeviceName = name
	cfg.NegotiationPort = b.port

	advertiser, err := b.opts.advertiseFn(cfg)
	if err != nil {
		return fmt.Errorf("start mdns advertiser: %w", err)
	}
	b.advertiser = advertiser
	b.advertising = true
	return nil
}

// StopAdvertise withdraws the mDNS registration. Requests arriving
// afterwards are refused.
func (b *LANBackend) StopAdvertise() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.advertising {
		return nil
	}
	b.advertiser.Stop()
	b.advertiser = nil
	b.advertising = false
	return nil
}

// StartScan creates a scanner session. Each session gets a fresh scanner
// because stopping one retires it for good.
func (b *LANBackend) StartScan() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.scanner != nil {
		return nil
	}

	cfg := b.opts.Discovery
	cfg.SelfDeviceID = b.opts.DeviceID
	cfg.DeviceName = b.opts.DeviceName

	scanner, err := discovery.NewScanner(cfg)
	if err != nil {
		return fmt.Errorf("create scanner: %w", err)
	}
	if err := scanner.Start(); err != nil {
		return fmt.Errorf("start scanner: %w", err)
	}
	b.scanner = scanner

	b.wg.Add(1)
	go b.pumpScanner(scanner)
	return nil
}

// StopScan ends the scanner session and clears the device collection.
func (b *LANBackend) StopScan() error {
	b.mu.Lock()
	scanner := b.scanner
	b.scanner = nil
	b.mu.Unlock()

	if scanner != nil {
		scanner.Stop()
	}
	return nil
}

// Devices returns the current session's devices in discovery order, or
// nothing when no session is running.
func (b *LANBackend) Devices() []models.PeerDevice {
	b.mu.Lock()
	scanner := b.scanner
	b.mu.Unlock()

	if scanner == nil {
		return nil
	}
	discovered := scanner.ListDevices()
	out := make([]models.PeerDevice, 0, len(discovered))
	for _, d := range discovered {
		out = append(out, toPeerDevice(d))
	}
	return out
}

// DeviceEvents streams device collection updates across scan sessions.
func (b *LANBackend) DeviceEvents() <-chan DeviceEvent {
	return b.deviceEvents
}

// IncomingLinks streams inbound link requests.
func (b *LANBackend) IncomingLinks() <-chan IncomingLink {
	return b.incoming
}

// RequestLink dials the device's negotiation listener, sends a link
// request, and waits for the decision. The wait is bounded by ctx; a
// refusal surfaces as ErrLinkDeclined.
func (b *LANBackend) RequestLink(ctx context.Context, device models.PeerDevice) (RawLink, error) {
	if strings.TrimSpace(device.Addr) == "" {
		return nil, errors.New("link: device has no negotiation address")
	}

	dialer := net.Dialer{Timeout: b.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", device.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", device.Addr, err)
	}

	// Closing the conn is the only way to abandon a blocked response
	// read when the context or the backend goes away first.
	watchStop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-b.closed:
			conn.Close()
		case <-watchStop:
		}
	}()

	reader, err := b.negotiate(ctx, conn)
	close(watchStop)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return b.newRawLink(conn, reader), nil
}

// negotiate runs the outbound request/response exchange and hands back
// the buffered reader for the keepalive phase.
func (b *LANBackend) negotiate(ctx context.Context, conn net.Conn) (*bufio.Reader, error) {
	request := negotiationMessage{
		Type:       msgLinkRequest,
		DeviceID:   b.opts.DeviceID,
		DeviceName: b.opts.DeviceName,
	}
	if err := writeNegotiation(conn, request); err != nil {
		return nil, fmt.Errorf("send link request: %w", err)
	}

	// The response waits on the remote user's decision, so the read
	// deadline follows the caller's context rather than handshakeTimeout.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read link response: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	var response negotiationMessage
	if err := json.Unmarshal([]byte(line), &response); err != nil || response.Type != msgLinkResponse {
		return nil, errors.New("link: malformed link response")
	}
	if !response.Accepted {
		return nil, ErrLinkDeclined
	}
	return reader, nil
}

// Close shuts the listener, stops mDNS activity, and declines anything
// still queued.
func (b *LANBackend) Close() error {
	b.closeOnce.Do(func() {
		close(b.closed)
		b.closeErr = b.listener.Close()

		b.mu.Lock()
		advertiser := b.advertiser
		b.advertiser = nil
		b.advertising = false
		scanner := b.scanner
		b.scanner = nil
		b.mu.Unlock()

		advertiser.Stop()
		if scanner != nil {
			scanner.Stop()
		}
		b.wg.Wait()

	drain:
		for {
			select {
			case inc := <-b.incoming:
				_ = inc.Decline()
			default:
				break drain
			}
		}
	})
	return b.closeErr
}

func (b *LANBackend) acceptingRequests() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.advertising
}

func (b *LANBackend) acceptLoop() {
	defer b.wg.Done()

	for {
		conn, err := b.listener.Accept()
		if err != nil {
			select {
			case <-b.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			b.logger.Warnf("negotiation accept: %v", err)
			continue
		}

		b.wg.Add(1)
		go b.handleConn(conn)
	}
}

// handleConn reads one link request off a fresh negotiation connection
// and queues it for a decision, or refuses it when not advertising.
func (b *LANBackend) handleConn(conn net.Conn) {
	defer b.wg.Done()

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	var msg negotiationMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil || msg.Type != msgLinkRequest {
		b.logger.Debugf("dropping malformed negotiation line from %s", conn.RemoteAddr())
		conn.Close()
		return
	}

	device := models.PeerDevice{
		ID:           msg.DeviceID,
		Name:         msg.DeviceName,
		Addr:         conn.RemoteAddr().String(),
		Status:       "requesting",
		DiscoveredAt: time.Now(),
	}
	if device.Name == "" {
		device.Name = device.Addr
	}

	if !b.acceptingRequests() {
		b.logger.Infof("refused link request from %s: not advertising", device.Name)
		_ = writeNegotiation(conn, negotiationMessage{Type: msgLinkResponse, Accepted: false})
		conn.Close()
		return
	}

	inc := &lanIncoming{backend: b, conn: conn, reader: reader, device: device}
	select {
	case b.incoming <- inc:
	case <-b.closed:
		_ = inc.Decline()
	}
}

// toPeerDevice flattens a discovery record to the model shape; Addr is
// the negotiation dial address.
func toPeerDevice(d discovery.DiscoveredDevice) models.PeerDevice {
	return models.PeerDevice{
		ID:           d.DeviceID,
		Name:         d.DeviceName,
		Addr:         d.DialAddr(),
		Status:       "available",
		DiscoveredAt: d.FirstSeen,
	}
}

func (b *LANBackend) pumpScanner(scanner *discovery.Scanner) {
	defer b.wg.Done()

	for ev := range scanner.Events() {
		var kind DeviceEventKind
		switch ev.Type {
		case discovery.EventDeviceUpserted:
			kind = DeviceUpserted
		case discovery.EventDeviceRemoved:
			kind = DeviceRemoved
		default:
			continue
		}
		select {
		case b.deviceEvents <- DeviceEvent{Kind: kind, Device: toPeerDevice(ev.Device)}:
		default:
		}
	}
}

func writeNegotiation(conn net.Conn, msg negotiationMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	_, err = conn.Write(append(payload, '\n'))
	_ = conn.SetWriteDeadline(time.Time{})
	return err
}

// lanIncoming is one queued inbound request. The first Accept or Decline
// resolves it.
type lanIncoming struct {
	backend *LANBackend
	conn    net.Conn
	reader  *bufio.Reader
	device  models.PeerDevice
	once    sync.Once
}

func (i *lanIncoming) Device() models.PeerDevice { return i.device }

func (i *lanIncoming) Accept() (RawLink, error) {
	var (
		raw      RawLink
		err      error
		resolved bool
	)
	i.once.Do(func() {
		resolved = true
		if werr := writeNegotiation(i.conn, negotiationMessage{Type: msgLinkResponse, Accepted: true}); werr != nil {
			i.conn.Close()
			err = fmt.Errorf("send link response: %w", werr)
			return
		}
		raw = i.backend.newRawLink(i.conn, i.reader)
	})
	if !resolved {
		return nil, errors.New("link: request already resolved")
	}
	return raw, err
}

func (i *lanIncoming) Decline() error {
	i.once.Do(func() {
		_ = writeNegotiation(i.conn, negotiationMessage{Type: msgLinkResponse, Accepted: false})
		i.conn.Close()
	})
	return nil
}

// lanRawLink keeps the negotiation connection open for the life of the
// link. Both sides ping on the same cadence; a quiet wire past the miss
// budget or any write failure counts as link loss.
type lanRawLink struct {
	conn   net.Conn
	reader *bufio.Reader
	logger *logrus.Logger

	pingInterval time.Duration
	writeMu      sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
	closeErr  error
}

func (b *LANBackend) newRawLink(conn net.Conn, reader *bufio.Reader) *lanRawLink {
	l := &lanRawLink{
		conn:         conn,
		reader:       reader,
		logger:       b.logger,
		pingInterval: b.opts.PingInterval,
		done:         make(chan struct{}),
	}
	go l.pingLoop()
	go l.readLoop()
	return l
}

func (l *lanRawLink) LocalAddr() string     { return l.conn.LocalAddr().String() }
func (l *lanRawLink) RemoteAddr() string    { return l.conn.RemoteAddr().String() }
func (l *lanRawLink) Done() <-chan struct{} { return l.done }

func (l *lanRawLink) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.closeErr = l.conn.Close()
	})
	return l.closeErr
}

func (l *lanRawLink) pingLoop() {
	ticker := time.NewTicker(l.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			if err := l.writeMessage(negotiationMessage{Type: msgPing}); err != nil {
				l.reportLoss("keepalive ping", err)
				return
			}
		}
	}
}

// readLoop answers pings and enforces the miss budget: any keepalive
// line resets the deadline, 2.5 quiet intervals end the link.
func (l *lanRawLink) readLoop() {
	missBudget := l.pingInterval * 5 / 2

	for {
		_ = l.conn.SetReadDeadline(time.Now().Add(missBudget))
		line, err := l.reader.ReadString('\n')
		if err != nil {
			l.reportLoss("keepalive read", err)
			return
		}

		var msg negotiationMessage
		if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &msg); err != nil {
			continue
		}
		if msg.Type == msgPing {
			if err := l.writeMessage(negotiationMessage{Type: msgPong}); err != nil {
				l.reportLoss("keepalive pong", err)
				return
			}
		}
	}
}

func (l *lanRawLink) reportLoss(op string, err error) {
	select {
	case <-l.done:
	default:
		l.logger.Warnf("%s on %s: %v", op, l.conn.RemoteAddr(), err)
	}
	_ = l.Close()
}

func (l *lanRawLink) writeMessage(msg negotiationMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	_, err = l.conn.Write(append(payload, '\n'))
	_ = l.conn.SetWriteDeadline(time.Time{})
	return err
}
