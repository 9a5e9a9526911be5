package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jingcjie/WDCableWUI/event"
	"github.com/jingcjie/WDCableWUI/models"
)

// State is the manager's position in the link lifecycle.
type State string

const (
	// LinkIdle means no link exists and none is being negotiated.
	LinkIdle State = "idle"
	// LinkPending means a request is being negotiated, in either direction.
	LinkPending State = "pending"
	// Linked means a link is established.
	Linked State = "linked"
)

const (
	// DefaultRequestTimeout bounds an outbound link request. It exceeds the
	// remote decision window so a slow accept still lands.
	DefaultRequestTimeout = 65 * time.Second
	// DefaultDecisionTimeout is how long an inbound request waits for a
	// local decision before it is declined.
	DefaultDecisionTimeout = 60 * time.Second
)

var (
	// ErrAlreadyLinked reports a connect attempt while a link exists.
	ErrAlreadyLinked = errors.New("link: already linked")
	// ErrRequestPending reports a connect attempt while another request is
	// still being negotiated.
	ErrRequestPending = errors.New("link: request already in progress")
	// ErrNotLinked reports an operation that needs an established link.
	ErrNotLinked = errors.New("link: not linked")
	// ErrClosed reports an operation against a closed manager.
	ErrClosed = errors.New("link: manager closed")
)

// Options configures a Manager.
type Options struct {
	// Backend performs discovery and link negotiation. Required.
	Backend Backend
	// Bus receives link lifecycle events. Required.
	Bus *event.Bus
	// RequestTimeout bounds outbound requests. Defaults to
	// DefaultRequestTimeout.
	RequestTimeout time.Duration
	// DecisionTimeout bounds inbound decisions. Defaults to
	// DefaultDecisionTimeout.
	DecisionTimeout time.Duration
	// Logger defaults to a plain logrus logger.
	Logger *logrus.Logger
}

func (o Options) withDefaults() Options {
	out := o
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = DefaultRequestTimeout
	}
	if out.DecisionTimeout <= 0 {
		out.DecisionTimeout = DefaultDecisionTimeout
	}
	if out.Logger == nil {
		out.Logger = logrus.New()
	}
	return out
}

func (o Options) validate() error {
	if o.Backend == nil {
		return errors.New("backend is required")
	}
	if o.Bus == nil {
		return errors.New("event bus is required")
	}
	return nil
}

// Manager owns the link lifecycle: advertising, scanning, negotiation in
// both directions, role determination, and loss detection. It publishes
// lifecycle events on the bus; channel setup belongs to the consumer of
// the DeviceLinked event, which carries the negotiated address pair.
type Manager struct {
	opts    Options
	backend Backend
	bus     *event.Bus
	logger  *logrus.Logger

	mu          sync.Mutex
	state       State
	advertising bool
	scanning    bool
	current     RawLink
	device      models.PeerDevice
	info        models.LinkInfo

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
	wg        sync.WaitGroup
}

// NewManager wires a manager to its backend and starts the inbound
// request and device event loops.
func NewManager(options Options) (*Manager, error) {
	if err := options.validate(); err != nil {
		return nil, fmt.Errorf("link manager options: %w", err)
	}
	opts := options.withDefaults()

	m := &Manager{
		opts:    opts,
		backend: opts.Backend,
		bus:     opts.Bus,
		logger:  opts.Logger,
		state:   LinkIdle,
		closed:  make(chan struct{}),
	}

	m.wg.Add(2)
	go m.incomingLoop()
	go m.deviceLoop()

	return m, nil
}

// StartAdvertising makes this device discoverable under name. Calling it
// while already advertising is a no-op.
func (m *Manager) StartAdvertising(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.advertising {
		return nil
	}
	if err := m.backend.Advertise(name); err != nil {
		return fmt.Errorf("start advertising: %w", err)
	}
	m.advertising = true
	m.bus.Publish(event.Status("advertising as " + name))
	return nil
}

// StopAdvertising withdraws the advertisement. Safe when not advertising.
func (m *Manager) StopAdvertising() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.advertising {
		return nil
	}
	if err := m.backend.StopAdvertise(); err != nil {
		return fmt.Errorf("stop advertising: %w", err)
	}
	m.advertising = false
	m.bus.Publish(event.Status("advertising stopped"))
	return nil
}

// StartScanning begins collecting nearby devices. Calling it while
// already scanning is a no-op.
func (m *Manager) StartScanning() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.scanning {
		return nil
	}
	if err := m.backend.StartScan(); err != nil {
		return fmt.Errorf("start scanning: %w", err)
	}
	m.scanning = true
	m.bus.Publish(event.Status("scanning for devices"))
	return nil
}

// StopScanning stops collecting and clears the device list. Safe when
// not scanning.
func (m *Manager) StopScanning() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.scanning {
		return nil
	}
	if err := m.backend.StopScan(); err != nil {
		return fmt.Errorf("stop scanning: %w", err)
	}
	m.scanning = false
	m.bus.Publish(event.Status("scanning stopped"))
	return nil
}

// Devices returns the discovered devices in discovery order.
func (m *Manager) Devices() []models.PeerDevice {
	return m.backend.Devices()
}

// Connect requests a link with device and blocks until the peer decides
// or the request times out. On success a DeviceLinked event carries the
// device and the negotiated address pair; failures are published as
// errors and the manager returns to idle.
func (m *Manager) Connect(device models.PeerDevice) error {
	m.mu.Lock()
	switch m.state {
	case Linked:
		m.mu.Unlock()
		return ErrAlreadyLinked
	case LinkPending:
		m.mu.Unlock()
		return ErrRequestPending
	}
	m.state = LinkPending
	m.mu.Unlock()

	m.bus.Publish(event.Status(fmt.Sprintf("requesting link with %s", device.Name)))

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.RequestTimeout)
	defer cancel()

	raw, err := m.backend.RequestLink(ctx, device)
	if err != nil {
		m.setIdle()
		err = fmt.Errorf("connect to %s: %w", device.Name, err)
		m.bus.Publish(event.Error(err.Error()))
		return err
	}

	return m.finishLink(raw, device)
}

// Disconnect closes the current link. It is safe to call at any time,
// including when no link exists. A pending request resolves through its
// own path; disconnect only retires an established link.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.state != Linked || m.current == nil {
		m.mu.Unlock()
		return nil
	}
	raw := m.current
	device := m.device
	m.current = nil
	m.state = LinkIdle
	m.device = models.PeerDevice{}
	m.info = models.LinkInfo{}
	m.mu.Unlock()

	_ = raw.Close()

	device.Connected = false
	device.Status = "disconnected"
	m.logger.Infof("disconnected from %s", device.Name)
	m.bus.Publish(event.Status(fmt.Sprintf("disconnected from %s", device.Name)))
	m.bus.Publish(event.Event{Type: event.TypeDeviceUnlinked, Device: &device})
	return nil
}

// State reports the current lifecycle position.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Advertising reports whether the device is currently discoverable.
func (m *Manager) Advertising() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advertising
}

// Scanning reports whether device scanning is on.
func (m *Manager) Scanning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scanning
}

// CurrentLink returns the linked device and the negotiated address pair.
// The last return is false when no link is established.
func (m *Manager) CurrentLink() (models.PeerDevice, models.LinkInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Linked {
		return models.PeerDevice{}, models.LinkInfo{}, false
	}
	return m.device, m.info, true
}

// Close disconnects any link, stops the backend, and waits for the
// manager's loops to exit.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)

		m.mu.Lock()
		raw := m.current
		m.current = nil
		m.state = LinkIdle
		m.device = models.PeerDevice{}
		m.info = models.LinkInfo{}
		m.mu.Unlock()

		if raw != nil {
			_ = raw.Close()
		}
		m.closeErr = m.backend.Close()
		m.wg.Wait()
	})
	return m.closeErr
}

// finishLink determines roles over the raw link's address pair and moves
// the manager to Linked, or aborts the link when roles cannot be agreed.
func (m *Manager) finishLink(raw RawLink, device models.PeerDevice) error {
	role, err := DetermineRole(raw.LocalAddr(), raw.RemoteAddr())
	if err != nil {
		_ = raw.Close()
		m.setIdle()
		err = fmt.Errorf("link with %s aborted: %w", device.Name, err)
		m.bus.Publish(event.Error(err.Error()))
		return err
	}

	info := models.LinkInfo{
		Role:       role,
		LocalAddr:  raw.LocalAddr(),
		RemoteAddr: raw.RemoteAddr(),
	}
	device.Connected = true
	device.Status = "linked"

	m.mu.Lock()
	select {
	case <-m.closed:
		m.mu.Unlock()
		_ = raw.Close()
		return ErrClosed
	default:
	}
	m.state = Linked
	m.current = raw
	m.device = device
	m.info = info
	m.wg.Add(1)
	m.mu.Unlock()

	go m.watchLink(raw, device)

	m.logger.Infof("linked with %s (%s) as %s", device.Name, raw.RemoteAddr(), info.Role)
	m.bus.Publish(event.Event{
		Type:   event.TypeDeviceLinked,
		Device: &device,
		Link:   &info,
	})
	return nil
}

func (m *Manager) setIdle() {
	m.mu.Lock()
	m.state = LinkIdle
	m.mu.Unlock()
}

// watchLink turns raw link loss into an Unlinked event. A link retired
// by Disconnect or Close is no longer current and reports nothing.
func (m *Manager) watchLink(raw RawLink, device models.PeerDevice) {
	defer m.wg.Done()

	select {
	case <-raw.Done():
	case <-m.closed:
		return
	}

	m.mu.Lock()
	if m.current != raw {
		m.mu.Unlock()
		return
	}
	m.current = nil
	m.state = LinkIdle
	m.device = models.PeerDevice{}
	m.info = models.LinkInfo{}
	m.mu.Unlock()

	_ = raw.Close()

	device.Connected = false
	device.Status = "disconnected"
	m.logger.Warnf("link with %s lost", device.Name)
	m.bus.Publish(event.Error(fmt.Sprintf("link with %s lost", device.Name)))
	m.bus.Publish(event.Event{Type: event.TypeDeviceUnlinked, Device: &device})
}

// incomingLoop serializes inbound link requests. Each request holds the
// loop for its decision window; requests queued behind an accepted link
// are declined as busy.
func (m *Manager) incomingLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.closed:
			return
		case inc, ok := <-m.backend.IncomingLinks():
			if !ok {
				return
			}
			m.handleIncoming(inc)
		}
	}
}

func (m *Manager) handleIncoming(inc IncomingLink) {
	device := inc.Device()

	m.mu.Lock()
	if m.state != LinkIdle {
		m.mu.Unlock()
		_ = inc.Decline()
		m.logger.Infof("declined link request from %s: busy", device.Name)
		m.bus.Publish(event.Status(fmt.Sprintf("declined link request from %s: already linked", device.Name)))
		return
	}
	m.state = LinkPending
	m.mu.Unlock()

	// First respond call wins; the rest fall through the full buffer.
	decision := make(chan bool, 1)
	respond := func(accept bool) {
		select {
		case decision <- accept:
		default:
		}
	}

	m.bus.Publish(event.Event{
		Type:    event.TypeConnectionRequest,
		Request: &event.ConnectionRequest{Device: device, Respond: respond},
	})

	timer := time.NewTimer(m.opts.DecisionTimeout)
	defer timer.Stop()

	var accept bool
	select {
	case accept = <-decision:
	case <-timer.C:
		_ = inc.Decline()
		m.setIdle()
		m.logger.Infof("link request from %s timed out", device.Name)
		m.bus.Publish(event.Status(fmt.Sprintf("link request from %s timed out", device.Name)))
		return
	case <-m.closed:
		_ = inc.Decline()
		m.setIdle()
		return
	}

	if !accept {
		_ = inc.Decline()
		m.setIdle()
		m.bus.Publish(event.Status(fmt.Sprintf("declined link request from %s", device.Name)))
		return
	}

	raw, err := inc.Accept()
	if err != nil {
		m.setIdle()
		err = fmt.Errorf("accept link from %s: %w", device.Name, err)
		m.bus.Publish(event.Error(err.Error()))
		return
	}

	_ = m.finishLink(raw, device)
}

// deviceLoop forwards backend device updates onto the bus.
func (m *Manager) deviceLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.closed:
			return
		case ev, ok := <-m.backend.DeviceEvents():
			if !ok {
				return
			}
			device := ev.Device
			switch ev.Kind {
			case DeviceUpserted:
				m.logger.Debugf("device discovered: %s at %s", device.Name, device.Addr)
				m.bus.Publish(event.Event{Type: event.TypeDeviceDiscovered, Device: &device})
			case DeviceRemoved:
				m.logger.Debugf("device lost: %s", device.Name)
				m.bus.Publish(event.Event{Type: event.TypeDeviceLost, Device: &device})
			}
		}
	}
}
