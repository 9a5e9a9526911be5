package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventDeviceUpserted is emitted when a device appears or metadata changes.
	EventDeviceUpserted EventType = "device_upserted"
	// EventDeviceRemoved is emitted when a previously seen device disappears.
	EventDeviceRemoved EventType = "device_removed"
)

// EventType identifies device discovery updates.
type EventType string

// Event carries discovery updates for consumers.
type Event struct {
	Type   EventType
	Device DiscoveredDevice
}

// DiscoveredDevice contains a discovered LAN endpoint.
type DiscoveredDevice struct {
	DeviceID   string
	DeviceName string
	Version    int
	HostName   string
	Port       int
	Addresses  []string
	FirstSeen  time.Time
	LastSeen   time.Time
}

// DialAddr returns the host:port used to reach the device's negotiation
// listener, or "" when no address was resolved.
func (d DiscoveredDevice) DialAddr() string {
	if len(d.Addresses) == 0 || d.Port <= 0 {
		return ""
	}
	return net.JoinHostPort(d.Addresses[0], strconv.Itoa(d.Port))
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Scanner discovers devices with periodic and manual mDNS browse operations.
// Devices are kept in discovery order; a device refreshed by a later scan
// keeps its original position.
type Scanner struct {
	cfg Config

	browse browseFunc

	mu      sync.RWMutex
	devices map[string]DiscoveredDevice
	order   []string

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewScanner creates a scanner with config defaults applied.
func NewScanner(config Config) (*Scanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &Scanner{
		cfg:             cfg,
		browse:          browse,
		devices:         make(map[string]DiscoveredDevice),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background device scanning.
func (s *Scanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
	return nil
}

// Stop stops background scanning and clears the device collection.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()

		s.mu.Lock()
		s.devices = make(map[string]DiscoveredDevice)
		s.order = nil
		s.mu.Unlock()

		close(s.events)
	})
}

// Events provides asynchronous discovery updates.
func (s *Scanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan and waits for it to finish.
func (s *Scanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("scanner is stopped")
	}
}

// ListDevices returns the current snapshot in discovery order.
func (s *Scanner) ListDevices() []DiscoveredDevice {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DiscoveredDevice, 0, len(s.order))
	for _, id := range s.order {
		if device, ok := s.devices[id]; ok {
			out = append(out, device)
		}
	}
	return out
}

func (s *Scanner) loop() {
	defer s.wg.Done()

	// Prime the device list immediately.
	s.runScan(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	found := make(map[string]DiscoveredDevice)
	var foundMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				device, ok := parseEntry(entry, s.cfg.SelfDeviceID)
				if !ok {
					continue
				}
				device.LastSeen = time.Now()
				foundMu.Lock()
				found[device.DeviceID] = device
				foundMu.Unlock()
			}
		}
	}()

	browseErr := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	if browseErr != nil {
		return browseErr
	}

	<-scanCtx.Done()
	<-collectorDone
	foundMu.Lock()
	next := found
	foundMu.Unlock()

	s.applyScan(next)

	// A timeout just means this scan window ended naturally.
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Scanner) applyScan(found map[string]DiscoveredDevice) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	for id, device := range found {
		old, exists := s.devices[id]
		if exists {
			device.FirstSeen = old.FirstSeen
			s.devices[id] = device
			if !devicesEqual(old, device) {
				s.emitEvent(Event{Type: EventDeviceUpserted, Device: device})
			}
			continue
		}

		device.FirstSeen = now
		s.devices[id] = device
		s.order = append(s.order, id)
		s.emitEvent(Event{Type: EventDeviceUpserted, Device: device})
	}

	// Devices absent long enough age out of the collection.
	kept := s.order[:0]
	for _, id := range s.order {
		device, ok := s.devices[id]
		if !ok {
			continue
		}
		if _, present := found[id]; present {
			kept = append(kept, id)
			continue
		}
		if now.Sub(device.LastSeen) <= s.cfg.DeviceStaleAfter {
			kept = append(kept, id)
			continue
		}
		delete(s.devices, id)
		s.emitEvent(Event{Type: EventDeviceRemoved, Device: device})
	}
	s.order = kept
}

func (s *Scanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (DiscoveredDevice, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt["device_id"])
	if deviceID == "" || deviceID == selfDeviceID {
		return DiscoveredDevice{}, false
	}

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = deviceID
	}

	return DiscoveredDevice{
		DeviceID:   deviceID,
		DeviceName: name,
		Version:    version,
		HostName:   entry.HostName,
		Port:       entry.Port,
		Addresses:  addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

func devicesEqual(a, b DiscoveredDevice) bool {
	if a.DeviceID != b.DeviceID ||
		a.DeviceName != b.DeviceName ||
		a.Version != b.Version ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
