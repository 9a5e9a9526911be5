package link

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jingcjie/WDCableWUI/event"
	"github.com/jingcjie/WDCableWUI/models"
)

type fakeRawLink struct {
	local  string
	remote string
	done   chan struct{}
	once   sync.Once
}

func newFakeRawLink(local, remote string) *fakeRawLink {
	return &fakeRawLink{local: local, remote: remote, done: make(chan struct{})}
}

func (l *fakeRawLink) LocalAddr() string     { return l.local }
func (l *fakeRawLink) RemoteAddr() string    { return l.remote }
func (l *fakeRawLink) Done() <-chan struct{} { return l.done }

func (l *fakeRawLink) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

type fakeIncoming struct {
	device models.PeerDevice
	raw    *fakeRawLink

	mu       sync.Mutex
	accepted bool
	declined bool
}

func (i *fakeIncoming) Device() models.PeerDevice { return i.device }

func (i *fakeIncoming) Accept() (RawLink, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.accepted = true
	return i.raw, nil
}

func (i *fakeIncoming) Decline() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.declined = true
	return nil
}

func (i *fakeIncoming) wasAccepted() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.accepted
}

func (i *fakeIncoming) wasDeclined() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.declined
}

type fakeBackend struct {
	mu             sync.Mutex
	advertising    bool
	scanning       bool
	advertiseCalls int
	scanCalls      int
	devices        []models.PeerDevice

	requestFn func(ctx context.Context, device models.PeerDevice) (RawLink, error)

	incoming     chan IncomingLink
	deviceEvents chan DeviceEvent
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		incoming:     make(chan IncomingLink, 4),
		deviceEvents: make(chan DeviceEvent, 16),
	}
}

func (b *fakeBackend) Advertise(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advertising = true
	b.advertiseCalls++
	return nil
}

func (b *fakeBackend) StopAdvertise() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advertising = false
	return nil
}

func (b *fakeBackend) StartScan() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scanning = true
	b.scanCalls++
	return nil
}

func (b *fakeBackend) StopScan() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scanning = false
	return nil
}

func (b *fakeBackend) Devices() []models.PeerDevice {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.PeerDevice(nil), b.devices...)
}

func (b *fakeBackend) DeviceEvents() <-chan DeviceEvent { return b.deviceEvents }

func (b *fakeBackend) RequestLink(ctx context.Context, device models.PeerDevice) (RawLink, error) {
	b.mu.Lock()
	fn := b.requestFn
	b.mu.Unlock()
	if fn == nil {
		return nil, errors.New("no request handler installed")
	}
	return fn(ctx, device)
}

func (b *fakeBackend) IncomingLinks() <-chan IncomingLink { return b.incoming }

func (b *fakeBackend) Close() error { return nil }

func (b *fakeBackend) advertiseCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.advertiseCalls
}

func (b *fakeBackend) scanCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scanCalls
}

func newTestManager(t *testing.T, backend Backend) (*Manager, <-chan event.Event) {
	t.Helper()

	bus, events := newTestBus(t)

	manager, err := NewManager(Options{
		Backend:         backend,
		Bus:             bus,
		RequestTimeout:  time.Second,
		DecisionTimeout: 500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })

	return manager, events
}

func connectTestLink(t *testing.T, manager *Manager, backend *fakeBackend, events <-chan event.Event) *fakeRawLink {
	t.Helper()

	raw := newFakeRawLink("192.168.1.5:40000", "192.168.1.9:8988")
	backend.mu.Lock()
	backend.requestFn = func(ctx context.Context, device models.PeerDevice) (RawLink, error) {
		return raw, nil
	}
	backend.mu.Unlock()

	device := models.PeerDevice{ID: "dev-b", Name: "bob", Addr: "192.168.1.9:9100"}
	if err := manager.Connect(device); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitForBusEvent(t, events, event.TypeDeviceLinked)
	return raw
}

func TestManagerConnectEstablishesLink(t *testing.T) {
	backend := newFakeBackend()
	manager, events := newTestManager(t, backend)

	raw := newFakeRawLink("192.168.1.5:40000", "192.168.1.9:8988")
	backend.requestFn = func(ctx context.Context, device models.PeerDevice) (RawLink, error) {
		return raw, nil
	}

	device := models.PeerDevice{ID: "dev-b", Name: "bob", Addr: "192.168.1.9:9100"}
	if err := manager.Connect(device); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if state := manager.State(); state != Linked {
		t.Fatalf("expected state %q, got %q", Linked, state)
	}

	linked := waitForBusEvent(t, events, event.TypeDeviceLinked)
	if linked.Device == nil || linked.Link == nil {
		t.Fatalf("linked event missing payload: %+v", linked)
	}
	if linked.Device.Name != "bob" || !linked.Device.Connected {
		t.Errorf("unexpected linked device: %+v", linked.Device)
	}
	if linked.Link.Role != models.RoleHost {
		t.Errorf("expected host role for smaller last octet, got %s", linked.Link.Role)
	}

	current, info, ok := manager.CurrentLink()
	if !ok {
		t.Fatal("expected a current link")
	}
	if current.ID != "dev-b" {
		t.Errorf("expected linked device dev-b, got %s", current.ID)
	}
	if info.LocalAddr != "192.168.1.5:40000" || info.RemoteAddr != "192.168.1.9:8988" {
		t.Errorf("unexpected link addresses: %+v", info)
	}
}

func TestManagerConnectRefusedWhileLinked(t *testing.T) {
	backend := newFakeBackend()
	manager, events := newTestManager(t, backend)
	connectTestLink(t, manager, backend, events)

	err := manager.Connect(models.PeerDevice{ID: "dev-c", Name: "carol"})
	if !errors.Is(err, ErrAlreadyLinked) {
		t.Fatalf("expected ErrAlreadyLinked, got %v", err)
	}
}

func TestManagerConnectDeclinedReturnsToIdle(t *testing.T) {
	backend := newFakeBackend()
	manager, events := newTestManager(t, backend)

	backend.requestFn = func(ctx context.Context, device models.PeerDevice) (RawLink, error) {
		return nil, ErrLinkDeclined
	}

	err := manager.Connect(models.PeerDevice{ID: "dev-b", Name: "bob"})
	if !errors.Is(err, ErrLinkDeclined) {
		t.Fatalf("expected ErrLinkDeclined, got %v", err)
	}
	if state := manager.State(); state != LinkIdle {
		t.Fatalf("expected state %q after failure, got %q", LinkIdle, state)
	}
	waitForBusEvent(t, events, event.TypeErrorOccurred)
}

func TestManagerConnectAbortsOnUndeterminedRole(t *testing.T) {
	backend := newFakeBackend()
	manager, _ := newTestManager(t, backend)

	raw := newFakeRawLink("not-an-address", "192.168.1.9:8988")
	backend.requestFn = func(ctx context.Context, device models.PeerDevice) (RawLink, error) {
		return raw, nil
	}

	err := manager.Connect(models.PeerDevice{ID: "dev-b", Name: "bob"})
	if !errors.Is(err, ErrRoleUndetermined) {
		t.Fatalf("expected ErrRoleUndetermined, got %v", err)
	}
	if state := manager.State(); state != LinkIdle {
		t.Fatalf("expected state %q, got %q", LinkIdle, state)
	}
	select {
	case <-raw.Done():
	default:
		t.Fatal("expected the raw link to be closed after the abort")
	}
}

func TestManagerConnectRefusedWhilePending(t *testing.T) {
	backend := newFakeBackend()
	manager, events := newTestManager(t, backend)

	inc := &fakeIncoming{device: models.PeerDevice{ID: "dev-a", Name: "alice"}}
	backend.incoming <- inc
	request := waitForBusEvent(t, events, event.TypeConnectionRequest)

	err := manager.Connect(models.PeerDevice{ID: "dev-c", Name: "carol"})
	if !errors.Is(err, ErrRequestPending) {
		t.Fatalf("expected ErrRequestPending, got %v", err)
	}

	request.Request.Respond(false)
	waitForBusEvent(t, events, event.TypeStatusChanged)
}

func TestManagerInboundAcceptFlow(t *testing.T) {
	backend := newFakeBackend()
	manager, events := newTestManager(t, backend)

	raw := newFakeRawLink("192.168.1.9:51000", "192.168.1.5:8988")
	inc := &fakeIncoming{
		device: models.PeerDevice{ID: "dev-a", Name: "alice", Addr: "192.168.1.5:9100"},
		raw:    raw,
	}
	backend.incoming <- inc

	request := waitForBusEvent(t, events, event.TypeConnectionRequest)
	if request.Request == nil {
		t.Fatalf("connection request event missing payload: %+v", request)
	}
	if request.Request.Device.Name != "alice" {
		t.Errorf("expected request from alice, got %s", request.Request.Device.Name)
	}
	request.Request.Respond(true)

	linked := waitForBusEvent(t, events, event.TypeDeviceLinked)
	if linked.Link == nil || linked.Link.Role != models.RolePeer {
		t.Errorf("expected peer role for larger last octet, got %+v", linked.Link)
	}
	if !inc.wasAccepted() {
		t.Error("expected the incoming request to be accepted")
	}
	if state := manager.State(); state != Linked {
		t.Fatalf("expected state %q, got %q", Linked, state)
	}
}

func TestManagerInboundDeclineFlow(t *testing.T) {
	backend := newFakeBackend()
	manager, events := newTestManager(t, backend)

	inc := &fakeIncoming{device: models.PeerDevice{ID: "dev-a", Name: "alice"}}
	backend.incoming <- inc

	request := waitForBusEvent(t, events, event.TypeConnectionRequest)
	request.Request.Respond(false)

	status := waitForBusEvent(t, events, event.TypeStatusChanged)
	if !strings.Contains(status.Text, "declined") {
		t.Errorf("expected a decline status, got %q", status.Text)
	}
	if !inc.wasDeclined() {
		t.Error("expected the incoming request to be declined")
	}
	if state := manager.State(); state != LinkIdle {
		t.Fatalf("expected state %q, got %q", LinkIdle, state)
	}
}

func TestManagerInboundDecisionTimeout(t *testing.T) {
	backend := newFakeBackend()
	manager, events := newTestManager(t, backend)

	inc := &fakeIncoming{device: models.PeerDevice{ID: "dev-a", Name: "alice"}}
	backend.incoming <- inc

	request := waitForBusEvent(t, events, event.TypeConnectionRequest)

	status := waitForBusEvent(t, events, event.TypeStatusChanged)
	if !strings.Contains(status.Text, "timed out") {
		t.Errorf("expected a timeout status, got %q", status.Text)
	}
	if !inc.wasDeclined() {
		t.Error("expected the request to be declined on timeout")
	}

	// A decision landing after the window must not revive the request.
	request.Request.Respond(true)
	if state := manager.State(); state != LinkIdle {
		t.Fatalf("expected state %q after late respond, got %q", LinkIdle, state)
	}
	assertNoBusEvent(t, events, event.TypeDeviceLinked, 200*time.Millisecond)
}

func TestManagerInboundDeclinedWhenBusy(t *testing.T) {
	backend := newFakeBackend()
	manager, events := newTestManager(t, backend)
	connectTestLink(t, manager, backend, events)

	inc := &fakeIncoming{device: models.PeerDevice{ID: "dev-c", Name: "carol"}}
	backend.incoming <- inc

	status := waitForBusEvent(t, events, event.TypeStatusChanged)
	if !strings.Contains(status.Text, "already linked") {
		t.Errorf("expected a busy decline status, got %q", status.Text)
	}
	if !inc.wasDeclined() {
		t.Error("expected the request to be declined while linked")
	}
	assertNoBusEvent(t, events, event.TypeConnectionRequest, 200*time.Millisecond)
}

func TestManagerLinkLossEmitsUnlinked(t *testing.T) {
	backend := newFakeBackend()
	manager, events := newTestManager(t, backend)
	raw := connectTestLink(t, manager, backend, events)

	_ = raw.Close()

	waitForBusEvent(t, events, event.TypeErrorOccurred)
	unlinked := waitForBusEvent(t, events, event.TypeDeviceUnlinked)
	if unlinked.Device == nil || unlinked.Device.Connected {
		t.Errorf("unexpected unlinked device payload: %+v", unlinked.Device)
	}
	if state := manager.State(); state != LinkIdle {
		t.Fatalf("expected state %q after loss, got %q", LinkIdle, state)
	}
}

func TestManagerDisconnectIsIdempotent(t *testing.T) {
	backend := newFakeBackend()
	manager, events := newTestManager(t, backend)
	connectTestLink(t, manager, backend, events)

	if err := manager.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	waitForBusEvent(t, events, event.TypeDeviceUnlinked)

	if err := manager.Disconnect(); err != nil {
		t.Fatalf("second Disconnect failed: %v", err)
	}
	assertNoBusEvent(t, events, event.TypeDeviceUnlinked, 200*time.Millisecond)
	if state := manager.State(); state != LinkIdle {
		t.Fatalf("expected state %q, got %q", LinkIdle, state)
	}
}

func TestManagerAdvertisingToggleIsIdempotent(t *testing.T) {
	backend := newFakeBackend()
	manager, _ := newTestManager(t, backend)

	if err := manager.StartAdvertising("alpha"); err != nil {
		t.Fatalf("StartAdvertising failed: %v", err)
	}
	if err := manager.StartAdvertising("alpha"); err != nil {
		t.Fatalf("repeated StartAdvertising failed: %v", err)
	}
	if got := backend.advertiseCount(); got != 1 {
		t.Fatalf("expected one backend advertise call, got %d", got)
	}
	if !manager.Advertising() {
		t.Fatal("expected advertising to be on")
	}

	if err := manager.StopAdvertising(); err != nil {
		t.Fatalf("StopAdvertising failed: %v", err)
	}
	if err := manager.StopAdvertising(); err != nil {
		t.Fatalf("repeated StopAdvertising failed: %v", err)
	}
	if manager.Advertising() {
		t.Fatal("expected advertising to be off")
	}
}

func TestManagerScanningToggleAndDevices(t *testing.T) {
	backend := newFakeBackend()
	backend.devices = []models.PeerDevice{
		{ID: "dev-a", Name: "alice"},
		{ID: "dev-b", Name: "bob"},
	}
	manager, _ := newTestManager(t, backend)

	if err := manager.StartScanning(); err != nil {
		t.Fatalf("StartScanning failed: %v", err)
	}
	if err := manager.StartScanning(); err != nil {
		t.Fatalf("repeated StartScanning failed: %v", err)
	}
	if got := backend.scanCount(); got != 1 {
		t.Fatalf("expected one backend scan call, got %d", got)
	}
	if !manager.Scanning() {
		t.Fatal("expected scanning to be on")
	}

	devices := manager.Devices()
	if len(devices) != 2 || devices[0].ID != "dev-a" {
		t.Fatalf("unexpected device snapshot: %+v", devices)
	}

	if err := manager.StopScanning(); err != nil {
		t.Fatalf("StopScanning failed: %v", err)
	}
	if manager.Scanning() {
		t.Fatal("expected scanning to be off")
	}
}

func TestManagerForwardsDeviceEvents(t *testing.T) {
	backend := newFakeBackend()
	_, events := newTestManager(t, backend)

	backend.deviceEvents <- DeviceEvent{
		Kind:   DeviceUpserted,
		Device: models.PeerDevice{ID: "dev-a", Name: "alice"},
	}
	discovered := waitForBusEvent(t, events, event.TypeDeviceDiscovered)
	if discovered.Device == nil || discovered.Device.Name != "alice" {
		t.Errorf("unexpected discovered payload: %+v", discovered.Device)
	}

	backend.deviceEvents <- DeviceEvent{
		Kind:   DeviceRemoved,
		Device: models.PeerDevice{ID: "dev-a", Name: "alice"},
	}
	lost := waitForBusEvent(t, events, event.TypeDeviceLost)
	if lost.Device == nil || lost.Device.ID != "dev-a" {
		t.Errorf("unexpected lost payload: %+v", lost.Device)
	}
}
