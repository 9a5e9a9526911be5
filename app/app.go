// Package app wires the layers into one facade: the link manager
// negotiates, the transport raises the three channels on its linked
// event, the protocol services run on all-channels-ready, and completed
// transfers and speed tests land in the store. UI layers drive the
// facade's operations and watch its event bus.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jingcjie/WDCableWUI/config"
	"github.com/jingcjie/WDCableWUI/event"
	"github.com/jingcjie/WDCableWUI/link"
	"github.com/jingcjie/WDCableWUI/models"
	"github.com/jingcjie/WDCableWUI/protocol"
	"github.com/jingcjie/WDCableWUI/storage"
	"github.com/jingcjie/WDCableWUI/transport"
)

// Options configures an App.
type Options struct {
	// Config holds the local device identity and tunables. Required.
	Config *config.DeviceConfig
	// Store persists settings and result history. Required; the caller
	// keeps ownership and closes it after the app.
	Store *storage.Store
	// DataDir anchors the default download directory. Required.
	DataDir string
	// Logger defaults to a plain logrus logger.
	Logger *logrus.Logger

	// backend substitutes the link backend in tests.
	backend link.Backend
}

func (o Options) validate() error {
	if o.Config == nil {
		return errors.New("device config is required")
	}
	if o.Store == nil {
		return errors.New("store is required")
	}
	if o.DataDir == "" {
		return errors.New("data directory is required")
	}
	return nil
}

// services holds the protocol instances of one channel establishment.
type services struct {
	chat   *protocol.Chat
	file   *protocol.FileTransfer
	speed  *protocol.SpeedTest
	cancel context.CancelFunc
}

// App owns the link manager and, per link, one transport and one set of
// protocol services.
type App struct {
	cfg     *config.DeviceConfig
	store   *storage.Store
	dataDir string
	logger  *logrus.Logger

	bus     *event.Bus
	manager *link.Manager

	events    <-chan event.Event
	cancelSub func()

	mu        sync.Mutex
	transport *transport.Transport
	services  *services

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
	wg        sync.WaitGroup
}

// New builds the facade and starts its orchestration loop. The LAN
// backend binds its negotiation listener immediately; nothing is
// advertised or scanned until asked.
func New(options Options) (*App, error) {
	if err := options.validate(); err != nil {
		return nil, fmt.Errorf("app options: %w", err)
	}
	logger := options.Logger
	if logger == nil {
		logger = logrus.New()
	}

	bus := event.NewBus()

	backend := options.backend
	if backend == nil {
		lan, err := link.NewLANBackend(link.LANOptions{
			DeviceID:     options.Config.DeviceID,
			DeviceName:   options.Config.DeviceName,
			PingInterval: options.Config.LinkPingInterval(),
			Logger:       logger,
		})
		if err != nil {
			bus.Close()
			return nil, fmt.Errorf("create lan backend: %w", err)
		}
		backend = lan
	}

	manager, err := link.NewManager(link.Options{
		Backend:         backend,
		Bus:             bus,
		DecisionTimeout: options.Config.LinkDecisionTimeout(),
		RequestTimeout:  options.Config.LinkDecisionTimeout() + 5*time.Second,
		Logger:          logger,
	})
	if err != nil {
		_ = backend.Close()
		bus.Close()
		return nil, fmt.Errorf("create link manager: %w", err)
	}

	a := &App{
		cfg:     options.Config,
		store:   options.Store,
		dataDir: options.DataDir,
		logger:  logger,
		bus:     bus,
		manager: manager,
		closed:  make(chan struct{}),
	}
	a.events, a.cancelSub = bus.Subscribe(256)

	a.wg.Add(1)
	go a.eventLoop()

	return a, nil
}

// Subscribe returns a buffered stream of application events and its
// cancel function.
func (a *App) Subscribe(size int) (<-chan event.Event, func()) {
	return a.bus.Subscribe(size)
}

// StartAdvertising makes this device discoverable under its configured
// name.
func (a *App) StartAdvertising() error {
	return a.manager.StartAdvertising(a.cfg.DeviceName)
}

// StopAdvertising withdraws the advertisement.
func (a *App) StopAdvertising() error {
	return a.manager.StopAdvertising()
}

// StartScanning begins collecting nearby devices.
func (a *App) StartScanning() error {
	return a.manager.StartScanning()
}

// StopScanning stops collecting and clears the device list.
func (a *App) StopScanning() error {
	return a.manager.StopScanning()
}

// Devices returns the discovered devices in discovery order.
func (a *App) Devices() []models.PeerDevice {
	return a.manager.Devices()
}

// Connect requests a link with a discovered device and blocks until the
// remote side decides.
func (a *App) Connect(device models.PeerDevice) error {
	return a.manager.Connect(device)
}

// Disconnect tears down the current link and with it the channels.
func (a *App) Disconnect() error {
	return a.manager.Disconnect()
}

// LinkState reports the link lifecycle position.
func (a *App) LinkState() link.State {
	return a.manager.State()
}

// LinkedDevice returns the linked device and address pair, if any.
func (a *App) LinkedDevice() (models.PeerDevice, models.LinkInfo, bool) {
	return a.manager.CurrentLink()
}

// SendMessage sends one chat message. Delivery problems surface as
// ErrorOccurred events.
func (a *App) SendMessage(text string) error {
	svc := a.currentServices()
	if svc == nil {
		return link.ErrNotLinked
	}
	svc.chat.Send(text)
	return nil
}

// SendFile streams a file to the peer.
func (a *App) SendFile(path string) error {
	svc := a.currentServices()
	if svc == nil {
		return link.ErrNotLinked
	}
	return svc.file.Send(path)
}

// RunUploadTest measures outbound throughput with sizeBytes of payload.
func (a *App) RunUploadTest(sizeBytes int64) error {
	svc := a.currentServices()
	if svc == nil {
		return link.ErrNotLinked
	}
	return svc.speed.UploadTest(sizeBytes)
}

// RunDownloadTest asks the peer for sizeBytes and reports the result
// asynchronously as a DownloadCompleted event.
func (a *App) RunDownloadTest(sizeBytes int64) error {
	svc := a.currentServices()
	if svc == nil {
		return link.ErrNotLinked
	}
	return svc.speed.DownloadTest(sizeBytes)
}

// SpeedHistory returns the newest persisted speed-test runs.
func (a *App) SpeedHistory(limit int) ([]models.SpeedTestResult, error) {
	rows, err := a.store.RecentSpeedResults(limit)
	if err != nil {
		return nil, err
	}
	results := make([]models.SpeedTestResult, 0, len(rows))
	for _, row := range rows {
		results = append(results, models.SpeedTestResult{
			Direction: models.SpeedDirection(row.Direction),
			DataSize:  row.DataSize,
			Duration:  time.Duration(row.DurationMs) * time.Millisecond,
			Mbps:      row.Mbps,
			Success:   row.Success,
			Error:     row.Error,
			Timestamp: row.Timestamp,
		})
	}
	return results, nil
}

// TransferHistory returns the newest persisted file transfers.
func (a *App) TransferHistory(limit int) ([]models.TransferRecord, error) {
	rows, err := a.store.RecentTransfers(limit)
	if err != nil {
		return nil, err
	}
	records := make([]models.TransferRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, models.TransferRecord{
			ID:        row.UID,
			Name:      row.Name,
			Path:      row.Path,
			Size:      row.Size,
			Direction: models.TransferDirection(row.Direction),
			Timestamp: row.Timestamp,
		})
	}
	return records, nil
}

// Setting reads a settings key, falling back when it was never set.
func (a *App) Setting(key, fallback string) (string, error) {
	return a.store.GetSettingOrDefault(key, fallback)
}

// SetSetting writes a settings key.
func (a *App) SetSetting(key, value string) error {
	return a.store.SetSetting(key, value)
}

// DownloadDirectory returns where received files are written.
func (a *App) DownloadDirectory() string {
	dir, err := a.store.GetSettingOrDefault(storage.SettingDownloadDirectory, config.DownloadsDir(a.dataDir))
	if err != nil || dir == "" {
		return config.DownloadsDir(a.dataDir)
	}
	return dir
}

// SetDownloadDirectory overrides where received files are written. It
// takes effect on the next channel establishment.
func (a *App) SetDownloadDirectory(path string) error {
	return a.store.SetSetting(storage.SettingDownloadDirectory, path)
}

// Close tears down the link, the transport, and the event bus. The
// store stays open for its owner.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		close(a.closed)
		a.closeErr = a.manager.Close()
		a.stopTransport()
		a.cancelSub()
		a.wg.Wait()
		a.bus.Close()
	})
	return a.closeErr
}

func (a *App) currentServices() *services {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.services
}

// eventLoop reacts to link lifecycle events and persists completed
// results. It is the only writer of the transport/services pair.
func (a *App) eventLoop() {
	defer a.wg.Done()

	for {
		select {
		case <-a.closed:
			return
		case ev, ok := <-a.events:
			if !ok {
				return
			}
			a.handleBusEvent(ev)
		}
	}
}

func (a *App) handleBusEvent(ev event.Event) {
	switch ev.Type {
	case event.TypeDeviceLinked:
		if ev.Link != nil {
			a.startTransport(*ev.Link)
		}
	case event.TypeDeviceUnlinked:
		a.stopTransport()
	case event.TypeUploadCompleted, event.TypeDownloadCompleted:
		if ev.Speed != nil {
			a.persistSpeedResult(*ev.Speed)
		}
	case event.TypeFileSent:
		if ev.File != nil {
			a.persistTransfer(*ev.File, models.TransferDirectionSend)
		}
	case event.TypeFileReceived:
		if ev.File != nil {
			a.persistTransfer(*ev.File, models.TransferDirectionReceive)
		}
	}
}

// startTransport raises the three channels for a fresh link: the host
// side binds the configured ports, the peer side dials the remote
// address the link negotiation produced.
func (a *App) startTransport(info models.LinkInfo) {
	a.stopTransport()

	opts := transport.Options{
		Role: info.Role,
		Ports: transport.Ports{
			Chat:      a.cfg.ChatPort,
			SpeedTest: a.cfg.SpeedTestPort,
			File:      a.cfg.FilePort,
		},
		DialAttempts:     a.cfg.DialAttempts,
		DialRetryDelay:   a.cfg.DialRetryDelay(),
		HealthCheckDelay: a.cfg.HealthCheckDelay(),
		Logger:           a.logger,
	}
	if info.Role == models.RolePeer {
		host, _, err := net.SplitHostPort(info.RemoteAddr)
		if err != nil {
			host = info.RemoteAddr
		}
		opts.PeerIP = host
	}

	tr, err := transport.Start(opts)
	if err != nil {
		a.bus.Publish(event.Error("start channel transport: " + err.Error()))
		_ = a.manager.Disconnect()
		return
	}

	// Install under the lock with a closed check so a concurrent Close
	// cannot miss this transport and wait on its watcher forever.
	a.mu.Lock()
	select {
	case <-a.closed:
		a.mu.Unlock()
		_ = tr.Close()
		return
	default:
	}
	a.transport = tr
	a.wg.Add(1)
	a.mu.Unlock()

	go a.watchTransport(tr)
}

// stopTransport retires the current establishment: protocol loops are
// cancelled and every channel is closed.
func (a *App) stopTransport() {
	a.mu.Lock()
	tr := a.transport
	a.transport = nil
	svc := a.services
	a.services = nil
	a.mu.Unlock()

	if svc != nil {
		svc.cancel()
	}
	if tr != nil {
		_ = tr.Close()
	}
}

// watchTransport consumes one transport's lifecycle until teardown
// closes its streams.
func (a *App) watchTransport(tr *transport.Transport) {
	defer a.wg.Done()

	events := tr.Events()
	errs := tr.Errors()
	for events != nil || errs != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			a.handleTransportEvent(tr, ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			a.handleTransportError(err)
		}
	}
}

func (a *App) handleTransportEvent(tr *transport.Transport, ev transport.Event) {
	switch ev.Type {
	case transport.EventChannelConnected:
		a.logger.Debugf("%s channel connected", ev.Kind)
	case transport.EventAllChannelsReady:
		a.startServices(tr)
	case transport.EventHealthCheckFailed:
		text := fmt.Sprintf("peer application is not responding on channels: %v", ev.Dead)
		a.logger.Warnf("%s", text)
		a.bus.Publish(event.Event{Type: event.TypePeerAppNotRunning, Text: text})
	}
}

// handleTransportError tears the link down when establishment is beyond
// retry; everything else is surfaced and left to the transport.
func (a *App) handleTransportError(err error) {
	a.bus.Publish(event.Error(err.Error()))
	if errors.Is(err, transport.ErrEstablishFailed) {
		_ = a.manager.Disconnect()
	}
}

// startServices builds the protocol trio on a full channel set. A
// re-established channel set replaces the previous services.
func (a *App) startServices(tr *transport.Transport) {
	session, ok := tr.Session()
	if !ok {
		return
	}

	chat, err := protocol.NewChat(protocol.ChatOptions{
		Channel: session.Channels[transport.KindChat],
		Bus:     a.bus,
		Logger:  a.logger,
	})
	if err != nil {
		a.bus.Publish(event.Error("start chat service: " + err.Error()))
		return
	}
	file, err := protocol.NewFileTransfer(protocol.FileTransferOptions{
		Channel:     session.Channels[transport.KindFile],
		Bus:         a.bus,
		DownloadDir: a.DownloadDirectory(),
		ChunkSize:   a.cfg.ChunkSize,
		Logger:      a.logger,
	})
	if err != nil {
		a.bus.Publish(event.Error("start file service: " + err.Error()))
		return
	}
	speed, err := protocol.NewSpeedTest(protocol.SpeedTestOptions{
		Channel:   session.Channels[transport.KindSpeedTest],
		Bus:       a.bus,
		ChunkSize: a.cfg.ChunkSize,
		Logger:    a.logger,
	})
	if err != nil {
		a.bus.Publish(event.Error("start speed test service: " + err.Error()))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	a.mu.Lock()
	select {
	case <-a.closed:
		a.mu.Unlock()
		cancel()
		return
	default:
	}
	if a.services != nil {
		a.services.cancel()
	}
	a.services = &services{chat: chat, file: file, speed: speed, cancel: cancel}
	a.wg.Add(3)
	a.mu.Unlock()

	go func() { defer a.wg.Done(); chat.Run(ctx) }()
	go func() { defer a.wg.Done(); file.Run(ctx) }()
	go func() { defer a.wg.Done(); speed.Run(ctx) }()

	a.logger.Infof("Channels ready (%s <-> %s)", session.LocalAddr, session.RemoteAddr)
	a.bus.Publish(event.Event{Type: event.TypeChannelsReady})
}

func (a *App) persistSpeedResult(result models.SpeedTestResult) {
	_, err := a.store.SaveSpeedResult(storage.SpeedResult{
		Direction:  string(result.Direction),
		DataSize:   result.DataSize,
		DurationMs: result.Duration.Milliseconds(),
		Mbps:       result.Mbps,
		Success:    result.Success,
		Error:      result.Error,
		Timestamp:  result.Timestamp,
	})
	if err != nil {
		a.logger.Warnf("Persist speed result: %v", err)
	}
}

func (a *App) persistTransfer(file event.FileInfo, direction models.TransferDirection) {
	_, err := a.store.SaveTransfer(storage.Transfer{
		Name:      file.Name,
		Path:      file.Path,
		Size:      file.Size,
		Direction: string(direction),
	})
	if err != nil {
		a.logger.Warnf("Persist transfer record: %v", err)
	}
}
