// Package link manages the peer link: device advertisement and scanning,
// link request negotiation, role determination, and link-loss detection.
// The device-enumeration primitive is abstracted as a Backend so the
// manager's state machine is independent of the LAN mechanics.
package link

import (
	"context"
	"errors"

	"github.com/jingcjie/WDCableWUI/models"
)

// ErrLinkDeclined is returned by RequestLink when the remote device
// refuses the request.
var ErrLinkDeclined = errors.New("link: request declined by peer")

// DeviceEventKind classifies device stream updates.
type DeviceEventKind string

const (
	// DeviceUpserted covers both a device appearing and its metadata
	// changing.
	DeviceUpserted DeviceEventKind = "upserted"
	// DeviceRemoved reports a device leaving the collection.
	DeviceRemoved DeviceEventKind = "removed"
)

// DeviceEvent is one update from the backend's device stream.
type DeviceEvent struct {
	Kind   DeviceEventKind
	Device models.PeerDevice
}

// RawLink is an established but channel-less link: the negotiated
// connection both sides derived their role from. It stays open for the
// life of the link and reports loss through Done.
type RawLink interface {
	LocalAddr() string
	RemoteAddr() string
	// Done is closed when the link is lost or closed.
	Done() <-chan struct{}
	Close() error
}

// IncomingLink is one inbound link request awaiting a decision. Exactly
// one of Accept or Decline resolves it; later calls are no-ops.
type IncomingLink interface {
	Device() models.PeerDevice
	Accept() (RawLink, error)
	Decline() error
}

// Backend is the device-enumeration and negotiation primitive the
// manager drives. The LAN implementation composes mDNS discovery with a
// TCP negotiation listener; tests substitute fakes.
type Backend interface {
	// Advertise makes this device visible and accepting link requests.
	Advertise(name string) error
	StopAdvertise() error

	// StartScan begins populating the device collection; StopScan stops
	// scanning and clears it.
	StartScan() error
	StopScan() error
	// Devices returns the collection ordered by discovery time.
	Devices() []models.PeerDevice
	// DeviceEvents streams collection updates. The channel is never
	// closed; consumers stop via their own lifecycle.
	DeviceEvents() <-chan DeviceEvent

	// RequestLink negotiates an outbound link with a discovered device.
	RequestLink(ctx context.Context, device models.PeerDevice) (RawLink, error)
	// IncomingLinks streams inbound link requests while advertising.
	IncomingLinks() <-chan IncomingLink

	Close() error
}
