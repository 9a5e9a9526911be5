package event

import "github.com/jingcjie/WDCableWUI/models"

// Type identifies core events consumed by UI layers.
type Type string

const (
	TypeStatusChanged     Type = "status_changed"
	TypeErrorOccurred     Type = "error_occurred"
	TypeDeviceDiscovered  Type = "device_discovered"
	TypeDeviceLost        Type = "device_lost"
	TypeDeviceLinked      Type = "device_linked"
	TypeDeviceUnlinked    Type = "device_unlinked"
	TypeConnectionRequest Type = "connection_request"
	TypeChannelsReady     Type = "channels_ready"
	TypePeerAppNotRunning Type = "peer_app_not_running"
	TypeMessageReceived   Type = "message_received"
	TypeFileSent          Type = "file_sent"
	TypeFileReceiveStart  Type = "file_receive_started"
	TypeFileReceived      Type = "file_received"
	TypeTransferProgress  Type = "transfer_progress"
	TypeUploadCompleted   Type = "upload_completed"
	TypeDownloadCompleted Type = "download_completed"
)

// FileInfo carries the file fields of transfer lifecycle events.
type FileInfo struct {
	Name string
	Path string
	Size int64
}

// ConnectionRequest surfaces an inbound link request. Respond resolves the
// single-shot accept/decline decision; only the first call has any effect.
type ConnectionRequest struct {
	Device  models.PeerDevice
	Respond func(accept bool)
}

// Event is the union payload published on the bus. Type selects which of
// the optional fields is populated.
type Event struct {
	Type Type

	Text     string
	Device   *models.PeerDevice
	Link     *models.LinkInfo
	Request  *ConnectionRequest
	Message  string
	File     *FileInfo
	Progress *models.TransferProgress
	Speed    *models.SpeedTestResult
}

// Status builds a StatusChanged event.
func Status(text string) Event {
	return Event{Type: TypeStatusChanged, Text: text}
}

// Error builds an ErrorOccurred event.
func Error(text string) Event {
	return Event{Type: TypeErrorOccurred, Text: text}
}
