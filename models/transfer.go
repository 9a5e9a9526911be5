package models

// TransferDirection identifies whether a file moved out or in.
type TransferDirection string

const (
	TransferDirectionSend    TransferDirection = "send"
	TransferDirectionReceive TransferDirection = "receive"
)

// TransferProgress captures one progress step of a running file transfer.
type TransferProgress struct {
	Name      string            `json:"name"`
	Direction TransferDirection `json:"direction"`
	Bytes     int64             `json:"bytes"`
	Total     int64             `json:"total"`
}

// TransferRecord is a finished transfer as stored in history.
type TransferRecord struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Path      string            `json:"path"`
	Size      int64             `json:"size"`
	Direction TransferDirection `json:"direction"`
	Timestamp int64             `json:"timestamp"`
}
