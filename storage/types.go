package storage

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// SettingDownloadDirectory overrides where received files are written.
	SettingDownloadDirectory = "download_directory"
	// SettingTheme stores the preferred UI theme.
	SettingTheme = "theme"
	// SettingLanguage stores the preferred UI language.
	SettingLanguage = "language"
)

const (
	speedDirectionUpload   = "upload"
	speedDirectionDownload = "download"
)

const (
	transferDirectionSend    = "send"
	transferDirectionReceive = "receive"
)

// SpeedResult is the SQLite representation of one speed-test run.
type SpeedResult struct {
	ID         int64
	Direction  string
	DataSize   int64
	DurationMs int64
	Mbps       float64
	Success    bool
	Error      string
	Timestamp  int64
}

// Transfer is the SQLite representation of one completed file transfer.
// UID is a stable identifier minted on insert when left empty.
type Transfer struct {
	ID        int64
	UID       string
	Name      string
	Path      string
	Size      int64
	Direction string
	Timestamp int64
}

func validateSpeedDirection(direction string) error {
	switch direction {
	case speedDirectionUpload, speedDirectionDownload:
		return nil
	default:
		return fmt.Errorf("invalid speed direction %q", direction)
	}
}

func validateTransferDirection(direction string) error {
	switch direction {
	case transferDirectionSend, transferDirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
