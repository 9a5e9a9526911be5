package models

import "time"

// SpeedDirection identifies which side of the pipe a test measured.
type SpeedDirection string

const (
	SpeedDirectionUpload   SpeedDirection = "upload"
	SpeedDirectionDownload SpeedDirection = "download"
)

// SpeedTestResult is one completed throughput measurement. Results are
// immutable once created and owned by the persisted result history.
type SpeedTestResult struct {
	Direction SpeedDirection `json:"direction"`
	DataSize  int64          `json:"data_size"`
	Duration  time.Duration  `json:"duration"`
	Mbps      float64        `json:"mbps"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// NewSpeedTestResult computes throughput as dataSize*8/1_048_576 divided
// by the elapsed seconds. A zero duration yields zero Mbps rather than Inf.
func NewSpeedTestResult(direction SpeedDirection, dataSize int64, duration time.Duration) SpeedTestResult {
	mbps := 0.0
	if seconds := duration.Seconds(); seconds > 0 {
		mbps = float64(dataSize) * 8 / 1_048_576 / seconds
	}
	return SpeedTestResult{
		Direction: direction,
		DataSize:  dataSize,
		Duration:  duration,
		Mbps:      mbps,
		Success:   true,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewFailedSpeedTestResult records a test that did not complete.
func NewFailedSpeedTestResult(direction SpeedDirection, dataSize int64, reason string) SpeedTestResult {
	return SpeedTestResult{
		Direction: direction,
		DataSize:  dataSize,
		Success:   false,
		Error:     reason,
		Timestamp: time.Now().UnixMilli(),
	}
}
