package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jingcjie/WDCableWUI/event"
	"github.com/jingcjie/WDCableWUI/models"
)

// SpeedTestOptions configures a SpeedTest service.
type SpeedTestOptions struct {
	Channel   Channel
	Bus       *event.Bus
	ChunkSize int
	Logger    *logrus.Logger
}

// SpeedTest measures link throughput in both directions. An upload test
// pushes a sized frame and times its own writes. A download test asks the
// peer for a frame; the receive loop serves the peer's requests the same
// way, so each side's download is the other side's reactive upload.
type SpeedTest struct {
	channel   Channel
	bus       *event.Bus
	logger    *logrus.Logger
	chunkSize int

	// sendMu keeps one data frame (header plus payload) contiguous when
	// an upload test races the reactive serving of a peer request.
	sendMu sync.Mutex

	mu               sync.Mutex
	downloadPending  bool
	downloadExpected int64
}

// NewSpeedTest builds a SpeedTest service on an established channel.
func NewSpeedTest(opts SpeedTestOptions) (*SpeedTest, error) {
	if opts.Channel == nil {
		return nil, errors.New("protocol: speed test channel is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("protocol: speed test event bus is required")
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &SpeedTest{
		channel:   opts.Channel,
		bus:       opts.Bus,
		logger:    logger,
		chunkSize: opts.ChunkSize,
	}, nil
}

// UploadTest sends sizeBytes of synthesized payload, timed from the
// header write to the final chunk write, and reports an UploadCompleted
// result. Success is local write completion; no acknowledgment exists.
func (s *SpeedTest) UploadTest(sizeBytes int64) error {
	if sizeBytes < 0 {
		err := fmt.Errorf("upload test size must be non-negative, got %d", sizeBytes)
		s.bus.Publish(event.Error(err.Error()))
		return err
	}
	if !s.channel.Alive() {
		s.bus.Publish(event.Error("speed test channel is not connected"))
		return fmt.Errorf("upload test: %w", ErrChannelNotAlive)
	}

	elapsed, err := s.sendData(sizeBytes)
	if err != nil {
		s.logger.Warnf("Upload test failed: %v", err)
		result := models.NewFailedSpeedTestResult(models.SpeedDirectionUpload, sizeBytes, err.Error())
		s.bus.Publish(event.Event{Type: event.TypeUploadCompleted, Speed: &result})
		return err
	}

	result := models.NewSpeedTestResult(models.SpeedDirectionUpload, sizeBytes, elapsed)
	s.logger.Infof("Upload test complete: %d bytes in %s (%.2f Mbps)", sizeBytes, elapsed, result.Mbps)
	s.bus.Publish(event.Event{Type: event.TypeUploadCompleted, Speed: &result})
	return nil
}

// DownloadTest asks the peer for sizeBytes and returns immediately. The
// receive loop times the answering data frame and emits DownloadCompleted.
// Only one download test may be in flight at a time.
func (s *SpeedTest) DownloadTest(sizeBytes int64) error {
	if sizeBytes < 0 {
		err := fmt.Errorf("download test size must be non-negative, got %d", sizeBytes)
		s.bus.Publish(event.Error(err.Error()))
		return err
	}
	if !s.channel.Alive() {
		s.bus.Publish(event.Error("speed test channel is not connected"))
		return fmt.Errorf("download test: %w", ErrChannelNotAlive)
	}

	s.mu.Lock()
	if s.downloadPending {
		s.mu.Unlock()
		s.bus.Publish(event.Error(ErrTestInProgress.Error()))
		return ErrTestInProgress
	}
	s.downloadPending = true
	s.downloadExpected = sizeBytes
	s.mu.Unlock()

	s.sendMu.Lock()
	_, err := io.WriteString(s.channel, speedRequestHeader(sizeBytes))
	s.sendMu.Unlock()
	if err != nil {
		s.clearDownload()
		err = fmt.Errorf("write speed request: %w", err)
		s.bus.Publish(event.Error(err.Error()))
		return err
	}
	return nil
}

// Run is the receive loop. Peer requests are served inline; data frames
// either answer the in-flight download test or are drained and discarded.
func (s *SpeedTest) Run(ctx context.Context) {
	for {
		line, err := readLine(s.channel)
		if err != nil {
			if errors.Is(err, ErrMalformedHeader) {
				s.bus.Publish(event.Error(err.Error()))
				continue
			}
			if isClosedRead(ctx, err) {
				s.logger.Debugf("Speed test receive loop stopped")
				return
			}
			s.bus.Publish(event.Error("speed test receive: " + err.Error()))
			return
		}
		if line == "" {
			continue
		}

		header, err := ParseHeader(line)
		if err != nil {
			if errors.Is(err, ErrUnknownHeader) {
				s.logger.Debugf("Ignoring unknown line on speed test channel: %q", line)
				continue
			}
			s.bus.Publish(event.Error(err.Error()))
			continue
		}

		switch header.Kind {
		case HeaderSpeedRequest:
			s.serveRequest(header.Size)
		case HeaderSpeedData:
			s.consumeData(ctx, header.Size)
		default:
			s.logger.Debugf("Ignoring %s header on speed test channel", header.Kind)
		}
	}
}

// sendData writes one SPEED_TEST_DATA frame and returns the time from
// header write start to the final chunk write.
func (s *SpeedTest) sendData(sizeBytes int64) (time.Duration, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	start := time.Now()
	if _, err := io.WriteString(s.channel, speedDataHeader(sizeBytes)); err != nil {
		return 0, fmt.Errorf("write speed data header: %w", err)
	}
	buf := make([]byte, s.chunkSize)
	remaining := sizeBytes
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		if _, err := s.channel.Write(buf[:n]); err != nil {
			return 0, fmt.Errorf("write speed payload: %w", err)
		}
		remaining -= n
	}
	return time.Since(start), nil
}

// serveRequest answers the peer's download test with a data frame of the
// requested size.
func (s *SpeedTest) serveRequest(size int64) {
	s.logger.Debugf("Serving speed test request for %d bytes", size)
	if _, err := s.sendData(size); err != nil {
		s.bus.Publish(event.Error(fmt.Sprintf("serve speed test request: %v", err)))
	}
}

// consumeData reads one inbound data frame. A frame matching the
// in-flight download test is timed and reported; anything else is
// unsolicited and drained so the next header stays aligned.
func (s *SpeedTest) consumeData(ctx context.Context, size int64) {
	if !s.matchesDownload(size) {
		s.logger.Debugf("Discarding unsolicited %d byte speed data frame", size)
		if _, err := io.CopyN(io.Discard, s.channel, size); err != nil && !isTeardown(ctx, err) {
			s.bus.Publish(event.Error(fmt.Sprintf("discard speed data: %v", err)))
		}
		return
	}

	start := time.Now()
	_, err := io.CopyN(io.Discard, s.channel, size)
	elapsed := time.Since(start)
	s.clearDownload()
	if err != nil {
		if isTeardown(ctx, err) {
			return
		}
		s.logger.Warnf("Download test failed: %v", err)
		result := models.NewFailedSpeedTestResult(models.SpeedDirectionDownload, size, err.Error())
		s.bus.Publish(event.Event{Type: event.TypeDownloadCompleted, Speed: &result})
		return
	}

	result := models.NewSpeedTestResult(models.SpeedDirectionDownload, size, elapsed)
	s.logger.Infof("Download test complete: %d bytes in %s (%.2f Mbps)", size, elapsed, result.Mbps)
	s.bus.Publish(event.Event{Type: event.TypeDownloadCompleted, Speed: &result})
}

// matchesDownload reports whether size answers the in-flight download
// test. The state is cleared only after the result is reported, so a
// second DownloadTest stays refused while the frame is being read.
func (s *SpeedTest) matchesDownload(size int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloadPending && s.downloadExpected == size
}

func (s *SpeedTest) clearDownload() {
	s.mu.Lock()
	s.downloadPending = false
	s.downloadExpected = 0
	s.mu.Unlock()
}
