package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jingcjie/WDCableWUI/event"
	"github.com/jingcjie/WDCableWUI/models"
)

// maxRenameAttempts bounds the collision-avoidance rename counter.
const maxRenameAttempts = 1000

// FileTransferOptions configures a FileTransfer service.
type FileTransferOptions struct {
	Channel Channel
	Bus     *event.Bus
	// DownloadDir receives inbound files. Created if missing.
	DownloadDir string
	ChunkSize   int
	Logger      *logrus.Logger
}

// FileTransfer streams files over the file channel: one `FILE:<name>:<size>`
// header line, then exactly size raw bytes. Inbound files land in the
// download directory under a collision-free name; existing files are
// never overwritten.
type FileTransfer struct {
	channel     Channel
	bus         *event.Bus
	logger      *logrus.Logger
	downloadDir string
	chunkSize   int

	// sendMu keeps header and payload of one file contiguous on the wire.
	sendMu sync.Mutex
}

// NewFileTransfer builds a FileTransfer service on an established channel.
func NewFileTransfer(opts FileTransferOptions) (*FileTransfer, error) {
	if opts.Channel == nil {
		return nil, errors.New("protocol: file channel is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("protocol: file event bus is required")
	}
	if strings.TrimSpace(opts.DownloadDir) == "" {
		return nil, errors.New("protocol: download directory is required")
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if err := os.MkdirAll(opts.DownloadDir, 0o700); err != nil {
		return nil, fmt.Errorf("create download directory: %w", err)
	}
	return &FileTransfer{
		channel:     opts.Channel,
		bus:         opts.Bus,
		logger:      logger,
		downloadDir: opts.DownloadDir,
		chunkSize:   opts.ChunkSize,
	}, nil
}

// Send writes one file to the peer: header line first, then the content
// in fixed-size chunks with a TransferProgress event after each chunk and
// FileSent at the end. A dead channel refuses before any byte is written.
func (f *FileTransfer) Send(path string) error {
	if !f.channel.Alive() {
		f.bus.Publish(event.Error("file channel is not connected"))
		return fmt.Errorf("send file: %w", ErrChannelNotAlive)
	}

	info, err := os.Stat(path)
	if err != nil {
		err = fmt.Errorf("stat source file: %w", err)
		f.bus.Publish(event.Error(err.Error()))
		return err
	}
	if info.IsDir() {
		err := fmt.Errorf("source path %s is a directory", path)
		f.bus.Publish(event.Error(err.Error()))
		return err
	}
	name := filepath.Base(path)
	if strings.Contains(name, ":") {
		err := fmt.Errorf("file name %q must not contain ':'", name)
		f.bus.Publish(event.Error(err.Error()))
		return err
	}

	source, err := os.Open(path)
	if err != nil {
		err = fmt.Errorf("open source file: %w", err)
		f.bus.Publish(event.Error(err.Error()))
		return err
	}
	defer func() {
		_ = source.Close()
	}()

	size := info.Size()

	f.sendMu.Lock()
	defer f.sendMu.Unlock()

	if _, err := io.WriteString(f.channel, fileHeader(name, size)); err != nil {
		err = fmt.Errorf("write file header: %w", err)
		f.bus.Publish(event.Error(err.Error()))
		return err
	}

	sent := int64(0)
	buf := make([]byte, f.chunkSize)
	for sent < size {
		n, readErr := source.Read(buf)
		if n > 0 {
			if _, err := f.channel.Write(buf[:n]); err != nil {
				err = fmt.Errorf("send %s after %d of %d bytes: %w", name, sent, size, err)
				f.bus.Publish(event.Error(err.Error()))
				return err
			}
			sent += int64(n)
			f.publishProgress(name, models.TransferDirectionSend, sent, size)
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			readErr = fmt.Errorf("read source file: %w", readErr)
			f.bus.Publish(event.Error(readErr.Error()))
			return readErr
		}
	}
	if sent != size {
		// The header already promised size bytes; the peer's framing is
		// now off and only a reconnect recovers it.
		err := fmt.Errorf("source file %s shrank during send: wrote %d of %d bytes", name, sent, size)
		f.bus.Publish(event.Error(err.Error()))
		return err
	}

	f.logger.Infof("Sent file %s (%d bytes)", name, size)
	f.bus.Publish(event.Event{Type: event.TypeFileSent, File: &event.FileInfo{Name: name, Path: path, Size: size}})
	return nil
}

// Run is the receive loop. Header lines are assembled byte by byte;
// non-FILE lines are ignored, malformed FILE lines are dropped with an
// error event, and valid headers stream the announced byte count into a
// fresh destination file.
func (f *FileTransfer) Run(ctx context.Context) {
	for {
		line, err := readLine(f.channel)
		if err != nil {
			if errors.Is(err, ErrMalformedHeader) {
				f.bus.Publish(event.Error(err.Error()))
				continue
			}
			if isClosedRead(ctx, err) {
				f.logger.Debugf("File receive loop stopped")
				return
			}
			f.bus.Publish(event.Error("file receive: " + err.Error()))
			return
		}
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, fileHeaderPrefix) {
			f.logger.Debugf("Ignoring non-file line on file channel: %q", line)
			continue
		}

		header, err := ParseHeader(line)
		if err != nil {
			f.bus.Publish(event.Error(err.Error()))
			continue
		}
		f.receiveOne(ctx, header.Name, header.Size)
	}
}

func (f *FileTransfer) receiveOne(ctx context.Context, name string, size int64) {
	f.bus.Publish(event.Event{Type: event.TypeFileReceiveStart, File: &event.FileInfo{Name: name, Size: size}})

	dest, path, err := f.createDestination(name)
	if err != nil {
		f.bus.Publish(event.Error(fmt.Sprintf("create destination for %s: %v", name, err)))
		f.drain(ctx, size)
		return
	}

	received := int64(0)
	buf := make([]byte, f.chunkSize)
	for received < size {
		n := int64(len(buf))
		if remaining := size - received; remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(f.channel, buf[:n]); err != nil {
			_ = dest.Close()
			_ = os.Remove(path)
			if isTeardown(ctx, err) {
				return
			}
			f.bus.Publish(event.Error(fmt.Sprintf("%v: %s ended after %d of %d bytes",
				ErrTransferIncomplete, name, received, size)))
			return
		}
		if _, err := dest.Write(buf[:n]); err != nil {
			_ = dest.Close()
			_ = os.Remove(path)
			f.bus.Publish(event.Error(fmt.Sprintf("write %s: %v", path, err)))
			f.drain(ctx, size-received-n)
			return
		}
		received += n
		f.publishProgress(name, models.TransferDirectionReceive, received, size)
	}

	if err := dest.Close(); err != nil {
		f.bus.Publish(event.Error(fmt.Sprintf("close %s: %v", path, err)))
		return
	}
	f.logger.Infof("Received file %s (%d bytes) into %s", name, size, path)
	f.bus.Publish(event.Event{Type: event.TypeFileReceived, File: &event.FileInfo{Name: name, Path: path, Size: size}})
}

// createDestination opens a new file for an inbound transfer. The peer's
// name is reduced to its base component; on collision a numbered variant
// is tried, so an existing file is never overwritten.
func (f *FileTransfer) createDestination(name string) (*os.File, string, error) {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "" || base == "." || base == ".." || base == string(os.PathSeparator) {
		base = "download.bin"
	}
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	for attempt := 0; attempt < maxRenameAttempts; attempt++ {
		candidate := base
		if attempt > 0 {
			candidate = fmt.Sprintf("%s(%d)%s", stem, attempt, ext)
		}
		path := filepath.Join(f.downloadDir, candidate)
		dest, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return dest, path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", err
		}
	}
	return nil, "", fmt.Errorf("no free name for %q after %d attempts", base, maxRenameAttempts)
}

// drain discards n payload bytes so the next header starts on a boundary.
func (f *FileTransfer) drain(ctx context.Context, n int64) {
	if n <= 0 {
		return
	}
	if _, err := io.CopyN(io.Discard, f.channel, n); err != nil && !isTeardown(ctx, err) {
		f.logger.Warnf("Discard %d payload bytes failed: %v", n, err)
	}
}

func (f *FileTransfer) publishProgress(name string, direction models.TransferDirection, bytes, total int64) {
	f.bus.Publish(event.Event{Type: event.TypeTransferProgress, Progress: &models.TransferProgress{
		Name:      name,
		Direction: direction,
		Bytes:     bytes,
		Total:     total,
	}})
}
