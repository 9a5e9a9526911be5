// Package protocol implements the three wire protocols that run over an
// established link: line-delimited JSON chat, header-plus-payload file
// transfer, and the symmetric speed test. Each service owns exactly one
// channel, runs a single receive loop, and reports to the shared event
// bus. Malformed input is dropped and reported, never fatal to a loop.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
)

const (
	// DefaultChunkSize is the payload chunk size for file and speed data.
	DefaultChunkSize = 8192

	// maxHeaderLine bounds one header line. Anything longer is garbage;
	// the reader discards up to the next newline to stay aligned.
	maxHeaderLine = 4096
)

var (
	// ErrChannelNotAlive is returned when an operation is invoked on a
	// channel that is not established or whose peer has gone away.
	ErrChannelNotAlive = errors.New("protocol: channel not alive")
	// ErrMalformedHeader marks a header line that matched a known tag but
	// failed field validation. The line is dropped, the loop continues.
	ErrMalformedHeader = errors.New("protocol: malformed header")
	// ErrUnknownHeader marks a line carrying no recognized tag.
	ErrUnknownHeader = errors.New("protocol: unknown header")
	// ErrTransferIncomplete reports a stream that ended before the number
	// of bytes announced by its header arrived.
	ErrTransferIncomplete = errors.New("protocol: transfer incomplete")
	// ErrTestInProgress rejects a download test while one is in flight.
	ErrTestInProgress = errors.New("protocol: download test already in progress")
)

// Channel is the byte stream a protocol service runs on. *transport.Channel
// satisfies it; tests substitute loopback connections. Reads are owned by
// the service's receive loop; writes may come from any goroutine but each
// service serializes whole messages itself.
type Channel interface {
	io.Reader
	io.Writer
	ReadByte() (byte, error)
	Alive() bool
}

// readLine assembles one line byte by byte up to a single '\n', which is
// consumed but not returned. Reading per byte keeps the stream aligned
// when a header follows a fully drained payload.
func readLine(ch Channel) (string, error) {
	line := make([]byte, 0, 64)
	for {
		b, err := ch.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			return string(line), nil
		}
		line = append(line, b)
		if len(line) > maxHeaderLine {
			if err := discardToNewline(ch); err != nil {
				return "", err
			}
			return "", fmt.Errorf("header line exceeds %d bytes: %w", maxHeaderLine, ErrMalformedHeader)
		}
	}
}

func discardToNewline(ch Channel) error {
	for {
		b, err := ch.ReadByte()
		if err != nil {
			return err
		}
		if b == '\n' {
			return nil
		}
	}
}

// isClosedRead reports whether a read error between messages means the
// channel closed rather than the protocol failed. Loops exit quietly on
// these. EOF counts: between messages it is a clean shutdown.
func isClosedRead(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}

// isTeardown reports whether a mid-payload read error came from local
// teardown. EOF mid-payload is not teardown: the peer ended the stream
// short of what its header announced, which callers must report.
func isTeardown(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, net.ErrClosed)
}
