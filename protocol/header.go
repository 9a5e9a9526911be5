package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Wire header tags. Case sensitive, ASCII, terminated by a single '\n'.
const (
	fileTag         = "FILE"
	speedDataTag    = "SPEED_TEST_DATA"
	speedRequestTag = "SPEED_TEST_REQUEST"

	fileHeaderPrefix         = fileTag + ":"
	speedDataHeaderPrefix    = speedDataTag + ":"
	speedRequestHeaderPrefix = speedRequestTag + ":"
)

// HeaderKind discriminates the parsed header variants.
type HeaderKind string

const (
	HeaderFile         HeaderKind = "file"
	HeaderSpeedData    HeaderKind = "speed_data"
	HeaderSpeedRequest HeaderKind = "speed_request"
)

// Header is one parsed wire header. Name is set for HeaderFile only.
type Header struct {
	Kind HeaderKind
	Name string
	Size int64
}

// ParseHeader parses one header line. Lines with no recognized tag return
// ErrUnknownHeader; lines with a known tag but bad fields return
// ErrMalformedHeader. Size fields must be non-negative decimals, and a
// FILE line must split on ':' into exactly three fields.
func ParseHeader(line string) (Header, error) {
	switch {
	case strings.HasPrefix(line, fileHeaderPrefix):
		fields := strings.Split(line, ":")
		if len(fields) != 3 {
			return Header{}, fmt.Errorf("%w: %q must have exactly 3 fields", ErrMalformedHeader, line)
		}
		size, err := parseSize(fields[2])
		if err != nil {
			return Header{}, fmt.Errorf("%w: file size in %q: %v", ErrMalformedHeader, line, err)
		}
		return Header{Kind: HeaderFile, Name: fields[1], Size: size}, nil

	case strings.HasPrefix(line, speedDataHeaderPrefix):
		size, err := parseSize(strings.TrimPrefix(line, speedDataHeaderPrefix))
		if err != nil {
			return Header{}, fmt.Errorf("%w: speed data size in %q: %v", ErrMalformedHeader, line, err)
		}
		return Header{Kind: HeaderSpeedData, Size: size}, nil

	case strings.HasPrefix(line, speedRequestHeaderPrefix):
		size, err := parseSize(strings.TrimPrefix(line, speedRequestHeaderPrefix))
		if err != nil {
			return Header{}, fmt.Errorf("%w: speed request size in %q: %v", ErrMalformedHeader, line, err)
		}
		return Header{Kind: HeaderSpeedRequest, Size: size}, nil
	}
	return Header{}, fmt.Errorf("%w: %q", ErrUnknownHeader, line)
}

func parseSize(field string) (int64, error) {
	size, err := strconv.ParseInt(field, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not a decimal integer: %q", field)
	}
	if size < 0 {
		return 0, fmt.Errorf("negative size %d", size)
	}
	return size, nil
}

// fileHeader renders a FILE header line for a payload of size bytes.
func fileHeader(name string, size int64) string {
	return fmt.Sprintf("%s:%s:%d\n", fileTag, name, size)
}

// speedDataHeader renders a SPEED_TEST_DATA header line.
func speedDataHeader(size int64) string {
	return fmt.Sprintf("%s:%d\n", speedDataTag, size)
}

// speedRequestHeader renders a SPEED_TEST_REQUEST header line.
func speedRequestHeader(size int64) string {
	return fmt.Sprintf("%s:%d\n", speedRequestTag, size)
}
