// Package frame implements the gateway's length-prefixed wire framing.
//
// Every frame on the wire is laid out as:
//
//	offset size field
//	0      2    sync marker (0xFF 0xFF)
//	2      2    payload length L, big-endian uint16
//	4      2    reserved, zero on write, ignored on read
//	6      L    payload
//
// The length counts payload bytes only and never exceeds 0xFEFF, so a run of
// 0xFF bytes always ends in the marker.
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Marker is the two-byte synchronization marker that starts every frame.
	Marker uint16 = 0xFFFF

	// HeaderLen is the number of bytes before the payload: marker, length
	// and the reserved field.
	HeaderLen = 6

	// MaxFrameSize is the default upper bound on a frame payload.
	MaxFrameSize = 64 * 1024

	// maxLengthField is the largest length the header may carry. Lengths with
	// a 0xFF high byte would be indistinguishable from a run of marker bytes.
	maxLengthField = 0xFEFF

	markerByte = 0xFF
)

var (
	// ErrFrameTooLarge reports a length above the codec limit, on either side.
	ErrFrameTooLarge = errors.New("frame: payload exceeds max frame size")
	// ErrTruncated reports a stream or slice that ends inside a frame.
	ErrTruncated = errors.New("frame: truncated frame")
)

// Codec decodes frames out of an accumulating buffer and encodes payloads
// into frames. A Codec is not safe for concurrent use; each connection owns
// its own.
type Codec struct {
	maxFrame  int
	discarded int
}

// NewCodec returns a Codec that rejects payloads larger than maxFrame bytes.
// A non-positive maxFrame selects MaxFrameSize.
func NewCodec(maxFrame int) *Codec {
	if maxFrame <= 0 {
		maxFrame = MaxFrameSize
	}
	return &Codec{maxFrame: maxFrame}
}

// MaxFrame returns the payload limit enforced by the codec.
func (c *Codec) MaxFrame() int {
	return c.maxFrame
}

// Discarded returns the number of bytes dropped while hunting for a marker
// since the last call, and resets the count.
func (c *Codec) Discarded() int {
	n := c.discarded
	c.discarded = 0
	return n
}

// Decode extracts one frame payload from buf.
//
// It returns (nil, nil) while buf does not yet hold a complete frame, leaving
// the partial frame in place for the next call. On success exactly the
// frame's bytes are consumed from buf. ErrFrameTooLarge is returned as soon
// as the header shows an oversized length; the connection should be treated
// as unusable afterwards.
//
// Bytes in front of the next marker are dropped rather than stalling the
// stream, see Discarded.
func (c *Codec) Decode(buf *bytes.Buffer) ([]byte, error) {
	c.resync(buf)

	b := buf.Bytes()
	if len(b) < 4 {
		return nil, nil
	}

	length := int(binary.BigEndian.Uint16(b[2:4]))
	if length > c.maxFrame {
		return nil, fmt.Errorf("%w: length %d, max %d", ErrFrameTooLarge, length, c.maxFrame)
	}

	total := HeaderLen + length
	if len(b) < total {
		return nil, nil
	}

	frame := buf.Next(total)
	payload := make([]byte, length)
	copy(payload, frame[HeaderLen:])
	return payload, nil
}

// resync drops leading bytes until buf starts with the marker. Within a run
// of 0xFF bytes the last pair is the marker, since no valid length starts
// with 0xFF. A single trailing 0xFF is kept because its partner may still be
// in flight.
func (c *Codec) resync(buf *bytes.Buffer) {
	b := buf.Bytes()
	skip := 0
	for skip < len(b) && !atMarker(b[skip:]) {
		skip++
	}
	if skip > 0 {
		buf.Next(skip)
		c.discarded += skip
	}
}

func atMarker(b []byte) bool {
	switch {
	case b[0] != markerByte:
		return false
	case len(b) == 1:
		return true
	case b[1] != markerByte:
		return false
	}
	return len(b) == 2 || b[2] != markerByte
}

// Encode appends the frame for payload to dst.
func (c *Codec) Encode(dst *bytes.Buffer, payload []byte) error {
	if err := c.check(len(payload)); err != nil {
		return err
	}
	var header [HeaderLen]byte
	putHeader(header[:], len(payload))
	dst.Grow(HeaderLen + len(payload))
	dst.Write(header[:])
	dst.Write(payload)
	return nil
}

// Append appends the frame for payload to dst and returns the extended slice.
func (c *Codec) Append(dst, payload []byte) ([]byte, error) {
	if err := c.check(len(payload)); err != nil {
		return dst, err
	}
	var header [HeaderLen]byte
	putHeader(header[:], len(payload))
	dst = append(dst, header[:]...)
	return append(dst, payload...), nil
}

func (c *Codec) check(n int) error {
	if n > c.maxFrame || n > maxLengthField {
		return fmt.Errorf("%w: length %d, max %d", ErrFrameTooLarge, n, min(c.maxFrame, maxLengthField))
	}
	return nil
}

func putHeader(h []byte, length int) {
	binary.BigEndian.PutUint16(h[0:2], Marker)
	binary.BigEndian.PutUint16(h[2:4], uint16(length))
	h[4], h[5] = 0, 0
}

// Encode returns payload wrapped in a single frame using the default limit.
func Encode(payload []byte) ([]byte, error) {
	return NewCodec(MaxFrameSize).Append(make([]byte, 0, HeaderLen+len(payload)), payload)
}

// Decode unwraps a byte slice holding exactly one complete frame, as carried
// on the relay. Leading garbage, trailing bytes or a partial frame are
// errors.
func Decode(b []byte) ([]byte, error) {
	if len(b) < HeaderLen {
		return nil, ErrTruncated
	}
	if binary.BigEndian.Uint16(b[0:2]) != Marker {
		return nil, fmt.Errorf("frame: bad marker 0x%04X", binary.BigEndian.Uint16(b[0:2]))
	}
	length := int(binary.BigEndian.Uint16(b[2:4]))
	if length > maxLengthField {
		return nil, fmt.Errorf("%w: length %d, max %d", ErrFrameTooLarge, length, maxLengthField)
	}
	if len(b) < HeaderLen+length {
		return nil, ErrTruncated
	}
	if len(b) > HeaderLen+length {
		return nil, fmt.Errorf("frame: %d trailing bytes after frame", len(b)-HeaderLen-length)
	}
	return b[HeaderLen:], nil
}
