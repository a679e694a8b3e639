// Package frame implements the outer framing of the eRPC link: a 4-byte
// header carrying payload length and CRC-16, followed by the payload.
//
// Frame layout (little-endian):
//
//	0          2          4
//	┌──────────┬──────────┬────────────────┐
//	│  length  │  crc16   │  payload ...   │
//	│  uint16  │  uint16  │  length bytes  │
//	└──────────┴──────────┴────────────────┘
//
// The Decoder is an incremental state machine because the transport delivers
// arbitrary chunk sizes: bytes are consumed as they arrive, partial progress
// is retained across calls, and a corrupted frame resynchronizes the stream
// instead of tearing it down.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the size of the length+checksum prefix in bytes.
const HeaderSize = 4

// DefaultMaxPayload is the reassembly buffer size used when none is
// configured.
const DefaultMaxPayload = 512

var (
	// ErrChecksumMismatch indicates a fully buffered frame whose payload
	// failed CRC validation. The decoder has already resynchronized.
	ErrChecksumMismatch = errors.New("frame: checksum mismatch")
	// ErrLengthOverflow indicates an advertised length beyond the maximum
	// payload size, on either the encode or decode side.
	ErrLengthOverflow = errors.New("frame: length exceeds maximum payload size")
)

// Append frames payload and appends the wire bytes to dst. The payload must
// fit the uint16 length field.
func Append(dst, payload []byte) ([]byte, error) {
	if len(payload) > 0xffff {
		return nil, fmt.Errorf("%w: %d bytes", ErrLengthOverflow, len(payload))
	}
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(payload)))
	dst = binary.LittleEndian.AppendUint16(dst, Checksum(payload))
	return append(dst, payload...), nil
}

type decodeState int

const (
	awaitLength   decodeState = iota // collecting the 2 length bytes
	awaitChecksum                    // collecting the 2 checksum bytes
	awaitPayload                     // collecting length payload bytes
)

// Decoder reassembles frames from a byte stream fed in arbitrary chunks.
// The reassembly buffer is allocated once at construction and never grows.
type Decoder struct {
	max    int
	buf    []byte
	state  decodeState
	head   [HeaderSize]byte
	headN  int
	length int
	sum    uint16
}

// NewDecoder creates a Decoder that accepts payloads up to maxPayload bytes.
// Values < 1 select DefaultMaxPayload.
func NewDecoder(maxPayload int) *Decoder {
	if maxPayload < 1 {
		maxPayload = DefaultMaxPayload
	}
	return &Decoder{max: maxPayload, buf: make([]byte, 0, maxPayload)}
}

// Feed consumes a prefix of p and returns at most one completed, validated
// frame payload. It returns the number of bytes consumed; callers loop with
// the remainder until everything is consumed:
//
//	for len(p) > 0 {
//	        payload, n, err := d.Feed(p)
//	        p = p[n:]
//	        ...
//	}
//
// A nil payload with nil error means more bytes are needed. A non-nil error
// (checksum mismatch, oversized length) reports a discarded frame: the
// decoder has already returned to scanning for the next length header and
// remains usable. The returned payload aliases the internal buffer and is
// valid only until the next Feed call; an empty frame yields a non-nil
// zero-length slice.
func (d *Decoder) Feed(p []byte) (payload []byte, n int, err error) {
	for n < len(p) {
		switch d.state {
		case awaitLength, awaitChecksum:
			d.head[d.headN] = p[n]
			d.headN++
			n++
			if d.headN == 2 {
				d.length = int(binary.LittleEndian.Uint16(d.head[0:2]))
				d.state = awaitChecksum
			}
			if d.headN < HeaderSize {
				continue
			}
			d.sum = binary.LittleEndian.Uint16(d.head[2:4])
			if d.length > d.max {
				length := d.length
				d.reset()
				return nil, n, fmt.Errorf("%w: advertised %d, limit %d", ErrLengthOverflow, length, d.max)
			}
			d.state = awaitPayload
			if d.length == 0 {
				return d.complete(n)
			}
		case awaitPayload:
			take := d.length - len(d.buf)
			if rem := len(p) - n; take > rem {
				take = rem
			}
			d.buf = append(d.buf, p[n:n+take]...)
			n += take
			if len(d.buf) == d.length {
				return d.complete(n)
			}
		}
	}
	return nil, n, nil
}

// complete validates the fully buffered payload and resets for the next
// frame. The checksum is checked before anyone gets to decode the payload.
func (d *Decoder) complete(n int) ([]byte, int, error) {
	payload := d.buf
	if Checksum(payload) != d.sum {
		d.reset()
		return nil, n, ErrChecksumMismatch
	}
	d.reset()
	return payload, n, nil
}

func (d *Decoder) reset() {
	d.state = awaitLength
	d.headN = 0
	d.length = 0
	d.buf = d.buf[:0]
}
