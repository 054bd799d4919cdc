package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
)

// DefaultMaxFrame bounds control frames. File content never travels on the
// control channel, so one limit covers everything.
const DefaultMaxFrame = 1 << 20

const headerSize = 4

var (
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
	ErrInvalidPayload = errors.New("frame payload is not valid JSON")
)

// Encode wraps a JSON payload in a 4-byte big-endian length prefix.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > DefaultMaxFrame {
		return nil, ErrFrameTooLarge
	}
	frame := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[headerSize:], payload)
	return frame, nil
}

// EncodeJSON marshals v and frames it.
func EncodeJSON(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Encode(payload)
}

// Decoder reassembles frames from an arbitrarily chunked byte stream.
// Feed bytes as they arrive from the socket, then drain completed frames
// with Next. A frame split across reads stays buffered until its remainder
// shows up; several frames delivered in one read come out one by one.
type Decoder struct {
	buf      []byte
	maxFrame int
}

func NewDecoder(maxFrame int) *Decoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &Decoder{maxFrame: maxFrame}
}

func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next returns the next complete payload. ok is false when more bytes are
// needed. A non-nil error means the stream is corrupt (oversized length or
// malformed JSON) and the connection must be dropped.
func (d *Decoder) Next() (payload []byte, ok bool, err error) {
	if len(d.buf) < headerSize {
		return nil, false, nil
	}
	// Bounds-check on the unsigned value: converting first could wrap
	// negative on 32-bit platforms and slip past the limit.
	size := binary.BigEndian.Uint32(d.buf)
	if size > uint32(d.maxFrame) {
		return nil, false, ErrFrameTooLarge
	}
	length := int(size)
	if len(d.buf) < headerSize+length {
		return nil, false, nil
	}
	payload = make([]byte, length)
	copy(payload, d.buf[headerSize:headerSize+length])
	d.buf = d.buf[headerSize+length:]
	if !json.Valid(payload) {
		return nil, false, ErrInvalidPayload
	}
	return payload, true, nil
}
