// Package wire implements the length-prefixed framing used between the host
// and the worker process.
//
// A frame is a 4-byte big-endian length followed by the payload. The length
// counts the header itself, so an encoded frame of n payload bytes declares
// n+4.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	HeaderSize = 4

	// MaxFrameSize bounds a single frame, header included.
	MaxFrameSize = 16 * 1024 * 1024
)

// ErrConnectionClosed is returned for every read or write failure: peer gone,
// truncated header or body, and lengths that cannot be valid.
var ErrConnectionClosed = errors.New("connection closed")

func closed(cause error) error {
	if cause == nil {
		return ErrConnectionClosed
	}
	return fmt.Errorf("%w: %v", ErrConnectionClosed, cause)
}

// Write sends header and payload with a single Write call.
func Write(w io.Writer, payload []byte) error {
	size := HeaderSize + len(payload)
	if size > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds maximum %d", size, MaxFrameSize)
	}

	frame := make([]byte, size)
	binary.BigEndian.PutUint32(frame[:HeaderSize], uint32(size))
	copy(frame[HeaderSize:], payload)

	if _, err := w.Write(frame); err != nil {
		return closed(err)
	}
	return nil
}

// Read blocks until a whole frame is available and returns its payload.
func Read(r io.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, closed(err)
	}

	size := binary.BigEndian.Uint32(header[:])
	// An empty payload is never a valid message.
	if size <= HeaderSize || size > MaxFrameSize {
		return nil, closed(fmt.Errorf("invalid frame length %d", size))
	}

	payload := make([]byte, size-HeaderSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, closed(err)
	}
	return payload, nil
}

// WriteJSON encodes v as JSON and writes it as one frame.
func WriteJSON(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return Write(w, data)
}

// ReadJSON reads one frame and decodes its payload into v.
func ReadJSON(r io.Reader, v any) error {
	data, err := Read(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
