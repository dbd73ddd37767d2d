// Package wire implements the binary message schemas for the handshake and
// streaming phases, and the length-prefixed framing shared by both.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame's payload so a misbehaving or hostile
// peer cannot force an unbounded allocation with a single length header.
// It comfortably exceeds a sealed Chunk record (cryptostream.ChunkSize plus
// its tag and envelope overhead).
const MaxFrameSize = 8 * 1024 * 1024

// ErrFrameTooLarge is returned by ReadFrame when the advertised payload
// length exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// WriteFrame writes a fixed little-endian uint32 length header followed by
// payload.
func WriteFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("wire: writing frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: writing frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wire: reading frame payload: %w", err)
	}
	return payload, nil
}
