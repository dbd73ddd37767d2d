package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedMessage covers any structurally invalid decoded message:
// truncated fields, an unknown tag byte, or a length prefix that overruns
// the remaining buffer.
var ErrMalformedMessage = errors.New("wire: malformed message")

// encoder builds a message payload: a tag byte followed by self-describing
// fields (fixed-size fields verbatim, variable-size fields prefixed with
// their own uint32 length).
type encoder struct {
	buf bytes.Buffer
}

func newEncoder(tag byte) *encoder {
	e := &encoder{}
	e.buf.WriteByte(tag)
	return e
}

func (e *encoder) byte(b byte) { e.buf.WriteByte(b) }

func (e *encoder) fixed(b []byte) { e.buf.Write(b) }

func (e *encoder) bytesField(b []byte) {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(b)))
	e.buf.Write(length[:])
	e.buf.Write(b)
}

func (e *encoder) stringField(s string) { e.bytesField([]byte(s)) }

func (e *encoder) uint64Field(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) int64Field(v int64) { e.uint64Field(uint64(v)) }

func (e *encoder) bytes() []byte { return e.buf.Bytes() }

// decoder reads fields back off a message payload in the same order they
// were written, after the caller has consumed the tag byte.
type decoder struct {
	buf []byte
	off int
}

func newDecoder(payload []byte) *decoder {
	return &decoder{buf: payload}
}

func (d *decoder) fixed(n int) ([]byte, error) {
	if d.off+n > len(d.buf) {
		return nil, fmt.Errorf("%w: expected %d more bytes, have %d", ErrMalformedMessage, n, len(d.buf)-d.off)
	}
	out := d.buf[d.off : d.off+n]
	d.off += n
	return out, nil
}

func (d *decoder) byteField() (byte, error) {
	b, err := d.fixed(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) bytesField() ([]byte, error) {
	lenBytes, err := d.fixed(4)
	if err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBytes)
	return d.fixed(int(n))
}

func (d *decoder) stringField() (string, error) {
	b, err := d.bytesField()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *decoder) uint64Field() (uint64, error) {
	b, err := d.fixed(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (d *decoder) int64Field() (int64, error) {
	v, err := d.uint64Field()
	return int64(v), err
}

// done reports a decode error if unconsumed trailing bytes remain.
func (d *decoder) done() error {
	if d.off != len(d.buf) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformedMessage, len(d.buf)-d.off)
	}
	return nil
}
