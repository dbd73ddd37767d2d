package wire

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("a handshake message payload")
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, nil); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(got))
	}
}

func TestReadFrameRejectsOversizedHeader(t *testing.T) {
	// A conforming peer never emits a header this large; simulate a
	// hostile or corrupted one directly.
	header := []byte{0, 0, 0, 0xFF} // little-endian: huge length
	buf := bytes.NewReader(header)
	if _, err := ReadFrame(buf); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameTruncatedHeader(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 1})
	if _, err := ReadFrame(buf); err == nil {
		t.Fatal("expected error reading truncated frame header")
	}
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteFrame(&buf, []byte("0123456789"))
	truncated := buf.Bytes()[:len(buf.Bytes())-3]
	if _, err := ReadFrame(bytes.NewReader(truncated)); err == nil {
		t.Fatal("expected error reading truncated frame payload")
	}
}
