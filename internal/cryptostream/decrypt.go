package cryptostream

import (
	"crypto/cipher"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Decrypter is a push-based io.WriteCloser: it absorbs ciphertext (the
// nonce prefix followed by sealed chunks) and writes the recovered
// plaintext to dst as soon as each non-final chunk is unambiguously
// complete. Close must be called to flush and open the final chunk under
// the "last" nonce marker; a short write (truncation) before or at Close
// is reported as ErrTruncated or a tag-mismatch ErrDecryptFailed.
type Decrypter struct {
	dst        io.Writer
	passphrase []byte

	aead    cipher.AEAD
	nonce   []byte
	counter uint32

	buf        []byte
	headerDone bool
	closed     bool
}

// NewDecrypter returns a Decrypter that derives its key the same way the
// matching Encrypter did, once the 19-byte nonce prefix has arrived.
func NewDecrypter(dst io.Writer, passphrase []byte) *Decrypter {
	return &Decrypter{dst: dst, passphrase: passphrase}
}

// Write implements io.Writer. It never returns n < len(p) unless err != nil:
// all of p is buffered even if not all of it has been opened yet.
func (d *Decrypter) Write(p []byte) (int, error) {
	if d.closed {
		return 0, fmt.Errorf("cryptostream: write after close")
	}
	d.buf = append(d.buf, p...)

	if !d.headerDone {
		if len(d.buf) < NonceSize {
			return len(p), nil
		}
		d.nonce = append([]byte(nil), d.buf[:NonceSize]...)
		d.buf = d.buf[NonceSize:]
		key := argon2idKey(d.passphrase, d.nonce)
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrKeyDerivation, err)
		}
		d.aead = aead
		d.headerDone = true
	}

	threshold := ChunkSize + TagSize
	for len(d.buf) > threshold {
		if err := d.openChunk(d.buf[:threshold], false); err != nil {
			return 0, err
		}
		d.buf = d.buf[threshold:]
		d.counter++
	}
	return len(p), nil
}

// Close flushes the remaining buffered ciphertext as the stream's final
// chunk. It is an error to Close before the nonce header has fully arrived,
// or with fewer than TagSize bytes remaining: both indicate truncation.
func (d *Decrypter) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true

	if !d.headerDone {
		return ErrTruncated
	}
	if len(d.buf) < TagSize {
		return ErrTruncated
	}
	err := d.openChunk(d.buf, true)
	d.buf = nil
	return err
}

func (d *Decrypter) openChunk(ciphertext []byte, last bool) error {
	nonce := chunkNonce(d.nonce, d.counter, last)
	plain, err := d.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	if len(plain) == 0 {
		return nil
	}
	if _, err := d.dst.Write(plain); err != nil {
		return err
	}
	return nil
}
