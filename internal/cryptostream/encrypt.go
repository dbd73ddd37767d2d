package cryptostream

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Encrypter wraps a plaintext byte source and is itself an io.Reader that
// produces: a 19-byte random nonce, followed by a sequence of AEAD-sealed
// chunks (each up to ChunkSize plaintext bytes plus a TagSize tag), with the
// final chunk sealed under the "last" nonce marker so truncation is
// detectable on the decrypting side.
type Encrypter struct {
	src     io.Reader
	aead    cipher.AEAD
	nonce   []byte
	counter uint32

	out      bytes.Buffer
	headerOK bool
	finished bool

	carry    byte
	hasCarry bool
}

// NewEncrypter derives a fresh per-stream key from passphrase and a newly
// sampled random nonce, and returns an Encrypter reading sealed ciphertext
// from src.
func NewEncrypter(src io.Reader, passphrase []byte) (*Encrypter, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyDerivation, err)
	}
	key := argon2idKey(passphrase, nonce)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyDerivation, err)
	}
	return &Encrypter{src: src, aead: aead, nonce: nonce}, nil
}

// Read implements io.Reader.
func (e *Encrypter) Read(p []byte) (int, error) {
	for e.out.Len() == 0 {
		if e.finished {
			return 0, io.EOF
		}
		if !e.headerOK {
			e.out.Write(e.nonce)
			e.headerOK = true
			continue
		}
		if err := e.sealNextChunk(); err != nil {
			return 0, err
		}
	}
	return e.out.Read(p)
}

func (e *Encrypter) sealNextChunk() error {
	chunk, last, err := e.readChunk()
	if err != nil {
		return err
	}
	nonce := chunkNonce(e.nonce, e.counter, last)
	sealed := e.aead.Seal(nil, nonce, chunk, nil)
	e.out.Write(sealed)
	e.counter++
	if last {
		e.finished = true
	}
	return nil
}

// readChunk reads up to ChunkSize plaintext bytes from src and reports
// whether this is the stream's final chunk. It peeks one byte past a full
// chunk to decide: if the source yields more data immediately after, the
// chunk just read is not last.
func (e *Encrypter) readChunk() (chunk []byte, last bool, err error) {
	buf := make([]byte, ChunkSize)
	n := 0
	if e.hasCarry {
		buf[0] = e.carry
		e.hasCarry = false
		n = 1
	}
	for n < len(buf) {
		m, rerr := e.src.Read(buf[n:])
		n += m
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return buf[:n], true, nil
			}
			return nil, false, rerr
		}
	}

	var extra [1]byte
	m, rerr := e.src.Read(extra[:])
	switch {
	case m == 1:
		e.carry = extra[0]
		e.hasCarry = true
		return buf, false, nil
	case rerr != nil && errors.Is(rerr, io.EOF):
		return buf, true, nil
	case rerr != nil:
		return nil, false, rerr
	default:
		return buf, false, nil
	}
}
