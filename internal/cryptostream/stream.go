package cryptostream

import (
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// ChunkSize (C) is the plaintext size of every chunk but the last.
const ChunkSize = 4 * 1024 * 1024

// TagSize is the per-chunk AEAD authentication tag length.
const TagSize = chacha20poly1305.Overhead // 16 bytes

// NonceSize is the length of the random nonce prefix written once at the
// start of every sealed stream.
const NonceSize = 19

const (
	counterSize  = 4
	lastFlagSize = 1
)

// aeadNonceSize must equal chacha20poly1305.NonceSizeX (24): the stream
// nonce prefix, a big-endian 32-bit chunk counter, and a one-byte "is this
// the last chunk" marker folded into the per-chunk AEAD nonce.
const aeadNonceSize = NonceSize + counterSize + lastFlagSize

var (
	// ErrDecryptFailed covers any tag mismatch or malformed ciphertext.
	ErrDecryptFailed = errors.New("cryptostream: decryption failed")
	// ErrTruncated is returned when a stream ends before a complete final
	// chunk (or even the nonce header) has been received.
	ErrTruncated = errors.New("cryptostream: ciphertext truncated")
)

func init() {
	if aeadNonceSize != chacha20poly1305.NonceSizeX {
		panic("cryptostream: aead nonce framing does not match chacha20poly1305.NonceSizeX")
	}
}

// chunkNonce builds the 24-byte XChaCha20-Poly1305 nonce for chunk number
// counter of a stream whose prefix is streamNonce, marking whether this is
// the stream's final chunk. Folding the "last" marker into the nonce (rather
// than using AEAD associated data) means encrypting or opening with the
// wrong marker is indistinguishable from any other nonce mismatch: it simply
// fails the tag check, which is exactly the truncation-detection behavior
// required of this cipher.
func chunkNonce(streamNonce []byte, counter uint32, last bool) []byte {
	nonce := make([]byte, aeadNonceSize)
	copy(nonce, streamNonce)
	binary.BigEndian.PutUint32(nonce[NonceSize:NonceSize+counterSize], counter)
	if last {
		nonce[aeadNonceSize-1] = 1
	}
	return nonce
}
