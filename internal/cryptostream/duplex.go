package cryptostream

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// DuplexCipher seals and opens the stream-phase wire messages exchanged over
// an already-authenticated session. A session has a single handshake-derived
// key K and nonce prefix N shared by both peers; sealing every message
// directly under (K, N, counter) would let the two directions' counters
// collide on the same nonce once each side has sent the same number of
// messages. DuplexCipher avoids that by deriving direction-separated
// subkeys,
//
//	key_c2s = HMAC-SHA256(K, "c2s")
//	key_s2c = HMAC-SHA256(K, "s2c")
//
// and giving each side its own independent send/receive counter, so the two
// directions never share an AEAD nonce under the same key.
type DuplexCipher struct {
	sendAEAD cipher
	recvAEAD cipher

	nonce       []byte
	sendCounter uint32
	recvCounter uint32
}

type cipher = interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// NewDuplexCipher derives both direction subkeys from the session key and
// builds a DuplexCipher. nonce is the session's shared 19-byte nonce prefix,
// established during the handshake. isClient selects which subkey this side
// sends under: the client sends under key_c2s and receives under key_s2c,
// the server the reverse.
func NewDuplexCipher(sessionKey, nonce []byte, isClient bool) (*DuplexCipher, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("cryptostream: duplex nonce must be %d bytes, got %d", NonceSize, len(nonce))
	}
	keyC2S := HMACSHA256(sessionKey, []byte("c2s"))[:keySize]
	keyS2C := HMACSHA256(sessionKey, []byte("s2c"))[:keySize]

	sendKey, recvKey := keyS2C, keyC2S
	if isClient {
		sendKey, recvKey = keyC2S, keyS2C
	}

	sendAEAD, err := chacha20poly1305.NewX(sendKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyDerivation, err)
	}
	recvAEAD, err := chacha20poly1305.NewX(recvKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyDerivation, err)
	}

	return &DuplexCipher{
		sendAEAD: sendAEAD,
		recvAEAD: recvAEAD,
		nonce:    append([]byte(nil), nonce...),
	}, nil
}

// SealMessage seals plaintext under this side's send subkey and counter,
// advancing the counter. Session-phase messages are never marked "last" in
// the nonce: that marker is reserved for cryptostream.Encrypter/Decrypter
// blob streaming, where truncation detection matters; session messages are
// framed and counted by wire.ReadFrame/WriteFrame instead.
func (d *DuplexCipher) SealMessage(plaintext []byte) []byte {
	nonce := d.sendNonce()
	sealed := d.sendAEAD.Seal(nil, nonce, plaintext, nil)
	d.sendCounter++
	return sealed
}

// OpenMessage opens ciphertext under this side's receive subkey and
// counter, advancing the counter only on success.
func (d *DuplexCipher) OpenMessage(ciphertext []byte) ([]byte, error) {
	nonce := d.recvNonce()
	plain, err := d.recvAEAD.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	d.recvCounter++
	return plain, nil
}

func (d *DuplexCipher) sendNonce() []byte { return d.directedNonce(d.sendCounter) }
func (d *DuplexCipher) recvNonce() []byte { return d.directedNonce(d.recvCounter) }

// directedNonce builds a 24-byte nonce from the shared prefix and a 5-byte
// suffix (4-byte big-endian counter, zero last-chunk marker): same layout as
// chunkNonce with last always false, since direction separation — not the
// last marker — is what keeps the two AEAD instances' nonce spaces disjoint.
func (d *DuplexCipher) directedNonce(counter uint32) []byte {
	nonce := make([]byte, aeadNonceSize)
	copy(nonce, d.nonce)
	binary.BigEndian.PutUint32(nonce[NonceSize:NonceSize+counterSize], counter)
	return nonce
}
