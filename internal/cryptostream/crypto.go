// Package cryptostream implements the passphrase-derived key schedule and
// the chunked, nonce-prefixed authenticated streaming cipher used to seal a
// snapshot send stream for transport to a peer.
package cryptostream

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters, fixed per the wire protocol: both sides must derive
// the same key from the same inputs.
const (
	argon2Time    = 32
	argon2MemKiB  = 524288
	argon2Threads = 128
	keySize       = 32
	// VerifierSize is the length in bytes of a grant's verifier / the
	// handshake challenges.
	VerifierSize = 32
)

// ErrKeyDerivation wraps any failure while deriving key material.
var ErrKeyDerivation = errors.New("cryptostream: key derivation failed")

// argon2idKey runs Argon2id(passphrase, salt) with the fixed parameters of
// this protocol, producing keySize bytes of key material.
func argon2idKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argon2Time, argon2MemKiB, argon2Threads, keySize)
}

// DeriveKey computes the shared authentication/encryption key from a
// peer-specific verifier and the local node's passphrase:
//
//	keyMaterial = Argon2id(passphrase, salt=verifier)
//	key         = HMAC-SHA256(keyMaterial, verifier)
//
// The HMAC indirection prevents callers from ever holding the raw Argon2id
// output as an HMAC key directly.
func DeriveKey(verifier, passphrase []byte) []byte {
	keyMaterial := argon2idKey(passphrase, verifier)
	mac := hmac.New(sha256.New, keyMaterial)
	mac.Write(verifier)
	return mac.Sum(nil)
}

// HashPassphrase samples a fresh random verifier and returns it alongside
// the key DeriveKey would compute from it, for minting a peer grant.
// NewEncrypter does not use it: it derives its stream key from the
// passphrase with the per-stream nonce as the Argon2id salt.
func HashPassphrase(passphrase []byte) (verifier, key []byte, err error) {
	verifier = make([]byte, VerifierSize)
	if _, err := rand.Read(verifier); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrKeyDerivation, err)
	}
	return verifier, DeriveKey(verifier, passphrase), nil
}

// ConstantTimeEqual reports whether a and b are byte-for-byte identical,
// in time independent of where they first differ. All handshake proof
// comparisons must go through this.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// HMACSHA256 computes HMAC-SHA256(key, msg).
func HMACSHA256(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}
