package cryptostream

import (
	"bytes"
	"io"
	"testing"
)

// roundTrip runs derivations with the real Argon2id parameters, so every
// call pays the full memory-hard cost twice (encrypt + decrypt); that cost
// is per stream, not per chunk.

func roundTrip(t *testing.T, plaintext []byte) []byte {
	t.Helper()
	passphrase := []byte("correct horse battery staple")

	enc, err := NewEncrypter(bytes.NewReader(plaintext), passphrase)
	if err != nil {
		t.Fatalf("NewEncrypter: %v", err)
	}
	ciphertext, err := io.ReadAll(enc)
	if err != nil {
		t.Fatalf("reading ciphertext: %v", err)
	}

	var out bytes.Buffer
	dec := NewDecrypter(&out, passphrase)
	if _, err := dec.Write(ciphertext); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := dec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if !bytes.Equal(out.Bytes(), plaintext) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d bytes", out.Len(), len(plaintext))
	}
	return ciphertext
}

func TestRoundTripEmpty(t *testing.T) {
	roundTrip(t, nil)
}

func TestRoundTripSmall(t *testing.T) {
	roundTrip(t, []byte("a small send stream payload"))
}

func TestRoundTripMultiChunk(t *testing.T) {
	// Two full ChunkSize chunks followed by a 16-byte final chunk, so both
	// Encrypter and Decrypter cross chunk boundaries.
	payload := bytes.Repeat([]byte("0123456789abcdef"), 2*ChunkSize/16+1)
	roundTrip(t, payload)
}

func TestTamperedCiphertextFailsToDecrypt(t *testing.T) {
	plaintext := []byte("tamper me if you can")
	ciphertext := roundTrip(t, plaintext)

	tampered := append([]byte(nil), ciphertext...)
	tampered[len(tampered)-1] ^= 0xFF

	var out bytes.Buffer
	dec := NewDecrypter(&out, []byte("correct horse battery staple"))
	_, _ = dec.Write(tampered)
	if err := dec.Close(); err == nil {
		t.Fatal("expected decryption to fail on tampered ciphertext")
	}
}

func TestTamperedNoncePrefixFailsToDecrypt(t *testing.T) {
	plaintext := []byte("nonce tampering")
	ciphertext := roundTrip(t, plaintext)

	tampered := append([]byte(nil), ciphertext...)
	tampered[0] ^= 0xFF

	var out bytes.Buffer
	dec := NewDecrypter(&out, []byte("correct horse battery staple"))
	_, _ = dec.Write(tampered)
	if err := dec.Close(); err == nil {
		t.Fatal("expected decryption to fail when the nonce prefix is tampered with")
	}
}

func TestTruncationAlwaysFails(t *testing.T) {
	plaintext := []byte("a moderately sized payload for truncation testing")
	ciphertext := roundTrip(t, plaintext)

	for cut := 1; cut <= len(ciphertext); cut++ {
		truncated := ciphertext[:len(ciphertext)-cut]
		var out bytes.Buffer
		dec := NewDecrypter(&out, []byte("correct horse battery staple"))
		_, _ = dec.Write(truncated)
		if err := dec.Close(); err == nil {
			t.Fatalf("truncating by %d bytes did not fail decryption", cut)
		}
	}
}

func TestWrongPassphraseFails(t *testing.T) {
	plaintext := []byte("only the right key opens this")
	ciphertext := roundTrip(t, plaintext)

	var out bytes.Buffer
	dec := NewDecrypter(&out, []byte("wrong passphrase"))
	_, _ = dec.Write(ciphertext)
	if err := dec.Close(); err == nil {
		t.Fatal("expected decryption with the wrong passphrase to fail")
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	verifier := bytes.Repeat([]byte{0x42}, VerifierSize)
	passphrase := []byte("hunter2")

	k1 := DeriveKey(verifier, passphrase)
	k2 := DeriveKey(verifier, passphrase)
	if !bytes.Equal(k1, k2) {
		t.Fatal("DeriveKey is not deterministic for identical inputs")
	}

	other := DeriveKey(bytes.Repeat([]byte{0x43}, VerifierSize), passphrase)
	if bytes.Equal(k1, other) {
		t.Fatal("DeriveKey must depend on the verifier")
	}
}

func TestHashPassphraseProducesUsableKey(t *testing.T) {
	verifier, key, err := HashPassphrase([]byte("hunter2"))
	if err != nil {
		t.Fatalf("HashPassphrase: %v", err)
	}
	if len(verifier) != VerifierSize {
		t.Fatalf("verifier length = %d, want %d", len(verifier), VerifierSize)
	}
	if !bytes.Equal(key, DeriveKey(verifier, []byte("hunter2"))) {
		t.Fatal("HashPassphrase key does not match DeriveKey(verifier, passphrase)")
	}
}

func TestConstantTimeEqual(t *testing.T) {
	a := []byte("proof-value")
	b := append([]byte(nil), a...)
	if !ConstantTimeEqual(a, b) {
		t.Error("expected equal byte slices to compare equal")
	}
	b[0] ^= 1
	if ConstantTimeEqual(a, b) {
		t.Error("expected differing byte slices to compare unequal")
	}
}
