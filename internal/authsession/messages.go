package authsession

import (
	"io"

	"github.com/subvolsync/subvolsync/internal/wire"
)

// encodable is satisfied by every plaintext handshake message type in
// internal/wire.
type encodable interface {
	Encode() []byte
}

func writeMessage(w io.Writer, msg encodable) error {
	return wire.WriteFrame(w, msg.Encode())
}

// decodeExpected decodes payload with decodeFn only if tag matches want; it
// reports ok=false (not an error) on a tag mismatch, since an unexpected-but
// well-formed message is a protocol violation the caller handles by sending
// IllegalTransition, not a decode failure.
func decodeExpected[T any](tag byte, payload []byte, want byte, decodeFn func([]byte) (T, error)) (T, bool, error) {
	var zero T
	if tag != want {
		return zero, false, nil
	}
	msg, err := decodeFn(payload)
	if err != nil {
		return zero, false, err
	}
	return msg, true, nil
}

// Handshake is the result of a successful AuthClient.Authenticate or
// AuthServer.Authenticate: the shared transport key and nonce prefix, ready
// to seed a session.StreamSession<Idle> (via cryptostream.NewDuplexCipher).
type Handshake struct {
	Key      []byte
	Nonce    []byte
	IsClient bool

	// PeerName is the authenticated ClientName on the server. It is empty
	// on the client: the handshake does not carry the server's name.
	PeerName string
}

func newHandshakeResult(key, nonce []byte, isClient bool, peerName string) (*Handshake, error) {
	return &Handshake{Key: key, Nonce: nonce, IsClient: isClient, PeerName: peerName}, nil
}
