package authsession

import (
	"crypto/rand"
	"fmt"
	"net"

	"github.com/subvolsync/subvolsync/internal/cryptostream"
	"github.com/subvolsync/subvolsync/internal/wire"
)

// AuthClient performs the client's half of the handshake on a freshly
// connected net.Conn. It is single-use: Authenticate consumes it and
// returns a *Handshake on success, after which the AuthClient must not be
// reused.
type AuthClient struct {
	conn       net.Conn
	clientName string
	passphrase []byte
	done       bool
}

// NewAuthClient wraps conn for the client side of the handshake. clientName
// identifies the local node to the server; passphrase must match the
// passphrase behind the grant the server holds for clientName.
func NewAuthClient(conn net.Conn, clientName string, passphrase []byte) *AuthClient {
	return &AuthClient{conn: conn, clientName: clientName, passphrase: passphrase}
}

// Authenticate runs the client handshake described in spec §4.5:
// Hello, verify ServerAuth's proof, send ClientAuth, wait for Encrypt(ok).
// When the server answers Hello with something other than ServerAuth it
// sends ErrorMsg(IllegalTransition), and when the server's proof does not
// verify it sends a rejecting ClientAuth, before returning. Other failures
// (a rejected Hello, a failed EncryptAck, I/O or decode errors) return
// without sending anything.
func (c *AuthClient) Authenticate() (*Handshake, error) {
	if c.done {
		return nil, ErrAlreadyConsumed
	}
	c.done = true

	challenge := make([]byte, cryptostream.VerifierSize)
	if _, err := rand.Read(challenge); err != nil {
		return nil, fmt.Errorf("authsession: sampling client challenge: %w", err)
	}
	nonce := make([]byte, cryptostream.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("authsession: sampling session nonce: %w", err)
	}

	if err := writeMessage(c.conn, wire.Hello{ClientName: c.clientName, Challenge: challenge, Nonce: nonce}); err != nil {
		return nil, fmt.Errorf("authsession: sending hello: %w", err)
	}

	payload, err := wire.ReadFrame(c.conn)
	if err != nil {
		return nil, fmt.Errorf("authsession: reading server auth: %w", err)
	}
	tag, rest, err := wire.Tag(payload)
	if err != nil {
		return nil, err
	}
	serverAuth, ok, err := decodeExpected(tag, rest, wire.TagServerAuth, wire.DecodeServerAuth)
	if err != nil {
		return nil, err
	}
	if !ok {
		_ = writeMessage(c.conn, wire.ErrorMsg{Kind: wire.ErrKindIllegalTransition})
		return nil, ErrIllegalTransition
	}
	if !serverAuth.OK {
		return nil, fmt.Errorf("authsession: server rejected hello: %w", ErrUnauthorized)
	}

	key := cryptostream.DeriveKey(serverAuth.Verifier, c.passphrase)
	expectedServerProof := cryptostream.HMACSHA256(key, challenge)
	if !cryptostream.ConstantTimeEqual(expectedServerProof, serverAuth.Proof) {
		_ = writeMessage(c.conn, wire.ClientAuth{OK: false, ErrKind: wire.ErrKindAccessDenied})
		return nil, ErrUnauthorized
	}

	clientProof := cryptostream.HMACSHA256(key, serverAuth.Challenge)
	if err := writeMessage(c.conn, wire.ClientAuth{OK: true, Proof: clientProof}); err != nil {
		return nil, fmt.Errorf("authsession: sending client auth: %w", err)
	}

	payload, err = wire.ReadFrame(c.conn)
	if err != nil {
		return nil, fmt.Errorf("authsession: reading encrypt ack: %w", err)
	}
	tag, rest, err = wire.Tag(payload)
	if err != nil {
		return nil, err
	}
	ack, ok, err := decodeExpected(tag, rest, wire.TagEncryptAck, wire.DecodeEncryptAck)
	if err != nil {
		return nil, err
	}
	if !ok || !ack.OK {
		return nil, ErrUnauthorized
	}

	return newHandshakeResult(key, nonce, true, "")
}
