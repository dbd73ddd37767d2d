package authsession

import (
	"crypto/rand"
	"fmt"
	"net"

	"github.com/subvolsync/subvolsync/internal/cryptostream"
	"github.com/subvolsync/subvolsync/internal/wire"
)

// Grant is the authentication material authsession needs for one named
// peer: the verifier (published to the client so it can re-derive the
// shared key) and the key itself (derived once, at config-load time, via
// cryptostream.DeriveKey). internal/config owns the full peer/grant record;
// this is the minimal slice authsession depends on.
type Grant struct {
	Verifier []byte
	Key      []byte
}

// GrantLookup resolves a connecting client's announced name to its Grant.
// internal/config's node config satisfies this by wrapping its grant list.
type GrantLookup interface {
	Lookup(peerName string) (Grant, bool)
}

// AuthServer performs the server's half of the handshake on a freshly
// accepted net.Conn. Single-use like AuthClient.
type AuthServer struct {
	conn   net.Conn
	grants GrantLookup
	done   bool
}

// NewAuthServer wraps conn for the server side of the handshake, resolving
// grants via grants.
func NewAuthServer(conn net.Conn, grants GrantLookup) *AuthServer {
	return &AuthServer{conn: conn, grants: grants}
}

// Authenticate runs the server handshake described in spec §4.5: receive
// Hello, look up the grant, answer with ServerAuth, verify ClientAuth's
// proof, answer Encrypt(ok).
func (s *AuthServer) Authenticate() (*Handshake, error) {
	if s.done {
		return nil, ErrAlreadyConsumed
	}
	s.done = true

	payload, err := wire.ReadFrame(s.conn)
	if err != nil {
		return nil, fmt.Errorf("authsession: reading hello: %w", err)
	}
	tag, rest, err := wire.Tag(payload)
	if err != nil {
		return nil, err
	}
	hello, ok, err := decodeExpected(tag, rest, wire.TagHello, wire.DecodeHello)
	if err != nil {
		return nil, err
	}
	if !ok {
		_ = writeMessage(s.conn, wire.ErrorMsg{Kind: wire.ErrKindIllegalTransition})
		return nil, ErrIllegalTransition
	}

	grant, found := s.grants.Lookup(hello.ClientName)
	if !found {
		_ = writeMessage(s.conn, wire.ServerAuth{OK: false, ErrKind: wire.ErrKindAccessDenied})
		return nil, fmt.Errorf("authsession: %q: %w", hello.ClientName, ErrUnknownPeer)
	}

	serverChallenge := make([]byte, cryptostream.VerifierSize)
	if _, err := rand.Read(serverChallenge); err != nil {
		return nil, fmt.Errorf("authsession: sampling server challenge: %w", err)
	}
	proof := cryptostream.HMACSHA256(grant.Key, hello.Challenge)
	if err := writeMessage(s.conn, wire.ServerAuth{
		OK:        true,
		Verifier:  grant.Verifier,
		Challenge: serverChallenge,
		Proof:     proof,
	}); err != nil {
		return nil, fmt.Errorf("authsession: sending server auth: %w", err)
	}

	payload, err = wire.ReadFrame(s.conn)
	if err != nil {
		return nil, fmt.Errorf("authsession: reading client auth: %w", err)
	}
	tag, rest, err = wire.Tag(payload)
	if err != nil {
		return nil, err
	}
	clientAuth, ok, err := decodeExpected(tag, rest, wire.TagClientAuth, wire.DecodeClientAuth)
	if err != nil {
		return nil, err
	}
	if !ok {
		_ = writeMessage(s.conn, wire.ErrorMsg{Kind: wire.ErrKindIllegalTransition})
		return nil, ErrIllegalTransition
	}
	if !clientAuth.OK {
		return nil, fmt.Errorf("authsession: client rejected server auth: %w", ErrUnauthorized)
	}

	expectedClientProof := cryptostream.HMACSHA256(grant.Key, serverChallenge)
	if !cryptostream.ConstantTimeEqual(expectedClientProof, clientAuth.Proof) {
		_ = writeMessage(s.conn, wire.EncryptAck{OK: false})
		return nil, ErrUnauthorized
	}

	if err := writeMessage(s.conn, wire.EncryptAck{OK: true}); err != nil {
		return nil, fmt.Errorf("authsession: sending encrypt ack: %w", err)
	}

	return newHandshakeResult(grant.Key, hello.Nonce, false, hello.ClientName)
}
