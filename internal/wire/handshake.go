package wire

import "fmt"

// RemoteErrorKind enumerates the wire-transported error conditions a peer
// can report about the other side's request, as opposed to a purely local
// failure (a read timeout, a dropped connection) that never crosses the
// wire at all.
type RemoteErrorKind byte

const (
	ErrKindUnspecified RemoteErrorKind = iota
	ErrKindAccessDenied
	ErrKindUnauthorized
	ErrKindImmutable
	ErrKindIllegalTransition
	ErrKindAlreadyStreaming
	ErrKindNotStreaming
	ErrKindRxError
	ErrKindTxError
)

func (k RemoteErrorKind) String() string {
	switch k {
	case ErrKindAccessDenied:
		return "access_denied"
	case ErrKindUnauthorized:
		return "unauthorized"
	case ErrKindImmutable:
		return "immutable"
	case ErrKindIllegalTransition:
		return "illegal_transition"
	case ErrKindAlreadyStreaming:
		return "already_streaming"
	case ErrKindNotStreaming:
		return "not_streaming"
	case ErrKindRxError:
		return "rx_error"
	case ErrKindTxError:
		return "tx_error"
	default:
		return "unspecified"
	}
}

// Message tags. Handshake tags and stream tags share one namespace so a
// misrouted message (stream-phase bytes arriving before the handshake
// completes, or vice versa) fails to decode rather than silently matching
// the wrong schema.
const (
	TagHello byte = iota + 1
	TagServerAuth
	TagClientAuth
	TagEncryptAck
	TagErrorMsg
	TagSyncInfo
	TagReplicate
	TagStreamAck
	TagChunk
	TagEnd
	TagDone
)

// Hello is the first message a connecting client sends: its node name, a
// freshly sampled challenge the server must echo back proof of having
// derived the right key for, and the nonce prefix that will seed the
// session's transport AEAD once the handshake succeeds.
type Hello struct {
	ClientName string
	Challenge  []byte // VerifierSize random bytes
	Nonce      []byte // cryptostream.NonceSize random bytes
}

func (m Hello) Encode() []byte {
	e := newEncoder(TagHello)
	e.stringField(m.ClientName)
	e.bytesField(m.Challenge)
	e.bytesField(m.Nonce)
	return e.bytes()
}

func DecodeHello(payload []byte) (Hello, error) {
	d := newDecoder(payload)
	name, err := d.stringField()
	if err != nil {
		return Hello{}, err
	}
	challenge, err := d.bytesField()
	if err != nil {
		return Hello{}, err
	}
	nonce, err := d.bytesField()
	if err != nil {
		return Hello{}, err
	}
	if err := d.done(); err != nil {
		return Hello{}, err
	}
	return Hello{ClientName: name, Challenge: challenge, Nonce: nonce}, nil
}

// ServerAuth answers a Hello. On success it carries the server's own
// verifier (the salt the client needs to derive the shared key, if it
// hasn't already cached it for this peer), a fresh server-side challenge for
// the client to prove itself against, and a proof of the server's own
// knowledge of the shared key over the client's challenge. On failure it
// carries no key material at all.
type ServerAuth struct {
	OK        bool
	ErrKind   RemoteErrorKind
	Verifier  []byte
	Challenge []byte
	Proof     []byte // HMAC-SHA256(key, Hello.Challenge)
}

func (m ServerAuth) Encode() []byte {
	e := newEncoder(TagServerAuth)
	if m.OK {
		e.byte(1)
		e.bytesField(m.Verifier)
		e.bytesField(m.Challenge)
		e.bytesField(m.Proof)
	} else {
		e.byte(0)
		e.byte(byte(m.ErrKind))
	}
	return e.bytes()
}

func DecodeServerAuth(payload []byte) (ServerAuth, error) {
	d := newDecoder(payload)
	ok, err := d.byteField()
	if err != nil {
		return ServerAuth{}, err
	}
	if ok == 0 {
		kind, err := d.byteField()
		if err != nil {
			return ServerAuth{}, err
		}
		if err := d.done(); err != nil {
			return ServerAuth{}, err
		}
		return ServerAuth{OK: false, ErrKind: RemoteErrorKind(kind)}, nil
	}
	verifier, err := d.bytesField()
	if err != nil {
		return ServerAuth{}, err
	}
	challenge, err := d.bytesField()
	if err != nil {
		return ServerAuth{}, err
	}
	proof, err := d.bytesField()
	if err != nil {
		return ServerAuth{}, err
	}
	if err := d.done(); err != nil {
		return ServerAuth{}, err
	}
	return ServerAuth{OK: true, Verifier: verifier, Challenge: challenge, Proof: proof}, nil
}

// ClientAuth answers a successful ServerAuth. On success it carries the
// client's proof of knowledge of the shared key over the server's
// challenge; on failure (the client rejected the server's own proof) it
// carries only a RemoteErrorKind, matching the server-side ServerAuth
// shape.
type ClientAuth struct {
	OK      bool
	ErrKind RemoteErrorKind
	Proof   []byte // HMAC-SHA256(key, ServerAuth.Challenge)
}

func (m ClientAuth) Encode() []byte {
	e := newEncoder(TagClientAuth)
	if m.OK {
		e.byte(1)
		e.bytesField(m.Proof)
	} else {
		e.byte(0)
		e.byte(byte(m.ErrKind))
	}
	return e.bytes()
}

func DecodeClientAuth(payload []byte) (ClientAuth, error) {
	d := newDecoder(payload)
	ok, err := d.byteField()
	if err != nil {
		return ClientAuth{}, err
	}
	if ok == 0 {
		kind, err := d.byteField()
		if err != nil {
			return ClientAuth{}, err
		}
		if err := d.done(); err != nil {
			return ClientAuth{}, err
		}
		return ClientAuth{OK: false, ErrKind: RemoteErrorKind(kind)}, nil
	}
	proof, err := d.bytesField()
	if err != nil {
		return ClientAuth{}, err
	}
	if err := d.done(); err != nil {
		return ClientAuth{}, err
	}
	return ClientAuth{OK: true, Proof: proof}, nil
}

// EncryptAck is the server's verdict on the client's proof: OK promotes the
// connection into the streaming phase under the duplex session cipher; a
// failure closes the connection without further detail (the message carries
// no RemoteErrorKind, and the client reports any failure as
// authsession.ErrUnauthorized, so a guesser cannot distinguish "wrong proof"
// from any other rejection reason).
type EncryptAck struct {
	OK bool
}

func (m EncryptAck) Encode() []byte {
	e := newEncoder(TagEncryptAck)
	if m.OK {
		e.byte(1)
	} else {
		e.byte(0)
	}
	return e.bytes()
}

func DecodeEncryptAck(payload []byte) (EncryptAck, error) {
	d := newDecoder(payload)
	ok, err := d.byteField()
	if err != nil {
		return EncryptAck{}, err
	}
	if err := d.done(); err != nil {
		return EncryptAck{}, err
	}
	return EncryptAck{OK: ok != 0}, nil
}

// ErrorMsg carries a RemoteErrorKind that can be sent at any point in either
// phase, e.g. a session-phase request rejected after the handshake already
// succeeded.
type ErrorMsg struct {
	Kind RemoteErrorKind
}

func (m ErrorMsg) Encode() []byte {
	e := newEncoder(TagErrorMsg)
	e.byte(byte(m.Kind))
	return e.bytes()
}

func DecodeErrorMsg(payload []byte) (ErrorMsg, error) {
	d := newDecoder(payload)
	kind, err := d.byteField()
	if err != nil {
		return ErrorMsg{}, err
	}
	if err := d.done(); err != nil {
		return ErrorMsg{}, err
	}
	return ErrorMsg{Kind: RemoteErrorKind(kind)}, nil
}

func (m ErrorMsg) Error() string {
	return fmt.Sprintf("wire: remote error: %s", m.Kind)
}

// Tag returns the first byte of an encoded message, letting a reader decide
// which Decode* function to call before consuming the rest of the payload.
func Tag(payload []byte) (byte, []byte, error) {
	if len(payload) < 1 {
		return 0, nil, fmt.Errorf("%w: empty message", ErrMalformedMessage)
	}
	return payload[0], payload[1:], nil
}
