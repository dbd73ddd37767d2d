package session

import (
	"fmt"
	"net"

	"github.com/subvolsync/subvolsync/internal/authsession"
	"github.com/subvolsync/subvolsync/internal/wire"
)

// Idle is the post-handshake, pre-streaming phase. It exposes exactly one
// operation, MetaSync, mirroring spec.md's StreamSession<Idle>.
type Idle struct {
	conn *conn
	done bool
}

// NewIdle wraps raw in an Idle session using the key material a successful
// authsession.AuthClient/AuthServer handshake produced.
func NewIdle(raw net.Conn, hs *authsession.Handshake) (*Idle, error) {
	c, err := newConn(raw, hs)
	if err != nil {
		return nil, err
	}
	return &Idle{conn: c}, nil
}

// MetaSync exchanges SyncInfo with the peer: sends local, then waits for
// the peer's. Any other inbound message variant is an illegal transition
// and fails the session. On success it consumes the Idle value and returns
// an Active session plus the peer's SyncInfo.
func (i *Idle) MetaSync(local wire.SyncInfo) (*Active, wire.SyncInfo, error) {
	if i.done {
		return nil, wire.SyncInfo{}, fmt.Errorf("session: idle phase already consumed")
	}
	i.done = true

	if err := i.conn.send(local); err != nil {
		return nil, wire.SyncInfo{}, fmt.Errorf("session: sending sync info: %w", err)
	}

	for {
		tag, rest, err := i.conn.recv()
		if err == errTimeout {
			continue
		}
		if err != nil {
			return nil, wire.SyncInfo{}, err
		}
		if tag != wire.TagSyncInfo {
			_ = i.conn.send(wire.ErrorMsg{Kind: wire.ErrKindIllegalTransition})
			return nil, wire.SyncInfo{}, ErrIllegalTransition
		}
		remote, err := wire.DecodeSyncInfo(rest)
		if err != nil {
			return nil, wire.SyncInfo{}, err
		}
		return &Active{conn: i.conn}, remote, nil
	}
}
