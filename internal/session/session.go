// Package session implements the post-handshake typestate connection:
// Idle (catalogue exchange) and Active (full-duplex batched blob
// transfer), layered on top of internal/wire framing and an
// internal/cryptostream.DuplexCipher for message confidentiality.
package session

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/subvolsync/subvolsync/internal/authsession"
	"github.com/subvolsync/subvolsync/internal/cryptostream"
	"github.com/subvolsync/subvolsync/internal/wire"
)

// readDeadline bounds each socket read so a cooperating goroutine can
// observe shared state (localDone, remoteDone) between reads instead
// of blocking forever on a quiet connection.
const readDeadline = 200 * time.Millisecond

// Static errors.
var (
	ErrIllegalTransition = errors.New("session: illegal message for current phase")
	ErrAlreadyStreaming  = errors.New("session: a stream is already open for this connection")
	ErrNotStreaming      = errors.New("session: no stream is open to receive this frame")
)

// conn wraps the raw net.Conn with the mutexed read/write halves and the
// duplex AEAD cipher shared by Idle and Active phases.
type conn struct {
	raw net.Conn

	writeMu sync.Mutex
	readMu  sync.Mutex

	cipher *cryptostream.DuplexCipher
}

func newConn(raw net.Conn, hs *authsession.Handshake) (*conn, error) {
	dc, err := cryptostream.NewDuplexCipher(hs.Key, hs.Nonce, hs.IsClient)
	if err != nil {
		return nil, fmt.Errorf("session: building duplex cipher: %w", err)
	}
	return &conn{raw: raw, cipher: dc}, nil
}

// send seals msg under the duplex cipher and writes it as one wire frame.
func (c *conn) send(msg interface{ Encode() []byte }) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	sealed := c.cipher.SealMessage(msg.Encode())
	return wire.WriteFrame(c.raw, sealed)
}

// recv reads one frame, deadline-bounded, and opens it. A deadline timeout
// is reported via errTimeout so callers can distinguish "nothing to read
// yet" from a real I/O failure.
var errTimeout = errors.New("session: read deadline exceeded")

func (c *conn) recv() (byte, []byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if err := c.raw.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
		return 0, nil, fmt.Errorf("session: setting read deadline: %w", err)
	}
	payload, err := wire.ReadFrame(c.raw)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, nil, errTimeout
		}
		return 0, nil, err
	}
	plain, err := c.cipher.OpenMessage(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("session: opening sealed frame: %w", err)
	}
	return wire.Tag(plain)
}
