// Package authsession implements the mutual challenge/response handshake
// that authenticates a connecting client and the peer it dials, and that
// upgrades an authenticated TCP connection into an AEAD-sealed session.
package authsession

import "errors"

// Static errors for handshake operations.
var (
	ErrUnauthorized      = errors.New("authsession: unauthorized")
	ErrIllegalTransition = errors.New("authsession: illegal message for current phase")
	ErrAlreadyConsumed   = errors.New("authsession: handshake object already consumed")
	ErrUnknownPeer       = errors.New("authsession: no grant for peer")
	ErrConnectionClosed  = errors.New("authsession: connection closed during handshake")
)
