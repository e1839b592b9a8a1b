// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
)

// ErrNotConnected is returned when sending while no session is open.
var ErrNotConnected = errors.New("transport: not connected")

// ErrNoSignalingServer is returned by Connect when the manager has no
// signaling endpoint to join the room through.
var ErrNoSignalingServer = errors.New("transport: no signaling server configured")

// ErrUnknownPeer is returned by SendTo for a peer the session has no
// open channel to.
var ErrUnknownPeer = errors.New("transport: unknown peer")

// Transport opens sessions in a room. WebRTCTransport is the
// production implementation; tests supply in-memory fakes.
type Transport interface {
	// Open joins room and returns once the session can send. Peers are
	// reported to handler as their channels open and close, possibly
	// before Open returns.
	Open(ctx context.Context, room string, handler SessionHandler) (Session, error)
}

// Session is one membership in a room's peer mesh.
type Session interface {
	// Broadcast sends payload to every connected peer.
	Broadcast(payload []byte) error

	// SendTo sends payload to one connected peer.
	SendTo(peerID string, payload []byte) error

	// Close leaves the room and closes every peer channel. The
	// handler's Closed method is not called for a session closed this
	// way.
	Close() error
}

// SessionHandler receives a session's asynchronous notifications.
// Methods may be called from transport goroutines.
type SessionHandler interface {
	// PeerJoined reports a peer whose channel opened.
	PeerJoined(peerID string)

	// PeerLeft reports a peer whose channel closed.
	PeerLeft(peerID string)

	// Message delivers one payload received from a peer.
	Message(peerID string, payload []byte)

	// Closed reports that the session ended on its own. A nil error
	// means an orderly end; otherwise err describes the failure.
	Closed(err error)
}
