// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
)

// SignalType distinguishes signaling messages.
type SignalType string

const (
	// SignalAnnounce advertises a peer in a room. Broadcast when a peer
	// joins; a peer that receives a broadcast announce replies with a
	// directed one so the newcomer learns about it too.
	SignalAnnounce SignalType = "announce"
	// SignalOffer carries an SDP offer to one peer.
	SignalOffer SignalType = "offer"
	// SignalAnswer carries an SDP answer to one peer.
	SignalAnswer SignalType = "answer"
	// SignalLeave tells the room a peer is going away.
	SignalLeave SignalType = "leave"
)

// SignalMessage is one message exchanged through a Signaler. SDP
// payloads are complete (vanilla ICE): every candidate is gathered
// before the offer or answer is published.
type SignalMessage struct {
	Type SignalType `json:"type"`
	From string     `json:"from"`
	// To is empty for messages addressed to the whole room.
	To  string `json:"to,omitempty"`
	SDP string `json:"sdp,omitempty"`
}

func (m SignalMessage) validate() error {
	if m.From == "" {
		return fmt.Errorf("signal message %q has no sender", m.Type)
	}
	switch m.Type {
	case SignalAnnounce, SignalLeave:
		return nil
	case SignalOffer, SignalAnswer:
		if m.To == "" || m.SDP == "" {
			return fmt.Errorf("signal %s from %s needs a recipient and an SDP", m.Type, m.From)
		}
		return nil
	default:
		return fmt.Errorf("unknown signal type %q", m.Type)
	}
}

// Signaler relays signaling messages between the peers of a room.
// Peers use it only to discover each other and exchange SDP; document
// traffic flows over the peer connections.
type Signaler interface {
	// Join subscribes peerID to room. The returned channel delivers
	// every message published to the room by other peers that is
	// addressed to the whole room or to peerID. It is closed after
	// Leave, or when the signaler loses its connection.
	Join(ctx context.Context, room, peerID string) (<-chan SignalMessage, error)

	// Publish sends message to room.
	Publish(ctx context.Context, room string, message SignalMessage) error

	// Leave unsubscribes peerID from room.
	Leave(room, peerID string) error
}

// SignalingError describes a failure talking to a signaling server.
type SignalingError struct {
	Server string
	Op     string
	Err    error
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("signaling %s %s: %v", e.Op, e.Server, e.Err)
}

func (e *SignalingError) Unwrap() error { return e.Err }
