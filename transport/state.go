// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "fmt"

// State is the connection manager's lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EventType distinguishes manager events.
type EventType int

const (
	// EventStateChanged reports a state transition; State and Previous
	// are set, and Err for transitions into Error.
	EventStateChanged EventType = iota
	// EventPeerConnected reports a peer added to the connected set.
	EventPeerConnected
	// EventPeerDisconnected reports a peer removed from the connected
	// set.
	EventPeerDisconnected
	// EventMessage delivers a payload received from PeerID.
	EventMessage
)

func (t EventType) String() string {
	switch t {
	case EventStateChanged:
		return "state-changed"
	case EventPeerConnected:
		return "peer-connected"
	case EventPeerDisconnected:
		return "peer-disconnected"
	case EventMessage:
		return "message"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is delivered to manager subscribers.
type Event struct {
	Type     EventType
	State    State
	Previous State
	PeerID   string
	Payload  []byte
	Err      error
}

// Status is a point-in-time view of a manager.
type Status struct {
	State          State
	ConnectedPeers int
	AttemptCount   int
	LastError      error
}
