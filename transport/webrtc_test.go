// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/bureau-foundation/quire/lib/testutil"
)

const webrtcTimeout = 30 * time.Second

// recordingHandler is a SessionHandler that forwards every callback to
// a channel.
type recordingHandler struct {
	joined   chan string
	left     chan string
	messages chan receivedMessage
	closed   chan error
}

type receivedMessage struct {
	peerID  string
	payload []byte
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		joined:   make(chan string, 16),
		left:     make(chan string, 16),
		messages: make(chan receivedMessage, 64),
		closed:   make(chan error, 1),
	}
}

func (h *recordingHandler) PeerJoined(peerID string) { h.joined <- peerID }
func (h *recordingHandler) PeerLeft(peerID string)   { h.left <- peerID }
func (h *recordingHandler) Message(peerID string, payload []byte) {
	h.messages <- receivedMessage{peerID: peerID, payload: payload}
}
func (h *recordingHandler) Closed(err error) { h.closed <- err }

func openWebRTC(t *testing.T, signaler Signaler, room, peerID string) (Session, *recordingHandler) {
	t.Helper()
	transport := NewWebRTCTransport(WebRTCConfig{
		Signaler: signaler,
		PeerID:   peerID,
		// No ICE servers: host candidates only, including loopback.
		ICE:    ICEConfig{},
		Logger: testutil.Logger(),
	})
	handler := newRecordingHandler()
	session, err := transport.Open(context.Background(), room, handler)
	if err != nil {
		t.Fatalf("Open(%s): %v", peerID, err)
	}
	return session, handler
}

// TestWebRTCTransport_PeersExchangeMessages opens two sessions in one
// room through a MemorySignaler and checks that broadcast and directed
// messages cross the data channel in both directions.
func TestWebRTCTransport_PeersExchangeMessages(t *testing.T) {
	signaler := NewMemorySignaler()
	room := testutil.UniqueID("room")

	alpha, alphaEvents := openWebRTC(t, signaler, room, "alpha")
	defer alpha.Close()
	beta, betaEvents := openWebRTC(t, signaler, room, "beta")
	defer beta.Close()

	if got := testutil.RequireReceive(t, alphaEvents.joined, webrtcTimeout, "alpha waiting for beta"); got != "beta" {
		t.Fatalf("alpha joined peer = %q, want %q", got, "beta")
	}
	if got := testutil.RequireReceive(t, betaEvents.joined, webrtcTimeout, "beta waiting for alpha"); got != "alpha" {
		t.Fatalf("beta joined peer = %q, want %q", got, "alpha")
	}

	if err := alpha.Broadcast([]byte("hello beta")); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	message := testutil.RequireReceive(t, betaEvents.messages, webrtcTimeout, "beta waiting for broadcast")
	if message.peerID != "alpha" || string(message.payload) != "hello beta" {
		t.Fatalf("beta received %q from %q, want %q from alpha", message.payload, message.peerID, "hello beta")
	}

	large := bytes.Repeat([]byte{0x5a}, 200<<10)
	if err := beta.SendTo("alpha", large); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	message = testutil.RequireReceive(t, alphaEvents.messages, webrtcTimeout, "alpha waiting for large message")
	if message.peerID != "beta" || !bytes.Equal(message.payload, large) {
		t.Fatalf("alpha received %d bytes from %q, want %d from beta", len(message.payload), message.peerID, len(large))
	}

	if err := beta.SendTo("gamma", []byte("x")); err == nil {
		t.Fatal("SendTo unknown peer succeeded")
	}
}

func TestWebRTCTransport_CloseNotifiesPeers(t *testing.T) {
	signaler := NewMemorySignaler()
	room := testutil.UniqueID("room")

	alpha, alphaEvents := openWebRTC(t, signaler, room, "alpha")
	defer alpha.Close()
	beta, betaEvents := openWebRTC(t, signaler, room, "beta")

	testutil.RequireReceive(t, alphaEvents.joined, webrtcTimeout, "alpha waiting for beta")
	testutil.RequireReceive(t, betaEvents.joined, webrtcTimeout, "beta waiting for alpha")

	if err := beta.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := testutil.RequireReceive(t, alphaEvents.left, webrtcTimeout, "alpha waiting for beta to leave"); got != "beta" {
		t.Fatalf("alpha left peer = %q, want %q", got, "beta")
	}
	testutil.RequireNoReceive(t, betaEvents.left, 100*time.Millisecond, "closed session reported a peer leaving")
	if members := signaler.Members(room); len(members) != 1 || members[0] != "alpha" {
		t.Fatalf("room members = %v, want [alpha]", members)
	}
	if err := beta.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestWebRTCTransport_SignalingLossClosesSession(t *testing.T) {
	signaler := NewMemorySignaler()
	room := testutil.UniqueID("room")

	session, events := openWebRTC(t, signaler, room, "alpha")
	defer session.Close()

	// Leaving on the session's behalf closes its message channel, as a
	// dropped signaling connection would.
	signaler.Leave(room, "alpha")

	err := testutil.RequireReceive(t, events.closed, 5*time.Second, "waiting for session to close")
	if err == nil {
		t.Fatal("Closed(nil), want an error")
	}
}

func TestWebRTCTransport_OpenWithoutSignaler(t *testing.T) {
	transport := NewWebRTCTransport(WebRTCConfig{PeerID: "alpha", Logger: testutil.Logger()})
	if _, err := transport.Open(context.Background(), "room", newRecordingHandler()); err == nil {
		t.Fatal("Open without a signaler succeeded")
	}
}

// TestWebRTCTransport_ManagerLifecycle drives two managers over real
// WebRTC sessions and checks the peer events they emit.
func TestWebRTCTransport_ManagerLifecycle(t *testing.T) {
	signaler := NewMemorySignaler()
	room := testutil.UniqueID("room")

	newManager := func(peerID string) (*Manager, chan Event) {
		manager := NewManager(ManagerConfig{
			Room:             room,
			SignalingServers: []string{"memory"},
			Transport: NewWebRTCTransport(WebRTCConfig{
				Signaler: signaler,
				PeerID:   peerID,
				Logger:   testutil.Logger(),
			}),
			Logger: testutil.Logger(),
		})
		events := make(chan Event, 64)
		manager.Subscribe(func(event Event) {
			if event.Type == EventPeerConnected || event.Type == EventPeerDisconnected {
				events <- event
			}
		})
		return manager, events
	}

	alpha, alphaEvents := newManager("alpha")
	defer alpha.Close()
	beta, betaEvents := newManager("beta")
	defer beta.Close()

	ctx := context.Background()
	if err := alpha.Connect(ctx); err != nil {
		t.Fatalf("alpha Connect: %v", err)
	}
	if err := beta.Connect(ctx); err != nil {
		t.Fatalf("beta Connect: %v", err)
	}

	event := testutil.RequireReceive(t, alphaEvents, webrtcTimeout, "alpha waiting for peer")
	if event.Type != EventPeerConnected || event.PeerID != "beta" {
		t.Fatalf("alpha event = %v %q, want peer-connected beta", event.Type, event.PeerID)
	}
	testutil.RequireReceive(t, betaEvents, webrtcTimeout, "beta waiting for peer")
	if status := alpha.Status(); status.State != Connected || status.ConnectedPeers != 1 {
		t.Fatalf("alpha status = %+v, want connected with one peer", status)
	}

	if err := beta.Disconnect(); err != nil {
		t.Fatalf("beta Disconnect: %v", err)
	}
	event = testutil.RequireReceive(t, alphaEvents, webrtcTimeout, "alpha waiting for peer to leave")
	if event.Type != EventPeerDisconnected || event.PeerID != "beta" {
		t.Fatalf("alpha event = %v %q, want peer-disconnected beta", event.Type, event.PeerID)
	}
}
