// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/quire/lib/testutil"
)

func TestMemorySignaler_RoutesMessages(t *testing.T) {
	signaler := NewMemorySignaler()
	ctx := context.Background()

	alpha, err := signaler.Join(ctx, "room", "alpha")
	if err != nil {
		t.Fatalf("Join alpha: %v", err)
	}
	beta, err := signaler.Join(ctx, "room", "beta")
	if err != nil {
		t.Fatalf("Join beta: %v", err)
	}
	gamma, err := signaler.Join(ctx, "room", "gamma")
	if err != nil {
		t.Fatalf("Join gamma: %v", err)
	}
	if _, err := signaler.Join(ctx, "room", "alpha"); err == nil {
		t.Fatal("second Join for the same peer succeeded")
	}

	if err := signaler.Publish(ctx, "room", SignalMessage{Type: SignalAnnounce, From: "alpha"}); err != nil {
		t.Fatalf("Publish announce: %v", err)
	}
	for _, inbox := range []<-chan SignalMessage{beta, gamma} {
		if message := testutil.RequireReceive(t, inbox, time.Second, "announce"); message.From != "alpha" {
			t.Fatalf("announce from %q, want alpha", message.From)
		}
	}
	testutil.RequireNoReceive(t, alpha, 50*time.Millisecond, "sender received its own announce")

	offer := SignalMessage{Type: SignalOffer, From: "alpha", To: "beta", SDP: "v=0"}
	if err := signaler.Publish(ctx, "room", offer); err != nil {
		t.Fatalf("Publish offer: %v", err)
	}
	if message := testutil.RequireReceive(t, beta, time.Second, "offer"); message != offer {
		t.Fatalf("beta received %+v, want %+v", message, offer)
	}
	testutil.RequireNoReceive(t, gamma, 50*time.Millisecond, "directed offer leaked to gamma")

	if err := signaler.Leave("room", "gamma"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if _, ok := <-gamma; ok {
		t.Fatal("gamma's channel still open after Leave")
	}
	if members := signaler.Members("room"); len(members) != 2 {
		t.Fatalf("members = %v, want alpha and beta", members)
	}
}

func TestSignalMessage_Validate(t *testing.T) {
	tests := []struct {
		name    string
		message SignalMessage
		valid   bool
	}{
		{"announce", SignalMessage{Type: SignalAnnounce, From: "a"}, true},
		{"leave", SignalMessage{Type: SignalLeave, From: "a"}, true},
		{"offer", SignalMessage{Type: SignalOffer, From: "a", To: "b", SDP: "v=0"}, true},
		{"no sender", SignalMessage{Type: SignalAnnounce}, false},
		{"offer without recipient", SignalMessage{Type: SignalOffer, From: "a", SDP: "v=0"}, false},
		{"answer without sdp", SignalMessage{Type: SignalAnswer, From: "a", To: "b"}, false},
		{"unknown type", SignalMessage{Type: "candidate", From: "a"}, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.message.validate()
			if (err == nil) != test.valid {
				t.Fatalf("validate() = %v, want valid=%v", err, test.valid)
			}
		})
	}
}

func startSignalingServer(t *testing.T) (*SignalingServer, string) {
	t.Helper()
	server := NewSignalingServer(testutil.Logger())
	httpServer := httptest.NewServer(server)
	t.Cleanup(httpServer.Close)
	return server, "ws" + strings.TrimPrefix(httpServer.URL, "http")
}

func newTestWebSocketSignaler(servers ...string) *WebSocketSignaler {
	return NewWebSocketSignaler(WebSocketSignalerConfig{
		Servers:      servers,
		PingInterval: time.Hour,
		PublishRate:  1000,
		PublishBurst: 100,
		Logger:       testutil.Logger(),
	})
}

func waitForSubscribers(t *testing.T, server *SignalingServer, topic string, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for server.Subscribers(topic) != want {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers of %q = %d, want %d", topic, server.Subscribers(topic), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestWebSocketSignaler_RelaysThroughServer(t *testing.T) {
	server, url := startSignalingServer(t)
	ctx := context.Background()

	alphaSignaler := newTestWebSocketSignaler(url)
	defer alphaSignaler.Close()
	betaSignaler := newTestWebSocketSignaler(url)
	defer betaSignaler.Close()

	alpha, err := alphaSignaler.Join(ctx, "room", "alpha")
	if err != nil {
		t.Fatalf("Join alpha: %v", err)
	}
	beta, err := betaSignaler.Join(ctx, "room", "beta")
	if err != nil {
		t.Fatalf("Join beta: %v", err)
	}
	waitForSubscribers(t, server, "room", 2)

	if err := alphaSignaler.Publish(ctx, "room", SignalMessage{Type: SignalAnnounce, From: "alpha"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if message := testutil.RequireReceive(t, beta, 5*time.Second, "announce at beta"); message.From != "alpha" || message.Type != SignalAnnounce {
		t.Fatalf("beta received %+v, want announce from alpha", message)
	}

	answer := SignalMessage{Type: SignalAnswer, From: "beta", To: "alpha", SDP: "v=0"}
	if err := betaSignaler.Publish(ctx, "room", answer); err != nil {
		t.Fatalf("Publish answer: %v", err)
	}
	if message := testutil.RequireReceive(t, alpha, 5*time.Second, "answer at alpha"); message != answer {
		t.Fatalf("alpha received %+v, want %+v", message, answer)
	}
	// The server echoes alpha's own announce back; the signaler filters it.
	testutil.RequireNoReceive(t, alpha, 50*time.Millisecond, "alpha received its own message")

	if err := betaSignaler.Leave("room", "beta"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if _, ok := <-beta; ok {
		t.Fatal("beta's channel still open after Leave")
	}
	waitForSubscribers(t, server, "room", 1)
}

func TestWebSocketSignaler_FallsBackToNextServer(t *testing.T) {
	server, url := startSignalingServer(t)
	signaler := newTestWebSocketSignaler("ws://127.0.0.1:1", url)
	defer signaler.Close()

	if _, err := signaler.Join(context.Background(), "room", "alpha"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	waitForSubscribers(t, server, "room", 1)
}

func TestWebSocketSignaler_Errors(t *testing.T) {
	ctx := context.Background()

	if _, err := newTestWebSocketSignaler().Join(ctx, "room", "alpha"); !errors.Is(err, ErrNoSignalingServer) {
		t.Fatalf("Join without servers = %v, want %v", err, ErrNoSignalingServer)
	}

	_, err := newTestWebSocketSignaler("ws://127.0.0.1:1").Join(ctx, "room", "alpha")
	var signalingErr *SignalingError
	if !errors.As(err, &signalingErr) || signalingErr.Op != "dial" {
		t.Fatalf("Join to unreachable server = %v, want a dial *SignalingError", err)
	}

	err = newTestWebSocketSignaler("ws://127.0.0.1:1").Publish(ctx, "room", SignalMessage{Type: SignalAnnounce, From: "alpha"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Publish before Join = %v, want %v", err, ErrNotConnected)
	}
}

func TestWebSocketSignaler_ServerLossClosesChannel(t *testing.T) {
	server := NewSignalingServer(testutil.Logger())
	httpServer := httptest.NewServer(server)
	url := "ws" + strings.TrimPrefix(httpServer.URL, "http")

	signaler := newTestWebSocketSignaler(url)
	inbox, err := signaler.Join(context.Background(), "room", "alpha")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	server.Close()
	defer httpServer.Close()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-inbox:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after the server went away")
		}
	}
}

// TestWebRTCTransport_OverWebSocketSignaling connects two WebRTC
// sessions whose signaling goes through a real SignalingServer.
func TestWebRTCTransport_OverWebSocketSignaling(t *testing.T) {
	_, url := startSignalingServer(t)
	room := testutil.UniqueID("room")

	alphaSignaler := newTestWebSocketSignaler(url)
	defer alphaSignaler.Close()
	betaSignaler := newTestWebSocketSignaler(url)
	defer betaSignaler.Close()

	alpha, alphaEvents := openWebRTC(t, alphaSignaler, room, "alpha")
	defer alpha.Close()
	beta, betaEvents := openWebRTC(t, betaSignaler, room, "beta")
	defer beta.Close()

	testutil.RequireReceive(t, alphaEvents.joined, webrtcTimeout, "alpha waiting for beta")
	testutil.RequireReceive(t, betaEvents.joined, webrtcTimeout, "beta waiting for alpha")

	if err := beta.Broadcast([]byte("over websocket signaling")); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	message := testutil.RequireReceive(t, alphaEvents.messages, webrtcTimeout, "alpha waiting for message")
	if string(message.payload) != "over websocket signaling" {
		t.Fatalf("alpha received %q", message.payload)
	}
}
