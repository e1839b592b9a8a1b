// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/quire/lib/testutil"
)

// eventLog collects manager events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.events)
}

func (l *eventLog) ofType(eventType EventType) []Event {
	var matching []Event
	for _, event := range l.all() {
		if event.Type == eventType {
			matching = append(matching, event)
		}
	}
	return matching
}

func newTestManager(t *testing.T, transport Transport) (*Manager, *eventLog) {
	t.Helper()
	manager := NewManager(ManagerConfig{
		Room:             "notes",
		SignalingServers: []string{DefaultSignalingServer},
		Transport:        transport,
		Logger:           testutil.Logger(),
	})
	t.Cleanup(func() { manager.Close() })
	log := &eventLog{}
	manager.Subscribe(log.record)
	return manager, log
}

func states(events []Event) []State {
	var result []State
	for _, event := range events {
		if event.Type == EventStateChanged {
			result = append(result, event.State)
		}
	}
	return result
}

func TestManager_ConnectSuccess(t *testing.T) {
	transport := newFakeTransport(nil, "alpha")
	manager, log := newTestManager(t, transport)

	if got := manager.State(); got != Disconnected {
		t.Fatalf("initial state = %v, want %v", got, Disconnected)
	}
	if err := manager.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	status := manager.Status()
	if status.State != Connected || status.AttemptCount != 1 || status.LastError != nil {
		t.Fatalf("status = %+v, want connected after one attempt", status)
	}
	if got, want := states(log.all()), []State{Connecting, Connected}; !slices.Equal(got, want) {
		t.Fatalf("state events = %v, want %v", got, want)
	}
	if manager.Room() != "notes" {
		t.Fatalf("Room() = %q, want %q", manager.Room(), "notes")
	}
	if servers := manager.SignalingServers(); len(servers) != 1 || servers[0] != DefaultSignalingServer {
		t.Fatalf("SignalingServers() = %v", servers)
	}
}

func TestManager_ConnectWhileConnectingOpensOnce(t *testing.T) {
	transport := newFakeTransport(nil, "alpha")
	transport.block = make(chan struct{})
	transport.entered = make(chan struct{}, 1)
	manager, _ := newTestManager(t, transport)

	done := make(chan error, 1)
	go func() { done <- manager.Connect(context.Background()) }()
	testutil.RequireReceive(t, transport.entered, 5*time.Second, "waiting for Open")

	if got := manager.State(); got != Connecting {
		t.Fatalf("state during handshake = %v, want %v", got, Connecting)
	}
	if err := manager.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	close(transport.block)
	if err := testutil.RequireReceive(t, done, 5*time.Second, "waiting for Connect"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := manager.Connect(context.Background()); err != nil {
		t.Fatalf("Connect while connected: %v", err)
	}
	if got := transport.openCount(); got != 1 {
		t.Fatalf("Open called %d times, want 1", got)
	}
}

func TestManager_ConnectFailure(t *testing.T) {
	transport := newFakeTransport(nil, "alpha")
	cause := errors.New("ice failed")
	transport.err = cause
	manager, log := newTestManager(t, transport)

	err := manager.Connect(context.Background())
	if !errors.Is(err, cause) {
		t.Fatalf("Connect error = %v, want wrapping %v", err, cause)
	}
	status := manager.Status()
	if status.State != Error || !errors.Is(status.LastError, cause) {
		t.Fatalf("status = %+v, want error state with cause", status)
	}
	events := log.ofType(EventStateChanged)
	last := events[len(events)-1]
	if last.State != Error || last.Previous != Connecting || !errors.Is(last.Err, cause) {
		t.Fatalf("last state event = %+v, want connecting -> error with cause", last)
	}

	// Connect is re-callable after a failure.
	transport.mu.Lock()
	transport.err = nil
	transport.mu.Unlock()
	if err := manager.Connect(context.Background()); err != nil {
		t.Fatalf("retry Connect: %v", err)
	}
	status = manager.Status()
	if status.State != Connected || status.AttemptCount != 2 || status.LastError != nil {
		t.Fatalf("status after retry = %+v", status)
	}
}

func TestManager_SessionEndsDuringHandshake(t *testing.T) {
	cause := errors.New("signaling dropped")
	tests := []struct {
		name    string
		endErr  error
		wantErr error
	}{
		{name: "failure", endErr: cause, wantErr: cause},
		{name: "clean close", endErr: nil},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			transport := newFakeTransport(nil, "alpha")
			transport.endDuringOpen = true
			transport.endErr = test.endErr
			manager, log := newTestManager(t, transport)

			err := manager.Connect(context.Background())
			if err == nil || errors.Is(err, ErrClosed) {
				t.Fatalf("Connect error = %v, want a handshake failure", err)
			}
			if test.wantErr != nil && !errors.Is(err, test.wantErr) {
				t.Fatalf("Connect error = %v, want wrapping %v", err, test.wantErr)
			}
			status := manager.Status()
			if status.State != Error || status.LastError == nil {
				t.Fatalf("status = %+v, want error state with a recorded cause", status)
			}
			if test.wantErr != nil && !errors.Is(status.LastError, test.wantErr) {
				t.Fatalf("LastError = %v, want wrapping %v", status.LastError, test.wantErr)
			}
			if got := states(log.all()); got[len(got)-1] != Error {
				t.Fatalf("state events = %v, want last %v", got, Error)
			}
			if !transport.lastSession().isClosed() {
				t.Fatal("session left open after ending during the handshake")
			}

			// The manager is not closed and can connect again.
			transport.mu.Lock()
			transport.endDuringOpen = false
			transport.mu.Unlock()
			if err := manager.Connect(context.Background()); err != nil {
				t.Fatalf("retry Connect: %v", err)
			}
			if got := manager.State(); got != Connected {
				t.Fatalf("state after retry = %v, want %v", got, Connected)
			}
		})
	}
}

func TestManager_ConnectRecoversPanic(t *testing.T) {
	transport := newFakeTransport(nil, "alpha")
	transport.panicValue = "pion exploded"
	manager, _ := newTestManager(t, transport)

	err := manager.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect succeeded, want the panic as an error")
	}
	if got := manager.State(); got != Error {
		t.Fatalf("state = %v, want %v", got, Error)
	}
}

func TestManager_NoSignalingServer(t *testing.T) {
	manager := NewManager(ManagerConfig{Room: "notes", Transport: newFakeTransport(nil, "alpha"), Logger: testutil.Logger()})
	defer manager.Close()

	if err := manager.Connect(context.Background()); !errors.Is(err, ErrNoSignalingServer) {
		t.Fatalf("Connect error = %v, want %v", err, ErrNoSignalingServer)
	}
	if got := manager.State(); got != Error {
		t.Fatalf("state = %v, want %v", got, Error)
	}
}

func TestManager_DisconnectWhileDisconnectedIsSilent(t *testing.T) {
	manager, log := newTestManager(t, newFakeTransport(nil, "alpha"))

	if err := manager.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if events := log.all(); len(events) != 0 {
		t.Fatalf("Disconnect emitted %v, want nothing", events)
	}
}

func TestManager_DisconnectClosesSession(t *testing.T) {
	network := newFakeNetwork()
	transport := newFakeTransport(network, "alpha")
	manager, log := newTestManager(t, transport)
	if err := manager.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	manager.AddPeer("beta")

	if err := manager.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if !transport.lastSession().isClosed() {
		t.Fatal("session not closed")
	}
	if peers := manager.Peers(); len(peers) != 0 {
		t.Fatalf("Peers() = %v after disconnect, want none", peers)
	}
	disconnected := log.ofType(EventPeerDisconnected)
	if len(disconnected) != 1 || disconnected[0].PeerID != "beta" {
		t.Fatalf("peer-disconnected events = %+v, want one for beta", disconnected)
	}
	if got := manager.State(); got != Disconnected {
		t.Fatalf("state = %v, want %v", got, Disconnected)
	}
	if err := manager.Broadcast([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Broadcast after disconnect = %v, want %v", err, ErrNotConnected)
	}
}

func TestManager_PeerChangesAreIdempotent(t *testing.T) {
	manager, log := newTestManager(t, newFakeTransport(nil, "alpha"))
	if err := manager.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	manager.AddPeer("gamma")
	manager.AddPeer("beta")
	manager.AddPeer("beta")
	manager.RemovePeer("gamma")
	manager.RemovePeer("gamma")
	manager.RemovePeer("unknown")

	if got := len(log.ofType(EventPeerConnected)); got != 2 {
		t.Fatalf("peer-connected events = %d, want 2", got)
	}
	if got := len(log.ofType(EventPeerDisconnected)); got != 1 {
		t.Fatalf("peer-disconnected events = %d, want 1", got)
	}
	if peers := manager.Peers(); !slices.Equal(peers, []string{"beta"}) {
		t.Fatalf("Peers() = %v, want [beta]", peers)
	}
	if got := manager.Status().ConnectedPeers; got != 1 {
		t.Fatalf("ConnectedPeers = %d, want 1", got)
	}
}

func TestManager_PeersJoiningDuringConnect(t *testing.T) {
	network := newFakeNetwork()
	other := NewManager(ManagerConfig{
		Room:             "notes",
		SignalingServers: []string{DefaultSignalingServer},
		Transport:        newFakeTransport(network, "beta"),
		Logger:           testutil.Logger(),
	})
	defer other.Close()
	if err := other.Connect(context.Background()); err != nil {
		t.Fatalf("beta Connect: %v", err)
	}

	manager, log := newTestManager(t, newFakeTransport(network, "alpha"))
	if err := manager.Connect(context.Background()); err != nil {
		t.Fatalf("alpha Connect: %v", err)
	}

	// The fake network reports beta while alpha's Open is still
	// running; the event follows the Connected transition.
	events := log.all()
	if len(events) != 3 {
		t.Fatalf("events = %+v, want connecting, connected, peer-connected", events)
	}
	if events[1].Type != EventStateChanged || events[1].State != Connected {
		t.Fatalf("second event = %+v, want connected", events[1])
	}
	if events[2].Type != EventPeerConnected || events[2].PeerID != "beta" {
		t.Fatalf("third event = %+v, want peer-connected beta", events[2])
	}
}

func TestManager_SessionMessagesAndClose(t *testing.T) {
	network := newFakeNetwork()
	transport := newFakeTransport(network, "alpha")
	manager, log := newTestManager(t, transport)
	if err := manager.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	session := transport.lastSession()

	session.handler.Message("beta", []byte("payload"))
	messages := log.ofType(EventMessage)
	if len(messages) != 1 || messages[0].PeerID != "beta" || string(messages[0].Payload) != "payload" {
		t.Fatalf("message events = %+v", messages)
	}

	cause := errors.New("data channel reset")
	session.fail(cause)
	status := manager.Status()
	if status.State != Error || !errors.Is(status.LastError, cause) {
		t.Fatalf("status after session failure = %+v", status)
	}

	// Callbacks from the dead session are ignored.
	session.handler.PeerJoined("ghost")
	if peers := manager.Peers(); len(peers) != 0 {
		t.Fatalf("Peers() = %v, want none", peers)
	}
}

func TestManager_SessionEndsCleanly(t *testing.T) {
	transport := newFakeTransport(nil, "alpha")
	manager, _ := newTestManager(t, transport)
	if err := manager.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	transport.lastSession().fail(nil)
	if got := manager.State(); got != Disconnected {
		t.Fatalf("state = %v, want %v", got, Disconnected)
	}
}

func TestManager_SubscriberPanicIsContained(t *testing.T) {
	manager, log := newTestManager(t, newFakeTransport(nil, "alpha"))
	manager.Subscribe(func(Event) { panic("subscriber bug") })
	second := &eventLog{}
	manager.Subscribe(second.record)

	if err := manager.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if len(log.all()) != 2 || len(second.all()) != 2 {
		t.Fatalf("events = %d and %d, want 2 each", len(log.all()), len(second.all()))
	}
}

func TestManager_CloseStopsEverything(t *testing.T) {
	transport := newFakeTransport(nil, "alpha")
	manager, log := newTestManager(t, transport)
	if err := manager.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := manager.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	before := len(log.all())
	manager.AddPeer("beta")
	if len(log.all()) != before {
		t.Fatal("event delivered after Close")
	}
	if err := manager.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Connect after Close = %v, want %v", err, ErrClosed)
	}
	if err := manager.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestManager_UnsubscribeStopsDelivery(t *testing.T) {
	manager, _ := newTestManager(t, newFakeTransport(nil, "alpha"))
	log := &eventLog{}
	unsubscribe := manager.Subscribe(log.record)
	unsubscribe()
	if err := manager.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if events := log.all(); len(events) != 0 {
		t.Fatalf("unsubscribed handler got %v", events)
	}
}
