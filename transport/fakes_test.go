// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
)

// fakeTransport is a Transport whose sessions live in a fakeNetwork.
// Joining peers see each other immediately and messages are delivered
// synchronously on the sender's goroutine.
type fakeTransport struct {
	network *fakeNetwork
	peerID  string

	mu    sync.Mutex
	opens int
	// err, when set, is returned by Open.
	err error
	// panicValue, when set, makes Open panic.
	panicValue any
	// block, when set, makes Open wait until it is closed.
	block    chan struct{}
	entered  chan struct{}
	sessions []*fakeSession
	// endDuringOpen makes the session report Closed(endErr) before Open
	// returns it.
	endDuringOpen bool
	endErr        error
}

func newFakeTransport(network *fakeNetwork, peerID string) *fakeTransport {
	if network == nil {
		network = newFakeNetwork()
	}
	return &fakeTransport{network: network, peerID: peerID}
}

func (f *fakeTransport) Open(ctx context.Context, room string, handler SessionHandler) (Session, error) {
	f.mu.Lock()
	f.opens++
	err, panicValue, block, entered := f.err, f.panicValue, f.block, f.entered
	endDuringOpen, endErr := f.endDuringOpen, f.endErr
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if panicValue != nil {
		panic(panicValue)
	}
	if err != nil {
		return nil, err
	}
	session := &fakeSession{network: f.network, room: room, peerID: f.peerID, handler: handler}
	f.mu.Lock()
	f.sessions = append(f.sessions, session)
	f.mu.Unlock()
	f.network.join(session)
	if endDuringOpen {
		session.fail(endErr)
	}
	return session, nil
}

func (f *fakeTransport) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeTransport) lastSession() *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

type fakeNetwork struct {
	mu      sync.Mutex
	members map[string]*fakeSession
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{members: make(map[string]*fakeSession)}
}

func (n *fakeNetwork) join(session *fakeSession) {
	n.mu.Lock()
	others := n.othersLocked(session.peerID)
	n.members[session.peerID] = session
	n.mu.Unlock()
	for _, other := range others {
		other.handler.PeerJoined(session.peerID)
		session.handler.PeerJoined(other.peerID)
	}
}

func (n *fakeNetwork) leave(session *fakeSession) {
	n.mu.Lock()
	if n.members[session.peerID] != session {
		n.mu.Unlock()
		return
	}
	delete(n.members, session.peerID)
	others := n.othersLocked(session.peerID)
	n.mu.Unlock()
	for _, other := range others {
		other.handler.PeerLeft(session.peerID)
	}
}

func (n *fakeNetwork) othersLocked(peerID string) []*fakeSession {
	var others []*fakeSession
	for _, id := range slices.Sorted(maps.Keys(n.members)) {
		if id != peerID {
			others = append(others, n.members[id])
		}
	}
	return others
}

func (n *fakeNetwork) member(peerID string) *fakeSession {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.members[peerID]
}

type fakeSession struct {
	network *fakeNetwork
	room    string
	peerID  string
	handler SessionHandler

	mu         sync.Mutex
	closed     bool
	broadcasts [][]byte
	directed   []receivedMessage
}

func (s *fakeSession) Broadcast(payload []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("session closed")
	}
	s.broadcasts = append(s.broadcasts, payload)
	s.mu.Unlock()

	s.network.mu.Lock()
	others := s.network.othersLocked(s.peerID)
	s.network.mu.Unlock()
	for _, other := range others {
		other.handler.Message(s.peerID, payload)
	}
	return nil
}

func (s *fakeSession) SendTo(peerID string, payload []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("session closed")
	}
	s.directed = append(s.directed, receivedMessage{peerID: peerID, payload: payload})
	s.mu.Unlock()

	other := s.network.member(peerID)
	if other == nil {
		return ErrUnknownPeer
	}
	other.handler.Message(s.peerID, payload)
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.network.leave(s)
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) sentBroadcasts() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.broadcasts)
}

// fail ends the session as though the transport dropped it.
func (s *fakeSession) fail(err error) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.network.leave(s)
	s.handler.Closed(err)
}
