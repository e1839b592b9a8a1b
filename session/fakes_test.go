// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"

	"github.com/bureau-foundation/quire/transport"
)

// loopNetwork connects loopTransports in one process. Joins are seen
// by both sides at once and messages are delivered synchronously.
type loopNetwork struct {
	mu      sync.Mutex
	members map[string]*loopSession
}

func newLoopNetwork() *loopNetwork {
	return &loopNetwork{members: make(map[string]*loopSession)}
}

func (n *loopNetwork) others(peerID string) []*loopSession {
	n.mu.Lock()
	defer n.mu.Unlock()
	var others []*loopSession
	for _, id := range slices.Sorted(maps.Keys(n.members)) {
		if id != peerID {
			others = append(others, n.members[id])
		}
	}
	return others
}

type loopTransport struct {
	network *loopNetwork
	peerID  string

	mu    sync.Mutex
	err   error
	opens int
	last  *loopSession
}

func (l *loopTransport) setErr(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

func (l *loopTransport) openCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opens
}

func (l *loopTransport) Open(_ context.Context, _ string, handler transport.SessionHandler) (transport.Session, error) {
	l.mu.Lock()
	l.opens++
	err := l.err
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}

	session := &loopSession{network: l.network, peerID: l.peerID, handler: handler}
	others := l.network.others(l.peerID)
	l.network.mu.Lock()
	l.network.members[l.peerID] = session
	l.network.mu.Unlock()
	l.mu.Lock()
	l.last = session
	l.mu.Unlock()
	for _, other := range others {
		other.handler.PeerJoined(l.peerID)
		handler.PeerJoined(other.peerID)
	}
	return session, nil
}

// drop ends the current session as though the link failed.
func (l *loopTransport) drop() {
	l.mu.Lock()
	session := l.last
	l.mu.Unlock()
	if session != nil && session.leave() {
		session.handler.Closed(errors.New("link lost"))
	}
}

type loopSession struct {
	network *loopNetwork
	peerID  string
	handler transport.SessionHandler

	mu     sync.Mutex
	closed bool
}

func (s *loopSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *loopSession) Broadcast(payload []byte) error {
	if s.isClosed() {
		return errors.New("session closed")
	}
	for _, other := range s.network.others(s.peerID) {
		other.handler.Message(s.peerID, payload)
	}
	return nil
}

func (s *loopSession) SendTo(peerID string, payload []byte) error {
	if s.isClosed() {
		return errors.New("session closed")
	}
	s.network.mu.Lock()
	other := s.network.members[peerID]
	s.network.mu.Unlock()
	if other == nil {
		return transport.ErrUnknownPeer
	}
	other.handler.Message(s.peerID, payload)
	return nil
}

func (s *loopSession) Close() error {
	s.leave()
	return nil
}

// leave removes the session from the network and tells the others. It
// reports whether the session was still open.
func (s *loopSession) leave() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.mu.Unlock()

	s.network.mu.Lock()
	if s.network.members[s.peerID] == s {
		delete(s.network.members, s.peerID)
	}
	s.network.mu.Unlock()
	for _, other := range s.network.others(s.peerID) {
		other.handler.PeerLeft(s.peerID)
	}
	return true
}
