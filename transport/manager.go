// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
)

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("transport: manager closed")

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Room names the shared room every session joins.
	Room string

	// SignalingServers lists the endpoints used to find peers. Connect
	// fails with ErrNoSignalingServer when it is empty.
	SignalingServers []string

	// Transport opens sessions.
	Transport Transport

	Logger *slog.Logger
}

// Manager owns the connection lifecycle for one room: Disconnected,
// Connecting, Connected, or Error. It never retries on its own; a
// Reconnector or the host calls Connect again. All state transitions,
// peer changes, and inbound messages are delivered to subscribers,
// outside the manager's lock. Manager is safe for concurrent use.
type Manager struct {
	room      string
	servers   []string
	transport Transport
	logger    *slog.Logger

	mu        sync.Mutex
	closed    bool
	state     State
	attempts  int
	lastError error
	session   Session
	// generation identifies the current session so callbacks from a
	// session that has since been replaced are ignored.
	generation uint64
	peers      map[string]struct{}
	// pending holds peers that joined while Connecting. Their
	// PeerConnected events follow the transition to Connected.
	pending     []string
	subscribers map[int]func(Event)
	nextID      int
}

// NewManager returns a Disconnected manager.
func NewManager(config ManagerConfig) *Manager {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		room:        config.Room,
		servers:     slices.Clone(config.SignalingServers),
		transport:   config.Transport,
		logger:      logger.With("room", config.Room),
		peers:       make(map[string]struct{}),
		subscribers: make(map[int]func(Event)),
	}
}

// Room returns the room name.
func (m *Manager) Room() string { return m.room }

// SignalingServers returns the configured signaling endpoints.
func (m *Manager) SignalingServers() []string { return slices.Clone(m.servers) }

// Status returns the current state, peer count, attempt count, and the
// cause of the last failure.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:          m.state,
		ConnectedPeers: len(m.peers),
		AttemptCount:   m.attempts,
		LastError:      m.lastError,
	}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Peers returns the connected peer ids, sorted.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.peers))
}

// Subscribe registers handler for every manager event and returns a
// function that removes it. A panicking handler is logged and does not
// affect other handlers.
func (m *Manager) Subscribe(handler func(Event)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subscribers[id] = handler
	return func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}

// Connect opens a session. It returns nil immediately when the manager
// is already Connecting or Connected. Otherwise it moves to Connecting,
// counts an attempt, and blocks on the transport handshake: success
// moves to Connected, failure to Error with the cause recorded and
// returned. A panic raised by the transport is recovered into an error.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state == Connecting || m.state == Connected {
		m.mu.Unlock()
		return nil
	}
	m.attempts++
	var events []Event
	if len(m.servers) == 0 {
		events = m.failLocked(ErrNoSignalingServer, events)
		subscribers := m.subscribersLocked()
		m.mu.Unlock()
		m.emit(subscribers, events)
		return ErrNoSignalingServer
	}
	events = m.setStateLocked(Connecting, nil, events)
	m.generation++
	generation := m.generation
	subscribers := m.subscribersLocked()
	m.mu.Unlock()
	m.emit(subscribers, events)

	m.logger.Info("connecting", "attempt", m.Status().AttemptCount)
	session, err := m.open(ctx, &sessionHandler{manager: m, generation: generation})

	m.mu.Lock()
	events = nil
	switch {
	case m.closed:
		clear(m.peers)
		m.pending = nil
		m.state = Disconnected
		m.mu.Unlock()
		if session != nil {
			session.Close()
		}
		return ErrClosed
	case generation != m.generation:
		// The session reported Closed before the handshake returned.
		// Its teardown already dropped the peers.
		if session != nil {
			session.Close()
		}
		if m.state == Error && m.lastError != nil {
			err = m.lastError
		} else {
			err = errors.New("session closed during handshake")
			events = m.failLocked(err, events)
		}
		err = fmt.Errorf("joining room %q: %w", m.room, err)
	case err != nil:
		err = fmt.Errorf("joining room %q: %w", m.room, err)
		clear(m.peers)
		m.pending = nil
		events = m.failLocked(err, events)
	default:
		m.session = session
		m.lastError = nil
		events = m.setStateLocked(Connected, nil, events)
		for _, peerID := range m.pending {
			events = append(events, Event{Type: EventPeerConnected, PeerID: peerID, State: Connected})
		}
		m.pending = nil
	}
	subscribers = m.subscribersLocked()
	m.mu.Unlock()
	m.emit(subscribers, events)

	if err != nil {
		m.logger.Warn("connection failed", "error", err)
		return err
	}
	m.logger.Info("connected")
	return nil
}

// open calls the transport, converting a panic into an error.
func (m *Manager) open(ctx context.Context, handler SessionHandler) (session Session, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			session = nil
			err = fmt.Errorf("transport panicked: %v", recovered)
		}
	}()
	if m.transport == nil {
		return nil, errors.New("no transport configured")
	}
	return m.transport.Open(ctx, m.room, handler)
}

// Disconnect closes the session when Connected and moves to
// Disconnected. In any other state it does nothing and emits nothing.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.state != Connected {
		m.mu.Unlock()
		return nil
	}
	session := m.session
	events := m.teardownLocked(Disconnected, nil, nil)
	subscribers := m.subscribersLocked()
	m.mu.Unlock()

	var err error
	if session != nil {
		if closeErr := session.Close(); closeErr != nil {
			err = fmt.Errorf("closing session: %w", closeErr)
		}
	}
	m.emit(subscribers, events)
	m.logger.Info("disconnected")
	return err
}

// teardownLocked drops the session and every peer, then moves to
// state. The session itself is not closed.
func (m *Manager) teardownLocked(state State, cause error, events []Event) []Event {
	m.session = nil
	m.generation++
	m.pending = nil
	for _, peerID := range slices.Sorted(maps.Keys(m.peers)) {
		delete(m.peers, peerID)
		events = append(events, Event{Type: EventPeerDisconnected, PeerID: peerID, State: m.state})
	}
	if state == Error {
		return m.failLocked(cause, events)
	}
	return m.setStateLocked(state, nil, events)
}

// AddPeer records a connected peer. It emits EventPeerConnected only
// when the peer was not already recorded.
func (m *Manager) AddPeer(peerID string) {
	m.mu.Lock()
	events := m.addPeerLocked(peerID, nil)
	subscribers := m.subscribersLocked()
	m.mu.Unlock()
	m.emit(subscribers, events)
}

// RemovePeer forgets a peer. It emits EventPeerDisconnected only when
// the peer was recorded.
func (m *Manager) RemovePeer(peerID string) {
	m.mu.Lock()
	events := m.removePeerLocked(peerID, nil)
	subscribers := m.subscribersLocked()
	m.mu.Unlock()
	m.emit(subscribers, events)
}

func (m *Manager) addPeerLocked(peerID string, events []Event) []Event {
	if _, ok := m.peers[peerID]; ok || peerID == "" {
		return events
	}
	m.peers[peerID] = struct{}{}
	if m.state == Connecting {
		m.pending = append(m.pending, peerID)
		return events
	}
	m.logger.Info("peer connected", "peer", peerID, "peers", len(m.peers))
	return append(events, Event{Type: EventPeerConnected, PeerID: peerID, State: m.state})
}

func (m *Manager) removePeerLocked(peerID string, events []Event) []Event {
	if _, ok := m.peers[peerID]; !ok {
		return events
	}
	delete(m.peers, peerID)
	if index := slices.Index(m.pending, peerID); index >= 0 {
		m.pending = slices.Delete(m.pending, index, index+1)
		return events
	}
	m.logger.Info("peer disconnected", "peer", peerID, "peers", len(m.peers))
	return append(events, Event{Type: EventPeerDisconnected, PeerID: peerID, State: m.state})
}

// Broadcast sends payload to every peer in the current session.
func (m *Manager) Broadcast(payload []byte) error {
	session := m.currentSession()
	if session == nil {
		return ErrNotConnected
	}
	return session.Broadcast(payload)
}

// SendTo sends payload to one peer in the current session.
func (m *Manager) SendTo(peerID string, payload []byte) error {
	session := m.currentSession()
	if session == nil {
		return ErrNotConnected
	}
	return session.SendTo(peerID, payload)
}

func (m *Manager) currentSession() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connected {
		return nil
	}
	return m.session
}

// Close disconnects and drops every subscriber. Later Connect calls
// return ErrClosed. Close is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	err := m.Disconnect()

	m.mu.Lock()
	m.closed = true
	// Invalidate an in-flight Connect.
	m.generation++
	clear(m.subscribers)
	m.mu.Unlock()
	return err
}

func (m *Manager) setStateLocked(state State, cause error, events []Event) []Event {
	if m.state == state {
		return events
	}
	previous := m.state
	m.state = state
	return append(events, Event{Type: EventStateChanged, State: state, Previous: previous, Err: cause})
}

func (m *Manager) failLocked(cause error, events []Event) []Event {
	m.lastError = cause
	return m.setStateLocked(Error, cause, events)
}

func (m *Manager) subscribersLocked() []func(Event) {
	subscribers := make([]func(Event), 0, len(m.subscribers))
	for _, id := range slices.Sorted(maps.Keys(m.subscribers)) {
		subscribers = append(subscribers, m.subscribers[id])
	}
	return subscribers
}

func (m *Manager) emit(subscribers []func(Event), events []Event) {
	for _, event := range events {
		for _, subscriber := range subscribers {
			m.deliver(subscriber, event)
		}
	}
}

func (m *Manager) deliver(subscriber func(Event), event Event) {
	defer func() {
		if recovered := recover(); recovered != nil {
			m.logger.Error("manager subscriber panicked",
				"event", event.Type.String(),
				"panic", fmt.Sprint(recovered),
			)
		}
	}()
	subscriber(event)
}

// sessionHandler routes one session's callbacks into the manager,
// ignoring them once that session is no longer current.
type sessionHandler struct {
	manager    *Manager
	generation uint64
}

func (h *sessionHandler) current() bool {
	return h.manager.generation == h.generation && !h.manager.closed
}

func (h *sessionHandler) PeerJoined(peerID string) {
	m := h.manager
	m.mu.Lock()
	var events []Event
	if h.current() {
		events = m.addPeerLocked(peerID, nil)
	}
	subscribers := m.subscribersLocked()
	m.mu.Unlock()
	m.emit(subscribers, events)
}

func (h *sessionHandler) PeerLeft(peerID string) {
	m := h.manager
	m.mu.Lock()
	var events []Event
	if h.current() {
		events = m.removePeerLocked(peerID, nil)
	}
	subscribers := m.subscribersLocked()
	m.mu.Unlock()
	m.emit(subscribers, events)
}

func (h *sessionHandler) Message(peerID string, payload []byte) {
	m := h.manager
	m.mu.Lock()
	if !h.current() {
		m.mu.Unlock()
		return
	}
	subscribers := m.subscribersLocked()
	m.mu.Unlock()
	m.emit(subscribers, []Event{{Type: EventMessage, PeerID: peerID, Payload: payload, State: Connected}})
}

func (h *sessionHandler) Closed(err error) {
	m := h.manager
	m.mu.Lock()
	if !h.current() {
		m.mu.Unlock()
		return
	}
	var events []Event
	if err != nil {
		events = m.teardownLocked(Error, fmt.Errorf("session closed: %w", err), nil)
	} else {
		events = m.teardownLocked(Disconnected, nil, nil)
	}
	subscribers := m.subscribersLocked()
	m.mu.Unlock()
	m.emit(subscribers, events)
	if err != nil {
		m.logger.Warn("session failed", "error", err)
	} else {
		m.logger.Info("session ended")
	}
}
