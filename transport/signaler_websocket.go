// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/bureau-foundation/quire/lib/clock"
)

// Compile-time interface check.
var _ Signaler = (*WebSocketSignaler)(nil)

const (
	// DefaultSignalingServer is used when no signaling server is
	// configured.
	DefaultSignalingServer = "ws://localhost:4444"

	// DefaultPingInterval is how often a WebSocketSignaler pings its
	// server to keep the connection alive through proxies.
	DefaultPingInterval = 30 * time.Second

	// DefaultPublishRate and DefaultPublishBurst bound how fast a
	// WebSocketSignaler publishes, in messages per second.
	DefaultPublishRate  = 20
	DefaultPublishBurst = 40

	signalingWriteTimeout = 10 * time.Second
	signalingInboxSize    = 64
)

// Envelope types of the room pub/sub protocol shared by
// WebSocketSignaler and SignalingServer.
const (
	envelopeSubscribe   = "subscribe"
	envelopeUnsubscribe = "unsubscribe"
	envelopePublish     = "publish"
	envelopePing        = "ping"
	envelopePong        = "pong"
)

// signalEnvelope is one JSON message on a signaling connection. The
// format matches the y-webrtc signaling server, so either side can
// talk to the other's implementation.
type signalEnvelope struct {
	Type    string          `json:"type"`
	Topics  []string        `json:"topics,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Clients int             `json:"clients,omitempty"`
}

// WebSocketSignalerConfig configures a WebSocketSignaler.
type WebSocketSignalerConfig struct {
	// Servers are tried in order; Join uses the first that accepts a
	// connection.
	Servers []string

	// PingInterval defaults to DefaultPingInterval.
	PingInterval time.Duration

	// PublishRate and PublishBurst default to DefaultPublishRate and
	// DefaultPublishBurst.
	PublishRate  float64
	PublishBurst int

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	Clock  clock.Clock
	Logger *slog.Logger
}

// WebSocketSignaler relays signaling through a WebSocket pub/sub
// server, one connection per joined room.
type WebSocketSignaler struct {
	servers      []string
	pingInterval time.Duration
	dialer       *websocket.Dialer
	limiter      *rate.Limiter
	clock        clock.Clock
	logger       *slog.Logger

	mu      sync.Mutex
	members map[string]*signalMember
}

// signalMember is one room subscription.
type signalMember struct {
	room   string
	peerID string
	server string
	conn   *websocket.Conn

	writeMu sync.Mutex

	inbox    chan SignalMessage
	done     chan struct{}
	finished chan struct{}
	stopOnce sync.Once
}

// NewWebSocketSignaler returns a signaler for config.Servers. No
// connection is made until Join.
func NewWebSocketSignaler(config WebSocketSignalerConfig) *WebSocketSignaler {
	pingInterval := config.PingInterval
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	publishRate := config.PublishRate
	if publishRate <= 0 {
		publishRate = DefaultPublishRate
	}
	publishBurst := config.PublishBurst
	if publishBurst <= 0 {
		publishBurst = DefaultPublishBurst
	}
	dialer := config.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketSignaler{
		servers:      slices.Clone(config.Servers),
		pingInterval: pingInterval,
		dialer:       dialer,
		limiter:      rate.NewLimiter(rate.Limit(publishRate), publishBurst),
		clock:        clk,
		logger:       logger,
		members:      make(map[string]*signalMember),
	}
}

// Join connects to the first reachable server and subscribes to room.
// If no server is reachable the error from the last one is returned as
// a *SignalingError.
func (s *WebSocketSignaler) Join(ctx context.Context, room, peerID string) (<-chan SignalMessage, error) {
	if len(s.servers) == 0 {
		return nil, ErrNoSignalingServer
	}
	s.mu.Lock()
	if _, ok := s.members[room]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("already joined room %q", room)
	}
	s.mu.Unlock()

	var lastErr error
	for _, server := range s.servers {
		conn, _, err := s.dialer.DialContext(ctx, server, nil)
		if err != nil {
			lastErr = &SignalingError{Server: server, Op: "dial", Err: err}
			s.logger.Warn("signaling server unreachable", "server", server, "error", err)
			continue
		}
		member := &signalMember{
			room:     room,
			peerID:   peerID,
			server:   server,
			conn:     conn,
			inbox:    make(chan SignalMessage, signalingInboxSize),
			done:     make(chan struct{}),
			finished: make(chan struct{}),
		}
		if err := member.write(signalEnvelope{Type: envelopeSubscribe, Topics: []string{room}}); err != nil {
			conn.Close()
			lastErr = &SignalingError{Server: server, Op: "subscribe", Err: err}
			continue
		}

		s.mu.Lock()
		if _, ok := s.members[room]; ok {
			s.mu.Unlock()
			conn.Close()
			return nil, fmt.Errorf("already joined room %q", room)
		}
		s.members[room] = member
		s.mu.Unlock()

		ticker := s.clock.NewTicker(s.pingInterval)
		go s.pingLoop(member, ticker)
		go s.readLoop(member)
		s.logger.Info("joined signaling room", "server", server, "room", room, "peer", peerID)
		return member.inbox, nil
	}
	return nil, lastErr
}

// Publish sends message to room through the room's connection, waiting
// for the publish rate limiter.
func (s *WebSocketSignaler) Publish(ctx context.Context, room string, message SignalMessage) error {
	if err := message.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	member := s.members[room]
	s.mu.Unlock()
	if member == nil {
		return fmt.Errorf("publishing to room %q: %w", room, ErrNotConnected)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("publishing to room %q: %w", room, err)
	}
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encoding signal message: %w", err)
	}
	if err := member.write(signalEnvelope{Type: envelopePublish, Topic: room, Data: data}); err != nil {
		return &SignalingError{Server: member.server, Op: "publish", Err: err}
	}
	return nil
}

// Leave unsubscribes from room and closes its connection. The room's
// message channel is closed before Leave returns.
func (s *WebSocketSignaler) Leave(room, peerID string) error {
	s.mu.Lock()
	member := s.members[room]
	if member == nil || member.peerID != peerID {
		s.mu.Unlock()
		return nil
	}
	delete(s.members, room)
	s.mu.Unlock()

	err := member.write(signalEnvelope{Type: envelopeUnsubscribe, Topics: []string{room}})
	member.stop()
	<-member.finished
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return &SignalingError{Server: member.server, Op: "unsubscribe", Err: err}
	}
	return nil
}

// Close leaves every room.
func (s *WebSocketSignaler) Close() error {
	s.mu.Lock()
	members := make([]*signalMember, 0, len(s.members))
	for _, member := range s.members {
		members = append(members, member)
	}
	s.mu.Unlock()
	var errs []error
	for _, member := range members {
		errs = append(errs, s.Leave(member.room, member.peerID))
	}
	return errors.Join(errs...)
}

func (s *WebSocketSignaler) readLoop(member *signalMember) {
	defer close(member.finished)
	defer close(member.inbox)
	defer member.stop()
	for {
		var envelope signalEnvelope
		if err := member.conn.ReadJSON(&envelope); err != nil {
			s.mu.Lock()
			lost := s.members[member.room] == member
			if lost {
				delete(s.members, member.room)
			}
			s.mu.Unlock()
			if lost {
				s.logger.Warn("signaling connection lost",
					"server", member.server,
					"room", member.room,
					"error", err,
				)
			}
			return
		}
		if envelope.Type != envelopePublish || envelope.Topic != member.room {
			continue
		}
		var message SignalMessage
		if err := json.Unmarshal(envelope.Data, &message); err != nil {
			s.logger.Warn("dropping undecodable signal", "server", member.server, "error", err)
			continue
		}
		if err := message.validate(); err != nil {
			s.logger.Warn("dropping invalid signal", "server", member.server, "error", err)
			continue
		}
		// The server echoes publishes back to the sender.
		if message.From == member.peerID || (message.To != "" && message.To != member.peerID) {
			continue
		}
		select {
		case member.inbox <- message:
		case <-member.done:
			return
		}
	}
}

func (s *WebSocketSignaler) pingLoop(member *signalMember, ticker *clock.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-member.done:
			return
		case <-ticker.C:
			if err := member.write(signalEnvelope{Type: envelopePing}); err != nil {
				s.logger.Debug("signaling ping failed", "server", member.server, "error", err)
				member.stop()
				return
			}
		}
	}
}

func (m *signalMember) write(envelope signalEnvelope) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.conn.SetWriteDeadline(time.Now().Add(signalingWriteTimeout))
	return m.conn.WriteJSON(envelope)
}

// stop closes the connection, which ends readLoop.
func (m *signalMember) stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.conn.Close()
	})
}
