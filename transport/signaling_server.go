// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SignalingServer is a topic pub/sub broker over WebSockets. A client
// subscribes to topics (rooms) and every message it publishes to a
// topic is forwarded to all of the topic's subscribers, the publisher
// included. The server never interprets the published data.
type SignalingServer struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	closed  bool
	clients map[*signalClient]struct{}
	topics  map[string]map[*signalClient]struct{}
}

type signalClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	// topics is guarded by SignalingServer.mu.
	topics map[string]struct{}
}

// NewSignalingServer returns a server ready to be mounted as an
// http.Handler.
func NewSignalingServer(logger *slog.Logger) *SignalingServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignalingServer{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser peers connect from arbitrary origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*signalClient]struct{}),
		topics:  make(map[string]map[*signalClient]struct{}),
	}
}

// Close disconnects every client. Later upgrades are refused.
func (s *SignalingServer) Close() {
	s.mu.Lock()
	s.closed = true
	clients := make([]*signalClient, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.Unlock()
	for _, client := range clients {
		client.conn.Close()
	}
}

// Subscribers returns the number of clients subscribed to topic.
func (s *SignalingServer) Subscribers(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.topics[topic])
}

func (s *SignalingServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("signaling upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	client := &signalClient{conn: conn, topics: make(map[string]struct{})}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[client] = struct{}{}
	s.mu.Unlock()
	s.logger.Debug("signaling client connected", "remote", r.RemoteAddr)
	defer func() {
		s.unsubscribe(client, nil)
		s.mu.Lock()
		delete(s.clients, client)
		s.mu.Unlock()
		conn.Close()
		s.logger.Debug("signaling client disconnected", "remote", r.RemoteAddr)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var envelope signalEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			s.logger.Debug("dropping undecodable signaling message", "remote", r.RemoteAddr, "error", err)
			continue
		}
		switch envelope.Type {
		case envelopeSubscribe:
			s.subscribe(client, envelope.Topics)
		case envelopeUnsubscribe:
			s.unsubscribe(client, envelope.Topics)
		case envelopePublish:
			s.publish(envelope)
		case envelopePing:
			if err := client.send(signalEnvelope{Type: envelopePong}); err != nil {
				return
			}
		}
	}
}

func (s *SignalingServer) subscribe(client *signalClient, topics []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, topic := range topics {
		if topic == "" {
			continue
		}
		subscribers := s.topics[topic]
		if subscribers == nil {
			subscribers = make(map[*signalClient]struct{})
			s.topics[topic] = subscribers
		}
		subscribers[client] = struct{}{}
		client.topics[topic] = struct{}{}
	}
}

// unsubscribe removes client from topics, or from every topic it
// joined when topics is nil.
func (s *SignalingServer) unsubscribe(client *signalClient, topics []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if topics == nil {
		for topic := range client.topics {
			topics = append(topics, topic)
		}
	}
	for _, topic := range topics {
		delete(client.topics, topic)
		subscribers := s.topics[topic]
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(s.topics, topic)
		}
	}
}

func (s *SignalingServer) publish(envelope signalEnvelope) {
	if envelope.Topic == "" {
		return
	}
	s.mu.Lock()
	receivers := make([]*signalClient, 0, len(s.topics[envelope.Topic]))
	for client := range s.topics[envelope.Topic] {
		receivers = append(receivers, client)
	}
	s.mu.Unlock()

	envelope.Clients = len(receivers)
	for _, receiver := range receivers {
		if err := receiver.send(envelope); err != nil {
			s.logger.Debug("signaling forward failed", "topic", envelope.Topic, "error", err)
			// The receiver's read loop sees the closed connection and
			// cleans up its subscriptions.
			receiver.conn.Close()
		}
	}
}

func (c *signalClient) send(envelope signalEnvelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(signalingWriteTimeout))
	return c.conn.WriteJSON(envelope)
}
