// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Compile-time interface check.
var _ Signaler = (*MemorySignaler)(nil)

// memorySignalBuffer is the per-member queue depth. Messages published
// to a full queue are dropped.
const memorySignalBuffer = 256

// MemorySignaler is an in-process Signaler. Two WebRTCTransport
// instances sharing a MemorySignaler find each other without any
// network signaling.
type MemorySignaler struct {
	mu    sync.Mutex
	rooms map[string]map[string]chan SignalMessage
}

// NewMemorySignaler creates an empty in-process signaler.
func NewMemorySignaler() *MemorySignaler {
	return &MemorySignaler{rooms: make(map[string]map[string]chan SignalMessage)}
}

func (s *MemorySignaler) Join(_ context.Context, room, peerID string) (<-chan SignalMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.rooms[room]
	if members == nil {
		members = make(map[string]chan SignalMessage)
		s.rooms[room] = members
	}
	if _, ok := members[peerID]; ok {
		return nil, fmt.Errorf("peer %s already joined room %q", peerID, room)
	}
	messages := make(chan SignalMessage, memorySignalBuffer)
	members[peerID] = messages
	return messages, nil
}

func (s *MemorySignaler) Publish(_ context.Context, room string, message SignalMessage) error {
	if err := message.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for peerID, messages := range s.rooms[room] {
		if peerID == message.From || (message.To != "" && message.To != peerID) {
			continue
		}
		select {
		case messages <- message:
		default:
		}
	}
	return nil
}

func (s *MemorySignaler) Leave(room, peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.rooms[room]
	messages, ok := members[peerID]
	if !ok {
		return nil
	}
	delete(members, peerID)
	if len(members) == 0 {
		delete(s.rooms, room)
	}
	close(messages)
	return nil
}

// Members returns the peers joined to room, sorted.
func (s *MemorySignaler) Members(room string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.rooms[room]))
}
