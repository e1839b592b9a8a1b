// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/quire/access"
	"github.com/bureau-foundation/quire/lib/clock"
	"github.com/bureau-foundation/quire/lib/codec"
	"github.com/bureau-foundation/quire/lib/digest"
	"github.com/bureau-foundation/quire/replica"
)

const (
	// DefaultCompressionThreshold is the smallest frame body the
	// provider compresses.
	DefaultCompressionThreshold = 1024

	// DefaultRenewInterval is how often the provider re-announces the
	// local awareness state so peers do not time it out.
	DefaultRenewInterval = 15 * time.Second
)

// ProviderEventType distinguishes provider events.
type ProviderEventType int

const (
	// ProviderSendUpdate reports an encoded update frame broadcast for
	// a local document change.
	ProviderSendUpdate ProviderEventType = iota
	// ProviderSendAwareness reports an encoded awareness frame
	// broadcast for a local awareness change.
	ProviderSendAwareness
	// ProviderSynced reports that a peer's sync frame was applied.
	ProviderSynced
)

func (t ProviderEventType) String() string {
	switch t {
	case ProviderSendUpdate:
		return "send-update"
	case ProviderSendAwareness:
		return "send-awareness"
	case ProviderSynced:
		return "synced"
	default:
		return fmt.Sprintf("provider-event(%d)", int(t))
	}
}

// ProviderEvent is delivered to provider subscribers.
type ProviderEvent struct {
	Type ProviderEventType
	// PeerID is set for ProviderSynced.
	PeerID string
	// Payload is the encoded frame for the send events.
	Payload []byte
}

// ProviderConfig configures a Provider.
type ProviderConfig struct {
	// Compression applies to frame bodies of at least
	// CompressionThreshold bytes. Zero values mean no compression and
	// DefaultCompressionThreshold.
	Compression          codec.CompressionTag
	CompressionThreshold int

	// Authorizer, when set, gates remote document updates on
	// access.Write and remote awareness on access.Read.
	Authorizer access.Authorizer

	// Dispatch runs a function on the goroutine that owns the
	// document. The document is not safe for concurrent use, so
	// inbound frames and peer syncs touch it only through Dispatch.
	// Nil runs the function inline.
	Dispatch func(func())

	// RenewInterval is how often the local awareness state is
	// re-announced. Zero means DefaultRenewInterval; negative disables
	// renewal.
	RenewInterval time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Provider connects a document and its awareness to a Manager. Local
// document updates and local awareness changes are encoded as frames
// and broadcast. Inbound frames are applied with the provider as
// origin, which keeps them from being sent back out. When a peer
// connects the provider sends it a sync frame with the full document
// state and the local awareness; when a peer disconnects its awareness
// state is removed.
type Provider struct {
	doc       replica.Doc
	awareness *replica.Awareness
	manager   *Manager
	encoder   FrameEncoder
	authorize access.Authorizer
	dispatch  func(func())
	logger    *slog.Logger

	mu          sync.Mutex
	closed      bool
	subscribers map[int]func(ProviderEvent)
	nextID      int
	stops       []func()
	renew       *clock.Ticker
	done        chan struct{}
}

// NewProvider subscribes to doc, awareness, and manager. It does not
// connect the manager.
func NewProvider(doc replica.Doc, awareness *replica.Awareness, manager *Manager, config ProviderConfig) *Provider {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	threshold := config.CompressionThreshold
	if threshold <= 0 {
		threshold = DefaultCompressionThreshold
	}
	authorize := config.Authorizer
	if authorize == nil {
		authorize = access.AllowAll{}
	}
	dispatch := config.Dispatch
	if dispatch == nil {
		dispatch = func(fn func()) { fn() }
	}
	p := &Provider{
		doc:         doc,
		awareness:   awareness,
		manager:     manager,
		encoder:     FrameEncoder{Compression: config.Compression, Threshold: threshold},
		authorize:   authorize,
		dispatch:    dispatch,
		logger:      logger.With("room", manager.Room()),
		subscribers: make(map[int]func(ProviderEvent)),
		done:        make(chan struct{}),
	}
	p.stops = append(p.stops,
		doc.OnUpdate(p.handleDocUpdate),
		awareness.OnUpdate(p.handleAwarenessUpdate),
		manager.Subscribe(p.handleManagerEvent),
	)

	interval := config.RenewInterval
	if interval == 0 {
		interval = DefaultRenewInterval
	}
	if interval > 0 {
		clk := config.Clock
		if clk == nil {
			clk = clock.Real()
		}
		p.renew = clk.NewTicker(interval)
		go p.renewLoop()
	}
	return p
}

// Subscribe registers handler for provider events and returns a
// function that removes it.
func (p *Provider) Subscribe(handler func(ProviderEvent)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.subscribers[id] = handler
	return func() {
		p.mu.Lock()
		delete(p.subscribers, id)
		p.mu.Unlock()
	}
}

// Status returns the manager's status.
func (p *Provider) Status() Status { return p.manager.Status() }

// ConnectedPeers returns the ids of connected peers, sorted.
func (p *Provider) ConnectedPeers() []string { return p.manager.Peers() }

func (p *Provider) handleDocUpdate(update []byte, origin any) {
	if origin == p || p.isClosed() {
		return
	}
	payload, err := p.encoder.Encode(Frame{Kind: FrameUpdate, Body: update})
	if err != nil {
		p.logger.Error("encoding document update failed", "error", err)
		return
	}
	p.send(ProviderEvent{Type: ProviderSendUpdate, Payload: payload})
}

func (p *Provider) handleAwarenessUpdate(change replica.AwarenessChange, origin any) {
	if origin == p || p.isClosed() {
		return
	}
	clients := slices.Concat(change.Added, change.Updated, change.Removed)
	data, err := p.awareness.EncodeUpdate(clients)
	if err != nil {
		p.logger.Error("encoding awareness update failed", "error", err)
		return
	}
	payload, err := p.encoder.Encode(Frame{Kind: FrameAwareness, Body: data})
	if err != nil {
		p.logger.Error("encoding awareness frame failed", "error", err)
		return
	}
	p.send(ProviderEvent{Type: ProviderSendAwareness, Payload: payload})
}

// send broadcasts an outbound frame when connected and reports it to
// subscribers either way.
func (p *Provider) send(event ProviderEvent) {
	if err := p.manager.Broadcast(event.Payload); err != nil && !errors.Is(err, ErrNotConnected) {
		p.logger.Warn("broadcast failed", "event", event.Type.String(), "error", err)
	}
	p.emit(event)
}

func (p *Provider) handleManagerEvent(event Event) {
	if p.isClosed() {
		return
	}
	switch event.Type {
	case EventPeerConnected:
		p.dispatch(func() { p.syncPeer(event.PeerID) })
	case EventPeerDisconnected:
		p.awareness.RemoveStates([]string{event.PeerID}, p)
	case EventMessage:
		p.receive(event.PeerID, event.Payload)
	}
}

// syncPeer sends peerID the full document state and the local
// awareness. It runs on the document goroutine.
func (p *Provider) syncPeer(peerID string) {
	if p.isClosed() {
		return
	}
	state, err := p.doc.EncodeStateAsUpdate()
	if err != nil {
		p.logger.Error("encoding document state failed", "peer", peerID, "error", err)
		return
	}
	awareness, err := p.awareness.EncodeUpdate([]string{p.awareness.ClientID()})
	if err != nil {
		p.logger.Error("encoding local awareness failed", "peer", peerID, "error", err)
		return
	}
	payload, err := p.encoder.Encode(Frame{
		Kind:      FrameSync,
		Body:      state,
		Digest:    digest.State(state),
		Awareness: awareness,
	})
	if err != nil {
		p.logger.Error("encoding sync frame failed", "peer", peerID, "error", err)
		return
	}
	if err := p.manager.SendTo(peerID, payload); err != nil {
		p.logger.Warn("sending sync frame failed", "peer", peerID, "error", err)
		return
	}
	p.logger.Debug("sync frame sent", "peer", peerID, "bytes", len(payload))
}

// receive decodes one inbound payload and applies it.
func (p *Provider) receive(peerID string, payload []byte) {
	frame, err := DecodeFrame(payload)
	if err != nil {
		p.logger.Warn("dropping malformed frame", "peer", peerID, "error", err)
		return
	}
	p.logger.Debug("frame received", "peer", peerID, "kind", frame.Kind.String(), "bytes", len(payload))
	switch frame.Kind {
	case FrameUpdate:
		p.dispatch(func() { p.ReceiveUpdate(frame.Body, peerID) })
	case FrameAwareness:
		p.ReceiveAwarenessUpdate(frame.Body, peerID)
	case FrameSync:
		if len(frame.Awareness) > 0 {
			p.ReceiveAwarenessUpdate(frame.Awareness, peerID)
		}
		p.dispatch(func() { p.receiveSync(peerID, frame) })
	}
}

func (p *Provider) receiveSync(peerID string, frame Frame) {
	if p.isClosed() {
		return
	}
	if local, err := p.doc.EncodeStateAsUpdate(); err == nil && digest.State(local) == frame.Digest {
		p.logger.Debug("peer state matches local state", "peer", peerID, "digest", frame.Digest.Short())
	} else if !p.apply(frame.Body, peerID) {
		return
	}
	p.emit(ProviderEvent{Type: ProviderSynced, PeerID: peerID})
}

// ReceiveUpdate applies a document update from peerID with the
// provider as origin. Updates from peers without write permission and
// malformed updates are logged and dropped. Call it on the document
// goroutine.
func (p *Provider) ReceiveUpdate(update []byte, peerID string) {
	if p.isClosed() {
		return
	}
	p.apply(update, peerID)
}

func (p *Provider) apply(update []byte, peerID string) bool {
	if !p.authorize.Allowed(peerID, access.Write) {
		p.logger.Warn("dropping update from peer without write permission", "peer", peerID)
		return false
	}
	if err := p.doc.ApplyUpdate(update, p); err != nil {
		p.logger.Warn("dropping malformed update", "peer", peerID, "error", err)
		return false
	}
	return true
}

// ReceiveAwarenessUpdate applies an awareness update from peerID.
// Updates from peers without read permission and malformed updates
// are logged and dropped.
func (p *Provider) ReceiveAwarenessUpdate(update []byte, peerID string) {
	if p.isClosed() {
		return
	}
	if !p.authorize.Allowed(peerID, access.Read) {
		p.logger.Warn("dropping awareness from peer without read permission", "peer", peerID)
		return
	}
	if err := p.awareness.ApplyUpdate(update, p); err != nil {
		p.logger.Warn("dropping malformed awareness update", "peer", peerID, "error", err)
	}
}

func (p *Provider) renewLoop() {
	for {
		select {
		case <-p.done:
			return
		case <-p.renew.C:
			p.awareness.Renew()
		}
	}
}

// Close unsubscribes from the document, awareness, and manager and
// stops awareness renewal. It does not close the manager. Close is
// idempotent.
func (p *Provider) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	stops := p.stops
	p.stops = nil
	clear(p.subscribers)
	p.mu.Unlock()

	if p.renew != nil {
		p.renew.Stop()
	}
	close(p.done)
	for _, stop := range stops {
		stop()
	}
}

func (p *Provider) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Provider) emit(event ProviderEvent) {
	p.mu.Lock()
	subscribers := make([]func(ProviderEvent), 0, len(p.subscribers))
	for _, id := range slices.Sorted(maps.Keys(p.subscribers)) {
		subscribers = append(subscribers, p.subscribers[id])
	}
	p.mu.Unlock()
	for _, subscriber := range subscribers {
		subscriber(event)
	}
}
