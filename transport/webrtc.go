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
	"time"

	"github.com/pion/webrtc/v4"
)

// Compile-time interface checks.
var (
	_ Transport = (*WebRTCTransport)(nil)
	_ Session   = (*webrtcSession)(nil)
)

const (
	// DefaultMaxConnections caps the peer connections one session
	// keeps open.
	DefaultMaxConnections = 50

	// channelLabel names the single data channel between two peers.
	channelLabel = "quire"

	// iceGatherTimeout is the maximum time to wait for ICE candidate
	// gathering to complete before publishing the SDP.
	iceGatherTimeout = 15 * time.Second

	// peerWriteTimeout bounds one framed write to a peer.
	peerWriteTimeout = 10 * time.Second

	// leaveTimeout bounds the leave announcement sent on Close.
	leaveTimeout = 2 * time.Second
)

// WebRTCConfig configures a WebRTCTransport.
type WebRTCConfig struct {
	// Signaler relays announce, offer, answer, and leave messages.
	Signaler Signaler

	// PeerID identifies this peer in signaling and to the session
	// handler of every other peer.
	PeerID string

	ICE ICEConfig

	// MaxConnections defaults to DefaultMaxConnections.
	MaxConnections int

	Logger *slog.Logger
}

// WebRTCTransport opens sessions whose peers form a full mesh of
// WebRTC PeerConnections, each carrying one ordered, reliable data
// channel.
//
// Peers find each other through the Signaler: a joining peer
// broadcasts an announce, every peer already in the room answers with
// a directed announce, and for each pair the peer with the
// lexicographically smaller id sends the SDP offer. Signaling uses
// vanilla ICE: all candidates are gathered before an SDP is published,
// so each connection needs exactly one offer and one answer.
type WebRTCTransport struct {
	signaler       Signaler
	peerID         string
	maxConnections int
	logger         *slog.Logger

	// iceConfig is protected by configMu because it can be replaced
	// while sessions are running.
	configMu  sync.RWMutex
	iceConfig ICEConfig
}

// NewWebRTCTransport returns a transport for config.
func NewWebRTCTransport(config WebRTCConfig) *WebRTCTransport {
	maxConnections := config.MaxConnections
	if maxConnections <= 0 {
		maxConnections = DefaultMaxConnections
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebRTCTransport{
		signaler:       config.Signaler,
		peerID:         config.PeerID,
		maxConnections: maxConnections,
		logger:         logger.With("peer_id", config.PeerID),
		iceConfig:      config.ICE,
	}
}

// PeerID returns this transport's peer id.
func (wt *WebRTCTransport) PeerID() string { return wt.peerID }

// UpdateICEConfig replaces the ICE configuration for new
// PeerConnections. Existing connections keep their configuration.
func (wt *WebRTCTransport) UpdateICEConfig(config ICEConfig) {
	wt.configMu.Lock()
	defer wt.configMu.Unlock()
	wt.iceConfig = config
}

// Open joins room through the signaler and announces this peer. It
// returns as soon as the announce is published; peers are reported to
// handler as their data channels open.
func (wt *WebRTCTransport) Open(ctx context.Context, room string, handler SessionHandler) (Session, error) {
	if wt.signaler == nil {
		return nil, errors.New("no signaler configured")
	}
	messages, err := wt.signaler.Join(ctx, room, wt.peerID)
	if err != nil {
		return nil, fmt.Errorf("joining signaling room: %w", err)
	}
	sessionContext, cancel := context.WithCancel(context.Background())
	session := &webrtcSession{
		transport: wt,
		room:      room,
		handler:   handler,
		logger:    wt.logger.With("room", room),
		ctx:       sessionContext,
		cancel:    cancel,
		peers:     make(map[string]*peerLink),
	}
	if err := wt.signaler.Publish(ctx, room, SignalMessage{Type: SignalAnnounce, From: wt.peerID}); err != nil {
		cancel()
		wt.signaler.Leave(room, wt.peerID)
		return nil, fmt.Errorf("announcing in room: %w", err)
	}
	go session.signalLoop(messages)
	session.logger.Info("WebRTC session opened")
	return session, nil
}

// newPeerConnection creates a pion PeerConnection with the current ICE
// config.
func (wt *WebRTCTransport) newPeerConnection() (*webrtc.PeerConnection, error) {
	wt.configMu.RLock()
	config := webrtc.Configuration{
		ICEServers: wt.iceConfig.Servers,
	}
	wt.configMu.RUnlock()

	// Detached data channels give stream-style access to the channel.
	// Loopback candidates let peers on one machine reach each other.
	settingEngine := webrtc.SettingEngine{}
	settingEngine.DetachDataChannels()
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}

// webrtcSession is one room membership.
type webrtcSession struct {
	transport *WebRTCTransport
	room      string
	handler   SessionHandler
	logger    *slog.Logger

	// ctx bounds background signaling work and is cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	peers  map[string]*peerLink
}

// peerLink is the connection to one remote peer.
type peerLink struct {
	peerID     string
	connection *webrtc.PeerConnection
	offerer    bool
	// conn is set once the data channel opens.
	conn *messageConn
}

func (s *webrtcSession) localID() string { return s.transport.peerID }

// signalLoop handles signaling messages until the signaler closes the
// channel. A channel closed by anything other than Close ends the
// session with an error.
func (s *webrtcSession) signalLoop(messages <-chan SignalMessage) {
	for message := range messages {
		s.handleSignal(message)
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	s.shutdown()
	s.handler.Closed(errors.New("signaling connection lost"))
}

func (s *webrtcSession) handleSignal(message SignalMessage) {
	if message.From == s.localID() {
		return
	}
	s.logger.Debug("signal received", "type", string(message.Type), "from", message.From)
	switch message.Type {
	case SignalAnnounce:
		s.handleAnnounce(message)
	case SignalOffer:
		go s.answer(message)
	case SignalAnswer:
		s.handleAnswer(message)
	case SignalLeave:
		s.dropPeer(message.From, nil, "left")
	}
}

func (s *webrtcSession) handleAnnounce(message SignalMessage) {
	remote := message.From
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	existing := s.peers[remote]
	if existing != nil && !connectionDead(existing.connection) {
		s.mu.Unlock()
		return
	}
	if existing == nil && len(s.peers) >= s.transport.maxConnections {
		s.mu.Unlock()
		s.logger.Warn("ignoring peer, connection limit reached",
			"peer", remote,
			"max_connections", s.transport.maxConnections,
		)
		return
	}
	s.mu.Unlock()
	if existing != nil {
		s.dropPeer(remote, existing, "replaced")
	}

	if message.To == "" {
		reply := SignalMessage{Type: SignalAnnounce, From: s.localID(), To: remote}
		if err := s.transport.signaler.Publish(s.ctx, s.room, reply); err != nil {
			s.logger.Warn("replying to announce failed", "peer", remote, "error", err)
		}
	}
	if s.localID() < remote {
		go s.offer(remote)
	}
}

// offer creates a PeerConnection and data channel to remote and
// publishes the SDP offer. The answer arrives through handleAnswer.
func (s *webrtcSession) offer(remote string) {
	connection, err := s.transport.newPeerConnection()
	if err != nil {
		s.logger.Error("creating PeerConnection failed", "peer", remote, "error", err)
		return
	}
	link := &peerLink{peerID: remote, connection: connection, offerer: true}
	if !s.register(link) {
		connection.Close()
		return
	}
	s.watch(link)

	ordered := true
	channel, err := connection.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		s.fail(link, "creating data channel", err)
		return
	}
	s.attach(link, channel)

	offer, err := connection.CreateOffer(nil)
	if err != nil {
		s.fail(link, "creating SDP offer", err)
		return
	}
	sdp, err := s.gather(connection, offer)
	if err != nil {
		s.fail(link, "gathering offer candidates", err)
		return
	}
	message := SignalMessage{Type: SignalOffer, From: s.localID(), To: remote, SDP: sdp}
	if err := s.transport.signaler.Publish(s.ctx, s.room, message); err != nil {
		s.fail(link, "publishing SDP offer", err)
		return
	}
	s.logger.Info("WebRTC offer published", "peer", remote)
}

func (s *webrtcSession) handleAnswer(message SignalMessage) {
	s.mu.Lock()
	link := s.peers[message.From]
	s.mu.Unlock()
	if link == nil || !link.offerer {
		s.logger.Debug("ignoring unexpected SDP answer", "peer", message.From)
		return
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: message.SDP}
	if err := link.connection.SetRemoteDescription(answer); err != nil {
		s.fail(link, "setting remote description", err)
		return
	}
	s.logger.Info("WebRTC answer applied", "peer", message.From)
}

// answer accepts an SDP offer and publishes the answer.
func (s *webrtcSession) answer(message SignalMessage) {
	remote := message.From
	if s.localID() < remote {
		// This peer is the offerer for the pair; the remote side will
		// receive our offer instead.
		s.logger.Debug("ignoring offer from peer that should answer", "peer", remote)
		return
	}
	s.mu.Lock()
	existing := s.peers[remote]
	full := existing == nil && len(s.peers) >= s.transport.maxConnections
	s.mu.Unlock()
	if full {
		s.logger.Warn("rejecting offer, connection limit reached", "peer", remote)
		return
	}
	if existing != nil {
		// The remote peer restarted its side of the connection.
		s.dropPeer(remote, existing, "renegotiated")
	}

	connection, err := s.transport.newPeerConnection()
	if err != nil {
		s.logger.Error("creating PeerConnection failed", "peer", remote, "error", err)
		return
	}
	link := &peerLink{peerID: remote, connection: connection}
	if !s.register(link) {
		connection.Close()
		return
	}
	s.watch(link)
	connection.OnDataChannel(func(channel *webrtc.DataChannel) {
		if channel.Label() != channelLabel {
			s.logger.Debug("closing unexpected data channel", "peer", remote, "label", channel.Label())
			channel.Close()
			return
		}
		s.attach(link, channel)
	})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: message.SDP}
	if err := connection.SetRemoteDescription(offer); err != nil {
		s.fail(link, "setting remote description", err)
		return
	}
	answer, err := connection.CreateAnswer(nil)
	if err != nil {
		s.fail(link, "creating SDP answer", err)
		return
	}
	sdp, err := s.gather(connection, answer)
	if err != nil {
		s.fail(link, "gathering answer candidates", err)
		return
	}
	reply := SignalMessage{Type: SignalAnswer, From: s.localID(), To: remote, SDP: sdp}
	if err := s.transport.signaler.Publish(s.ctx, s.room, reply); err != nil {
		s.fail(link, "publishing SDP answer", err)
		return
	}
	s.logger.Info("WebRTC offer answered", "peer", remote)
}

// gather sets the local description and waits for ICE gathering to
// finish, returning the complete SDP.
func (s *webrtcSession) gather(connection *webrtc.PeerConnection, description webrtc.SessionDescription) (string, error) {
	gatherComplete := webrtc.GatheringCompletePromise(connection)
	if err := connection.SetLocalDescription(description); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		return "", fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-s.ctx.Done():
		return "", s.ctx.Err()
	}
	return connection.LocalDescription().SDP, nil
}

// register stores link unless the session is closed or another link
// to the same peer won the race.
func (s *webrtcSession) register(link *peerLink) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, exists := s.peers[link.peerID]; exists {
		return false
	}
	s.peers[link.peerID] = link
	return true
}

// watch drops the link when its PeerConnection fails or closes.
func (s *webrtcSession) watch(link *peerLink) {
	link.connection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Debug("peer connection state change", "peer", link.peerID, "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			s.dropPeer(link.peerID, link, state.String())
		}
	})
}

// attach wires the data channel's open event: the channel is detached,
// the peer is reported as joined, and a reader goroutine delivers its
// messages until it closes.
func (s *webrtcSession) attach(link *peerLink, channel *webrtc.DataChannel) {
	channel.OnOpen(func() {
		raw, err := channel.Detach()
		if err != nil {
			s.fail(link, "detaching data channel", err)
			return
		}
		conn := newMessageConn(NewDataChannelConn(
			raw,
			s.localID()+"/"+channelLabel,
			link.peerID+"/"+channelLabel,
		), peerWriteTimeout)

		s.mu.Lock()
		current := !s.closed && s.peers[link.peerID] == link
		if current {
			link.conn = conn
		}
		s.mu.Unlock()
		if !current {
			conn.Close()
			return
		}
		s.logger.Info("peer channel open", "peer", link.peerID)
		s.handler.PeerJoined(link.peerID)
		go s.readLoop(link, conn)
	})
}

func (s *webrtcSession) readLoop(link *peerLink, conn *messageConn) {
	for {
		payload, err := conn.ReadMessage()
		if err != nil {
			s.dropPeer(link.peerID, link, "channel closed")
			return
		}
		s.handler.Message(link.peerID, payload)
	}
}

func (s *webrtcSession) fail(link *peerLink, action string, err error) {
	if s.ctx.Err() == nil {
		s.logger.Warn("peer connection setup failed", "peer", link.peerID, "action", action, "error", err)
	}
	s.dropPeer(link.peerID, link, action+" failed")
}

// dropPeer closes and forgets the link to peerID. When link is non-nil
// it is only dropped if it is still the current link. PeerLeft is
// reported if the peer's channel had opened.
func (s *webrtcSession) dropPeer(peerID string, link *peerLink, reason string) {
	s.mu.Lock()
	current := s.peers[peerID]
	if current == nil || (link != nil && current != link) {
		s.mu.Unlock()
		return
	}
	delete(s.peers, peerID)
	joined := current.conn != nil && !s.closed
	s.mu.Unlock()

	if current.conn != nil {
		current.conn.Close()
	}
	current.connection.Close()
	if joined {
		s.logger.Info("peer channel closed", "peer", peerID, "reason", reason)
		s.handler.PeerLeft(peerID)
	}
}

func (s *webrtcSession) Broadcast(payload []byte) error {
	var errs []error
	for _, link := range s.openLinks() {
		if err := link.conn.WriteMessage(payload); err != nil {
			errs = append(errs, fmt.Errorf("sending to %s: %w", link.peerID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *webrtcSession) SendTo(peerID string, payload []byte) error {
	s.mu.Lock()
	link := s.peers[peerID]
	s.mu.Unlock()
	if link == nil || link.conn == nil {
		return fmt.Errorf("sending to %s: %w", peerID, ErrUnknownPeer)
	}
	if err := link.conn.WriteMessage(payload); err != nil {
		return fmt.Errorf("sending to %s: %w", peerID, err)
	}
	return nil
}

func (s *webrtcSession) openLinks() []*peerLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	links := make([]*peerLink, 0, len(s.peers))
	for _, peerID := range slices.Sorted(maps.Keys(s.peers)) {
		if link := s.peers[peerID]; link.conn != nil {
			links = append(links, link)
		}
	}
	return links
}

// Close announces the departure, leaves the signaling room, and closes
// every peer connection.
func (s *webrtcSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	leave := SignalMessage{Type: SignalLeave, From: s.localID()}
	publishErr := s.transport.signaler.Publish(ctx, s.room, leave)

	s.shutdown()
	leaveErr := s.transport.signaler.Leave(s.room, s.localID())
	s.logger.Info("WebRTC session closed")
	if publishErr != nil && !errors.Is(publishErr, ErrNotConnected) {
		return fmt.Errorf("announcing departure: %w", publishErr)
	}
	return leaveErr
}

// shutdown marks the session closed and tears down every link without
// reporting PeerLeft.
func (s *webrtcSession) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	links := slices.Collect(maps.Values(s.peers))
	clear(s.peers)
	s.mu.Unlock()

	s.cancel()
	for _, link := range links {
		if link.conn != nil {
			link.conn.Close()
		}
		link.connection.Close()
	}
}

// connectionDead reports whether a PeerConnection can no longer
// recover.
func connectionDead(connection *webrtc.PeerConnection) bool {
	switch connection.ConnectionState() {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		return true
	default:
		return false
	}
}
