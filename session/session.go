// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/quire/access"
	"github.com/bureau-foundation/quire/bridge"
	"github.com/bureau-foundation/quire/lib/clock"
	"github.com/bureau-foundation/quire/lib/codec"
	"github.com/bureau-foundation/quire/lib/digest"
	"github.com/bureau-foundation/quire/lib/textpos"
	"github.com/bureau-foundation/quire/presence"
	"github.com/bureau-foundation/quire/replica"
	"github.com/bureau-foundation/quire/transport"
)

// ErrClosed is returned by operations on a closed Session.
var ErrClosed = errors.New("session closed")

const (
	// DefaultDocument names the shared text when Config.Document is
	// empty.
	DefaultDocument = "content"

	// DefaultUserName is the display name when Config.Name is empty.
	DefaultUserName = "Anonymous User"
)

// Palette is the set of colors a user is assigned from when no color
// is configured.
var Palette = []string{
	"#007acc", "#ff6b6b", "#4ecdc4", "#45b7d1", "#96ceb4",
	"#feca57", "#ff9ff3", "#54a0ff", "#5f27cd", "#00d2d3",
}

// ColorFor picks a palette color from peerID. The same id always gets
// the same color.
func ColorFor(peerID string) string {
	sum := digest.Text(peerID)
	return Palette[int(sum[0])%len(Palette)]
}

// Config configures a Session. Only Room is required.
type Config struct {
	Room string

	// Document names the shared text. Default DefaultDocument.
	Document string

	// PeerID identifies this process on the transport and in
	// awareness. Default: a random UUID.
	PeerID string

	// Name and Color describe the local user. Defaults are
	// DefaultUserName and ColorFor(PeerID).
	Name  string
	Color string

	// Transport carries the room. When nil, a WebRTC mesh signaled
	// over WebSocket is built from the fields below; a supplied
	// transport must already use PeerID.
	Transport        transport.Transport
	SignalingServers []string
	PingInterval     time.Duration
	PublishRate      float64
	ICE              transport.ICEConfig
	MaxConnections   int

	// ReconnectInterval is how often a disconnected session retries.
	// Zero means transport.DefaultReconnectInterval; negative disables
	// reconnection.
	ReconnectInterval time.Duration

	Compression          codec.CompressionTag
	CompressionThreshold int
	RenewInterval        time.Duration

	PresenceTimeout time.Duration
	MaxParticipants int

	// Authorizer gates remote edits, awareness, and presence. Nil
	// allows every peer.
	Authorizer access.Authorizer

	Clock  clock.Clock
	Logger *slog.Logger
}

// Session is one peer's membership in a room: a replicated document,
// its awareness, the connection manager and provider that carry them,
// presence tracking, reconnection, and any bound editors.
//
// The document is owned by a single goroutine started by New. Remote
// frames are applied there, bridges are created there, and editor
// changes must be made there too: use Do to mutate a bound editor.
type Session struct {
	room     string
	document string
	peerID   string
	logger   *slog.Logger

	doc         *replica.MemoryDoc
	awareness   *replica.Awareness
	manager     *transport.Manager
	provider    *transport.Provider
	tracker     *presence.Tracker
	reconnector *transport.Reconnector
	signaler    *transport.WebSocketSignaler

	queueMu sync.Mutex
	queue   []func()
	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}

	mu        sync.Mutex
	closed    bool
	bridges   []*bridge.Bridge
	listeners map[int]func(bool)
	nextID    int
	connected bool
	stopSub   func()
}

// New assembles a session and starts its document goroutine. It does
// not connect; call Start.
func New(config Config) (*Session, error) {
	if config.Room == "" {
		return nil, errors.New("session: room is required")
	}
	if config.Document == "" {
		config.Document = DefaultDocument
	}
	if config.PeerID == "" {
		config.PeerID = uuid.NewString()
	}
	if config.Name == "" {
		config.Name = DefaultUserName
	}
	if config.Color == "" {
		config.Color = ColorFor(config.PeerID)
	}
	if len(config.SignalingServers) == 0 {
		config.SignalingServers = []string{transport.DefaultSignalingServer}
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	// Components add the room themselves.
	componentLogger := logger
	logger = logger.With("room", config.Room, "peer", config.PeerID)

	// The document gets its own client id so a restarted peer with a
	// fixed peer id never reuses character ids.
	s := &Session{
		room:      config.Room,
		document:  config.Document,
		peerID:    config.PeerID,
		logger:    logger,
		doc:       replica.NewMemoryDoc(uuid.NewString()),
		awareness: replica.NewAwareness(config.PeerID),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		listeners: make(map[int]func(bool)),
	}

	s.awareness.SetLocalState(replica.State{
		"user": map[string]any{
			"id":     config.PeerID,
			"name":   config.Name,
			"color":  config.Color,
			"status": string(presence.Online),
		},
	})

	carrier := config.Transport
	if carrier == nil {
		s.signaler = transport.NewWebSocketSignaler(transport.WebSocketSignalerConfig{
			Servers:      config.SignalingServers,
			PingInterval: config.PingInterval,
			PublishRate:  config.PublishRate,
			Clock:        config.Clock,
			Logger:       componentLogger,
		})
		ice := config.ICE
		if len(ice.Servers) == 0 {
			ice = transport.DefaultICEConfig()
		}
		carrier = transport.NewWebRTCTransport(transport.WebRTCConfig{
			Signaler:       s.signaler,
			PeerID:         config.PeerID,
			ICE:            ice,
			MaxConnections: config.MaxConnections,
			Logger:         componentLogger,
		})
	}

	s.manager = transport.NewManager(transport.ManagerConfig{
		Room:             config.Room,
		SignalingServers: config.SignalingServers,
		Transport:        carrier,
		Logger:           componentLogger,
	})
	s.stopSub = s.manager.Subscribe(s.handleManagerEvent)
	s.provider = transport.NewProvider(s.doc, s.awareness, s.manager, transport.ProviderConfig{
		Compression:          config.Compression,
		CompressionThreshold: config.CompressionThreshold,
		Authorizer:           config.Authorizer,
		Dispatch:             s.dispatch,
		RenewInterval:        config.RenewInterval,
		Clock:                config.Clock,
		Logger:               componentLogger,
	})
	s.tracker = presence.NewTracker(s.awareness, presence.Config{
		Timeout:         config.PresenceTimeout,
		MaxParticipants: config.MaxParticipants,
		LocalPeerID:     config.PeerID,
		Authorizer:      config.Authorizer,
		Clock:           config.Clock,
		Logger:          componentLogger,
	})
	if config.ReconnectInterval >= 0 {
		s.reconnector = transport.NewReconnector(s.manager, config.ReconnectInterval, config.Clock, componentLogger)
	}

	go s.run()
	return s, nil
}

// run executes queued functions in order until Close.
func (s *Session) run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.queueMu.Lock()
			if len(s.queue) == 0 {
				s.queueMu.Unlock()
				break
			}
			fn := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.queueMu.Unlock()
			s.call(fn)
		}
	}
}

func (s *Session) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("document task panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

// dispatch queues fn for the document goroutine without waiting. It
// is safe to call from any goroutine, including the document
// goroutine itself.
func (s *Session) dispatch(fn func()) {
	s.queueMu.Lock()
	s.queue = append(s.queue, fn)
	s.queueMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Do runs fn on the document goroutine and waits for it to finish.
// Do must not be called from the document goroutine, which includes
// editor change handlers and bridge callbacks.
func (s *Session) Do(fn func()) error {
	finished := make(chan struct{})
	s.dispatch(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
		return nil
	case <-s.stopped:
		return ErrClosed
	}
}

// Start connects to the room and starts reconnection. A failed first
// attempt is returned, but the reconnector keeps trying until ctx is
// done or the session is closed.
func (s *Session) Start(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	err := s.manager.Connect(ctx)
	if s.reconnector != nil {
		s.reconnector.Start(ctx)
	}
	return err
}

// Disconnect leaves the room without closing the session. Unless
// reconnection is disabled, the reconnector rejoins on its next tick.
func (s *Session) Disconnect() error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.manager.Disconnect()
}

// Room returns the room name.
func (s *Session) Room() string { return s.room }

// PeerID returns the local peer and awareness client id.
func (s *Session) PeerID() string { return s.peerID }

// Status returns the connection status.
func (s *Session) Status() transport.Status { return s.manager.Status() }

// ConnectedPeers returns the transport ids of connected peers, sorted.
func (s *Session) ConnectedPeers() []string { return s.provider.ConnectedPeers() }

// ConnectedUsers returns the admitted remote users, sorted by peer id.
func (s *Session) ConnectedUsers() []presence.PeerRecord { return s.tracker.Users() }

// OnPresence registers handler for presence join and leave events.
func (s *Session) OnPresence(handler func(presence.Event)) func() {
	return s.tracker.Subscribe(handler)
}

// OnSync registers handler for peers whose sync frame was applied.
func (s *Session) OnSync(handler func(peerID string)) func() {
	return s.provider.Subscribe(func(event transport.ProviderEvent) {
		if event.Type == transport.ProviderSynced {
			handler(event.PeerID)
		}
	})
}

// OnConnectionChange registers handler to be told when the session
// becomes connected or stops being connected. It returns a function
// that removes the handler.
func (s *Session) OnConnectionChange(handler func(connected bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = handler
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Session) handleManagerEvent(event transport.Event) {
	if event.Type != transport.EventStateChanged {
		return
	}
	connected := event.State == transport.Connected
	s.mu.Lock()
	if s.closed || connected == s.connected {
		s.mu.Unlock()
		return
	}
	s.connected = connected
	listeners := make([]func(bool), 0, len(s.listeners))
	for _, id := range slices.Sorted(maps.Keys(s.listeners)) {
		listeners = append(listeners, s.listeners[id])
	}
	s.mu.Unlock()

	s.logger.Debug("connection changed", "connected", connected, "state", event.State.String())
	for _, listener := range listeners {
		s.notify(listener, connected)
	}
}

func (s *Session) notify(listener func(bool), connected bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("connection listener panicked", "panic", fmt.Sprint(r))
		}
	}()
	listener(connected)
}

// LocalUser returns the "user" object of the local awareness state.
func (s *Session) LocalUser() map[string]any {
	user, _ := s.awareness.LocalState()["user"].(map[string]any)
	return user
}

// SetLocalUserState merges fields into the local user object and
// announces the result.
func (s *Session) SetLocalUserState(fields map[string]any) error {
	if s.isClosed() {
		return ErrClosed
	}
	s.awareness.UpdateLocalState(func(state replica.State) replica.State {
		if state == nil {
			state = replica.State{}
		}
		user, _ := state["user"].(map[string]any)
		if user == nil {
			user = make(map[string]any, len(fields))
		}
		maps.Copy(user, fields)
		state["user"] = user
		return state
	})
	return nil
}

// SetStatus announces the local user's status.
func (s *Session) SetStatus(status presence.Status) error {
	return s.SetLocalUserState(map[string]any{"status": string(status)})
}

// SetCursor announces the local cursor position.
func (s *Session) SetCursor(position textpos.Position) error {
	if s.isClosed() {
		return ErrClosed
	}
	s.awareness.SetLocalStateField("cursor", map[string]any{
		"line": position.Line,
		"ch":   position.Column,
	})
	return nil
}

// Text returns the current content of the shared document.
func (s *Session) Text() (string, error) {
	var content string
	err := s.Do(func() { content = s.doc.Text(s.document).String() })
	return content, err
}

// Bind connects editor to the shared document on the document
// goroutine. The bridge is destroyed by Close, or earlier by the
// caller.
func (s *Session) Bind(editor bridge.Editor, name string) (*bridge.Bridge, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if name == "" {
		name = s.document
	}
	var (
		bound *bridge.Bridge
		err   error
	)
	if doErr := s.Do(func() {
		bound, err = bridge.New(s.doc.Text(s.document), editor,
			bridge.WithLogger(s.logger), bridge.WithName(name))
	}); doErr != nil {
		return nil, doErr
	}
	if err != nil {
		return nil, fmt.Errorf("binding editor %q: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		bound.Destroy()
		return nil, ErrClosed
	}
	s.bridges = append(s.bridges, bound)
	return bound, nil
}

// Close leaves the room and releases everything the session holds:
// reconnection, bridges, the provider, presence tracking, the local
// awareness state, the connection, and the document goroutine. Close
// is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	bridges := s.bridges
	s.bridges = nil
	clear(s.listeners)
	s.mu.Unlock()

	if s.reconnector != nil {
		s.reconnector.Stop()
	}
	s.Do(func() {
		for _, bound := range bridges {
			bound.Destroy()
		}
		// Announce departure while the provider can still broadcast it.
		s.awareness.SetLocalState(nil)
		s.provider.Close()
	})
	s.tracker.Close()
	s.stopSub()
	err := s.manager.Close()
	if s.signaler != nil {
		if closeErr := s.signaler.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	close(s.done)
	<-s.stopped
	s.logger.Info("session closed")
	return err
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
