// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package presence

import (
	"cmp"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/quire/access"
	"github.com/bureau-foundation/quire/lib/clock"
	"github.com/bureau-foundation/quire/lib/textpos"
	"github.com/bureau-foundation/quire/replica"
)

const (
	// DefaultTimeout is how long a peer may stay silent before it is
	// evicted.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxParticipants caps the number of tracked peers.
	DefaultMaxParticipants = 10
)

// Status is a peer's self-reported availability.
type Status string

const (
	Online  Status = "online"
	Away    Status = "away"
	Offline Status = "offline"
)

// ParseStatus accepts the three status names; anything else is an
// error.
func ParseStatus(name string) (Status, error) {
	switch status := Status(name); status {
	case Online, Away, Offline:
		return status, nil
	default:
		return "", fmt.Errorf("unknown status %q (valid: online, away, offline)", name)
	}
}

// User is the identity a peer announces.
type User struct {
	Name  string
	Color string
}

// PeerRecord is the tracker's view of one live peer.
type PeerRecord struct {
	PeerID   string
	LastSeen time.Time
	User     User
	// Cursor is nil when the peer did not announce one.
	Cursor *textpos.Position
	Status Status
	// State is the raw awareness state last seen. It is shared with
	// other readers and must not be modified.
	State replica.State
}

// EventType distinguishes tracker events.
type EventType int

const (
	UserJoin EventType = iota
	UserLeave
)

func (t EventType) String() string {
	switch t {
	case UserJoin:
		return "user-join"
	case UserLeave:
		return "user-leave"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// LeaveReason records why a peer left.
type LeaveReason string

const (
	// LeaveRemoved means the awareness source dropped the peer.
	LeaveRemoved LeaveReason = "removed"
	// LeaveTimeout means the peer was silent past the idle timeout.
	LeaveTimeout LeaveReason = "timeout"
	// LeaveExplicit means the host called Remove.
	LeaveExplicit LeaveReason = "explicit"
)

// Event reports a join or leave. Joins carry the user payload and the
// raw state; leaves carry the reason.
type Event struct {
	Type   EventType
	PeerID string
	User   User
	State  replica.State
	Reason LeaveReason
}

// AwarenessSource is the part of an awareness instance the tracker
// consumes. replica.Awareness implements it.
type AwarenessSource interface {
	States() map[string]replica.State
	OnUpdate(handler func(replica.AwarenessChange, any)) (unsubscribe func())
}

// Config configures a Tracker. Zero values select defaults.
type Config struct {
	// Timeout is the idle timeout. Default DefaultTimeout.
	Timeout time.Duration

	// MaxParticipants caps admitted peers. Default
	// DefaultMaxParticipants.
	MaxParticipants int

	// LocalPeerID is this process's own awareness client id, which the
	// tracker ignores.
	LocalPeerID string

	// Authorizer, when set, must grant read permission before a peer is
	// admitted.
	Authorizer access.Authorizer

	Clock  clock.Clock
	Logger *slog.Logger
}

type entry struct {
	record PeerRecord
	timer  *clock.Timer
	// generation invalidates expiry callbacks from timers that were
	// replaced after they had already fired.
	generation uint64
}

// Tracker maintains the set of live peers. It is safe for concurrent
// use. Subscribers are called outside the internal lock, on the
// goroutine that caused the event (the awareness source's, the
// caller's, or the clock's timer goroutine).
type Tracker struct {
	config Config
	clock  clock.Clock
	logger *slog.Logger

	mu               sync.Mutex
	closed           bool
	peers            map[string]*entry
	nextGeneration   uint64
	subscribers      map[int]func(Event)
	nextSubscriber   int
	stopSubscription func()
}

// NewTracker creates a tracker and, when source is non-nil, subscribes
// to it and admits every valid state it already holds.
func NewTracker(source AwarenessSource, config Config) *Tracker {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.MaxParticipants <= 0 {
		config.MaxParticipants = DefaultMaxParticipants
	}
	t := &Tracker{
		config:      config,
		clock:       config.Clock,
		logger:      config.Logger,
		peers:       make(map[string]*entry),
		subscribers: make(map[int]func(Event)),
	}
	if t.clock == nil {
		t.clock = clock.Real()
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}

	if source != nil {
		stop := source.OnUpdate(func(change replica.AwarenessChange, _ any) {
			t.handleChange(source, change)
		})
		t.mu.Lock()
		t.stopSubscription = stop
		t.mu.Unlock()

		existing := slices.Sorted(maps.Keys(source.States()))
		t.handleChange(source, replica.AwarenessChange{Added: existing})
	}
	return t
}

// Subscribe registers handler for join and leave events and returns a
// function that removes it.
func (t *Tracker) Subscribe(handler func(Event)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return func() {}
	}
	id := t.nextSubscriber
	t.nextSubscriber++
	t.subscribers[id] = handler
	return func() {
		t.mu.Lock()
		delete(t.subscribers, id)
		t.mu.Unlock()
	}
}

func (t *Tracker) handleChange(source AwarenessSource, change replica.AwarenessChange) {
	states := source.States()
	var events []Event

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	for _, peerID := range slices.Concat(change.Added, change.Updated) {
		if peerID == t.config.LocalPeerID {
			continue
		}
		state, ok := states[peerID]
		if !ok {
			continue
		}
		if event, joined := t.observeLocked(peerID, state); joined {
			events = append(events, event)
		}
	}
	for _, peerID := range change.Removed {
		if event, left := t.removeLocked(peerID, LeaveRemoved); left {
			events = append(events, event)
		}
	}
	subscribers := t.subscribersLocked()
	t.mu.Unlock()

	t.emit(subscribers, events)
}

// observeLocked refreshes a known peer or admits a new one. It returns
// a join event when the peer was admitted.
func (t *Tracker) observeLocked(peerID string, state replica.State) (Event, bool) {
	user, cursor, status, valid := parseState(state)
	now := t.clock.Now()

	if existing, ok := t.peers[peerID]; ok {
		existing.record.LastSeen = now
		existing.record.State = state
		if valid {
			existing.record.User = user
			existing.record.Cursor = cursor
			existing.record.Status = status
		}
		t.armLocked(peerID, existing)
		return Event{}, false
	}

	if !valid {
		return Event{}, false
	}
	return t.admitLocked(PeerRecord{
		PeerID:   peerID,
		LastSeen: now,
		User:     user,
		Cursor:   cursor,
		Status:   status,
		State:    state,
	})
}

func (t *Tracker) admitLocked(record PeerRecord) (Event, bool) {
	if t.config.Authorizer != nil && !t.config.Authorizer.Allowed(record.PeerID, access.Read) {
		t.logger.Warn("peer lacks read permission; not tracking",
			"peer", record.PeerID,
			"user", record.User.Name,
		)
		return Event{}, false
	}
	if len(t.peers) >= t.config.MaxParticipants {
		t.logger.Warn("participant limit reached; rejecting peer",
			"peer", record.PeerID,
			"user", record.User.Name,
			"max_participants", t.config.MaxParticipants,
		)
		return Event{}, false
	}

	peer := &entry{record: record}
	t.peers[record.PeerID] = peer
	t.armLocked(record.PeerID, peer)
	t.logger.Info("user joined", "peer", record.PeerID, "user", record.User.Name)
	return Event{
		Type:   UserJoin,
		PeerID: record.PeerID,
		User:   record.User,
		State:  record.State,
	}, true
}

// armLocked (re)starts the peer's idle timer.
func (t *Tracker) armLocked(peerID string, peer *entry) {
	if peer.timer != nil {
		peer.timer.Stop()
	}
	t.nextGeneration++
	generation := t.nextGeneration
	peer.generation = generation
	peer.timer = t.clock.AfterFunc(t.config.Timeout, func() {
		t.expire(peerID, generation)
	})
}

func (t *Tracker) expire(peerID string, generation uint64) {
	t.mu.Lock()
	peer, ok := t.peers[peerID]
	if t.closed || !ok || peer.generation != generation {
		t.mu.Unlock()
		return
	}
	event, _ := t.removeLocked(peerID, LeaveTimeout)
	subscribers := t.subscribersLocked()
	t.mu.Unlock()

	t.emit(subscribers, []Event{event})
}

func (t *Tracker) removeLocked(peerID string, reason LeaveReason) (Event, bool) {
	peer, ok := t.peers[peerID]
	if !ok {
		return Event{}, false
	}
	if peer.timer != nil {
		peer.timer.Stop()
	}
	delete(t.peers, peerID)
	t.logger.Info("user left",
		"peer", peerID,
		"user", peer.record.User.Name,
		"reason", string(reason),
	)
	return Event{
		Type:   UserLeave,
		PeerID: peerID,
		User:   peer.record.User,
		Reason: reason,
	}, true
}

// AddUser admits or refreshes a peer directly, bypassing the awareness
// source. It applies the same validation, authorization, and capacity
// rules and reports whether the peer is tracked afterwards.
func (t *Tracker) AddUser(peerID string, user User) bool {
	if peerID == "" {
		return false
	}
	state := replica.State{"user": map[string]any{"name": user.Name, "color": user.Color}}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	event, joined := t.observeLocked(peerID, state)
	_, tracked := t.peers[peerID]
	subscribers := t.subscribersLocked()
	t.mu.Unlock()

	if joined {
		t.emit(subscribers, []Event{event})
	}
	return tracked
}

// Remove drops a peer and emits UserLeave. It reports whether the peer
// was tracked.
func (t *Tracker) Remove(peerID string) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	event, left := t.removeLocked(peerID, LeaveExplicit)
	subscribers := t.subscribersLocked()
	t.mu.Unlock()

	if left {
		t.emit(subscribers, []Event{event})
	}
	return left
}

// SetStatus changes a tracked peer's status. It reports whether the
// peer is tracked.
func (t *Tracker) SetStatus(peerID string, status Status) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	peer, ok := t.peers[peerID]
	if !ok {
		return false
	}
	peer.record.Status = status
	return true
}

// Get returns the record for peerID.
func (t *Tracker) Get(peerID string) (PeerRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	peer, ok := t.peers[peerID]
	if !ok {
		return PeerRecord{}, false
	}
	return peer.record, true
}

// Users returns every tracked peer sorted by display name, then peer
// id.
func (t *Tracker) Users() []PeerRecord {
	t.mu.Lock()
	records := make([]PeerRecord, 0, len(t.peers))
	for _, peer := range t.peers {
		records = append(records, peer.record)
	}
	t.mu.Unlock()

	slices.SortFunc(records, func(a, b PeerRecord) int {
		return cmp.Or(
			cmp.Compare(a.User.Name, b.User.Name),
			cmp.Compare(a.PeerID, b.PeerID),
		)
	})
	return records
}

// Count returns the number of tracked peers.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// Close unsubscribes from the awareness source, stops every expiry
// timer, and drops subscribers. No subscriber is called once Close
// returns. Close is idempotent.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for _, peer := range t.peers {
		if peer.timer != nil {
			peer.timer.Stop()
		}
	}
	clear(t.peers)
	clear(t.subscribers)
	stop := t.stopSubscription
	t.stopSubscription = nil
	t.mu.Unlock()

	if stop != nil {
		stop()
	}
}

func (t *Tracker) subscribersLocked() []func(Event) {
	subscribers := make([]func(Event), 0, len(t.subscribers))
	for _, id := range slices.Sorted(maps.Keys(t.subscribers)) {
		subscribers = append(subscribers, t.subscribers[id])
	}
	return subscribers
}

func (t *Tracker) emit(subscribers []func(Event), events []Event) {
	for _, event := range events {
		for _, subscriber := range subscribers {
			t.deliver(subscriber, event)
		}
	}
}

func (t *Tracker) deliver(subscriber func(Event), event Event) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			t.logger.Error("presence subscriber panicked",
				"event", event.Type.String(),
				"peer", event.PeerID,
				"panic", fmt.Sprint(recovered),
			)
		}
	}()
	subscriber(event)
}
