// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/bureau-foundation/quire/lib/codec"
)

// State is one peer's awareness state: an arbitrary JSON-like object.
// quire's session stores the user under the "user" key.
type State = map[string]any

// AwarenessChange lists the client ids affected by one awareness
// update. Updated includes clients whose state was re-announced
// without changing.
type AwarenessChange struct {
	Added   []string
	Updated []string
	Removed []string
}

// Empty reports whether the change affects no client.
func (c AwarenessChange) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

type awarenessEntry struct {
	state State
	// encoded is the deterministic CBOR form of state, kept for
	// change detection.
	encoded []byte
}

// Awareness holds the ephemeral state of every known peer, keyed by
// client id. Each client's state carries a clock; updates with an
// older clock are ignored. Awareness is safe for concurrent use.
// Handlers run on the goroutine that caused the change, outside the
// internal lock.
type Awareness struct {
	clientID string

	mu      sync.Mutex
	entries map[string]*awarenessEntry
	// clocks outlives entries so a removal can be announced at a clock
	// peers will accept.
	clocks         map[string]uint64
	nextHandler    int
	updateHandlers map[int]func(AwarenessChange, any)
	changeHandlers map[int]func(AwarenessChange, any)
}

// NewAwareness returns an Awareness whose local state is keyed by
// clientID. The local state starts empty (an empty object, not
// absent), so peers learn about this client on the first broadcast.
func NewAwareness(clientID string) *Awareness {
	a := &Awareness{
		clientID:       clientID,
		entries:        make(map[string]*awarenessEntry),
		clocks:         make(map[string]uint64),
		updateHandlers: make(map[int]func(AwarenessChange, any)),
		changeHandlers: make(map[int]func(AwarenessChange, any)),
	}
	a.entries[clientID] = &awarenessEntry{state: State{}, encoded: mustEncodeState(State{})}
	return a
}

func (a *Awareness) ClientID() string { return a.clientID }

// States returns a copy of every known state keyed by client id.
func (a *Awareness) States() map[string]State {
	a.mu.Lock()
	defer a.mu.Unlock()
	states := make(map[string]State, len(a.entries))
	for id, entry := range a.entries {
		states[id] = cloneState(entry.state)
	}
	return states
}

// LocalState returns a copy of this client's state, or nil once it has
// been cleared.
func (a *Awareness) LocalState() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	if entry, ok := a.entries[a.clientID]; ok {
		return cloneState(entry.state)
	}
	return nil
}

// SetLocalState replaces this client's state. A nil state marks the
// client offline and removes it. The origin passed to handlers is
// "local".
func (a *Awareness) SetLocalState(state State) {
	a.set(a.clientID, state, "local")
}

// SetLocalStateField sets one top-level key of the local state.
func (a *Awareness) SetLocalStateField(key string, value any) {
	a.UpdateLocalState(func(state State) State {
		if state == nil {
			state = State{}
		}
		state[key] = value
		return state
	})
}

// UpdateLocalState replaces the local state with update(current),
// holding the lock across the read and the write so concurrent
// updates are not lost. update receives a copy it may modify; nil
// means the local state has been cleared. update must not call back
// into the Awareness.
func (a *Awareness) UpdateLocalState(update func(State) State) {
	a.mu.Lock()
	var current State
	if entry, ok := a.entries[a.clientID]; ok {
		current = cloneState(entry.state)
	}
	change, changed := a.setLocked(a.clientID, update(current))
	a.mu.Unlock()
	if !change.Empty() {
		a.emit(change, changed, "local")
	}
}

// Renew re-announces the current local state at the next clock so
// peers do not time it out. It does nothing once the local state has
// been cleared.
func (a *Awareness) Renew() {
	a.mu.Lock()
	if _, ok := a.entries[a.clientID]; !ok {
		a.mu.Unlock()
		return
	}
	a.clocks[a.clientID]++
	a.mu.Unlock()
	a.emit(AwarenessChange{Updated: []string{a.clientID}}, false, "local")
}

// ApplyRemote records state for a remote client as though it had
// arrived in an update, bumping that client's clock. A nil state
// removes the client.
func (a *Awareness) ApplyRemote(clientID string, state State, origin any) {
	a.set(clientID, state, origin)
}

// RemoveStates removes the given remote clients, typically after
// their transport connection dropped. The local client cannot be
// removed this way.
func (a *Awareness) RemoveStates(clientIDs []string, origin any) {
	var change AwarenessChange
	a.mu.Lock()
	for _, id := range clientIDs {
		if id == a.clientID {
			continue
		}
		if _, ok := a.entries[id]; ok {
			// Forget the clock too: a peer that reconnects re-announces
			// its state at the clock it had.
			delete(a.clocks, id)
			delete(a.entries, id)
			change.Removed = append(change.Removed, id)
		}
	}
	a.mu.Unlock()
	if !change.Empty() {
		a.emit(change, true, origin)
	}
}

// set stores state for id at the client's next clock.
func (a *Awareness) set(id string, state State, origin any) {
	a.mu.Lock()
	change, changed := a.setLocked(id, state)
	a.mu.Unlock()
	if !change.Empty() {
		a.emit(change, changed, origin)
	}
}

// setLocked stores state for id at the client's next clock and reports
// the change to emit. The caller holds a.mu.
func (a *Awareness) setLocked(id string, state State) (AwarenessChange, bool) {
	var encoded []byte
	if state != nil {
		encoded = mustEncodeState(state)
	}

	var change AwarenessChange
	changed := false
	previous, existed := a.entries[id]
	a.clocks[id]++
	switch {
	case state == nil:
		if existed {
			delete(a.entries, id)
			change.Removed = []string{id}
			changed = true
		}
	case !existed:
		a.entries[id] = &awarenessEntry{state: cloneState(state), encoded: encoded}
		change.Added = []string{id}
		changed = true
	default:
		changed = !bytes.Equal(previous.encoded, encoded)
		a.entries[id] = &awarenessEntry{state: cloneState(state), encoded: encoded}
		change.Updated = []string{id}
	}
	return change, changed
}

// OnUpdate registers handler for every awareness update, including
// re-announcements that did not change any state.
func (a *Awareness) OnUpdate(handler func(AwarenessChange, any)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextHandler
	a.nextHandler++
	a.updateHandlers[id] = handler
	return func() {
		a.mu.Lock()
		delete(a.updateHandlers, id)
		a.mu.Unlock()
	}
}

// OnChange registers handler for updates that added, removed, or
// modified at least one state.
func (a *Awareness) OnChange(handler func(AwarenessChange, any)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextHandler
	a.nextHandler++
	a.changeHandlers[id] = handler
	return func() {
		a.mu.Lock()
		delete(a.changeHandlers, id)
		a.mu.Unlock()
	}
}

func (a *Awareness) emit(change AwarenessChange, changed bool, origin any) {
	a.mu.Lock()
	updates := handlersInOrder(a.updateHandlers)
	var changes []func(AwarenessChange, any)
	if changed {
		changes = handlersInOrder(a.changeHandlers)
	}
	a.mu.Unlock()

	for _, handler := range changes {
		handler(change, origin)
	}
	for _, handler := range updates {
		handler(change, origin)
	}
}

func handlersInOrder(handlers map[int]func(AwarenessChange, any)) []func(AwarenessChange, any) {
	ordered := make([]func(AwarenessChange, any), 0, len(handlers))
	for _, id := range slices.Sorted(maps.Keys(handlers)) {
		ordered = append(ordered, handlers[id])
	}
	return ordered
}

// awarenessEntryWire is one client's record in an encoded awareness
// update. A nil State announces that the client went offline.
type awarenessEntryWire struct {
	Client string `cbor:"c"`
	Clock  uint64 `cbor:"k"`
	State  State  `cbor:"s"`
}

type awarenessUpdateWire struct {
	Version uint8                `cbor:"v"`
	Entries []awarenessEntryWire `cbor:"e"`
}

// EncodeUpdate encodes the current states of the given clients.
// Clients with no state are encoded as removals at their last clock.
func (a *Awareness) EncodeUpdate(clientIDs []string) ([]byte, error) {
	update := awarenessUpdateWire{Version: updateVersion}
	a.mu.Lock()
	for _, id := range clientIDs {
		wire := awarenessEntryWire{Client: id, Clock: a.clocks[id]}
		if entry, ok := a.entries[id]; ok {
			wire.State = cloneState(entry.state)
		}
		update.Entries = append(update.Entries, wire)
	}
	a.mu.Unlock()

	data, err := codec.Marshal(update)
	if err != nil {
		return nil, fmt.Errorf("encoding awareness update: %w", err)
	}
	return data, nil
}

// ApplyUpdate applies an encoded awareness update from a peer. Entries
// for this client are ignored. Entries whose clock is not newer than
// the known clock are ignored, except a removal at the same clock.
// Handlers receive one combined change.
func (a *Awareness) ApplyUpdate(data []byte, origin any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty awareness payload", ErrMalformedUpdate)
	}
	var update awarenessUpdateWire
	if err := codec.Unmarshal(data, &update); err != nil {
		return fmt.Errorf("%w: awareness: %v", ErrMalformedUpdate, err)
	}
	if update.Version != updateVersion {
		return fmt.Errorf("%w: awareness version %d", ErrMalformedUpdate, update.Version)
	}
	for _, entry := range update.Entries {
		if entry.Client == "" {
			return fmt.Errorf("%w: awareness entry without client", ErrMalformedUpdate)
		}
	}

	var change AwarenessChange
	changed := false
	a.mu.Lock()
	for _, incoming := range update.Entries {
		if incoming.Client == a.clientID {
			continue
		}
		current, known := a.entries[incoming.Client]
		clock, seen := a.clocks[incoming.Client]
		if incoming.State == nil {
			if known && incoming.Clock >= clock {
				delete(a.entries, incoming.Client)
				a.clocks[incoming.Client] = incoming.Clock
				change.Removed = append(change.Removed, incoming.Client)
				changed = true
			}
			continue
		}
		if seen && incoming.Clock <= clock {
			continue
		}
		encoded := mustEncodeState(incoming.State)
		a.clocks[incoming.Client] = incoming.Clock
		a.entries[incoming.Client] = &awarenessEntry{state: incoming.State, encoded: encoded}
		if !known {
			change.Added = append(change.Added, incoming.Client)
			changed = true
			continue
		}
		change.Updated = append(change.Updated, incoming.Client)
		if !bytes.Equal(current.encoded, encoded) {
			changed = true
		}
	}
	a.mu.Unlock()

	if !change.Empty() {
		a.emit(change, changed, origin)
	}
	return nil
}

func mustEncodeState(state State) []byte {
	data, err := codec.Marshal(state)
	if err != nil {
		panic(fmt.Sprintf("replica: encoding awareness state: %v", err))
	}
	return data
}

// cloneState deep-copies nested maps and slices so callers cannot
// mutate stored state.
func cloneState(state State) State {
	if state == nil {
		return nil
	}
	clone := make(State, len(state))
	for key, value := range state {
		clone[key] = cloneValue(value)
	}
	return clone
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return cloneState(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
