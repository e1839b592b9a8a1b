// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"fmt"
	"maps"
	"slices"

	"github.com/bureau-foundation/quire/lib/codec"
)

// itemID names one character: the replica that inserted it and the
// Lamport clock of the insertion. The zero itemID stands for the start
// of the text.
type itemID struct {
	Client string `cbor:"c,omitempty"`
	Clock  uint64 `cbor:"k,omitempty"`
}

func (i itemID) isZero() bool { return i.Clock == 0 }

// precedes reports whether i sorts before j among characters inserted
// after the same origin: higher clocks first, ties broken by client.
func (i itemID) precedes(j itemID) bool {
	if i.Clock != j.Clock {
		return i.Clock > j.Clock
	}
	return i.Client > j.Client
}

func (i itemID) String() string { return fmt.Sprintf("%s@%d", i.Client, i.Clock) }

// item is one character of a text. Deleted characters stay in the
// sequence as tombstones so later inserts can still find their origin.
type item struct {
	id      itemID
	origin  itemID
	value   rune
	deleted bool
}

// MemoryDoc is the in-memory reference [Doc]. See the package
// documentation for its merge semantics and concurrency rules.
type MemoryDoc struct {
	clientID string
	// clock is the highest Lamport clock seen, local or remote.
	clock uint64

	texts map[string]*memoryText

	active *transaction

	nextHandler    int
	updateHandlers map[int]func([]byte, any)
}

type transaction struct {
	meta Transaction
	// order preserves the first-touch order of texts so events are
	// delivered deterministically.
	order []string
	ops   map[string][]Op
	// inserted and deleted hold local changes for the encoded update.
	inserted map[string][]*item
	deleted  map[string][]itemID
}

func (t *transaction) touch(name string) {
	if _, ok := t.ops[name]; !ok {
		t.order = append(t.order, name)
		t.ops[name] = nil
	}
}

// record appends op to the text's delta, merging it into the previous
// op when both extend the same edit.
func (t *transaction) record(name string, op Op) {
	t.touch(name)
	ops := t.ops[name]
	if n := len(ops); n > 0 {
		last := &ops[n-1]
		switch {
		case op.Kind == OpInsert && last.Kind == OpInsert && op.Index == last.Index+len([]rune(last.Text)):
			last.Text += op.Text
			return
		case op.Kind == OpDelete && last.Kind == OpDelete && op.Index == last.Index:
			last.Length += op.Length
			return
		}
	}
	t.ops[name] = append(ops, op)
}

// NewMemoryDoc returns an empty document identified by clientID in the
// updates it produces. Every document instance needs its own client
// id: a replica restarted with an id its peers have already seen
// would mint character ids they treat as duplicates.
func NewMemoryDoc(clientID string) *MemoryDoc {
	return &MemoryDoc{
		clientID:       clientID,
		texts:          make(map[string]*memoryText),
		updateHandlers: make(map[int]func([]byte, any)),
	}
}

func (d *MemoryDoc) ClientID() string { return d.clientID }

// Text returns the named text, creating an empty one on first use.
func (d *MemoryDoc) Text(name string) Text {
	return d.text(name)
}

func (d *MemoryDoc) text(name string) *memoryText {
	text, ok := d.texts[name]
	if !ok {
		text = &memoryText{
			doc:       d,
			name:      name,
			index:     make(map[itemID]*item),
			observers: make(map[int]func(ChangeEvent)),
		}
		d.texts[name] = text
	}
	return text
}

// tick returns a fresh id for a local character.
func (d *MemoryDoc) tick() itemID {
	d.clock++
	return itemID{Client: d.clientID, Clock: d.clock}
}

// Transact runs fn as a local transaction. Operations performed inside
// fn on any text of this document are committed together when fn
// returns, even if fn panics.
func (d *MemoryDoc) Transact(origin any, fn func()) {
	d.run(Transaction{Local: true, Origin: origin}, nil, fn)
}

// run executes fn inside a transaction and commits it. When encoded is
// non-nil it is forwarded to update handlers instead of encoding the
// recorded changes, which keeps remote updates byte-identical as they
// propagate.
func (d *MemoryDoc) run(meta Transaction, encoded []byte, fn func()) {
	if d.active != nil {
		panic("replica: nested transaction")
	}
	txn := &transaction{
		meta:     meta,
		ops:      make(map[string][]Op),
		inserted: make(map[string][]*item),
		deleted:  make(map[string][]itemID),
	}
	d.active = txn
	defer func() {
		d.active = nil
		d.commit(txn, encoded)
	}()
	fn()
}

func (d *MemoryDoc) commit(txn *transaction, encoded []byte) {
	changed := slices.ContainsFunc(txn.order, func(name string) bool { return len(txn.ops[name]) > 0 })
	if !changed {
		return
	}
	if encoded == nil {
		update := wireUpdate{Version: updateVersion}
		for _, name := range txn.order {
			var runs runBuilder
			for _, it := range txn.inserted[name] {
				runs.add(it)
			}
			var deletes []wireDeleted
			for _, id := range txn.deleted[name] {
				deletes = appendDeleted(deletes, id)
			}
			update.Texts = append(update.Texts, wireText{Name: name, Runs: runs.finish(), Deletes: deletes})
		}
		var err error
		encoded, err = codec.Marshal(update)
		if err != nil {
			// Items are plain ints and strings; encoding cannot fail.
			panic(fmt.Sprintf("replica: encoding update: %v", err))
		}
	}

	for _, name := range txn.order {
		if len(txn.ops[name]) == 0 {
			continue
		}
		event := ChangeEvent{Transaction: txn.meta, Delta: txn.ops[name]}
		text := d.texts[name]
		for _, id := range slices.Sorted(maps.Keys(text.observers)) {
			if observer, ok := text.observers[id]; ok {
				observer(event)
			}
		}
	}
	for _, id := range slices.Sorted(maps.Keys(d.updateHandlers)) {
		if handler, ok := d.updateHandlers[id]; ok {
			handler(encoded, txn.meta.Origin)
		}
	}
}

// OnUpdate registers handler for every committed transaction that
// changed at least one text.
func (d *MemoryDoc) OnUpdate(handler func(update []byte, origin any)) func() {
	id := d.nextHandler
	d.nextHandler++
	d.updateHandlers[id] = handler
	return func() { delete(d.updateHandlers, id) }
}

// EncodeStateAsUpdate encodes every character of every text, tombstones
// included, in document order. Two replicas holding the same state
// produce identical bytes.
func (d *MemoryDoc) EncodeStateAsUpdate() ([]byte, error) {
	update := wireUpdate{Version: updateVersion}
	for _, name := range slices.Sorted(maps.Keys(d.texts)) {
		text := d.texts[name]
		if len(text.items) == 0 {
			continue
		}
		var runs runBuilder
		for _, it := range text.items {
			runs.add(it)
		}
		update.Texts = append(update.Texts, wireText{Name: name, Runs: runs.finish()})
	}
	data, err := codec.Marshal(update)
	if err != nil {
		return nil, fmt.Errorf("encoding document state: %w", err)
	}
	return data, nil
}

// ApplyUpdate merges an update or a full state from another replica.
// Characters already present are skipped, so reapplying an update or
// merging a state that overlaps local content is harmless. Characters
// whose origin has not arrived yet wait until it does.
func (d *MemoryDoc) ApplyUpdate(data []byte, origin any) error {
	update, err := decodeUpdate(data)
	if err != nil {
		return err
	}
	d.run(Transaction{Local: false, Origin: origin}, data, func() {
		for _, change := range update.Texts {
			text := d.text(change.Name)
			for _, run := range change.Runs {
				text.pendingInserts = append(text.pendingInserts, run.items()...)
			}
			for _, deleted := range change.Deletes {
				text.pendingDeletes = append(text.pendingDeletes, deleted.ids()...)
			}
			text.drain()
		}
	})
	return nil
}

type memoryText struct {
	doc  *MemoryDoc
	name string

	// items is the full sequence in document order, tombstones
	// included; index maps every id in it to its item.
	items  []*item
	index  map[itemID]*item
	length int

	// hint caches the position of the last item touched. Sequential
	// typing and run integration look up the neighbor of the previous
	// character, so the hint turns most lookups into one comparison.
	hint position

	// pendingInserts and pendingDeletes wait for the items they
	// reference.
	pendingInserts []*item
	pendingDeletes []itemID

	nextObserver int
	observers    map[int]func(ChangeEvent)
}

// position locates an item: its index in items and the number of
// visible characters before it.
type position struct {
	id      itemID
	at      int
	visible int
}

// locate returns the position of id, or of the start of the text for
// the zero id. ok is false when id is unknown.
func (t *memoryText) locate(id itemID) (position, bool) {
	if id.isZero() {
		return position{at: -1}, true
	}
	if _, known := t.index[id]; !known {
		return position{}, false
	}
	if t.validHint() {
		// Look forward from the hint first.
		visible := t.hint.visible
		for at := t.hint.at; at < len(t.items); at++ {
			it := t.items[at]
			if it.id == id {
				return position{id: id, at: at, visible: visible}, true
			}
			if !it.deleted {
				visible++
			}
		}
	}
	visible := 0
	for at, it := range t.items {
		if it.id == id {
			return position{id: id, at: at, visible: visible}, true
		}
		if !it.deleted {
			visible++
		}
	}
	return position{}, false
}

func (t *memoryText) validHint() bool {
	return t.hint.at >= 0 && t.hint.at < len(t.items) && t.items[t.hint.at].id == t.hint.id && !t.hint.id.isZero()
}

// visibleAt returns the position of the visible character at index.
func (t *memoryText) visibleAt(index int) position {
	visible := 0
	for at, it := range t.items {
		if it.deleted {
			continue
		}
		if visible == index {
			return position{id: it.id, at: at, visible: visible}
		}
		visible++
	}
	return position{at: -1}
}

// integrate places a new item after its origin, skipping the
// characters that sort before it, and returns false when the origin is
// still missing.
func (t *memoryText) integrate(it *item) bool {
	origin, ok := t.locate(it.origin)
	if !ok {
		return false
	}
	at := origin.at + 1
	visible := origin.visible
	if origin.at >= 0 && !t.items[origin.at].deleted {
		visible++
	}
	for at < len(t.items) && t.items[at].id.precedes(it.id) {
		if !t.items[at].deleted {
			visible++
		}
		at++
	}
	t.items = slices.Insert(t.items, at, it)
	t.index[it.id] = it
	t.hint = position{id: it.id, at: at, visible: visible}
	if it.id.Clock > t.doc.clock {
		t.doc.clock = it.id.Clock
	}
	t.doc.active.touch(t.name)
	if !it.deleted {
		t.length++
		t.doc.active.record(t.name, Op{Kind: OpInsert, Index: visible, Text: string(it.value)})
	}
	return true
}

// tombstone marks an item deleted.
func (t *memoryText) tombstone(it *item) {
	if it.deleted {
		return
	}
	at, _ := t.locate(it.id)
	it.deleted = true
	t.length--
	// Tombstoning shifts no positions, so the item's own position
	// stays a valid hint.
	t.hint = at
	t.doc.active.record(t.name, Op{Kind: OpDelete, Index: at.visible, Length: 1})
}

// drain applies every pending change whose dependencies are present,
// repeating until nothing more can be applied.
func (t *memoryText) drain() {
	for progress := true; progress; {
		progress = false

		waiting := t.pendingInserts[:0]
		for _, it := range t.pendingInserts {
			if known, ok := t.index[it.id]; ok {
				if it.deleted {
					t.tombstone(known)
				}
				continue
			}
			if !t.integrate(it) {
				waiting = append(waiting, it)
				continue
			}
			progress = true
		}
		clear(t.pendingInserts[len(waiting):])
		t.pendingInserts = waiting

		unresolved := t.pendingDeletes[:0]
		for _, id := range t.pendingDeletes {
			known, ok := t.index[id]
			if !ok {
				unresolved = append(unresolved, id)
				continue
			}
			t.tombstone(known)
		}
		t.pendingDeletes = unresolved
	}
}

func (t *memoryText) Insert(index int, text string) error {
	if index < 0 || index > t.length {
		return fmt.Errorf("inserting at %d into %q (length %d): %w", index, t.name, t.length, ErrOutOfRange)
	}
	if text == "" {
		return nil
	}
	if t.doc.active == nil {
		var err error
		t.doc.Transact(nil, func() { err = t.Insert(index, text) })
		return err
	}
	origin := itemID{}
	if index > 0 {
		origin = t.visibleAt(index - 1).id
	}
	for _, value := range text {
		it := &item{id: t.doc.tick(), origin: origin, value: value}
		t.integrate(it)
		t.doc.active.inserted[t.name] = append(t.doc.active.inserted[t.name], it)
		origin = it.id
	}
	return nil
}

func (t *memoryText) Delete(index, length int) error {
	if index < 0 || length < 0 || index+length > t.length {
		return fmt.Errorf("deleting [%d, %d) from %q (length %d): %w", index, index+length, t.name, t.length, ErrOutOfRange)
	}
	if length == 0 {
		return nil
	}
	if t.doc.active == nil {
		var err error
		t.doc.Transact(nil, func() { err = t.Delete(index, length) })
		return err
	}
	start := t.visibleAt(index)
	t.hint = start
	var targets []*item
	for at := start.at; at < len(t.items) && len(targets) < length; at++ {
		if !t.items[at].deleted {
			targets = append(targets, t.items[at])
		}
	}
	for _, it := range targets {
		t.tombstone(it)
		t.doc.active.deleted[t.name] = append(t.doc.active.deleted[t.name], it.id)
	}
	return nil
}

func (t *memoryText) String() string {
	runes := make([]rune, 0, t.length)
	for _, it := range t.items {
		if !it.deleted {
			runes = append(runes, it.value)
		}
	}
	return string(runes)
}

func (t *memoryText) Len() int { return t.length }

func (t *memoryText) Transact(origin any, fn func()) { t.doc.Transact(origin, fn) }

func (t *memoryText) Observe(handler func(ChangeEvent)) func() {
	id := t.nextObserver
	t.nextObserver++
	t.observers[id] = handler
	return func() { delete(t.observers, id) }
}
