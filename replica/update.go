// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"fmt"

	"github.com/bureau-foundation/quire/lib/codec"
)

// updateVersion is bumped when the encoded layout changes
// incompatibly. Decoders reject versions they do not know.
const updateVersion = 2

// maxDeleteRange bounds one tombstone range in a decoded update.
const maxDeleteRange = 1 << 20

// wireUpdate is the CBOR layout MemoryDoc exchanges. Incremental
// updates and full states share it: a state is simply an update that
// carries every item, tombstones included.
type wireUpdate struct {
	Version uint8      `cbor:"v"`
	Texts   []wireText `cbor:"t,omitempty"`
}

type wireText struct {
	Name    string        `cbor:"n"`
	Runs    []wireRun     `cbor:"r,omitempty"`
	Deletes []wireDeleted `cbor:"d,omitempty"`
}

// wireRun is a chain of characters inserted by one client with
// consecutive clocks. The first character follows Origin; each later
// one follows its predecessor in the run.
type wireRun struct {
	ID      itemID `cbor:"i"`
	Origin  itemID `cbor:"o"`
	Text    string `cbor:"s"`
	Deleted bool   `cbor:"x,omitempty"`
}

// wireDeleted tombstones Length characters of one client starting at
// clock ID.Clock.
type wireDeleted struct {
	ID     itemID `cbor:"i"`
	Length int    `cbor:"l"`
}

func decodeUpdate(data []byte) (*wireUpdate, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedUpdate)
	}
	var update wireUpdate
	if err := codec.Unmarshal(data, &update); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if update.Version != updateVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedUpdate, update.Version)
	}
	for _, text := range update.Texts {
		if err := validateText(text); err != nil {
			return nil, fmt.Errorf("%w: text %q: %v", ErrMalformedUpdate, text.Name, err)
		}
	}
	return &update, nil
}

func validateText(text wireText) error {
	for _, run := range text.Runs {
		if run.ID.isZero() || run.ID.Client == "" {
			return fmt.Errorf("run without an id")
		}
		if run.Text == "" {
			return fmt.Errorf("empty run %s", run.ID)
		}
		if !run.Origin.isZero() && run.Origin.Client == "" {
			return fmt.Errorf("run %s has an origin without a client", run.ID)
		}
		if run.Origin == run.ID {
			return fmt.Errorf("run %s follows itself", run.ID)
		}
	}
	for _, deleted := range text.Deletes {
		if deleted.ID.isZero() || deleted.ID.Client == "" {
			return fmt.Errorf("delete without an id")
		}
		if deleted.Length <= 0 || deleted.Length > maxDeleteRange {
			return fmt.Errorf("delete length %d at %s out of range", deleted.Length, deleted.ID)
		}
	}
	return nil
}

// items expands a run into one item per character.
func (r wireRun) items() []*item {
	runes := []rune(r.Text)
	items := make([]*item, len(runes))
	origin := r.Origin
	for i, value := range runes {
		id := itemID{Client: r.ID.Client, Clock: r.ID.Clock + uint64(i)}
		items[i] = &item{id: id, origin: origin, value: value, deleted: r.Deleted}
		origin = id
	}
	return items
}

// runBuilder groups consecutive characters into runs.
type runBuilder struct {
	runs    []wireRun
	current []rune
	first   *item
	last    *item
}

func (b *runBuilder) add(it *item) {
	if b.last != nil && it.id.Client == b.last.id.Client && it.id.Clock == b.last.id.Clock+1 &&
		it.origin == b.last.id && it.deleted == b.last.deleted {
		b.current = append(b.current, it.value)
		b.last = it
		return
	}
	b.flush()
	b.first, b.last = it, it
	b.current = append(b.current[:0], it.value)
}

func (b *runBuilder) flush() {
	if b.first == nil {
		return
	}
	b.runs = append(b.runs, wireRun{
		ID:      b.first.id,
		Origin:  b.first.origin,
		Text:    string(b.current),
		Deleted: b.first.deleted,
	})
	b.first, b.last = nil, nil
}

// finish returns the runs built so far.
func (b *runBuilder) finish() []wireRun {
	b.flush()
	return b.runs
}

// appendDeleted adds one tombstoned id to deletes, extending the last
// range when the id continues it.
func appendDeleted(deletes []wireDeleted, id itemID) []wireDeleted {
	if n := len(deletes); n > 0 {
		last := &deletes[n-1]
		if id.Client == last.ID.Client && id.Clock == last.ID.Clock+uint64(last.Length) {
			last.Length++
			return deletes
		}
	}
	return append(deletes, wireDeleted{ID: id, Length: 1})
}

// ids expands a delete range.
func (d wireDeleted) ids() []itemID {
	ids := make([]itemID, d.Length)
	for i := range ids {
		ids[i] = itemID{Client: d.ID.Client, Clock: d.ID.Clock + uint64(i)}
	}
	return ids
}
