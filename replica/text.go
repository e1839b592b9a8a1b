// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"errors"
	"fmt"
)

// ErrMalformedUpdate is returned (wrapped) when an update or awareness
// payload cannot be decoded or references impossible positions.
var ErrMalformedUpdate = errors.New("replica: malformed update")

// ErrOutOfRange is returned (wrapped) by Insert and Delete when the
// index or length falls outside the text.
var ErrOutOfRange = errors.New("replica: position out of range")

// Transaction identifies the atomic unit a change belongs to.
type Transaction struct {
	// Local is true for transactions started in this process through
	// Transact (or a bare Insert/Delete), false for ApplyUpdate.
	Local bool

	// Origin is the tag passed to Transact or ApplyUpdate. Components
	// use themselves as the origin to recognize their own changes.
	Origin any
}

// OpKind distinguishes insertions from deletions.
type OpKind uint8

const (
	OpInsert OpKind = 1
	OpDelete OpKind = 2
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

// Op is one primitive text operation. Index and Length count Unicode
// code points.
type Op struct {
	Kind   OpKind `cbor:"k"`
	Index  int    `cbor:"i"`
	Text   string `cbor:"t,omitempty"`
	Length int    `cbor:"n,omitempty"`
}

// ChangeEvent is delivered to Text observers once per transaction that
// modified the text.
type ChangeEvent struct {
	Transaction Transaction

	// Delta lists the operations in the order they were applied.
	Delta []Op
}

// Text is a replicated character sequence.
type Text interface {
	// Insert inserts text at index.
	Insert(index int, text string) error

	// Delete removes length characters starting at index.
	Delete(index, length int) error

	// String returns the current content.
	String() string

	// Len returns the content length in characters.
	Len() int

	// Transact runs fn as one atomic transaction tagged with origin.
	// Operations performed inside fn are delivered to observers as a
	// single ChangeEvent after fn returns. Transactions do not nest.
	Transact(origin any, fn func())

	// Observe registers handler for change events and returns a
	// function that unregisters it.
	Observe(handler func(ChangeEvent)) (unobserve func())
}

// Doc is a replicated document holding named texts.
type Doc interface {
	// ClientID identifies this replica in encoded updates.
	ClientID() string

	// Text returns the named text, creating it if needed.
	Text(name string) Text

	// Transact runs fn as one atomic transaction across all texts.
	Transact(origin any, fn func())

	// OnUpdate registers handler for every committed transaction,
	// local or remote, with the transaction encoded as an update.
	OnUpdate(handler func(update []byte, origin any)) (unsubscribe func())

	// EncodeStateAsUpdate encodes the full document state.
	EncodeStateAsUpdate() ([]byte, error)

	// ApplyUpdate applies an update produced by another replica as a
	// remote transaction tagged with origin. Malformed updates return an
	// error wrapping ErrMalformedUpdate and leave the document unchanged.
	ApplyUpdate(update []byte, origin any) error
}
