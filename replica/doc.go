// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package replica defines the replicated-document capabilities quire
// builds on, and provides a reference in-memory implementation.
//
// The bridge and provider never merge concurrent edits themselves. A
// conflict-free replicated text engine sits behind the [Doc] and
// [Text] interfaces:
// it accepts local operations inside transactions, emits change events
// tagged with the transaction's origin, encodes its state as an update,
// and applies updates produced by other replicas. [Awareness] carries
// the ephemeral per-peer state (display name, color, cursor) that is
// broadcast alongside the document but never persisted.
//
// [MemoryDoc] is the engine the quire session uses. It is a replicated
// growable array: every character carries an id (client, Lamport
// clock) and the id of the character it was typed after. Characters
// typed after the same neighbor are ordered by id, higher clocks
// first, so every replica arrives at the same sequence whatever order
// updates arrive in. Deleted characters remain as tombstones. A full
// state is an update carrying every character, so merging two replicas
// that both edited offline keeps the work of both.
//
// Lookups are linear in the document length, which suits documents of
// the size people edit by hand.
//
// Neither MemoryDoc nor the Text values it returns are safe for
// concurrent use. quire's session runs every document mutation on a
// single goroutine. Awareness is safe for concurrent use.
package replica
