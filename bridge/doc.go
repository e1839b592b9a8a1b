// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge keeps a host editor's text buffer and a replicated
// text in lockstep.
//
// A [Bridge] runs two one-directional channels that share one exclusion
// token. The local channel turns buffer change batches into document
// operations inside a single transaction tagged with the bridge as its
// origin. The remote channel reacts to document change events that did
// not originate locally: it diffs the document against the buffer and
// patches the buffer with the one minimal replacement, then restores the
// cursor. While either channel is applying, notifications arriving on
// the other are dropped, not queued: they are echoes of the change
// being applied. The token is an atomic two-state flag, Idle or
// Applying, so a re-entrant notification on the same goroutine is
// dropped rather than deadlocking.
//
// Host editors come in different shapes, so the editor capability is
// split into groups resolved once at construction: every [Editor]
// reports changes; a [ContentEditor] can also be read and patched; a
// [CursorEditor] also exposes its cursor. A bridge over an editor that
// cannot be patched still publishes local changes but cannot apply
// remote ones.
//
// Positions are (line, column) pairs as hosts report them; the bridge
// converts them with [textpos] against the document's current content.
// Every offset counts Unicode code points.
package bridge
