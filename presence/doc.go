// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package presence tracks which collaborators are live in a room.
//
// A [Tracker] listens to an awareness source (the per-peer ephemeral
// state every client broadcasts) and maintains one [PeerRecord] per
// peer that announced a valid user: a display name and a color, either
// under a "user" object or at the top level of the state. The first
// valid announcement emits [UserJoin]; removal from the awareness
// source, an explicit [Tracker.Remove], or silence longer than the idle
// timeout emits [UserLeave]. Re-announcements refresh the record and
// its expiry without an event.
//
// Timeouts run on an expiry queue keyed by peer id: joining arms a
// timer, every refresh re-arms it, removal cancels it, and Close stops
// them all. Timers come from a [clock.Clock] so tests drive expiry with
// a fake clock.
//
// The tracker admits at most MaxParticipants peers. Joins beyond that
// are rejected with a warning, never an error. When an
// [access.Authorizer] is configured, peers without read permission are
// not admitted.
package presence
