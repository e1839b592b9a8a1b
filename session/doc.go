// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session assembles one peer's participation in a room.
//
// A [Session] owns a replicated document and its awareness, a
// [transport.Manager] and [transport.Provider] that carry them to other
// peers, a [presence.Tracker] over the awareness, and a
// [transport.Reconnector] that rejoins the room after the connection is
// lost. Editors attach through [Session.Bind], which creates a
// [bridge.Bridge] between the editor and the shared text.
//
// The document is not safe for concurrent use, so every document
// operation runs on a single goroutine owned by the session. Inbound
// frames reach it through the provider's dispatch hook; callers reach
// it through [Session.Do]. Editors that report changes synchronously
// (such as [editor.Buffer]) must be mutated inside Do so the bridge
// sees the change on the document goroutine:
//
//	buffer := editor.NewBuffer("")
//	if _, err := s.Bind(buffer, "notes.md"); err != nil {
//		return err
//	}
//	s.Do(func() { buffer.Append("hello\n") })
//
// The local awareness state follows the shape other peers expect:
//
//	{"user": {"id": ..., "name": ..., "color": ..., "status": "online"},
//	 "cursor": {"line": ..., "ch": ...}}
package session
