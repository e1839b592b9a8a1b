// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Quire is a headless peer for a shared text document.
//
// It joins a room through one or more WebSocket signaling servers,
// connects to the other peers in the room over WebRTC data channels,
// and keeps a local replica of the room's document. Every line read
// from stdin is appended to the document; the full document is
// rewritten to --output whenever it changes, whether the change came
// from stdin or from another peer. Presence joins and leaves and
// connection changes are logged to stderr.
//
//	quire --room design-notes --name Ada --output notes.md
//
// Configuration is read from --config or $QUIRE_CONFIG (YAML, or JSONC
// for .json and .jsonc files); --room, --name, --signaling, and
// --verbose override the file. Without either, built-in defaults are
// used and --room is required.
//
// When the connection is lost the peer retries at
// transport.reconnect_interval. SIGINT and SIGTERM announce departure
// to the other peers, write the output file a final time, and exit.
package main
