// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries document and awareness updates between the
// peers of a shared room.
//
// [Manager] owns one room's connection lifecycle: Disconnected,
// Connecting, Connected, or Error. It opens a [Session] through a
// [Transport], tracks the connected peer set, and reports every state
// transition, peer change, and inbound message to its subscribers. It
// never retries on its own; a [Reconnector] calls Connect at a fixed
// interval while the manager is not connected.
//
// [Provider] binds a replica document and its awareness to a Manager.
// Local changes are encoded as [Frame] values and broadcast; inbound
// frames are applied with the provider as origin so they are not sent
// back out. A peer whose channel opens receives a sync frame carrying
// the full document state, its BLAKE3 digest, and the local awareness.
// Frame bodies above a size threshold are compressed with LZ4 or zstd.
//
// The production transport, [WebRTCTransport], builds a full mesh of
// pion/webrtc PeerConnections with one ordered, reliable data channel
// per peer. Messages on the channel are length-prefixed and written in
// chunks that fit the data channel message limit. Peers discover each
// other through a [Signaler]: [WebSocketSignaler] speaks the y-webrtc
// room pub/sub protocol to a [SignalingServer] (or any compatible
// server), and [MemorySignaler] connects transports in one process.
// When two peers meet, the one with the lexicographically smaller id
// sends the SDP offer.
//
// [ICEConfig] holds the STUN/TURN servers used during candidate
// gathering. [DataChannelConn] wraps a detached data channel as a
// net.Conn with deadline support.
package transport
