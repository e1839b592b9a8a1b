// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Quire-signal is the WebSocket signaling relay quire peers use to find
// each other.
//
// Peers subscribe to a topic per room and publish announce, offer,
// answer, and leave messages to it; the relay forwards every publish
// to every subscriber of the topic. It speaks the y-webrtc signaling
// protocol (subscribe, unsubscribe, publish, ping), so browser peers
// built on y-webrtc can share rooms with quire peers. Document content
// never passes through the relay: once two peers have exchanged SDP
// they talk over a direct WebRTC data channel.
//
//	quire-signal --listen :4444
//
// Plain HTTP requests receive "okay", which load balancers can use as
// a health check.
package main
