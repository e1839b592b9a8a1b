// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds quire's binary encoding configuration.
//
// Everything quire puts on the wire or hands to the replicated document
// as bytes is CBOR: peer frames, document updates, awareness updates.
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2) so the
// same logical value always produces the same bytes, which lets state
// digests computed on either side of a connection agree.
//
//	data, err := codec.Marshal(frame)
//	err = codec.Unmarshal(data, &frame)
//
// Large payloads (full document snapshots) can be compressed with
// [Compress] before framing. The chosen algorithm travels with the
// payload as a [CompressionTag] byte; [Decompress] needs the tag and the
// original length.
//
// Wire types use `cbor` struct tags. Types that are also rendered as
// JSON (awareness state) use `json` tags, which fxamacker/cbor reads as
// a fallback.
package codec
