// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/quire/lib/codec"
	"github.com/bureau-foundation/quire/lib/digest"
)

// ErrMalformedFrame is returned when a peer payload cannot be decoded
// into a frame.
var ErrMalformedFrame = errors.New("transport: malformed frame")

// FrameKind identifies what a frame carries. The values are part of
// the peer wire format.
type FrameKind uint8

const (
	// FrameUpdate carries one incremental document update.
	FrameUpdate FrameKind = 1
	// FrameAwareness carries an encoded awareness update.
	FrameAwareness FrameKind = 2
	// FrameSync carries a full document state, its digest, and the
	// sender's awareness. Peers send it when a channel opens.
	FrameSync FrameKind = 3
)

func (k FrameKind) String() string {
	switch k {
	case FrameUpdate:
		return "update"
	case FrameAwareness:
		return "awareness"
	case FrameSync:
		return "sync"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Frame is one message between peers.
type Frame struct {
	Kind FrameKind
	// Body is the document update or state. For FrameAwareness it is
	// the awareness update.
	Body []byte
	// Digest is set on FrameSync: the digest of Body.
	Digest digest.Digest
	// Awareness is set on FrameSync: the sender's awareness update.
	Awareness []byte
}

type wireFrame struct {
	Kind        FrameKind            `cbor:"k"`
	Compression codec.CompressionTag `cbor:"c,omitempty"`
	Size        int                  `cbor:"n,omitempty"`
	Body        []byte               `cbor:"b,omitempty"`
	Digest      []byte               `cbor:"d,omitempty"`
	Awareness   []byte               `cbor:"a,omitempty"`
}

// FrameEncoder encodes frames, compressing bodies at or above a size
// threshold.
type FrameEncoder struct {
	Compression codec.CompressionTag
	// Threshold is the smallest body, in bytes, worth compressing.
	Threshold int
}

// Encode serializes frame. A body the compressor cannot shrink is sent
// uncompressed.
func (e FrameEncoder) Encode(frame Frame) ([]byte, error) {
	wire := wireFrame{
		Kind:      frame.Kind,
		Body:      frame.Body,
		Awareness: frame.Awareness,
	}
	if frame.Kind == FrameSync {
		wire.Digest = frame.Digest[:]
	}
	if e.Compression != codec.CompressionNone && len(frame.Body) >= e.Threshold && len(frame.Body) > 0 {
		compressed, err := codec.Compress(frame.Body, e.Compression)
		switch {
		case err == nil:
			wire.Compression = e.Compression
			wire.Size = len(frame.Body)
			wire.Body = compressed
		case errors.Is(err, codec.ErrIncompressible):
		default:
			return nil, fmt.Errorf("compressing %s frame: %w", frame.Kind, err)
		}
	}
	data, err := codec.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", frame.Kind, err)
	}
	return data, nil
}

// DecodeFrame parses a peer payload. Every failure wraps
// ErrMalformedFrame, including a sync frame whose body does not match
// its digest.
func DecodeFrame(data []byte) (Frame, error) {
	var wire wireFrame
	if err := codec.Unmarshal(data, &wire); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch wire.Kind {
	case FrameUpdate, FrameAwareness, FrameSync:
	default:
		return Frame{}, fmt.Errorf("%w: unknown kind %d", ErrMalformedFrame, wire.Kind)
	}
	frame := Frame{Kind: wire.Kind, Body: wire.Body, Awareness: wire.Awareness}
	if wire.Compression != codec.CompressionNone {
		body, err := codec.Decompress(wire.Body, wire.Compression, wire.Size)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: %s body: %v", ErrMalformedFrame, wire.Kind, err)
		}
		frame.Body = body
	}
	if wire.Kind == FrameSync {
		sum, err := digest.FromBytes(wire.Digest)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: sync digest: %v", ErrMalformedFrame, err)
		}
		if digest.State(frame.Body) != sum {
			return Frame{}, fmt.Errorf("%w: sync body does not match digest %s", ErrMalformedFrame, sum.Short())
		}
		frame.Digest = sum
	}
	return frame, nil
}
