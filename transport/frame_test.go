// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"errors"
	"testing"

	"github.com/bureau-foundation/quire/lib/codec"
	"github.com/bureau-foundation/quire/lib/digest"
)

func TestFrameEncoder_CompressesLargeBodies(t *testing.T) {
	body := bytes.Repeat([]byte("the quick brown fox "), 500)
	for _, compression := range []codec.CompressionTag{codec.CompressionLZ4, codec.CompressionZstd} {
		t.Run(compression.String(), func(t *testing.T) {
			encoder := FrameEncoder{Compression: compression, Threshold: 64}
			data, err := encoder.Encode(Frame{Kind: FrameUpdate, Body: body})
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if len(data) >= len(body) {
				t.Fatalf("encoded frame is %d bytes, want less than the %d byte body", len(data), len(body))
			}
			frame, err := DecodeFrame(data)
			if err != nil {
				t.Fatalf("DecodeFrame: %v", err)
			}
			if frame.Kind != FrameUpdate || !bytes.Equal(frame.Body, body) {
				t.Fatalf("decoded %v frame with %d byte body, want update with %d", frame.Kind, len(frame.Body), len(body))
			}
		})
	}
}

func TestFrameEncoder_SmallAndIncompressibleBodiesStayRaw(t *testing.T) {
	encoder := FrameEncoder{Compression: codec.CompressionZstd, Threshold: 1024}

	small := []byte("tiny")
	data, err := encoder.Encode(Frame{Kind: FrameAwareness, Body: small})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Contains(data, small) {
		t.Fatal("body below the threshold was transformed")
	}

	// Distinct bytes with no repetition do not compress.
	random := make([]byte, 2048)
	state := uint32(2463534242)
	for index := range random {
		state ^= state << 13
		state ^= state >> 17
		state ^= state << 5
		random[index] = byte(state)
	}
	data, err = encoder.Encode(Frame{Kind: FrameUpdate, Body: random})
	if err != nil {
		t.Fatalf("Encode incompressible: %v", err)
	}
	frame, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if !bytes.Equal(frame.Body, random) {
		t.Fatal("incompressible body did not survive encoding")
	}
}

func TestFrame_SyncDigest(t *testing.T) {
	state := []byte("document state")
	encoder := FrameEncoder{}
	data, err := encoder.Encode(Frame{Kind: FrameSync, Body: state, Digest: digest.State(state), Awareness: []byte("presence")})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	frame, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if frame.Digest != digest.State(state) || string(frame.Awareness) != "presence" {
		t.Fatalf("decoded sync frame = %+v", frame)
	}

	tampered, err := encoder.Encode(Frame{Kind: FrameSync, Body: state, Digest: digest.State([]byte("other"))})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := DecodeFrame(tampered); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("DecodeFrame with mismatched digest = %v, want %v", err, ErrMalformedFrame)
	}
}

func TestDecodeFrame_Malformed(t *testing.T) {
	unknownKind, err := codec.Marshal(wireFrame{Kind: 9})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	badCompression, err := codec.Marshal(wireFrame{Kind: FrameUpdate, Compression: codec.CompressionZstd, Size: 10, Body: []byte("not zstd")})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"garbage", []byte{0xff, 0x00, 0x13}},
		{"unknown kind", unknownKind},
		{"corrupt compressed body", badCompression},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := DecodeFrame(test.data); !errors.Is(err, ErrMalformedFrame) {
				t.Fatalf("DecodeFrame = %v, want %v", err, ErrMalformedFrame)
			}
		})
	}
}
