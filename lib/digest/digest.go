// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package digest computes BLAKE3 digests of replicated document state.
//
// Peers attach the digest of their encoded state to the sync frame they
// send when a connection opens. A receiver whose own state has the same
// digest skips applying the snapshot. Digests are keyed per domain so a
// document digest can never be confused with a digest of some other
// byte string that happens to match.
package digest

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Digest is a 32-byte BLAKE3 keyed hash.
type Digest [32]byte

type domainKey [32]byte

// Domain keys are ASCII names zero-padded to 32 bytes. Changing one
// changes every digest in that domain.
var (
	stateDomainKey = domainKey{
		'q', 'u', 'i', 'r', 'e', '.', 'r', 'e', 'p', 'l', 'i', 'c', 'a', '.',
		's', 't', 'a', 't', 'e',
	}

	textDomainKey = domainKey{
		'q', 'u', 'i', 'r', 'e', '.', 'b', 'u', 'f', 'f', 'e', 'r', '.',
		't', 'e', 'x', 't',
	}
)

// State digests an encoded document state snapshot.
func State(update []byte) Digest {
	return keyedHash(stateDomainKey, update)
}

// Text digests buffer content. Used in logs to compare what two peers
// display without logging the text itself.
func Text(text string) Digest {
	return keyedHash(textDomainKey, []byte(text))
}

// IsZero reports whether d is the zero value (no digest).
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// String returns the lowercase hex encoding.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns the first 12 hex characters, for logging.
func (d Digest) Short() string {
	return d.String()[:12]
}

// FromBytes converts a wire digest. It fails unless b is exactly 32 bytes.
func FromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != len(d) {
		return d, fmt.Errorf("digest: got %d bytes, want %d", len(b), len(d))
	}
	copy(d[:], b)
	return d, nil
}

func keyedHash(key domainKey, data []byte) Digest {
	// NewKeyed only fails for keys that are not 32 bytes long.
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("digest: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var d Digest
	copy(d[:], hasher.Sum(nil))
	return d
}
