// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for quire packages.
//
// [RequireReceive], [RequireClosed], and [RequireNoReceive] wrap the
// select-with-timeout pattern so individual tests never call time.After
// directly. [UniqueID] produces distinguishable identifiers for peers and
// rooms. [Logger] returns a logger that discards output, matching what
// every component expects when a test does not care about logs.
//
// All helpers call t.Fatalf on failure.
package testutil
