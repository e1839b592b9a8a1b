// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package digest

import "testing"

func TestStateDeterministic(t *testing.T) {
	first := State([]byte("snapshot"))
	second := State([]byte("snapshot"))
	if first != second {
		t.Fatal("same input produced different digests")
	}
	if first == State([]byte("snapshot!")) {
		t.Fatal("different input produced the same digest")
	}
	if first.IsZero() {
		t.Fatal("digest of data should not be zero")
	}
}

func TestDomainSeparation(t *testing.T) {
	if State([]byte("hello")) == Text("hello") {
		t.Fatal("state and text domains produced the same digest")
	}
}

func TestFromBytes(t *testing.T) {
	original := Text("abc")
	parsed, err := FromBytes(original[:])
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if parsed != original {
		t.Errorf("FromBytes = %s, want %s", parsed, original)
	}
	if _, err := FromBytes([]byte{1, 2}); err == nil {
		t.Error("short input should fail")
	}
}

func TestStringForms(t *testing.T) {
	d := Text("abc")
	if len(d.String()) != 64 {
		t.Errorf("String length = %d, want 64", len(d.String()))
	}
	if d.Short() != d.String()[:12] {
		t.Errorf("Short = %q, want prefix of %q", d.Short(), d.String())
	}
}
