// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"fmt"

	"github.com/bureau-foundation/quire/lib/textpos"
)

// Change is one edit reported by a host editor: the range [From, To)
// of the buffer as it was before the change was replaced by Text.
type Change struct {
	From textpos.Position `json:"from"`
	To   textpos.Position `json:"to"`
	Text string           `json:"text"`
}

// validate rejects positions no editor can produce.
func (c Change) validate() error {
	if c.From.Line < 0 || c.From.Column < 0 || c.To.Line < 0 || c.To.Column < 0 {
		return fmt.Errorf("negative position in change %s-%s", c.From, c.To)
	}
	if c.To.Before(c.From) {
		return fmt.Errorf("change ends at %s before it starts at %s", c.To, c.From)
	}
	return nil
}

// Editor is the capability every host editor provides: reporting
// batches of changes the user made.
type Editor interface {
	// OnChanges registers handler for change batches and returns a
	// function that unregisters it. Changes within a batch are in the
	// order the editor applied them.
	OnChanges(handler func([]Change)) (cancel func())
}

// ContentEditor is implemented by editors whose buffer can be read and
// patched. Changes made through ReplaceRange are reported to OnChanges
// handlers like any other edit.
type ContentEditor interface {
	Editor
	Value() string
	ReplaceRange(text string, from, to textpos.Position) error
}

// CursorEditor is implemented by editors that expose a single cursor.
type CursorEditor interface {
	Editor
	Cursor() textpos.Position
	SetCursor(position textpos.Position)
}
