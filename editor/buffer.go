// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package editor provides an in-memory text buffer that implements
// every host editor capability the sync bridge understands. The quire
// command uses it as a headless editor; tests use it as a stand-in for
// a real host.
package editor

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/bureau-foundation/quire/bridge"
	"github.com/bureau-foundation/quire/lib/digest"
	"github.com/bureau-foundation/quire/lib/textpos"
)

// Buffer is a plain-text buffer with a single cursor. Every mutation is
// reported to OnChanges handlers as a one-change batch, after the
// buffer's lock is released, on the mutating goroutine. Buffer is safe
// for concurrent use.
type Buffer struct {
	mu       sync.Mutex
	content  []rune
	cursor   int
	handlers map[int]func([]bridge.Change)
	next     int
}

var (
	_ bridge.ContentEditor = (*Buffer)(nil)
	_ bridge.CursorEditor  = (*Buffer)(nil)
)

// NewBuffer returns a buffer holding content with the cursor at the
// start.
func NewBuffer(content string) *Buffer {
	return &Buffer{
		content:  []rune(content),
		handlers: make(map[int]func([]bridge.Change)),
	}
}

// OnChanges registers handler and returns a function that removes it.
func (b *Buffer) OnChanges(handler func([]bridge.Change)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.handlers[id] = handler
	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Value returns the buffer content.
func (b *Buffer) Value() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.content)
}

// Len returns the content length in characters.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.content)
}

// Digest returns the keyed digest of the current content, used to
// compare buffers across peers without shipping the text.
func (b *Buffer) Digest() digest.Digest {
	return digest.Text(b.Value())
}

// ReplaceRange replaces [from, to) with text. Positions past the end of
// a line or of the buffer are clamped; a range that ends before it
// starts is an error.
func (b *Buffer) ReplaceRange(text string, from, to textpos.Position) error {
	if to.Before(from) {
		return fmt.Errorf("editor: range %s-%s ends before it starts", from, to)
	}
	b.mu.Lock()
	current := string(b.content)
	start := textpos.ToOffset(current, from)
	end := textpos.ToOffset(current, to)
	change := bridge.Change{
		From: textpos.ToPosition(current, start),
		To:   textpos.ToPosition(current, end),
		Text: text,
	}
	b.replaceLocked(start, end, text)
	handlers := b.handlersLocked()
	b.mu.Unlock()

	b.emit(handlers, change)
	return nil
}

// Insert inserts text at a character offset, clamped to the buffer.
func (b *Buffer) Insert(offset int, text string) {
	b.mu.Lock()
	offset = min(max(offset, 0), len(b.content))
	current := string(b.content)
	position := textpos.ToPosition(current, offset)
	b.replaceLocked(offset, offset, text)
	handlers := b.handlersLocked()
	b.mu.Unlock()

	b.emit(handlers, bridge.Change{From: position, To: position, Text: text})
}

// Append adds text at the end of the buffer and moves the cursor after
// it.
func (b *Buffer) Append(text string) {
	b.mu.Lock()
	end := len(b.content)
	position := textpos.ToPosition(string(b.content), end)
	b.replaceLocked(end, end, text)
	b.cursor = len(b.content)
	handlers := b.handlersLocked()
	b.mu.Unlock()

	b.emit(handlers, bridge.Change{From: position, To: position, Text: text})
}

// Cursor returns the cursor position.
func (b *Buffer) Cursor() textpos.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	return textpos.ToPosition(string(b.content), b.cursor)
}

// SetCursor moves the cursor, clamping to the buffer.
func (b *Buffer) SetCursor(position textpos.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cursor = textpos.ToOffset(string(b.content), position)
}

// replaceLocked splices the content and keeps the cursor on the same
// character where possible.
func (b *Buffer) replaceLocked(start, end int, text string) {
	inserted := []rune(text)
	b.content = slices.Concat(b.content[:start:start], inserted, b.content[end:])
	switch {
	case b.cursor >= end:
		b.cursor += len(inserted) - (end - start)
	case b.cursor > start:
		b.cursor = start + len(inserted)
	}
}

func (b *Buffer) handlersLocked() []func([]bridge.Change) {
	handlers := make([]func([]bridge.Change), 0, len(b.handlers))
	for _, id := range slices.Sorted(maps.Keys(b.handlers)) {
		handlers = append(handlers, b.handlers[id])
	}
	return handlers
}

func (b *Buffer) emit(handlers []func([]bridge.Change), change bridge.Change) {
	if change.Text == "" && change.From == change.To {
		return
	}
	batch := []bridge.Change{change}
	for _, handler := range handlers {
		handler(batch)
	}
}
