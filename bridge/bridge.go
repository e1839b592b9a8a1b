// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/quire/lib/textdiff"
	"github.com/bureau-foundation/quire/lib/textpos"
	"github.com/bureau-foundation/quire/replica"
)

// Bridge synchronizes one editor buffer with one replicated text. Each
// bridge owns its exclusion token; separate bridges never block each
// other.
type Bridge struct {
	text    replica.Text
	editor  Editor
	content ContentEditor
	cursor  CursorEditor
	logger  *slog.Logger
	name    string

	// applying is the Idle (false) / Applying (true) token shared by
	// both channels.
	applying  atomic.Bool
	destroyed atomic.Bool

	mu         sync.Mutex
	stopEditor func()
	stopText   func()
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger. Without it slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) { b.logger = logger }
}

// WithName labels the bridge in log output, typically with the
// document or file name.
func WithName(name string) Option {
	return func(b *Bridge) { b.name = name }
}

// New binds editor to text. It subscribes to both sides and performs
// an initial sync: if the document has content, the buffer is patched
// to match it; otherwise a non-empty buffer seeds the document.
func New(text replica.Text, editor Editor, options ...Option) (*Bridge, error) {
	if text == nil {
		return nil, errors.New("bridge: text is required")
	}
	if editor == nil {
		return nil, errors.New("bridge: editor is required")
	}

	b := &Bridge{text: text, editor: editor}
	for _, option := range options {
		option(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.name != "" {
		b.logger = b.logger.With("document", b.name)
	}
	b.content, _ = editor.(ContentEditor)
	b.cursor, _ = editor.(CursorEditor)
	if b.content == nil {
		b.logger.Warn("editor cannot be patched; remote changes will not reach the buffer")
	}

	b.stopText = text.Observe(b.HandleRemoteChange)
	b.stopEditor = editor.OnChanges(b.HandleLocalChanges)

	b.initialSync()
	return b, nil
}

// Applying reports whether either channel is currently applying a
// change.
func (b *Bridge) Applying() bool {
	return b.applying.Load()
}

// acquire moves the token from Idle to Applying. It fails when the
// token is already held.
func (b *Bridge) acquire() bool {
	return b.applying.CompareAndSwap(false, true)
}

func (b *Bridge) release() {
	b.applying.Store(false)
}

// recoverPanic logs a panic raised by the document or the host while a
// channel was applying. It must be deferred directly.
func (b *Bridge) recoverPanic(direction string) {
	if recovered := recover(); recovered != nil {
		b.logger.Error("recovered panic while syncing",
			"direction", direction,
			"panic", fmt.Sprint(recovered),
		)
	}
}

// HandleLocalChanges applies a batch of editor changes to the document
// as one transaction tagged with the bridge as origin. Each change's
// positions are translated against the document content left by the
// changes before it. Malformed changes are skipped.
func (b *Bridge) HandleLocalChanges(changes []Change) {
	if b.destroyed.Load() || len(changes) == 0 {
		return
	}
	if !b.acquire() {
		return
	}
	defer b.release()
	defer b.recoverPanic("local")

	applied := 0
	b.text.Transact(b, func() {
		for index, change := range changes {
			if err := b.applyLocal(change); err != nil {
				b.logger.Warn("skipping editor change",
					"index", index,
					"error", err,
				)
				continue
			}
			applied++
		}
	})
	b.logger.Debug("applied editor changes", "changes", len(changes), "applied", applied)
}

func (b *Bridge) applyLocal(change Change) error {
	if err := change.validate(); err != nil {
		return err
	}
	content := b.text.String()
	start := textpos.ToOffset(content, change.From)
	end := textpos.ToOffset(content, change.To)
	if end > start {
		if err := b.text.Delete(start, end-start); err != nil {
			return fmt.Errorf("deleting [%d, %d): %w", start, end, err)
		}
	}
	if change.Text != "" {
		if err := b.text.Insert(start, change.Text); err != nil {
			return fmt.Errorf("inserting at %d: %w", start, err)
		}
	}
	return nil
}

// HandleRemoteChange patches the buffer after the document changed
// through a remote transaction. Local transactions, including the
// bridge's own, are ignored, as are events that arrive while the
// bridge is applying.
func (b *Bridge) HandleRemoteChange(event replica.ChangeEvent) {
	if b.destroyed.Load() || event.Transaction.Local || event.Transaction.Origin == b {
		return
	}
	b.syncFromDocument()
}

// Reconcile patches the buffer to match the document regardless of
// where the last change came from. Hosts call it after replacing the
// document wholesale or when they suspect the buffer drifted.
func (b *Bridge) Reconcile() {
	if b.destroyed.Load() {
		return
	}
	b.syncFromDocument()
}

func (b *Bridge) syncFromDocument() {
	if b.content == nil {
		return
	}
	if !b.acquire() {
		return
	}
	defer b.release()
	defer b.recoverPanic("remote")

	if err := b.patchBuffer(); err != nil {
		b.logger.Error("applying document change to editor", "error", err)
	}
}

// patchBuffer replaces the one differing region of the buffer with
// the document's content and moves the cursor by the length change.
func (b *Bridge) patchBuffer() error {
	documentText := b.text.String()
	bufferText := b.content.Value()
	if documentText == bufferText {
		return nil
	}

	cursorOffset := 0
	if b.cursor != nil {
		cursorOffset = textpos.ToOffset(bufferText, b.cursor.Cursor())
	}

	edit := textdiff.Diff(bufferText, documentText)
	from := textpos.ToPosition(bufferText, edit.Start)
	to := textpos.ToPosition(bufferText, edit.End())
	if err := b.content.ReplaceRange(edit.Insert, from, to); err != nil {
		return fmt.Errorf("replacing %s-%s: %w", from, to, err)
	}
	b.logger.Debug("patched editor from document", "edit", edit.String())

	oldLength := textpos.Length(bufferText)
	newLength := textpos.Length(documentText)
	if b.cursor != nil && newLength != oldLength {
		offset := min(max(cursorOffset+newLength-oldLength, 0), newLength)
		b.cursor.SetCursor(textpos.ToPosition(documentText, offset))
	}
	return nil
}

// initialSync makes both sides agree right after binding.
func (b *Bridge) initialSync() {
	if b.text.Len() > 0 {
		b.syncFromDocument()
		return
	}
	if b.content == nil {
		return
	}
	bufferText := b.content.Value()
	if bufferText == "" {
		return
	}
	if !b.acquire() {
		return
	}
	defer b.release()
	defer b.recoverPanic("initial")
	b.text.Transact(b, func() {
		if err := b.text.Insert(0, bufferText); err != nil {
			b.logger.Error("seeding document from editor", "error", err)
		}
	})
}

// Destroy unsubscribes from the editor and the document. Notifications
// that still arrive afterwards are ignored. Destroy is idempotent.
func (b *Bridge) Destroy() {
	if !b.destroyed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	stopText, stopEditor := b.stopText, b.stopEditor
	b.stopText, b.stopEditor = nil, nil
	b.mu.Unlock()
	if stopText != nil {
		stopText()
	}
	if stopEditor != nil {
		stopEditor()
	}
}
