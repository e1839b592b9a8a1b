// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package textdiff computes a single replace-range edit that turns one
// text into another.
//
// The algorithm strips the common prefix and the common suffix and
// reports whatever is left as one deletion plus one insertion. It runs
// in linear time and is minimal when the two texts differ in a single
// contiguous region, which is the shape of almost every remote update a
// collaborator's keystroke produces. When the texts differ in several
// separate regions the result spans all of them; the replicated
// document merges by content, so a wider edit costs bandwidth, not
// correctness.
//
// All indices count Unicode code points.
package textdiff

import "fmt"

// Edit replaces DeleteLength characters starting at Start with Insert.
type Edit struct {
	Start        int
	DeleteLength int
	Insert       string
}

// IsNoop reports whether applying the edit changes nothing.
func (e Edit) IsNoop() bool {
	return e.DeleteLength == 0 && e.Insert == ""
}

// End returns the offset one past the last deleted character.
func (e Edit) End() int {
	return e.Start + e.DeleteLength
}

func (e Edit) String() string {
	return fmt.Sprintf("@%d -%d +%q", e.Start, e.DeleteLength, e.Insert)
}

// Apply returns text with the edit applied. Out-of-range edits are
// clamped to the text bounds.
func (e Edit) Apply(text string) string {
	runes := []rune(text)
	start := min(max(e.Start, 0), len(runes))
	end := min(max(e.End(), start), len(runes))

	result := make([]rune, 0, len(runes)-(end-start)+len(e.Insert))
	result = append(result, runes[:start]...)
	result = append(result, []rune(e.Insert)...)
	result = append(result, runes[end:]...)
	return string(result)
}

// Diff returns the edit that transforms oldText into newText. Identical
// inputs produce a no-op edit at offset len(oldText).
func Diff(oldText, newText string) Edit {
	oldRunes := []rune(oldText)
	newRunes := []rune(newText)
	oldLength := len(oldRunes)
	newLength := len(newRunes)

	prefix := 0
	shorter := min(oldLength, newLength)
	for prefix < shorter && oldRunes[prefix] == newRunes[prefix] {
		prefix++
	}

	// The suffix may not reach back into the prefix, otherwise a
	// repeated character ("aa" -> "aaa") would be counted twice.
	suffixLimit := shorter - prefix
	suffix := 0
	for suffix < suffixLimit &&
		oldRunes[oldLength-1-suffix] == newRunes[newLength-1-suffix] {
		suffix++
	}

	return Edit{
		Start:        prefix,
		DeleteLength: oldLength - suffix - prefix,
		Insert:       string(newRunes[prefix : newLength-suffix]),
	}
}
