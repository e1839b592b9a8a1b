// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package textpos converts between linear character offsets and
// (line, column) positions in a text buffer.
//
// Offsets, lines, and columns are zero-based and count Unicode code
// points, not bytes. Lines are separated by '\n'; a trailing newline
// starts an empty final line. Both conversions clamp out-of-range input
// instead of failing: a line past the end selects the last line, a
// column past the end of its line selects the end of that line, and an
// offset outside [0, length] is pinned to the nearest bound.
package textpos

import (
	"fmt"
	"unicode/utf8"
)

// Position is a zero-based (line, column) coordinate.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"ch"`
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

// Before reports whether p sorts strictly before other.
func (p Position) Before(other Position) bool {
	if p.Line != other.Line {
		return p.Line < other.Line
	}
	return p.Column < other.Column
}

// ToOffset returns the linear offset of position in text.
func ToOffset(text string, position Position) int {
	line := max(position.Line, 0)
	column := max(position.Column, 0)

	offset := 0
	currentLine := 0
	lineStart := 0
	for _, r := range text {
		if r == '\n' {
			if currentLine == line {
				break
			}
			currentLine++
			lineStart = offset + 1
		}
		offset++
	}

	// offset now points at the end of the selected line: either the
	// requested one or, if line was past the end, the last one.
	lineLength := offset - lineStart
	return lineStart + min(column, lineLength)
}

// ToPosition returns the (line, column) of offset in text.
func ToPosition(text string, offset int) Position {
	if offset <= 0 {
		return Position{}
	}

	var position Position
	consumed := 0
	for _, r := range text {
		if consumed == offset {
			break
		}
		if r == '\n' {
			position.Line++
			position.Column = 0
		} else {
			position.Column++
		}
		consumed++
	}
	return position
}

// Length returns the number of characters in text.
func Length(text string) int {
	return utf8.RuneCountInString(text)
}

// End returns the position just past the last character of text.
func End(text string) Position {
	return ToPosition(text, Length(text))
}
