// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package presence

import (
	"github.com/bureau-foundation/quire/lib/textpos"
	"github.com/bureau-foundation/quire/replica"
)

// parseState extracts the user identity from an awareness state. The
// name and color must both be strings, found either in a "user" object
// or at the top level. The cursor and status are optional.
func parseState(state replica.State) (User, *textpos.Position, Status, bool) {
	fields := state
	if nested, ok := state["user"].(map[string]any); ok {
		fields = nested
	}
	name, nameOK := fields["name"].(string)
	color, colorOK := fields["color"].(string)
	if !nameOK || !colorOK {
		return User{}, nil, "", false
	}

	status := Online
	for _, source := range []map[string]any{fields, state} {
		if raw, ok := source["status"].(string); ok {
			if parsed, err := ParseStatus(raw); err == nil {
				status = parsed
				break
			}
		}
	}
	return User{Name: name, Color: color}, parseCursor(state["cursor"]), status, true
}

func parseCursor(value any) *textpos.Position {
	fields, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	line, lineOK := toInt(fields["line"])
	column, columnOK := toInt(fields["ch"])
	if !lineOK || !columnOK || line < 0 || column < 0 {
		return nil
	}
	return &textpos.Position{Line: line, Column: column}
}

// toInt accepts the integer representations a decoded state can hold.
func toInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case uint64:
		return int(v), true
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	default:
		return 0, false
	}
}
