package action

import (
	"encoding/json"
	"fmt"
	"strings"
)

const markerPrefix = "[NEEDS_APPROVAL:"

// MarkerError reports one malformed approval marker. The marker text stays
// in the reply untouched; the error exists so callers can log it.
type MarkerError struct {
	// Offset is the byte position of the marker prefix in the scanned text.
	Offset int
	Reason string
}

func (e *MarkerError) Error() string {
	return fmt.Sprintf("action: malformed marker at %d: %s", e.Offset, e.Reason)
}

// Extract scans assistant text for approval markers and returns the proposed
// actions, the text with valid markers stripped, and an error per malformed
// marker.
//
// A marker is the prefix, a JSON object, and a closing bracket. The object
// is located with a small balance-tracking scan rather than a pattern match
// so braces inside JSON strings cannot truncate or extend it. Markers whose
// body is not a valid object (or has no type) are left in the text
// untouched and reported. A duplicate of an already extracted action (same
// type and params) is stripped from the text but not proposed twice.
func Extract(text string) ([]Action, string, []*MarkerError) {
	var actions []Action
	var malformed []*MarkerError
	seen := make(map[string]struct{})
	var out strings.Builder
	pos := 0

	for {
		start := strings.Index(text[pos:], markerPrefix)
		if start < 0 {
			out.WriteString(text[pos:])
			break
		}
		start += pos

		act, end, err := parseMarker(text, start+len(markerPrefix))
		if err != nil {
			malformed = append(malformed, &MarkerError{Offset: start, Reason: err.Error()})
			out.WriteString(text[pos : start+len(markerPrefix)])
			pos = start + len(markerPrefix)
			continue
		}

		out.WriteString(text[pos:start])
		pos = end

		key := act.Type + "\x00" + canonicalParams(act.Params)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		actions = append(actions, act)
	}

	return actions, strings.TrimSpace(out.String()), malformed
}

// parseMarker parses the body of one marker starting just past the prefix.
// It returns the action and the index one past the closing bracket, or a
// reason the marker is malformed.
func parseMarker(text string, i int) (Action, int, error) {
	i = skipSpaces(text, i)
	objEnd, ok := scanObject(text, i)
	if !ok {
		return Action{}, 0, fmt.Errorf("no balanced JSON object")
	}
	body := text[i:objEnd]

	j := skipSpaces(text, objEnd)
	if j >= len(text) || text[j] != ']' {
		return Action{}, 0, fmt.Errorf("missing closing bracket")
	}

	var act Action
	if err := json.Unmarshal([]byte(body), &act); err != nil {
		return Action{}, 0, fmt.Errorf("invalid JSON body: %v", err)
	}
	if act.Type == "" {
		return Action{}, 0, fmt.Errorf("missing action type")
	}
	return act, j + 1, nil
}

// scanObject walks a JSON object literal starting at i, honoring string
// literals and escapes, and returns the index one past its closing brace.
func scanObject(text string, i int) (int, bool) {
	if i >= len(text) || text[i] != '{' {
		return 0, false
	}
	depth := 0
	inString := false
	escaped := false
	for ; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

func skipSpaces(text string, i int) int {
	for i < len(text) && (text[i] == ' ' || text[i] == '\t' || text[i] == '\n' || text[i] == '\r') {
		i++
	}
	return i
}

// canonicalParams normalizes params JSON so key order does not defeat
// duplicate detection.
func canonicalParams(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	norm, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(norm)
}
