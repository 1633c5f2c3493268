// Package canvas validates and applies declarative UI update batches (the
// A2UI sub-protocol) pushed to this device through invoke commands, and
// gates them behind rendering-host readiness.
package canvas

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// The v1 message kinds. Every batch element carries exactly one of these as
// its top-level key.
var messageKinds = map[string]struct{}{
	"beginRendering":  {},
	"surfaceUpdate":   {},
	"dataModelUpdate": {},
	"deleteSurface":   {},
}

// createSurface belongs to a later protocol revision the host does not speak.
const incompatibleKind = "createSurface"

// ErrVersionMismatch marks a batch using message kinds from an incompatible
// protocol revision.
var ErrVersionMismatch = errors.New("a2ui protocol version mismatch")

// ValidationError describes why one batch element was rejected. Line is
// 1-based: the JSONL line number, or the array index plus one.
type ValidationError struct {
	Line   int
	Keys   []string
	Reason string
}

func (e *ValidationError) Error() string {
	if len(e.Keys) > 0 {
		return fmt.Sprintf("a2ui line %d: %s (keys: %s)", e.Line, e.Reason, strings.Join(e.Keys, ", "))
	}
	return fmt.Sprintf("a2ui line %d: %s", e.Line, e.Reason)
}

// ParseBatch decodes an A2UI batch from either a JSON array of message
// objects or newline-delimited JSON, validating every element. It returns the
// validated messages in order.
func ParseBatch(input string) ([]json.RawMessage, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, &ValidationError{Line: 1, Reason: "empty batch"}
	}

	// Line numbers in errors are physical lines for JSONL input and the
	// 1-based element position for array input.
	var items []numbered
	if strings.HasPrefix(trimmed, "[") {
		var elements []json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &elements); err != nil {
			return nil, &ValidationError{Line: 1, Reason: fmt.Sprintf("invalid JSON array: %v", err)}
		}
		for i, el := range elements {
			items = append(items, numbered{line: i + 1, data: el})
		}
	} else {
		for i, raw := range strings.Split(input, "\n") {
			if strings.TrimSpace(raw) == "" {
				continue
			}
			items = append(items, numbered{line: i + 1, data: json.RawMessage(raw)})
		}
	}
	if len(items) == 0 {
		return nil, &ValidationError{Line: 1, Reason: "empty batch"}
	}

	out := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		if err := validateMessage(item.data, item.line); err != nil {
			return nil, err
		}
		out = append(out, item.data)
	}
	return out, nil
}

type numbered struct {
	line int
	data json.RawMessage
}

func validateMessage(raw json.RawMessage, line int) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return &ValidationError{Line: line, Reason: fmt.Sprintf("not a JSON object: %v", err)}
	}

	if _, ok := obj[incompatibleKind]; ok {
		return fmt.Errorf("line %d: %q: %w", line, incompatibleKind, ErrVersionMismatch)
	}

	var found []string
	for key := range obj {
		if _, ok := messageKinds[key]; ok {
			found = append(found, key)
		}
	}
	sort.Strings(found)

	switch len(found) {
	case 1:
		return nil
	case 0:
		all := make([]string, 0, len(obj))
		for key := range obj {
			all = append(all, key)
		}
		sort.Strings(all)
		return &ValidationError{Line: line, Keys: all, Reason: "no recognized message kind"}
	default:
		return &ValidationError{Line: line, Keys: found, Reason: "multiple message kinds in one object"}
	}
}
