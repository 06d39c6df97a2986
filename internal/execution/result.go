package execution

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// NormalizeResult coerces an engine result into a structured JSON document:
// a bare string becomes {"value": ...}, a list {"items": ...} and a bool
// {"success": ...}. Objects pass through untouched. Nil stays nil so callers can
// distinguish "no result" from an empty one.
func NormalizeResult(result any) ([]byte, error) {
	if result == nil {
		return nil, nil
	}

	raw, ok := result.(json.RawMessage)
	if !ok {
		encoded, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("could not encode result: %w", err)
		}
		raw = encoded
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var key string
	switch trimmed[0] {
	case '{':
		return trimmed, nil
	case '[':
		key = "items"
	case '"':
		key = "value"
	case 't', 'f':
		key = "success"
	case 'n':
		return nil, nil
	default:
		key = "value"
	}

	wrapped, err := json.Marshal(map[string]json.RawMessage{key: trimmed})
	if err != nil {
		return nil, fmt.Errorf("could not wrap result: %w", err)
	}
	return wrapped, nil
}
