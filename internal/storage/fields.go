package storage

import (
	"encoding/json"
	"fmt"
)

// FieldValue normalises an UpdateMessageField value. Content must be a
// string; list fields are stored as JSON.
func FieldValue(field string, value any) (string, json.RawMessage, error) {
	switch field {
	case FieldContent:
		s, ok := value.(string)
		if !ok {
			return "", nil, fmt.Errorf("field %s requires a string, got %T", field, value)
		}
		return s, nil, nil
	case FieldSteps, FieldSources:
		switch v := value.(type) {
		case json.RawMessage:
			if !json.Valid(v) {
				return "", nil, fmt.Errorf("field %s: invalid JSON", field)
			}
			return "", v, nil
		case []byte:
			if !json.Valid(v) {
				return "", nil, fmt.Errorf("field %s: invalid JSON", field)
			}
			return "", json.RawMessage(v), nil
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return "", nil, fmt.Errorf("failed to marshal %s: %w", field, err)
			}
			return "", b, nil
		}
	}
	return "", nil, fmt.Errorf("unknown message field %q", field)
}
