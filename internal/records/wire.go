package records

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	wireID         = "id"
	wireCollection = "collectionName"
	wireCreated    = "created"
	wireUpdated    = "updated"
	wireExpand     = "expand"
)

// MarshalJSON flattens the record into a single JSON object: system keys
// (id, collectionName, created, updated, expand) alongside the fields.
func (r Record) MarshalJSON() ([]byte, error) {
	payload := make(map[string]any, len(r.Fields)+5)
	for key, value := range r.Fields {
		payload[key] = value
	}
	payload[wireID] = r.ID
	payload[wireCollection] = r.Collection
	payload[wireCreated] = formatTime(r.CreatedAt)
	payload[wireUpdated] = formatTime(r.UpdatedAt)
	if len(r.Expand) > 0 {
		payload[wireExpand] = r.Expand
	}
	return json.Marshal(payload)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (r *Record) UnmarshalJSON(data []byte) error {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	decoded := Record{Fields: Fields{}}
	for key, raw := range payload {
		switch key {
		case wireID:
			if err := json.Unmarshal(raw, &decoded.ID); err != nil {
				return fmt.Errorf("records: decode id: %w", err)
			}
		case wireCollection:
			if err := json.Unmarshal(raw, &decoded.Collection); err != nil {
				return fmt.Errorf("records: decode collection: %w", err)
			}
		case wireCreated, wireUpdated:
			var text string
			if err := json.Unmarshal(raw, &text); err != nil {
				return fmt.Errorf("records: decode %s: %w", key, err)
			}
			parsed, err := parseTime(text)
			if err != nil {
				return fmt.Errorf("records: decode %s: %w", key, err)
			}
			if key == wireCreated {
				decoded.CreatedAt = parsed
			} else {
				decoded.UpdatedAt = parsed
			}
		case wireExpand:
			if err := json.Unmarshal(raw, &decoded.Expand); err != nil {
				return fmt.Errorf("records: decode expand: %w", err)
			}
		default:
			var value any
			if err := json.Unmarshal(raw, &value); err != nil {
				return fmt.Errorf("records: decode field %s: %w", key, err)
			}
			decoded.Fields[key] = value
		}
	}
	*r = decoded
	return nil
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(TimeLayout)
}

func parseTime(text string) (time.Time, error) {
	if text == "" {
		return time.Time{}, nil
	}
	if parsed, err := time.Parse(TimeLayout, text); err == nil {
		return parsed.UTC(), nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, text)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}
