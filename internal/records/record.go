package records

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// TemporaryIDPrefix marks identifiers minted locally for records that the
	// remote store has not confirmed yet.
	TemporaryIDPrefix = "temp-"

	maxIdentifierLength = 190
)

var (
	// ErrInvalidRecordID indicates that a record identifier is empty or exceeds storage bounds.
	ErrInvalidRecordID = errors.New("records: invalid record id")
	// ErrInvalidCollection indicates that a collection name is empty or exceeds storage bounds.
	ErrInvalidCollection = errors.New("records: invalid collection")
)

// Fields holds the dynamic attribute map of a record. Values are validated
// against the collection schema before they cross the record service boundary.
type Fields map[string]any

// Clone returns a deep copy of the field map.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	cloned := make(Fields, len(f))
	for key, value := range f {
		cloned[key] = cloneValue(value)
	}
	return cloned
}

// String returns the field as a string, or "" when absent or not a string.
func (f Fields) String(name string) string {
	value, ok := f[name].(string)
	if !ok {
		return ""
	}
	return value
}

// Float returns the numeric field value, accepting any Go numeric type.
func (f Fields) Float(name string) (float64, bool) {
	switch value := f[name].(type) {
	case float64:
		return value, true
	case float32:
		return float64(value), true
	case int:
		return float64(value), true
	case int64:
		return float64(value), true
	case int32:
		return float64(value), true
	default:
		return 0, false
	}
}

// Strings returns a list field as strings, skipping non-string elements.
func (f Fields) Strings(name string) []string {
	switch value := f[name].(type) {
	case []string:
		return append([]string(nil), value...)
	case []any:
		out := make([]string, 0, len(value))
		for _, element := range value {
			if s, ok := element.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return map[string]any(Fields(typed).Clone())
	case Fields:
		return typed.Clone()
	case []any:
		out := make([]any, len(typed))
		for index, element := range typed {
			out[index] = cloneValue(element)
		}
		return out
	case []string:
		return append([]string(nil), typed...)
	default:
		return value
	}
}

// Record is a single addressable entity owned by the remote record service.
type Record struct {
	ID         string
	Collection string
	Fields     Fields
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Expand     map[string]Record
}

// Clone returns a deep copy so cached records can be handed out safely.
func (r Record) Clone() Record {
	cloned := r
	cloned.Fields = r.Fields.Clone()
	if r.Expand != nil {
		cloned.Expand = make(map[string]Record, len(r.Expand))
		for key, related := range r.Expand {
			cloned.Expand[key] = related.Clone()
		}
	}
	return cloned
}

// IsOptimistic reports whether the record still carries a locally-minted id.
func (r Record) IsOptimistic() bool {
	return IsTemporaryID(r.ID)
}

// Merge returns a copy of the record with only the changed fields overwritten.
func Merge(record Record, changed Fields) Record {
	merged := record.Clone()
	if merged.Fields == nil {
		merged.Fields = make(Fields, len(changed))
	}
	for key, value := range changed {
		merged.Fields[key] = cloneValue(value)
	}
	return merged
}

// CloneAll deep-copies a record slice, preserving order.
func CloneAll(items []Record) []Record {
	if items == nil {
		return nil
	}
	out := make([]Record, len(items))
	for index, item := range items {
		out[index] = item.Clone()
	}
	return out
}

// IndexOf returns the position of the record with the given id, or -1.
func IndexOf(items []Record, id string) int {
	for index, item := range items {
		if item.ID == id {
			return index
		}
	}
	return -1
}

// NewTemporaryID mints a locally-unique identifier for an optimistic record.
func NewTemporaryID() string {
	value, err := uuid.NewV7()
	if err != nil {
		return TemporaryIDPrefix + uuid.NewString()
	}
	return TemporaryIDPrefix + value.String()
}

// IsTemporaryID reports whether id was produced by NewTemporaryID.
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TemporaryIDPrefix)
}

// NewOptimisticRecord synthesizes the placeholder shown while a create is in flight.
func NewOptimisticRecord(collection string, fields Fields, now time.Time) Record {
	stamp := now.UTC()
	return Record{
		ID:         NewTemporaryID(),
		Collection: collection,
		Fields:     fields.Clone(),
		CreatedAt:  stamp,
		UpdatedAt:  stamp,
	}
}

// ValidateID checks a server-assigned record identifier.
func ValidateID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRecordID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRecordID, maxIdentifierLength)
	}
	if IsTemporaryID(trimmed) {
		return "", fmt.Errorf("%w: temporary id %q", ErrInvalidRecordID, trimmed)
	}
	return trimmed, nil
}

// ValidateCollection checks a collection name.
func ValidateCollection(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCollection)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCollection, maxIdentifierLength)
	}
	return trimmed, nil
}
