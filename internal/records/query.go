package records

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Pseudo fields that every record exposes for filtering and sorting.
const (
	FieldID      = "id"
	FieldCreated = "created"
	FieldUpdated = "updated"
)

// QueryKey identifies one parametrized query in the cache.
type QueryKey string

// String returns the key as a string.
func (k QueryKey) String() string {
	return string(k)
}

// Collection returns the collection segment of the key.
func (k QueryKey) Collection() string {
	collection, _, _ := strings.Cut(string(k), "?")
	return collection
}

// Query describes a list request against one collection. Filter is an
// equality predicate over fields; Sort is a field name, prefixed with "-"
// for descending order.
type Query struct {
	Collection string
	Filter     map[string]string
	Sort       string
	Expand     []string
	// Limit caps the number of returned items; zero means the service default.
	Limit int
}

// Key returns the canonical cache identity of the query. Filter and expand
// ordering does not affect the key.
func (q Query) Key() QueryKey {
	values := url.Values{}
	for field, value := range q.Filter {
		values.Set("filter."+field, value)
	}
	if q.Sort != "" {
		values.Set("sort", q.Sort)
	}
	if len(q.Expand) > 0 {
		expand := append([]string(nil), q.Expand...)
		sort.Strings(expand)
		values.Set("expand", strings.Join(expand, ","))
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	encoded := values.Encode()
	if encoded == "" {
		return QueryKey(q.Collection)
	}
	return QueryKey(q.Collection + "?" + encoded)
}

// Descending reports whether the result set is ordered newest-first.
func (q Query) Descending() bool {
	return strings.HasPrefix(q.Sort, "-")
}

// SortField returns the sort field without the direction prefix.
func (q Query) SortField() string {
	return strings.TrimPrefix(strings.TrimPrefix(q.Sort, "-"), "+")
}

// Matches reports whether a record belongs to this query's result set.
func (q Query) Matches(record Record) bool {
	if record.Collection != "" && record.Collection != q.Collection {
		return false
	}
	for field, want := range q.Filter {
		if FieldText(record, field) != want {
			return false
		}
	}
	return true
}

// FieldText renders a field (or pseudo field) as the string used for
// equality filters.
func FieldText(record Record, field string) string {
	switch field {
	case FieldID:
		return record.ID
	case FieldCreated:
		return record.CreatedAt.UTC().Format(TimeLayout)
	case FieldUpdated:
		return record.UpdatedAt.UTC().Format(TimeLayout)
	}
	value, ok := record.Fields[field]
	if !ok || value == nil {
		return ""
	}
	switch typed := value.(type) {
	case string:
		return typed
	case bool:
		if typed {
			return "true"
		}
		return "false"
	case float64:
		return trimFloat(typed)
	default:
		return fmt.Sprint(typed)
	}
}

func trimFloat(value float64) string {
	if value == float64(int64(value)) {
		return fmt.Sprintf("%d", int64(value))
	}
	return fmt.Sprintf("%g", value)
}

// TimeLayout is the wire format for record timestamps.
const TimeLayout = "2006-01-02 15:04:05.000Z"
