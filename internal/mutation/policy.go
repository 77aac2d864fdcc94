package mutation

import (
	"github.com/rizo8107/skiddys-learning-platform/internal/records"
)

// Operation names the kind of write a mutation performs.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Policy decides how a mutation reshapes a cached result list. Every method
// receives a private copy of the items and returns the new sequence.
// Failure handling is not part of the policy: a failed mutation always
// restores its snapshots in full.
type Policy interface {
	// Insert places an optimistic record into the result of query.
	Insert(query records.Query, items []records.Record, record records.Record) []records.Record
	// Replace merges changed fields into the record with the given id.
	Replace(items []records.Record, id string, changed records.Fields) []records.Record
	// Remove drops the record with the given id.
	Remove(items []records.Record, id string) []records.Record
	// Confirm swaps the optimistic record for the authoritative one.
	Confirm(query records.Query, items []records.Record, temporaryID string, confirmed records.Record) []records.Record
}

// DefaultPolicy is the reconciliation policy used when none is configured.
type DefaultPolicy struct{}

// Insert prepends for newest-first queries and appends otherwise. Records
// already present by id are left alone.
func (DefaultPolicy) Insert(query records.Query, items []records.Record, record records.Record) []records.Record {
	if records.IndexOf(items, record.ID) >= 0 {
		return items
	}
	if query.Descending() {
		out := make([]records.Record, 0, len(items)+1)
		out = append(out, record)
		return append(out, items...)
	}
	return append(items, record)
}

// Replace merges only the changed fields so that fields delivered by other
// refetches survive.
func (DefaultPolicy) Replace(items []records.Record, id string, changed records.Fields) []records.Record {
	for index, item := range items {
		if item.ID == id {
			items[index] = records.Merge(item, changed)
		}
	}
	return items
}

// Remove filters the record out, keeping the order of the rest.
func (DefaultPolicy) Remove(items []records.Record, id string) []records.Record {
	out := items[:0]
	for _, item := range items {
		if item.ID != id {
			out = append(out, item)
		}
	}
	return out
}

// Confirm puts the confirmed record where the optimistic one was. A copy of
// the server id that a refetch already delivered is dropped so exactly one
// record carries it. When the optimistic record is gone the confirmed record
// is inserted as a new one.
func (p DefaultPolicy) Confirm(query records.Query, items []records.Record, temporaryID string, confirmed records.Record) []records.Record {
	position := records.IndexOf(items, temporaryID)
	if position < 0 {
		return p.Insert(query, items, confirmed)
	}
	out := make([]records.Record, 0, len(items))
	for index, item := range items {
		switch {
		case index == position:
			out = append(out, confirmed)
		case item.ID == confirmed.ID:
		default:
			out = append(out, item)
		}
	}
	return out
}
