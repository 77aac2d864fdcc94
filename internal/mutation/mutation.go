package mutation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rizo8107/skiddys-learning-platform/internal/querycache"
	"github.com/rizo8107/skiddys-learning-platform/internal/records"
)

// State is the lifecycle position of a single mutation.
type State int32

const (
	StateIdle State = iota
	StatePending
	StateSettledSuccess
	StateSettledFailure
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateSettledSuccess:
		return "settled_success"
	case StateSettledFailure:
		return "settled_failure"
	default:
		return "unknown"
	}
}

// Settled reports whether the state is terminal.
func (s State) Settled() bool {
	return s == StateSettledSuccess || s == StateSettledFailure
}

// Mutation is one create, update or delete in flight. It is returned as soon
// as the speculative patch is visible in the cache.
type Mutation struct {
	operation  Operation
	collection string
	recordID   string
	keys       []records.QueryKey

	state atomic.Int32
	done  chan struct{}

	result records.Record
	err    error

	// snapshots live only while the mutation is pending.
	snapshots []querycache.Snapshot

	mu              sync.Mutex
	timers          []*time.Timer
	refetchCanceled bool
	onCancel        func(stopped []*time.Timer)
}

func newMutation(operation Operation, collection, recordID string) *Mutation {
	return &Mutation{
		operation:  operation,
		collection: collection,
		recordID:   recordID,
		done:       make(chan struct{}),
	}
}

// Operation returns the kind of write.
func (m *Mutation) Operation() Operation {
	return m.operation
}

// Collection returns the target collection.
func (m *Mutation) Collection() string {
	return m.collection
}

// RecordID returns the target id. For creates this is the temporary id of
// the optimistic record.
func (m *Mutation) RecordID() string {
	return m.recordID
}

// Keys lists the cache entries the mutation patched.
func (m *Mutation) Keys() []records.QueryKey {
	return append([]records.QueryKey(nil), m.keys...)
}

// State returns the current lifecycle state.
func (m *Mutation) State() State {
	return State(m.state.Load())
}

// Done is closed once the mutation settles.
func (m *Mutation) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until the mutation settles or ctx ends. It returns the
// authoritative record on success. Delete returns a zero record.
func (m *Mutation) Wait(ctx context.Context) (records.Record, error) {
	select {
	case <-m.done:
		return m.result.Clone(), m.err
	case <-ctx.Done():
		return records.Record{}, ctx.Err()
	}
}

// Err returns the failure of a settled mutation, or nil.
func (m *Mutation) Err() error {
	select {
	case <-m.done:
		return m.err
	default:
		return nil
	}
}

// CancelRefetch stops the refetches scheduled by this mutation. A refetch
// already running completes but its result is discarded. The write itself
// cannot be canceled.
func (m *Mutation) CancelRefetch() {
	m.mu.Lock()
	m.refetchCanceled = true
	timers := m.timers
	m.timers = nil
	onCancel := m.onCancel
	m.mu.Unlock()

	var stopped []*time.Timer
	for _, timer := range timers {
		if timer.Stop() {
			stopped = append(stopped, timer)
		}
	}
	if onCancel != nil && len(stopped) > 0 {
		onCancel(stopped)
	}
}

func (m *Mutation) refetchDiscarded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refetchCanceled
}

func (m *Mutation) addTimer(timer *time.Timer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refetchCanceled {
		return false
	}
	m.timers = append(m.timers, timer)
	return true
}

func (m *Mutation) settle(result records.Record, err error) {
	m.result = result
	m.err = err
	m.snapshots = nil
	if err != nil {
		m.state.Store(int32(StateSettledFailure))
	} else {
		m.state.Store(int32(StateSettledSuccess))
	}
	close(m.done)
}
