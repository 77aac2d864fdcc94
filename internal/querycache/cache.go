// Package querycache stores the last known result of parametrized record
// queries. It performs no I/O; every method is atomic with respect to the
// others and readers always receive copies.
package querycache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rizo8107/skiddys-learning-platform/internal/records"
	"go.uber.org/zap"
)

const defaultSubscriberBuffer = 32

// Reason describes why an entry changed.
type Reason string

const (
	ReasonSet     Reason = "set"
	ReasonPatch   Reason = "patch"
	ReasonRestore Reason = "restore"
	ReasonStale   Reason = "stale"
	ReasonEvict   Reason = "evict"
)

// Change is delivered to subscribers after an entry is modified.
type Change struct {
	Key    records.QueryKey
	Reason Reason
}

// Entry is a copy of one cached query result.
type Entry struct {
	Key       records.QueryKey
	Items     []records.Record
	FetchedAt time.Time
	IsStale   bool
}

// Fresh reports whether the entry was fetched within window and has not
// been invalidated since.
func (e Entry) Fresh(now time.Time, window time.Duration) bool {
	if e.IsStale || e.FetchedAt.IsZero() {
		return false
	}
	return now.Sub(e.FetchedAt) < window
}

// Snapshot is an immutable copy of an entry's items taken by Patch.
type Snapshot struct {
	key   records.QueryKey
	items []records.Record
}

// Key returns the entry the snapshot was taken from.
func (s Snapshot) Key() records.QueryKey {
	return s.key
}

// Items returns a copy of the captured items.
func (s Snapshot) Items() []records.Record {
	return records.CloneAll(s.items)
}

// Config wires the cache's collaborators.
type Config struct {
	Clock            func() time.Time
	Logger           *zap.Logger
	SubscriberBuffer int
}

type entry struct {
	items     []records.Record
	fetchedAt time.Time
	stale     bool
}

// Cache is the process-wide query result store.
type Cache struct {
	mu          sync.RWMutex
	entries     map[records.QueryKey]*entry
	clock       func() time.Time
	logger      *zap.Logger
	subscribers map[int64]chan Change
	nextID      int64
	bufferSize  int
}

// New constructs an empty cache.
func New(cfg Config) *Cache {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bufferSize := cfg.SubscriberBuffer
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	return &Cache{
		entries:     make(map[records.QueryKey]*entry),
		clock:       clock,
		logger:      logger,
		subscribers: make(map[int64]chan Change),
		bufferSize:  bufferSize,
	}
}

// Get returns a copy of the entry stored under key.
func (c *Cache) Get(key records.QueryKey) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stored, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	return Entry{
		Key:       key,
		Items:     records.CloneAll(stored.items),
		FetchedAt: stored.fetchedAt,
		IsStale:   stored.stale,
	}, true
}

// Set replaces the entry's items, stamps the fetch time and clears staleness.
func (c *Cache) Set(key records.QueryKey, items []records.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry{
		items:     nonNil(records.CloneAll(items)),
		fetchedAt: c.clock().UTC(),
	}
	c.notifyLocked(key, ReasonSet)
}

// Patch applies transform to the current items and returns the previous
// items as a Snapshot. A missing entry is created empty and left unfresh.
// The transform receives a copy and must return the new item sequence.
func (c *Cache) Patch(key records.QueryKey, transform func([]records.Record) []records.Record) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored, ok := c.entries[key]
	if !ok {
		stored = &entry{items: []records.Record{}}
		c.entries[key] = stored
	}
	snapshot := Snapshot{key: key, items: stored.items}
	next := transform(records.CloneAll(stored.items))
	stored.items = nonNil(records.CloneAll(next))
	c.notifyLocked(key, ReasonPatch)
	return snapshot
}

// Restore overwrites the entry's items with the snapshot contents. The fetch
// time and staleness flag are left untouched.
func (c *Cache) Restore(key records.QueryKey, snapshot Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored, ok := c.entries[key]
	if !ok {
		stored = &entry{}
		c.entries[key] = stored
	}
	stored.items = nonNil(records.CloneAll(snapshot.items))
	c.notifyLocked(key, ReasonRestore)
}

// MarkStale flags an entry so its next reader refetches it.
func (c *Cache) MarkStale(key records.QueryKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored, ok := c.entries[key]
	if !ok {
		return
	}
	stored.stale = true
	c.notifyLocked(key, ReasonStale)
}

// Evict drops a single entry.
func (c *Cache) Evict(key records.QueryKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return
	}
	delete(c.entries, key)
	c.notifyLocked(key, ReasonEvict)
}

// Clear drops every entry, e.g. on logout.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		delete(c.entries, key)
		c.notifyLocked(key, ReasonEvict)
	}
}

// Keys lists the cached keys of one collection.
func (c *Cache) Keys(collection string) []records.QueryKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var keys []records.QueryKey
	for key := range c.entries {
		if key.Collection() == collection {
			keys = append(keys, key)
		}
	}
	sortKeys(keys)
	return keys
}

// Contains reports whether key has an entry.
func (c *Cache) Contains(key records.QueryKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[key]
	return ok
}

// KeysWith lists the cached keys of one collection whose items include the
// record with the given id.
func (c *Cache) KeysWith(collection, id string) []records.QueryKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var keys []records.QueryKey
	for key, stored := range c.entries {
		if key.Collection() == collection && records.IndexOf(stored.items, id) >= 0 {
			keys = append(keys, key)
		}
	}
	sortKeys(keys)
	return keys
}

// Subscribe streams changes until ctx is done or the returned cleanup is
// called. Slow subscribers miss changes rather than blocking writers.
func (c *Cache) Subscribe(ctx context.Context) (<-chan Change, func()) {
	stream := make(chan Change, c.bufferSize)
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.subscribers[id] = stream
	c.mu.Unlock()

	stop := make(chan struct{})
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subscribers, id)
			c.mu.Unlock()
			close(stop)
			close(stream)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-stop:
		}
	}()
	return stream, cleanup
}

func (c *Cache) notifyLocked(key records.QueryKey, reason Reason) {
	change := Change{Key: key, Reason: reason}
	for id, subscriber := range c.subscribers {
		select {
		case subscriber <- change:
		default:
			c.logger.Debug("query cache subscriber lagging",
				zap.Int64("subscriber_id", id),
				zap.String("key", key.String()),
				zap.String("reason", string(reason)))
		}
	}
}

func sortKeys(keys []records.QueryKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
}

func nonNil(items []records.Record) []records.Record {
	if items == nil {
		return []records.Record{}
	}
	return items
}
