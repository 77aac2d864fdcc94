// Package mutation applies record writes optimistically to the query cache
// and reconciles them with the remote record service once they settle.
package mutation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rizo8107/skiddys-learning-platform/internal/querycache"
	"github.com/rizo8107/skiddys-learning-platform/internal/records"
	"github.com/rizo8107/skiddys-learning-platform/internal/remote"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultRefetchDelay bounds how long a settled mutation waits before
	// reconciling the affected entries with the server.
	DefaultRefetchDelay = 250 * time.Millisecond
	// DefaultFreshFor is how long a fetched entry is served without refetching.
	DefaultFreshFor = 30 * time.Second

	opNew     = "mutation.new"
	opCreate  = "mutation.create"
	opUpdate  = "mutation.update"
	opDelete  = "mutation.delete"
	opLoad    = "mutation.load"
	opRefetch = "mutation.refetch"
)

var (
	errMissingRemote = errors.New("remote service is required")
	errMissingCache  = errors.New("query cache is required")
	errUnknownQuery  = errors.New("query is not tracked")
)

// Config wires the coordinator's collaborators.
type Config struct {
	Remote remote.Service
	Cache  *querycache.Cache
	Policy Policy
	Logger *zap.Logger
	Clock  func() time.Time
	// RefetchDelay defaults to DefaultRefetchDelay. A negative value
	// disables scheduled refetches; affected entries are only marked stale.
	RefetchDelay time.Duration
	// FreshFor defaults to DefaultFreshFor.
	FreshFor time.Duration
}

// overlay is the speculative effect of a pending mutation on one entry.
// Overlays are re-applied on top of refetched results until the mutation
// settles.
type overlay struct {
	owner   *Mutation
	record  records.Record
	changed records.Fields
}

// Coordinator drives create, update and delete operations against the
// remote service with optimistic cache updates. Mutations are independent:
// each one snapshots and restores only the entries it patched itself.
type Coordinator struct {
	remote       remote.Service
	cache        *querycache.Cache
	policy       Policy
	logger       *zap.Logger
	clock        func() time.Time
	refetchDelay time.Duration
	freshFor     time.Duration
	flights      singleflight.Group

	// mu orders coordinator writes to the cache against each other. It is
	// always taken before the cache's own lock.
	mu         sync.Mutex
	queries    map[records.QueryKey]records.Query
	overlays   map[records.QueryKey][]overlay
	timers     map[*time.Timer]struct{}
	closed     bool
	background sync.WaitGroup

	// generations advance whenever a key's server state is known to have
	// moved on: a commit, an invalidation or a stored refetch. A list
	// started under an older generation is never stored.
	generations map[records.QueryKey]uint64
}

// New validates cfg and constructs a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Remote == nil {
		return nil, records.NewError(records.KindInternal, opNew+".missing_remote", "", errMissingRemote)
	}
	if cfg.Cache == nil {
		return nil, records.NewError(records.KindInternal, opNew+".missing_cache", "", errMissingCache)
	}
	policy := cfg.Policy
	if policy == nil {
		policy = DefaultPolicy{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	refetchDelay := cfg.RefetchDelay
	if refetchDelay == 0 {
		refetchDelay = DefaultRefetchDelay
	}
	freshFor := cfg.FreshFor
	if freshFor <= 0 {
		freshFor = DefaultFreshFor
	}
	return &Coordinator{
		remote:       cfg.Remote,
		cache:        cfg.Cache,
		policy:       policy,
		logger:       logger,
		clock:        clock,
		refetchDelay: refetchDelay,
		freshFor:     freshFor,
		queries:      make(map[records.QueryKey]records.Query),
		overlays:     make(map[records.QueryKey][]overlay),
		generations:  make(map[records.QueryKey]uint64),
		timers:       make(map[*time.Timer]struct{}),
	}, nil
}

// Cache returns the query cache the coordinator writes to.
func (c *Coordinator) Cache() *querycache.Cache {
	return c.cache
}

// Remote returns the record service the coordinator writes through.
func (c *Coordinator) Remote() remote.Service {
	return c.remote
}

// Track registers query so that mutations can find the entries it owns.
func (c *Coordinator) Track(query records.Query) records.QueryKey {
	key := query.Key()
	c.mu.Lock()
	c.queries[key] = query
	c.mu.Unlock()
	return key
}

// Create inserts an optimistic record into every tracked entry whose query
// matches the new fields, then sends the create in the background.
func (c *Coordinator) Create(ctx context.Context, collection string, fields records.Fields) *Mutation {
	name, err := records.ValidateCollection(collection)
	if err != nil {
		return c.rejected(OpCreate, collection, "",
			records.NewError(records.KindValidation, opCreate+".invalid_collection", err.Error(), err))
	}
	optimistic := records.NewOptimisticRecord(name, fields, c.clock())
	m := c.newMutation(OpCreate, name, optimistic.ID)

	c.mu.Lock()
	for _, key := range c.cache.Keys(name) {
		query, ok := c.queries[key]
		if !ok || !query.Matches(optimistic) {
			continue
		}
		snapshot := c.cache.Patch(key, func(items []records.Record) []records.Record {
			return c.policy.Insert(query, items, optimistic.Clone())
		})
		m.snapshots = append(m.snapshots, snapshot)
		m.keys = append(m.keys, key)
		c.overlays[key] = append(c.overlays[key], overlay{owner: m, record: optimistic.Clone()})
	}
	m.state.Store(int32(StatePending))
	c.mu.Unlock()

	c.logger.Debug("optimistic create applied",
		zap.String("collection", name),
		zap.String("temporary_id", optimistic.ID),
		zap.Int("entries", len(m.keys)))

	payload := fields.Clone()
	go c.run(ctx, m, func(callCtx context.Context) (records.Record, error) {
		created, err := c.remote.Create(callCtx, name, payload)
		if err != nil {
			return records.Record{}, err
		}
		if created.ID == "" {
			return records.Record{}, records.NewError(records.KindTransport, opCreate+".missing_id", "record service returned no id", nil)
		}
		if created.Collection == "" {
			created.Collection = name
		}
		return created, nil
	})
	return m
}

// Update merges changed into every cached copy of the record, then sends
// the partial update in the background.
func (c *Coordinator) Update(ctx context.Context, collection, id string, changed records.Fields) *Mutation {
	name, recordID, failure := c.validateTarget(opUpdate, collection, id)
	if failure != nil {
		return c.rejected(OpUpdate, collection, id, failure)
	}
	if len(changed) == 0 {
		return c.rejected(OpUpdate, name, recordID,
			records.NewError(records.KindValidation, opUpdate+".no_changes", "nothing to update", nil))
	}
	delta := changed.Clone()
	m := c.newMutation(OpUpdate, name, recordID)

	c.mu.Lock()
	for _, key := range c.cache.KeysWith(name, recordID) {
		snapshot := c.cache.Patch(key, func(items []records.Record) []records.Record {
			return c.policy.Replace(items, recordID, delta)
		})
		m.snapshots = append(m.snapshots, snapshot)
		m.keys = append(m.keys, key)
		c.overlays[key] = append(c.overlays[key], overlay{owner: m, changed: delta})
	}
	m.state.Store(int32(StatePending))
	c.mu.Unlock()

	go c.run(ctx, m, func(callCtx context.Context) (records.Record, error) {
		return c.remote.Update(callCtx, name, recordID, delta.Clone())
	})
	return m
}

// Delete removes the record from every cached entry, then sends the delete
// in the background.
func (c *Coordinator) Delete(ctx context.Context, collection, id string) *Mutation {
	name, recordID, failure := c.validateTarget(opDelete, collection, id)
	if failure != nil {
		return c.rejected(OpDelete, collection, id, failure)
	}
	m := c.newMutation(OpDelete, name, recordID)

	c.mu.Lock()
	for _, key := range c.cache.KeysWith(name, recordID) {
		snapshot := c.cache.Patch(key, func(items []records.Record) []records.Record {
			return c.policy.Remove(items, recordID)
		})
		m.snapshots = append(m.snapshots, snapshot)
		m.keys = append(m.keys, key)
		c.overlays[key] = append(c.overlays[key], overlay{owner: m})
	}
	m.state.Store(int32(StatePending))
	c.mu.Unlock()

	go c.run(ctx, m, func(callCtx context.Context) (records.Record, error) {
		return records.Record{}, c.remote.Delete(callCtx, name, recordID)
	})
	return m
}

// Load serves the cached result of query. A fresh entry is returned as is,
// a stale one is returned while a background refetch runs, and a missing one
// is fetched before returning.
func (c *Coordinator) Load(ctx context.Context, query records.Query) ([]records.Record, error) {
	if _, err := records.ValidateCollection(query.Collection); err != nil {
		return nil, records.NewError(records.KindValidation, opLoad+".invalid_collection", err.Error(), err)
	}
	key := c.Track(query)
	entry, ok := c.cache.Get(key)
	if ok && !entry.FetchedAt.IsZero() {
		if entry.Fresh(c.clock(), c.freshFor) {
			return entry.Items, nil
		}
		background := context.WithoutCancel(ctx)
		c.goBackground(func() {
			_, _ = c.refetch(background, key, nil, true)
		})
		return entry.Items, nil
	}
	return c.refetch(ctx, key, nil, false)
}

// Refetch invalidates query and fetches it again.
func (c *Coordinator) Refetch(ctx context.Context, query records.Query) ([]records.Record, error) {
	if _, err := records.ValidateCollection(query.Collection); err != nil {
		return nil, records.NewError(records.KindValidation, opRefetch+".invalid_collection", err.Error(), err)
	}
	key := c.Track(query)
	c.mu.Lock()
	c.generations[key]++
	c.cache.MarkStale(key)
	c.mu.Unlock()
	return c.refetch(ctx, key, nil, false)
}

// Invalidate marks every cached entry of collection stale, e.g. after a
// change notification from another session.
func (c *Coordinator) Invalidate(collection string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.cache.Keys(collection) {
		c.generations[key]++
		c.cache.MarkStale(key)
	}
}

// Close stops scheduled refetches and waits for background work to end.
// Mutations already sent still settle.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	for timer := range c.timers {
		timer.Stop()
	}
	c.timers = make(map[*time.Timer]struct{})
	c.mu.Unlock()
	c.background.Wait()
}

func (c *Coordinator) newMutation(operation Operation, collection, recordID string) *Mutation {
	m := newMutation(operation, collection, recordID)
	m.onCancel = c.releaseTimers
	return m
}

func (c *Coordinator) rejected(operation Operation, collection, recordID string, failure *records.Error) *Mutation {
	m := c.newMutation(operation, collection, recordID)
	m.settle(records.Record{}, failure)
	return m
}

func (c *Coordinator) validateTarget(operation, collection, id string) (string, string, *records.Error) {
	name, err := records.ValidateCollection(collection)
	if err != nil {
		return "", "", records.NewError(records.KindValidation, operation+".invalid_collection", err.Error(), err)
	}
	recordID, err := records.ValidateID(id)
	if err != nil {
		reason := ".invalid_id"
		if records.IsTemporaryID(id) {
			reason = ".pending_create"
		}
		return "", "", records.NewError(records.KindValidation, operation+reason, err.Error(), err)
	}
	return name, recordID, nil
}

func (c *Coordinator) run(ctx context.Context, m *Mutation, call func(context.Context) (records.Record, error)) {
	result, err := call(context.WithoutCancel(ctx))
	if err != nil {
		c.rollback(m, err)
		return
	}
	c.commit(m, result)
}

func (c *Coordinator) rollback(m *Mutation, cause error) {
	code := "mutation." + string(m.operation) + ".remote_failed"
	failure := records.AsError(cause, code)

	c.mu.Lock()
	c.dropOverlaysLocked(m)
	for _, snapshot := range m.snapshots {
		key := snapshot.Key()
		if !c.cache.Contains(key) {
			continue
		}
		c.cache.Restore(key, snapshot)
		if len(c.overlays[key]) > 0 {
			query := c.queries[key]
			c.cache.Patch(key, func(items []records.Record) []records.Record {
				return c.applyOverlaysLocked(key, query, items)
			})
		}
	}
	c.mu.Unlock()

	c.logger.Warn("mutation rolled back",
		zap.String("operation", code),
		zap.String("kind", string(failure.Kind)),
		zap.String("collection", m.collection),
		zap.String("record_id", m.recordID),
		zap.Error(cause))
	m.settle(records.Record{}, failure)
}

func (c *Coordinator) commit(m *Mutation, result records.Record) {
	c.mu.Lock()
	c.dropOverlaysLocked(m)
	for _, key := range m.keys {
		c.generations[key]++
		if !c.cache.Contains(key) {
			continue
		}
		if m.operation == OpCreate {
			query := c.queries[key]
			c.cache.Patch(key, func(items []records.Record) []records.Record {
				return c.policy.Confirm(query, items, m.recordID, result.Clone())
			})
		}
		c.cache.MarkStale(key)
	}
	c.mu.Unlock()

	c.logger.Debug("mutation settled",
		zap.String("operation", string(m.operation)),
		zap.String("collection", m.collection),
		zap.String("record_id", m.recordID),
		zap.String("server_id", result.ID))
	c.scheduleRefetch(m)
	m.settle(result, nil)
}

func (c *Coordinator) dropOverlaysLocked(m *Mutation) {
	for _, key := range m.keys {
		pending := c.overlays[key]
		kept := pending[:0]
		for _, candidate := range pending {
			if candidate.owner != m {
				kept = append(kept, candidate)
			}
		}
		if len(kept) == 0 {
			delete(c.overlays, key)
			continue
		}
		c.overlays[key] = kept
	}
}

func (c *Coordinator) applyOverlaysLocked(key records.QueryKey, query records.Query, items []records.Record) []records.Record {
	for _, pending := range c.overlays[key] {
		switch pending.owner.operation {
		case OpCreate:
			if query.Matches(pending.record) {
				items = c.policy.Insert(query, items, pending.record.Clone())
			}
		case OpUpdate:
			items = c.policy.Replace(items, pending.owner.recordID, pending.changed)
		case OpDelete:
			items = c.policy.Remove(items, pending.owner.recordID)
		}
	}
	return items
}
