package mutation

import (
	"context"
	"strconv"
	"time"

	"github.com/rizo8107/skiddys-learning-platform/internal/records"
	"go.uber.org/zap"
)

// refetch lists the query behind key and stores the result with pending
// overlays re-applied. Concurrent refetches of one key share a single remote
// call as long as they start under the same generation. A result whose
// generation was overtaken while the call was in flight is dropped and the
// newer cached items are returned instead. With onlyCached set, an entry
// evicted while the call was in flight is not recreated.
func (c *Coordinator) refetch(ctx context.Context, key records.QueryKey, owner *Mutation, onlyCached bool) ([]records.Record, error) {
	c.mu.Lock()
	query, ok := c.queries[key]
	generation := c.generations[key]
	c.mu.Unlock()
	if !ok {
		return nil, records.NewError(records.KindInternal, opRefetch+".unknown_query", key.String(), errUnknownQuery)
	}

	flight := key.String() + "#" + strconv.FormatUint(generation, 10)
	value, err, shared := c.flights.Do(flight, func() (any, error) {
		return c.remote.List(ctx, query)
	})
	if err != nil {
		c.logger.Warn("refetch failed",
			zap.String("operation", opRefetch),
			zap.String("key", key.String()),
			zap.Bool("shared", shared),
			zap.Error(err))
		return nil, records.AsError(err, opRefetch+".list_failed")
	}
	fetched := records.CloneAll(value.([]records.Record))
	if owner != nil && owner.refetchDiscarded() {
		return fetched, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if onlyCached && !c.cache.Contains(key) {
		return fetched, nil
	}
	if current := c.generations[key]; current != generation {
		c.logger.Debug("refetch result outdated",
			zap.String("key", key.String()),
			zap.Uint64("started", generation),
			zap.Uint64("current", current))
		if entry, ok := c.cache.Get(key); ok {
			return entry.Items, nil
		}
		return fetched, nil
	}
	items := c.applyOverlaysLocked(key, query, fetched)
	c.cache.Set(key, items)
	c.generations[key]++
	entry, _ := c.cache.Get(key)
	return entry.Items, nil
}

// scheduleRefetch arms one delayed refetch per entry the settled mutation
// touched.
func (c *Coordinator) scheduleRefetch(m *Mutation) {
	if c.refetchDelay < 0 {
		return
	}
	for _, key := range m.keys {
		var timer *time.Timer
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		timer = time.AfterFunc(c.refetchDelay, func() {
			c.mu.Lock()
			delete(c.timers, timer)
			if c.closed {
				c.mu.Unlock()
				return
			}
			c.background.Add(1)
			c.mu.Unlock()
			defer c.background.Done()
			_, _ = c.refetch(context.Background(), key, m, true)
		})
		c.timers[timer] = struct{}{}
		c.mu.Unlock()

		if !m.addTimer(timer) && timer.Stop() {
			c.releaseTimers([]*time.Timer{timer})
		}
	}
}

func (c *Coordinator) releaseTimers(stopped []*time.Timer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, timer := range stopped {
		delete(c.timers, timer)
	}
}

func (c *Coordinator) goBackground(work func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.background.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.background.Done()
		work()
	}()
}
