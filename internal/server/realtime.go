package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rizo8107/skiddys-learning-platform/internal/records"
	"github.com/rizo8107/skiddys-learning-platform/internal/store"
	"go.uber.org/zap"
)

const (
	RealtimeEventRecordChanged = "record-change"
	realtimeEventConnected     = "connected"
	realtimeEventHeartbeat     = "heartbeat"
	realtimeSourceBackend      = "skiddys-api"
	defaultHeartbeatInterval   = 25 * time.Second
	defaultSubscriberBuffer    = 16
)

// RealtimeMessage is one record change delivered to stream subscribers.
type RealtimeMessage struct {
	Collection string
	RecordID   string
	OwnerID    string
	Action     store.Action
	Timestamp  time.Time
}

// RealtimeDispatcher fans record changes out to subscribers of each
// collection. Slow subscribers drop messages instead of blocking writers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	heartbeat   time.Duration
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

// NewRealtimeDispatcher constructs an empty dispatcher.
func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  defaultSubscriberBuffer,
		heartbeat:   defaultHeartbeatInterval,
	}
}

// Subscribe registers for changes of the given collections until ctx ends
// or the returned cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, collections ...string) (<-chan RealtimeMessage, func()) {
	if len(collections) == 0 {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	for _, collection := range collections {
		d.registerSubscriber(collection, subscriber)
	}
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			for _, collection := range collections {
				d.unregisterSubscriber(collection, subscriber.id)
			}
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish implements store.ChangePublisher.
func (d *RealtimeDispatcher) Publish(change store.RecordChange) {
	d.publish(RealtimeMessage{
		Collection: change.Collection,
		RecordID:   change.RecordID,
		OwnerID:    change.OwnerID,
		Action:     change.Action,
		Timestamp:  change.Timestamp,
	})
}

func (d *RealtimeDispatcher) publish(message RealtimeMessage) {
	if message.Collection == "" || message.RecordID == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.Collection]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports how many subscriptions a collection has.
func (d *RealtimeDispatcher) SubscriberCount(collection string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[collection])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(collection string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[collection]; !ok {
		d.subscribers[collection] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[collection][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(collection string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[collection]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, collection)
		}
	}
	d.mu.Unlock()
}

type realtimeEventPayload struct {
	Collection string `json:"collection"`
	RecordID   string `json:"recordId"`
	Action     string `json:"action"`
	Timestamp  string `json:"timestamp"`
	Source     string `json:"source"`
}

// handleRealtime streams record changes as server-sent events for the
// collections named in ?collections=a,b. EventSource cannot set headers, so
// the token may arrive as access_token.
func (h *httpHandler) handleRealtime(c *gin.Context) {
	principal := principalFrom(c)
	collections, err := h.streamCollections(c.Query("collections"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	ctx := c.Request.Context()
	messages, cleanup := h.realtime.Subscribe(ctx, collections...)
	defer cleanup()

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	h.writeEvent(c, realtimeEventConnected, gin.H{"collections": collections, "source": realtimeSourceBackend})

	ticker := time.NewTicker(h.realtime.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !h.writeEvent(c, realtimeEventHeartbeat, gin.H{"timestamp": time.Now().UTC().Format(records.TimeLayout)}) {
				return
			}
		case message, ok := <-messages:
			if !ok {
				return
			}
			if !h.visible(principal, message) {
				continue
			}
			payload := realtimeEventPayload{
				Collection: message.Collection,
				RecordID:   message.RecordID,
				Action:     string(message.Action),
				Timestamp:  message.Timestamp.UTC().Format(records.TimeLayout),
				Source:     realtimeSourceBackend,
			}
			if !h.writeEvent(c, RealtimeEventRecordChanged, payload) {
				return
			}
		}
	}
}

func (h *httpHandler) streamCollections(raw string) ([]string, error) {
	requested := splitList(raw)
	if len(requested) == 0 {
		return nil, records.NewValidationError("server.realtime.no_collections",
			records.FieldError{Field: "collections", Message: "at least one collection is required"})
	}
	seen := make(map[string]struct{}, len(requested))
	collections := make([]string, 0, len(requested))
	for _, name := range requested {
		if _, ok := h.schemas(name); !ok {
			return nil, records.NewError(records.KindNotFound, "server.realtime.unknown_collection", "collection "+name+" does not exist", nil)
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		collections = append(collections, name)
	}
	sort.Strings(collections)
	return collections, nil
}

// visible applies the collection's view rule to the change, using the
// owner id carried by the message as the record's owner field.
func (h *httpHandler) visible(principal records.Principal, message RealtimeMessage) bool {
	schema, ok := h.schemas(message.Collection)
	if !ok {
		return false
	}
	probe := records.Record{ID: message.RecordID, Collection: message.Collection, Fields: records.Fields{}}
	if field, ok := schema.OwnerField(); ok {
		probe.Fields[field] = message.OwnerID
	}
	return records.Allows(schema.Access.View, principal, probe)
}

func (h *httpHandler) writeEvent(c *gin.Context, event string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("failed to encode realtime event", zap.String("event", event), zap.Error(err))
		return true
	}
	if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}
