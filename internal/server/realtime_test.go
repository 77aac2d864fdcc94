package server

import (
	"context"
	"testing"
	"time"

	"github.com/rizo8107/skiddys-learning-platform/internal/store"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "lesson_notes", "reviews")
	defer cleanup()

	dispatcher.Publish(store.RecordChange{
		Collection: "reviews",
		RecordID:   "rev_1",
		Action:     store.ActionCreate,
		Timestamp:  time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.RecordID != "rev_1" || received.Action != store.ActionCreate {
			t.Fatalf("unexpected message %+v", received)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByCollection(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notesStream, cleanup := dispatcher.Subscribe(ctx, "lesson_notes")
	defer cleanup()
	coursesStream, otherCleanup := dispatcher.Subscribe(ctx, "courses")
	defer otherCleanup()

	dispatcher.Publish(store.RecordChange{Collection: "courses", RecordID: "c1", Action: store.ActionUpdate})

	select {
	case <-notesStream:
		t.Fatal("did not expect realtime message for unrelated collection")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-coursesStream:
		if msg.Collection != "courses" {
			t.Fatalf("expected courses, received %s", msg.Collection)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for subscribed collection")
	}
}

func TestRealtimeDispatcherUnsubscribesOnCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, "courses", "lessons")
	defer cleanup()
	if dispatcher.SubscriberCount("courses") != 1 || dispatcher.SubscriberCount("lessons") != 1 {
		t.Fatalf("expected subscriptions to be registered")
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount("courses") != 0 || dispatcher.SubscriberCount("lessons") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriptions to be removed after cancellation")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRealtimeDispatcherDropsWhenBufferFull(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "courses")
	defer cleanup()
	for index := 0; index < defaultSubscriberBuffer+5; index++ {
		dispatcher.Publish(store.RecordChange{Collection: "courses", RecordID: "c1", Action: store.ActionUpdate})
	}
	if len(stream) != defaultSubscriberBuffer {
		t.Fatalf("expected buffer to hold %d messages, got %d", defaultSubscriberBuffer, len(stream))
	}
}
