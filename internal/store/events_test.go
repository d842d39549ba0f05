package store

import (
	"context"
	"runtime"
	"testing"
	"time"
)

func TestDispatcherDeliversToSubscribers(t *testing.T) {
	dispatcher := NewDispatcher(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	dispatcher.Publish(Event{Type: EventMessageAppended, ConversationID: 7, MessageID: 42})

	select {
	case event := <-stream:
		if event.Type != EventMessageAppended || event.ConversationID != 7 || event.MessageID != 42 {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected event delivery")
	}
}

func TestDispatcherDropsWhenSubscriberIsFull(t *testing.T) {
	dispatcher := NewDispatcher(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	// Second publish must not block even though nobody is draining.
	dispatcher.Publish(Event{Type: EventConversationUpdated, ConversationID: 1})
	dispatcher.Publish(Event{Type: EventConversationUpdated, ConversationID: 2})

	event := <-stream
	if event.ConversationID != 1 {
		t.Fatalf("expected first event retained, got %+v", event)
	}
	select {
	case extra := <-stream:
		t.Fatalf("expected overflow event dropped, got %+v", extra)
	default:
	}
}

func TestDispatcherUnsubscribesOnCleanup(t *testing.T) {
	dispatcher := NewDispatcher(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	cleanup()

	dispatcher.Publish(Event{Type: EventTopicCreated, TopicID: "topic-1"})

	select {
	case event, ok := <-stream:
		if ok {
			t.Fatalf("expected no delivery after cleanup, got %+v", event)
		}
	default:
	}
}

func TestDispatcherCleanupReleasesWatcher(t *testing.T) {
	dispatcher := NewDispatcher(0)
	before := runtime.NumGoroutine()

	// Background contexts never cancel, so cleanup alone must release the
	// per-subscription watcher goroutine.
	for i := 0; i < 100; i++ {
		_, cleanup := dispatcher.Subscribe(context.Background())
		cleanup()
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= before+5 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("leaked goroutines after cleanup: before=%d after=%d", before, runtime.NumGoroutine())
}

func TestDispatcherIgnoresEmptyEventType(t *testing.T) {
	dispatcher := NewDispatcher(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	dispatcher.Publish(Event{})

	select {
	case event := <-stream:
		t.Fatalf("expected no delivery for empty event, got %+v", event)
	default:
	}
}
