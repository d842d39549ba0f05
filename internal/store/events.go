package store

import (
	"context"
	"sync"
	"time"
)

// EventType names a store-level change notification.
type EventType string

const (
	// EventConversationUpdated fires when a conversation row is created or
	// its metadata changes.
	EventConversationUpdated EventType = "conversation-updated"
	// EventMessageAppended fires when a new message row lands.
	EventMessageAppended EventType = "message-appended"
	// EventTopicCreated fires when a topic row is created, letting an
	// external push notifier subscribe to it.
	EventTopicCreated EventType = "topic-created"
)

// Event is a store change notification delivered to subscribers.
type Event struct {
	Type           EventType
	ConversationID int64
	MessageID      int64
	TopicID        string
	Timestamp      time.Time
}

// Dispatcher fans store events out to in-process subscribers. Delivery is
// best effort: a subscriber with a full buffer misses the event rather than
// blocking a writer.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*eventSubscriber
	nextID      int64
	bufferSize  int
}

type eventSubscriber struct {
	id     int64
	stream chan Event
}

// NewDispatcher constructs a Dispatcher with the given per-subscriber buffer.
func NewDispatcher(bufferSize int) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &Dispatcher{
		subscribers: make(map[int64]*eventSubscriber),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a subscriber whose channel receives events until ctx is
// canceled or the returned cleanup runs. Cleanup also releases the watcher
// goroutine, so subscribers on a background context do not accumulate.
func (d *Dispatcher) Subscribe(ctx context.Context) (<-chan Event, func()) {
	subscriber := &eventSubscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.mu.Lock()
	d.subscribers[subscriber.id] = subscriber
	d.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subscribers, subscriber.id)
			d.mu.Unlock()
			close(done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()
	return subscriber.stream, cleanup
}

// Publish delivers an event to every current subscriber without blocking.
func (d *Dispatcher) Publish(event Event) {
	if event.Type == "" {
		return
	}
	d.mu.RLock()
	copies := make([]*eventSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}
