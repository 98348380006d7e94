// Package events carries chunk tokenization lifecycle events from the queue to
// observers (audit log, telemetry) without ever blocking the publisher.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

type EventType string

const (
	EventChunkEnqueued  EventType = "chunk_enqueued"
	EventChunkStarted   EventType = "chunk_started"
	EventChunkTokenized EventType = "chunk_tokenized"
	EventChunkFailed    EventType = "chunk_failed"
	EventChunkDropped   EventType = "chunk_dropped"
	EventChunkRestored  EventType = "chunk_restored"
)

// AllChunkEvents lists every type the queue publishes.
var AllChunkEvents = []EventType{
	EventChunkEnqueued,
	EventChunkStarted,
	EventChunkTokenized,
	EventChunkFailed,
	EventChunkDropped,
	EventChunkRestored,
}

type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

type Subscriber func(Event)

// Publisher is the side of the bus the queue depends on.
type Publisher interface {
	Publish(eventType EventType, data map[string]any)
}

// Bus delivers events through one buffered channel per subscriber. A full
// channel drops the event for that subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	dropped     atomic.Uint64
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for eventType and returns an unsubscribe function.
// fn runs on its own goroutine; a panic in fn is recovered.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	return b.subscribe([]EventType{eventType}, fn)
}

// SubscribeAll registers fn for every chunk event type. All types share one
// channel, so fn sees events in publish order.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	return b.subscribe(AllChunkEvents, fn)
}

func (b *Bus) subscribe(types []EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	for _, et := range types {
		b.subscribers[et] = append(b.subscribers[et], ch)
	}

	go func() {
		for event := range ch {
			func() {
				defer func() { _ = recover() }()
				fn(event)
			}()
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			found := false
			for _, et := range types {
				subs := b.subscribers[et]
				for i, subCh := range subs {
					if subCh == ch {
						b.subscribers[et] = append(subs[:i], subs[i+1:]...)
						found = true
						break
					}
				}
			}
			// Close already closed the channel if it is gone.
			if found {
				close(ch)
			}
		})
	}
}

func (b *Bus) Publish(eventType EventType, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber lagged.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels. Unsubscribe functions become no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	closed := make(map[chan Event]struct{})
	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			if _, ok := closed[ch]; !ok {
				close(ch)
				closed[ch] = struct{}{}
			}
		}
		delete(b.subscribers, eventType)
	}
}
