// Package events provides the task event log and the in-process fanout
// bus behind the streaming API. Events are persisted first and then
// published, so a restart can always rebuild what a stream missed.
package events

import (
	"sync"

	"github.com/google/uuid"

	"github.com/nimbusops/nimbus/internal/models"
)

// subscriberBuffer is the per-subscription channel capacity. A
// subscriber that falls further behind than this loses events rather
// than stalling publishers.
const subscriberBuffer = 256

// Subscription is one listener on the bus. Receive from C until
// Unsubscribe closes it.
type Subscription struct {
	ID string
	C  <-chan models.Event

	ch     chan models.Event
	filter func(models.Event) bool
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Published   int64 `json:"published"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
	Subscribers int   `json:"subscribers"`
}

// Bus fans events out to subscribers and keeps a bounded replay buffer
// of the most recent events for late joiners.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string]*Subscription
	buffer      []models.Event
	bufferSize  int
	stats       Stats
	closed      bool
}

// NewBus creates a bus with the given replay buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{
		subscribers: make(map[string]*Subscription),
		buffer:      make([]models.Event, 0, bufferSize),
		bufferSize:  bufferSize,
	}
}

// Publish delivers the event to every matching subscriber. Slow
// subscribers are skipped, never waited on.
func (b *Bus) Publish(event models.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	if len(b.buffer) >= b.bufferSize {
		b.buffer = b.buffer[1:]
	}
	b.buffer = append(b.buffer, event)
	b.stats.Published++

	for _, sub := range b.subscribers {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		select {
		case sub.ch <- event:
			b.stats.Delivered++
		default:
			b.stats.Dropped++
		}
	}
}

// Subscribe registers a listener. A nil filter receives every event.
func (b *Bus) Subscribe(filter func(models.Event) bool) *Subscription {
	sub := &Subscription{
		ID:     uuid.NewString(),
		ch:     make(chan models.Event, subscriberBuffer),
		filter: filter,
	}
	sub.C = sub.ch

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[sub.ID] = sub
	b.stats.Subscribers = len(b.subscribers)
	return sub
}

// SubscribeTask registers a listener for a single task's events.
func (b *Bus) SubscribeTask(taskID string) *Subscription {
	return b.Subscribe(func(e models.Event) bool {
		return e.TaskID == taskID
	})
}

// SubscribeKinds registers a listener for the given event kinds.
func (b *Bus) SubscribeKinds(kinds ...models.EventKind) *Subscription {
	set := make(map[models.EventKind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return b.Subscribe(func(e models.Event) bool {
		return set[e.Kind]
	})
}

// Unsubscribe removes the subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.subscribers[sub.ID]; !exists {
		return
	}
	delete(b.subscribers, sub.ID)
	b.stats.Subscribers = len(b.subscribers)
	close(sub.ch)
}

// Recent returns up to n of the most recently published events, oldest
// first.
func (b *Bus) Recent(n int) []models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n > len(b.buffer) {
		n = len(b.buffer)
	}
	start := len(b.buffer) - n
	out := make([]models.Event, n)
	copy(out, b.buffer[start:])
	return out
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
	b.stats.Subscribers = 0
}
