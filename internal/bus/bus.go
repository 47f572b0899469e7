// Package bus is the in-process event fan-out for loop observation. A single
// publisher (the coordinator) broadcasts LoopEvents to any number of
// subscribers: the WebSocket gateway, the run archive, notifiers.
package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Envelope is a published event with its routing topic. The topic is the
// event name, so subscribers can filter by prefix.
type Envelope struct {
	Topic   string
	Payload LoopEvent
}

// Subscription is one subscriber's receive side.
type Subscription struct {
	id     int
	prefix string
	ch     chan Envelope
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Envelope {
	return s.ch
}

// Bus is a bounded multi-subscriber broadcast channel. Delivery is
// best-effort: a subscriber that falls behind loses its oldest buffered
// events, and the publisher is never blocked.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events whose topic matches the given
// prefix. An empty prefix matches all events. Each subscriber gets its own
// buffer of 100 events.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Envelope, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends ev to every matching subscriber. When a subscriber's buffer
// is full, its oldest buffered event is evicted to make room, so a slow
// consumer sees the newest events and the publisher never waits.
func (b *Bus) Publish(ev LoopEvent) {
	env := Envelope{
		Topic:   ev.Event,
		Payload: ev,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(env.Topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			// Buffer full: evict the oldest event and retry once. The retry
			// can still lose to a racing consumer, in which case the event is
			// dropped for this subscriber.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- env:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
