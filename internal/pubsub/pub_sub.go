// Package pubsub is a small typed publish-subscribe bus used for engine
// lifecycle events (role changes, leadership changes, shutdown). Payload
// types are checked at compile time; the registry stores type-erased send
// closures so subscribers of different payload types share one map.
package pubsub

import (
	"sync"
	"sync/atomic"
)

// EventType is the kind of event subscribers listen for.
type EventType int

// SubscriberID identifies one subscription for Unsubscribe.
type SubscriberID uint64

var nextSubscriberID atomic.Uint64

type subscriber struct {
	// sendFunc captures the subscriber's typed channel; it reports false when
	// the payload type does not match or the channel is full.
	sendFunc   func(payload any) bool
	numDropped atomic.Uint64
}

// Bus fans events out to subscribers. Sends never block: a subscriber whose
// channel is full misses the event rather than stalling the publisher, so
// consumers must size their channels for their own burst tolerance.
type Bus struct {
	mu       sync.RWMutex
	registry map[EventType]map[SubscriberID]*subscriber
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{registry: make(map[EventType]map[SubscriberID]*subscriber)}
}

// Subscribe registers ch for events of the given type. The caller owns the
// channel and chooses its buffer size.
func Subscribe[T any](b *Bus, eventType EventType, ch chan T) SubscriberID {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := SubscriberID(nextSubscriberID.Add(1))
	sub := &subscriber{
		sendFunc: func(payload any) bool {
			typed, ok := payload.(T)
			if !ok {
				return false
			}
			select {
			case ch <- typed:
				return true
			default:
				return false
			}
		},
	}

	if _, ok := b.registry[eventType]; !ok {
		b.registry[eventType] = make(map[SubscriberID]*subscriber)
	}
	b.registry[eventType][id] = sub
	return id
}

// Unsubscribe removes a subscription. The channel is not closed; the caller
// owns it.
func (b *Bus) Unsubscribe(eventType EventType, id SubscriberID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.registry[eventType]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(b.registry, eventType)
		}
	}
}

// Publish delivers payload to every subscriber of eventType without blocking.
func Publish[T any](b *Bus, eventType EventType, payload T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.registry[eventType] {
		if !sub.sendFunc(payload) {
			sub.numDropped.Add(1)
		}
	}
}
