// Package eventbus is a facade's internal event distribution layer:
// strategy-side consumers subscribe with a channel and receive every
// xctype.Event the facade emits. It fans events out the way a
// connection hub fans messages out to its clients, minus any wire
// encoding, since nothing here crosses a network boundary.
package eventbus

import (
	"log/slog"
	"sync"

	"xconnect/pkg/xctype"
)

// subscriberBuffer bounds how far a slow subscriber can lag before its
// oldest pending event is dropped: a consumer that can't keep up must
// not block event emission for everyone else.
const subscriberBuffer = 256

// Bus fans every published Event out to all current subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	logger *slog.Logger
}

// Subscription is a single consumer's event channel and its unsubscribe
// handle.
type Subscription struct {
	bus *Bus
	ch  chan xctype.Event
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		logger: logger.With("component", "eventbus"),
	}
}

// Subscribe registers a new consumer and returns its channel plus an
// Unsubscribe handle. The channel is closed when Unsubscribe is called.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{ch: make(chan xctype.Event, subscriberBuffer)}
	sub.bus = b
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Events returns the subscription's receive-only channel.
func (s *Subscription) Events() <-chan xctype.Event { return s.ch }

// Unsubscribe removes this subscription from the bus and closes its
// channel. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	if _, ok := s.bus.subs[s]; ok {
		delete(s.bus.subs, s)
		close(s.ch)
	}
	s.bus.mu.Unlock()
}

// Publish delivers evt to every current subscriber. A subscriber whose
// buffer is full has its oldest event replaced rather than stalling
// publish — a slow strategy consumer must not block the adapter's event
// loop. Unlike a connection hub facing the same problem, there's no
// client connection to drop here, so the policy is newest-event-wins
// instead of disconnecting the slow consumer.
func (b *Bus) Publish(evt xctype.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- evt:
			default:
				b.logger.Warn("subscriber buffer full, dropping event", "event_type", evt.Type)
			}
		}
	}
}

// SubscriberCount reports the number of currently registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unsubscribes and closes the channel for every current
// subscriber, for use during Adapter Facade shutdown.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}
