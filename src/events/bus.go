package events

import (
	"sync"

	logger "github.com/sirupsen/logrus"

	"pumpengine/src/model"
)

type Topic string

const (
	TopicSignal   Topic = "signal"
	TopicOrder    Topic = "order"
	TopicPosition Topic = "position"
	TopicDrift    Topic = "drift"
	TopicError    Topic = "error"
)

// Event is a typed message on the coordinator. Delivery is at-least-once
// from the subscriber's point of view: consumers must be idempotent.
type Event interface {
	EventTopic() Topic
}

// SignalEvent announces a detected entry signal.
type SignalEvent struct {
	Signal model.Signal
}

func (SignalEvent) EventTopic() Topic { return TopicSignal }

// OrderUpdate announces an order status transition.
type OrderUpdate struct {
	SessionID string
	Order     model.Order
}

func (OrderUpdate) EventTopic() Topic { return TopicOrder }

// PositionUpdate announces a position lifecycle change, including
// corrections applied by the synchronizer.
type PositionUpdate struct {
	SessionID string
	Position  model.Position
}

func (PositionUpdate) EventTopic() Topic { return TopicPosition }

// DriftDetected announces a local/remote mismatch found by the
// synchronizer, after the local correction was applied.
type DriftDetected struct {
	SessionID string
	Drift     model.DriftEvent
}

func (DriftDetected) EventTopic() Topic { return TopicDrift }

// SessionError surfaces a recoverable or fatal error to session consumers.
type SessionError struct {
	SessionID string
	Fatal     bool
	Err       error
}

func (SessionError) EventTopic() Topic { return TopicError }

type subscriber struct {
	id int
	ch chan Event
}

// Bus is the in-process coordinator decoupling the strategy machine,
// order manager, and synchronizer. Publish never blocks: when a
// subscriber falls behind, its oldest buffered event is evicted so the
// freshest state still gets through, and the warn log records the loss.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Topic][]subscriber
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Topic][]subscriber)}
}

// Subscribe registers a buffered receiver for one topic. The returned
// cancel function is safe to call more than once.
func (b *Bus) Subscribe(topic Topic, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := subscriber{id: b.nextID, ch: make(chan Event, buffer)}
	b.subs[topic] = append(b.subs[topic], sub)

	id := sub.id
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.unsubscribe(topic, id)
		})
	}
	return sub.ch, cancel
}

func (b *Bus) unsubscribe(topic Topic, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[topic]
	for i, sub := range subs {
		if sub.id == id {
			b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// Publish fans the event out to every subscriber of its topic.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs[ev.EventTopic()] {
		select {
		case sub.ch <- ev:
			continue
		default:
		}

		// Full buffer: evict the oldest event to make room. The channel is
		// only closed under the write lock, so receiving here is safe.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- ev:
		default:
		}
		logger.WithFields(logger.Fields{
			"topic":      ev.EventTopic(),
			"subscriber": sub.id,
		}).Warn("event bus subscriber full, dropped oldest event")
	}
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for topic, subs := range b.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
		delete(b.subs, topic)
	}
}
