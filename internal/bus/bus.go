// Package bus provides the in-process publish/subscribe fabric connecting
// the command channel to the vehicle's control subsystems, and the
// severity-based redundant fan-out of validated commands.
package bus

import (
	"encoding/json"
	"sync"
)

// subscriberBuffer bounds each subscriber channel. Publishing never
// blocks: a subscriber that falls this far behind loses messages.
const subscriberBuffer = 64

// Message is one published event.
type Message struct {
	Topic   string
	Payload json.RawMessage
}

// Bus is a topic-keyed pub/sub fabric. Publish is best-effort with no
// acknowledgment; subscribers receive messages in publish order per topic.
// Safe for concurrent use.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]*subscription
}

type subscription struct {
	topic string
	ch    chan Message
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]*subscription)}
}

// Publish delivers payload to every subscriber of topic. Subscribers with
// full buffers are skipped rather than blocking the publisher.
func (b *Bus) Publish(topic string, payload json.RawMessage) {
	msg := Message{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs[topic] {
		select {
		case sub.ch <- msg:
		default:
		}
	}
}

// Subscribe returns a stream of messages published to topic and a cancel
// function that must be called to release the subscription.
func (b *Bus) Subscribe(topic string) (<-chan Message, func()) {
	sub := &subscription{topic: topic, ch: make(chan Message, subscriberBuffer)}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subs[topic]
		for i, s := range subs {
			if s == sub {
				b.subs[topic] = append(subs[:i], subs[i+1:]...)
				close(sub.ch)
				return
			}
		}
	}
	return sub.ch, cancel
}

// SubscriberCount reports the number of active subscriptions for topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
