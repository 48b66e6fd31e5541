// Package pubsub is a small in-process topic bus. Agents publish responses
// to their outbox topic and subscribe to inbound topics; delivery is
// per-subscriber buffered and non-blocking, so a slow subscriber drops
// rather than stalls the publisher.
package pubsub

import (
	"sync"
)

// Envelope is one published message.
type Envelope struct {
	Topic   string
	From    string
	Payload any
}

type subscriber struct {
	ch chan Envelope
}

type Bus struct {
	mu     sync.RWMutex
	topics map[string][]*subscriber
	closed bool
}

func NewBus() *Bus {
	return &Bus{topics: make(map[string][]*subscriber)}
}

// Subscribe registers a buffered channel on a topic. The returned cancel
// function removes the subscription and closes the channel.
func (b *Bus) Subscribe(topic string, buffer int) (<-chan Envelope, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscriber{ch: make(chan Envelope, buffer)}

	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], sub)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.topics[topic]
		for i, s := range subs {
			if s == sub {
				b.topics[topic] = append(subs[:i], subs[i+1:]...)
				close(s.ch)
				return
			}
		}
	}
	return sub.ch, cancel
}

// Publish delivers to every current subscriber of the topic. Subscribers
// with full buffers are skipped.
func (b *Bus) Publish(topic, from string, payload any) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}

	delivered := 0
	for _, sub := range b.topics[topic] {
		select {
		case sub.ch <- Envelope{Topic: topic, From: from, Payload: payload}:
			delivered++
		default:
		}
	}
	return delivered
}

// SubscriberCount reports the current subscribers on a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Close tears down all subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, subs := range b.topics {
		for _, sub := range subs {
			close(sub.ch)
		}
		delete(b.topics, topic)
	}
}
