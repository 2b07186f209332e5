package transport

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus that delivers every publish synchronously
// to the topic's subscribers. Bridges copy publishes from one topic onto
// another, which is how the V2X stack loops a unit's outbound CAM back to
// every receiver (the sender included).
type MemoryBus struct {
	mu      sync.RWMutex
	subs    map[string]map[int]Handler
	bridges map[string][]string
	nextID  int
	closed  bool
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus returns an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:    make(map[string]map[int]Handler),
		bridges: make(map[string][]string),
	}
}

// NewV2XBus returns a bus bridging TopicOutbound to TopicInbound.
func NewV2XBus() *MemoryBus {
	b := NewMemoryBus()
	b.Bridge(TopicOutbound, TopicInbound)
	return b
}

// Bridge forwards every publish on in to the subscribers of out as well.
func (b *MemoryBus) Bridge(in, out string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bridges[in] = append(b.bridges[in], out)
}

// Subscribe implements Subscriber.
func (b *MemoryBus) Subscribe(topic string, h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.subs[topic][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[topic], id)
		})
	}, nil
}

// Publish delivers payload to the subscribers of topic and of every topic
// bridged from it, in the caller's goroutine.
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	type delivery struct {
		topic string
		h     Handler
	}
	var targets []delivery
	for _, t := range append([]string{topic}, b.bridges[topic]...) {
		for _, h := range b.subs[t] {
			targets = append(targets, delivery{topic: t, h: h})
		}
	}
	b.mu.RUnlock()

	msg := append([]byte(nil), payload...)
	for _, d := range targets {
		d.h(d.topic, msg)
	}
	return nil
}

// Close drops all subscriptions; later calls fail with ErrClosed.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]map[int]Handler)
	return nil
}
