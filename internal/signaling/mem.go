package signaling

import (
	"context"
	"fmt"
	"sync"

	"github.com/petervdpas/dialp2p/internal/proto"
)

// MemBus is an in-process signaling fabric with the same topic semantics as
// the GossipSub transport: at-least-once delivery to every endpoint
// subscribed to a topic, excluding the sender. Used by tests and by
// single-machine loopback setups.
type MemBus struct {
	mu        sync.Mutex
	endpoints []*MemTransport
}

func NewMemBus() *MemBus {
	return &MemBus{}
}

// Endpoint creates a transport bound to the bus for one simulated user.
func (b *MemBus) Endpoint(userID string) *MemTransport {
	t := &MemTransport{
		bus:      b,
		userID:   userID,
		handlers: make(map[string]Handler),
	}
	b.mu.Lock()
	b.endpoints = append(b.endpoints, t)
	b.mu.Unlock()
	return t
}

func (b *MemBus) route(from *MemTransport, topic string, msg *proto.SignalingMessage) {
	b.mu.Lock()
	targets := make([]*MemTransport, len(b.endpoints))
	copy(targets, b.endpoints)
	b.mu.Unlock()

	for _, ep := range targets {
		if ep == from {
			continue
		}
		ep.deliver(topic, msg)
	}
}

// MemTransport is one endpoint on a MemBus. It keeps the same idempotent
// subscription registry contract as PubSub.
type MemTransport struct {
	bus    *MemBus
	userID string

	mu       sync.Mutex
	handlers map[string]Handler
	dropped  bool // when set, Publish succeeds but nothing is routed
	failNext bool // when set, the next Publish returns an error
}

func (t *MemTransport) Subscribe(topic string, h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.handlers[topic]; ok {
		return nil
	}
	t.handlers[topic] = h
	return nil
}

func (t *MemTransport) Unsubscribe(topic string) {
	t.mu.Lock()
	delete(t.handlers, topic)
	t.mu.Unlock()
}

func (t *MemTransport) Subscribed(topic string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.handlers[topic]
	return ok
}

func (t *MemTransport) Publish(_ context.Context, topic string, msg *proto.SignalingMessage) error {
	t.mu.Lock()
	if t.failNext {
		t.failNext = false
		t.mu.Unlock()
		return fmt.Errorf("signaling: publish on %s: fabric unavailable", topic)
	}
	drop := t.dropped
	t.mu.Unlock()

	if drop {
		return nil
	}
	out := *msg
	out.From = t.userID
	t.bus.route(t, topic, &out)
	return nil
}

func (t *MemTransport) Close() {
	t.mu.Lock()
	t.handlers = make(map[string]Handler)
	t.mu.Unlock()
}

// SetDropped simulates lost delivery: publishes succeed locally but never
// reach other endpoints (the backgrounded-app failure mode).
func (t *MemTransport) SetDropped(dropped bool) {
	t.mu.Lock()
	t.dropped = dropped
	t.mu.Unlock()
}

// FailNextPublish makes the next Publish return an error.
func (t *MemTransport) FailNextPublish() {
	t.mu.Lock()
	t.failNext = true
	t.mu.Unlock()
}

func (t *MemTransport) deliver(topic string, msg *proto.SignalingMessage) {
	t.mu.Lock()
	h, ok := t.handlers[topic]
	t.mu.Unlock()
	if ok {
		h(msg)
	}
}
