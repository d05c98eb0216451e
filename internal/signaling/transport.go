// Package signaling delivers call signaling messages over GossipSub topics.
// Delivery is at-least-once and possibly out of order; the call layer
// compensates by discarding mismatched call IDs and buffering early ICE
// candidates.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/petervdpas/dialp2p/internal/proto"
)

// Handler receives one decoded signaling message.
type Handler func(msg *proto.SignalingMessage)

// PubSub is the GossipSub-backed signaling transport. Subscriptions form an
// idempotent registry keyed by topic: a second Subscribe for an active topic
// is a no-op and never creates a duplicate delivery path.
type PubSub struct {
	ps     *pubsub.PubSub
	selfID peer.ID

	mu   sync.Mutex
	subs map[string]*topicSub
}

type topicSub struct {
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPubSub wraps an existing GossipSub router. selfID is the local peer ID;
// messages originating from it are skipped so a publisher never hears its own
// signaling echoed back.
func NewPubSub(ps *pubsub.PubSub, selfID peer.ID) *PubSub {
	return &PubSub{
		ps:     ps,
		selfID: selfID,
		subs:   make(map[string]*topicSub),
	}
}

// Subscribe registers the handler for a topic. Exactly one handler exists per
// topic per process; subscribing to an already-active topic returns nil
// without touching the existing delivery path.
func (t *PubSub) Subscribe(topic string, h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.subs[topic]; ok {
		return nil // already subscribed — keep the existing handler
	}

	tp, err := t.ps.Join(topic)
	if err != nil {
		return fmt.Errorf("signaling: join %s: %w", topic, err)
	}
	sub, err := tp.Subscribe()
	if err != nil {
		_ = tp.Close()
		return fmt.Errorf("signaling: subscribe %s: %w", topic, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ts := &topicSub{topic: tp, sub: sub, cancel: cancel, done: make(chan struct{})}
	t.subs[topic] = ts

	go t.readLoop(ctx, topic, ts, h)
	return nil
}

// readLoop drains one topic subscription and dispatches decoded messages.
func (t *PubSub) readLoop(ctx context.Context, topic string, ts *topicSub, h Handler) {
	defer close(ts.done)

	for {
		m, err := ts.sub.Next(ctx)
		if err != nil {
			return // subscription cancelled or topic closed
		}
		if m.ReceivedFrom == t.selfID {
			continue // own publish looped back by the mesh
		}

		var msg proto.SignalingMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			log.Printf("SIGNAL: bad message on %s from %s: %v", topic, m.ReceivedFrom, err)
			continue
		}
		msg.From = m.ReceivedFrom.String()
		h(&msg)
	}
}

// Publish sends a message on a topic. The send is fire-and-forget from the
// caller's perspective but publish failures are surfaced, never dropped.
func (t *PubSub) Publish(ctx context.Context, topic string, msg *proto.SignalingMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("signaling: encode %s: %w", msg.Type, err)
	}

	tp, err := t.joinForPublish(topic)
	if err != nil {
		return err
	}
	if err := tp.Publish(ctx, b); err != nil {
		return fmt.Errorf("signaling: publish %s on %s: %w", msg.Type, topic, err)
	}
	return nil
}

// joinForPublish reuses the subscribed topic handle when one exists, or joins
// the topic publish-only. Publish-only handles are tracked in the same
// registry so Join is never called twice for one topic.
func (t *PubSub) joinForPublish(topic string) (*pubsub.Topic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ts, ok := t.subs[topic]; ok {
		return ts.topic, nil
	}
	tp, err := t.ps.Join(topic)
	if err != nil {
		return nil, fmt.Errorf("signaling: join %s: %w", topic, err)
	}
	t.subs[topic] = &topicSub{topic: tp}
	return tp, nil
}

// Unsubscribe tears down the topic's delivery path and releases the
// underlying channel resource. Unknown topics are a no-op. The registry entry
// is removed synchronously; the topic handle is closed once the read loop has
// drained, so a handler may unsubscribe its own topic without deadlocking.
func (t *PubSub) Unsubscribe(topic string) {
	t.mu.Lock()
	ts, ok := t.subs[topic]
	if ok {
		delete(t.subs, topic)
	}
	t.mu.Unlock()

	if !ok {
		return
	}
	t.closeSub(topic, ts)
}

func (t *PubSub) closeSub(topic string, ts *topicSub) {
	if ts.cancel == nil {
		if err := ts.topic.Close(); err != nil {
			log.Printf("SIGNAL: close topic %s: %v", topic, err)
		}
		return
	}
	ts.cancel()
	ts.sub.Cancel()
	go func() {
		<-ts.done
		if err := ts.topic.Close(); err != nil {
			log.Printf("SIGNAL: close topic %s: %v", topic, err)
		}
	}()
}

// Subscribed reports whether a delivery path exists for the topic.
func (t *PubSub) Subscribed(topic string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.subs[topic]
	return ok && ts.sub != nil
}

// Close tears down every registered topic.
func (t *PubSub) Close() {
	t.mu.Lock()
	subs := t.subs
	t.subs = make(map[string]*topicSub)
	t.mu.Unlock()

	for topic, ts := range subs {
		t.closeSub(topic, ts)
	}
}
