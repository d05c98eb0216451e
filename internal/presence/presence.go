// Package presence publishes the local user's call availability on a shared
// GossipSub topic so peers can see who is free, ringing or mid-call.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/petervdpas/dialp2p/internal/proto"
)

// Publisher pushes availability pulses on the presence topic.
type Publisher struct {
	selfID string
	topic  *pubsub.Topic

	mu     sync.Mutex
	status string
}

// New joins the presence topic. The topic handle stays open for the process
// lifetime.
func New(ps *pubsub.PubSub, topicName, selfID string) (*Publisher, error) {
	topic, err := ps.Join(topicName)
	if err != nil {
		return nil, fmt.Errorf("presence: join %s: %w", topicName, err)
	}
	// status starts empty so the first SetStatus always announces.
	return &Publisher{selfID: selfID, topic: topic}, nil
}

// SetStatus publishes a new availability status. Repeated sets of the same
// status are suppressed.
func (p *Publisher) SetStatus(ctx context.Context, status string) error {
	p.mu.Lock()
	if p.status == status {
		p.mu.Unlock()
		return nil
	}
	p.status = status
	p.mu.Unlock()

	if err := p.publish(ctx, status); err != nil {
		return err
	}
	log.Printf("PRESENCE: %s is %s", p.selfID, status)
	return nil
}

func (p *Publisher) publish(ctx context.Context, status string) error {
	msg := proto.PresenceMsg{
		PeerID: p.selfID,
		Status: status,
		TS:     proto.NowMillis(),
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("presence: encode: %w", err)
	}
	if err := p.topic.Publish(ctx, b); err != nil {
		return fmt.Errorf("presence: publish: %w", err)
	}
	return nil
}

// Status returns the last published status.
func (p *Publisher) Status() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Run re-publishes the current status at the heartbeat interval until ctx is
// cancelled, so peers that joined the mesh late still learn about us.
func (p *Publisher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := p.Status()
			if status == "" {
				continue
			}
			if err := p.publish(ctx, status); err != nil {
				log.Printf("PRESENCE: heartbeat: %v", err)
			}
		}
	}
}

// Close releases the topic handle.
func (p *Publisher) Close() error {
	return p.topic.Close()
}
