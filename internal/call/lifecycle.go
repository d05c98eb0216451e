package call

import (
	"context"
	"log"
	"sync"
	"time"
)

// Bridge connects app lifecycle events to the call manager. While the app is
// backgrounded the process may miss signaling entirely; on return to the
// foreground the live session is reconciled against its durable record.
type Bridge struct {
	mgr *Manager

	mu    sync.Mutex
	since time.Time
}

// NewBridge wraps a manager for lifecycle handling.
func NewBridge(mgr *Manager) *Bridge {
	return &Bridge{mgr: mgr}
}

// OnBackground records when the app left the foreground.
func (b *Bridge) OnBackground() {
	b.mu.Lock()
	b.since = time.Now()
	b.mu.Unlock()
	log.Printf("LIFECYCLE: backgrounded")
}

// OnForeground reconciles the session with its record. Missed hangups,
// declines and timeouts recorded while away end the session locally.
func (b *Bridge) OnForeground(ctx context.Context) {
	b.mu.Lock()
	since := b.since
	b.since = time.Time{}
	b.mu.Unlock()

	if !since.IsZero() {
		log.Printf("LIFECYCLE: foregrounded after %s away", time.Since(since).Round(time.Millisecond))
	}
	b.mgr.Reconcile(ctx)
}

// BackgroundSince returns when the app was backgrounded, or the zero time if
// it is in the foreground.
func (b *Bridge) BackgroundSince() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.since
}
