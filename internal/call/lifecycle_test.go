package call_test

import (
	"context"
	"testing"
	"time"

	"github.com/petervdpas/dialp2p/internal/call"
	"github.com/petervdpas/dialp2p/internal/signaling"
	"github.com/petervdpas/dialp2p/internal/storage"
)

func TestForegroundReconcilesTerminalRecord(t *testing.T) {
	bus := signaling.NewMemBus()
	a := newPeer(t, bus, "alice", time.Minute)
	b := newPeer(t, bus, "bob", time.Minute)

	callID := connect(t, a, b)
	bridge := call.NewBridge(a.mgr)

	bridge.OnBackground()
	if bridge.BackgroundSince().IsZero() {
		t.Fatal("background time should be recorded")
	}

	// While the app was away the hangup was recorded but the notice never
	// reached the session.
	if err := a.store.SetStatus(callID, storage.StatusEnded); err != nil {
		t.Fatal(err)
	}

	bridge.OnForeground(context.Background())

	if snap := a.mgr.Status(); snap.State != call.StateEnded {
		t.Fatalf("state = %s, want ended after reconciliation", snap.State)
	}
	if !a.lastPC(t).closed {
		t.Fatal("reconciliation must release the peer connection")
	}
	if !bridge.BackgroundSince().IsZero() {
		t.Fatal("foregrounding should clear the background mark")
	}
}

func TestForegroundKeepsHealthyCall(t *testing.T) {
	bus := signaling.NewMemBus()
	a := newPeer(t, bus, "alice", time.Minute)
	b := newPeer(t, bus, "bob", time.Minute)

	callID := connect(t, a, b)
	bridge := call.NewBridge(a.mgr)

	bridge.OnBackground()
	bridge.OnForeground(context.Background())

	if snap := a.mgr.Status(); snap.State != call.StateConnected || snap.CallID != callID {
		t.Fatal("reconciliation must not end a call whose record is still active")
	}
}

func TestForegroundWithoutSessionIsNoop(t *testing.T) {
	bus := signaling.NewMemBus()
	a := newPeer(t, bus, "alice", time.Minute)

	bridge := call.NewBridge(a.mgr)
	bridge.OnForeground(context.Background())

	if snap := a.mgr.Status(); snap.State != call.StateIdle {
		t.Fatalf("state = %s, want idle", snap.State)
	}
}

func TestDroppedDeliveryThenReconcile(t *testing.T) {
	bus := signaling.NewMemBus()
	a := newPeer(t, bus, "alice", time.Minute)
	b := newPeer(t, bus, "bob", time.Minute)

	callID := connect(t, a, b)
	bridge := call.NewBridge(a.mgr)
	bridge.OnBackground()

	// Bob hangs up while Alice's transport is effectively offline: his end
	// notice is lost on the wire.
	b.sig.SetDropped(true)
	if err := b.mgr.End(context.Background()); err != nil {
		t.Fatal(err)
	}
	if snap := a.mgr.Status(); snap.State != call.StateConnected {
		t.Fatal("precondition: the lost notice left alice connected")
	}

	// Some other channel (a push, a sync job) marked her record terminal.
	if err := a.store.SetStatus(callID, storage.StatusEnded); err != nil {
		t.Fatal(err)
	}

	bridge.OnForeground(context.Background())
	if snap := a.mgr.Status(); snap.State != call.StateEnded {
		t.Fatalf("state = %s, want ended after reconciliation", snap.State)
	}
}
