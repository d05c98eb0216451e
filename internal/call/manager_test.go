package call_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/dialp2p/internal/call"
	"github.com/petervdpas/dialp2p/internal/proto"
	"github.com/petervdpas/dialp2p/internal/signaling"
	"github.com/petervdpas/dialp2p/internal/storage"
)

// ── Fakes ────────────────────────────────────────────────────────────────────

type fakeStream struct {
	mu       sync.Mutex
	audio    bool
	video    bool
	released bool
}

func (s *fakeStream) SetAudioEnabled(on bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.audio
	s.audio = on
	return prev
}

func (s *fakeStream) SetVideoEnabled(on bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.video
	s.video = on
	return prev
}

func (s *fakeStream) Label() string { return "fake" }

func (s *fakeStream) Release() {
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
}

func (s *fakeStream) isReleased() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

type fakeMedia struct {
	mu          sync.Mutex
	failAcquire bool
	gate        chan struct{}
	acquires    int
	streams     []*fakeStream
	bound       int
}

func (m *fakeMedia) Acquire(_ context.Context, video, _ bool) (call.MediaStream, error) {
	m.mu.Lock()
	gate := m.gate
	m.acquires++
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAcquire {
		return nil, errors.New("no capture device")
	}
	s := &fakeStream{audio: true, video: video}
	m.streams = append(m.streams, s)
	return s, nil
}

func (m *fakeMedia) Bind(_ call.MediaStream, _ call.PeerConnection) error {
	m.mu.Lock()
	m.bound++
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) streamCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

func (m *fakeMedia) acquireCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquires
}

type fakePC struct {
	mu      sync.Mutex
	callID  string
	remote  *proto.SessionDescription
	added   []proto.ICECandidateInit
	onCand  func(proto.ICECandidateInit)
	onState func(string)
	closed  bool
}

func (p *fakePC) CreateOffer() (proto.SessionDescription, error) {
	return proto.SessionDescription{Type: "offer", SDP: "v=0 offer " + p.callID}, nil
}

func (p *fakePC) CreateAnswer() (proto.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return proto.SessionDescription{}, errors.New("no remote description")
	}
	return proto.SessionDescription{Type: "answer", SDP: "v=0 answer " + p.callID}, nil
}

func (p *fakePC) SetRemoteDescription(sd proto.SessionDescription) error {
	p.mu.Lock()
	p.remote = &sd
	p.mu.Unlock()
	return nil
}

func (p *fakePC) AddICECandidate(c proto.ICECandidateInit) error {
	p.mu.Lock()
	p.added = append(p.added, c)
	p.mu.Unlock()
	return nil
}

func (p *fakePC) OnICECandidate(fn func(proto.ICECandidateInit)) {
	p.mu.Lock()
	p.onCand = fn
	p.mu.Unlock()
}

func (p *fakePC) OnConnectionStateChange(fn func(string)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePC) ConnectionState() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "closed"
	}
	return "new"
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePC) fireCandidate(c proto.ICECandidateInit) {
	p.mu.Lock()
	fn := p.onCand
	p.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (p *fakePC) fireState(state string) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (p *fakePC) candidates() []proto.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]proto.ICECandidateInit, len(p.added))
	copy(out, p.added)
	return out
}

// ── Harness ──────────────────────────────────────────────────────────────────

type peer struct {
	id    string
	store *storage.DB
	sig   *signaling.MemTransport
	media *fakeMedia
	mgr   *call.Manager

	mu  sync.Mutex
	pcs []*fakePC
}

func newPeer(t *testing.T, bus *signaling.MemBus, id string, ringTimeout time.Duration) *peer {
	t.Helper()

	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	p := &peer{
		id:    id,
		store: store,
		sig:   bus.Endpoint(id),
		media: &fakeMedia{},
	}
	mgr, err := call.NewManager(
		call.Options{SelfID: id, RingTimeout: ringTimeout, Video: true},
		p.sig, store, p.media, p.newConn, nil,
	)
	if err != nil {
		t.Fatal(err)
	}
	p.mgr = mgr

	t.Cleanup(func() {
		mgr.Close()
		store.Close()
	})
	return p
}

func (p *peer) newConn(callID string) (call.PeerConnection, error) {
	pc := &fakePC{callID: callID}
	p.mu.Lock()
	p.pcs = append(p.pcs, pc)
	p.mu.Unlock()
	return pc, nil
}

func (p *peer) lastPC(t *testing.T) *fakePC {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pcs) == 0 {
		t.Fatal("no peer connection was created")
	}
	return p.pcs[len(p.pcs)-1]
}

func (p *peer) record(t *testing.T, callID string) storage.CallRecord {
	t.Helper()
	rec, ok := p.store.GetCall(callID)
	if !ok {
		t.Fatalf("%s has no record for call %s", p.id, callID)
	}
	return rec
}

// connect runs a full call setup between two peers and returns the call ID.
func connect(t *testing.T, a, b *peer) string {
	t.Helper()
	callID, err := a.mgr.Initiate(context.Background(), b.id)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := b.mgr.Accept(context.Background(), callID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	return callID
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ── Tests ────────────────────────────────────────────────────────────────────

func TestInitiateRingsCallee(t *testing.T) {
	bus := signaling.NewMemBus()
	a := newPeer(t, bus, "alice", time.Minute)
	b := newPeer(t, bus, "bob", time.Minute)

	callID, err := a.mgr.Initiate(context.Background(), b.id)
	if err != nil {
		t.Fatal(err)
	}

	if snap := a.mgr.Status(); snap.State != call.StateRinging || snap.Role != call.RoleCaller {
		t.Fatalf("caller snapshot = %+v, want ringing caller", snap)
	}
	if snap := b.mgr.Status(); snap.State != call.StateRinging || snap.Role != call.RoleCallee {
		t.Fatalf("callee snapshot = %+v, want ringing callee", snap)
	}
	if snap := b.mgr.Status(); snap.PeerID != a.id {
		t.Fatalf("callee sees peer %s, want %s", snap.PeerID, a.id)
	}

	if rec := a.record(t, callID); rec.Status != storage.StatusRinging || rec.Offer == nil {
		t.Fatalf("caller record = %+v, want ringing with offer", rec)
	}
	if rec := b.record(t, callID); rec.Status != storage.StatusRinging || rec.Offer == nil {
		t.Fatalf("callee record = %+v, want ringing with offer", rec)
	}

	if !a.sig.Subscribed(proto.CallTopic(callID)) || !b.sig.Subscribed(proto.CallTopic(callID)) {
		t.Fatal("both sides should be on the per-call topic while ringing")
	}
}

func TestAcceptConnectsBothSides(t *testing.T) {
	bus := signaling.NewMemBus()
	a := newPeer(t, bus, "alice", time.Minute)
	b := newPeer(t, bus, "bob", time.Minute)

	callID := connect(t, a, b)

	if snap := a.mgr.Status(); snap.State != call.StateConnected {
		t.Fatalf("caller state = %s, want connected", snap.State)
	}
	if snap := b.mgr.Status(); snap.State != call.StateConnected {
		t.Fatalf("callee state = %s, want connected", snap.State)
	}

	for _, p := range []*peer{a, b} {
		rec := p.record(t, callID)
		if rec.Status != storage.StatusActive {
			t.Fatalf("%s record status = %s, want active", p.id, rec.Status)
		}
		if rec.Offer == nil || rec.Answer == nil {
			t.Fatalf("%s record should hold both descriptions", p.id)
		}
	}

	// The answer must have been applied as the caller's remote description.
	if a.lastPC(t).remote == nil || a.lastPC(t).remote.Type != "answer" {
		t.Fatal("caller should have the answer as remote description")
	}
	if b.lastPC(t).remote == nil || b.lastPC(t).remote.Type != "offer" {
		t.Fatal("callee should have the offer as remote description")
	}
}

func TestInitiateRejectsInvalidTarget(t *testing.T) {
	bus := signaling.NewMemBus()
	a := newPeer(t, bus, "alice", time.Minute)

	if _, err := a.mgr.Initiate(context.Background(), ""); !errors.Is(err, call.ErrInvalidTarget) {
		t.Fatalf("empty target: %v, want ErrInvalidTarget", err)
	}
	if _, err := a.mgr.Initiate(context.Background(), a.id); !errors.Is(err, call.ErrInvalidTarget) {
		t.Fatalf("self target: %v, want ErrInvalidTarget", err)
	}
}

func TestSecondInitiateIsBusy(t *testing.T) {
	bus := signaling.NewMemBus()
	a := newPeer(t, bus, "alice", time.Minute)
	b := newPeer(t, bus, "bob", time.Minute)
	c := newPeer(t, bus, "carol", time.Minute)

	connect(t, a, b)

	if _, err := a.mgr.Initiate(context.Background(), c.id); !errors.Is(err, call.ErrSessionBusy) {
		t.Fatalf("second initiate: %v, want ErrSessionBusy", err)
	}
	if snap := a.mgr.Status(); snap.State != call.StateConnected || snap.PeerID != b.id {
		t.Fatal("busy rejection must not disturb the live session")
	}
}

func TestIncomingWhileBusyIsDeclined(t *testing.T) {
	bus := signaling.NewMemBus()
	a := newPeer(t, bus, "alice", time.Minute)
	b := newPeer(t, bus, "bob", time.Minute)
	c := newPeer(t, bus, "carol", time.Minute)

	firstID := connect(t, a, b)

	// Carol calls busy Bob: her offer is rejected without touching his call.
	secondID, err := c.mgr.Initiate(context.Background(), b.id)
	if err != nil {
		t.Fatal(err)
	}

	if snap := c.mgr.Status(); snap.State != call.StateEnded {
		t.Fatalf("carol state = %s, want ended", snap.State)
	}
	if rec := c.record(t, secondID); rec.Status != storage.StatusDeclined {
		t.Fatalf("carol record = %s, want declined", rec.Status)
	}
	if rec := b.record(t, secondID); rec.Status != storage.StatusDeclined {
		t.Fatalf("bob's record of carol's call = %s, want declined", rec.Status)
	}

	if snap := b.mgr.Status(); snap.State != call.StateConnected || snap.CallID != firstID {
		t.Fatal("bob's live call must be untouched by the busy reject")
	}
}

func TestAcceptWithoutRingingCall(t *testing.T) {
	bus := signaling.NewMemBus()
	a := newPeer(t, bus, "alice", time.Minute)

	if err := a.mgr.Accept(context.Background(), "no-such-call"); !errors.Is(err, call.ErrNotFound) {
		t.Fatalf("accept of unknown call: %v, want ErrNotFound", err)
	}
	if err := a.mgr.Decline(context.Background(), "no-such-call"); !errors.Is(err, call.ErrNotFound) {
		t.Fatalf("decline of unknown call: %v, want ErrNotFound", err)
	}
	if err := a.mgr.Accept(context.Background(), ""); !errors.Is(err, call.ErrInvalidState) {
		t.Fatalf("accept with empty ID: %v, want ErrInvalidState", err)
	}
}

func TestAcceptRequiresMatchingCallID(t *testing.T) {
	bus := signaling.NewMemBus()
	a := newPeer(t, bus, "alice", time.Minute)
	b := newPeer(t, bus, "bob", time.Minute)

	first, err := a.mgr.Initiate(context.Background(), b.id)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.mgr.Decline(context.Background(), first); err != nil {
		t.Fatal(err)
	}

	second, err := a.mgr.Initiate(context.Background(), b.id)
	if err != nil {
		t.Fatal(err)
	}

	// An accept aimed at the expired call must not pick up the new one.
	if err := b.mgr.Accept(context.Background(), first); !errors.Is(err, call.ErrInvalidState) {
		t.Fatalf("accept of declined call: %v, want ErrInvalidState", err)
	}
	if snap := b.mgr.Status(); snap.State != call.StateRinging || snap.CallID != second {
		t.Fatalf("callee snapshot = %+v, want still ringing on %s", snap, second)
	}

	if err := b.mgr.Accept(context.Background(), second); err != nil {
		t.Fatal(err)
	}
	if snap := b.mgr.Status(); snap.State != call.StateConnected {
		t.Fatalf("callee state = %s, want connected", snap.State)
	}
}

func TestConcurrentAcceptIsBusy(t *testing.T) {
	bus := signaling.NewMemBus()
	a := newPeer(t, bus, "alice", time.Minute)
	b := newPeer(t, bus, "bob", time.Minute)

	callID, err := a.mgr.Initiate(context.Background(), b.id)
	if err != nil {
		t.Fatal(err)
	}

	// Park the first accept inside media acquisition, then race a second one
	// against it.
	gate := make(chan struct{})
	b.media.mu.Lock()
	b.media.gate = gate
	b.media.mu.Unlock()

	first := make(chan error, 1)
	go func() { first <- b.mgr.Accept(context.Background(), callID) }()
	waitFor(t, 2*time.Second, "first accept to reach media acquisition", func() bool {
		return b.media.acquireCount() == 1
	})

	if err := b.mgr.Accept(context.Background(), callID); !errors.Is(err, call.ErrSessionBusy) {
		t.Fatalf("overlapping accept: %v, want ErrSessionBusy", err)
	}

	close(gate)
	if err := <-first; err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if snap := b.mgr.Status(); snap.State != call.StateConnected {
		t.Fatalf("callee state = %s, want connected", snap.State)
	}
	if n := b.media.streamCount(); n != 1 {
		t.Fatalf("%d streams acquired, want 1", n)
	}

	if err := b.mgr.End(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i, s := range b.media.streams {
		if !s.isReleased() {
			t.Fatalf("stream %d not released after hangup", i)
		}
	}
}

func TestDecline(t *testing.T) {
	bus := signaling.NewMemBus()
	a := newPeer(t, bus, "alice", time.Minute)
	b := newPeer(t, bus, "bob", time.Minute)

	callID, err := a.mgr.Initiate(context.Background(), b.id)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.mgr.Decline(context.Background(), callID); err != nil {
		t.Fatal(err)
	}

	if rec := b.record(t, callID); rec.Status != storage.StatusDeclined {
		t.Fatalf("callee record = %s, want declined", rec.Status)
	}
	if rec := a.record(t, callID); rec.Status != storage.StatusDeclined {
		t.Fatalf("caller record = %s, want declined", rec.Status)
	}
	if snap := a.mgr.Status(); snap.State != call.StateEnded {
		t.Fatalf("caller state = %s, want ended", snap.State)
	}

	topic := proto.CallTopic(callID)
	if a.sig.Subscribed(topic) || b.sig.Subscribed(topic) {
		t.Fatal("per-call subscriptions must be gone after decline")
	}
}

func TestEndIsIdempotent(t *testing.T) {
	bus := signaling.NewMemBus()
	a := newPeer(t, bus, "alice", time.Minute)
	b := newPeer(t, bus, "bob", time.Minute)

	callID := connect(t, a, b)

	if err := a.mgr.End(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := a.mgr.End(context.Background()); err != nil {
		t.Fatalf("second end must be a no-op: %v", err)
	}

	if rec := a.record(t, callID); rec.Status != storage.StatusEnded || rec.EndedAt == nil {
		t.Fatalf("caller record = %+v, want ended with timestamp", rec)
	}
	if rec := b.record(t, callID); rec.Status != storage.StatusEnded {
		t.Fatalf("callee record = %s, want ended", rec.Status)
	}
	if snap := b.mgr.Status(); snap.State != call.StateEnded {
		t.Fatalf("callee state = %s, want ended", snap.State)
	}

	if !a.lastPC(t).closed || !b.lastPC(t).closed {
		t.Fatal("peer connections should be closed")
	}
	if !a.media.streams[0].isReleased() || !b.media.streams[0].isReleased() {
		t.Fatal("media streams should be released")
	}
}

func TestCallerCancelMarksCalleeMissed(t *testing.T) {
	bus := signaling.NewMemBus()
	a := newPeer(t, bus, "alice", time.Minute)
	b := newPeer(t, bus, "bob", time.Minute)

	callID, err := a.mgr.Initiate(context.Background(), b.id)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.mgr.End(context.Background()); err != nil {
		t.Fatal(err)
	}

	if rec := a.record(t, callID); rec.Status != storage.StatusEnded {
		t.Fatalf("caller record = %s, want ended", rec.Status)
	}
	if rec := b.record(t, callID); rec.Status != storage.StatusMissed {
		t.Fatalf("callee record = %s, want missed", rec.Status)
	}
}

func TestEarlyICEIsBufferedInOrder(t *testing.T) {
	bus := signaling.NewMemBus()
	a := newPeer(t, bus, "alice", time.Minute)
	b := newPeer(t, bus, "bob", time.Minute)

	callID, err := a.mgr.Initiate(context.Background(), b.id)
	if err != nil {
		t.Fatal(err)
	}

	// Caller trickles candidates before the callee has accepted. They must
	// queue and flush in arrival order once the remote description lands.
	cands := []proto.ICECandidateInit{
		{Candidate: "candidate:1 udp host"},
		{Candidate: "candidate:2 udp srflx"},
		{Candidate: "candidate:3 udp relay"},
	}
	for _, c := range cands {
		a.lastPC(t).fireCandidate(c)
	}

	if err := b.mgr.Accept(context.Background(), callID); err != nil {
		t.Fatal(err)
	}

	got := b.lastPC(t).candidates()
	if len(got) != len(cands) {
		t.Fatalf("callee applied %d candidates, want %d", len(got), len(cands))
	}
	for i, c := range cands {
		if got[i].Candidate != c.Candidate {
			t.Fatalf("candidate %d = %q, want %q", i, got[i].Candidate, c.Candidate)
		}
	}

	// And they were journaled on the record as they arrived.
	if rec := b.record(t, callID); len(rec.ICECandidates) != len(cands) {
		t.Fatalf("record holds %d candidates, want %d", len(rec.ICECandidates), len(cands))
	}
}

func TestLateICEGoesStraightToConnection(t *testing.T) {
	bus := signaling.NewMemBus()
	a := newPeer(t, bus, "alice", time.Minute)
	b := newPeer(t, bus, "bob", time.Minute)

	connect(t, a, b)

	c := proto.ICECandidateInit{Candidate: "candidate:9 udp late"}
	b.lastPC(t).fireCandidate(c)

	got := a.lastPC(t).candidates()
	if len(got) != 1 || got[0].Candidate != c.Candidate {
		t.Fatalf("caller applied %v, want the late candidate", got)
	}
}

func TestMismatchedCallIDIsDiscarded(t *testing.T) {
	bus := signaling.NewMemBus()
	a := newPeer(t, bus, "alice", time.Minute)
	b := newPeer(t, bus, "bob", time.Minute)

	callID := connect(t, a, b)

	// A stray end notice for some other call arrives on the live topic.
	err := b.sig.Publish(context.Background(), proto.CallTopic(callID), &proto.SignalingMessage{
		Type:   proto.MsgCallEnded,
		CallID: "some-other-call",
	})
	if err != nil {
		t.Fatal(err)
	}

	if snap := a.mgr.Status(); snap.State != call.StateConnected || snap.CallID != callID {
		t.Fatal("a mismatched call ID must never affect the live session")
	}
}

func TestDuplicateOfferIsIgnored(t *testing.T) {
	bus := signaling.NewMemBus()
	a := newPeer(t, bus, "alice", time.Minute)
	b := newPeer(t, bus, "bob", time.Minute)

	callID, err := a.mgr.Initiate(context.Background(), b.id)
	if err != nil {
		t.Fatal(err)
	}
	offer := a.record(t, callID).Offer

	// The mesh redelivers the offer. The callee must not re-ring or reset.
	err = a.sig.Publish(context.Background(), proto.InboxTopic(b.id), &proto.SignalingMessage{
		Type:         proto.MsgOffer,
		CallID:       callID,
		TargetUserID: b.id,
		CallerID:     a.id,
		Offer:        offer,
	})
	if err != nil {
		t.Fatal(err)
	}

	if snap := b.mgr.Status(); snap.State != call.StateRinging || snap.CallID != callID {
		t.Fatal("duplicate offer must leave the ringing session untouched")
	}
	if rec := b.record(t, callID); rec.Status != storage.StatusRinging {
		t.Fatalf("callee record = %s, want ringing", rec.Status)
	}
}

func TestMediaFailureRollsBackInitiate(t *testing.T) {
	bus := signaling.NewMemBus()
	a := newPeer(t, bus, "alice", time.Minute)
	b := newPeer(t, bus, "bob", time.Minute)

	a.media.failAcquire = true
	if _, err := a.mgr.Initiate(context.Background(), b.id); !errors.Is(err, call.ErrPermissionDenied) {
		t.Fatalf("initiate with failing capture: %v, want ErrPermissionDenied", err)
	}

	recs, err := a.mgr.History(1)
	if err != nil || len(recs) != 1 {
		t.Fatalf("want one record, got %d (%v)", len(recs), err)
	}
	if recs[0].Status != storage.StatusEnded {
		t.Fatalf("rolled-back record = %s, want ended", recs[0].Status)
	}
	if a.sig.Subscribed(proto.CallTopic(recs[0].ID)) {
		t.Fatal("rollback must remove the per-call subscription")
	}
	if snap := a.mgr.Status(); snap.State != call.StateEnded {
		t.Fatalf("caller state = %s, want ended", snap.State)
	}

	// The offer never went out, so the callee saw nothing.
	if snap := b.mgr.Status(); snap.State != call.StateIdle {
		t.Fatalf("callee state = %s, want idle", snap.State)
	}

	// The slot is free again.
	a.media.failAcquire = false
	if _, err := a.mgr.Initiate(context.Background(), b.id); err != nil {
		t.Fatalf("initiate after rollback: %v", err)
	}
}

func TestOfferPublishFailureRollsBack(t *testing.T) {
	bus := signaling.NewMemBus()
	a := newPeer(t, bus, "alice", time.Minute)
	b := newPeer(t, bus, "bob", time.Minute)

	a.sig.FailNextPublish()
	if _, err := a.mgr.Initiate(context.Background(), b.id); err == nil {
		t.Fatal("initiate should surface the publish failure")
	}

	recs, _ := a.mgr.History(1)
	if len(recs) != 1 || recs[0].Status != storage.StatusEnded {
		t.Fatal("record should be marked ended after publish rollback")
	}
	if !a.media.streams[0].isReleased() {
		t.Fatal("captured media must be released on rollback")
	}
	if !a.lastPC(t).closed {
		t.Fatal("peer connection must be closed on rollback")
	}
}

func TestAnswerPublishFailureRollsBack(t *testing.T) {
	bus := signaling.NewMemBus()
	a := newPeer(t, bus, "alice", time.Minute)
	b := newPeer(t, bus, "bob", time.Minute)

	callID, err := a.mgr.Initiate(context.Background(), b.id)
	if err != nil {
		t.Fatal(err)
	}

	b.sig.FailNextPublish()
	if err := b.mgr.Accept(context.Background(), callID); err == nil {
		t.Fatal("accept should surface the publish failure")
	}

	if snap := b.mgr.Status(); snap.State != call.StateEnded {
		t.Fatalf("callee state = %s, want ended", snap.State)
	}
	if rec := b.record(t, callID); rec.Status != storage.StatusEnded {
		t.Fatalf("callee record = %s, want ended", rec.Status)
	}
	// The rollback notice reaches the caller, who was still ringing.
	if snap := a.mgr.Status(); snap.State != call.StateEnded {
		t.Fatalf("caller state = %s, want ended", snap.State)
	}
}

func TestRingTimeoutMarksMissed(t *testing.T) {
	bus := signaling.NewMemBus()
	a := newPeer(t, bus, "alice", 60*time.Millisecond)
	b := newPeer(t, bus, "bob", 60*time.Millisecond)

	callID, err := a.mgr.Initiate(context.Background(), b.id)
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, "both sides to time out", func() bool {
		return a.mgr.Status().State == call.StateEnded && b.mgr.Status().State == call.StateEnded
	})

	waitFor(t, 2*time.Second, "records to be marked missed", func() bool {
		return a.record(t, callID).Status == storage.StatusMissed &&
			b.record(t, callID).Status == storage.StatusMissed
	})

	topic := proto.CallTopic(callID)
	if a.sig.Subscribed(topic) || b.sig.Subscribed(topic) {
		t.Fatal("no per-call subscription may survive a ring timeout")
	}
}

func TestAcceptCancelsRingTimer(t *testing.T) {
	bus := signaling.NewMemBus()
	a := newPeer(t, bus, "alice", 80*time.Millisecond)
	b := newPeer(t, bus, "bob", 80*time.Millisecond)

	callID := connect(t, a, b)

	time.Sleep(200 * time.Millisecond)
	if snap := a.mgr.Status(); snap.State != call.StateConnected {
		t.Fatalf("caller state = %s, want connected (timer should be dead)", snap.State)
	}
	if rec := a.record(t, callID); rec.Status != storage.StatusActive {
		t.Fatalf("record = %s, want active", rec.Status)
	}
}

func TestConnectionFailureEndsCall(t *testing.T) {
	bus := signaling.NewMemBus()
	a := newPeer(t, bus, "alice", time.Minute)
	b := newPeer(t, bus, "bob", time.Minute)

	callID := connect(t, a, b)

	a.lastPC(t).fireState("failed")

	if snap := a.mgr.Status(); snap.State != call.StateEnded {
		t.Fatalf("caller state = %s, want ended", snap.State)
	}
	if rec := a.record(t, callID); rec.Status != storage.StatusEnded {
		t.Fatalf("caller record = %s, want ended", rec.Status)
	}
	if snap := b.mgr.Status(); snap.State != call.StateEnded {
		t.Fatalf("callee state = %s, want ended (notified)", snap.State)
	}
}

func TestDisconnectedIsTransient(t *testing.T) {
	bus := signaling.NewMemBus()
	a := newPeer(t, bus, "alice", time.Minute)
	b := newPeer(t, bus, "bob", time.Minute)

	connect(t, a, b)

	a.lastPC(t).fireState("disconnected")

	if snap := a.mgr.Status(); snap.State != call.StateConnected {
		t.Fatalf("caller state = %s, want connected (disconnected is transient)", snap.State)
	}
}

func TestToggleMuteAndSpeaker(t *testing.T) {
	bus := signaling.NewMemBus()
	a := newPeer(t, bus, "alice", time.Minute)
	b := newPeer(t, bus, "bob", time.Minute)

	if muted, err := a.mgr.ToggleMute(); err != nil || muted {
		t.Fatalf("mute with no call = (%v, %v), want no-op returning false", muted, err)
	}
	if on, err := a.mgr.ToggleSpeaker(); err != nil || on {
		t.Fatalf("speaker with no call = (%v, %v), want no-op returning false", on, err)
	}

	connect(t, a, b)

	muted, err := a.mgr.ToggleMute()
	if err != nil || !muted {
		t.Fatalf("first toggle = %v muted=%v, want muted", err, muted)
	}
	if a.media.streams[0].audio {
		t.Fatal("muting should disable the audio track")
	}
	muted, _ = a.mgr.ToggleMute()
	if muted || !a.media.streams[0].audio {
		t.Fatal("second toggle should unmute and re-enable audio")
	}

	on, err := a.mgr.ToggleSpeaker()
	if err != nil || !on {
		t.Fatalf("speaker toggle = %v on=%v, want on", err, on)
	}
	if snap := a.mgr.Status(); !snap.SpeakerOn {
		t.Fatal("snapshot should report the speaker flag")
	}
}

func TestCallerCanPreMuteWhileRinging(t *testing.T) {
	bus := signaling.NewMemBus()
	a := newPeer(t, bus, "alice", time.Minute)
	b := newPeer(t, bus, "bob", time.Minute)

	callID, err := a.mgr.Initiate(context.Background(), b.id)
	if err != nil {
		t.Fatal(err)
	}

	// The caller already holds a stream while the callee is still ringing.
	muted, err := a.mgr.ToggleMute()
	if err != nil || !muted {
		t.Fatalf("pre-mute = (%v, %v), want muted", muted, err)
	}
	if a.media.streams[0].audio {
		t.Fatal("pre-muting should disable the audio track")
	}

	if err := b.mgr.Accept(context.Background(), callID); err != nil {
		t.Fatal(err)
	}
	if snap := a.mgr.Status(); !snap.Muted {
		t.Fatal("mute must survive the transition to connected")
	}
}

func TestStatusSnapshot(t *testing.T) {
	bus := signaling.NewMemBus()
	a := newPeer(t, bus, "alice", time.Minute)
	b := newPeer(t, bus, "bob", time.Minute)

	if snap := a.mgr.Status(); snap.State != call.StateIdle {
		t.Fatalf("fresh manager state = %s, want idle", snap.State)
	}

	callID := connect(t, a, b)
	snap := a.mgr.Status()
	if snap.CallID != callID || snap.PeerID != b.id || snap.Role != call.RoleCaller {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.ConnState == "" {
		t.Fatal("snapshot should carry the connection state")
	}
}

func TestHistoryAndRecord(t *testing.T) {
	bus := signaling.NewMemBus()
	a := newPeer(t, bus, "alice", time.Minute)
	b := newPeer(t, bus, "bob", time.Minute)

	callID := connect(t, a, b)
	a.mgr.End(context.Background())

	recs, err := a.mgr.History(5)
	if err != nil || len(recs) != 1 {
		t.Fatalf("history: %v, %d records", err, len(recs))
	}

	rec, err := a.mgr.Record(callID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != storage.StatusEnded {
		t.Fatalf("record = %s, want ended", rec.Status)
	}
	if _, err := a.mgr.Record("nope"); !errors.Is(err, call.ErrNotFound) {
		t.Fatalf("unknown record: %v, want ErrNotFound", err)
	}
}

func TestSequentialCallsReuseTheSlot(t *testing.T) {
	bus := signaling.NewMemBus()
	a := newPeer(t, bus, "alice", time.Minute)
	b := newPeer(t, bus, "bob", time.Minute)

	first := connect(t, a, b)
	a.mgr.End(context.Background())

	second := connect(t, b, a)
	if second == first {
		t.Fatal("each call must get a fresh ID")
	}
	if snap := a.mgr.Status(); snap.State != call.StateConnected || snap.Role != call.RoleCallee {
		t.Fatalf("alice snapshot = %+v, want connected callee", snap)
	}

	recs, _ := a.mgr.History(10)
	if len(recs) != 2 {
		t.Fatalf("history has %d records, want 2", len(recs))
	}
}

func TestManagerCloseEndsLiveCall(t *testing.T) {
	bus := signaling.NewMemBus()
	a := newPeer(t, bus, "alice", time.Minute)
	b := newPeer(t, bus, "bob", time.Minute)

	callID := connect(t, a, b)

	if err := a.mgr.Close(); err != nil {
		t.Fatal(err)
	}
	if rec := a.record(t, callID); rec.Status != storage.StatusEnded {
		t.Fatalf("record = %s, want ended after close", rec.Status)
	}
	if snap := b.mgr.Status(); snap.State != call.StateEnded {
		t.Fatal("peer should be notified on close")
	}

	if _, err := a.mgr.Initiate(context.Background(), b.id); !errors.Is(err, call.ErrClosed) {
		t.Fatalf("initiate after close: %v, want ErrClosed", err)
	}
}
