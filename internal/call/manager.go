// Package call orchestrates 1:1 call sessions: WebRTC offer/answer and
// trickle ICE over pub/sub signaling, a durable call record per call, and a
// single in-memory session at a time.
package call

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/dialp2p/internal/proto"
	"github.com/petervdpas/dialp2p/internal/signaling"
	"github.com/petervdpas/dialp2p/internal/storage"
	"github.com/petervdpas/dialp2p/internal/util"
)

// Signaler is the pub/sub transport the manager signals over.
type Signaler interface {
	Subscribe(topic string, h signaling.Handler) error
	Publish(ctx context.Context, topic string, msg *proto.SignalingMessage) error
	Unsubscribe(topic string)
}

// RecordStore persists call records and notifies on new ones.
type RecordStore interface {
	CreateCall(id, callerID, calleeID string) (storage.CallRecord, error)
	PutIncoming(rec storage.CallRecord) error
	GetCall(id string) (storage.CallRecord, bool)
	SetOffer(id string, offer proto.SessionDescription) error
	SetAnswer(id string, answer proto.SessionDescription) error
	AppendICECandidate(id string, cand proto.ICECandidateInit) error
	SetStatus(id, status string) error
	ListRecent(n int) ([]storage.CallRecord, error)
	Subscribe(fn func(storage.CallRecord)) func()
}

// PeerConnection is the slice of the WebRTC adapter the manager drives.
type PeerConnection interface {
	CreateOffer() (proto.SessionDescription, error)
	CreateAnswer() (proto.SessionDescription, error)
	SetRemoteDescription(sd proto.SessionDescription) error
	AddICECandidate(c proto.ICECandidateInit) error
	OnICECandidate(fn func(proto.ICECandidateInit))
	OnConnectionStateChange(fn func(state string))
	ConnectionState() string
	Close() error
}

// ConnFactory builds a fresh peer connection for one call.
type ConnFactory func(callID string) (PeerConnection, error)

// MediaStream is a live local capture attached to a session.
type MediaStream interface {
	SetAudioEnabled(on bool) bool
	SetVideoEnabled(on bool) bool
	Label() string
	Release()
}

// Media acquires local capture and binds it to a peer connection.
type Media interface {
	Acquire(ctx context.Context, video, audio bool) (MediaStream, error)
	Bind(s MediaStream, pc PeerConnection) error
}

// Presence publishes the local availability status. May be nil.
type Presence interface {
	SetStatus(ctx context.Context, status string) error
}

// Options configures a Manager.
type Options struct {
	SelfID      string
	RingTimeout time.Duration
	Video       bool
}

// Manager owns the single call session. All public methods are safe for
// concurrent use; every state transition happens under one mutex.
type Manager struct {
	opts     Options
	sig      Signaler
	store    RecordStore
	media    Media
	newConn  ConnFactory
	presence Presence

	mu         sync.Mutex
	sess       *session
	epoch      uint64
	closed     bool
	unsubStore func()
}

// NewManager wires a manager to its transport, store and media pipeline and
// subscribes the user's inbox topic so inbound offers are received from the
// moment of construction.
func NewManager(opts Options, sig Signaler, store RecordStore, media Media, newConn ConnFactory, pres Presence) (*Manager, error) {
	if opts.SelfID == "" {
		return nil, fmt.Errorf("call: self ID is required")
	}
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = 45 * time.Second
	}

	m := &Manager{
		opts:     opts,
		sig:      sig,
		store:    store,
		media:    media,
		newConn:  newConn,
		presence: pres,
	}

	if err := sig.Subscribe(proto.InboxTopic(opts.SelfID), m.onInbox); err != nil {
		return nil, fmt.Errorf("call: subscribe inbox: %w", err)
	}
	m.unsubStore = store.Subscribe(m.onRecord)
	return m, nil
}

// ── Outgoing calls ───────────────────────────────────────────────────────────

// Initiate starts a call to calleeID and returns the new call ID once the
// offer has been published to the callee's inbox. Any failure after the
// record is created rolls the whole attempt back: resources are released,
// the per-call subscription removed and the record marked ended.
func (m *Manager) Initiate(ctx context.Context, calleeID string) (string, error) {
	if calleeID == "" || calleeID == m.opts.SelfID {
		return "", fmt.Errorf("%w: %q", ErrInvalidTarget, calleeID)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	if m.sess.active() {
		busyWith := m.sess.callID
		m.mu.Unlock()
		return "", fmt.Errorf("%w: call %s in progress", ErrSessionBusy, busyWith)
	}
	m.epoch++
	epoch := m.epoch
	callID := uuid.NewString()
	m.sess = &session{
		epoch:  epoch,
		callID: callID,
		role:   RoleCaller,
		state:  StateCalling,
		peerID: calleeID,
	}
	m.mu.Unlock()

	fail := func(stage string, err error) (string, error) {
		m.teardown(epoch, storage.StatusEnded, stage, false)
		return "", fmt.Errorf("call %s: %s: %w", callID, stage, err)
	}

	if _, err := m.store.CreateCall(callID, m.opts.SelfID, calleeID); err != nil {
		return fail("create record", err)
	}
	if err := m.sig.Subscribe(proto.CallTopic(callID), m.onCallTopic); err != nil {
		return fail("subscribe call topic", err)
	}

	stream, err := m.media.Acquire(ctx, m.opts.Video, true)
	if err != nil {
		m.teardown(epoch, storage.StatusEnded, "acquire media", false)
		return "", fmt.Errorf("call %s: %w: %v", callID, ErrPermissionDenied, err)
	}
	pc, err := m.newConn(callID)
	if err != nil {
		stream.Release()
		return fail("create peer connection", err)
	}
	if !m.attach(epoch, stream, pc) {
		stream.Release()
		pc.Close()
		return "", fmt.Errorf("call %s: %w: session replaced during setup", callID, ErrInvalidState)
	}
	pc.OnICECandidate(func(c proto.ICECandidateInit) { m.onLocalCandidate(epoch, callID, c) })
	pc.OnConnectionStateChange(func(state string) { m.onConnState(epoch, callID, state) })

	if err := m.media.Bind(stream, pc); err != nil {
		return fail("bind media", err)
	}
	offer, err := pc.CreateOffer()
	if err != nil {
		return fail("create offer", err)
	}
	if err := m.store.SetOffer(callID, offer); err != nil {
		return fail("persist offer", err)
	}
	if err := m.store.SetStatus(callID, storage.StatusRinging); err != nil {
		return fail("mark ringing", err)
	}

	m.mu.Lock()
	if s := m.sess; s.active() && s.epoch == epoch {
		s.state = StateRinging
		m.startRingTimer(s)
	}
	m.mu.Unlock()
	m.setPresence(proto.PresenceRinging)

	msg := &proto.SignalingMessage{
		Type:         proto.MsgOffer,
		CallID:       callID,
		TargetUserID: calleeID,
		CallerID:     m.opts.SelfID,
		Offer:        &offer,
	}
	if err := m.sig.Publish(ctx, proto.InboxTopic(calleeID), msg); err != nil {
		return fail("publish offer", err)
	}

	log.Printf("CALL: %s → %s ringing (call %s)", m.opts.SelfID, calleeID, callID)
	return callID, nil
}

// attach stores the acquired media and peer connection on the session, unless
// the session was ended or replaced while they were being set up.
func (m *Manager) attach(epoch uint64, stream MediaStream, pc PeerConnection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sess
	if !s.active() || s.epoch != epoch {
		return false
	}
	s.stream = stream
	s.pc = pc
	return true
}

// ── Incoming calls ───────────────────────────────────────────────────────────

// onInbox handles messages on the user's own inbox topic. Only offers
// addressed to this user are accepted; everything else is dropped.
func (m *Manager) onInbox(msg *proto.SignalingMessage) {
	if msg.Type != proto.MsgOffer || msg.TargetUserID != m.opts.SelfID {
		return
	}
	if msg.CallID == "" || msg.CallerID == "" || msg.Offer == nil {
		log.Printf("CALL: malformed offer from %s dropped", msg.From)
		return
	}

	err := m.store.PutIncoming(storage.CallRecord{
		ID:       msg.CallID,
		CallerID: msg.CallerID,
		CalleeID: m.opts.SelfID,
		Offer:    msg.Offer,
		Status:   storage.StatusPending,
	})
	if err != nil {
		log.Printf("CALL: persist incoming offer %s: %v", msg.CallID, err)
	}
	// A fresh insert triggers the store subscription, which rings the call.
	// A duplicate insert triggers nothing, which is exactly the dedupe we want.
}

// onRecord reacts to new records appearing in the store. A pending record
// where the local user is the callee is a fresh incoming call.
func (m *Manager) onRecord(rec storage.CallRecord) {
	if rec.Status != storage.StatusPending || rec.CalleeID != m.opts.SelfID || rec.Offer == nil {
		return
	}
	m.handleIncoming(rec)
}

// handleIncoming rings an inbound call, or rejects it when a session is
// already in progress.
func (m *Manager) handleIncoming(rec storage.CallRecord) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.sess.active() {
		busyWith := m.sess.callID
		m.mu.Unlock()
		log.Printf("CALL: busy with %s, rejecting incoming %s", busyWith, rec.ID)
		m.rejectBusy(rec.ID)
		return
	}

	m.epoch++
	s := &session{
		epoch:       m.epoch,
		callID:      rec.ID,
		role:        RoleCallee,
		state:       StateRinging,
		peerID:      rec.CallerID,
		remoteOffer: rec.Offer,
	}
	m.sess = s
	epoch := s.epoch

	if err := m.sig.Subscribe(proto.CallTopic(rec.ID), m.onCallTopic); err != nil {
		m.mu.Unlock()
		log.Printf("CALL: subscribe %s: %v", proto.CallTopic(rec.ID), err)
		m.teardown(epoch, storage.StatusEnded, "subscribe call topic", false)
		return
	}
	if err := m.store.SetStatus(rec.ID, storage.StatusRinging); err != nil {
		log.Printf("CALL: mark %s ringing: %v", rec.ID, err)
	}
	m.startRingTimer(s)
	m.mu.Unlock()

	m.setPresence(proto.PresenceRinging)
	log.Printf("CALL: incoming %s from %s, ringing", rec.ID, rec.CallerID)
}

// rejectBusy declines a call that arrived while another session is live,
// without touching the live session.
func (m *Manager) rejectBusy(callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultPublishTimeout)
	defer cancel()
	err := m.sig.Publish(ctx, proto.CallTopic(callID), &proto.SignalingMessage{
		Type:   proto.MsgCallEnded,
		CallID: callID,
	})
	if err != nil {
		log.Printf("CALL: busy-reject %s: %v", callID, err)
	}
	if err := m.store.SetStatus(callID, storage.StatusDeclined); err != nil {
		log.Printf("CALL: busy-reject %s: %v", callID, err)
	}
}

// Accept answers the ringing incoming call identified by callID: local media
// is acquired, the remote offer applied, buffered ICE flushed in arrival
// order and the answer published on the per-call topic. A callID that does
// not name the ringing session fails without touching it, so a stale accept
// for an expired call can never pick up a newer one.
func (m *Manager) Accept(ctx context.Context, callID string) error {
	m.mu.Lock()
	s := m.sess
	if !s.active() || s.role != RoleCallee || s.state != StateRinging || s.remoteOffer == nil || s.callID != callID {
		m.mu.Unlock()
		return m.noRingingCall(callID)
	}
	if s.accepting {
		m.mu.Unlock()
		return fmt.Errorf("%w: call %s is already being accepted", ErrSessionBusy, callID)
	}
	s.accepting = true
	s.stopRingTimer()
	epoch, offer := s.epoch, *s.remoteOffer
	m.mu.Unlock()

	fail := func(stage string, err error) error {
		m.teardown(epoch, storage.StatusEnded, stage, true)
		return fmt.Errorf("call %s: %s: %w", callID, stage, err)
	}

	stream, err := m.media.Acquire(ctx, m.opts.Video, true)
	if err != nil {
		m.teardown(epoch, storage.StatusEnded, "acquire media", true)
		return fmt.Errorf("call %s: %w: %v", callID, ErrPermissionDenied, err)
	}
	pc, err := m.newConn(callID)
	if err != nil {
		stream.Release()
		return fail("create peer connection", err)
	}
	if !m.attach(epoch, stream, pc) {
		stream.Release()
		pc.Close()
		return fmt.Errorf("call %s: %w: session ended during setup", callID, ErrInvalidState)
	}
	pc.OnICECandidate(func(c proto.ICECandidateInit) { m.onLocalCandidate(epoch, callID, c) })
	pc.OnConnectionStateChange(func(state string) { m.onConnState(epoch, callID, state) })

	if err := m.media.Bind(stream, pc); err != nil {
		return fail("bind media", err)
	}

	m.mu.Lock()
	s = m.sess
	if !s.active() || s.epoch != epoch {
		m.mu.Unlock()
		return fmt.Errorf("call %s: %w: session ended during setup", callID, ErrInvalidState)
	}
	if err := m.applyRemote(s, offer); err != nil {
		m.mu.Unlock()
		return fail("apply offer", err)
	}
	m.mu.Unlock()

	answer, err := pc.CreateAnswer()
	if err != nil {
		return fail("create answer", err)
	}
	if err := m.store.SetAnswer(callID, answer); err != nil {
		return fail("persist answer", err)
	}
	if err := m.store.SetStatus(callID, storage.StatusActive); err != nil {
		return fail("mark active", err)
	}
	err = m.sig.Publish(ctx, proto.CallTopic(callID), &proto.SignalingMessage{
		Type:   proto.MsgAnswer,
		CallID: callID,
		Answer: &answer,
	})
	if err != nil {
		return fail("publish answer", err)
	}

	m.mu.Lock()
	if s := m.sess; s.active() && s.epoch == epoch {
		s.state = StateConnected
	}
	m.mu.Unlock()
	m.setPresence(proto.PresenceInCall)

	log.Printf("CALL: %s accepted, connected to %s", callID, s.peerID)
	return nil
}

// Decline rejects the ringing incoming call identified by callID. The caller
// is notified and the record is marked declined.
func (m *Manager) Decline(ctx context.Context, callID string) error {
	m.mu.Lock()
	s := m.sess
	if !s.active() || s.role != RoleCallee || s.state != StateRinging || s.callID != callID {
		m.mu.Unlock()
		return m.noRingingCall(callID)
	}
	epoch := s.epoch
	m.mu.Unlock()

	m.teardown(epoch, storage.StatusDeclined, "declined", true)
	return nil
}

// noRingingCall classifies an accept or decline that did not match the
// ringing session: an ID the store has never seen is NotFound, an ID for a
// known call (expired, ended, or not the one ringing) is an invalid state.
func (m *Manager) noRingingCall(callID string) error {
	if callID == "" {
		return fmt.Errorf("%w: call ID required", ErrInvalidState)
	}
	if _, ok := m.store.GetCall(callID); !ok {
		return fmt.Errorf("%w: call %s", ErrNotFound, callID)
	}
	return fmt.Errorf("%w: call %s is not ringing", ErrInvalidState, callID)
}

// ── Signaling dispatch ───────────────────────────────────────────────────────

// onCallTopic handles messages on the active call's topic. A message whose
// call ID does not match the live session is discarded unconditionally.
func (m *Manager) onCallTopic(msg *proto.SignalingMessage) {
	m.mu.Lock()
	s := m.sess
	if !s.active() || s.callID != msg.CallID {
		m.mu.Unlock()
		log.Printf("CALL: dropping %s for %s (no matching session)", msg.Type, msg.CallID)
		return
	}

	switch msg.Type {
	case proto.MsgAnswer:
		m.handleAnswer(s, msg)
	case proto.MsgICECandidate:
		m.handleCandidate(s, msg)
	case proto.MsgCallEnded:
		epoch := s.epoch
		status := remoteEndStatus(s)
		m.mu.Unlock()
		m.teardown(epoch, status, "remote ended", false)
		return
	default:
		log.Printf("CALL: %s: unknown message type %q dropped", s.callID, msg.Type)
	}
	m.mu.Unlock()
}

// remoteEndStatus maps a remote call-ended notice to a record status. The
// wire message carries no reason; the local state disambiguates. A caller
// still ringing was declined; a callee still ringing saw the caller cancel,
// which counts as a missed call.
func remoteEndStatus(s *session) string {
	if s.state == StateRinging || s.state == StateCalling {
		if s.role == RoleCaller {
			return storage.StatusDeclined
		}
		return storage.StatusMissed
	}
	return storage.StatusEnded
}

// handleAnswer applies the callee's answer on the caller side. Called with
// the manager lock held.
func (m *Manager) handleAnswer(s *session, msg *proto.SignalingMessage) {
	if s.role != RoleCaller || s.state != StateRinging || msg.Answer == nil {
		log.Printf("CALL: %s: unexpected answer in state %s dropped", s.callID, s.state)
		return
	}
	s.stopRingTimer()

	if err := m.applyRemote(s, *msg.Answer); err != nil {
		epoch := s.epoch
		log.Printf("CALL: %s: apply answer: %v", s.callID, err)
		go m.teardown(epoch, storage.StatusEnded, "apply answer failed", true)
		return
	}
	if err := m.store.SetAnswer(s.callID, *msg.Answer); err != nil {
		log.Printf("CALL: %s: persist answer: %v", s.callID, err)
	}
	if err := m.store.SetStatus(s.callID, storage.StatusActive); err != nil {
		log.Printf("CALL: %s: mark active: %v", s.callID, err)
	}
	s.state = StateConnected

	go m.setPresence(proto.PresenceInCall)
	log.Printf("CALL: %s connected to %s", s.callID, s.peerID)
}

// handleCandidate adds or buffers one remote ICE candidate. Candidates that
// arrive before the remote description queue up and are flushed in arrival
// order when it is applied. Called with the manager lock held.
func (m *Manager) handleCandidate(s *session, msg *proto.SignalingMessage) {
	if msg.Candidate == nil {
		return
	}
	if err := m.store.AppendICECandidate(s.callID, *msg.Candidate); err != nil {
		log.Printf("CALL: %s: log candidate: %v", s.callID, err)
	}

	if !s.remoteSet || s.pc == nil {
		s.pendingICE = append(s.pendingICE, *msg.Candidate)
		return
	}
	if err := s.pc.AddICECandidate(*msg.Candidate); err != nil {
		log.Printf("CALL: %s: add candidate: %v", s.callID, err)
	}
}

// applyRemote sets the remote description and flushes buffered candidates in
// the order they arrived. Called with the manager lock held.
func (m *Manager) applyRemote(s *session, sd proto.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(sd); err != nil {
		return err
	}
	s.remoteSet = true
	for _, c := range s.pendingICE {
		if err := s.pc.AddICECandidate(c); err != nil {
			log.Printf("CALL: %s: flush candidate: %v", s.callID, err)
		}
	}
	s.pendingICE = nil
	return nil
}

// onLocalCandidate publishes a locally gathered candidate on the per-call
// topic. Candidate publish failures are logged, not fatal: ICE keeps
// gathering and later candidates may still connect the call.
func (m *Manager) onLocalCandidate(epoch uint64, callID string, c proto.ICECandidateInit) {
	m.mu.Lock()
	s := m.sess
	stale := !s.active() || s.epoch != epoch
	m.mu.Unlock()
	if stale {
		return
	}

	if err := m.store.AppendICECandidate(callID, c); err != nil {
		log.Printf("CALL: %s: log candidate: %v", callID, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultPublishTimeout)
	defer cancel()
	err := m.sig.Publish(ctx, proto.CallTopic(callID), &proto.SignalingMessage{
		Type:      proto.MsgICECandidate,
		CallID:    callID,
		Candidate: &c,
	})
	if err != nil {
		log.Printf("CALL: %s: publish candidate: %v", callID, err)
	}
}

// onConnState reacts to ICE/DTLS transport state changes. "failed" ends the
// call; "disconnected" is transient and only reported.
func (m *Manager) onConnState(epoch uint64, callID, state string) {
	log.Printf("CALL: %s connection state %s", callID, state)
	if state != "failed" && state != "closed" {
		return
	}

	m.mu.Lock()
	s := m.sess
	stale := !s.active() || s.epoch != epoch
	m.mu.Unlock()
	if stale {
		return
	}
	if state == "failed" {
		m.teardown(epoch, storage.StatusEnded, "connection failed", true)
	}
}

// ── Ending calls ─────────────────────────────────────────────────────────────

// End hangs up the current call. Ending an already-ended or absent session is
// a no-op; double hangups race against remote end notices and must not fail.
func (m *Manager) End(ctx context.Context) error {
	m.mu.Lock()
	s := m.sess
	if !s.active() {
		m.mu.Unlock()
		return nil
	}
	epoch := s.epoch
	status := storage.StatusEnded
	if s.role == RoleCallee && s.state == StateRinging {
		status = storage.StatusDeclined
	}
	m.mu.Unlock()

	m.teardown(epoch, status, "local hangup", true)
	return nil
}

// startRingTimer arms the ring timeout for the session. Called with the
// manager lock held.
func (m *Manager) startRingTimer(s *session) {
	epoch := s.epoch
	s.ringTimer = time.AfterFunc(m.opts.RingTimeout, func() { m.onRingTimeout(epoch) })
}

// onRingTimeout marks an unanswered call missed. The caller notifies the
// peer; the callee relies on the caller's own timer and stays quiet.
func (m *Manager) onRingTimeout(epoch uint64) {
	m.mu.Lock()
	s := m.sess
	if !s.active() || s.epoch != epoch || s.state != StateRinging {
		m.mu.Unlock()
		return
	}
	notify := s.role == RoleCaller
	m.mu.Unlock()

	log.Printf("CALL: %s ring timeout, marking missed", s.callID)
	m.teardown(epoch, storage.StatusMissed, "ring timeout", notify)
}

// teardown is the single exit path for a session: every way a call can end
// (hangup, decline, timeout, remote notice, setup failure, transport failure)
// funnels through here. It is idempotent per epoch; a teardown for a stale or
// already-ended session does nothing.
func (m *Manager) teardown(epoch uint64, status, reason string, notifyPeer bool) {
	m.mu.Lock()
	s := m.sess
	if s == nil || s.epoch != epoch || s.state == StateEnded {
		m.mu.Unlock()
		return
	}
	s.stopRingTimer()
	s.state = StateEnded
	s.endReason = reason
	callID, pc, stream := s.callID, s.pc, s.stream
	m.mu.Unlock()

	if notifyPeer {
		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultPublishTimeout)
		err := m.sig.Publish(ctx, proto.CallTopic(callID), &proto.SignalingMessage{
			Type:   proto.MsgCallEnded,
			CallID: callID,
		})
		cancel()
		if err != nil {
			// Best effort: the peer's ring timer or connection monitor will
			// converge on the same outcome without the notice.
			log.Printf("CALL: %s: publish call-ended: %v", callID, err)
		}
	}

	m.sig.Unsubscribe(proto.CallTopic(callID))
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Printf("CALL: %s: close peer connection: %v", callID, err)
		}
	}
	if stream != nil {
		stream.Release()
	}
	if err := m.store.SetStatus(callID, status); err != nil {
		log.Printf("CALL: %s: mark %s: %v", callID, status, err)
	}
	m.setPresence(proto.PresenceAvailable)

	log.Printf("CALL: %s ended (%s → %s)", callID, reason, status)
}

// ── In-call controls and introspection ───────────────────────────────────────

// ToggleMute flips the microphone and returns the new muted state. Works in
// any live state with a local stream, so a caller can pre-mute while the
// callee is still ringing. Without a stream there is nothing to mute and the
// call is a no-op returning the previous state.
func (m *Manager) ToggleMute() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sess
	if !s.active() || s.stream == nil {
		return false, nil
	}
	s.muted = !s.muted
	s.stream.SetAudioEnabled(!s.muted)
	return s.muted, nil
}

// ToggleSpeaker flips the speakerphone flag and returns the new state. Audio
// routing itself is the platform layer's job; the session only tracks intent.
// Without a local stream the call is a no-op returning the previous state.
func (m *Manager) ToggleSpeaker() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sess
	if !s.active() || s.stream == nil {
		return false, nil
	}
	s.speakerOn = !s.speakerOn
	return s.speakerOn, nil
}

// Status returns a snapshot of the current session. With no session the
// snapshot is idle.
func (m *Manager) Status() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sess
	if s == nil {
		return Snapshot{State: StateIdle}
	}
	snap := Snapshot{
		State:     s.state,
		Role:      s.role,
		CallID:    s.callID,
		PeerID:    s.peerID,
		Muted:     s.muted,
		SpeakerOn: s.speakerOn,
		EndReason: s.endReason,
	}
	if s.pc != nil {
		snap.ConnState = s.pc.ConnectionState()
	}
	return snap
}

// History returns the most recent call records, newest first.
func (m *Manager) History(n int) ([]storage.CallRecord, error) {
	return m.store.ListRecent(n)
}

// Record returns the durable record for a call ID.
func (m *Manager) Record(callID string) (storage.CallRecord, error) {
	rec, ok := m.store.GetCall(callID)
	if !ok {
		return storage.CallRecord{}, fmt.Errorf("%w: call %s", ErrNotFound, callID)
	}
	return rec, nil
}

// Reconcile compares the live session against its durable record and ends
// the session locally when the record is already terminal. Used when the app
// returns to the foreground: the peer may have hung up while signaling was
// not being received.
func (m *Manager) Reconcile(ctx context.Context) {
	m.mu.Lock()
	s := m.sess
	if !s.active() {
		m.mu.Unlock()
		return
	}
	epoch, callID := s.epoch, s.callID
	m.mu.Unlock()

	rec, ok := m.store.GetCall(callID)
	if !ok {
		log.Printf("CALL: reconcile: record %s missing, ending session", callID)
		m.teardown(epoch, storage.StatusEnded, "record missing", false)
		return
	}
	if storage.IsTerminal(rec.Status) {
		log.Printf("CALL: reconcile: record %s already %s, ending session", callID, rec.Status)
		m.teardown(epoch, rec.Status, "reconciled from record", false)
	}
}

// Close ends any live call and stops receiving signaling.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	s := m.sess
	var epoch uint64
	live := s.active()
	if live {
		epoch = s.epoch
	}
	m.mu.Unlock()

	if live {
		m.teardown(epoch, storage.StatusEnded, "shutdown", true)
	}
	if m.unsubStore != nil {
		m.unsubStore()
	}
	m.sig.Unsubscribe(proto.InboxTopic(m.opts.SelfID))
	return nil
}

func (m *Manager) setPresence(status string) {
	if m.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultPublishTimeout)
	defer cancel()
	if err := m.presence.SetStatus(ctx, status); err != nil {
		log.Printf("CALL: presence %s: %v", status, err)
	}
}
