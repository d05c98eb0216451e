package proto

import "time"

const (
	// PresenceTopic carries call-availability pulses for all peers.
	PresenceTopic = "dialp2p.presence.v1"

	MdnsTag = "dialp2p-mdns"

	// InboxTopicPrefix + userID is the per-user inbox topic. It carries the
	// initial offer for a new call, targeted at that user.
	InboxTopicPrefix = "calls:"

	// CallTopicPrefix + callID is the per-call topic. It carries the answer,
	// trickle ICE candidates and the end-of-call notice for the lifetime of
	// one session.
	CallTopicPrefix = "call-"
)

// InboxTopic returns the inbox topic name for a user.
func InboxTopic(userID string) string { return InboxTopicPrefix + userID }

// CallTopic returns the per-call topic name for a call ID.
func CallTopic(callID string) string { return CallTopicPrefix + callID }

// ── Signaling message types ──────────────────────────────────────────────────
// Value of the "type" field of every SignalingMessage. The set is closed:
// receivers dispatch exhaustively and drop anything else.
const (
	MsgOffer        = "offer"         // caller → callee inbox: SDP offer, starts the call
	MsgAnswer       = "answer"        // callee → caller, per-call topic: SDP answer
	MsgICECandidate = "ice-candidate" // either → other, per-call topic: trickle ICE
	MsgCallEnded    = "call-ended"    // either side, any time: hangup/decline/missed
)

// SessionDescription is an SDP blob plus its offer/answer type.
type SessionDescription struct {
	Type string `json:"type"` // "offer" or "answer"
	SDP  string `json:"sdp"`
}

// ICECandidateInit is the standard RTCIceCandidateInit shape (W3C WebRTC).
type ICECandidateInit struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// SignalingMessage is the single wire envelope for call signaling.
// Exactly one of Offer/Answer/Candidate is set, depending on Type.
// CallID is mandatory on every message; a receiver whose active session has
// a different call ID discards the message unconditionally.
type SignalingMessage struct {
	Type         string              `json:"type"`
	CallID       string              `json:"call_id"`
	From         string              `json:"from,omitempty"`
	TargetUserID string              `json:"target_user_id,omitempty"`
	CallerID     string              `json:"caller_id,omitempty"` // set on offers so the callee can build the record
	Offer        *SessionDescription `json:"offer,omitempty"`
	Answer       *SessionDescription `json:"answer,omitempty"`
	Candidate    *ICECandidateInit   `json:"candidate,omitempty"`
}

// ── Presence ─────────────────────────────────────────────────────────────────

const (
	PresenceAvailable = "available"
	PresenceRinging   = "ringing"
	PresenceInCall    = "in-call"
)

// PresenceMsg is one availability pulse on the presence topic.
type PresenceMsg struct {
	PeerID string `json:"peerId"`
	Status string `json:"status"` // available|ringing|in-call
	TS     int64  `json:"ts"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
